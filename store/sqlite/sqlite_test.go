package sqlite_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/warp/quota-engine/generic"
	"github.com/warp/quota-engine/quota"
	"github.com/warp/quota-engine/store/sqlite"
)

var (
	ctx    = context.Background()
	march1 = generic.MustParseDate("2024-03-01")
)

func newStore(t *testing.T, path string) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.SavePool(ctx, quota.Pool{ID: "pool-1", Name: "Account 1", DailyCapacity: 1000, CycleCapacity: 30000, Active: true}))
	for _, code := range []string{"RMS", "RCD"} {
		require.NoError(t, store.SaveTenant(ctx, quota.Tenant{
			ID: quota.TenantID("t-" + code), Code: code, Name: "Unit " + code, PoolID: "pool-1",
			DailyCapacity: 1000, CycleCapacity: 30000, MandatoryDaily: 0, MaxSyncPerDay: 3, Active: true,
		}))
	}
	return store
}

func reservation(id string, date generic.TimePoint, count int, status quota.Status) quota.Reservation {
	return quota.Reservation{
		ID: quota.ReservationID(id), TenantID: "t-RCD", PoolID: "pool-1",
		Date: date, EmailCount: count, Type: quota.TypeRegular, Status: status,
		RequestedAt: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestStore_PoolsAndTenants(t *testing.T) {
	store := newStore(t, ":memory:")

	pool, err := store.GetPool(ctx, "pool-1")
	require.NoError(t, err)
	assert.Equal(t, 1000, pool.DailyCapacity)
	assert.True(t, pool.Active)

	_, err = store.GetPool(ctx, "nope")
	assert.ErrorIs(t, err, generic.ErrPoolNotFound)

	tenant, err := store.GetTenantByCode(ctx, "RCD")
	require.NoError(t, err)
	assert.Equal(t, quota.TenantID("t-RCD"), tenant.ID)
	assert.Equal(t, 3, tenant.MaxSyncPerDay)

	_, err = store.GetTenant(ctx, "t-NOPE")
	assert.ErrorIs(t, err, generic.ErrTenantNotFound)

	tenants, err := store.ListTenants(ctx, "pool-1")
	require.NoError(t, err)
	require.Len(t, tenants, 2)
	assert.Equal(t, "RCD", tenants[0].Code, "ordered by code")

	err = store.SaveTenant(ctx, quota.Tenant{ID: "t-other", Code: "RCD", Name: "dup", PoolID: "pool-1"})
	assert.ErrorContains(t, err, "already exists")
}

func TestStore_ReservationRoundTrip(t *testing.T) {
	store := newStore(t, ":memory:")

	approvedAt := time.Date(2024, 3, 1, 9, 0, 0, 123456789, time.UTC)
	r := reservation("r-1", march1, 400, quota.StatusApproved)
	r.Subject = "Promo"
	r.ApprovedAt = &approvedAt
	r.Metadata = quota.Metadata{quota.MetaAutoBooked: true, quota.MetaRequestedDate: "2024-03-01"}

	require.NoError(t, store.WithTx(ctx, func(tx quota.Tx) error {
		if err := tx.CreateReservation(ctx, r); err != nil {
			return err
		}
		if err := tx.CreateReservation(ctx, reservation("r-2", march1.AddDays(1), 100, quota.StatusApproved)); err != nil {
			return err
		}
		return tx.CreateReservation(ctx, reservation("r-3", march1, 50, quota.StatusCancelled))
	}))

	got, err := store.GetReservation(ctx, "r-1")
	require.NoError(t, err)
	assert.True(t, got.Date.Equal(march1))
	assert.Equal(t, "Promo", got.Subject)
	assert.Equal(t, true, got.Metadata[quota.MetaAutoBooked])
	require.NotNil(t, got.ApprovedAt)
	assert.True(t, got.ApprovedAt.Equal(approvedAt))
	assert.Nil(t, got.SentAt)

	sum, err := store.SumReservations(ctx, quota.ActiveOn("pool-1", march1))
	require.NoError(t, err)
	assert.Equal(t, 400, sum, "cancelled reservations hold no capacity")

	all, err := store.ListReservations(ctx, quota.ReservationFilter{TenantID: "t-RCD"})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "2024-03-02", all[2].Date.String(), "ordered by date")

	_, err = store.GetReservation(ctx, "missing")
	assert.ErrorIs(t, err, generic.ErrReservationNotFound)

	err = store.WithTx(ctx, func(tx quota.Tx) error {
		return tx.UpdateReservation(ctx, reservation("missing", march1, 1, quota.StatusSent), quota.StatusApproved)
	})
	assert.ErrorIs(t, err, generic.ErrReservationNotFound)
}

func TestStore_UpdateReservationChecksStatus(t *testing.T) {
	// GIVEN a reservation that was already cancelled
	store := newStore(t, ":memory:")
	require.NoError(t, store.WithTx(ctx, func(tx quota.Tx) error {
		return tx.CreateReservation(ctx, reservation("r-1", march1, 400, quota.StatusCancelled))
	}))

	// WHEN a writer still believes it is approved
	err := store.WithTx(ctx, func(tx quota.Tx) error {
		r, err := tx.LockReservation(ctx, "r-1")
		if err != nil {
			return err
		}
		r.Status = quota.StatusSent
		return tx.UpdateReservation(ctx, *r, quota.StatusApproved)
	})

	// THEN nothing is written
	var ise *generic.InvalidStateError
	require.ErrorAs(t, err, &ise)
	assert.Equal(t, string(quota.StatusCancelled), ise.From)

	got, err := store.GetReservation(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, quota.StatusCancelled, got.Status)
}

func TestStore_ReservationPages(t *testing.T) {
	store := newStore(t, ":memory:")
	require.NoError(t, store.WithTx(ctx, func(tx quota.Tx) error {
		for d := range 5 {
			if err := tx.CreateReservation(ctx, reservation(fmt.Sprintf("r-%d", d), march1.AddDays(d), 10, quota.StatusApproved)); err != nil {
				return err
			}
		}
		return nil
	}))

	f := quota.ReservationFilter{TenantID: "t-RCD", NewestFirst: true, Limit: 2, Offset: 1}
	page, err := store.ListReservations(ctx, f)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "2024-03-04", page[0].Date.String())
	assert.Equal(t, "2024-03-03", page[1].Date.String())

	n, err := store.CountReservations(ctx, f)
	require.NoError(t, err)
	assert.Equal(t, 5, n, "count ignores the page")

	rest, err := store.ListReservations(ctx, quota.ReservationFilter{TenantID: "t-RCD", Offset: 3})
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, "2024-03-04", rest[0].Date.String())
}

func TestStore_UsesInjectedClock(t *testing.T) {
	store := newStore(t, ":memory:")
	pinned := time.Date(2024, 3, 1, 7, 30, 0, 0, time.UTC)
	store.Clock = generic.NewFixedClock(pinned)

	require.NoError(t, store.SavePool(ctx, quota.Pool{ID: "pool-2", Name: "Account 2", DailyCapacity: 10, CycleCapacity: 300, Active: true}))
	pool, err := store.GetPool(ctx, "pool-2")
	require.NoError(t, err)
	assert.True(t, pool.CreatedAt.Equal(pinned))
}

func TestStore_WithTxRollsBack(t *testing.T) {
	store := newStore(t, ":memory:")
	boom := errors.New("boom")

	err := store.WithTx(ctx, func(tx quota.Tx) error {
		if err := tx.CreateReservation(ctx, reservation("r-1", march1, 400, quota.StatusApproved)); err != nil {
			return err
		}
		sum, err := tx.SumReservations(ctx, quota.ActiveOn("pool-1", march1))
		if err != nil {
			return err
		}
		// reads inside the transaction see its own writes
		assert.Equal(t, 400, sum)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	sum, err := store.SumReservations(ctx, quota.ActiveOn("pool-1", march1))
	require.NoError(t, err)
	assert.Zero(t, sum)
}

func TestStore_UsageLedger(t *testing.T) {
	store := newStore(t, ":memory:")
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	none, err := store.GetUsageEntry(ctx, "pool-1", "t-RCD", march1)
	require.NoError(t, err)
	assert.Nil(t, none)

	var firstID string
	require.NoError(t, store.WithTx(ctx, func(tx quota.Tx) error {
		e := &quota.UsageEntry{PoolID: "pool-1", TenantID: "t-RCD", Date: march1, DailyUsed: 300, MonthlyUsed: 300, UpdatedAt: now}
		if err := tx.SaveUsageEntry(ctx, e); err != nil {
			return err
		}
		firstID = e.ID
		if err := tx.AppendUsageEvent(ctx, quota.UsageEvent{EntryID: e.ID, Source: quota.SourceCampaignCompletion, Delta: 300, RecordedAt: now}); err != nil {
			return err
		}

		reported := 350
		again := &quota.UsageEntry{
			PoolID: "pool-1", TenantID: "t-RCD", Date: march1, DailyUsed: 300, MonthlyUsed: 300,
			ReportedDaily: &reported, Status: quota.DiscrepancyWarning,
			Discrepancy: &quota.Discrepancy{DailyDiff: 50, HasDiscrepancy: true}, UpdatedAt: now,
		}
		if err := tx.SaveUsageEntry(ctx, again); err != nil {
			return err
		}
		assert.Equal(t, firstID, again.ID, "upsert keeps the entry id")
		return tx.AppendUsageEvent(ctx, quota.UsageEvent{EntryID: again.ID, Source: quota.SourceTenantReport, Payload: map[string]any{"reported_daily": 350}, RecordedAt: now})
	}))

	entry, err := store.GetUsageEntry(ctx, "pool-1", "t-RCD", march1)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, firstID, entry.ID)
	assert.Equal(t, 300, entry.DailyUsed)
	require.NotNil(t, entry.ReportedDaily)
	assert.Equal(t, 350, *entry.ReportedDaily)
	assert.Nil(t, entry.ReportedMonthly)
	assert.Equal(t, quota.DiscrepancyWarning, entry.Status)
	require.NotNil(t, entry.Discrepancy)
	assert.Equal(t, 50, entry.Discrepancy.DailyDiff)

	require.Len(t, entry.Breakdown, 2)
	assert.Equal(t, 1, entry.Breakdown[0].Seq)
	assert.Equal(t, quota.SourceCampaignCompletion, entry.Breakdown[0].Source)
	assert.Equal(t, 2, entry.Breakdown[1].Seq)
	assert.Equal(t, float64(350), entry.Breakdown[1].Payload["reported_daily"])

	// a second day, then filters and pagination
	require.NoError(t, store.WithTx(ctx, func(tx quota.Tx) error {
		return tx.SaveUsageEntry(ctx, &quota.UsageEntry{PoolID: "pool-1", TenantID: "t-RCD", Date: march1.AddDays(1), DailyUsed: 10, UpdatedAt: now})
	}))

	entries, err := store.ListUsageEntries(ctx, quota.UsageFilter{PoolID: "pool-1"})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "2024-03-02", entries[0].Date.String(), "newest first")
	assert.Equal(t, quota.DiscrepancyNormal, entries[0].Status)

	page, err := store.ListUsageEntries(ctx, quota.UsageFilter{PoolID: "pool-1", Offset: 1, Limit: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "2024-03-01", page[0].Date.String())

	n, err := store.CountUsageEntries(ctx, quota.UsageFilter{Status: quota.DiscrepancyWarning})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStore_SyncCount(t *testing.T) {
	store := newStore(t, ":memory:")

	for want := 1; want <= 2; want++ {
		require.NoError(t, store.WithTx(ctx, func(tx quota.Tx) error {
			got, err := tx.IncrementSyncCount(ctx, "t-RCD", march1, "manual")
			assert.Equal(t, want, got)
			return err
		}))
	}

	n, err := store.SyncCount(ctx, "t-RCD", march1)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = store.SyncCount(ctx, "t-RCD", march1.AddDays(1))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStore_ConcurrentBookingsNeverOvercommit(t *testing.T) {
	// GIVEN a file-backed store shared by concurrent requests
	store := newStore(t, filepath.Join(t.TempDir(), "quota.db"))
	svc := quota.NewService(store, quota.NewSelector(false), nil)
	svc.Clock = generic.NewFixedClock(time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC))

	// WHEN 10 requests of 300 race for March 1 (1000/day)
	var g errgroup.Group
	for i := range 10 {
		code := "RCD"
		if i%2 == 0 {
			code = "RMS"
		}
		g.Go(func() error {
			_, err := svc.RequestReservation(ctx, quota.BookingRequest{TenantCode: code, Date: march1, EmailCount: 300})
			return err
		})
	}
	require.NoError(t, g.Wait())

	// THEN no day holds more than its capacity and nothing was lost
	total := 0
	for d := range 5 {
		sum, err := store.SumReservations(ctx, quota.ActiveOn("pool-1", march1.AddDays(d)))
		require.NoError(t, err)
		assert.LessOrEqual(t, sum, 1000)
		total += sum
	}
	assert.Equal(t, 3000, total)
}
