package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"golang.org/x/sync/errgroup"

	"github.com/warp/quota-engine/generic"
	"github.com/warp/quota-engine/quota"
	"github.com/warp/quota-engine/reconcile"
	"github.com/warp/quota-engine/store/postgres"
)

var march1 = generic.MustParseDate("2024-03-01")

// newStore starts a throwaway PostgreSQL and seeds one pool with two tenants.
func newStore(t *testing.T) *postgres.Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("quota"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(wait.ForListeningPort("5432/tcp").WithStartupTimeout(2*time.Minute)),
	)
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	connString, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	store, err := postgres.New(ctx, postgres.PoolConfig{ConnString: connString, MaxConns: 8})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.SavePool(ctx, quota.Pool{ID: "pool-1", Name: "Account 1", DailyCapacity: 1000, CycleCapacity: 30000, Active: true}))
	for _, code := range []string{"RCD", "RMS"} {
		require.NoError(t, store.SaveTenant(ctx, quota.Tenant{
			ID: quota.TenantID("t-" + code), Code: code, Name: "Unit " + code, PoolID: "pool-1",
			DailyCapacity: 1000, CycleCapacity: 30000, MaxSyncPerDay: 2, Active: true,
		}))
	}
	return store
}

func TestPostgres_StoreContract(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	_, err := store.GetTenantByCode(ctx, "NOPE")
	assert.ErrorIs(t, err, generic.ErrTenantNotFound)

	err = store.SaveTenant(ctx, quota.Tenant{ID: "t-dup", Code: "RCD", Name: "dup", PoolID: "pool-1"})
	assert.ErrorContains(t, err, "already exists")

	requested := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, store.WithTx(ctx, func(tx quota.Tx) error {
		return tx.CreateReservation(ctx, quota.Reservation{
			ID: "r-1", TenantID: "t-RCD", PoolID: "pool-1", Date: march1, EmailCount: 400,
			Type: quota.TypeRegular, Status: quota.StatusApproved, RequestedAt: requested,
			Metadata: quota.Metadata{quota.MetaAutoBooked: true},
		})
	}))

	r, err := store.GetReservation(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, "2024-03-01", r.Date.String())
	assert.Equal(t, true, r.Metadata[quota.MetaAutoBooked])
	assert.Nil(t, r.ApprovedAt)

	sum, err := store.SumReservations(ctx, quota.ActiveOn("pool-1", march1))
	require.NoError(t, err)
	assert.Equal(t, 400, sum)

	// ledger upsert keeps the id and appends events in order
	now := requested.Add(time.Hour)
	require.NoError(t, store.WithTx(ctx, func(tx quota.Tx) error {
		for i := range 2 {
			e := &quota.UsageEntry{PoolID: "pool-1", TenantID: "t-RCD", Date: march1, DailyUsed: 100 * (i + 1), UpdatedAt: now}
			if err := tx.SaveUsageEntry(ctx, e); err != nil {
				return err
			}
			if err := tx.AppendUsageEvent(ctx, quota.UsageEvent{EntryID: e.ID, Source: quota.SourceMarkSent, Delta: 100, RecordedAt: now}); err != nil {
				return err
			}
		}
		return nil
	}))

	entry, err := store.GetUsageEntry(ctx, "pool-1", "t-RCD", march1)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, 200, entry.DailyUsed)
	require.Len(t, entry.Breakdown, 2)
	assert.Equal(t, 2, entry.Breakdown[1].Seq)
}

func TestPostgres_ConcurrentBookingsNeverOvercommit(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	svc := quota.NewService(store, quota.NewSelector(false), nil)
	svc.Clock = generic.NewFixedClock(time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC))

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

	total := 0
	for d := range 5 {
		sum, err := store.SumReservations(ctx, quota.ActiveOn("pool-1", march1.AddDays(d)))
		require.NoError(t, err)
		assert.LessOrEqual(t, sum, 1000)
		total += sum
	}
	assert.Equal(t, 3000, total)
}

func TestPostgres_SyncLimitUnderConcurrency(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	engine := reconcile.NewEngine(store, nil)
	engine.Clock = generic.NewFixedClock(time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC))

	// 6 racing syncs against a limit of 2
	var g errgroup.Group
	results := make([]error, 6)
	for i := range results {
		g.Go(func() error {
			_, results[i] = engine.SyncSnapshot(ctx, "RCD", "manual")
			return nil
		})
	}
	require.NoError(t, g.Wait())

	ok := 0
	for _, err := range results {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, generic.ErrSyncLimitExceeded)
	}
	assert.Equal(t, 2, ok)

	n, err := store.SyncCount(ctx, "t-RCD", march1)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

// engines wires booking and reconciliation on store with a pinned clock.
func engines(store *postgres.Store) (*quota.Service, *reconcile.Engine) {
	clock := generic.NewFixedClock(time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC))
	svc := quota.NewService(store, quota.NewSelector(false), nil)
	svc.Clock = clock
	engine := reconcile.NewEngine(store, nil)
	engine.Clock = clock
	svc.Usage = engine
	return svc, engine
}

func book(t *testing.T, svc *quota.Service, count int) quota.ReservationID {
	t.Helper()
	res, err := svc.RequestReservation(context.Background(), quota.BookingRequest{TenantCode: "RCD", Date: march1, EmailCount: count})
	require.NoError(t, err)
	require.NotNil(t, res.Main)
	return res.Main.ID
}

func TestPostgres_CancelRacingMarkSentHasOneWinner(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	svc, _ := engines(store)

	for round := range 5 {
		id := book(t, svc, 100)
		actual := 90

		var g errgroup.Group
		var cancelErr, sentErr error
		g.Go(func() error {
			_, cancelErr = svc.CancelReservation(ctx, id, "RCD", "")
			return nil
		})
		g.Go(func() error {
			_, sentErr = svc.MarkSent(ctx, id, "RCD", &actual)
			return nil
		})
		require.NoError(t, g.Wait())

		require.True(t, (cancelErr == nil) != (sentErr == nil), "round %d: cancel=%v sent=%v", round, cancelErr, sentErr)
		r, err := store.GetReservation(ctx, id)
		require.NoError(t, err)
		if cancelErr == nil {
			assert.ErrorIs(t, sentErr, generic.ErrInvalidState)
			assert.Equal(t, quota.StatusCancelled, r.Status)
		} else {
			assert.ErrorIs(t, cancelErr, generic.ErrInvalidState)
			assert.Equal(t, quota.StatusSent, r.Status)
		}
	}
}

func TestPostgres_RacingCompletionsCountOnce(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	svc, engine := engines(store)

	// GIVEN one reservation completed four times at once, and three others
	// completed in parallel for the same unit and day
	dup := book(t, svc, 100)
	others := []quota.ReservationID{book(t, svc, 100), book(t, svc, 100), book(t, svc, 100)}

	var g errgroup.Group
	dupErrs := make([]error, 4)
	for i := range dupErrs {
		g.Go(func() error {
			_, dupErrs[i] = engine.RecordCompletion(ctx, "RCD", dup, 70, march1)
			return nil
		})
	}
	for _, id := range others {
		g.Go(func() error {
			_, err := engine.RecordCompletion(ctx, "RCD", id, 50, march1)
			return err
		})
	}
	require.NoError(t, g.Wait())

	// THEN the duplicate lands once and no delta is lost
	ok := 0
	for _, err := range dupErrs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, generic.ErrInvalidState)
	}
	assert.Equal(t, 1, ok)

	entry, err := store.GetUsageEntry(ctx, "pool-1", "t-RCD", march1)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, 70+3*50, entry.DailyUsed)
	assert.Equal(t, entry.DailyUsed, entry.MonthlyUsed)
	assert.Len(t, entry.Breakdown, 4)
}
