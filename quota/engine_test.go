/*
engine_test.go - Booking, cascade, cancellation and completion

These tests drive quota.Service against the memory store. Each one pins a
pool configuration, books, and checks both the returned result and what
was persisted, since the capacity invariant is about stored rows.
*/
package quota_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/warp/quota-engine/generic"
	"github.com/warp/quota-engine/quota"
)

func TestRequest_FullApproval(t *testing.T) {
	f := newFixture(t, false, 1000, tenantSpec{code: "RCD", daily: 1000})

	res := f.book(t, "RCD", march1, 400)

	assert.True(t, res.Success)
	assert.Equal(t, quota.ResultFullApproval, res.Type)
	require.NotNil(t, res.Main)
	assert.Equal(t, quota.StatusApproved, res.Main.Status)
	assert.Equal(t, quota.TypeRegular, res.Main.Type)
	assert.NotNil(t, res.Main.ApprovedAt)
	assert.Equal(t, 400, res.TotalApproved)
	assert.Equal(t, 400, f.activeOn(t, march1))
}

func TestRequest_PartialCascadesRemainder(t *testing.T) {
	// GIVEN a pool with 1000/day and 700 already booked on March 1
	f := newFixture(t, false, 1000, tenantSpec{code: "RCD", daily: 1000}, tenantSpec{code: "RMS", daily: 1000})
	f.book(t, "RCD", march1, 700)

	// WHEN another tenant asks for 700 on March 1
	res, err := f.svc.RequestReservation(ctx, quota.BookingRequest{
		TenantCode: "RMS", Date: march1, EmailCount: 700, Subject: "Promo",
	})
	require.NoError(t, err)

	// THEN 300 land on March 1 and 400 are auto-booked on March 2
	assert.Equal(t, quota.ResultPartialWithAuto, res.Type)
	require.NotNil(t, res.Main)
	assert.Equal(t, 300, res.Main.EmailCount)
	assert.Equal(t, true, res.Main.Metadata[quota.MetaPartialApproval])

	require.Len(t, res.AutoBooked, 1)
	auto := res.AutoBooked[0]
	assert.Equal(t, "2024-03-02", auto.Date.String())
	assert.Equal(t, 400, auto.EmailCount)
	assert.Equal(t, "Saturday", auto.DayName)
	assert.Equal(t, 1, auto.SequenceOrder)
	assert.Equal(t, 700, res.TotalApproved)
	assert.Zero(t, res.RemainingUnbooked)

	stored, err := f.store.GetReservation(ctx, auto.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, true, stored.Metadata[quota.MetaAutoBooked])
	assert.Equal(t, string(res.Main.ID), stored.Metadata[quota.MetaMainID])
	assert.Equal(t, "Promo (Auto-booked)", stored.Subject)

	assert.Equal(t, 1000, f.activeOn(t, march1))
}

func TestRequest_AutoBookWhenDayIsFull(t *testing.T) {
	f := newFixture(t, false, 1000, tenantSpec{code: "RCD", daily: 1000})
	f.book(t, "RCD", march1, 1000)

	res := f.book(t, "RCD", march1, 1500)

	assert.Equal(t, quota.ResultFullAutoBooking, res.Type)
	assert.Nil(t, res.Main)
	require.Len(t, res.AutoBooked, 2)
	assert.Equal(t, 1000, res.AutoBooked[0].EmailCount)
	assert.Equal(t, 500, res.AutoBooked[1].EmailCount)
	assert.Equal(t, "2024-03-03", res.AutoBooked[1].Date.String())
	assert.Equal(t, 2, res.AutoBooked[1].SequenceOrder)
	assert.Equal(t, 1000, f.activeOn(t, march1))
}

func TestRequest_CascadeTerminatesAfterWindow(t *testing.T) {
	// GIVEN mandatory withholding equal to the whole pool
	f := newFixture(t, false, 1000, tenantSpec{code: "RCD", daily: 1000, mandatory: 1000})

	// WHEN requesting far more than could ever fit
	res := f.book(t, "RCD", march1, 10000)

	// THEN nothing is booked and everything is reported unbooked
	assert.Equal(t, quota.ResultFullAutoBooking, res.Type)
	assert.Empty(t, res.AutoBooked)
	assert.Equal(t, 10000, res.RemainingUnbooked)
	assert.Zero(t, f.count(t))
}

func TestRequest_CascadeStopsAtFourteenDays(t *testing.T) {
	f := newFixture(t, false, 100, tenantSpec{code: "RCD", daily: 100})
	f.book(t, "RCD", march1, 100)

	res := f.book(t, "RCD", march1, 5000)

	require.Len(t, res.AutoBooked, quota.CascadeWindowDays)
	assert.Equal(t, "2024-03-15", res.AutoBooked[len(res.AutoBooked)-1].Date.String())
	assert.Equal(t, 5000-100*quota.CascadeWindowDays, res.RemainingUnbooked)
}

func TestRequest_TenantErrors(t *testing.T) {
	f := newFixture(t, false, 1000, tenantSpec{code: "RCD", daily: 1000}, tenantSpec{code: "OFF", daily: 1000, inactive: true})

	_, err := f.svc.RequestReservation(ctx, quota.BookingRequest{TenantCode: "NOPE", Date: march1, EmailCount: 1})
	assert.ErrorIs(t, err, generic.ErrTenantNotFound)

	_, err = f.svc.RequestReservation(ctx, quota.BookingRequest{TenantCode: "OFF", Date: march1, EmailCount: 1})
	assert.ErrorIs(t, err, generic.ErrTenantInactive)

	_, err = f.svc.RequestReservation(ctx, quota.BookingRequest{TenantCode: "RCD", Date: march1, EmailCount: 0})
	assert.ErrorIs(t, err, generic.ErrInvalidRequest)

	_, err = f.svc.RequestReservation(ctx, quota.BookingRequest{TenantCode: "RCD", Date: march1, EmailCount: 5, Type: "spam"})
	assert.ErrorIs(t, err, generic.ErrInvalidRequest)
}

func TestRequest_MandatoryWithheld(t *testing.T) {
	// Inactive tenants do not withhold.
	f := newFixture(t, false, 1000,
		tenantSpec{code: "RCD", daily: 1000, mandatory: 200},
		tenantSpec{code: "RMS", daily: 1000, mandatory: 150},
		tenantSpec{code: "OFF", daily: 1000, mandatory: 500, inactive: true})

	res := f.book(t, "RCD", march1, 1000)

	assert.Equal(t, quota.ResultPartialWithAuto, res.Type)
	assert.Equal(t, 650, res.Main.EmailCount)
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestRequest_FirstComeWins(t *testing.T) {
	for i := 0; i < 20; i++ {
		f := newFixture(t, false, 1000, tenantSpec{code: "RCD", daily: 1000}, tenantSpec{code: "RMS", daily: 1000})

		results := make([]*quota.BookingResult, 2)
		var g errgroup.Group
		for n, code := range []string{"RCD", "RMS"} {
			g.Go(func() error {
				res, err := f.svc.RequestReservation(ctx, quota.BookingRequest{TenantCode: code, Date: march1, EmailCount: 700})
				results[n] = res
				return err
			})
		}
		require.NoError(t, g.Wait())

		types := []quota.ResultType{results[0].Type, results[1].Type}
		assert.ElementsMatch(t, []quota.ResultType{quota.ResultFullApproval, quota.ResultPartialWithAuto}, types)
		assert.Equal(t, 1000, f.activeOn(t, march1))
		assert.Equal(t, 400, f.activeOn(t, march1.AddDays(1)))
	}
}

func TestRequest_CapacityInvariantUnderLoad(t *testing.T) {
	f := newFixture(t, false, 1000,
		tenantSpec{code: "A", daily: 1000, mandatory: 50},
		tenantSpec{code: "B", daily: 1000, mandatory: 50},
		tenantSpec{code: "C", daily: 1000})

	var g errgroup.Group
	for i := 0; i < 30; i++ {
		code := []string{"A", "B", "C"}[i%3]
		count := 100 + (i*37)%400
		g.Go(func() error {
			_, err := f.svc.RequestReservation(ctx, quota.BookingRequest{TenantCode: code, Date: march1, EmailCount: count})
			return err
		})
	}
	require.NoError(t, g.Wait())

	for d := 0; d <= quota.CascadeWindowDays; d++ {
		assert.LessOrEqual(t, f.activeOn(t, march1.AddDays(d)), 900)
	}
}

// =============================================================================
// ROLLBACK
// =============================================================================

// failingStore breaks CreateReservation after n successful calls.
type failingStore struct {
	quota.TxStore
	n int
}

type failingTx struct {
	quota.Tx
	left *atomic.Int32
}

func (f failingTx) CreateReservation(ctx context.Context, r quota.Reservation) error {
	if f.left.Add(-1) < 0 {
		return errors.New("disk full")
	}
	return f.Tx.CreateReservation(ctx, r)
}

func (s failingStore) WithTx(ctx context.Context, fn func(quota.Tx) error) error {
	left := &atomic.Int32{}
	left.Store(int32(s.n))
	return s.TxStore.WithTx(ctx, func(tx quota.Tx) error {
		return fn(failingTx{Tx: tx, left: left})
	})
}

func TestRequest_RollsBackWholeCascade(t *testing.T) {
	f := newFixture(t, false, 1000, tenantSpec{code: "RCD", daily: 1000})
	f.book(t, "RCD", march1, 900)
	before := f.count(t)

	// GIVEN a store that fails on the third reservation write
	svc := quota.NewService(failingStore{TxStore: f.store, n: 2}, quota.NewSelector(false), nil)

	// WHEN a request needs a main reservation and a multi-day cascade
	_, err := svc.RequestReservation(ctx, quota.BookingRequest{TenantCode: "RCD", Date: march1, EmailCount: 2500})

	// THEN the error is a transaction failure and nothing survives
	assert.ErrorIs(t, err, generic.ErrTransactionFailed)
	var txErr *generic.TransactionError
	require.ErrorAs(t, err, &txErr)
	assert.Equal(t, "request reservation", txErr.Op)
	assert.Equal(t, before, f.count(t))
	assert.Equal(t, 900, f.activeOn(t, march1))
}

// =============================================================================
// CANCEL
// =============================================================================

func TestCancel_ReleasesCapacity(t *testing.T) {
	f := newFixture(t, false, 1000, tenantSpec{code: "RCD", daily: 1000}, tenantSpec{code: "RMS", daily: 1000})
	first := f.book(t, "RCD", march1, 1000)

	// Without the cancel RMS would be auto-booked elsewhere.
	cancelled, err := f.svc.CancelReservation(ctx, first.Main.ID, "RCD", "moved")
	require.NoError(t, err)
	assert.Equal(t, quota.StatusCancelled, cancelled.Status)
	assert.Equal(t, "moved", cancelled.Metadata[quota.MetaCancelReason])
	assert.Equal(t, 1000, cancelled.Metadata[quota.MetaReleasedCount])
	assert.Equal(t, "2024-03-01", cancelled.Metadata[quota.MetaOriginalDate])

	again := f.book(t, "RMS", march1, 1000)
	assert.Equal(t, quota.ResultFullApproval, again.Type)
}

func TestCancel_Rules(t *testing.T) {
	f := newFixture(t, false, 1000, tenantSpec{code: "RCD", daily: 1000}, tenantSpec{code: "RMS", daily: 1000})
	res := f.book(t, "RCD", march1, 100)
	id := res.Main.ID

	_, err := f.svc.CancelReservation(ctx, id, "RMS", "")
	assert.ErrorIs(t, err, generic.ErrReservationNotFound, "other tenant's reservation")

	_, err = f.svc.CancelReservation(ctx, id, "RCD", "")
	require.NoError(t, err)

	_, err = f.svc.CancelReservation(ctx, id, "RCD", "")
	assert.ErrorIs(t, err, generic.ErrInvalidState, "already cancelled")

	sent := f.book(t, "RCD", march1, 100)
	_, err = f.svc.MarkSent(ctx, sent.Main.ID, "RCD", nil)
	require.NoError(t, err)
	_, err = f.svc.CancelReservation(ctx, sent.Main.ID, "RCD", "")
	var ise *generic.InvalidStateError
	require.ErrorAs(t, err, &ise)
	assert.Equal(t, "sent", ise.From)
}

// =============================================================================
// MARK SENT
// =============================================================================

type recorderSpy struct {
	calls  int
	actual int
}

func (r *recorderSpy) RecordSent(_ context.Context, _ quota.Tx, _ *quota.Tenant, _ *quota.Reservation, actual int) error {
	r.calls++
	r.actual = actual
	return nil
}

func TestMarkSent(t *testing.T) {
	f := newFixture(t, false, 1000, tenantSpec{code: "RCD", daily: 1000})
	spy := &recorderSpy{}
	f.svc.Usage = spy

	a := f.book(t, "RCD", march1, 300)
	sent, err := f.svc.MarkSent(ctx, a.Main.ID, "RCD", nil)
	require.NoError(t, err)
	assert.Equal(t, quota.StatusSent, sent.Status)
	assert.Equal(t, 300, sent.Metadata[quota.MetaActualSent])
	assert.Zero(t, spy.calls, "no ledger delta without an actual count")

	// sent reservations still hold capacity
	assert.Equal(t, 300, f.activeOn(t, march1))

	b := f.book(t, "RCD", march1, 200)
	actual := 180
	sent, err = f.svc.MarkSent(ctx, b.Main.ID, "RCD", &actual)
	require.NoError(t, err)
	assert.Equal(t, 180, sent.Metadata[quota.MetaActualSent])
	assert.Equal(t, 1, spy.calls)
	assert.Equal(t, 180, spy.actual)

	_, err = f.svc.MarkSent(ctx, b.Main.ID, "RCD", nil)
	assert.ErrorIs(t, err, generic.ErrInvalidState)
}

func TestMarkSent_RacingCancelHasOneWinner(t *testing.T) {
	for range 20 {
		f := newFixture(t, false, 1000, tenantSpec{code: "RCD", daily: 1000})
		id := f.book(t, "RCD", march1, 300).Main.ID

		var g errgroup.Group
		var cancelErr, sentErr error
		g.Go(func() error {
			_, cancelErr = f.svc.CancelReservation(ctx, id, "RCD", "")
			return nil
		})
		g.Go(func() error {
			_, sentErr = f.svc.MarkSent(ctx, id, "RCD", nil)
			return nil
		})
		require.NoError(t, g.Wait())

		require.True(t, (cancelErr == nil) != (sentErr == nil))
		r, err := f.store.GetReservation(ctx, id)
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

func TestRequest_DropsSystemMetadataKeys(t *testing.T) {
	// GIVEN a caller trying to forge audit keys on a partial booking
	f := newFixture(t, false, 1000, tenantSpec{code: "RCD", daily: 1000})
	res, err := f.svc.RequestReservation(ctx, quota.BookingRequest{
		TenantCode: "RCD", Date: march1, EmailCount: 1200,
		Metadata: quota.Metadata{
			quota.MetaAutoBooked:   true,
			quota.MetaMainID:       "forged",
			quota.MetaCancelReason: "forged",
			"campaign_ref":         "spring-sale",
		},
	})
	require.NoError(t, err)
	require.Equal(t, quota.ResultPartialWithAuto, res.Type)

	// THEN only the engine's own keys survive, caller keys are kept
	main := res.Main.Metadata
	assert.NotContains(t, main, quota.MetaAutoBooked)
	assert.NotContains(t, main, quota.MetaMainID)
	assert.NotContains(t, main, quota.MetaCancelReason)
	assert.Equal(t, "spring-sale", main["campaign_ref"])

	require.NotEmpty(t, res.AutoBooked)
	auto, err := f.store.ListReservations(ctx, quota.ReservationFilter{From: march1.AddDays(1), To: march1.AddDays(1)})
	require.NoError(t, err)
	require.Len(t, auto, 1)
	assert.Equal(t, true, auto[0].Metadata[quota.MetaAutoBooked])
	assert.Equal(t, string(res.Main.ID), auto[0].Metadata[quota.MetaMainID])
	assert.NotContains(t, auto[0].Metadata, quota.MetaCancelReason)
}
