package quota_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/warp/quota-engine/generic"
	"github.com/warp/quota-engine/quota"
	"github.com/warp/quota-engine/store/memory"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var (
	ctx    = context.Background()
	march1 = generic.MustParseDate("2024-03-01")
)

type tenantSpec struct {
	code      string
	daily     int
	mandatory int
	inactive  bool
}

type fixture struct {
	store *memory.Memory
	svc   *quota.Service
	clock *generic.FixedClock
	pool  quota.Pool
}

// newFixture builds one pool with the given tenants on a memory store.
func newFixture(t *testing.T, equalShare bool, poolDaily int, tenants ...tenantSpec) *fixture {
	t.Helper()

	store := memory.New()
	pool := quota.Pool{ID: "pool-1", Name: "Account 1", DailyCapacity: poolDaily, CycleCapacity: poolDaily * 30, Active: true}
	require.NoError(t, store.SavePool(ctx, pool))

	for _, ts := range tenants {
		require.NoError(t, store.SaveTenant(ctx, quota.Tenant{
			ID:             quota.TenantID("t-" + ts.code),
			Code:           ts.code,
			Name:           "Unit " + ts.code,
			PoolID:         pool.ID,
			DailyCapacity:  ts.daily,
			CycleCapacity:  ts.daily * 30,
			MandatoryDaily: ts.mandatory,
			MaxSyncPerDay:  5,
			Active:         !ts.inactive,
		}))
	}

	clock := generic.NewFixedClock(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	svc := quota.NewService(store, quota.NewSelector(equalShare), nil)
	svc.Clock = clock

	return &fixture{store: store, svc: svc, clock: clock, pool: pool}
}

func (f *fixture) book(t *testing.T, code string, date generic.TimePoint, count int) *quota.BookingResult {
	t.Helper()
	res, err := f.svc.RequestReservation(ctx, quota.BookingRequest{TenantCode: code, Date: date, EmailCount: count})
	require.NoError(t, err)
	return res
}

func (f *fixture) activeOn(t *testing.T, date generic.TimePoint) int {
	t.Helper()
	n, err := f.store.SumReservations(ctx, quota.ActiveOn(f.pool.ID, date))
	require.NoError(t, err)
	return n
}

func (f *fixture) count(t *testing.T) int {
	t.Helper()
	rs, err := f.store.ListReservations(ctx, quota.ReservationFilter{})
	require.NoError(t, err)
	return len(rs)
}
