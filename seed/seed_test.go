package seed_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/quota-engine/generic"
	"github.com/warp/quota-engine/quota"
	"github.com/warp/quota-engine/seed"
	"github.com/warp/quota-engine/store/memory"
)

var ctx = context.Background()

func TestLoad_Demo(t *testing.T) {
	store := memory.New()
	l := &seed.Loader{Admin: store}

	require.NoError(t, l.Load(ctx, "demo", generic.TimePoint{}))
	// loading twice is harmless
	require.NoError(t, l.Load(ctx, "demo", generic.TimePoint{}))

	pools, err := store.ListPools(ctx)
	require.NoError(t, err)
	assert.Len(t, pools, 3)

	units, err := store.ListTenants(ctx, "akun-3")
	require.NoError(t, err)
	require.Len(t, units, 3)
	assert.Equal(t, "PS", units[0].Code)
}

func TestLoad_BusyDayCascadesNextRequest(t *testing.T) {
	// GIVEN Akun 1 filled on March 1
	store := memory.New()
	svc := quota.NewService(store, quota.NewSelector(false), nil)
	svc.Clock = generic.NewFixedClock(time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC))
	day := generic.MustParseDate("2024-03-01")

	l := &seed.Loader{Admin: store, Service: svc}
	require.NoError(t, l.Load(ctx, "busy-day", day))

	// WHEN RCD asks for more on the same day
	res, err := svc.RequestReservation(ctx, quota.BookingRequest{TenantCode: "RCD", Date: day, EmailCount: 100})

	// THEN it is moved to the next day
	require.NoError(t, err)
	assert.Equal(t, quota.ResultFullAutoBooking, res.Type)
	require.Len(t, res.AutoBooked, 1)
	assert.Equal(t, "2024-03-02", res.AutoBooked[0].Date.String())
}

func TestLoad_Errors(t *testing.T) {
	l := &seed.Loader{Admin: memory.New()}

	assert.ErrorContains(t, l.Load(ctx, "nope", generic.TimePoint{}), "unknown scenario")
	assert.ErrorContains(t, l.Load(ctx, "busy-day", generic.MustParseDate("2024-03-01")), "needs a quota service")
	assert.NotEmpty(t, seed.Scenarios())
}
