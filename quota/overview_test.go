package quota_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/quota-engine/generic"
	"github.com/warp/quota-engine/quota"
)

func TestOverview(t *testing.T) {
	f := newFixture(t, false, 1000, tenantSpec{code: "RCD", daily: 1000, mandatory: 100}, tenantSpec{code: "RMS", daily: 800})
	f.book(t, "RMS", march1, 400)

	ov, err := f.svc.Overview(ctx, "RCD", march1)
	require.NoError(t, err)

	assert.Equal(t, quota.ModeShared, ov.Mode)
	assert.Equal(t, 500, ov.Quota.Pool.AvailableDaily)
	assert.Nil(t, ov.Quota.Tenant.AvailableDaily)
	require.Len(t, ov.Scheduled, 1)
	assert.Equal(t, "RMS", ov.Scheduled[0].TenantCode)
	assert.Len(t, ov.GroupUnits, 2)
	assert.True(t, ov.CanBook)
	assert.Len(t, ov.Alternatives, quota.MaxSuggestions)
	assert.True(t, ov.Sync.CanSyncToday)
	assert.Zero(t, ov.Sync.SyncCountToday)
}

func TestOverview_EqualShareDistribution(t *testing.T) {
	f := newFixture(t, true, 1000, tenantSpec{code: "A", daily: 1000}, tenantSpec{code: "B", daily: 1000})
	f.book(t, "B", march1, 200)

	ov, err := f.svc.Overview(ctx, "A", march1)
	require.NoError(t, err)

	assert.Equal(t, quota.ModeEqual, ov.Mode)
	assert.Equal(t, 500, ov.Quota.BaseShare)
	require.NotNil(t, ov.Quota.Tenant.AvailableDaily)
	assert.Equal(t, 500, *ov.Quota.Tenant.AvailableDaily)
	require.Len(t, ov.Quota.Distribution, 2)
	assert.Equal(t, "B", ov.Quota.Distribution[1].TenantCode)
	assert.Equal(t, 300, ov.Quota.Distribution[1].Available)
	assert.Equal(t, 200, ov.Quota.Distribution[1].Used)
}

func TestOverviewRange(t *testing.T) {
	f := newFixture(t, false, 1000, tenantSpec{code: "RCD", daily: 1000})
	f.book(t, "RCD", march1, 1000)
	f.book(t, "RCD", march1.AddDays(1), 850)
	f.book(t, "RCD", march1.AddDays(2), 600)

	out, err := f.svc.OverviewRange(ctx, "RCD", march1, march1.AddDays(3))
	require.NoError(t, err)

	require.Len(t, out.Days, 4)
	assert.Equal(t, quota.DayFullyBooked, out.Days[0].Status)
	assert.Equal(t, quota.DayAlmostFull, out.Days[1].Status)
	assert.Equal(t, quota.DayModerate, out.Days[2].Status)
	assert.Equal(t, quota.DayAvailable, out.Days[3].Status)
	assert.Equal(t, 85.0, out.Days[1].Quota.UtilizationRate)
	assert.Equal(t, "Fri", out.Days[0].DayShort)

	assert.Equal(t, 4000, out.Summary.Capacity)
	assert.Equal(t, 2450, out.Summary.TotalUsed)
	assert.Equal(t, 1550, out.Summary.TotalAvailable)
	assert.Equal(t, 61.25, out.Summary.OverallUtilization)
	assert.Equal(t, 3, out.Summary.AvailableDays)
	assert.Equal(t, 1, out.Summary.FullyBookedDays)
	assert.Equal(t, 25.0, out.Summary.BookingRate)
}

func TestOverviewRange_Limits(t *testing.T) {
	f := newFixture(t, false, 1000, tenantSpec{code: "RCD", daily: 1000})

	_, err := f.svc.OverviewRange(ctx, "RCD", march1, march1.AddDays(30))
	assert.NoError(t, err, "31 days inclusive is allowed")

	_, err = f.svc.OverviewRange(ctx, "RCD", march1, march1.AddDays(31))
	assert.ErrorIs(t, err, generic.ErrRangeTooLarge)

	_, err = f.svc.OverviewRange(ctx, "RCD", march1, march1.AddDays(-1))
	assert.ErrorIs(t, err, generic.ErrInvalidPeriod)
}

func TestClassifyDay(t *testing.T) {
	assert.Equal(t, quota.DayFullyBooked, quota.ClassifyDay(0, 1000))
	assert.Equal(t, quota.DayFullyBooked, quota.ClassifyDay(-5, 1000))
	assert.Equal(t, quota.DayAlmostFull, quota.ClassifyDay(199, 1000))
	assert.Equal(t, quota.DayModerate, quota.ClassifyDay(200, 1000))
	assert.Equal(t, quota.DayAvailable, quota.ClassifyDay(500, 1000))
}

func TestQuotaStatus_Recommendations(t *testing.T) {
	f := newFixture(t, false, 1000, tenantSpec{code: "RCD", daily: 1000})
	tenant, _ := f.store.GetTenantByCode(ctx, "RCD")

	// GIVEN 900 sent today according to the ledger
	require.NoError(t, f.store.WithTx(ctx, func(tx quota.Tx) error {
		return tx.SaveUsageEntry(ctx, &quota.UsageEntry{PoolID: f.pool.ID, TenantID: tenant.ID, Date: march1, DailyUsed: 900, MonthlyUsed: 900})
	}))

	st, err := f.svc.QuotaStatus(ctx, "RCD", march1)
	require.NoError(t, err)

	assert.Equal(t, 900, st.Daily.PoolUsed)
	assert.Equal(t, 100, st.Daily.PoolAvailable)
	assert.Equal(t, 90.0, st.Daily.UsagePercent)
	assert.Equal(t, 900, st.Cycle.TenantUsed)
	assert.Equal(t, 20, st.Projection.RemainingDays)

	levels := []string{}
	for _, r := range st.Recommendations {
		levels = append(levels, r.Level)
	}
	assert.ElementsMatch(t, []string{"warning", "info"}, levels)
}
