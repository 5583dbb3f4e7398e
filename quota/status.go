package quota

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/quota-engine/billing"
	"github.com/warp/quota-engine/generic"
)

// =============================================================================
// QUOTA STATUS - Ledger based usage, projection and recommendations
// =============================================================================

// Recommendation thresholds.
const (
	DailyWarningPercent   = 80
	CycleCriticalPercent  = 90
	LowDailyAvailableMark = 1000
)

type DailyStatus struct {
	PoolCapacity      int     `json:"group_quota"`
	PoolUsed          int     `json:"group_used"`
	PoolAvailable     int     `json:"group_available"`
	TenantCapacity    int     `json:"unit_quota"`
	TenantUsed        int     `json:"unit_used"`
	TenantAvailable   int     `json:"unit_available"`
	MandatoryReserved int     `json:"mandatory_reserved"`
	UsagePercent      float64 `json:"usage_percentage"`
}

type CycleStatus struct {
	Period          generic.Period `json:"billing_period"`
	PoolCapacity    int            `json:"group_quota"`
	PoolUsed        int            `json:"group_used"`
	PoolAvailable   int            `json:"group_available"`
	TenantCapacity  int            `json:"unit_quota"`
	TenantUsed      int            `json:"unit_used"`
	TenantAvailable int            `json:"unit_available"`
	UsagePercent    float64        `json:"usage_percentage"`
}

type Projection struct {
	AverageDaily     int     `json:"average_daily_usage"`
	ProjectedCycle   int     `json:"projected_monthly_usage"`
	ProjectedPercent float64 `json:"projected_percentage"`
	RemainingDays    int     `json:"remaining_days"`
}

type Recommendation struct {
	Level   string `json:"type"`
	Message string `json:"message"`
}

type QuotaStatus struct {
	Date            generic.TimePoint `json:"date"`
	Daily           DailyStatus       `json:"daily"`
	Cycle           CycleStatus       `json:"monthly"`
	Projection      Projection        `json:"projection"`
	Recommendations []Recommendation  `json:"recommendations"`
}

// QuotaStatus summarises ledger usage for a tenant's pool on date and
// within the billing period containing it.
func (s *Service) QuotaStatus(ctx context.Context, tenantCode string, date generic.TimePoint) (*QuotaStatus, error) {
	tenant, err := s.Store.GetTenantByCode(ctx, tenantCode)
	if err != nil {
		return nil, err
	}
	return BuildQuotaStatus(ctx, s.Store, tenant, date)
}

// BuildQuotaStatus is QuotaStatus for an already resolved tenant.
func BuildQuotaStatus(ctx context.Context, r Reader, tenant *Tenant, date generic.TimePoint) (*QuotaStatus, error) {
	pool, err := r.GetPool(ctx, tenant.PoolID)
	if err != nil {
		return nil, err
	}
	_, mandatory, err := activeTenants(ctx, r, pool.ID)
	if err != nil {
		return nil, err
	}

	period := billing.PeriodFor(date)
	entries, err := r.ListUsageEntries(ctx, UsageFilter{PoolID: pool.ID, From: period.Start, To: period.End})
	if err != nil {
		return nil, fmt.Errorf("list usage: %w", err)
	}

	var poolDay, tenantDay, poolCycle, tenantCycle, usedBefore int
	for _, e := range entries {
		poolCycle += e.DailyUsed
		if e.TenantID == tenant.ID {
			tenantCycle += e.DailyUsed
		}
		if e.Date.Equal(date) {
			poolDay += e.DailyUsed
			if e.TenantID == tenant.ID {
				tenantDay += e.DailyUsed
			}
		}
		if e.Date.Before(date) {
			usedBefore += e.DailyUsed
		}
	}

	st := &QuotaStatus{
		Date: date,
		Daily: DailyStatus{
			PoolCapacity:      pool.DailyCapacity,
			PoolUsed:          poolDay,
			PoolAvailable:     pool.DailyCapacity - poolDay - mandatory,
			TenantCapacity:    tenant.DailyCapacity,
			TenantUsed:        tenantDay,
			TenantAvailable:   tenant.DailyCapacity - tenantDay,
			MandatoryReserved: mandatory,
			UsagePercent:      Percent(poolDay, pool.DailyCapacity),
		},
		Cycle: CycleStatus{
			Period:          period,
			PoolCapacity:    pool.CycleCapacity,
			PoolUsed:        poolCycle,
			PoolAvailable:   pool.CycleCapacity - poolCycle,
			TenantCapacity:  tenant.CycleCapacity,
			TenantUsed:      tenantCycle,
			TenantAvailable: tenant.CycleCapacity - tenantCycle,
			UsagePercent:    Percent(poolCycle, pool.CycleCapacity),
		},
		Projection: project(period, date, usedBefore, poolCycle, pool.CycleCapacity),
	}
	st.Recommendations = recommend(st)
	return st, nil
}

// project extrapolates the cycle total from the average of the days
// already elapsed before date.
func project(period generic.Period, date generic.TimePoint, usedBefore, cycleUsed, capacity int) Projection {
	elapsed := generic.DaysBetween(period.Start, date)
	remaining := generic.DaysBetween(date, period.End) + 1

	avg := decimal.Zero
	if elapsed > 0 {
		avg = decimal.NewFromInt(int64(usedBefore)).Div(decimal.NewFromInt(int64(elapsed)))
	}
	projected := decimal.NewFromInt(int64(cycleUsed)).Add(avg.Mul(decimal.NewFromInt(int64(remaining))))

	p := Projection{
		AverageDaily:   int(avg.Round(0).IntPart()),
		ProjectedCycle: int(projected.Round(0).IntPart()),
		RemainingDays:  remaining,
	}
	if capacity > 0 {
		p.ProjectedPercent = projected.Mul(decimal.NewFromInt(100)).
			Div(decimal.NewFromInt(int64(capacity))).
			Round(2).
			InexactFloat64()
	}
	return p
}

func recommend(st *QuotaStatus) []Recommendation {
	recs := []Recommendation{}
	if st.Daily.UsagePercent > DailyWarningPercent {
		recs = append(recs, Recommendation{Level: "warning", Message: "Daily quota usage is above 80%. Consider rescheduling non-urgent campaigns."})
	}
	if st.Cycle.UsagePercent > CycleCriticalPercent {
		recs = append(recs, Recommendation{Level: "critical", Message: "Billing cycle usage is above 90%. Immediate action required."})
	}
	if st.Daily.PoolAvailable < LowDailyAvailableMark {
		recs = append(recs, Recommendation{Level: "info", Message: "Low daily quota remaining. Plan campaigns for tomorrow."})
	}
	return recs
}
