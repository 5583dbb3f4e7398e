/*
strategy.go - Allocation strategies

PURPOSE:
  A Strategy answers two questions for a tenant and a day: how much may
  it still book, and what happens to a request for N emails. Two variants
  exist and exactly one is active for the whole process (see selector.go).

  SharedPool: the pool is one first-come-first-served bucket. Whatever
              any tenant books reduces what every other tenant sees.
  EqualShare: each active tenant owns a fixed slice of the pool. A
              sibling consuming its slice never shrinks yours.

OUTCOMES (capacity shortfall is never an error):
  valid      the whole request fits
  partial    ApprovedCount fits today, RemainingCount must cascade
  auto_book  nothing fits today, everything must cascade (shared only)
  rejected   nothing fits and the strategy does not cascade (equal only)

POOL FIGURES (both strategies report them):
  daily available = daily capacity
                  - active reservations on the day
                  - Σ mandatory of active tenants
  cycle available = cycle capacity
                  - active reservations in the billing period
                  - Σ mandatory × days in the period
*/
package quota

import (
	"context"
	"fmt"

	"github.com/warp/quota-engine/billing"
	"github.com/warp/quota-engine/generic"
)

// =============================================================================
// OUTCOME
// =============================================================================

type Outcome string

const (
	OutcomeValid    Outcome = "valid"
	OutcomePartial  Outcome = "partial"
	OutcomeAutoBook Outcome = "auto_book"
	OutcomeRejected Outcome = "rejected"
)

// Validation is a strategy's verdict on a request.
type Validation struct {
	Outcome        Outcome `json:"outcome"`
	Available      int     `json:"available"`
	ApprovedCount  int     `json:"approved_count,omitempty"`
	RemainingCount int     `json:"remaining_count,omitempty"`
	Message        string  `json:"message,omitempty"`
}

// =============================================================================
// STRATEGY
// =============================================================================

type Mode string

const (
	ModeShared Mode = "group"
	ModeEqual  Mode = "equal"
)

// Strategy computes availability for a tenant on a day.
// Implementations read through r so they see a transaction's own writes.
type Strategy interface {
	Mode() Mode
	Available(ctx context.Context, r Reader, t *Tenant, date generic.TimePoint) (int, error)
	Validate(ctx context.Context, r Reader, t *Tenant, date generic.TimePoint, count int) (Validation, error)
	Overview(ctx context.Context, r Reader, t *Tenant, date generic.TimePoint) (*QuotaOverview, error)
	CanBook(ctx context.Context, r Reader, t *Tenant, date generic.TimePoint) (bool, error)
}

// =============================================================================
// OVERVIEW
// =============================================================================

type PoolQuota struct {
	Name           string         `json:"account_name"`
	DailyCapacity  int            `json:"daily_quota"`
	CycleCapacity  int            `json:"monthly_quota"`
	AvailableDaily int            `json:"available_daily"`
	AvailableCycle int            `json:"available_monthly"`
	Period         generic.Period `json:"billing_period"`
}

type TenantQuota struct {
	Code           string `json:"unit_code"`
	Name           string `json:"unit_name"`
	DailyCapacity  int    `json:"daily_quota"`
	CycleCapacity  int    `json:"monthly_quota"`
	MandatoryDaily int    `json:"mandatory_daily"`
	// AvailableDaily is nil under the shared strategy, where a tenant has
	// no figure of its own.
	AvailableDaily *int `json:"available_daily,omitempty"`
	UsedToday      int  `json:"used_today"`
	EqualShare     bool `json:"equal_quota_enabled"`
}

// ShareLine is one tenant's slice under the equal-share strategy.
type ShareLine struct {
	TenantCode     string `json:"unit_code"`
	TenantName     string `json:"unit_name"`
	Available      int    `json:"available_quota"`
	Used           int    `json:"used_quota"`
	DailyCapacity  int    `json:"unit_daily_quota"`
	MandatoryDaily int    `json:"mandatory_quota"`
}

type QuotaOverview struct {
	Pool         PoolQuota   `json:"group_quota"`
	Tenant       TenantQuota `json:"unit_quota"`
	BaseShare    int         `json:"base_share,omitempty"`
	Distribution []ShareLine `json:"quota_distribution,omitempty"`
}

// =============================================================================
// POOL CAPACITY - shared by both strategies
// =============================================================================

// activeTenants returns a pool's active tenants and their mandatory total.
func activeTenants(ctx context.Context, r Reader, poolID PoolID) ([]Tenant, int, error) {
	all, err := r.ListTenants(ctx, poolID)
	if err != nil {
		return nil, 0, fmt.Errorf("list tenants: %w", err)
	}
	var active []Tenant
	mandatory := 0
	for _, t := range all {
		if !t.Active {
			continue
		}
		active = append(active, t)
		mandatory += t.MandatoryDaily
	}
	return active, mandatory, nil
}

// PoolDailyAvailable is the pool's remaining competitive capacity on date.
func PoolDailyAvailable(ctx context.Context, r Reader, pool *Pool, date generic.TimePoint) (int, error) {
	reserved, err := r.SumReservations(ctx, ActiveOn(pool.ID, date))
	if err != nil {
		return 0, fmt.Errorf("sum reservations: %w", err)
	}
	_, mandatory, err := activeTenants(ctx, r, pool.ID)
	if err != nil {
		return 0, err
	}
	return pool.DailyCapacity - reserved - mandatory, nil
}

// PoolCycleAvailable is the pool's remaining capacity in the billing
// period containing date.
func PoolCycleAvailable(ctx context.Context, r Reader, pool *Pool, date generic.TimePoint) (int, error) {
	period := billing.PeriodFor(date)
	reserved, err := r.SumReservations(ctx, ActiveIn(pool.ID, period))
	if err != nil {
		return 0, fmt.Errorf("sum reservations: %w", err)
	}
	_, mandatory, err := activeTenants(ctx, r, pool.ID)
	if err != nil {
		return 0, err
	}
	return pool.CycleCapacity - reserved - mandatory*period.Len(), nil
}

func poolQuota(ctx context.Context, r Reader, pool *Pool, date generic.TimePoint) (PoolQuota, error) {
	daily, err := PoolDailyAvailable(ctx, r, pool, date)
	if err != nil {
		return PoolQuota{}, err
	}
	cycle, err := PoolCycleAvailable(ctx, r, pool, date)
	if err != nil {
		return PoolQuota{}, err
	}
	return PoolQuota{
		Name:           pool.Name,
		DailyCapacity:  pool.DailyCapacity,
		CycleCapacity:  pool.CycleCapacity,
		AvailableDaily: daily,
		AvailableCycle: cycle,
		Period:         billing.PeriodFor(date),
	}, nil
}

// tenantUsedOn totals a tenant's active reservations on date.
func tenantUsedOn(ctx context.Context, r Reader, t *Tenant, date generic.TimePoint) (int, error) {
	used, err := r.SumReservations(ctx, ReservationFilter{
		TenantID: t.ID,
		From:     date,
		To:       date,
		Statuses: ActiveStatuses,
	})
	if err != nil {
		return 0, fmt.Errorf("sum tenant reservations: %w", err)
	}
	return used, nil
}
