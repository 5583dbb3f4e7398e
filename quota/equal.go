package quota

import (
	"context"
	"fmt"

	"github.com/warp/quota-engine/generic"
)

// EqualShare gives every active tenant a fixed slice of the pool:
//
//	base      = floor((pool daily - Σ mandatory) / active tenants)
//	available = max(0, min(tenant daily - tenant mandatory - used, base - used))
//
// base never depends on what siblings have booked. Only the tenant's own
// usage on the day reduces its own figure.
type EqualShare struct{}

func (EqualShare) Mode() Mode { return ModeEqual }

// BaseShare is the tenant's fixed slice of its pool's daily capacity.
func (EqualShare) BaseShare(ctx context.Context, r Reader, t *Tenant) (int, error) {
	pool, err := r.GetPool(ctx, t.PoolID)
	if err != nil {
		return 0, err
	}
	return baseShare(ctx, r, pool)
}

func baseShare(ctx context.Context, r Reader, pool *Pool) (int, error) {
	active, mandatory, err := activeTenants(ctx, r, pool.ID)
	if err != nil {
		return 0, err
	}
	if len(active) == 0 {
		return 0, nil
	}
	free := pool.DailyCapacity - mandatory
	if free <= 0 {
		return 0, nil
	}
	return free / len(active), nil
}

func (e EqualShare) Available(ctx context.Context, r Reader, t *Tenant, date generic.TimePoint) (int, error) {
	base, err := e.BaseShare(ctx, r, t)
	if err != nil {
		return 0, err
	}
	return e.availableWithBase(ctx, r, t, date, base)
}

func (EqualShare) availableWithBase(ctx context.Context, r Reader, t *Tenant, date generic.TimePoint, base int) (int, error) {
	if !t.Active {
		return 0, nil
	}
	used, err := tenantUsedOn(ctx, r, t, date)
	if err != nil {
		return 0, err
	}
	ownRemaining := t.DailyCapacity - t.MandatoryDaily - used
	shareRemaining := base - used
	return max(0, min(ownRemaining, shareRemaining)), nil
}

func (e EqualShare) Validate(ctx context.Context, r Reader, t *Tenant, date generic.TimePoint, count int) (Validation, error) {
	available, err := e.Available(ctx, r, t, date)
	if err != nil {
		return Validation{}, err
	}

	if count <= available {
		return Validation{Outcome: OutcomeValid, Available: available}, nil
	}

	if available > 0 {
		return Validation{
			Outcome:        OutcomePartial,
			Available:      available,
			ApprovedCount:  available,
			RemainingCount: count - available,
			Message:        fmt.Sprintf("Partial approval: %d emails can be reserved for %s (unit equal quota limit)", available, date),
		}, nil
	}

	return Validation{
		Outcome: OutcomeRejected,
		Message: "No quota available for this unit on the requested date",
	}, nil
}

func (e EqualShare) Overview(ctx context.Context, r Reader, t *Tenant, date generic.TimePoint) (*QuotaOverview, error) {
	pool, err := r.GetPool(ctx, t.PoolID)
	if err != nil {
		return nil, err
	}
	pq, err := poolQuota(ctx, r, pool, date)
	if err != nil {
		return nil, err
	}
	base, err := baseShare(ctx, r, pool)
	if err != nil {
		return nil, err
	}
	available, err := e.availableWithBase(ctx, r, t, date, base)
	if err != nil {
		return nil, err
	}
	used, err := tenantUsedOn(ctx, r, t, date)
	if err != nil {
		return nil, err
	}

	active, _, err := activeTenants(ctx, r, pool.ID)
	if err != nil {
		return nil, err
	}
	distribution := make([]ShareLine, 0, len(active))
	for i := range active {
		sibling := &active[i]
		sAvail, err := e.availableWithBase(ctx, r, sibling, date, base)
		if err != nil {
			return nil, err
		}
		sUsed, err := tenantUsedOn(ctx, r, sibling, date)
		if err != nil {
			return nil, err
		}
		distribution = append(distribution, ShareLine{
			TenantCode:     sibling.Code,
			TenantName:     sibling.Name,
			Available:      sAvail,
			Used:           sUsed,
			DailyCapacity:  sibling.DailyCapacity,
			MandatoryDaily: sibling.MandatoryDaily,
		})
	}

	return &QuotaOverview{
		Pool: pq,
		Tenant: TenantQuota{
			Code:           t.Code,
			Name:           t.Name,
			DailyCapacity:  t.DailyCapacity,
			CycleCapacity:  t.CycleCapacity,
			MandatoryDaily: t.MandatoryDaily,
			AvailableDaily: &available,
			UsedToday:      used,
			EqualShare:     true,
		},
		BaseShare:    base,
		Distribution: distribution,
	}, nil
}

func (e EqualShare) CanBook(ctx context.Context, r Reader, t *Tenant, date generic.TimePoint) (bool, error) {
	available, err := e.Available(ctx, r, t, date)
	return available > 0, err
}
