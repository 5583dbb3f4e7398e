package quota

import (
	"context"
	"fmt"

	"github.com/warp/quota-engine/generic"
)

// SharedPool treats the pool as one first-come-first-served bucket.
// A tenant's available figure is the pool's daily available figure.
type SharedPool struct{}

func (SharedPool) Mode() Mode { return ModeShared }

func (SharedPool) Available(ctx context.Context, r Reader, t *Tenant, date generic.TimePoint) (int, error) {
	pool, err := r.GetPool(ctx, t.PoolID)
	if err != nil {
		return 0, err
	}
	return PoolDailyAvailable(ctx, r, pool, date)
}

func (s SharedPool) Validate(ctx context.Context, r Reader, t *Tenant, date generic.TimePoint, count int) (Validation, error) {
	available, err := s.Available(ctx, r, t, date)
	if err != nil {
		return Validation{}, err
	}

	if available <= 0 {
		return Validation{
			Outcome:   OutcomeAutoBook,
			Available: available,
			Message:   "No group quota available - proceeding with auto-booking",
		}, nil
	}

	if count > available {
		return Validation{
			Outcome:        OutcomePartial,
			Available:      available,
			ApprovedCount:  available,
			RemainingCount: count - available,
			Message:        fmt.Sprintf("Partial approval: %d emails can be reserved for %s (group quota limit)", available, date),
		}, nil
	}

	return Validation{Outcome: OutcomeValid, Available: available}, nil
}

func (SharedPool) Overview(ctx context.Context, r Reader, t *Tenant, date generic.TimePoint) (*QuotaOverview, error) {
	pool, err := r.GetPool(ctx, t.PoolID)
	if err != nil {
		return nil, err
	}
	pq, err := poolQuota(ctx, r, pool, date)
	if err != nil {
		return nil, err
	}
	used, err := tenantUsedOn(ctx, r, t, date)
	if err != nil {
		return nil, err
	}

	return &QuotaOverview{
		Pool: pq,
		Tenant: TenantQuota{
			Code:           t.Code,
			Name:           t.Name,
			DailyCapacity:  t.DailyCapacity,
			CycleCapacity:  t.CycleCapacity,
			MandatoryDaily: t.MandatoryDaily,
			UsedToday:      used,
		},
	}, nil
}

func (s SharedPool) CanBook(ctx context.Context, r Reader, t *Tenant, date generic.TimePoint) (bool, error) {
	available, err := s.Available(ctx, r, t, date)
	return available > 0, err
}
