package quota

import (
	"context"

	"github.com/warp/quota-engine/generic"
)

// =============================================================================
// SELECTOR - One strategy per process
// =============================================================================

// Selector holds the strategy chosen at startup. It is built once from the
// QUOTA_EQUAL_SHARE flag in main and passed to every engine; nothing
// re-reads the flag per request.
type Selector struct {
	strategy Strategy
}

// NewSelector resolves the strategy from the equal-share flag.
func NewSelector(equalShare bool) *Selector {
	if equalShare {
		return &Selector{strategy: EqualShare{}}
	}
	return &Selector{strategy: SharedPool{}}
}

// NewSelectorWith wraps an explicit strategy.
func NewSelectorWith(s Strategy) *Selector {
	return &Selector{strategy: s}
}

func (s *Selector) Strategy() Strategy { return s.strategy }

func (s *Selector) IsEqualShareEnabled() bool { return s.strategy.Mode() == ModeEqual }

func (s *Selector) Available(ctx context.Context, r Reader, t *Tenant, date generic.TimePoint) (int, error) {
	return s.strategy.Available(ctx, r, t, date)
}

func (s *Selector) Validate(ctx context.Context, r Reader, t *Tenant, date generic.TimePoint, count int) (Validation, error) {
	return s.strategy.Validate(ctx, r, t, date, count)
}

func (s *Selector) Overview(ctx context.Context, r Reader, t *Tenant, date generic.TimePoint) (*QuotaOverview, error) {
	return s.strategy.Overview(ctx, r, t, date)
}

func (s *Selector) CanBook(ctx context.Context, r Reader, t *Tenant, date generic.TimePoint) (bool, error) {
	return s.strategy.CanBook(ctx, r, t, date)
}
