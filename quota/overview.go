package quota

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/quota-engine/generic"
)

// =============================================================================
// SINGLE DAY OVERVIEW
// =============================================================================

// ScheduledReservation is a pending or approved reservation on the pool.
type ScheduledReservation struct {
	ID         ReservationID   `json:"id"`
	TenantCode string          `json:"unit"`
	EmailCount int             `json:"email_count"`
	Status     Status          `json:"status"`
	Type       ReservationType `json:"type"`
	Subject    string          `json:"subject,omitempty"`
}

// TenantSummary is the public view of a sibling tenant.
type TenantSummary struct {
	Code           string `json:"app_code"`
	Name           string `json:"name"`
	DailyCapacity  int    `json:"daily_quota"`
	MandatoryDaily int    `json:"mandatory_daily_quota"`
}

type SyncStatus struct {
	CanSyncToday   bool `json:"can_sync_today"`
	SyncCountToday int  `json:"sync_count_today"`
}

// Overview is what a tenant sees before booking a day.
type Overview struct {
	Date         generic.TimePoint      `json:"date"`
	Mode         Mode                   `json:"quota_mode"`
	Quota        *QuotaOverview         `json:"quota"`
	Scheduled    []ScheduledReservation `json:"scheduled_campaigns"`
	GroupUnits   []TenantSummary        `json:"group_units"`
	Alternatives []Suggestion           `json:"alternative_dates"`
	CanBook      bool                   `json:"can_book"`
	Sync         SyncStatus             `json:"sync_status"`
}

// pendingOrApproved is what a day's schedule shows.
var pendingOrApproved = []Status{StatusPending, StatusApproved}

// Overview reports the pool, the tenant and the schedule for one day.
func (s *Service) Overview(ctx context.Context, tenantCode string, date generic.TimePoint) (*Overview, error) {
	tenant, err := s.Store.GetTenantByCode(ctx, tenantCode)
	if err != nil {
		return nil, err
	}

	q, err := s.Selector.Overview(ctx, s.Store, tenant, date)
	if err != nil {
		return nil, fmt.Errorf("quota overview: %w", err)
	}

	siblings, err := s.Store.ListTenants(ctx, tenant.PoolID)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	codes := tenantCodes(siblings)

	scheduled, err := s.scheduledOn(ctx, tenant.PoolID, date, codes)
	if err != nil {
		return nil, err
	}

	alternatives, err := s.suggest(ctx, s.Store, tenant, date)
	if err != nil {
		return nil, err
	}

	canBook, err := s.Selector.CanBook(ctx, s.Store, tenant, date)
	if err != nil {
		return nil, err
	}

	syncs, err := s.Store.SyncCount(ctx, tenant.ID, generic.Today(s.clock()))
	if err != nil {
		return nil, fmt.Errorf("sync count: %w", err)
	}

	return &Overview{
		Date:         date,
		Mode:         s.Selector.Strategy().Mode(),
		Quota:        q,
		Scheduled:    scheduled,
		GroupUnits:   activeSummaries(siblings),
		Alternatives: alternatives,
		CanBook:      canBook,
		Sync: SyncStatus{
			CanSyncToday:   syncs < tenant.MaxSyncPerDay,
			SyncCountToday: syncs,
		},
	}, nil
}

func (s *Service) clock() generic.Clock {
	if s.Clock == nil {
		return generic.SystemClock{}
	}
	return s.Clock
}

func (s *Service) scheduledOn(ctx context.Context, poolID PoolID, date generic.TimePoint, codes map[TenantID]string) ([]ScheduledReservation, error) {
	rs, err := s.Store.ListReservations(ctx, ReservationFilter{
		PoolID:   poolID,
		From:     date,
		To:       date,
		Statuses: pendingOrApproved,
	})
	if err != nil {
		return nil, fmt.Errorf("list reservations: %w", err)
	}
	out := make([]ScheduledReservation, 0, len(rs))
	for _, r := range rs {
		out = append(out, ScheduledReservation{
			ID:         r.ID,
			TenantCode: codes[r.TenantID],
			EmailCount: r.EmailCount,
			Status:     r.Status,
			Type:       r.Type,
			Subject:    r.Subject,
		})
	}
	return out, nil
}

func tenantCodes(ts []Tenant) map[TenantID]string {
	codes := make(map[TenantID]string, len(ts))
	for _, t := range ts {
		codes[t.ID] = t.Code
	}
	return codes
}

func activeSummaries(ts []Tenant) []TenantSummary {
	out := make([]TenantSummary, 0, len(ts))
	for _, t := range ts {
		if !t.Active {
			continue
		}
		out = append(out, TenantSummary{Code: t.Code, Name: t.Name, DailyCapacity: t.DailyCapacity, MandatoryDaily: t.MandatoryDaily})
	}
	return out
}

// =============================================================================
// RANGE OVERVIEW
// =============================================================================

type DayStatus string

const (
	DayFullyBooked DayStatus = "fully_booked"
	DayAlmostFull  DayStatus = "almost_full"
	DayModerate    DayStatus = "moderate"
	DayAvailable   DayStatus = "available"
)

// ClassifyDay labels a day by how much of the daily capacity is left.
func ClassifyDay(available, daily int) DayStatus {
	a := decimal.NewFromInt(int64(available))
	d := decimal.NewFromInt(int64(daily))
	switch {
	case available <= 0:
		return DayFullyBooked
	case a.LessThan(d.Mul(decimal.RequireFromString("0.2"))):
		return DayAlmostFull
	case a.LessThan(d.Mul(decimal.RequireFromString("0.5"))):
		return DayModerate
	default:
		return DayAvailable
	}
}

// Percent returns part/whole as a percentage rounded to two decimals.
func Percent(part, whole int) float64 {
	if whole == 0 {
		return 0
	}
	return decimal.NewFromInt(int64(part)).
		Mul(decimal.NewFromInt(100)).
		Div(decimal.NewFromInt(int64(whole))).
		Round(2).
		InexactFloat64()
}

type DayQuota struct {
	DailyCapacity   int     `json:"daily_quota"`
	Available       int     `json:"available_quota"`
	Used            int     `json:"used_quota"`
	Scheduled       int     `json:"scheduled_count"`
	UtilizationRate float64 `json:"utilization_rate"`
}

type DayBreakdown struct {
	Date      generic.TimePoint      `json:"date"`
	DayName   string                 `json:"day_name"`
	DayShort  string                 `json:"day_short"`
	Quota     DayQuota               `json:"quota_info"`
	Scheduled []ScheduledReservation `json:"scheduled_campaigns"`
	CanBook   bool                   `json:"can_book"`
	Status    DayStatus              `json:"status"`
}

type RangeSummary struct {
	Capacity           int     `json:"quota_capacity"`
	TotalAvailable     int     `json:"total_available"`
	TotalUsed          int     `json:"total_used"`
	TotalScheduled     int     `json:"total_scheduled"`
	OverallUtilization float64 `json:"overall_utilization"`
	AvailableDays      int     `json:"available_days"`
	FullyBookedDays    int     `json:"fully_booked_days"`
	BookingRate        float64 `json:"booking_rate"`
}

type RangeOverview struct {
	Period     generic.Period  `json:"date_range"`
	TotalDays  int             `json:"total_days"`
	Summary    RangeSummary    `json:"summary"`
	Pool       Pool            `json:"account_info"`
	Tenant     TenantSummary   `json:"unit_info"`
	Days       []DayBreakdown  `json:"daily_breakdown"`
	GroupUnits []TenantSummary `json:"group_units"`
}

// OverviewRange reports per-day pool capacity over [start, end]. The range
// is capped at generic.MaxRangeDays days.
func (s *Service) OverviewRange(ctx context.Context, tenantCode string, start, end generic.TimePoint) (*RangeOverview, error) {
	period, err := generic.NewPeriod(start, end)
	if err != nil {
		return nil, err
	}
	if n := period.Len(); n > generic.MaxRangeDays {
		return nil, &generic.RangeTooLargeError{Days: n, Max: generic.MaxRangeDays}
	}

	tenant, err := s.Store.GetTenantByCode(ctx, tenantCode)
	if err != nil {
		return nil, err
	}
	pool, err := s.Store.GetPool(ctx, tenant.PoolID)
	if err != nil {
		return nil, err
	}
	siblings, err := s.Store.ListTenants(ctx, pool.ID)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	codes := tenantCodes(siblings)

	out := &RangeOverview{
		Period:     period,
		TotalDays:  period.Len(),
		Pool:       *pool,
		Tenant:     TenantSummary{Code: tenant.Code, Name: tenant.Name, DailyCapacity: tenant.DailyCapacity, MandatoryDaily: tenant.MandatoryDaily},
		GroupUnits: activeSummaries(siblings),
	}

	for _, day := range period.Days() {
		available, err := PoolDailyAvailable(ctx, s.Store, pool, day)
		if err != nil {
			return nil, err
		}
		scheduled, err := s.scheduledOn(ctx, pool.ID, day, codes)
		if err != nil {
			return nil, err
		}
		total := 0
		for _, r := range scheduled {
			total += r.EmailCount
		}
		used := pool.DailyCapacity - available

		b := DayBreakdown{
			Date:     day,
			DayName:  day.Weekday().String(),
			DayShort: day.Weekday().String()[:3],
			Quota: DayQuota{
				DailyCapacity:   pool.DailyCapacity,
				Available:       available,
				Used:            used,
				Scheduled:       total,
				UtilizationRate: Percent(used, pool.DailyCapacity),
			},
			Scheduled: scheduled,
			CanBook:   available > 0,
			Status:    ClassifyDay(available, pool.DailyCapacity),
		}
		out.Days = append(out.Days, b)

		out.Summary.TotalAvailable += available
		out.Summary.TotalUsed += used
		out.Summary.TotalScheduled += total
		if b.CanBook {
			out.Summary.AvailableDays++
		} else {
			out.Summary.FullyBookedDays++
		}
	}

	out.Summary.Capacity = pool.DailyCapacity * out.TotalDays
	out.Summary.OverallUtilization = Percent(out.Summary.TotalUsed, out.Summary.Capacity)
	out.Summary.BookingRate = Percent(out.TotalDays-out.Summary.AvailableDays, out.TotalDays)
	return out, nil
}
