/*
Package reconcile keeps the usage ledger and checks it against tenant reports.

PURPOSE:
  Tenants deliver email on their own and report what they sent. The central
  ledger is built from completions. Reconciliation compares the two and
  flags the entry when they drift apart beyond tolerance.

LEDGER ENTRY (one per pool, tenant, day):
  daily_used      central count for the day
  monthly_used    central count for the billing period up to this entry
  mandatory_used  part of daily_used sent as mandatory reservations
  reported_*      the tenant's last report, kept beside the central figures
  breakdown       append-only list of the events that touched the entry

SYNC FROM TENANT:
  central daily   = today's entry daily_used
  central monthly = Σ daily_used over the tenant's entries in the billing period
  tolerance       daily max(50, 5%), monthly max(500, 5%)
  status          warning if either difference exceeds its tolerance

  A second check compares the pool's reservation-based availability with
  what the report implies (pool daily capacity - reported daily). More
  availability than the report allows means the reservation ledger and the
  tenant's sending have diverged and capacity could be overcommitted. It is
  reported as an inconsistency, never as an error.

COMPLETION:
  Marks the reservation sent and folds the actual count into the day's
  entry. The entry's monthly figure is recomputed from the other entries of
  the billing period plus the new daily figure.

SEE ALSO:
  - discrepancy.go: tolerance comparison
  - report.go:      discrepancy report and summary
  - snapshot.go:    tenant pull sync with daily limit
*/
package reconcile

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/warp/quota-engine/billing"
	"github.com/warp/quota-engine/generic"
	"github.com/warp/quota-engine/quota"
)

// Observer receives reconciliation events (metrics).
type Observer interface {
	ObserveSync(status quota.DiscrepancyStatus)
}

type Engine struct {
	Store    quota.TxStore
	Clock    generic.Clock
	Logger   *zap.Logger
	Observer Observer
}

// NewEngine wires an engine with the system clock. logger may be nil.
func NewEngine(store quota.TxStore, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{Store: store, Clock: generic.SystemClock{}, Logger: logger}
}

func (e *Engine) today() generic.TimePoint { return generic.Today(e.Clock) }

// =============================================================================
// SYNC FROM TENANT
// =============================================================================

// Inconsistency reports a pool that looks freer than the tenant's report allows.
type Inconsistency struct {
	PoolAvailable   int    `json:"pool_available"`
	ImpliedCapacity int    `json:"implied_capacity"`
	Message         string `json:"message"`
}

type SyncResult struct {
	Entry         *quota.UsageEntry       `json:"entry"`
	Status        quota.DiscrepancyStatus `json:"status"`
	Discrepancy   quota.Discrepancy       `json:"discrepancy"`
	Inconsistency *Inconsistency          `json:"inconsistency,omitempty"`
	DailyLeft     int                     `json:"daily_remaining"`
	MonthlyLeft   int                     `json:"monthly_remaining"`
}

// SyncFromTenant records a tenant's reported usage for today and compares
// it with the central ledger.
func (e *Engine) SyncFromTenant(ctx context.Context, tenantCode string, reportedDaily, reportedMonthly int, syncType string) (*SyncResult, error) {
	if reportedDaily < 0 || reportedMonthly < 0 {
		return nil, fmt.Errorf("reported usage must not be negative: %w", generic.ErrInvalidRequest)
	}
	tenant, err := e.Store.GetTenantByCode(ctx, tenantCode)
	if err != nil {
		return nil, err
	}

	today := e.today()
	now := e.Clock.Now()
	var result *SyncResult

	err = e.Store.WithTx(ctx, func(tx quota.Tx) error {
		pool, err := tx.GetPool(ctx, tenant.PoolID)
		if err != nil {
			return err
		}
		if err := tx.LockLedger(ctx, pool.ID, tenant.ID); err != nil {
			return fmt.Errorf("lock ledger: %w", err)
		}

		entry, err := loadOrNew(ctx, tx, pool.ID, tenant.ID, today)
		if err != nil {
			return err
		}
		centralMonthly, err := periodUsage(ctx, tx, pool.ID, tenant.ID, billing.PeriodFor(today), nil)
		if err != nil {
			return err
		}

		status, d := Compare(entry.DailyUsed, reportedDaily, centralMonthly, reportedMonthly)
		entry.ReportedDaily = &reportedDaily
		entry.ReportedMonthly = &reportedMonthly
		entry.Status = status
		entry.Discrepancy = &d
		entry.UpdatedAt = now
		if err := tx.SaveUsageEntry(ctx, entry); err != nil {
			return fmt.Errorf("save usage entry: %w", err)
		}

		ev := quota.UsageEvent{
			EntryID: entry.ID,
			Source:  quota.SourceTenantReport,
			Payload: map[string]any{
				"sync_type":        syncType,
				"reported_daily":   reportedDaily,
				"reported_monthly": reportedMonthly,
				"status":           string(status),
				"daily_diff":       d.DailyDiff,
				"monthly_diff":     d.MonthlyDiff,
			},
			RecordedAt: now,
		}
		if err := tx.AppendUsageEvent(ctx, ev); err != nil {
			return fmt.Errorf("append usage event: %w", err)
		}

		available, err := quota.PoolDailyAvailable(ctx, tx, pool, today)
		if err != nil {
			return err
		}

		result = &SyncResult{
			Status:      status,
			Discrepancy: d,
			DailyLeft:   tenant.DailyCapacity - reportedDaily,
			MonthlyLeft: tenant.CycleCapacity - reportedMonthly,
		}
		if implied := pool.DailyCapacity - reportedDaily; available > implied {
			result.Inconsistency = &Inconsistency{
				PoolAvailable:   available,
				ImpliedCapacity: implied,
				Message:         fmt.Sprintf("pool shows %d available but report implies at most %d", available, implied),
			}
		}

		result.Entry, err = tx.GetUsageEntry(ctx, pool.ID, tenant.ID, today)
		return err
	})
	if err != nil {
		return nil, generic.WrapTx("sync from tenant", err)
	}

	log := e.Logger.With(
		zap.String("tenant", tenantCode),
		zap.String("sync_type", syncType),
		zap.Int("reported_daily", reportedDaily),
		zap.Int("reported_monthly", reportedMonthly))
	if result.Status == quota.DiscrepancyWarning {
		log.Warn("usage discrepancy",
			zap.Int("daily_diff", result.Discrepancy.DailyDiff),
			zap.Int("monthly_diff", result.Discrepancy.MonthlyDiff))
	} else {
		log.Info("usage synced")
	}
	if result.Inconsistency != nil {
		log.Warn("capacity inconsistency",
			zap.Int("pool_available", result.Inconsistency.PoolAvailable),
			zap.Int("implied", result.Inconsistency.ImpliedCapacity))
	}
	if e.Observer != nil {
		e.Observer.ObserveSync(result.Status)
	}
	return result, nil
}

// =============================================================================
// COMPLETION
// =============================================================================

type CompletionResult struct {
	Reservation *quota.Reservation `json:"reservation"`
	Entry       *quota.UsageEntry  `json:"usage"`
}

// RecordCompletion marks a reservation sent and folds actualSent into the
// ledger entry for completionDate (today when zero).
func (e *Engine) RecordCompletion(ctx context.Context, tenantCode string, id quota.ReservationID, actualSent int, completionDate generic.TimePoint) (*CompletionResult, error) {
	if actualSent < 0 {
		return nil, fmt.Errorf("actual sent must not be negative: %w", generic.ErrInvalidRequest)
	}
	tenant, err := e.Store.GetTenantByCode(ctx, tenantCode)
	if err != nil {
		return nil, err
	}
	if completionDate.IsZero() {
		completionDate = e.today()
	}

	var out *CompletionResult
	err = e.Store.WithTx(ctx, func(tx quota.Tx) error {
		r, err := quota.LockOwned(ctx, tx, id, tenant)
		if err != nil {
			return err
		}
		if err := quota.ApplySent(r, &actualSent, e.Clock.Now()); err != nil {
			return err
		}
		if err := tx.UpdateReservation(ctx, *r, quota.StatusApproved); err != nil {
			return fmt.Errorf("update reservation: %w", err)
		}

		entry, err := e.fold(ctx, tx, tenant, r, actualSent, completionDate, quota.SourceCampaignCompletion)
		if err != nil {
			return err
		}
		out = &CompletionResult{Reservation: r, Entry: entry}
		return nil
	})
	if err != nil {
		return nil, generic.WrapTx("record completion", err)
	}

	e.Logger.Info("completion recorded",
		zap.String("tenant", tenantCode),
		zap.String("reservation", string(id)),
		zap.Int("actual", actualSent),
		zap.Stringer("date", completionDate))
	return out, nil
}

// RecordSent folds a mark-sent actual count into the reservation day's
// entry. It runs inside the caller's transaction.
func (e *Engine) RecordSent(ctx context.Context, tx quota.Tx, tenant *quota.Tenant, r *quota.Reservation, actual int) error {
	_, err := e.fold(ctx, tx, tenant, r, actual, r.Date, quota.SourceMarkSent)
	return err
}

// fold adds count to the (pool, tenant, date) entry and appends the event.
func (e *Engine) fold(ctx context.Context, tx quota.Tx, tenant *quota.Tenant, r *quota.Reservation, count int, date generic.TimePoint, source quota.EventSource) (*quota.UsageEntry, error) {
	if err := tx.LockLedger(ctx, r.PoolID, tenant.ID); err != nil {
		return nil, fmt.Errorf("lock ledger: %w", err)
	}
	entry, err := loadOrNew(ctx, tx, r.PoolID, tenant.ID, date)
	if err != nil {
		return nil, err
	}

	others, err := periodUsage(ctx, tx, r.PoolID, tenant.ID, billing.PeriodFor(date), &date)
	if err != nil {
		return nil, err
	}

	entry.DailyUsed += count
	entry.MonthlyUsed = others + entry.DailyUsed
	if r.Type == quota.TypeMandatory {
		entry.MandatoryUsed += count
	}
	entry.UpdatedAt = e.Clock.Now()
	if err := tx.SaveUsageEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("save usage entry: %w", err)
	}

	ev := quota.UsageEvent{
		EntryID: entry.ID,
		Source:  source,
		Delta:   count,
		Payload: map[string]any{
			"reservation_id": string(r.ID),
			"type":           string(r.Type),
		},
		RecordedAt: entry.UpdatedAt,
	}
	if err := tx.AppendUsageEvent(ctx, ev); err != nil {
		return nil, fmt.Errorf("append usage event: %w", err)
	}

	return tx.GetUsageEntry(ctx, r.PoolID, tenant.ID, date)
}

// =============================================================================
// HELPERS
// =============================================================================

func loadOrNew(ctx context.Context, r quota.Reader, poolID quota.PoolID, tenantID quota.TenantID, date generic.TimePoint) (*quota.UsageEntry, error) {
	entry, err := r.GetUsageEntry(ctx, poolID, tenantID, date)
	if err != nil {
		return nil, fmt.Errorf("load usage entry: %w", err)
	}
	if entry == nil {
		entry = &quota.UsageEntry{PoolID: poolID, TenantID: tenantID, Date: date, Status: quota.DiscrepancyNormal}
	}
	return entry, nil
}

// periodUsage sums daily_used over a tenant's entries in period, skipping
// the entry dated exclude when given.
func periodUsage(ctx context.Context, r quota.Reader, poolID quota.PoolID, tenantID quota.TenantID, period generic.Period, exclude *generic.TimePoint) (int, error) {
	entries, err := r.ListUsageEntries(ctx, quota.UsageFilter{PoolID: poolID, TenantID: tenantID, From: period.Start, To: period.End})
	if err != nil {
		return 0, fmt.Errorf("list usage entries: %w", err)
	}
	total := 0
	for _, en := range entries {
		if exclude != nil && en.Date.Equal(*exclude) {
			continue
		}
		total += en.DailyUsed
	}
	return total, nil
}

var _ quota.UsageRecorder = (*Engine)(nil)
