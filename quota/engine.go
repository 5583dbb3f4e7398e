/*
engine.go - Reservation booking, cancellation and completion

PURPOSE:
  Service turns a tenant's request for N emails on a day into one or more
  approved reservations, all inside a single transaction.

REQUEST FLOW:
  ┌──────────────────────────────────────────────────────────────────┐
  │                                                                  │
  │  resolve tenant ──▶ WithTx ──▶ LockSlot(pool, day) ──▶ Validate  │
  │                                                        │         │
  │          ┌──────────────┬───────────────┬──────────────┤         │
  │          ▼              ▼               ▼              ▼         │
  │        valid         partial        auto_book      rejected      │
  │     book N on day  book avail on   cascade all   suggest days    │
  │                    day, cascade    from day+1    (no writes)     │
  │                    the rest                                      │
  │                                                                  │
  └──────────────────────────────────────────────────────────────────┘

FIRST REQUEST WINS:
  The slot lock is taken before availability is read. A concurrent request
  for the same pool and day waits, then reads what the first one left and
  ends up partial or auto-booked.

ATOMICITY:
  Any error inside the transaction rolls back the main reservation and
  every auto-booked one. Store failures surface as TransactionError.

CANCEL / MARK SENT:
  Both check ownership (a reservation of another tenant reads as not
  found), then the lifecycle:
    cancel:    pending|approved -> cancelled (same slot lock as booking)
    mark sent: approved -> sent, optionally folding the actual count
               into the usage ledger through UsageRecorder

SEE ALSO:
  - cascade.go:  multi-day auto-booking and date suggestions
  - strategy.go: availability
*/
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/quota-engine/generic"
)

// =============================================================================
// REQUEST / RESULT
// =============================================================================

// BookingRequest asks for EmailCount emails on Date.
type BookingRequest struct {
	TenantCode  string
	Date        generic.TimePoint
	EmailCount  int
	Type        ReservationType
	Subject     string
	Description string
	// Metadata is copied onto every reservation created; system keys are dropped.
	Metadata Metadata
}

type ResultType string

const (
	ResultFullApproval    ResultType = "full_approval"
	ResultPartialWithAuto ResultType = "partial_approval_with_auto_booking"
	ResultFullAutoBooking ResultType = "full_auto_booking"
	ResultRejected        ResultType = "rejected"
)

// AutoBooked describes one reservation created by the cascade.
type AutoBooked struct {
	ReservationID ReservationID     `json:"reservation_id"`
	Date          generic.TimePoint `json:"date"`
	EmailCount    int               `json:"email_count"`
	DayName       string            `json:"day_name"`
	SequenceOrder int               `json:"sequence_order"`
}

// Suggestion is a later day with capacity left.
type Suggestion struct {
	Date      generic.TimePoint `json:"date"`
	Available int               `json:"available_quota"`
	DayName   string            `json:"day_name"`
}

// BookingResult reports what a request produced.
type BookingResult struct {
	Success           bool          `json:"success"`
	Type              ResultType    `json:"type"`
	Outcome           Outcome       `json:"outcome"`
	Message           string        `json:"message"`
	Main              *Reservation  `json:"main_reservation,omitempty"`
	AutoBooked        []AutoBooked  `json:"auto_booked,omitempty"`
	TotalRequested    int           `json:"total_requested"`
	TotalApproved     int           `json:"total_approved"`
	RemainingUnbooked int           `json:"remaining_unbooked"`
	Suggestions       []Suggestion  `json:"suggestions,omitempty"`
}

// =============================================================================
// COLLABORATORS
// =============================================================================

// UsageRecorder folds an actual sent count into the usage ledger.
// The reconcile engine implements it; quota only calls it.
type UsageRecorder interface {
	RecordSent(ctx context.Context, tx Tx, t *Tenant, r *Reservation, actual int) error
}

// Observer receives booking events (metrics).
type Observer interface {
	ObserveBooking(res *BookingResult)
	ObserveCancel()
	ObserveSent()
}

// =============================================================================
// SERVICE
// =============================================================================

type Service struct {
	Store    TxStore
	Selector *Selector
	Clock    generic.Clock
	Logger   *zap.Logger
	Usage    UsageRecorder
	Observer Observer
}

// NewService wires a service with the system clock. logger may be nil.
func NewService(store TxStore, selector *Selector, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		Store:    store,
		Selector: selector,
		Clock:    generic.SystemClock{},
		Logger:   logger,
	}
}

func (s *Service) now() time.Time { return s.clock().Now() }

// resolveTenant loads an active tenant and its pool.
func (s *Service) resolveTenant(ctx context.Context, r Reader, code string) (*Tenant, *Pool, error) {
	t, err := r.GetTenantByCode(ctx, code)
	if err != nil {
		return nil, nil, err
	}
	if !t.Active {
		return nil, nil, fmt.Errorf("%s: %w", code, generic.ErrTenantInactive)
	}
	pool, err := r.GetPool(ctx, t.PoolID)
	if err != nil {
		return nil, nil, err
	}
	return t, pool, nil
}

// RequestReservation books capacity for req, cascading any shortfall.
func (s *Service) RequestReservation(ctx context.Context, req BookingRequest) (*BookingResult, error) {
	if req.EmailCount <= 0 {
		return nil, fmt.Errorf("email count must be positive, got %d: %w", req.EmailCount, generic.ErrInvalidRequest)
	}
	if req.Type == "" {
		req.Type = TypeRegular
	}
	if !req.Type.Valid() {
		return nil, fmt.Errorf("unknown reservation type %q: %w", req.Type, generic.ErrInvalidRequest)
	}

	tenant, pool, err := s.resolveTenant(ctx, s.Store, req.TenantCode)
	if err != nil {
		return nil, err
	}

	var result *BookingResult
	err = s.Store.WithTx(ctx, func(tx Tx) error {
		if err := tx.LockSlot(ctx, pool.ID, req.Date); err != nil {
			return fmt.Errorf("lock slot: %w", err)
		}

		v, err := s.Selector.Validate(ctx, tx, tenant, req.Date, req.EmailCount)
		if err != nil {
			return fmt.Errorf("validate: %w", err)
		}

		result, err = s.book(ctx, tx, tenant, pool, req, v)
		return err
	})
	if err != nil {
		s.Logger.Error("booking failed",
			zap.String("tenant", req.TenantCode),
			zap.Stringer("date", req.Date),
			zap.Int("count", req.EmailCount),
			zap.Error(err))
		return nil, generic.WrapTx("request reservation", err)
	}

	s.Logger.Info("booking decided",
		zap.String("tenant", req.TenantCode),
		zap.Stringer("date", req.Date),
		zap.String("type", string(result.Type)),
		zap.Int("requested", result.TotalRequested),
		zap.Int("approved", result.TotalApproved),
		zap.Int("unbooked", result.RemainingUnbooked))
	if s.Observer != nil {
		s.Observer.ObserveBooking(result)
	}
	return result, nil
}

// book branches on the strategy's verdict. Runs inside the transaction.
func (s *Service) book(ctx context.Context, tx Tx, tenant *Tenant, pool *Pool, req BookingRequest, v Validation) (*BookingResult, error) {
	result := &BookingResult{Outcome: v.Outcome, TotalRequested: req.EmailCount}

	switch v.Outcome {
	case OutcomeAutoBook:
		c := s.newCascade(tenant, pool, req, "")
		if err := c.run(ctx, tx, req.EmailCount); err != nil {
			return nil, err
		}
		result.Success = true
		result.Type = ResultFullAutoBooking
		result.AutoBooked = c.booked
		result.RemainingUnbooked = c.remaining
		result.TotalApproved = req.EmailCount - c.remaining
		result.Message = fmt.Sprintf("No quota available for %s. Auto-booked %d emails on subsequent dates", req.Date, result.TotalApproved)

	case OutcomeRejected:
		suggestions, err := s.suggest(ctx, tx, tenant, req.Date)
		if err != nil {
			return nil, err
		}
		result.Type = ResultRejected
		result.Message = v.Message
		result.RemainingUnbooked = req.EmailCount
		result.Suggestions = suggestions

	case OutcomePartial:
		main := s.newReservation(tenant, pool, req, req.Date, v.ApprovedCount)
		main.Metadata[MetaOriginalRequest] = req.EmailCount
		main.Metadata[MetaPartialApproval] = true
		main.Metadata[MetaMainReservation] = true
		if err := tx.CreateReservation(ctx, *main); err != nil {
			return nil, fmt.Errorf("create reservation: %w", err)
		}

		c := s.newCascade(tenant, pool, req, main.ID)
		if err := c.run(ctx, tx, v.RemainingCount); err != nil {
			return nil, err
		}
		result.Success = true
		result.Type = ResultPartialWithAuto
		result.Main = main
		result.AutoBooked = c.booked
		result.RemainingUnbooked = c.remaining
		result.TotalApproved = req.EmailCount - c.remaining
		result.Message = fmt.Sprintf("Partially approved: %d emails on %s, %d emails auto-booked on subsequent dates",
			v.ApprovedCount, req.Date, v.RemainingCount-c.remaining)

	default:
		main := s.newReservation(tenant, pool, req, req.Date, req.EmailCount)
		if err := tx.CreateReservation(ctx, *main); err != nil {
			return nil, fmt.Errorf("create reservation: %w", err)
		}
		result.Success = true
		result.Type = ResultFullApproval
		result.Main = main
		result.TotalApproved = req.EmailCount
		result.Message = "Reservation approved and quota reserved"
	}

	return result, nil
}

func (s *Service) newReservation(tenant *Tenant, pool *Pool, req BookingRequest, date generic.TimePoint, count int) *Reservation {
	now := s.now()
	md := Metadata{}
	for k, v := range req.Metadata {
		if !IsSystemKey(k) {
			md[k] = v
		}
	}
	md[MetaQuotaReserved] = true
	return &Reservation{
		ID:          ReservationID(uuid.NewString()),
		TenantID:    tenant.ID,
		PoolID:      pool.ID,
		Date:        date,
		EmailCount:  count,
		Type:        req.Type,
		Status:      StatusApproved,
		Subject:     req.Subject,
		Description: req.Description,
		Metadata:    md,
		RequestedAt: now,
		ApprovedAt:  &now,
	}
}

// =============================================================================
// CANCEL
// =============================================================================

// CancelReservation releases a pending or approved reservation.
func (s *Service) CancelReservation(ctx context.Context, id ReservationID, tenantCode, reason string) (*Reservation, error) {
	tenant, err := s.Store.GetTenantByCode(ctx, tenantCode)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "Cancelled by tenant"
	}

	var cancelled *Reservation
	err = s.Store.WithTx(ctx, func(tx Tx) error {
		r, err := ownedReservation(ctx, tx, id, tenant)
		if err != nil {
			return err
		}
		if err := tx.LockSlot(ctx, r.PoolID, r.Date); err != nil {
			return fmt.Errorf("lock slot: %w", err)
		}
		// re-read under the slot and row locks
		if r, err = LockOwned(ctx, tx, id, tenant); err != nil {
			return err
		}

		from := r.Status
		if from == StatusSent || from == StatusCancelled {
			return &generic.InvalidStateError{ReservationID: string(id), From: string(from), To: string(StatusCancelled)}
		}

		now := s.now()
		if r.Metadata == nil {
			r.Metadata = Metadata{}
		}
		r.Status = StatusCancelled
		r.Metadata[MetaCancelledAt] = now.Format(time.RFC3339)
		r.Metadata[MetaCancelReason] = reason
		r.Metadata[MetaReleasedCount] = r.EmailCount
		r.Metadata[MetaOriginalDate] = r.Date.String()
		r.Metadata[MetaQuotaReserved] = false

		if err := tx.UpdateReservation(ctx, *r, from); err != nil {
			return fmt.Errorf("update reservation: %w", err)
		}
		cancelled = r
		return nil
	})
	if err != nil {
		return nil, generic.WrapTx("cancel reservation", err)
	}

	s.Logger.Info("reservation cancelled",
		zap.String("tenant", tenantCode),
		zap.String("reservation", string(id)),
		zap.Stringer("date", cancelled.Date),
		zap.Int("released", cancelled.EmailCount))
	if s.Observer != nil {
		s.Observer.ObserveCancel()
	}
	return cancelled, nil
}

// =============================================================================
// MARK SENT
// =============================================================================

// MarkSent confirms an approved reservation was delivered. When actual is
// non-nil it is recorded as the sent count and folded into the ledger.
func (s *Service) MarkSent(ctx context.Context, id ReservationID, tenantCode string, actual *int) (*Reservation, error) {
	tenant, err := s.Store.GetTenantByCode(ctx, tenantCode)
	if err != nil {
		return nil, err
	}
	if actual != nil && *actual < 0 {
		return nil, fmt.Errorf("actual count must not be negative: %w", generic.ErrInvalidRequest)
	}

	var sent *Reservation
	err = s.Store.WithTx(ctx, func(tx Tx) error {
		r, err := LockOwned(ctx, tx, id, tenant)
		if err != nil {
			return err
		}
		if err := ApplySent(r, actual, s.now()); err != nil {
			return err
		}
		if err := tx.UpdateReservation(ctx, *r, StatusApproved); err != nil {
			return fmt.Errorf("update reservation: %w", err)
		}
		if actual != nil && s.Usage != nil {
			if err := s.Usage.RecordSent(ctx, tx, tenant, r, *actual); err != nil {
				return fmt.Errorf("record usage: %w", err)
			}
		}
		sent = r
		return nil
	})
	if err != nil {
		return nil, generic.WrapTx("mark sent", err)
	}

	s.Logger.Info("reservation sent",
		zap.String("tenant", tenantCode),
		zap.String("reservation", string(id)),
		zap.Any("actual", sent.Metadata[MetaActualSent]))
	if s.Observer != nil {
		s.Observer.ObserveSent()
	}
	return sent, nil
}

// ApplySent moves r from approved to sent and records the delivered count
// (actual, or the reserved count when actual is nil).
func ApplySent(r *Reservation, actual *int, at time.Time) error {
	if r.Status != StatusApproved {
		return &generic.InvalidStateError{ReservationID: string(r.ID), From: string(r.Status), To: string(StatusSent)}
	}
	count := r.EmailCount
	if actual != nil {
		count = *actual
	}
	if r.Metadata == nil {
		r.Metadata = Metadata{}
	}
	r.Status = StatusSent
	r.SentAt = &at
	r.Metadata[MetaSentAt] = at.Format(time.RFC3339)
	r.Metadata[MetaActualSent] = count
	return nil
}

// ownedReservation loads id and hides it when it belongs to another tenant.
func ownedReservation(ctx context.Context, r Reader, id ReservationID, tenant *Tenant) (*Reservation, error) {
	res, err := r.GetReservation(ctx, id)
	if err != nil {
		return nil, err
	}
	return checkOwner(res, tenant)
}

// LockOwned is ownedReservation under the reservation's row lock.
func LockOwned(ctx context.Context, tx Tx, id ReservationID, tenant *Tenant) (*Reservation, error) {
	res, err := tx.LockReservation(ctx, id)
	if err != nil {
		return nil, err
	}
	return checkOwner(res, tenant)
}

func checkOwner(res *Reservation, tenant *Tenant) (*Reservation, error) {
	if res.TenantID != tenant.ID {
		return nil, fmt.Errorf("%s does not belong to %s: %w", res.ID, tenant.Code, generic.ErrReservationNotFound)
	}
	return res, nil
}
