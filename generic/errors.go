/*
errors.go - Centralized error types for the quota engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Domain packages wrap these errors with additional context.

ERROR CATEGORIES:
  1. Lookup errors     - tenant, pool or reservation absent
  2. Lifecycle errors  - inactive tenant, illegal status transition
  3. Request errors    - date range too large, sync limit reached
  4. Store errors      - failure inside a multi-step mutation

NOT ERRORS:
  Capacity shortfalls are typed outcomes (valid, partial, auto_book,
  rejected) and discrepancies are ledger data. Neither is returned as an
  error value.

USAGE:
  if errors.Is(err, generic.ErrInvalidState) {
      var ise *generic.InvalidStateError
      errors.As(err, &ise)
  }

SEE ALSO:
  - quota/engine.go: booking, cancellation and completion
  - api/handlers.go: HTTP status mapping
*/
package generic

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrTenantNotFound is returned when no tenant unit has the given code.
	ErrTenantNotFound = errors.New("tenant unit not found")

	// ErrPoolNotFound is returned when a tenant references a missing pool.
	ErrPoolNotFound = errors.New("quota pool not found")

	// ErrReservationNotFound is returned when a reservation id is unknown
	// or belongs to a different tenant.
	ErrReservationNotFound = errors.New("reservation not found")

	// ErrTenantInactive is returned when a deactivated tenant tries to book.
	ErrTenantInactive = errors.New("tenant unit is inactive")

	// ErrInvalidState is returned for illegal lifecycle transitions.
	ErrInvalidState = errors.New("invalid reservation state")

	// ErrRangeTooLarge is returned when a date range exceeds MaxRangeDays.
	ErrRangeTooLarge = errors.New("date range too large")

	// ErrInvalidPeriod is returned when a period is malformed (end before start).
	ErrInvalidPeriod = errors.New("invalid period: end before start")

	// ErrInvalidRequest is returned for malformed input such as a non-positive count.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrSyncLimitExceeded is returned when a tenant used all its syncs for the day.
	ErrSyncLimitExceeded = errors.New("daily sync limit exceeded")

	// ErrTransactionFailed is returned when a multi-step mutation was rolled back
	// because the store failed part way.
	ErrTransactionFailed = errors.New("transaction failed")
)

// MaxRangeDays caps overview ranges.
const MaxRangeDays = 31

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InvalidStateError describes a rejected status transition.
type InvalidStateError struct {
	ReservationID string
	From          string
	To            string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("reservation %s: cannot transition from %s to %s", e.ReservationID, e.From, e.To)
}

func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

// RangeTooLargeError reports the requested span.
type RangeTooLargeError struct {
	Days int
	Max  int
}

func (e *RangeTooLargeError) Error() string {
	return fmt.Sprintf("date range of %d days exceeds %d", e.Days, e.Max)
}

func (e *RangeTooLargeError) Unwrap() error { return ErrRangeTooLarge }

// TransactionError wraps a store failure that aborted a unit of work.
// It matches both ErrTransactionFailed and the underlying cause.
type TransactionError struct {
	Op  string
	Err error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransactionError) Unwrap() []error { return []error{ErrTransactionFailed, e.Err} }

// WrapTx wraps err as a TransactionError unless it is already a domain error
// (not found, invalid state, ...) that the caller should see unchanged.
func WrapTx(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsNotFound(err) || IsClientError(err) || errors.Is(err, ErrTransactionFailed) {
		return err
	}
	return &TransactionError{Op: op, Err: err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrTenantNotFound) ||
		errors.Is(err, ErrPoolNotFound) ||
		errors.Is(err, ErrReservationNotFound)
}

// IsClientError returns true if the error is due to the caller's request.
func IsClientError(err error) bool {
	return errors.Is(err, ErrTenantInactive) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrRangeTooLarge) ||
		errors.Is(err, ErrInvalidPeriod) ||
		errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrSyncLimitExceeded)
}
