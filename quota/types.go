/*
Package quota allocates a shared outbound-messaging capacity across tenant units.

PURPOSE:
  A Pool is a sending account with a daily and a billing-cycle capacity.
  Several Tenants compete for it by booking Reservations (campaigns) on a
  calendar day. The package decides how much a tenant may book, books it
  atomically, and cascades any shortfall onto the following days.

KEY CONCEPTS IN THIS FILE (types.go):
  - Pool:        shared capacity account
  - Tenant:      consumer of a pool, with a mandatory daily withholding
  - Reservation: a dated claim on pool capacity with a lifecycle
  - UsageEntry:  authoritative per-day usage counters plus an append-only
                 breakdown of the events that produced them

RESERVATION LIFECYCLE:
  ┌─────────┐      ┌──────────┐      ┌──────┐
  │ pending │ ───▶ │ approved │ ───▶ │ sent │
  └─────────┘      └──────────┘      └──────┘
       │                 │
       └───────┬─────────┘
               ▼
         ┌───────────┐
         │ cancelled │   (irreversible, forbidden once sent)
         └───────────┘

  The engine creates reservations directly as approved: admitting a
  request and reserving its capacity are the same atomic step.

ACTIVE RESERVATIONS:
  pending, approved and sent reservations hold capacity. Cancelled ones
  never count, so cancelling releases capacity for the same day at once.

SEE ALSO:
  - strategy.go: how available capacity is computed
  - engine.go:   booking, cancellation and completion
  - store.go:    persistence contract
*/
package quota

import (
	"time"

	"github.com/warp/quota-engine/generic"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type PoolID string
type TenantID string
type ReservationID string

// =============================================================================
// POOL & TENANT
// =============================================================================

// Pool is a shared sending-capacity account.
type Pool struct {
	ID            PoolID    `json:"id"`
	Name          string    `json:"name"`
	DailyCapacity int       `json:"daily_capacity"`
	CycleCapacity int       `json:"cycle_capacity"`
	Active        bool      `json:"active"`
	CreatedAt     time.Time `json:"created_at"`
}

// Tenant is a unit competing for its pool's capacity.
// DailyCapacity and CycleCapacity are informational under the shared-pool
// strategy and binding under the equal-share strategy.
type Tenant struct {
	ID             TenantID `json:"id"`
	Code           string   `json:"code"`
	Name           string   `json:"name"`
	PoolID         PoolID   `json:"pool_id"`
	DailyCapacity  int      `json:"daily_capacity"`
	CycleCapacity  int      `json:"cycle_capacity"`
	MandatoryDaily int      `json:"mandatory_daily"`
	MaxSyncPerDay  int      `json:"max_sync_per_day"`
	Active         bool     `json:"active"`
}

// =============================================================================
// RESERVATION
// =============================================================================

type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusSent      Status = "sent"
	StatusCancelled Status = "cancelled"
)

// ActiveStatuses hold capacity.
var ActiveStatuses = []Status{StatusPending, StatusApproved, StatusSent}

// IsActive reports whether a reservation in this status holds capacity.
func (s Status) IsActive() bool {
	return s == StatusPending || s == StatusApproved || s == StatusSent
}

type ReservationType string

const (
	TypeRegular     ReservationType = "regular"
	TypeUrgent      ReservationType = "urgent"
	TypePromotional ReservationType = "promotional"
	TypeMandatory   ReservationType = "mandatory"
)

// Valid reports whether t is a known type tag.
func (t ReservationType) Valid() bool {
	switch t {
	case TypeRegular, TypeUrgent, TypePromotional, TypeMandatory:
		return true
	}
	return false
}

// Metadata is the free-form audit trail attached to a reservation.
type Metadata map[string]any

// Well-known metadata keys.
const (
	MetaQuotaReserved   = "quota_reserved"
	MetaOriginalRequest = "original_request"
	MetaPartialApproval = "partial_approval"
	MetaMainReservation = "main_reservation"
	MetaAutoBooked      = "auto_booked"
	MetaMainID          = "main_reservation_id"
	MetaRequestedDate   = "requested_date"
	MetaSequenceOrder   = "sequence_order"
	MetaCancelledAt     = "cancelled_at"
	MetaCancelReason    = "cancellation_reason"
	MetaReleasedCount   = "released_count"
	MetaOriginalDate    = "original_date"
	MetaSentAt          = "sent_at"
	MetaActualSent      = "actual_sent_count"
)

var systemKeys = map[string]bool{
	MetaQuotaReserved: true, MetaOriginalRequest: true, MetaPartialApproval: true,
	MetaMainReservation: true, MetaAutoBooked: true, MetaMainID: true,
	MetaRequestedDate: true, MetaSequenceOrder: true, MetaCancelledAt: true,
	MetaCancelReason: true, MetaReleasedCount: true, MetaOriginalDate: true,
	MetaSentAt: true, MetaActualSent: true,
}

// IsSystemKey reports whether key is written only by the engines.
func IsSystemKey(key string) bool { return systemKeys[key] }

// Reservation is a dated claim on pool capacity.
type Reservation struct {
	ID          ReservationID     `json:"id"`
	TenantID    TenantID          `json:"tenant_id"`
	PoolID      PoolID            `json:"pool_id"`
	Date        generic.TimePoint `json:"date"`
	EmailCount  int               `json:"email_count"`
	Type        ReservationType   `json:"type"`
	Status      Status            `json:"status"`
	Subject     string            `json:"subject,omitempty"`
	Description string            `json:"description,omitempty"`
	Metadata    Metadata          `json:"metadata,omitempty"`
	RequestedAt time.Time         `json:"requested_at"`
	ApprovedAt  *time.Time        `json:"approved_at,omitempty"`
	SentAt      *time.Time        `json:"sent_at,omitempty"`
}

// =============================================================================
// USAGE LEDGER
// =============================================================================

type DiscrepancyStatus string

const (
	DiscrepancyNormal  DiscrepancyStatus = "normal"
	DiscrepancyWarning DiscrepancyStatus = "warning"
)

type EventSource string

const (
	SourceTenantReport       EventSource = "tenant_report"
	SourceCampaignCompletion EventSource = "campaign_completion"
	SourceMarkSent           EventSource = "mark_sent"
)

// Discrepancy is the comparison that produced an entry's status.
type Discrepancy struct {
	CentralDaily     int  `json:"central_daily"`
	ReportedDaily    int  `json:"reported_daily"`
	DailyDiff        int  `json:"daily_diff"`
	DailyTolerance   int  `json:"daily_tolerance"`
	CentralMonthly   int  `json:"central_monthly"`
	ReportedMonthly  int  `json:"reported_monthly"`
	MonthlyDiff      int  `json:"monthly_diff"`
	MonthlyTolerance int  `json:"monthly_tolerance"`
	HasDiscrepancy   bool `json:"has_discrepancy"`
}

// UsageEvent is one immutable line of an entry's breakdown.
type UsageEvent struct {
	ID         string         `json:"id"`
	EntryID    string         `json:"entry_id"`
	Seq        int            `json:"seq"`
	Source     EventSource    `json:"source"`
	Delta      int            `json:"delta"`
	Payload    map[string]any `json:"payload,omitempty"`
	RecordedAt time.Time      `json:"recorded_at"`
}

// UsageEntry holds the authoritative counters for (pool, tenant, date).
// An empty TenantID is the pool-level entry.
//
// DailyUsed/MonthlyUsed/MandatoryUsed are central figures. ReportedDaily and
// ReportedMonthly keep the tenant's last report next to them and never
// overwrite them.
type UsageEntry struct {
	ID              string            `json:"id"`
	PoolID          PoolID            `json:"pool_id"`
	TenantID        TenantID          `json:"tenant_id,omitempty"`
	Date            generic.TimePoint `json:"date"`
	DailyUsed       int               `json:"daily_used"`
	MonthlyUsed     int               `json:"monthly_used"`
	MandatoryUsed   int               `json:"mandatory_used"`
	ReportedDaily   *int              `json:"reported_daily,omitempty"`
	ReportedMonthly *int              `json:"reported_monthly,omitempty"`
	Status          DiscrepancyStatus `json:"discrepancy_status"`
	Discrepancy     *Discrepancy      `json:"discrepancy_details,omitempty"`
	Breakdown       []UsageEvent      `json:"breakdown,omitempty"`
	UpdatedAt       time.Time         `json:"updated_at"`
}
