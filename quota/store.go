/*
store.go - Persistence contract for pools, reservations and the usage ledger

PURPOSE:
  Defines the interface between the quota engines and the database.
  Implementations exist for memory (tests, demos), SQLite and PostgreSQL.

KEY INTERFACES:
  Reader:  lookups and aggregates, usable outside a transaction
  Writer:  reservation and ledger mutations
  Tx:      Reader + Writer + the slot, reservation and ledger locks
  TxStore: Reader + WithTx, the only way to obtain a Tx

WRITES ONLY HAPPEN INSIDE A TX:
  Booking a reservation and cascading the shortfall onto later days is one
  unit of work. WithTx commits when fn returns nil and rolls back every
  write otherwise, so callers never observe half a cascade.

THE SLOT LOCK:
  LockSlot(pool, date) serializes booking decisions for one pool and day.
  It is held until the transaction ends. Two requests for the same slot
  run one after the other; the second reads the capacity the first left.
  Requests for different pools or days never contend.

  - memory:   one mutex held for the whole transaction
  - sqlite:   BEGIN IMMEDIATE (single writer)
  - postgres: pg_advisory_xact_lock on (pool, date) plus FOR UPDATE on the
              slot's pending reservations

STATUS CHANGES:
  LockReservation re-reads a reservation and holds its row until the
  transaction ends, so cancel, mark-sent and completion of the same
  reservation run one after the other. UpdateReservation only applies
  when the stored status still equals the expected one and fails with
  generic.InvalidStateError otherwise.

THE LEDGER LOCK:
  LockLedger(pool, tenant) serializes read-modify-write of a tenant's
  usage entries. Monthly counters are derived from the tenant's other
  entries in the cycle, so the lock covers every date, not one row.

APPEND-ONLY BREAKDOWN:
  UsageEvents are only ever appended. SaveUsageEntry updates counters and
  status but never touches the breakdown.

NOT FOUND:
  Get* lookups of pools, tenants and reservations return the matching
  generic.Err*NotFound. GetUsageEntry returns (nil, nil) when no entry
  exists yet, since a missing ledger row is a normal state.

SEE ALSO:
  - store/memory, store/sqlite, store/postgres: implementations
*/
package quota

import (
	"context"

	"github.com/warp/quota-engine/generic"
)

// =============================================================================
// FILTERS
// =============================================================================

// ReservationFilter selects reservations. Zero fields do not filter.
type ReservationFilter struct {
	PoolID   PoolID
	TenantID TenantID
	From     generic.TimePoint
	To       generic.TimePoint
	Statuses []Status
	Limit    int
	Offset   int
	// NewestFirst orders by date, then request time, descending.
	NewestFirst bool
}

// ActiveOn selects the active reservations of a pool on one day.
func ActiveOn(poolID PoolID, date generic.TimePoint) ReservationFilter {
	return ReservationFilter{PoolID: poolID, From: date, To: date, Statuses: ActiveStatuses}
}

// ActiveIn selects the active reservations of a pool within a period.
func ActiveIn(poolID PoolID, p generic.Period) ReservationFilter {
	return ReservationFilter{PoolID: poolID, From: p.Start, To: p.End, Statuses: ActiveStatuses}
}

// UsageFilter selects ledger entries. Zero fields do not filter.
type UsageFilter struct {
	PoolID   PoolID
	TenantID TenantID
	From     generic.TimePoint
	To       generic.TimePoint
	Status   DiscrepancyStatus
	Offset   int
	Limit    int
}

// =============================================================================
// STORE INTERFACES
// =============================================================================

// Reader provides lookups and aggregates.
type Reader interface {
	GetPool(ctx context.Context, id PoolID) (*Pool, error)
	GetTenantByCode(ctx context.Context, code string) (*Tenant, error)
	GetTenant(ctx context.Context, id TenantID) (*Tenant, error)
	// ListTenants returns the tenants of a pool ordered by code.
	ListTenants(ctx context.Context, poolID PoolID) ([]Tenant, error)
	ListPools(ctx context.Context) ([]Pool, error)

	GetReservation(ctx context.Context, id ReservationID) (*Reservation, error)
	// ListReservations returns matches ordered by date, then request time.
	ListReservations(ctx context.Context, f ReservationFilter) ([]Reservation, error)
	// CountReservations ignores Limit and Offset.
	CountReservations(ctx context.Context, f ReservationFilter) (int, error)
	// SumReservations totals EmailCount over the matches.
	SumReservations(ctx context.Context, f ReservationFilter) (int, error)

	// GetUsageEntry returns the entry with its breakdown, or nil.
	GetUsageEntry(ctx context.Context, poolID PoolID, tenantID TenantID, date generic.TimePoint) (*UsageEntry, error)
	// ListUsageEntries returns matches newest first, without breakdowns.
	ListUsageEntries(ctx context.Context, f UsageFilter) ([]UsageEntry, error)
	CountUsageEntries(ctx context.Context, f UsageFilter) (int, error)

	// SyncCount is the number of syncs the tenant made on date.
	SyncCount(ctx context.Context, tenantID TenantID, date generic.TimePoint) (int, error)
}

// Writer mutates reservations and the ledger.
type Writer interface {
	CreateReservation(ctx context.Context, r Reservation) error
	// UpdateReservation writes r when the stored status is still from.
	UpdateReservation(ctx context.Context, r Reservation, from Status) error

	// SaveUsageEntry inserts or updates the counters of (pool, tenant, date).
	// An empty ID is assigned on insert.
	SaveUsageEntry(ctx context.Context, e *UsageEntry) error
	// AppendUsageEvent appends to an entry's breakdown. Seq is assigned.
	AppendUsageEvent(ctx context.Context, ev UsageEvent) error

	// IncrementSyncCount bumps the day's counter and returns the new value.
	IncrementSyncCount(ctx context.Context, tenantID TenantID, date generic.TimePoint, syncType string) (int, error)
}

// Tx is a unit of work.
type Tx interface {
	Reader
	Writer

	// LockSlot blocks until this transaction holds the (pool, date) lock.
	LockSlot(ctx context.Context, poolID PoolID, date generic.TimePoint) error
	// LockReservation returns id with its row held until the transaction ends.
	LockReservation(ctx context.Context, id ReservationID) (*Reservation, error)
	// LockLedger blocks until this transaction holds the tenant's ledger.
	LockLedger(ctx context.Context, poolID PoolID, tenantID TenantID) error
}

// TxStore is the store the engines are built on.
type TxStore interface {
	Reader

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed.
	WithTx(ctx context.Context, fn func(Tx) error) error
}

// Admin creates pools and tenants. Administration is outside the engines;
// seeding and tests use it.
type Admin interface {
	SavePool(ctx context.Context, p Pool) error
	SaveTenant(ctx context.Context, t Tenant) error
}
