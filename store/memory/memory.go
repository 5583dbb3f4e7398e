// Package memory provides an in-memory quota.TxStore (for testing/dev).
package memory

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/warp/quota-engine/generic"
	"github.com/warp/quota-engine/quota"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

type Memory struct {
	// Clock stamps pools saved without a creation time.
	Clock generic.Clock

	mu           sync.RWMutex
	pools        map[quota.PoolID]quota.Pool
	tenants      map[quota.TenantID]quota.Tenant
	reservations map[quota.ReservationID]quota.Reservation
	entries      map[entryKey]quota.UsageEntry
	events       map[string][]quota.UsageEvent
	syncs        map[syncKey]int
}

type entryKey struct {
	PoolID   quota.PoolID
	TenantID quota.TenantID
	Date     string
}

type syncKey struct {
	TenantID quota.TenantID
	Date     string
}

func New() *Memory {
	return &Memory{
		Clock:        generic.SystemClock{},
		pools:        make(map[quota.PoolID]quota.Pool),
		tenants:      make(map[quota.TenantID]quota.Tenant),
		reservations: make(map[quota.ReservationID]quota.Reservation),
		entries:      make(map[entryKey]quota.UsageEntry),
		events:       make(map[string][]quota.UsageEvent),
		syncs:        make(map[syncKey]int),
	}
}

// Ping always succeeds.
func (m *Memory) Ping(ctx context.Context) error { return ctx.Err() }

// Close is a no-op.
func (m *Memory) Close() error { return nil }

// =============================================================================
// ADMIN
// =============================================================================

func (m *Memory) SavePool(_ context.Context, p quota.Pool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = m.Clock.Now()
	}
	m.pools[p.ID] = p
	return nil
}

func (m *Memory) SaveTenant(_ context.Context, t quota.Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pools[t.PoolID]; !ok {
		return fmt.Errorf("tenant %s: %w", t.Code, generic.ErrPoolNotFound)
	}
	for id, other := range m.tenants {
		if other.Code == t.Code && id != t.ID {
			return fmt.Errorf("tenant code %q already used by %s", t.Code, id)
		}
	}
	m.tenants[t.ID] = t
	return nil
}

// =============================================================================
// READS - Locked wrappers over the unlocked helpers shared with txView
// =============================================================================

func (m *Memory) GetPool(_ context.Context, id quota.PoolID) (*quota.Pool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getPool(id)
}

func (m *Memory) GetTenantByCode(_ context.Context, code string) (*quota.Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getTenantByCode(code)
}

func (m *Memory) GetTenant(_ context.Context, id quota.TenantID) (*quota.Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getTenant(id)
}

func (m *Memory) ListTenants(_ context.Context, poolID quota.PoolID) ([]quota.Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listTenants(poolID), nil
}

func (m *Memory) ListPools(_ context.Context) ([]quota.Pool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listPools(), nil
}

func (m *Memory) GetReservation(_ context.Context, id quota.ReservationID) (*quota.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getReservation(id)
}

func (m *Memory) ListReservations(_ context.Context, f quota.ReservationFilter) ([]quota.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listReservations(f), nil
}

func (m *Memory) CountReservations(_ context.Context, f quota.ReservationFilter) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.countReservations(f), nil
}

func (m *Memory) SumReservations(_ context.Context, f quota.ReservationFilter) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sumReservations(f), nil
}

func (m *Memory) GetUsageEntry(_ context.Context, poolID quota.PoolID, tenantID quota.TenantID, date generic.TimePoint) (*quota.UsageEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getUsageEntry(poolID, tenantID, date), nil
}

func (m *Memory) ListUsageEntries(_ context.Context, f quota.UsageFilter) ([]quota.UsageEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listUsageEntries(f), nil
}

func (m *Memory) CountUsageEntries(_ context.Context, f quota.UsageFilter) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f.Offset, f.Limit = 0, 0
	return len(m.listUsageEntries(f)), nil
}

func (m *Memory) SyncCount(_ context.Context, tenantID quota.TenantID, date generic.TimePoint) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.syncs[syncKey{tenantID, date.String()}], nil
}

// =============================================================================
// UNLOCKED HELPERS
// =============================================================================

func (m *Memory) getPool(id quota.PoolID) (*quota.Pool, error) {
	p, ok := m.pools[id]
	if !ok {
		return nil, fmt.Errorf("pool %s: %w", id, generic.ErrPoolNotFound)
	}
	return &p, nil
}

func (m *Memory) getTenant(id quota.TenantID) (*quota.Tenant, error) {
	t, ok := m.tenants[id]
	if !ok {
		return nil, fmt.Errorf("tenant %s: %w", id, generic.ErrTenantNotFound)
	}
	return &t, nil
}

func (m *Memory) getTenantByCode(code string) (*quota.Tenant, error) {
	for _, t := range m.tenants {
		if t.Code == code {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("tenant %q: %w", code, generic.ErrTenantNotFound)
}

func (m *Memory) listTenants(poolID quota.PoolID) []quota.Tenant {
	var out []quota.Tenant
	for _, t := range m.tenants {
		if t.PoolID == poolID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

func (m *Memory) listPools() []quota.Pool {
	out := make([]quota.Pool, 0, len(m.pools))
	for _, p := range m.pools {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *Memory) getReservation(id quota.ReservationID) (*quota.Reservation, error) {
	r, ok := m.reservations[id]
	if !ok {
		return nil, fmt.Errorf("reservation %s: %w", id, generic.ErrReservationNotFound)
	}
	r = copyReservation(r)
	return &r, nil
}

func matchReservation(r quota.Reservation, f quota.ReservationFilter) bool {
	if f.PoolID != "" && r.PoolID != f.PoolID {
		return false
	}
	if f.TenantID != "" && r.TenantID != f.TenantID {
		return false
	}
	if !f.From.IsZero() && r.Date.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && r.Date.After(f.To) {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if r.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (m *Memory) listReservations(f quota.ReservationFilter) []quota.Reservation {
	var out []quota.Reservation
	for _, r := range m.reservations {
		if matchReservation(r, f) {
			out = append(out, copyReservation(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if f.NewestFirst {
			a, b = b, a
		}
		if !a.Date.Equal(b.Date) {
			return a.Date.Before(b.Date)
		}
		return a.RequestedAt.Before(b.RequestedAt)
	})
	if f.Offset > 0 {
		out = out[min(f.Offset, len(out)):]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

func (m *Memory) countReservations(f quota.ReservationFilter) int {
	n := 0
	for _, r := range m.reservations {
		if matchReservation(r, f) {
			n++
		}
	}
	return n
}

func (m *Memory) sumReservations(f quota.ReservationFilter) int {
	total := 0
	for _, r := range m.reservations {
		if matchReservation(r, f) {
			total += r.EmailCount
		}
	}
	return total
}

func (m *Memory) getUsageEntry(poolID quota.PoolID, tenantID quota.TenantID, date generic.TimePoint) *quota.UsageEntry {
	e, ok := m.entries[entryKey{poolID, tenantID, date.String()}]
	if !ok {
		return nil
	}
	e.Breakdown = append([]quota.UsageEvent(nil), m.events[e.ID]...)
	return &e
}

func (m *Memory) listUsageEntries(f quota.UsageFilter) []quota.UsageEntry {
	var out []quota.UsageEntry
	for _, e := range m.entries {
		if f.PoolID != "" && e.PoolID != f.PoolID {
			continue
		}
		if f.TenantID != "" && e.TenantID != f.TenantID {
			continue
		}
		if !f.From.IsZero() && e.Date.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && e.Date.After(f.To) {
			continue
		}
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.After(out[j].Date)
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

func copyReservation(r quota.Reservation) quota.Reservation {
	if r.Metadata != nil {
		r.Metadata = maps.Clone(r.Metadata)
	}
	return r
}

// =============================================================================
// WRITES - only reachable through WithTx
// =============================================================================

func (m *Memory) createReservation(r quota.Reservation) error {
	if _, ok := m.reservations[r.ID]; ok {
		return fmt.Errorf("reservation %s already exists", r.ID)
	}
	if _, ok := m.tenants[r.TenantID]; !ok {
		return fmt.Errorf("reservation %s: %w", r.ID, generic.ErrTenantNotFound)
	}
	m.reservations[r.ID] = copyReservation(r)
	return nil
}

func (m *Memory) updateReservation(r quota.Reservation, from quota.Status) error {
	stored, ok := m.reservations[r.ID]
	if !ok {
		return fmt.Errorf("reservation %s: %w", r.ID, generic.ErrReservationNotFound)
	}
	if stored.Status != from {
		return &generic.InvalidStateError{ReservationID: string(r.ID), From: string(stored.Status), To: string(r.Status)}
	}
	m.reservations[r.ID] = copyReservation(r)
	return nil
}

func (m *Memory) saveUsageEntry(e *quota.UsageEntry) {
	k := entryKey{e.PoolID, e.TenantID, e.Date.String()}
	if existing, ok := m.entries[k]; ok {
		e.ID = existing.ID
	} else if e.ID == "" {
		e.ID = uuid.NewString()
	}
	stored := *e
	stored.Breakdown = nil
	m.entries[k] = stored
}

func (m *Memory) appendUsageEvent(ev quota.UsageEvent) error {
	found := false
	for _, e := range m.entries {
		if e.ID == ev.EntryID {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("usage entry %s does not exist", ev.EntryID)
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	ev.Seq = len(m.events[ev.EntryID]) + 1
	m.events[ev.EntryID] = append(m.events[ev.EntryID], ev)
	return nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
// The write lock is held for the whole of fn, so transactions run one at
// a time and LockSlot has nothing left to do.
func (m *Memory) WithTx(ctx context.Context, fn func(quota.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.snapshot()
	err := fn(&txView{parent: m})
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		m.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	reservations map[quota.ReservationID]quota.Reservation
	entries      map[entryKey]quota.UsageEntry
	events       map[string][]quota.UsageEvent
	syncs        map[syncKey]int
}

func (m *Memory) snapshot() memorySnapshot {
	events := make(map[string][]quota.UsageEvent, len(m.events))
	for k, v := range m.events {
		events[k] = append([]quota.UsageEvent(nil), v...)
	}
	return memorySnapshot{
		reservations: maps.Clone(m.reservations),
		entries:      maps.Clone(m.entries),
		events:       events,
		syncs:        maps.Clone(m.syncs),
	}
}

func (m *Memory) restore(s memorySnapshot) {
	m.reservations = s.reservations
	m.entries = s.entries
	m.events = s.events
	m.syncs = s.syncs
}

// txView is the quota.Tx handed to fn. The parent's lock is already held.
type txView struct {
	parent *Memory
}

func (tv *txView) GetPool(_ context.Context, id quota.PoolID) (*quota.Pool, error) {
	return tv.parent.getPool(id)
}

func (tv *txView) GetTenantByCode(_ context.Context, code string) (*quota.Tenant, error) {
	return tv.parent.getTenantByCode(code)
}

func (tv *txView) GetTenant(_ context.Context, id quota.TenantID) (*quota.Tenant, error) {
	return tv.parent.getTenant(id)
}

func (tv *txView) ListTenants(_ context.Context, poolID quota.PoolID) ([]quota.Tenant, error) {
	return tv.parent.listTenants(poolID), nil
}

func (tv *txView) ListPools(_ context.Context) ([]quota.Pool, error) {
	return tv.parent.listPools(), nil
}

func (tv *txView) GetReservation(_ context.Context, id quota.ReservationID) (*quota.Reservation, error) {
	return tv.parent.getReservation(id)
}

func (tv *txView) ListReservations(_ context.Context, f quota.ReservationFilter) ([]quota.Reservation, error) {
	return tv.parent.listReservations(f), nil
}

func (tv *txView) CountReservations(_ context.Context, f quota.ReservationFilter) (int, error) {
	return tv.parent.countReservations(f), nil
}

func (tv *txView) SumReservations(_ context.Context, f quota.ReservationFilter) (int, error) {
	return tv.parent.sumReservations(f), nil
}

func (tv *txView) GetUsageEntry(_ context.Context, poolID quota.PoolID, tenantID quota.TenantID, date generic.TimePoint) (*quota.UsageEntry, error) {
	return tv.parent.getUsageEntry(poolID, tenantID, date), nil
}

func (tv *txView) ListUsageEntries(_ context.Context, f quota.UsageFilter) ([]quota.UsageEntry, error) {
	return tv.parent.listUsageEntries(f), nil
}

func (tv *txView) CountUsageEntries(_ context.Context, f quota.UsageFilter) (int, error) {
	f.Offset, f.Limit = 0, 0
	return len(tv.parent.listUsageEntries(f)), nil
}

func (tv *txView) SyncCount(_ context.Context, tenantID quota.TenantID, date generic.TimePoint) (int, error) {
	return tv.parent.syncs[syncKey{tenantID, date.String()}], nil
}

func (tv *txView) CreateReservation(_ context.Context, r quota.Reservation) error {
	return tv.parent.createReservation(r)
}

func (tv *txView) UpdateReservation(_ context.Context, r quota.Reservation, from quota.Status) error {
	return tv.parent.updateReservation(r, from)
}

func (tv *txView) SaveUsageEntry(_ context.Context, e *quota.UsageEntry) error {
	tv.parent.saveUsageEntry(e)
	return nil
}

func (tv *txView) AppendUsageEvent(_ context.Context, ev quota.UsageEvent) error {
	return tv.parent.appendUsageEvent(ev)
}

func (tv *txView) IncrementSyncCount(_ context.Context, tenantID quota.TenantID, date generic.TimePoint, _ string) (int, error) {
	k := syncKey{tenantID, date.String()}
	tv.parent.syncs[k]++
	return tv.parent.syncs[k], nil
}

func (tv *txView) LockSlot(ctx context.Context, _ quota.PoolID, _ generic.TimePoint) error {
	return ctx.Err()
}

func (tv *txView) LockReservation(ctx context.Context, id quota.ReservationID) (*quota.Reservation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return tv.parent.getReservation(id)
}

func (tv *txView) LockLedger(ctx context.Context, _ quota.PoolID, _ quota.TenantID) error {
	return ctx.Err()
}

var (
	_ quota.TxStore = (*Memory)(nil)
	_ quota.Admin   = (*Memory)(nil)
	_ quota.Tx      = (*txView)(nil)
)
