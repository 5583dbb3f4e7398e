/*
Package postgres provides a PostgreSQL-backed quota.TxStore on pgx.

PURPOSE:
  The multi-node store. Several API instances may book against the same
  database; correctness comes from row and advisory locks, not from any
  in-process mutex.

THE SLOT LOCK:
  LockSlot(pool, date) runs

    SELECT pg_advisory_xact_lock(hashtext('slot|' || pool || '|' || date))

  and then locks the slot's pending reservations FOR UPDATE. The advisory
  lock covers the case where the slot has no rows yet, which FOR UPDATE
  alone cannot. Both are released at COMMIT or ROLLBACK.

  Transactions run at READ COMMITTED, so every statement after the lock
  sees what the previous holder committed.

RESERVATION ROWS:
  LockReservation reads the row with SELECT ... FOR UPDATE. Cancel,
  mark-sent and completion take it before checking the status, and
  UpdateReservation adds AND status = <expected> to its WHERE clause.

LEDGER:
  LockLedger takes pg_advisory_xact_lock on (pool, tenant). Entries are
  read, changed and written back under it, including the first insert
  of a day, which no row lock could cover.

SYNC COUNTER:
  IncrementSyncCount takes a per (tenant, day) advisory lock before
  inserting, so concurrent syncs count one after the other.

SCHEMA:
  schema.sql is embedded and applied statement by statement on New.

SEE ALSO:
  - quota/store.go: interface definitions
  - store/sqlite:   single-file implementation
*/
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/warp/quota-engine/generic"
	"github.com/warp/quota-engine/quota"
)

//go:embed schema.sql
var schemaDDL string

// PoolConfig captures the pgxpool knobs the server exposes.
type PoolConfig struct {
	ConnString      string
	MaxConns        int32         // 0 leaves pgx default
	MinConns        int32         // 0 leaves pgx default
	MaxConnLifetime time.Duration // 0 leaves pgx default
}

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	queries
	pool *pgxpool.Pool

	// Clock stamps pool creation and sync logs.
	Clock generic.Clock
}

// New connects, verifies connectivity and applies the schema.
func New(ctx context.Context, cfg PoolConfig) (*Store, error) {
	if cfg.ConnString == "" {
		return nil, fmt.Errorf("conn string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.ConnString)
	if err != nil {
		return nil, fmt.Errorf("parse pgx pool config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &Store{queries: queries{q: pool}, pool: pool, Clock: generic.SystemClock{}}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return s, nil
}

// Close shuts down the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	for _, raw := range strings.Split(schemaDDL, ";") {
		stmt := strings.TrimSpace(raw)
		if stmt == "" {
			continue
		}
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// ADMIN
// =============================================================================

func (s *Store) SavePool(ctx context.Context, p quota.Pool) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.Clock.Now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pools (id, name, daily_capacity, cycle_capacity, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			daily_capacity = EXCLUDED.daily_capacity,
			cycle_capacity = EXCLUDED.cycle_capacity,
			active = EXCLUDED.active`,
		p.ID, p.Name, p.DailyCapacity, p.CycleCapacity, p.Active, p.CreatedAt)
	return err
}

func (s *Store) SaveTenant(ctx context.Context, t quota.Tenant) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tenants (id, code, name, pool_id, daily_capacity, cycle_capacity,
			mandatory_daily, max_sync_per_day, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			code = EXCLUDED.code,
			name = EXCLUDED.name,
			pool_id = EXCLUDED.pool_id,
			daily_capacity = EXCLUDED.daily_capacity,
			cycle_capacity = EXCLUDED.cycle_capacity,
			mandatory_daily = EXCLUDED.mandatory_daily,
			max_sync_per_day = EXCLUDED.max_sync_per_day,
			active = EXCLUDED.active`,
		t.ID, t.Code, t.Name, t.PoolID, t.DailyCapacity, t.CycleCapacity,
		t.MandatoryDaily, t.MaxSyncPerDay, t.Active)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "tenants_code_unique" {
		return fmt.Errorf("tenant code %q already exists", t.Code)
	}
	return err
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx runs fn in a READ COMMITTED transaction.
func (s *Store) WithTx(ctx context.Context, fn func(quota.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	if err := fn(&txStore{queries: queries{q: tx}, clock: s.Clock}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type txStore struct {
	queries
	clock generic.Clock
}

func (ts *txStore) advisoryLock(ctx context.Context, key string) error {
	if _, err := ts.q.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
		return fmt.Errorf("lock %s: %w", key, err)
	}
	return nil
}

func (ts *txStore) LockSlot(ctx context.Context, poolID quota.PoolID, date generic.TimePoint) error {
	if err := ts.advisoryLock(ctx, "slot|"+string(poolID)+"|"+date.String()); err != nil {
		return err
	}

	rows, err := ts.q.Query(ctx, `
		SELECT id FROM reservations
		WHERE pool_id = $1 AND date = $2 AND status = 'pending'
		ORDER BY requested_at
		FOR UPDATE`, poolID, day(date))
	if err != nil {
		return fmt.Errorf("lock pending reservations: %w", err)
	}
	rows.Close()
	return rows.Err()
}

func (ts *txStore) LockReservation(ctx context.Context, id quota.ReservationID) (*quota.Reservation, error) {
	r, err := scanReservation(ts.q.QueryRow(ctx,
		`SELECT `+reservationColumns+` FROM reservations WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("reservation %s: %w", id, generic.ErrReservationNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (ts *txStore) LockLedger(ctx context.Context, poolID quota.PoolID, tenantID quota.TenantID) error {
	return ts.advisoryLock(ctx, "ledger|"+string(poolID)+"|"+string(tenantID))
}

// =============================================================================
// READS
// =============================================================================

type queries struct {
	q querier
}

type scanner interface {
	Scan(dest ...any) error
}

const poolColumns = `id, name, daily_capacity, cycle_capacity, active, created_at`

func scanPool(row scanner) (quota.Pool, error) {
	var p quota.Pool
	err := row.Scan(&p.ID, &p.Name, &p.DailyCapacity, &p.CycleCapacity, &p.Active, &p.CreatedAt)
	return p, err
}

func (qs queries) GetPool(ctx context.Context, id quota.PoolID) (*quota.Pool, error) {
	p, err := scanPool(qs.q.QueryRow(ctx, `SELECT `+poolColumns+` FROM pools WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("pool %s: %w", id, generic.ErrPoolNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (qs queries) ListPools(ctx context.Context) ([]quota.Pool, error) {
	rows, err := qs.q.Query(ctx, `SELECT `+poolColumns+` FROM pools ORDER BY name`)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanPool)
}

const tenantColumns = `id, code, name, pool_id, daily_capacity, cycle_capacity, mandatory_daily, max_sync_per_day, active`

func scanTenant(row scanner) (quota.Tenant, error) {
	var t quota.Tenant
	err := row.Scan(&t.ID, &t.Code, &t.Name, &t.PoolID, &t.DailyCapacity, &t.CycleCapacity,
		&t.MandatoryDaily, &t.MaxSyncPerDay, &t.Active)
	return t, err
}

func (qs queries) getTenantWhere(ctx context.Context, where string, arg any) (*quota.Tenant, error) {
	t, err := scanTenant(qs.q.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE `+where, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("tenant %v: %w", arg, generic.ErrTenantNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (qs queries) GetTenant(ctx context.Context, id quota.TenantID) (*quota.Tenant, error) {
	return qs.getTenantWhere(ctx, "id = $1", id)
}

func (qs queries) GetTenantByCode(ctx context.Context, code string) (*quota.Tenant, error) {
	return qs.getTenantWhere(ctx, "code = $1", code)
}

func (qs queries) ListTenants(ctx context.Context, poolID quota.PoolID) ([]quota.Tenant, error) {
	rows, err := qs.q.Query(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE pool_id = $1 ORDER BY code`, poolID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanTenant)
}

const reservationColumns = `id, tenant_id, pool_id, date, email_count, type, status,
	subject, description, metadata, requested_at, approved_at, sent_at`

func scanReservation(row scanner) (quota.Reservation, error) {
	var (
		r        quota.Reservation
		date     time.Time
		metadata []byte
	)
	err := row.Scan(&r.ID, &r.TenantID, &r.PoolID, &date, &r.EmailCount, &r.Type, &r.Status,
		&r.Subject, &r.Description, &metadata, &r.RequestedAt, &r.ApprovedAt, &r.SentAt)
	if err != nil {
		return r, err
	}
	r.Date = generic.DayOf(date)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &r.Metadata); err != nil {
			return r, fmt.Errorf("reservation %s metadata: %w", r.ID, err)
		}
	}
	return r, nil
}

func (qs queries) GetReservation(ctx context.Context, id quota.ReservationID) (*quota.Reservation, error) {
	r, err := scanReservation(qs.q.QueryRow(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("reservation %s: %w", id, generic.ErrReservationNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// where accumulates numbered conditions.
type where struct {
	conds []string
	args  []any
}

func (w *where) add(cond string, arg any) {
	w.args = append(w.args, arg)
	w.conds = append(w.conds, strings.ReplaceAll(cond, "?", fmt.Sprintf("$%d", len(w.args))))
}

func (w *where) String() string {
	if len(w.conds) == 0 {
		return "TRUE"
	}
	return strings.Join(w.conds, " AND ")
}

// next returns the placeholder for one more argument.
func (w *where) next(arg any) string {
	w.args = append(w.args, arg)
	return fmt.Sprintf("$%d", len(w.args))
}

func reservationWhere(f quota.ReservationFilter) *where {
	w := &where{}
	if f.PoolID != "" {
		w.add("pool_id = ?", f.PoolID)
	}
	if f.TenantID != "" {
		w.add("tenant_id = ?", f.TenantID)
	}
	if !f.From.IsZero() {
		w.add("date >= ?", day(f.From))
	}
	if !f.To.IsZero() {
		w.add("date <= ?", day(f.To))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		w.add("status = ANY(?)", statuses)
	}
	return w
}

func (qs queries) ListReservations(ctx context.Context, f quota.ReservationFilter) ([]quota.Reservation, error) {
	w := reservationWhere(f)
	query := `SELECT ` + reservationColumns + ` FROM reservations WHERE ` + w.String()
	if f.NewestFirst {
		query += ` ORDER BY date DESC, requested_at DESC`
	} else {
		query += ` ORDER BY date, requested_at`
	}
	if f.Limit > 0 {
		query += ` LIMIT ` + w.next(f.Limit)
	}
	if f.Offset > 0 {
		query += ` OFFSET ` + w.next(f.Offset)
	}
	rows, err := qs.q.Query(ctx, query, w.args...)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanReservation)
}

func (qs queries) CountReservations(ctx context.Context, f quota.ReservationFilter) (int, error) {
	w := reservationWhere(f)
	var n int
	err := qs.q.QueryRow(ctx, `SELECT COUNT(*)::int FROM reservations WHERE `+w.String(), w.args...).Scan(&n)
	return n, err
}

func (qs queries) SumReservations(ctx context.Context, f quota.ReservationFilter) (int, error) {
	w := reservationWhere(f)
	var total int
	err := qs.q.QueryRow(ctx,
		`SELECT COALESCE(SUM(email_count), 0)::int FROM reservations WHERE `+w.String(), w.args...).Scan(&total)
	return total, err
}

const entryColumns = `id, pool_id, tenant_id, date, daily_used, monthly_used, mandatory_used,
	reported_daily, reported_monthly, status, discrepancy, updated_at`

func scanEntry(row scanner) (quota.UsageEntry, error) {
	var (
		e           quota.UsageEntry
		date        time.Time
		discrepancy []byte
	)
	err := row.Scan(&e.ID, &e.PoolID, &e.TenantID, &date, &e.DailyUsed, &e.MonthlyUsed, &e.MandatoryUsed,
		&e.ReportedDaily, &e.ReportedMonthly, &e.Status, &discrepancy, &e.UpdatedAt)
	if err != nil {
		return e, err
	}
	e.Date = generic.DayOf(date)
	if len(discrepancy) > 0 {
		var d quota.Discrepancy
		if err := json.Unmarshal(discrepancy, &d); err != nil {
			return e, fmt.Errorf("usage entry %s discrepancy: %w", e.ID, err)
		}
		e.Discrepancy = &d
	}
	return e, nil
}

func (qs queries) GetUsageEntry(ctx context.Context, poolID quota.PoolID, tenantID quota.TenantID, date generic.TimePoint) (*quota.UsageEntry, error) {
	e, err := scanEntry(qs.q.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM usage_entries WHERE pool_id = $1 AND tenant_id = $2 AND date = $3`,
		poolID, tenantID, day(date)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rows, err := qs.q.Query(ctx, `
		SELECT id, entry_id, seq, source, delta, payload, recorded_at
		FROM usage_events WHERE entry_id = $1 ORDER BY seq`, e.ID)
	if err != nil {
		return nil, err
	}
	if e.Breakdown, err = collect(rows, scanEvent); err != nil {
		return nil, err
	}
	return &e, nil
}

func scanEvent(row scanner) (quota.UsageEvent, error) {
	var ev quota.UsageEvent
	var payload []byte
	if err := row.Scan(&ev.ID, &ev.EntryID, &ev.Seq, &ev.Source, &ev.Delta, &payload, &ev.RecordedAt); err != nil {
		return ev, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &ev.Payload); err != nil {
			return ev, fmt.Errorf("usage event %s payload: %w", ev.ID, err)
		}
	}
	return ev, nil
}

func usageWhere(f quota.UsageFilter) *where {
	w := &where{}
	if f.PoolID != "" {
		w.add("pool_id = ?", f.PoolID)
	}
	if f.TenantID != "" {
		w.add("tenant_id = ?", f.TenantID)
	}
	if !f.From.IsZero() {
		w.add("date >= ?", day(f.From))
	}
	if !f.To.IsZero() {
		w.add("date <= ?", day(f.To))
	}
	if f.Status != "" {
		w.add("status = ?", string(f.Status))
	}
	return w
}

func (qs queries) ListUsageEntries(ctx context.Context, f quota.UsageFilter) ([]quota.UsageEntry, error) {
	w := usageWhere(f)
	query := `SELECT ` + entryColumns + ` FROM usage_entries WHERE ` + w.String() +
		` ORDER BY date DESC, updated_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ` + w.next(f.Limit)
	}
	if f.Offset > 0 {
		query += ` OFFSET ` + w.next(f.Offset)
	}
	rows, err := qs.q.Query(ctx, query, w.args...)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanEntry)
}

func (qs queries) CountUsageEntries(ctx context.Context, f quota.UsageFilter) (int, error) {
	w := usageWhere(f)
	var n int
	err := qs.q.QueryRow(ctx, `SELECT COUNT(*)::int FROM usage_entries WHERE `+w.String(), w.args...).Scan(&n)
	return n, err
}

func (qs queries) SyncCount(ctx context.Context, tenantID quota.TenantID, date generic.TimePoint) (int, error) {
	var n int
	err := qs.q.QueryRow(ctx,
		`SELECT COUNT(*)::int FROM sync_logs WHERE tenant_id = $1 AND date = $2`, tenantID, day(date)).Scan(&n)
	return n, err
}

// =============================================================================
// WRITES
// =============================================================================

func (ts *txStore) CreateReservation(ctx context.Context, r quota.Reservation) error {
	metadata, err := marshalJSON(r.Metadata)
	if err != nil {
		return err
	}
	_, err = ts.q.Exec(ctx, `
		INSERT INTO reservations (id, tenant_id, pool_id, date, email_count, type, status,
			subject, description, metadata, requested_at, approved_at, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		r.ID, r.TenantID, r.PoolID, day(r.Date), r.EmailCount, r.Type, r.Status,
		r.Subject, r.Description, metadata, r.RequestedAt, r.ApprovedAt, r.SentAt)
	return err
}

func (ts *txStore) UpdateReservation(ctx context.Context, r quota.Reservation, from quota.Status) error {
	metadata, err := marshalJSON(r.Metadata)
	if err != nil {
		return err
	}
	tag, err := ts.q.Exec(ctx, `
		UPDATE reservations SET
			date = $1, email_count = $2, type = $3, status = $4, subject = $5, description = $6,
			metadata = $7, approved_at = $8, sent_at = $9
		WHERE id = $10 AND status = $11`,
		day(r.Date), r.EmailCount, r.Type, r.Status, r.Subject, r.Description,
		metadata, r.ApprovedAt, r.SentAt, r.ID, from)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		current, err := ts.GetReservation(ctx, r.ID)
		if err != nil {
			return err
		}
		return &generic.InvalidStateError{ReservationID: string(r.ID), From: string(current.Status), To: string(r.Status)}
	}
	return nil
}

func (ts *txStore) SaveUsageEntry(ctx context.Context, e *quota.UsageEntry) error {
	var discrepancy []byte
	if e.Discrepancy != nil {
		b, err := json.Marshal(e.Discrepancy)
		if err != nil {
			return err
		}
		discrepancy = b
	}
	id := e.ID
	if id == "" {
		id = uuid.NewString()
	}
	status := e.Status
	if status == "" {
		status = quota.DiscrepancyNormal
	}

	return ts.q.QueryRow(ctx, `
		INSERT INTO usage_entries (id, pool_id, tenant_id, date, daily_used, monthly_used,
			mandatory_used, reported_daily, reported_monthly, status, discrepancy, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (pool_id, tenant_id, date) DO UPDATE SET
			daily_used = EXCLUDED.daily_used,
			monthly_used = EXCLUDED.monthly_used,
			mandatory_used = EXCLUDED.mandatory_used,
			reported_daily = EXCLUDED.reported_daily,
			reported_monthly = EXCLUDED.reported_monthly,
			status = EXCLUDED.status,
			discrepancy = EXCLUDED.discrepancy,
			updated_at = EXCLUDED.updated_at
		RETURNING id`,
		id, e.PoolID, e.TenantID, day(e.Date), e.DailyUsed, e.MonthlyUsed, e.MandatoryUsed,
		e.ReportedDaily, e.ReportedMonthly, status, discrepancy, e.UpdatedAt).Scan(&e.ID)
}

// AppendUsageEvent runs under LockLedger; the unique (entry_id, seq) index
// backs it up.
func (ts *txStore) AppendUsageEvent(ctx context.Context, ev quota.UsageEvent) error {
	payload, err := marshalJSON(ev.Payload)
	if err != nil {
		return err
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	_, err = ts.q.Exec(ctx, `
		INSERT INTO usage_events (id, entry_id, seq, source, delta, payload, recorded_at)
		SELECT $1::text, $2::text, COALESCE(MAX(seq), 0) + 1, $3::text, $4::int, $5::jsonb, $6::timestamptz
		FROM usage_events WHERE entry_id = $2`,
		ev.ID, ev.EntryID, ev.Source, ev.Delta, payload, ev.RecordedAt)
	return err
}

func (ts *txStore) IncrementSyncCount(ctx context.Context, tenantID quota.TenantID, date generic.TimePoint, syncType string) (int, error) {
	if err := ts.advisoryLock(ctx, "sync|"+string(tenantID)+"|"+date.String()); err != nil {
		return 0, err
	}
	if _, err := ts.q.Exec(ctx,
		`INSERT INTO sync_logs (tenant_id, date, sync_type, synced_at) VALUES ($1, $2, $3, $4)`,
		tenantID, day(date), syncType, ts.clock.Now()); err != nil {
		return 0, err
	}
	return ts.SyncCount(ctx, tenantID, date)
}

// =============================================================================
// HELPERS
// =============================================================================

// day renders a TimePoint as the UTC midnight pgx encodes into DATE.
func day(tp generic.TimePoint) time.Time {
	return time.Date(tp.Year(), tp.Month(), tp.Day(), 0, 0, 0, 0, time.UTC)
}

func marshalJSON[M ~map[string]any](m M) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}

func collect[T any](rows pgx.Rows, scan func(scanner) (T, error)) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

var (
	_ quota.TxStore = (*Store)(nil)
	_ quota.Admin   = (*Store)(nil)
	_ quota.Tx      = (*txStore)(nil)
)
