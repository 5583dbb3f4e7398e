/*
Package sqlite provides a SQLite-backed quota.TxStore.

PURPOSE:
  Persists pools, tenants, reservations and the usage ledger in a single
  SQLite file. Suited to one-node deployments and local development; the
  postgres package covers multi-node deployments with the same contract.

INTERFACES IMPLEMENTED:
  quota.TxStore: reads + WithTx
  quota.Tx:      the transaction view handed to WithTx callbacks
  quota.Admin:   pool and tenant administration

KEY TABLES:
  pools:          sending accounts
  tenants:        units competing for a pool (code is unique)
  reservations:   dated capacity claims, metadata kept as JSON
  usage_entries:  one row per (pool, tenant, date); tenant_id '' is the
                  pool-level entry
  usage_events:   append-only breakdown of each entry (no UPDATE, no DELETE)
  sync_logs:      one row per tenant sync, counted per day

INDEXES:
  - idx_reservations_slot: capacity sums for (pool, date, status), hot path
  - idx_usage_entries_key: one ledger row per (pool, tenant, date)
  - idx_usage_events_seq:  breakdown order, unique per entry

CONCURRENCY:
  The database is opened with _txlock=immediate, so every transaction
  starts with BEGIN IMMEDIATE and holds SQLite's single write lock until it
  commits. Booking decisions are therefore serialized and LockSlot,
  LockReservation and LockLedger have nothing left to acquire. Reads inside a transaction always go through
  the *sql.Tx so they see the transaction's own writes.

WAL MODE:
  WAL lets readers proceed while the single writer works. busy_timeout
  makes a second writer wait instead of failing with SQLITE_BUSY.

DATES AND TIMES:
  Calendar dates are stored as "2006-01-02" text so range filters compare
  lexically. Timestamps are UTC with fixed-width nanoseconds for the same
  reason.

USAGE:
  store, err := sqlite.New("./data/quota.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := quota.NewService(store, quota.NewSelector(false), logger)

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - quota/store.go: interface definitions
  - store/memory:   in-memory implementation for tests
  - store/postgres: PostgreSQL implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/warp/quota-engine/generic"
	"github.com/warp/quota-engine/quota"
)

const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements quota.TxStore using SQLite.
type Store struct {
	queries
	db *sql.DB

	// Clock stamps pool creation and sync logs.
	Clock generic.Clock
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every connection would get its own empty database
		db.SetMaxOpenConns(1)
	}

	store := &Store{queries: queries{q: db}, db: db, Clock: generic.SystemClock{}}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS pools (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		daily_capacity INTEGER NOT NULL,
		cycle_capacity INTEGER NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tenants (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		pool_id TEXT NOT NULL REFERENCES pools(id),
		daily_capacity INTEGER NOT NULL,
		cycle_capacity INTEGER NOT NULL,
		mandatory_daily INTEGER NOT NULL DEFAULT 0,
		max_sync_per_day INTEGER NOT NULL DEFAULT 0,
		active INTEGER NOT NULL DEFAULT 1
	);

	CREATE INDEX IF NOT EXISTS idx_tenants_pool ON tenants(pool_id);

	CREATE TABLE IF NOT EXISTS reservations (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL REFERENCES tenants(id),
		pool_id TEXT NOT NULL REFERENCES pools(id),
		date TEXT NOT NULL,
		email_count INTEGER NOT NULL CHECK (email_count > 0),
		type TEXT NOT NULL,
		status TEXT NOT NULL,
		subject TEXT,
		description TEXT,
		metadata_json TEXT,
		requested_at TEXT NOT NULL,
		approved_at TEXT,
		sent_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_reservations_slot
		ON reservations(pool_id, date, status);
	CREATE INDEX IF NOT EXISTS idx_reservations_tenant_date
		ON reservations(tenant_id, date);

	CREATE TABLE IF NOT EXISTS usage_entries (
		id TEXT PRIMARY KEY,
		pool_id TEXT NOT NULL REFERENCES pools(id),
		tenant_id TEXT NOT NULL DEFAULT '',
		date TEXT NOT NULL,
		daily_used INTEGER NOT NULL DEFAULT 0,
		monthly_used INTEGER NOT NULL DEFAULT 0,
		mandatory_used INTEGER NOT NULL DEFAULT 0,
		reported_daily INTEGER,
		reported_monthly INTEGER,
		status TEXT NOT NULL DEFAULT 'normal',
		discrepancy_json TEXT,
		updated_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_usage_entries_key
		ON usage_entries(pool_id, tenant_id, date);
	CREATE INDEX IF NOT EXISTS idx_usage_entries_date_status
		ON usage_entries(date, status);

	-- Breakdown (append-only)
	CREATE TABLE IF NOT EXISTS usage_events (
		id TEXT PRIMARY KEY,
		entry_id TEXT NOT NULL REFERENCES usage_entries(id),
		seq INTEGER NOT NULL,
		source TEXT NOT NULL,
		delta INTEGER NOT NULL DEFAULT 0,
		payload_json TEXT,
		recorded_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_usage_events_seq
		ON usage_events(entry_id, seq);

	CREATE TABLE IF NOT EXISTS sync_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tenant_id TEXT NOT NULL REFERENCES tenants(id),
		date TEXT NOT NULL,
		sync_type TEXT NOT NULL,
		synced_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sync_logs_tenant_date
		ON sync_logs(tenant_id, date);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// ADMIN (quota.Admin interface)
// =============================================================================

// SavePool inserts or replaces a pool.
func (s *Store) SavePool(ctx context.Context, p quota.Pool) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.Clock.Now()
	}
	query := `
		INSERT INTO pools (id, name, daily_capacity, cycle_capacity, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			daily_capacity = excluded.daily_capacity,
			cycle_capacity = excluded.cycle_capacity,
			active = excluded.active
	`
	_, err := s.db.ExecContext(ctx, query,
		p.ID, p.Name, p.DailyCapacity, p.CycleCapacity, p.Active, formatTime(p.CreatedAt))
	return err
}

// SaveTenant inserts or replaces a tenant. Codes are unique.
func (s *Store) SaveTenant(ctx context.Context, t quota.Tenant) error {
	query := `
		INSERT INTO tenants (id, code, name, pool_id, daily_capacity, cycle_capacity,
			mandatory_daily, max_sync_per_day, active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			code = excluded.code,
			name = excluded.name,
			pool_id = excluded.pool_id,
			daily_capacity = excluded.daily_capacity,
			cycle_capacity = excluded.cycle_capacity,
			mandatory_daily = excluded.mandatory_daily,
			max_sync_per_day = excluded.max_sync_per_day,
			active = excluded.active
	`
	_, err := s.db.ExecContext(ctx, query,
		t.ID, t.Code, t.Name, t.PoolID, t.DailyCapacity, t.CycleCapacity,
		t.MandatoryDaily, t.MaxSyncPerDay, t.Active)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("tenant code %q already exists", t.Code)
	}
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (quota.TxStore interface)
// =============================================================================

// WithTx executes fn within a transaction.
func (s *Store) WithTx(ctx context.Context, fn func(quota.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{queries: queries{q: sqlTx}, clock: s.Clock}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// txStore wraps a sql.Tx to implement quota.Tx.
type txStore struct {
	queries
	clock generic.Clock
}

// LockSlot has nothing to do: BEGIN IMMEDIATE already holds the write lock.
func (ts *txStore) LockSlot(ctx context.Context, _ quota.PoolID, _ generic.TimePoint) error {
	return ctx.Err()
}

// LockReservation reads id; the write lock already excludes other writers.
func (ts *txStore) LockReservation(ctx context.Context, id quota.ReservationID) (*quota.Reservation, error) {
	return ts.GetReservation(ctx, id)
}

func (ts *txStore) LockLedger(ctx context.Context, _ quota.PoolID, _ quota.TenantID) error {
	return ctx.Err()
}

// =============================================================================
// READS (quota.Reader interface)
// =============================================================================

// queries holds the statements shared by Store and txStore.
type queries struct {
	q querier
}

const poolColumns = `id, name, daily_capacity, cycle_capacity, active, created_at`

func scanPool(row interface{ Scan(...any) error }) (quota.Pool, error) {
	var p quota.Pool
	var createdAt string
	if err := row.Scan(&p.ID, &p.Name, &p.DailyCapacity, &p.CycleCapacity, &p.Active, &createdAt); err != nil {
		return p, err
	}
	p.CreatedAt = parseTime(createdAt)
	return p, nil
}

func (qs queries) GetPool(ctx context.Context, id quota.PoolID) (*quota.Pool, error) {
	row := qs.q.QueryRowContext(ctx, `SELECT `+poolColumns+` FROM pools WHERE id = ?`, id)
	p, err := scanPool(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("pool %s: %w", id, generic.ErrPoolNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (qs queries) ListPools(ctx context.Context) ([]quota.Pool, error) {
	rows, err := qs.q.QueryContext(ctx, `SELECT `+poolColumns+` FROM pools ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []quota.Pool
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

const tenantColumns = `id, code, name, pool_id, daily_capacity, cycle_capacity, mandatory_daily, max_sync_per_day, active`

func scanTenant(row interface{ Scan(...any) error }) (quota.Tenant, error) {
	var t quota.Tenant
	err := row.Scan(&t.ID, &t.Code, &t.Name, &t.PoolID, &t.DailyCapacity, &t.CycleCapacity,
		&t.MandatoryDaily, &t.MaxSyncPerDay, &t.Active)
	return t, err
}

func (qs queries) getTenantWhere(ctx context.Context, where string, arg any) (*quota.Tenant, error) {
	row := qs.q.QueryRowContext(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE `+where, arg)
	t, err := scanTenant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("tenant %v: %w", arg, generic.ErrTenantNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (qs queries) GetTenant(ctx context.Context, id quota.TenantID) (*quota.Tenant, error) {
	return qs.getTenantWhere(ctx, "id = ?", id)
}

func (qs queries) GetTenantByCode(ctx context.Context, code string) (*quota.Tenant, error) {
	return qs.getTenantWhere(ctx, "code = ?", code)
}

func (qs queries) ListTenants(ctx context.Context, poolID quota.PoolID) ([]quota.Tenant, error) {
	rows, err := qs.q.QueryContext(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE pool_id = ? ORDER BY code`, poolID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []quota.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

const reservationColumns = `id, tenant_id, pool_id, date, email_count, type, status,
	subject, description, metadata_json, requested_at, approved_at, sent_at`

func scanReservation(row interface{ Scan(...any) error }) (quota.Reservation, error) {
	var (
		r                    quota.Reservation
		date, requestedAt    string
		subject, description sql.NullString
		metadataJSON         sql.NullString
		approvedAt, sentAt   sql.NullString
	)
	err := row.Scan(&r.ID, &r.TenantID, &r.PoolID, &date, &r.EmailCount, &r.Type, &r.Status,
		&subject, &description, &metadataJSON, &requestedAt, &approvedAt, &sentAt)
	if err != nil {
		return r, err
	}

	if r.Date, err = generic.ParseDate(date); err != nil {
		return r, fmt.Errorf("reservation %s: %w", r.ID, err)
	}
	r.Subject = subject.String
	r.Description = description.String
	r.RequestedAt = parseTime(requestedAt)
	r.ApprovedAt = parseTimePtr(approvedAt)
	r.SentAt = parseTimePtr(sentAt)
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &r.Metadata); err != nil {
			return r, fmt.Errorf("reservation %s metadata: %w", r.ID, err)
		}
	}
	return r, nil
}

func (qs queries) GetReservation(ctx context.Context, id quota.ReservationID) (*quota.Reservation, error) {
	row := qs.q.QueryRowContext(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = ?`, id)
	r, err := scanReservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("reservation %s: %w", id, generic.ErrReservationNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// reservationWhere renders f as a WHERE clause.
func reservationWhere(f quota.ReservationFilter) (string, []any) {
	conds := []string{"1 = 1"}
	var args []any
	if f.PoolID != "" {
		conds = append(conds, "pool_id = ?")
		args = append(args, f.PoolID)
	}
	if f.TenantID != "" {
		conds = append(conds, "tenant_id = ?")
		args = append(args, f.TenantID)
	}
	if !f.From.IsZero() {
		conds = append(conds, "date >= ?")
		args = append(args, f.From.String())
	}
	if !f.To.IsZero() {
		conds = append(conds, "date <= ?")
		args = append(args, f.To.String())
	}
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(s))
		}
		conds = append(conds, "status IN ("+strings.Join(marks, ", ")+")")
	}
	return strings.Join(conds, " AND "), args
}

func (qs queries) ListReservations(ctx context.Context, f quota.ReservationFilter) ([]quota.Reservation, error) {
	where, args := reservationWhere(f)
	query := `SELECT ` + reservationColumns + ` FROM reservations WHERE ` + where
	if f.NewestFirst {
		query += ` ORDER BY date DESC, requested_at DESC`
	} else {
		query += ` ORDER BY date, requested_at`
	}
	switch {
	case f.Limit > 0:
		query += ` LIMIT ? OFFSET ?`
		args = append(args, f.Limit, f.Offset)
	case f.Offset > 0:
		query += ` LIMIT -1 OFFSET ?`
		args = append(args, f.Offset)
	}

	rows, err := qs.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []quota.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (qs queries) CountReservations(ctx context.Context, f quota.ReservationFilter) (int, error) {
	where, args := reservationWhere(f)
	var n int
	err := qs.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM reservations WHERE `+where, args...).Scan(&n)
	return n, err
}

func (qs queries) SumReservations(ctx context.Context, f quota.ReservationFilter) (int, error) {
	where, args := reservationWhere(f)
	var total int
	err := qs.q.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(email_count), 0) FROM reservations WHERE `+where, args...).Scan(&total)
	return total, err
}

const entryColumns = `id, pool_id, tenant_id, date, daily_used, monthly_used, mandatory_used,
	reported_daily, reported_monthly, status, discrepancy_json, updated_at`

func scanEntry(row interface{ Scan(...any) error }) (quota.UsageEntry, error) {
	var (
		e                              quota.UsageEntry
		date, updatedAt                string
		reportedDaily, reportedMonthly sql.NullInt64
		discrepancyJSON                sql.NullString
	)
	err := row.Scan(&e.ID, &e.PoolID, &e.TenantID, &date, &e.DailyUsed, &e.MonthlyUsed, &e.MandatoryUsed,
		&reportedDaily, &reportedMonthly, &e.Status, &discrepancyJSON, &updatedAt)
	if err != nil {
		return e, err
	}

	if e.Date, err = generic.ParseDate(date); err != nil {
		return e, fmt.Errorf("usage entry %s: %w", e.ID, err)
	}
	e.UpdatedAt = parseTime(updatedAt)
	if reportedDaily.Valid {
		v := int(reportedDaily.Int64)
		e.ReportedDaily = &v
	}
	if reportedMonthly.Valid {
		v := int(reportedMonthly.Int64)
		e.ReportedMonthly = &v
	}
	if discrepancyJSON.Valid && discrepancyJSON.String != "" {
		var d quota.Discrepancy
		if err := json.Unmarshal([]byte(discrepancyJSON.String), &d); err != nil {
			return e, fmt.Errorf("usage entry %s discrepancy: %w", e.ID, err)
		}
		e.Discrepancy = &d
	}
	return e, nil
}

func (qs queries) GetUsageEntry(ctx context.Context, poolID quota.PoolID, tenantID quota.TenantID, date generic.TimePoint) (*quota.UsageEntry, error) {
	row := qs.q.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM usage_entries WHERE pool_id = ? AND tenant_id = ? AND date = ?`,
		poolID, tenantID, date.String())
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if e.Breakdown, err = qs.listEvents(ctx, e.ID); err != nil {
		return nil, err
	}
	return &e, nil
}

func (qs queries) listEvents(ctx context.Context, entryID string) ([]quota.UsageEvent, error) {
	rows, err := qs.q.QueryContext(ctx, `
		SELECT id, entry_id, seq, source, delta, payload_json, recorded_at
		FROM usage_events WHERE entry_id = ? ORDER BY seq`, entryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []quota.UsageEvent
	for rows.Next() {
		var ev quota.UsageEvent
		var payload sql.NullString
		var recordedAt string
		if err := rows.Scan(&ev.ID, &ev.EntryID, &ev.Seq, &ev.Source, &ev.Delta, &payload, &recordedAt); err != nil {
			return nil, err
		}
		ev.RecordedAt = parseTime(recordedAt)
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &ev.Payload); err != nil {
				return nil, fmt.Errorf("usage event %s payload: %w", ev.ID, err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func usageWhere(f quota.UsageFilter) (string, []any) {
	conds := []string{"1 = 1"}
	var args []any
	if f.PoolID != "" {
		conds = append(conds, "pool_id = ?")
		args = append(args, f.PoolID)
	}
	if f.TenantID != "" {
		conds = append(conds, "tenant_id = ?")
		args = append(args, f.TenantID)
	}
	if !f.From.IsZero() {
		conds = append(conds, "date >= ?")
		args = append(args, f.From.String())
	}
	if !f.To.IsZero() {
		conds = append(conds, "date <= ?")
		args = append(args, f.To.String())
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	return strings.Join(conds, " AND "), args
}

func (qs queries) ListUsageEntries(ctx context.Context, f quota.UsageFilter) ([]quota.UsageEntry, error) {
	where, args := usageWhere(f)
	query := `SELECT ` + entryColumns + ` FROM usage_entries WHERE ` + where +
		` ORDER BY date DESC, updated_at DESC`
	if f.Limit > 0 || f.Offset > 0 {
		limit := f.Limit
		if limit <= 0 {
			limit = -1
		}
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, f.Offset)
	}

	rows, err := qs.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []quota.UsageEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (qs queries) CountUsageEntries(ctx context.Context, f quota.UsageFilter) (int, error) {
	where, args := usageWhere(f)
	var n int
	err := qs.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM usage_entries WHERE `+where, args...).Scan(&n)
	return n, err
}

func (qs queries) SyncCount(ctx context.Context, tenantID quota.TenantID, date generic.TimePoint) (int, error) {
	var n int
	err := qs.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_logs WHERE tenant_id = ? AND date = ?`, tenantID, date.String()).Scan(&n)
	return n, err
}

// =============================================================================
// WRITES (quota.Writer interface, only reachable through WithTx)
// =============================================================================

func (ts *txStore) CreateReservation(ctx context.Context, r quota.Reservation) error {
	metadataJSON, err := marshalNullable(r.Metadata)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO reservations (id, tenant_id, pool_id, date, email_count, type, status,
			subject, description, metadata_json, requested_at, approved_at, sent_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = ts.q.ExecContext(ctx, query,
		r.ID, r.TenantID, r.PoolID, r.Date.String(), r.EmailCount, r.Type, r.Status,
		nullString(r.Subject), nullString(r.Description), metadataJSON,
		formatTime(r.RequestedAt), formatTimePtr(r.ApprovedAt), formatTimePtr(r.SentAt))
	return err
}

func (ts *txStore) UpdateReservation(ctx context.Context, r quota.Reservation, from quota.Status) error {
	metadataJSON, err := marshalNullable(r.Metadata)
	if err != nil {
		return err
	}
	query := `
		UPDATE reservations SET
			date = ?, email_count = ?, type = ?, status = ?, subject = ?, description = ?,
			metadata_json = ?, approved_at = ?, sent_at = ?
		WHERE id = ? AND status = ?
	`
	res, err := ts.q.ExecContext(ctx, query,
		r.Date.String(), r.EmailCount, r.Type, r.Status, nullString(r.Subject), nullString(r.Description),
		metadataJSON, formatTimePtr(r.ApprovedAt), formatTimePtr(r.SentAt), r.ID, from)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ts.staleUpdate(ctx, r)
	}
	return nil
}

// staleUpdate explains an update that matched no row.
func (ts *txStore) staleUpdate(ctx context.Context, r quota.Reservation) error {
	current, err := ts.GetReservation(ctx, r.ID)
	if err != nil {
		return err
	}
	return &generic.InvalidStateError{ReservationID: string(r.ID), From: string(current.Status), To: string(r.Status)}
}

func (ts *txStore) SaveUsageEntry(ctx context.Context, e *quota.UsageEntry) error {
	var discrepancyJSON sql.NullString
	if e.Discrepancy != nil {
		b, err := json.Marshal(e.Discrepancy)
		if err != nil {
			return err
		}
		discrepancyJSON = sql.NullString{String: string(b), Valid: true}
	}
	id := e.ID
	if id == "" {
		id = uuid.NewString()
	}
	status := e.Status
	if status == "" {
		status = quota.DiscrepancyNormal
	}

	query := `
		INSERT INTO usage_entries (id, pool_id, tenant_id, date, daily_used, monthly_used,
			mandatory_used, reported_daily, reported_monthly, status, discrepancy_json, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pool_id, tenant_id, date) DO UPDATE SET
			daily_used = excluded.daily_used,
			monthly_used = excluded.monthly_used,
			mandatory_used = excluded.mandatory_used,
			reported_daily = excluded.reported_daily,
			reported_monthly = excluded.reported_monthly,
			status = excluded.status,
			discrepancy_json = excluded.discrepancy_json,
			updated_at = excluded.updated_at
		RETURNING id
	`
	err := ts.q.QueryRowContext(ctx, query,
		id, e.PoolID, e.TenantID, e.Date.String(), e.DailyUsed, e.MonthlyUsed, e.MandatoryUsed,
		nullInt(e.ReportedDaily), nullInt(e.ReportedMonthly), status, discrepancyJSON,
		formatTime(e.UpdatedAt)).Scan(&e.ID)
	return err
}

func (ts *txStore) AppendUsageEvent(ctx context.Context, ev quota.UsageEvent) error {
	payload, err := marshalNullable(ev.Payload)
	if err != nil {
		return err
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	query := `
		INSERT INTO usage_events (id, entry_id, seq, source, delta, payload_json, recorded_at)
		SELECT ?, ?, COALESCE(MAX(seq), 0) + 1, ?, ?, ?, ?
		FROM usage_events WHERE entry_id = ?
	`
	_, err = ts.q.ExecContext(ctx, query,
		ev.ID, ev.EntryID, ev.Source, ev.Delta, payload, formatTime(ev.RecordedAt), ev.EntryID)
	return err
}

func (ts *txStore) IncrementSyncCount(ctx context.Context, tenantID quota.TenantID, date generic.TimePoint, syncType string) (int, error) {
	_, err := ts.q.ExecContext(ctx,
		`INSERT INTO sync_logs (tenant_id, date, sync_type, synced_at) VALUES (?, ?, ?, ?)`,
		tenantID, date.String(), syncType, formatTime(ts.clock.Now()))
	if err != nil {
		return 0, err
	}
	return ts.SyncCount(ctx, tenantID, date)
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(tsLayout, s)
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func marshalNullable[M ~map[string]any](m M) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

var (
	_ quota.TxStore = (*Store)(nil)
	_ quota.Admin   = (*Store)(nil)
	_ quota.Tx      = (*txStore)(nil)
)
