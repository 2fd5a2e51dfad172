/*
Package sqlite provides a SQLite-backed cost layer event log.

PURPOSE:
  Durable implementation of costing.Store, costing.KeyLister and
  audit.RunStore. The engine itself never holds this handle; it is passed
  to the Ledger, the Reconciler and the audit Scheduler.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE statements on cost_layer_events
  - No DELETE statements on cost_layer_events
  - Corrections are new movements, never edits

CONDITIONAL APPEND:
  Append reads the key's latest event and inserts the new one inside a
  single database transaction. If the latest event is not the one the
  caller computed from, the insert is skipped and
  costing.ErrConcurrentModification is returned. The (key, sequence)
  unique index backs this up for writers in other processes: two writers
  racing for the same next sequence cannot both commit.

KEY TABLES:
  cost_layer_events:   Immutable log with a snapshot on every row
  reconciliation_runs: One row per reconciliation of one key

ORDERING:
  event_ts is stored as integer Unix nanoseconds so ORDER BY is
  chronological. Ties are broken by the per-key sequence.

MONEY:
  Decimal columns are TEXT holding the exact decimal string. REAL would
  round.

WAL MODE:
  Opened with WAL so reconciliation reads do not block appends.

WRITE LOCK:
  Transactions begin IMMEDIATE, so an append holds the database write
  lock before it reads the latest event. A second handle on the same file
  waits up to busyTimeoutMs for that lock; if it still cannot get it, the
  append fails with costing.ErrConcurrentModification and the ledger
  retries with a fresh read.

USAGE:
  store, err := sqlite.New("./data/costing.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  ledger := costing.NewLedger(store)
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/costing-engine/audit"
	"github.com/warp/costing-engine/costing"
)

// timeLayout is fixed width so TEXT timestamps sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const busyTimeoutMs = 5000

// Store implements the costing and audit storage interfaces using SQLite.
type Store struct {
	db  *sql.DB
	mu  sync.RWMutex
	now func() time.Time
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=%d", dbPath, busyTimeoutMs)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Each :memory: connection is its own database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
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

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Cost layer events (append-only)
	CREATE TABLE IF NOT EXISTS cost_layer_events (
		id TEXT PRIMARY KEY,
		installation_id TEXT NOT NULL,
		item_id TEXT NOT NULL,
		location_id TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		event_ts INTEGER NOT NULL,
		kind TEXT NOT NULL DEFAULT '',
		qty_delta INTEGER NOT NULL,
		unit_cost TEXT NOT NULL,
		landed_cost_delta TEXT NOT NULL,
		qty_on_hand_at_event INTEGER NOT NULL,
		wac_at_event TEXT NOT NULL,
		total_value_at_event TEXT NOT NULL,
		previous_event_id TEXT,
		reference_id TEXT,
		reason TEXT,
		idempotency_key TEXT UNIQUE,
		created_at TEXT NOT NULL,
		CHECK (qty_on_hand_at_event >= 0)
	);

	-- One writer wins each sequence slot per key
	CREATE UNIQUE INDEX IF NOT EXISTS idx_events_key_sequence
		ON cost_layer_events(installation_id, item_id, location_id, sequence);

	-- Latest-event and replay reads (hot path)
	CREATE INDEX IF NOT EXISTS idx_events_key_ts
		ON cost_layer_events(installation_id, item_id, location_id, event_ts, sequence);

	CREATE INDEX IF NOT EXISTS idx_events_reference
		ON cost_layer_events(reference_id) WHERE reference_id IS NOT NULL;

	-- Reconciliation runs
	CREATE TABLE IF NOT EXISTS reconciliation_runs (
		id TEXT PRIMARY KEY,
		installation_id TEXT NOT NULL,
		item_id TEXT NOT NULL,
		location_id TEXT NOT NULL,
		status TEXT NOT NULL,
		event_count INTEGER NOT NULL DEFAULT 0,
		mismatch_count INTEGER NOT NULL DEFAULT 0,
		first_mismatch_event_id TEXT,
		expected_qty INTEGER NOT NULL DEFAULT 0,
		expected_wac TEXT NOT NULL DEFAULT '0',
		expected_value TEXT NOT NULL DEFAULT '0',
		error TEXT,
		started_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_reconciliation_runs_status
		ON reconciliation_runs(status);
	CREATE INDEX IF NOT EXISTS idx_reconciliation_runs_started
		ON reconciliation_runs(started_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// EVENT STORE (costing.Store interface)
// =============================================================================

const eventColumns = `
	id, installation_id, item_id, location_id, sequence, event_ts, kind,
	qty_delta, unit_cost, landed_cost_delta, qty_on_hand_at_event,
	wac_at_event, total_value_at_event, previous_event_id, reference_id,
	reason, idempotency_key, created_at`

// Append inserts event if the key's latest event is still expectedPrevious.
func (s *Store) Append(ctx context.Context, event costing.CostLayerEvent, expectedPrevious costing.EventID) (costing.CostLayerEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return costing.CostLayerEvent{}, appendError("failed to begin transaction", err)
	}
	defer sqlTx.Rollback()

	latest, err := latestEvent(ctx, sqlTx, event.Key)
	if err != nil {
		return costing.CostLayerEvent{}, appendError("failed to read latest event", err)
	}

	var latestID costing.EventID
	var maxSeq int64
	if latest != nil {
		latestID = latest.ID
	}
	if latestID != expectedPrevious {
		return costing.CostLayerEvent{}, costing.ErrConcurrentModification
	}

	err = sqlTx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(sequence), 0) FROM cost_layer_events
		WHERE installation_id = ? AND item_id = ? AND location_id = ?`,
		event.Key.InstallationID, event.Key.ItemID, event.Key.LocationID,
	).Scan(&maxSeq)
	if err != nil {
		return costing.CostLayerEvent{}, appendError("failed to read sequence", err)
	}

	event.Sequence = maxSeq + 1
	event.CreatedAt = s.now()

	_, err = sqlTx.ExecContext(ctx, `
		INSERT INTO cost_layer_events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(event.ID),
		event.Key.InstallationID,
		event.Key.ItemID,
		event.Key.LocationID,
		event.Sequence,
		event.EventTimestamp.UnixNano(),
		event.Kind,
		event.QtyDelta,
		event.UnitCost.String(),
		event.LandedCostDelta.String(),
		event.QtyOnHandAtEvent,
		event.WacAtEvent.String(),
		event.TotalValueAtEvent.String(),
		nullString(string(event.PreviousEventID)),
		nullString(event.ReferenceID),
		nullString(event.Reason),
		nullString(event.IdempotencyKey),
		event.CreatedAt.Format(timeLayout),
	)
	if err != nil {
		return costing.CostLayerEvent{}, appendError("failed to append event", err)
	}

	if err := sqlTx.Commit(); err != nil {
		return costing.CostLayerEvent{}, appendError("failed to commit event", err)
	}
	return event, nil
}

// Latest returns the most recent event for key, or nil.
func (s *Store) Latest(ctx context.Context, key costing.CostingKey) (*costing.CostLayerEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return latestEvent(ctx, s.db, key)
}

// Events returns every event for key in replay order.
func (s *Store) Events(ctx context.Context, key costing.CostingKey) ([]costing.CostLayerEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM cost_layer_events
		WHERE installation_id = ? AND item_id = ? AND location_id = ?
		ORDER BY event_ts ASC, sequence ASC`,
		key.InstallationID, key.ItemID, key.LocationID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []costing.CostLayerEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Exists checks if an idempotency key exists.
func (s *Store) Exists(ctx context.Context, idempotencyKey string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM cost_layer_events WHERE idempotency_key = ?",
		idempotencyKey,
	).Scan(&count)

	return count > 0, err
}

// Keys returns every key that has at least one event.
func (s *Store) Keys(ctx context.Context) ([]costing.CostingKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT installation_id, item_id, location_id
		FROM cost_layer_events
		ORDER BY installation_id, item_id, location_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query keys: %w", err)
	}
	defer rows.Close()

	var keys []costing.CostingKey
	for rows.Next() {
		var k costing.CostingKey
		if err := rows.Scan(&k.InstallationID, &k.ItemID, &k.LocationID); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func latestEvent(ctx context.Context, q queryer, key costing.CostingKey) (*costing.CostLayerEvent, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+eventColumns+`
		FROM cost_layer_events
		WHERE installation_id = ? AND item_id = ? AND location_id = ?
		ORDER BY event_ts DESC, sequence DESC
		LIMIT 1`,
		key.InstallationID, key.ItemID, key.LocationID,
	)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (costing.CostLayerEvent, error) {
	var (
		e                 costing.CostLayerEvent
		id                string
		eventTS           int64
		unitCost          string
		landedCostDelta   string
		wacAtEvent        string
		totalValueAtEvent string
		previousEventID   sql.NullString
		referenceID       sql.NullString
		reason            sql.NullString
		idempotencyKey    sql.NullString
		createdAt         string
	)

	err := row.Scan(
		&id, &e.Key.InstallationID, &e.Key.ItemID, &e.Key.LocationID,
		&e.Sequence, &eventTS, &e.Kind, &e.QtyDelta, &unitCost, &landedCostDelta,
		&e.QtyOnHandAtEvent, &wacAtEvent, &totalValueAtEvent, &previousEventID,
		&referenceID, &reason, &idempotencyKey, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return e, err
	}
	if err != nil {
		return e, fmt.Errorf("failed to scan event: %w", err)
	}

	e.ID = costing.EventID(id)
	e.EventTimestamp = time.Unix(0, eventTS).UTC()
	e.PreviousEventID = costing.EventID(previousEventID.String)
	e.ReferenceID = referenceID.String
	e.Reason = reason.String
	e.IdempotencyKey = idempotencyKey.String
	e.CreatedAt, _ = time.Parse(timeLayout, createdAt)

	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&e.UnitCost, unitCost},
		{&e.LandedCostDelta, landedCostDelta},
		{&e.WacAtEvent, wacAtEvent},
		{&e.TotalValueAtEvent, totalValueAtEvent},
	} {
		d, err := decimal.NewFromString(f.src)
		if err != nil {
			return e, fmt.Errorf("event %s: bad decimal %q: %w", id, f.src, err)
		}
		*f.dst = d
	}

	return e, nil
}

// =============================================================================
// RECONCILIATION RUNS (audit.RunStore interface)
// =============================================================================

// SaveRun saves a reconciliation run, replacing a previous save of the same ID.
func (s *Store) SaveRun(ctx context.Context, r audit.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO reconciliation_runs (id, installation_id, item_id, location_id,
			status, event_count, mismatch_count, first_mismatch_event_id,
			expected_qty, expected_wac, expected_value, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			event_count = excluded.event_count,
			mismatch_count = excluded.mismatch_count,
			first_mismatch_event_id = excluded.first_mismatch_event_id,
			expected_qty = excluded.expected_qty,
			expected_wac = excluded.expected_wac,
			expected_value = excluded.expected_value,
			error = excluded.error,
			completed_at = excluded.completed_at
	`

	var completedAt *string
	if !r.CompletedAt.IsZero() {
		c := r.CompletedAt.Format(timeLayout)
		completedAt = &c
	}

	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.Key.InstallationID, r.Key.ItemID, r.Key.LocationID,
		string(r.Status), r.EventCount, r.MismatchCount,
		nullString(string(r.FirstMismatch)),
		r.ExpectedQty, r.ExpectedWac.String(), r.ExpectedValue.String(),
		nullString(r.Error),
		r.StartedAt.Format(timeLayout), completedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save reconciliation run: %w", err)
	}
	return nil
}

// ListRuns returns reconciliation runs newest first.
func (s *Store) ListRuns(ctx context.Context, status audit.Status) ([]audit.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, installation_id, item_id, location_id, status, event_count,
			mismatch_count, first_mismatch_event_id, expected_qty, expected_wac,
			expected_value, error, started_at, completed_at
		FROM reconciliation_runs`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY started_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query reconciliation runs: %w", err)
	}
	defer rows.Close()

	var runs []audit.Run
	for rows.Next() {
		var (
			r                        audit.Run
			runStatus                string
			firstMismatch, errText   sql.NullString
			expectedWac, expectedVal string
			startedAt                string
			completedAt              sql.NullString
		)
		if err := rows.Scan(
			&r.ID, &r.Key.InstallationID, &r.Key.ItemID, &r.Key.LocationID,
			&runStatus, &r.EventCount, &r.MismatchCount, &firstMismatch,
			&r.ExpectedQty, &expectedWac, &expectedVal, &errText,
			&startedAt, &completedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan reconciliation run: %w", err)
		}

		r.Status = audit.Status(runStatus)
		r.FirstMismatch = costing.EventID(firstMismatch.String)
		r.Error = errText.String
		r.ExpectedWac, _ = decimal.NewFromString(expectedWac)
		r.ExpectedValue, _ = decimal.NewFromString(expectedVal)
		r.StartedAt, _ = time.Parse(timeLayout, startedAt)
		if completedAt.Valid {
			r.CompletedAt, _ = time.Parse(timeLayout, completedAt.String)
		}

		runs = append(runs, r)
	}

	return runs, rows.Err()
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// appendError maps driver errors from the append path onto the costing
// sentinels. Losing the write lock to another handle is a conflict, not a
// failure.
func appendError(op string, err error) error {
	switch {
	case isUniqueConstraintError(err):
		if strings.Contains(err.Error(), "idempotency_key") {
			return costing.ErrDuplicateIdempotencyKey
		}
		return costing.ErrConcurrentModification
	case isLockContentionError(err):
		return fmt.Errorf("%s: %w: %v", op, costing.ErrConcurrentModification, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

// isLockContentionError covers SQLITE_BUSY and SQLITE_LOCKED with all of
// their extended codes, SQLITE_BUSY_SNAPSHOT included.
func isLockContentionError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
