package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/basket/fixwell/internal/bus"
	"github.com/basket/fixwell/internal/shared"
	_ "github.com/mattn/go-sqlite3"
)

const (
	// Schema ledger constants used to gate startup safety.
	schemaVersionV1  = 1
	schemaChecksumV1 = "fw-v1-2026-08-18-initial"

	// v2: adds deliveries table for webhook replay protection.
	schemaVersionV2  = 2
	schemaChecksumV2 = "fw-v2-2026-08-21-delivery-dedup"

	// v3: task outcome metadata (result, completed_at), a queued_at ordering
	// key refreshed on requeue, and run statuses success/failed/skipped with
	// pr_number instead of pr_url.
	schemaVersionV3  = 3
	schemaChecksumV3 = "fw-v3-2026-08-25-outcome-metadata"

	schemaVersionLatest  = schemaVersionV3
	schemaChecksumLatest = schemaChecksumV3
)

// TaskState is the lifecycle state of a mailbox task.
type TaskState string

const (
	TaskStateQueued   TaskState = "QUEUED"
	TaskStateInFlight TaskState = "IN_FLIGHT"
	TaskStateDone     TaskState = "DONE"
)

var allowedTransitions = map[TaskState]map[TaskState]struct{}{
	TaskStateQueued: {
		TaskStateInFlight: {},
	},
	TaskStateInFlight: {
		TaskStateDone:   {},
		TaskStateQueued: {}, // Retry requeue or crash recovery.
	},
}

// Run statuses for the run ledger. queued and processing are non-terminal;
// skipped marks a run the agent resolved without a code change.
const (
	RunStatusQueued     = "queued"
	RunStatusProcessing = "processing"
	RunStatusSuccess    = "success"
	RunStatusFailed     = "failed"
	RunStatusSkipped    = "skipped"
)

// ErrDuplicateTask is returned when an enqueue collides with an existing
// mailbox key.
var ErrDuplicateTask = errors.New("duplicate task key")

type Store struct {
	db  *sql.DB
	bus *bus.Bus // may be nil in tests
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".fixwell", "fixwell.db")
}

func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter. maxRetries=5 gives ~3s total wait on top of
// the driver's busy_timeout (5s).
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// Jitter: ±25% of delay.
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}

	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		return tx.Commit()
	}

	if maxVersion > 0 {
		wantChecksum := map[int]string{
			schemaVersionV1: schemaChecksumV1,
			schemaVersionV2: schemaChecksumV2,
		}[maxVersion]
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, maxVersion).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != wantChecksum {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", maxVersion, existingChecksum, wantChecksum)
		}

		// v1/v2 -> v3: widen tasks with outcome metadata and the queued_at
		// ordering key, and rebuild runs for the new status vocabulary.
		// SQLite cannot alter a CHECK constraint in place, hence the rename
		// and copy. Old pr_url values keep only their trailing PR number.
		upgradeStatements := []string{
			`ALTER TABLE tasks ADD COLUMN result TEXT;`,
			`ALTER TABLE tasks ADD COLUMN completed_at DATETIME;`,
			`ALTER TABLE tasks ADD COLUMN queued_at DATETIME;`,
			`UPDATE tasks SET queued_at = created_at WHERE queued_at IS NULL;`,
			`DROP INDEX IF EXISTS idx_tasks_state;`,
			`ALTER TABLE runs RENAME TO runs_legacy;`,
			`CREATE TABLE runs (
				id TEXT PRIMARY KEY,
				installation_id INTEGER NOT NULL REFERENCES installations(id),
				repo TEXT NOT NULL,
				issue_number INTEGER NOT NULL,
				issue_title TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL CHECK(status IN ('queued', 'processing', 'success', 'failed', 'skipped')),
				pr_number INTEGER,
				error TEXT,
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);`,
			`INSERT INTO runs (id, installation_id, repo, issue_number, issue_title, status, pr_number, error, created_at, updated_at)
			SELECT id, installation_id, repo, issue_number, issue_title,
				CASE status WHEN 'completed' THEN 'success' ELSE status END,
				CAST(NULLIF(replace(pr_url, rtrim(pr_url, '0123456789'), ''), '') AS INTEGER),
				error, created_at, updated_at
			FROM runs_legacy;`,
			`DROP TABLE runs_legacy;`,
		}
		for _, stmt := range upgradeStatements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("exec upgrade: %w", err)
			}
		}
	}

	tableStatements := []string{
		`CREATE TABLE IF NOT EXISTS installations (
			id INTEGER PRIMARY KEY,
			account_login TEXT NOT NULL DEFAULT '',
			pr_limit INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			installation_id INTEGER NOT NULL REFERENCES installations(id),
			repo TEXT NOT NULL,
			issue_number INTEGER NOT NULL,
			issue_title TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL CHECK(status IN ('queued', 'processing', 'success', 'failed', 'skipped')),
			pr_number INTEGER,
			error TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS usage_counters (
			installation_id INTEGER NOT NULL REFERENCES installations(id),
			month TEXT NOT NULL,
			prs_created INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(installation_id, month)
		);`,
		`CREATE TABLE IF NOT EXISTS tasks (
			key TEXT PRIMARY KEY,
			installation_id INTEGER NOT NULL,
			repo TEXT NOT NULL,
			issue_number INTEGER NOT NULL,
			issue_title TEXT NOT NULL DEFAULT '',
			issue_body TEXT NOT NULL DEFAULT '',
			run_id TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL CHECK(state IN ('QUEUED', 'IN_FLIGHT', 'DONE')),
			retries INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			result TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			queued_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			completed_at DATETIME,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS task_events (
			event_id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_key TEXT NOT NULL,
			trace_id TEXT,
			event_type TEXT NOT NULL,
			state_from TEXT,
			state_to TEXT NOT NULL,
			payload_json TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		// v2: webhook delivery dedup.
		`CREATE TABLE IF NOT EXISTS deliveries (
			delivery_id TEXT PRIMARY KEY,
			received_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	indexStatements := []string{
		`CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state, queued_at);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_installation ON runs(installation_id, created_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);`,
		`CREATE INDEX IF NOT EXISTS idx_task_events_key ON task_events(task_key, event_id);`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_received ON deliveries(received_at);`,
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration index: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum)
		VALUES (?, ?);
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

func canTransition(from, to TaskState) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

func (s *Store) appendTaskEventTx(ctx context.Context, tx *sql.Tx, taskKey string, from, to TaskState, eventType, payload string) error {
	if payload == "" {
		payload = "{}"
	}
	traceID := shared.TraceID(ctx)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO task_events (task_key, trace_id, event_type, state_from, state_to, payload_json, created_at)
		VALUES (?, ?, ?, NULLIF(?, ''), ?, ?, CURRENT_TIMESTAMP);
	`, taskKey, traceID, eventType, string(from), string(to), payload)
	if err != nil {
		return fmt.Errorf("insert task_event: %w", err)
	}
	return nil
}

// transitionTaskTx moves a task between states inside an existing transaction.
// The UPDATE is conditional on the current state, so a concurrent transition
// loses cleanly (returns ok=false) instead of clobbering.
func (s *Store) transitionTaskTx(
	ctx context.Context,
	tx *sql.Tx,
	taskKey string,
	allowedFrom []TaskState,
	to TaskState,
	eventType string,
	payload string,
) (bool, error) {
	var current TaskState
	if err := tx.QueryRowContext(ctx, `
		SELECT state
		FROM tasks
		WHERE key = ?;
	`, taskKey).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("select task for transition: %w", err)
	}
	if !slices.Contains(allowedFrom, current) {
		return false, nil
	}
	if !canTransition(current, to) {
		return false, fmt.Errorf("illegal transition %s -> %s", current, to)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET state = ?, updated_at = CURRENT_TIMESTAMP
		WHERE key = ? AND state = ?;
	`, to, taskKey, current)
	if err != nil {
		return false, fmt.Errorf("update task transition: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition rows affected: %w", err)
	}
	if affected != 1 {
		return false, nil
	}
	if err := s.appendTaskEventTx(ctx, tx, taskKey, current, to, eventType, payload); err != nil {
		return false, err
	}
	return true, nil
}

// RecordDelivery registers a webhook delivery id. Returns false if the id was
// already seen within the dedup window.
func (s *Store) RecordDelivery(ctx context.Context, deliveryID string, window time.Duration) (bool, error) {
	if strings.TrimSpace(deliveryID) == "" {
		return true, nil
	}
	var fresh bool
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin delivery tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		cutoff := time.Now().UTC().Add(-window)
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM deliveries WHERE received_at < ?;
		`, cutoff); err != nil {
			return fmt.Errorf("expire deliveries: %w", err)
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO deliveries (delivery_id, received_at)
			VALUES (?, CURRENT_TIMESTAMP)
			ON CONFLICT(delivery_id) DO NOTHING;
		`, deliveryID)
		if err != nil {
			return fmt.Errorf("insert delivery: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("delivery rows affected: %w", err)
		}
		fresh = n == 1
		return tx.Commit()
	})
	return fresh, err
}

// TotalEventCount returns the total number of task events in the store.
func (s *Store) TotalEventCount(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM task_events;`).Scan(&count); err != nil {
		return 0, fmt.Errorf("total event count: %w", err)
	}
	return count, nil
}

// TaskEvent is a row of the task audit trail.
type TaskEvent struct {
	EventID   int64     `json:"event_id"`
	TaskKey   string    `json:"task_key"`
	TraceID   string    `json:"trace_id,omitempty"`
	EventType string    `json:"event_type"`
	StateFrom TaskState `json:"state_from"`
	StateTo   TaskState `json:"state_to"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Store) ListTaskEvents(ctx context.Context, taskKey string, limit int) ([]TaskEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, task_key, COALESCE(trace_id, ''), event_type, state_from, state_to, payload_json, created_at
		FROM task_events
		WHERE task_key = ?
		ORDER BY event_id ASC
		LIMIT ?;
	`, taskKey, limit)
	if err != nil {
		return nil, fmt.Errorf("list task events: %w", err)
	}
	defer rows.Close()

	var out []TaskEvent
	for rows.Next() {
		var (
			event     TaskEvent
			stateFrom sql.NullString
		)
		if err := rows.Scan(
			&event.EventID,
			&event.TaskKey,
			&event.TraceID,
			&event.EventType,
			&stateFrom,
			&event.StateTo,
			&event.Payload,
			&event.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		if stateFrom.Valid {
			event.StateFrom = TaskState(stateFrom.String)
		}
		out = append(out, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task event rows: %w", err)
	}
	return out, nil
}
