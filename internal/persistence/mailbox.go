package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/fixwell/internal/bus"
)

// Task is one unit of repair work in the mailbox. QueuedAt is the claim
// ordering key: it is set on enqueue and refreshed on every requeue, so a
// retried task lines up behind work that arrived while it was in flight.
// Result and CompletedAt are written once, when the task reaches DONE.
type Task struct {
	Key            string     `json:"key"`
	InstallationID int64      `json:"installation_id"`
	Repo           string     `json:"repo"` // owner/name
	IssueNumber    int        `json:"issue_number"`
	IssueTitle     string     `json:"issue_title"`
	IssueBody      string     `json:"issue_body"`
	RunID          string     `json:"run_id"`
	State          TaskState  `json:"state"`
	Retries        int        `json:"retries"`
	LastError      string     `json:"last_error,omitempty"`
	Result         string     `json:"result,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	QueuedAt       time.Time  `json:"queued_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// TaskKey builds the canonical mailbox key for an issue at admission time.
// The timestamp suffix lets the same issue be re-admitted after its previous
// task is DONE without colliding with history.
func TaskKey(installationID int64, repo string, issueNumber int, at time.Time) string {
	repo = strings.ReplaceAll(repo, "/", "_")
	return fmt.Sprintf("%d_%s_%d_%d", installationID, repo, issueNumber, at.UTC().Unix())
}

func scanMailboxTask(scanFn func(dest ...any) error, task *Task) error {
	var (
		lastError   sql.NullString
		result      sql.NullString
		completedAt sql.NullTime
	)
	if err := scanFn(
		&task.Key,
		&task.InstallationID,
		&task.Repo,
		&task.IssueNumber,
		&task.IssueTitle,
		&task.IssueBody,
		&task.RunID,
		&task.State,
		&task.Retries,
		&lastError,
		&result,
		&task.CreatedAt,
		&task.QueuedAt,
		&completedAt,
		&task.UpdatedAt,
	); err != nil {
		return err
	}
	if lastError.Valid {
		task.LastError = lastError.String
	}
	if result.Valid {
		task.Result = result.String
	}
	if completedAt.Valid {
		t := completedAt.Time
		task.CompletedAt = &t
	}
	return nil
}

const taskColumns = `key, installation_id, repo, issue_number, issue_title, issue_body, run_id, state, retries, last_error, result, created_at, queued_at, completed_at, updated_at`

// queuedAtNow is the SQL expression for the claim ordering key. CURRENT_TIMESTAMP
// only has second granularity, which is too coarse to put a requeued task
// behind work enqueued in the same second.
const queuedAtNow = `strftime('%Y-%m-%d %H:%M:%f', 'now')`

// Enqueue inserts a new QUEUED task. A key collision is a hard error, not an
// overwrite: returns ErrDuplicateTask so the caller can fail the admission.
func (s *Store) Enqueue(ctx context.Context, task Task) error {
	if task.Key == "" {
		return fmt.Errorf("task key required")
	}
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin enqueue tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (key, installation_id, repo, issue_number, issue_title, issue_body, run_id, state, retries, created_at, queued_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, CURRENT_TIMESTAMP, `+queuedAtNow+`, CURRENT_TIMESTAMP)
			ON CONFLICT(key) DO NOTHING;
		`, task.Key, task.InstallationID, task.Repo, task.IssueNumber, task.IssueTitle, task.IssueBody, task.RunID, TaskStateQueued)
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("enqueue rows affected: %w", err)
		}
		if n != 1 {
			return ErrDuplicateTask
		}
		if err := s.appendTaskEventTx(ctx, tx, task.Key, "", TaskStateQueued, "task.enqueued", `{"reason":"admission"}`); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicTaskEnqueued, bus.TaskStateEvent{
			Key:            task.Key,
			InstallationID: task.InstallationID,
			Repo:           task.Repo,
			IssueNumber:    task.IssueNumber,
		})
	}
	return nil
}

// InFlightCount returns the number of tasks currently IN_FLIGHT.
func (s *Store) InFlightCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks WHERE state = ?;`, TaskStateInFlight).Scan(&n); err != nil {
		return 0, fmt.Errorf("count in-flight: %w", err)
	}
	return n, nil
}

// QueueDepth returns the number of QUEUED tasks.
func (s *Store) QueueDepth(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks WHERE state = ?;`, TaskStateQueued).Scan(&n); err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

// ClaimOldest atomically moves the oldest QUEUED task to IN_FLIGHT and returns
// it. The claim happens in one transaction together with the in-flight gate
// check: if any task is already IN_FLIGHT, nothing is claimed and (nil, nil)
// is returned. (nil, nil) is also returned when the queue is empty.
func (s *Store) ClaimOldest(ctx context.Context) (*Task, error) {
	var result *Task
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var inFlight int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks WHERE state = ?;`, TaskStateInFlight).Scan(&inFlight); err != nil {
			return fmt.Errorf("count in-flight for claim: %w", err)
		}
		if inFlight > 0 {
			_ = tx.Rollback()
			result = nil
			return nil
		}

		var task Task
		row := tx.QueryRowContext(ctx, `
			SELECT `+taskColumns+`
			FROM tasks
			WHERE state = ?
			ORDER BY queued_at ASC, key ASC
			LIMIT 1;
		`, TaskStateQueued)
		if scanErr := scanMailboxTask(row.Scan, &task); scanErr != nil {
			if errors.Is(scanErr, sql.ErrNoRows) {
				_ = tx.Rollback()
				result = nil
				return nil
			}
			return fmt.Errorf("select queued task: %w", scanErr)
		}

		ok, err := s.transitionTaskTx(ctx, tx, task.Key,
			[]TaskState{TaskStateQueued}, TaskStateInFlight,
			"task.claimed", `{"reason":"consumer_claim"}`)
		if err != nil {
			return fmt.Errorf("claim task transition: %w", err)
		}
		if !ok {
			_ = tx.Rollback()
			result = nil
			return nil
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit claim tx: %w", err)
		}
		task.State = TaskStateInFlight
		result = &task
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result != nil && s.bus != nil {
		s.bus.Publish(bus.TopicTaskClaimed, bus.TaskStateEvent{
			Key:            result.Key,
			InstallationID: result.InstallationID,
			Repo:           result.Repo,
			IssueNumber:    result.IssueNumber,
			Retries:        result.Retries,
		})
	}
	return result, nil
}

// MarkDone finalizes an IN_FLIGHT task, attaching the outcome. Used both for
// successful runs and for failures that exhausted the attempt ceiling: result
// carries the agent's outcome payload, lastError the terminal failure text.
func (s *Store) MarkDone(ctx context.Context, taskKey, result, lastError string) error {
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin done tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		eventType := "task.completed"
		payload := `{"reason":"agent_success"}`
		if lastError != "" {
			eventType = "task.failed"
			payload = fmt.Sprintf(`{"reason":"terminal_failure","error":%q}`, lastError)
		}
		ok, err := s.transitionTaskTx(ctx, tx, taskKey,
			[]TaskState{TaskStateInFlight}, TaskStateDone, eventType, payload)
		if err != nil {
			return fmt.Errorf("done transition: %w", err)
		}
		if !ok {
			return sql.ErrNoRows
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET result = NULLIF(?, ''),
				last_error = COALESCE(NULLIF(?, ''), last_error),
				completed_at = CURRENT_TIMESTAMP,
				updated_at = CURRENT_TIMESTAMP
			WHERE key = ? AND state = ?;
		`, result, lastError, taskKey, TaskStateDone); err != nil {
			return fmt.Errorf("record task outcome: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	if s.bus != nil {
		topic := bus.TopicTaskCompleted
		if lastError != "" {
			topic = bus.TopicTaskFailed
		}
		s.bus.Publish(topic, bus.TaskStateEvent{Key: taskKey, Error: lastError})
	}
	return nil
}

// Requeue moves an IN_FLIGHT task back to QUEUED for another attempt,
// incrementing the retry counter and recording the error. The queued_at
// ordering key is refreshed, so the retry waits behind any tasks that were
// enqueued while this one was in flight.
func (s *Store) Requeue(ctx context.Context, taskKey, lastError string) (*Task, error) {
	var result *Task
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin requeue tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		ok, err := s.transitionTaskTx(ctx, tx, taskKey,
			[]TaskState{TaskStateInFlight}, TaskStateQueued,
			"task.requeued", fmt.Sprintf(`{"reason":"retry","error":%q}`, lastError))
		if err != nil {
			return fmt.Errorf("requeue transition: %w", err)
		}
		if !ok {
			return sql.ErrNoRows
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET retries = retries + 1, last_error = ?, queued_at = `+queuedAtNow+`, updated_at = CURRENT_TIMESTAMP
			WHERE key = ? AND state = ?;
		`, lastError, taskKey, TaskStateQueued); err != nil {
			return fmt.Errorf("bump retries: %w", err)
		}

		var task Task
		row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE key = ?;`, taskKey)
		if err := scanMailboxTask(row.Scan, &task); err != nil {
			return fmt.Errorf("reload requeued task: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit requeue tx: %w", err)
		}
		result = &task
		return nil
	})
	if err != nil {
		return nil, err
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicTaskRetrying, bus.TaskStateEvent{
			Key:            result.Key,
			InstallationID: result.InstallationID,
			Repo:           result.Repo,
			IssueNumber:    result.IssueNumber,
			Retries:        result.Retries,
			Error:          lastError,
		})
	}
	return result, nil
}

// RecoverInFlight requeues any task left IN_FLIGHT by a crashed process.
// Called once on startup, before the consumer starts. The retry counter is
// not incremented and queued_at keeps its place: an interrupted attempt is
// not a failed attempt.
func (s *Store) RecoverInFlight(ctx context.Context) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin recover tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `SELECT key FROM tasks WHERE state = ?;`, TaskStateInFlight)
	if err != nil {
		return 0, fmt.Errorf("query in-flight tasks: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return 0, fmt.Errorf("scan in-flight task: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate in-flight tasks: %w", err)
	}

	var recovered int64
	for _, key := range keys {
		ok, err := s.transitionTaskTx(ctx, tx, key,
			[]TaskState{TaskStateInFlight}, TaskStateQueued,
			"task.recovered", `{"reason":"startup_recovery"}`)
		if err != nil {
			return 0, fmt.Errorf("recover task transition: %w", err)
		}
		if ok {
			recovered++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit recover tx: %w", err)
	}
	return recovered, nil
}

// GetTask returns a single task by key, or (nil, nil) if absent.
func (s *Store) GetTask(ctx context.Context, taskKey string) (*Task, error) {
	var task Task
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE key = ?;`, taskKey)
	if err := scanMailboxTask(row.Scan, &task); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &task, nil
}

// ListTasks returns tasks filtered by state ("" means all), newest first.
func (s *Store) ListTasks(ctx context.Context, state TaskState, limit int) ([]Task, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var (
		rows *sql.Rows
		err  error
	)
	if state == "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+taskColumns+` FROM tasks
			ORDER BY created_at DESC, key DESC LIMIT ?;
		`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+taskColumns+` FROM tasks
			WHERE state = ?
			ORDER BY created_at DESC, key DESC LIMIT ?;
		`, state, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var task Task
		if err := scanMailboxTask(rows.Scan, &task); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}
	return out, nil
}
