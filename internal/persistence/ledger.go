package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Installation is a tenant of the service, keyed by the platform's
// installation id.
type Installation struct {
	ID           int64     `json:"id"`
	AccountLogin string    `json:"account_login"`
	// PRLimit is the monthly merge-request quota. 0 means "use the
	// service default", negative means unlimited.
	PRLimit   int       `json:"pr_limit"`
	CreatedAt time.Time `json:"created_at"`
}

// Run is a ledger entry tracking one admitted issue through its lifecycle.
type Run struct {
	ID             string    `json:"id"`
	InstallationID int64     `json:"installation_id"`
	Repo           string    `json:"repo"`
	IssueNumber    int       `json:"issue_number"`
	IssueTitle     string    `json:"issue_title"`
	Status         string    `json:"status"`
	PRNumber       int       `json:"pr_number,omitempty"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Stats is the aggregate view served on the public read API.
type Stats struct {
	Installations int     `json:"installations"`
	TotalRuns     int     `json:"total_runs"`
	PRsCreated    int     `json:"prs_created"`
	SuccessRate   float64 `json:"success_rate"`
	RecentRuns    []Run   `json:"recent_runs"`
}

// UpsertInstallation registers a tenant if absent and refreshes its account
// login. An existing explicit pr_limit is never lowered back to the default
// by a webhook-driven upsert.
func (s *Store) UpsertInstallation(ctx context.Context, id int64, accountLogin string) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO installations (id, account_login, created_at, updated_at)
			VALUES (?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
			ON CONFLICT(id) DO UPDATE SET
				account_login = excluded.account_login,
				updated_at = CURRENT_TIMESTAMP;
		`, id, accountLogin)
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert installation: %w", err)
	}
	return nil
}

// GetInstallation returns a tenant, or (nil, nil) when unknown.
func (s *Store) GetInstallation(ctx context.Context, id int64) (*Installation, error) {
	var inst Installation
	err := s.db.QueryRowContext(ctx, `
		SELECT id, account_login, pr_limit, created_at
		FROM installations
		WHERE id = ?;
	`, id).Scan(&inst.ID, &inst.AccountLogin, &inst.PRLimit, &inst.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get installation: %w", err)
	}
	return &inst, nil
}

// SetInstallationLimit sets an explicit monthly quota for a tenant.
func (s *Store) SetInstallationLimit(ctx context.Context, id int64, prLimit int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE installations SET pr_limit = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, prLimit, id)
	if err != nil {
		return fmt.Errorf("set installation limit: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set limit rows affected: %w", err)
	}
	if n != 1 {
		return sql.ErrNoRows
	}
	return nil
}

// CreateRun inserts a queued ledger entry and returns its id.
func (s *Store) CreateRun(ctx context.Context, installationID int64, repo string, issueNumber int, issueTitle string) (string, error) {
	runID := uuid.NewString()
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO runs (id, installation_id, repo, issue_number, issue_title, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, runID, installationID, repo, issueNumber, issueTitle, RunStatusQueued)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}
	return runID, nil
}

// MarkRunProcessing moves a queued run to processing.
func (s *Store) MarkRunProcessing(ctx context.Context, runID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?;
	`, RunStatusProcessing, runID, RunStatusQueued)
	if err != nil {
		return fmt.Errorf("mark run processing: %w", err)
	}
	_, err = res.RowsAffected()
	return err
}

// FinalizeRun moves a run to a terminal status. The update is conditional on
// the run still being non-terminal, which makes duplicate outcome reports
// no-ops: the first writer wins and later reports change nothing.
func (s *Store) FinalizeRun(ctx context.Context, runID, status string, prNumber int, errMsg string) (bool, error) {
	if status != RunStatusSuccess && status != RunStatusFailed && status != RunStatusSkipped {
		return false, fmt.Errorf("invalid terminal status %q", status)
	}
	var updated bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE runs
			SET status = ?,
				pr_number = NULLIF(?, 0),
				error = NULLIF(?, ''),
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status IN (?, ?);
		`, status, prNumber, errMsg, runID, RunStatusQueued, RunStatusProcessing)
		if err != nil {
			return fmt.Errorf("finalize run: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("finalize rows affected: %w", err)
		}
		updated = n == 1
		return nil
	})
	return updated, err
}

// GetRun returns a ledger entry, or (nil, nil) when unknown.
func (s *Store) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, installation_id, repo, issue_number, issue_title, status, pr_number, error, created_at, updated_at
		FROM runs
		WHERE id = ?;
	`, runID)
	run, err := scanRun(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// FindRunByIssue returns the newest run for an issue, or (nil, nil) when the
// issue has no runs. Outcome reports identify runs by this triple.
func (s *Store) FindRunByIssue(ctx context.Context, installationID int64, repo string, issueNumber int) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, installation_id, repo, issue_number, issue_title, status, pr_number, error, created_at, updated_at
		FROM runs
		WHERE installation_id = ? AND repo = ? AND issue_number = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1;
	`, installationID, repo, issueNumber)
	run, err := scanRun(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find run by issue: %w", err)
	}
	return run, nil
}

func scanRun(scanFn func(dest ...any) error) (*Run, error) {
	var run Run
	var prNumber sql.NullInt64
	var errMsg sql.NullString
	if err := scanFn(&run.ID, &run.InstallationID, &run.Repo, &run.IssueNumber, &run.IssueTitle, &run.Status, &prNumber, &errMsg, &run.CreatedAt, &run.UpdatedAt); err != nil {
		return nil, err
	}
	if prNumber.Valid {
		run.PRNumber = int(prNumber.Int64)
	}
	if errMsg.Valid {
		run.Error = errMsg.String
	}
	return &run, nil
}

// ListRecentRuns returns the newest runs across all tenants.
func (s *Store) ListRecentRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 || limit > 100 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, installation_id, repo, issue_number, issue_title, status, pr_number, error, created_at, updated_at
		FROM runs
		ORDER BY created_at DESC, id DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("run rows: %w", err)
	}
	return out, nil
}

// UsageMonth formats a time as the usage counter bucket key.
func UsageMonth(at time.Time) string {
	return at.UTC().Format("2006-01")
}

// IncrementUsage bumps the monthly merge-request counter for a tenant.
func (s *Store) IncrementUsage(ctx context.Context, installationID int64, month string) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO usage_counters (installation_id, month, prs_created, updated_at)
			VALUES (?, ?, 1, CURRENT_TIMESTAMP)
			ON CONFLICT(installation_id, month) DO UPDATE SET
				prs_created = prs_created + 1,
				updated_at = CURRENT_TIMESTAMP;
		`, installationID, month)
		return err
	})
	if err != nil {
		return fmt.Errorf("increment usage: %w", err)
	}
	return nil
}

// UsageCount returns the merge-request count for a tenant in a month.
// Months with no counter row read as zero.
func (s *Store) UsageCount(ctx context.Context, installationID int64, month string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT prs_created FROM usage_counters
		WHERE installation_id = ? AND month = ?;
	`, installationID, month).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("usage count: %w", err)
	}
	return n, nil
}

// GetStats computes the aggregate public view. Success rate is successful
// runs over terminal runs; with no terminal runs it reads as zero.
func (s *Store) GetStats(ctx context.Context) (Stats, error) {
	var stats Stats
	row := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(1) FROM installations),
			(SELECT COUNT(1) FROM runs),
			(SELECT COALESCE(SUM(prs_created), 0) FROM usage_counters),
			(SELECT COUNT(1) FROM runs WHERE status = 'success'),
			(SELECT COUNT(1) FROM runs WHERE status IN ('success', 'failed', 'skipped'));
	`)
	var succeeded, terminal int
	if err := row.Scan(&stats.Installations, &stats.TotalRuns, &stats.PRsCreated, &succeeded, &terminal); err != nil {
		return stats, fmt.Errorf("stats counts: %w", err)
	}
	if terminal > 0 {
		stats.SuccessRate = float64(succeeded) / float64(terminal)
	}
	recent, err := s.ListRecentRuns(ctx, 10)
	if err != nil {
		return stats, err
	}
	stats.RecentRuns = recent
	return stats, nil
}
