package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/fixwell/internal/persistence"
)

// Report is an outcome delivered to the callback endpoint after an agent run.
// The run is identified by its issue triple; RunID pins the exact ledger row
// when the sender knows it, which matters if the same issue was admitted more
// than once.
type Report struct {
	InstallationID int64  `json:"installation_id"`
	Repo           string `json:"repo"`
	IssueNumber    int    `json:"issue_number"`
	Status         string `json:"status"` // success | failed | skipped
	PRNumber       int    `json:"pr_number,omitempty"`
	ErrorMessage   string `json:"error_message,omitempty"`
	RunID          string `json:"run_id,omitempty"`
}

// Outcome tells the caller what the report did.
const (
	OutcomeFinalized    = "finalized"
	OutcomeAlreadyFinal = "already_final"
	OutcomeUnknownRun   = "unknown_run"
)

type Result struct {
	Outcome string `json:"outcome"`
	Status  string `json:"status,omitempty"`
}

type Reconciler struct {
	store  *persistence.Store
	logger *slog.Logger
	now    func() time.Time
}

func New(store *persistence.Store, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{store: store, logger: logger, now: time.Now}
}

// Reconcile applies an outcome report to the run ledger. Finalization is
// conditional on the run still being non-terminal, and the usage counter is
// only bumped when this report performed the transition, so redelivered
// reports never double-count.
func (r *Reconciler) Reconcile(ctx context.Context, report Report) (Result, error) {
	switch report.Status {
	case persistence.RunStatusSuccess, persistence.RunStatusFailed, persistence.RunStatusSkipped:
	default:
		return Result{}, fmt.Errorf("invalid report status %q", report.Status)
	}

	run, err := r.findRun(ctx, report)
	if err != nil {
		return Result{}, err
	}
	if run == nil {
		return Result{Outcome: OutcomeUnknownRun}, nil
	}

	applied, err := r.store.FinalizeRun(ctx, run.ID, report.Status, report.PRNumber, report.ErrorMessage)
	if err != nil {
		return Result{}, err
	}
	if !applied {
		r.logger.Info("outcome report for already-final run",
			"run_id", run.ID, "status", run.Status)
		return Result{Outcome: OutcomeAlreadyFinal, Status: run.Status}, nil
	}

	if report.Status == persistence.RunStatusSuccess && report.PRNumber > 0 {
		month := persistence.UsageMonth(r.now())
		if err := r.store.IncrementUsage(ctx, run.InstallationID, month); err != nil {
			return Result{}, fmt.Errorf("count merged fix: %w", err)
		}
	}

	r.logger.Info("run finalized",
		"run_id", run.ID, "installation_id", run.InstallationID,
		"status", report.Status, "pr_number", report.PRNumber)
	return Result{Outcome: OutcomeFinalized, Status: report.Status}, nil
}

func (r *Reconciler) findRun(ctx context.Context, report Report) (*persistence.Run, error) {
	if report.RunID != "" {
		return r.store.GetRun(ctx, report.RunID)
	}
	return r.store.FindRunByIssue(ctx, report.InstallationID, report.Repo, report.IssueNumber)
}
