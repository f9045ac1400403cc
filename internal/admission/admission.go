package admission

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/fixwell/internal/persistence"
)

// Rejection reasons surfaced to webhook callers and counted in metrics.
const (
	ReasonAccepted     = "accepted"
	ReasonNotBug       = "not_bug"
	ReasonLimitReached = "limit_reached"
	ReasonNoTenant     = "no_tenant"
)

// Trigger values discriminate how an event reached admission. Issue events
// go through classification; comment events only count with an explicit
// fix command.
const (
	TriggerIssue   = "issue"
	TriggerComment = "comment"
)

// IssueEvent is the normalized form of an inbound platform event.
type IssueEvent struct {
	Trigger        string
	Action         string
	InstallationID int64
	AccountLogin   string
	Repo           string // owner/name
	IssueNumber    int
	Title          string
	Body           string
	Labels         []string
	// Comment carries the comment body for comment-triggered events.
	// A fix command in a comment bypasses classification.
	Comment string
}

// Decision is the admission verdict for one event. Status mirrors the run
// ledger vocabulary: queued when a run was created, skipped otherwise.
type Decision struct {
	Accepted bool   `json:"accepted"`
	Status   string `json:"status"`
	Reason   string `json:"reason"`
	RunID    string `json:"run_id,omitempty"`
	TaskKey  string `json:"task_key,omitempty"`
}

type Admitter struct {
	store          *persistence.Store
	defaultPRLimit int
	logger         *slog.Logger
	now            func() time.Time
}

func New(store *persistence.Store, defaultPRLimit int, logger *slog.Logger) *Admitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Admitter{
		store:          store,
		defaultPRLimit: defaultPRLimit,
		logger:         logger,
		now:            time.Now,
	}
}

// Admit classifies an event, enforces the tenant quota and, on acceptance,
// creates the run ledger entry and enqueues the mailbox task atomically
// enough for the single-writer store: the run exists before the task does,
// so a crash between the two leaves a queued run with no task, which the
// operator can see on /api/runs.
func (a *Admitter) Admit(ctx context.Context, ev IssueEvent) (Decision, error) {
	if ev.InstallationID <= 0 {
		return Decision{Status: persistence.RunStatusSkipped, Reason: ReasonNoTenant}, nil
	}
	if !a.isFixRequest(ev) {
		return Decision{Status: persistence.RunStatusSkipped, Reason: ReasonNotBug}, nil
	}

	if err := a.store.UpsertInstallation(ctx, ev.InstallationID, ev.AccountLogin); err != nil {
		return Decision{}, fmt.Errorf("register tenant: %w", err)
	}

	inst, err := a.store.GetInstallation(ctx, ev.InstallationID)
	if err != nil {
		return Decision{}, err
	}
	// Tenant pr_limit: 0 means the service default, negative means unlimited.
	limit := a.defaultPRLimit
	if inst != nil && inst.PRLimit != 0 {
		limit = inst.PRLimit
	}

	now := a.now()
	month := persistence.UsageMonth(now)
	used, err := a.store.UsageCount(ctx, ev.InstallationID, month)
	if err != nil {
		return Decision{}, err
	}
	if limit > 0 && used >= limit {
		a.logger.Info("admission rejected on quota",
			"installation_id", ev.InstallationID, "repo", ev.Repo, "issue", ev.IssueNumber,
			"used", used, "limit", limit, "month", month)
		return Decision{Status: persistence.RunStatusSkipped, Reason: ReasonLimitReached}, nil
	}

	runID, err := a.store.CreateRun(ctx, ev.InstallationID, ev.Repo, ev.IssueNumber, ev.Title)
	if err != nil {
		return Decision{}, err
	}

	key := persistence.TaskKey(ev.InstallationID, ev.Repo, ev.IssueNumber, now)
	if err := a.store.Enqueue(ctx, persistence.Task{
		Key:            key,
		InstallationID: ev.InstallationID,
		Repo:           ev.Repo,
		IssueNumber:    ev.IssueNumber,
		IssueTitle:     ev.Title,
		IssueBody:      ev.Body,
		RunID:          runID,
	}); err != nil {
		return Decision{}, fmt.Errorf("enqueue task: %w", err)
	}

	a.logger.Info("issue admitted",
		"installation_id", ev.InstallationID, "repo", ev.Repo, "issue", ev.IssueNumber,
		"run_id", runID, "task_key", key)
	return Decision{Accepted: true, Status: persistence.RunStatusQueued, Reason: ReasonAccepted, RunID: runID, TaskKey: key}, nil
}

// isFixRequest decides whether the event asks for a repair. A fix command in
// a comment always wins. Other comments never enqueue work, no matter how
// bug-flavored the issue underneath is; only issue events go through
// classification.
func (a *Admitter) isFixRequest(ev IssueEvent) bool {
	if HasFixCommand(ev.Comment) {
		return true
	}
	if ev.Trigger == TriggerComment {
		return false
	}
	return IsBugLike(ev.Labels, ev.Title, ev.Body)
}

// bugKeywords match against the issue title and body, case-insensitively.
var bugKeywords = []string{
	"error", "bug", "crash", "fail", "broken", "exception",
	"traceback", "typeerror", "referenceerror", "undefined",
}

// bugLabelHints match as substrings of label names, so "bug", "bugfix",
// "kind/bug" and "confirmed-error" all qualify.
var bugLabelHints = []string{"bug", "fix", "error"}

// IsBugLike reports whether an issue reads as a bug report: either a
// bug-flavored label or a bug keyword in the title or body.
func IsBugLike(labels []string, title, body string) bool {
	for _, label := range labels {
		lower := strings.ToLower(label)
		for _, hint := range bugLabelHints {
			if strings.Contains(lower, hint) {
				return true
			}
		}
	}
	text := strings.ToLower(title + " " + body)
	for _, kw := range bugKeywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

// HasFixCommand reports whether a comment is an explicit fix command.
// The whole trimmed comment must be the command; "/fix please" is not one.
func HasFixCommand(comment string) bool {
	trimmed := strings.ToLower(strings.TrimSpace(comment))
	return trimmed == "/fix" || trimmed == "/autofix"
}
