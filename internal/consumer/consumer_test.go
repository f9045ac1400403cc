package consumer_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/fixwell/internal/agent"
	"github.com/basket/fixwell/internal/consumer"
	"github.com/basket/fixwell/internal/persistence"
	"github.com/basket/fixwell/internal/reconcile"
)

type fakeRunner struct {
	result agent.Result
	err    error
	calls  int
}

func (f *fakeRunner) Run(ctx context.Context, task persistence.Task) (agent.Result, error) {
	f.calls++
	return f.result, f.err
}

type captureSender struct {
	reports []reconcile.Report
	err     error
}

func (c *captureSender) Send(ctx context.Context, report reconcile.Report) error {
	c.reports = append(c.reports, report)
	return c.err
}

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "fixwell.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// seedTask creates a queued run and its mailbox task, returning the run id
// and task key.
func seedTask(t *testing.T, store *persistence.Store, issue int) (string, string) {
	t.Helper()
	ctx := context.Background()
	if err := store.UpsertInstallation(ctx, 42, "acme"); err != nil {
		t.Fatalf("upsert installation: %v", err)
	}
	runID, err := store.CreateRun(ctx, 42, "acme/widgets", issue, "crash on save")
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	key := persistence.TaskKey(42, "acme/widgets", issue, time.Now())
	err = store.Enqueue(ctx, persistence.Task{
		Key:            key,
		InstallationID: 42,
		Repo:           "acme/widgets",
		IssueNumber:    issue,
		IssueTitle:     "crash on save",
		RunID:          runID,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return runID, key
}

func TestRunOnce_EmptyQueueIsNoop(t *testing.T) {
	store := openTestStore(t)
	runner := &fakeRunner{}
	c := consumer.New(store, runner, &captureSender{}, nil, nil, 3, nil)

	if err := c.RunOnce(context.Background()); err != nil {
		t.Fatalf("empty queue: %v", err)
	}
	if runner.calls != 0 {
		t.Fatalf("runner invoked on empty queue")
	}
}

func TestRunOnce_SuccessSettlesLedger(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	runID, key := seedTask(t, store, 7)

	runner := &fakeRunner{result: agent.Result{Success: true, PRNumber: 9}}
	sender := consumer.NewLocalSender(reconcile.New(store, nil))
	c := consumer.New(store, runner, sender, nil, nil, 3, nil)

	if err := c.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}

	task, err := store.GetTask(ctx, key)
	if err != nil || task == nil {
		t.Fatalf("task missing: %v", err)
	}
	if task.State != persistence.TaskStateDone || task.LastError != "" {
		t.Fatalf("expected clean DONE task, got %+v", task)
	}
	if task.Result != `{"pr_number":9}` {
		t.Fatalf("expected outcome payload on task, got %q", task.Result)
	}
	if task.CompletedAt == nil {
		t.Fatal("expected completion timestamp on finished task")
	}

	run, err := store.GetRun(ctx, runID)
	if err != nil || run == nil {
		t.Fatalf("run missing: %v", err)
	}
	if run.Status != persistence.RunStatusSuccess || run.PRNumber != 9 {
		t.Fatalf("unexpected run: %+v", run)
	}

	used, err := store.UsageCount(ctx, 42, persistence.UsageMonth(time.Now()))
	if err != nil {
		t.Fatalf("usage count: %v", err)
	}
	if used != 1 {
		t.Fatalf("expected usage 1, got %d", used)
	}
}

func TestRunOnce_FailureRetriesThenGivesUp(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	runID, key := seedTask(t, store, 8)

	runner := &fakeRunner{err: errors.New("compile blew up")}
	sender := consumer.NewLocalSender(reconcile.New(store, nil))
	c := consumer.New(store, runner, sender, nil, nil, 3, nil)

	// First two attempts requeue.
	for attempt := 1; attempt <= 2; attempt++ {
		if err := c.RunOnce(ctx); err != nil {
			t.Fatalf("attempt %d: %v", attempt, err)
		}
		task, err := store.GetTask(ctx, key)
		if err != nil || task == nil {
			t.Fatalf("task missing after attempt %d: %v", attempt, err)
		}
		if task.State != persistence.TaskStateQueued || task.Retries != attempt {
			t.Fatalf("attempt %d: expected requeued with retries=%d, got %+v", attempt, attempt, task)
		}
	}

	// Third attempt exhausts the ceiling.
	if err := c.RunOnce(ctx); err != nil {
		t.Fatalf("final attempt: %v", err)
	}
	task, err := store.GetTask(ctx, key)
	if err != nil || task == nil {
		t.Fatalf("task missing after final attempt: %v", err)
	}
	if task.State != persistence.TaskStateDone || task.LastError != "compile blew up" {
		t.Fatalf("expected terminal DONE with error, got %+v", task)
	}
	if runner.calls != 3 {
		t.Fatalf("expected exactly 3 agent invocations, got %d", runner.calls)
	}

	run, err := store.GetRun(ctx, runID)
	if err != nil || run == nil {
		t.Fatalf("run missing: %v", err)
	}
	if run.Status != persistence.RunStatusFailed || run.Error != "compile blew up" {
		t.Fatalf("expected failed run, got %+v", run)
	}

	used, _ := store.UsageCount(ctx, 42, persistence.UsageMonth(time.Now()))
	if used != 0 {
		t.Fatalf("failed run must not count usage, got %d", used)
	}
}

func TestRunOnce_AgentRejectionWithoutErrorDetail(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	_, key := seedTask(t, store, 9)

	runner := &fakeRunner{result: agent.Result{Success: false}}
	c := consumer.New(store, runner, &captureSender{}, nil, nil, 1, nil)

	if err := c.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}
	task, _ := store.GetTask(ctx, key)
	if task == nil || task.State != persistence.TaskStateDone {
		t.Fatalf("expected terminal task, got %+v", task)
	}
	if task.LastError == "" {
		t.Fatal("terminal failure must carry an error message")
	}
}

func TestRunOnce_ReportsOutcomeToSender(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	runID, _ := seedTask(t, store, 10)

	runner := &fakeRunner{result: agent.Result{Success: true, PRNumber: 10}}
	sender := &captureSender{}
	c := consumer.New(store, runner, sender, nil, nil, 3, nil)

	if err := c.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if len(sender.reports) != 1 {
		t.Fatalf("expected one report, got %d", len(sender.reports))
	}
	report := sender.reports[0]
	if report.InstallationID != 42 || report.Repo != "acme/widgets" || report.IssueNumber != 10 {
		t.Fatalf("report does not identify the issue: %+v", report)
	}
	if report.RunID != runID || report.Status != persistence.RunStatusSuccess || report.PRNumber != 10 {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func TestRunOnce_SenderFailureSurfacesButTaskStaysDone(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	_, key := seedTask(t, store, 11)

	runner := &fakeRunner{result: agent.Result{Success: true, PRNumber: 11}}
	sender := &captureSender{err: fmt.Errorf("callback endpoint down")}
	c := consumer.New(store, runner, sender, nil, nil, 3, nil)

	if err := c.RunOnce(ctx); err == nil {
		t.Fatal("expected delivery error to surface")
	}
	task, _ := store.GetTask(ctx, key)
	if task == nil || task.State != persistence.TaskStateDone {
		t.Fatalf("task should stay DONE despite delivery failure, got %+v", task)
	}
}

func TestRunOnce_SingleFlightAcrossInvocations(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	seedTask(t, store, 12)
	seedTask(t, store, 13)

	// Claim the first task out of band so it is IN_FLIGHT.
	claimed, err := store.ClaimOldest(ctx)
	if err != nil || claimed == nil {
		t.Fatalf("claim: %v", err)
	}

	runner := &fakeRunner{result: agent.Result{Success: true}}
	c := consumer.New(store, runner, &captureSender{}, nil, nil, 3, nil)
	if err := c.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if runner.calls != 0 {
		t.Fatal("consumer ran a second task while one was in flight")
	}
}
