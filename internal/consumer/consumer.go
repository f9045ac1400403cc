package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/fixwell/internal/agent"
	"github.com/basket/fixwell/internal/bus"
	"github.com/basket/fixwell/internal/otel"
	"github.com/basket/fixwell/internal/persistence"
	"github.com/basket/fixwell/internal/reconcile"
	"github.com/basket/fixwell/internal/shared"
)

// ReportSender delivers an outcome report after an agent run finishes.
type ReportSender interface {
	Send(ctx context.Context, report reconcile.Report) error
}

// Consumer drains the mailbox one task at a time. Each invocation processes
// at most one task; the single-flight gate lives inside ClaimOldest.
type Consumer struct {
	store       *persistence.Store
	runner      agent.Runner
	sender      ReportSender
	eventBus    *bus.Bus
	metrics     *otel.Metrics
	maxAttempts int
	logger      *slog.Logger
}

func New(store *persistence.Store, runner agent.Runner, sender ReportSender, eventBus *bus.Bus, metrics *otel.Metrics, maxAttempts int, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Consumer{
		store:       store,
		runner:      runner,
		sender:      sender,
		eventBus:    eventBus,
		metrics:     metrics,
		maxAttempts: maxAttempts,
		logger:      logger,
	}
}

// RunOnce claims and processes at most one task. Returns nil when there was
// nothing to do, which includes the case where a previous task is still
// in flight.
func (c *Consumer) RunOnce(ctx context.Context) error {
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())

	task, err := c.store.ClaimOldest(ctx)
	if err != nil {
		c.storageFault("", "claim", err)
		return fmt.Errorf("claim task: %w", err)
	}
	if task == nil {
		return nil
	}
	ctx = shared.WithTaskKey(ctx, task.Key)
	logger := c.logger.With("task_key", task.Key, "repo", task.Repo, "issue", task.IssueNumber, "attempt", task.Retries+1)
	logger.Info("task claimed")

	if task.RunID != "" {
		if err := c.store.MarkRunProcessing(ctx, task.RunID); err != nil {
			logger.Warn("mark run processing failed", "run_id", task.RunID, "error", err)
		}
	}

	start := time.Now()
	result, runErr := c.runner.Run(ctx, *task)
	if c.metrics != nil && c.metrics.AgentDuration != nil {
		c.metrics.AgentDuration.Record(ctx, time.Since(start).Seconds())
	}

	if runErr != nil || !result.Success {
		errMsg := result.Error
		if runErr != nil {
			errMsg = runErr.Error()
		}
		if errMsg == "" {
			errMsg = "agent reported failure without detail"
		}
		return c.resolveFailure(ctx, task, errMsg, logger)
	}
	return c.resolveSuccess(ctx, task, result, start, logger)
}

func (c *Consumer) resolveSuccess(ctx context.Context, task *persistence.Task, result agent.Result, start time.Time, logger *slog.Logger) error {
	outcome := fmt.Sprintf(`{"pr_number":%d}`, result.PRNumber)
	if err := c.store.MarkDone(ctx, task.Key, outcome, ""); err != nil {
		c.storageFault(task.Key, "resolve", err)
		return fmt.Errorf("finalize task %s: %w", task.Key, err)
	}
	if c.metrics != nil && c.metrics.TaskDuration != nil {
		c.metrics.TaskDuration.Record(ctx, time.Since(start).Seconds())
	}
	logger.Info("task completed", "pr_number", result.PRNumber)

	report := reconcile.Report{
		InstallationID: task.InstallationID,
		Repo:           task.Repo,
		IssueNumber:    task.IssueNumber,
		Status:         persistence.RunStatusSuccess,
		PRNumber:       result.PRNumber,
		RunID:          task.RunID,
	}
	if err := c.sender.Send(ctx, report); err != nil {
		logger.Error("outcome report delivery failed", "run_id", task.RunID, "error", err)
		return fmt.Errorf("deliver success report: %w", err)
	}
	return nil
}

func (c *Consumer) resolveFailure(ctx context.Context, task *persistence.Task, errMsg string, logger *slog.Logger) error {
	attemptsUsed := task.Retries + 1
	if attemptsUsed < c.maxAttempts {
		if _, err := c.store.Requeue(ctx, task.Key, errMsg); err != nil {
			c.storageFault(task.Key, "requeue", err)
			return fmt.Errorf("requeue task %s: %w", task.Key, err)
		}
		if c.metrics != nil && c.metrics.TaskRetries != nil {
			c.metrics.TaskRetries.Add(ctx, 1)
		}
		logger.Warn("task requeued for retry", "error", errMsg, "attempts_used", attemptsUsed, "max_attempts", c.maxAttempts)
		return nil
	}

	if err := c.store.MarkDone(ctx, task.Key, "", errMsg); err != nil {
		c.storageFault(task.Key, "resolve", err)
		return fmt.Errorf("finalize failed task %s: %w", task.Key, err)
	}
	logger.Error("task failed terminally", "error", errMsg, "attempts_used", attemptsUsed)

	report := reconcile.Report{
		InstallationID: task.InstallationID,
		Repo:           task.Repo,
		IssueNumber:    task.IssueNumber,
		Status:         persistence.RunStatusFailed,
		ErrorMessage:   errMsg,
		RunID:          task.RunID,
	}
	if err := c.sender.Send(ctx, report); err != nil {
		logger.Error("outcome report delivery failed", "run_id", task.RunID, "error", err)
		return fmt.Errorf("deliver failure report: %w", err)
	}
	return nil
}

func (c *Consumer) storageFault(taskKey, op string, err error) {
	c.logger.Error("mailbox storage fault", "task_key", taskKey, "op", op, "error", err)
	if c.eventBus != nil {
		c.eventBus.Publish(bus.TopicStorageFault, bus.StorageFaultEvent{
			Key:    taskKey,
			Op:     op,
			Reason: err.Error(),
		})
	}
}
