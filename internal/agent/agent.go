package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/basket/fixwell/internal/config"
	"github.com/basket/fixwell/internal/persistence"
)

// Result is what an agent run produced. The agent process reports it as a
// JSON object on the last line of stdout. Agents may report the opened pull
// request either by number or by URL; parseResult fills PRNumber from the
// URL's trailing digits when only pr_url is present.
type Result struct {
	Success  bool   `json:"success"`
	PRNumber int    `json:"pr_number,omitempty"`
	PRURL    string `json:"pr_url,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Runner executes one repair attempt for a task. Implementations are opaque:
// the caller only sees the outcome.
type Runner interface {
	Run(ctx context.Context, task persistence.Task) (Result, error)
}

// ErrTimeout is returned when an agent run exceeds its time budget.
var ErrTimeout = errors.New("agent run timed out")

// CommandRunner invokes an external executable per task. The task description
// goes to stdin as plain text; the process must exit 0 and print a Result
// JSON object on stdout.
type CommandRunner struct {
	cfg    config.AgentConfig
	logger *slog.Logger
}

func NewCommandRunner(cfg config.AgentConfig, logger *slog.Logger) *CommandRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandRunner{cfg: cfg, logger: logger}
}

func (r *CommandRunner) Run(ctx context.Context, task persistence.Task) (Result, error) {
	if r.cfg.Command == "" {
		return Result{}, fmt.Errorf("no agent command configured")
	}

	timeout := time.Duration(r.cfg.TimeoutSeconds) * time.Second
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.cfg.Command, r.cfg.Args...)
	if r.cfg.WorkDir != "" {
		cmd.Dir = r.cfg.WorkDir
	}
	cmd.Stdin = strings.NewReader(buildPrompt(task))

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if runCtx.Err() == context.DeadlineExceeded {
		r.logger.Warn("agent run timed out",
			"task_key", task.Key, "repo", task.Repo, "issue", task.IssueNumber,
			"timeout_seconds", r.cfg.TimeoutSeconds)
		return Result{}, fmt.Errorf("%w after %ds", ErrTimeout, r.cfg.TimeoutSeconds)
	}
	if err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return Result{}, fmt.Errorf("agent process: %s", detail)
	}

	result, err := parseResult(stdout.String())
	if err != nil {
		return Result{}, err
	}
	r.logger.Info("agent run finished",
		"task_key", task.Key, "repo", task.Repo, "issue", task.IssueNumber,
		"success", result.Success, "duration_ms", elapsed.Milliseconds())
	return result, nil
}

// buildPrompt renders the task as a natural-language work order.
func buildPrompt(task persistence.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Fix the bug described in issue #%d of repository %s.\n\n", task.IssueNumber, task.Repo)
	fmt.Fprintf(&b, "Title: %s\n\n", task.IssueTitle)
	if strings.TrimSpace(task.IssueBody) != "" {
		fmt.Fprintf(&b, "Description:\n%s\n\n", task.IssueBody)
	}
	b.WriteString("Open a pull request with the fix and report its number.\n")
	return b.String()
}

// parseResult reads the Result object from the last non-empty stdout line.
// Agents often emit progress text first; only the final line is the verdict.
func parseResult(out string) (Result, error) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		var result Result
		if err := json.Unmarshal([]byte(line), &result); err != nil {
			return Result{}, fmt.Errorf("parse agent output: %w", err)
		}
		if result.PRNumber == 0 && result.PRURL != "" {
			result.PRNumber = trailingNumber(result.PRURL)
		}
		return result, nil
	}
	return Result{}, fmt.Errorf("agent produced no output")
}

// trailingNumber extracts the final digit run of a PR URL, e.g. 42 from
// "https://github.com/acme/widgets/pull/42". Returns 0 when there is none.
func trailingNumber(s string) int {
	s = strings.TrimRight(s, "/")
	i := len(s)
	for i > 0 && s[i-1] >= '0' && s[i-1] <= '9' {
		i--
	}
	n, err := strconv.Atoi(s[i:])
	if err != nil {
		return 0
	}
	return n
}
