// Command fixwell runs the issue-repair daemon: a webhook gateway that
// admits bug reports into a durable mailbox, a scheduled consumer that
// hands tasks to an external repair agent, and a callback reconciler that
// settles the run ledger.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"

	"github.com/basket/fixwell/internal/admission"
	"github.com/basket/fixwell/internal/agent"
	"github.com/basket/fixwell/internal/bus"
	"github.com/basket/fixwell/internal/config"
	"github.com/basket/fixwell/internal/consumer"
	"github.com/basket/fixwell/internal/cron"
	"github.com/basket/fixwell/internal/gateway"
	"github.com/basket/fixwell/internal/notify"
	"github.com/basket/fixwell/internal/otel"
	"github.com/basket/fixwell/internal/persistence"
	"github.com/basket/fixwell/internal/reconcile"
	"github.com/basket/fixwell/internal/telemetry"
)

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: fixwell [flags] [command]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  (none)   run the daemon\n")
	fmt.Fprintf(os.Stderr, "  status   query a running daemon\n\n")
	fmt.Fprintf(os.Stderr, "Flags:\n")
	flag.PrintDefaults()
}

func main() {
	quiet := flag.Bool("quiet", false, "log to file only, not stdout")
	flag.Usage = printUsage
	flag.Parse()

	loadDotEnv(".env")

	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "status":
			runStatus()
			return
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Non-interactive runs (systemd, cron) already capture stdout; keep the
	// file log as the single copy there.
	logQuiet := *quiet || !isatty.IsTerminal(os.Stdout.Fd())
	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, logQuiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelProvider, err := otel.Init(ctx, cfg.Telemetry)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProvider.Shutdown(shutdownCtx)
	}()
	metrics, err := otel.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}

	eventBus := bus.New()

	store, err := persistence.Open(filepath.Join(cfg.HomeDir, "fixwell.db"), eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()

	recovered, err := store.RecoverInFlight(ctx)
	if err != nil {
		fatalStartup(logger, "E_TASK_RECOVERY", err)
	}
	if recovered > 0 {
		logger.Info("requeued interrupted tasks", "count", recovered)
	}

	authToken := cfg.CallbackToken
	if authToken == "" {
		authToken, err = loadAuthToken(cfg.HomeDir)
		if err != nil {
			fatalStartup(logger, "E_AUTH_TOKEN_WRITE", err)
		}
	}
	if cfg.WebhookSecret == "" {
		logger.Warn("webhook_secret is not set; all webhook deliveries will be rejected")
	}

	admitter := admission.New(store, cfg.DefaultPRLimit, logger)
	reconciler := reconcile.New(store, logger)

	runner := newReloadableRunner(cfg.Agent, logger)

	var sender consumer.ReportSender
	if cfg.Consumer.CallbackURL != "" {
		sender = consumer.NewHTTPSender(cfg.Consumer.CallbackURL, authToken)
	} else {
		sender = consumer.NewLocalSender(reconciler)
	}
	queueConsumer := consumer.New(store, runner, sender, eventBus, metrics, cfg.Consumer.MaxAttempts, logger)

	scheduler, err := cron.NewScheduler(cfg.Consumer.Schedule, queueConsumer.RunOnce, logger)
	if err != nil {
		fatalStartup(logger, "E_SCHEDULER_INIT", err)
	}

	server, err := gateway.New(gateway.Config{
		Store:             store,
		Admitter:          admitter,
		Reconciler:        reconciler,
		Bus:               eventBus,
		WebhookSecret:     cfg.WebhookSecret,
		AuthToken:         authToken,
		ConfigFingerprint: cfg.Fingerprint(),
		RateLimit:         cfg.RateLimit,
		Metrics:           metrics,
		Logger:            logger,
	})
	if err != nil {
		fatalStartup(logger, "E_GATEWAY_INIT", err)
	}
	server.StartEviction(ctx)

	if cfg.Notify.Telegram.Enabled && cfg.Notify.Telegram.Token != "" {
		notifier, err := notify.NewTelegramNotifier(cfg.Notify.Telegram, logger)
		if err != nil {
			logger.Error("telegram notifier init failed", "error", err)
		} else {
			notifier.Start(ctx, eventBus)
		}
	}

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				reloaded, err := config.Load()
				if err != nil {
					logger.Error("config reload failed", "error", err)
					continue
				}
				runner.Swap(reloaded.Agent)
				logger.Info("agent settings reloaded",
					"fingerprint", reloaded.Fingerprint(),
					"timeout_seconds", reloaded.Agent.TimeoutSeconds)
			}
		}()
	}

	listener, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			fatalStartup(logger, "E_LISTENER_BIND",
				fmt.Errorf("%w\n\n  another process is using %s; stop it or change bind_addr in config.yaml", err, cfg.BindAddr))
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}

	httpServer := &http.Server{
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			stop()
		}
	}()

	scheduler.Start(ctx)
	logger.Info("fixwell daemon started",
		"bind_addr", cfg.BindAddr,
		"schedule", cfg.Consumer.Schedule,
		"config_fingerprint", cfg.Fingerprint())

	<-ctx.Done()
	logger.Info("shutting down")

	scheduler.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	logger.Info("fixwell daemon stopped")
}

// reloadableRunner lets the config watcher swap agent settings without
// restarting the consumer.
type reloadableRunner struct {
	current atomic.Pointer[agent.CommandRunner]
	logger  *slog.Logger
}

func newReloadableRunner(cfg config.AgentConfig, logger *slog.Logger) *reloadableRunner {
	r := &reloadableRunner{logger: logger}
	r.current.Store(agent.NewCommandRunner(cfg, logger))
	return r
}

func (r *reloadableRunner) Swap(cfg config.AgentConfig) {
	r.current.Store(agent.NewCommandRunner(cfg, r.logger))
}

func (r *reloadableRunner) Run(ctx context.Context, task persistence.Task) (agent.Result, error) {
	return r.current.Load().Run(ctx, task)
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"fixwell","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		var sysErr *os.SyscallError
		if errors.As(opErr.Err, &sysErr) {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}

func loadAuthToken(homeDir string) (string, error) {
	if raw := strings.TrimSpace(os.Getenv("FIXWELL_AUTH_TOKEN")); raw != "" {
		return raw, nil
	}
	tokenPath := filepath.Join(homeDir, "auth.token")
	b, err := os.ReadFile(tokenPath)
	if err == nil {
		if tok := strings.TrimSpace(string(b)); tok != "" {
			return tok, nil
		}
	}
	// Generate auth.token on first run.
	token := uuid.NewString()
	if err := os.WriteFile(tokenPath, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to persist auth token: %w", err)
	}
	slog.Info("auth.token generated", "path", tokenPath)
	return token, nil
}
