package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/basket/fixwell/internal/admission"
	"github.com/basket/fixwell/internal/bus"
	"github.com/basket/fixwell/internal/config"
	"github.com/basket/fixwell/internal/otel"
	"github.com/basket/fixwell/internal/persistence"
	"github.com/basket/fixwell/internal/reconcile"
)

const maxBodyBytes = 1 << 20 // 1 MiB cap on inbound payloads

type Config struct {
	Store      *persistence.Store
	Admitter   *admission.Admitter
	Reconciler *reconcile.Reconciler
	Bus        *bus.Bus

	// WebhookSecret authenticates inbound platform events. Empty means the
	// webhook endpoint fails closed.
	WebhookSecret string
	// AuthToken is the bearer token for the callback and enqueue APIs.
	AuthToken string

	// ConfigFingerprint is the hash of active config exposed on /healthz.
	ConfigFingerprint string

	RateLimit config.RateLimitConfig
	Metrics   *otel.Metrics
	Logger    *slog.Logger
}

type Server struct {
	cfg       Config
	logger    *slog.Logger
	schemas   *schemaSet
	limiter   *RateLimitMiddleware
	startedAt time.Time
}

func New(cfg Config) (*Server, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:       cfg,
		logger:    logger,
		schemas:   schemas,
		limiter:   NewRateLimitMiddleware(cfg.RateLimit, cfg.Metrics),
		startedAt: time.Now(),
	}, nil
}

// StartEviction launches the rate limiter's stale bucket cleanup.
func (s *Server) StartEviction(ctx context.Context) {
	s.limiter.StartEviction(ctx, 5*time.Minute, 30*time.Minute)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook", s.handleWebhook)
	mux.HandleFunc("/api/callback", s.handleCallback)
	mux.HandleFunc("/api/enqueue", s.handleEnqueue)
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/api/runs", s.handleRuns)
	mux.HandleFunc("/api/runs/", s.handleRunByID)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/metrics", s.handleMetrics)

	return s.limiter.Wrap(s.timing(mux))
}

// timing records request durations when metrics are enabled.
func (s *Server) timing(next http.Handler) http.Handler {
	if s.cfg.Metrics == nil || s.cfg.Metrics.RequestDuration == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.cfg.Metrics.RequestDuration.Record(r.Context(), time.Since(start).Seconds())
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	dbOK := true
	if _, err := s.cfg.Store.QueueDepth(ctx); err != nil {
		dbOK = false
	}
	payload := map[string]any{
		"healthy":            dbOK,
		"db_ok":              dbOK,
		"config_fingerprint": s.cfg.ConfigFingerprint,
		"uptime_seconds":     int(time.Since(s.startedAt).Seconds()),
	}
	if !dbOK {
		writeJSON(w, http.StatusServiceUnavailable, payload)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ctx := r.Context()
	queued, _ := s.cfg.Store.QueueDepth(ctx)
	inFlight, _ := s.cfg.Store.InFlightCount(ctx)
	eventCount, _ := s.cfg.Store.TotalEventCount(ctx)

	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)

	payload := map[string]any{
		"queued_tasks":    queued,
		"in_flight_tasks": inFlight,
		"task_events":     eventCount,
		"alloc_bytes":     mem.Alloc,
	}
	if s.cfg.Bus != nil {
		payload["bus_subscribers"] = s.cfg.Bus.SubscriberCount()
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	stats, err := s.cfg.Store.GetStats(r.Context())
	if err != nil {
		s.logger.Error("stats query failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}
	runs, err := s.cfg.Store.ListRecentRuns(r.Context(), limit)
	if err != nil {
		s.logger.Error("runs query failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []persistence.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleRunByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	runID := strings.TrimPrefix(r.URL.Path, "/api/runs/")
	if runID == "" || strings.Contains(runID, "/") {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	run, err := s.cfg.Store.GetRun(r.Context(), runID)
	if err != nil {
		s.logger.Error("run query failed", "run_id", runID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if run == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// handleCallback receives outcome reports from the consumer or external
// agents and hands them to the reconciler.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	body, err := readBody(r)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if err := s.schemas.validateCallback(body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid report", "detail": err.Error()})
		return
	}

	var report reconcile.Report
	if err := json.Unmarshal(body, &report); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	result, err := s.cfg.Reconciler.Reconcile(r.Context(), report)
	if err != nil {
		s.logger.Error("reconcile failed",
			"repo", report.Repo, "issue", report.IssueNumber, "run_id", report.RunID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.recordCallbackMetric(r, result.Outcome)
	switch result.Outcome {
	case reconcile.OutcomeUnknownRun:
		writeJSON(w, http.StatusNotFound, result)
	default:
		writeJSON(w, http.StatusOK, result)
	}
}

// handleEnqueue lets an authenticated operator inject a task directly,
// bypassing webhook classification but not the quota.
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	body, err := readBody(r)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	var req struct {
		InstallationID int64  `json:"installation_id"`
		AccountLogin   string `json:"account_login"`
		Repo           string `json:"repo"`
		IssueNumber    int    `json:"issue_number"`
		Title          string `json:"title"`
		Body           string `json:"body"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if req.InstallationID == 0 || req.Repo == "" || req.IssueNumber == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "installation_id, repo and issue_number are required"})
		return
	}

	decision, err := s.cfg.Admitter.Admit(r.Context(), admission.IssueEvent{
		Trigger:        admission.TriggerComment,
		Action:         "manual",
		InstallationID: req.InstallationID,
		AccountLogin:   req.AccountLogin,
		Repo:           req.Repo,
		IssueNumber:    req.IssueNumber,
		Title:          req.Title,
		Body:           req.Body,
		Comment:        "/fix", // operator injection skips classification
	})
	if err != nil {
		s.logger.Error("manual enqueue failed", "repo", req.Repo, "issue", req.IssueNumber, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	status := http.StatusAccepted
	if !decision.Accepted {
		status = http.StatusForbidden
	}
	writeJSON(w, status, decision)
}

func (s *Server) recordCallbackMetric(r *http.Request, outcome string) {
	_ = outcome
	if s.cfg.Metrics != nil && s.cfg.Metrics.CallbackResults != nil {
		s.cfg.Metrics.CallbackResults.Add(r.Context(), 1)
	}
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return readAllLimited(r)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
