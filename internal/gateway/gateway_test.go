package gateway_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/basket/fixwell/internal/admission"
	"github.com/basket/fixwell/internal/persistence"
	"github.com/basket/fixwell/internal/reconcile"
)

func doJSON(env *testEnv, method, path, token string, payload any) *httptest.ResponseRecorder {
	var body bytes.Buffer
	if payload != nil {
		_ = json.NewEncoder(&body).Encode(payload)
	}
	req := httptest.NewRequest(method, path, &body)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	return rec
}

// admitIssue pushes a bug through the webhook and returns the run ID.
func admitIssue(t *testing.T, env *testEnv, issue int) string {
	t.Helper()
	body := issuePayload(issue, "crash on save")
	rec := postWebhook(env, body, map[string]string{
		"X-Hub-Signature-256": sign(testSecret, body),
		"X-GitHub-Event":      "issues",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("admit issue %d: got %d: %s", issue, rec.Code, rec.Body.String())
	}
	var decision admission.Decision
	if err := json.Unmarshal(rec.Body.Bytes(), &decision); err != nil {
		t.Fatalf("decode decision: %v", err)
	}
	return decision.RunID
}

func TestCallback_RequiresBearerToken(t *testing.T) {
	env := newTestEnv(t)

	report := reconcile.Report{InstallationID: 42, Repo: "acme/widgets", IssueNumber: 1, Status: persistence.RunStatusSuccess}
	rec := doJSON(env, http.MethodPost, "/api/callback", "", report)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: expected 401, got %d", rec.Code)
	}
	rec = doJSON(env, http.MethodPost, "/api/callback", "wrong-token", report)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: expected 401, got %d", rec.Code)
	}
}

func TestCallback_FinalizesOnceAndCountsUsageOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	runID := admitIssue(t, env, 21)

	// The report identifies the run by its issue triple, the way an
	// external agent that never saw the run id would.
	report := reconcile.Report{
		InstallationID: 42,
		Repo:           "acme/widgets",
		IssueNumber:    21,
		Status:         persistence.RunStatusSuccess,
		PRNumber:       101,
	}
	rec := doJSON(env, http.MethodPost, "/api/callback", testToken, report)
	if rec.Code != http.StatusOK {
		t.Fatalf("first report: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var result reconcile.Result
	_ = json.Unmarshal(rec.Body.Bytes(), &result)
	if result.Outcome != reconcile.OutcomeFinalized || result.Status != persistence.RunStatusSuccess {
		t.Fatalf("unexpected result: %+v", result)
	}
	run, err := env.store.GetRun(ctx, runID)
	if err != nil || run == nil {
		t.Fatalf("run missing: %v", err)
	}
	if run.Status != persistence.RunStatusSuccess || run.PRNumber != 101 {
		t.Fatalf("unexpected run after callback: %+v", run)
	}

	// Redelivered report lands on the already-final run and must not
	// double-count the merged fix.
	rec = doJSON(env, http.MethodPost, "/api/callback", testToken, report)
	if rec.Code != http.StatusOK {
		t.Fatalf("redelivery: expected 200, got %d", rec.Code)
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &result)
	if result.Outcome != reconcile.OutcomeAlreadyFinal {
		t.Fatalf("expected already_final, got %+v", result)
	}

	used, err := env.store.UsageCount(ctx, 42, persistence.UsageMonth(time.Now()))
	if err != nil {
		t.Fatalf("usage count: %v", err)
	}
	if used != 1 {
		t.Fatalf("expected usage 1 after redelivery, got %d", used)
	}
}

func TestCallback_UnknownRun(t *testing.T) {
	env := newTestEnv(t)

	report := reconcile.Report{
		InstallationID: 42,
		Repo:           "acme/widgets",
		IssueNumber:    99,
		Status:         persistence.RunStatusFailed,
		ErrorMessage:   "boom",
	}
	rec := doJSON(env, http.MethodPost, "/api/callback", testToken, report)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
	var result reconcile.Result
	_ = json.Unmarshal(rec.Body.Bytes(), &result)
	if result.Outcome != reconcile.OutcomeUnknownRun {
		t.Fatalf("expected unknown_run, got %+v", result)
	}
}

func TestCallback_SchemaRejectsBadReports(t *testing.T) {
	env := newTestEnv(t)

	// Missing the issue identity.
	rec := doJSON(env, http.MethodPost, "/api/callback", testToken, map[string]any{"status": "success"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing issue identity, got %d", rec.Code)
	}
	// Status outside the terminal vocabulary.
	rec = doJSON(env, http.MethodPost, "/api/callback", testToken, map[string]any{
		"installation_id": 42, "repo": "acme/widgets", "issue_number": 1, "status": "done",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status, got %d", rec.Code)
	}
}

func TestEnqueue_ManualInjection(t *testing.T) {
	env := newTestEnv(t)

	payload := map[string]any{
		"installation_id": 42,
		"account_login":   "acme",
		"repo":            "acme/widgets",
		"issue_number":    31,
		"title":           "please add csv export",
	}
	if rec := doJSON(env, http.MethodPost, "/api/enqueue", "", payload); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: expected 401, got %d", rec.Code)
	}

	rec := doJSON(env, http.MethodPost, "/api/enqueue", testToken, payload)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var decision admission.Decision
	_ = json.Unmarshal(rec.Body.Bytes(), &decision)
	if !decision.Accepted {
		t.Fatalf("manual injection should bypass classification, got %+v", decision)
	}

	if rec := doJSON(env, http.MethodPost, "/api/enqueue", testToken, map[string]any{"repo": "acme/widgets"}); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing fields: expected 400, got %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)

	rec := doJSON(env, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var health map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &health)
	if health["healthy"] != true || health["config_fingerprint"] != "cfg-test" {
		t.Fatalf("unexpected health payload: %v", health)
	}
}

func TestMetrics_RequiresTokenAndReportsQueue(t *testing.T) {
	env := newTestEnv(t)
	admitIssue(t, env, 41)

	if rec := doJSON(env, http.MethodGet, "/metrics", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: expected 401, got %d", rec.Code)
	}
	rec := doJSON(env, http.MethodGet, "/metrics", testToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var metrics map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &metrics)
	if metrics["queued_tasks"] != float64(1) {
		t.Fatalf("expected one queued task, got %v", metrics["queued_tasks"])
	}
}

func TestRuns_ListAndGet(t *testing.T) {
	env := newTestEnv(t)
	runID := admitIssue(t, env, 51)

	rec := doJSON(env, http.MethodGet, "/api/runs", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list runs: expected 200, got %d", rec.Code)
	}
	var list struct {
		Runs []persistence.Run `json:"runs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode runs: %v", err)
	}
	if len(list.Runs) != 1 || list.Runs[0].ID != runID {
		t.Fatalf("unexpected runs list: %+v", list.Runs)
	}

	rec = doJSON(env, http.MethodGet, "/api/runs/"+runID, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get run: expected 200, got %d", rec.Code)
	}
	if rec = doJSON(env, http.MethodGet, "/api/runs/missing", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("missing run: expected 404, got %d", rec.Code)
	}
}

func TestStats_Endpoint(t *testing.T) {
	env := newTestEnv(t)
	runID := admitIssue(t, env, 61)
	report := reconcile.Report{
		InstallationID: 42,
		Repo:           "acme/widgets",
		IssueNumber:    61,
		Status:         persistence.RunStatusSuccess,
		PRNumber:       7,
		RunID:          runID,
	}
	if rec := doJSON(env, http.MethodPost, "/api/callback", testToken, report); rec.Code != http.StatusOK {
		t.Fatalf("finalize: got %d", rec.Code)
	}

	rec := doJSON(env, http.MethodGet, "/api/stats", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var stats persistence.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Installations != 1 || stats.TotalRuns != 1 || stats.PRsCreated != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}
