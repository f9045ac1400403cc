package gateway_test

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/basket/fixwell/internal/admission"
	"github.com/basket/fixwell/internal/config"
	"github.com/basket/fixwell/internal/gateway"
	"github.com/basket/fixwell/internal/persistence"
	"github.com/basket/fixwell/internal/reconcile"
)

const (
	testSecret = "test-webhook-secret"
	testToken  = "test-bearer-token"
)

type testEnv struct {
	store   *persistence.Store
	handler http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithRateLimit(t, config.RateLimitConfig{})
}

func newTestEnvWithRateLimit(t *testing.T, rl config.RateLimitConfig) *testEnv {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "fixwell.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	server, err := gateway.New(gateway.Config{
		Store:             store,
		Admitter:          admission.New(store, 5, nil),
		Reconciler:        reconcile.New(store, nil),
		WebhookSecret:     testSecret,
		AuthToken:         testToken,
		ConfigFingerprint: "cfg-test",
		RateLimit:         rl,
	})
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	return &testEnv{store: store, handler: server.Handler()}
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func issuePayload(issue int, title string) []byte {
	return []byte(fmt.Sprintf(`{
		"action": "opened",
		"issue": {"number": %d, "title": %q, "body": "steps to reproduce", "labels": [{"name": "bug"}]},
		"repository": {"full_name": "acme/widgets"},
		"installation": {"id": 42, "account": {"login": "acme"}}
	}`, issue, title))
}

func postWebhook(env *testEnv, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	return rec
}

func TestVerifyWebhookSignature(t *testing.T) {
	body := []byte(`{"hello":"world"}`)
	valid := sign(testSecret, body)

	if !gateway.VerifyWebhookSignature(testSecret, body, valid) {
		t.Fatal("valid signature rejected")
	}
	// Flip one hex digit.
	mutated := []byte(valid)
	if mutated[len(mutated)-1] == 'a' {
		mutated[len(mutated)-1] = 'b'
	} else {
		mutated[len(mutated)-1] = 'a'
	}
	if gateway.VerifyWebhookSignature(testSecret, body, string(mutated)) {
		t.Fatal("single-byte mutation accepted")
	}
	if gateway.VerifyWebhookSignature("", body, valid) {
		t.Fatal("empty secret must fail closed")
	}
	if gateway.VerifyWebhookSignature(testSecret, body, "") {
		t.Fatal("empty signature accepted")
	}
	if gateway.VerifyWebhookSignature("wrong-secret", body, valid) {
		t.Fatal("signature accepted under wrong secret")
	}
}

func TestWebhook_RejectsBadSignature(t *testing.T) {
	env := newTestEnv(t)
	body := issuePayload(1, "crash on save")

	rec := postWebhook(env, body, map[string]string{
		"X-Hub-Signature-256": "sha256=deadbeef",
		"X-GitHub-Event":      "issues",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if depth, _ := env.store.QueueDepth(context.Background()); depth != 0 {
		t.Fatalf("unauthenticated delivery enqueued a task, depth=%d", depth)
	}
}

func TestWebhook_AdmitsBugIssue(t *testing.T) {
	env := newTestEnv(t)
	body := issuePayload(7, "crash on save")

	rec := postWebhook(env, body, map[string]string{
		"X-Hub-Signature-256": sign(testSecret, body),
		"X-GitHub-Event":      "issues",
		"X-GitHub-Delivery":   "d-accept-1",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var decision admission.Decision
	if err := json.Unmarshal(rec.Body.Bytes(), &decision); err != nil {
		t.Fatalf("decode decision: %v", err)
	}
	if !decision.Accepted || decision.RunID == "" || decision.TaskKey == "" {
		t.Fatalf("unexpected decision: %+v", decision)
	}

	run, err := env.store.GetRun(context.Background(), decision.RunID)
	if err != nil || run == nil {
		t.Fatalf("run missing: %v", err)
	}
	if run.Repo != "acme/widgets" || run.IssueNumber != 7 {
		t.Fatalf("unexpected run: %+v", run)
	}
}

func TestWebhook_DuplicateDeliveryIgnored(t *testing.T) {
	env := newTestEnv(t)
	body := issuePayload(8, "crash on save")
	headers := map[string]string{
		"X-Hub-Signature-256": sign(testSecret, body),
		"X-GitHub-Event":      "issues",
		"X-GitHub-Delivery":   "d-dup-1",
	}

	if rec := postWebhook(env, body, headers); rec.Code != http.StatusAccepted {
		t.Fatalf("first delivery: expected 202, got %d", rec.Code)
	}
	rec := postWebhook(env, body, headers)
	if rec.Code != http.StatusOK {
		t.Fatalf("redelivery: expected 200, got %d", rec.Code)
	}
	var resp map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["status"] != "duplicate_delivery" {
		t.Fatalf("expected duplicate_delivery, got %v", resp)
	}
	if depth, _ := env.store.QueueDepth(context.Background()); depth != 1 {
		t.Fatalf("redelivery changed the queue, depth=%d", depth)
	}
}

func TestWebhook_PingPong(t *testing.T) {
	env := newTestEnv(t)
	body := []byte(`{"zen": "Keep it logically awesome."}`)

	rec := postWebhook(env, body, map[string]string{
		"X-Hub-Signature-256": sign(testSecret, body),
		"X-GitHub-Event":      "ping",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["status"] != "pong" {
		t.Fatalf("expected pong, got %v", resp)
	}
}

func TestWebhook_IgnoresUnrelatedEvent(t *testing.T) {
	env := newTestEnv(t)
	body := []byte(`{"ref": "refs/heads/main"}`)

	rec := postWebhook(env, body, map[string]string{
		"X-Hub-Signature-256": sign(testSecret, body),
		"X-GitHub-Event":      "push",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["status"] != "ignored" {
		t.Fatalf("expected ignored, got %v", resp)
	}
}

func TestWebhook_OnlyOpenedIssuesAdmit(t *testing.T) {
	env := newTestEnv(t)

	// reopened and labeled would re-enqueue an issue on every event, so
	// only opened gets through.
	for _, action := range []string{"closed", "reopened", "labeled", "edited"} {
		body := []byte(fmt.Sprintf(`{
			"action": %q,
			"issue": {"number": 9, "title": "crash on save", "labels": [{"name": "bug"}]},
			"repository": {"full_name": "acme/widgets"},
			"installation": {"id": 42}
		}`, action))

		rec := postWebhook(env, body, map[string]string{
			"X-Hub-Signature-256": sign(testSecret, body),
			"X-GitHub-Event":      "issues",
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("action %s: expected 200, got %d", action, rec.Code)
		}
		var resp map[string]string
		_ = json.Unmarshal(rec.Body.Bytes(), &resp)
		if resp["status"] != "ignored" {
			t.Fatalf("action %s: expected ignored, got %v", action, resp)
		}
	}
	if depth, _ := env.store.QueueDepth(context.Background()); depth != 0 {
		t.Fatalf("non-opened action enqueued a task, depth=%d", depth)
	}
}

func TestWebhook_SchemaRejectsMalformedPayload(t *testing.T) {
	env := newTestEnv(t)
	// Signed correctly but missing the installation block.
	body := []byte(`{
		"action": "opened",
		"issue": {"number": 10, "title": "crash on save"},
		"repository": {"full_name": "acme/widgets"}
	}`)

	rec := postWebhook(env, body, map[string]string{
		"X-Hub-Signature-256": sign(testSecret, body),
		"X-GitHub-Event":      "issues",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestWebhook_CommentCommandAdmitsNonBug(t *testing.T) {
	env := newTestEnv(t)
	body := []byte(`{
		"action": "created",
		"issue": {"number": 11, "title": "please add csv export"},
		"comment": {"body": "/fix"},
		"repository": {"full_name": "acme/widgets"},
		"installation": {"id": 42, "account": {"login": "acme"}}
	}`)

	rec := postWebhook(env, body, map[string]string{
		"X-Hub-Signature-256": sign(testSecret, body),
		"X-GitHub-Event":      "issue_comment",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestWebhook_PlainCommentIsDropped(t *testing.T) {
	env := newTestEnv(t)
	// Bug-flavored issue, but the comment carries no fix command: the
	// conversation under an issue must not spawn a run per comment.
	body := []byte(`{
		"action": "created",
		"issue": {"number": 12, "title": "TypeError: cannot read property of undefined"},
		"comment": {"body": "thanks for reporting, I hit this too"},
		"repository": {"full_name": "acme/widgets"},
		"installation": {"id": 42, "account": {"login": "acme"}}
	}`)

	rec := postWebhook(env, body, map[string]string{
		"X-Hub-Signature-256": sign(testSecret, body),
		"X-GitHub-Event":      "issue_comment",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["status"] != "skipped" || resp["reason"] != "not_bug" {
		t.Fatalf("expected skipped/not_bug, got %v", resp)
	}
	if depth, _ := env.store.QueueDepth(context.Background()); depth != 0 {
		t.Fatalf("plain comment enqueued a task, depth=%d", depth)
	}
}
