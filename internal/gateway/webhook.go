package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/basket/fixwell/internal/admission"
	"github.com/basket/fixwell/internal/shared"
)

const (
	signatureHeader = "X-Hub-Signature-256"
	deliveryHeader  = "X-GitHub-Delivery"
	eventHeader     = "X-GitHub-Event"

	// deliveryWindow bounds the redelivery dedup memory.
	deliveryWindow = time.Hour
)

// VerifyWebhookSignature checks an HMAC-SHA256 webhook signature of the form
// "sha256=<lowercase hex>". Comparison is constant-time. An empty secret
// fails closed.
func VerifyWebhookSignature(secret string, body []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}

// webhookPayload is the subset of the platform event we act on.
type webhookPayload struct {
	Action string `json:"action"`
	Issue  struct {
		Number int    `json:"number"`
		Title  string `json:"title"`
		Body   string `json:"body"`
		Labels []struct {
			Name string `json:"name"`
		} `json:"labels"`
	} `json:"issue"`
	Comment struct {
		Body string `json:"body"`
	} `json:"comment"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	Installation struct {
		ID      int64 `json:"id"`
		Account struct {
			Login string `json:"login"`
		} `json:"account"`
	} `json:"installation"`
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := readBody(r)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if !VerifyWebhookSignature(s.cfg.WebhookSecret, body, r.Header.Get(signatureHeader)) {
		s.logger.Warn("webhook signature rejected", "remote", clientKey(r))
		s.recordReject(r, "unauthorized")
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	ctx := shared.WithTraceID(r.Context(), shared.NewTraceID())
	deliveryID := r.Header.Get(deliveryHeader)
	if deliveryID != "" {
		ctx = shared.WithDeliveryID(ctx, deliveryID)
		fresh, err := s.cfg.Store.RecordDelivery(ctx, deliveryID, deliveryWindow)
		if err != nil {
			s.logger.Error("delivery dedup failed", "delivery_id", deliveryID, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if !fresh {
			s.logger.Info("duplicate delivery ignored", "delivery_id", deliveryID)
			writeJSON(w, http.StatusOK, map[string]any{"status": "duplicate_delivery"})
			return
		}
	}

	event := r.Header.Get(eventHeader)
	switch event {
	case "ping":
		writeJSON(w, http.StatusOK, map[string]any{"status": "pong"})
		return
	case "issues", "issue_comment":
	default:
		writeJSON(w, http.StatusOK, map[string]any{"status": "ignored", "event": event})
		return
	}

	if err := s.schemas.validateWebhook(body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid payload", "detail": err.Error()})
		return
	}
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	// Only newly opened issues trigger admission. Reopens and label edits
	// would re-enqueue the same issue on every event, so they are
	// acknowledged and dropped; a /fix comment can still force a run.
	if event == "issues" && payload.Action != "opened" {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ignored", "action": payload.Action})
		return
	}
	if event == "issue_comment" && payload.Action != "created" {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ignored", "action": payload.Action})
		return
	}

	labels := make([]string, 0, len(payload.Issue.Labels))
	for _, l := range payload.Issue.Labels {
		labels = append(labels, l.Name)
	}
	issueEvent := admission.IssueEvent{
		Trigger:        admission.TriggerIssue,
		Action:         payload.Action,
		InstallationID: payload.Installation.ID,
		AccountLogin:   payload.Installation.Account.Login,
		Repo:           payload.Repository.FullName,
		IssueNumber:    payload.Issue.Number,
		Title:          payload.Issue.Title,
		Body:           payload.Issue.Body,
		Labels:         labels,
	}
	if event == "issue_comment" {
		issueEvent.Trigger = admission.TriggerComment
		issueEvent.Comment = payload.Comment.Body
	}

	decision, err := s.cfg.Admitter.Admit(ctx, issueEvent)
	if err != nil {
		s.logger.Error("admission failed",
			"delivery_id", deliveryID, "repo", issueEvent.Repo, "issue", issueEvent.IssueNumber, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if decision.Accepted {
		if s.cfg.Metrics != nil && s.cfg.Metrics.Admissions != nil {
			s.cfg.Metrics.Admissions.Add(ctx, 1)
		}
		writeJSON(w, http.StatusAccepted, decision)
		return
	}
	s.recordReject(r, decision.Reason)
	writeJSON(w, http.StatusOK, decision)
}

func (s *Server) recordReject(r *http.Request, reason string) {
	_ = reason
	if s.cfg.Metrics != nil && s.cfg.Metrics.AdmissionRejects != nil {
		s.cfg.Metrics.AdmissionRejects.Add(r.Context(), 1)
	}
}
