package consumer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/basket/fixwell/internal/reconcile"
)

// HTTPSender posts outcome reports to the callback endpoint with bearer
// authentication. In a single-process deployment this is a loopback call,
// but it keeps the reconciliation path identical for external agents.
type HTTPSender struct {
	url    string
	token  string
	client *http.Client
}

func NewHTTPSender(url, token string) *HTTPSender {
	return &HTTPSender{
		url:    url,
		token:  token,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *HTTPSender) Send(ctx context.Context, report reconcile.Report) error {
	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.token)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post callback: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("callback returned %d: %s", resp.StatusCode, string(detail))
	}
	return nil
}

// LocalSender applies reports directly to a reconciler, bypassing HTTP.
// Used in tests and as a fallback when no callback URL is configured.
type LocalSender struct {
	reconciler *reconcile.Reconciler
}

func NewLocalSender(reconciler *reconcile.Reconciler) *LocalSender {
	return &LocalSender{reconciler: reconciler}
}

func (s *LocalSender) Send(ctx context.Context, report reconcile.Report) error {
	_, err := s.reconciler.Reconcile(ctx, report)
	return err
}
