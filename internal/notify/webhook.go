package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/JakeFAU/site-audit-pipeline/internal/audit"
	"github.com/JakeFAU/site-audit-pipeline/internal/clock"
)

const defaultWebhookTimeout = 10 * time.Second

// Webhook POSTs each event as JSON to a fixed URL.
type Webhook struct {
	url    string
	client *http.Client
	clock  audit.Clock
}

// NewWebhook constructs a Webhook sink. clk may be nil.
func NewWebhook(url string, timeout time.Duration, clk audit.Clock) (*Webhook, error) {
	if strings.TrimSpace(url) == "" {
		return nil, &audit.ConfigError{Key: "notify.webhook_url"}
	}
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Webhook{url: url, client: &http.Client{Timeout: timeout}, clock: clk}, nil
}

// NotifySuccess posts a success event.
func (w *Webhook) NotifySuccess(ctx context.Context, stage string, result map[string]any) error {
	return w.post(ctx, successEvent(stage, result, w.clock.Now()))
}

// NotifyFailure posts a failure event.
func (w *Webhook) NotifyFailure(ctx context.Context, stage string, err error) error {
	return w.post(ctx, failureEvent(stage, err, w.clock.Now()))
}

func (w *Webhook) post(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
