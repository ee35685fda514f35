package executors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"autopilot/internal/execution"
)

// ActionWebhook is the action type served by Webhook.
const ActionWebhook = "webhook"

const maxResponseBody = 4 << 10

// Webhook POSTs the draft payload's body to a URL. Unreachable hosts and non-2xx responses are
// structured failures; only a broken request build is an error.
type Webhook struct {
	client       *http.Client
	allowedHosts map[string]bool
}

// NewWebhook builds the executor. An empty allow-list permits any host.
func NewWebhook(timeout time.Duration, allowedHosts []string) *Webhook {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	allowed := make(map[string]bool, len(allowedHosts))
	for _, h := range allowedHosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			allowed[h] = true
		}
	}
	return &Webhook{
		client:       &http.Client{Timeout: timeout},
		allowedHosts: allowed,
	}
}

func (w *Webhook) Execute(ctx context.Context, req execution.Request) (execution.Result, error) {
	rawURL, _ := req.Payload["url"].(string)
	target, err := w.validateURL(rawURL)
	if err != nil {
		return execution.Failed("%v", err), nil
	}

	body := req.Payload["body"]
	if body == nil {
		body = map[string]any{
			"tenant":      req.Tenant,
			"draft_id":    req.DraftID,
			"action_type": req.ActionType,
		}
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return execution.Failed("encode webhook body: %v", err), nil
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(encoded))
	if err != nil {
		return execution.Result{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.DraftID)
	if headers, ok := req.Payload["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				httpReq.Header.Set(k, s)
			}
		}
	}

	resp, err := w.client.Do(httpReq)
	if err != nil {
		return execution.Failed("webhook request: %v", err), nil
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))

	out := map[string]any{"status_code": resp.StatusCode}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		res := execution.Failed("webhook returned status %d", resp.StatusCode)
		out["response"] = string(snippet)
		res.Output = out
		return res, nil
	}
	return execution.Result{Success: true, Output: out}, nil
}

func (w *Webhook) validateURL(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, fmt.Errorf("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("url has no host")
	}
	if len(w.allowedHosts) > 0 && !w.allowedHosts[strings.ToLower(u.Hostname())] {
		return nil, fmt.Errorf("host %q is not allowed", u.Hostname())
	}
	return u, nil
}
