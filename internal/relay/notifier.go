package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// WebAppNotifier posts envelopes to the web application's sync endpoint.
type WebAppNotifier struct {
	url    string
	client *http.Client
}

// NewWebAppNotifier targets <baseURL>/api/sync.
func NewWebAppNotifier(baseURL string) *WebAppNotifier {
	return &WebAppNotifier{
		url:    strings.TrimRight(baseURL, "/") + "/api/sync",
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Notify succeeds only on a 2xx reply whose body reports success.
func (n *WebAppNotifier) Notify(ctx context.Context, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting to web app: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading web app response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("web app returned %s: %s", resp.Status, strings.TrimSpace(string(raw)))
	}
	var out Response
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("decoding web app response: %w", err)
	}
	if !out.Success {
		return fmt.Errorf("web app rejected %s: %s", env.Type, out.Error)
	}
	return nil
}
