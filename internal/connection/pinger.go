package connection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kalambet/chatmerge/internal/relay"
)

// Pinger performs one heartbeat round trip.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HTTPPinger sends an external PING envelope to the relay, presenting the
// web application's origin.
type HTTPPinger struct {
	url    string
	origin string
	client *http.Client
}

// NewHTTPPinger targets <relayURL>/relay/external.
func NewHTTPPinger(relayURL, origin string) *HTTPPinger {
	return &HTTPPinger{
		url:    strings.TrimRight(relayURL, "/") + "/relay/external",
		origin: strings.TrimRight(origin, "/"),
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

func (p *HTTPPinger) Ping(ctx context.Context) error {
	env, err := relay.NewEnvelope(relay.TypePing, nil)
	if err != nil {
		return err
	}
	env.Timestamp = time.Now().UnixMilli()
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding ping: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", p.origin)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("relay unreachable: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("reading ping response: %w", err)
	}
	var out relay.Response
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("decoding ping response (%s): %w", resp.Status, err)
	}
	if !out.Success {
		return fmt.Errorf("ping rejected: %s", out.Error)
	}
	return nil
}
