package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kalambet/chatmerge/internal/config"
)

// apiClient talks to the local web application API. There is no auth: the
// server only listens on loopback.
type apiClient struct {
	baseURL    string
	httpClient *http.Client
}

var newAPIClient = func() (*apiClient, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return &apiClient{
		baseURL:    fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// do sends body as JSON. A json.RawMessage body is forwarded untouched.
func (c *apiClient) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var payload io.Reader
	if body != nil {
		raw, isRaw := body.(json.RawMessage)
		if !isRaw {
			var err error
			if raw, err = json.Marshal(body); err != nil {
				return nil, fmt.Errorf("encoding request: %w", err)
			}
		}
		payload = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("server not reachable, is chatmerge running? (%w)", err)
	}
	return resp, nil
}

func (c *apiClient) get(ctx context.Context, path string) (*http.Response, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

func (c *apiClient) post(ctx context.Context, path string, body any) (*http.Response, error) {
	return c.do(ctx, http.MethodPost, path, body)
}

// call performs one request and decodes the envelope's data into out, which
// may be nil.
func (c *apiClient) call(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	return decodeJSON(resp, out)
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

// decodeJSON unwraps the {success, data, error} envelope into v.
func decodeJSON(resp *http.Response, v any) error {
	body, err := readBody(resp)
	if err != nil {
		return err
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		if resp.StatusCode >= 400 {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
		}
		return fmt.Errorf("decoding response: %w", err)
	}
	switch {
	case (resp.StatusCode >= 400 || !env.Success) && env.Error != "":
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, env.Error)
	case resp.StatusCode >= 400 || !env.Success:
		return fmt.Errorf("server returned %d", resp.StatusCode)
	case v == nil || len(env.Data) == 0:
		return nil
	}
	return json.Unmarshal(env.Data, v)
}

// readRaw returns the body of a non-enveloped response such as an export.
func readRaw(resp *http.Response) ([]byte, error) {
	body, err := readBody(resp)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	return body, nil
}

func readBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("server returned %d (failed to read body: %w)", resp.StatusCode, err)
	}
	return body, nil
}
