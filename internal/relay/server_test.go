package relay

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func newTestServer(t *testing.T) (*httptest.Server, *Relay) {
	t.Helper()
	rl, _ := newTestRelay(t, &mockNotifier{})
	reg := prometheus.NewRegistry()
	rl.metrics = NewMetrics(reg)
	srv := httptest.NewServer(NewHandler(rl, reg))
	t.Cleanup(srv.Close)
	return srv, rl
}

func postJSON(t *testing.T, url, origin, body string) (*http.Response, Response) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return resp, out
}

func TestHTTPMessageBadJSON(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, out := postJSON(t, srv.URL+"/relay/message", "", `{not json`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	if out.Success || out.Error == "" {
		t.Errorf("body = %+v", out)
	}
}

func TestHTTPMessageUnknownType(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, out := postJSON(t, srv.URL+"/relay/message", "", `{"type":"UNKNOWN_X","timestamp":1}`)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if out.Error != "Unknown message type" {
		t.Errorf("error = %q", out.Error)
	}
}

func TestHTTPExternalUsesOriginHeader(t *testing.T) {
	srv, _ := newTestServer(t)

	_, out := postJSON(t, srv.URL+"/relay/external", "https://evil.example", `{"type":"GET_CONVERSATIONS"}`)
	if out.Error != "Unauthorized origin" {
		t.Errorf("evil origin: %+v", out)
	}

	resp, out := postJSON(t, srv.URL+"/relay/external", "http://localhost:3000", `{"type":"PING"}`)
	if !out.Success {
		t.Errorf("trusted origin: %+v", out)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
}

func TestHTTPPreflight(t *testing.T) {
	srv, _ := newTestServer(t)

	preflight := func(origin string) *http.Response {
		t.Helper()
		req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/relay/external", nil)
		req.Header.Set("Origin", origin)
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		req.Header.Set("Access-Control-Request-Headers", "Content-Type")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		return resp
	}

	resp := preflight("https://localhost:3000")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://localhost:3000" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
	if got := resp.Header.Get("Access-Control-Allow-Methods"); got != http.MethodPost {
		t.Errorf("Access-Control-Allow-Methods = %q, want POST", got)
	}

	resp = preflight("https://evil.example")
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("untrusted origin allowed: %q", got)
	}
}

func TestHTTPTabFlow(t *testing.T) {
	srv, rl := newTestServer(t)

	_, out := postJSON(t, srv.URL+"/relay/tabs/9", "", `{"url":"https://chatgpt.com/c/q","title":"ChatGPT","status":"complete"}`)
	if !out.Success {
		t.Fatalf("tab update: %+v", out)
	}
	if rl.tab(9) == nil {
		t.Fatal("no session after tab update")
	}

	body, _ := json.Marshal(DOMSnapshot{HTML: chatPage("q", "a")})
	_, out = postJSON(t, srv.URL+"/relay/tabs/9/dom", "", string(body))
	if !out.Success {
		t.Errorf("snapshot: %+v", out)
	}

	resp, _ := postJSON(t, srv.URL+"/relay/tabs/10/dom", "", string(body))
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown tab status = %d, want 404", resp.StatusCode)
	}
	resp, _ = postJSON(t, srv.URL+"/relay/tabs/abc", "", `{}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad tab id status = %d, want 400", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/relay/tabs/9", nil)
	del, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	del.Body.Close()
	if del.StatusCode != http.StatusOK || rl.tab(9) != nil {
		t.Errorf("delete status = %d, session = %v", del.StatusCode, rl.tab(9))
	}
}

func TestHTTPMetrics(t *testing.T) {
	srv, _ := newTestServer(t)
	postJSON(t, srv.URL+"/relay/message", "", `{"type":"PING"}`)

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	if !strings.Contains(buf.String(), `chatmerge_relay_messages_total{channel="internal",result="ok",type="PING"} 1`) {
		t.Errorf("metrics output missing PING counter:\n%s", buf.String())
	}
}

func TestWebAppNotifier(t *testing.T) {
	var got Envelope
	app := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/sync" {
			http.NotFound(w, r)
			return
		}
		json.NewDecoder(r.Body).Decode(&got)
		if got.Type == "REJECT" {
			w.Write([]byte(`{"success":false,"error":"nope"}`))
			return
		}
		w.Write([]byte(`{"success":true}`))
	}))
	defer app.Close()

	n := NewWebAppNotifier(app.URL + "/")
	if err := n.Notify(t.Context(), Envelope{Type: TypeSyncItem}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if got.Type != TypeSyncItem {
		t.Errorf("received type %q", got.Type)
	}
	if err := n.Notify(t.Context(), Envelope{Type: "REJECT"}); err == nil {
		t.Error("expected error for success:false reply")
	}

	down := NewWebAppNotifier("http://127.0.0.1:1")
	if err := down.Notify(t.Context(), Envelope{Type: TypeSyncItem}); err == nil {
		t.Error("expected error for unreachable web app")
	}
}
