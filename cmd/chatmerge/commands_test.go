package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/chatmerge/internal/conversation"
	"github.com/kalambet/chatmerge/internal/platform"
	"github.com/kalambet/chatmerge/internal/relay"
	"github.com/kalambet/chatmerge/internal/storage"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Origin string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Origin: r.Header.Get("Origin"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"success":false,"error":"Conversation not found"}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		httpClient: ts.server.Client(),
	}
}

var ctx = context.Background()

const chatgptSnapshot = `<!-- saved from url=(0033)https://chatgpt.com/c/abc-123 -->
<html><head><title>ChatGPT</title></head><body><main>
<h1>ChatGPT - Go channels</h1>
<div data-message-author-role="user" data-message-id="m1"><div class="whitespace-pre-wrap">How do channels work?</div></div>
<div data-message-author-role="assistant" data-message-id="m2"><div class="markdown"><p>Like pipes.</p></div></div>
</main></body></html>`

func TestConversationsList(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /api/conversations": `{"success":true,"data":[{"id":"c1","title":"Go channels","platform":"chatgpt","messages":[],"updatedAt":"2024-05-01T10:00:00Z","metadata":{"messageCount":2}}]}`,
	})

	client := ts.client()
	resp, err := client.get(ctx, "/api/conversations?folder=root")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var convs []storage.DBConversation
	if err := decodeJSON(resp, &convs); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if len(convs) != 1 {
		t.Fatalf("expected 1 conversation, got %d", len(convs))
	}
	if convs[0].Platform != platform.ChatGPT {
		t.Errorf("platform = %q, want chatgpt", convs[0].Platform)
	}
	if convs[0].Metadata.MessageCount != 2 {
		t.Errorf("messageCount = %d, want 2", convs[0].Metadata.MessageCount)
	}
	if ts.requests[0].Path != "/api/conversations?folder=root" {
		t.Errorf("path = %q", ts.requests[0].Path)
	}
}

func TestFolderCreateBody(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /api/folders": `{"success":true,"data":{"id":"f2","name":"Work","parentId":"f1"}}`,
	})

	parent := "f1"
	resp, err := ts.client().post(ctx, "/api/folders", storage.DBFolder{Name: "Work", ParentID: &parent})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var f storage.DBFolder
	if err := decodeJSON(resp, &f); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if f.ID != "f2" {
		t.Errorf("id = %q, want f2", f.ID)
	}

	var sent map[string]any
	if err := json.Unmarshal([]byte(ts.requests[0].Body), &sent); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if sent["name"] != "Work" || sent["parentId"] != "f1" {
		t.Errorf("body = %v", sent)
	}
}

func TestImportSendsRawBody(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /api/import": `{"success":true,"data":{"totalConversations":1,"importedConversations":1,"errors":[]}}`,
	})

	raw := json.RawMessage(`{"version":"1.0","conversations":[],"folders":[]}`)
	resp, err := ts.client().post(ctx, "/api/import?strategy=merge", raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var res storage.ImportResult
	if err := decodeJSON(resp, &res); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if res.ImportedConversations != 1 {
		t.Errorf("importedConversations = %d, want 1", res.ImportedConversations)
	}
	if ts.requests[0].Body != string(raw) {
		t.Errorf("body = %q, want it forwarded unchanged", ts.requests[0].Body)
	}
}

func TestExportReadRaw(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /api/export": `{"version":"1.0","conversations":[]}`,
	})

	resp, err := ts.client().get(ctx, "/api/export")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data, err := readRaw(resp)
	if err != nil {
		t.Fatalf("readRaw: %v", err)
	}
	if !strings.HasPrefix(string(data), `{"version":"1.0"`) {
		t.Errorf("export = %s", data)
	}

	resp, err = ts.client().get(ctx, "/api/missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := readRaw(resp); err == nil {
		t.Error("expected error for 404")
	}
}

func TestSearchPathEncoding(t *testing.T) {
	path := searchPath([]string{"go", "&", "python"}, "chatgpt,gemini", 5)
	if strings.Contains(path, "& python") {
		t.Errorf("query not URL-encoded: %q", path)
	}
	for _, want := range []string{"q=go+%26+python", "platform=chatgpt%2Cgemini", "limit=5"} {
		if !strings.Contains(path, want) {
			t.Errorf("path %q missing %q", path, want)
		}
	}

	if p := searchPath([]string{"x"}, "", 0); p != "/api/search?q=x" {
		t.Errorf("searchPath = %q, want /api/search?q=x", p)
	}
}

func TestSearchCommand_MissingArgs(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"search"})
	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected error for missing args")
	}
	if !strings.Contains(err.Error(), "requires at least 1 arg") {
		t.Errorf("error = %q", err.Error())
	}
}

func TestImportCommand_BadStrategy(t *testing.T) {
	defer func() {
		rootCmd.SetArgs(nil)
		importCmd.Flags().Set("strategy", "merge")
	}()

	rootCmd.SetArgs([]string{"import", "whatever.json", "--strategy", "clobber"})
	if err := rootCmd.Execute(); err == nil {
		t.Fatal("expected error for unknown strategy")
	}
}

func TestStatusCommand_Stopped(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	ts.server.Close()

	_, err := ts.client().get(ctx, "/health")
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestDecodeJSON_ErrorResponse(t *testing.T) {
	ts := newTestServer(t, map[string]string{})

	resp, err := ts.client().get(ctx, "/api/conversations/nope")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err = decodeJSON(resp, nil)
	if err == nil {
		t.Fatal("expected error for 404")
	}
	if !strings.Contains(err.Error(), "404") || !strings.Contains(err.Error(), "Conversation not found") {
		t.Errorf("error = %q", err.Error())
	}
}

func TestDecodeJSON_UnsuccessfulEnvelope(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /api/sync": `{"success":false,"error":"Unknown message type"}`,
	})

	resp, err := ts.client().post(ctx, "/api/sync", map[string]string{"type": "X"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := decodeJSON(resp, nil); err == nil || !strings.Contains(err.Error(), "Unknown message type") {
		t.Errorf("err = %v, want Unknown message type", err)
	}
}

func TestDecodeJSON_NonJSONError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(502)
		w.Write([]byte("bad gateway"))
	}))
	defer ts.Close()

	resp, err := http.Get(ts.URL)
	if err != nil {
		t.Fatal(err)
	}
	err = decodeJSON(resp, nil)
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Errorf("err = %v, want 502", err)
	}
}

func TestExtractFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.html")
	if err := os.WriteFile(path, []byte(chatgptSnapshot), 0o644); err != nil {
		t.Fatal(err)
	}

	conv, err := extractFile(path, "")
	if err != nil {
		t.Fatalf("extractFile: %v", err)
	}
	if conv == nil {
		t.Fatal("extractFile returned nil")
	}
	if conv.Platform != platform.ChatGPT {
		t.Errorf("platform = %q, want chatgpt", conv.Platform)
	}
	if conv.Title != "Go channels" {
		t.Errorf("title = %q, want %q", conv.Title, "Go channels")
	}
	if len(conv.Messages) != 2 {
		t.Errorf("len(messages) = %d, want 2", len(conv.Messages))
	}

	if _, err := extractFile(filepath.Join(t.TempDir(), "missing.html"), ""); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestRelayClientSend(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /relay/message": `{"success":true,"data":{"queued":false}}`,
	})

	path := filepath.Join(t.TempDir(), "chat.html")
	if err := os.WriteFile(path, []byte(chatgptSnapshot), 0o644); err != nil {
		t.Fatal(err)
	}
	conv, err := extractFile(path, "")
	if err != nil || conv == nil {
		t.Fatalf("extractFile: %v", err)
	}

	rc := &relayClient{url: ts.server.URL + "/relay/message", httpClient: &http.Client{Timeout: 5 * time.Second}}
	if _, err := rc.send(ctx, relay.TypeConversationDetected, conv); err != nil {
		t.Fatalf("send: %v", err)
	}

	var env relay.Envelope
	if err := json.Unmarshal([]byte(ts.requests[0].Body), &env); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if env.Type != relay.TypeConversationDetected {
		t.Errorf("type = %q, want %q", env.Type, relay.TypeConversationDetected)
	}
	if env.Platform != platform.ChatGPT {
		t.Errorf("platform = %q, want chatgpt", env.Platform)
	}
	if env.Timestamp == 0 {
		t.Error("timestamp not set")
	}
}

func TestRelayClientRejected(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /relay/message": `{"success":false,"error":"invalid conversation"}`,
	})

	rc := &relayClient{url: ts.server.URL + "/relay/message", httpClient: ts.server.Client()}
	conv := conversation.New(platform.Grok, "x", "https://grok.com/chat/1", nil, conversation.Metadata{}, time.Now())
	_, err := rc.send(ctx, relay.TypeConversationUpdated, conv)
	if err == nil || !strings.Contains(err.Error(), "invalid conversation") {
		t.Errorf("err = %v, want relay rejection", err)
	}
}

func TestWriteTree(t *testing.T) {
	old := noColor
	noColor = true
	defer func() { noColor = old }()

	tree := []storage.FolderNode{{
		DBFolder: storage.DBFolder{ID: "f1", Name: "Work", ConversationCount: 2},
		Children: []storage.FolderNode{{DBFolder: storage.DBFolder{ID: "f2", Name: "Go"}}},
	}}

	var buf bytes.Buffer
	writeTree(&buf, tree, 0)
	want := "f1  Work (2)\n  f2  Go (0)\n"
	if buf.String() != want {
		t.Errorf("tree = %q, want %q", buf.String(), want)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("a  b\n c", 10); got != "a b c" {
		t.Errorf("truncate = %q, want %q", got, "a b c")
	}
	if got := truncate("héllo world", 5); got != "héllo..." {
		t.Errorf("truncate = %q, want %q", got, "héllo...")
	}
}
