package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kalambet/chatmerge/internal/conversation"
	"github.com/kalambet/chatmerge/internal/extract"
	"github.com/kalambet/chatmerge/internal/platform"
	"github.com/kalambet/chatmerge/internal/state"
)

// StateStore is the extension state the relay reads and writes.
type StateStore interface {
	Settings() (state.Settings, error)
	UpdateSettings(fn func(*state.Settings)) (state.Settings, error)
	Enqueue(item state.SyncQueueItem) (state.SyncQueueItem, error)
	Queue() ([]state.SyncQueueItem, error)
	QueueLength() (int, error)
	CompleteDrain(succeeded []string, at time.Time) (state.Settings, error)
	PutCurrent(p platform.Platform, c *conversation.Conversation) error
	Current(p platform.Platform) (*conversation.Conversation, error)
	CacheConversation(c *conversation.Conversation) error
	Conversations() ([]conversation.Conversation, error)
}

// Notifier delivers an envelope to the web application.
type Notifier interface {
	Notify(ctx context.Context, env Envelope) error
}

// Publisher fans conversation events out to other subscribers.
type Publisher interface {
	PublishConversation(event string, c *conversation.Conversation) error
}

// Deps holds the relay's collaborators. Publisher and Metrics are optional.
type Deps struct {
	State          StateStore
	Notifier       Notifier
	Publisher      Publisher
	Metrics        *Metrics
	TrustedOrigins []string
}

// Relay dispatches envelopes and owns the per-tab extraction sessions.
type Relay struct {
	state     StateStore
	notifier  Notifier
	publisher Publisher
	metrics   *Metrics
	origins   map[string]bool
	now       func() time.Time
	logger    *slog.Logger

	mu   sync.Mutex
	tabs map[int]*tab

	drainMu sync.Mutex
}

func New(d Deps) *Relay {
	origins := make(map[string]bool, len(d.TrustedOrigins))
	for _, o := range d.TrustedOrigins {
		origins[strings.TrimRight(o, "/")] = true
	}
	return &Relay{
		state:     d.State,
		notifier:  d.Notifier,
		publisher: d.Publisher,
		metrics:   d.Metrics,
		origins:   origins,
		now:       time.Now,
		logger:    slog.Default(),
		tabs:      map[int]*tab{},
	}
}

type handlerFunc func(ctx context.Context, env Envelope) (any, error)

func (r *Relay) internalHandlers() map[string]handlerFunc {
	return map[string]handlerFunc{
		TypeConversationDetected:   r.handleConversation,
		TypeConversationUpdated:    r.handleConversation,
		TypeExtractConversation:    r.handleExtract,
		TypeGetPlatformInfo:        r.handlePlatformInfo,
		TypeGetStats:               r.handleStats,
		TypeSyncToWebApp:           r.handleSyncToWebApp,
		TypeStartExtraction:        r.handleStartExtraction,
		TypeStopExtraction:         r.handleStopExtraction,
		TypeGetCurrentConversation: r.handleCurrent,
		TypePing:                   r.handlePing,
	}
}

func (r *Relay) externalHandlers() map[string]handlerFunc {
	return map[string]handlerFunc{
		TypeGetConversations: r.handleGetConversations,
		TypeSyncStatus:       r.handleSyncStatus,
		TypeTriggerSync:      r.handleTriggerSync,
		TypePing:             r.handlePing,
	}
}

// Dispatch handles a message from a page agent. It always returns exactly
// one response; handler errors and panics become failed responses.
func (r *Relay) Dispatch(ctx context.Context, env Envelope) Response {
	return r.dispatch(ctx, "internal", r.internalHandlers(), env)
}

// DispatchExternal handles a message from the web application. The origin is
// checked before the message type is looked at.
func (r *Relay) DispatchExternal(ctx context.Context, origin string, env Envelope) Response {
	if !r.Trusted(origin) {
		r.logger.Warn("rejected external message", "origin", origin, "type", env.Type)
		r.metrics.message("external", env.Type, "unauthorized")
		return Response{Success: false, Error: errUnauthorized}
	}
	return r.dispatch(ctx, "external", r.externalHandlers(), env)
}

// Trusted reports whether origin is on the allow-list.
func (r *Relay) Trusted(origin string) bool {
	return origin != "" && r.origins[strings.TrimRight(origin, "/")]
}

func (r *Relay) dispatch(ctx context.Context, channel string, handlers map[string]handlerFunc, env Envelope) (resp Response) {
	h, found := handlers[env.Type]
	if !found {
		r.metrics.message(channel, "unknown", "unknown")
		return Response{Success: false, Error: errUnknownType}
	}
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("message handler panicked", "type", env.Type, "panic", p)
			resp = Response{Success: false, Error: fmt.Sprintf("internal error handling %s", env.Type)}
		}
		result := "ok"
		if !resp.Success {
			result = "error"
		}
		r.metrics.message(channel, env.Type, result)
	}()

	data, err := h(ctx, env)
	if err != nil {
		r.logger.Warn("message handler failed", "type", env.Type, "tab_id", env.TabID, "error", err)
		return fail(err)
	}
	return ok(data)
}

// resolvePlatform picks the platform from the sender tab's URL, then the
// envelope, then the payload.
func (r *Relay) resolvePlatform(env Envelope, payload platform.Platform) (platform.Platform, string) {
	if t := r.tab(env.TabID); t != nil {
		url, title := t.location()
		if det := platform.Detect(url, title); det.Supported {
			return det.Platform, url
		}
	}
	if env.Platform.Valid() {
		return env.Platform, ""
	}
	if payload.Valid() {
		return payload, ""
	}
	return "", ""
}

func (r *Relay) handleConversation(ctx context.Context, env Envelope) (any, error) {
	var c conversation.Conversation
	if err := env.decode(&c); err != nil {
		return nil, err
	}
	p, tabURL := r.resolvePlatform(env, c.Platform)
	if p == "" {
		r.logger.Debug("ignoring conversation from unsupported page", "tab_id", env.TabID)
		return nil, nil
	}
	settings, err := r.state.Settings()
	if err != nil {
		return nil, err
	}
	if !settings.Supports(p) {
		r.logger.Debug("platform disabled in settings", "platform", p)
		return nil, nil
	}

	c.Platform = p
	if tabURL != "" {
		c.URL = tabURL
	}
	if c.Messages == nil {
		c.Messages = []conversation.Message{}
	}
	if c.Timestamp <= 0 {
		c.Timestamp = r.now().UnixMilli()
	}
	c.Metadata.Platform = p
	c.Metadata.MessageCount = len(c.Messages)

	if err := r.state.PutCurrent(p, &c); err != nil {
		return nil, err
	}
	if err := r.state.CacheConversation(&c); err != nil {
		return nil, err
	}
	r.metrics.conversation(p, env.Type)

	if r.publisher != nil {
		event := "updated"
		if env.Type == TypeConversationDetected {
			event = "detected"
		}
		if err := r.publisher.PublishConversation(event, &c); err != nil {
			r.logger.Warn("publishing conversation failed", "platform", p, "error", err)
		}
	}

	out := Envelope{
		Type:      env.Type,
		Platform:  p,
		Timestamp: r.now().UnixMilli(),
		Source:    SourceExtension,
	}
	if out.Data, err = json.Marshal(c); err != nil {
		return nil, fmt.Errorf("encoding conversation: %w", err)
	}
	if err := r.deliver(ctx, out); err != nil {
		r.logger.Info("web app unavailable, queueing conversation", "platform", p, "error", err)
		if _, err := r.enqueue(state.SyncQueueItem{Type: env.Type, Platform: p, Payload: out.Data}); err != nil {
			return nil, err
		}
		return map[string]bool{"queued": true}, nil
	}
	return map[string]bool{"queued": false}, nil
}

func (r *Relay) deliver(ctx context.Context, env Envelope) error {
	if r.notifier == nil {
		return errors.New("no web app notifier configured")
	}
	err := r.notifier.Notify(ctx, env)
	r.metrics.delivery(err)
	return err
}

func (r *Relay) enqueue(item state.SyncQueueItem) (state.SyncQueueItem, error) {
	item, err := r.state.Enqueue(item)
	if err != nil {
		return item, err
	}
	r.refreshQueueGauge()
	return item, nil
}

func (r *Relay) refreshQueueGauge() {
	if r.metrics == nil {
		return
	}
	if n, err := r.state.QueueLength(); err == nil {
		r.metrics.QueueLength.Set(float64(n))
	}
}

type extractRequest struct {
	HTML string `json:"html"`
	URL  string `json:"url"`
}

// handleExtract extracts from HTML carried in the payload, or else from the
// sender tab's latest snapshot.
func (r *Relay) handleExtract(_ context.Context, env Envelope) (any, error) {
	var req extractRequest
	if err := env.decode(&req); err != nil {
		return nil, err
	}
	if req.HTML != "" {
		page, err := extract.ParsePage(strings.NewReader(req.HTML), req.URL)
		if err != nil {
			return nil, err
		}
		return extract.ExtractPage(page, r.now())
	}
	t := r.tab(env.TabID)
	if t == nil {
		return nil, fmt.Errorf("no session for tab %d", env.TabID)
	}
	page, ex := t.snapshot()
	if page == nil {
		return nil, fmt.Errorf("tab %d has no page snapshot yet", env.TabID)
	}
	return extract.Extract(ex, page, r.now()), nil
}

type pageInfoRequest struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

func (r *Relay) handlePlatformInfo(_ context.Context, env Envelope) (any, error) {
	if t := r.tab(env.TabID); t != nil {
		det := platform.Detect(t.location())
		det.ExtractionActive = t.monitor != nil && t.monitor.Extracting()
		return det, nil
	}
	var req pageInfoRequest
	if err := env.decode(&req); err != nil {
		return nil, err
	}
	return platform.Detect(req.URL, req.Title), nil
}

// Stats summarises the relay's cached conversations and queue.
type Stats struct {
	TotalConversations int                       `json:"totalConversations"`
	SyncQueue          int                       `json:"syncQueue"`
	Platforms          map[platform.Platform]int `json:"platforms"`
}

func (r *Relay) handleStats(context.Context, Envelope) (any, error) {
	convs, err := r.state.Conversations()
	if err != nil {
		return nil, err
	}
	n, err := r.state.QueueLength()
	if err != nil {
		return nil, err
	}
	st := Stats{TotalConversations: len(convs), SyncQueue: n, Platforms: map[platform.Platform]int{}}
	for _, p := range platform.All() {
		st.Platforms[p] = 0
	}
	for _, c := range convs {
		if _, known := st.Platforms[c.Platform]; known {
			st.Platforms[c.Platform]++
		}
	}
	return st, nil
}

type syncRequest struct {
	Type     string            `json:"type"`
	Platform platform.Platform `json:"platform"`
}

func (r *Relay) handleSyncToWebApp(ctx context.Context, env Envelope) (any, error) {
	var req syncRequest
	if err := env.decode(&req); err != nil {
		return nil, err
	}
	typ := req.Type
	if typ == "" {
		typ = TypeSyncToWebApp
	}
	p := req.Platform
	if p == "" {
		p = env.Platform
	}
	payload := env.Data
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	item, err := r.enqueue(state.SyncQueueItem{Type: typ, Platform: p, Payload: payload})
	if err != nil {
		return nil, err
	}
	res, err := r.Drain(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"id": item.ID, "drain": res}, nil
}

func (r *Relay) handleStartExtraction(_ context.Context, env Envelope) (any, error) {
	t := r.tab(env.TabID)
	if t == nil || t.monitor == nil {
		return nil, fmt.Errorf("no session for tab %d", env.TabID)
	}
	t.monitor.StartExtraction()
	return map[string]bool{"extracting": true}, nil
}

func (r *Relay) handleStopExtraction(_ context.Context, env Envelope) (any, error) {
	t := r.tab(env.TabID)
	if t == nil || t.monitor == nil {
		return nil, fmt.Errorf("no session for tab %d", env.TabID)
	}
	t.monitor.StopExtraction()
	return map[string]bool{"extracting": false}, nil
}

func (r *Relay) handleCurrent(_ context.Context, env Envelope) (any, error) {
	p, _ := r.resolvePlatform(env, "")
	if p == "" {
		return nil, errors.New("cannot determine platform")
	}
	c, err := r.state.Current(p)
	if errors.Is(err, state.ErrNotFound) {
		return nil, nil
	}
	return c, err
}

func (r *Relay) handlePing(context.Context, Envelope) (any, error) {
	return map[string]any{"pong": true, "timestamp": r.now().UnixMilli()}, nil
}

func (r *Relay) handleGetConversations(context.Context, Envelope) (any, error) {
	return r.state.Conversations()
}

// SyncStatus is the web app's view of the relay's delivery state.
type SyncStatus struct {
	Enabled     bool                `json:"enabled"`
	LastSync    *time.Time          `json:"lastSync"`
	QueueLength int                 `json:"queueLength"`
	Platforms   []platform.Platform `json:"platforms"`
}

func (r *Relay) handleSyncStatus(context.Context, Envelope) (any, error) {
	return r.SyncStatus()
}

func (r *Relay) SyncStatus() (SyncStatus, error) {
	st, err := r.state.Settings()
	if err != nil {
		return SyncStatus{}, err
	}
	n, err := r.state.QueueLength()
	if err != nil {
		return SyncStatus{}, err
	}
	return SyncStatus{Enabled: st.SyncEnabled, LastSync: st.LastSync, QueueLength: n, Platforms: st.SupportedPlatforms}, nil
}

func (r *Relay) handleTriggerSync(ctx context.Context, _ Envelope) (any, error) {
	return r.Drain(ctx)
}
