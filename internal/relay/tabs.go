package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/kalambet/chatmerge/internal/extract"
	"github.com/kalambet/chatmerge/internal/monitor"
	"github.com/kalambet/chatmerge/internal/platform"
)

// ErrUnknownTab is returned for snapshots of tabs without a session.
var ErrUnknownTab = errors.New("unknown tab")

// TabComplete is the tab status that triggers session setup.
const TabComplete = "complete"

// tab is one monitored browser tab: its extractor, its change monitor and
// the latest parsed snapshot.
type tab struct {
	id        int
	platform  platform.Platform
	extractor extract.Extractor
	monitor   *monitor.Monitor

	mu       sync.Mutex
	url      string
	title    string
	page     *extract.Page
	detected bool
}

func (t *tab) snapshot() (*extract.Page, extract.Extractor) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.page, t.extractor
}

// location returns the tab's last known URL and title.
func (t *tab) location() (url, title string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.url, t.title
}

func (r *Relay) tab(id int) *tab {
	if id == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tabs[id]
}

// OnTabUpdated records a tab navigation. When the tab has finished loading a
// supported platform it gets an extraction session. Repeating the call for
// the same platform keeps the existing session; a different platform
// replaces it. It reports whether a new session was created.
func (r *Relay) OnTabUpdated(tabID int, url, title, status string) bool {
	det := platform.Detect(url, title)

	r.mu.Lock()
	existing := r.tabs[tabID]
	if existing != nil && existing.platform == det.Platform {
		existing.mu.Lock()
		existing.url, existing.title = url, title
		existing.mu.Unlock()
		r.mu.Unlock()
		return false
	}
	if status != TabComplete || !det.Supported {
		if existing != nil && !det.Supported {
			delete(r.tabs, tabID)
			existing.monitor.Close()
			r.logger.Debug("tab left supported platform", "tab_id", tabID, "url", url)
		}
		r.mu.Unlock()
		return false
	}
	ex, found := extract.For(det.Platform)
	if !found {
		r.mu.Unlock()
		return false
	}
	t := &tab{id: tabID, platform: det.Platform, extractor: ex, url: url, title: title}
	t.monitor = monitor.ForPlatform(det.Platform, func(tr monitor.Trigger) {
		r.extractTab(t, tr)
	})
	r.tabs[tabID] = t
	r.mu.Unlock()

	if existing != nil {
		existing.monitor.Close()
	}
	r.logger.Info("tab session started", "tab_id", tabID, "platform", det.Platform)
	r.metrics.tabs(r.tabCount())

	settings, err := r.state.Settings()
	if err != nil {
		r.logger.Warn("reading settings for new tab", "tab_id", tabID, "error", err)
		return true
	}
	if settings.ExtractionEnabled && settings.Supports(det.Platform) {
		t.monitor.StartExtraction()
	}
	return true
}

// Snapshot replaces the tab's page with a new DOM snapshot and feeds the
// mutation batch to its monitor. The first snapshot of a session with
// extraction running is reported as a detection right away. send signals
// that the user just submitted a message.
func (r *Relay) Snapshot(tabID int, html io.Reader, batch monitor.Batch, send bool) error {
	t := r.tab(tabID)
	if t == nil {
		return fmt.Errorf("%w %d", ErrUnknownTab, tabID)
	}
	pageURL, _ := t.location()
	page, err := extract.ParsePage(html, pageURL)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.page = page
	if page.Title != "" {
		t.title = page.Title
	}
	first := !t.detected
	t.mu.Unlock()

	if !first || !t.monitor.RunNow(monitor.TriggerStart) {
		t.monitor.Observe(batch)
	}
	if send {
		t.monitor.NotifySend()
	}
	return nil
}

// extractTab runs the tab's extractor over its latest snapshot and feeds the
// result back through Dispatch.
func (r *Relay) extractTab(t *tab, tr monitor.Trigger) {
	page, ex := t.snapshot()
	if page == nil {
		return
	}
	c := extract.Extract(ex, page, r.now())
	if c == nil {
		return
	}

	t.mu.Lock()
	typ := TypeConversationUpdated
	if !t.detected {
		typ = TypeConversationDetected
		t.detected = true
	}
	t.mu.Unlock()

	raw, err := json.Marshal(c)
	if err != nil {
		r.logger.Error("encoding extracted conversation", "tab_id", t.id, "error", err)
		return
	}
	resp := r.Dispatch(context.Background(), Envelope{
		Type:      typ,
		Data:      raw,
		Platform:  t.platform,
		Timestamp: r.now().UnixMilli(),
		TabID:     t.id,
	})
	if !resp.Success {
		r.logger.Warn("extracted conversation rejected", "tab_id", t.id, "trigger", tr, "error", resp.Error)
	}
}

// CloseTab ends a tab's session.
func (r *Relay) CloseTab(tabID int) bool {
	r.mu.Lock()
	t := r.tabs[tabID]
	delete(r.tabs, tabID)
	r.mu.Unlock()
	if t == nil {
		return false
	}
	t.monitor.Close()
	r.metrics.tabs(r.tabCount())
	return true
}

// TabInfo describes a monitored tab.
type TabInfo struct {
	ID               int               `json:"id"`
	URL              string            `json:"url"`
	Title            string            `json:"title"`
	Platform         platform.Platform `json:"platform"`
	ExtractionActive bool              `json:"extractionActive"`
	State            string            `json:"state"`
}

// Tabs lists the monitored tabs.
func (r *Relay) Tabs() []TabInfo {
	r.mu.Lock()
	tabs := make([]*tab, 0, len(r.tabs))
	for _, t := range r.tabs {
		tabs = append(tabs, t)
	}
	r.mu.Unlock()

	out := make([]TabInfo, 0, len(tabs))
	for _, t := range tabs {
		t.mu.Lock()
		info := TabInfo{ID: t.id, URL: t.url, Title: t.title, Platform: t.platform}
		t.mu.Unlock()
		info.ExtractionActive = t.monitor.Extracting()
		info.State = t.monitor.State().String()
		out = append(out, info)
	}
	return out
}

func (r *Relay) tabCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tabs)
}

// Close ends every tab session.
func (r *Relay) Close() {
	r.mu.Lock()
	tabs := r.tabs
	r.tabs = map[int]*tab{}
	r.mu.Unlock()
	for _, t := range tabs {
		t.monitor.Close()
	}
}
