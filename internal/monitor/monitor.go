// Package monitor turns bursts of page mutations into single extraction runs.
package monitor

import (
	"log/slog"
	"sync"
	"time"

	"github.com/kalambet/chatmerge/internal/platform"
)

type MutationType string

const (
	ChildList     MutationType = "childList"
	CharacterData MutationType = "characterData"
	Attributes    MutationType = "attributes"
)

// Mutation summarises one DOM mutation record.
type Mutation struct {
	Type    MutationType `json:"type"`
	Added   int          `json:"added"`
	Removed int          `json:"removed"`
}

// Batch is the set of mutations delivered together by one observer callback.
type Batch []Mutation

// Significant reports whether b may have changed conversation content: a
// childList mutation that added nodes, or any text change.
func Significant(b Batch) bool {
	for _, m := range b {
		switch m.Type {
		case ChildList:
			if m.Added > 0 {
				return true
			}
		case CharacterData:
			return true
		}
	}
	return false
}

type State int

const (
	Idle State = iota
	PendingDebounce
	Extracting
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case PendingDebounce:
		return "pending"
	case Extracting:
		return "extracting"
	}
	return "unknown"
}

// Trigger says why an extraction ran.
type Trigger string

const (
	TriggerStart    Trigger = "start"
	TriggerMutation Trigger = "mutation"
	TriggerSend     Trigger = "send"
)

// ExtractFunc performs one extraction. It is never called concurrently with
// itself for the same Monitor.
type ExtractFunc func(Trigger)

// Monitor debounces significant mutation batches into extraction runs.
// Observation is always on; extraction only happens while enabled.
type Monitor struct {
	debounce time.Duration
	settle   time.Duration
	extract  ExtractFunc
	logger   *slog.Logger

	mu      sync.Mutex
	state   State
	enabled bool
	closed  bool
	gen     uint64
	timer   *time.Timer
	sendGen uint64
	send    *time.Timer

	runMu sync.Mutex
}

// New returns a Monitor that waits debounce after the last significant batch
// and settle after a send event before calling fn. A zero settle disables the
// send side channel.
func New(debounce, settle time.Duration, fn ExtractFunc) *Monitor {
	return &Monitor{
		debounce: debounce,
		settle:   settle,
		extract:  fn,
		logger:   slog.Default(),
	}
}

// ForPlatform returns a Monitor using p's debounce and settle timings.
func ForPlatform(p platform.Platform, fn ExtractFunc) *Monitor {
	prof, ok := platform.ProfileFor(p)
	if !ok {
		return New(time.Second, 0, fn)
	}
	return New(prof.Debounce, prof.Settle, fn)
}

// Observe feeds one mutation batch. Insignificant batches and batches seen
// while extraction is disabled are ignored; otherwise the debounce timer
// restarts.
func (m *Monitor) Observe(b Batch) {
	if !Significant(b) {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || !m.enabled {
		return
	}
	m.gen++
	g := m.gen
	if m.timer != nil {
		m.timer.Stop()
	}
	if m.state != Extracting {
		m.state = PendingDebounce
	}
	m.timer = time.AfterFunc(m.debounce, func() { m.fire(g) })
}

func (m *Monitor) fire(g uint64) {
	m.mu.Lock()
	if g != m.gen || m.closed || !m.enabled {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.mu.Unlock()

	m.run(TriggerMutation)
}

// StartExtraction enables extraction and runs one extraction immediately.
func (m *Monitor) StartExtraction() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.enabled = true
	m.mu.Unlock()

	m.run(TriggerStart)
}

// RunNow runs one extraction immediately, serialized with debounced and send
// runs. It reports false without running when extraction is disabled or the
// Monitor is closed.
func (m *Monitor) RunNow(t Trigger) bool {
	m.mu.Lock()
	if m.closed || !m.enabled {
		m.mu.Unlock()
		return false
	}
	m.mu.Unlock()

	m.run(t)
	return true
}

// StopExtraction disables extraction and cancels any pending run. An
// extraction already in progress completes.
func (m *Monitor) StopExtraction() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = false
	m.cancelLocked()
}

func (m *Monitor) cancelLocked() {
	m.gen++
	m.sendGen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if m.send != nil {
		m.send.Stop()
		m.send = nil
	}
	if m.state == PendingDebounce {
		m.state = Idle
	}
}

// NotifySend schedules one extraction after the settle delay, independent of
// the debounce timer. Repeated sends within the delay coalesce. It reports
// whether a run was scheduled.
func (m *Monitor) NotifySend() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || !m.enabled || m.settle <= 0 {
		return false
	}
	m.sendGen++
	g := m.sendGen
	if m.send != nil {
		m.send.Stop()
	}
	m.send = time.AfterFunc(m.settle, func() {
		m.mu.Lock()
		if g != m.sendGen || m.closed || !m.enabled {
			m.mu.Unlock()
			return
		}
		m.send = nil
		m.mu.Unlock()
		m.run(TriggerSend)
	})
	return true
}

// run executes one extraction to completion. Panics are contained.
func (m *Monitor) run(t Trigger) {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	m.mu.Lock()
	m.state = Extracting
	m.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("extraction panicked", "trigger", t, "panic", r)
		}
		m.mu.Lock()
		if m.timer != nil {
			m.state = PendingDebounce
		} else {
			m.state = Idle
		}
		m.mu.Unlock()
	}()

	m.extract(t)
}

func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Extracting reports whether extraction is enabled.
func (m *Monitor) Extracting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled
}

// Close stops all timers. The Monitor ignores every later call.
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.enabled = false
	m.cancelLocked()
}
