// Package connection tracks whether the web application can reach the relay.
package connection

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

type Event string

const (
	EventConnected    Event = "connected"
	EventDisconnected Event = "disconnected"
)

// Status is the monitor's view of the relay link.
type Status struct {
	Connected bool      `json:"connected"`
	Attempts  int       `json:"attempts"`
	LastCheck time.Time `json:"lastCheck,omitzero"`
	LastError string    `json:"lastError,omitempty"`
}

// Listener receives the status that caused a transition.
type Listener func(Status)

type listener struct {
	id int
	fn Listener
}

// Options tunes the retry schedule. Zero values fall back to the defaults.
type Options struct {
	Heartbeat   time.Duration
	RetryBase   time.Duration
	MaxAttempts int
	Timeout     time.Duration
}

type Monitor struct {
	pinger      Pinger
	heartbeat   time.Duration
	base        time.Duration
	maxAttempts int
	timeout     time.Duration
	logger      *slog.Logger
	after       func(time.Duration) <-chan time.Time

	mu        sync.Mutex
	status    Status
	nextID    int
	listeners map[Event][]listener
}

func New(p Pinger, opts Options) *Monitor {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 30 * time.Second
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 2 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	return &Monitor{
		pinger:      p,
		heartbeat:   opts.Heartbeat,
		base:        opts.RetryBase,
		maxAttempts: opts.MaxAttempts,
		timeout:     opts.Timeout,
		logger:      slog.Default(),
		after:       time.After,
		listeners:   make(map[Event][]listener),
	}
}

// On registers fn for event and returns a handle for Off.
func (m *Monitor) On(event Event, fn Listener) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.listeners[event] = append(m.listeners[event], listener{id: m.nextID, fn: fn})
	return m.nextID
}

func (m *Monitor) Off(event Event, id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ls := m.listeners[event]
	for i, l := range ls {
		if l.id == id {
			m.listeners[event] = append(ls[:i:i], ls[i+1:]...)
			return
		}
	}
}

func (m *Monitor) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status.Connected
}

func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Start connects immediately, then re-checks every heartbeat interval until
// ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) error {
	m.connect(ctx)

	ticker := time.NewTicker(m.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// tick is one periodic check. Past the retry ceiling it makes a single
// attempt; otherwise it heartbeats with the usual retries.
func (m *Monitor) tick(ctx context.Context) {
	if m.Status().Attempts >= m.maxAttempts {
		m.Check(ctx)
		return
	}
	m.connect(ctx)
}

// connect heartbeats, retrying after base × attempt while under the ceiling.
func (m *Monitor) connect(ctx context.Context) {
	for {
		if m.Check(ctx) {
			return
		}
		attempts := m.Status().Attempts
		if attempts >= m.maxAttempts {
			m.logger.Warn("relay unreachable, waiting for next heartbeat", "attempts", attempts)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-m.after(m.base * time.Duration(attempts)):
		}
	}
}

// Check performs one heartbeat and reports whether it succeeded.
func (m *Monitor) Check(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	pctx, cancel := context.WithTimeout(ctx, m.timeout)
	err := m.pinger.Ping(pctx)
	cancel()

	m.mu.Lock()
	was := m.status.Connected
	m.status.LastCheck = time.Now().UTC()
	if err == nil {
		m.status.Connected = true
		m.status.Attempts = 0
		m.status.LastError = ""
	} else {
		m.status.Connected = false
		m.status.Attempts++
		m.status.LastError = err.Error()
	}
	st := m.status
	var fire []listener
	switch {
	case st.Connected && !was:
		fire = append(fire, m.listeners[EventConnected]...)
	case !st.Connected && was:
		fire = append(fire, m.listeners[EventDisconnected]...)
	}
	m.mu.Unlock()

	if err != nil {
		m.logger.Debug("heartbeat failed", "attempt", st.Attempts, "error", err)
	}
	if st.Connected != was {
		m.logger.Info("relay connection changed", "connected", st.Connected)
	}
	for _, l := range fire {
		m.emit(l, st)
	}
	return err == nil
}

func (m *Monitor) emit(l listener, st Status) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("connection listener panicked", "listener", l.id, "panic", fmt.Sprint(r))
		}
	}()
	l.fn(st)
}
