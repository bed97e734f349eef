package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// DrainResult summarises one pass over the sync queue.
type DrainResult struct {
	Attempted int  `json:"attempted"`
	Delivered int  `json:"delivered"`
	Remaining int  `json:"remaining"`
	Skipped   bool `json:"skipped,omitempty"`
}

// Drain attempts delivery of every queued item, removes the delivered ones and
// records the pass time as the last sync. Failed items stay queued. Nothing
// happens while sync is disabled or the queue is empty. Passes never overlap.
func (r *Relay) Drain(ctx context.Context) (DrainResult, error) {
	r.drainMu.Lock()
	defer r.drainMu.Unlock()

	settings, err := r.state.Settings()
	if err != nil {
		return DrainResult{}, err
	}
	if !settings.SyncEnabled {
		n, err := r.state.QueueLength()
		return DrainResult{Skipped: true, Remaining: n}, err
	}
	items, err := r.state.Queue()
	if err != nil {
		return DrainResult{}, err
	}
	if len(items) == 0 {
		return DrainResult{}, nil
	}

	start := r.now()
	var delivered []string
	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		raw, err := json.Marshal(item)
		if err != nil {
			r.logger.Error("encoding queue item", "item_id", item.ID, "error", err)
			continue
		}
		env := Envelope{
			Type:      TypeSyncItem,
			Data:      raw,
			Platform:  item.Platform,
			Timestamp: r.now().UnixMilli(),
			Source:    SourceExtension,
		}
		if err := r.deliver(ctx, env); err != nil {
			r.logger.Debug("queue item not delivered", "item_id", item.ID, "type", item.Type, "error", err)
			continue
		}
		delivered = append(delivered, item.ID)
	}

	if _, err := r.state.CompleteDrain(delivered, r.now()); err != nil {
		return DrainResult{}, fmt.Errorf("completing drain: %w", err)
	}
	r.refreshQueueGauge()
	r.metrics.drained(r.now().Sub(start))

	res := DrainResult{
		Attempted: len(items),
		Delivered: len(delivered),
		Remaining: len(items) - len(delivered),
	}
	r.logger.Info("sync queue drained", "attempted", res.Attempted, "delivered", res.Delivered, "remaining", res.Remaining)
	return res, nil
}

// Drainer runs Drain on a fixed interval.
type Drainer struct {
	relay    *Relay
	interval time.Duration
}

// NewDrainer creates a Drainer. If interval is <= 0, it defaults to 30s.
func NewDrainer(r *Relay, interval time.Duration) *Drainer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Drainer{relay: r, interval: interval}
}

// Run drains the queue every interval until ctx is cancelled.
func (d *Drainer) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if _, err := d.RunOnce(ctx); err != nil {
			d.relay.logger.Error("drain iteration failed", "error", err)
		}
	}
}

// RunOnce performs a single drain pass.
func (d *Drainer) RunOnce(ctx context.Context) (DrainResult, error) {
	return d.relay.Drain(ctx)
}
