package relay

import (
	"time"

	"github.com/kalambet/chatmerge/internal/platform"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the relay's Prometheus collectors. A nil *Metrics records
// nothing.
//
//   - chatmerge_relay_messages_total{channel,type,result}
//   - chatmerge_relay_conversations_total{platform,type}
//   - chatmerge_relay_deliveries_total{result}
//   - chatmerge_relay_sync_queue_length
//   - chatmerge_relay_drain_duration_seconds
//   - chatmerge_relay_tabs
type Metrics struct {
	Messages      *prometheus.CounterVec
	Conversations *prometheus.CounterVec
	Deliveries    *prometheus.CounterVec
	QueueLength   prometheus.Gauge
	DrainDuration prometheus.Histogram
	Tabs          prometheus.Gauge
}

// NewMetrics registers the relay collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Messages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chatmerge_relay_messages_total",
			Help: "Messages dispatched by the relay",
		}, []string{"channel", "type", "result"}),
		Conversations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chatmerge_relay_conversations_total",
			Help: "Conversation snapshots accepted from tabs",
		}, []string{"platform", "type"}),
		Deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chatmerge_relay_deliveries_total",
			Help: "Deliveries attempted to the web application",
		}, []string{"result"}),
		QueueLength: f.NewGauge(prometheus.GaugeOpts{
			Name: "chatmerge_relay_sync_queue_length",
			Help: "Items waiting for delivery to the web application",
		}),
		DrainDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "chatmerge_relay_drain_duration_seconds",
			Help:    "Duration of sync queue drain passes",
			Buckets: prometheus.DefBuckets,
		}),
		Tabs: f.NewGauge(prometheus.GaugeOpts{
			Name: "chatmerge_relay_tabs",
			Help: "Tabs with an active extraction session",
		}),
	}
}

func (m *Metrics) message(channel, typ, result string) {
	if m == nil {
		return
	}
	m.Messages.WithLabelValues(channel, typ, result).Inc()
}

func (m *Metrics) conversation(p platform.Platform, typ string) {
	if m == nil {
		return
	}
	m.Conversations.WithLabelValues(string(p), typ).Inc()
}

func (m *Metrics) delivery(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Deliveries.WithLabelValues(result).Inc()
}

func (m *Metrics) drained(d time.Duration) {
	if m == nil {
		return
	}
	m.DrainDuration.Observe(d.Seconds())
}

func (m *Metrics) tabs(n int) {
	if m == nil {
		return
	}
	m.Tabs.Set(float64(n))
}
