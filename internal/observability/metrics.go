package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/clawdis/clawdis/internal/channels"
)

// Metrics is the process-wide prometheus set, served by the gateway at
// /metrics. Default() hands out one registered instance; per-adapter
// counters stay on the channels metrics ring and reach prometheus
// through the ChannelCollector instead.
type Metrics struct {
	// Runs counts terminal run states: final, error, aborted.
	Runs *prometheus.CounterVec
	// RunDuration measures submit-to-terminal time by state.
	RunDuration *prometheus.HistogramVec

	// EngineRequestDuration measures one provider round trip.
	EngineRequestDuration *prometheus.HistogramVec
	// EngineTokens counts input and output tokens.
	EngineTokens *prometheus.CounterVec

	// WSConnections gauges currently attached gateway clients.
	WSConnections prometheus.Gauge
	// EventDrops counts frames evicted from a slow client's buffer.
	EventDrops prometheus.Counter

	// HeartbeatRuns counts heartbeat outcomes: ran, skipped, failed.
	HeartbeatRuns *prometheus.CounterVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// Default returns the registered metric set, creating it on first use.
// promauto registration panics on duplicates, so creation happens
// exactly once per process.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = &Metrics{
			Runs: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "clawdis_runs_total",
				Help: "Agent runs by terminal state.",
			}, []string{"state"}),
			RunDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "clawdis_run_duration_seconds",
				Help:    "Run duration from start to terminal state.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			}, []string{"state"}),
			EngineRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "clawdis_engine_request_duration_seconds",
				Help:    "Engine provider round-trip duration.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			}, []string{"provider", "model"}),
			EngineTokens: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "clawdis_engine_tokens_total",
				Help: "Engine tokens by direction.",
			}, []string{"provider", "model", "kind"}),
			WSConnections: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "clawdis_ws_connections",
				Help: "Attached gateway WebSocket clients.",
			}),
			EventDrops: promauto.NewCounter(prometheus.CounterOpts{
				Name: "clawdis_ws_event_drops_total",
				Help: "Event frames dropped from slow client buffers.",
			}),
			HeartbeatRuns: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "clawdis_heartbeat_runs_total",
				Help: "Heartbeat runs by outcome.",
			}, []string{"status"}),
		}
	})
	return defaultMetrics
}

// RecordRun counts one terminal run and its duration.
func (m *Metrics) RecordRun(state string, d time.Duration) {
	m.Runs.WithLabelValues(state).Inc()
	m.RunDuration.WithLabelValues(state).Observe(d.Seconds())
}

// RecordEngineRequest counts one provider round trip with its token
// usage. Zero token counts are skipped, not recorded as zero.
func (m *Metrics) RecordEngineRequest(provider, model string, d time.Duration, inputTokens, outputTokens int) {
	m.EngineRequestDuration.WithLabelValues(provider, model).Observe(d.Seconds())
	if inputTokens > 0 {
		m.EngineTokens.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.EngineTokens.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
	}
}

// RecordHeartbeat counts one heartbeat outcome.
func (m *Metrics) RecordHeartbeat(status string) {
	m.HeartbeatRuns.WithLabelValues(status).Inc()
}

// ChannelCollector exports the per-adapter message counters from the
// channels registry. The rings are the source of truth for
// channels.status; collecting them on scrape avoids counting every
// message twice.
type ChannelCollector struct {
	registry *channels.Registry

	messages   *prometheus.Desc
	failures   *prometheus.Desc
	reconnects *prometheus.Desc
}

// NewChannelCollector builds a collector over the registry. Register it
// once, after the registry holds its adapters.
func NewChannelCollector(registry *channels.Registry) *ChannelCollector {
	return &ChannelCollector{
		registry: registry,
		messages: prometheus.NewDesc(
			"clawdis_channel_messages_total",
			"Messages by channel and direction.",
			[]string{"channel", "direction"}, nil,
		),
		failures: prometheus.NewDesc(
			"clawdis_channel_send_failures_total",
			"Outbound messages that exhausted their retries.",
			[]string{"channel"}, nil,
		),
		reconnects: prometheus.NewDesc(
			"clawdis_channel_reconnects_total",
			"Adapter reconnect attempts.",
			[]string{"channel"}, nil,
		),
	}
}

func (c *ChannelCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.messages
	ch <- c.failures
	ch <- c.reconnects
}

func (c *ChannelCollector) Collect(ch chan<- prometheus.Metric) {
	for _, adapter := range c.registry.All() {
		id := adapter.Dock().ID
		m := c.registry.Metrics(id)
		if m == nil {
			continue
		}
		snap := m.Snapshot()
		ch <- prometheus.MustNewConstMetric(c.messages, prometheus.CounterValue,
			float64(snap.Received), string(id), "inbound")
		ch <- prometheus.MustNewConstMetric(c.messages, prometheus.CounterValue,
			float64(snap.Sent), string(id), "outbound")
		ch <- prometheus.MustNewConstMetric(c.failures, prometheus.CounterValue,
			float64(snap.Failed), string(id))
		ch <- prometheus.MustNewConstMetric(c.reconnects, prometheus.CounterValue,
			float64(snap.Reconnects), string(id))
	}
}
