package channels

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/clawdis/clawdis/pkg/models"
)

// Metrics tracks per-adapter message counts, error rates, and send latency.
// Snapshots surface through the channels.status RPC and the status CLI.
type Metrics struct {
	channel models.ChannelType
	started time.Time

	sent       atomic.Uint64
	received   atomic.Uint64
	failed     atomic.Uint64
	reconnects atomic.Uint64

	errMu        sync.RWMutex
	errorsByCode map[ErrorCode]*atomic.Uint64

	sendLatency *LatencyHistogram
}

// NewMetrics creates metrics for one adapter.
func NewMetrics(channel models.ChannelType) *Metrics {
	return &Metrics{
		channel:      channel,
		started:      time.Now(),
		errorsByCode: make(map[ErrorCode]*atomic.Uint64),
		sendLatency:  NewLatencyHistogram(),
	}
}

// RecordMessageSent counts one delivered outbound message.
func (m *Metrics) RecordMessageSent() { m.sent.Add(1) }

// RecordMessageReceived counts one inbound envelope.
func (m *Metrics) RecordMessageReceived() { m.received.Add(1) }

// RecordMessageFailed counts one outbound message that exhausted retries.
func (m *Metrics) RecordMessageFailed() { m.failed.Add(1) }

// RecordReconnect counts one reconnect attempt.
func (m *Metrics) RecordReconnect() { m.reconnects.Add(1) }

// RecordError counts an error by its code.
func (m *Metrics) RecordError(code ErrorCode) {
	m.errMu.Lock()
	counter, ok := m.errorsByCode[code]
	if !ok {
		counter = &atomic.Uint64{}
		m.errorsByCode[code] = counter
	}
	m.errMu.Unlock()

	counter.Add(1)
}

// RecordSendLatency records how long one send took.
func (m *Metrics) RecordSendLatency(d time.Duration) {
	m.sendLatency.Record(d)
}

// Snapshot returns a point-in-time view of the counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.errMu.RLock()
	errors := make(map[ErrorCode]uint64, len(m.errorsByCode))
	for code, counter := range m.errorsByCode {
		errors[code] = counter.Load()
	}
	m.errMu.RUnlock()

	return MetricsSnapshot{
		Channel:      m.channel,
		Sent:         m.sent.Load(),
		Received:     m.received.Load(),
		Failed:       m.failed.Load(),
		Reconnects:   m.reconnects.Load(),
		ErrorsByCode: errors,
		SendLatency:  m.sendLatency.Snapshot(),
		Uptime:       time.Since(m.started),
	}
}

// MetricsSnapshot is a point-in-time view of one adapter's counters.
type MetricsSnapshot struct {
	Channel      models.ChannelType    `json:"channel"`
	Sent         uint64                `json:"sent"`
	Received     uint64                `json:"received"`
	Failed       uint64                `json:"failed"`
	Reconnects   uint64                `json:"reconnects"`
	ErrorsByCode map[ErrorCode]uint64  `json:"errorsByCode,omitempty"`
	SendLatency  LatencySnapshot       `json:"sendLatency"`
	Uptime       time.Duration         `json:"uptime"`
}

// LatencyHistogram keeps a ring of recent samples for percentile math.
type LatencyHistogram struct {
	mu      sync.RWMutex
	samples []time.Duration
	head    int
	count   int
	max     int
}

// NewLatencyHistogram keeps the last 1000 samples.
func NewLatencyHistogram() *LatencyHistogram {
	const maxSamples = 1000
	return &LatencyHistogram{
		samples: make([]time.Duration, maxSamples),
		max:     maxSamples,
	}
}

// Record adds one sample, evicting the oldest when full.
func (h *LatencyHistogram) Record(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.max == 0 {
		return
	}
	h.samples[h.head] = d
	h.head = (h.head + 1) % h.max
	if h.count < h.max {
		h.count++
	}
}

// Snapshot computes min/mean/max and percentiles over the retained samples.
func (h *LatencyHistogram) Snapshot() LatencySnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.count == 0 {
		return LatencySnapshot{}
	}

	sorted := make([]time.Duration, h.count)
	if h.count < h.max {
		copy(sorted, h.samples[:h.count])
	} else {
		for i := 0; i < h.count; i++ {
			sorted[i] = h.samples[(h.head+i)%h.max]
		}
	}

	// Insertion sort; sample count is small.
	for i := 1; i < len(sorted); i++ {
		key := sorted[i]
		j := i - 1
		for j >= 0 && sorted[j] > key {
			sorted[j+1] = sorted[j]
			j--
		}
		sorted[j+1] = key
	}

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	return LatencySnapshot{
		Count: len(sorted),
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Mean:  sum / time.Duration(len(sorted)),
		P50:   sorted[len(sorted)*50/100],
		P95:   sorted[len(sorted)*95/100],
		P99:   sorted[len(sorted)*99/100],
	}
}

// LatencySnapshot summarizes a latency distribution.
type LatencySnapshot struct {
	Count int           `json:"count"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Mean  time.Duration `json:"mean"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
}
