package observability

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/clawdis/clawdis/internal/channels"
	"github.com/clawdis/clawdis/pkg/models"
)

func TestDefaultReturnsSameInstance(t *testing.T) {
	if Default() != Default() {
		t.Fatal("Default returned two different metric sets")
	}
}

func TestRecordRun(t *testing.T) {
	m := Default()
	before := testutil.ToFloat64(m.Runs.WithLabelValues("final"))

	m.RecordRun("final", 3*time.Second)

	if got := testutil.ToFloat64(m.Runs.WithLabelValues("final")); got != before+1 {
		t.Errorf("runs counter = %v, want %v", got, before+1)
	}
	if n := testutil.CollectAndCount(m.RunDuration, "clawdis_run_duration_seconds"); n < 1 {
		t.Errorf("run duration series = %d, want at least 1", n)
	}
}

func TestRecordEngineRequest(t *testing.T) {
	m := Default()
	in := m.EngineTokens.WithLabelValues("anthropic", "test-model", "input")
	out := m.EngineTokens.WithLabelValues("anthropic", "test-model", "output")
	beforeIn := testutil.ToFloat64(in)
	beforeOut := testutil.ToFloat64(out)

	m.RecordEngineRequest("anthropic", "test-model", 1500*time.Millisecond, 120, 48)

	if got := testutil.ToFloat64(in); got != beforeIn+120 {
		t.Errorf("input tokens = %v, want %v", got, beforeIn+120)
	}
	if got := testutil.ToFloat64(out); got != beforeOut+48 {
		t.Errorf("output tokens = %v, want %v", got, beforeOut+48)
	}

	// Zero counts stay unrecorded rather than creating zero-valued series.
	m.RecordEngineRequest("anthropic", "test-model", time.Second, 0, 0)
	if got := testutil.ToFloat64(in); got != beforeIn+120 {
		t.Errorf("input tokens after zero record = %v, want %v", got, beforeIn+120)
	}
}

func TestRecordHeartbeat(t *testing.T) {
	m := Default()
	before := testutil.ToFloat64(m.HeartbeatRuns.WithLabelValues("ran"))

	m.RecordHeartbeat("ran")

	if got := testutil.ToFloat64(m.HeartbeatRuns.WithLabelValues("ran")); got != before+1 {
		t.Errorf("heartbeat counter = %v, want %v", got, before+1)
	}
}

func TestConnectionGaugeAndDrops(t *testing.T) {
	m := Default()
	base := testutil.ToFloat64(m.WSConnections)

	m.WSConnections.Inc()
	m.WSConnections.Inc()
	m.WSConnections.Dec()

	if got := testutil.ToFloat64(m.WSConnections); got != base+1 {
		t.Errorf("ws gauge = %v, want %v", got, base+1)
	}

	drops := testutil.ToFloat64(m.EventDrops)
	m.EventDrops.Inc()
	if got := testutil.ToFloat64(m.EventDrops); got != drops+1 {
		t.Errorf("drop counter = %v, want %v", got, drops+1)
	}
}

type stubAdapter struct {
	id        models.ChannelType
	envelopes chan *models.Envelope
}

func (s *stubAdapter) Dock() channels.Dock                 { return channels.DockFor(s.id) }
func (s *stubAdapter) Capabilities() channels.Capabilities { return channels.DefaultCapabilities(s.id) }
func (s *stubAdapter) IsEnabled() bool                     { return true }
func (s *stubAdapter) IsConfigured() bool                  { return true }
func (s *stubAdapter) StartAccount(context.Context, *channels.RuntimeContext) error { return nil }
func (s *stubAdapter) StopAccount(context.Context) error   { return nil }
func (s *stubAdapter) SendText(context.Context, string, string) error { return nil }
func (s *stubAdapter) Envelopes() <-chan *models.Envelope  { return s.envelopes }
func (s *stubAdapter) Status() channels.Status             { return channels.Status{State: channels.StateRunning} }

func TestChannelCollector(t *testing.T) {
	reg := channels.NewRegistry(channels.RuntimeContext{}, nil)
	if err := reg.Register(&stubAdapter{id: models.ChannelTelegram, envelopes: make(chan *models.Envelope)}); err != nil {
		t.Fatalf("register: %v", err)
	}

	m := reg.Metrics(models.ChannelTelegram)
	m.RecordMessageSent()
	m.RecordMessageSent()
	m.RecordMessageReceived()
	m.RecordMessageFailed()
	m.RecordReconnect()
	m.RecordReconnect()
	m.RecordReconnect()

	expected := `
# HELP clawdis_channel_messages_total Messages by channel and direction.
# TYPE clawdis_channel_messages_total counter
clawdis_channel_messages_total{channel="telegram",direction="inbound"} 1
clawdis_channel_messages_total{channel="telegram",direction="outbound"} 2
# HELP clawdis_channel_reconnects_total Adapter reconnect attempts.
# TYPE clawdis_channel_reconnects_total counter
clawdis_channel_reconnects_total{channel="telegram"} 3
# HELP clawdis_channel_send_failures_total Outbound messages that exhausted their retries.
# TYPE clawdis_channel_send_failures_total counter
clawdis_channel_send_failures_total{channel="telegram"} 1
`
	collector := NewChannelCollector(reg)
	err := testutil.CollectAndCompare(collector, strings.NewReader(expected),
		"clawdis_channel_messages_total",
		"clawdis_channel_reconnects_total",
		"clawdis_channel_send_failures_total",
	)
	if err != nil {
		t.Fatalf("collector output: %v", err)
	}
}

func TestChannelCollectorEmptyRegistry(t *testing.T) {
	reg := channels.NewRegistry(channels.RuntimeContext{}, nil)
	collector := NewChannelCollector(reg)

	if n := testutil.CollectAndCount(collector); n != 0 {
		t.Errorf("empty registry produced %d metrics, want 0", n)
	}
}
