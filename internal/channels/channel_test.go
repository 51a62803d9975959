package channels

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/clawdis/clawdis/internal/config"
	"github.com/clawdis/clawdis/pkg/models"
)

// fakeAdapter is a minimal in-memory surface for registry tests.
type fakeAdapter struct {
	id         models.ChannelType
	enabled    bool
	configured bool
	startErr   error

	starts atomic.Int32
	stops  atomic.Int32

	envelopes chan *models.Envelope
}

func newFakeAdapter(id models.ChannelType) *fakeAdapter {
	return &fakeAdapter{
		id:         id,
		enabled:    true,
		configured: true,
		envelopes:  make(chan *models.Envelope, 4),
	}
}

func (f *fakeAdapter) Dock() Dock                 { return DockFor(f.id) }
func (f *fakeAdapter) Capabilities() Capabilities { return DefaultCapabilities(f.id) }
func (f *fakeAdapter) IsEnabled() bool            { return f.enabled }
func (f *fakeAdapter) IsConfigured() bool         { return f.configured }

func (f *fakeAdapter) StartAccount(ctx context.Context, rt *RuntimeContext) error {
	f.starts.Add(1)
	return f.startErr
}

func (f *fakeAdapter) StopAccount(ctx context.Context) error {
	f.stops.Add(1)
	return nil
}

func (f *fakeAdapter) SendText(ctx context.Context, to, text string) error { return nil }

func (f *fakeAdapter) Envelopes() <-chan *models.Envelope { return f.envelopes }

func (f *fakeAdapter) Status() Status { return Status{} }

func TestRegistryRejectsDuplicate(t *testing.T) {
	r := NewRegistry(RuntimeContext{}, nil)
	if err := r.Register(newFakeAdapter(models.ChannelTelegram)); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := r.Register(newFakeAdapter(models.ChannelTelegram)); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
}

func TestRegistryStartIsIdempotent(t *testing.T) {
	r := NewRegistry(RuntimeContext{}, nil)
	a := newFakeAdapter(models.ChannelTelegram)
	if err := r.Register(a); err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx := context.Background()
	if err := r.Start(ctx, models.ChannelTelegram); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := r.Start(ctx, models.ChannelTelegram); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if got := a.starts.Load(); got != 1 {
		t.Fatalf("StartAccount called %d times", got)
	}

	st, ok := r.StatusOf(models.ChannelTelegram)
	if !ok || st.State != StateRunning {
		t.Fatalf("status = %+v, %v", st, ok)
	}
}

func TestRegistryStartFailureSetsErrorState(t *testing.T) {
	r := NewRegistry(RuntimeContext{}, nil)
	a := newFakeAdapter(models.ChannelDiscord)
	a.startErr = errors.New("token rejected")
	if err := r.Register(a); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := r.Start(context.Background(), models.ChannelDiscord); err == nil {
		t.Fatal("expected start to fail")
	}
	st, _ := r.StatusOf(models.ChannelDiscord)
	if st.State != StateError || st.Error == "" {
		t.Fatalf("status = %+v", st)
	}
}

func TestRegistryStopOnlyWhenRunning(t *testing.T) {
	r := NewRegistry(RuntimeContext{}, nil)
	a := newFakeAdapter(models.ChannelTelegram)
	if err := r.Register(a); err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx := context.Background()
	if err := r.Stop(ctx, models.ChannelTelegram); err != nil {
		t.Fatalf("stop while stopped: %v", err)
	}
	if got := a.stops.Load(); got != 0 {
		t.Fatalf("StopAccount called %d times while stopped", got)
	}

	if err := r.Start(ctx, models.ChannelTelegram); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := r.Stop(ctx, models.ChannelTelegram); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if got := a.stops.Load(); got != 1 {
		t.Fatalf("StopAccount called %d times", got)
	}
}

func TestRegistryStartAllSkipsDisabledAndUnconfigured(t *testing.T) {
	r := NewRegistry(RuntimeContext{}, nil)
	disabled := newFakeAdapter(models.ChannelTelegram)
	disabled.enabled = false
	unconfigured := newFakeAdapter(models.ChannelDiscord)
	unconfigured.configured = false
	ready := newFakeAdapter(models.ChannelSlack)

	for _, a := range []*fakeAdapter{disabled, unconfigured, ready} {
		if err := r.Register(a); err != nil {
			t.Fatalf("register: %v", err)
		}
	}

	r.StartAll(context.Background())
	if disabled.starts.Load() != 0 {
		t.Fatal("disabled adapter was started")
	}
	if unconfigured.starts.Load() != 0 {
		t.Fatal("unconfigured adapter was started")
	}
	if ready.starts.Load() != 1 {
		t.Fatal("ready adapter was not started")
	}
}

func TestAggregateEnvelopesFansIn(t *testing.T) {
	r := NewRegistry(RuntimeContext{}, nil)
	tg := newFakeAdapter(models.ChannelTelegram)
	dc := newFakeAdapter(models.ChannelDiscord)
	for _, a := range []*fakeAdapter{tg, dc} {
		if err := r.Register(a); err != nil {
			t.Fatalf("register: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := r.AggregateEnvelopes(ctx)

	now := time.Now()
	tg.envelopes <- &models.Envelope{Surface: models.ChannelTelegram, From: "111", Body: "a", ChatType: models.ChatDirect, Timestamp: now}
	dc.envelopes <- &models.Envelope{Surface: models.ChannelDiscord, From: "222", Body: "b", ChatType: models.ChatDirect, Timestamp: now}

	seen := map[models.ChannelType]bool{}
	for i := 0; i < 2; i++ {
		select {
		case env := <-out:
			seen[env.Surface] = true
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for envelopes")
		}
	}
	if !seen[models.ChannelTelegram] || !seen[models.ChannelDiscord] {
		t.Fatalf("seen = %v", seen)
	}

	if got := r.Metrics(models.ChannelTelegram).Snapshot().Received; got != 1 {
		t.Fatalf("telegram received = %d", got)
	}
	if peer, ok := r.Activity().LastPeer(models.ChannelTelegram); !ok || peer != "111" {
		t.Fatalf("activity peer = %q, %v", peer, ok)
	}
}

func TestReloadChangedMatchesPrefixes(t *testing.T) {
	r := NewRegistry(RuntimeContext{}, nil)
	tg := newFakeAdapter(models.ChannelTelegram)
	dc := newFakeAdapter(models.ChannelDiscord)
	for _, a := range []*fakeAdapter{tg, dc} {
		if err := r.Register(a); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	ctx := context.Background()
	r.StartAll(ctx)

	r.ReloadChanged(ctx, nil, []string{"channels.telegram.botToken"})

	if got := tg.stops.Load(); got != 1 {
		t.Fatalf("telegram stops = %d", got)
	}
	if got := tg.starts.Load(); got != 2 {
		t.Fatalf("telegram starts = %d", got)
	}
	if got := dc.stops.Load(); got != 0 {
		t.Fatalf("discord was restarted: stops = %d", got)
	}
}

// applierAdapter records whether ApplyConfig landed between stop and
// start during a reload.
type applierAdapter struct {
	*fakeAdapter
	appliedAfterStop atomic.Bool
}

func (a *applierAdapter) ApplyConfig(cfg *config.Config) {
	a.appliedAfterStop.Store(a.stops.Load() > a.starts.Load()-1)
	a.enabled = cfg.Channels.Telegram.Enabled
	a.configured = cfg.Channels.Telegram.BotToken != ""
}

func TestReloadChangedAppliesConfigWhileStopped(t *testing.T) {
	r := NewRegistry(RuntimeContext{}, nil)
	tg := &applierAdapter{fakeAdapter: newFakeAdapter(models.ChannelTelegram)}
	if err := r.Register(tg); err != nil {
		t.Fatalf("register: %v", err)
	}
	ctx := context.Background()
	r.StartAll(ctx)

	cfg := &config.Config{}
	cfg.Channels.Telegram.Enabled = true
	cfg.Channels.Telegram.BotToken = "tok"
	r.ReloadChanged(ctx, cfg, []string{"channels.telegram"})

	if !tg.appliedAfterStop.Load() {
		t.Fatal("ApplyConfig ran before the adapter stopped")
	}
	if got := tg.starts.Load(); got != 2 {
		t.Fatalf("telegram starts = %d", got)
	}

	// Disabling the surface keeps it stopped after the next reload.
	cfg2 := &config.Config{}
	cfg2.Channels.Telegram.BotToken = "tok"
	r.ReloadChanged(ctx, cfg2, []string{"channels.telegram.enabled"})
	if got := tg.starts.Load(); got != 2 {
		t.Fatalf("disabled adapter restarted: starts = %d", got)
	}
	st, ok := r.StatusOf(models.ChannelTelegram)
	if !ok || st.State == StateRunning {
		t.Fatalf("status = %+v, %v", st, ok)
	}
}

func TestMatchesAnyPrefix(t *testing.T) {
	tests := []struct {
		name     string
		changed  []string
		prefixes []string
		want     bool
	}{
		{"exact", []string{"channels.telegram"}, []string{"channels.telegram"}, true},
		{"changed below prefix", []string{"channels.telegram.botToken"}, []string{"channels.telegram"}, true},
		{"prefix below changed", []string{"channels"}, []string{"channels.telegram"}, true},
		{"sibling name overlap", []string{"channels.telegrams"}, []string{"channels.telegram"}, false},
		{"unrelated", []string{"agent.provider"}, []string{"channels.telegram"}, false},
		{"empty changed", nil, []string{"channels.telegram"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := matchesAnyPrefix(tt.changed, tt.prefixes); got != tt.want {
				t.Fatalf("matchesAnyPrefix(%v, %v) = %v", tt.changed, tt.prefixes, got)
			}
		})
	}
}
