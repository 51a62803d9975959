package webchat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/clawdis/clawdis/internal/channels"
	"github.com/clawdis/clawdis/internal/config"
	"github.com/clawdis/clawdis/pkg/models"
)

type broadcastRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

type recordedEvent struct {
	event   string
	payload map[string]any
}

func (r *broadcastRecorder) Broadcast(event string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, _ := payload.(map[string]any)
	r.events = append(r.events, recordedEvent{event: event, payload: m})
}

func (r *broadcastRecorder) all() []recordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedEvent(nil), r.events...)
}

func newTestAdapter(t *testing.T) (*Adapter, *broadcastRecorder) {
	t.Helper()
	rec := &broadcastRecorder{}
	a := New(config.WebchatConfig{}, rec)
	return a, rec
}

func startAdapter(t *testing.T, a *Adapter) {
	t.Helper()
	if err := a.StartAccount(context.Background(), &channels.RuntimeContext{}); err != nil {
		t.Fatalf("StartAccount: %v", err)
	}
	t.Cleanup(func() { _ = a.StopAccount(context.Background()) })
}

func TestStartAccountWithoutHub(t *testing.T) {
	a := New(config.WebchatConfig{}, nil)
	err := a.StartAccount(context.Background(), &channels.RuntimeContext{})
	var chErr *channels.Error
	if !errors.As(err, &chErr) || chErr.Code != channels.ErrCodeConfig {
		t.Fatalf("err = %v, want config error", err)
	}
	if a.IsConfigured() {
		t.Error("IsConfigured with nil hub")
	}
}

func TestSendBeforeStart(t *testing.T) {
	a, _ := newTestAdapter(t)
	err := a.SendText(context.Background(), "webchat:dana", "hi")
	var chErr *channels.Error
	if !errors.As(err, &chErr) || chErr.Code != channels.ErrCodeTransient {
		t.Fatalf("err = %v, want transient", err)
	}
}

func TestSendText(t *testing.T) {
	a, rec := newTestAdapter(t)
	startAdapter(t, a)

	if err := a.SendText(context.Background(), "webchat:dana", "reply text"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	events := rec.all()
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if events[0].event != "chat" {
		t.Errorf("event = %q", events[0].event)
	}
	if events[0].payload["to"] != "webchat:dana" || events[0].payload["text"] != "reply text" {
		t.Errorf("payload = %+v", events[0].payload)
	}
}

func TestSendTextEmptyTargetOmitsKey(t *testing.T) {
	a, rec := newTestAdapter(t)
	startAdapter(t, a)

	if err := a.SendText(context.Background(), "", "announce"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	events := rec.all()
	if _, ok := events[0].payload["to"]; ok {
		t.Errorf("payload carries empty to: %+v", events[0].payload)
	}
}

func TestSendAfterStop(t *testing.T) {
	a, _ := newTestAdapter(t)
	if err := a.StartAccount(context.Background(), &channels.RuntimeContext{}); err != nil {
		t.Fatalf("StartAccount: %v", err)
	}
	if err := a.StopAccount(context.Background()); err != nil {
		t.Fatalf("StopAccount: %v", err)
	}
	err := a.SendText(context.Background(), "webchat:dana", "late")
	var chErr *channels.Error
	if !errors.As(err, &chErr) || chErr.Code != channels.ErrCodeTransient {
		t.Fatalf("err = %v, want transient", err)
	}
}

func TestSendMediaBroadcastsRefs(t *testing.T) {
	a, rec := newTestAdapter(t)
	startAdapter(t, a)

	payload := &models.Payload{
		Text:      "two shots",
		MediaURLs: []string{"/tmp/a.png", "https://example.test/b.png"},
	}
	if err := a.SendMedia(context.Background(), "webchat:dana", payload); err != nil {
		t.Fatalf("SendMedia: %v", err)
	}
	events := rec.all()
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	refs, ok := events[0].payload["media"].([]string)
	if !ok || len(refs) != 2 {
		t.Fatalf("media = %#v", events[0].payload["media"])
	}
	if refs[0] != "/tmp/a.png" || refs[1] != "https://example.test/b.png" {
		t.Errorf("refs = %v", refs)
	}
	if events[0].payload["text"] != "two shots" {
		t.Errorf("caption = %v", events[0].payload["text"])
	}
}

func TestSendMediaTextOnlyFallsBack(t *testing.T) {
	a, rec := newTestAdapter(t)
	startAdapter(t, a)

	if err := a.SendMedia(context.Background(), "webchat:dana", &models.Payload{Text: "plain"}); err != nil {
		t.Fatalf("SendMedia: %v", err)
	}
	events := rec.all()
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if _, ok := events[0].payload["media"]; ok {
		t.Errorf("text-only payload carries media: %+v", events[0].payload)
	}
	if events[0].payload["text"] != "plain" {
		t.Errorf("payload = %+v", events[0].payload)
	}
}

func TestInjectDefaultsAndEmits(t *testing.T) {
	a, _ := newTestAdapter(t)
	startAdapter(t, a)

	env := &models.Envelope{From: "webchat:dana", Body: "hello"}
	if err := a.Inject(env); err != nil {
		t.Fatalf("Inject: %v", err)
	}

	select {
	case got := <-a.Envelopes():
		if got.Surface != models.ChannelWebchat || got.ChatType != models.ChatDirect {
			t.Errorf("envelope = %+v", got)
		}
		if got.MessageID == "" || got.Timestamp.IsZero() {
			t.Errorf("defaults not stamped: %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
	}
}

func TestInjectRejectsInvalid(t *testing.T) {
	a, _ := newTestAdapter(t)

	var chErr *channels.Error
	if err := a.Inject(nil); !errors.As(err, &chErr) || chErr.Code != channels.ErrCodeInvalidInput {
		t.Fatalf("nil envelope err = %v", err)
	}
	if err := a.Inject(&models.Envelope{From: "webchat:dana"}); !errors.As(err, &chErr) || chErr.Code != channels.ErrCodeInvalidInput {
		t.Fatalf("empty body err = %v", err)
	}

	select {
	case env := <-a.Envelopes():
		t.Fatalf("unexpected envelope %+v", env)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLifecycleAndStatus(t *testing.T) {
	a, _ := newTestAdapter(t)

	var mu sync.Mutex
	var seen []channels.Status
	rt := &channels.RuntimeContext{SetStatus: func(st channels.Status) {
		mu.Lock()
		seen = append(seen, st)
		mu.Unlock()
	}}
	if err := a.StartAccount(context.Background(), rt); err != nil {
		t.Fatalf("StartAccount: %v", err)
	}
	if st := a.Status(); st.State != channels.StateRunning || !st.Connected {
		t.Errorf("status after start = %+v", st)
	}
	if err := a.StartAccount(context.Background(), rt); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if err := a.StopAccount(context.Background()); err != nil {
		t.Fatalf("StopAccount: %v", err)
	}
	if st := a.Status(); st.State != channels.StateStopped {
		t.Errorf("status after stop = %+v", st)
	}

	mu.Lock()
	// Double start publishes nothing; running, stopped is the sequence.
	if len(seen) != 2 || seen[0].State != channels.StateRunning || seen[1].State != channels.StateStopped {
		t.Errorf("published statuses = %+v", seen)
	}
	mu.Unlock()

	select {
	case _, ok := <-a.Envelopes():
		if !ok {
			t.Fatal("envelope stream closed by stop")
		}
	default:
	}
}

func TestAdapterSurfaceMetadata(t *testing.T) {
	a, _ := newTestAdapter(t)

	if a.Dock().ID != models.ChannelWebchat {
		t.Errorf("dock = %+v", a.Dock())
	}
	caps := a.Capabilities()
	if !caps.Media {
		t.Errorf("caps = %+v, want media", caps)
	}
	if caps.Typing || caps.Polls || caps.Threads {
		t.Errorf("caps = %+v, typing, polls and threads are not supported", caps)
	}
	if len(caps.ChatTypes) != 1 || caps.ChatTypes[0] != models.ChatDirect {
		t.Errorf("chat types = %v", caps.ChatTypes)
	}
	if !a.IsEnabled() || !a.IsConfigured() {
		t.Error("adapter reports disabled or unconfigured")
	}
	prefixes := a.ConfigPrefixes()
	if len(prefixes) != 1 || prefixes[0] != "channels.webchat" {
		t.Errorf("prefixes = %v", prefixes)
	}
}
