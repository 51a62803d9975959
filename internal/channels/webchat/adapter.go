// Package webchat bridges deliveries addressed to the webchat surface
// onto the gateway event stream. There is no upstream transport:
// connected gateway clients in webchat mode are the recipients, so a
// send is one broadcast frame. Inbound text normally enters through the
// gateway's chat.send RPC, which submits to the scheduler directly;
// Inject covers producers that want the envelope path instead.
package webchat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clawdis/clawdis/internal/channels"
	"github.com/clawdis/clawdis/internal/config"
	"github.com/clawdis/clawdis/pkg/models"
)

// Broadcaster fans one event frame out to every connected gateway
// client. *gateway.Hub satisfies it; the indirection keeps this package
// out of the gateway's import graph.
type Broadcaster interface {
	Broadcast(event string, payload any)
}

// eventChat matches the gateway's chat event name. Delivery frames
// carry to/text keys where run frames carry runId, so clients can tell
// them apart on one stream.
const eventChat = "chat"

// Adapter is the webchat surface.
type Adapter struct {
	cfg         config.WebchatConfig
	logger      *slog.Logger
	broadcaster Broadcaster

	mu      sync.Mutex
	running bool

	envelopes chan *models.Envelope

	statusMu  sync.RWMutex
	status    channels.Status
	setStatus func(channels.Status)
	now       func() time.Time
}

// New creates the adapter around the gateway hub.
func New(cfg config.WebchatConfig, b Broadcaster) *Adapter {
	return &Adapter{
		cfg:         cfg,
		logger:      slog.Default(),
		broadcaster: b,
		envelopes:   make(chan *models.Envelope, 100),
		status:      channels.Status{State: channels.StateStopped},
		now:         time.Now,
	}
}

func (a *Adapter) Dock() channels.Dock { return channels.DockFor(models.ChannelWebchat) }

func (a *Adapter) Capabilities() channels.Capabilities {
	return channels.DefaultCapabilities(models.ChannelWebchat)
}

// IsEnabled is always true: the surface exists wherever the gateway
// runs, there is no upstream to switch off.
func (a *Adapter) IsEnabled() bool { return true }

func (a *Adapter) IsConfigured() bool { return a.broadcaster != nil }

// StartAccount goes straight to running; the gateway owns the sockets.
func (a *Adapter) StartAccount(ctx context.Context, rt *channels.RuntimeContext) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if rt != nil {
		if rt.Logger != nil {
			a.logger = rt.Logger
		}
		a.setStatus = rt.SetStatus
		a.now = rt.Clock()
	}
	if a.broadcaster == nil {
		werr := channels.ErrConfig("webchat needs the gateway event hub", nil)
		a.publishStatus(channels.Status{State: channels.StateError, Error: werr.Message})
		return werr
	}
	if a.running {
		return nil
	}
	a.running = true
	a.publishStatus(channels.Status{
		State: channels.StateRunning, Connected: true, LastPing: a.now().Unix(),
	})
	return nil
}

func (a *Adapter) StopAccount(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.running = false
	a.publishStatus(channels.Status{State: channels.StateStopped})
	return nil
}

// SendText broadcasts one already-chunked fragment. to is advisory:
// clients filter on it, the frame reaches every connection.
func (a *Adapter) SendText(ctx context.Context, to, text string) error {
	if !a.isRunning() {
		return channels.ErrTransient("webchat is not running", nil)
	}
	frame := map[string]any{"text": text}
	if to != "" {
		frame["to"] = to
	}
	a.broadcaster.Broadcast(eventChat, frame)
	return nil
}

// SendMedia broadcasts the media references as-is. Webchat clients run
// next to the gateway, so a path or URL is directly resolvable; there
// is nothing to upload.
func (a *Adapter) SendMedia(ctx context.Context, to string, payload *models.Payload) error {
	if !a.isRunning() {
		return channels.ErrTransient("webchat is not running", nil)
	}
	refs := payload.AllMedia()
	if len(refs) == 0 {
		return a.SendText(ctx, to, payload.Text)
	}
	frame := map[string]any{"media": refs}
	if payload.Text != "" {
		frame["text"] = payload.Text
	}
	if to != "" {
		frame["to"] = to
	}
	a.broadcaster.Broadcast(eventChat, frame)
	return nil
}

// Inject queues an inbound envelope as if a webchat client had sent
// it. Surface is stamped; chat type, timestamp and message id default
// when absent.
func (a *Adapter) Inject(env *models.Envelope) error {
	if env == nil {
		return channels.ErrInvalidInput("webchat envelope is nil", nil)
	}
	env.Surface = models.ChannelWebchat
	if env.ChatType == "" {
		env.ChatType = models.ChatDirect
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = a.now()
	}
	if env.MessageID == "" {
		env.MessageID = uuid.NewString()
	}
	if err := env.Validate(); err != nil {
		return channels.ErrInvalidInput("webchat envelope rejected", err)
	}
	a.emit(env)
	return nil
}

func (a *Adapter) ConfigPrefixes() []string { return []string{"channels.webchat"} }

// ApplyConfig swaps in fresh channel config; the registry calls it
// only while the adapter is stopped.
func (a *Adapter) ApplyConfig(cfg *config.Config) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cfg = cfg.Channels.Webchat
}

func (a *Adapter) Envelopes() <-chan *models.Envelope { return a.envelopes }

func (a *Adapter) Status() channels.Status {
	a.statusMu.RLock()
	defer a.statusMu.RUnlock()
	return a.status
}

func (a *Adapter) publishStatus(st channels.Status) {
	a.statusMu.Lock()
	a.status = st
	sink := a.setStatus
	a.statusMu.Unlock()
	if sink != nil {
		sink(st)
	}
}

func (a *Adapter) isRunning() bool {
	a.statusMu.RLock()
	defer a.statusMu.RUnlock()
	return a.status.State == channels.StateRunning
}

func (a *Adapter) emit(env *models.Envelope) {
	select {
	case a.envelopes <- env:
	default:
		a.logger.Warn("envelope buffer full, dropping message",
			"from", env.From, "messageId", env.MessageID)
	}
}
