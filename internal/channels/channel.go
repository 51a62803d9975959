// Package channels defines the adapter contract shared by every chat
// surface and the registry that owns adapter lifecycle.
//
// Adapters never import each other and never import the scheduler or
// outbound packages; the registry is the only shared module. Heavy
// transport construction happens inside StartAccount, never at
// registration, so listing and inspecting adapters stays cheap.
package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/clawdis/clawdis/internal/config"
	"github.com/clawdis/clawdis/pkg/models"
)

// Adapter is the core interface every surface implements.
type Adapter interface {
	// Dock returns the cheap metadata value for this surface. Safe to
	// call before StartAccount.
	Dock() Dock

	// Capabilities reports supported chat types and feature flags.
	Capabilities() Capabilities

	// IsEnabled reports whether the surface is switched on in config.
	IsEnabled() bool

	// IsConfigured reports whether required settings (tokens, account
	// ids) are present, regardless of the enabled switch.
	IsConfigured() bool

	// StartAccount connects the transport and begins producing
	// envelopes. It must be idempotent while running.
	StartAccount(ctx context.Context, rt *RuntimeContext) error

	// StopAccount disconnects and releases the transport.
	StopAccount(ctx context.Context) error

	// SendText delivers one already-chunked text fragment.
	SendText(ctx context.Context, to, text string) error

	// Envelopes returns the inbound stream. The channel lives for the
	// adapter's lifetime and stays open across stop/start cycles.
	Envelopes() <-chan *models.Envelope

	// Status returns the current connection status.
	Status() Status
}

// MediaSender is implemented by adapters that can deliver attachments.
type MediaSender interface {
	SendMedia(ctx context.Context, to string, payload *models.Payload) error
}

// PollSender is implemented by adapters with native poll support.
type PollSender interface {
	SendPoll(ctx context.Context, to, question string, options []string) error
	PollMaxOptions() int
}

// TypingSender is implemented by adapters that can show a typing
// indicator while a run is streaming.
type TypingSender interface {
	SetTyping(ctx context.Context, to string, active bool) error
}

// QRLogin is implemented by adapters that link via QR code (WhatsApp).
type QRLogin interface {
	// LoginWithQRStart begins a link attempt. Codes arrive on QR as the
	// upstream rotates them; Done closes with the final outcome.
	LoginWithQRStart(ctx context.Context) (*LoginAttempt, error)
}

// LoginAttempt is a QR link attempt in progress.
type LoginAttempt struct {
	ID   string
	QR   <-chan string
	Done <-chan error
}

// Logout is implemented by adapters whose stored credentials can be
// dropped remotely (channels.logout).
type Logout interface {
	LogoutAccount(ctx context.Context) error
}

// HeartbeatCapable lets an adapter veto heartbeat delivery with a
// reason the runner logs (e.g. "whatsapp-not-linked").
type HeartbeatCapable interface {
	HeartbeatReadiness() Readiness
}

// Readiness is a heartbeat delivery readiness verdict.
type Readiness struct {
	Ready  bool   `json:"ready"`
	Reason string `json:"reason,omitempty"`
}

// Reloadable scopes config hot reload: the adapter restarts only when a
// changed config path falls under one of these prefixes.
type Reloadable interface {
	ConfigPrefixes() []string
}

// ConfigApplier is implemented by adapters that accept a fresh config
// between stop and start. The registry calls ApplyConfig only while
// the adapter is stopped.
type ConfigApplier interface {
	ApplyConfig(cfg *config.Config)
}

// Prober is implemented by adapters with a cheap upstream connectivity
// check beyond local status.
type Prober interface {
	Probe(ctx context.Context) HealthStatus
}

// Status represents the connection status of a surface.
type Status struct {
	// State is stopped, starting, running, or error.
	State     string `json:"state"`
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
	LastPing  int64  `json:"lastPing,omitempty"`
}

// Adapter states.
const (
	StateStopped  = "stopped"
	StateStarting = "starting"
	StateRunning  = "running"
	StateError    = "error"
)

// HealthStatus is a probe result.
type HealthStatus struct {
	Healthy   bool          `json:"healthy"`
	Latency   time.Duration `json:"latency"`
	Message   string        `json:"message,omitempty"`
	LastCheck time.Time     `json:"lastCheck"`
}

// RuntimeContext is handed to StartAccount. It carries everything an
// adapter may touch outside its own transport; adapters hold no
// globals.
type RuntimeContext struct {
	Logger   *slog.Logger
	MediaDir string
	Now      func() time.Time
	// SetStatus publishes adapter status transitions to the registry.
	SetStatus func(Status)
}

// Clock returns the injected clock, defaulting to time.Now.
func (rt *RuntimeContext) Clock() func() time.Time {
	if rt != nil && rt.Now != nil {
		return rt.Now
	}
	return time.Now
}

// Registry owns the adapter set. It serializes start/stop per adapter,
// aggregates inbound envelopes and status, and routes config reloads.
// At most one active instance per surface id.
type Registry struct {
	mu     sync.RWMutex
	slots  map[models.ChannelType]*slot
	logger *slog.Logger

	base     RuntimeContext
	activity *ActivityTracker
}

type slot struct {
	adapter Adapter

	// lifecycle serializes StartAccount/StopAccount for this adapter.
	lifecycle sync.Mutex

	statusMu sync.RWMutex
	status   Status
	metrics  *Metrics
	running  bool
}

// NewRegistry creates an empty registry. The base runtime context is
// cloned per adapter with a status sink attached.
func NewRegistry(base RuntimeContext, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		slots:    make(map[models.ChannelType]*slot),
		logger:   logger.With("component", "channels"),
		base:     base,
		activity: NewActivityTracker(),
	}
}

// Activity returns the per-surface traffic tracker.
func (r *Registry) Activity() *ActivityTracker { return r.activity }

// Register adds an adapter. Registering the same surface twice is a
// programming error and is rejected.
func (r *Registry) Register(adapter Adapter) error {
	id := adapter.Dock().ID
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.slots[id]; exists {
		return fmt.Errorf("channel %s already registered", id)
	}
	r.slots[id] = &slot{
		adapter: adapter,
		status:  Status{State: StateStopped},
		metrics: NewMetrics(id),
	}
	return nil
}

// Get returns the adapter for a surface id.
func (r *Registry) Get(id models.ChannelType) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.slots[id]
	if !ok {
		return nil, false
	}
	return s.adapter, true
}

// All returns registered adapters in dock order.
func (r *Registry) All() []Adapter {
	r.mu.RLock()
	out := make([]Adapter, 0, len(r.slots))
	for _, s := range r.slots {
		out = append(out, s.adapter)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].Dock().Order < out[j].Dock().Order
	})
	return out
}

// Metrics returns the in-process counters for a surface.
func (r *Registry) Metrics(id models.ChannelType) *Metrics {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.slots[id]; ok {
		return s.metrics
	}
	return nil
}

// StartAll starts every enabled, configured adapter. Individual
// failures are logged and recorded in status; they do not stop the
// rest.
func (r *Registry) StartAll(ctx context.Context) {
	for _, adapter := range r.All() {
		id := adapter.Dock().ID
		if !adapter.IsEnabled() {
			continue
		}
		if !adapter.IsConfigured() {
			r.logger.Warn("channel enabled but not configured", "channel", id)
			continue
		}
		if err := r.Start(ctx, id); err != nil {
			r.logger.Error("channel start failed", "channel", id, "error", err)
		}
	}
}

// Start starts one adapter under its lifecycle lock.
func (r *Registry) Start(ctx context.Context, id models.ChannelType) error {
	s := r.slot(id)
	if s == nil {
		return fmt.Errorf("channel %s not registered", id)
	}
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if s.isRunning() {
		return nil
	}

	s.setStatus(Status{State: StateStarting})
	rt := r.runtimeFor(s)
	if err := s.adapter.StartAccount(ctx, rt); err != nil {
		s.setStatus(Status{State: StateError, Error: err.Error()})
		return err
	}
	s.setRunning(true)
	if cur := s.adapter.Status(); cur.State != "" {
		s.setStatus(cur)
	} else {
		s.setStatus(Status{State: StateRunning, Connected: true})
	}
	r.logger.Info("channel started", "channel", id)
	return nil
}

// Stop stops one adapter under its lifecycle lock.
func (r *Registry) Stop(ctx context.Context, id models.ChannelType) error {
	s := r.slot(id)
	if s == nil {
		return fmt.Errorf("channel %s not registered", id)
	}
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if !s.isRunning() {
		return nil
	}
	err := s.adapter.StopAccount(ctx)
	s.setRunning(false)
	s.setStatus(Status{State: StateStopped})
	if err != nil {
		return err
	}
	r.logger.Info("channel stopped", "channel", id)
	return nil
}

// StopAll stops every running adapter, returning the last error.
func (r *Registry) StopAll(ctx context.Context) error {
	var lastErr error
	for _, adapter := range r.All() {
		if err := r.Stop(ctx, adapter.Dock().ID); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// Restart stops then starts one adapter.
func (r *Registry) Restart(ctx context.Context, id models.ChannelType) error {
	if err := r.Stop(ctx, id); err != nil {
		r.logger.Warn("channel stop during restart failed", "channel", id, "error", err)
	}
	adapter, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("channel %s not registered", id)
	}
	if !adapter.IsEnabled() || !adapter.IsConfigured() {
		return nil
	}
	return r.Start(ctx, id)
}

// ReloadChanged restarts adapters whose config prefixes intersect the
// changed config paths, handing each the fresh config while stopped.
// Adapters without a Reloadable implementation default to their
// channels.<id> subtree.
func (r *Registry) ReloadChanged(ctx context.Context, cfg *config.Config, changed []string) {
	for _, adapter := range r.All() {
		id := adapter.Dock().ID
		prefixes := []string{"channels." + string(id)}
		if rd, ok := adapter.(Reloadable); ok {
			prefixes = rd.ConfigPrefixes()
		}
		if !matchesAnyPrefix(changed, prefixes) {
			continue
		}
		r.logger.Info("channel config changed, restarting", "channel", id)
		if err := r.Stop(ctx, id); err != nil {
			r.logger.Warn("channel stop during reload failed", "channel", id, "error", err)
		}
		if ap, ok := adapter.(ConfigApplier); ok && cfg != nil {
			ap.ApplyConfig(cfg)
		}
		if !adapter.IsEnabled() || !adapter.IsConfigured() {
			continue
		}
		if err := r.Start(ctx, id); err != nil {
			r.logger.Error("channel restart failed", "channel", id, "error", err)
		}
	}
}

func matchesAnyPrefix(changed, prefixes []string) bool {
	for _, c := range changed {
		for _, p := range prefixes {
			if c == p || dotPrefixed(c, p) || dotPrefixed(p, c) {
				return true
			}
		}
	}
	return false
}

func dotPrefixed(s, prefix string) bool {
	return len(s) > len(prefix) && s[:len(prefix)] == prefix && s[len(prefix)] == '.'
}

// AggregateEnvelopes fans in the inbound streams of every registered
// adapter. Streams stay open across adapter restarts; one that does
// close simply drops out of the fan-in.
func (r *Registry) AggregateEnvelopes(ctx context.Context) <-chan *models.Envelope {
	out := make(chan *models.Envelope)

	for _, adapter := range r.All() {
		go func(a Adapter) {
			for {
				select {
				case <-ctx.Done():
					return
				case env, ok := <-a.Envelopes():
					if !ok {
						return
					}
					if m := r.Metrics(a.Dock().ID); m != nil {
						m.RecordMessageReceived()
					}
					r.activity.RecordInbound(env.Surface, env.From, env.Timestamp)
					select {
					case out <- env:
					case <-ctx.Done():
						return
					}
				}
			}
		}(adapter)
	}

	return out
}

// Summary is the per-surface block of a channels.status snapshot.
type Summary struct {
	ID         models.ChannelType `json:"id"`
	Label      string             `json:"label"`
	Enabled    bool               `json:"enabled"`
	Configured bool               `json:"configured"`
	Status     Status             `json:"status"`
	Readiness  *Readiness         `json:"readiness,omitempty"`
	Metrics    MetricsSnapshot    `json:"metrics"`
	Activity   ActivityEntry      `json:"activity"`
}

// StatusAll returns the aggregated status snapshot in dock order.
func (r *Registry) StatusAll() []Summary {
	adapters := r.All()
	out := make([]Summary, 0, len(adapters))
	for _, adapter := range adapters {
		id := adapter.Dock().ID
		s := r.slot(id)
		sum := Summary{
			ID:         id,
			Label:      adapter.Dock().Label,
			Enabled:    adapter.IsEnabled(),
			Configured: adapter.IsConfigured(),
		}
		if s != nil {
			sum.Status = s.getStatus()
			sum.Metrics = s.metrics.Snapshot()
		}
		sum.Activity = r.activity.Get(id)
		if hb, ok := adapter.(HeartbeatCapable); ok {
			rd := hb.HeartbeatReadiness()
			sum.Readiness = &rd
		}
		out = append(out, sum)
	}
	return out
}

// StatusOf returns the registry-tracked status for one surface.
func (r *Registry) StatusOf(id models.ChannelType) (Status, bool) {
	s := r.slot(id)
	if s == nil {
		return Status{}, false
	}
	return s.getStatus(), true
}

func (r *Registry) slot(id models.ChannelType) *slot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.slots[id]
}

func (r *Registry) runtimeFor(s *slot) *RuntimeContext {
	rt := r.base
	rt.Logger = r.logger.With("channel", s.adapter.Dock().ID)
	if rt.Now == nil {
		rt.Now = time.Now
	}
	rt.SetStatus = s.setStatus
	return &rt
}

func (s *slot) setStatus(st Status) {
	s.statusMu.Lock()
	s.status = st
	s.statusMu.Unlock()
}

func (s *slot) getStatus() Status {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.status
}

func (s *slot) setRunning(v bool) {
	s.statusMu.Lock()
	s.running = v
	s.statusMu.Unlock()
}

func (s *slot) isRunning() bool {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.running
}
