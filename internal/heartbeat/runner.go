// Package heartbeat periodically prompts the agent on the main session
// lane so it can surface anything that needs attention. Replies that
// are nothing but the HEARTBEAT_OK token are swallowed; anything else
// is delivered to the resolved target surface.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/clawdis/clawdis/internal/agent"
	"github.com/clawdis/clawdis/internal/channels"
	"github.com/clawdis/clawdis/internal/config"
	"github.com/clawdis/clawdis/internal/cron"
	"github.com/clawdis/clawdis/internal/observability"
	"github.com/clawdis/clawdis/internal/outbound"
	"github.com/clawdis/clawdis/internal/scheduler"
	"github.com/clawdis/clawdis/internal/sessions"
	"github.com/clawdis/clawdis/pkg/models"
)

// Submitter is the slice of the run scheduler the heartbeat uses: it
// submits the prompt to the main lane and checks whether the lane is
// already occupied.
type Submitter interface {
	Submit(ctx context.Context, sub *scheduler.Submission) (*scheduler.Outcome, error)
	Busy(key string) bool
}

// Deliverer sends the surviving heartbeat reply to its target.
type Deliverer interface {
	Deliver(ctx context.Context, id models.ChannelType, to string, payloads []*models.Payload) []outbound.Receipt
}

// AdapterSource resolves a surface id to a running adapter.
type AdapterSource interface {
	Get(id models.ChannelType) (channels.Adapter, bool)
}

// Status classifies a heartbeat pass.
type Status string

const (
	StatusRan     Status = "ran"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// Result is the outcome of one heartbeat pass.
type Result struct {
	Status Status `json:"status"`
	// Reason explains skips and failures. For ran it distinguishes the
	// silent acknowledgments (ok-empty, ok-token) from a delivered
	// reply, which leaves Reason empty.
	Reason  string             `json:"reason,omitempty"`
	Channel models.ChannelType `json:"channel,omitempty"`
	To      string             `json:"to,omitempty"`
	// Preview holds the leading runes of a delivered reply.
	Preview    string `json:"preview,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"`
}

const previewLimit = 160

// Runner owns the heartbeat loop for the main session.
type Runner struct {
	cfg      *config.Config
	sched    Submitter
	store    sessions.Store
	adapters AdapterSource
	deliver  Deliverer
	logger   *slog.Logger
	sink     func(Result)
	now      func() time.Time

	mu        sync.Mutex
	started   bool
	wakeTimer *time.Timer
	wakeCh    chan string
	wg        sync.WaitGroup

	// runMu serializes passes so an interval tick and a wake cannot
	// interleave their target resolution and delivery.
	runMu sync.Mutex
}

// Option customizes a Runner.
type Option func(*Runner)

// WithLogger sets the runner logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithNow injects the clock used for envelope timestamps and durations.
func WithNow(now func() time.Time) Option {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

// WithEventSink registers a callback invoked with every pass result.
func WithEventSink(sink func(Result)) Option {
	return func(r *Runner) { r.sink = sink }
}

// NewRunner builds a heartbeat runner. It does not start the loop.
func NewRunner(cfg *config.Config, sched Submitter, store sessions.Store, adapters AdapterSource, deliver Deliverer, opts ...Option) *Runner {
	r := &Runner{
		cfg:      cfg,
		sched:    sched,
		store:    store,
		adapters: adapters,
		deliver:  deliver,
		logger:   slog.Default(),
		now:      time.Now,
		wakeCh:   make(chan string, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Interval returns the configured heartbeat interval. Zero disables the
// interval trigger; wakes and explicit runs still work.
func (r *Runner) Interval() time.Duration {
	every := strings.TrimSpace(r.cfg.Agent.Heartbeat.Every)
	if every == "" {
		return 0
	}
	d, err := cron.ParseEvery(every)
	if err != nil {
		r.logger.Warn("heartbeat interval invalid, disabling", "every", every, "error", err)
		return 0
	}
	if d <= 0 {
		return 0
	}
	return d
}

// Start launches the heartbeat loop. Safe to call once; later calls are
// no-ops. The loop exits when ctx is canceled.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	interval := r.Interval()
	if interval > 0 {
		r.logger.Info("heartbeat enabled", "every", interval.String(), "target", r.targetMode())
	} else {
		r.logger.Info("heartbeat interval disabled, wake-only")
	}

	r.wg.Add(1)
	go r.loop(ctx, interval)
}

// Stop waits for the loop to exit after its context is canceled.
func (r *Runner) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) loop(ctx context.Context, interval time.Duration) {
	defer r.wg.Done()

	var tick <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			r.disarmWake()
			return
		case <-tick:
			r.RunNow(ctx, "interval")
		case reason := <-r.wakeCh:
			r.RunNow(ctx, reason)
		}
	}
}

// RequestHeartbeatNow asks for a pass outside the interval. Requests
// inside the coalesce window collapse into a single run at the end of
// the window.
func (r *Runner) RequestHeartbeatNow(reason string) {
	if strings.TrimSpace(reason) == "" {
		reason = "wake"
	}
	window := time.Duration(r.cfg.Agent.Heartbeat.CoalesceSeconds) * time.Second
	if window <= 0 {
		r.enqueueWake(reason)
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.wakeTimer != nil {
		return
	}
	r.wakeTimer = time.AfterFunc(window, func() {
		r.mu.Lock()
		r.wakeTimer = nil
		r.mu.Unlock()
		r.enqueueWake(reason)
	})
}

func (r *Runner) enqueueWake(reason string) {
	select {
	case r.wakeCh <- reason:
	default:
	}
}

func (r *Runner) disarmWake() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.wakeTimer != nil {
		r.wakeTimer.Stop()
		r.wakeTimer = nil
	}
}

// RunNow executes a single heartbeat pass and reports its result. It is
// the entry point for the interval tick, coalesced wakes, and the
// explicit RPC trigger.
func (r *Runner) RunNow(ctx context.Context, reason string) Result {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	started := r.now()
	res := r.runHeartbeat(ctx)
	res.DurationMs = r.now().Sub(started).Milliseconds()

	switch res.Status {
	case StatusFailed:
		r.logger.Warn("heartbeat failed", "trigger", reason, "reason", res.Reason)
	case StatusSkipped:
		r.logger.Debug("heartbeat skipped", "trigger", reason, "reason", res.Reason)
	default:
		r.logger.Info("heartbeat ran",
			"trigger", reason,
			"reason", res.Reason,
			"channel", res.Channel,
			"to", res.To,
			"durationMs", res.DurationMs)
	}
	observability.Default().RecordHeartbeat(string(res.Status))
	if r.sink != nil {
		r.sink(res)
	}
	return res
}

type finished struct {
	result *agent.RunResult
	err    error
}

func (r *Runner) runHeartbeat(ctx context.Context) Result {
	mainKey := r.mainKey()
	if r.sched.Busy(mainKey) {
		return Result{Status: StatusSkipped, Reason: "requests-in-flight"}
	}

	entry, err := r.store.Get(ctx, mainKey)
	if err != nil && !errors.Is(err, sessions.ErrNotFound) {
		return Result{Status: StatusFailed, Reason: fmt.Sprintf("session load: %v", err)}
	}

	tgt, skipReason := r.resolveTarget(entry)
	if skipReason != "" {
		return Result{Status: StatusSkipped, Reason: skipReason}
	}

	var prevUpdated time.Time
	if entry != nil {
		prevUpdated = entry.UpdatedAt
	}

	prompt := strings.TrimSpace(r.cfg.Agent.Heartbeat.Prompt)
	if prompt == "" {
		prompt = config.DefaultHeartbeatPrompt
	}

	env := &models.Envelope{
		Body:       prompt,
		Surface:    tgt.channel,
		From:       tgt.to,
		ChatType:   models.ChatDirect,
		SenderName: "heartbeat",
		Timestamp:  r.now(),
	}

	var typer channels.TypingSender
	if ts, ok := tgt.adapter.(channels.TypingSender); ok {
		typer = ts
	}
	typing := channels.NewTypingController(typer, tgt.to, r.logger)
	typing.Start(ctx)
	defer typing.Stop()

	done := make(chan finished, 1)
	outcome, err := r.sched.Submit(ctx, &scheduler.Submission{
		Envelope:   env,
		SessionKey: mainKey,
		NoDeliver:  true,
		OnFinished: func(_ scheduler.Run, result *agent.RunResult, runErr error) {
			done <- finished{result: result, err: runErr}
		},
	})
	if err != nil {
		return Result{Status: StatusFailed, Reason: fmt.Sprintf("submit: %v", err)}
	}
	if !outcome.Started {
		// Lost the idle check race; the queued prompt folds into the
		// lane's normal drain instead of running as a heartbeat.
		return Result{Status: StatusSkipped, Reason: "requests-in-flight"}
	}

	var fin finished
	select {
	case fin = <-done:
	case <-ctx.Done():
		return Result{Status: StatusFailed, Reason: ctx.Err().Error()}
	}

	defer r.restoreUpdatedAt(mainKey, prevUpdated)

	if fin.err != nil {
		return Result{Status: StatusFailed, Reason: fin.err.Error(), Channel: tgt.channel, To: tgt.to}
	}

	payload := lastNonEmpty(fin.result)
	if payload == nil {
		return Result{Status: StatusRan, Reason: "ok-empty", Channel: tgt.channel, To: tgt.to}
	}

	strip := StripToken(payload.Text)
	hasMedia := payload.MediaURL != "" || len(payload.MediaURLs) > 0
	if strip.Suppress && !hasMedia {
		return Result{Status: StatusRan, Reason: "ok-token", Channel: tgt.channel, To: tgt.to}
	}

	out := *payload
	out.Text = strip.Text
	receipts := r.deliver.Deliver(ctx, tgt.channel, tgt.to, []*models.Payload{&out})
	for _, rc := range receipts {
		if !rc.Delivered {
			reason := rc.Error
			if reason == "" {
				reason = "delivery failed"
			}
			return Result{Status: StatusFailed, Reason: reason, Channel: tgt.channel, To: tgt.to}
		}
	}
	return Result{
		Status:  StatusRan,
		Channel: tgt.channel,
		To:      tgt.to,
		Preview: preview(strip.Text),
	}
}

type target struct {
	channel models.ChannelType
	to      string
	adapter channels.Adapter
}

// resolveTarget picks the delivery surface for a pass. An empty reason
// means the target is usable; otherwise the pass is skipped with that
// reason.
func (r *Runner) resolveTarget(entry *sessions.Entry) (target, string) {
	mode := r.targetMode()
	if mode == "none" {
		return target{}, "no-target"
	}

	var ch models.ChannelType
	var to string
	if mode == "last" {
		if entry == nil || entry.LastChannel == "" || entry.LastChannel == models.ChannelWebchat {
			return target{}, "no-target"
		}
		ch = entry.LastChannel
		to = entry.LastTo
	} else {
		ch = models.ChannelType(mode)
		if !ch.Valid() || ch == models.ChannelWebchat {
			return target{}, "no-target"
		}
		to = strings.TrimSpace(r.cfg.Agent.Heartbeat.To)
		if to == "" && entry != nil && entry.LastChannel == ch {
			to = entry.LastTo
		}
	}
	if to == "" {
		return target{}, "no-target"
	}

	if ch == models.ChannelWhatsApp {
		if fallback, ok := allowFromFallback(r.cfg.Channels.WhatsApp.AllowFrom, to); ok {
			r.logger.Info("heartbeat target outside allowFrom, using first allowed", "to", fallback)
			to = fallback
		}
	}

	adapter, ok := r.adapters.Get(ch)
	if !ok {
		return target{}, "no-target"
	}
	if capable, ok := adapter.(channels.HeartbeatCapable); ok {
		rd := capable.HeartbeatReadiness()
		if !rd.Ready {
			reason := rd.Reason
			if reason == "" {
				reason = "not-ready"
			}
			return target{}, reason
		}
	} else if !adapter.IsEnabled() {
		return target{}, "no-target"
	}
	return target{channel: ch, to: to, adapter: adapter}, ""
}

func (r *Runner) targetMode() string {
	mode := strings.ToLower(strings.TrimSpace(r.cfg.Agent.Heartbeat.Target))
	if mode == "" {
		return "last"
	}
	return mode
}

func (r *Runner) mainKey() string {
	key := strings.TrimSpace(r.cfg.Session.MainKey)
	if key == "" {
		return config.DefaultMainKey
	}
	return key
}

// restoreUpdatedAt writes the pre-run UpdatedAt back so heartbeat
// prompts do not make the main session look recently active.
func (r *Runner) restoreUpdatedAt(key string, prev time.Time) {
	if prev.IsZero() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.RestoreUpdatedAt(ctx, key, prev); err != nil {
		r.logger.Warn("heartbeat updatedAt restore failed", "key", key, "error", err)
	}
}

// allowFromFallback substitutes the first allowlisted sender when the
// resolved WhatsApp target is not in a non-wildcard allowFrom list.
func allowFromFallback(allow []string, to string) (string, bool) {
	cleaned := make([]string, 0, len(allow))
	for _, a := range allow {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			return "", false
		}
		cleaned = append(cleaned, a)
	}
	if len(cleaned) == 0 {
		return "", false
	}
	for _, a := range cleaned {
		if a == to {
			return "", false
		}
	}
	return cleaned[0], true
}

// lastNonEmpty returns the final payload carrying text or media.
func lastNonEmpty(result *agent.RunResult) *models.Payload {
	if result == nil {
		return nil
	}
	for i := len(result.Payloads) - 1; i >= 0; i-- {
		p := result.Payloads[i]
		if p == nil {
			continue
		}
		if strings.TrimSpace(p.Text) != "" || p.MediaURL != "" || len(p.MediaURLs) > 0 {
			return p
		}
	}
	return nil
}

func preview(text string) string {
	runes := []rune(text)
	if len(runes) <= previewLimit {
		return text
	}
	return string(runes[:previewLimit]) + "..."
}
