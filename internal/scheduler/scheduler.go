// Package scheduler serializes agent runs per session: one logical
// worker per session key, a queue for messages that arrive mid-run, and
// the queue modes that decide whether those messages interrupt, steer,
// follow up, or collect into the next run.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clawdis/clawdis/internal/agent"
	"github.com/clawdis/clawdis/internal/config"
	"github.com/clawdis/clawdis/internal/observability"
	"github.com/clawdis/clawdis/internal/outbound"
	"github.com/clawdis/clawdis/internal/sessions"
	"github.com/clawdis/clawdis/pkg/models"
)

const (
	steerBuffer  = 8
	finishedKeep = 256
)

// Runner executes one envelope to completion.
type Runner interface {
	Run(ctx context.Context, req *agent.RunRequest) (*agent.RunResult, error)
}

// Deliverer sends a finished run's payloads back to the chat.
type Deliverer interface {
	Deliver(ctx context.Context, id models.ChannelType, to string, payloads []*models.Payload) []outbound.Receipt
}

// Sink observes run lifecycle and stream events. Calls arrive in engine
// order within a run; the terminal RunFinished call comes after every
// AgentEvent for that run and after the session store write.
type Sink interface {
	RunState(run Run)
	AgentEvent(run Run, ev agent.Event)
	RunFinished(run Run, result *agent.RunResult, receipts []outbound.Receipt, runErr error)
}

// Submission is one envelope offered to a session lane.
type Submission struct {
	Envelope       *models.Envelope
	SessionKey     string
	IdempotencyKey string

	// NoDeliver skips outbound delivery for the run this submission
	// starts; the caller routes the result itself via OnFinished.
	NoDeliver bool
	// OnFinished runs at the terminal state, before the terminal event
	// fans out. Heartbeat uses it for sentinel suppression and custom
	// target routing.
	OnFinished func(run Run, result *agent.RunResult, runErr error)
}

// Outcome reports what Submit did with the envelope.
type Outcome struct {
	Run       Run    `json:"run"`
	Started   bool   `json:"started,omitempty"`
	Steered   bool   `json:"steered,omitempty"`
	Queued    bool   `json:"queued,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Mode      string `json:"mode,omitempty"`
}

// LaneStatus is one session lane's queue snapshot.
type LaneStatus struct {
	SessionKey string `json:"sessionKey"`
	State      string `json:"state"`
	RunID      string `json:"runId,omitempty"`
	RunState   State  `json:"runState,omitempty"`
	Pending    int    `json:"pending"`
	Backlog    int    `json:"backlog,omitempty"`
}

type queued struct {
	env  *models.Envelope
	mode string
}

type lane struct {
	key string

	mu          sync.Mutex
	run         *Run
	runCtx      context.Context
	cancelRun   context.CancelFunc
	steer       chan string
	pending     []*queued
	backlog     []*models.Envelope
	interrupted bool
}

// Scheduler owns the session lanes. Distinct keys run in parallel; one
// key never has more than one non-terminal run.
type Scheduler struct {
	runner  Runner
	store   sessions.Store
	deliver Deliverer
	sink    Sink
	cfg     *config.Config
	logger  *slog.Logger

	mu            sync.Mutex
	lanes         map[string]*lane
	byRun         map[string]*lane
	finished      map[string]Run
	finishedOrder []string
	recent        map[string]string
	recentOrder   []string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	now   func() time.Time
	newID func() string
}

// New wires a scheduler. deliver and sink may be nil.
func New(runner Runner, store sessions.Store, deliver Deliverer, sink Sink, cfg *config.Config, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		runner:   runner,
		store:    store,
		deliver:  deliver,
		sink:     sink,
		cfg:      cfg,
		logger:   logger.With("component", "scheduler"),
		lanes:    make(map[string]*lane),
		byRun:    make(map[string]*lane),
		finished: make(map[string]Run),
		recent:   make(map[string]string),
		ctx:      ctx,
		cancel:   cancel,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Close aborts every active run and waits for the lane workers.
func (s *Scheduler) Close() error {
	s.cancel()
	s.wg.Wait()
	return nil
}

// Submit offers an envelope to its session lane. Idle lanes start a run
// immediately; busy lanes apply the effective queue mode.
func (s *Scheduler) Submit(ctx context.Context, sub *Submission) (*Outcome, error) {
	if sub == nil || sub.Envelope == nil {
		return nil, errors.New("submission has no envelope")
	}
	if sub.SessionKey == "" {
		return nil, errors.New("submission has no session key")
	}
	if err := s.ctx.Err(); err != nil {
		return nil, errors.New("scheduler is closed")
	}

	if sub.IdempotencyKey != "" {
		if run, ok := s.knownKey(sub.IdempotencyKey); ok {
			return &Outcome{Run: run, Duplicate: true}, nil
		}
	}

	entry, err := s.store.GetOrCreate(ctx, sub.SessionKey)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sub.SessionKey, err)
	}

	ln := s.lane(sub.SessionKey)
	mode := s.resolveMode(sub.Envelope, entry)

	ln.mu.Lock()

	// A channel override naming a plain mode still replays backlog: the
	// backlog variant applies whenever there is something to replay.
	if !isBacklogMode(mode) && (len(ln.backlog) > 0 || entry.AbortedLastRun) {
		mode = "backlog-" + mode
	}

	if ln.run == nil {
		env := sub.Envelope
		if len(ln.backlog) > 0 && isBacklogMode(mode) {
			env = composite(ln.backlog, env)
			ln.backlog = nil
		}
		run := s.startLocked(ln, sub.IdempotencyKey)
		snap := *run
		ln.mu.Unlock()

		s.registerRun(run.RunID, ln, sub.IdempotencyKey)
		s.wg.Add(1)
		go s.work(ln, env, sub)
		return &Outcome{Run: snap, Started: true, Mode: mode}, nil
	}

	current := *ln.run
	switch baseMode(mode) {
	case "interrupt":
		ln.pending = []*queued{{env: sub.Envelope, mode: mode}}
		ln.interrupted = true
		cancelRun := ln.cancelRun
		ln.mu.Unlock()
		if cancelRun != nil {
			cancelRun()
		}
		return &Outcome{Run: current, Queued: true, Mode: mode}, nil

	case "steer":
		if ln.steer != nil && !current.State.Terminal() {
			select {
			case ln.steer <- steerText(sub.Envelope):
				ln.mu.Unlock()
				return &Outcome{Run: current, Steered: true, Mode: mode}, nil
			default:
			}
		}
		// Steer buffer full or run winding down: wait for the next run.
		ln.pending = append(ln.pending, &queued{env: sub.Envelope, mode: mode})
		ln.mu.Unlock()
		return &Outcome{Run: current, Queued: true, Mode: mode}, nil

	default: // followup, collect
		ln.pending = append(ln.pending, &queued{env: sub.Envelope, mode: mode})
		ln.mu.Unlock()
		return &Outcome{Run: current, Queued: true, Mode: mode}, nil
	}
}

// Abort cancels the named run. Idempotent: unknown, idle, and already
// terminal runs are a no-op returning false. Queued messages clear only
// when the abort actually lands, in the worker's terminal handling.
func (s *Scheduler) Abort(runID string) bool {
	s.mu.Lock()
	ln := s.byRun[runID]
	s.mu.Unlock()
	if ln == nil {
		return false
	}
	ln.mu.Lock()
	defer ln.mu.Unlock()
	if ln.run == nil || ln.run.RunID != runID || ln.run.State.Terminal() {
		return false
	}
	if ln.cancelRun != nil {
		ln.cancelRun()
	}
	return true
}

// AbortSession cancels the session's active run, if any.
func (s *Scheduler) AbortSession(key string) bool {
	s.mu.Lock()
	ln := s.lanes[key]
	s.mu.Unlock()
	if ln == nil {
		return false
	}
	ln.mu.Lock()
	runID := ""
	if ln.run != nil && !ln.run.State.Terminal() {
		runID = ln.run.RunID
	}
	ln.mu.Unlock()
	if runID == "" {
		return false
	}
	return s.Abort(runID)
}

// StoreContext records a gated-off envelope on the session lane
// without starting a run. The lane's next run replays it inside the
// context section of the composite prompt, alongside any
// disconnected-arrival backlog.
func (s *Scheduler) StoreContext(key string, env *models.Envelope) {
	if key == "" || env == nil {
		return
	}
	ln := s.lane(key)
	ln.mu.Lock()
	ln.backlog = append(ln.backlog, env)
	ln.mu.Unlock()
}

// Busy reports whether the session lane has an active run or queued
// messages. The heartbeat re-entrancy guard reads this.
func (s *Scheduler) Busy(key string) bool {
	s.mu.Lock()
	ln := s.lanes[key]
	s.mu.Unlock()
	if ln == nil {
		return false
	}
	ln.mu.Lock()
	defer ln.mu.Unlock()
	return ln.run != nil || len(ln.pending) > 0
}

// RunStatus returns a snapshot of an active or recently finished run.
func (s *Scheduler) RunStatus(runID string) (Run, bool) {
	s.mu.Lock()
	ln := s.byRun[runID]
	if ln == nil {
		run, ok := s.finished[runID]
		s.mu.Unlock()
		return run, ok
	}
	s.mu.Unlock()

	ln.mu.Lock()
	defer ln.mu.Unlock()
	if ln.run != nil && ln.run.RunID == runID {
		return *ln.run, true
	}
	return Run{}, false
}

// Status snapshots every lane, sorted by session key.
func (s *Scheduler) Status() []LaneStatus {
	s.mu.Lock()
	lanes := make([]*lane, 0, len(s.lanes))
	for _, ln := range s.lanes {
		lanes = append(lanes, ln)
	}
	s.mu.Unlock()

	out := make([]LaneStatus, 0, len(lanes))
	for _, ln := range lanes {
		ln.mu.Lock()
		st := LaneStatus{
			SessionKey: ln.key,
			State:      "idle",
			Pending:    len(ln.pending),
			Backlog:    len(ln.backlog),
		}
		if ln.run != nil {
			st.State = "running"
			if len(ln.pending) > 0 {
				st.State = "running-with-pending"
			}
			st.RunID = ln.run.RunID
			st.RunState = ln.run.State
		}
		ln.mu.Unlock()
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionKey < out[j].SessionKey })
	return out
}

func (s *Scheduler) lane(key string) *lane {
	s.mu.Lock()
	defer s.mu.Unlock()
	ln, ok := s.lanes[key]
	if !ok {
		ln = &lane{key: key}
		s.lanes[key] = ln
	}
	return ln
}

// startLocked creates the run record and its abort handle. Caller holds
// ln.mu.
func (s *Scheduler) startLocked(ln *lane, idempotencyKey string) *Run {
	run := &Run{
		RunID:          s.newID(),
		SessionKey:     ln.key,
		StartedAt:      s.now(),
		IdempotencyKey: idempotencyKey,
		State:          StatePending,
	}
	runCtx, cancelRun := context.WithCancel(s.ctx)
	ln.run = run
	ln.runCtx = runCtx
	ln.cancelRun = cancelRun
	ln.steer = make(chan string, steerBuffer)
	return run
}

func (s *Scheduler) registerRun(runID string, ln *lane, idempotencyKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byRun[runID] = ln
	if idempotencyKey != "" {
		if _, exists := s.recent[idempotencyKey]; !exists {
			s.recentOrder = append(s.recentOrder, idempotencyKey)
			if len(s.recentOrder) > finishedKeep {
				delete(s.recent, s.recentOrder[0])
				s.recentOrder = s.recentOrder[1:]
			}
		}
		s.recent[idempotencyKey] = runID
	}
}

func (s *Scheduler) retireRun(snap Run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byRun, snap.RunID)
	if _, exists := s.finished[snap.RunID]; !exists {
		s.finishedOrder = append(s.finishedOrder, snap.RunID)
		if len(s.finishedOrder) > finishedKeep {
			delete(s.finished, s.finishedOrder[0])
			s.finishedOrder = s.finishedOrder[1:]
		}
	}
	s.finished[snap.RunID] = snap
}

func (s *Scheduler) knownKey(idempotencyKey string) (Run, bool) {
	s.mu.Lock()
	runID, ok := s.recent[idempotencyKey]
	s.mu.Unlock()
	if !ok {
		return Run{}, false
	}
	return s.RunStatus(runID)
}

// work is the lane worker: it executes the head run, then drains the
// queue into follow-on runs until the lane is empty.
func (s *Scheduler) work(ln *lane, env *models.Envelope, sub *Submission) {
	defer s.wg.Done()
	for {
		s.execute(ln, env, sub)
		env, sub = s.next(ln, env)
		if env == nil {
			return
		}
	}
}

func (s *Scheduler) execute(ln *lane, env *models.Envelope, sub *Submission) {
	ln.mu.Lock()
	run := ln.run
	runCtx := ln.runCtx
	cancelRun := ln.cancelRun
	steer := ln.steer
	ln.mu.Unlock()
	defer cancelRun()

	s.emitState(s.snapshot(ln))

	streaming := false
	req := &agent.RunRequest{
		Envelope:   env,
		SessionKey: ln.key,
		RunID:      run.RunID,
		Steer:      steer,
		OnEvent: func(ev agent.Event) {
			if !streaming {
				streaming = true
				s.emitState(s.setState(ln, StateStreaming))
			}
			if s.sink != nil {
				s.sink.AgentEvent(s.snapshot(ln), ev)
			}
		},
	}

	runCtx, span := observability.StartSpan(runCtx, "run.dispatch",
		"runId", run.RunID,
		"sessionKey", ln.key,
		"surface", string(env.Surface),
	)
	result, err := s.runner.Run(runCtx, req)
	observability.EndSpan(span, err)

	switch {
	case err != nil && (runCtx.Err() != nil || errors.Is(err, context.Canceled)):
		s.emitState(s.setState(ln, StateAborted))
		s.markAborted(ln.key)
		ln.mu.Lock()
		if ln.interrupted {
			// The interrupting envelope is already the sole pending item.
			ln.interrupted = false
		} else if len(ln.pending) > 0 {
			for _, q := range ln.pending {
				ln.backlog = append(ln.backlog, q.env)
			}
			ln.pending = nil
		}
		ln.mu.Unlock()
		s.logger.Info("run aborted", "runId", run.RunID, "sessionKey", ln.key)
		s.finish(ln, sub, nil, nil, err)

	case err != nil:
		s.emitState(s.setState(ln, StateError))
		s.logger.Error("run failed", "runId", run.RunID, "sessionKey", ln.key, "error", err)
		s.finish(ln, sub, nil, nil, err)

	default:
		s.emitState(s.setState(ln, StateAwaitingFinal))
		var receipts []outbound.Receipt
		if !sub.NoDeliver && s.deliver != nil && len(result.Payloads) > 0 && env.Surface != "" && env.From != "" {
			receipts = s.deliver.Deliver(s.ctx, env.Surface, outbound.Target(env), result.Payloads)
		}
		s.emitState(s.setState(ln, StateFinal))
		s.finish(ln, sub, result, receipts, nil)
	}
}

// finish retires the run and fans out the terminal notification. The
// session store write happened before this point (in the runner for
// completed runs, in markAborted for aborts).
func (s *Scheduler) finish(ln *lane, sub *Submission, result *agent.RunResult, receipts []outbound.Receipt, runErr error) {
	snap := s.snapshot(ln)
	observability.Default().RecordRun(string(snap.State), time.Since(snap.StartedAt))
	s.retireRun(snap)
	if sub != nil && sub.OnFinished != nil {
		sub.OnFinished(snap, result, runErr)
	}
	if s.sink != nil {
		s.sink.RunFinished(snap, result, receipts, runErr)
	}
}

// next drains the queue after a terminal run. Caller is the lane worker.
// last is the finished run's envelope; it routes rescued steer text.
func (s *Scheduler) next(ln *lane, last *models.Envelope) (*models.Envelope, *Submission) {
	ln.mu.Lock()

	// Steered text the finished run never picked up must not vanish;
	// requeue it ahead of the pending items it preceded.
	if ln.steer != nil {
		var rescued []*queued
		for drained := false; !drained; {
			select {
			case t := <-ln.steer:
				env := *last
				env.Body = t
				env.Media = nil
				rescued = append(rescued, &queued{env: &env, mode: "followup"})
			default:
				drained = true
			}
		}
		if len(rescued) > 0 {
			ln.pending = append(rescued, ln.pending...)
		}
	}

	if len(ln.pending) == 0 {
		ln.run = nil
		ln.runCtx = nil
		ln.cancelRun = nil
		ln.steer = nil
		ln.mu.Unlock()
		return nil, nil
	}

	items := ln.pending
	ln.pending = nil
	ln.interrupted = false
	mode := items[len(items)-1].mode

	envs := make([]*models.Envelope, len(items))
	for i, q := range items {
		envs[i] = q.env
	}
	var env *models.Envelope
	if baseMode(mode) == "collect" && len(envs) > 1 {
		env = composite(envs[:len(envs)-1], envs[len(envs)-1])
	} else {
		env = concatenate(envs)
	}

	run := s.startLocked(ln, "")
	runID := run.RunID
	ln.mu.Unlock()

	s.registerRun(runID, ln, "")
	return env, &Submission{}
}

func (s *Scheduler) snapshot(ln *lane) Run {
	ln.mu.Lock()
	defer ln.mu.Unlock()
	if ln.run == nil {
		return Run{SessionKey: ln.key}
	}
	return *ln.run
}

func (s *Scheduler) setState(ln *lane, state State) Run {
	ln.mu.Lock()
	defer ln.mu.Unlock()
	if ln.run == nil {
		return Run{SessionKey: ln.key}
	}
	ln.run.State = state
	return *ln.run
}

func (s *Scheduler) emitState(run Run) {
	if s.sink != nil && run.RunID != "" {
		s.sink.RunState(run)
	}
}

// markAborted records the abort on the session so the next run can
// replay missed context. Completes before the terminal event fans out.
func (s *Scheduler) markAborted(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.store.Patch(ctx, key, func(e *sessions.Entry) {
		e.AbortedLastRun = true
	}); err != nil {
		s.logger.Warn("abort flag write failed", "sessionKey", key, "error", err)
	}
}

func (s *Scheduler) resolveMode(env *models.Envelope, entry *sessions.Entry) string {
	if entry != nil && entry.QueueMode != "" {
		return entry.QueueMode
	}
	if s.cfg != nil {
		if m, ok := s.cfg.Messages.Queue.ByChannel[string(env.Surface)]; ok && m != "" {
			return m
		}
		if m := s.cfg.Messages.Queue.Mode; m != "" {
			return m
		}
	}
	return config.DefaultQueueMode
}

func baseMode(mode string) string {
	return strings.TrimPrefix(mode, "backlog-")
}

func isBacklogMode(mode string) bool {
	return strings.HasPrefix(mode, "backlog-")
}

func steerText(env *models.Envelope) string {
	body := strings.TrimSpace(env.Body)
	if env.ChatType != models.ChatDirect && env.SenderName != "" {
		return env.SenderName + ": " + body
	}
	return body
}
