package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clawdis/clawdis/internal/config"
	"github.com/clawdis/clawdis/pkg/models"
)

const (
	pruneInterval = time.Hour
	pruneAge      = 30 * 24 * time.Hour
)

var defaultWebhookTimeout = 30 * time.Second

// EventSink observes finished executions. The gateway fans these out as
// cron events.
type EventSink func(job *Job, exec *Execution)

// Scheduler runs the configured jobs until its context is cancelled.
type Scheduler struct {
	logger       *slog.Logger
	httpClient   *http.Client
	sender       MessageSender
	agent        AgentRunner
	store        ExecutionStore
	sink         EventSink
	mainKey      string
	now          func() time.Time
	newID        func() string
	tickInterval time.Duration

	mu      sync.Mutex
	jobs    []*Job
	started bool
	wg      sync.WaitGroup
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger.With("component", "cron")
		}
	}
}

// WithHTTPClient sets the client used for webhook jobs.
func WithHTTPClient(client *http.Client) Option {
	return func(s *Scheduler) {
		if client != nil {
			s.httpClient = client
		}
	}
}

// WithMessageSender sets the sender for message jobs.
func WithMessageSender(sender MessageSender) Option {
	return func(s *Scheduler) {
		if sender != nil {
			s.sender = sender
		}
	}
}

// WithAgentRunner sets the runner for agent jobs.
func WithAgentRunner(runner AgentRunner) Option {
	return func(s *Scheduler) {
		if runner != nil {
			s.agent = runner
		}
	}
}

// WithExecutionStore sets the run log backend. Defaults to the
// in-memory ring.
func WithExecutionStore(store ExecutionStore) Option {
	return func(s *Scheduler) {
		if store != nil {
			s.store = store
		}
	}
}

// WithEventSink sets the completion observer.
func WithEventSink(sink EventSink) Option {
	return func(s *Scheduler) {
		if sink != nil {
			s.sink = sink
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTickInterval overrides the due-check cadence.
func WithTickInterval(interval time.Duration) Option {
	return func(s *Scheduler) {
		if interval > 0 {
			s.tickInterval = interval
		}
	}
}

// NewScheduler builds jobs from the cron config root. Invalid jobs are
// logged and skipped; they never stop the rest.
func NewScheduler(cfg config.CronConfig, mainKey string, opts ...Option) *Scheduler {
	s := &Scheduler{
		logger:       slog.Default().With("component", "cron"),
		httpClient:   http.DefaultClient,
		store:        NewMemoryExecutionStore(),
		mainKey:      mainKey,
		now:          time.Now,
		newID:        uuid.NewString,
		tickInterval: time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.mainKey == "" {
		s.mainKey = config.DefaultMainKey
	}

	now := s.now()
	for _, entry := range cfg.Jobs {
		job, err := s.buildJob(entry, now)
		if err != nil {
			s.logger.Warn("cron job skipped", "id", entry.ID, "error", err)
			continue
		}
		s.jobs = append(s.jobs, job)
	}
	return s
}

// Start begins the due-check loop until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.tickInterval)
		defer ticker.Stop()
		prune := time.NewTicker(pruneInterval)
		defer prune.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runDue(ctx)
			case <-prune.C:
				if n, err := s.store.Prune(ctx, pruneAge); err != nil {
					s.logger.Warn("run log prune failed", "error", err)
				} else if n > 0 {
					s.logger.Debug("run log pruned", "removed", n)
				}
			}
		}
	}()
}

// Stop waits for the loop to exit after its context is cancelled.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce executes due jobs immediately and reports how many ran.
func (s *Scheduler) RunOnce(ctx context.Context) int {
	return s.runDue(ctx)
}

// Jobs returns a snapshot of the configured jobs.
func (s *Scheduler) Jobs() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		copyJob := *job
		if job.Headers != nil {
			headers := make(map[string]string, len(job.Headers))
			for k, v := range job.Headers {
				headers[k] = v
			}
			copyJob.Headers = headers
		}
		out = append(out, &copyJob)
	}
	return out
}

// Executions returns the run log, newest-first.
func (s *Scheduler) Executions(ctx context.Context, jobID string, limit int) ([]*Execution, error) {
	return s.store.List(ctx, jobID, limit)
}

// RunJob executes a job by id immediately, disabled or not, and
// reschedules it.
func (s *Scheduler) RunJob(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("job id required")
	}
	s.mu.Lock()
	var target *Job
	for _, job := range s.jobs {
		if job.ID == id {
			target = job
			break
		}
	}
	s.mu.Unlock()
	if target == nil {
		return fmt.Errorf("cron job %s not found", id)
	}
	return s.runNow(ctx, target)
}

func (s *Scheduler) runDue(ctx context.Context) int {
	now := s.now()
	s.mu.Lock()
	due := make([]*Job, 0)
	for _, job := range s.jobs {
		if job.Enabled && !job.NextRun.IsZero() && !now.Before(job.NextRun) {
			due = append(due, job)
		}
	}
	s.mu.Unlock()

	for _, job := range due {
		if err := s.runNow(ctx, job); err != nil {
			s.logger.Warn("cron job failed", "id", job.ID, "error", err)
		}
	}
	return len(due)
}

// runNow executes one job, records the execution, and advances the
// schedule.
func (s *Scheduler) runNow(ctx context.Context, job *Job) error {
	started := s.now()
	exec := &Execution{
		ID:        s.newID(),
		JobID:     job.ID,
		Status:    ExecutionRunning,
		StartedAt: started,
	}
	if err := s.store.Create(ctx, exec); err != nil {
		s.logger.Warn("run log write failed", "id", job.ID, "error", err)
	}

	s.mu.Lock()
	job.LastRun = started
	schedule := job.Schedule
	s.mu.Unlock()

	output, err := s.executeJob(ctx, job)

	exec.CompletedAt = s.now()
	exec.Duration = exec.CompletedAt.Sub(started)
	exec.Output = output
	if err != nil {
		exec.Status = ExecutionFailed
		exec.Error = err.Error()
	} else {
		exec.Status = ExecutionSucceeded
	}
	if uerr := s.store.Update(ctx, exec); uerr != nil {
		s.logger.Warn("run log write failed", "id", job.ID, "error", uerr)
	}

	next, ok, nextErr := schedule.Next(started)
	s.mu.Lock()
	if err != nil {
		job.LastError = err.Error()
	} else {
		job.LastError = ""
	}
	switch {
	case nextErr != nil:
		job.LastError = nextErr.Error()
		job.NextRun = time.Time{}
		job.Enabled = false
	case ok:
		job.NextRun = next
	default:
		// A one-shot `at` that has fired.
		job.NextRun = time.Time{}
		job.Enabled = false
	}
	snapshot := *job
	s.mu.Unlock()

	if s.sink != nil {
		s.sink(&snapshot, cloneExecution(exec))
	}
	return err
}

func (s *Scheduler) buildJob(cfg config.CronJobConfig, now time.Time) (*Job, error) {
	if strings.TrimSpace(cfg.ID) == "" {
		return nil, errors.New("job id required")
	}
	schedule, err := NewSchedule(cfg.Schedule, cfg.Every, cfg.At, cfg.Timezone)
	if err != nil {
		return nil, err
	}

	kind := Kind(strings.ToLower(strings.TrimSpace(cfg.Kind)))
	if kind == "" {
		switch {
		case strings.TrimSpace(cfg.URL) != "":
			kind = KindWebhook
		case strings.TrimSpace(cfg.Channel) != "":
			kind = KindMessage
		default:
			kind = KindAgent
		}
	}

	job := &Job{
		ID:       cfg.ID,
		Name:     cfg.Name,
		Kind:     kind,
		Enabled:  cfg.Enabled == nil || *cfg.Enabled,
		Schedule: schedule,
		Message:  cfg.Message,
		Channel:  models.ChannelType(strings.TrimSpace(cfg.Channel)),
		To:       strings.TrimSpace(cfg.To),
		Wake:     cfg.Wake,
		URL:      strings.TrimSpace(cfg.URL),
		Method:   strings.TrimSpace(cfg.Method),
		Headers:  cfg.Headers,
	}

	switch kind {
	case KindMessage:
		if strings.TrimSpace(job.Message) == "" {
			return nil, errors.New("message job missing text")
		}
		if job.Channel == "" || job.To == "" {
			return nil, errors.New("message job missing channel route")
		}
		if !job.Channel.Valid() {
			return nil, fmt.Errorf("message job has unknown channel %q", job.Channel)
		}
	case KindAgent:
		if strings.TrimSpace(job.Message) == "" {
			return nil, errors.New("agent job missing prompt")
		}
		if (job.Channel == "") != (job.To == "") {
			return nil, errors.New("agent job must set channel and to together")
		}
	case KindWebhook:
		if job.URL == "" {
			return nil, errors.New("webhook job missing url")
		}
	default:
		return nil, fmt.Errorf("unsupported job kind %q", cfg.Kind)
	}

	if job.Enabled {
		next, ok, err := schedule.Next(now)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errors.New("schedule has no future run")
		}
		job.NextRun = next
	}
	return job, nil
}

func (s *Scheduler) executeJob(ctx context.Context, job *Job) (string, error) {
	switch job.Kind {
	case KindMessage:
		if s.sender == nil {
			return "", errors.New("message sender not configured")
		}
		return "", s.sender.Send(ctx, job.Channel, job.To, job.Message)
	case KindAgent:
		if s.agent == nil {
			return "", errors.New("agent runner not configured")
		}
		return s.agent.Run(ctx, job)
	case KindWebhook:
		return s.executeWebhook(ctx, job)
	default:
		return "", fmt.Errorf("job kind %s not implemented", job.Kind)
	}
}

func (s *Scheduler) executeWebhook(ctx context.Context, job *Job) (string, error) {
	method := strings.ToUpper(strings.TrimSpace(job.Method))
	if method == "" {
		method = http.MethodPost
	}
	ctx, cancel := context.WithTimeout(ctx, defaultWebhookTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, job.URL, nil)
	if err != nil {
		return "", fmt.Errorf("create webhook request: %w", err)
	}
	for key, value := range job.Headers {
		req.Header.Set(key, value)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return resp.Status, fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return resp.Status, nil
}
