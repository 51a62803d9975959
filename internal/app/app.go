// Package app assembles the clawdis runtime: session stores, engine
// providers, the per-session scheduler, channel adapters, cron,
// heartbeat, and the gateway server, wired the way `clawdis serve`
// runs them. The gateway exposes the RPC surface; this package owns
// the inbound dispatch loop that feeds envelopes from the adapters
// into the scheduler.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/clawdis/clawdis/internal/agent"
	"github.com/clawdis/clawdis/internal/agent/providers"
	"github.com/clawdis/clawdis/internal/channels"
	"github.com/clawdis/clawdis/internal/channels/discord"
	"github.com/clawdis/clawdis/internal/channels/imessage"
	"github.com/clawdis/clawdis/internal/channels/signal"
	"github.com/clawdis/clawdis/internal/channels/slack"
	"github.com/clawdis/clawdis/internal/channels/telegram"
	"github.com/clawdis/clawdis/internal/channels/webchat"
	"github.com/clawdis/clawdis/internal/channels/whatsapp"
	"github.com/clawdis/clawdis/internal/config"
	"github.com/clawdis/clawdis/internal/cron"
	"github.com/clawdis/clawdis/internal/gateway"
	"github.com/clawdis/clawdis/internal/heartbeat"
	"github.com/clawdis/clawdis/internal/nodes"
	"github.com/clawdis/clawdis/internal/observability"
	"github.com/clawdis/clawdis/internal/outbound"
	"github.com/clawdis/clawdis/internal/pairing"
	"github.com/clawdis/clawdis/internal/policy"
	"github.com/clawdis/clawdis/internal/scheduler"
	"github.com/clawdis/clawdis/internal/sessions"
	"github.com/clawdis/clawdis/internal/skills"
)

// shutdownGrace bounds the teardown that follows a failed Start.
const shutdownGrace = 10 * time.Second

// Options carries the inputs serve resolves before assembly.
type Options struct {
	Config *config.Config
	// ConfigPath enables the hot-reload watcher and config.put; empty
	// disables both.
	ConfigPath string
	Logger     *slog.Logger
	Version    string
}

// App owns every runtime component and their start/stop ordering.
type App struct {
	cfg        *config.Config
	configPath string
	logger     *slog.Logger
	// baseLogger carries no component tag; reload hands it to rebuilt
	// components so they tag themselves.
	baseLogger *slog.Logger
	version    string

	store       sessions.Store
	transcripts *sessions.Transcripts
	resolver    *sessions.Resolver
	providers   *providers.Registry
	runner      *agent.Runner
	registry    *channels.Registry
	deliver     *outbound.Deliverer
	sched       *scheduler.Scheduler

	// gate is rebuilt on config reload; it carries no state beyond the
	// pairing store.
	gateMu sync.RWMutex
	gate   *policy.Gate

	pairs     *pairing.Store
	nodes     *nodes.Store
	skills    *skills.Service
	cron      *cron.Scheduler
	heartbeat *heartbeat.Runner
	hub       *gateway.Hub
	server    *gateway.Server
	watcher   *config.Watcher

	shutdownTracing func(context.Context) error

	// runCtx spans Start to Stop; the reload handler restarts adapters
	// under it.
	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the full component graph without starting anything.
// Construction order follows the dependency chain: stores first, then
// the agent stack, then the channel registry and everything that
// delivers through it.
func New(ctx context.Context, opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("app: nil config")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if err := config.EnsureStateDirs(); err != nil {
		return nil, fmt.Errorf("state dirs: %w", err)
	}

	a := &App{
		cfg:        cfg,
		configPath: opts.ConfigPath,
		logger:     logger.With("component", "app"),
		baseLogger: logger,
		version:    opts.Version,
		pairs:      pairing.NewStore(),
		nodes:      nodes.NewStore(),
	}

	store, err := sessions.OpenStore(ctx, cfg.Session.Store, cfg.Session.PostgresDSN, config.SessionsDir())
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	a.store = store
	a.transcripts = sessions.NewTranscripts(config.SessionsDir())
	a.resolver = sessions.NewResolver(cfg.Session.Scope, cfg.Session.MainKey)

	a.providers = providers.NewRegistry(ctx, cfg, logger)
	engine := agent.NewLLMEngine(a.providers, logger)
	a.runner = agent.NewRunner(engine, a.store, a.transcripts, cfg, logger)

	a.hub = gateway.NewHub(logger)

	a.registry = channels.NewRegistry(channels.RuntimeContext{
		Logger:   logger,
		MediaDir: config.MediaDir(),
	}, logger)
	if err := a.registerAdapters(); err != nil {
		return nil, err
	}

	a.deliver = outbound.NewDeliverer(a.registry, logger)
	a.sched = scheduler.New(a.runner, a.store, a.deliver, a.hub, cfg, logger)
	a.gate = policy.NewGate(cfg, a.pairs, logger)

	a.cron = cron.NewScheduler(cfg.Cron, cfg.Session.MainKey,
		cron.WithLogger(logger),
		cron.WithMessageSender(cron.MessageSenderFunc(a.deliver.DeliverText)),
		cron.WithAgentRunner(cron.AgentRunnerFunc(a.runCronJob)),
		cron.WithExecutionStore(a.openCronStore()),
		cron.WithEventSink(a.hub.CronEvent),
	)

	a.heartbeat = heartbeat.NewRunner(cfg, a.sched, a.store, a.registry, a.deliver,
		heartbeat.WithLogger(logger),
		heartbeat.WithEventSink(a.hub.HeartbeatEvent),
	)

	a.skills = skills.NewService(cfg.Skills, logger)

	server, err := gateway.New(cfg, opts.ConfigPath, gateway.Deps{
		Scheduler:   a.sched,
		Store:       a.store,
		Transcripts: a.transcripts,
		Resolver:    a.resolver,
		Channels:    a.registry,
		Providers:   a.providers,
		Cron:        a.cron,
		Skills:      a.skills,
		Pairing:     a.pairs,
		Nodes:       a.nodes,
		Heartbeat:   a.heartbeat,
		Hub:         a.hub,
		Version:     opts.Version,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("gateway: %w", err)
	}
	a.server = server

	if opts.ConfigPath != "" {
		a.watcher = config.NewWatcher(opts.ConfigPath, logger, a.onConfigReload)
	}

	// Channel counters are collected at scrape time from the registry
	// rings. Registration only collides when two apps share a process,
	// which tests do.
	if err := prometheus.Register(observability.NewChannelCollector(a.registry)); err != nil {
		are := prometheus.AlreadyRegisteredError{}
		if !errors.As(err, &are) {
			a.logger.Warn("channel collector registration failed", "error", err)
		}
	}

	return a, nil
}

// registerAdapters docks every built-in surface. Registration is
// unconditional; StartAll skips the adapters whose config leaves them
// disabled.
func (a *App) registerAdapters() error {
	adapters := []channels.Adapter{
		whatsapp.New(a.cfg.Channels.WhatsApp),
		telegram.New(a.cfg.Channels.Telegram),
		discord.New(a.cfg.Channels.Discord),
		signal.New(a.cfg.Channels.Signal),
		imessage.New(a.cfg.Channels.IMessage),
		slack.New(a.cfg.Channels.Slack),
		webchat.New(a.cfg.Channels.Webchat, a.hub),
	}
	for _, ad := range adapters {
		if err := a.registry.Register(ad); err != nil {
			return fmt.Errorf("register channel: %w", err)
		}
	}
	return nil
}

// openCronStore prefers the SQLite-backed run log and falls back to
// the in-memory ring when the database cannot be opened.
func (a *App) openCronStore() cron.ExecutionStore {
	path := filepath.Join(config.CronDir(), "executions.db")
	store, err := cron.NewSQLiteExecutionStore(path)
	if err != nil {
		a.logger.Warn("cron run log unavailable, using memory", "path", path, "error", err)
		return cron.NewMemoryExecutionStore()
	}
	return store
}

// Start brings the runtime up: tracing, adapters, the dispatch loop,
// cron, heartbeat, the config watcher, and finally the gateway
// listener. Components run on an internal context so they outlive the
// startup ctx; Stop cancels it.
func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	a.runCtx = runCtx
	a.cancel = cancel

	shutdown, err := observability.InitTracing(ctx, a.cfg.Logging.OTLPEndpoint, a.version)
	if err != nil {
		a.logger.Warn("tracing disabled", "error", err)
	} else {
		a.shutdownTracing = shutdown
	}

	a.registry.StartAll(runCtx)

	a.wg.Add(1)
	go a.dispatch(runCtx)

	a.cron.Start(runCtx)
	a.heartbeat.Start(runCtx)

	if a.watcher != nil {
		if err := a.watcher.Start(runCtx); err != nil {
			a.logger.Warn("config watch disabled", "error", err)
		}
	}

	if err := a.server.Start(runCtx); err != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer stopCancel()
		if stopErr := a.Stop(stopCtx); stopErr != nil {
			a.logger.Warn("teardown after failed start", "error", stopErr)
		}
		return fmt.Errorf("gateway start: %w", err)
	}

	a.logger.Info("clawdis up", "addr", a.server.Addr(), "version", a.version)
	return nil
}

// Stop tears the runtime down in reverse order: stop accepting RPCs,
// stop the schedulers, cancel the component context, then drain and
// close the stores. Safe to call after a failed Start.
func (a *App) Stop(ctx context.Context) error {
	var errs []error

	if err := a.server.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("gateway stop: %w", err))
	}
	if err := a.heartbeat.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("heartbeat stop: %w", err))
	}
	if err := a.cron.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("cron stop: %w", err))
	}
	if a.watcher != nil {
		if err := a.watcher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("config watch close: %w", err))
		}
	}

	if a.cancel != nil {
		a.cancel()
	}
	if err := a.registry.StopAll(ctx); err != nil {
		errs = append(errs, fmt.Errorf("channels stop: %w", err))
	}
	a.wg.Wait()
	a.sched.Close()

	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("session store close: %w", err))
	}
	if a.shutdownTracing != nil {
		if err := a.shutdownTracing(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracing shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Gateway exposes the server for callers that need the bound address.
func (a *App) Gateway() *gateway.Server { return a.server }

// Heartbeat exposes the runner for wake requests.
func (a *App) Heartbeat() *heartbeat.Runner { return a.heartbeat }

// currentGate returns the policy gate, which reloads swap out.
func (a *App) currentGate() *policy.Gate {
	a.gateMu.RLock()
	defer a.gateMu.RUnlock()
	return a.gate
}
