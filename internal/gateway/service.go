// Package gateway wires the service container: storage, bus, providers,
// tools, agents, scheduler, calendar and the HTTP surface, with
// start/stop lifecycle.
package gateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/nextlevelbuilder/loopgate/internal/a2a"
	"github.com/nextlevelbuilder/loopgate/internal/agent"
	"github.com/nextlevelbuilder/loopgate/internal/approval"
	"github.com/nextlevelbuilder/loopgate/internal/budget"
	"github.com/nextlevelbuilder/loopgate/internal/calendar"
	"github.com/nextlevelbuilder/loopgate/internal/config"
	"github.com/nextlevelbuilder/loopgate/internal/events"
	"github.com/nextlevelbuilder/loopgate/internal/providers"
	"github.com/nextlevelbuilder/loopgate/internal/scheduler"
	"github.com/nextlevelbuilder/loopgate/internal/secrets"
	"github.com/nextlevelbuilder/loopgate/internal/store"
	"github.com/nextlevelbuilder/loopgate/internal/store/sqlite"
	"github.com/nextlevelbuilder/loopgate/internal/tools"
	"github.com/nextlevelbuilder/loopgate/internal/tracing"
	"github.com/nextlevelbuilder/loopgate/internal/webhook"
)

const dispatcherSubscription = "webhook-dispatcher"

// Service is the assembled gateway.
type Service struct {
	cfg    *config.Config
	logger *slog.Logger

	db     *sql.DB
	stores *store.Stores
	bus    *events.Bus

	box      *secrets.Box
	ledger   *budget.Ledger
	registry *tools.Registry
	broker   *approval.Broker
	fabric   *a2a.Fabric
	spawner  *a2a.Spawner
	resolver *agent.Resolver
	engine   *agent.Engine
	sched    *scheduler.Scheduler
	syncer   *calendar.Syncer
	dispatch *webhook.Dispatcher
	watcher  *tools.SkillWatcher

	httpServer    *http.Server
	traceShutdown func(context.Context) error

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New assembles the service from config. Nothing runs until Start.
func New(cfg *config.Config, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}

	loc := time.UTC
	if tz := cfg.Scheduler.Timezone; tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("scheduler timezone %q: %w", tz, err)
		}
		loc = l
	}

	db, err := sqlite.Open(cfg.DatabasePath())
	if err != nil {
		return nil, err
	}
	stores := sqlite.NewStores(db)

	bus := events.NewBus(logger)
	box := secrets.New(cfg.Security.EncryptionKey)
	if cfg.Security.EncryptionKey == "" {
		logger.Warn("no encryption key configured, using the dev seed; tenant secrets are weakly protected")
	}
	ledger := budget.NewLedger(stores.Usage, bus, loc, logger)

	chain, err := providers.NewChain(logger, cfg.Providers)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("provider chain: %w", err)
	}

	resolver := agent.NewResolver(stores.Tenants, box, cfg, ledger, chain, logger)

	registry := tools.NewRegistry(logger)
	broker := approval.NewBroker(stores.Approvals, bus, logger)
	registry.SetApprover(broker)

	engine := agent.NewEngine(agent.EngineParams{
		Resolver:        resolver,
		Conversations:   stores.Conversations,
		Calendar:        stores.Calendar,
		Ledger:          ledger,
		Registry:        registry,
		Bus:             bus,
		Guard:           agent.NewInputGuard(cfg.Security.InjectionAction, logger),
		Location:        loc,
		MaxMessageChars: cfg.Gateway.MaxMessageChars,
		Logger:          logger,
	})

	fabric := a2a.NewFabric(stores.A2A, logger)
	spawner := a2a.NewSpawner(fabric, engine, logger)

	s := &Service{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		stores:   stores,
		bus:      bus,
		box:      box,
		ledger:   ledger,
		registry: registry,
		broker:   broker,
		fabric:   fabric,
		spawner:  spawner,
		resolver: resolver,
		engine:   engine,
	}

	s.registerBuiltinTools()

	skillsDir := cfg.SkillsDir()
	if loaded, err := tools.LoadSkills(registry, skillsDir, logger); err != nil {
		logger.Warn("initial skill load failed", "dir", skillsDir, "error", err)
	} else if len(loaded) > 0 {
		logger.Info("skills loaded", "count", len(loaded))
	}
	s.watcher = tools.NewSkillWatcher(registry, skillsDir, logger)

	router := scheduler.NewOutputRouter(nil, cfg.SMTP,
		cfg.Scheduler.ChannelLimit, cfg.Webhooks.OutputTimeoutSec, logger)
	s.sched = scheduler.New(stores.Jobs, stores.Conversations, resolver, engine,
		router, bus, time.Duration(cfg.Scheduler.TickSeconds)*time.Second, logger)
	s.syncer = calendar.NewSyncer(stores.Calendar, stores.Jobs, s.sched, logger)

	s.dispatch = webhook.NewDispatcher(stores.Webhooks,
		time.Duration(cfg.Webhooks.DispatchTimeoutSec)*time.Second,
		cfg.Webhooks.RatePerSecond, logger)

	s.httpServer = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Service) registerBuiltinTools() {
	workDir := filepath.Join(s.cfg.DataDir(), "workspace")
	builtins := []tools.Tool{
		tools.NewHTTPRequestTool(),
		tools.NewWebBrowseTool(),
		tools.NewRunScriptTool(workDir),
		tools.NewGitCloneTool(workDir),
		tools.NewGitReadFileTool(workDir),
		tools.NewGitWriteFileTool(workDir),
		tools.NewGitCommitPushTool(workDir),
		a2a.NewDelegateTaskTool(s.spawner),
		a2a.NewBroadcastEventTool(s.fabric),
		a2a.NewQueryAgentsTool(s.fabric),
	}
	for _, t := range builtins {
		if err := s.registry.Register(t); err != nil {
			s.logger.Error("builtin tool rejected", "tool", t.Name(), "error", err)
		}
	}
}

// Start brings the service up: telemetry, event dispatch, scheduler,
// calendar sync, skill watcher and the HTTP listener.
func (s *Service) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	shutdown, err := tracing.Setup(ctx, s.cfg.Telemetry, s.logger)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	s.traceShutdown = shutdown

	s.bus.Subscribe(dispatcherSubscription, s.dispatch.HandleEvent)
	s.sched.Start(ctx)
	s.syncer.Start(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("skill watcher stopped", "error", err)
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("gateway listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server stopped", "error", err)
		}
	}()

	s.logger.Info("gateway started", "config", s.cfg.MaskedSummary())
	return nil
}

// Stop shuts everything down in reverse order and waits for in-flight work.
func (s *Service) Stop(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("http shutdown", "error", err)
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.syncer.Stop()
	s.sched.Stop()
	s.bus.Unsubscribe(dispatcherSubscription)
	s.dispatch.Wait()
	s.wg.Wait()
	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Warn("trace flush", "error", err)
		}
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	s.logger.Info("gateway stopped")
	return nil
}

// Stores exposes the storage layer (used by the CLI and tests).
func (s *Service) Stores() *store.Stores { return s.stores }
