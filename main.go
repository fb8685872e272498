package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"trading-autopilot/config"
	"trading-autopilot/internal/api"
	"trading-autopilot/internal/backtest"
	"trading-autopilot/internal/banking"
	"trading-autopilot/internal/database"
	"trading-autopilot/internal/events"
	"trading-autopilot/internal/exchange"
	"trading-autopilot/internal/lifecycle"
	"trading-autopilot/internal/logging"
	"trading-autopilot/internal/notification"
	"trading-autopilot/internal/observability"
	"trading-autopilot/internal/orchestrator"
	"trading-autopilot/internal/scheduler"
	"trading-autopilot/internal/vault"
)

// stores groups the persistence each component needs. With the database
// disabled everything lives in memory and is lost on exit.
type stores struct {
	sessions   orchestrator.SessionStore
	ledger     banking.LedgerStore
	strategies lifecycle.StrategyStore
}

func main() {
	// .env is optional
	_ = godotenv.Load()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logger := logging.New(&logging.Config{
		Level:       cfg.LoggingConfig.Level,
		Output:      cfg.LoggingConfig.Output,
		JSONFormat:  cfg.LoggingConfig.JSONFormat,
		IncludeFile: cfg.LoggingConfig.IncludeFile,
		Component:   "main",
	})
	logging.SetDefault(logger)
	logger.Info("Starting trading autopilot", "mode", cfg.ExchangeConfig.Mode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus()
	defer bus.Close()
	metrics := observability.NewMetrics("autopilot")
	checks := make(map[string]api.HealthCheck)

	// Alert relay
	if cfg.NotificationConfig.Enabled {
		notifier := notification.NewManager(cfg.NotificationConfig, logger, metrics)
		if notifier.Active() {
			go notifier.Run(ctx, bus)
			logger.Info("Notifications enabled")
		} else {
			logger.Warn("Notifications enabled but no provider is configured")
		}
	}

	// Persistence
	st := stores{}
	if cfg.DatabaseConfig.Enabled {
		db, err := database.NewDB(ctx, cfg.DatabaseConfig, logger)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()
		if err := db.RunMigrations(ctx); err != nil {
			log.Fatalf("Failed to run migrations: %v", err)
		}
		repo := database.NewRepository(db)
		st = stores{sessions: repo, ledger: repo, strategies: repo}
		checks["database"] = db.HealthCheck
	} else {
		mem := database.NewMemoryStore()
		st = stores{sessions: mem, ledger: mem, strategies: lifecycle.NewMemoryStore()}
		logger.Warn("Database disabled, state is kept in memory only")
	}

	// Credentials
	var creds *vault.Client
	if cfg.VaultConfig.Enabled {
		creds, err = vault.NewClient(cfg.VaultConfig, logger)
		if err != nil {
			log.Fatalf("Failed to initialize vault: %v", err)
		}
		checks["vault"] = creds.Health
	} else {
		creds = vault.NewMemoryClient()
		if err := seedPaperCredentials(ctx, cfg, creds); err != nil {
			log.Fatalf("Failed to seed paper credentials: %v", err)
		}
		logger.Warn("Vault disabled, using in-memory credentials")
	}

	// Exchange. Public market data always comes from the futures API.
	futures := exchange.NewFuturesClient(cfg.FuturesConfig, logger)
	paper := exchange.NewPaperClient(cfg.PaperConfig, futures)
	var live exchange.Client = futures
	if cfg.Paper() {
		live = paper
	}

	manager := lifecycle.NewManager(st.strategies, cfg.LifecycleConfig.Guards,
		lifecycle.WithEvents(bus),
		lifecycle.WithMetrics(metrics),
		lifecycle.WithLogger(logger),
	)

	orchOpts := []orchestrator.Option{
		orchestrator.WithPaperClient(paper),
		orchestrator.WithEvents(bus),
		orchestrator.WithMetrics(metrics),
		orchestrator.WithLogger(logger),
		orchestrator.WithPerformanceSink(manager),
		orchestrator.WithEstimatorConfig(cfg.EstimatorConfig),
	}
	if rc := database.NewRedisClient(cfg.RedisConfig); rc != nil {
		defer rc.Close()
		lease := database.NewSessionLease(rc, leaseOwner(), cfg.RedisConfig, logger)
		orchOpts = append(orchOpts, orchestrator.WithLease(lease))
		checks["redis"] = redisCheck(rc)
	}
	orch := orchestrator.New(cfg.OrchestratorConfig, st.sessions, creds, live, orchOpts...)

	// Banking shares the orchestrator's account locks so a transfer never
	// interleaves with an order on the same account.
	var bank *banking.Controller
	if cfg.BankingConfig.AccountUserID != "" {
		bank, err = banking.New(cfg.BankingConfig, live, creds, st.ledger,
			banking.WithEvents(bus),
			banking.WithMetrics(metrics),
			banking.WithLogger(logger),
			banking.WithAccountLocks(orch.Locks()),
		)
		if err != nil {
			log.Fatalf("Failed to initialize banking: %v", err)
		}
	} else {
		logger.Info("No banking account configured, profit banking disabled")
	}

	if err := orch.Start(ctx); err != nil {
		log.Fatalf("Failed to start orchestrator: %v", err)
	}
	if bank != nil {
		if err := bank.Start(ctx); err != nil {
			log.Fatalf("Failed to start banking: %v", err)
		}
	}

	var watcher *config.Watcher
	if bank != nil {
		watcher = watchBanking(ctx, bank, logger)
	}

	var lifecycleLoop *scheduler.Loop
	if cfg.LifecycleConfig.Enabled {
		lifecycleLoop, err = startLifecycle(ctx, cfg, manager, orch, futures, logger)
		if err != nil {
			log.Fatalf("Failed to start lifecycle pipeline: %v", err)
		}
	}

	var server *api.Server
	if cfg.ServerConfig.Enabled {
		opts := []api.Option{api.WithLogger(logger), api.WithSessions(orch)}
		if bank != nil {
			opts = append(opts, api.WithBanking(bank))
		}
		for name, check := range checks {
			opts = append(opts, api.WithHealthCheck(name, check))
		}
		server = api.NewServer(api.ServerConfig{
			Host:           cfg.ServerConfig.Host,
			Port:           cfg.ServerConfig.Port,
			ReadTimeout:    time.Duration(cfg.ServerConfig.ReadTimeout) * time.Second,
			WriteTimeout:   time.Duration(cfg.ServerConfig.WriteTimeout) * time.Second,
			ProductionMode: !cfg.Paper(),
			OpsToken:       cfg.ServerConfig.OpsToken,
		}, bus, metrics, opts...)
		go func() {
			if err := server.Start(ctx); err != nil {
				logger.Error("Ops server stopped", "error", err.Error())
			}
		}()
	}

	// Wait for interrupt signal. SIGHUP re-reads the banking section.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigChan {
		if sig != syscall.SIGHUP {
			break
		}
		if watcher == nil {
			continue
		}
		if err := watcher.Reload(); err != nil {
			logger.Error("Config reload failed", "error", err.Error())
		}
	}

	logger.Info("Shutting down...")
	shutdownCtx, done := context.WithTimeout(context.Background(), time.Duration(cfg.ServerConfig.ShutdownTimeout)*time.Second+cfg.OrchestratorConfig.ShutdownGrace)
	defer done()

	if lifecycleLoop != nil {
		if err := lifecycleLoop.Stop(shutdownCtx); err != nil {
			logger.Warn("Lifecycle pipeline stop", "error", err.Error())
		}
	}
	if watcher != nil {
		watcher.Close()
	}
	if bank != nil {
		if err := bank.Stop(shutdownCtx); err != nil {
			logger.Warn("Banking stop", "error", err.Error())
		}
	}
	if err := orch.Stop(shutdownCtx); err != nil {
		if errors.Is(err, scheduler.ErrForcedTeardown) {
			logger.Warn("Orchestrator forced teardown after grace period")
		} else {
			logger.Error("Orchestrator stop failed", "error", err.Error())
		}
	}
	cancel()
	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Ops server shutdown failed", "error", err.Error())
		}
	}
	logger.Info("Shutdown complete")
}

// seedPaperCredentials gives the paper accounts placeholder keys so the
// simulated exchange can tell them apart. Live mode needs Vault.
func seedPaperCredentials(ctx context.Context, cfg *config.Config, creds *vault.Client) error {
	if !cfg.Paper() {
		return nil
	}
	for _, userID := range []string{cfg.BankingConfig.AccountUserID, cfg.LifecycleConfig.PaperUserID} {
		if userID == "" {
			continue
		}
		if err := creds.StoreCredentials(ctx, userID, exchange.Credentials{
			APIKey:    "paper-" + userID,
			APISecret: "paper",
		}); err != nil {
			return fmt.Errorf("store credentials for %s: %w", userID, err)
		}
	}
	return nil
}

// watchBanking applies banking edits from the config file at runtime. A
// missing file leaves the startup configuration in force.
func watchBanking(ctx context.Context, bank *banking.Controller, logger *logging.Logger) *config.Watcher {
	path := config.FilePath()
	if _, err := os.Stat(path); err != nil {
		logger.Info("Config file not found, banking hot reload disabled", "path", path)
		return nil
	}
	w, err := config.NewWatcher(path, bank.Config(), logger)
	if err != nil {
		logger.Warn("Config watcher not started", "path", path, "error", err.Error())
		return nil
	}
	w.Subscribe(func(c banking.Config) {
		if err := bank.UpdateConfig(ctx, c); err != nil {
			logger.Error("Banking config update rejected", "error", err.Error())
		}
	})
	return w
}

// startLifecycle runs one generate-backtest-promote cycle per batch
// interval. Paper trials run as orchestrator sessions.
func startLifecycle(ctx context.Context, cfg *config.Config, manager *lifecycle.Manager, orch *orchestrator.Orchestrator, market exchange.MarketData, logger *logging.Logger) (*scheduler.Loop, error) {
	runner := backtest.NewStrategyRunner(market, backtest.NewEngine(cfg.BacktestConfig), logger)
	trials := orchestrator.NewPaperTrader(orch, cfg.LifecycleConfig.PaperUserID, cfg.LifecycleConfig.PaperQuantity, nil)
	pipeline := lifecycle.NewPipeline(manager, lifecycle.NewSamplingProducer(cfg.LifecycleConfig.ProducerSeed), runner, trials, lifecycle.PipelineConfig{
		BatchSize: cfg.LifecycleConfig.BatchSize,
		Constraints: lifecycle.Constraints{
			Symbols:    []string{cfg.LifecycleConfig.Symbol},
			Timeframes: []string{cfg.ExchangeConfig.Timeframe},
		},
	})
	if err := pipeline.Resume(ctx); err != nil {
		return nil, err
	}

	plog := logger.WithComponent("lifecycle")
	loop := scheduler.NewLoop(scheduler.LoopConfig{
		Name:           "lifecycle",
		Interval:       cfg.LifecycleConfig.BatchInterval,
		RunImmediately: true,
		Grace:          cfg.OrchestratorConfig.ShutdownGrace,
		Logger:         plog,
	}, func(ctx context.Context) {
		report, err := pipeline.RunCycle(ctx)
		if err != nil {
			plog.WithError(err).Error("Lifecycle cycle failed", "generation", report.Generation)
		}
	})
	if err := loop.Start(ctx); err != nil {
		return nil, err
	}
	return loop, nil
}

func leaseOwner() string {
	host, err := os.Hostname()
	if err != nil {
		host = "autopilot"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

func redisCheck(rc *redis.Client) api.HealthCheck {
	return func(ctx context.Context) error {
		return rc.Ping(ctx).Err()
	}
}
