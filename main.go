package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bot-execution-core/config"
	"bot-execution-core/internal/api"
	"bot-execution-core/internal/broker"
	"bot-execution-core/internal/broker/mt5"
	"bot-execution-core/internal/database"
	"bot-execution-core/internal/engine"
	"bot-execution-core/internal/events"
	"bot-execution-core/internal/lock"
	"bot-execution-core/internal/logging"
	"bot-execution-core/internal/market"
	"bot-execution-core/internal/metrics"
	"bot-execution-core/internal/notification"
	"bot-execution-core/internal/risk"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
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
		MaxSizeMB:   cfg.LoggingConfig.MaxSizeMB,
		MaxBackups:  cfg.LoggingConfig.MaxBackups,
		Component:   "main",
	})
	logger.Info().Str("instance", cfg.InstanceConfig.ID).Msg("Starting bot execution core")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	eventBus := events.NewEventBus()

	clock := time.Now

	// Redis backs the shared lock table and the risk metrics snapshots
	var (
		lockStore   lock.Store
		redisClient *redis.Client
	)
	if cfg.RedisConfig.Enabled {
		redisClient = lock.NewRedisClient(cfg.RedisConfig)
		lockStore = lock.NewRedisStore(redisClient, clock)
		logger.Info().Str("address", cfg.RedisConfig.Address).Msg("Redis lock store configured")
	} else {
		logger.Warn().Msg("Redis disabled, locks are local to this process")
	}

	lockOpts := lock.OptionsFromConfig(cfg.InstanceConfig.ID, cfg.LockConfig)
	lockOpts.Logger = logger
	lockOpts.Metrics = m
	lockOpts.Bus = eventBus
	lockOpts.Now = clock
	locks := lock.NewManager(lockStore, lockOpts)
	if lockStore != nil {
		if err := locks.CheckHealth(ctx); err != nil {
			logger.Warn().Err(err).Msg("Lock store not reachable at startup")
		}
	}
	locks.StartSweeper(ctx, cfg.LockConfig.SweepInterval)

	riskManager := risk.NewManager(risk.LimitsFromConfig(cfg.RiskConfig), logger)
	if redisClient != nil {
		riskManager.SetStore(database.NewRedisMetricsStore(ctx, redisClient, logger))
	}

	deps := engine.Deps{
		Locks:     locks,
		UserLocks: lock.NewUserLock(locks, cfg.LockConfig.UserLockTTL, m),
		Risk:      riskManager,
		Bus:       eventBus,
		Metrics:   m,
		Logger:    logger,
	}

	// PostgreSQL is optional; without it trades are only logged
	var db *database.DB
	if cfg.DatabaseConfig.Enabled {
		db, err = database.NewDB(ctx, cfg.DatabaseConfig, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to connect to database")
		}
		if err := db.RunMigrations(ctx); err != nil {
			logger.Fatal().Err(err).Msg("Failed to run migrations")
		}
		deps.Trades = database.NewTradeRepository(db.Pool, logger)
		deps.Limits = database.NewTradeLimitRepository(db.Pool)
	}

	deps.Broker, err = newBroker(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize broker")
	}
	deps.Market = market.NewGuard(market.NewSessionProvider(), cfg.CycleConfig.MarketTimeout, logger)

	notifier := notification.NewFromConfig(cfg.NotificationConfig, logger)
	detachNotifier := notifier.Attach(eventBus, 10*time.Second)

	manager := engine.NewManager(deps, engine.SettingsFromConfig(cfg))
	for _, b := range cfg.Bots {
		if err := manager.StartBot(ctx, engine.SpecFromConfig(b)); err != nil {
			logger.Error().Err(err).Str("user_id", b.UserID).Str("bot_id", b.BotID).Msg("Failed to start bot")
		}
	}
	logger.Info().Int("bots", len(manager.List())).Str("lock_mode", string(locks.Mode())).Msg("Execution core running")

	var server *api.Server
	if cfg.MetricsConfig.Enabled {
		server = api.NewServer(cfg.MetricsConfig, reg, manager, locks, logger)
		go func() {
			if err := server.Start(); err != nil {
				logger.Error().Err(err).Msg("Operator server failed")
			}
		}()
	}

	<-ctx.Done()
	logger.Info().Msg("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Engine shutdown incomplete")
	}
	detachNotifier()
	if server != nil {
		_ = server.Shutdown(shutdownCtx)
	}
	if sc, ok := deps.Broker.(broker.SessionCloser); ok {
		if err := sc.Disconnect(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Broker disconnect failed")
		}
	}
	if db != nil {
		db.Close()
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}
	logger.Info().Msg("Shutdown complete")
}

func newBroker(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (broker.Client, error) {
	switch cfg.BrokerConfig.Type {
	case "mt5":
		c := mt5.NewClient(cfg.BrokerConfig, cfg.CycleConfig.SettlementInterval, cfg.CycleConfig.BrokerTimeout, logger)
		if err := c.Connect(ctx); err != nil {
			return nil, err
		}
		logger.Info().Str("url", cfg.BrokerConfig.MT5URL).Msg("Connected to MT5 bridge")
		return c, nil
	default:
		logger.Warn().Float64("balance", cfg.BrokerConfig.PaperBalance).Msg("Paper trading mode")
		return broker.NewPaperClient(cfg.BrokerConfig, cfg.CycleConfig.SettlementInterval, logger), nil
	}
}
