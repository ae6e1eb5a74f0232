package main

import (
	"context"
	"fmt"
	"log"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/amirsofali3/TB/config"
	"github.com/amirsofali3/TB/internal/api"
	"github.com/amirsofali3/TB/internal/database"
	"github.com/amirsofali3/TB/internal/engine"
	"github.com/amirsofali3/TB/internal/events"
	"github.com/amirsofali3/TB/internal/execution"
	"github.com/amirsofali3/TB/internal/logging"
	"github.com/amirsofali3/TB/internal/marketdata"
	"github.com/amirsofali3/TB/internal/metrics"
	"github.com/amirsofali3/TB/internal/position"
	"github.com/amirsofali3/TB/internal/predictor"
	"github.com/amirsofali3/TB/internal/signal"
	"github.com/amirsofali3/TB/internal/threshold"
)

func main() {
	// .env is optional; real deployments set the environment directly
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load configuration: %v", err)
	}

	logger := logging.New(logging.Config{
		Level:      cfg.LoggingConfig.Level,
		Output:     cfg.LoggingConfig.Output,
		JSONFormat: cfg.LoggingConfig.JSONFormat,
	})

	symbols, excluded := cfg.ValidSymbols()
	for symbol, reason := range excluded {
		logger.Error().Str("symbol", symbol).Err(reason).Msg("symbol excluded by configuration")
	}
	if len(symbols) == 0 {
		logger.Fatal().Msg("no valid symbols configured")
	}

	ctx, stop := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := events.NewBus(256)

	// persistence is best-effort; the in-memory state stays authoritative
	// and the bot keeps trading if the database is unreachable
	var (
		repo   *database.Repository
		writer *database.Writer
	)
	db, err := database.NewDB(database.Config{
		Host:     cfg.DatabaseConfig.Host,
		Port:     cfg.DatabaseConfig.Port,
		User:     cfg.DatabaseConfig.User,
		Password: cfg.DatabaseConfig.Password,
		Database: cfg.DatabaseConfig.Database,
		SSLMode:  cfg.DatabaseConfig.SSLMode,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("database unavailable, running without persistence")
	} else {
		defer db.Close()
		if err := db.RunMigrations(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrations failed")
		}
		repo = database.NewRepository(db)
		writer = database.NewWriter(repo, cfg.WriteTimeout(), 1024, logger)
		writer.Start(ctx)
	}

	var snaps *database.PositionSnapshotStore
	if cfg.RedisConfig.Enabled {
		snaps = database.NewPositionSnapshotStore(cfg.RedisConfig.Addr, cfg.RedisConfig.Password, cfg.RedisConfig.DB)
		defer snaps.Close()
	}

	primary := marketdata.NewCoinExClient(cfg.MarketDataConfig.PrimaryURL, requestTimeout(cfg))
	secondary := marketdata.NewBinanceClient(cfg.MarketDataConfig.SecondaryURL, requestTimeout(cfg))
	monitor := marketdata.NewMonitor(marketdata.MonitorConfig{
		FailoverAfterFailures: cfg.MarketDataConfig.FailoverAfterFailures,
		RecoverySuccesses:     cfg.MarketDataConfig.RecoverySuccesses,
		ProbeInterval:         time.Duration(cfg.MarketDataConfig.ProbeIntervalSec) * time.Second,
		MaxRetries:            uint64(cfg.MarketDataConfig.MaxRetries),
		ProbeSymbol:           symbols[0],
	}, primary, secondary, bus, logger)
	monitor.Start(ctx)

	pred, err := predictor.New(cfg.PredictorConfig.Kind)
	if err != nil {
		logger.Fatal().Err(err).Msg("predictor init failed")
	}

	controller := threshold.New(threshold.Config{
		TargetSignalsPer24h: cfg.ThresholdConfig.TargetSignalsPer24h,
		MinThreshold:        cfg.ThresholdConfig.MinThreshold,
		MaxThreshold:        cfg.ThresholdConfig.MaxThreshold,
		AdjustmentRate:      cfg.ThresholdConfig.AdjustmentRate,
		LowBand:             cfg.ThresholdConfig.LowBand,
		HighBand:            cfg.ThresholdConfig.HighBand,
		Window:              24 * time.Hour,
	}, logger)
	if repo != nil {
		if states, err := repo.LoadThresholdStates(ctx); err != nil {
			logger.Warn().Err(err).Msg("threshold state restore failed, starting cold")
		} else {
			controller.Restore(states)
		}
	}

	executor := execution.NewDemoExecutor(cfg.TradingConfig.DemoBalance, logger)

	var persister position.Persister
	if writer != nil {
		persister = writer
	}
	var snapshotter position.Snapshotter
	if snaps != nil {
		snapshotter = snaps
	}
	manager := position.NewManager(position.Config{
		TiersFor:           cfg.TiersFor,
		MaxRiskPerTrade:    cfg.TradingConfig.MaxRiskPerTrade,
		MaxOpenPerSymbol:   cfg.TradingConfig.MaxOpenPerSymbol,
		CloseRetryMax:      cfg.TradingConfig.CloseRetryMax,
		CloseRetryInterval: time.Duration(cfg.TradingConfig.CloseRetryIntervalSec) * time.Second,
	}, executor, persister, snapshotter, bus, logger)
	restorePositions(ctx, manager, snaps, repo, logger)

	var signalStore signal.Store
	if writer != nil {
		signalStore = writer
	}
	emitter := signal.NewEmitter(signal.Config{
		DedupCooldown: cfg.DedupCooldown(),
		TTL:           cfg.SignalTTL(),
	}, controller, manager, signalStore, bus, logger)

	var signalHistory api.Signals
	if repo != nil {
		signalHistory = repo
	}
	server := api.NewServer(api.Config{
		Addr:    fmt.Sprintf(":%d", cfg.ServerConfig.Port),
		Symbols: symbols,
	}, controller, manager, signalHistory, monitor, executor, bus, logger)
	go func() {
		if err := server.Start(ctx); err != nil {
			logger.Error().Err(err).Msg("api server stopped")
		}
	}()

	if cfg.ServerConfig.MetricsAddr != "" {
		metricsSrv := metrics.Serve(cfg.ServerConfig.MetricsAddr)
		defer metricsSrv.Close()
	}

	flush := func(flushCtx context.Context) {
		if repo != nil {
			for _, st := range controller.Snapshot() {
				if err := repo.SaveThresholdState(flushCtx, st); err != nil {
					logger.Warn().Str("symbol", st.Symbol).Err(err).Msg("threshold flush failed")
				}
			}
		}
		if writer != nil {
			writer.Drain(flushCtx)
		}
	}

	eng := engine.New(engine.Config{
		CandleInterval:   cfg.MarketDataConfig.CandleInterval,
		DecisionInterval: cfg.DecisionInterval(),
		PriceTickEvery:   cfg.PriceTickInterval(),
		PredictTimeout:   time.Duration(cfg.PredictorConfig.TimeoutMs) * time.Millisecond,
		ShutdownGrace:    cfg.ShutdownGrace(),
		SymbolList:       symbols,
	}, monitor, pred, emitter, manager, controller, bus, flush, logger)

	logger.Info().Strs("symbols", symbols).Str("predictor", pred.Version()).
		Float64("balance", executor.Balance()).Msg("trading bot starting")
	eng.Run(ctx)

	logger.Info().Msg("shutdown complete")
	os.Exit(0)
}

func requestTimeout(cfg *config.Config) time.Duration {
	return time.Duration(cfg.MarketDataConfig.RequestTimeoutMs) * time.Millisecond
}

// restorePositions prefers the Redis snapshots and falls back to the
// relational store so a crash never orphans an open position.
func restorePositions(ctx context.Context, manager *position.Manager, snaps *database.PositionSnapshotStore, repo *database.Repository, logger zerolog.Logger) {
	if snaps != nil {
		restored, err := snaps.LoadOpen(ctx)
		if err == nil && len(restored) > 0 {
			manager.Restore(restored)
			return
		}
		if err != nil {
			logger.Warn().Err(err).Msg("snapshot restore failed, trying database")
		}
	}
	if repo != nil {
		restored, err := repo.OpenPositions(ctx, "")
		if err != nil {
			logger.Warn().Err(err).Msg("position restore from database failed")
			return
		}
		manager.Restore(restored)
	}
}
