package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"funding_arb/internal/alert"
	"funding_arb/internal/config"
	"funding_arb/internal/core"
	"funding_arb/internal/execution"
	"funding_arb/internal/feed"
	"funding_arb/internal/infrastructure/metrics"
	"funding_arb/internal/mock"
	"funding_arb/internal/position"
	"funding_arb/internal/pricecache"
	"funding_arb/internal/ratestore"
	"funding_arb/internal/risk"
	"funding_arb/internal/strategy"
	"funding_arb/pkg/concurrency"
	"funding_arb/pkg/logging"
	"funding_arb/pkg/telemetry"

	"github.com/shopspring/decimal"
)

const reconcileInterval = 10 * time.Minute

func main() {
	configPath := flag.String("config", "configs/arbd.yaml", "path to configuration file")
	dryRun := flag.Bool("dry-run", false, "pre-flight and log orders without placing them")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *dryRun {
		cfg.Trading.DryRun = true
	}

	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logging.SetGlobalLogger(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("arbd exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger core.ILogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.Setup("arbd")
	if err != nil {
		return fmt.Errorf("telemetry setup: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Telemetry shutdown incomplete", "error", err)
		}
	}()

	logger.Info("Starting arbd", "dry_run", cfg.Trading.DryRun,
		"venues", strings.Join(cfg.App.WhitelistedVenues, ","))

	// Stores
	posStore, err := position.NewSQLiteStore(cfg.App.DatabasePath, logger)
	if err != nil {
		return fmt.Errorf("open position database: %w", err)
	}
	defer posStore.Close()

	rateStore, err := ratestore.NewStore(cfg.App.RateDatabasePath, logger)
	if err != nil {
		return fmt.Errorf("open rate database: %w", err)
	}
	defer rateStore.Close()

	// Venue clients
	venues, err := buildVenues(cfg)
	if err != nil {
		return err
	}
	for name, client := range venues {
		if err := client.CheckHealth(ctx); err != nil {
			return fmt.Errorf("venue %s health check: %w", name, err)
		}
	}

	// Alerting
	channels := []alert.Channel{alert.NewLogChannel(logger)}
	if cfg.Alerting.WebhookURL != "" {
		channels = append(channels, alert.NewWebhookChannel(cfg.Alerting.WebhookURL, "", 10*time.Second))
	}
	minLevel := core.AlertLevel(strings.ToUpper(cfg.Alerting.MinLevel))
	if minLevel == "" {
		minLevel = core.AlertWarning
	}
	alerter := alert.NewManager(channels, minLevel, logger)
	defer alerter.Stop()

	// Execution and positions
	cache := pricecache.New()
	executor := execution.NewExecutor(venues, cache, cfg.Timing.PriceCacheTTL(), logger)

	manager := position.NewManager(posStore, logger)
	if err := manager.Restore(ctx); err != nil {
		return fmt.Errorf("restore positions: %w", err)
	}

	reconciler := risk.NewReconciler(manager, venues, alerter, logger)
	reconciler.CheckOnce(ctx)
	go reconciler.Run(ctx, reconcileInterval)

	breaker := risk.NewOpenBreaker(0, logger)

	rule, err := strategy.NewRule(cfg.Rebalance.Rule, cfg.Rebalance.Erosion,
		time.Duration(cfg.Rebalance.MaxAgeHours)*time.Hour)
	if err != nil {
		return fmt.Errorf("rebalance rule: %w", err)
	}

	fees := strategy.NewFeeCalculator(feeSchedules(cfg))
	finder := strategy.NewFinder(rateStore, fees)

	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:       "monitor",
		MaxWorkers: 8,
	}, logger)
	defer pool.Stop()

	strat := strategy.New(strategy.Params{
		Filter: strategy.Filter{
			Venues:              cfg.App.WhitelistedVenues,
			NotionalPerSide:     cfg.Trading.TargetExposure,
			MinNetProfitRate:    cfg.Trading.MinNetProfit,
			MaxOpenInterestUSD:  cfg.Trading.MaxOpenInterest,
			MinVolume24hUSD:     cfg.Trading.MinVolume24h,
			RequiredMaxLeverage: decimal.NewFromInt(int64(cfg.Trading.RequiredMaxLeverage)),
			MaxSampleAge:        cfg.Timing.RateMaxAge(),
			Limit:               cfg.Trading.OpportunityLimit,
		},
		TargetExposurePerSide: cfg.Trading.TargetExposure,
		MaxTotalExposure:      cfg.Trading.MaxTotalExposure,
		MaxPositions:          cfg.Trading.MaxPositions,
		MaxNewPerCycle:        cfg.Trading.MaxNewPositionsPerCycle,
		LimitOffsets:          limitOffsets(cfg),
		CycleInterval:         cfg.Timing.CycleInterval(),
		OrderTimeout:          cfg.Timing.OrderTimeout(),
		PollInterval:          cfg.Timing.PollInterval(),
		RollbackTimeout:       cfg.Timing.RollbackTimeout(),
		SlippageThreshold:     cfg.Trading.SlippageThreshold,
		DepthLevels:           cfg.Trading.DepthLevels,
		DryRun:                cfg.Trading.DryRun,
		RetryCloseCompletion:  cfg.Rebalance.OnCloseLegFailure == "retry",
	}, strategy.Deps{
		Venues:   venues,
		Rates:    rateStore,
		Finder:   finder,
		Fees:     fees,
		Manager:  manager,
		Executor: executor,
		Rule:     rule,
		Breaker:  breaker,
		Alerter:  alerter,
		Pool:     pool,
		Logger:   logger,
	})

	// Optional in-process rate feed
	if cfg.Feed.Enabled {
		sub := feed.NewSubscriber(cfg.Feed.URL, nil, rateStore, logger)
		sub.Start()
		defer sub.Stop()
	}

	// Metrics endpoint
	if cfg.Telemetry.EnableMetrics {
		srv := metrics.NewServer(cfg.Telemetry.MetricsPort, logger)
		srv.Start()
		defer func() {
			if err := srv.Stop(context.Background()); err != nil {
				logger.Warn("Metrics server shutdown incomplete", "error", err)
			}
		}()
	}

	err = strat.Run(ctx)
	if err == context.Canceled {
		logger.Info("Shutdown complete")
		return nil
	}
	return err
}

// buildVenues constructs a client per whitelisted venue. Venues named
// "mock" or prefixed "mock_" get the scripted in-process client; anything
// else requires a venue adapter, which this build does not ship.
func buildVenues(cfg *config.Config) (map[string]core.IVenueClient, error) {
	venues := make(map[string]core.IVenueClient, len(cfg.App.WhitelistedVenues))
	for _, name := range cfg.App.WhitelistedVenues {
		if name == "mock" || strings.HasPrefix(name, "mock_") || cfg.Trading.DryRun {
			venues[name] = mock.NewVenue(name,
				decimal.RequireFromString("0.5"),
				decimal.RequireFromString("0.001"))
			continue
		}
		return nil, fmt.Errorf("no client implementation for venue %q; use a mock venue or dry-run mode", name)
	}
	return venues, nil
}

func feeSchedules(cfg *config.Config) map[string]strategy.FeeSchedule {
	schedules := make(map[string]strategy.FeeSchedule, len(cfg.Venues))
	for name, v := range cfg.Venues {
		schedules[name] = strategy.FeeSchedule{Maker: v.MakerFee, Taker: v.TakerFee}
	}
	return schedules
}

func limitOffsets(cfg *config.Config) map[string]decimal.Decimal {
	offsets := make(map[string]decimal.Decimal, len(cfg.Venues))
	for name, v := range cfg.Venues {
		offsets[name] = v.LimitOffset
	}
	return offsets
}
