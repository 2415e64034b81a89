// quantsim-trader runs one strategy live: paper execution against the
// built-in simulator by default, real Alpaca orders when trading.paper_mode
// is off.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"quantsim/internal/broker"
	"quantsim/internal/config"
	"quantsim/internal/domain"
	"quantsim/internal/indicator"
	"quantsim/internal/indicator/builtin"
	"quantsim/internal/marketdata"
	"quantsim/internal/store"
	"quantsim/internal/tracker"
	"quantsim/internal/trader"
	"quantsim/internal/util"
)

func main() {
	strategyPath := flag.String("strategy", "", "path to strategy YAML file (required)")
	evalInterval := flag.Duration("interval", 0, "evaluation interval (defaults to the strategy timeframe)")
	flag.Parse()

	if *strategyPath == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfgPath := "config/quantsim.yaml"
	if p := os.Getenv("QUANTSIM_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)

	strategy, err := loadStrategy(*strategyPath)
	if err != nil {
		log.Fatalf("failed to load strategy: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	provider := buildProvider(cfg, logger)
	brk, err := buildBroker(ctx, cfg, strategy, provider)
	if err != nil {
		log.Fatalf("failed to set up broker: %v", err)
	}

	pollEvery := time.Duration(cfg.Trading.OrderPollIntervalMS) * time.Millisecond
	if pollEvery <= 0 {
		pollEvery = 2 * time.Second
	}
	trk := tracker.New(brk, pollEvery, logger)
	go trk.Run(ctx)

	t, err := trader.New(trader.Config{
		Strategy:     strategy,
		Broker:       brk,
		Data:         provider,
		Calc:         indicator.NewOrchestrator(builtin.NewCalculator()),
		Tracker:      trk,
		EvalInterval: *evalInterval,
	}, logger)
	if err != nil {
		log.Fatalf("failed to build trader: %v", err)
	}

	logger.Info("trading started",
		"strategy", strategy.Name,
		"symbol", strategy.Symbol,
		"broker", brk.Name(),
		"paper", cfg.Trading.PaperMode)

	if err := t.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("trader stopped: %v", err)
	}
	logger.Info("trading stopped")
}

func loadStrategy(path string) (*domain.StrategyDefinition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s domain.StrategyDefinition
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &s, nil
}

// cacheOnlyProvider serves bars from the local parquet store when no live
// data source is configured.
type cacheOnlyProvider struct {
	cache *store.ParquetStore
}

func (p cacheOnlyProvider) GetBars(ctx context.Context, symbol string, tf domain.Timeframe, start, end time.Time) ([]domain.Bar, error) {
	return p.cache.ReadBars(ctx, symbol, tf, start, end)
}

func buildProvider(cfg *config.Config, logger *slog.Logger) marketdata.Provider {
	cache := store.NewParquetStore(cfg.Storage.DataDir)
	if cfg.Alpaca.APIKey == "" {
		logger.Warn("no alpaca credentials, serving bars from the local cache only")
		return cacheOnlyProvider{cache: cache}
	}
	alpaca := marketdata.NewAlpacaProvider(
		cfg.Alpaca.APIKey,
		cfg.Alpaca.APISecret,
		cfg.Alpaca.DataURL,
		cfg.Alpaca.Feed,
		cfg.Alpaca.RateLimitPerMin,
		nil,
	)
	return marketdata.NewCachedProvider(alpaca, cache, logger)
}

// buildBroker returns the paper simulator seeded with a recent quote, or the
// live Alpaca broker when paper mode is off.
func buildBroker(ctx context.Context, cfg *config.Config, strategy *domain.StrategyDefinition, provider marketdata.Provider) (broker.Broker, error) {
	if !cfg.Trading.PaperMode {
		if cfg.Alpaca.APIKey == "" {
			return nil, fmt.Errorf("live trading requires alpaca credentials")
		}
		return broker.NewAlpacaBroker(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.BaseURL), nil
	}

	pb := broker.NewPaperBroker(
		mustDecimalCfg(cfg.Backtest.InitialCapital),
		mustDecimalCfg(cfg.Backtest.SlippageBps),
		mustDecimalCfg(cfg.Backtest.CommissionPct),
	)
	now := time.Now().UTC()
	bars, err := provider.GetBars(ctx, strategy.Symbol, strategy.Timeframe, now.AddDate(0, 0, -7), now)
	if err != nil {
		return nil, fmt.Errorf("seeding paper quotes for %s: %w", strategy.Symbol, err)
	}
	if len(bars) > 0 {
		pb.SetPrice(strategy.Symbol, bars[len(bars)-1].Close)
	}
	return pb, nil
}

func mustDecimalCfg(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		log.Fatalf("invalid decimal in config: %q", s)
	}
	return d
}
