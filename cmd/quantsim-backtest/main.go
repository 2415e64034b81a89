package main

import (
	"context"
	"encoding/json"
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

	"quantsim/internal/backtest"
	"quantsim/internal/config"
	"quantsim/internal/domain"
	"quantsim/internal/indicator"
	"quantsim/internal/indicator/builtin"
	"quantsim/internal/marketdata"
	"quantsim/internal/store"
	"quantsim/internal/util"
)

func main() {
	strategyPath := flag.String("strategy", "", "path to strategy YAML file (required)")
	start := flag.String("start", "", "start date, YYYY-MM-DD (required)")
	end := flag.String("end", "", "end date, YYYY-MM-DD (defaults to today)")
	cacheOnly := flag.Bool("cache-only", false, "read bars from the local parquet cache only")
	flag.Parse()

	if *strategyPath == "" || *start == "" {
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

	startAt, err := time.Parse("2006-01-02", *start)
	if err != nil {
		log.Fatalf("invalid -start: %v", err)
	}
	endAt := time.Now().UTC()
	if *end != "" {
		if endAt, err = time.Parse("2006-01-02", *end); err != nil {
			log.Fatalf("invalid -end: %v", err)
		}
		endAt = endAt.AddDate(0, 0, 1) // include the end day
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bars, err := fetchBars(ctx, cfg, strategy, startAt, endAt, *cacheOnly, logger)
	if err != nil {
		log.Fatalf("failed to fetch bars: %v", err)
	}
	if len(bars) == 0 {
		log.Fatalf("no bars for %s %s in [%s, %s)", strategy.Symbol, strategy.Timeframe, *start, endAt.Format("2006-01-02"))
	}

	engine := backtest.NewEngine(indicator.NewOrchestrator(builtin.NewCalculator()), 1, logger)

	run := backtest.Config{
		Strategy:              strategy,
		Bars:                  bars,
		InitialCapital:        mustDecimalCfg(cfg.Backtest.InitialCapital),
		SlippageBps:           mustDecimalCfg(cfg.Backtest.SlippageBps),
		CommissionPct:         mustDecimalCfg(cfg.Backtest.CommissionPct),
		ConflictWarnThreshold: cfg.Backtest.ConflictWarnThreshold,
	}

	sess, err := engine.Start(run)
	if err != nil {
		log.Fatalf("failed to start backtest: %v", err)
	}

	res := waitForResult(ctx, engine, sess)
	printReport(res)
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

func fetchBars(
	ctx context.Context,
	cfg *config.Config,
	strategy *domain.StrategyDefinition,
	start, end time.Time,
	cacheOnly bool,
	logger *slog.Logger,
) ([]domain.Bar, error) {
	cache := store.NewParquetStore(cfg.Storage.DataDir)
	if cacheOnly || cfg.Alpaca.APIKey == "" {
		if cfg.Alpaca.APIKey == "" && !cacheOnly {
			logger.Warn("no alpaca credentials, falling back to the local bar cache")
		}
		return cache.ReadBars(ctx, strategy.Symbol, strategy.Timeframe, start, end)
	}
	alpaca := marketdata.NewAlpacaProvider(
		cfg.Alpaca.APIKey,
		cfg.Alpaca.APISecret,
		cfg.Alpaca.DataURL,
		cfg.Alpaca.Feed,
		cfg.Alpaca.RateLimitPerMin,
		nil,
	)
	provider := marketdata.NewCachedProvider(alpaca, cache, nil)
	return provider.GetBars(ctx, strategy.Symbol, strategy.Timeframe, start, end)
}

func waitForResult(ctx context.Context, engine *backtest.Engine, sess *backtest.Session) *backtest.Result {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	done := ctx.Done()
	for {
		select {
		case <-done:
			engine.Cancel(sess.ID)
			done = nil
		case <-ticker.C:
		}
		prog, err := engine.Progress(sess.ID)
		if err != nil {
			log.Fatalf("progress: %v", err)
		}
		if !prog.Status.Terminal() {
			fmt.Fprintf(os.Stderr, "\r%s %d/%d (%.1f%%)", prog.Status, prog.BarsProcessed, prog.TotalBars, prog.Percentage)
			continue
		}
		fmt.Fprintln(os.Stderr)

		res, err := engine.Result(sess.ID)
		if err != nil && res == nil {
			log.Fatalf("backtest %s: %v", prog.Status, err)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "backtest %s: %v (partial results follow)\n", prog.Status, err)
		}
		return res
	}
}

func printReport(res *backtest.Result) {
	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		log.Fatalf("encoding result: %v", err)
	}
	fmt.Println(string(out))
}

func mustDecimalCfg(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		log.Fatalf("invalid decimal in config: %q", s)
	}
	return d
}
