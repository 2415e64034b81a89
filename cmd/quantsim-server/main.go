package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"quantsim/internal/backtest"
	"quantsim/internal/config"
	"quantsim/internal/httpapi"
	"quantsim/internal/indicator"
	"quantsim/internal/indicator/builtin"
	"quantsim/internal/marketdata"
	"quantsim/internal/store"
	"quantsim/internal/util"
)

func main() {
	cfgPath := "config/quantsim.yaml"
	if p := os.Getenv("QUANTSIM_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)

	db, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatalf("failed to open sqlite store: %v", err)
	}
	defer db.Close()

	engine := backtest.NewEngine(
		indicator.NewOrchestrator(builtin.NewCalculator()),
		cfg.Backtest.MaxConcurrentSessions,
		logger,
	)
	engine.SetRecorder(db)

	var provider marketdata.Provider
	if cfg.Alpaca.APIKey != "" {
		alpaca := marketdata.NewAlpacaProvider(
			cfg.Alpaca.APIKey,
			cfg.Alpaca.APISecret,
			cfg.Alpaca.DataURL,
			cfg.Alpaca.Feed,
			cfg.Alpaca.RateLimitPerMin,
			logger,
		)
		provider = marketdata.NewCachedProvider(alpaca, store.NewParquetStore(cfg.Storage.DataDir), logger)
	} else {
		logger.Warn("no alpaca credentials, market data endpoints disabled")
	}

	defaults := httpapi.BacktestDefaults{
		InitialCapital: mustDecimal(cfg.Backtest.InitialCapital),
		SlippageBps:    mustDecimal(cfg.Backtest.SlippageBps),
		CommissionPct:  mustDecimal(cfg.Backtest.CommissionPct),
		ConflictWarn:   cfg.Backtest.ConflictWarnThreshold,
	}
	api := httpapi.NewServer(engine, db, provider, defaults, logger)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      api.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // SSE streams stay open
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("quantsim-server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server error: %v", err)
	}
	logger.Info("quantsim-server stopped")
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		log.Fatalf("invalid decimal in config: %q", s)
	}
	return d
}
