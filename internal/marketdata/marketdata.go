// Package marketdata fetches historical bars. The Alpaca provider talks to
// the market-data API behind a rate limiter; the cached provider layers the
// Parquet bar store over any provider so repeated backtests do not re-fetch
// the same history.
package marketdata

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"

	"quantsim/internal/domain"
	"quantsim/internal/store"
	"quantsim/internal/util"
)

// Provider returns OHLCV history for one symbol, sorted by timestamp.
type Provider interface {
	GetBars(ctx context.Context, symbol string, tf domain.Timeframe, start, end time.Time) ([]domain.Bar, error)
}

// ---------------------------------------------------------------------------
// Alpaca provider
// ---------------------------------------------------------------------------

// Compile-time interface check.
var _ Provider = (*AlpacaProvider)(nil)

// AlpacaProvider fetches bars from the Alpaca market-data API.
type AlpacaProvider struct {
	client  *marketdata.Client
	limiter *util.RateLimiter
	feed    string
	log     *slog.Logger
}

// NewAlpacaProvider creates a provider for the given credentials. perMinute
// caps the request rate; baseURL and feed are optional (defaults to the
// public endpoint and the IEX feed).
func NewAlpacaProvider(apiKey, apiSecret, baseURL, feed string, perMinute int, log *slog.Logger) *AlpacaProvider {
	opts := marketdata.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if baseURL != "" {
		opts.BaseURL = baseURL
	}
	if feed == "" {
		feed = "iex"
	}
	if perMinute <= 0 {
		perMinute = 200
	}
	if log == nil {
		log = slog.Default()
	}
	return &AlpacaProvider{
		client:  marketdata.NewClient(opts),
		limiter: util.NewRateLimiter(perMinute),
		feed:    feed,
		log:     log.With("component", "marketdata"),
	}
}

// GetBars fetches bars for one symbol, waiting on the rate limiter first.
func (p *AlpacaProvider) GetBars(ctx context.Context, symbol string, tf domain.Timeframe, start, end time.Time) ([]domain.Bar, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	alpacaBars, err := p.client.GetBars(symbol, marketdata.GetBarsRequest{
		TimeFrame: alpacaTimeframe(tf),
		Start:     start,
		End:       end,
		Feed:      marketdata.Feed(p.feed),
	})
	if err != nil {
		return nil, fmt.Errorf("alpaca bars %s %s: %w", symbol, tf, err)
	}

	bars := make([]domain.Bar, 0, len(alpacaBars))
	for _, ab := range alpacaBars {
		bars = append(bars, domain.Bar{
			Symbol:    strings.ToUpper(symbol),
			Timestamp: ab.Timestamp,
			Open:      decimal.NewFromFloat(ab.Open),
			High:      decimal.NewFromFloat(ab.High),
			Low:       decimal.NewFromFloat(ab.Low),
			Close:     decimal.NewFromFloat(ab.Close),
			Volume:    decimal.NewFromInt(int64(ab.Volume)),
		})
	}
	p.log.Debug("fetched bars", "symbol", symbol, "timeframe", tf, "count", len(bars))
	return bars, nil
}

func alpacaTimeframe(tf domain.Timeframe) marketdata.TimeFrame {
	switch tf {
	case domain.Timeframe1Min:
		return marketdata.OneMin
	case domain.Timeframe5Min:
		return marketdata.NewTimeFrame(5, marketdata.Min)
	case domain.Timeframe15Min:
		return marketdata.NewTimeFrame(15, marketdata.Min)
	case domain.Timeframe1Hour:
		return marketdata.OneHour
	default:
		return marketdata.OneDay
	}
}

// ---------------------------------------------------------------------------
// Cached provider
// ---------------------------------------------------------------------------

// Compile-time interface check.
var _ Provider = (*CachedProvider)(nil)

// CachedProvider serves bars from the local store and falls back to the
// source on a miss, writing fetched history back to the cache. A range with
// any cached bars counts as a hit; use Refresh to force a re-fetch.
type CachedProvider struct {
	source Provider
	cache  store.BarStore
	log    *slog.Logger
}

// NewCachedProvider layers cache over source.
func NewCachedProvider(source Provider, cache store.BarStore, log *slog.Logger) *CachedProvider {
	if log == nil {
		log = slog.Default()
	}
	return &CachedProvider{
		source: source,
		cache:  cache,
		log:    log.With("component", "marketdata"),
	}
}

// GetBars returns cached bars for the range, fetching from the source when
// the cache has none.
func (p *CachedProvider) GetBars(ctx context.Context, symbol string, tf domain.Timeframe, start, end time.Time) ([]domain.Bar, error) {
	cached, err := p.cache.ReadBars(ctx, symbol, tf, start, end)
	if err != nil {
		return nil, fmt.Errorf("bar cache read %s: %w", symbol, err)
	}
	if len(cached) > 0 {
		p.log.Debug("bar cache hit", "symbol", symbol, "timeframe", tf, "count", len(cached))
		return cached, nil
	}
	return p.Refresh(ctx, symbol, tf, start, end)
}

// Refresh bypasses the cache, fetches from the source, and stores the
// result.
func (p *CachedProvider) Refresh(ctx context.Context, symbol string, tf domain.Timeframe, start, end time.Time) ([]domain.Bar, error) {
	bars, err := p.source.GetBars(ctx, symbol, tf, start, end)
	if err != nil {
		return nil, err
	}
	if err := p.cache.WriteBars(ctx, tf, bars); err != nil {
		return nil, fmt.Errorf("bar cache write %s: %w", symbol, err)
	}
	p.log.Info("bar cache filled", "symbol", symbol, "timeframe", tf, "count", len(bars))
	return bars, nil
}
