// Package trader runs one strategy against a live or paper broker: it
// periodically fetches recent bars, evaluates the strategy's conditions on
// the latest completed bar, and turns signals into tracked orders. Order
// fills arrive back through the tracker's subscription stream; the trading
// loop owns all position state.
package trader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"quantsim/internal/broker"
	"quantsim/internal/domain"
	"quantsim/internal/indicator"
	"quantsim/internal/marketdata"
	"quantsim/internal/risk"
	"quantsim/internal/signal"
	"quantsim/internal/sizing"
	"quantsim/internal/tracker"
	"quantsim/internal/util"
)

// lookbackPad is fetched beyond the indicator warm-up so the evaluation bar
// always has converged values behind it.
const lookbackPad = 20

// PriceFeed is implemented by brokers that need quotes pushed to them (the
// paper simulator); live brokers have their own feed.
type PriceFeed interface {
	SetPrice(symbol string, price decimal.Decimal)
}

// Config wires a trader's collaborators.
type Config struct {
	Strategy *domain.StrategyDefinition
	Broker   broker.Broker
	Data     marketdata.Provider
	Calc     *indicator.Orchestrator
	Tracker  *tracker.Tracker

	// EvalInterval is how often the strategy is re-evaluated; 0 defaults to
	// the strategy timeframe's bar duration (capped at one minute minimum).
	EvalInterval time.Duration
}

// Trader evaluates one strategy and routes its signals to a broker. All
// mutable state is owned by the Run goroutine.
type Trader struct {
	log      *slog.Logger
	cfg      Config
	eval     *signal.Evaluator
	calendar *util.TradingCalendar

	warmupBars int
	interval   time.Duration

	position     *domain.Position
	pendingOrder string // in-flight order ID, blocks new signals until resolved

	dayStartEquity decimal.Decimal
	peakEquity     decimal.Decimal
	realizedToday  decimal.Decimal
	day            time.Time
	lastClose      decimal.Decimal
}

// New validates the strategy and compiles its conditions.
func New(cfg Config, log *slog.Logger) (*Trader, error) {
	if cfg.Strategy == nil {
		return nil, errors.New("trader: strategy required")
	}
	if err := cfg.Strategy.Validate(); err != nil {
		return nil, fmt.Errorf("trader: %w", err)
	}
	if cfg.Broker == nil || cfg.Data == nil || cfg.Calc == nil || cfg.Tracker == nil {
		return nil, errors.New("trader: broker, data, calc and tracker are all required")
	}
	eval, err := signal.NewEvaluator(cfg.Strategy)
	if err != nil {
		return nil, fmt.Errorf("trader: %w", err)
	}

	warmup := 0
	for _, spec := range cfg.Strategy.Indicators {
		if n := indicator.RequiredBars(spec); n > warmup {
			warmup = n
		}
	}
	interval := cfg.EvalInterval
	if interval <= 0 {
		interval = cfg.Strategy.Timeframe.Duration()
	}
	if interval < time.Minute {
		interval = time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Trader{
		log:        log.With("component", "trader", "strategy", cfg.Strategy.Name),
		cfg:        cfg,
		eval:       eval,
		calendar:   util.NewTradingCalendar(),
		warmupBars: warmup,
		interval:   interval,
	}, nil
}

// Run evaluates on a fixed interval until ctx is cancelled, consuming order
// transitions from the tracker between evaluations.
func (t *Trader) Run(ctx context.Context) error {
	subID, transitions := t.cfg.Tracker.Subscribe("")
	defer t.cfg.Tracker.Unsubscribe(subID)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.log.Info("trader started", "broker", t.cfg.Broker.Name(), "interval", t.interval)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tr, ok := <-transitions:
			if !ok {
				return errors.New("trader: tracker subscription closed")
			}
			t.onTransition(tr)
		case now := <-ticker.C:
			if err := t.Step(ctx, now); err != nil {
				t.log.Warn("evaluation cycle failed", "error", err)
			}
		}
	}
}

// Step runs one evaluation cycle at the given time. Exported so hosts can
// drive the trader on their own clock.
func (t *Trader) Step(ctx context.Context, now time.Time) error {
	if !t.calendar.IsMarketOpen(now) {
		return nil
	}
	if t.pendingOrder != "" {
		// An order is in flight; force a poll and act again next cycle once
		// its transition has been consumed.
		t.cfg.Tracker.PollNow(t.pendingOrder)
		return nil
	}

	strat := t.cfg.Strategy
	bars, err := t.fetchWindow(ctx, now)
	if err != nil {
		return fmt.Errorf("fetching bars: %w", err)
	}
	if len(bars) < t.warmupBars+2 {
		t.log.Warn("not enough history for evaluation",
			"have", len(bars), "need", t.warmupBars+2)
		return nil
	}

	series, err := t.cfg.Calc.ComputeAll(ctx, strat.Indicators, bars)
	if err != nil {
		return fmt.Errorf("computing indicators: %w", err)
	}

	last, prev := bars[len(bars)-1], bars[len(bars)-2]
	t.rollDay(last)
	t.lastClose = last.Close
	if feed, ok := t.cfg.Broker.(PriceFeed); ok {
		feed.SetPrice(strat.Symbol, last.Close)
	}

	prevCtx := signal.BuildContext(prev, indicator.ValueAt(series, prev.Timestamp, true), nil)
	evalCtx := signal.BuildContext(last, indicator.ValueAt(series, last.Timestamp, true), prevCtx)

	sig, err := t.eval.Evaluate(evalCtx)
	if err != nil {
		var conflict *signal.ConflictError
		if errors.As(err, &conflict) {
			t.log.Warn("conflicting signals, cycle skipped",
				"first", conflict.First, "second", conflict.Second)
			return nil
		}
		return fmt.Errorf("evaluating conditions: %w", err)
	}

	switch {
	case t.position != nil && (sig.Exit || sig.Stop):
		return t.closePosition(ctx)
	case t.position == nil && sig.Entry:
		return t.openPosition(ctx, last)
	}
	return nil
}

// fetchWindow pulls enough recent bars to cover the warm-up. The span is
// padded threefold so weekends and holidays do not starve daily strategies.
func (t *Trader) fetchWindow(ctx context.Context, now time.Time) ([]domain.Bar, error) {
	need := t.warmupBars + lookbackPad
	span := time.Duration(3*need) * t.cfg.Strategy.Timeframe.Duration()
	return t.cfg.Data.GetBars(ctx, t.cfg.Strategy.Symbol, t.cfg.Strategy.Timeframe, now.Add(-span), now)
}

func (t *Trader) rollDay(bar domain.Bar) {
	day := bar.Timestamp.Truncate(24 * time.Hour)
	if !day.Equal(t.day) {
		t.day = day
		t.realizedToday = decimal.Zero
		if acct, err := t.cfg.Broker.GetAccount(context.Background()); err == nil {
			t.dayStartEquity = acct.Equity
			if acct.Equity.GreaterThan(t.peakEquity) {
				t.peakEquity = acct.Equity
			}
		}
	}
}

func (t *Trader) openPosition(ctx context.Context, bar domain.Bar) error {
	strat := t.cfg.Strategy
	acct, err := t.cfg.Broker.GetAccount(ctx)
	if err != nil {
		return fmt.Errorf("fetching account: %w", err)
	}

	side := strat.Side
	if side == "" {
		side = domain.SideLong
	}
	stop := stopPrice(bar.Close, side, strat.Sizing.StopLossPct)

	qty, err := sizing.Calculate(strat.Sizing, sizing.Inputs{
		Equity:     acct.Equity,
		EntryPrice: bar.Close,
		StopPrice:  stop,
	})
	if err != nil {
		return fmt.Errorf("sizing: %w", err)
	}
	qty = sizing.AdjustForLotSize(qty, decimal.NewFromInt(1), decimal.Zero)
	if !qty.IsPositive() {
		t.log.Warn("sized quantity rounds to zero, entry skipped", "equity", acct.Equity)
		return nil
	}

	price := bar.Close
	if err := risk.Check(domain.ProposedTrade{
		Symbol:   strat.Symbol,
		Side:     side,
		Quantity: qty,
		Price:    &price,
	}, t.portfolio(acct), strat.Risk); err != nil {
		t.log.Warn("entry denied by risk check", "error", err)
		return nil
	}

	order := domain.Order{
		ID:       uuid.NewString(),
		Symbol:   strat.Symbol,
		Side:     side,
		Type:     domain.OrderTypeMarket,
		Quantity: qty,
	}
	placed, err := t.cfg.Tracker.PlaceTracked(ctx, t.cfg.Broker, order)
	if err != nil {
		return fmt.Errorf("placing entry: %w", err)
	}
	t.pendingOrder = placed.ID
	t.log.Info("entry order placed", "order", placed.ID, "side", side, "qty", qty)

	// Immediate fills (paper) never hit the poll loop; resolve them here.
	if placed.Status.Terminal() {
		t.resolve(placed)
	}
	return nil
}

func (t *Trader) closePosition(ctx context.Context) error {
	pos := t.position
	order := domain.Order{
		ID:       uuid.NewString(),
		Symbol:   pos.Symbol,
		Side:     pos.Side.Opposite(),
		Type:     domain.OrderTypeMarket,
		Quantity: pos.Quantity,
	}
	placed, err := t.cfg.Tracker.PlaceTracked(ctx, t.cfg.Broker, order)
	if err != nil {
		return fmt.Errorf("placing close: %w", err)
	}
	t.pendingOrder = placed.ID
	t.log.Info("close order placed", "order", placed.ID, "qty", pos.Quantity)

	if placed.Status.Terminal() {
		t.resolve(placed)
	}
	return nil
}

func (t *Trader) onTransition(tr tracker.Transition) {
	t.log.Info("order update", "order", tr.OrderID, "from", tr.From, "to", tr.To)
	if tr.OrderID == t.pendingOrder && tr.To.Terminal() {
		t.resolve(tr.Order)
	}
}

// resolve applies a terminal order to position state.
func (t *Trader) resolve(o domain.Order) {
	t.pendingOrder = ""
	if o.Status != domain.OrderStatusFilled {
		t.log.Warn("order ended unfilled", "order", o.ID, "status", o.Status)
		return
	}
	fill := t.lastClose
	if o.Price != nil {
		fill = *o.Price
	}

	if t.position == nil {
		now := time.Now()
		t.position = &domain.Position{
			ID:         uuid.NewString(),
			Symbol:     o.Symbol,
			Side:       o.Side,
			Quantity:   o.FilledQty,
			EntryPrice: fill,
			Status:     domain.PositionStatusOpen,
			OpenedAt:   now,
		}
		t.log.Info("position opened", "symbol", o.Symbol, "side", o.Side, "qty", o.FilledQty)
		return
	}

	pos := t.position
	gross := fill.Sub(pos.EntryPrice).Mul(pos.Quantity)
	if pos.Side == domain.SideShort {
		gross = gross.Neg()
	}
	t.realizedToday = t.realizedToday.Add(gross)
	t.position = nil
	t.log.Info("position closed", "symbol", pos.Symbol, "pnl", gross)
}

func (t *Trader) portfolio(acct *domain.AccountInfo) *domain.PortfolioState {
	p := &domain.PortfolioState{
		Equity:           acct.Equity,
		PeakEquity:       t.peakEquity,
		DayStartEquity:   t.dayStartEquity,
		RealizedPnLToday: t.realizedToday,
	}
	if p.PeakEquity.IsZero() {
		p.PeakEquity = acct.Equity
	}
	if p.DayStartEquity.IsZero() {
		p.DayStartEquity = acct.Equity
	}
	if t.position != nil {
		p.OpenPositions = []domain.Position{*t.position}
	}
	return p
}

// Position returns the trader's current open position, or nil.
func (t *Trader) Position() *domain.Position {
	return t.position
}

func stopPrice(entry decimal.Decimal, side domain.Side, pct decimal.Decimal) decimal.Decimal {
	if !pct.IsPositive() {
		return entry
	}
	dist := entry.Mul(pct)
	if side == domain.SideLong {
		return entry.Sub(dist)
	}
	return entry.Add(dist)
}
