package backtest

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"quantsim/internal/condition"
	"quantsim/internal/domain"
	"quantsim/internal/indicator"
	"quantsim/internal/risk"
	"quantsim/internal/signal"
	"quantsim/internal/sizing"
)

var bps = decimal.NewFromInt(10000)

// Result is the terminal artifact of a completed (or partially completed)
// session.
type Result struct {
	SessionID      string                  `json:"session_id"`
	Strategy       string                  `json:"strategy"`
	Symbol         string                  `json:"symbol"`
	InitialCapital decimal.Decimal         `json:"initial_capital"`
	FinalEquity    decimal.Decimal         `json:"final_equity"`
	Trades         []domain.Trade          `json:"trades"`
	EquityCurve    []domain.EquitySnapshot `json:"equity_curve"`
	Metrics        PerformanceMetrics      `json:"metrics"`
	ConflictBars   int                     `json:"conflict_bars"`
	RiskDenials    int                     `json:"risk_denials"`
}

// simulator holds the per-run mutable state. It lives entirely on the
// session's runner goroutine.
type simulator struct {
	log    *slog.Logger
	cfg    Config
	eval   *signal.Evaluator
	series map[string]indicator.Series

	// warmupBars is the index of the first bar on which every indicator the
	// strategy references has a value; signals are not evaluated before it.
	warmupBars int

	cash      decimal.Decimal
	portfolio domain.PortfolioState
	position  *domain.Position
	trades    []domain.Trade
	curve     []domain.EquitySnapshot
	prevCtx   *condition.Context

	day            time.Time
	conflicts      int
	conflictWarned bool
	riskDenials    int
}

func newSimulator(log *slog.Logger, cfg Config, eval *signal.Evaluator, series map[string]indicator.Series) *simulator {
	warmup := 0
	for _, spec := range cfg.Strategy.Indicators {
		if n := indicator.RequiredBars(spec); n > warmup {
			warmup = n
		}
	}
	return &simulator{
		log:        log,
		cfg:        cfg,
		eval:       eval,
		series:     series,
		warmupBars: warmup,
		cash:       cfg.InitialCapital,
		portfolio: domain.PortfolioState{
			Equity:         cfg.InitialCapital,
			PeakEquity:     cfg.InitialCapital,
			DayStartEquity: cfg.InitialCapital,
		},
	}
}

// step processes one bar: day roll, mark-to-market, signal evaluation, trade
// execution, and an unconditional equity snapshot. barIdx is the bar's
// position in the full history.
func (m *simulator) step(barIdx int, bar domain.Bar) error {
	m.rollDay(bar.Timestamp)
	m.markToMarket(bar.Close)

	if barIdx >= m.warmupBars {
		if err := m.evaluateAndTrade(bar); err != nil {
			return err
		}
	}

	m.markToMarket(bar.Close)
	m.curve = append(m.curve, domain.EquitySnapshot{
		Timestamp:      bar.Timestamp,
		Equity:         m.portfolio.Equity,
		Cash:           m.cash,
		PositionsValue: m.positionValue(bar.Close),
	})
	if m.portfolio.Equity.GreaterThan(m.portfolio.PeakEquity) {
		m.portfolio.PeakEquity = m.portfolio.Equity
	}
	return nil
}

// rollDay resets the daily-loss baseline when the bar crosses a UTC date
// boundary.
func (m *simulator) rollDay(ts time.Time) {
	day := ts.UTC().Truncate(24 * time.Hour)
	if day.Equal(m.day) {
		return
	}
	m.day = day
	m.portfolio.DayStartEquity = m.portfolio.Equity
	m.portfolio.RealizedPnLToday = decimal.Zero
}

// markToMarket refreshes the open position's unrealized P&L and the
// portfolio equity at the given price.
func (m *simulator) markToMarket(price decimal.Decimal) {
	if m.position != nil {
		m.position.MarkToMarket(price)
		m.portfolio.OpenPositions = []domain.Position{*m.position}
	} else {
		m.portfolio.OpenPositions = nil
	}
	m.portfolio.Equity = m.cash.Add(m.positionValue(price))
}

// positionValue is the signed notional of the open position: positive for
// long holdings, negative for short liabilities.
func (m *simulator) positionValue(price decimal.Decimal) decimal.Decimal {
	if m.position == nil {
		return decimal.Zero
	}
	v := m.position.MarketValue(price)
	if m.position.Side == domain.SideShort {
		v = v.Neg()
	}
	return v
}

func (m *simulator) evaluateAndTrade(bar domain.Bar) error {
	// A protective stop breached intrabar closes at the stop price before
	// any condition is consulted.
	if m.position != nil && m.stopBreached(bar) {
		m.closePosition(bar, *m.position.StopLoss, domain.SignalStop)
	}

	values := indicator.ValueAt(m.series, bar.Timestamp, true)
	ctx := signal.BuildContext(bar, values, m.prevCtx)
	sig, err := m.eval.Evaluate(ctx)
	m.prevCtx = ctx
	if err != nil {
		var conflict *signal.ConflictError
		if errors.As(err, &conflict) {
			m.conflicts++
			m.log.Warn("conflicting signals, bar skipped",
				"symbol", bar.Symbol, "ts", bar.Timestamp,
				"first", conflict.First, "second", conflict.Second)
			m.warnOnRepeatedConflicts()
			return nil
		}
		if m.cfg.EvalErrorIsNoSignal {
			m.log.Warn("signal evaluation failed, treated as no signal",
				"symbol", bar.Symbol, "ts", bar.Timestamp, "error", err)
			return nil
		}
		return fmt.Errorf("evaluate conditions at %s: %w", bar.Timestamp.Format(time.RFC3339), err)
	}

	if m.position != nil && (sig.Exit || sig.Stop) {
		// Exit takes precedence when both fire on the same bar.
		kind := domain.SignalExit
		if sig.Stop && !sig.Exit {
			kind = domain.SignalStop
		}
		m.closePosition(bar, m.execPrice(bar.Close, m.closingSide()), kind)
		return nil
	}
	if m.position == nil && sig.Entry {
		m.openPosition(bar)
	}
	return nil
}

func (m *simulator) warnOnRepeatedConflicts() {
	if m.cfg.ConflictWarnThreshold > 0 && m.conflicts >= m.cfg.ConflictWarnThreshold && !m.conflictWarned {
		m.conflictWarned = true
		m.log.Warn("repeated signal conflicts, strategy conditions likely overlap",
			"strategy", m.cfg.Strategy.Name, "conflict_bars", m.conflicts)
	}
}

func (m *simulator) stopBreached(bar domain.Bar) bool {
	if m.position.StopLoss == nil {
		return false
	}
	if m.position.Side == domain.SideLong {
		return bar.Low.LessThanOrEqual(*m.position.StopLoss)
	}
	return bar.High.GreaterThanOrEqual(*m.position.StopLoss)
}

// execPrice applies slippage against the trader: buys fill above the quoted
// price, sells below it.
func (m *simulator) execPrice(price decimal.Decimal, side domain.Side) decimal.Decimal {
	slip := price.Mul(m.cfg.SlippageBps).Div(bps)
	if side == domain.SideLong { // buying
		return price.Add(slip)
	}
	return price.Sub(slip)
}

func (m *simulator) fee(notional decimal.Decimal) decimal.Decimal {
	return notional.Abs().Mul(m.cfg.CommissionPct)
}

func (m *simulator) entrySide() domain.Side {
	if m.cfg.Strategy.Side == domain.SideShort {
		return domain.SideShort
	}
	return domain.SideLong
}

// closingSide is the trade direction that flattens the open position: a
// short is covered by buying (long side), a long is exited by selling.
func (m *simulator) closingSide() domain.Side {
	return m.position.Side.Opposite()
}

func (m *simulator) openPosition(bar domain.Bar) {
	side := m.entrySide()
	entry := m.execPrice(bar.Close, side)

	var stop *decimal.Decimal
	stopPrice := decimal.Zero
	if m.cfg.Strategy.Sizing.StopLossPct.IsPositive() {
		dist := entry.Mul(m.cfg.Strategy.Sizing.StopLossPct)
		if side == domain.SideLong {
			stopPrice = entry.Sub(dist)
		} else {
			stopPrice = entry.Add(dist)
		}
		stop = &stopPrice
	}

	qty, err := sizing.Calculate(m.cfg.Strategy.Sizing, sizing.Inputs{
		Equity:     m.portfolio.Equity,
		EntryPrice: entry,
		StopPrice:  stopPrice,
	})
	if err != nil {
		m.log.Warn("position sizing failed, entry skipped",
			"symbol", bar.Symbol, "ts", bar.Timestamp, "error", err)
		return
	}
	if !qty.IsPositive() {
		return
	}

	proposal := domain.ProposedTrade{
		Symbol:   bar.Symbol,
		Side:     side,
		Quantity: qty,
		Price:    &entry,
	}
	if err := risk.Check(proposal, &m.portfolio, m.cfg.Strategy.Risk); err != nil {
		m.riskDenials++
		m.log.Debug("risk check denied entry",
			"symbol", bar.Symbol, "ts", bar.Timestamp, "reason", err)
		return
	}

	notional := entry.Mul(qty)
	fee := m.fee(notional)
	if side == domain.SideLong {
		m.cash = m.cash.Sub(notional).Sub(fee)
	} else {
		m.cash = m.cash.Add(notional).Sub(fee)
	}

	m.position = &domain.Position{
		ID:         uuid.NewString(),
		Symbol:     bar.Symbol,
		Side:       side,
		Quantity:   qty,
		EntryPrice: entry,
		StopLoss:   stop,
		Status:     domain.PositionStatusOpen,
		OpenedAt:   bar.Timestamp,
		Fees:       fee,
	}
	m.trades = append(m.trades, domain.Trade{
		ID:        uuid.NewString(),
		Symbol:    bar.Symbol,
		Side:      side,
		Price:     entry,
		Quantity:  qty,
		Fee:       fee,
		Signal:    domain.SignalEntry,
		Timestamp: bar.Timestamp,
	})
	m.markToMarket(bar.Close)
}

// closePosition flattens the open position at exec and records the round
// trip's realized P&L, net of both legs' fees, on the closing trade.
func (m *simulator) closePosition(bar domain.Bar, exec decimal.Decimal, kind domain.SignalType) {
	pos := m.position
	qty := pos.Quantity
	notional := exec.Mul(qty)
	fee := m.fee(notional)

	gross := exec.Sub(pos.EntryPrice).Mul(qty)
	if pos.Side == domain.SideShort {
		gross = gross.Neg()
	}
	realized := gross.Sub(pos.Fees).Sub(fee)

	if pos.Side == domain.SideLong {
		m.cash = m.cash.Add(notional).Sub(fee)
	} else {
		m.cash = m.cash.Sub(notional).Sub(fee)
	}

	closedAt := bar.Timestamp
	pos.ExitPrice = &exec
	pos.ClosedAt = &closedAt
	pos.Status = domain.PositionStatusClosed
	pos.RealizedPnL = realized
	pos.UnrealizedPnL = decimal.Zero
	pos.Fees = pos.Fees.Add(fee)

	m.trades = append(m.trades, domain.Trade{
		ID:        uuid.NewString(),
		Symbol:    bar.Symbol,
		Side:      m.closingSide(),
		Price:     exec,
		Quantity:  qty,
		Fee:       fee,
		PnL:       realized,
		Signal:    kind,
		Timestamp: bar.Timestamp,
	})

	m.portfolio.RealizedPnLToday = m.portfolio.RealizedPnLToday.Add(realized)
	m.position = nil
	m.markToMarket(bar.Close)
}

func (m *simulator) result(sessionID string) *Result {
	final := m.cfg.InitialCapital
	if len(m.curve) > 0 {
		final = m.curve[len(m.curve)-1].Equity
	}
	return &Result{
		SessionID:      sessionID,
		Strategy:       m.cfg.Strategy.Name,
		Symbol:         m.cfg.Strategy.Symbol,
		InitialCapital: m.cfg.InitialCapital,
		FinalEquity:    final,
		Trades:         m.trades,
		EquityCurve:    m.curve,
		Metrics:        computeMetrics(m.cfg.InitialCapital, m.trades, m.curve),
		ConflictBars:   m.conflicts,
		RiskDenials:    m.riskDenials,
	}
}
