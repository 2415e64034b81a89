// Package risk enforces portfolio-level limits before a proposed trade is
// allowed to execute. Four gates run in order and short-circuit on the first
// failure: position size, daily loss, drawdown, and concurrent positions.
// The package reads portfolio snapshots and never mutates them.
package risk

import (
	"fmt"

	"github.com/shopspring/decimal"

	"quantsim/internal/domain"
)

// Gate names the rule a Violation was raised by.
type Gate string

const (
	GatePositionSize        Gate = "position_size"
	GateDailyLoss           Gate = "daily_loss"
	GateDrawdown            Gate = "drawdown"
	GateConcurrentPositions Gate = "concurrent_positions"
)

// Violation is returned when a proposed trade breaches a limit. It blocks
// the order but never fails the session; callers skip the trade and carry on.
type Violation struct {
	Gate Gate
	Msg  string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("risk limit exceeded (%s): %s", v.Gate, v.Msg)
}

// Check evaluates the four gates against the proposed trade. Gates use
// inclusive boundaries: a trade exactly at a limit passes. Market orders
// (nil price) skip the position-size gate since their notional is unknown.
func Check(proposed domain.ProposedTrade, portfolio *domain.PortfolioState, limits domain.RiskLimits) error {
	// (a) Position size relative to equity.
	if notional, ok := proposed.Notional(); ok && portfolio.Equity.IsPositive() {
		maxNotional := portfolio.Equity.Mul(limits.MaxPositionSizePct)
		if notional.GreaterThan(maxNotional) {
			return &Violation{
				Gate: GatePositionSize,
				Msg: fmt.Sprintf("notional %s exceeds %s%% of equity (%s)",
					notional, limits.MaxPositionSizePct.Mul(decimal.NewFromInt(100)), maxNotional),
			}
		}
	}

	// (b) Daily loss: realized today plus unrealized, against the day's
	// starting equity.
	if portfolio.DayStartEquity.IsPositive() {
		dayPnL := portfolio.RealizedPnLToday.Add(portfolio.UnrealizedPnL())
		maxLoss := portfolio.DayStartEquity.Mul(limits.MaxDailyLossPct)
		if dayPnL.IsNegative() && dayPnL.Neg().GreaterThan(maxLoss) {
			return &Violation{
				Gate: GateDailyLoss,
				Msg:  fmt.Sprintf("daily loss %s exceeds limit %s", dayPnL.Neg(), maxLoss),
			}
		}
	}

	// (c) Drawdown from peak equity.
	if portfolio.PeakEquity.IsPositive() {
		drawdown := portfolio.PeakEquity.Sub(portfolio.Equity).Div(portfolio.PeakEquity)
		if drawdown.GreaterThan(limits.MaxDrawdownPct) {
			return &Violation{
				Gate: GateDrawdown,
				Msg:  fmt.Sprintf("drawdown %s exceeds limit %s", drawdown, limits.MaxDrawdownPct),
			}
		}
	}

	// (d) Concurrent position count.
	if limits.MaxConcurrentPositions > 0 && len(portfolio.OpenPositions) >= limits.MaxConcurrentPositions {
		return &Violation{
			Gate: GateConcurrentPositions,
			Msg:  fmt.Sprintf("%d positions open, limit %d", len(portfolio.OpenPositions), limits.MaxConcurrentPositions),
		}
	}

	return nil
}

// Metrics reports each gate's current utilization for observability. It is
// never used for gating; Check is the single enforcement point.
type Metrics struct {
	PositionSizeUsedPct float64 `json:"position_size_used_pct"`
	DailyLossUsedPct    float64 `json:"daily_loss_used_pct"`
	DrawdownUsedPct     float64 `json:"drawdown_used_pct"`
	PositionsUsedPct    float64 `json:"positions_used_pct"`
	CanOpenNewPosition  bool    `json:"can_open_new_position"`
}

// ComputeMetrics derives the utilization of each limit from the portfolio
// snapshot. 100 means the limit is fully consumed.
func ComputeMetrics(portfolio *domain.PortfolioState, limits domain.RiskLimits) Metrics {
	m := Metrics{}

	if portfolio.Equity.IsPositive() && limits.MaxPositionSizePct.IsPositive() {
		// Largest open position against the per-position cap.
		largest := decimal.Zero
		for i := range portfolio.OpenPositions {
			p := &portfolio.OpenPositions[i]
			v := p.EntryPrice.Mul(p.Quantity)
			if v.GreaterThan(largest) {
				largest = v
			}
		}
		allowed := portfolio.Equity.Mul(limits.MaxPositionSizePct)
		m.PositionSizeUsedPct = pctOf(largest, allowed)
	}

	if portfolio.DayStartEquity.IsPositive() && limits.MaxDailyLossPct.IsPositive() {
		dayPnL := portfolio.RealizedPnLToday.Add(portfolio.UnrealizedPnL())
		if dayPnL.IsNegative() {
			maxLoss := portfolio.DayStartEquity.Mul(limits.MaxDailyLossPct)
			m.DailyLossUsedPct = pctOf(dayPnL.Neg(), maxLoss)
		}
	}

	if portfolio.PeakEquity.IsPositive() && limits.MaxDrawdownPct.IsPositive() {
		drawdown := portfolio.PeakEquity.Sub(portfolio.Equity).Div(portfolio.PeakEquity)
		if drawdown.IsPositive() {
			m.DrawdownUsedPct = pctOf(drawdown, limits.MaxDrawdownPct)
		}
	}

	if limits.MaxConcurrentPositions > 0 {
		m.PositionsUsedPct = 100 * float64(len(portfolio.OpenPositions)) / float64(limits.MaxConcurrentPositions)
	}

	m.CanOpenNewPosition = limits.MaxConcurrentPositions <= 0 ||
		len(portfolio.OpenPositions) < limits.MaxConcurrentPositions
	return m
}

func pctOf(used, limit decimal.Decimal) float64 {
	if !limit.IsPositive() {
		return 0
	}
	f, _ := used.Div(limit).Mul(decimal.NewFromInt(100)).Float64()
	return f
}
