package backtest

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"quantsim/internal/domain"
)

// profitFactorCap is reported when a session closed trades but never lost:
// the true ratio is infinite, which JSON cannot carry.
const profitFactorCap = 999.0

// PerformanceMetrics summarizes a finished session. Pointer fields are nil
// when the session closed no trades; consumers render them as "N/A" rather
// than a misleading zero.
type PerformanceMetrics struct {
	TotalTrades   int `json:"total_trades"`
	WinningTrades int `json:"winning_trades"`
	LosingTrades  int `json:"losing_trades"`

	WinRate      *float64 `json:"win_rate,omitempty"`
	ProfitFactor *float64 `json:"profit_factor,omitempty"`

	TotalPnL       decimal.Decimal `json:"total_pnl"`
	TotalReturnPct float64         `json:"total_return_pct"`
	MaxDrawdownPct float64         `json:"max_drawdown_pct"`

	AverageWin  *decimal.Decimal `json:"average_win,omitempty"`
	AverageLoss *decimal.Decimal `json:"average_loss,omitempty"`
	LargestWin  *decimal.Decimal `json:"largest_win,omitempty"`
	LargestLoss *decimal.Decimal `json:"largest_loss,omitempty"`

	// SharpeRatio is computed from per-bar equity returns with a zero
	// risk-free rate, unannualized. Nil when the curve is too short or flat.
	SharpeRatio *float64 `json:"sharpe_ratio,omitempty"`

	MaxWinStreak  int `json:"max_win_streak"`
	MaxLossStreak int `json:"max_loss_streak"`

	AvgTradeDuration *time.Duration `json:"avg_trade_duration,omitempty"`
}

// computeMetrics derives the session summary from the trade journal and the
// equity curve. A trade here means a closed round trip; the journal's entry
// records carry no P&L and only contribute the open timestamp.
func computeMetrics(initial decimal.Decimal, trades []domain.Trade, curve []domain.EquitySnapshot) PerformanceMetrics {
	var m PerformanceMetrics

	grossWin, grossLoss := decimal.Zero, decimal.Zero
	var largestWin, largestLoss decimal.Decimal
	winStreak, lossStreak := 0, 0
	var totalDuration time.Duration
	var openedAt time.Time

	for _, t := range trades {
		if t.Signal == domain.SignalEntry {
			openedAt = t.Timestamp
			continue
		}
		m.TotalTrades++
		m.TotalPnL = m.TotalPnL.Add(t.PnL)
		if !openedAt.IsZero() {
			totalDuration += t.Timestamp.Sub(openedAt)
		}
		switch {
		case t.PnL.IsPositive():
			m.WinningTrades++
			grossWin = grossWin.Add(t.PnL)
			if t.PnL.GreaterThan(largestWin) {
				largestWin = t.PnL
			}
			winStreak++
			lossStreak = 0
		case t.PnL.IsNegative():
			m.LosingTrades++
			grossLoss = grossLoss.Add(t.PnL.Neg())
			if t.PnL.Neg().GreaterThan(largestLoss) {
				largestLoss = t.PnL.Neg()
			}
			lossStreak++
			winStreak = 0
		default:
			winStreak, lossStreak = 0, 0
		}
		if winStreak > m.MaxWinStreak {
			m.MaxWinStreak = winStreak
		}
		if lossStreak > m.MaxLossStreak {
			m.MaxLossStreak = lossStreak
		}
	}

	if len(curve) > 0 && initial.IsPositive() {
		final := curve[len(curve)-1].Equity
		ret, _ := final.Sub(initial).Div(initial).Float64()
		m.TotalReturnPct = 100 * ret
	}
	m.MaxDrawdownPct = maxDrawdownPct(curve)
	m.SharpeRatio = sharpeRatio(curve)

	if m.TotalTrades == 0 {
		return m
	}

	wr := float64(m.WinningTrades) / float64(m.TotalTrades)
	m.WinRate = &wr

	pf := 0.0
	switch {
	case grossLoss.IsZero() && grossWin.IsPositive():
		pf = profitFactorCap
	case grossLoss.IsPositive():
		pf, _ = grossWin.Div(grossLoss).Float64()
		if pf > profitFactorCap {
			pf = profitFactorCap
		}
	}
	m.ProfitFactor = &pf

	if m.WinningTrades > 0 {
		avg := grossWin.Div(decimal.NewFromInt(int64(m.WinningTrades)))
		m.AverageWin = &avg
		m.LargestWin = &largestWin
	}
	if m.LosingTrades > 0 {
		avg := grossLoss.Div(decimal.NewFromInt(int64(m.LosingTrades))).Neg()
		m.AverageLoss = &avg
		neg := largestLoss.Neg()
		m.LargestLoss = &neg
	}

	dur := totalDuration / time.Duration(m.TotalTrades)
	m.AvgTradeDuration = &dur
	return m
}

// maxDrawdownPct is the largest peak-to-trough equity decline along the
// curve, as a positive percentage.
func maxDrawdownPct(curve []domain.EquitySnapshot) float64 {
	if len(curve) == 0 {
		return 0
	}
	peak := curve[0].Equity
	maxDD := decimal.Zero
	for _, pt := range curve {
		if pt.Equity.GreaterThan(peak) {
			peak = pt.Equity
			continue
		}
		if peak.IsPositive() {
			dd := peak.Sub(pt.Equity).Div(peak)
			if dd.GreaterThan(maxDD) {
				maxDD = dd
			}
		}
	}
	f, _ := maxDD.Float64()
	return 100 * f
}

func sharpeRatio(curve []domain.EquitySnapshot) *float64 {
	if len(curve) < 3 {
		return nil
	}
	returns := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		prev, _ := curve[i-1].Equity.Float64()
		cur, _ := curve[i].Equity.Float64()
		if prev == 0 {
			return nil
		}
		returns = append(returns, cur/prev-1)
	}
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	variance := 0.0
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns) - 1)
	if variance == 0 {
		return nil
	}
	s := mean / math.Sqrt(variance)
	return &s
}
