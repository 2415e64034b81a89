package quantsim

import "time"

// StartedBacktest acknowledges an accepted backtest.
type StartedBacktest struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	TotalBars int    `json:"total_bars"`
}

// Progress is a point-in-time view of a running session.
type Progress struct {
	SessionID     string  `json:"session_id"`
	Status        string  `json:"status"`
	BarsProcessed int     `json:"bars_processed"`
	TotalBars     int     `json:"total_bars"`
	Percentage    float64 `json:"percentage"`
	ETASeconds    float64 `json:"eta_seconds"`
}

// Trade is one execution in a backtest. Prices are decimal strings.
type Trade struct {
	ID        string    `json:"id"`
	Symbol    string    `json:"symbol"`
	Side      string    `json:"side"`
	Quantity  string    `json:"quantity"`
	Price     string    `json:"price"`
	Fee       string    `json:"fee"`
	PnL       string    `json:"pnl"`
	Signal    string    `json:"signal"`
	Timestamp time.Time `json:"timestamp"`
}

// EquityPoint is one sample of the equity curve.
type EquityPoint struct {
	Timestamp      time.Time `json:"timestamp"`
	Equity         string    `json:"equity"`
	Cash           string    `json:"cash"`
	PositionsValue string    `json:"positions_value"`
}

// Metrics summarizes backtest performance. Pointer fields are null when
// the session closed no trades.
type Metrics struct {
	TotalTrades      int      `json:"total_trades"`
	WinningTrades    int      `json:"winning_trades"`
	LosingTrades     int      `json:"losing_trades"`
	WinRate          *float64 `json:"win_rate,omitempty"`
	ProfitFactor     *float64 `json:"profit_factor,omitempty"`
	TotalPnL         string   `json:"total_pnl"`
	TotalReturnPct   float64  `json:"total_return_pct"`
	MaxDrawdownPct   float64  `json:"max_drawdown_pct"`
	AverageWin       *string  `json:"average_win,omitempty"`
	AverageLoss      *string  `json:"average_loss,omitempty"`
	LargestWin       *string  `json:"largest_win,omitempty"`
	LargestLoss      *string  `json:"largest_loss,omitempty"`
	SharpeRatio      *float64 `json:"sharpe_ratio,omitempty"`
	MaxWinStreak     int      `json:"max_win_streak"`
	MaxLossStreak    int      `json:"max_loss_streak"`
	AvgTradeDuration *int64   `json:"avg_trade_duration,omitempty"`
}

// Result is the terminal outcome of a session. Error is set for failed
// or stopped sessions; partial artifacts may accompany it.
type Result struct {
	Result *struct {
		SessionID      string        `json:"session_id"`
		Strategy       string        `json:"strategy"`
		Symbol         string        `json:"symbol"`
		InitialCapital string        `json:"initial_capital"`
		FinalEquity    string        `json:"final_equity"`
		Trades         []Trade       `json:"trades"`
		EquityCurve    []EquityPoint `json:"equity_curve"`
		Metrics        Metrics       `json:"metrics"`
		ConflictBars   int           `json:"conflict_bars"`
		RiskDenials    int           `json:"risk_denials"`
	} `json:"result"`
	Error string `json:"error,omitempty"`
}

// SessionSummary is one row of the session list.
type SessionSummary struct {
	ID        string     `json:"id"`
	Strategy  string     `json:"strategy"`
	Symbol    string     `json:"symbol"`
	Status    string     `json:"status"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// MarketStatus reports US equity market hours.
type MarketStatus struct {
	Open      bool      `json:"open"`
	NextOpen  time.Time `json:"next_open"`
	NextClose time.Time `json:"next_close"`
}
