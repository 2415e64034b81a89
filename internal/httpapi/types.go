package httpapi

import (
	"time"

	"github.com/shopspring/decimal"

	"quantsim/internal/backtest"
	"quantsim/internal/condition"
	"quantsim/internal/domain"
)

// StartBacktestRequest starts a new session. Bars may be supplied inline
// (mostly for tests); otherwise Start/End bound the fetch from the
// configured data provider. Nil cost fields fall back to server defaults.
type StartBacktestRequest struct {
	Strategy *domain.StrategyDefinition `json:"strategy"`

	Bars  []domain.Bar `json:"bars,omitempty"`
	Start time.Time    `json:"start,omitempty"`
	End   time.Time    `json:"end,omitempty"`

	InitialCapital      *decimal.Decimal `json:"initial_capital,omitempty"`
	SlippageBps         *decimal.Decimal `json:"slippage_bps,omitempty"`
	CommissionPct       *decimal.Decimal `json:"commission_pct,omitempty"`
	EvalErrorIsNoSignal bool             `json:"eval_error_is_no_signal,omitempty"`
}

type StartBacktestResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	TotalBars int    `json:"total_bars"`
}

type ProgressResponse struct {
	SessionID     string  `json:"session_id"`
	Status        string  `json:"status"`
	BarsProcessed int     `json:"bars_processed"`
	TotalBars     int     `json:"total_bars"`
	Percentage    float64 `json:"percentage"`
	ETASeconds    float64 `json:"eta_seconds"`
}

// ResultResponse carries the result, and for failed or stopped sessions
// the failure message alongside the partial artifacts.
type ResultResponse struct {
	Result *backtest.Result `json:"result"`
	Error  string           `json:"error,omitempty"`
}

type SessionSummary struct {
	ID        string     `json:"id"`
	Strategy  string     `json:"strategy"`
	Symbol    string     `json:"symbol"`
	Status    string     `json:"status"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

type ListSessionsResponse struct {
	Sessions []SessionSummary `json:"sessions"`
}

// PreviewVariables is the caller's variable snapshot for a one-shot
// signal evaluation.
type PreviewVariables struct {
	Values map[string]decimal.Decimal `json:"values"`
	Flags  map[string]bool            `json:"flags"`
}

// Context converts the snapshot into an evaluation context.
func (v PreviewVariables) Context() *condition.Context {
	ctx := condition.NewContext()
	for name, d := range v.Values {
		ctx.Set(name, d)
	}
	for name, b := range v.Flags {
		ctx.SetBool(name, b)
	}
	return ctx
}

type PreviewRequest struct {
	Strategy  *domain.StrategyDefinition `json:"strategy"`
	Variables PreviewVariables           `json:"variables"`
}

type PreviewResponse struct {
	Entry bool `json:"entry"`
	Exit  bool `json:"exit"`
	Stop  bool `json:"stop"`
}

type MarketStatusResponse struct {
	Open      bool      `json:"open"`
	NextOpen  time.Time `json:"next_open"`
	NextClose time.Time `json:"next_close"`
}
