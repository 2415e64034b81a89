package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Strategy definition
// ---------------------------------------------------------------------------

// SizingMethod selects how a trade's quantity is computed.
type SizingMethod string

const (
	SizingFixed      SizingMethod = "fixed"
	SizingPercentage SizingMethod = "percentage"
	SizingRiskBased  SizingMethod = "risk_based"
	SizingKelly      SizingMethod = "kelly"
)

// IndicatorSpec names one indicator a strategy needs, e.g.
// {Type: "rsi", Name: "rsi_14", Params: {"period": 14}}.
type IndicatorSpec struct {
	Type   string             `yaml:"type" json:"type"`
	Name   string             `yaml:"name" json:"name"`
	Params map[string]float64 `yaml:"params" json:"params"`
}

// PositionSizingConfig configures the position sizer for a strategy.
//
// StopLossPct places a protective stop this fraction away from the entry
// price. risk_based sizing derives its stop distance from it when the caller
// has no explicit stop price.
//
// MaxPositionFrac caps the notional of a risk_based trade at this fraction of
// equity, protecting against near-zero stop distances blowing up the
// quantity. 0 means use the default of 1.0 (cap at full equity).
type PositionSizingConfig struct {
	Method          SizingMethod    `yaml:"method" json:"method"`
	StopLossPct     decimal.Decimal `yaml:"stop_loss_pct" json:"stop_loss_pct"`
	Quantity        decimal.Decimal `yaml:"quantity" json:"quantity"`
	PositionPct     decimal.Decimal `yaml:"position_pct" json:"position_pct"`
	RiskPct         decimal.Decimal `yaml:"risk_pct" json:"risk_pct"`
	WinRate         decimal.Decimal `yaml:"win_rate" json:"win_rate"`
	WinLossRatio    decimal.Decimal `yaml:"win_loss_ratio" json:"win_loss_ratio"`
	MaxPositionFrac decimal.Decimal `yaml:"max_position_frac" json:"max_position_frac"`
}

// RiskLimits are the per-session portfolio limits. Immutable once a session
// starts.
type RiskLimits struct {
	MaxPositionSizePct     decimal.Decimal `yaml:"max_position_size_pct" json:"max_position_size_pct"`
	MaxDailyLossPct        decimal.Decimal `yaml:"max_daily_loss_pct" json:"max_daily_loss_pct"`
	MaxDrawdownPct         decimal.Decimal `yaml:"max_drawdown_pct" json:"max_drawdown_pct"`
	MaxConcurrentPositions int             `yaml:"max_concurrent_positions" json:"max_concurrent_positions"`
}

// DefaultRiskLimits returns the platform defaults: 25% position size, 3%
// daily loss, 15% drawdown, 3 concurrent positions.
func DefaultRiskLimits() RiskLimits {
	return RiskLimits{
		MaxPositionSizePct:     decimal.NewFromFloat(0.25),
		MaxDailyLossPct:        decimal.NewFromFloat(0.03),
		MaxDrawdownPct:         decimal.NewFromFloat(0.15),
		MaxConcurrentPositions: 3,
	}
}

// StrategyDefinition is the in-memory form of a user-authored strategy.
// Parsing from the user's document format happens outside the core; once
// loaded the definition is immutable for the duration of a run.
type StrategyDefinition struct {
	Name   string `yaml:"name" json:"name"`
	Symbol string `yaml:"symbol" json:"symbol"`
	Side   Side   `yaml:"side" json:"side"` // defaults to long

	Timeframe      Timeframe            `yaml:"timeframe" json:"timeframe"`
	Indicators     []IndicatorSpec      `yaml:"indicators" json:"indicators"`
	EntryCondition string               `yaml:"entry" json:"entry"`
	ExitCondition  string               `yaml:"exit" json:"exit"`
	StopCondition  string               `yaml:"stop" json:"stop"`
	Sizing         PositionSizingConfig `yaml:"sizing" json:"sizing"`
	Risk           RiskLimits           `yaml:"risk" json:"risk"`
}

// Validate checks structural invariants of the definition: non-empty name and
// symbol, at least one condition, and unique indicator names.
func (s *StrategyDefinition) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("strategy name is required")
	}
	if s.Symbol == "" {
		return fmt.Errorf("strategy %q: symbol is required", s.Name)
	}
	if s.EntryCondition == "" && s.ExitCondition == "" && s.StopCondition == "" {
		return fmt.Errorf("strategy %q: at least one condition is required", s.Name)
	}
	seen := make(map[string]struct{}, len(s.Indicators))
	for _, spec := range s.Indicators {
		if spec.Name == "" {
			return fmt.Errorf("strategy %q: indicator of type %q has no name", s.Name, spec.Type)
		}
		if _, dup := seen[spec.Name]; dup {
			return fmt.Errorf("strategy %q: duplicate indicator name %q", s.Name, spec.Name)
		}
		seen[spec.Name] = struct{}{}
	}
	return nil
}
