// Package sizing computes trade quantities from a strategy's position-sizing
// configuration. Four methods are supported: fixed, percentage of equity,
// risk-based distance to stop, and quarter-capped Kelly. The package is pure
// and safe for concurrent use.
package sizing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"quantsim/internal/domain"
)

// ErrInvalidStopLoss is returned by the risk_based method when the entry and
// stop prices coincide, which would make the quantity unbounded.
var ErrInvalidStopLoss = errors.New("stop price equals entry price")

// kellyCap is the quarter-Kelly safety cap: the computed Kelly fraction is
// never allowed above 25% of equity.
var kellyCap = decimal.NewFromFloat(0.25)

// Inputs are the per-trade values a sizing method may consult. Fields beyond
// the method's needs are ignored.
type Inputs struct {
	Equity       decimal.Decimal
	EntryPrice   decimal.Decimal
	StopPrice    decimal.Decimal
	WinRate      decimal.Decimal // overrides config when positive
	WinLossRatio decimal.Decimal // overrides config when positive
}

// Calculate returns the raw quantity for a trade under cfg. The result is
// not lot-size adjusted; see AdjustForLotSize.
func Calculate(cfg domain.PositionSizingConfig, in Inputs) (decimal.Decimal, error) {
	switch cfg.Method {
	case domain.SizingFixed:
		if !cfg.Quantity.IsPositive() {
			return decimal.Decimal{}, fmt.Errorf("fixed sizing requires a positive quantity, got %s", cfg.Quantity)
		}
		return cfg.Quantity, nil

	case domain.SizingPercentage:
		if err := requirePositivePrice(in.EntryPrice); err != nil {
			return decimal.Decimal{}, err
		}
		return in.Equity.Mul(cfg.PositionPct).Div(in.EntryPrice), nil

	case domain.SizingRiskBased:
		if err := requirePositivePrice(in.EntryPrice); err != nil {
			return decimal.Decimal{}, err
		}
		distance := in.EntryPrice.Sub(in.StopPrice).Abs()
		if distance.IsZero() {
			return decimal.Decimal{}, ErrInvalidStopLoss
		}
		qty := in.Equity.Mul(cfg.RiskPct).Div(distance)

		// A stop very close to the entry makes the risk formula explode;
		// cap the notional at MaxPositionFrac of equity (default: all of it).
		frac := cfg.MaxPositionFrac
		if !frac.IsPositive() {
			frac = decimal.NewFromInt(1)
		}
		maxQty := in.Equity.Mul(frac).Div(in.EntryPrice)
		if qty.GreaterThan(maxQty) {
			qty = maxQty
		}
		return qty, nil

	case domain.SizingKelly:
		if err := requirePositivePrice(in.EntryPrice); err != nil {
			return decimal.Decimal{}, err
		}
		winRate := cfg.WinRate
		if in.WinRate.IsPositive() {
			winRate = in.WinRate
		}
		ratio := cfg.WinLossRatio
		if in.WinLossRatio.IsPositive() {
			ratio = in.WinLossRatio
		}
		if !ratio.IsPositive() {
			return decimal.Decimal{}, fmt.Errorf("kelly sizing requires a positive win/loss ratio, got %s", ratio)
		}
		k := KellyFraction(winRate, ratio)
		return in.Equity.Mul(k).Div(in.EntryPrice), nil

	default:
		return decimal.Decimal{}, fmt.Errorf("unknown sizing method %q", cfg.Method)
	}
}

// KellyFraction computes win_rate - (1-win_rate)/ratio, clamped to
// [0, 0.25].
func KellyFraction(winRate, winLossRatio decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	k := winRate.Sub(one.Sub(winRate).Div(winLossRatio))
	if k.IsNegative() {
		return decimal.Zero
	}
	if k.GreaterThan(kellyCap) {
		return kellyCap
	}
	return k
}

// AdjustForLotSize rounds qty down to the nearest multiple of step, then
// raises the result to min when it fell below the exchange's minimum
// tradeable quantity. A non-positive step leaves qty untouched apart from
// the minimum clamp.
func AdjustForLotSize(qty, step, min decimal.Decimal) decimal.Decimal {
	adjusted := qty
	if step.IsPositive() {
		adjusted = qty.Div(step).Floor().Mul(step)
	}
	if min.IsPositive() && adjusted.LessThan(min) {
		adjusted = min
	}
	return adjusted
}

func requirePositivePrice(price decimal.Decimal) error {
	if !price.IsPositive() {
		return fmt.Errorf("entry price must be positive, got %s", price)
	}
	return nil
}
