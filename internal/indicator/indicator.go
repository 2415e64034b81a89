// Package indicator orchestrates technical-indicator computation for a
// strategy: it validates that enough history exists for every requested
// indicator, delegates the numeric work to a pluggable Calculator, and
// exposes point-in-time extraction for building per-bar evaluation contexts.
package indicator

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"quantsim/internal/domain"
)

// Point is one computed indicator value aligned to a bar timestamp.
type Point struct {
	Timestamp time.Time
	Value     decimal.Decimal
}

// Series is the output of one indicator: a primary value sequence and, for
// multi-output indicators such as MACD, named component sequences.
type Series struct {
	Name       string
	Points     []Point
	Components map[string][]Point
}

// Calculator is the external indicator-calculation capability. The numeric
// library behind it may be CPU-bound; callers should keep Calculate off
// latency-sensitive paths.
type Calculator interface {
	// Calculate computes the series for one indicator spec over the bars.
	Calculate(ctx context.Context, spec domain.IndicatorSpec, bars []domain.Bar) (Series, error)
}

// InsufficientDataError reports that the bar history is too short for an
// indicator's period plus warm-up. It aborts a backtest before any
// simulation work begins.
type InsufficientDataError struct {
	Indicator string
	Type      string
	Need      int
	Have      int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("indicator %s (%s) needs %d bars, have %d", e.Indicator, e.Type, e.Need, e.Have)
}

// defaultPeriods is the fallback period per indicator type when the spec
// carries no explicit "period" parameter.
var defaultPeriods = map[string]int{
	"sma":        20,
	"ema":        20,
	"rsi":        14,
	"macd":       26,
	"atr":        14,
	"bollinger":  20,
	"volume_sma": 20,
}

// warmups is the extra history each indicator type needs beyond its nominal
// period before its output is numerically meaningful.
var warmups = map[string]int{
	"ema":  10,
	"macd": 26,
	"rsi":  1,
	"atr":  1,
}

// Period resolves the effective period for a spec: the explicit "period"
// parameter when present, else the type default. MACD uses the "slow" period.
func Period(spec domain.IndicatorSpec) int {
	if p, ok := spec.Params["period"]; ok && p > 0 {
		return int(p)
	}
	if spec.Type == "macd" {
		if p, ok := spec.Params["slow"]; ok && p > 0 {
			return int(p)
		}
	}
	if p, ok := defaultPeriods[spec.Type]; ok {
		return p
	}
	return 0
}

// RequiredBars returns the minimum history length for a spec: its period
// plus the per-type warm-up.
func RequiredBars(spec domain.IndicatorSpec) int {
	return Period(spec) + warmups[spec.Type]
}

// Orchestrator wires a Calculator to strategy indicator specs.
type Orchestrator struct {
	calc Calculator
}

// NewOrchestrator creates an Orchestrator backed by the given Calculator.
func NewOrchestrator(calc Calculator) *Orchestrator {
	return &Orchestrator{calc: calc}
}

// ValidateHistory checks that bars is long enough for every spec. The first
// failing spec is reported with its required and available bar counts.
func (o *Orchestrator) ValidateHistory(specs []domain.IndicatorSpec, bars []domain.Bar) error {
	for _, spec := range specs {
		need := RequiredBars(spec)
		if len(bars) < need {
			return &InsufficientDataError{
				Indicator: spec.Name,
				Type:      spec.Type,
				Need:      need,
				Have:      len(bars),
			}
		}
	}
	return nil
}

// ComputeAll computes every spec over the bars and returns a name → series
// map. Duplicate indicator names and insufficient history are validation
// errors; nothing is computed when validation fails.
func (o *Orchestrator) ComputeAll(ctx context.Context, specs []domain.IndicatorSpec, bars []domain.Bar) (map[string]Series, error) {
	seen := make(map[string]struct{}, len(specs))
	for _, spec := range specs {
		if _, dup := seen[spec.Name]; dup {
			return nil, fmt.Errorf("duplicate indicator name %q", spec.Name)
		}
		seen[spec.Name] = struct{}{}
	}
	if err := o.ValidateHistory(specs, bars); err != nil {
		return nil, err
	}

	out := make(map[string]Series, len(specs))
	for _, spec := range specs {
		series, err := o.calc.Calculate(ctx, spec, bars)
		if err != nil {
			return nil, fmt.Errorf("computing %s: %w", spec.Name, err)
		}
		series.Name = spec.Name
		out[spec.Name] = series
	}
	return out, nil
}

// ValueAt extracts the latest value of each series at or before the cutoff
// (strictly before when inclusive is false). Multi-output indicators
// contribute their components under "<name>_<component>". Indicators with no
// value yet at the cutoff are simply absent from the result, which lets the
// condition engine's undefined-variable handling surface the gap.
func ValueAt(series map[string]Series, cutoff time.Time, inclusive bool) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(series))
	for name, s := range series {
		if v, ok := latestAt(s.Points, cutoff, inclusive); ok {
			out[name] = v
		}
		for comp, points := range s.Components {
			if v, ok := latestAt(points, cutoff, inclusive); ok {
				out[name+"_"+comp] = v
			}
		}
	}
	return out
}

// latestAt scans points (ordered by timestamp) for the last one within the
// cutoff.
func latestAt(points []Point, cutoff time.Time, inclusive bool) (decimal.Decimal, bool) {
	for i := len(points) - 1; i >= 0; i-- {
		ts := points[i].Timestamp
		if ts.Before(cutoff) || (inclusive && ts.Equal(cutoff)) {
			return points[i].Value, true
		}
	}
	return decimal.Decimal{}, false
}
