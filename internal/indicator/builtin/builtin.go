// Package builtin provides the indicator Calculator that ships with the
// quantsim platform: SMA, EMA, RSI (Wilder), MACD, ATR, Bollinger bands, and
// volume SMA, all computed on exact decimals.
package builtin

import (
	"context"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"quantsim/internal/domain"
	"quantsim/internal/indicator"
)

// Compile-time interface check.
var _ indicator.Calculator = (*Calculator)(nil)

// Calculator implements indicator.Calculator for the built-in indicator set.
type Calculator struct{}

// NewCalculator creates the built-in Calculator.
func NewCalculator() *Calculator {
	return &Calculator{}
}

// Calculate dispatches on the spec type.
func (c *Calculator) Calculate(_ context.Context, spec domain.IndicatorSpec, bars []domain.Bar) (indicator.Series, error) {
	period := indicator.Period(spec)
	switch spec.Type {
	case "sma":
		return indicator.Series{Name: spec.Name, Points: sma(bars, closeOf, period)}, nil
	case "ema":
		return indicator.Series{Name: spec.Name, Points: ema(bars, period)}, nil
	case "rsi":
		return indicator.Series{Name: spec.Name, Points: rsi(bars, period)}, nil
	case "macd":
		return macd(spec, bars)
	case "atr":
		return indicator.Series{Name: spec.Name, Points: atr(bars, period)}, nil
	case "bollinger":
		return bollinger(spec, bars, period)
	case "volume_sma":
		return indicator.Series{Name: spec.Name, Points: sma(bars, volumeOf, period)}, nil
	default:
		return indicator.Series{}, fmt.Errorf("unknown indicator type %q", spec.Type)
	}
}

func closeOf(b domain.Bar) decimal.Decimal  { return b.Close }
func volumeOf(b domain.Bar) decimal.Decimal { return b.Volume }

// ---------------------------------------------------------------------------
// Moving averages
// ---------------------------------------------------------------------------

// sma computes a simple moving average of the extracted field. The first
// point lands on the bar at index period-1.
func sma(bars []domain.Bar, field func(domain.Bar) decimal.Decimal, period int) []indicator.Point {
	if period <= 0 || len(bars) < period {
		return nil
	}
	window := decimal.Zero
	points := make([]indicator.Point, 0, len(bars)-period+1)
	for i, b := range bars {
		window = window.Add(field(b))
		if i >= period {
			window = window.Sub(field(bars[i-period]))
		}
		if i >= period-1 {
			points = append(points, indicator.Point{
				Timestamp: b.Timestamp,
				Value:     window.Div(decimal.NewFromInt(int64(period))),
			})
		}
	}
	return points
}

// ema computes an exponential moving average of closes, seeded with the SMA
// of the first period bars, with smoothing factor 2/(period+1).
func ema(bars []domain.Bar, period int) []indicator.Point {
	return emaOf(bars, closeOf, period)
}

func emaOf(bars []domain.Bar, field func(domain.Bar) decimal.Decimal, period int) []indicator.Point {
	if period <= 0 || len(bars) < period {
		return nil
	}
	k := decimal.NewFromInt(2).Div(decimal.NewFromInt(int64(period + 1)))
	one := decimal.NewFromInt(1)

	seed := decimal.Zero
	for _, b := range bars[:period] {
		seed = seed.Add(field(b))
	}
	prev := seed.Div(decimal.NewFromInt(int64(period)))

	points := make([]indicator.Point, 0, len(bars)-period+1)
	points = append(points, indicator.Point{Timestamp: bars[period-1].Timestamp, Value: prev})
	for _, b := range bars[period:] {
		prev = field(b).Mul(k).Add(prev.Mul(one.Sub(k)))
		points = append(points, indicator.Point{Timestamp: b.Timestamp, Value: prev})
	}
	return points
}

// ---------------------------------------------------------------------------
// RSI (Wilder's smoothing)
// ---------------------------------------------------------------------------

func rsi(bars []domain.Bar, period int) []indicator.Point {
	if period <= 0 || len(bars) < period+1 {
		return nil
	}
	hundred := decimal.NewFromInt(100)
	n := decimal.NewFromInt(int64(period))
	nMinus1 := decimal.NewFromInt(int64(period - 1))

	// Seed: simple averages over the first period changes.
	avgGain, avgLoss := decimal.Zero, decimal.Zero
	for i := 1; i <= period; i++ {
		change := bars[i].Close.Sub(bars[i-1].Close)
		if change.IsPositive() {
			avgGain = avgGain.Add(change)
		} else {
			avgLoss = avgLoss.Add(change.Neg())
		}
	}
	avgGain = avgGain.Div(n)
	avgLoss = avgLoss.Div(n)

	rsiValue := func() decimal.Decimal {
		if avgLoss.IsZero() {
			return hundred
		}
		rs := avgGain.Div(avgLoss)
		return hundred.Sub(hundred.Div(decimal.NewFromInt(1).Add(rs)))
	}

	points := make([]indicator.Point, 0, len(bars)-period)
	points = append(points, indicator.Point{Timestamp: bars[period].Timestamp, Value: rsiValue()})

	for i := period + 1; i < len(bars); i++ {
		change := bars[i].Close.Sub(bars[i-1].Close)
		gain, loss := decimal.Zero, decimal.Zero
		if change.IsPositive() {
			gain = change
		} else {
			loss = change.Neg()
		}
		avgGain = avgGain.Mul(nMinus1).Add(gain).Div(n)
		avgLoss = avgLoss.Mul(nMinus1).Add(loss).Div(n)
		points = append(points, indicator.Point{Timestamp: bars[i].Timestamp, Value: rsiValue()})
	}
	return points
}

// ---------------------------------------------------------------------------
// MACD
// ---------------------------------------------------------------------------

func macd(spec domain.IndicatorSpec, bars []domain.Bar) (indicator.Series, error) {
	fast, slow, signalPeriod := 12, 26, 9
	if v, ok := spec.Params["fast"]; ok && v > 0 {
		fast = int(v)
	}
	if v, ok := spec.Params["slow"]; ok && v > 0 {
		slow = int(v)
	}
	if v, ok := spec.Params["signal"]; ok && v > 0 {
		signalPeriod = int(v)
	}
	if fast >= slow {
		return indicator.Series{}, fmt.Errorf("macd fast period %d must be below slow period %d", fast, slow)
	}

	fastEMA := ema(bars, fast)
	slowEMA := ema(bars, slow)
	if len(slowEMA) == 0 {
		return indicator.Series{}, nil
	}

	// Both EMAs exist from index slow-1; fastEMA leads by slow-fast points.
	offset := slow - fast
	line := make([]indicator.Point, len(slowEMA))
	for i := range slowEMA {
		line[i] = indicator.Point{
			Timestamp: slowEMA[i].Timestamp,
			Value:     fastEMA[i+offset].Value.Sub(slowEMA[i].Value),
		}
	}

	signal := emaPoints(line, signalPeriod)

	histogram := make([]indicator.Point, len(signal))
	lineOffset := len(line) - len(signal)
	for i := range signal {
		histogram[i] = indicator.Point{
			Timestamp: signal[i].Timestamp,
			Value:     line[lineOffset+i].Value.Sub(signal[i].Value),
		}
	}

	return indicator.Series{
		Name:   spec.Name,
		Points: line,
		Components: map[string][]indicator.Point{
			"signal":    signal,
			"histogram": histogram,
		},
	}, nil
}

// emaPoints applies the EMA recurrence to an already-computed point series.
func emaPoints(points []indicator.Point, period int) []indicator.Point {
	if period <= 0 || len(points) < period {
		return nil
	}
	k := decimal.NewFromInt(2).Div(decimal.NewFromInt(int64(period + 1)))
	one := decimal.NewFromInt(1)

	seed := decimal.Zero
	for _, p := range points[:period] {
		seed = seed.Add(p.Value)
	}
	prev := seed.Div(decimal.NewFromInt(int64(period)))

	out := make([]indicator.Point, 0, len(points)-period+1)
	out = append(out, indicator.Point{Timestamp: points[period-1].Timestamp, Value: prev})
	for _, p := range points[period:] {
		prev = p.Value.Mul(k).Add(prev.Mul(one.Sub(k)))
		out = append(out, indicator.Point{Timestamp: p.Timestamp, Value: prev})
	}
	return out
}

// ---------------------------------------------------------------------------
// ATR (Wilder's smoothing)
// ---------------------------------------------------------------------------

func atr(bars []domain.Bar, period int) []indicator.Point {
	if period <= 0 || len(bars) < period+1 {
		return nil
	}
	n := decimal.NewFromInt(int64(period))
	nMinus1 := decimal.NewFromInt(int64(period - 1))

	trueRange := func(i int) decimal.Decimal {
		hl := bars[i].High.Sub(bars[i].Low)
		hc := bars[i].High.Sub(bars[i-1].Close).Abs()
		lc := bars[i].Low.Sub(bars[i-1].Close).Abs()
		tr := hl
		if hc.GreaterThan(tr) {
			tr = hc
		}
		if lc.GreaterThan(tr) {
			tr = lc
		}
		return tr
	}

	seed := decimal.Zero
	for i := 1; i <= period; i++ {
		seed = seed.Add(trueRange(i))
	}
	prev := seed.Div(n)

	points := make([]indicator.Point, 0, len(bars)-period)
	points = append(points, indicator.Point{Timestamp: bars[period].Timestamp, Value: prev})
	for i := period + 1; i < len(bars); i++ {
		prev = prev.Mul(nMinus1).Add(trueRange(i)).Div(n)
		points = append(points, indicator.Point{Timestamp: bars[i].Timestamp, Value: prev})
	}
	return points
}

// ---------------------------------------------------------------------------
// Bollinger bands
// ---------------------------------------------------------------------------

func bollinger(spec domain.IndicatorSpec, bars []domain.Bar, period int) (indicator.Series, error) {
	mult := 2.0
	if v, ok := spec.Params["stddev"]; ok && v > 0 {
		mult = v
	}

	middle := sma(bars, closeOf, period)
	upper := make([]indicator.Point, len(middle))
	lower := make([]indicator.Point, len(middle))

	for i, mid := range middle {
		barIdx := i + period - 1
		// Population standard deviation over the window. The square root
		// happens in float64; the band width does not need exact decimals.
		variance := 0.0
		midF, _ := mid.Value.Float64()
		for j := barIdx - period + 1; j <= barIdx; j++ {
			c, _ := bars[j].Close.Float64()
			d := c - midF
			variance += d * d
		}
		sd := decimal.NewFromFloat(math.Sqrt(variance / float64(period)))
		band := sd.Mul(decimal.NewFromFloat(mult))

		upper[i] = indicator.Point{Timestamp: mid.Timestamp, Value: mid.Value.Add(band)}
		lower[i] = indicator.Point{Timestamp: mid.Timestamp, Value: mid.Value.Sub(band)}
	}

	return indicator.Series{
		Name:   spec.Name,
		Points: middle,
		Components: map[string][]indicator.Point{
			"upper": upper,
			"lower": lower,
		},
	}, nil
}
