package trader

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"quantsim/internal/broker"
	"quantsim/internal/domain"
	"quantsim/internal/indicator"
	"quantsim/internal/indicator/builtin"
	"quantsim/internal/tracker"
)

// stubProvider serves a fixed bar window regardless of the requested span.
type stubProvider struct {
	bars []domain.Bar
}

func (p *stubProvider) GetBars(_ context.Context, _ string, _ domain.Timeframe, _, _ time.Time) ([]domain.Bar, error) {
	return p.bars, nil
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// marketHour is a regular Monday session in New York (10:00 ET).
var marketHour = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

func closeBars(symbol string, closes ...string) []domain.Bar {
	bars := make([]domain.Bar, len(closes))
	for i, c := range closes {
		p := dec(c)
		bars[i] = domain.Bar{
			Symbol:    symbol,
			Timestamp: marketHour.AddDate(0, 0, i-len(closes)),
			Open:      p,
			High:      p,
			Low:       p,
			Close:     p,
			Volume:    dec("1000"),
		}
	}
	return bars
}

func breakoutStrategy() *domain.StrategyDefinition {
	return &domain.StrategyDefinition{
		Name:           "breakout",
		Symbol:         "AAPL",
		Timeframe:      domain.Timeframe1Day,
		EntryCondition: "close > 100",
		ExitCondition:  "close < 100",
		Sizing: domain.PositionSizingConfig{
			Method:   domain.SizingFixed,
			Quantity: dec("2"),
		},
		Risk: domain.RiskLimits{
			MaxPositionSizePct:     dec("1"),
			MaxDailyLossPct:        dec("1"),
			MaxDrawdownPct:         dec("1"),
			MaxConcurrentPositions: 1,
		},
	}
}

func newTestTrader(t *testing.T, strat *domain.StrategyDefinition) (*Trader, *broker.PaperBroker, *stubProvider) {
	t.Helper()
	pb := broker.NewPaperBroker(dec("10000"), decimal.Zero, decimal.Zero)
	data := &stubProvider{}
	trk := tracker.New(pb, time.Hour, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go trk.Run(ctx)
	t.Cleanup(cancel)

	tr, err := New(Config{
		Strategy: strat,
		Broker:   pb,
		Data:     data,
		Calc:     indicator.NewOrchestrator(builtin.NewCalculator()),
		Tracker:  trk,
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return tr, pb, data
}

func TestEntryThenExit(t *testing.T) {
	tr, pb, data := newTestTrader(t, breakoutStrategy())
	ctx := context.Background()

	data.bars = closeBars("AAPL", "90", "105")
	if err := tr.Step(ctx, marketHour); err != nil {
		t.Fatalf("Step (entry): %v", err)
	}
	pos := tr.Position()
	if pos == nil {
		t.Fatal("no position after entry signal")
	}
	if pos.Side != domain.SideLong {
		t.Errorf("position side = %q, want %q", pos.Side, domain.SideLong)
	}
	if !pos.Quantity.Equal(dec("2")) {
		t.Errorf("position qty = %s, want 2", pos.Quantity)
	}
	if !pos.EntryPrice.Equal(dec("105")) {
		t.Errorf("entry price = %s, want 105", pos.EntryPrice)
	}

	data.bars = closeBars("AAPL", "105", "95")
	if err := tr.Step(ctx, marketHour); err != nil {
		t.Fatalf("Step (exit): %v", err)
	}
	if tr.Position() != nil {
		t.Error("position still open after exit signal")
	}

	acct, err := pb.GetAccount(ctx)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	// Bought 2 @ 105, sold 2 @ 95: 10000 - 210 + 190.
	if !acct.Equity.Equal(dec("9980")) {
		t.Errorf("equity after round trip = %s, want 9980", acct.Equity)
	}
}

func TestNoEntryWithoutSignal(t *testing.T) {
	tr, pb, data := newTestTrader(t, breakoutStrategy())
	ctx := context.Background()

	data.bars = closeBars("AAPL", "90", "95")
	if err := tr.Step(ctx, marketHour); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if tr.Position() != nil {
		t.Error("position opened without an entry signal")
	}
	acct, err := pb.GetAccount(ctx)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if !acct.Equity.Equal(dec("10000")) {
		t.Errorf("equity = %s, want untouched 10000", acct.Equity)
	}
}

func TestClosedMarketSkipsEvaluation(t *testing.T) {
	tr, _, data := newTestTrader(t, breakoutStrategy())

	data.bars = closeBars("AAPL", "90", "105")
	saturday := time.Date(2026, 3, 7, 15, 0, 0, 0, time.UTC)
	if err := tr.Step(context.Background(), saturday); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if tr.Position() != nil {
		t.Error("position opened while the market was closed")
	}
}

func TestEntryDeniedByRisk(t *testing.T) {
	strat := breakoutStrategy()
	strat.Risk = domain.RiskLimits{MaxPositionSizePct: dec("0.001")}
	tr, _, data := newTestTrader(t, strat)

	data.bars = closeBars("AAPL", "90", "105")
	if err := tr.Step(context.Background(), marketHour); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if tr.Position() != nil {
		t.Error("position opened past the position size limit")
	}
}
