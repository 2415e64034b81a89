package risk

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"quantsim/internal/domain"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func healthyPortfolio() *domain.PortfolioState {
	return &domain.PortfolioState{
		Equity:         dec("10000"),
		PeakEquity:     dec("10000"),
		DayStartEquity: dec("10000"),
	}
}

func proposed(notional string) domain.ProposedTrade {
	price := dec(notional)
	return domain.ProposedTrade{
		Symbol:   "BTCUSD",
		Side:     domain.SideLong,
		Quantity: decimal.NewFromInt(1),
		Price:    &price,
	}
}

func TestPositionSizeGate(t *testing.T) {
	limits := domain.DefaultRiskLimits() // 25% of 10000 = 2500

	// Over the limit: denied.
	err := Check(proposed("2500.01"), healthyPortfolio(), limits)
	var v *Violation
	if !errors.As(err, &v) {
		t.Fatalf("error = %v, want *Violation", err)
	}
	if v.Gate != GatePositionSize {
		t.Errorf("gate = %s, want %s", v.Gate, GatePositionSize)
	}

	// Exactly at the boundary: allowed (inclusive limit).
	if err := Check(proposed("2500"), healthyPortfolio(), limits); err != nil {
		t.Errorf("trade exactly at the limit should pass: %v", err)
	}
}

func TestMarketOrderSkipsPositionSizeGate(t *testing.T) {
	limits := domain.DefaultRiskLimits()
	market := domain.ProposedTrade{
		Symbol:   "BTCUSD",
		Side:     domain.SideLong,
		Quantity: dec("1000000"), // would be enormous if priced
	}
	if err := Check(market, healthyPortfolio(), limits); err != nil {
		t.Errorf("market order should skip the notional gate: %v", err)
	}
}

func TestDailyLossGate(t *testing.T) {
	limits := domain.DefaultRiskLimits() // 3% of 10000 = 300
	p := healthyPortfolio()
	p.RealizedPnLToday = dec("-301")

	err := Check(proposed("100"), p, limits)
	var v *Violation
	if !errors.As(err, &v) {
		t.Fatalf("error = %v, want *Violation", err)
	}
	if v.Gate != GateDailyLoss {
		t.Errorf("gate = %s, want %s", v.Gate, GateDailyLoss)
	}

	// Loss exactly at 300 passes the inclusive boundary.
	p.RealizedPnLToday = dec("-300")
	if err := Check(proposed("100"), p, limits); err != nil {
		t.Errorf("loss exactly at the limit should pass: %v", err)
	}
}

func TestDailyLossIncludesUnrealized(t *testing.T) {
	limits := domain.DefaultRiskLimits()
	p := healthyPortfolio()
	p.RealizedPnLToday = dec("-200")
	p.OpenPositions = []domain.Position{{
		Side:          domain.SideLong,
		Quantity:      decimal.NewFromInt(1),
		EntryPrice:    dec("500"),
		UnrealizedPnL: dec("-150"),
	}}

	err := Check(proposed("100"), p, limits)
	var v *Violation
	if !errors.As(err, &v) || v.Gate != GateDailyLoss {
		t.Fatalf("error = %v, want daily-loss violation including unrealized P&L", err)
	}
}

func TestDrawdownGate(t *testing.T) {
	limits := domain.DefaultRiskLimits() // 15%
	p := healthyPortfolio()
	p.PeakEquity = dec("12000")
	p.Equity = dec("10000") // 16.67% drawdown

	err := Check(proposed("100"), p, limits)
	var v *Violation
	if !errors.As(err, &v) {
		t.Fatalf("error = %v, want *Violation", err)
	}
	if v.Gate != GateDrawdown {
		t.Errorf("gate = %s, want %s", v.Gate, GateDrawdown)
	}
}

func TestConcurrentPositionsGate(t *testing.T) {
	limits := domain.DefaultRiskLimits() // 3
	p := healthyPortfolio()
	p.OpenPositions = []domain.Position{{}, {}, {}}

	err := Check(proposed("100"), p, limits)
	var v *Violation
	if !errors.As(err, &v) {
		t.Fatalf("error = %v, want *Violation", err)
	}
	if v.Gate != GateConcurrentPositions {
		t.Errorf("gate = %s, want %s", v.Gate, GateConcurrentPositions)
	}

	p.OpenPositions = p.OpenPositions[:2]
	if err := Check(proposed("100"), p, limits); err != nil {
		t.Errorf("two of three slots used should pass: %v", err)
	}
}

func TestGateOrderShortCircuits(t *testing.T) {
	// Both the size gate and the position-count gate would fail; the size
	// gate is checked first.
	limits := domain.DefaultRiskLimits()
	p := healthyPortfolio()
	p.OpenPositions = []domain.Position{{}, {}, {}}

	err := Check(proposed("9999"), p, limits)
	var v *Violation
	if !errors.As(err, &v) {
		t.Fatalf("error = %v, want *Violation", err)
	}
	if v.Gate != GatePositionSize {
		t.Errorf("first failing gate = %s, want %s", v.Gate, GatePositionSize)
	}
}

func TestComputeMetrics(t *testing.T) {
	limits := domain.DefaultRiskLimits()
	p := healthyPortfolio()
	p.OpenPositions = []domain.Position{{
		Side:       domain.SideLong,
		Quantity:   decimal.NewFromInt(1),
		EntryPrice: dec("1250"), // half of the 2500 cap
	}}
	p.RealizedPnLToday = dec("-150") // half of the 300 limit

	m := ComputeMetrics(p, limits)
	if m.PositionSizeUsedPct < 49.9 || m.PositionSizeUsedPct > 50.1 {
		t.Errorf("PositionSizeUsedPct = %v, want ~50", m.PositionSizeUsedPct)
	}
	if m.DailyLossUsedPct < 49.9 || m.DailyLossUsedPct > 50.1 {
		t.Errorf("DailyLossUsedPct = %v, want ~50", m.DailyLossUsedPct)
	}
	if !m.CanOpenNewPosition {
		t.Error("one of three slots used; should be able to open")
	}

	p.OpenPositions = append(p.OpenPositions, domain.Position{}, domain.Position{})
	m = ComputeMetrics(p, limits)
	if m.CanOpenNewPosition {
		t.Error("all slots used; should not be able to open")
	}
}
