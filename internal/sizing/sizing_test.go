package sizing

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"quantsim/internal/domain"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestFixedSizing(t *testing.T) {
	cfg := domain.PositionSizingConfig{Method: domain.SizingFixed, Quantity: dec("1.5")}
	qty, err := Calculate(cfg, Inputs{})
	if err != nil {
		t.Fatal(err)
	}
	if !qty.Equal(dec("1.5")) {
		t.Errorf("qty = %s, want 1.5", qty)
	}

	cfg.Quantity = decimal.Zero
	if _, err := Calculate(cfg, Inputs{}); err == nil {
		t.Error("fixed sizing with non-positive quantity should fail")
	}
}

func TestPercentageSizing(t *testing.T) {
	cfg := domain.PositionSizingConfig{Method: domain.SizingPercentage, PositionPct: dec("0.1")}
	qty, err := Calculate(cfg, Inputs{Equity: dec("10000"), EntryPrice: dec("50")})
	if err != nil {
		t.Fatal(err)
	}
	if !qty.Equal(dec("20")) {
		t.Errorf("qty = %s, want 20", qty)
	}
}

func TestRiskBasedSizing(t *testing.T) {
	cfg := domain.PositionSizingConfig{Method: domain.SizingRiskBased, RiskPct: dec("0.02")}
	in := Inputs{Equity: dec("10000"), EntryPrice: dec("50000"), StopPrice: dec("48000")}

	qty, err := Calculate(cfg, in)
	if err != nil {
		t.Fatal(err)
	}
	if !qty.Equal(dec("0.1")) {
		t.Errorf("qty = %s, want 0.1", qty)
	}
}

func TestRiskBasedSizingInvalidStop(t *testing.T) {
	cfg := domain.PositionSizingConfig{Method: domain.SizingRiskBased, RiskPct: dec("0.02")}
	in := Inputs{Equity: dec("10000"), EntryPrice: dec("50000"), StopPrice: dec("50000")}

	_, err := Calculate(cfg, in)
	if !errors.Is(err, ErrInvalidStopLoss) {
		t.Errorf("error = %v, want ErrInvalidStopLoss", err)
	}
}

func TestRiskBasedSizingTinyStopIsCapped(t *testing.T) {
	// A stop 1 cent from entry would size the position at 20000x equity
	// uncapped; MaxPositionFrac holds the notional to half the account.
	cfg := domain.PositionSizingConfig{
		Method:          domain.SizingRiskBased,
		RiskPct:         dec("0.02"),
		MaxPositionFrac: dec("0.5"),
	}
	in := Inputs{Equity: dec("10000"), EntryPrice: dec("100"), StopPrice: dec("99.99")}

	qty, err := Calculate(cfg, in)
	if err != nil {
		t.Fatal(err)
	}
	// Cap: 10000 * 0.5 / 100 = 50.
	if !qty.Equal(dec("50")) {
		t.Errorf("qty = %s, want 50 (capped)", qty)
	}
}

func TestKellyFractionCap(t *testing.T) {
	// Absurdly favorable inputs still cap at quarter-Kelly.
	k := KellyFraction(dec("0.99"), dec("10"))
	if !k.Equal(dec("0.25")) {
		t.Errorf("kelly fraction = %s, want 0.25 cap", k)
	}

	// Standard case: 0.55 - 0.45/1.5 = 0.25 exactly at the cap.
	k = KellyFraction(dec("0.55"), dec("1.5"))
	if !k.Equal(dec("0.25")) {
		t.Errorf("kelly fraction = %s, want 0.25", k)
	}

	// Unfavorable inputs clamp to zero rather than going short.
	k = KellyFraction(dec("0.3"), dec("1"))
	if !k.Equal(decimal.Zero) {
		t.Errorf("kelly fraction = %s, want 0", k)
	}
}

func TestKellySizing(t *testing.T) {
	cfg := domain.PositionSizingConfig{
		Method:       domain.SizingKelly,
		WinRate:      dec("0.5"),
		WinLossRatio: dec("2"),
	}
	// k = 0.5 - 0.5/2 = 0.25; qty = 10000 * 0.25 / 100 = 25.
	qty, err := Calculate(cfg, Inputs{Equity: dec("10000"), EntryPrice: dec("100")})
	if err != nil {
		t.Fatal(err)
	}
	if !qty.Equal(dec("25")) {
		t.Errorf("qty = %s, want 25", qty)
	}
}

func TestKellyRuntimeOverrides(t *testing.T) {
	cfg := domain.PositionSizingConfig{
		Method:       domain.SizingKelly,
		WinRate:      dec("0.9"),
		WinLossRatio: dec("9"),
	}
	// Observed performance overrides the configured optimism:
	// k = 0.4 - 0.6/1 = -0.2 → clamped to 0 → zero quantity.
	qty, err := Calculate(cfg, Inputs{
		Equity:       dec("10000"),
		EntryPrice:   dec("100"),
		WinRate:      dec("0.4"),
		WinLossRatio: dec("1"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if !qty.IsZero() {
		t.Errorf("qty = %s, want 0", qty)
	}
}

func TestAdjustForLotSize(t *testing.T) {
	// Floor to step.
	got := AdjustForLotSize(dec("1.2345"), dec("0.01"), dec("0.001"))
	if !got.Equal(dec("1.23")) {
		t.Errorf("adjusted = %s, want 1.23", got)
	}

	// Below minimum after flooring: raised to minimum.
	got = AdjustForLotSize(dec("0.004"), dec("0.01"), dec("0.01"))
	if !got.Equal(dec("0.01")) {
		t.Errorf("adjusted = %s, want 0.01", got)
	}

	// Zero step: only the minimum clamp applies.
	got = AdjustForLotSize(dec("1.2345"), decimal.Zero, dec("0.001"))
	if !got.Equal(dec("1.2345")) {
		t.Errorf("adjusted = %s, want 1.2345", got)
	}
}

func TestUnknownMethod(t *testing.T) {
	cfg := domain.PositionSizingConfig{Method: "martingale"}
	if _, err := Calculate(cfg, Inputs{}); err == nil {
		t.Error("unknown sizing method should fail")
	}
}
