package signal

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"quantsim/internal/domain"
)

func testBar(closePrice float64) domain.Bar {
	c := decimal.NewFromFloat(closePrice)
	return domain.Bar{
		Symbol:    "BTCUSD",
		Timestamp: time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC),
		Open:      c.Sub(decimal.NewFromInt(5)),
		High:      c.Add(decimal.NewFromInt(10)),
		Low:       c.Sub(decimal.NewFromInt(10)),
		Close:     c,
		Volume:    decimal.NewFromInt(500),
	}
}

func TestEvaluateEntrySignal(t *testing.T) {
	strategy := &domain.StrategyDefinition{
		Name:           "rsi-dip",
		Symbol:         "BTCUSD",
		EntryCondition: "rsi_14 < 30 AND close > sma_50",
		ExitCondition:  "rsi_14 > 70",
	}
	ev, err := NewEvaluator(strategy)
	if err != nil {
		t.Fatal(err)
	}

	ctx := BuildContext(testBar(42100), map[string]decimal.Decimal{
		"rsi_14": decimal.NewFromInt(25),
		"sma_50": decimal.NewFromInt(42000),
	}, nil)

	s, err := ev.Evaluate(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !s.Entry || s.Exit || s.Stop {
		t.Errorf("Signals = %+v, want entry only", s)
	}
}

func TestMissingConditionIsFalse(t *testing.T) {
	strategy := &domain.StrategyDefinition{
		Name:           "entry-only",
		Symbol:         "BTCUSD",
		EntryCondition: "close > 0",
	}
	ev, err := NewEvaluator(strategy)
	if err != nil {
		t.Fatal(err)
	}

	s, err := ev.Evaluate(BuildContext(testBar(100), nil, nil))
	if err != nil {
		t.Fatal(err)
	}
	if !s.Entry {
		t.Error("entry should fire")
	}
	if s.Exit || s.Stop {
		t.Error("absent exit/stop conditions must evaluate to false, not error")
	}
}

func TestParseErrorBlocksActivation(t *testing.T) {
	strategy := &domain.StrategyDefinition{
		Name:           "broken",
		Symbol:         "BTCUSD",
		EntryCondition: "close > ",
	}
	if _, err := NewEvaluator(strategy); err == nil {
		t.Fatal("malformed condition must fail at construction")
	}
}

func TestEntryExitConflict(t *testing.T) {
	strategy := &domain.StrategyDefinition{
		Name:           "conflicted",
		Symbol:         "BTCUSD",
		EntryCondition: "close > 10",
		ExitCondition:  "close > 20",
	}
	ev, err := NewEvaluator(strategy)
	if err != nil {
		t.Fatal(err)
	}

	_, err = ev.Evaluate(BuildContext(testBar(100), nil, nil))
	var ce *ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("error = %v, want *ConflictError", err)
	}
	if ce.First != domain.SignalEntry || ce.Second != domain.SignalExit {
		t.Errorf("conflict = %s+%s, want entry+exit", ce.First, ce.Second)
	}
}

func TestEntryStopConflict(t *testing.T) {
	strategy := &domain.StrategyDefinition{
		Name:           "conflicted",
		Symbol:         "BTCUSD",
		EntryCondition: "close > 10",
		StopCondition:  "low < 200",
	}
	ev, err := NewEvaluator(strategy)
	if err != nil {
		t.Fatal(err)
	}

	_, err = ev.Evaluate(BuildContext(testBar(100), nil, nil))
	var ce *ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("error = %v, want *ConflictError", err)
	}
}

func TestExitStopTogetherAllowed(t *testing.T) {
	strategy := &domain.StrategyDefinition{
		Name:          "closing",
		Symbol:        "BTCUSD",
		ExitCondition: "close > 10",
		StopCondition: "low < 200",
	}
	ev, err := NewEvaluator(strategy)
	if err != nil {
		t.Fatal(err)
	}

	s, err := ev.Evaluate(BuildContext(testBar(100), nil, nil))
	if err != nil {
		t.Fatalf("exit+stop together should not error: %v", err)
	}
	if !s.Exit || !s.Stop {
		t.Errorf("Signals = %+v, want exit and stop both true", s)
	}
}

func TestUndefinedIndicatorPropagates(t *testing.T) {
	strategy := &domain.StrategyDefinition{
		Name:           "needs-indicator",
		Symbol:         "BTCUSD",
		EntryCondition: "missing_indicator > 1",
	}
	ev, err := NewEvaluator(strategy)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := ev.Evaluate(BuildContext(testBar(100), nil, nil)); err == nil {
		t.Fatal("undefined indicator must not silently evaluate to false")
	}
}

func TestBuildContextReservedNames(t *testing.T) {
	bar := testBar(100)
	ctx := BuildContext(bar, map[string]decimal.Decimal{"x": decimal.NewFromInt(7)}, nil)

	for _, name := range []string{"open", "high", "low", "close", "volume", "price", "timestamp", "x"} {
		if _, ok := ctx.Vars[name]; !ok {
			t.Errorf("context missing reserved name %q", name)
		}
	}
}

func TestBuildContextPrev(t *testing.T) {
	prev := BuildContext(testBar(100), map[string]decimal.Decimal{"x": decimal.NewFromInt(1)}, nil)
	cur := BuildContext(testBar(110), map[string]decimal.Decimal{"x": decimal.NewFromInt(2)}, prev)

	if cur.Prev == nil {
		t.Fatal("current context should carry previous bindings")
	}
	if _, ok := cur.Prev["close"]; !ok {
		t.Error("previous close missing")
	}
	if _, ok := cur.Prev["x"]; !ok {
		t.Error("previous indicator value missing")
	}
}
