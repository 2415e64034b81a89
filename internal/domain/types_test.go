package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestParseSide(t *testing.T) {
	cases := map[string]Side{
		"buy":   SideLong,
		"BUY":   SideLong,
		"long":  SideLong,
		"sell":  SideShort,
		"Short": SideShort,
		" s ":   SideShort,
	}
	for in, want := range cases {
		got, err := ParseSide(in)
		if err != nil {
			t.Errorf("ParseSide(%q) returned error: %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParseSide(%q) = %q, want %q", in, got, want)
		}
	}

	if _, err := ParseSide("sideways"); err == nil {
		t.Error("ParseSide should reject unknown side strings")
	}
}

func TestParseOrderStatus(t *testing.T) {
	cases := map[string]OrderStatus{
		"new":          OrderStatusOpen,
		"accepted":     OrderStatusOpen,
		"partial_fill": OrderStatusPartiallyFilled,
		"FILLED":       OrderStatusFilled,
		"canceled":     OrderStatusCancelled,
		"cancelled":    OrderStatusCancelled,
		"rejected":     OrderStatusRejected,
	}
	for in, want := range cases {
		got, err := ParseOrderStatus(in)
		if err != nil {
			t.Errorf("ParseOrderStatus(%q) returned error: %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParseOrderStatus(%q) = %q, want %q", in, got, want)
		}
	}

	if _, err := ParseOrderStatus("limbo"); err == nil {
		t.Error("ParseOrderStatus should reject unknown status strings")
	}
}

func TestOrderStatusTerminal(t *testing.T) {
	terminal := []OrderStatus{OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%q should be terminal", s)
		}
	}
	active := []OrderStatus{OrderStatusPending, OrderStatusOpen, OrderStatusPartiallyFilled}
	for _, s := range active {
		if s.Terminal() {
			t.Errorf("%q should not be terminal", s)
		}
	}
}

func TestPositionMarkToMarket(t *testing.T) {
	long := Position{
		Side:       SideLong,
		Quantity:   decimal.NewFromInt(2),
		EntryPrice: decimal.NewFromInt(100),
	}
	long.MarkToMarket(decimal.NewFromInt(110))
	if !long.UnrealizedPnL.Equal(decimal.NewFromInt(20)) {
		t.Errorf("long UnrealizedPnL = %s, want 20", long.UnrealizedPnL)
	}

	short := Position{
		Side:       SideShort,
		Quantity:   decimal.NewFromInt(2),
		EntryPrice: decimal.NewFromInt(100),
	}
	short.MarkToMarket(decimal.NewFromInt(110))
	if !short.UnrealizedPnL.Equal(decimal.NewFromInt(-20)) {
		t.Errorf("short UnrealizedPnL = %s, want -20", short.UnrealizedPnL)
	}
}

func TestProposedTradeNotional(t *testing.T) {
	price := decimal.NewFromInt(50)
	pt := ProposedTrade{Symbol: "BTCUSD", Side: SideLong, Quantity: decimal.NewFromInt(3), Price: &price}
	notional, ok := pt.Notional()
	if !ok {
		t.Fatal("Notional should be known for a priced trade")
	}
	if !notional.Equal(decimal.NewFromInt(150)) {
		t.Errorf("Notional = %s, want 150", notional)
	}

	market := ProposedTrade{Symbol: "BTCUSD", Side: SideLong, Quantity: decimal.NewFromInt(3)}
	if _, ok := market.Notional(); ok {
		t.Error("Notional should be unknown for a market order")
	}
}

func TestStrategyDefinitionValidate(t *testing.T) {
	valid := StrategyDefinition{
		Name:   "rsi-dip",
		Symbol: "AAPL",
		Indicators: []IndicatorSpec{
			{Type: "rsi", Name: "rsi_14", Params: map[string]float64{"period": 14}},
			{Type: "sma", Name: "sma_50", Params: map[string]float64{"period": 50}},
		},
		EntryCondition: "rsi_14 < 30",
	}
	if err := valid.Validate(); err != nil {
		t.Errorf("Validate() returned error for valid strategy: %v", err)
	}

	dup := valid
	dup.Indicators = []IndicatorSpec{
		{Type: "rsi", Name: "rsi_14"},
		{Type: "ema", Name: "rsi_14"},
	}
	if err := dup.Validate(); err == nil {
		t.Error("Validate() should reject duplicate indicator names")
	}

	noCond := StrategyDefinition{Name: "x", Symbol: "AAPL"}
	if err := noCond.Validate(); err == nil {
		t.Error("Validate() should require at least one condition")
	}

	noSymbol := StrategyDefinition{Name: "x", EntryCondition: "close > 0"}
	if err := noSymbol.Validate(); err == nil {
		t.Error("Validate() should require a symbol")
	}
}

func TestTimeframeDuration(t *testing.T) {
	if d := Timeframe5Min.Duration(); d != 5*time.Minute {
		t.Errorf("Timeframe5Min.Duration() = %v, want 5m", d)
	}
	if d := Timeframe1Day.Duration(); d != 24*time.Hour {
		t.Errorf("Timeframe1Day.Duration() = %v, want 24h", d)
	}
}
