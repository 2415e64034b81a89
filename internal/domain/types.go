// Package domain defines the shared types used across the quantsim platform:
// market data bars, strategy definitions, positions, trades, portfolio state,
// and the enums for sides and statuses. Statuses arriving as free-form text
// from external sources are normalized into these enums at the boundary.
package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Market data
// ---------------------------------------------------------------------------

// Bar is one OHLCV observation for a fixed time interval.
type Bar struct {
	Symbol    string          `json:"symbol"`
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// Timeframe identifies the bar interval of a data series.
type Timeframe string

const (
	Timeframe1Min  Timeframe = "1m"
	Timeframe5Min  Timeframe = "5m"
	Timeframe15Min Timeframe = "15m"
	Timeframe1Hour Timeframe = "1h"
	Timeframe1Day  Timeframe = "1d"
)

// Duration returns the wall-clock length of one bar of this timeframe.
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case Timeframe1Min:
		return time.Minute
	case Timeframe5Min:
		return 5 * time.Minute
	case Timeframe15Min:
		return 15 * time.Minute
	case Timeframe1Hour:
		return time.Hour
	case Timeframe1Day:
		return 24 * time.Hour
	default:
		return time.Minute
	}
}

// ---------------------------------------------------------------------------
// Sides and statuses
// ---------------------------------------------------------------------------

// Side is the direction of an order or position.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Opposite returns the closing side for this side.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// ParseSide normalizes a free-form side string ("buy", "BUY", "long", "sell",
// "short", ...) into a Side. External sources disagree on vocabulary; this is
// the single place that mapping lives.
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "long", "buy", "b":
		return SideLong, nil
	case "short", "sell", "s":
		return SideShort, nil
	default:
		return "", fmt.Errorf("unknown side %q", s)
	}
}

// ErrOrderRejected marks a permanent broker rejection. Callers must not
// retry an order that carries it.
var ErrOrderRejected = errors.New("order rejected")

// OrderType distinguishes market from limit orders.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusOpen            OrderStatus = "open"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusRejected        OrderStatus = "rejected"
)

// Terminal reports whether no further transitions are possible from this status.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	}
	return false
}

// ParseOrderStatus normalizes a free-form status string from an external
// source into an OrderStatus. Brokers report statuses under several spellings
// ("new", "accepted", "partial_fill", "canceled", ...); the dual text/enum
// representation stops here.
func ParseOrderStatus(s string) (OrderStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pending", "pending_new", "accepted_for_bidding":
		return OrderStatusPending, nil
	case "open", "new", "accepted", "working":
		return OrderStatusOpen, nil
	case "partially_filled", "partial_fill", "partial":
		return OrderStatusPartiallyFilled, nil
	case "filled", "done_for_day":
		return OrderStatusFilled, nil
	case "cancelled", "canceled", "expired", "replaced":
		return OrderStatusCancelled, nil
	case "rejected", "stopped", "suspended":
		return OrderStatusRejected, nil
	default:
		return "", fmt.Errorf("unknown order status %q", s)
	}
}

// PositionStatus is the lifecycle state of a position.
type PositionStatus string

const (
	PositionStatusOpen    PositionStatus = "open"
	PositionStatusPartial PositionStatus = "partial"
	PositionStatusClosed  PositionStatus = "closed"
)

// SignalType identifies which strategy condition produced a trade.
type SignalType string

const (
	SignalEntry SignalType = "entry"
	SignalExit  SignalType = "exit"
	SignalStop  SignalType = "stop"
)

// ---------------------------------------------------------------------------
// Orders, positions, trades
// ---------------------------------------------------------------------------

// Order is an order as known to the execution layer. Price is nil for market
// orders.
type Order struct {
	ID         string           `json:"id"`
	ExchangeID string           `json:"exchange_id,omitempty"`
	Symbol     string           `json:"symbol"`
	Side       Side             `json:"side"`
	Type       OrderType        `json:"type"`
	Quantity   decimal.Decimal  `json:"quantity"`
	FilledQty  decimal.Decimal  `json:"filled_qty"`
	Price      *decimal.Decimal `json:"price,omitempty"`
	Status     OrderStatus      `json:"status"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// Position is an open or closed holding in a single symbol.
type Position struct {
	ID            string           `json:"id"`
	Symbol        string           `json:"symbol"`
	Side          Side             `json:"side"`
	Quantity      decimal.Decimal  `json:"quantity"`
	EntryPrice    decimal.Decimal  `json:"entry_price"`
	ExitPrice     *decimal.Decimal `json:"exit_price,omitempty"`
	StopLoss      *decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit    *decimal.Decimal `json:"take_profit,omitempty"`
	Status        PositionStatus   `json:"status"`
	OpenedAt      time.Time        `json:"opened_at"`
	ClosedAt      *time.Time       `json:"closed_at,omitempty"`
	RealizedPnL   decimal.Decimal  `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal  `json:"unrealized_pnl"`
	Fees          decimal.Decimal  `json:"fees"`
}

// MarkToMarket refreshes UnrealizedPnL against the given price.
func (p *Position) MarkToMarket(price decimal.Decimal) {
	diff := price.Sub(p.EntryPrice)
	if p.Side == SideShort {
		diff = diff.Neg()
	}
	p.UnrealizedPnL = diff.Mul(p.Quantity)
}

// MarketValue returns the notional value of the position at the given price.
func (p *Position) MarketValue(price decimal.Decimal) decimal.Decimal {
	return price.Mul(p.Quantity)
}

// Trade is an immutable execution record appended to a session's journal.
type Trade struct {
	ID        string          `json:"id"`
	Symbol    string          `json:"symbol"`
	Side      Side            `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Fee       decimal.Decimal `json:"fee"`
	PnL       decimal.Decimal `json:"pnl"`
	Signal    SignalType      `json:"signal"`
	Timestamp time.Time       `json:"timestamp"`
}

// ProposedTrade is a trade candidate produced per bar, consumed by the risk
// manager, and never persisted. Price is nil for market orders.
type ProposedTrade struct {
	Symbol   string
	Side     Side
	Quantity decimal.Decimal
	Price    *decimal.Decimal
}

// Notional returns the proposed trade's value, or false when the price is not
// yet known (market orders).
func (t ProposedTrade) Notional() (decimal.Decimal, bool) {
	if t.Price == nil {
		return decimal.Decimal{}, false
	}
	return t.Price.Mul(t.Quantity), true
}

// AccountInfo is a broker account snapshot.
type AccountInfo struct {
	ID          string          `json:"id"`
	Cash        decimal.Decimal `json:"cash"`
	Equity      decimal.Decimal `json:"equity"`
	BuyingPower decimal.Decimal `json:"buying_power"`
}

// ---------------------------------------------------------------------------
// Portfolio
// ---------------------------------------------------------------------------

// PortfolioState is a snapshot of a session's account. It is owned and
// mutated by exactly one session runner; the risk manager only reads it.
type PortfolioState struct {
	Equity           decimal.Decimal
	PeakEquity       decimal.Decimal
	DayStartEquity   decimal.Decimal
	RealizedPnLToday decimal.Decimal
	OpenPositions    []Position
}

// UnrealizedPnL sums the unrealized P&L across all open positions.
func (p *PortfolioState) UnrealizedPnL() decimal.Decimal {
	total := decimal.Zero
	for i := range p.OpenPositions {
		total = total.Add(p.OpenPositions[i].UnrealizedPnL)
	}
	return total
}

// EquitySnapshot is one point of the equity curve.
type EquitySnapshot struct {
	Timestamp      time.Time       `json:"timestamp"`
	Equity         decimal.Decimal `json:"equity"`
	Cash           decimal.Decimal `json:"cash"`
	PositionsValue decimal.Decimal `json:"positions_value"`
}
