package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"quantsim/internal/domain"
)

// Compile-time interface check.
var _ Broker = (*PaperBroker)(nil)

var paperBps = decimal.NewFromInt(10000)

// PaperBroker simulates execution in memory. Marketable orders fill
// immediately at the last known price with slippage and a commission applied;
// limit orders that are not marketable rest open until the price moves
// through them on a later SetPrice.
type PaperBroker struct {
	slippageBps   decimal.Decimal
	commissionPct decimal.Decimal

	mu        sync.Mutex
	cash      decimal.Decimal
	prices    map[string]decimal.Decimal
	orders    map[string]*domain.Order
	positions map[string]*domain.Position
}

// NewPaperBroker creates a simulator with the given starting cash.
func NewPaperBroker(cash, slippageBps, commissionPct decimal.Decimal) *PaperBroker {
	return &PaperBroker{
		slippageBps:   slippageBps,
		commissionPct: commissionPct,
		cash:          cash,
		prices:        make(map[string]decimal.Decimal),
		orders:        make(map[string]*domain.Order),
		positions:     make(map[string]*domain.Position),
	}
}

// Name returns "paper".
func (b *PaperBroker) Name() string { return "paper" }

// SetPrice updates the last price for a symbol and fills any resting limit
// orders that became marketable.
func (b *PaperBroker) SetPrice(symbol string, price decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prices[symbol] = price
	for _, o := range b.orders {
		if o.Symbol == symbol && o.Status == domain.OrderStatusOpen && b.marketable(o, price) {
			b.fill(o, *o.Price)
		}
	}
}

// PlaceOrder validates and, when marketable, immediately fills the order.
func (b *PaperBroker) PlaceOrder(_ context.Context, order domain.Order) (domain.Order, error) {
	if order.Symbol == "" || !order.Quantity.IsPositive() {
		return domain.Order{}, fmt.Errorf("paper: invalid order (%s qty=%s): %w",
			order.Symbol, order.Quantity, domain.ErrOrderRejected)
	}
	if order.Type == domain.OrderTypeLimit && order.Price == nil {
		return domain.Order{}, fmt.Errorf("paper: limit order without a price: %w", domain.ErrOrderRejected)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	price, known := b.prices[order.Symbol]
	if !known {
		return domain.Order{}, fmt.Errorf("paper: no quote for %s: %w", order.Symbol, domain.ErrOrderRejected)
	}

	now := time.Now()
	o := order
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	o.ExchangeID = uuid.NewString()
	o.Status = domain.OrderStatusOpen
	o.CreatedAt = now
	o.UpdatedAt = now

	switch o.Type {
	case domain.OrderTypeMarket:
		b.fill(&o, b.slip(price, o.Side))
	case domain.OrderTypeLimit:
		if b.marketable(&o, price) {
			b.fill(&o, *o.Price)
		}
	default:
		return domain.Order{}, fmt.Errorf("paper: unsupported order type %q: %w", o.Type, domain.ErrOrderRejected)
	}

	b.orders[o.ID] = &o
	return o, nil
}

// marketable reports whether a limit order would execute at the given price.
func (b *PaperBroker) marketable(o *domain.Order, price decimal.Decimal) bool {
	if o.Type != domain.OrderTypeLimit || o.Price == nil {
		return false
	}
	if o.Side == domain.SideLong {
		return price.LessThanOrEqual(*o.Price)
	}
	return price.GreaterThanOrEqual(*o.Price)
}

// slip moves the execution price against the trader by slippageBps.
func (b *PaperBroker) slip(price decimal.Decimal, side domain.Side) decimal.Decimal {
	d := price.Mul(b.slippageBps).Div(paperBps)
	if side == domain.SideLong {
		return price.Add(d)
	}
	return price.Sub(d)
}

// fill executes the full quantity at exec and adjusts cash and positions.
// Caller holds the mutex.
func (b *PaperBroker) fill(o *domain.Order, exec decimal.Decimal) {
	notional := exec.Mul(o.Quantity)
	fee := notional.Mul(b.commissionPct)

	if o.Side == domain.SideLong {
		b.cash = b.cash.Sub(notional).Sub(fee)
	} else {
		b.cash = b.cash.Add(notional).Sub(fee)
	}

	o.FilledQty = o.Quantity
	o.Status = domain.OrderStatusFilled
	o.UpdatedAt = time.Now()

	pos, ok := b.positions[o.Symbol]
	if !ok || pos.Status == domain.PositionStatusClosed {
		b.positions[o.Symbol] = &domain.Position{
			ID:         uuid.NewString(),
			Symbol:     o.Symbol,
			Side:       o.Side,
			Quantity:   o.Quantity,
			EntryPrice: exec,
			Status:     domain.PositionStatusOpen,
			OpenedAt:   time.Now(),
			Fees:       fee,
		}
		return
	}
	if pos.Side == o.Side {
		// Average in.
		total := pos.EntryPrice.Mul(pos.Quantity).Add(notional)
		pos.Quantity = pos.Quantity.Add(o.Quantity)
		pos.EntryPrice = total.Div(pos.Quantity)
		pos.Fees = pos.Fees.Add(fee)
		return
	}
	// Opposite side reduces or closes.
	closed := decimal.Min(pos.Quantity, o.Quantity)
	diff := exec.Sub(pos.EntryPrice)
	if pos.Side == domain.SideShort {
		diff = diff.Neg()
	}
	pos.RealizedPnL = pos.RealizedPnL.Add(diff.Mul(closed))
	pos.Quantity = pos.Quantity.Sub(closed)
	pos.Fees = pos.Fees.Add(fee)
	if pos.Quantity.IsZero() {
		now := time.Now()
		pos.Status = domain.PositionStatusClosed
		pos.ClosedAt = &now
		pos.ExitPrice = &exec
	} else {
		pos.Status = domain.PositionStatusPartial
	}
}

// GetOrderStatus returns the simulated order by ID.
func (b *PaperBroker) GetOrderStatus(_ context.Context, orderID string) (domain.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[orderID]
	if !ok {
		return domain.Order{}, fmt.Errorf("paper: unknown order %s", orderID)
	}
	return *o, nil
}

// CancelOrder cancels a resting order; filled orders cannot be cancelled.
func (b *PaperBroker) CancelOrder(_ context.Context, orderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[orderID]
	if !ok {
		return fmt.Errorf("paper: unknown order %s", orderID)
	}
	if o.Status.Terminal() {
		return fmt.Errorf("paper: order %s already %s", orderID, o.Status)
	}
	o.Status = domain.OrderStatusCancelled
	o.UpdatedAt = time.Now()
	return nil
}

// GetAccount reports simulated cash plus the marked value of open positions.
func (b *PaperBroker) GetAccount(_ context.Context) (*domain.AccountInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	equity := b.cash
	for _, p := range b.positions {
		if p.Status == domain.PositionStatusClosed {
			continue
		}
		price, ok := b.prices[p.Symbol]
		if !ok {
			price = p.EntryPrice
		}
		v := p.MarketValue(price)
		if p.Side == domain.SideShort {
			v = v.Neg()
		}
		equity = equity.Add(v)
	}
	return &domain.AccountInfo{
		ID:          "paper",
		Cash:        b.cash,
		Equity:      equity,
		BuyingPower: b.cash,
	}, nil
}

// Positions returns copies of all simulated positions.
func (b *PaperBroker) Positions() []domain.Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.Position, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, *p)
	}
	return out
}
