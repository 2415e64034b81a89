package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"

	"quantsim/internal/domain"
)

// Compile-time interface check.
var _ Broker = (*AlpacaBroker)(nil)

// AlpacaBroker executes orders through the Alpaca trading API. Orders are
// submitted with our order ID as the client order ID, so status lookups and
// cancels work without local state.
type AlpacaBroker struct {
	client *alpaca.Client
}

// NewAlpacaBroker creates a broker for the given credentials and endpoint
// (paper or live).
func NewAlpacaBroker(apiKey, apiSecret, baseURL string) *AlpacaBroker {
	return &AlpacaBroker{
		client: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    apiKey,
			APISecret: apiSecret,
			BaseURL:   baseURL,
		}),
	}
}

// Name returns "alpaca".
func (b *AlpacaBroker) Name() string { return "alpaca" }

// PlaceOrder submits the order. Rejections the API reports as client errors
// (bad request, forbidden, unprocessable) wrap domain.ErrOrderRejected so
// callers do not retry them.
func (b *AlpacaBroker) PlaceOrder(_ context.Context, order domain.Order) (domain.Order, error) {
	req := alpaca.PlaceOrderRequest{
		Symbol:        order.Symbol,
		Qty:           &order.Quantity,
		Side:          alpacaSide(order.Side),
		Type:          alpacaOrderType(order.Type),
		TimeInForce:   alpaca.GTC,
		ClientOrderID: order.ID,
	}
	if order.Type == domain.OrderTypeLimit {
		req.LimitPrice = order.Price
	}

	placed, err := b.client.PlaceOrder(req)
	if err != nil {
		if isPermanent(err) {
			return domain.Order{}, fmt.Errorf("alpaca: %v: %w", err, domain.ErrOrderRejected)
		}
		return domain.Order{}, fmt.Errorf("alpaca: place order: %w", err)
	}
	return fromAlpacaOrder(placed, order.ID)
}

// GetOrderStatus looks the order up by our client order ID.
func (b *AlpacaBroker) GetOrderStatus(_ context.Context, orderID string) (domain.Order, error) {
	o, err := b.client.GetOrderByClientOrderID(orderID)
	if err != nil {
		return domain.Order{}, fmt.Errorf("alpaca: get order %s: %w", orderID, err)
	}
	return fromAlpacaOrder(o, orderID)
}

// CancelOrder resolves the exchange ID and cancels the order.
func (b *AlpacaBroker) CancelOrder(_ context.Context, orderID string) error {
	o, err := b.client.GetOrderByClientOrderID(orderID)
	if err != nil {
		return fmt.Errorf("alpaca: get order %s: %w", orderID, err)
	}
	if err := b.client.CancelOrder(o.ID); err != nil {
		return fmt.Errorf("alpaca: cancel order %s: %w", orderID, err)
	}
	return nil
}

// GetAccount returns the Alpaca account snapshot.
func (b *AlpacaBroker) GetAccount(_ context.Context) (*domain.AccountInfo, error) {
	acct, err := b.client.GetAccount()
	if err != nil {
		return nil, fmt.Errorf("alpaca: get account: %w", err)
	}
	return &domain.AccountInfo{
		ID:          acct.ID,
		Cash:        acct.Cash,
		Equity:      acct.Equity,
		BuyingPower: acct.BuyingPower,
	}, nil
}

// isPermanent reports whether the API error is a client-side rejection that
// retrying cannot fix.
func isPermanent(err error) bool {
	var apiErr *alpaca.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.StatusCode {
	case 400, 403, 422:
		return true
	}
	return false
}

func alpacaSide(s domain.Side) alpaca.Side {
	if s == domain.SideShort {
		return alpaca.Sell
	}
	return alpaca.Buy
}

func alpacaOrderType(t domain.OrderType) alpaca.OrderType {
	if t == domain.OrderTypeLimit {
		return alpaca.Limit
	}
	return alpaca.Market
}

// fromAlpacaOrder converts the SDK order into our model, normalizing the
// free-form status text.
func fromAlpacaOrder(o *alpaca.Order, localID string) (domain.Order, error) {
	status, err := domain.ParseOrderStatus(string(o.Status))
	if err != nil {
		return domain.Order{}, fmt.Errorf("alpaca: order %s: %w", localID, err)
	}
	qty := decimal.Zero
	if o.Qty != nil {
		qty = *o.Qty
	}
	out := domain.Order{
		ID:         localID,
		ExchangeID: o.ID,
		Symbol:     o.Symbol,
		Type:       domain.OrderTypeMarket,
		Quantity:   qty,
		FilledQty:  o.FilledQty,
		Status:     status,
		CreatedAt:  o.CreatedAt,
		UpdatedAt:  o.UpdatedAt,
	}
	if out.ID == "" {
		out.ID = o.ClientOrderID
	}
	if o.Side == alpaca.Sell {
		out.Side = domain.SideShort
	} else {
		out.Side = domain.SideLong
	}
	if o.Type == alpaca.Limit {
		out.Type = domain.OrderTypeLimit
		out.Price = o.LimitPrice
	}
	return out, nil
}
