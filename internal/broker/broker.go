// Package broker abstracts order execution: a paper simulator for testing
// and live-less runs, and an Alpaca adapter for real accounts.
package broker

import (
	"context"

	"quantsim/internal/domain"
)

// Broker is the execution surface the rest of the platform talks to.
type Broker interface {
	// Name returns the broker identifier (e.g. "alpaca", "paper").
	Name() string

	// PlaceOrder submits an order and returns the broker's view of it,
	// including the assigned exchange ID and initial status. A permanent
	// rejection wraps domain.ErrOrderRejected.
	PlaceOrder(ctx context.Context, order domain.Order) (domain.Order, error)

	// GetOrderStatus returns the current state of a previously placed order.
	GetOrderStatus(ctx context.Context, orderID string) (domain.Order, error)

	// CancelOrder requests cancellation of an open order.
	CancelOrder(ctx context.Context, orderID string) error

	// GetAccount returns the account snapshot.
	GetAccount(ctx context.Context) (*domain.AccountInfo, error)
}
