// Package tracker follows orders from submission to a terminal state. A
// single goroutine owns all tracking state; callers talk to it through a
// command channel, and status changes fan out to subscribers over buffered
// channels with drop-on-full semantics so one slow consumer cannot stall the
// poll loop.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"quantsim/internal/domain"
	"quantsim/internal/util"
)

// DefaultPollInterval is how often tracked orders are re-queried when the
// caller does not override it.
const DefaultPollInterval = 5 * time.Second

const (
	placeAttempts     = 3
	placeBackoffBase  = time.Second
	subscriberBufSize = 16
	statusTimeout     = 10 * time.Second
)

// StatusProvider reports the broker's current view of an order.
type StatusProvider interface {
	GetOrderStatus(ctx context.Context, orderID string) (domain.Order, error)
}

// OrderPlacer submits orders to a broker.
type OrderPlacer interface {
	PlaceOrder(ctx context.Context, order domain.Order) (domain.Order, error)
}

// Transition is delivered to subscribers whenever a tracked order changes
// status. Order is the full snapshot after the change.
type Transition struct {
	OrderID string             `json:"order_id"`
	From    domain.OrderStatus `json:"from"`
	To      domain.OrderStatus `json:"to"`
	Order   domain.Order       `json:"order"`
}

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

type trackCmd struct {
	order domain.Order
}

type untrackCmd struct {
	orderID string
}

type subscribeCmd struct {
	orderID string // "" subscribes to every order
	resp    chan subscription
}

type unsubscribeCmd struct {
	id int
}

type pollNowCmd struct {
	orderID string // "" polls every tracked order
	resp    chan struct{}
}

type snapshotCmd struct {
	resp chan []domain.Order
}

type subscription struct {
	id int
	ch chan Transition
}

// ---------------------------------------------------------------------------
// Tracker
// ---------------------------------------------------------------------------

// Tracker polls tracked orders on a fixed interval and notifies subscribers
// of status transitions. Orders are dropped from tracking once terminal.
type Tracker struct {
	log      *slog.Logger
	provider StatusProvider
	interval time.Duration

	cmds chan any
	done chan struct{}

	stopOnce sync.Once
	stopped  chan struct{}
}

// New creates a tracker polling provider every interval; interval <= 0 uses
// DefaultPollInterval. Run must be started for the tracker to make progress.
func New(provider StatusProvider, interval time.Duration, log *slog.Logger) *Tracker {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{
		log:      log.With("component", "tracker"),
		provider: provider,
		interval: interval,
		cmds:     make(chan any),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Run is the tracker's owning goroutine. It returns when Stop is called or
// ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) {
	defer close(t.stopped)

	orders := make(map[string]domain.Order)
	// Subscriber channels keyed by the order they watch; "" watches all.
	subs := make(map[string]map[int]chan Transition)
	subOrder := make(map[int]string)
	nextSub := 1

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	pollOne := func(id string, prev domain.Order) {
		cur, err := t.fetch(ctx, id)
		if err != nil {
			t.log.Warn("order status poll failed", "order", id, "error", err)
			return
		}
		if cur.Status == prev.Status && cur.FilledQty.Equal(prev.FilledQty) {
			return
		}
		if cur.Status != prev.Status {
			t.notify(subs, Transition{OrderID: id, From: prev.Status, To: cur.Status, Order: cur})
		}
		if cur.Status.Terminal() {
			delete(orders, id)
			return
		}
		orders[id] = cur
	}

	poll := func() {
		for id, prev := range orders {
			pollOne(id, prev)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		case <-ticker.C:
			poll()
		case raw := <-t.cmds:
			switch cmd := raw.(type) {
			case trackCmd:
				if _, dup := orders[cmd.order.ID]; dup {
					continue
				}
				if cmd.order.Status.Terminal() {
					// Nothing to follow; still tell subscribers the final state.
					t.notify(subs, Transition{
						OrderID: cmd.order.ID,
						From:    domain.OrderStatusPending,
						To:      cmd.order.Status,
						Order:   cmd.order,
					})
					continue
				}
				orders[cmd.order.ID] = cmd.order
			case untrackCmd:
				delete(orders, cmd.orderID)
			case subscribeCmd:
				ch := make(chan Transition, subscriberBufSize)
				if subs[cmd.orderID] == nil {
					subs[cmd.orderID] = make(map[int]chan Transition)
				}
				subs[cmd.orderID][nextSub] = ch
				subOrder[nextSub] = cmd.orderID
				cmd.resp <- subscription{id: nextSub, ch: ch}
				nextSub++
			case unsubscribeCmd:
				orderID, ok := subOrder[cmd.id]
				if !ok {
					continue
				}
				delete(subOrder, cmd.id)
				close(subs[orderID][cmd.id])
				delete(subs[orderID], cmd.id)
				if len(subs[orderID]) == 0 {
					delete(subs, orderID)
				}
			case pollNowCmd:
				if cmd.orderID == "" {
					poll()
				} else if prev, ok := orders[cmd.orderID]; ok {
					pollOne(cmd.orderID, prev)
				}
				close(cmd.resp)
			case snapshotCmd:
				out := make([]domain.Order, 0, len(orders))
				for _, o := range orders {
					out = append(out, o)
				}
				cmd.resp <- out
			}
		}
	}
}

func (t *Tracker) fetch(ctx context.Context, orderID string) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()
	return t.provider.GetOrderStatus(ctx, orderID)
}

// notify delivers to the order's subscribers and the watch-all subscribers
// without blocking; a subscriber whose buffer is full misses the transition
// and a warning is logged.
func (t *Tracker) notify(subs map[string]map[int]chan Transition, tr Transition) {
	t.log.Info("order transition", "order", tr.OrderID, "from", tr.From, "to", tr.To)
	for _, key := range []string{tr.OrderID, ""} {
		for id, ch := range subs[key] {
			select {
			case ch <- tr:
			default:
				t.log.Warn("subscriber buffer full, transition dropped",
					"subscriber", id, "order", tr.OrderID)
			}
		}
	}
}

// Stop shuts the tracker down and waits for the loop to exit.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() { close(t.done) })
	<-t.stopped
}

func (t *Tracker) send(cmd any) bool {
	select {
	case t.cmds <- cmd:
		return true
	case <-t.stopped:
		return false
	}
}

// Track starts following an order. Duplicate IDs and terminal orders are
// handled in the loop.
func (t *Tracker) Track(order domain.Order) {
	t.send(trackCmd{order: order})
}

// Untrack stops following an order without waiting for a terminal state.
func (t *Tracker) Untrack(orderID string) {
	t.send(untrackCmd{orderID: orderID})
}

// Subscribe registers a transition listener for one order; an empty orderID
// listens to every order. The returned channel is closed on Unsubscribe.
func (t *Tracker) Subscribe(orderID string) (int, <-chan Transition) {
	resp := make(chan subscription, 1)
	if !t.send(subscribeCmd{orderID: orderID, resp: resp}) {
		ch := make(chan Transition)
		close(ch)
		return 0, ch
	}
	sub := <-resp
	return sub.id, sub.ch
}

// Unsubscribe removes a listener and closes its channel.
func (t *Tracker) Unsubscribe(id int) {
	t.send(unsubscribeCmd{id: id})
}

// PollNow forces an immediate poll of one order, bypassing the schedule; an
// empty orderID polls every tracked order. Returns once the poll completes.
func (t *Tracker) PollNow(orderID string) {
	resp := make(chan struct{})
	if t.send(pollNowCmd{orderID: orderID, resp: resp}) {
		<-resp
	}
}

// Tracked returns a snapshot of the currently tracked orders.
func (t *Tracker) Tracked() []domain.Order {
	resp := make(chan []domain.Order, 1)
	if !t.send(snapshotCmd{resp: resp}) {
		return nil
	}
	return <-resp
}

// PlaceTracked submits an order with bounded retry and starts tracking it on
// success. Transient errors are retried up to three times with exponential
// backoff; a permanent rejection (domain.ErrOrderRejected) aborts
// immediately.
func (t *Tracker) PlaceTracked(ctx context.Context, placer OrderPlacer, order domain.Order) (domain.Order, error) {
	var placed domain.Order
	var rejection error

	err := util.Retry(ctx, placeAttempts, placeBackoffBase, func() error {
		o, err := placer.PlaceOrder(ctx, order)
		if err != nil {
			if errors.Is(err, domain.ErrOrderRejected) {
				rejection = err
				return nil // stop retrying
			}
			return err
		}
		placed = o
		return nil
	})
	if rejection != nil {
		return domain.Order{}, fmt.Errorf("place order %s %s %s: %w",
			order.Side, order.Quantity, order.Symbol, rejection)
	}
	if err != nil {
		return domain.Order{}, fmt.Errorf("place order %s %s %s: %w",
			order.Side, order.Quantity, order.Symbol, err)
	}

	t.Track(placed)
	return placed, nil
}
