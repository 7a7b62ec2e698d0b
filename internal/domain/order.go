package domain

import (
	"fmt"
	"time"
)

// OrderStatus represents the lifecycle status of an order.
type OrderStatus string

const (
	OrderPending         OrderStatus = "PENDING"
	OrderSubmitted       OrderStatus = "SUBMITTED"
	OrderAcked           OrderStatus = "ACKED"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderRejected        OrderStatus = "REJECTED"
	OrderCancelled       OrderStatus = "CANCELLED"
	// OrderUnknown marks a submission whose outcome could not be confirmed
	// (network failure after send). It is resolved only by reconciliation
	// against the exchange, never by timeout alone.
	OrderUnknown OrderStatus = "UNKNOWN"
)

// orderTransitions is the allowed order lifecycle graph.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderPending:         {OrderSubmitted, OrderRejected},
	OrderSubmitted:       {OrderAcked, OrderPartiallyFilled, OrderFilled, OrderRejected, OrderUnknown},
	OrderAcked:           {OrderPartiallyFilled, OrderFilled, OrderRejected, OrderCancelled, OrderUnknown},
	OrderPartiallyFilled: {OrderPartiallyFilled, OrderFilled, OrderCancelled, OrderUnknown},
	// Reconciliation resolves UNKNOWN to whatever the exchange reports.
	OrderUnknown: {OrderAcked, OrderPartiallyFilled, OrderFilled, OrderRejected, OrderCancelled},
}

// IsTerminal reports whether no further transitions are possible.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderFilled || s == OrderRejected || s == OrderCancelled
}

// CanTransitionTo reports whether the lifecycle allows moving to next.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// OrderIntent is a risk-approved, sized trade request that has not yet been
// submitted. ClientOrderID is a client-generated idempotency key: resubmitting
// the same intent after a network failure must not double-execute, relying on
// exchange-side deduplication.
type OrderIntent struct {
	Symbol        string
	Side          OrderSide
	Quantity      float64
	Type          OrderType
	LimitPrice    float64 // only for Limit orders
	RefPrice      float64 // price used for sizing and exposure reservation
	Leverage      int
	StopLoss      float64
	TakeProfit    float64
	TrailingStop  float64 // trailing distance in price units, 0 disables
	ClientOrderID string
	Reduce        bool // true for intents that close existing exposure
	Reason        CloseReason
	CreatedAt     time.Time
}

// Notional returns the notional value of the intent at the given price.
func (i OrderIntent) Notional(price float64) float64 {
	return i.Quantity * price
}

// Order is an OrderIntent plus its exchange-side identity and lifecycle state.
// It is owned exclusively by the execution engine until terminal.
type Order struct {
	ID              int64 // assigned by the repository
	Intent          OrderIntent
	ExchangeOrderID int64
	Status          OrderStatus
	FilledQuantity  float64
	AvgFillPrice    float64
	Attempts        int
	SubmittedAt     time.Time
	UpdatedAt       time.Time
}

// NewOrder wraps an intent into a pending order.
func NewOrder(intent OrderIntent) *Order {
	return &Order{
		Intent:    intent,
		Status:    OrderPending,
		UpdatedAt: time.Now().UTC(),
	}
}

// Transition moves the order to the next status, rejecting moves the
// lifecycle graph does not allow.
func (o *Order) Transition(next OrderStatus) error {
	if !o.Status.CanTransitionTo(next) {
		return fmt.Errorf("illegal order transition %s -> %s (client order %s)", o.Status, next, o.Intent.ClientOrderID)
	}
	o.Status = next
	o.UpdatedAt = time.Now().UTC()
	return nil
}

// RemainingQuantity is the quantity still unfilled.
func (o *Order) RemainingQuantity() float64 {
	rem := o.Intent.Quantity - o.FilledQuantity
	if rem < 0 {
		return 0
	}
	return rem
}
