package domain

import (
	"math"
	"testing"
)

func TestOrderStatus_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from    OrderStatus
		to      OrderStatus
		allowed bool
	}{
		{OrderPending, OrderSubmitted, true},
		{OrderPending, OrderRejected, true},
		{OrderSubmitted, OrderAcked, true},
		{OrderSubmitted, OrderFilled, true},
		{OrderSubmitted, OrderUnknown, true},
		{OrderAcked, OrderPartiallyFilled, true},
		{OrderAcked, OrderCancelled, true},
		{OrderPartiallyFilled, OrderPartiallyFilled, true},
		{OrderPartiallyFilled, OrderFilled, true},
		{OrderUnknown, OrderFilled, true},
		{OrderUnknown, OrderRejected, true},
		{OrderUnknown, OrderCancelled, true},

		{OrderPending, OrderFilled, false},
		{OrderPending, OrderUnknown, false},
		{OrderFilled, OrderCancelled, false},
		{OrderRejected, OrderSubmitted, false},
		{OrderCancelled, OrderFilled, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.allowed {
			t.Errorf("%s -> %s: got %v, want %v", tt.from, tt.to, got, tt.allowed)
		}
	}
}

func TestOrderStatus_IsTerminal(t *testing.T) {
	terminal := []OrderStatus{OrderFilled, OrderRejected, OrderCancelled}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	working := []OrderStatus{OrderPending, OrderSubmitted, OrderAcked, OrderPartiallyFilled, OrderUnknown}
	for _, s := range working {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestNewOrder(t *testing.T) {
	intent := OrderIntent{Symbol: "BTCUSDT", Side: Buy, Quantity: 0.5, ClientOrderID: "c-1"}
	order := NewOrder(intent)
	if order.Status != OrderPending {
		t.Errorf("Status = %s, want PENDING", order.Status)
	}
	if order.Intent.ClientOrderID != "c-1" {
		t.Errorf("ClientOrderID = %s, want c-1", order.Intent.ClientOrderID)
	}
	if order.UpdatedAt.IsZero() {
		t.Error("UpdatedAt should be stamped")
	}
}

func TestOrder_TransitionRejectsIllegalMove(t *testing.T) {
	order := NewOrder(OrderIntent{ClientOrderID: "c-1"})
	if err := order.Transition(OrderFilled); err == nil {
		t.Fatal("expected error on PENDING -> FILLED")
	}
	if order.Status != OrderPending {
		t.Errorf("status mutated on rejected transition: %s", order.Status)
	}
}

func TestOrder_RemainingQuantity(t *testing.T) {
	order := NewOrder(OrderIntent{Quantity: 1.0})
	if got := order.RemainingQuantity(); math.Abs(got-1.0) > 1e-9 {
		t.Errorf("RemainingQuantity = %v, want 1.0", got)
	}
	order.FilledQuantity = 0.4
	if got := order.RemainingQuantity(); math.Abs(got-0.6) > 1e-9 {
		t.Errorf("RemainingQuantity = %v, want 0.6", got)
	}
	order.FilledQuantity = 1.2 // over-fill clamps to zero
	if got := order.RemainingQuantity(); got != 0 {
		t.Errorf("RemainingQuantity = %v, want 0", got)
	}
}

func TestOrderIntent_Notional(t *testing.T) {
	intent := OrderIntent{Quantity: 0.5}
	if got := intent.Notional(60000); math.Abs(got-30000) > 1e-9 {
		t.Errorf("Notional = %v, want 30000", got)
	}
}

func TestDirection_Side(t *testing.T) {
	if Long.Side() != Buy {
		t.Error("LONG should map to BUY")
	}
	if Short.Side() != Sell {
		t.Error("SHORT should map to SELL")
	}
}

func TestOrderSide_Opposite(t *testing.T) {
	if Buy.Opposite() != Sell || Sell.Opposite() != Buy {
		t.Error("Opposite should swap BUY and SELL")
	}
}
