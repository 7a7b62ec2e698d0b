package domain

import (
	"math"
	"testing"
)

func TestPositionStatus_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from    PositionStatus
		to      PositionStatus
		allowed bool
	}{
		{StatusFlat, StatusOpening, true},
		{StatusOpening, StatusOpen, true},
		{StatusOpening, StatusFlat, true}, // rejected entry rolls back
		{StatusOpen, StatusClosing, true},
		{StatusClosing, StatusClosed, true},
		{StatusClosing, StatusOpen, true}, // rejected close rolls back
		{StatusClosed, StatusFlat, true},

		{StatusFlat, StatusOpen, false},
		{StatusFlat, StatusClosing, false},
		{StatusOpen, StatusFlat, false},
		{StatusOpen, StatusClosed, false},
		{StatusOpening, StatusClosing, false},
		{StatusClosed, StatusOpen, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.allowed {
			t.Errorf("%s -> %s: got %v, want %v", tt.from, tt.to, got, tt.allowed)
		}
	}
}

func TestPosition_TransitionRejectsIllegalMove(t *testing.T) {
	p := &Position{Symbol: "BTCUSDT", Status: StatusFlat}
	if err := p.Transition(StatusClosing); err == nil {
		t.Fatal("expected error on FLAT -> CLOSING")
	}
	if p.Status != StatusFlat {
		t.Errorf("status mutated on rejected transition: %s", p.Status)
	}
	if err := p.Transition(StatusOpening); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Status != StatusOpening {
		t.Errorf("status = %s, want OPENING", p.Status)
	}
}

func TestPosition_ApplyFillWeightedAverage(t *testing.T) {
	p := &Position{Symbol: "BTCUSDT", Side: Buy, Status: StatusOpening}

	p.ApplyFill(0.3, 60000)
	p.ApplyFill(0.1, 60400)

	if math.Abs(p.Quantity-0.4) > 1e-9 {
		t.Errorf("Quantity = %v, want 0.4", p.Quantity)
	}
	if math.Abs(p.AvgEntryPrice-60100) > 1e-9 {
		t.Errorf("AvgEntryPrice = %v, want 60100", p.AvgEntryPrice)
	}

	// Zero and negative quantities are ignored.
	p.ApplyFill(0, 99999)
	p.ApplyFill(-1, 99999)
	if math.Abs(p.AvgEntryPrice-60100) > 1e-9 {
		t.Errorf("AvgEntryPrice changed on no-op fill: %v", p.AvgEntryPrice)
	}
}

func TestPosition_UnrealizedPnL(t *testing.T) {
	long := &Position{Side: Buy, Quantity: 2, AvgEntryPrice: 2000}
	if got := long.UnrealizedPnL(2050); math.Abs(got-100) > 1e-9 {
		t.Errorf("long PnL = %v, want 100", got)
	}
	short := &Position{Side: Sell, Quantity: 2, AvgEntryPrice: 2000}
	if got := short.UnrealizedPnL(2050); math.Abs(got+100) > 1e-9 {
		t.Errorf("short PnL = %v, want -100", got)
	}
	empty := &Position{Side: Buy}
	if got := empty.UnrealizedPnL(2050); got != 0 {
		t.Errorf("empty PnL = %v, want 0", got)
	}
}

func TestPosition_StopBreached(t *testing.T) {
	tests := []struct {
		name     string
		pos      Position
		price    float64
		breached bool
	}{
		{"long above stop", Position{Side: Buy, StopLoss: 1980}, 1990, false},
		{"long at stop", Position{Side: Buy, StopLoss: 1980}, 1980, true},
		{"long below stop", Position{Side: Buy, StopLoss: 1980}, 1970, true},
		{"short below stop", Position{Side: Sell, StopLoss: 2020}, 2010, false},
		{"short at stop", Position{Side: Sell, StopLoss: 2020}, 2020, true},
		{"trailing overrides fixed stop", Position{Side: Buy, StopLoss: 1980, TrailingStopPrice: 2040}, 2030, true},
		{"no stop armed", Position{Side: Buy}, 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.pos.StopBreached(tt.price); got != tt.breached {
				t.Errorf("StopBreached(%v) = %v, want %v", tt.price, got, tt.breached)
			}
		})
	}
}

func TestPosition_TakeProfitBreached(t *testing.T) {
	long := Position{Side: Buy, TakeProfit: 2040}
	if long.TakeProfitBreached(2039) {
		t.Error("long TP should not trigger below level")
	}
	if !long.TakeProfitBreached(2040) {
		t.Error("long TP should trigger at level")
	}
	short := Position{Side: Sell, TakeProfit: 1960}
	if !short.TakeProfitBreached(1955) {
		t.Error("short TP should trigger below level")
	}
	none := Position{Side: Buy}
	if none.TakeProfitBreached(99999) {
		t.Error("unset TP should never trigger")
	}
}

func TestPosition_AdjustTrailingStop(t *testing.T) {
	long := Position{Side: Buy, TrailingStopDistance: 10}
	long.AdjustTrailingStop(2050)
	if math.Abs(long.TrailingStopPrice-2040) > 1e-9 {
		t.Fatalf("TrailingStopPrice = %v, want 2040", long.TrailingStopPrice)
	}
	// A pullback never loosens the stop.
	long.AdjustTrailingStop(2045)
	if math.Abs(long.TrailingStopPrice-2040) > 1e-9 {
		t.Errorf("TrailingStopPrice moved against the position: %v", long.TrailingStopPrice)
	}
	long.AdjustTrailingStop(2060)
	if math.Abs(long.TrailingStopPrice-2050) > 1e-9 {
		t.Errorf("TrailingStopPrice = %v, want 2050", long.TrailingStopPrice)
	}

	short := Position{Side: Sell, TrailingStopDistance: 10}
	short.AdjustTrailingStop(1950)
	if math.Abs(short.TrailingStopPrice-1960) > 1e-9 {
		t.Fatalf("short TrailingStopPrice = %v, want 1960", short.TrailingStopPrice)
	}
	short.AdjustTrailingStop(1955)
	if math.Abs(short.TrailingStopPrice-1960) > 1e-9 {
		t.Errorf("short TrailingStopPrice moved against the position: %v", short.TrailingStopPrice)
	}

	disabled := Position{Side: Buy}
	disabled.AdjustTrailingStop(2050)
	if disabled.TrailingStopPrice != 0 {
		t.Errorf("trailing stop armed with zero distance: %v", disabled.TrailingStopPrice)
	}
}
