package domain

import (
	"fmt"
	"time"
)

// PositionStatus represents the lifecycle status of a position.
type PositionStatus string

const (
	StatusFlat    PositionStatus = "FLAT"
	StatusOpening PositionStatus = "OPENING"
	StatusOpen    PositionStatus = "OPEN"
	StatusClosing PositionStatus = "CLOSING"
	StatusClosed  PositionStatus = "CLOSED"
)

var positionTransitions = map[PositionStatus][]PositionStatus{
	StatusFlat:    {StatusOpening},
	StatusOpening: {StatusOpen, StatusFlat}, // back to FLAT when the entry order is rejected unfilled
	StatusOpen:    {StatusClosing},
	StatusClosing: {StatusClosed, StatusOpen}, // back to OPEN when the close order is rejected
	StatusClosed:  {StatusFlat},
}

// CanTransitionTo reports whether the lifecycle allows moving to next.
func (s PositionStatus) CanTransitionTo(next PositionStatus) bool {
	for _, allowed := range positionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Position is the authoritative in-process record of exposure on one symbol.
// At most one position per symbol may be non-FLAT at a time (no hedging).
// It is mutated only through confirmed order transitions or risk-triggered
// closes.
type Position struct {
	ID                   int64
	Symbol               string
	Side                 OrderSide // BUY for long, SELL for short
	Quantity             float64   // absolute size
	AvgEntryPrice        float64
	Leverage             int
	StopLoss             float64
	TakeProfit           float64
	TrailingStopDistance float64 // price units, 0 disables trailing
	TrailingStopPrice    float64 // current trailing stop level
	RealizedPnL          float64
	Status               PositionStatus
	EntryTime            time.Time
	ExitTime             time.Time
	ExitPrice            float64
	CloseReason          CloseReason
}

// IsOpen reports whether the position currently carries confirmed exposure.
func (p *Position) IsOpen() bool {
	return p.Status == StatusOpen
}

// Notional is the position's notional value at its average entry price.
func (p *Position) Notional() float64 {
	return p.Quantity * p.AvgEntryPrice
}

// UnrealizedPnL computes the mark-to-price PnL at the given price.
func (p *Position) UnrealizedPnL(price float64) float64 {
	if p.Quantity == 0 {
		return 0
	}
	if p.Side == Sell {
		return (p.AvgEntryPrice - price) * p.Quantity
	}
	return (price - p.AvgEntryPrice) * p.Quantity
}

// Transition moves the position to the next status, rejecting moves the
// lifecycle graph does not allow.
func (p *Position) Transition(next PositionStatus) error {
	if !p.Status.CanTransitionTo(next) {
		return fmt.Errorf("illegal position transition %s -> %s (symbol %s)", p.Status, next, p.Symbol)
	}
	p.Status = next
	return nil
}

// ApplyFill folds a (possibly partial) entry fill into the position using a
// weighted-average entry price.
func (p *Position) ApplyFill(quantity, price float64) {
	if quantity <= 0 {
		return
	}
	total := p.Quantity + quantity
	p.AvgEntryPrice = (p.AvgEntryPrice*p.Quantity + price*quantity) / total
	p.Quantity = total
}

// StopBreached reports whether the given price crosses the stop-loss or
// trailing-stop level, side-aware.
func (p *Position) StopBreached(price float64) bool {
	stop := p.StopLoss
	if p.TrailingStopPrice != 0 {
		stop = p.TrailingStopPrice
	}
	if stop == 0 {
		return false
	}
	if p.Side == Sell {
		return price >= stop
	}
	return price <= stop
}

// TakeProfitBreached reports whether the given price crosses the take-profit
// level, side-aware.
func (p *Position) TakeProfitBreached(price float64) bool {
	if p.TakeProfit == 0 {
		return false
	}
	if p.Side == Sell {
		return price <= p.TakeProfit
	}
	return price >= p.TakeProfit
}

// AdjustTrailingStop recomputes the trailing stop for the given price. The
// stop only ever moves in the position's favor, never against it.
func (p *Position) AdjustTrailingStop(price float64) {
	if p.TrailingStopDistance <= 0 {
		return
	}
	if p.Side == Sell {
		candidate := price + p.TrailingStopDistance
		if p.TrailingStopPrice == 0 || candidate < p.TrailingStopPrice {
			p.TrailingStopPrice = candidate
		}
		return
	}
	candidate := price - p.TrailingStopDistance
	if candidate > p.TrailingStopPrice {
		p.TrailingStopPrice = candidate
	}
}
