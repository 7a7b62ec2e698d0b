package ports

import (
	"context"

	"quantbot/internal/domain"
)

// Strategy is a pluggable signal generator. Implementations must be pure with
// respect to the snapshot: the same snapshot and parameters always yield the
// same signal.
type Strategy interface {
	// Name returns the registry name of the strategy.
	Name() string

	// RequiredDataPoints returns the minimum number of klines needed for the
	// strategy's indicator calculations.
	RequiredDataPoints() int

	// Evaluate inspects the snapshot and returns a signal, or nil when the
	// strategy does not fire. An error (e.g. insufficient history) skips the
	// strategy for this tick only.
	Evaluate(ctx context.Context, snapshot *domain.MarketSnapshot) (*domain.Signal, error)
}
