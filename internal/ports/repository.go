package ports

import (
	"context"

	"quantbot/internal/domain"
)

// PositionRepository stores and retrieves positions so the engine can resume
// after a restart without re-querying full history.
type PositionRepository interface {
	// Create saves a new position and returns its assigned ID.
	Create(ctx context.Context, pos *domain.Position) (int64, error)
	// Update modifies an existing position.
	Update(ctx context.Context, pos *domain.Position) error
	// FindOpenBySymbol retrieves the non-FLAT position for a symbol, if any.
	// Returns nil, nil if none is found.
	FindOpenBySymbol(ctx context.Context, symbol string) (*domain.Position, error)
	// FindOpen retrieves all non-FLAT positions.
	FindOpen(ctx context.Context) ([]*domain.Position, error)
	// FindAll retrieves all positions, ordered by entry time descending.
	FindAll(ctx context.Context) ([]*domain.Position, error)
	// CountOpenedToday counts positions entered today for a symbol,
	// regardless of whether they have since closed. Seeds the daily trade
	// counter after a restart.
	CountOpenedToday(ctx context.Context, symbol string) (int, error)
	// TotalRealizedPnL sums realized PnL over all closed positions.
	TotalRealizedPnL(ctx context.Context) (float64, error)
}

// OrderRepository journals order state after every confirmed transition.
type OrderRepository interface {
	// Upsert inserts or updates an order keyed by its client order id.
	Upsert(ctx context.Context, order *domain.Order) error
	// FindByClientID retrieves an order by its idempotency key.
	// Returns nil, nil if not found.
	FindByClientID(ctx context.Context, clientOrderID string) (*domain.Order, error)
	// FindNonTerminal retrieves all orders not yet in a terminal status, for
	// reconciliation at startup.
	FindNonTerminal(ctx context.Context) ([]*domain.Order, error)
	// FindRecent retrieves the most recent orders, up to limit.
	FindRecent(ctx context.Context, limit int) ([]*domain.Order, error)
}
