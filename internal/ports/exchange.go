package ports

import (
	"context"
	"time"

	"quantbot/internal/domain"
)

// OrderAck represents the exchange's view of an order, returned from
// placement, status, and cancel calls.
type OrderAck struct {
	ExchangeOrderID int64
	ClientOrderID   string
	Symbol          string
	Status          string // exchange-native status (NEW, FILLED, CANCELED, ...)
	OrigQuantity    float64
	ExecutedQty     float64
	AvgPrice        float64
	Timestamp       time.Time
}

// PositionRisk represents the exchange-side truth about an open position,
// used during reconciliation.
type PositionRisk struct {
	Symbol           string
	PositionAmt      float64 // positive for long, negative for short
	EntryPrice       float64
	MarkPrice        float64
	UnRealizedProfit float64
	LiquidationPrice float64
	Leverage         int
}

// ExchangeClient is the abstract exchange capability the engine depends on.
// The core never touches exchange-specific transport details.
type ExchangeClient interface {
	// SyncServerTime synchronizes the client clock with the exchange.
	SyncServerTime(ctx context.Context) error

	// GetSnapshot fetches a market snapshot for the symbol: the most recent
	// `limit` final klines of the given interval plus the last traded price.
	GetSnapshot(ctx context.Context, symbol, interval string, limit int) (*domain.MarketSnapshot, error)

	// GetAccountBalance retrieves the available balance for an asset (e.g. "USDT").
	GetAccountBalance(ctx context.Context, asset string) (float64, error)

	// SetLeverage sets the leverage for a symbol.
	SetLeverage(ctx context.Context, symbol string, leverage int) error

	// PlaceOrder submits an order intent. The intent's ClientOrderID is passed
	// through as the exchange client order id so resubmission deduplicates.
	PlaceOrder(ctx context.Context, intent domain.OrderIntent) (*OrderAck, error)

	// GetOrderStatus retrieves an order's current state by exchange id.
	GetOrderStatus(ctx context.Context, symbol string, exchangeOrderID int64) (*OrderAck, error)

	// GetOrderByClientID retrieves an order's current state by the
	// client-generated idempotency key. Returns ErrOrderNotFound if the
	// exchange has no record of it.
	GetOrderByClientID(ctx context.Context, symbol, clientOrderID string) (*OrderAck, error)

	// CancelOrder cancels an open order by exchange id.
	CancelOrder(ctx context.Context, symbol string, exchangeOrderID int64) (*OrderAck, error)

	// GetPositionRisk retrieves exchange-side position state for a symbol.
	// Returns nil, nil when no position exists.
	GetPositionRisk(ctx context.Context, symbol string) (*PositionRisk, error)

	// Ping checks connectivity to the exchange API.
	Ping(ctx context.Context) error
}
