package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"quantbot/internal/domain"
	"quantbot/internal/ports"
)

// RejectReason is the machine-readable code a rejection carries. A rejection
// is never generic.
type RejectReason string

const (
	ReasonInsufficientMargin RejectReason = "INSUFFICIENT_MARGIN"
	ReasonExposureLimit      RejectReason = "EXPOSURE_LIMIT"
	ReasonDuplicateInflight  RejectReason = "DUPLICATE_INFLIGHT"
	ReasonLowConfidence      RejectReason = "LOW_CONFIDENCE"
	ReasonDailyLimit         RejectReason = "DAILY_LIMIT"
)

// Rejection explains why a signal did not become an order intent. Rejections
// are expected outcomes, not errors: they are logged and surfaced to
// notifications, never retried.
type Rejection struct {
	Reason RejectReason
	Detail string
}

func (r *Rejection) String() string {
	return fmt.Sprintf("%s: %s", r.Reason, r.Detail)
}

// Limits holds the configurable risk parameters. Updates through the operator
// write path replace the whole set atomically and take effect on the next
// tick, never mid-pipeline.
type Limits struct {
	RiskPerTrade        float64 // fraction of balance risked per trade, e.g. 0.01
	MaxPositionNotional float64 // largest single-position notional
	MaxExposure         float64 // aggregate notional cap across all symbols
	MinConfidence       float64 // minimum signal confidence, [0,1]
	MaxDailyTrades      int     // 0 disables the daily limit
	StopLossPct         float64 // e.g. 0.01
	TakeProfitPct       float64 // e.g. 0.02
	TrailingStopPct     float64 // 0 disables trailing stops
	Leverage            int
	LotStep             float64 // exchange lot-size granularity
	MinQuantity         float64 // exchange minimum order quantity
}

// Validate checks the limit set for internal consistency.
func (l Limits) Validate() error {
	if l.RiskPerTrade <= 0 || l.RiskPerTrade >= 1 {
		return fmt.Errorf("risk per trade must be in (0,1): %w", ports.ErrConfigurationError)
	}
	if l.MaxExposure <= 0 || l.MaxPositionNotional <= 0 {
		return fmt.Errorf("exposure limits must be positive: %w", ports.ErrConfigurationError)
	}
	if l.MinConfidence < 0 || l.MinConfidence > 1 {
		return fmt.Errorf("min confidence must be in [0,1]: %w", ports.ErrConfigurationError)
	}
	if l.StopLossPct <= 0 || l.StopLossPct >= 1 {
		return fmt.Errorf("stop loss pct must be in (0,1): %w", ports.ErrConfigurationError)
	}
	if l.TakeProfitPct <= 0 {
		return fmt.Errorf("take profit pct must be positive: %w", ports.ErrConfigurationError)
	}
	if l.Leverage <= 0 {
		return fmt.Errorf("leverage must be positive: %w", ports.ErrConfigurationError)
	}
	return nil
}

// Manager converts signals into bounded order intents, or rejects them. It
// owns the global exposure and per-trade limits, reads account state, and
// never mutates it.
type Manager struct {
	mu     sync.RWMutex
	limits Limits
	logger ports.Logger
}

// NewManager creates a risk manager with the given limits.
func NewManager(limits Limits, logger ports.Logger) (*Manager, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required for risk manager")
	}
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	return &Manager{limits: limits, logger: logger}, nil
}

// Limits returns the limit set currently in effect.
func (m *Manager) Limits() Limits {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.limits
}

// UpdateLimits atomically replaces the limit set. Workers pick it up on their
// next tick.
func (m *Manager) UpdateLimits(limits Limits) error {
	if err := limits.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.limits = limits
	m.mu.Unlock()
	return nil
}

// Check validates and sizes a signal against position and account state.
// Checks run in order: in-flight duplication, margin and exposure limits,
// confidence, daily trade budget. Exactly one of intent, rejection is non-nil.
func (m *Manager) Check(ctx context.Context, signal domain.Signal, price float64, pos *domain.Position, acct domain.AccountState, inflight bool, tradesToday int) (*domain.OrderIntent, *Rejection) {
	limits := m.Limits()

	// 1. At most one in-flight order per symbol; never stack entries onto a
	// position that is opening or closing.
	if inflight {
		return nil, &Rejection{
			Reason: ReasonDuplicateInflight,
			Detail: fmt.Sprintf("an order is already in flight for %s", signal.Symbol),
		}
	}
	if pos != nil && pos.Status != domain.StatusFlat {
		return nil, &Rejection{
			Reason: ReasonDuplicateInflight,
			Detail: fmt.Sprintf("position on %s is %s", signal.Symbol, pos.Status),
		}
	}

	// 2. Size the trade and check margin and exposure limits.
	stopDistance := price * limits.StopLossPct
	if stopDistance <= 0 {
		return nil, &Rejection{
			Reason: ReasonInsufficientMargin,
			Detail: fmt.Sprintf("degenerate stop distance at price %.8f", price),
		}
	}
	quantity := quantizeToStep(acct.Balance*limits.RiskPerTrade/stopDistance, limits.LotStep)
	if quantity < limits.MinQuantity || quantity <= 0 {
		return nil, &Rejection{
			Reason: ReasonInsufficientMargin,
			Detail: fmt.Sprintf("sized quantity %.8f below exchange minimum %.8f", quantity, limits.MinQuantity),
		}
	}

	notional := quantity * price
	margin := notional / float64(limits.Leverage)
	if margin > acct.Balance {
		return nil, &Rejection{
			Reason: ReasonInsufficientMargin,
			Detail: fmt.Sprintf("required margin %.2f exceeds balance %.2f", margin, acct.Balance),
		}
	}
	if notional > limits.MaxPositionNotional {
		return nil, &Rejection{
			Reason: ReasonExposureLimit,
			Detail: fmt.Sprintf("notional %.2f exceeds per-trade limit %.2f", notional, limits.MaxPositionNotional),
		}
	}
	if acct.Committed()+notional > limits.MaxExposure {
		return nil, &Rejection{
			Reason: ReasonExposureLimit,
			Detail: fmt.Sprintf("notional %.2f would push committed exposure %.2f past limit %.2f", notional, acct.Committed(), limits.MaxExposure),
		}
	}

	// 3. Signal quality.
	if signal.Confidence < limits.MinConfidence {
		return nil, &Rejection{
			Reason: ReasonLowConfidence,
			Detail: fmt.Sprintf("confidence %.2f below minimum %.2f", signal.Confidence, limits.MinConfidence),
		}
	}

	// 4. Daily trade budget.
	if limits.MaxDailyTrades > 0 && tradesToday >= limits.MaxDailyTrades {
		return nil, &Rejection{
			Reason: ReasonDailyLimit,
			Detail: fmt.Sprintf("daily trade limit reached (%d/%d)", tradesToday, limits.MaxDailyTrades),
		}
	}

	side := signal.Direction.Side()
	intent := &domain.OrderIntent{
		Symbol:        signal.Symbol,
		Side:          side,
		Quantity:      quantity,
		Type:          domain.Market,
		RefPrice:      price,
		Leverage:      limits.Leverage,
		StopLoss:      stopLevel(price, side, limits.StopLossPct),
		TakeProfit:    takeProfitLevel(price, side, limits.TakeProfitPct),
		ClientOrderID: uuid.NewString(),
		CreatedAt:     time.Now().UTC(),
	}
	if limits.TrailingStopPct > 0 {
		intent.TrailingStop = price * limits.TrailingStopPct
	}

	m.logger.Info(ctx, "Signal approved", map[string]interface{}{
		"symbol":        signal.Symbol,
		"strategy":      signal.Strategy,
		"side":          side,
		"quantity":      quantity,
		"notional":      notional,
		"stopLoss":      intent.StopLoss,
		"takeProfit":    intent.TakeProfit,
		"clientOrderID": intent.ClientOrderID,
	})
	return intent, nil
}

// quantizeToStep floors a quantity to the exchange lot-size granularity.
// Decimal arithmetic avoids float floor-division artifacts near step
// boundaries.
func quantizeToStep(quantity, step float64) float64 {
	if step <= 0 {
		return quantity
	}
	q := decimal.NewFromFloat(quantity)
	s := decimal.NewFromFloat(step)
	out, _ := q.Div(s).Floor().Mul(s).Float64()
	return out
}

func stopLevel(price float64, side domain.OrderSide, pct float64) float64 {
	if side == domain.Sell {
		return price * (1 + pct)
	}
	return price * (1 - pct)
}

func takeProfitLevel(price float64, side domain.OrderSide, pct float64) float64 {
	if side == domain.Sell {
		return price * (1 - pct)
	}
	return price * (1 + pct)
}
