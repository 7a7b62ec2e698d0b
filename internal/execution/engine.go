package execution

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/jpillora/backoff"

	"quantbot/internal/account"
	"quantbot/internal/domain"
	"quantbot/internal/ports"
	"quantbot/internal/position"
)

// RetryPolicy bounds the resubmission of a failed order under the same
// idempotency key. It is explicit policy handed to the engine, not control
// flow buried in it.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      bool
}

// Config holds execution engine settings. CallTimeout bounds each network
// round trip and is distinct from the retry policy.
type Config struct {
	Retry            RetryPolicy
	CallTimeout      time.Duration
	FillPollInterval time.Duration
	OrderTimeout     time.Duration // how long an acked order may keep working before cancellation
}

func (c Config) withDefaults() Config {
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.BaseDelay <= 0 {
		c.Retry.BaseDelay = 500 * time.Millisecond
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = 10 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	if c.FillPollInterval <= 0 {
		c.FillPollInterval = time.Second
	}
	if c.OrderTimeout <= 0 {
		c.OrderTimeout = 30 * time.Second
	}
	return c
}

// Engine submits order intents to the exchange, awaits confirmation, and
// reconciles fills, rejections and indeterminate outcomes into position and
// account state. It is the only writer of account exposure.
type Engine struct {
	exchange  ports.ExchangeClient
	positions *position.Manager
	account   *account.Holder
	posRepo   ports.PositionRepository
	orderRepo ports.OrderRepository
	notifier  ports.Notifier
	logger    ports.Logger
	cfg       Config
}

// New creates an execution engine.
func New(cfg Config, exchange ports.ExchangeClient, positions *position.Manager, acct *account.Holder,
	posRepo ports.PositionRepository, orderRepo ports.OrderRepository, notifier ports.Notifier, logger ports.Logger) (*Engine, error) {
	if exchange == nil || positions == nil || acct == nil || posRepo == nil || orderRepo == nil || notifier == nil || logger == nil {
		return nil, fmt.Errorf("missing required dependencies for execution engine")
	}
	return &Engine{
		exchange:  exchange,
		positions: positions,
		account:   acct,
		posRepo:   posRepo,
		orderRepo: orderRepo,
		notifier:  notifier,
		logger:    logger,
		cfg:       cfg.withDefaults(),
	}, nil
}

// Submit places an order intent on the exchange. Transient failures are
// retried with exponential backoff under the same idempotency key; a
// definitive rejection unwinds the position transition; an outcome that
// cannot be confirmed leaves the order UNKNOWN and returns
// ports.ErrSubmissionIndeterminate, after which Reconcile must resolve the
// symbol before any further action on it.
func (e *Engine) Submit(ctx context.Context, intent domain.OrderIntent) (*domain.Order, error) {
	op := "Submit"
	order := domain.NewOrder(intent)

	if intent.Reduce {
		if err := e.positions.BeginClose(intent.Symbol, intent.ClientOrderID); err != nil {
			return nil, err
		}
	} else {
		if err := e.positions.BeginOpen(intent.Symbol, intent.ClientOrderID, intent.Side, intent.Leverage); err != nil {
			return nil, err
		}
		if err := e.account.TryReserve(intent.Symbol, intent.Notional(intent.RefPrice)); err != nil {
			if aerr := e.positions.AbortOpen(intent.Symbol); aerr != nil {
				e.logger.Error(ctx, aerr, "failed to revert open transition", map[string]interface{}{"symbol": intent.Symbol})
			}
			e.notifier.Notify(ctx, domain.NewEvent(domain.EventRiskRejected, intent.Symbol,
				"reservation refused at exposure limit", map[string]interface{}{
					"clientOrderID": intent.ClientOrderID,
					"error":         err.Error(),
				}))
			return nil, err
		}
	}

	ack, err := e.placeWithRetry(ctx, order)
	if err != nil {
		if errors.Is(err, ports.ErrSubmissionIndeterminate) {
			// Outcome unconfirmed: quarantine the symbol until reconciliation.
			_ = e.orderRepo.Upsert(ctx, order)
			e.notifier.Notify(ctx, domain.NewEvent(domain.EventOrderUnknown, intent.Symbol,
				"order outcome indeterminate, reconciliation required", map[string]interface{}{
					"clientOrderID": intent.ClientOrderID,
					"attempts":      order.Attempts,
				}))
			return order, err
		}
		// Definitive failure before execution: unwind.
		e.logger.Error(ctx, err, op+": order rejected by exchange", map[string]interface{}{
			"symbol":        intent.Symbol,
			"clientOrderID": intent.ClientOrderID,
		})
		e.unwindUnfilled(ctx, order)
		_ = e.orderRepo.Upsert(ctx, order)
		e.notifier.Notify(ctx, domain.NewEvent(domain.EventOrderRejected, intent.Symbol,
			"order rejected", map[string]interface{}{"clientOrderID": intent.ClientOrderID, "error": err.Error()}))
		return order, err
	}

	e.applyAck(order, ack)
	if err := e.orderRepo.Upsert(ctx, order); err != nil {
		e.logger.Error(ctx, err, op+": failed to journal order", map[string]interface{}{"clientOrderID": intent.ClientOrderID})
	}

	if !order.Status.IsTerminal() {
		if err := e.awaitFill(ctx, order); err != nil {
			return order, err
		}
	}

	return order, e.finalize(ctx, order)
}

// placeWithRetry drives the bounded retry loop around PlaceOrder.
func (e *Engine) placeWithRetry(ctx context.Context, order *domain.Order) (*ports.OrderAck, error) {
	b := &backoff.Backoff{
		Min:    e.cfg.Retry.BaseDelay,
		Max:    e.cfg.Retry.MaxDelay,
		Jitter: e.cfg.Retry.Jitter,
	}

	var lastErr error
	for attempt := 1; attempt <= e.cfg.Retry.MaxAttempts; attempt++ {
		order.Attempts = attempt
		if order.Status == domain.OrderPending {
			if err := order.Transition(domain.OrderSubmitted); err != nil {
				return nil, err
			}
			order.SubmittedAt = time.Now().UTC()
		}

		callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
		ack, err := e.exchange.PlaceOrder(callCtx, order.Intent)
		cancel()
		if err == nil {
			return ack, nil
		}
		lastErr = err

		if errors.Is(err, ports.ErrContextCanceled) || ctx.Err() != nil {
			// The round trip was aborted, not answered. The request may have
			// reached the exchange, so this is never a rejection.
			if terr := order.Transition(domain.OrderUnknown); terr != nil {
				e.logger.Error(ctx, terr, "order transition failed")
			}
			return nil, fmt.Errorf("submission aborted mid-flight: %w: %w", ports.ErrSubmissionIndeterminate, err)
		}

		if !ports.IsTransient(err) {
			if terr := order.Transition(domain.OrderRejected); terr != nil {
				e.logger.Error(ctx, terr, "order transition failed")
			}
			return nil, err
		}

		e.logger.Warn(ctx, "Transient submission failure, retrying under same idempotency key", map[string]interface{}{
			"symbol":        order.Intent.Symbol,
			"clientOrderID": order.Intent.ClientOrderID,
			"attempt":       attempt,
			"maxAttempts":   e.cfg.Retry.MaxAttempts,
			"error":         err.Error(),
		})

		if attempt < e.cfg.Retry.MaxAttempts {
			select {
			case <-time.After(b.Duration()):
			case <-ctx.Done():
				// Cancelled mid-retry: an earlier attempt may have executed.
				if terr := order.Transition(domain.OrderUnknown); terr != nil {
					e.logger.Error(ctx, terr, "order transition failed")
				}
				return nil, fmt.Errorf("submission interrupted: %w: %w", ports.ErrSubmissionIndeterminate, ctx.Err())
			}
		}
	}

	// Retry budget exhausted without a definitive answer. The engine never
	// assumes success or failure on an ambiguous network outcome.
	if terr := order.Transition(domain.OrderUnknown); terr != nil {
		e.logger.Error(ctx, terr, "order transition failed")
	}
	return nil, fmt.Errorf("retry budget exhausted: %w: %w", ports.ErrSubmissionIndeterminate, lastErr)
}

// applyAck folds an exchange acknowledgement into the order.
func (e *Engine) applyAck(order *domain.Order, ack *ports.OrderAck) {
	order.ExchangeOrderID = ack.ExchangeOrderID
	prevFilled := order.FilledQuantity

	var next domain.OrderStatus
	switch normalizeStatus(ack.Status) {
	case domain.OrderFilled:
		next = domain.OrderFilled
	case domain.OrderPartiallyFilled:
		next = domain.OrderPartiallyFilled
	case domain.OrderRejected:
		next = domain.OrderRejected
	case domain.OrderCancelled:
		next = domain.OrderCancelled
	default:
		next = domain.OrderAcked
	}
	if order.Status != next {
		if err := order.Transition(next); err != nil {
			e.logger.Error(context.Background(), err, "order transition failed")
			return
		}
	}

	if ack.ExecutedQty > prevFilled {
		delta := ack.ExecutedQty - prevFilled
		fillPrice := incrementalFillPrice(prevFilled, order.AvgFillPrice, ack.ExecutedQty, ack.AvgPrice)
		if !order.Intent.Reduce {
			if err := e.positions.ApplyFill(order.Intent.Symbol, delta, fillPrice); err != nil {
				e.logger.Error(context.Background(), err, "failed to apply fill to position", map[string]interface{}{
					"symbol": order.Intent.Symbol,
				})
			}
		}
		order.FilledQuantity = ack.ExecutedQty
		order.AvgFillPrice = ack.AvgPrice
	}
}

// awaitFill polls an acked order until it reaches a terminal state or the
// order timeout elapses, at which point the remainder is cancelled and the
// final state queried.
func (e *Engine) awaitFill(ctx context.Context, order *domain.Order) error {
	deadline := time.Now().Add(e.cfg.OrderTimeout)
	for time.Now().Before(deadline) {
		select {
		case <-time.After(e.cfg.FillPollInterval):
		case <-ctx.Done():
			return e.markUnknown(ctx, order, ctx.Err())
		}

		callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
		ack, err := e.exchange.GetOrderStatus(callCtx, order.Intent.Symbol, order.ExchangeOrderID)
		cancel()
		if err != nil {
			if ports.IsTransient(err) {
				continue
			}
			return e.markUnknown(ctx, order, err)
		}
		e.applyAck(order, ack)
		_ = e.orderRepo.Upsert(ctx, order)
		if order.Status.IsTerminal() {
			return nil
		}
	}

	// Unfilled remainder timed out: cancel it and settle on whatever the
	// exchange reports as the final state.
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	ack, err := e.exchange.CancelOrder(callCtx, order.Intent.Symbol, order.ExchangeOrderID)
	cancel()
	if err != nil {
		if errors.Is(err, ports.ErrOrderNotFound) {
			// Filled or already cancelled between the last poll and the cancel.
			callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
			ack, err = e.exchange.GetOrderStatus(callCtx, order.Intent.Symbol, order.ExchangeOrderID)
			cancel()
		}
		if err != nil {
			return e.markUnknown(ctx, order, err)
		}
	}
	e.applyAck(order, ack)
	_ = e.orderRepo.Upsert(ctx, order)
	return nil
}

func (e *Engine) markUnknown(ctx context.Context, order *domain.Order, cause error) error {
	if err := order.Transition(domain.OrderUnknown); err != nil {
		e.logger.Error(ctx, err, "order transition failed")
	}
	_ = e.orderRepo.Upsert(ctx, order)
	e.notifier.Notify(ctx, domain.NewEvent(domain.EventOrderUnknown, order.Intent.Symbol,
		"order outcome indeterminate, reconciliation required", map[string]interface{}{
			"clientOrderID": order.Intent.ClientOrderID,
		}))
	return fmt.Errorf("awaiting fill: %w: %w", ports.ErrSubmissionIndeterminate, cause)
}

// finalize applies a terminal order to position, account and repositories.
func (e *Engine) finalize(ctx context.Context, order *domain.Order) error {
	intent := order.Intent
	switch {
	case order.FilledQuantity > 0 && !intent.Reduce:
		pos, err := e.positions.ConfirmOpen(intent.Symbol, intent.StopLoss, intent.TakeProfit, intent.TrailingStop)
		if err != nil {
			return err
		}
		e.account.SettleOpen(ctx, intent.Symbol, intent.Notional(intent.RefPrice), pos.Notional())
		if pos.ID == 0 {
			id, err := e.posRepo.Create(ctx, pos)
			if err != nil {
				e.logger.Error(ctx, err, "failed to persist opened position", map[string]interface{}{"symbol": intent.Symbol})
			} else {
				e.positions.SetPositionID(intent.Symbol, id)
				pos.ID = id
			}
		} else if err := e.posRepo.Update(ctx, pos); err != nil {
			e.logger.Error(ctx, err, "failed to persist position update", map[string]interface{}{"symbol": intent.Symbol})
		}
		e.notifier.Notify(ctx, domain.NewEvent(domain.EventPositionOpened, intent.Symbol, "position opened", map[string]interface{}{
			"side":       pos.Side,
			"quantity":   pos.Quantity,
			"entryPrice": pos.AvgEntryPrice,
			"stopLoss":   pos.StopLoss,
			"takeProfit": pos.TakeProfit,
		}))
		return nil

	case order.FilledQuantity > 0 && intent.Reduce:
		return e.finalizeClose(ctx, order)

	default:
		// Nothing executed.
		e.unwindUnfilled(ctx, order)
		if order.Status == domain.OrderRejected || order.Status == domain.OrderCancelled {
			e.notifier.Notify(ctx, domain.NewEvent(domain.EventOrderRejected, intent.Symbol,
				"order finished unfilled", map[string]interface{}{
					"clientOrderID": intent.ClientOrderID,
					"status":        order.Status,
				}))
		}
		return nil
	}
}

func (e *Engine) finalizeClose(ctx context.Context, order *domain.Order) error {
	intent := order.Intent
	pos, err := e.positions.Get(intent.Symbol)
	if err != nil {
		return err
	}

	if order.FilledQuantity < pos.Quantity-quantityEpsilon {
		// Close only partially executed before cancellation: realize the
		// closed portion and leave the remainder protected.
		reduced, err := e.positions.ApplyPartialClose(intent.Symbol, order.FilledQuantity, order.AvgFillPrice)
		if err != nil {
			return err
		}
		realized := reduced.RealizedPnL - pos.RealizedPnL
		e.account.SettleClose(ctx, intent.Symbol, order.FilledQuantity*reduced.AvgEntryPrice, realized)
		if err := e.posRepo.Update(ctx, reduced); err != nil {
			e.logger.Error(ctx, err, "failed to persist partial close", map[string]interface{}{"symbol": intent.Symbol})
		}
		return nil
	}

	closed, err := e.positions.ConfirmClose(intent.Symbol, order.AvgFillPrice, intent.Reason)
	if err != nil {
		return err
	}
	e.account.SettleClose(ctx, intent.Symbol, closed.Notional(), closed.RealizedPnL)
	if err := e.posRepo.Update(ctx, closed); err != nil {
		e.logger.Error(ctx, err, "failed to persist closed position", map[string]interface{}{"symbol": intent.Symbol})
	}
	e.notifier.Notify(ctx, domain.NewEvent(domain.EventPositionClosed, intent.Symbol, "position closed", map[string]interface{}{
		"reason":      closed.CloseReason,
		"exitPrice":   closed.ExitPrice,
		"realizedPnL": closed.RealizedPnL,
	}))
	return nil
}

// unwindUnfilled reverts the position transition for an order that executed
// nothing.
func (e *Engine) unwindUnfilled(ctx context.Context, order *domain.Order) {
	intent := order.Intent
	if intent.Reduce {
		if err := e.positions.AbortClose(intent.Symbol); err != nil {
			e.logger.Error(ctx, err, "failed to revert close transition", map[string]interface{}{"symbol": intent.Symbol})
		}
		return
	}
	e.account.Release(intent.Symbol, intent.Notional(intent.RefPrice))
	if err := e.positions.AbortOpen(intent.Symbol); err != nil {
		e.logger.Error(ctx, err, "failed to revert open transition", map[string]interface{}{"symbol": intent.Symbol})
	}
}

// Reconcile resolves an UNKNOWN order against exchange-side truth. It is
// called before any further action on the symbol; if the exchange cannot be
// reached the order stays UNKNOWN and the symbol stays quarantined.
func (e *Engine) Reconcile(ctx context.Context, order *domain.Order) error {
	op := "Reconcile"
	intent := order.Intent

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	ack, err := e.exchange.GetOrderByClientID(callCtx, intent.Symbol, intent.ClientOrderID)
	cancel()

	if errors.Is(err, ports.ErrOrderNotFound) {
		// The exchange never saw the order: it did not execute.
		if terr := order.Transition(domain.OrderRejected); terr != nil {
			return terr
		}
		e.unwindUnfilled(ctx, order)
		_ = e.orderRepo.Upsert(ctx, order)
		e.notifier.Notify(ctx, domain.NewEvent(domain.EventOrderReconciled, intent.Symbol,
			"order reconciled: never reached the exchange", map[string]interface{}{"clientOrderID": intent.ClientOrderID}))
		e.logger.Info(ctx, op+": order not found on exchange, treated as not executed", map[string]interface{}{
			"clientOrderID": intent.ClientOrderID,
		})
		e.verifyPositionState(ctx, intent.Symbol)
		return nil
	}
	if err != nil {
		e.logger.Warn(ctx, op+": reconciliation query failed, order stays UNKNOWN", map[string]interface{}{
			"clientOrderID": intent.ClientOrderID,
			"error":         err.Error(),
		})
		return err
	}

	e.applyAck(order, ack)
	if !order.Status.IsTerminal() {
		// Order is still working on the exchange: cancel the remainder so the
		// symbol returns to a deterministic state, then settle.
		if err := e.awaitFill(ctx, order); err != nil {
			return err
		}
	}
	_ = e.orderRepo.Upsert(ctx, order)
	if err := e.finalize(ctx, order); err != nil {
		return err
	}
	e.notifier.Notify(ctx, domain.NewEvent(domain.EventOrderReconciled, intent.Symbol,
		"order reconciled against exchange state", map[string]interface{}{
			"clientOrderID": intent.ClientOrderID,
			"status":        order.Status,
			"filled":        order.FilledQuantity,
		}))
	e.verifyPositionState(ctx, intent.Symbol)
	return nil
}

// verifyPositionState cross-checks the locally tracked position against the
// exchange's own record after a reconciliation. A divergence means manual
// intervention or a second reconcile is needed, so it is surfaced to the
// operator. The check never fails the reconciliation itself.
func (e *Engine) verifyPositionState(ctx context.Context, symbol string) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	exch, err := e.exchange.GetPositionRisk(callCtx, symbol)
	cancel()
	if err != nil {
		e.logger.Warn(ctx, "position cross-check query failed", map[string]interface{}{
			"symbol": symbol,
			"error":  err.Error(),
		})
		return
	}

	pos, err := e.positions.Get(symbol)
	if err != nil {
		return
	}
	localAmt := 0.0
	if pos.IsOpen() {
		localAmt = pos.Quantity
		if pos.Side == domain.Sell {
			localAmt = -localAmt
		}
	}
	exchangeAmt := 0.0
	if exch != nil {
		exchangeAmt = exch.PositionAmt
	}
	if math.Abs(localAmt-exchangeAmt) <= quantityEpsilon {
		return
	}

	e.logger.Warn(ctx, "position state diverged from exchange", map[string]interface{}{
		"symbol":      symbol,
		"localAmt":    localAmt,
		"exchangeAmt": exchangeAmt,
	})
	e.notifier.Notify(ctx, domain.NewEvent(domain.EventPositionMismatch, symbol,
		"local position diverged from exchange position", map[string]interface{}{
			"localAmt":    localAmt,
			"exchangeAmt": exchangeAmt,
		}))
}

const quantityEpsilon = 1e-9

func normalizeStatus(s string) domain.OrderStatus {
	switch strings.ToUpper(s) {
	case "FILLED":
		return domain.OrderFilled
	case "PARTIALLY_FILLED":
		return domain.OrderPartiallyFilled
	case "REJECTED", "EXPIRED":
		return domain.OrderRejected
	case "CANCELED", "CANCELLED":
		return domain.OrderCancelled
	case "NEW", "ACCEPTED":
		return domain.OrderAcked
	default:
		return domain.OrderAcked
	}
}

// incrementalFillPrice derives the price of the newest fill slice from the
// cumulative averages reported by the exchange.
func incrementalFillPrice(prevQty, prevAvg, newQty, newAvg float64) float64 {
	delta := newQty - prevQty
	if delta <= 0 {
		return newAvg
	}
	return (newAvg*newQty - prevAvg*prevQty) / delta
}
