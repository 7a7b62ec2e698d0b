package execution

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantbot/internal/account"
	"quantbot/internal/domain"
	"quantbot/internal/ports"
	"quantbot/internal/position"
)

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

type mockExchange struct {
	placeOrder         func(ctx context.Context, intent domain.OrderIntent) (*ports.OrderAck, error)
	getOrderStatus     func(ctx context.Context, symbol string, exchangeOrderID int64) (*ports.OrderAck, error)
	getOrderByClientID func(ctx context.Context, symbol, clientOrderID string) (*ports.OrderAck, error)
	cancelOrder        func(ctx context.Context, symbol string, exchangeOrderID int64) (*ports.OrderAck, error)
	getPositionRisk    func(ctx context.Context, symbol string) (*ports.PositionRisk, error)

	placedClientIDs []string
}

func (m *mockExchange) SyncServerTime(ctx context.Context) error { return nil }
func (m *mockExchange) GetSnapshot(ctx context.Context, symbol, interval string, limit int) (*domain.MarketSnapshot, error) {
	return nil, nil
}
func (m *mockExchange) GetAccountBalance(ctx context.Context, asset string) (float64, error) {
	return 0, nil
}
func (m *mockExchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return nil
}
func (m *mockExchange) PlaceOrder(ctx context.Context, intent domain.OrderIntent) (*ports.OrderAck, error) {
	m.placedClientIDs = append(m.placedClientIDs, intent.ClientOrderID)
	return m.placeOrder(ctx, intent)
}
func (m *mockExchange) GetOrderStatus(ctx context.Context, symbol string, exchangeOrderID int64) (*ports.OrderAck, error) {
	if m.getOrderStatus == nil {
		return nil, fmt.Errorf("unexpected GetOrderStatus call")
	}
	return m.getOrderStatus(ctx, symbol, exchangeOrderID)
}
func (m *mockExchange) GetOrderByClientID(ctx context.Context, symbol, clientOrderID string) (*ports.OrderAck, error) {
	if m.getOrderByClientID == nil {
		return nil, fmt.Errorf("unexpected GetOrderByClientID call")
	}
	return m.getOrderByClientID(ctx, symbol, clientOrderID)
}
func (m *mockExchange) CancelOrder(ctx context.Context, symbol string, exchangeOrderID int64) (*ports.OrderAck, error) {
	if m.cancelOrder == nil {
		return nil, fmt.Errorf("unexpected CancelOrder call")
	}
	return m.cancelOrder(ctx, symbol, exchangeOrderID)
}
func (m *mockExchange) GetPositionRisk(ctx context.Context, symbol string) (*ports.PositionRisk, error) {
	if m.getPositionRisk == nil {
		return nil, nil
	}
	return m.getPositionRisk(ctx, symbol)
}
func (m *mockExchange) Ping(ctx context.Context) error { return nil }

type mockPositionRepo struct {
	nextID  int64
	created []*domain.Position
	updated []*domain.Position
}

func (m *mockPositionRepo) Create(ctx context.Context, pos *domain.Position) (int64, error) {
	m.nextID++
	cp := *pos
	m.created = append(m.created, &cp)
	return m.nextID, nil
}
func (m *mockPositionRepo) Update(ctx context.Context, pos *domain.Position) error {
	cp := *pos
	m.updated = append(m.updated, &cp)
	return nil
}
func (m *mockPositionRepo) FindOpenBySymbol(ctx context.Context, symbol string) (*domain.Position, error) {
	return nil, nil
}
func (m *mockPositionRepo) FindOpen(ctx context.Context) ([]*domain.Position, error) {
	return nil, nil
}
func (m *mockPositionRepo) FindAll(ctx context.Context) ([]*domain.Position, error) {
	return nil, nil
}
func (m *mockPositionRepo) CountOpenedToday(ctx context.Context, symbol string) (int, error) {
	return 0, nil
}
func (m *mockPositionRepo) TotalRealizedPnL(ctx context.Context) (float64, error) { return 0, nil }

type mockOrderRepo struct {
	upserted []domain.Order
}

func (m *mockOrderRepo) Upsert(ctx context.Context, order *domain.Order) error {
	m.upserted = append(m.upserted, *order)
	return nil
}
func (m *mockOrderRepo) FindByClientID(ctx context.Context, clientOrderID string) (*domain.Order, error) {
	return nil, nil
}
func (m *mockOrderRepo) FindNonTerminal(ctx context.Context) ([]*domain.Order, error) {
	return nil, nil
}
func (m *mockOrderRepo) FindRecent(ctx context.Context, limit int) ([]*domain.Order, error) {
	return nil, nil
}

type mockNotifier struct {
	events []domain.Event
}

func (m *mockNotifier) Notify(ctx context.Context, event domain.Event) {
	m.events = append(m.events, event)
}

func (m *mockNotifier) eventTypes() []domain.EventType {
	out := make([]domain.EventType, 0, len(m.events))
	for _, e := range m.events {
		out = append(out, e.Type)
	}
	return out
}

type engineFixture struct {
	engine    *Engine
	exchange  *mockExchange
	positions *position.Manager
	account   *account.Holder
	posRepo   *mockPositionRepo
	orderRepo *mockOrderRepo
	notifier  *mockNotifier
}

func newEngineFixture(t *testing.T, exchange *mockExchange) *engineFixture {
	t.Helper()
	positions, err := position.NewManager([]string{"BTCUSDT"}, &mockLogger{})
	require.NoError(t, err)

	acct := account.NewHolder(100000, &mockLogger{})
	posRepo := &mockPositionRepo{}
	orderRepo := &mockOrderRepo{}
	notifier := &mockNotifier{}

	cfg := Config{
		Retry:            RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
		CallTimeout:      time.Second,
		FillPollInterval: time.Millisecond,
		OrderTimeout:     50 * time.Millisecond,
	}
	eng, err := New(cfg, exchange, positions, acct, posRepo, orderRepo, notifier, &mockLogger{})
	require.NoError(t, err)

	return &engineFixture{
		engine:    eng,
		exchange:  exchange,
		positions: positions,
		account:   acct,
		posRepo:   posRepo,
		orderRepo: orderRepo,
		notifier:  notifier,
	}
}

func entryIntent() domain.OrderIntent {
	return domain.OrderIntent{
		Symbol:        "BTCUSDT",
		Side:          domain.Buy,
		Quantity:      0.5,
		Type:          domain.Market,
		RefPrice:      60000,
		Leverage:      4,
		StopLoss:      59000,
		TakeProfit:    62000,
		ClientOrderID: "c-entry-1",
		CreatedAt:     time.Now().UTC(),
	}
}

func filledAck(id int64, qty, avg float64) *ports.OrderAck {
	return &ports.OrderAck{ExchangeOrderID: id, Status: "FILLED", ExecutedQty: qty, AvgPrice: avg}
}

func TestEngine_SubmitOpensPositionOnFill(t *testing.T) {
	exchange := &mockExchange{
		placeOrder: func(ctx context.Context, intent domain.OrderIntent) (*ports.OrderAck, error) {
			return filledAck(101, intent.Quantity, 60010), nil
		},
	}
	fx := newEngineFixture(t, exchange)

	order, err := fx.engine.Submit(context.Background(), entryIntent())
	require.NoError(t, err)
	assert.Equal(t, domain.OrderFilled, order.Status)
	assert.EqualValues(t, 101, order.ExchangeOrderID)
	assert.InDelta(t, 0.5, order.FilledQuantity, 1e-9)

	pos, err := fx.positions.Get("BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOpen, pos.Status)
	assert.InDelta(t, 60010, pos.AvgEntryPrice, 1e-9)
	assert.Equal(t, 59000.0, pos.StopLoss)
	assert.EqualValues(t, 1, pos.ID)

	snap := fx.account.Snapshot()
	assert.Zero(t, snap.Reserved)
	assert.InDelta(t, 0.5*60010, snap.TotalExposure, 1e-6)

	require.Len(t, fx.posRepo.created, 1)
	assert.Contains(t, fx.notifier.eventTypes(), domain.EventPositionOpened)
}

func TestEngine_SubmitRetriesUnderSameClientOrderID(t *testing.T) {
	calls := 0
	exchange := &mockExchange{}
	exchange.placeOrder = func(ctx context.Context, intent domain.OrderIntent) (*ports.OrderAck, error) {
		calls++
		if calls < 3 {
			return nil, fmt.Errorf("dial tcp: %w", ports.ErrConnectionFailed)
		}
		return filledAck(102, intent.Quantity, 60000), nil
	}
	fx := newEngineFixture(t, exchange)

	order, err := fx.engine.Submit(context.Background(), entryIntent())
	require.NoError(t, err)
	assert.Equal(t, domain.OrderFilled, order.Status)
	assert.Equal(t, 3, order.Attempts)

	// Every resubmission reuses the idempotency key.
	require.Len(t, fx.exchange.placedClientIDs, 3)
	for _, id := range fx.exchange.placedClientIDs {
		assert.Equal(t, "c-entry-1", id)
	}
}

func TestEngine_SubmitRejectionUnwindsPosition(t *testing.T) {
	exchange := &mockExchange{
		placeOrder: func(ctx context.Context, intent domain.OrderIntent) (*ports.OrderAck, error) {
			return nil, fmt.Errorf("margin check: %w", ports.ErrInsufficientFunds)
		},
	}
	fx := newEngineFixture(t, exchange)

	order, err := fx.engine.Submit(context.Background(), entryIntent())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ports.ErrSubmissionIndeterminate)
	assert.Equal(t, domain.OrderRejected, order.Status)
	assert.Equal(t, 1, order.Attempts)

	// Position and reservation are fully unwound.
	pos, err := fx.positions.Get("BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFlat, pos.Status)
	assert.Zero(t, fx.account.Snapshot().Reserved)

	inflight, err := fx.positions.InFlight("BTCUSDT")
	require.NoError(t, err)
	assert.Empty(t, inflight)
	assert.Contains(t, fx.notifier.eventTypes(), domain.EventOrderRejected)
}

func TestEngine_SubmitExhaustedRetriesLeavesOrderUnknown(t *testing.T) {
	exchange := &mockExchange{
		placeOrder: func(ctx context.Context, intent domain.OrderIntent) (*ports.OrderAck, error) {
			return nil, fmt.Errorf("request: %w", ports.ErrTimeout)
		},
	}
	fx := newEngineFixture(t, exchange)

	order, err := fx.engine.Submit(context.Background(), entryIntent())
	require.Error(t, err)
	assert.ErrorIs(t, err, ports.ErrSubmissionIndeterminate)
	assert.Equal(t, domain.OrderUnknown, order.Status)
	assert.Equal(t, 3, order.Attempts)

	// An earlier attempt may have executed: nothing is unwound until
	// reconciliation resolves the order.
	pos, err := fx.positions.Get("BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOpening, pos.Status)
	assert.InDelta(t, 0.5*60000, fx.account.Snapshot().Reserved, 1e-6)

	inflight, err := fx.positions.InFlight("BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, "c-entry-1", inflight)
	assert.Contains(t, fx.notifier.eventTypes(), domain.EventOrderUnknown)
}

func TestEngine_SubmitCancelledMidRetryLeavesOrderUnknown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	exchange := &mockExchange{
		placeOrder: func(ctx context.Context, intent domain.OrderIntent) (*ports.OrderAck, error) {
			cancel()
			return nil, fmt.Errorf("request: %w", ports.ErrTimeout)
		},
	}
	fx := newEngineFixture(t, exchange)

	order, err := fx.engine.Submit(ctx, entryIntent())
	require.Error(t, err)
	assert.ErrorIs(t, err, ports.ErrSubmissionIndeterminate)
	assert.Equal(t, domain.OrderUnknown, order.Status)
}

func TestEngine_SubmitAbortedRoundTripIsIndeterminate(t *testing.T) {
	// A cancelled round trip was aborted, not answered: the request may have
	// reached the exchange. The order must end UNKNOWN with the reservation
	// held, never REJECTED, and no retry under a duplicate request.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	exchange := &mockExchange{}
	exchange.placeOrder = func(callCtx context.Context, intent domain.OrderIntent) (*ports.OrderAck, error) {
		cancel()
		return nil, fmt.Errorf("place order for %s: %w: %w", intent.Symbol, ports.ErrContextCanceled, context.Canceled)
	}
	fx := newEngineFixture(t, exchange)

	order, err := fx.engine.Submit(ctx, entryIntent())
	require.Error(t, err)
	assert.ErrorIs(t, err, ports.ErrSubmissionIndeterminate)
	assert.Equal(t, domain.OrderUnknown, order.Status)
	assert.Len(t, exchange.placedClientIDs, 1)

	pos, perr := fx.positions.Get("BTCUSDT")
	require.NoError(t, perr)
	assert.Equal(t, domain.StatusOpening, pos.Status)
	assert.NotZero(t, fx.account.Snapshot().Reserved)
	assert.Contains(t, fx.notifier.eventTypes(), domain.EventOrderUnknown)
}

func TestEngine_SubmitRefusedWhenReservationExceedsExposureLimit(t *testing.T) {
	exchange := &mockExchange{
		placeOrder: func(ctx context.Context, intent domain.OrderIntent) (*ports.OrderAck, error) {
			return filledAck(110, intent.Quantity, 60010), nil
		},
	}
	fx := newEngineFixture(t, exchange)
	fx.account.SetMaxExposure(10000)

	_, err := fx.engine.Submit(context.Background(), entryIntent())
	require.Error(t, err)
	assert.ErrorIs(t, err, account.ErrExposureLimit)

	// The refusal happens before the exchange sees anything, and the
	// transition unwinds completely.
	assert.Empty(t, exchange.placedClientIDs)
	pos, perr := fx.positions.Get("BTCUSDT")
	require.NoError(t, perr)
	assert.Equal(t, domain.StatusFlat, pos.Status)
	assert.Zero(t, fx.account.Snapshot().Reserved)
	assert.Contains(t, fx.notifier.eventTypes(), domain.EventRiskRejected)
}

func TestEngine_SubmitAwaitsFillAfterAck(t *testing.T) {
	polls := 0
	exchange := &mockExchange{
		placeOrder: func(ctx context.Context, intent domain.OrderIntent) (*ports.OrderAck, error) {
			return &ports.OrderAck{ExchangeOrderID: 103, Status: "NEW"}, nil
		},
	}
	exchange.getOrderStatus = func(ctx context.Context, symbol string, exchangeOrderID int64) (*ports.OrderAck, error) {
		polls++
		if polls < 2 {
			return &ports.OrderAck{ExchangeOrderID: 103, Status: "PARTIALLY_FILLED", ExecutedQty: 0.2, AvgPrice: 60005}, nil
		}
		return filledAck(103, 0.5, 60008), nil
	}
	fx := newEngineFixture(t, exchange)

	order, err := fx.engine.Submit(context.Background(), entryIntent())
	require.NoError(t, err)
	assert.Equal(t, domain.OrderFilled, order.Status)
	assert.InDelta(t, 0.5, order.FilledQuantity, 1e-9)

	// Cumulative fills fold into a weighted average entry.
	pos, err := fx.positions.Get("BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOpen, pos.Status)
	assert.InDelta(t, 60008, pos.AvgEntryPrice, 1e-6)
}

func TestEngine_SubmitCancelsUnfilledOrderAfterTimeout(t *testing.T) {
	exchange := &mockExchange{
		placeOrder: func(ctx context.Context, intent domain.OrderIntent) (*ports.OrderAck, error) {
			return &ports.OrderAck{ExchangeOrderID: 104, Status: "NEW"}, nil
		},
	}
	exchange.getOrderStatus = func(ctx context.Context, symbol string, exchangeOrderID int64) (*ports.OrderAck, error) {
		return &ports.OrderAck{ExchangeOrderID: 104, Status: "NEW"}, nil
	}
	cancelled := false
	exchange.cancelOrder = func(ctx context.Context, symbol string, exchangeOrderID int64) (*ports.OrderAck, error) {
		cancelled = true
		return &ports.OrderAck{ExchangeOrderID: 104, Status: "CANCELED"}, nil
	}
	fx := newEngineFixture(t, exchange)

	order, err := fx.engine.Submit(context.Background(), entryIntent())
	require.NoError(t, err)
	assert.True(t, cancelled)
	assert.Equal(t, domain.OrderCancelled, order.Status)

	// Nothing executed, so the transition unwinds completely.
	pos, err := fx.positions.Get("BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFlat, pos.Status)
	assert.Zero(t, fx.account.Snapshot().Reserved)
}

func openPosition(t *testing.T, fx *engineFixture, qty, entry float64) {
	t.Helper()
	require.NoError(t, fx.positions.BeginOpen("BTCUSDT", "seed-1", domain.Buy, 4))
	require.NoError(t, fx.positions.ApplyFill("BTCUSDT", qty, entry))
	_, err := fx.positions.ConfirmOpen("BTCUSDT", entry*0.99, 0, 0)
	require.NoError(t, err)
	fx.positions.SetPositionID("BTCUSDT", 9)
	fx.account.RestoreExposure("BTCUSDT", qty*entry)
}

func closeIntent(qty float64) domain.OrderIntent {
	return domain.OrderIntent{
		Symbol:        "BTCUSDT",
		Side:          domain.Sell,
		Quantity:      qty,
		Type:          domain.Market,
		RefPrice:      61000,
		ClientOrderID: "c-close-1",
		Reduce:        true,
		Reason:        domain.CloseReasonTakeProfit,
		CreatedAt:     time.Now().UTC(),
	}
}

func TestEngine_SubmitCloseRealizesPnL(t *testing.T) {
	exchange := &mockExchange{
		placeOrder: func(ctx context.Context, intent domain.OrderIntent) (*ports.OrderAck, error) {
			return filledAck(105, intent.Quantity, 61000), nil
		},
	}
	fx := newEngineFixture(t, exchange)
	openPosition(t, fx, 1.0, 60000)

	order, err := fx.engine.Submit(context.Background(), closeIntent(1.0))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderFilled, order.Status)

	pos, err := fx.positions.Get("BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFlat, pos.Status)

	snap := fx.account.Snapshot()
	assert.Zero(t, snap.TotalExposure)
	assert.InDelta(t, 100000+1000, snap.Balance, 1e-6)

	require.NotEmpty(t, fx.posRepo.updated)
	closed := fx.posRepo.updated[len(fx.posRepo.updated)-1]
	assert.Equal(t, domain.StatusClosed, closed.Status)
	assert.Equal(t, domain.CloseReasonTakeProfit, closed.CloseReason)
	assert.InDelta(t, 1000, closed.RealizedPnL, 1e-6)
	assert.Contains(t, fx.notifier.eventTypes(), domain.EventPositionClosed)
}

func TestEngine_SubmitPartialCloseKeepsRemainderProtected(t *testing.T) {
	exchange := &mockExchange{
		placeOrder: func(ctx context.Context, intent domain.OrderIntent) (*ports.OrderAck, error) {
			return &ports.OrderAck{ExchangeOrderID: 106, Status: "PARTIALLY_FILLED", ExecutedQty: 0.4, AvgPrice: 61000}, nil
		},
	}
	exchange.getOrderStatus = func(ctx context.Context, symbol string, exchangeOrderID int64) (*ports.OrderAck, error) {
		return &ports.OrderAck{ExchangeOrderID: 106, Status: "CANCELED", ExecutedQty: 0.4, AvgPrice: 61000}, nil
	}
	fx := newEngineFixture(t, exchange)
	openPosition(t, fx, 1.0, 60000)

	order, err := fx.engine.Submit(context.Background(), closeIntent(1.0))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderCancelled, order.Status)
	assert.InDelta(t, 0.4, order.FilledQuantity, 1e-9)

	// The closed portion realizes, the remainder stays OPEN with its stop.
	pos, err := fx.positions.Get("BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOpen, pos.Status)
	assert.InDelta(t, 0.6, pos.Quantity, 1e-9)
	assert.InDelta(t, 400, pos.RealizedPnL, 1e-6)
	assert.NotZero(t, pos.StopLoss)

	snap := fx.account.Snapshot()
	assert.InDelta(t, 0.6*60000, snap.TotalExposure, 1e-6)
	assert.InDelta(t, 100000+400, snap.Balance, 1e-6)
}

func TestEngine_ReconcileOrderNeverReachedExchange(t *testing.T) {
	exchange := &mockExchange{
		getOrderByClientID: func(ctx context.Context, symbol, clientOrderID string) (*ports.OrderAck, error) {
			return nil, ports.ErrOrderNotFound
		},
	}
	fx := newEngineFixture(t, exchange)

	intent := entryIntent()
	require.NoError(t, fx.positions.BeginOpen(intent.Symbol, intent.ClientOrderID, intent.Side, intent.Leverage))
	fx.account.Reserve(intent.Symbol, intent.Notional(intent.RefPrice))
	order := domain.NewOrder(intent)
	order.Status = domain.OrderUnknown

	require.NoError(t, fx.engine.Reconcile(context.Background(), order))
	assert.Equal(t, domain.OrderRejected, order.Status)

	pos, err := fx.positions.Get("BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFlat, pos.Status)
	assert.Zero(t, fx.account.Snapshot().Reserved)
	assert.Contains(t, fx.notifier.eventTypes(), domain.EventOrderReconciled)
}

func TestEngine_ReconcileFilledOrderOpensPosition(t *testing.T) {
	exchange := &mockExchange{
		getOrderByClientID: func(ctx context.Context, symbol, clientOrderID string) (*ports.OrderAck, error) {
			return filledAck(107, 0.5, 60020), nil
		},
		getPositionRisk: func(ctx context.Context, symbol string) (*ports.PositionRisk, error) {
			return &ports.PositionRisk{Symbol: symbol, PositionAmt: 0.5, EntryPrice: 60020}, nil
		},
	}
	fx := newEngineFixture(t, exchange)

	intent := entryIntent()
	require.NoError(t, fx.positions.BeginOpen(intent.Symbol, intent.ClientOrderID, intent.Side, intent.Leverage))
	fx.account.Reserve(intent.Symbol, intent.Notional(intent.RefPrice))
	order := domain.NewOrder(intent)
	order.Status = domain.OrderUnknown

	require.NoError(t, fx.engine.Reconcile(context.Background(), order))
	assert.Equal(t, domain.OrderFilled, order.Status)

	// The fill found on the exchange becomes a confirmed position.
	pos, err := fx.positions.Get("BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOpen, pos.Status)
	assert.InDelta(t, 0.5, pos.Quantity, 1e-9)
	assert.InDelta(t, 60020, pos.AvgEntryPrice, 1e-6)

	snap := fx.account.Snapshot()
	assert.Zero(t, snap.Reserved)
	assert.InDelta(t, 0.5*60020, snap.TotalExposure, 1e-6)
	assert.NotContains(t, fx.notifier.eventTypes(), domain.EventPositionMismatch)
}

func TestEngine_ReconcileFlagsPositionDivergence(t *testing.T) {
	// The exchange reports no position while the reconciled fill says long
	// 0.5. The divergence is surfaced to the operator without failing the
	// reconciliation.
	exchange := &mockExchange{
		getOrderByClientID: func(ctx context.Context, symbol, clientOrderID string) (*ports.OrderAck, error) {
			return filledAck(108, 0.5, 60020), nil
		},
		getPositionRisk: func(ctx context.Context, symbol string) (*ports.PositionRisk, error) {
			return nil, nil
		},
	}
	fx := newEngineFixture(t, exchange)

	intent := entryIntent()
	require.NoError(t, fx.positions.BeginOpen(intent.Symbol, intent.ClientOrderID, intent.Side, intent.Leverage))
	fx.account.Reserve(intent.Symbol, intent.Notional(intent.RefPrice))
	order := domain.NewOrder(intent)
	order.Status = domain.OrderUnknown

	require.NoError(t, fx.engine.Reconcile(context.Background(), order))
	assert.Contains(t, fx.notifier.eventTypes(), domain.EventPositionMismatch)
}

func TestEngine_ReconcileQueryFailureKeepsOrderUnknown(t *testing.T) {
	exchange := &mockExchange{
		getOrderByClientID: func(ctx context.Context, symbol, clientOrderID string) (*ports.OrderAck, error) {
			return nil, fmt.Errorf("request: %w", ports.ErrExchangeUnavailable)
		},
	}
	fx := newEngineFixture(t, exchange)

	intent := entryIntent()
	require.NoError(t, fx.positions.BeginOpen(intent.Symbol, intent.ClientOrderID, intent.Side, intent.Leverage))
	fx.account.Reserve(intent.Symbol, intent.Notional(intent.RefPrice))
	order := domain.NewOrder(intent)
	order.Status = domain.OrderUnknown

	err := fx.engine.Reconcile(context.Background(), order)
	require.Error(t, err)
	assert.Equal(t, domain.OrderUnknown, order.Status)

	// The symbol stays quarantined.
	pos, err := fx.positions.Get("BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOpening, pos.Status)
	assert.NotZero(t, fx.account.Snapshot().Reserved)
}

func TestEngine_SubmitRejectsSecondIntentWhileInFlight(t *testing.T) {
	exchange := &mockExchange{
		placeOrder: func(ctx context.Context, intent domain.OrderIntent) (*ports.OrderAck, error) {
			return nil, fmt.Errorf("request: %w", ports.ErrTimeout)
		},
	}
	fx := newEngineFixture(t, exchange)

	_, err := fx.engine.Submit(context.Background(), entryIntent())
	require.ErrorIs(t, err, ports.ErrSubmissionIndeterminate)

	second := entryIntent()
	second.ClientOrderID = "c-entry-2"
	_, err = fx.engine.Submit(context.Background(), second)
	assert.ErrorIs(t, err, ports.ErrDuplicateEntry)
}
