package position

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"quantbot/internal/domain"
	"quantbot/internal/ports"
)

// Manager is the authoritative in-process record of positions per symbol.
// Access is serialized per symbol, not globally, so unrelated symbols proceed
// independently. Exactly one writer (the execution engine applying a confirmed
// transition, or the risk-close check) may mutate a symbol's position at a
// time.
type Manager struct {
	entries map[string]*entry
	logger  ports.Logger
}

type entry struct {
	mu       sync.Mutex
	pos      *domain.Position
	inflight string // client order id of the in-flight order, "" if none
}

// NewManager creates a manager for a fixed symbol set. The set is resolved at
// startup; unknown symbols are rejected rather than lazily created.
func NewManager(symbols []string, logger ports.Logger) (*Manager, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required for position manager")
	}
	if len(symbols) == 0 {
		return nil, fmt.Errorf("at least one symbol is required")
	}
	entries := make(map[string]*entry, len(symbols))
	for _, sym := range symbols {
		entries[sym] = &entry{pos: newFlat(sym)}
	}
	return &Manager{entries: entries, logger: logger}, nil
}

func newFlat(symbol string) *domain.Position {
	return &domain.Position{Symbol: symbol, Status: domain.StatusFlat}
}

func (m *Manager) entryFor(symbol string) (*entry, error) {
	e, ok := m.entries[symbol]
	if !ok {
		return nil, fmt.Errorf("untracked symbol %s: %w", symbol, ports.ErrNotFound)
	}
	return e, nil
}

// Get returns a copy of the symbol's position.
func (m *Manager) Get(symbol string) (*domain.Position, error) {
	e, err := m.entryFor(symbol)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := *e.pos
	return &cp, nil
}

// All returns copies of every tracked position.
func (m *Manager) All() []*domain.Position {
	out := make([]*domain.Position, 0, len(m.entries))
	for _, e := range m.entries {
		e.mu.Lock()
		cp := *e.pos
		e.mu.Unlock()
		out = append(out, &cp)
	}
	return out
}

// InFlight returns the client order id currently in flight for the symbol,
// or "" if none.
func (m *Manager) InFlight(symbol string) (string, error) {
	e, err := m.entryFor(symbol)
	if err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inflight, nil
}

// Restore re-arms a persisted position at startup, before any tick is
// scheduled.
func (m *Manager) Restore(pos *domain.Position) error {
	e, err := m.entryFor(pos.Symbol)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pos.Status != domain.StatusFlat {
		return fmt.Errorf("cannot restore %s over a %s position", pos.Symbol, e.pos.Status)
	}
	cp := *pos
	e.pos = &cp
	m.logger.Info(context.Background(), "Position restored from repository", map[string]interface{}{
		"symbol":     pos.Symbol,
		"status":     pos.Status,
		"quantity":   pos.Quantity,
		"entryPrice": pos.AvgEntryPrice,
		"stopLoss":   pos.StopLoss,
	})
	return nil
}

// BeginOpen marks the symbol as opening under the given in-flight order.
// Fails if a position is already non-FLAT or another order is in flight.
func (m *Manager) BeginOpen(symbol, clientOrderID string, side domain.OrderSide, leverage int) error {
	e, err := m.entryFor(symbol)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inflight != "" {
		return fmt.Errorf("order %s already in flight for %s: %w", e.inflight, symbol, ports.ErrDuplicateEntry)
	}
	if err := e.pos.Transition(domain.StatusOpening); err != nil {
		return err
	}
	e.pos.Side = side
	e.pos.Leverage = leverage
	e.pos.EntryTime = time.Now().UTC()
	e.inflight = clientOrderID
	return nil
}

// ApplyFill folds a confirmed (possibly partial) entry fill into the position
// at a weighted-average entry price.
func (m *Manager) ApplyFill(symbol string, quantity, price float64) error {
	e, err := m.entryFor(symbol)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pos.Status != domain.StatusOpening && e.pos.Status != domain.StatusOpen {
		return fmt.Errorf("cannot apply fill to %s position on %s", e.pos.Status, symbol)
	}
	e.pos.ApplyFill(quantity, price)
	return nil
}

// ConfirmOpen completes the entry: the position becomes OPEN with its
// protective levels armed, and the in-flight marker clears.
func (m *Manager) ConfirmOpen(symbol string, stopLoss, takeProfit, trailingDistance float64) (*domain.Position, error) {
	e, err := m.entryFor(symbol)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.pos.Transition(domain.StatusOpen); err != nil {
		return nil, err
	}
	e.pos.StopLoss = stopLoss
	e.pos.TakeProfit = takeProfit
	e.pos.TrailingStopDistance = trailingDistance
	e.pos.TrailingStopPrice = 0
	e.inflight = ""
	cp := *e.pos
	return &cp, nil
}

// AbortOpen unwinds an OPENING position whose entry order was rejected with
// nothing filled.
func (m *Manager) AbortOpen(symbol string) error {
	e, err := m.entryFor(symbol)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.pos.Transition(domain.StatusFlat); err != nil {
		return err
	}
	e.pos = newFlat(symbol)
	e.inflight = ""
	return nil
}

// BeginClose marks an OPEN position as closing under the given in-flight
// order.
func (m *Manager) BeginClose(symbol, clientOrderID string) error {
	e, err := m.entryFor(symbol)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inflight != "" {
		return fmt.Errorf("order %s already in flight for %s: %w", e.inflight, symbol, ports.ErrDuplicateEntry)
	}
	if err := e.pos.Transition(domain.StatusClosing); err != nil {
		return err
	}
	e.inflight = clientOrderID
	return nil
}

// ConfirmClose completes the close: the position is recorded CLOSED with its
// realized PnL and the symbol re-arms to FLAT. Returns the closed record for
// persistence.
func (m *Manager) ConfirmClose(symbol string, exitPrice float64, reason domain.CloseReason) (*domain.Position, error) {
	e, err := m.entryFor(symbol)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.pos.Transition(domain.StatusClosed); err != nil {
		return nil, err
	}
	e.pos.ExitPrice = exitPrice
	e.pos.ExitTime = time.Now().UTC()
	e.pos.RealizedPnL = e.pos.UnrealizedPnL(exitPrice)
	e.pos.CloseReason = reason
	closed := *e.pos

	e.pos = newFlat(symbol)
	e.inflight = ""
	return &closed, nil
}

// ApplyPartialClose reduces an OPEN or CLOSING position by a partially filled
// close, realizing PnL on the closed portion, and reverts the position to
// OPEN with its protective levels still armed.
func (m *Manager) ApplyPartialClose(symbol string, quantity, price float64) (*domain.Position, error) {
	e, err := m.entryFor(symbol)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if quantity <= 0 || quantity >= e.pos.Quantity {
		return nil, fmt.Errorf("partial close quantity %.8f out of range for %s position of %.8f", quantity, symbol, e.pos.Quantity)
	}
	var realized float64
	if e.pos.Side == domain.Sell {
		realized = (e.pos.AvgEntryPrice - price) * quantity
	} else {
		realized = (price - e.pos.AvgEntryPrice) * quantity
	}
	e.pos.Quantity -= quantity
	e.pos.RealizedPnL += realized
	if e.pos.Status == domain.StatusClosing {
		if err := e.pos.Transition(domain.StatusOpen); err != nil {
			return nil, err
		}
	}
	e.inflight = ""
	cp := *e.pos
	return &cp, nil
}

// SetPositionID records the repository-assigned id after the first save.
func (m *Manager) SetPositionID(symbol string, id int64) {
	if e, err := m.entryFor(symbol); err == nil {
		e.mu.Lock()
		e.pos.ID = id
		e.mu.Unlock()
	}
}

// AbortClose reverts a CLOSING position to OPEN after its close order was
// rejected unfilled. The protective levels stay armed.
func (m *Manager) AbortClose(symbol string) error {
	e, err := m.entryFor(symbol)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.pos.Transition(domain.StatusOpen); err != nil {
		return err
	}
	e.inflight = ""
	return nil
}

// ClearInFlight drops the in-flight marker without touching the position,
// used when a submission never reached the exchange.
func (m *Manager) ClearInFlight(symbol string) {
	if e, err := m.entryFor(symbol); err == nil {
		e.mu.Lock()
		e.inflight = ""
		e.mu.Unlock()
	}
}

// CheckStops evaluates an OPEN position against its stop-loss, trailing-stop
// and take-profit levels at the given price. It runs every tick, independent
// of signal generation. A breach yields a reduce-only closing intent that
// preempts any new entry for the symbol. Trailing stops are adjusted first,
// monotonically in the position's favor.
func (m *Manager) CheckStops(ctx context.Context, symbol string, price float64) (*domain.OrderIntent, error) {
	e, err := m.entryFor(symbol)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	pos := e.pos
	if !pos.IsOpen() || e.inflight != "" {
		return nil, nil
	}

	pos.AdjustTrailingStop(price)

	var reason domain.CloseReason
	switch {
	case pos.StopBreached(price):
		reason = domain.CloseReasonStopLoss
		if pos.TrailingStopPrice != 0 && (pos.StopLoss == 0 || breachedTrailingFirst(pos, price)) {
			reason = domain.CloseReasonTrailingStop
		}
	case pos.TakeProfitBreached(price):
		reason = domain.CloseReasonTakeProfit
	default:
		return nil, nil
	}

	m.logger.Info(ctx, "Protective level breached", map[string]interface{}{
		"symbol":   symbol,
		"price":    price,
		"stopLoss": pos.StopLoss,
		"trailing": pos.TrailingStopPrice,
		"take":     pos.TakeProfit,
		"reason":   reason,
	})

	return &domain.OrderIntent{
		Symbol:        symbol,
		Side:          pos.Side.Opposite(),
		Quantity:      pos.Quantity,
		Type:          domain.Market,
		ClientOrderID: uuid.NewString(),
		Reduce:        true,
		Reason:        reason,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// breachedTrailingFirst reports whether the trailing level is the binding
// stop at this price, i.e. it sits inside the fixed stop.
func breachedTrailingFirst(pos *domain.Position, price float64) bool {
	if pos.Side == domain.Sell {
		return pos.TrailingStopPrice < pos.StopLoss
	}
	return pos.TrailingStopPrice > pos.StopLoss
}
