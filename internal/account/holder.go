package account

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"quantbot/internal/domain"
	"quantbot/internal/ports"
)

// ErrExposureLimit is returned by TryReserve when committing a reservation
// would push total committed notional past the configured cap.
var ErrExposureLimit = errors.New("reservation exceeds exposure limit")

// Holder is the single-writer owner of account-level balance and exposure.
// Every symbol worker reads it through Snapshot; only the execution engine
// mutates it, so a risk check is never evaluated against a value that is
// concurrently changing.
type Holder struct {
	mu          sync.RWMutex
	balance     float64
	maxExposure float64            // aggregate cap enforced by TryReserve, 0 disables
	exposure    map[string]float64 // confirmed notional per symbol
	reserved    map[string]float64 // notional committed to in-flight intents
	logger      ports.Logger
}

// NewHolder creates a holder seeded with the available balance.
func NewHolder(balance float64, logger ports.Logger) *Holder {
	return &Holder{
		balance:  balance,
		exposure: make(map[string]float64),
		reserved: make(map[string]float64),
		logger:   logger,
	}
}

// Snapshot returns an immutable copy of the current account state.
func (h *Holder) Snapshot() domain.AccountState {
	h.mu.RLock()
	defer h.mu.RUnlock()

	perSymbol := make(map[string]float64, len(h.exposure))
	var total, reserved float64
	for sym, n := range h.exposure {
		perSymbol[sym] = n
		total += n
	}
	for _, n := range h.reserved {
		reserved += n
	}
	return domain.AccountState{
		Balance:        h.balance,
		TotalExposure:  total,
		Reserved:       reserved,
		SymbolExposure: perSymbol,
	}
}

// SetMaxExposure installs the aggregate exposure cap enforced by TryReserve.
// Zero disables the cap.
func (h *Holder) SetMaxExposure(limit float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.maxExposure = limit
}

// TryReserve checks the exposure cap and commits the reservation under a
// single lock acquisition. Symbol workers that each passed a risk check
// against the same snapshot serialize here; whoever would push committed
// notional past the cap is turned away before submission.
func (h *Holder) TryReserve(symbol string, notional float64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.maxExposure > 0 {
		var committed float64
		for _, n := range h.exposure {
			committed += n
		}
		for _, n := range h.reserved {
			committed += n
		}
		if committed+notional > h.maxExposure {
			return fmt.Errorf("reserving %.2f for %s would commit %.2f against limit %.2f: %w",
				notional, symbol, committed+notional, h.maxExposure, ErrExposureLimit)
		}
	}
	h.reserved[symbol] += notional
	return nil
}

// Reserve commits notional without checking the cap. It re-arms reservations
// for orders journaled before a restart, where the commitment already exists
// and must not be refused.
func (h *Holder) Reserve(symbol string, notional float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reserved[symbol] += notional
}

// Release drops a reservation without settling it (order rejected or
// cancelled unfilled).
func (h *Holder) Release(symbol string, notional float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.release(symbol, notional)
}

func (h *Holder) release(symbol string, notional float64) {
	r := h.reserved[symbol] - notional
	if r <= 0 {
		delete(h.reserved, symbol)
		return
	}
	h.reserved[symbol] = r
}

// SettleOpen converts a reservation into confirmed exposure at the actual
// filled notional.
func (h *Holder) SettleOpen(ctx context.Context, symbol string, reservedNotional, filledNotional float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.release(symbol, reservedNotional)
	h.exposure[symbol] += filledNotional
	h.logger.Debug(ctx, "Account exposure settled", map[string]interface{}{
		"symbol":   symbol,
		"notional": filledNotional,
		"exposure": h.exposure[symbol],
	})
}

// SettleClose removes confirmed exposure and applies realized PnL to the
// balance.
func (h *Holder) SettleClose(ctx context.Context, symbol string, notional, realizedPnL float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e := h.exposure[symbol] - notional
	if e <= 0 {
		delete(h.exposure, symbol)
	} else {
		h.exposure[symbol] = e
	}
	h.balance += realizedPnL
	h.logger.Info(ctx, "Account updated on close", map[string]interface{}{
		"symbol":      symbol,
		"realizedPnL": realizedPnL,
		"balance":     h.balance,
	})
}

// RestoreExposure re-arms confirmed exposure from persisted state at startup.
func (h *Holder) RestoreExposure(symbol string, notional float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.exposure[symbol] += notional
}

// SetBalance replaces the available balance, e.g. after an exchange query.
func (h *Holder) SetBalance(balance float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.balance = balance
}
