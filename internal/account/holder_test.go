package account

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"quantbot/internal/domain"
)

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

func TestHolder_SnapshotOfFreshHolder(t *testing.T) {
	h := NewHolder(10000, &mockLogger{})

	snap := h.Snapshot()
	assert.Equal(t, 10000.0, snap.Balance)
	assert.Zero(t, snap.TotalExposure)
	assert.Zero(t, snap.Reserved)
	assert.Empty(t, snap.SymbolExposure)
}

func TestHolder_ReserveAndRelease(t *testing.T) {
	h := NewHolder(10000, &mockLogger{})

	h.Reserve("BTCUSDT", 3000)
	h.Reserve("ETHUSDT", 1000)

	snap := h.Snapshot()
	assert.Equal(t, 4000.0, snap.Reserved)
	assert.Equal(t, 4000.0, snap.Committed())

	h.Release("BTCUSDT", 3000)
	snap = h.Snapshot()
	assert.Equal(t, 1000.0, snap.Reserved)
	assert.Zero(t, snap.TotalExposure)
}

func TestHolder_TryReserveEnforcesExposureLimit(t *testing.T) {
	h := NewHolder(100000, &mockLogger{})
	h.SetMaxExposure(60000)

	// Two near-limit reservations must never both pass: the check and the
	// reservation are one atomic step.
	assert.NoError(t, h.TryReserve("BTCUSDT", 39960))
	err := h.TryReserve("ETHUSDT", 39960)
	assert.ErrorIs(t, err, ErrExposureLimit)

	snap := h.Snapshot()
	assert.Equal(t, 39960.0, snap.Reserved)
	assert.Equal(t, 39960.0, snap.Committed())

	// Releasing the first reservation frees room for the second.
	h.Release("BTCUSDT", 39960)
	assert.NoError(t, h.TryReserve("ETHUSDT", 39960))
}

func TestHolder_TryReserveCountsSettledExposure(t *testing.T) {
	h := NewHolder(100000, &mockLogger{})
	h.SetMaxExposure(5000)

	assert.NoError(t, h.TryReserve("BTCUSDT", 3000))
	h.SettleOpen(context.Background(), "BTCUSDT", 3000, 3000)

	// Open exposure counts against the cap the same as reservations.
	assert.ErrorIs(t, h.TryReserve("ETHUSDT", 2500), ErrExposureLimit)
	assert.NoError(t, h.TryReserve("ETHUSDT", 2000))
}

func TestHolder_TryReserveUnlimitedWithoutCap(t *testing.T) {
	h := NewHolder(100000, &mockLogger{})

	assert.NoError(t, h.TryReserve("BTCUSDT", 500000))
}

func TestHolder_SettleOpenConvertsReservation(t *testing.T) {
	h := NewHolder(10000, &mockLogger{})

	h.Reserve("BTCUSDT", 3000)
	// A partial fill settles at less than the reserved notional.
	h.SettleOpen(context.Background(), "BTCUSDT", 3000, 2400)

	snap := h.Snapshot()
	assert.Zero(t, snap.Reserved)
	assert.Equal(t, 2400.0, snap.TotalExposure)
	assert.Equal(t, 2400.0, snap.SymbolExposure["BTCUSDT"])
	assert.Equal(t, 2400.0, snap.Committed())
}

func TestHolder_SettleCloseAppliesPnL(t *testing.T) {
	h := NewHolder(10000, &mockLogger{})

	h.Reserve("BTCUSDT", 3000)
	h.SettleOpen(context.Background(), "BTCUSDT", 3000, 3000)
	h.SettleClose(context.Background(), "BTCUSDT", 3000, 150)

	snap := h.Snapshot()
	assert.Zero(t, snap.TotalExposure)
	assert.NotContains(t, snap.SymbolExposure, "BTCUSDT")
	assert.Equal(t, 10150.0, snap.Balance)
}

func TestHolder_SettleClosePartial(t *testing.T) {
	h := NewHolder(10000, &mockLogger{})

	h.RestoreExposure("BTCUSDT", 3000)
	h.SettleClose(context.Background(), "BTCUSDT", 1200, -50)

	snap := h.Snapshot()
	assert.Equal(t, 1800.0, snap.TotalExposure)
	assert.Equal(t, 1800.0, snap.SymbolExposure["BTCUSDT"])
	assert.Equal(t, 9950.0, snap.Balance)
}

func TestHolder_RestoreExposure(t *testing.T) {
	h := NewHolder(10000, &mockLogger{})

	h.RestoreExposure("BTCUSDT", 2000)
	h.RestoreExposure("ETHUSDT", 500)

	snap := h.Snapshot()
	assert.Equal(t, 2500.0, snap.TotalExposure)
	assert.Equal(t, 2000.0, snap.SymbolExposure["BTCUSDT"])
}

func TestHolder_SetBalance(t *testing.T) {
	h := NewHolder(10000, &mockLogger{})

	h.SetBalance(8421.5)
	assert.Equal(t, 8421.5, h.Snapshot().Balance)
}

func TestHolder_SnapshotIsDetached(t *testing.T) {
	h := NewHolder(10000, &mockLogger{})
	h.RestoreExposure("BTCUSDT", 2000)

	snap := h.Snapshot()
	snap.SymbolExposure["BTCUSDT"] = 1

	assert.Equal(t, 2000.0, h.Snapshot().SymbolExposure["BTCUSDT"])
}

func TestAccountState_Committed(t *testing.T) {
	a := domain.AccountState{TotalExposure: 4000, Reserved: 600}
	assert.Equal(t, 4600.0, a.Committed())
}
