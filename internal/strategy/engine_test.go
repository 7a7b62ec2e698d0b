package strategy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantbot/internal/domain"
	"quantbot/internal/ports"
)

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

func testParams() Params {
	return Params{
		RSIPeriod:       3,
		RSIOverbought:   70,
		RSIOversold:     30,
		FastMAPeriod:    2,
		SlowMAPeriod:    3,
		BollingerPeriod: 3,
		BollingerStdDev: 1.5,
	}
}

func snapshotFromCloses(closes ...float64) *domain.MarketSnapshot {
	klines := make([]*domain.Kline, len(closes))
	for i, c := range closes {
		klines[i] = &domain.Kline{Close: c, IsFinal: true}
	}
	return &domain.MarketSnapshot{
		Symbol:    "ETHUSDT",
		Klines:    klines,
		LastPrice: closes[len(closes)-1],
		FetchedAt: time.Now().UTC(),
	}
}

func TestNewEngine_Validation(t *testing.T) {
	_, err := NewEngine([]string{"rsi_threshold"}, testParams(), nil)
	assert.Error(t, err)

	_, err = NewEngine(nil, testParams(), &mockLogger{})
	assert.Error(t, err)

	_, err = NewEngine([]string{"no_such_strategy"}, testParams(), &mockLogger{})
	assert.ErrorIs(t, err, ports.ErrConfigurationError)

	// A factory failure surfaces at construction, not at evaluation.
	bad := testParams()
	bad.FastMAPeriod = 0
	_, err = NewEngine([]string{"ma_crossover"}, bad, &mockLogger{})
	assert.Error(t, err)
}

func TestEngine_NamesAndRequiredDataPoints(t *testing.T) {
	params := Params{
		RSIPeriod:       14,
		RSIOverbought:   70,
		RSIOversold:     30,
		FastMAPeriod:    8,
		SlowMAPeriod:    21,
		BollingerPeriod: 20,
		BollingerStdDev: 2,
	}
	eng, err := NewEngine([]string{"rsi_threshold", "ma_crossover", "bollinger_breakout"}, params, &mockLogger{})
	require.NoError(t, err)

	assert.Equal(t, []string{"rsi_threshold", "ma_crossover", "bollinger_breakout"}, eng.Names())
	// The slow MA plus its crossover candle sets the widest window.
	assert.Equal(t, 22, eng.RequiredDataPoints())
}

func TestEngine_EvaluateCollectsSignals(t *testing.T) {
	eng, err := NewEngine([]string{"rsi_threshold", "ma_crossover", "bollinger_breakout"}, testParams(), &mockLogger{})
	require.NoError(t, err)

	// A steady decline trips only the RSI strategy.
	signals := eng.Evaluate(context.Background(), snapshotFromCloses(10, 9, 8, 7, 6))
	require.Len(t, signals, 1)
	assert.Equal(t, "rsi_threshold", signals[0].Strategy)
	assert.Equal(t, domain.Long, signals[0].Direction)
}

func TestEngine_EvaluateSkipsFailingStrategy(t *testing.T) {
	eng, err := NewEngine([]string{"rsi_threshold", "ma_crossover"}, testParams(), &mockLogger{})
	require.NoError(t, err)

	// Too little history errors both strategies; the tick survives with no
	// signals instead of failing.
	signals := eng.Evaluate(context.Background(), snapshotFromCloses(1, 2))
	assert.Empty(t, signals)
}

func TestEngine_SetEnabled(t *testing.T) {
	eng, err := NewEngine([]string{"rsi_threshold", "ma_crossover"}, testParams(), &mockLogger{})
	require.NoError(t, err)

	assert.Equal(t, map[string]bool{"rsi_threshold": true, "ma_crossover": true}, eng.Enabled())

	require.NoError(t, eng.SetEnabled("rsi_threshold", false))
	assert.Equal(t, map[string]bool{"rsi_threshold": false, "ma_crossover": true}, eng.Enabled())

	require.NoError(t, eng.SetEnabled("rsi_threshold", true))
	assert.True(t, eng.Enabled()["rsi_threshold"])

	assert.ErrorIs(t, eng.SetEnabled("no_such_strategy", false), ports.ErrNotFound)
}

func TestEngine_EvaluateSkipsDisabledStrategy(t *testing.T) {
	eng, err := NewEngine([]string{"rsi_threshold", "ma_crossover"}, testParams(), &mockLogger{})
	require.NoError(t, err)

	// The decline trips the RSI strategy while it is enabled.
	decline := snapshotFromCloses(10, 9, 8, 7, 6)
	signals := eng.Evaluate(context.Background(), decline)
	require.Len(t, signals, 1)

	require.NoError(t, eng.SetEnabled("rsi_threshold", false))
	assert.Empty(t, eng.Evaluate(context.Background(), decline))

	// Re-enabling restores it without rebuilding the engine.
	require.NoError(t, eng.SetEnabled("rsi_threshold", true))
	assert.Len(t, eng.Evaluate(context.Background(), decline), 1)
}

func TestEngine_EvaluateQuietMarket(t *testing.T) {
	eng, err := NewEngine([]string{"rsi_threshold", "ma_crossover", "bollinger_breakout"}, testParams(), &mockLogger{})
	require.NoError(t, err)

	signals := eng.Evaluate(context.Background(), snapshotFromCloses(5, 5, 5, 5, 5))
	assert.Empty(t, signals)
}
