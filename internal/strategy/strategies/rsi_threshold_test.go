package strategies

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantbot/internal/domain"
)

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
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

func TestNewRSIThreshold_Validation(t *testing.T) {
	valid := RSIThresholdConfig{Period: 14, Overbought: 70, Oversold: 30}

	_, err := NewRSIThreshold(valid, nil)
	assert.Error(t, err)

	_, err = NewRSIThreshold(RSIThresholdConfig{Period: 0, Overbought: 70, Oversold: 30}, &mockLogger{})
	assert.Error(t, err)

	// Inverted thresholds.
	_, err = NewRSIThreshold(RSIThresholdConfig{Period: 14, Overbought: 30, Oversold: 70}, &mockLogger{})
	assert.Error(t, err)

	_, err = NewRSIThreshold(valid, &mockLogger{})
	assert.NoError(t, err)
}

func TestRSIThreshold_Evaluate(t *testing.T) {
	s, err := NewRSIThreshold(RSIThresholdConfig{Period: 3, Overbought: 70, Oversold: 30}, &mockLogger{})
	require.NoError(t, err)

	// A steady decline drives RSI to the floor: long with full conviction.
	sig, err := s.Evaluate(context.Background(), snapshotFromCloses(10, 9, 8, 7, 6))
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, domain.Long, sig.Direction)
	assert.InDelta(t, 1.0, sig.Confidence, 1e-9)
	assert.Equal(t, RSIThresholdName, sig.Strategy)

	// A steady climb drives RSI to the ceiling: short.
	sig, err = s.Evaluate(context.Background(), snapshotFromCloses(6, 7, 8, 9, 10))
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, domain.Short, sig.Direction)
	assert.InDelta(t, 1.0, sig.Confidence, 1e-9)
}

func TestRSIThreshold_NoSignalBetweenThresholds(t *testing.T) {
	s, err := NewRSIThreshold(RSIThresholdConfig{Period: 3, Overbought: 90, Oversold: 10}, &mockLogger{})
	require.NoError(t, err)

	sig, err := s.Evaluate(context.Background(), snapshotFromCloses(1, 2, 3, 2, 3, 4))
	require.NoError(t, err)
	assert.Nil(t, sig)
}

func TestRSIThreshold_InsufficientData(t *testing.T) {
	s, err := NewRSIThreshold(RSIThresholdConfig{Period: 14, Overbought: 70, Oversold: 30}, &mockLogger{})
	require.NoError(t, err)

	_, err = s.Evaluate(context.Background(), snapshotFromCloses(1, 2, 3))
	assert.Error(t, err)
}

func TestRSIThreshold_RequiredDataPoints(t *testing.T) {
	s, err := NewRSIThreshold(RSIThresholdConfig{Period: 14, Overbought: 70, Oversold: 30}, &mockLogger{})
	require.NoError(t, err)
	assert.Equal(t, 15, s.RequiredDataPoints())
}
