package strategies

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantbot/internal/domain"
)

func TestNewBollingerBreakout_Validation(t *testing.T) {
	_, err := NewBollingerBreakout(BollingerBreakoutConfig{Period: 20, StdDevMultiplier: 2}, nil)
	assert.Error(t, err)

	_, err = NewBollingerBreakout(BollingerBreakoutConfig{Period: 1, StdDevMultiplier: 2}, &mockLogger{})
	assert.Error(t, err)

	_, err = NewBollingerBreakout(BollingerBreakoutConfig{Period: 20, StdDevMultiplier: 0}, &mockLogger{})
	assert.Error(t, err)

	_, err = NewBollingerBreakout(BollingerBreakoutConfig{Period: 20, StdDevMultiplier: 2}, &mockLogger{})
	assert.NoError(t, err)
}

func TestBollingerBreakout_Evaluate(t *testing.T) {
	s, err := NewBollingerBreakout(BollingerBreakoutConfig{Period: 4, StdDevMultiplier: 1.5}, &mockLogger{})
	require.NoError(t, err)

	// A spike above the upper band suggests reversion: short.
	sig, err := s.Evaluate(context.Background(), snapshotFromCloses(5, 5, 5, 10))
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, domain.Short, sig.Direction)
	assert.Equal(t, BollingerBreakoutName, sig.Strategy)
	assert.Greater(t, sig.Confidence, 0.5)
	assert.LessOrEqual(t, sig.Confidence, 1.0)

	// A drop below the lower band suggests reversion: long.
	sig, err = s.Evaluate(context.Background(), snapshotFromCloses(5, 5, 5, 0))
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, domain.Long, sig.Direction)
}

func TestBollingerBreakout_NoSignalInsideBands(t *testing.T) {
	s, err := NewBollingerBreakout(BollingerBreakoutConfig{Period: 4, StdDevMultiplier: 2}, &mockLogger{})
	require.NoError(t, err)

	sig, err := s.Evaluate(context.Background(), snapshotFromCloses(2, 4, 6, 8))
	require.NoError(t, err)
	assert.Nil(t, sig)
}

func TestBollingerBreakout_CollapsedBands(t *testing.T) {
	s, err := NewBollingerBreakout(BollingerBreakoutConfig{Period: 4, StdDevMultiplier: 2}, &mockLogger{})
	require.NoError(t, err)

	// A perfectly flat market produces zero-width bands and no signal.
	sig, err := s.Evaluate(context.Background(), snapshotFromCloses(3, 3, 3, 3))
	require.NoError(t, err)
	assert.Nil(t, sig)
}

func TestBollingerBreakout_InsufficientData(t *testing.T) {
	s, err := NewBollingerBreakout(BollingerBreakoutConfig{Period: 20, StdDevMultiplier: 2}, &mockLogger{})
	require.NoError(t, err)

	_, err = s.Evaluate(context.Background(), snapshotFromCloses(1, 2, 3))
	assert.Error(t, err)
}
