package indicators

import (
	"context"
	"fmt"

	"quantbot/internal/domain"
)

// MovingAverageType selects the averaging method.
type MovingAverageType string

const (
	// SimpleMovingAverage weights every close in the window equally.
	SimpleMovingAverage MovingAverageType = "SMA"
	// ExponentialMovingAverage weights recent closes more heavily.
	ExponentialMovingAverage MovingAverageType = "EMA"
)

// MovingAverageConfig holds configuration for moving average indicators.
type MovingAverageConfig struct {
	IndicatorConfig
	Type MovingAverageType
}

// MovingAverage implements both SMA and EMA over kline closes.
type MovingAverage struct {
	BaseIndicator
	config MovingAverageConfig
}

// NewMovingAverage creates a moving average indicator of the configured type.
func NewMovingAverage(config MovingAverageConfig) *MovingAverage {
	return &MovingAverage{
		BaseIndicator: BaseIndicator{Config: config.IndicatorConfig},
		config:        config,
	}
}

// Name returns the name of the indicator.
func (m *MovingAverage) Name() string {
	return string(m.config.Type)
}

// Calculate computes the moving average for the configured type and period.
func (m *MovingAverage) Calculate(ctx context.Context, klines []*domain.Kline) (float64, error) {
	period := m.Config.Period
	if len(klines) < period {
		return 0, fmt.Errorf("not enough data (%d) for %s period %d", len(klines), m.config.Type, period)
	}
	switch m.config.Type {
	case SimpleMovingAverage:
		return meanClose(klines[len(klines)-period:]), nil
	case ExponentialMovingAverage:
		return m.calculateEMA(klines), nil
	default:
		return 0, fmt.Errorf("unsupported moving average type: %s", m.config.Type)
	}
}

func meanClose(klines []*domain.Kline) float64 {
	sum := 0.0
	for _, k := range klines {
		sum += k.Close
	}
	return sum / float64(len(klines))
}

// calculateEMA seeds with the SMA of the first period, then folds in the
// remaining closes. Callers have already checked the window length.
func (m *MovingAverage) calculateEMA(klines []*domain.Kline) float64 {
	period := m.Config.Period
	alpha := 2.0 / float64(period+1)

	ema := meanClose(klines[:period])
	for _, k := range klines[period:] {
		ema += alpha * (k.Close - ema)
	}
	return ema
}
