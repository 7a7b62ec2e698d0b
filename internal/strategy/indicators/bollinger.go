package indicators

import (
	"context"
	"fmt"
	"math"

	"quantbot/internal/domain"
)

// BollingerConfig holds configuration for the Bollinger Bands indicator.
type BollingerConfig struct {
	IndicatorConfig
	StdDevMultiplier float64 // width of the bands in standard deviations, e.g. 2.0
}

// Bollinger computes Bollinger Bands: an SMA middle band with upper and lower
// bands a configured number of standard deviations away.
type Bollinger struct {
	BaseIndicator
	config BollingerConfig
}

// Bands holds one Bollinger Bands computation result.
type Bands struct {
	Upper  float64
	Middle float64
	Lower  float64
}

// NewBollinger creates a new Bollinger Bands indicator instance.
func NewBollinger(config BollingerConfig) *Bollinger {
	if config.StdDevMultiplier <= 0 {
		config.StdDevMultiplier = 2.0
	}
	return &Bollinger{
		BaseIndicator: BaseIndicator{Config: config.IndicatorConfig},
		config:        config,
	}
}

// Name returns the name of the indicator.
func (b *Bollinger) Name() string {
	return "BOLLINGER"
}

// Calculate computes the middle band (SMA), satisfying the Indicator
// interface. Use CalculateBands for the full band set.
func (b *Bollinger) Calculate(ctx context.Context, klines []*domain.Kline) (float64, error) {
	bands, err := b.CalculateBands(ctx, klines)
	if err != nil {
		return 0, err
	}
	return bands.Middle, nil
}

// CalculateBands computes all three bands over the trailing period.
func (b *Bollinger) CalculateBands(ctx context.Context, klines []*domain.Kline) (Bands, error) {
	period := b.Config.Period
	if len(klines) < period {
		return Bands{}, fmt.Errorf("not enough data (%d) to calculate Bollinger bands for period %d", len(klines), period)
	}

	window := klines[len(klines)-period:]

	mean := 0.0
	for _, k := range window {
		mean += k.Close
	}
	mean /= float64(period)

	variance := 0.0
	for _, k := range window {
		d := k.Close - mean
		variance += d * d
	}
	stdDev := math.Sqrt(variance / float64(period))

	offset := b.config.StdDevMultiplier * stdDev
	return Bands{
		Upper:  mean + offset,
		Middle: mean,
		Lower:  mean - offset,
	}, nil
}
