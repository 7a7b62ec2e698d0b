package strategies

import (
	"context"
	"fmt"
	"math"
	"time"

	"quantbot/internal/domain"
	"quantbot/internal/ports"
	"quantbot/internal/strategy/indicators"
)

// BollingerBreakoutName is the registry name of the Bollinger breakout strategy.
const BollingerBreakoutName = "bollinger_breakout"

// BollingerBreakoutConfig holds parameters for the Bollinger breakout strategy.
type BollingerBreakoutConfig struct {
	Period           int     // e.g. 20
	StdDevMultiplier float64 // e.g. 2.0
}

// BollingerBreakout trades mean reversion off the bands: a close below the
// lower band suggests long, a close above the upper band suggests short.
// Confidence scales with the distance beyond the band relative to band width.
type BollingerBreakout struct {
	cfg    BollingerBreakoutConfig
	bands  *indicators.Bollinger
	logger ports.Logger
}

// NewBollingerBreakout creates a new Bollinger breakout strategy instance.
func NewBollingerBreakout(cfg BollingerBreakoutConfig, logger ports.Logger) (*BollingerBreakout, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required for %s strategy", BollingerBreakoutName)
	}
	if cfg.Period <= 1 {
		return nil, fmt.Errorf("%s: period must be greater than 1", BollingerBreakoutName)
	}
	if cfg.StdDevMultiplier <= 0 {
		return nil, fmt.Errorf("%s: stddev multiplier must be positive", BollingerBreakoutName)
	}
	bands := indicators.NewBollinger(indicators.BollingerConfig{
		IndicatorConfig:  indicators.IndicatorConfig{Period: cfg.Period},
		StdDevMultiplier: cfg.StdDevMultiplier,
	})
	return &BollingerBreakout{cfg: cfg, bands: bands, logger: logger}, nil
}

// Name returns the registry name of the strategy.
func (s *BollingerBreakout) Name() string {
	return BollingerBreakoutName
}

// RequiredDataPoints returns the minimum number of klines needed.
func (s *BollingerBreakout) RequiredDataPoints() int {
	return s.cfg.Period
}

// Evaluate fires when the last close sits outside the bands.
func (s *BollingerBreakout) Evaluate(ctx context.Context, snapshot *domain.MarketSnapshot) (*domain.Signal, error) {
	bands, err := s.bands.CalculateBands(ctx, snapshot.Klines)
	if err != nil {
		return nil, err
	}

	lastClose := snapshot.Klines[len(snapshot.Klines)-1].Close
	width := bands.Upper - bands.Lower
	if width <= 0 {
		return nil, nil // flat market, bands collapsed
	}

	var direction domain.Direction
	var overshoot float64
	switch {
	case lastClose < bands.Lower:
		direction = domain.Long
		overshoot = bands.Lower - lastClose
	case lastClose > bands.Upper:
		direction = domain.Short
		overshoot = lastClose - bands.Upper
	default:
		return nil, nil
	}

	confidence := 0.5 + math.Min(0.5, overshoot/width)

	s.logger.Debug(ctx, "Bollinger band breakout detected", map[string]interface{}{
		"symbol":     snapshot.Symbol,
		"close":      lastClose,
		"upper":      bands.Upper,
		"lower":      bands.Lower,
		"direction":  direction,
		"confidence": confidence,
	})

	return &domain.Signal{
		Symbol:     snapshot.Symbol,
		Direction:  direction,
		Confidence: confidence,
		Strategy:   BollingerBreakoutName,
		Time:       time.Now().UTC(),
	}, nil
}
