package strategies

import (
	"context"
	"fmt"
	"time"

	"quantbot/internal/domain"
	"quantbot/internal/ports"
	"quantbot/internal/strategy/indicators"
)

// RSIThresholdName is the registry name of the RSI threshold strategy.
const RSIThresholdName = "rsi_threshold"

// RSIThresholdConfig holds parameters for the RSI threshold strategy.
type RSIThresholdConfig struct {
	Period     int     // e.g. 14
	Overbought float64 // e.g. 70.0
	Oversold   float64 // e.g. 30.0
}

// RSIThreshold goes long when RSI drops below the oversold level and short
// when it rises above the overbought level. Confidence scales with how far
// the value sits beyond the threshold.
type RSIThreshold struct {
	cfg    RSIThresholdConfig
	rsi    *indicators.RSI
	logger ports.Logger
}

// NewRSIThreshold creates a new RSI threshold strategy instance.
func NewRSIThreshold(cfg RSIThresholdConfig, logger ports.Logger) (*RSIThreshold, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required for %s strategy", RSIThresholdName)
	}
	if cfg.Period <= 0 {
		return nil, fmt.Errorf("%s: period must be positive", RSIThresholdName)
	}
	if cfg.Oversold <= 0 || cfg.Overbought >= 100 || cfg.Oversold >= cfg.Overbought {
		return nil, fmt.Errorf("%s: thresholds must satisfy 0 < oversold < overbought < 100", RSIThresholdName)
	}
	rsi := indicators.NewRSI(indicators.RSIConfig{
		IndicatorConfig: indicators.IndicatorConfig{Period: cfg.Period},
		Overbought:      cfg.Overbought,
		Oversold:        cfg.Oversold,
	})
	return &RSIThreshold{cfg: cfg, rsi: rsi, logger: logger}, nil
}

// Name returns the registry name of the strategy.
func (s *RSIThreshold) Name() string {
	return RSIThresholdName
}

// RequiredDataPoints returns the minimum number of klines needed.
func (s *RSIThreshold) RequiredDataPoints() int {
	return s.rsi.RequiredDataPoints()
}

// Evaluate computes RSI over the snapshot and fires when a threshold is crossed.
func (s *RSIThreshold) Evaluate(ctx context.Context, snapshot *domain.MarketSnapshot) (*domain.Signal, error) {
	value, err := s.rsi.Calculate(ctx, snapshot.Klines)
	if err != nil {
		return nil, err
	}

	var direction domain.Direction
	var confidence float64
	switch {
	case s.rsi.IsOversold(value):
		direction = domain.Long
		confidence = 0.5 + 0.5*(s.cfg.Oversold-value)/s.cfg.Oversold
	case s.rsi.IsOverbought(value):
		direction = domain.Short
		confidence = 0.5 + 0.5*(value-s.cfg.Overbought)/(100-s.cfg.Overbought)
	default:
		return nil, nil
	}
	if confidence > 1 {
		confidence = 1
	}

	s.logger.Debug(ctx, "RSI threshold crossed", map[string]interface{}{
		"symbol":     snapshot.Symbol,
		"rsi":        value,
		"direction":  direction,
		"confidence": confidence,
	})

	return &domain.Signal{
		Symbol:     snapshot.Symbol,
		Direction:  direction,
		Confidence: confidence,
		Strategy:   RSIThresholdName,
		Time:       time.Now().UTC(),
	}, nil
}
