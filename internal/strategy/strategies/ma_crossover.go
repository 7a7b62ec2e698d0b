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

// MACrossoverName is the registry name of the moving-average crossover strategy.
const MACrossoverName = "ma_crossover"

// MACrossoverConfig holds parameters for the MA crossover strategy.
type MACrossoverConfig struct {
	FastPeriod int // e.g. 8
	SlowPeriod int // e.g. 21
}

// MACrossover fires on the candle where the fast SMA crosses the slow SMA:
// long on a golden cross, short on a death cross. Confidence grows with the
// separation of the averages after the cross.
type MACrossover struct {
	cfg    MACrossoverConfig
	fast   *indicators.MovingAverage
	slow   *indicators.MovingAverage
	logger ports.Logger
}

// NewMACrossover creates a new MA crossover strategy instance.
func NewMACrossover(cfg MACrossoverConfig, logger ports.Logger) (*MACrossover, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required for %s strategy", MACrossoverName)
	}
	if cfg.FastPeriod <= 0 || cfg.SlowPeriod <= 0 {
		return nil, fmt.Errorf("%s: periods must be positive", MACrossoverName)
	}
	if cfg.FastPeriod >= cfg.SlowPeriod {
		return nil, fmt.Errorf("%s: fast period must be less than slow period", MACrossoverName)
	}
	newSMA := func(period int) *indicators.MovingAverage {
		return indicators.NewMovingAverage(indicators.MovingAverageConfig{
			IndicatorConfig: indicators.IndicatorConfig{Period: period},
			Type:            indicators.SimpleMovingAverage,
		})
	}
	return &MACrossover{
		cfg:    cfg,
		fast:   newSMA(cfg.FastPeriod),
		slow:   newSMA(cfg.SlowPeriod),
		logger: logger,
	}, nil
}

// Name returns the registry name of the strategy.
func (s *MACrossover) Name() string {
	return MACrossoverName
}

// RequiredDataPoints returns the minimum number of klines needed: the slow
// period plus one candle to detect the cross.
func (s *MACrossover) RequiredDataPoints() int {
	return s.cfg.SlowPeriod + 1
}

// Evaluate detects a crossover between the previous candle and the current one.
func (s *MACrossover) Evaluate(ctx context.Context, snapshot *domain.MarketSnapshot) (*domain.Signal, error) {
	klines := snapshot.Klines
	if len(klines) < s.RequiredDataPoints() {
		return nil, fmt.Errorf("%s: not enough data (%d), need %d", MACrossoverName, len(klines), s.RequiredDataPoints())
	}

	prev := klines[:len(klines)-1]

	prevFast, err := s.fast.Calculate(ctx, prev)
	if err != nil {
		return nil, err
	}
	prevSlow, err := s.slow.Calculate(ctx, prev)
	if err != nil {
		return nil, err
	}
	curFast, err := s.fast.Calculate(ctx, klines)
	if err != nil {
		return nil, err
	}
	curSlow, err := s.slow.Calculate(ctx, klines)
	if err != nil {
		return nil, err
	}

	var direction domain.Direction
	switch {
	case prevFast <= prevSlow && curFast > curSlow:
		direction = domain.Long
	case prevFast >= prevSlow && curFast < curSlow:
		direction = domain.Short
	default:
		return nil, nil
	}

	separation := math.Abs(curFast-curSlow) / curSlow
	confidence := 0.5 + math.Min(0.5, separation*100)

	s.logger.Debug(ctx, "MA crossover detected", map[string]interface{}{
		"symbol":     snapshot.Symbol,
		"fast":       curFast,
		"slow":       curSlow,
		"direction":  direction,
		"confidence": confidence,
	})

	return &domain.Signal{
		Symbol:     snapshot.Symbol,
		Direction:  direction,
		Confidence: confidence,
		Strategy:   MACrossoverName,
		Time:       time.Now().UTC(),
	}, nil
}
