package strategy

import (
	"context"
	"fmt"
	"sync"

	"quantbot/internal/domain"
	"quantbot/internal/ports"
	"quantbot/internal/strategy/strategies"
)

// Params holds the indicator parameters shared by all registered strategies.
type Params struct {
	RSIPeriod     int
	RSIOverbought float64
	RSIOversold   float64

	FastMAPeriod int
	SlowMAPeriod int

	BollingerPeriod int
	BollingerStdDev float64
}

// factories maps configured strategy names to constructors. Names are resolved
// once at startup; an unknown name is a configuration error, not a runtime skip.
var factories = map[string]func(Params, ports.Logger) (ports.Strategy, error){
	strategies.RSIThresholdName: func(p Params, l ports.Logger) (ports.Strategy, error) {
		return strategies.NewRSIThreshold(strategies.RSIThresholdConfig{
			Period:     p.RSIPeriod,
			Overbought: p.RSIOverbought,
			Oversold:   p.RSIOversold,
		}, l)
	},
	strategies.MACrossoverName: func(p Params, l ports.Logger) (ports.Strategy, error) {
		return strategies.NewMACrossover(strategies.MACrossoverConfig{
			FastPeriod: p.FastMAPeriod,
			SlowPeriod: p.SlowMAPeriod,
		}, l)
	},
	strategies.BollingerBreakoutName: func(p Params, l ports.Logger) (ports.Strategy, error) {
		return strategies.NewBollingerBreakout(strategies.BollingerBreakoutConfig{
			Period:           p.BollingerPeriod,
			StdDevMultiplier: p.BollingerStdDev,
		}, l)
	},
}

type registered struct {
	strat   ports.Strategy
	enabled bool
}

// Engine evaluates the registered strategies against market snapshots.
// Strategies are pure over the snapshot, so one engine is safely shared by
// all symbol workers. The set is fixed at startup; individual strategies can
// be toggled at runtime through SetEnabled, taking effect on the next tick.
type Engine struct {
	mu         sync.RWMutex
	strategies []*registered
	logger     ports.Logger
}

// NewEngine builds an engine from the configured strategy names. All named
// strategies start enabled.
func NewEngine(names []string, params Params, logger ports.Logger) (*Engine, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required for strategy engine")
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("at least one strategy must be enabled")
	}

	strats := make([]*registered, 0, len(names))
	for _, name := range names {
		factory, ok := factories[name]
		if !ok {
			return nil, fmt.Errorf("unknown strategy %q: %w", name, ports.ErrConfigurationError)
		}
		s, err := factory(params, logger)
		if err != nil {
			return nil, fmt.Errorf("building strategy %q: %w", name, err)
		}
		strats = append(strats, &registered{strat: s, enabled: true})
	}
	return &Engine{strategies: strats, logger: logger}, nil
}

// RequiredDataPoints returns the largest kline window any registered strategy
// needs. Disabled strategies count too, so the snapshot window never shrinks
// under a toggle.
func (e *Engine) RequiredDataPoints() int {
	max := 0
	for _, r := range e.strategies {
		if n := r.strat.RequiredDataPoints(); n > max {
			max = n
		}
	}
	return max
}

// Names returns the registered strategy names in evaluation order.
func (e *Engine) Names() []string {
	names := make([]string, 0, len(e.strategies))
	for _, r := range e.strategies {
		names = append(names, r.strat.Name())
	}
	return names
}

// Enabled reports each registered strategy's current toggle state.
func (e *Engine) Enabled() map[string]bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]bool, len(e.strategies))
	for _, r := range e.strategies {
		out[r.strat.Name()] = r.enabled
	}
	return out
}

// SetEnabled toggles a registered strategy. Unknown names are an error; the
// registered set itself never changes at runtime. Disabling every strategy is
// allowed: protective stops keep running, the engine just emits no entries.
func (e *Engine) SetEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range e.strategies {
		if r.strat.Name() == name {
			r.enabled = enabled
			return nil
		}
	}
	return fmt.Errorf("strategy %q is not registered: %w", name, ports.ErrNotFound)
}

// Evaluate runs every enabled strategy against the snapshot and collects
// their signals. A strategy that errors (e.g. insufficient candle history) is
// logged and skipped for this tick; it is never fatal to the loop.
func (e *Engine) Evaluate(ctx context.Context, snapshot *domain.MarketSnapshot) []domain.Signal {
	e.mu.RLock()
	defer e.mu.RUnlock()

	signals := make([]domain.Signal, 0, len(e.strategies))
	for _, r := range e.strategies {
		if !r.enabled {
			continue
		}
		sig, err := r.strat.Evaluate(ctx, snapshot)
		if err != nil {
			e.logger.Warn(ctx, "Strategy evaluation skipped", map[string]interface{}{
				"strategy": r.strat.Name(),
				"symbol":   snapshot.Symbol,
				"error":    err.Error(),
			})
			continue
		}
		if sig == nil || sig.Direction == domain.Flat {
			continue
		}
		signals = append(signals, *sig)
	}
	return signals
}
