package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"quantbot/config"
	"quantbot/internal/account"
	"quantbot/internal/domain"
	"quantbot/internal/execution"
	"quantbot/internal/ports"
	"quantbot/internal/position"
	"quantbot/internal/risk"
	"quantbot/internal/strategy/indicators"
)

// TradingService owns the control loop: one evaluation goroutine per symbol,
// each ticking on the configured cadence. All mutation of a symbol's position
// flows through that symbol's goroutine, so ticks for one symbol never block
// or reorder another's.
type TradingService struct {
	cfg       *config.Config
	logger    ports.Logger
	exchange  ports.ExchangeClient
	posRepo   ports.PositionRepository
	orderRepo ports.OrderRepository
	strategy  StrategyEngine
	riskMgr   *risk.Manager
	positions *position.Manager
	account   *account.Holder
	executor  *execution.Engine
	notifier  ports.Notifier

	// Non-nil when ATR-scaled trailing stops are configured.
	atrTrailing *indicators.ATR

	mu          sync.Mutex
	tradesToday map[string]int
	dayAnchor   time.Time
	startedAt   time.Time
}

// StrategyEngine is the strategy evaluation surface the service depends on.
type StrategyEngine interface {
	Evaluate(ctx context.Context, snapshot *domain.MarketSnapshot) []domain.Signal
	RequiredDataPoints() int
	Names() []string
}

// NewTradingService creates the application service instance.
func NewTradingService(
	cfg *config.Config,
	logger ports.Logger,
	exchange ports.ExchangeClient,
	posRepo ports.PositionRepository,
	orderRepo ports.OrderRepository,
	strat StrategyEngine,
	riskMgr *risk.Manager,
	positions *position.Manager,
	acct *account.Holder,
	executor *execution.Engine,
	notifier ports.Notifier,
) (*TradingService, error) {
	if cfg == nil || logger == nil || exchange == nil || posRepo == nil || orderRepo == nil ||
		strat == nil || riskMgr == nil || positions == nil || acct == nil || executor == nil || notifier == nil {
		return nil, fmt.Errorf("missing required dependencies for TradingService")
	}
	svc := &TradingService{
		cfg:         cfg,
		logger:      logger,
		exchange:    exchange,
		posRepo:     posRepo,
		orderRepo:   orderRepo,
		strategy:    strat,
		riskMgr:     riskMgr,
		positions:   positions,
		account:     acct,
		executor:    executor,
		notifier:    notifier,
		tradesToday: make(map[string]int),
	}
	if cfg.TrailingATRMultiple > 0 {
		svc.atrTrailing = indicators.NewATR(indicators.ATRConfig{
			IndicatorConfig: indicators.IndicatorConfig{Period: cfg.TrailingATRPeriod},
		})
	}
	return svc, nil
}

// Start initializes state, launches the per-symbol loops, and blocks until the
// context is cancelled or a shutdown signal arrives. In-flight submissions are
// drained before Start returns.
func (s *TradingService) Start(ctx context.Context) error {
	s.logger.Info(ctx, "Starting trading service", map[string]interface{}{
		"symbols":    s.cfg.Symbols,
		"strategies": s.strategy.Names(),
		"testnet":    s.cfg.IsTestnet,
	})
	s.startedAt = time.Now().UTC()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			s.logger.Info(ctx, "Received shutdown signal", map[string]interface{}{"signal": sig.String()})
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := s.initialize(ctx); err != nil {
		return err
	}

	s.notifier.Notify(ctx, domain.NewEvent(domain.EventEngineStarted, "", "engine started", map[string]interface{}{
		"symbols": s.cfg.Symbols,
	}))

	var wg sync.WaitGroup
	for _, symbol := range s.cfg.Symbols {
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			s.runSymbolLoop(ctx, symbol)
		}(symbol)
	}

	if s.cfg.ReportInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.runReportLoop(ctx)
		}()
	}

	<-ctx.Done()
	s.logger.Info(context.Background(), "Shutdown initiated, draining symbol loops")
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	s.notifier.Notify(shutdownCtx, domain.NewEvent(domain.EventEngineStopped, "", "engine stopped", nil))
	s.logger.Info(shutdownCtx, "Trading service stopped")
	return nil
}

// initialize restores persisted state and prepares the exchange session.
// Failures here are fatal: trading must not start from an unverified state.
func (s *TradingService) initialize(ctx context.Context) error {
	op := "initialize"

	if err := s.exchange.Ping(ctx); err != nil {
		return fmt.Errorf("%s: exchange is unreachable: %w", op, err)
	}
	if err := s.exchange.SyncServerTime(ctx); err != nil {
		return fmt.Errorf("%s: failed to synchronize server time: %w", op, err)
	}

	// Recover persisted positions before looking at market data.
	openPositions, err := s.posRepo.FindOpen(ctx)
	if err != nil {
		return fmt.Errorf("%s: failed to load open positions: %w", op, err)
	}
	for _, pos := range openPositions {
		if err := s.positions.Restore(pos); err != nil {
			return fmt.Errorf("%s: failed to restore position for %s: %w", op, pos.Symbol, err)
		}
		s.account.RestoreExposure(pos.Symbol, pos.Notional())
		s.logger.Info(ctx, op+": restored open position", map[string]interface{}{
			"symbol":     pos.Symbol,
			"side":       pos.Side,
			"quantity":   pos.Quantity,
			"entryPrice": pos.AvgEntryPrice,
			"stopLoss":   pos.StopLoss,
			"takeProfit": pos.TakeProfit,
		})
	}

	// Resolve any order whose outcome the previous run never confirmed.
	pending, err := s.orderRepo.FindNonTerminal(ctx)
	if err != nil {
		return fmt.Errorf("%s: failed to load pending orders: %w", op, err)
	}
	for _, order := range pending {
		s.logger.Warn(ctx, op+": reconciling order left from previous run", map[string]interface{}{
			"symbol":        order.Intent.Symbol,
			"clientOrderID": order.Intent.ClientOrderID,
			"status":        order.Status,
		})
		if err := s.restorePendingTransition(order); err != nil {
			return fmt.Errorf("%s: failed to restore pending order state: %w", op, err)
		}
		if err := s.executor.Reconcile(ctx, order); err != nil {
			return fmt.Errorf("%s: failed to reconcile order %s: %w", op, order.Intent.ClientOrderID, err)
		}
	}

	// Seed the balance from the exchange; fall back to configured equity when
	// the query is unavailable (e.g. restricted API keys on testnet).
	balance, err := s.exchange.GetAccountBalance(ctx, s.cfg.QuoteAsset)
	if err != nil {
		if s.cfg.InitialEquity <= 0 {
			return fmt.Errorf("%s: failed to query account balance and no INITIAL_EQUITY configured: %w", op, err)
		}
		s.logger.Warn(ctx, op+": balance query failed, using configured equity", map[string]interface{}{
			"equity": s.cfg.InitialEquity,
			"error":  err.Error(),
		})
		s.account.SetBalance(s.cfg.InitialEquity)
	} else {
		s.account.SetBalance(balance)
	}

	// Leverage is set per symbol. A failure is tolerated: the engine trades at
	// whatever leverage the exchange reports.
	limits := s.riskMgr.Limits()
	for _, symbol := range s.cfg.Symbols {
		if err := s.exchange.SetLeverage(ctx, symbol, limits.Leverage); err != nil {
			s.logger.Warn(ctx, op+": failed to set leverage, continuing with exchange setting", map[string]interface{}{
				"symbol":   symbol,
				"leverage": limits.Leverage,
				"error":    err.Error(),
			})
		}
	}

	// Daily trade counters survive restarts via the repository.
	anchor := startOfDayUTC(time.Now().UTC())
	s.mu.Lock()
	s.dayAnchor = anchor
	for _, symbol := range s.cfg.Symbols {
		count, err := s.posRepo.CountOpenedToday(ctx, symbol)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("%s: failed to count today's trades for %s: %w", op, symbol, err)
		}
		s.tradesToday[symbol] = count
	}
	s.mu.Unlock()

	s.logger.Info(ctx, op+": state synchronized", map[string]interface{}{
		"openPositions": len(openPositions),
		"pendingOrders": len(pending),
	})
	return nil
}

// restorePendingTransition re-arms the in-memory position transition for an
// order journaled before shutdown, so reconciliation can settle it through the
// normal paths.
func (s *TradingService) restorePendingTransition(order *domain.Order) error {
	intent := order.Intent
	if intent.Reduce {
		return s.positions.BeginClose(intent.Symbol, intent.ClientOrderID)
	}
	if err := s.positions.BeginOpen(intent.Symbol, intent.ClientOrderID, intent.Side, intent.Leverage); err != nil {
		return err
	}
	s.account.Reserve(intent.Symbol, intent.Notional(intent.RefPrice))
	return nil
}

// runSymbolLoop drives the evaluation cadence for one symbol.
func (s *TradingService) runSymbolLoop(ctx context.Context, symbol string) {
	interval := s.cfg.TickIntervalFor(symbol)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info(ctx, "Symbol loop started", map[string]interface{}{
		"symbol":   symbol,
		"interval": interval.String(),
	})

	// Evaluate once at startup rather than waiting out the first tick.
	s.tick(ctx, symbol)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info(context.Background(), "Symbol loop stopped", map[string]interface{}{"symbol": symbol})
			return
		case <-ticker.C:
			s.tick(ctx, symbol)
		}
	}
}

// tick runs one evaluation cycle: fetch data, resolve any unknown order,
// enforce protective exits, then consider new entries. Errors are logged and
// the cycle skipped; the loop itself never dies on a bad tick.
func (s *TradingService) tick(ctx context.Context, symbol string) {
	op := "tick"

	snapshot, err := s.exchange.GetSnapshot(ctx, symbol, s.cfg.Interval, s.historyDepth())
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn(ctx, op+": failed to fetch market snapshot, skipping cycle", map[string]interface{}{
			"symbol": symbol,
			"error":  err.Error(),
		})
		return
	}
	price := snapshot.LastPrice

	// An unresolved order quarantines the symbol until the exchange answers.
	if !s.resolveUnknown(ctx, symbol) {
		return
	}

	// Protective exits run before signal evaluation on every tick, so stops
	// fire even when no strategy produces a signal.
	closeIntent, err := s.positions.CheckStops(ctx, symbol, price)
	if err != nil {
		s.logger.Error(ctx, err, op+": stop check failed", map[string]interface{}{"symbol": symbol})
		return
	}
	if closeIntent != nil {
		s.submit(ctx, *closeIntent)
		// A risk-driven close consumes the tick. Entry signals wait for the
		// next cycle against post-close state.
		return
	}

	signals := s.strategy.Evaluate(ctx, snapshot)
	if len(signals) == 0 {
		return
	}

	pos, err := s.positions.Get(symbol)
	if err != nil {
		s.logger.Error(ctx, err, op+": position lookup failed", map[string]interface{}{"symbol": symbol})
		return
	}
	inflightID, err := s.positions.InFlight(symbol)
	if err != nil {
		s.logger.Error(ctx, err, op+": in-flight lookup failed", map[string]interface{}{"symbol": symbol})
		return
	}

	for _, signal := range signals {
		if signal.Direction == domain.Flat {
			continue
		}
		intent, rejection := s.riskMgr.Check(ctx, signal, price, pos, s.account.Snapshot(), inflightID != "", s.tradesTodayFor(symbol))
		if rejection != nil {
			s.logger.Info(ctx, op+": signal rejected", map[string]interface{}{
				"symbol":     symbol,
				"strategy":   signal.Strategy,
				"direction":  signal.Direction,
				"confidence": signal.Confidence,
				"reason":     rejection.Reason,
				"detail":     rejection.Detail,
			})
			s.notifier.Notify(ctx, domain.NewEvent(domain.EventRiskRejected, symbol, "signal rejected", map[string]interface{}{
				"strategy": signal.Strategy,
				"reason":   rejection.Reason,
				"detail":   rejection.Detail,
			}))
			continue
		}
		s.applyTrailingDistance(ctx, intent, snapshot)
		s.submit(ctx, *intent)
		// One accepted intent per tick per symbol.
		return
	}
}

// submissionBudget bounds one full submission: every retry round trip with its
// backoff, then the fill wait.
func (s *TradingService) submissionBudget() time.Duration {
	attempts := time.Duration(s.cfg.OrderMaxAttempts)
	if attempts <= 0 {
		attempts = 1
	}
	return s.cfg.OrderTimeout + attempts*(s.cfg.CallTimeout+s.cfg.OrderMaxDelay) + 10*time.Second
}

// historyDepth is the kline window a tick needs: whatever the strategies
// require, widened for the trailing ATR when configured.
func (s *TradingService) historyDepth() int {
	depth := s.strategy.RequiredDataPoints()
	if s.atrTrailing != nil && s.atrTrailing.RequiredDataPoints() > depth {
		depth = s.atrTrailing.RequiredDataPoints()
	}
	return depth
}

// applyTrailingDistance replaces the percent trailing distance with a
// volatility-scaled one when ATR trailing is configured. ATR failure keeps the
// percent distance; a missing trailing distance is never grounds to skip an
// approved entry.
func (s *TradingService) applyTrailingDistance(ctx context.Context, intent *domain.OrderIntent, snapshot *domain.MarketSnapshot) {
	if s.atrTrailing == nil || intent.Reduce {
		return
	}
	value, err := s.atrTrailing.Calculate(ctx, snapshot.Klines)
	if err != nil {
		s.logger.Debug(ctx, "ATR unavailable, keeping percent trailing distance", map[string]interface{}{
			"symbol": intent.Symbol,
			"error":  err.Error(),
		})
		return
	}
	if value > 0 {
		intent.TrailingStop = s.cfg.TrailingATRMultiple * value
	}
}

// resolveUnknown reconciles a symbol's unresolved order, if any. Returns true
// when the symbol is clear to proceed.
func (s *TradingService) resolveUnknown(ctx context.Context, symbol string) bool {
	inflightID, err := s.positions.InFlight(symbol)
	if err != nil || inflightID == "" {
		return err == nil
	}
	order, err := s.orderRepo.FindByClientID(ctx, inflightID)
	if err != nil {
		s.logger.Error(ctx, err, "failed to load in-flight order", map[string]interface{}{"symbol": symbol})
		return false
	}
	if order == nil {
		// In-flight marker without a journaled order. Clearing it is safe: no
		// order reached the submission path.
		s.logger.Warn(ctx, "clearing in-flight marker with no journaled order", map[string]interface{}{"symbol": symbol})
		s.positions.ClearInFlight(symbol)
		return true
	}
	if order.Status != domain.OrderUnknown {
		return false
	}
	if err := s.executor.Reconcile(ctx, order); err != nil {
		s.logger.Warn(ctx, "reconciliation incomplete, symbol stays quarantined", map[string]interface{}{
			"symbol":        symbol,
			"clientOrderID": inflightID,
			"error":         err.Error(),
		})
		return false
	}
	return true
}

// submit hands an intent to the execution engine and updates counters. The
// submission runs on its own deadline, detached from loop cancellation:
// cancelling a round trip cannot un-send it, so once handed over it always
// runs to a terminal or UNKNOWN state.
func (s *TradingService) submit(ctx context.Context, intent domain.OrderIntent) {
	op := "submit"
	subCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.submissionBudget())
	defer cancel()
	order, err := s.executor.Submit(subCtx, intent)
	if err != nil {
		if errors.Is(err, ports.ErrSubmissionIndeterminate) {
			s.logger.Warn(ctx, op+": order outcome indeterminate", map[string]interface{}{
				"symbol":        intent.Symbol,
				"clientOrderID": intent.ClientOrderID,
			})
			return
		}
		s.logger.Error(ctx, err, op+": order submission failed", map[string]interface{}{
			"symbol":        intent.Symbol,
			"clientOrderID": intent.ClientOrderID,
		})
		return
	}
	if order.Status == domain.OrderFilled && !intent.Reduce {
		s.incrementTradesToday(intent.Symbol)
	}
}

// runReportLoop emits periodic status summaries through the notifier.
func (s *TradingService) runReportLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.notifier.Notify(ctx, domain.NewEvent(domain.EventStatusReport, "", "status report", s.Status(ctx)))
		}
	}
}

// Status summarizes engine state for reports and the operator API.
func (s *TradingService) Status(ctx context.Context) map[string]interface{} {
	acct := s.account.Snapshot()
	open := 0
	for _, pos := range s.positions.All() {
		if pos.IsOpen() {
			open++
		}
	}
	realized, err := s.posRepo.TotalRealizedPnL(ctx)
	if err != nil {
		s.logger.Warn(ctx, "failed to compute realized pnl for status", map[string]interface{}{"error": err.Error()})
	}
	s.mu.Lock()
	trades := make(map[string]int, len(s.tradesToday))
	for sym, n := range s.tradesToday {
		trades[sym] = n
	}
	startedAt := s.startedAt
	s.mu.Unlock()

	return map[string]interface{}{
		"startedAt":     startedAt,
		"uptime":        time.Since(startedAt).Round(time.Second).String(),
		"balance":       acct.Balance,
		"totalExposure": acct.TotalExposure,
		"reserved":      acct.Reserved,
		"openPositions": open,
		"realizedPnL":   realized,
		"tradesToday":   trades,
		"strategies":    s.strategy.Names(),
	}
}

func (s *TradingService) tradesTodayFor(symbol string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollDayLocked()
	return s.tradesToday[symbol]
}

func (s *TradingService) incrementTradesToday(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollDayLocked()
	s.tradesToday[symbol]++
}

// rollDayLocked resets daily counters when the UTC day changes.
func (s *TradingService) rollDayLocked() {
	anchor := startOfDayUTC(time.Now().UTC())
	if anchor.After(s.dayAnchor) {
		s.dayAnchor = anchor
		for sym := range s.tradesToday {
			s.tradesToday[sym] = 0
		}
	}
}

func startOfDayUTC(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
