package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"kestrel/internal/broker"
	"kestrel/internal/domain"
	"kestrel/internal/marketdata"
	"kestrel/internal/store"
	"kestrel/internal/strategy"
)

// EngineState is the orchestrator's coarse lifecycle phase.
type EngineState string

const (
	EngineInitializing EngineState = "initializing"
	EngineReconciling  EngineState = "reconciling"
	EngineWarmingUp    EngineState = "warming_up"
	EngineRunning      EngineState = "running"
	EngineShuttingDown EngineState = "shutting_down"
	EngineStopped      EngineState = "stopped"
)

// OrchestratorConfig holds the orchestrator's tunables.
type OrchestratorConfig struct {
	Symbols          []string
	WarmupBars       int
	EODBufferMinutes int
	AllowLive        bool
	ShutdownDrain    time.Duration
	Supervisor       SupervisorConfig
}

// Orchestrator wires the engine together and runs the trading session: the
// safety gate, reconciliation, strategy warm-up, and the supervised consumer
// tasks.
type Orchestrator struct {
	log        *slog.Logger
	broker     broker.Broker
	provider   marketdata.Provider
	mgr        *Manager
	gate       *RiskGate
	reconciler *Reconciler
	strat      strategy.Strategy
	journal    *store.BarJournal
	metrics    *Metrics
	cfg        OrchestratorConfig

	symbols map[string]bool

	stateMu sync.Mutex
	state   EngineState

	shutdownOnce sync.Once
}

// NewOrchestrator creates an Orchestrator over already-constructed parts.
func NewOrchestrator(log *slog.Logger, b broker.Broker, provider marketdata.Provider,
	mgr *Manager, gate *RiskGate, reconciler *Reconciler, strat strategy.Strategy,
	journal *store.BarJournal, metrics *Metrics, cfg OrchestratorConfig) *Orchestrator {
	symbols := make(map[string]bool, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		symbols[s] = true
	}
	return &Orchestrator{
		log:        log.With("component", "orchestrator"),
		broker:     b,
		provider:   provider,
		mgr:        mgr,
		gate:       gate,
		reconciler: reconciler,
		strat:      strat,
		journal:    journal,
		metrics:    metrics,
		cfg:        cfg,
		symbols:    symbols,
		state:      EngineInitializing,
	}
}

// State returns the current engine phase.
func (o *Orchestrator) State() EngineState {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s EngineState) {
	o.stateMu.Lock()
	o.state = s
	o.stateMu.Unlock()
	o.log.Info("engine state", "state", s)
}

// Run executes the full session: gate, reconcile, warm up, then the three
// supervised tasks until ctx is cancelled or a task escalates. Shutdown runs
// before Run returns, whatever the exit path.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer o.Shutdown()

	o.setState(EngineInitializing)
	if !o.broker.IsPaper() && !o.cfg.AllowLive {
		return fmt.Errorf("engine: broker %s reports a live-money account and allow_live is not set", o.broker.Name())
	}
	if !o.broker.IsPaper() {
		o.log.Warn("trading against a LIVE account", "broker", o.broker.Name())
	}

	o.setState(EngineReconciling)
	if err := o.reconciler.Run(ctx); err != nil {
		return fmt.Errorf("startup reconciliation: %w", err)
	}
	if err := o.mgr.RebuildCaches(ctx); err != nil {
		return fmt.Errorf("rebuilding caches: %w", err)
	}

	o.setState(EngineWarmingUp)
	if err := o.warmUp(ctx); err != nil {
		return fmt.Errorf("strategy warm-up: %w", err)
	}

	runCtx, cancelTasks := context.WithCancel(ctx)
	defer cancelTasks()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return Supervise(gctx, o.log, o.metrics, o.cfg.Supervisor, "order-events", o.consumeOrderEvents)
	})
	g.Go(func() error {
		return Supervise(gctx, o.log, o.metrics, o.cfg.Supervisor, "market-data", o.consumeBars)
	})
	g.Go(func() error {
		return Supervise(gctx, o.log, o.metrics, o.cfg.Supervisor, "eod-timer", o.runEODTimer)
	})

	// A fill landing between reconciliation and stream subscription would be
	// invisible. With the event stream now connecting, one more sweep closes
	// the window before the engine starts acting on bars. A failed sweep must
	// also take the tasks down with it.
	if err := o.reconciler.Run(ctx); err != nil {
		cancelTasks()
		_ = g.Wait()
		return fmt.Errorf("post-subscription consistency sweep: %w", err)
	}
	if err := o.mgr.RebuildCaches(ctx); err != nil {
		cancelTasks()
		_ = g.Wait()
		return fmt.Errorf("rebuilding caches after sweep: %w", err)
	}

	o.setState(EngineRunning)
	err := g.Wait()
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("engine task failed: %w", err)
	}
	return nil
}

// warmUp replays historical bars through the strategy so its indicators are
// primed before the first live bar. Advice during warm-up is discarded.
func (o *Orchestrator) warmUp(ctx context.Context) error {
	for _, symbol := range o.cfg.Symbols {
		bars, err := o.provider.GetHistoricalBars(ctx, symbol, o.cfg.WarmupBars)
		if err != nil {
			return fmt.Errorf("loading warm-up bars for %s: %w", symbol, err)
		}
		for _, bar := range bars {
			if _, err := o.strat.OnBar(ctx, bar, o.mgr.Position(symbol), o.mgr.HasPendingEntry(symbol)); err != nil {
				return fmt.Errorf("warm-up bar for %s: %w", symbol, err)
			}
		}
		o.log.Info("strategy warmed up", "symbol", symbol, "bars", len(bars))
	}
	return nil
}

// ---------------------------------------------------------------------------
// Supervised tasks
// ---------------------------------------------------------------------------

func (o *Orchestrator) consumeOrderEvents(ctx context.Context) error {
	return o.broker.StreamOrderUpdates(ctx, func(u broker.OrderUpdate) {
		if err := o.mgr.HandleVenueEvent(ctx, u); err != nil {
			o.log.Error("handling venue event", "event", u.Event, "venue_id", u.Order.ID, "err", err)
		}
	})
}

func (o *Orchestrator) consumeBars(ctx context.Context) error {
	return o.provider.SubscribeBars(ctx, o.cfg.Symbols, func(bar domain.Bar) {
		o.handleBar(ctx, bar)
	})
}

// handleBar is one unit of strategy work: validate, journal, expire, advise,
// act.
func (o *Orchestrator) handleBar(ctx context.Context, bar domain.Bar) {
	if !o.validBar(bar) {
		return
	}
	o.journal.Append(bar)
	o.mgr.OnCandle(ctx, bar.Symbol)

	if o.State() != EngineRunning {
		return
	}

	pos := o.mgr.Position(bar.Symbol)
	pending := o.mgr.HasPendingEntry(bar.Symbol)
	advice, err := o.strat.OnBar(ctx, bar, pos, pending)
	if err != nil {
		o.log.Error("strategy error", "symbol", bar.Symbol, "err", err)
		return
	}
	o.applyAdvice(ctx, bar.Symbol, pos, advice)
}

func (o *Orchestrator) applyAdvice(ctx context.Context, symbol string, pos *domain.Position, advice strategy.Advice) {
	if advice.Exit && pos != nil {
		if err := o.mgr.RequestExit(ctx, symbol); err != nil {
			o.log.Error("requesting exit", "symbol", symbol, "err", err)
		}
		return
	}

	if advice.CancelPending {
		if localID, ok := o.mgr.PendingEntryID(symbol); ok {
			if err := o.mgr.CancelPendingEntry(ctx, localID); err != nil {
				o.log.Error("canceling pending entry", "symbol", symbol, "err", err)
			}
		}
	}

	if advice.MoveStopTo != nil && pos != nil {
		if err := o.mgr.AdjustStop(ctx, symbol, *advice.MoveStopTo); err != nil {
			o.log.Error("adjusting stop", "symbol", symbol, "err", err)
		}
	}

	if advice.Enter != nil && pos == nil {
		o.tryEnter(ctx, *advice.Enter)
	}
}

func (o *Orchestrator) tryEnter(ctx context.Context, sig strategy.EntrySignal) {
	acct, err := o.broker.GetAccount(ctx)
	if err != nil {
		o.log.Error("loading account for entry approval", "symbol", sig.Symbol, "err", err)
		return
	}

	approval, err := o.gate.Approve(sig, acct)
	if err != nil {
		o.log.Info("entry not approved", "symbol", sig.Symbol, "err", err)
		return
	}
	o.metrics.OpenPositions.Set(float64(o.gate.OpenSlots()))

	if _, err := o.mgr.SubmitEntry(ctx, sig, approval); err != nil {
		o.log.Error("submitting entry", "symbol", sig.Symbol, "err", err)
	}
}

func (o *Orchestrator) validBar(bar domain.Bar) bool {
	if !o.symbols[bar.Symbol] {
		o.log.Warn("bar for unsubscribed symbol", "symbol", bar.Symbol)
		return false
	}
	if bar.High < bar.Low || bar.Open <= 0 || bar.Close <= 0 || bar.Low <= 0 {
		o.log.Warn("malformed bar dropped", "symbol", bar.Symbol,
			"open", bar.Open, "high", bar.High, "low", bar.Low, "close", bar.Close)
		return false
	}
	return true
}

// runEODTimer flattens everything a configured buffer before the close and
// resets the circuit breaker at the next open.
func (o *Orchestrator) runEODTimer(ctx context.Context) error {
	buffer := time.Duration(o.cfg.EODBufferMinutes) * time.Minute

	for {
		clock, err := o.broker.GetClock(ctx)
		if err != nil {
			return fmt.Errorf("reading venue clock: %w", err)
		}

		closeAt := clock.NextClose.Add(-buffer)
		if wait := time.Until(closeAt); wait > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}

		o.flattenForClose(ctx)

		clock, err = o.broker.GetClock(ctx)
		if err != nil {
			return fmt.Errorf("reading venue clock: %w", err)
		}
		if wait := time.Until(clock.NextOpen); wait > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}

		acct, err := o.broker.GetAccount(ctx)
		if err != nil {
			return fmt.Errorf("reading account at open: %w", err)
		}
		o.gate.breaker.ResetDaily(acct.Equity)
		o.metrics.RealizedPnL.Set(0)
		o.metrics.BreakerTripped.Set(0)
		o.log.Info("new session", "equity", acct.Equity.String())
	}
}

// flattenForClose withdraws resting entries and closes every open position
// ahead of the session close.
func (o *Orchestrator) flattenForClose(ctx context.Context) {
	o.log.Info("end of day approaching, flattening")
	o.mgr.CancelAllPending(ctx)
	for _, symbol := range o.mgr.OpenPositionSymbols() {
		if err := o.mgr.RequestExit(ctx, symbol); err != nil {
			o.log.Error("end-of-day exit", "symbol", symbol, "err", err)
		}
	}
	if err := o.journal.Flush(); err != nil {
		o.log.Error("flushing bar journal", "err", err)
	}
}

// ---------------------------------------------------------------------------
// Shutdown
// ---------------------------------------------------------------------------

// Shutdown drains the engine: resting entries are withdrawn, in-flight fills
// get a bounded window to land, and every remaining position is verified to
// have a working stop at the venue before disconnect. Idempotent; safe to
// call from any exit path. Uses its own context because the run context is
// usually already cancelled by the time shutdown starts.
func (o *Orchestrator) Shutdown() {
	o.shutdownOnce.Do(func() {
		o.setState(EngineShuttingDown)
		ctx, cancel := context.WithTimeout(context.Background(), o.cfg.ShutdownDrain+30*time.Second)
		defer cancel()

		o.mgr.CancelAllPending(ctx)

		if o.cfg.ShutdownDrain > 0 {
			time.Sleep(o.cfg.ShutdownDrain)
		}

		o.verifyProtection(ctx)

		if err := o.journal.Close(); err != nil {
			o.log.Error("closing bar journal", "err", err)
		}
		o.setState(EngineStopped)
	})
}

// verifyProtection checks, against fresh venue snapshots, that every open
// position still has a working stop order. Positions left unprotected are
// logged loudly; at this point placing orders is no longer safe.
func (o *Orchestrator) verifyProtection(ctx context.Context) {
	positions, err := o.broker.GetPositions(ctx)
	if err != nil {
		o.log.Error("shutdown verification: loading positions", "err", err)
		return
	}
	if len(positions) == 0 {
		return
	}
	open, err := o.broker.ListOrders(ctx, broker.ListOrdersRequest{Status: "open"})
	if err != nil {
		o.log.Error("shutdown verification: loading open orders", "err", err)
		return
	}

	protected := make(map[string]bool)
	for _, vo := range open {
		if vo.Side == domain.SideSell && vo.Type == broker.OrderTypeStop && !terminalVenueOrder(vo.Status) {
			protected[vo.Symbol] = true
		}
	}
	for _, pos := range positions {
		if !protected[pos.Symbol] {
			o.log.Error("POSITION LEFT WITHOUT A STOP AT SHUTDOWN",
				"symbol", pos.Symbol, "qty", pos.Qty.String())
		} else {
			o.log.Info("position protected through shutdown", "symbol", pos.Symbol)
		}
	}
}

func terminalVenueOrder(status string) bool {
	switch status {
	case "filled", "canceled", "expired", "rejected", "done_for_day":
		return true
	}
	return false
}
