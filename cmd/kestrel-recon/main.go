// kestrel-recon runs the startup reconciliation once and exits. Useful after
// a crash or manual intervention to align local records with the venue
// without starting the trading loop.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"kestrel/internal/broker"
	"kestrel/internal/config"
	"kestrel/internal/domain"
	"kestrel/internal/engine"
	"kestrel/internal/store"
	"kestrel/internal/strategy"
	"kestrel/internal/util"
)

// noopStrategy satisfies the manager's strategy dependency; reconciliation
// never generates signals.
type noopStrategy struct{}

func (noopStrategy) Name() string    { return "noop" }
func (noopStrategy) WarmupBars() int { return 0 }
func (noopStrategy) OnBar(context.Context, domain.Bar, *domain.Position, bool) (strategy.Advice, error) {
	return strategy.Advice{}, nil
}
func (noopStrategy) OnPositionClosed(context.Context, domain.TradeRecord) {}

func main() {
	cfgPath := "config/kestrel.yaml"
	if p := os.Getenv("KESTREL_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	st, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatalf("failed to open order store: %v", err)
	}
	defer st.Close()

	b := broker.NewAlpacaBroker(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.BaseURL)
	if !b.IsPaper() && !cfg.Trading.AllowLive {
		log.Fatalf("refusing to reconcile a live-money account without allow_live")
	}

	metrics := engine.NewMetrics(prometheus.NewRegistry())
	breaker := engine.NewCircuitBreaker(cfg.Trading.MaxDailyLossPct, cfg.Trading.MaxConsecutiveLosses)
	sizer := &engine.PositionSizer{RiskPerTradePct: cfg.Trading.RiskPerTradePct}
	gate := engine.NewRiskGate(sizer, breaker, cfg.Trading.MaxOpenPositions, logger)

	// The manager exists only so emergency stops get the normal placement
	// discipline; no strategy runs here.
	mgr := engine.NewManager(logger, b, st, st, gate, noopStrategy{}, metrics, engine.ManagerConfig{
		EntryExpiryCandles: cfg.Trading.EntryExpiryCandles,
		CancelConfirmWait:  time.Duration(cfg.Trading.CancelConfirmSecs) * time.Second,
		EmergencyStopPct:   cfg.Trading.EmergencyStopPct,
	})
	reconciler := engine.NewReconciler(logger, b, st, st, mgr, breaker, metrics, cfg.Trading.EmergencyStopPct)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("kestrel-recon starting", "paper", b.IsPaper())
	if err := reconciler.Run(ctx); err != nil {
		log.Fatalf("reconciliation failed: %v", err)
	}
	logger.Info("reconciliation complete")
}
