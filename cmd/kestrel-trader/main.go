package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"kestrel/internal/broker"
	"kestrel/internal/config"
	"kestrel/internal/engine"
	"kestrel/internal/marketdata"
	"kestrel/internal/store"
	"kestrel/internal/strategy"
	"kestrel/internal/strategy/builtins"
	"kestrel/internal/util"
)

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
	journal := store.NewBarJournal(cfg.Storage.BarJournalDir)

	b := broker.NewAlpacaBroker(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.BaseURL)
	provider := marketdata.NewAlpacaProvider(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.DataURL, cfg.Alpaca.Feed)

	registry := strategy.NewRegistry()
	registry.Register(builtins.NewSMACross(9, 21, 14, 2.0))
	strat, ok := registry.Get(cfg.Trading.Strategy)
	if !ok {
		log.Fatalf("unknown strategy %q (available: %v)", cfg.Trading.Strategy, registry.List())
	}

	promReg := prometheus.NewRegistry()
	metrics := engine.NewMetrics(promReg)
	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(cfg.Metrics.Addr, mux); err != nil {
				logger.Error("metrics listener", "err", err)
			}
		}()
	}

	breaker := engine.NewCircuitBreaker(cfg.Trading.MaxDailyLossPct, cfg.Trading.MaxConsecutiveLosses)
	sizer := &engine.PositionSizer{RiskPerTradePct: cfg.Trading.RiskPerTradePct}
	gate := engine.NewRiskGate(sizer, breaker, cfg.Trading.MaxOpenPositions, logger)

	mgr := engine.NewManager(logger, b, st, st, gate, strat, metrics, engine.ManagerConfig{
		EntryExpiryCandles: cfg.Trading.EntryExpiryCandles,
		CancelConfirmWait:  time.Duration(cfg.Trading.CancelConfirmSecs) * time.Second,
		EmergencyStopPct:   cfg.Trading.EmergencyStopPct,
	})
	reconciler := engine.NewReconciler(logger, b, st, st, mgr, breaker, metrics, cfg.Trading.EmergencyStopPct)

	orch := engine.NewOrchestrator(logger, b, provider, mgr, gate, reconciler, strat, journal, metrics,
		engine.OrchestratorConfig{
			Symbols:          cfg.Trading.Symbols,
			WarmupBars:       cfg.Trading.WarmupBars,
			EODBufferMinutes: cfg.Trading.EODBufferMinutes,
			AllowLive:        cfg.Trading.AllowLive,
			ShutdownDrain:    time.Duration(cfg.Trading.ShutdownDrainSecs) * time.Second,
			Supervisor:       engine.DefaultSupervisorConfig,
		})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("kestrel-trader starting", "broker", b.Name(), "paper", b.IsPaper(),
		"symbols", cfg.Trading.Symbols, "strategy", strat.Name())
	if err := orch.Run(ctx); err != nil {
		log.Fatalf("engine error: %v", err)
	}
}
