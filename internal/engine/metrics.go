package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus instruments. Construct with a
// dedicated registry in tests to avoid cross-test collisions.
type Metrics struct {
	OrdersSubmitted    *prometheus.CounterVec
	Fills              *prometheus.CounterVec
	TradesClosed       prometheus.Counter
	RealizedPnL        prometheus.Gauge
	BreakerTripped     prometheus.Gauge
	OpenPositions      prometheus.Gauge
	ReconcileOrphans   prometheus.Counter
	ReconcileSynthetic prometheus.Counter
	TaskRestarts       *prometheus.CounterVec
}

// NewMetrics registers the engine instruments on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		OrdersSubmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kestrel_orders_submitted_total",
			Help: "Orders submitted to the venue, by role and result.",
		}, []string{"role", "result"}),
		Fills: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kestrel_fills_total",
			Help: "Order fills received from the venue, by role.",
		}, []string{"role"}),
		TradesClosed: factory.NewCounter(prometheus.CounterOpts{
			Name: "kestrel_trades_closed_total",
			Help: "Completed round-trip trades.",
		}),
		RealizedPnL: factory.NewGauge(prometheus.GaugeOpts{
			Name: "kestrel_realized_pnl",
			Help: "Realized P&L since the last daily reset.",
		}),
		BreakerTripped: factory.NewGauge(prometheus.GaugeOpts{
			Name: "kestrel_breaker_tripped",
			Help: "1 when the circuit breaker is blocking new entries.",
		}),
		OpenPositions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "kestrel_open_positions",
			Help: "Symbols currently holding an open or pending position slot.",
		}),
		ReconcileOrphans: factory.NewCounter(prometheus.CounterOpts{
			Name: "kestrel_reconcile_orphan_orders_total",
			Help: "Venue orders canceled by reconciliation for lacking a local record.",
		}),
		ReconcileSynthetic: factory.NewCounter(prometheus.CounterOpts{
			Name: "kestrel_reconcile_synthetic_records_total",
			Help: "Synthetic order records created by reconciliation for unexplained positions.",
		}),
		TaskRestarts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kestrel_task_restarts_total",
			Help: "Supervised task restarts, by task name.",
		}, []string{"task"}),
	}
}
