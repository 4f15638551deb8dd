package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kestrel/internal/broker"
	"kestrel/internal/domain"
	"kestrel/internal/util"
)

func (e *testEnv) reconciler() *Reconciler {
	log := util.NewLogger("error", "text")
	return NewReconciler(log, e.sim, e.store, e.store, e.mgr, e.gate.breaker, e.mgr.metrics, 0.05)
}

// seedOrder inserts a local record directly, as a crashed process would have
// left it.
func (e *testEnv) seedOrder(t *testing.T, rec *domain.OrderRecord) {
	t.Helper()
	now := time.Now()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	if rec.Version == 0 {
		rec.Version = 1
	}
	ev := newEvent(rec.LocalID, "", rec.State, decimal.Zero, decimal.Zero, "seed")
	require.NoError(t, e.store.CreateOrder(context.Background(), rec, ev))
}

func TestReconcileCrashBeforeSubmission(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	localID := uuid.NewString()
	e.seedOrder(t, &domain.OrderRecord{
		LocalID:       localID,
		CorrelationID: uuid.NewString(),
		Symbol:        "AAPL",
		Side:          domain.SideBuy,
		Role:          domain.RoleEntry,
		Qty:           d("100"),
		State:         domain.StatePendingSubmit,
	})

	require.NoError(t, e.reconciler().Run(ctx))

	rec, err := e.store.GetOrder(ctx, localID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateSubmitFailed, rec.State,
		"a pending order the venue never saw died before submission")
}

func TestReconcileVenueFilledWhileDown(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	localID := uuid.NewString()
	corrID := uuid.NewString()
	venueID := uuid.NewString()
	fillPrice := d("100")
	e.seedOrder(t, &domain.OrderRecord{
		LocalID:       localID,
		VenueID:       venueID,
		CorrelationID: corrID,
		Symbol:        "AAPL",
		Side:          domain.SideBuy,
		Role:          domain.RoleEntry,
		Qty:           d("100"),
		State:         domain.StateSubmitted,
	})
	e.sim.InjectOrder(broker.Order{
		ID:             venueID,
		ClientOrderID:  localID,
		Symbol:         "AAPL",
		Side:           domain.SideBuy,
		Type:           broker.OrderTypeLimit,
		Qty:            d("100"),
		FilledQty:      d("100"),
		FilledAvgPrice: &fillPrice,
		Status:         "filled",
		CreatedAt:      time.Now().Add(-time.Hour),
	})
	e.sim.SetPosition(domain.Position{
		Symbol:        "AAPL",
		Qty:           d("100"),
		Side:          domain.SideBuy,
		AvgEntryPrice: fillPrice,
		UpdatedAt:     time.Now(),
	})

	require.NoError(t, e.reconciler().Run(ctx))

	rec, err := e.store.GetOrder(ctx, localID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateFilled, rec.State)
	assert.True(t, rec.FilledQty.Equal(d("100")))
	assert.True(t, rec.AvgFillPrice.Equal(fillPrice))

	// The fill happened while nobody was watching; the position must come
	// out of reconciliation protected.
	var stops int
	for _, o := range e.sim.OrdersBySymbol("AAPL") {
		if o.Type == broker.OrderTypeStop {
			stops++
			require.NotNil(t, o.StopPrice)
			assert.True(t, o.StopPrice.Equal(d("95")), "emergency stop at fill*(1-5%%), got %s", o.StopPrice)
		}
	}
	assert.Equal(t, 1, stops)
}

func TestReconcileCancelsOrphanVenueOrders(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	venueID := uuid.NewString()
	e.sim.InjectOrder(broker.Order{
		ID:            venueID,
		ClientOrderID: "manually-placed",
		Symbol:        "TSLA",
		Side:          domain.SideBuy,
		Type:          broker.OrderTypeLimit,
		Qty:           d("10"),
		Status:        "new",
		CreatedAt:     time.Now(),
	})

	require.NoError(t, e.reconciler().Run(ctx))

	o, ok := e.sim.OpenOrder(venueID)
	require.True(t, ok)
	assert.Equal(t, "pending_cancel", o.Status, "venue orders with no local record must be withdrawn")
}

func TestReconcileSyntheticRecordIsIdempotent(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	e.sim.SetPosition(domain.Position{
		Symbol:        "NVDA",
		Qty:           d("50"),
		Side:          domain.SideBuy,
		AvgEntryPrice: d("200"),
		UpdatedAt:     time.Now(),
	})

	r := e.reconciler()
	require.NoError(t, r.Run(ctx))
	require.NoError(t, r.Run(ctx), "rerunning reconciliation must be safe")

	syntheticID := fmt.Sprintf("recon-NVDA-%s", util.CompactTradingDate(time.Now()))
	rec, err := e.store.GetOrder(ctx, syntheticID)
	require.NoError(t, err, "synthetic record must use the deterministic ID")
	assert.Equal(t, domain.StateFilled, rec.State)
	assert.True(t, rec.Qty.Equal(d("50")))
	assert.True(t, rec.AvgFillPrice.Equal(d("200")))

	var stops int
	for _, o := range e.sim.OrdersBySymbol("NVDA") {
		if o.Type == broker.OrderTypeStop {
			stops++
		}
	}
	assert.Equal(t, 1, stops, "second run must not stack a second stop")

	recs, err := e.store.ListOrdersBySymbol(ctx, "NVDA")
	require.NoError(t, err)
	var entries int
	for _, rec := range recs {
		if rec.Role == domain.RoleEntry {
			entries++
		}
	}
	assert.Equal(t, 1, entries, "second run must not duplicate the synthetic entry")
}

func TestReconcileUnknownVenueStatusIsFatal(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	localID := uuid.NewString()
	venueID := uuid.NewString()
	e.seedOrder(t, &domain.OrderRecord{
		LocalID:       localID,
		VenueID:       venueID,
		CorrelationID: uuid.NewString(),
		Symbol:        "AAPL",
		Side:          domain.SideBuy,
		Role:          domain.RoleEntry,
		Qty:           d("10"),
		State:         domain.StateSubmitted,
	})
	e.sim.InjectOrder(broker.Order{
		ID:            venueID,
		ClientOrderID: localID,
		Symbol:        "AAPL",
		Side:          domain.SideBuy,
		Qty:           d("10"),
		Status:        "held_for_review",
		CreatedAt:     time.Now(),
	})

	err := e.reconciler().Run(ctx)
	require.Error(t, err, "an unmapped venue status must abort startup")
	assert.Contains(t, err.Error(), "held_for_review")
}

func TestReconcileRejectsCorruptPosition(t *testing.T) {
	e := newTestEnv(t)
	e.sim.SetPosition(domain.Position{
		Symbol:        "AAPL",
		Qty:           d("10"),
		Side:          domain.SideBuy,
		AvgEntryPrice: d("-5"),
		UpdatedAt:     time.Now(),
	})

	err := e.reconciler().Run(context.Background())
	require.Error(t, err, "implausible venue data must abort startup")
}

func TestReconcileRecordsTradeForStopFilledWhileDown(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	rec := e.submitEntry(t, "AAPL")
	require.NoError(t, e.mgr.HandleVenueEvent(ctx, fillEvent(rec, d("50"))))
	stop := e.stopRecord(t, "AAPL")

	// The stop fills at the venue with nobody listening.
	require.NoError(t, e.sim.PushFill(stop.VenueID, d("48")))

	require.NoError(t, e.reconciler().Run(ctx))

	updated, err := e.store.GetOrder(ctx, stop.LocalID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateFilled, updated.State)

	trades, err := e.store.ListTradesSince(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, trades, 1, "the offline close must produce a trade")
	wantPnL := d("48").Sub(d("50")).Mul(rec.Qty)
	assert.True(t, trades[0].PnL.Equal(wantPnL), "pnl = %s, want %s", trades[0].PnL, wantPnL)
	assert.True(t, e.gate.breaker.DailyPnL().Equal(wantPnL),
		"breaker replay must count the loss realized while down")
}

func TestReconcileRebuildsBreakerFromTrades(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, e.store.SaveTrade(ctx, &domain.TradeRecord{
			CorrelationID: uuid.NewString(),
			Symbol:        "AAPL",
			Qty:           d("10"),
			EntryPrice:    d("100"),
			ExitPrice:     d("99"),
			PnL:           d("-10"),
			OpenedAt:      time.Now().Add(-time.Hour),
			ClosedAt:      time.Now(),
		}))
	}

	require.NoError(t, e.reconciler().Run(ctx))

	ok, reason := e.gate.breaker.CanTrade()
	assert.False(t, ok, "three losses today must restore a tripped breaker")
	assert.Contains(t, reason, "consecutive")
	assert.True(t, e.gate.breaker.DailyPnL().Equal(d("-30")))
}
