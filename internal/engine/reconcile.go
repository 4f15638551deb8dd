package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"kestrel/internal/broker"
	"kestrel/internal/domain"
	"kestrel/internal/store"
	"kestrel/internal/util"
)

const (
	reconcileReadAttempts = 3
	reconcileReadBackoff  = time.Second
	recentOrderWindow     = 24 * time.Hour

	// maxSanePrice rejects venue position snapshots that are obviously
	// corrupt before any order is placed against them.
	maxSanePrice = 1_000_000
)

// venueStatusMap translates Alpaca order statuses into local lifecycle
// states. A status missing from this table aborts reconciliation: guessing
// what an unknown status means is how positions go unprotected.
var venueStatusMap = map[string]domain.OrderState{
	"pending_new":          domain.StateSubmitted,
	"new":                  domain.StateAccepted,
	"accepted":             domain.StateAccepted,
	"accepted_for_bidding": domain.StateAccepted,
	"pending_cancel":       domain.StateAccepted,
	"pending_replace":      domain.StateAccepted,
	"stopped":              domain.StateAccepted,
	"partially_filled":     domain.StatePartiallyFilled,
	"filled":               domain.StateFilled,
	"canceled":             domain.StateCanceled,
	"expired":              domain.StateExpired,
	"done_for_day":         domain.StateExpired,
	"rejected":             domain.StateRejected,
}

// Reconciler aligns local order and position state with venue truth after a
// start or restart. It runs exactly once, before any live subscription, and
// treats the venue as authoritative throughout.
type Reconciler struct {
	log     *slog.Logger
	broker  broker.Broker
	orders  store.OrderStore
	trades  store.TradeStore
	mgr     *Manager
	breaker *CircuitBreaker
	metrics *Metrics

	emergencyStopPct float64
}

// NewReconciler creates a Reconciler. Emergency stops placed for unprotected
// positions go through mgr so they get the same retry and market-fallback
// discipline as live stop placement.
func NewReconciler(log *slog.Logger, b broker.Broker, orders store.OrderStore, trades store.TradeStore,
	mgr *Manager, breaker *CircuitBreaker, metrics *Metrics, emergencyStopPct float64) *Reconciler {
	return &Reconciler{
		log:              log.With("component", "reconcile"),
		broker:           b,
		orders:           orders,
		trades:           trades,
		mgr:              mgr,
		breaker:          breaker,
		metrics:          metrics,
		emergencyStopPct: emergencyStopPct,
	}
}

// Run executes the three reconciliation phases: order state alignment,
// position protection, and circuit-breaker reconstruction. Any venue read
// that survives retries unanswered is fatal — starting blind is worse than
// not starting.
func (r *Reconciler) Run(ctx context.Context) error {
	ctx = WithReconciliation(ctx)
	started := time.Now()

	var (
		openVenue   []broker.Order
		recentVenue []broker.Order
		positions   []domain.Position
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.readVenue(gctx, "open orders", func() error {
			var err error
			openVenue, err = r.broker.ListOrders(gctx, broker.ListOrdersRequest{Status: "open"})
			return err
		})
	})
	g.Go(func() error {
		return r.readVenue(gctx, "recent orders", func() error {
			var err error
			recentVenue, err = r.broker.ListOrders(gctx, broker.ListOrdersRequest{
				Status: "closed",
				After:  time.Now().Add(-recentOrderWindow),
			})
			return err
		})
	})
	g.Go(func() error {
		return r.readVenue(gctx, "positions", func() error {
			var err error
			positions, err = r.broker.GetPositions(gctx)
			return err
		})
	})
	if err := g.Wait(); err != nil {
		return err
	}

	if err := r.reconcileOrders(ctx, openVenue, recentVenue); err != nil {
		return err
	}
	if err := r.reconcilePositions(ctx, positions); err != nil {
		return err
	}
	if err := r.reconstructBreaker(ctx); err != nil {
		return err
	}

	r.log.Info("reconciliation complete", "positions", len(positions),
		"open_venue_orders", len(openVenue), "took", time.Since(started).String())
	return nil
}

// readVenue wraps one venue read with the reconciliation retry policy.
func (r *Reconciler) readVenue(ctx context.Context, what string, fn func() error) error {
	err := util.RetryIf(ctx, reconcileReadAttempts, reconcileReadBackoff, broker.IsTransient, fn)
	if err != nil {
		return fmt.Errorf("reconciliation read of %s failed: %w", what, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Phase 1: order state alignment
// ---------------------------------------------------------------------------

func (r *Reconciler) reconcileOrders(ctx context.Context, openVenue, recentVenue []broker.Order) error {
	local, err := r.orders.ListOpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("loading local open orders: %w", err)
	}

	byVenueID := make(map[string]*broker.Order, len(openVenue)+len(recentVenue))
	for i := range openVenue {
		byVenueID[openVenue[i].ID] = &openVenue[i]
	}
	for i := range recentVenue {
		byVenueID[recentVenue[i].ID] = &recentVenue[i]
	}

	matched := make(map[string]bool, len(local))
	for i := range local {
		rec := &local[i]
		if err := r.alignOrder(ctx, rec, byVenueID); err != nil {
			return err
		}
		if rec.VenueID != "" {
			matched[rec.VenueID] = true
		}
	}

	// Open venue orders nobody local claims carry unexpected-fill risk.
	// Cancel them; anything that filled before the cancel lands surfaces as
	// a position in phase 2.
	for i := range openVenue {
		vo := &openVenue[i]
		if matched[vo.ID] {
			continue
		}
		if _, err := r.orders.GetOrderByVenueID(ctx, vo.ID); err == nil {
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("checking venue order %s: %w", vo.ID, err)
		}
		r.log.Warn("canceling orphan venue order", "venue_id", vo.ID,
			"symbol", vo.Symbol, "client_order_id", vo.ClientOrderID)
		if err := r.broker.CancelOrder(ctx, vo.ID); err != nil && !broker.IsNotFound(err) && !broker.IsValidation(err) {
			return fmt.Errorf("canceling orphan order %s: %w", vo.ID, err)
		}
		r.metrics.ReconcileOrphans.Inc()
	}
	return nil
}

// alignOrder brings one local non-terminal order in line with venue truth.
func (r *Reconciler) alignOrder(ctx context.Context, rec *domain.OrderRecord, byVenueID map[string]*broker.Order) error {
	var venueOrder *broker.Order

	if rec.VenueID == "" {
		// The crash may have hit between venue acceptance and persisting the
		// venue ID. The client order ID settles it.
		vo, err := r.lookupByClientID(ctx, rec.LocalID)
		switch {
		case err == nil:
			rec.VenueID = vo.ID
			venueOrder = vo
		case broker.IsNotFound(err):
			// Never reached the venue: the crash hit before submission.
			return r.forceState(ctx, rec, domain.StateSubmitFailed, nil, "no venue record; crash before submission")
		default:
			return fmt.Errorf("resolving order %s by client id: %w", rec.LocalID, err)
		}
	}

	if venueOrder == nil {
		venueOrder = byVenueID[rec.VenueID]
	}
	if venueOrder == nil {
		// Outside both snapshots (weekend gap); point lookup.
		vo, err := r.lookupByVenueID(ctx, rec.VenueID)
		switch {
		case err == nil:
			venueOrder = vo
		case broker.IsNotFound(err):
			r.log.Error("venue has no record of acknowledged order", "local_id", rec.LocalID, "venue_id", rec.VenueID)
			return r.forceState(ctx, rec, domain.StateCanceled, nil, "venue lost the order")
		default:
			return fmt.Errorf("point lookup of order %s: %w", rec.VenueID, err)
		}
	}

	target, known := venueStatusMap[venueOrder.Status]
	if !known {
		return fmt.Errorf("reconciliation: unknown venue status %q for order %s", venueOrder.Status, rec.LocalID)
	}
	if target == rec.State {
		return nil
	}
	return r.forceState(ctx, rec, target, venueOrder, "venue status "+venueOrder.Status)
}

func (r *Reconciler) lookupByClientID(ctx context.Context, clientOrderID string) (*broker.Order, error) {
	var vo *broker.Order
	err := util.RetryIf(ctx, reconcileReadAttempts, reconcileReadBackoff, broker.IsTransient, func() error {
		var err error
		vo, err = r.broker.GetOrderByClientID(ctx, clientOrderID)
		return err
	})
	return vo, err
}

func (r *Reconciler) lookupByVenueID(ctx context.Context, venueID string) (*broker.Order, error) {
	var vo *broker.Order
	err := util.RetryIf(ctx, reconcileReadAttempts, reconcileReadBackoff, broker.IsTransient, func() error {
		var err error
		vo, err = r.broker.GetOrder(ctx, venueID)
		return err
	})
	return vo, err
}

// forceState applies venue truth to a local record, persisting the forced
// transition with its audit event.
func (r *Reconciler) forceState(ctx context.Context, rec *domain.OrderRecord, to domain.OrderState,
	venueOrder *broker.Order, detail string) error {
	from := rec.State
	fillQty, fillPrice := decimal.Zero, decimal.Zero
	if venueOrder != nil {
		rec.FilledQty = venueOrder.FilledQty
		if venueOrder.FilledAvgPrice != nil {
			rec.AvgFillPrice = *venueOrder.FilledAvgPrice
			fillPrice = *venueOrder.FilledAvgPrice
		}
		fillQty = venueOrder.FilledQty
	}
	ForceTransition(ctx, rec, to)
	ev := newEvent(rec.LocalID, from, to, fillQty, fillPrice, "reconciliation: "+detail)
	if err := r.orders.UpdateOrder(ctx, rec, ev); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			// The event consumer advanced this order while the sweep ran;
			// its view of venue truth is fresher than ours.
			r.log.Info("order advanced concurrently, skipping", "local_id", rec.LocalID)
			return nil
		}
		return fmt.Errorf("persisting reconciled state of %s: %w", rec.LocalID, err)
	}
	r.log.Info("order state reconciled", "local_id", rec.LocalID, "from", from, "to", to, "detail", detail)

	// A stop or exit that filled while nobody was watching closed a round
	// trip. Record it now so the breaker replay in phase 3 sees the loss.
	if to == domain.StateFilled && rec.Role != domain.RoleEntry {
		return r.recordOfflineClose(ctx, rec)
	}
	return nil
}

// recordOfflineClose writes the trade for a closing order that filled while
// the process was down. forceState only fires on a state change, so a rerun
// never records the trade twice.
func (r *Reconciler) recordOfflineClose(ctx context.Context, rec *domain.OrderRecord) error {
	recs, err := r.orders.ListOrdersBySymbol(ctx, rec.Symbol)
	if err != nil {
		return fmt.Errorf("loading orders for %s: %w", rec.Symbol, err)
	}
	var entry *domain.OrderRecord
	for i := range recs {
		if recs[i].Role == domain.RoleEntry && recs[i].CorrelationID == rec.CorrelationID && recs[i].FilledQty.Sign() > 0 {
			entry = &recs[i]
			break
		}
	}
	if entry == nil {
		r.log.Warn("closing order filled offline with no matching entry, trade not recorded",
			"symbol", rec.Symbol, "local_id", rec.LocalID)
		return nil
	}

	trade := &domain.TradeRecord{
		CorrelationID: rec.CorrelationID,
		Symbol:        rec.Symbol,
		Qty:           rec.FilledQty,
		EntryPrice:    entry.AvgFillPrice,
		ExitPrice:     rec.AvgFillPrice,
		PnL:           rec.AvgFillPrice.Sub(entry.AvgFillPrice).Mul(rec.FilledQty),
		OpenedAt:      entry.UpdatedAt,
		ClosedAt:      time.Now(),
	}
	if err := r.trades.SaveTrade(ctx, trade); err != nil {
		return fmt.Errorf("recording offline close of %s: %w", rec.Symbol, err)
	}
	r.log.Info("recorded trade for offline close", "symbol", rec.Symbol,
		"qty", trade.Qty.String(), "pnl", trade.PnL.String())
	return nil
}

// ---------------------------------------------------------------------------
// Phase 2: position protection
// ---------------------------------------------------------------------------

func (r *Reconciler) reconcilePositions(ctx context.Context, positions []domain.Position) error {
	for i := range positions {
		pos := &positions[i]
		if err := validatePosition(pos); err != nil {
			return fmt.Errorf("reconciliation: %w", err)
		}

		corrID, err := r.ensureEntryRecord(ctx, pos)
		if err != nil {
			return err
		}
		if err := r.ensureStop(ctx, pos, corrID); err != nil {
			return err
		}
	}
	return nil
}

func validatePosition(pos *domain.Position) error {
	if pos.Qty.Sign() <= 0 {
		return fmt.Errorf("position %s has non-positive qty %s", pos.Symbol, pos.Qty)
	}
	if pos.AvgEntryPrice.Sign() <= 0 || pos.AvgEntryPrice.GreaterThan(decimal.NewFromInt(maxSanePrice)) {
		return fmt.Errorf("position %s has implausible entry price %s", pos.Symbol, pos.AvgEntryPrice)
	}
	return nil
}

// ensureEntryRecord returns the correlation ID of the filled entry that
// explains the position, creating a synthetic record when none exists. The
// synthetic ID is deterministic per symbol and trading date so rerunning
// reconciliation never duplicates it.
func (r *Reconciler) ensureEntryRecord(ctx context.Context, pos *domain.Position) (string, error) {
	recs, err := r.orders.ListOrdersBySymbol(ctx, pos.Symbol)
	if err != nil {
		return "", fmt.Errorf("loading orders for %s: %w", pos.Symbol, err)
	}
	for i := len(recs) - 1; i >= 0; i-- {
		rec := &recs[i]
		// Any entry with a fill explains a position, including one canceled
		// after partially filling.
		if rec.Role == domain.RoleEntry && rec.FilledQty.Sign() > 0 && !r.correlationClosed(recs, rec.CorrelationID) {
			return rec.CorrelationID, nil
		}
	}

	syntheticID := fmt.Sprintf("recon-%s-%s", pos.Symbol, util.CompactTradingDate(time.Now()))
	if existing, err := r.orders.GetOrder(ctx, syntheticID); err == nil {
		return existing.CorrelationID, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("checking synthetic record %s: %w", syntheticID, err)
	}

	now := time.Now()
	rec := &domain.OrderRecord{
		LocalID:       syntheticID,
		CorrelationID: syntheticID,
		Symbol:        pos.Symbol,
		Side:          domain.SideBuy,
		Role:          domain.RoleEntry,
		Qty:           pos.Qty,
		FilledQty:     pos.Qty,
		AvgFillPrice:  pos.AvgEntryPrice,
		State:         domain.StateFilled,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	ev := newEvent(syntheticID, "", domain.StateFilled, pos.Qty, pos.AvgEntryPrice,
		"synthetic record for venue position with no local entry")
	if err := r.orders.CreateOrder(ctx, rec, ev); err != nil {
		return "", fmt.Errorf("creating synthetic record %s: %w", syntheticID, err)
	}
	r.metrics.ReconcileSynthetic.Inc()
	r.log.Warn("created synthetic entry for unexplained position",
		"symbol", pos.Symbol, "local_id", syntheticID, "qty", pos.Qty.String())
	return syntheticID, nil
}

// correlationClosed reports whether a filled stop or exit already closed the
// given correlation.
func (r *Reconciler) correlationClosed(recs []domain.OrderRecord, corrID string) bool {
	for i := range recs {
		if recs[i].CorrelationID == corrID && recs[i].Role != domain.RoleEntry && recs[i].State == domain.StateFilled {
			return true
		}
	}
	return false
}

// ensureStop places an emergency protective stop when the position has none
// working. The distance is deliberately wide: protection first, optimality
// later.
func (r *Reconciler) ensureStop(ctx context.Context, pos *domain.Position, corrID string) error {
	recs, err := r.orders.ListOrdersBySymbol(ctx, pos.Symbol)
	if err != nil {
		return fmt.Errorf("loading orders for %s: %w", pos.Symbol, err)
	}
	for i := range recs {
		if recs[i].Role == domain.RoleStop && !recs[i].State.Terminal() {
			return nil
		}
	}

	stopPrice := pos.AvgEntryPrice.Mul(decimal.NewFromFloat(1 - r.emergencyStopPct))
	r.log.Warn("position has no working stop, placing emergency stop",
		"symbol", pos.Symbol, "qty", pos.Qty.String(), "stop", stopPrice.String())
	if _, err := r.mgr.SubmitStopLoss(ctx, corrID, pos.Symbol, pos.Qty, stopPrice, ""); err != nil {
		return fmt.Errorf("emergency stop for %s: %w", pos.Symbol, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Phase 3: circuit breaker reconstruction
// ---------------------------------------------------------------------------

func (r *Reconciler) reconstructBreaker(ctx context.Context) error {
	var acct *broker.Account
	if err := r.readVenue(ctx, "account", func() error {
		var err error
		acct, err = r.broker.GetAccount(ctx)
		return err
	}); err != nil {
		return err
	}

	todays, err := r.trades.ListTradesSince(ctx, util.StartOfTradingDay(time.Now()))
	if err != nil {
		return fmt.Errorf("loading today's trades: %w", err)
	}

	r.breaker.ReconstructFromTrades(todays, acct.LastEquity)
	if ok, reason := r.breaker.CanTrade(); !ok {
		r.log.Warn("circuit breaker restored tripped", "reason", reason)
		r.metrics.BreakerTripped.Set(1)
	}
	r.log.Info("circuit breaker reconstructed", "trades_today", len(todays),
		"daily_pnl", r.breaker.DailyPnL().String())
	return nil
}
