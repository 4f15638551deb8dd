package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"kestrel/internal/broker"
	"kestrel/internal/domain"
	"kestrel/internal/store"
	"kestrel/internal/strategy"
)

const (
	stopSubmitAttempts = 3
	stopSubmitBackoff  = 500 * time.Millisecond
)

// ManagerConfig holds the lifecycle manager's tunables.
type ManagerConfig struct {
	// EntryExpiryCandles is how many bars a resting entry may survive before
	// it is withdrawn.
	EntryExpiryCandles int
	// CancelConfirmWait bounds how long an exit waits for the venue to
	// confirm the protective stop's cancellation.
	CancelConfirmWait time.Duration
	// EmergencyStopPct sets the stop distance used when the planned stop for
	// a filled entry is unknown (lost across a restart).
	EmergencyStopPct float64
}

// Manager owns the order lifecycle: it is the only component that submits,
// cancels, and transitions orders, and the only writer of the order store.
// Every state change persists atomically with its audit event before any
// dependent action runs.
type Manager struct {
	log     *slog.Logger
	broker  broker.Broker
	orders  store.OrderStore
	trades  store.TradeStore
	gate    *RiskGate
	strat   strategy.Strategy
	metrics *Metrics
	cfg     ManagerConfig

	mu             sync.Mutex
	positions      map[string]domain.Position  // symbol → venue position cache
	pendingEntries map[string]string           // symbol → resting entry local ID
	plannedStops   map[string]domain.PlannedStop // correlation ID → stop to attach on fill
	activeStops    map[string]string           // symbol → active stop local ID
	entryCandles   map[string]int              // entry local ID → bars since submission
	cancelWaits    map[string]chan domain.OrderState // local ID → cancel confirmation
}

// NewManager creates a lifecycle Manager.
func NewManager(log *slog.Logger, b broker.Broker, orders store.OrderStore, trades store.TradeStore,
	gate *RiskGate, strat strategy.Strategy, metrics *Metrics, cfg ManagerConfig) *Manager {
	return &Manager{
		log:            log.With("component", "lifecycle"),
		broker:         b,
		orders:         orders,
		trades:         trades,
		gate:           gate,
		strat:          strat,
		metrics:        metrics,
		cfg:            cfg,
		positions:      make(map[string]domain.Position),
		pendingEntries: make(map[string]string),
		plannedStops:   make(map[string]domain.PlannedStop),
		activeStops:    make(map[string]string),
		entryCandles:   make(map[string]int),
		cancelWaits:    make(map[string]chan domain.OrderState),
	}
}

// ---------------------------------------------------------------------------
// Persistence helpers
// ---------------------------------------------------------------------------

func newEvent(localID string, from, to domain.OrderState, fillQty, fillPrice decimal.Decimal, detail string) *domain.OrderEvent {
	return &domain.OrderEvent{
		LocalID:   localID,
		FromState: from,
		ToState:   to,
		FillQty:   fillQty,
		FillPrice: fillPrice,
		Detail:    detail,
		CreatedAt: time.Now(),
	}
}

// createOrder persists a fresh PendingSubmit record with its creation event.
func (m *Manager) createOrder(ctx context.Context, rec *domain.OrderRecord, detail string) error {
	ev := newEvent(rec.LocalID, "", domain.StatePendingSubmit, decimal.Zero, decimal.Zero, detail)
	if err := m.orders.CreateOrder(ctx, rec, ev); err != nil {
		return fmt.Errorf("persisting order %s: %w", rec.LocalID, err)
	}
	return nil
}

// transition applies a lifecycle move and persists record+event atomically.
func (m *Manager) transition(ctx context.Context, rec *domain.OrderRecord, to domain.OrderState,
	fillQty, fillPrice decimal.Decimal, detail string) error {
	from := rec.State
	if err := Transition(rec, to); err != nil {
		return err
	}
	ev := newEvent(rec.LocalID, from, to, fillQty, fillPrice, detail)
	if err := m.orders.UpdateOrder(ctx, rec, ev); err != nil {
		return fmt.Errorf("persisting transition %s %s->%s: %w", rec.LocalID, from, to, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Entry submission
// ---------------------------------------------------------------------------

// SubmitEntry places a resting limit buy for an approved signal and registers
// the planned protective stop. A venue rejection surfaces as an error with
// the record left in SubmitFailed; no position risk is taken.
func (m *Manager) SubmitEntry(ctx context.Context, sig strategy.EntrySignal, approval Approval) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, busy := m.pendingEntries[sig.Symbol]; busy {
		return "", fmt.Errorf("engine: %s already has a resting entry", sig.Symbol)
	}

	localID := uuid.NewString()
	corrID := uuid.NewString()
	now := time.Now()
	rec := &domain.OrderRecord{
		LocalID:       localID,
		CorrelationID: corrID,
		Symbol:        sig.Symbol,
		Side:          domain.SideBuy,
		Role:          domain.RoleEntry,
		Qty:           approval.Qty,
		State:         domain.StatePendingSubmit,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := m.createOrder(ctx, rec, "entry signal from "+sig.StrategyID); err != nil {
		m.gate.Release(sig.Symbol)
		return "", err
	}

	limit := sig.EntryPrice
	venueOrder, err := m.broker.SubmitOrder(ctx, broker.OrderRequest{
		ClientOrderID: localID,
		Symbol:        sig.Symbol,
		Side:          domain.SideBuy,
		Type:          broker.OrderTypeLimit,
		Qty:           approval.Qty,
		LimitPrice:    &limit,
		TimeInForce:   broker.TimeInForceDay,
	})
	rec.SubmitAttempts = 1
	if err != nil {
		rec.LastError = err.Error()
		if perr := m.transition(ctx, rec, domain.StateSubmitFailed, decimal.Zero, decimal.Zero, err.Error()); perr != nil {
			m.log.Error("persisting submit failure", "local_id", localID, "err", perr)
		}
		m.gate.Release(sig.Symbol)
		m.metrics.OrdersSubmitted.WithLabelValues(string(domain.RoleEntry), "failed").Inc()
		return "", fmt.Errorf("submitting entry %s: %w", sig.Symbol, err)
	}

	rec.VenueID = venueOrder.ID
	if err := m.transition(ctx, rec, domain.StateSubmitted, decimal.Zero, decimal.Zero, "venue accepted submission"); err != nil {
		m.log.Error("persisting entry submission", "local_id", localID, "err", err)
	}

	m.pendingEntries[sig.Symbol] = localID
	m.entryCandles[localID] = 0
	m.plannedStops[corrID] = domain.PlannedStop{
		CorrelationID: corrID,
		Symbol:        sig.Symbol,
		Qty:           approval.Qty,
		StopPrice:     sig.StopPrice,
		CreatedAt:     now,
	}
	m.metrics.OrdersSubmitted.WithLabelValues(string(domain.RoleEntry), "ok").Inc()
	m.log.Info("entry submitted", "symbol", sig.Symbol, "local_id", localID,
		"venue_id", rec.VenueID, "qty", approval.Qty.String(), "limit", limit.String())
	return localID, nil
}

// ---------------------------------------------------------------------------
// Protective stop
// ---------------------------------------------------------------------------

// SubmitStopLoss places a GTC stop sell protecting a filled entry. It retries
// transient failures; if every attempt fails it falls back to an immediate
// market sell of the full quantity. An unprotected position is never left
// standing silently.
func (m *Manager) SubmitStopLoss(ctx context.Context, corrID, symbol string, qty, stopPrice decimal.Decimal, parentLocalID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.submitStopLossLocked(ctx, corrID, symbol, qty, stopPrice, parentLocalID)
}

func (m *Manager) submitStopLossLocked(ctx context.Context, corrID, symbol string, qty, stopPrice decimal.Decimal, parentLocalID string) (string, error) {
	localID := uuid.NewString()
	now := time.Now()
	rec := &domain.OrderRecord{
		LocalID:       localID,
		CorrelationID: corrID,
		Symbol:        symbol,
		Side:          domain.SideSell,
		Role:          domain.RoleStop,
		Qty:           qty,
		State:         domain.StatePendingSubmit,
		Version:       1,
		ParentLocalID: parentLocalID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := m.createOrder(ctx, rec, "protective stop"); err != nil {
		return "", err
	}

	var venueOrder *broker.Order
	attempt := 0
	submit := func() error {
		attempt++
		var err error
		venueOrder, err = m.broker.SubmitOrder(ctx, broker.OrderRequest{
			ClientOrderID: localID,
			Symbol:        symbol,
			Side:          domain.SideSell,
			Type:          broker.OrderTypeStop,
			Qty:           qty,
			StopPrice:     &stopPrice,
			TimeInForce:   broker.TimeInForceGTC,
		})
		return err
	}

	delay := stopSubmitBackoff
	var err error
	for attempt < stopSubmitAttempts {
		if err = submit(); err == nil {
			break
		}
		m.log.Warn("stop submission failed", "symbol", symbol, "attempt", attempt, "err", err)
		if attempt < stopSubmitAttempts {
			time.Sleep(delay)
			delay *= 2
		}
	}
	rec.SubmitAttempts = attempt

	if err != nil {
		rec.LastError = err.Error()
		if perr := m.transition(ctx, rec, domain.StateSubmitFailed, decimal.Zero, decimal.Zero, err.Error()); perr != nil {
			m.log.Error("persisting stop submit failure", "local_id", localID, "err", perr)
		}
		m.metrics.OrdersSubmitted.WithLabelValues(string(domain.RoleStop), "failed").Inc()

		// The position cannot sit unprotected. Close it at market instead.
		m.log.Error("stop placement exhausted, closing position at market", "symbol", symbol, "qty", qty.String())
		if _, exitErr := m.submitExitLocked(ctx, corrID, symbol, qty, "stop placement failed"); exitErr != nil {
			return "", fmt.Errorf("stop placement and market fallback both failed for %s: %w", symbol, errors.Join(err, exitErr))
		}
		return "", fmt.Errorf("stop placement for %s failed, position closed at market: %w", symbol, err)
	}

	rec.VenueID = venueOrder.ID
	if perr := m.transition(ctx, rec, domain.StateSubmitted, decimal.Zero, decimal.Zero, "venue accepted submission"); perr != nil {
		m.log.Error("persisting stop submission", "local_id", localID, "err", perr)
	}
	m.activeStops[symbol] = localID
	m.metrics.OrdersSubmitted.WithLabelValues(string(domain.RoleStop), "ok").Inc()
	m.log.Info("protective stop placed", "symbol", symbol, "local_id", localID,
		"venue_id", rec.VenueID, "stop", stopPrice.String(), "qty", qty.String())
	return localID, nil
}

// submitExitLocked places a market sell closing the position. Single attempt;
// the caller decides what failure means.
func (m *Manager) submitExitLocked(ctx context.Context, corrID, symbol string, qty decimal.Decimal, reason string) (string, error) {
	localID := uuid.NewString()
	now := time.Now()
	rec := &domain.OrderRecord{
		LocalID:       localID,
		CorrelationID: corrID,
		Symbol:        symbol,
		Side:          domain.SideSell,
		Role:          domain.RoleExit,
		Qty:           qty,
		State:         domain.StatePendingSubmit,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := m.createOrder(ctx, rec, reason); err != nil {
		return "", err
	}

	venueOrder, err := m.broker.SubmitOrder(ctx, broker.OrderRequest{
		ClientOrderID: localID,
		Symbol:        symbol,
		Side:          domain.SideSell,
		Type:          broker.OrderTypeMarket,
		Qty:           qty,
		TimeInForce:   broker.TimeInForceDay,
	})
	rec.SubmitAttempts = 1
	if err != nil {
		rec.LastError = err.Error()
		if perr := m.transition(ctx, rec, domain.StateSubmitFailed, decimal.Zero, decimal.Zero, err.Error()); perr != nil {
			m.log.Error("persisting exit submit failure", "local_id", localID, "err", perr)
		}
		m.metrics.OrdersSubmitted.WithLabelValues(string(domain.RoleExit), "failed").Inc()
		return "", fmt.Errorf("submitting market exit %s: %w", symbol, err)
	}

	rec.VenueID = venueOrder.ID
	if perr := m.transition(ctx, rec, domain.StateSubmitted, decimal.Zero, decimal.Zero, "venue accepted submission"); perr != nil {
		m.log.Error("persisting exit submission", "local_id", localID, "err", perr)
	}
	m.metrics.OrdersSubmitted.WithLabelValues(string(domain.RoleExit), "ok").Inc()
	m.log.Info("market exit submitted", "symbol", symbol, "local_id", localID, "qty", qty.String(), "reason", reason)
	return localID, nil
}

// ---------------------------------------------------------------------------
// Cancellation and exit
// ---------------------------------------------------------------------------

// CancelPendingEntry withdraws a resting entry order. The terminal state
// arrives asynchronously on the event stream; this only issues the request.
func (m *Manager) CancelPendingEntry(ctx context.Context, localID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelOrderLocked(ctx, localID)
}

func (m *Manager) cancelOrderLocked(ctx context.Context, localID string) error {
	rec, err := m.orders.GetOrder(ctx, localID)
	if err != nil {
		return fmt.Errorf("loading order %s: %w", localID, err)
	}
	if rec.State.Terminal() {
		return nil
	}
	if rec.VenueID == "" {
		// Never reached the venue; nothing to cancel there.
		return m.transition(ctx, rec, domain.StateSubmitFailed, decimal.Zero, decimal.Zero, "canceled before venue submission")
	}

	err = m.broker.CancelOrder(ctx, rec.VenueID)
	switch {
	case err == nil:
		return nil
	case broker.IsNotFound(err) || broker.IsValidation(err):
		// Already terminal at the venue; the stream event will settle it.
		m.log.Info("cancel raced a terminal state", "local_id", localID, "err", err)
		return nil
	default:
		return fmt.Errorf("canceling order %s: %w", localID, err)
	}
}

// RequestExit closes the position in symbol: it cancels the protective stop,
// waits a bounded time for the venue to confirm, then market-sells the full
// quantity. If the stop fills while the cancel is in flight the position is
// already closed and no sell is sent.
func (m *Manager) RequestExit(ctx context.Context, symbol string) error {
	m.mu.Lock()

	pos, ok := m.positions[symbol]
	if !ok {
		m.mu.Unlock()
		return nil
	}

	stopID, hasStop := m.activeStops[symbol]
	if hasStop {
		confirmed, err := m.cancelAndAwaitLocked(ctx, stopID)
		if err != nil {
			m.mu.Unlock()
			return err
		}
		if confirmed == domain.StateFilled {
			// The stop beat the cancel; the position is gone.
			m.mu.Unlock()
			m.log.Info("stop filled during exit cancel, no sell needed", "symbol", symbol)
			return nil
		}
		// Position may have changed while the lock was released.
		pos, ok = m.positions[symbol]
		if !ok {
			m.mu.Unlock()
			return nil
		}
	}

	corrID := m.correlationForLocked(ctx, symbol)
	_, err := m.submitExitLocked(ctx, corrID, symbol, pos.Qty, "strategy exit")
	m.mu.Unlock()
	return err
}

// cancelAndAwaitLocked cancels localID at the venue and waits for its
// terminal event, releasing the manager lock for the duration of the wait so
// the event consumer can deliver it. Returns the terminal state observed, or
// empty if the wait timed out without the venue answering.
func (m *Manager) cancelAndAwaitLocked(ctx context.Context, localID string) (domain.OrderState, error) {
	if err := m.cancelOrderLocked(ctx, localID); err != nil {
		return "", err
	}

	ch := make(chan domain.OrderState, 1)
	m.cancelWaits[localID] = ch

	m.mu.Unlock()
	var result domain.OrderState
	select {
	case result = <-ch:
	case <-time.After(m.cfg.CancelConfirmWait):
	case <-ctx.Done():
		m.mu.Lock()
		delete(m.cancelWaits, localID)
		return "", ctx.Err()
	}
	m.mu.Lock()
	delete(m.cancelWaits, localID)

	if result != "" {
		return result, nil
	}

	// Timed out. Ask the venue directly rather than guessing: selling on top
	// of a filled stop would open a short.
	m.log.Warn("cancel confirmation timed out, querying venue", "local_id", localID)
	rec, err := m.orders.GetOrder(ctx, localID)
	if err != nil {
		return "", fmt.Errorf("loading order %s after cancel timeout: %w", localID, err)
	}
	if rec.VenueID == "" {
		return rec.State, nil
	}
	venueOrder, err := m.broker.GetOrder(ctx, rec.VenueID)
	if err != nil {
		return "", fmt.Errorf("querying venue after cancel timeout: %w", err)
	}
	if venueOrder.Status == "filled" {
		return domain.StateFilled, nil
	}
	return domain.StateCanceled, nil
}

// CancelAllPending withdraws every resting entry order. Protective stops are
// left standing: they keep guarding positions after the engine exits.
func (m *Manager) CancelAllPending(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.pendingEntries))
	for _, localID := range m.pendingEntries {
		ids = append(ids, localID)
	}
	m.mu.Unlock()

	for _, localID := range ids {
		m.mu.Lock()
		err := m.cancelOrderLocked(ctx, localID)
		m.mu.Unlock()
		if err != nil {
			m.log.Error("canceling pending entry", "local_id", localID, "err", err)
		}
	}
}

// AdjustStop re-places the protective stop for symbol at newStop. If the old
// stop fills while its cancel is in flight, nothing is placed.
func (m *Manager) AdjustStop(ctx context.Context, symbol string, newStop decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stopID, ok := m.activeStops[symbol]
	if !ok {
		return fmt.Errorf("engine: no active stop for %s", symbol)
	}
	rec, err := m.orders.GetOrder(ctx, stopID)
	if err != nil {
		return fmt.Errorf("loading stop %s: %w", stopID, err)
	}

	confirmed, err := m.cancelAndAwaitLocked(ctx, stopID)
	if err != nil {
		return err
	}
	if confirmed == domain.StateFilled {
		m.log.Info("stop filled during adjustment, position closed", "symbol", symbol)
		return nil
	}
	if _, stillOpen := m.positions[symbol]; !stillOpen {
		return nil
	}

	_, err = m.submitStopLossLocked(ctx, rec.CorrelationID, symbol, rec.Qty, newStop, rec.ParentLocalID)
	return err
}

// ---------------------------------------------------------------------------
// Venue event routing
// ---------------------------------------------------------------------------

// HandleVenueEvent applies one pushed order update to local state. Matching
// is by venue ID first (push events carry no correlation), falling back to
// the client order ID, which is always the local ID.
func (m *Manager) HandleVenueEvent(ctx context.Context, u broker.OrderUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.orders.GetOrderByVenueID(ctx, u.Order.ID)
	if errors.Is(err, store.ErrNotFound) && u.Order.ClientOrderID != "" {
		rec, err = m.orders.GetOrder(ctx, u.Order.ClientOrderID)
	}
	if errors.Is(err, store.ErrNotFound) {
		m.log.Warn("event for unknown order", "venue_id", u.Order.ID, "event", u.Event)
		return nil
	}
	if err != nil {
		return fmt.Errorf("matching venue event %s: %w", u.Order.ID, err)
	}

	if rec.State.Terminal() {
		m.log.Debug("event after terminal state, ignoring", "local_id", rec.LocalID, "event", u.Event)
		return nil
	}
	if rec.VenueID == "" {
		rec.VenueID = u.Order.ID
	}

	switch u.Event {
	case broker.EventNew:
		if rec.State == domain.StateSubmitted {
			return m.transition(ctx, rec, domain.StateAccepted, decimal.Zero, decimal.Zero, "venue acknowledged")
		}
		return nil

	case broker.EventPendingNew, broker.EventReplaced:
		return nil

	case broker.EventPartialFill:
		return m.handlePartialFillLocked(ctx, rec, u)

	case broker.EventFill:
		return m.handleFillLocked(ctx, rec, u)

	case broker.EventCanceled:
		return m.handleTerminalLocked(ctx, rec, domain.StateCanceled, "venue canceled")

	case broker.EventExpired:
		to := domain.StateExpired
		if rec.State == domain.StatePartiallyFilled {
			// The lifecycle has no expired arc out of a partial; canceled is
			// the matching terminal, and the detail keeps the venue's word.
			to = domain.StateCanceled
		}
		return m.handleTerminalLocked(ctx, rec, to, "venue expired")

	case broker.EventRejected:
		return m.handleTerminalLocked(ctx, rec, domain.StateRejected, "venue rejected")

	default:
		m.log.Warn("unrecognized venue event", "event", u.Event, "local_id", rec.LocalID)
		return nil
	}
}

func fillDetails(u broker.OrderUpdate) (qty, price decimal.Decimal) {
	if u.FillQty != nil {
		qty = *u.FillQty
	}
	if u.FillPrice != nil {
		price = *u.FillPrice
	} else if u.Order.FilledAvgPrice != nil {
		price = *u.Order.FilledAvgPrice
	}
	return qty, price
}

func (m *Manager) handlePartialFillLocked(ctx context.Context, rec *domain.OrderRecord, u broker.OrderUpdate) error {
	fillQty, fillPrice := fillDetails(u)

	// A partial can arrive before the acknowledgement.
	if rec.State == domain.StateSubmitted {
		if err := m.transition(ctx, rec, domain.StateAccepted, decimal.Zero, decimal.Zero, "acknowledged by partial fill"); err != nil {
			return err
		}
	}

	rec.FilledQty = u.Order.FilledQty
	if u.Order.FilledAvgPrice != nil {
		rec.AvgFillPrice = *u.Order.FilledAvgPrice
	}
	m.metrics.Fills.WithLabelValues(string(rec.Role)).Inc()
	m.log.Info("partial fill", "local_id", rec.LocalID, "symbol", rec.Symbol,
		"fill_qty", fillQty.String(), "filled_total", rec.FilledQty.String())
	return m.transition(ctx, rec, domain.StatePartiallyFilled, fillQty, fillPrice, "partial fill")
}

func (m *Manager) handleFillLocked(ctx context.Context, rec *domain.OrderRecord, u broker.OrderUpdate) error {
	fillQty, fillPrice := fillDetails(u)

	rec.FilledQty = rec.Qty
	if u.Order.FilledAvgPrice != nil {
		rec.AvgFillPrice = *u.Order.FilledAvgPrice
	} else if fillPrice.Sign() > 0 {
		rec.AvgFillPrice = fillPrice
	}
	if err := m.transition(ctx, rec, domain.StateFilled, fillQty, fillPrice, "fill"); err != nil {
		return err
	}
	m.metrics.Fills.WithLabelValues(string(rec.Role)).Inc()
	m.notifyCancelWaitLocked(rec.LocalID, domain.StateFilled)

	switch rec.Role {
	case domain.RoleEntry:
		return m.onEntryFilledLocked(ctx, rec)
	case domain.RoleStop, domain.RoleExit:
		return m.onPositionClosedLocked(ctx, rec)
	}
	return nil
}

// onEntryFilledLocked attaches the protective stop for a filled entry. The
// planned stop is consumed exactly once; if it is missing (restart between
// submission and fill) an emergency stop below the fill price is used.
func (m *Manager) onEntryFilledLocked(ctx context.Context, rec *domain.OrderRecord) error {
	delete(m.pendingEntries, rec.Symbol)
	delete(m.entryCandles, rec.LocalID)

	m.positions[rec.Symbol] = domain.Position{
		Symbol:        rec.Symbol,
		Qty:           rec.FilledQty,
		Side:          domain.SideBuy,
		AvgEntryPrice: rec.AvgFillPrice,
		MarketValue:   rec.AvgFillPrice.Mul(rec.FilledQty),
		UpdatedAt:     time.Now(),
	}

	stopPrice := decimal.Zero
	if planned, ok := m.plannedStops[rec.CorrelationID]; ok {
		stopPrice = planned.StopPrice
		delete(m.plannedStops, rec.CorrelationID)
	} else {
		stopPrice = rec.AvgFillPrice.Mul(decimal.NewFromFloat(1 - m.cfg.EmergencyStopPct))
		m.log.Warn("planned stop missing for filled entry, using emergency distance",
			"symbol", rec.Symbol, "stop", stopPrice.String())
	}

	m.log.Info("entry filled", "symbol", rec.Symbol, "local_id", rec.LocalID,
		"qty", rec.FilledQty.String(), "price", rec.AvgFillPrice.String())

	// Stop placement must survive shutdown of the surrounding work: a filled
	// entry without a stop is the one state this system must never leave
	// standing.
	stopCtx := context.WithoutCancel(ctx)
	if _, err := m.submitStopLossLocked(stopCtx, rec.CorrelationID, rec.Symbol, rec.FilledQty, stopPrice, rec.LocalID); err != nil {
		return fmt.Errorf("attaching stop for %s: %w", rec.Symbol, err)
	}
	return nil
}

// onEntryPartialRemnantLocked protects the filled portion of an entry that
// was canceled, expired, or rejected after partially filling. Same discipline
// as a full fill, sized to what actually filled.
func (m *Manager) onEntryPartialRemnantLocked(ctx context.Context, rec *domain.OrderRecord) error {
	m.positions[rec.Symbol] = domain.Position{
		Symbol:        rec.Symbol,
		Qty:           rec.FilledQty,
		Side:          domain.SideBuy,
		AvgEntryPrice: rec.AvgFillPrice,
		MarketValue:   rec.AvgFillPrice.Mul(rec.FilledQty),
		UpdatedAt:     time.Now(),
	}

	stopPrice := decimal.Zero
	if planned, ok := m.plannedStops[rec.CorrelationID]; ok {
		stopPrice = planned.StopPrice
		delete(m.plannedStops, rec.CorrelationID)
	} else {
		stopPrice = rec.AvgFillPrice.Mul(decimal.NewFromFloat(1 - m.cfg.EmergencyStopPct))
		m.log.Warn("planned stop missing for partial remnant, using emergency distance",
			"symbol", rec.Symbol, "stop", stopPrice.String())
	}

	m.log.Warn("entry died partially filled, protecting the remnant",
		"symbol", rec.Symbol, "local_id", rec.LocalID,
		"filled", rec.FilledQty.String(), "of", rec.Qty.String())

	stopCtx := context.WithoutCancel(ctx)
	if _, err := m.submitStopLossLocked(stopCtx, rec.CorrelationID, rec.Symbol, rec.FilledQty, stopPrice, rec.LocalID); err != nil {
		return fmt.Errorf("attaching stop for partial remnant %s: %w", rec.Symbol, err)
	}
	return nil
}

// onPositionClosedLocked settles a filled stop or exit: writes the trade,
// feeds the breaker, frees the slot, and notifies the strategy.
func (m *Manager) onPositionClosedLocked(ctx context.Context, rec *domain.OrderRecord) error {
	delete(m.positions, rec.Symbol)
	if stopID, ok := m.activeStops[rec.Symbol]; ok {
		if stopID == rec.LocalID {
			delete(m.activeStops, rec.Symbol)
		} else if rec.Role == domain.RoleExit {
			// Exit filled while a separate stop is still resting; withdraw it.
			if err := m.cancelOrderLocked(ctx, stopID); err != nil {
				m.log.Error("withdrawing stop after exit fill", "symbol", rec.Symbol, "err", err)
			}
			delete(m.activeStops, rec.Symbol)
		}
	}
	m.gate.Release(rec.Symbol)
	m.metrics.OpenPositions.Set(float64(m.gate.OpenSlots()))

	entry, err := m.entryForCorrelationLocked(ctx, rec.Symbol, rec.CorrelationID)
	if err != nil {
		m.log.Error("no entry found for closed position, trade not recorded",
			"symbol", rec.Symbol, "correlation_id", rec.CorrelationID, "err", err)
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
	if err := m.trades.SaveTrade(ctx, trade); err != nil {
		m.log.Error("saving trade", "symbol", rec.Symbol, "err", err)
	}

	m.gate.breaker.RecordTrade(trade.PnL)
	m.metrics.TradesClosed.Inc()
	m.metrics.RealizedPnL.Set(m.gate.breaker.DailyPnL().InexactFloat64())
	if ok, _ := m.gate.breaker.CanTrade(); ok {
		m.metrics.BreakerTripped.Set(0)
	} else {
		m.metrics.BreakerTripped.Set(1)
	}

	m.log.Info("position closed", "symbol", rec.Symbol, "pnl", trade.PnL.String(),
		"entry", trade.EntryPrice.String(), "exit", trade.ExitPrice.String())
	m.strat.OnPositionClosed(ctx, *trade)
	return nil
}

// handleTerminalLocked settles a non-fill terminal event.
func (m *Manager) handleTerminalLocked(ctx context.Context, rec *domain.OrderRecord, to domain.OrderState, detail string) error {
	if err := m.transition(ctx, rec, to, decimal.Zero, decimal.Zero, detail); err != nil {
		return err
	}
	m.notifyCancelWaitLocked(rec.LocalID, to)

	switch rec.Role {
	case domain.RoleEntry:
		delete(m.pendingEntries, rec.Symbol)
		delete(m.entryCandles, rec.LocalID)
		if rec.FilledQty.Sign() > 0 {
			// The entry died after a partial fill: the filled shares are a
			// live position and keep their risk slot.
			return m.onEntryPartialRemnantLocked(ctx, rec)
		}
		delete(m.plannedStops, rec.CorrelationID)
		if _, open := m.positions[rec.Symbol]; !open {
			m.gate.Release(rec.Symbol)
		}
		m.log.Info("entry closed without fill", "symbol", rec.Symbol, "local_id", rec.LocalID, "state", to)
	case domain.RoleStop:
		if m.activeStops[rec.Symbol] == rec.LocalID {
			delete(m.activeStops, rec.Symbol)
		}
		if to == domain.StateRejected || to == domain.StateExpired {
			m.log.Error("protective stop died without filling", "symbol", rec.Symbol, "state", to)
		}
	case domain.RoleExit:
		m.log.Error("exit order died without filling, position still open", "symbol", rec.Symbol, "state", to)
	}
	return nil
}

func (m *Manager) notifyCancelWaitLocked(localID string, state domain.OrderState) {
	if ch, ok := m.cancelWaits[localID]; ok {
		select {
		case ch <- state:
		default:
		}
	}
}

// ---------------------------------------------------------------------------
// Candle bookkeeping
// ---------------------------------------------------------------------------

// OnCandle advances the expiry counter for symbol's resting entry and
// withdraws it once it has survived the configured number of bars without
// filling.
func (m *Manager) OnCandle(ctx context.Context, symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	localID, ok := m.pendingEntries[symbol]
	if !ok {
		return
	}
	m.entryCandles[localID]++
	if m.cfg.EntryExpiryCandles > 0 && m.entryCandles[localID] >= m.cfg.EntryExpiryCandles {
		m.log.Info("entry expired unfilled, withdrawing", "symbol", symbol,
			"local_id", localID, "candles", m.entryCandles[localID])
		if err := m.cancelOrderLocked(ctx, localID); err != nil {
			m.log.Error("withdrawing expired entry", "local_id", localID, "err", err)
		}
	}
}

// CandlesSince returns how many bars have arrived since the entry was
// submitted. Counters are in-memory only and reset across restarts.
func (m *Manager) CandlesSince(localID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entryCandles[localID]
}

// ---------------------------------------------------------------------------
// Cache access and rebuild
// ---------------------------------------------------------------------------

// Position returns the cached position for symbol, or nil when flat.
func (m *Manager) Position(symbol string) *domain.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.positions[symbol]; ok {
		cp := p
		return &cp
	}
	return nil
}

// HasPendingEntry reports whether an entry order is resting for symbol.
func (m *Manager) HasPendingEntry(symbol string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pendingEntries[symbol]
	return ok
}

// PendingEntryID returns the local ID of symbol's resting entry, if any.
func (m *Manager) PendingEntryID(symbol string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	localID, ok := m.pendingEntries[symbol]
	return localID, ok
}

// OpenPositionSymbols returns the symbols with a cached open position.
func (m *Manager) OpenPositionSymbols() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	symbols := make([]string, 0, len(m.positions))
	for s := range m.positions {
		symbols = append(symbols, s)
	}
	return symbols
}

// HasActiveStop reports whether a protective stop is working for symbol.
func (m *Manager) HasActiveStop(symbol string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.activeStops[symbol]
	return ok
}

// RebuildCaches reloads positions from the venue and open orders from the
// store after reconciliation, re-reserving the risk slots they occupy.
// Planned stops are not persisted; entries that fill after a restart get the
// emergency stop distance instead.
func (m *Manager) RebuildCaches(ctx context.Context) error {
	positions, err := m.broker.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("loading venue positions: %w", err)
	}
	open, err := m.orders.ListOpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("loading open orders: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.positions = make(map[string]domain.Position, len(positions))
	m.pendingEntries = make(map[string]string)
	m.activeStops = make(map[string]string)
	m.entryCandles = make(map[string]int)

	for _, p := range positions {
		m.positions[p.Symbol] = p
		m.gate.Reserve(p.Symbol)
	}
	for i := range open {
		rec := &open[i]
		switch rec.Role {
		case domain.RoleEntry:
			m.pendingEntries[rec.Symbol] = rec.LocalID
			m.entryCandles[rec.LocalID] = 0
			m.gate.Reserve(rec.Symbol)
		case domain.RoleStop:
			m.activeStops[rec.Symbol] = rec.LocalID
		}
	}
	m.metrics.OpenPositions.Set(float64(m.gate.OpenSlots()))

	m.log.Info("caches rebuilt", "positions", len(m.positions),
		"pending_entries", len(m.pendingEntries), "active_stops", len(m.activeStops))
	return nil
}

// correlationForLocked finds the correlation ID of symbol's open position by
// walking its orders newest-first; falls back to a fresh ID.
func (m *Manager) correlationForLocked(ctx context.Context, symbol string) string {
	recs, err := m.orders.ListOrdersBySymbol(ctx, symbol)
	if err != nil {
		m.log.Warn("loading orders for correlation lookup", "symbol", symbol, "err", err)
		return uuid.NewString()
	}
	for i := len(recs) - 1; i >= 0; i-- {
		if recs[i].Role == domain.RoleEntry && recs[i].FilledQty.Sign() > 0 {
			return recs[i].CorrelationID
		}
	}
	return uuid.NewString()
}

// entryForCorrelationLocked finds the entry whose fill opened the position a
// closing order just closed. A canceled entry with a partial fill counts: its
// remnant is a real position.
func (m *Manager) entryForCorrelationLocked(ctx context.Context, symbol, corrID string) (*domain.OrderRecord, error) {
	recs, err := m.orders.ListOrdersBySymbol(ctx, symbol)
	if err != nil {
		return nil, err
	}
	for i := range recs {
		if recs[i].Role == domain.RoleEntry && recs[i].CorrelationID == corrID && recs[i].FilledQty.Sign() > 0 {
			return &recs[i], nil
		}
	}
	return nil, fmt.Errorf("engine: no filled entry for correlation %s", corrID)
}
