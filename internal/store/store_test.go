package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"kestrel/internal/domain"
	"kestrel/internal/util"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "kestrel.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testOrder(localID string) *domain.OrderRecord {
	now := time.Now()
	return &domain.OrderRecord{
		LocalID:       localID,
		CorrelationID: "corr-" + localID,
		Symbol:        "AAPL",
		Side:          domain.SideBuy,
		Role:          domain.RoleEntry,
		Qty:           decimal.NewFromInt(10),
		State:         domain.StatePendingSubmit,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func creationEvent(o *domain.OrderRecord) *domain.OrderEvent {
	return &domain.OrderEvent{
		LocalID:   o.LocalID,
		ToState:   o.State,
		Detail:    "order created",
		CreatedAt: o.CreatedAt,
	}
}

func TestCreateAndGetOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	o := testOrder("local-1")
	if err := s.CreateOrder(ctx, o, creationEvent(o)); err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	got, err := s.GetOrder(ctx, "local-1")
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if got.Symbol != "AAPL" || got.State != domain.StatePendingSubmit {
		t.Errorf("GetOrder = %+v, want AAPL pending_submit", got)
	}
	if !got.Qty.Equal(decimal.NewFromInt(10)) {
		t.Errorf("Qty = %s, want 10", got.Qty)
	}

	if _, err := s.GetOrder(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetOrder(missing) = %v, want ErrNotFound", err)
	}
}

func TestUpdateOrderVersionCheck(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	o := testOrder("local-2")
	if err := s.CreateOrder(ctx, o, creationEvent(o)); err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	o.State = domain.StateSubmitted
	o.VenueID = "venue-2"
	o.Version = 2
	ev := &domain.OrderEvent{LocalID: o.LocalID, FromState: domain.StatePendingSubmit, ToState: domain.StateSubmitted}
	if err := s.UpdateOrder(ctx, o, ev); err != nil {
		t.Fatalf("UpdateOrder: %v", err)
	}

	// Re-applying the same version must conflict, and must not write an event.
	stale := *o
	if err := s.UpdateOrder(ctx, &stale, ev); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("UpdateOrder(stale) = %v, want ErrVersionConflict", err)
	}

	events, err := s.ListOrderEvents(ctx, "local-2")
	if err != nil {
		t.Fatalf("ListOrderEvents: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("got %d events, want 2 (creation + submit)", len(events))
	}
}

// Every persisted state transition must have exactly one paired event.
func TestEveryTransitionHasOneEvent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	o := testOrder("local-3")
	if err := s.CreateOrder(ctx, o, creationEvent(o)); err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	states := []domain.OrderState{domain.StateSubmitted, domain.StateAccepted, domain.StateFilled}
	for _, st := range states {
		from := o.State
		o.State = st
		o.Version++
		ev := &domain.OrderEvent{LocalID: o.LocalID, FromState: from, ToState: st}
		if err := s.UpdateOrder(ctx, o, ev); err != nil {
			t.Fatalf("UpdateOrder to %s: %v", st, err)
		}
	}

	events, err := s.ListOrderEvents(ctx, "local-3")
	if err != nil {
		t.Fatalf("ListOrderEvents: %v", err)
	}
	// One creation event plus one per transition.
	if len(events) != len(states)+1 {
		t.Fatalf("got %d events, want %d", len(events), len(states)+1)
	}
	last := events[len(events)-1]
	if last.ToState != domain.StateFilled {
		t.Errorf("most recent event ToState = %s, want filled", last.ToState)
	}

	got, err := s.GetOrder(ctx, "local-3")
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if got.State != last.ToState {
		t.Errorf("state row %s disagrees with most recent event %s", got.State, last.ToState)
	}
}

func TestGetOrderByVenueID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	o := testOrder("local-4")
	o.VenueID = "venue-4"
	if err := s.CreateOrder(ctx, o, creationEvent(o)); err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	got, err := s.GetOrderByVenueID(ctx, "venue-4")
	if err != nil {
		t.Fatalf("GetOrderByVenueID: %v", err)
	}
	if got.LocalID != "local-4" {
		t.Errorf("LocalID = %s, want local-4", got.LocalID)
	}

	// Empty venue ID must never match the rows that have none yet.
	if _, err := s.GetOrderByVenueID(ctx, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetOrderByVenueID(\"\") = %v, want ErrNotFound", err)
	}
}

func TestListOpenOrders(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	open := testOrder("open-1")
	if err := s.CreateOrder(ctx, open, creationEvent(open)); err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	closed := testOrder("closed-1")
	closed.State = domain.StateFilled
	if err := s.CreateOrder(ctx, closed, creationEvent(closed)); err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	orders, err := s.ListOpenOrders(ctx)
	if err != nil {
		t.Fatalf("ListOpenOrders: %v", err)
	}
	if len(orders) != 1 || orders[0].LocalID != "open-1" {
		t.Errorf("ListOpenOrders = %v, want only open-1", orders)
	}
}

func TestSaveAndListTrades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	tr := &domain.TradeRecord{
		CorrelationID: "corr-t1",
		Symbol:        "MSFT",
		Qty:           decimal.NewFromInt(5),
		EntryPrice:    decimal.NewFromFloat(400.0),
		ExitPrice:     decimal.NewFromFloat(404.0),
		PnL:           decimal.NewFromFloat(20.0),
		OpenedAt:      now.Add(-time.Hour),
		ClosedAt:      now,
	}
	if err := s.SaveTrade(ctx, tr); err != nil {
		t.Fatalf("SaveTrade: %v", err)
	}
	if tr.ID == 0 {
		t.Error("SaveTrade did not assign an ID")
	}

	old := &domain.TradeRecord{
		CorrelationID: "corr-t0", Symbol: "MSFT",
		Qty: decimal.NewFromInt(5), EntryPrice: decimal.NewFromInt(1),
		ExitPrice: decimal.NewFromInt(1), PnL: decimal.Zero,
		OpenedAt: now.AddDate(0, 0, -2), ClosedAt: now.AddDate(0, 0, -2),
	}
	if err := s.SaveTrade(ctx, old); err != nil {
		t.Fatalf("SaveTrade(old): %v", err)
	}

	trades, err := s.ListTradesSince(ctx, now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("ListTradesSince: %v", err)
	}
	if len(trades) != 1 || trades[0].CorrelationID != "corr-t1" {
		t.Errorf("ListTradesSince = %v, want only corr-t1", trades)
	}
	if !trades[0].PnL.Equal(decimal.NewFromFloat(20.0)) {
		t.Errorf("PnL = %s, want 20", trades[0].PnL)
	}
}

func TestBarJournalRoundTrip(t *testing.T) {
	j := NewBarJournal(t.TempDir())

	ts := time.Date(2024, 6, 14, 15, 30, 0, 0, util.EasternTime())
	j.Append(domain.Bar{Symbol: "AAPL", Timestamp: ts, Open: 185, High: 186, Low: 184, Close: 185.5, Volume: 1000})
	j.Append(domain.Bar{Symbol: "AAPL", Timestamp: ts.Add(time.Minute), Open: 185.5, High: 186.2, Low: 185.1, Close: 186, Volume: 900})
	if err := j.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	// Re-appending the same bar must not duplicate it.
	j.Append(domain.Bar{Symbol: "AAPL", Timestamp: ts, Open: 185, High: 186, Low: 184, Close: 185.5, Volume: 1000})
	if err := j.Flush(); err != nil {
		t.Fatalf("Flush (second): %v", err)
	}

	bars, err := j.ReadDay("2024-06-14")
	if err != nil {
		t.Fatalf("ReadDay: %v", err)
	}
	if len(bars) != 2 {
		t.Fatalf("ReadDay returned %d bars, want 2", len(bars))
	}
	if bars[0].Close != 185.5 || bars[1].Close != 186 {
		t.Errorf("bars = %v, want closes 185.5 and 186 in order", bars)
	}

	// Missing days read as empty, not as an error.
	none, err := j.ReadDay("1999-01-01")
	if err != nil {
		t.Fatalf("ReadDay(missing): %v", err)
	}
	if len(none) != 0 {
		t.Errorf("ReadDay(missing) = %v, want empty", none)
	}
}
