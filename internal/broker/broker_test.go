package broker

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"kestrel/internal/domain"
)

func TestSimulatorSubmitAndFill(t *testing.T) {
	sim := NewSimulatorBroker()
	ctx := context.Background()

	o, err := sim.SubmitOrder(ctx, OrderRequest{
		ClientOrderID: "local-1",
		Symbol:        "AAPL",
		Side:          domain.SideBuy,
		Type:          OrderTypeLimit,
		Qty:           decimal.NewFromInt(10),
		TimeInForce:   TimeInForceDay,
	})
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}
	if o.ID == "" {
		t.Fatal("SubmitOrder returned order without venue ID")
	}

	got, err := sim.GetOrderByClientID(ctx, "local-1")
	if err != nil {
		t.Fatalf("GetOrderByClientID: %v", err)
	}
	if got.ID != o.ID {
		t.Errorf("GetOrderByClientID ID = %s, want %s", got.ID, o.ID)
	}

	var updates []OrderUpdate
	streamCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sim.StreamOrderUpdates(streamCtx, func(u OrderUpdate) {
			updates = append(updates, u)
		})
	}()

	if err := sim.PushFill(o.ID, decimal.NewFromFloat(187.5)); err != nil {
		t.Fatalf("PushFill: %v", err)
	}
	cancel()
	<-done

	if len(updates) != 1 {
		t.Fatalf("got %d updates, want 1", len(updates))
	}
	if updates[0].Event != EventFill {
		t.Errorf("event = %q, want %q", updates[0].Event, EventFill)
	}

	positions, err := sim.GetPositions(ctx)
	if err != nil {
		t.Fatalf("GetPositions: %v", err)
	}
	if len(positions) != 1 || positions[0].Symbol != "AAPL" {
		t.Errorf("positions = %v, want one AAPL position", positions)
	}
}

func TestSimulatorFailSubmits(t *testing.T) {
	sim := NewSimulatorBroker()
	sim.FailSubmits(2, nil)
	ctx := context.Background()

	req := OrderRequest{Symbol: "MSFT", Side: domain.SideBuy, Type: OrderTypeMarket, Qty: decimal.NewFromInt(1)}
	if _, err := sim.SubmitOrder(ctx, req); err == nil {
		t.Fatal("first submit should fail")
	}
	if _, err := sim.SubmitOrder(ctx, req); err == nil {
		t.Fatal("second submit should fail")
	}
	if _, err := sim.SubmitOrder(ctx, req); err != nil {
		t.Fatalf("third submit should succeed, got %v", err)
	}
}

func TestSimulatorCancelFilledOrder(t *testing.T) {
	sim := NewSimulatorBroker()
	ctx := context.Background()

	o, err := sim.SubmitOrder(ctx, OrderRequest{Symbol: "AAPL", Side: domain.SideBuy, Type: OrderTypeMarket, Qty: decimal.NewFromInt(5)})
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}
	if err := sim.PushFill(o.ID, decimal.NewFromInt(100)); err != nil {
		t.Fatalf("PushFill: %v", err)
	}
	if err := sim.CancelOrder(ctx, o.ID); err == nil {
		t.Fatal("cancelling a filled order should fail")
	}
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		auth       bool
		validation bool
		transient  bool
	}{
		{"unauthorized", &StatusError{Code: 401, Message: "unauthorized"}, true, false, false},
		{"forbidden", &StatusError{Code: 403, Message: "forbidden"}, true, false, false},
		{"unprocessable", &StatusError{Code: 422, Message: "bad qty"}, false, true, false},
		{"server error", &StatusError{Code: 500, Message: "oops"}, false, false, true},
		{"rate limited", &StatusError{Code: 429, Message: "slow down"}, false, false, true},
		{"wrapped", errors.Join(errors.New("submit"), &StatusError{Code: 503, Message: "down"}), false, false, true},
		{"context canceled", context.Canceled, false, false, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsAuthError(tc.err); got != tc.auth {
				t.Errorf("IsAuthError = %v, want %v", got, tc.auth)
			}
			if got := IsValidation(tc.err); got != tc.validation {
				t.Errorf("IsValidation = %v, want %v", got, tc.validation)
			}
			if got := IsTransient(tc.err); got != tc.transient {
				t.Errorf("IsTransient = %v, want %v", got, tc.transient)
			}
		})
	}
}

func TestAlpacaIsPaper(t *testing.T) {
	paper := NewAlpacaBroker("k", "s", "https://paper-api.alpaca.markets")
	if !paper.IsPaper() {
		t.Error("paper endpoint should report IsPaper")
	}
	// Empty base URL defaults to paper.
	def := NewAlpacaBroker("k", "s", "")
	if !def.IsPaper() {
		t.Error("default endpoint should be paper")
	}
	live := NewAlpacaBroker("k", "s", "https://api.alpaca.markets")
	if live.IsPaper() {
		t.Error("live endpoint must not report IsPaper")
	}
}
