package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"kestrel/internal/domain"
)

// Compile-time interface check.
var _ Broker = (*SimulatorBroker)(nil)

// SimulatorBroker implements the Broker interface in memory for tests and
// dry runs. It never touches an external API and always reports itself as a
// paper account. Tests drive fills and rejections explicitly via PushFill,
// PushCancel, and FailSubmits.
type SimulatorBroker struct {
	mu        sync.Mutex
	orders    map[string]*Order // venue ID → order
	byClient  map[string]string // client order ID → venue ID
	positions map[string]domain.Position
	account   Account
	clock     Clock

	handler     func(OrderUpdate)
	buffered    []OrderUpdate
	failSubmits int
	submitErr   error
	cancelErr   error
}

// NewSimulatorBroker creates a SimulatorBroker with an empty book and a
// default account of 100k equity.
func NewSimulatorBroker() *SimulatorBroker {
	equity := decimal.NewFromInt(100_000)
	return &SimulatorBroker{
		orders:    make(map[string]*Order),
		byClient:  make(map[string]string),
		positions: make(map[string]domain.Position),
		account: Account{
			ID:          "sim-account",
			Equity:      equity,
			LastEquity:  equity,
			Cash:        equity,
			BuyingPower: equity.Mul(decimal.NewFromInt(2)),
		},
		clock: Clock{
			Timestamp: time.Now(),
			IsOpen:    true,
			NextOpen:  time.Now().Add(18 * time.Hour),
			NextClose: time.Now().Add(6 * time.Hour),
		},
	}
}

// Name returns "simulator".
func (b *SimulatorBroker) Name() string { return "simulator" }

// IsPaper always returns true; the simulator cannot hold real money.
func (b *SimulatorBroker) IsPaper() bool { return true }

// SubmitOrder records the order as accepted at the venue.
func (b *SimulatorBroker) SubmitOrder(_ context.Context, req OrderRequest) (*Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failSubmits > 0 {
		b.failSubmits--
		if b.submitErr != nil {
			return nil, b.submitErr
		}
		return nil, &StatusError{Code: 500, Message: "simulated submit failure"}
	}

	now := time.Now()
	o := &Order{
		ID:            uuid.NewString(),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Qty:           req.Qty,
		LimitPrice:    req.LimitPrice,
		StopPrice:     req.StopPrice,
		Status:        "new",
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	b.orders[o.ID] = o
	if req.ClientOrderID != "" {
		b.byClient[req.ClientOrderID] = o.ID
	}
	cp := *o
	return &cp, nil
}

// CancelOrder marks the order pending cancellation; the terminal event is
// delivered by PushCancel, matching the venue's asynchronous behaviour.
func (b *SimulatorBroker) CancelOrder(_ context.Context, venueID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cancelErr != nil {
		return b.cancelErr
	}
	o, ok := b.orders[venueID]
	if !ok {
		return &StatusError{Code: 404, Message: "order not found"}
	}
	if o.Status == "filled" {
		return &StatusError{Code: 422, Message: "order already filled"}
	}
	o.Status = "pending_cancel"
	return nil
}

// GetOrder retrieves an order by venue ID.
func (b *SimulatorBroker) GetOrder(_ context.Context, venueID string) (*Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[venueID]
	if !ok {
		return nil, &StatusError{Code: 404, Message: "order not found"}
	}
	cp := *o
	return &cp, nil
}

// GetOrderByClientID retrieves an order by client order ID.
func (b *SimulatorBroker) GetOrderByClientID(ctx context.Context, clientOrderID string) (*Order, error) {
	b.mu.Lock()
	venueID, ok := b.byClient[clientOrderID]
	b.mu.Unlock()
	if !ok {
		return nil, &StatusError{Code: 404, Message: "order not found"}
	}
	return b.GetOrder(ctx, venueID)
}

// ListOrders returns orders matching the request.
func (b *SimulatorBroker) ListOrders(_ context.Context, req ListOrdersRequest) ([]Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Order
	for _, o := range b.orders {
		open := !terminalVenueStatus(o.Status)
		switch req.Status {
		case "", "open":
			if !open {
				continue
			}
		case "closed":
			if open {
				continue
			}
		}
		if !req.After.IsZero() && o.CreatedAt.Before(req.After) {
			continue
		}
		out = append(out, *o)
	}
	return out, nil
}

// GetPositions returns all simulated positions.
func (b *SimulatorBroker) GetPositions(_ context.Context) ([]domain.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	positions := make([]domain.Position, 0, len(b.positions))
	for _, p := range b.positions {
		positions = append(positions, p)
	}
	return positions, nil
}

// GetAccount returns the simulated account snapshot.
func (b *SimulatorBroker) GetAccount(_ context.Context) (*Account, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	acct := b.account
	return &acct, nil
}

// GetClock returns the simulated market clock.
func (b *SimulatorBroker) GetClock(_ context.Context) (*Clock, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.clock
	return &c, nil
}

// StreamOrderUpdates delivers pushed events to handler until ctx is done.
// Events pushed before subscription are replayed on connect.
func (b *SimulatorBroker) StreamOrderUpdates(ctx context.Context, handler func(OrderUpdate)) error {
	b.mu.Lock()
	b.handler = handler
	replay := b.buffered
	b.buffered = nil
	b.mu.Unlock()

	for _, u := range replay {
		handler(u)
	}

	<-ctx.Done()
	b.mu.Lock()
	b.handler = nil
	b.mu.Unlock()
	return ctx.Err()
}

// ---------------------------------------------------------------------------
// Test controls
// ---------------------------------------------------------------------------

// FailSubmits makes the next n SubmitOrder calls fail with err (or a
// simulated 500 when err is nil).
func (b *SimulatorBroker) FailSubmits(n int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failSubmits = n
	b.submitErr = err
}

// FailCancels makes CancelOrder fail with err until reset with nil.
func (b *SimulatorBroker) FailCancels(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelErr = err
}

// SetPosition installs a venue position snapshot.
func (b *SimulatorBroker) SetPosition(p domain.Position) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.positions[p.Symbol] = p
}

// RemovePosition drops a venue position.
func (b *SimulatorBroker) RemovePosition(symbol string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.positions, symbol)
}

// SetAccount replaces the simulated account snapshot.
func (b *SimulatorBroker) SetAccount(a Account) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.account = a
}

// SetClock replaces the simulated market clock.
func (b *SimulatorBroker) SetClock(c Clock) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clock = c
}

// InjectOrder installs an order at the venue without a corresponding local
// submission, as an orphan left by manual intervention would be.
func (b *SimulatorBroker) InjectOrder(o Order) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := o
	b.orders[o.ID] = &cp
	if o.ClientOrderID != "" {
		b.byClient[o.ClientOrderID] = o.ID
	}
}

// PushFill fills an order completely at price and emits the fill event. It
// also updates the simulated position book the way the venue would.
func (b *SimulatorBroker) PushFill(venueID string, price decimal.Decimal) error {
	b.mu.Lock()
	o, ok := b.orders[venueID]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("simulator: no order %s", venueID)
	}
	o.Status = "filled"
	o.FilledQty = o.Qty
	o.FilledAvgPrice = &price
	o.UpdatedAt = time.Now()

	if o.Side == domain.SideBuy {
		b.positions[o.Symbol] = domain.Position{
			Symbol:        o.Symbol,
			Qty:           o.Qty,
			Side:          domain.SideBuy,
			AvgEntryPrice: price,
			MarketValue:   price.Mul(o.Qty),
			UpdatedAt:     time.Now(),
		}
	} else {
		delete(b.positions, o.Symbol)
	}

	qty := o.Qty
	u := OrderUpdate{
		Event:     EventFill,
		Order:     *o,
		FillQty:   &qty,
		FillPrice: &price,
		At:        time.Now(),
	}
	b.mu.Unlock()
	b.deliver(u)
	return nil
}

// PushCancel completes a pending cancellation and emits the canceled event.
func (b *SimulatorBroker) PushCancel(venueID string) error {
	b.mu.Lock()
	o, ok := b.orders[venueID]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("simulator: no order %s", venueID)
	}
	o.Status = "canceled"
	o.UpdatedAt = time.Now()
	u := OrderUpdate{Event: EventCanceled, Order: *o, At: time.Now()}
	b.mu.Unlock()
	b.deliver(u)
	return nil
}

// PushEvent emits an arbitrary order update.
func (b *SimulatorBroker) PushEvent(u OrderUpdate) {
	b.mu.Lock()
	if o, ok := b.orders[u.Order.ID]; ok {
		o.Status = u.Order.Status
	}
	b.mu.Unlock()
	b.deliver(u)
}

// OpenOrder returns a copy of the venue order, for test assertions.
func (b *SimulatorBroker) OpenOrder(venueID string) (Order, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[venueID]
	if !ok {
		return Order{}, false
	}
	return *o, true
}

// OrdersBySymbol returns all venue orders for a symbol, for test assertions.
func (b *SimulatorBroker) OrdersBySymbol(symbol string) []Order {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Order
	for _, o := range b.orders {
		if o.Symbol == symbol {
			out = append(out, *o)
		}
	}
	return out
}

func (b *SimulatorBroker) deliver(u OrderUpdate) {
	b.mu.Lock()
	h := b.handler
	if h == nil {
		b.buffered = append(b.buffered, u)
	}
	b.mu.Unlock()
	if h != nil {
		h(u)
	}
}

func terminalVenueStatus(status string) bool {
	switch status {
	case "filled", "canceled", "expired", "rejected", "done_for_day":
		return true
	}
	return false
}
