// Package broker defines the Broker interface and provides implementations
// for order execution, account snapshots, and the order-event push stream.
package broker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"kestrel/internal/domain"
)

// OrderType is the execution type of an order request.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
	OrderTypeStop   OrderType = "stop"
)

// TimeInForce controls how long a resting order stays live at the venue.
type TimeInForce string

const (
	TimeInForceDay TimeInForce = "day"
	TimeInForceGTC TimeInForce = "gtc"
)

// Venue order-event names as delivered on the push stream.
const (
	EventNew         = "new"
	EventFill        = "fill"
	EventPartialFill = "partial_fill"
	EventCanceled    = "canceled"
	EventExpired     = "expired"
	EventRejected    = "rejected"
	EventReplaced    = "replaced"
	EventPendingNew  = "pending_new"
)

// OrderRequest describes an order to submit. ClientOrderID carries the local
// identifier so venue records can always be matched back to local ones.
type OrderRequest struct {
	ClientOrderID string
	Symbol        string
	Side          domain.Side
	Type          OrderType
	Qty           decimal.Decimal
	LimitPrice    *decimal.Decimal
	StopPrice     *decimal.Decimal
	TimeInForce   TimeInForce
}

// Order is the venue's view of an order.
type Order struct {
	ID             string
	ClientOrderID  string
	Symbol         string
	Side           domain.Side
	Type           OrderType
	Qty            decimal.Decimal
	FilledQty      decimal.Decimal
	FilledAvgPrice *decimal.Decimal
	LimitPrice     *decimal.Decimal
	StopPrice      *decimal.Decimal
	Status         string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// OrderUpdate is one order-lifecycle event pushed by the venue.
type OrderUpdate struct {
	Event     string
	Order     Order
	FillQty   *decimal.Decimal
	FillPrice *decimal.Decimal
	At        time.Time
}

// Account is a snapshot of the account's financial metrics. LastEquity is
// the equity at the previous session close, used as the start-of-day base
// for the daily loss limit.
type Account struct {
	ID          string
	Equity      decimal.Decimal
	LastEquity  decimal.Decimal
	Cash        decimal.Decimal
	BuyingPower decimal.Decimal
}

// Clock reports the venue's market clock.
type Clock struct {
	Timestamp time.Time
	IsOpen    bool
	NextOpen  time.Time
	NextClose time.Time
}

// ListOrdersRequest filters an order-snapshot query. Status is "open",
// "closed", or "all"; a zero After means no time bound.
type ListOrdersRequest struct {
	Status string
	After  time.Time
	Limit  int
}

// Broker abstracts venue operations for order execution, account state, and
// the order-event push stream.
type Broker interface {
	// Name returns the broker identifier (e.g. "alpaca", "simulator").
	Name() string

	// IsPaper reports whether the connected account is a simulated/paper
	// account. The orchestrator's safety gate refuses to start against a
	// live-money account unless explicitly configured to.
	IsPaper() bool

	// SubmitOrder sends an order to the venue for execution.
	SubmitOrder(ctx context.Context, req OrderRequest) (*Order, error)

	// CancelOrder requests cancellation of an open order by its venue ID.
	CancelOrder(ctx context.Context, venueID string) error

	// GetOrder retrieves a single order by its venue ID.
	GetOrder(ctx context.Context, venueID string) (*Order, error)

	// GetOrderByClientID retrieves a single order by the client order ID it
	// was submitted with.
	GetOrderByClientID(ctx context.Context, clientOrderID string) (*Order, error)

	// ListOrders returns orders matching the request.
	ListOrders(ctx context.Context, req ListOrdersRequest) ([]Order, error)

	// GetPositions returns all current positions held at the venue.
	GetPositions(ctx context.Context) ([]domain.Position, error)

	// GetAccount returns a snapshot of the account's financial metrics.
	GetAccount(ctx context.Context) (*Account, error)

	// GetClock returns the venue market clock.
	GetClock(ctx context.Context) (*Clock, error)

	// StreamOrderUpdates delivers order-lifecycle events to handler until
	// ctx is cancelled or the stream fails.
	StreamOrderUpdates(ctx context.Context, handler func(OrderUpdate)) error
}
