// Package store defines storage interfaces for order records, their audit
// events, and completed trades, plus the Parquet bar journal.
package store

import (
	"context"
	"errors"
	"time"

	"kestrel/internal/domain"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// ErrVersionConflict is returned when an order update carries a version that
// does not follow the stored one. It indicates a concurrent writer or a
// stale in-memory record; the caller must re-read before retrying.
var ErrVersionConflict = errors.New("store: order version conflict")

// OrderStore persists order records together with their audit events. Every
// write that changes an order's state takes the record and the event in one
// atomic unit — never one without the other.
type OrderStore interface {
	// CreateOrder inserts a new order and its creation event atomically.
	CreateOrder(ctx context.Context, o *domain.OrderRecord, ev *domain.OrderEvent) error

	// UpdateOrder persists a state change and its event atomically. The
	// record's Version must be exactly one greater than the stored version,
	// otherwise ErrVersionConflict is returned and nothing is written.
	UpdateOrder(ctx context.Context, o *domain.OrderRecord, ev *domain.OrderEvent) error

	// GetOrder retrieves a single order by its local ID.
	GetOrder(ctx context.Context, localID string) (*domain.OrderRecord, error)

	// GetOrderByVenueID retrieves a single order by its venue ID.
	GetOrderByVenueID(ctx context.Context, venueID string) (*domain.OrderRecord, error)

	// ListOpenOrders returns all orders in a non-terminal state.
	ListOpenOrders(ctx context.Context) ([]domain.OrderRecord, error)

	// ListOrdersBySymbol returns all orders for a symbol, oldest first.
	ListOrdersBySymbol(ctx context.Context, symbol string) ([]domain.OrderRecord, error)

	// ListOrderEvents returns the audit events for an order, oldest first.
	ListOrderEvents(ctx context.Context, localID string) ([]domain.OrderEvent, error)
}

// TradeStore persists completed round-trip trades.
type TradeStore interface {
	// SaveTrade appends a completed trade. Trades are immutable once written.
	SaveTrade(ctx context.Context, t *domain.TradeRecord) error

	// ListTradesSince returns trades closed at or after since, oldest first.
	ListTradesSince(ctx context.Context, since time.Time) ([]domain.TradeRecord, error)
}
