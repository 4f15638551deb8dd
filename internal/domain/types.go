// Package domain defines the shared types of the trading engine: bars,
// order records and their audit events, round-trip trades, and positions.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderRole classifies what a local order is for: opening a position,
// protecting it, or closing it.
type OrderRole string

const (
	RoleEntry OrderRole = "entry"
	RoleStop  OrderRole = "stop"
	RoleExit  OrderRole = "exit"
)

// OrderState is the local lifecycle state of an order.
type OrderState string

const (
	StatePendingSubmit   OrderState = "pending_submit"
	StateSubmitted       OrderState = "submitted"
	StateAccepted        OrderState = "accepted"
	StatePartiallyFilled OrderState = "partially_filled"
	StateFilled          OrderState = "filled"
	StateCanceled        OrderState = "canceled"
	StateExpired         OrderState = "expired"
	StateRejected        OrderState = "rejected"
	StateSubmitFailed    OrderState = "submit_failed"
)

// Terminal reports whether the state admits no further transitions.
func (s OrderState) Terminal() bool {
	switch s {
	case StateFilled, StateCanceled, StateExpired, StateRejected, StateSubmitFailed:
		return true
	}
	return false
}

// OrderRecord is the local, mutable record of one logical order. LocalID is
// stable across submit retries; VenueID is assigned by the venue once the
// order is accepted and is empty until then. CorrelationID links an entry,
// its protective stop, its exit, and the resulting trade.
type OrderRecord struct {
	LocalID        string
	VenueID        string
	CorrelationID  string
	Symbol         string
	Side           Side
	Role           OrderRole
	Qty            decimal.Decimal
	FilledQty      decimal.Decimal
	AvgFillPrice   decimal.Decimal
	State          OrderState
	Version        int64
	ParentLocalID  string
	SubmitAttempts int
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// OrderEvent is one append-only audit row per state transition. Rows are
// never updated or deleted; they are the trail reconciliation and post-hoc
// verification read.
type OrderEvent struct {
	ID        int64
	LocalID   string
	FromState OrderState
	ToState   OrderState
	FillQty   decimal.Decimal
	FillPrice decimal.Decimal
	Detail    string
	CreatedAt time.Time
}

// TradeRecord is a completed round trip (entry plus exit), written once when
// both legs have filled. Immutable after insertion.
type TradeRecord struct {
	ID            int64
	CorrelationID string
	Symbol        string
	Qty           decimal.Decimal
	EntryPrice    decimal.Decimal
	ExitPrice     decimal.Decimal
	PnL           decimal.Decimal
	OpenedAt      time.Time
	ClosedAt      time.Time
}

// Position mirrors a venue-reported position. The local copy is a cache and
// is always subordinate to venue truth.
type Position struct {
	Symbol        string
	Qty           decimal.Decimal
	Side          Side
	AvgEntryPrice decimal.Decimal
	MarketValue   decimal.Decimal
	UpdatedAt     time.Time
}

// PlannedStop carries the stop price a strategy computed for an entry
// signal. It lives in memory keyed by correlation ID and is consumed exactly
// once, when the entry fills, to attach the protective order.
type PlannedStop struct {
	CorrelationID string
	Symbol        string
	Qty           decimal.Decimal
	StopPrice     decimal.Decimal
	CreatedAt     time.Time
}

// Bar is one OHLCV bar.
type Bar struct {
	Symbol     string
	Timestamp  time.Time
	Open       float64
	High       float64
	Low        float64
	Close      float64
	Volume     int64
	TradeCount int64
	VWAP       float64
}
