// Package strategy defines the Strategy interface for trading strategies and
// provides a Registry for managing multiple strategy implementations.
package strategy

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"kestrel/internal/domain"
)

// EntrySignal is a strategy's request to open a position. EntryPrice is the
// limit price for the resting entry order; StopPrice is where the protective
// stop goes once the entry fills.
type EntrySignal struct {
	Symbol     string
	Side       domain.Side
	EntryPrice decimal.Decimal
	StopPrice  decimal.Decimal
	StrategyID string
	At         time.Time
}

// Advice is a strategy's reaction to one bar. At most one of Enter/Exit is
// expected to be set; CancelPending asks for a stale resting entry to be
// withdrawn; MoveStopTo, when non-nil, asks for the active stop to be
// re-placed at the given price.
type Advice struct {
	Enter         *EntrySignal
	CancelPending bool
	Exit          bool
	MoveStopTo    *decimal.Decimal
}

// Strategy is the interface that all trading strategies must implement.
// OnBar receives the position for the bar's symbol (nil if flat) and whether
// an entry order is already resting, and must be a pure decision function —
// all order placement happens in the engine.
type Strategy interface {
	// Name returns the unique identifier for this strategy.
	Name() string

	// WarmupBars returns how many historical bars the strategy needs before
	// its signals are meaningful.
	WarmupBars() int

	// OnBar is called for each new OHLCV bar.
	OnBar(ctx context.Context, bar domain.Bar, pos *domain.Position, pendingEntry bool) (Advice, error)

	// OnPositionClosed is invoked after a position fully closes, with the
	// completed round-trip trade.
	OnPositionClosed(ctx context.Context, trade domain.TradeRecord)
}

// Registry holds a named collection of strategies for lookup and enumeration.
type Registry struct {
	strategies map[string]Strategy
}

// NewRegistry creates an empty strategy Registry.
func NewRegistry() *Registry {
	return &Registry{
		strategies: make(map[string]Strategy),
	}
}

// Register adds a strategy to the registry, keyed by its Name().
func (r *Registry) Register(s Strategy) {
	r.strategies[s.Name()] = s
}

// Get retrieves a strategy by name. The second return value indicates whether
// the strategy was found.
func (r *Registry) Get(name string) (Strategy, bool) {
	s, ok := r.strategies[name]
	return s, ok
}

// List returns a sorted slice of all registered strategy names.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
