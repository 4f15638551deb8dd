package engine

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"kestrel/internal/broker"
	"kestrel/internal/domain"
	"kestrel/internal/strategy"
)

// RejectionError reports why the risk gate refused an entry signal.
type RejectionError struct {
	Symbol string
	Reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("engine: entry %s rejected: %s", e.Symbol, e.Reason)
}

// ---------------------------------------------------------------------------
// Position sizing
// ---------------------------------------------------------------------------

// PositionSizer converts an entry/stop pair into a share quantity bounded by
// the per-trade risk budget.
type PositionSizer struct {
	RiskPerTradePct float64
}

// Calculate returns the whole-share quantity such that losing the full
// entry-to-stop distance costs at most RiskPerTradePct of equity, further
// capped by what buying power can hold at the entry price. Always truncates
// downward; returns zero when the stop distance or prices are degenerate.
func (s *PositionSizer) Calculate(equity, buyingPower, entry, stop decimal.Decimal) decimal.Decimal {
	dist := entry.Sub(stop).Abs()
	if dist.Sign() <= 0 || entry.Sign() <= 0 {
		return decimal.Zero
	}

	budget := equity.Mul(decimal.NewFromFloat(s.RiskPerTradePct))
	qty := budget.Div(dist).Floor()

	affordable := buyingPower.Div(entry).Floor()
	if affordable.LessThan(qty) {
		qty = affordable
	}
	if qty.Sign() < 0 {
		return decimal.Zero
	}
	return qty
}

// ---------------------------------------------------------------------------
// Circuit breaker
// ---------------------------------------------------------------------------

// CircuitBreaker halts new entries after the daily loss limit or the
// consecutive-loss limit is hit. Realized P&L only; open positions do not
// move it. A break-even trade counts as a loss.
type CircuitBreaker struct {
	maxDailyLossPct      float64
	maxConsecutiveLosses int

	mu          sync.Mutex
	startEquity decimal.Decimal
	dailyPnL    decimal.Decimal
	consecutive int
}

// NewCircuitBreaker creates a breaker with the given limits.
func NewCircuitBreaker(maxDailyLossPct float64, maxConsecutiveLosses int) *CircuitBreaker {
	return &CircuitBreaker{
		maxDailyLossPct:      maxDailyLossPct,
		maxConsecutiveLosses: maxConsecutiveLosses,
	}
}

// RecordTrade feeds one closed trade's realized P&L into the breaker.
func (b *CircuitBreaker) RecordTrade(pnl decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dailyPnL = b.dailyPnL.Add(pnl)
	if pnl.Sign() <= 0 {
		b.consecutive++
	} else {
		b.consecutive = 0
	}
}

// CanTrade reports whether new entries are allowed, with a human-readable
// reason when they are not.
func (b *CircuitBreaker) CanTrade() (bool, string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.maxConsecutiveLosses > 0 && b.consecutive >= b.maxConsecutiveLosses {
		return false, fmt.Sprintf("%d consecutive losses", b.consecutive)
	}
	if b.startEquity.Sign() > 0 && b.dailyPnL.Sign() < 0 {
		limit := b.startEquity.Mul(decimal.NewFromFloat(b.maxDailyLossPct))
		if b.dailyPnL.Abs().GreaterThanOrEqual(limit) {
			return false, fmt.Sprintf("daily loss %s at limit %s", b.dailyPnL, limit.Neg())
		}
	}
	return true, ""
}

// DailyPnL returns the realized P&L recorded since the last reset.
func (b *CircuitBreaker) DailyPnL() decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dailyPnL
}

// ResetDaily clears the day's P&L and loss streak and installs the session's
// starting equity as the loss-limit base.
func (b *CircuitBreaker) ResetDaily(equity decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.startEquity = equity
	b.dailyPnL = decimal.Zero
	b.consecutive = 0
}

// ReconstructFromTrades rebuilds the breaker from today's closed trades, in
// close order. Used by the startup reconciler so a restart cannot forget a
// tripped breaker.
func (b *CircuitBreaker) ReconstructFromTrades(trades []domain.TradeRecord, startEquity decimal.Decimal) {
	b.ResetDaily(startEquity)
	for _, t := range trades {
		b.RecordTrade(t.PnL)
	}
}

// ---------------------------------------------------------------------------
// Risk gate
// ---------------------------------------------------------------------------

// RiskGate is the single approval point for entry signals. It serializes
// approvals so two concurrent signals can never both claim the last open
// slot, and it owns the slot bookkeeping: a symbol holds a slot from entry
// approval until its position closes (or the entry dies unfilled).
type RiskGate struct {
	sizer   *PositionSizer
	breaker *CircuitBreaker
	maxOpen int
	log     *slog.Logger

	mu    sync.Mutex
	slots map[string]struct{}
}

// Approval is a sized, gate-passed entry.
type Approval struct {
	Qty decimal.Decimal
}

// NewRiskGate creates a RiskGate over the given sizer and breaker.
func NewRiskGate(sizer *PositionSizer, breaker *CircuitBreaker, maxOpenPositions int, log *slog.Logger) *RiskGate {
	return &RiskGate{
		sizer:   sizer,
		breaker: breaker,
		maxOpen: maxOpenPositions,
		log:     log.With("component", "risk"),
		slots:   make(map[string]struct{}),
	}
}

// Approve runs the full gate: circuit breaker, open-position cap, then
// sizing. On success it reserves the symbol's slot and returns the quantity;
// on rejection it returns a *RejectionError and reserves nothing. Long-only:
// sell entries are rejected outright.
func (g *RiskGate) Approve(sig strategy.EntrySignal, acct *broker.Account) (Approval, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if sig.Side != domain.SideBuy {
		return Approval{}, &RejectionError{Symbol: sig.Symbol, Reason: "short entries not supported"}
	}
	if ok, reason := g.breaker.CanTrade(); !ok {
		return Approval{}, &RejectionError{Symbol: sig.Symbol, Reason: "circuit breaker: " + reason}
	}
	if _, held := g.slots[sig.Symbol]; held {
		return Approval{}, &RejectionError{Symbol: sig.Symbol, Reason: "symbol already has an open or pending position"}
	}
	if len(g.slots) >= g.maxOpen {
		return Approval{}, &RejectionError{Symbol: sig.Symbol, Reason: fmt.Sprintf("open-position cap %d reached", g.maxOpen)}
	}

	qty := g.sizer.Calculate(acct.Equity, acct.BuyingPower, sig.EntryPrice, sig.StopPrice)
	if qty.Sign() <= 0 {
		return Approval{}, &RejectionError{Symbol: sig.Symbol, Reason: "sized quantity is zero"}
	}

	g.slots[sig.Symbol] = struct{}{}
	g.log.Info("entry approved", "symbol", sig.Symbol, "qty", qty.String(),
		"entry", sig.EntryPrice.String(), "stop", sig.StopPrice.String())
	return Approval{Qty: qty}, nil
}

// Reserve marks a symbol's slot taken without going through approval. The
// reconciler and cache rebuild use it for positions that already exist.
func (g *RiskGate) Reserve(symbol string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.slots[symbol] = struct{}{}
}

// Release frees a symbol's slot after its position closes or its entry dies
// without filling.
func (g *RiskGate) Release(symbol string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.slots, symbol)
}

// OpenSlots returns how many symbols currently hold a slot.
func (g *RiskGate) OpenSlots() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.slots)
}
