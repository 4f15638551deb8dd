package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kestrel/internal/broker"
	"kestrel/internal/domain"
	"kestrel/internal/strategy"
	"kestrel/internal/util"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestPositionSizerCalculate(t *testing.T) {
	sizer := &PositionSizer{RiskPerTradePct: 0.01}

	tests := []struct {
		name        string
		equity      string
		buyingPower string
		entry       string
		stop        string
		want        string
	}{
		// 100k * 1% = 1000 risk budget; $2 stop distance -> 500 shares.
		{"basic", "100000", "200000", "50", "48", "500"},
		// Budget allows 500 but buying power only holds 100 shares at $50.
		{"buying power cap", "100000", "5000", "50", "48", "100"},
		// Fractional result truncates, never rounds up.
		{"truncation", "100000", "200000", "50", "47", "333"},
		{"zero stop distance", "100000", "200000", "50", "50", "0"},
		{"zero equity", "0", "200000", "50", "48", "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sizer.Calculate(d(tt.equity), d(tt.buyingPower), d(tt.entry), d(tt.stop))
			assert.True(t, got.Equal(d(tt.want)), "qty = %s, want %s", got, tt.want)
		})
	}
}

func TestPositionSizerNeverExceedsRiskBudget(t *testing.T) {
	sizer := &PositionSizer{RiskPerTradePct: 0.02}
	equity := d("50000")
	budget := equity.Mul(d("0.02"))

	for _, pair := range [][2]string{{"100", "97"}, {"10.50", "10.01"}, {"250", "249.99"}} {
		entry, stop := d(pair[0]), d(pair[1])
		qty := sizer.Calculate(equity, d("1000000"), entry, stop)
		loss := qty.Mul(entry.Sub(stop))
		assert.True(t, loss.LessThanOrEqual(budget),
			"entry %s stop %s: worst-case loss %s exceeds budget %s", entry, stop, loss, budget)
	}
}

func TestCircuitBreakerConsecutiveLosses(t *testing.T) {
	b := NewCircuitBreaker(0.03, 3)
	b.ResetDaily(d("100000"))

	b.RecordTrade(d("-50"))
	b.RecordTrade(d("0")) // break-even counts as a loss
	if ok, _ := b.CanTrade(); !ok {
		t.Fatal("breaker tripped before the limit")
	}
	b.RecordTrade(d("-10"))
	ok, reason := b.CanTrade()
	require.False(t, ok, "breaker must trip after 3 consecutive non-positive trades")
	assert.Contains(t, reason, "consecutive")

	// A reset clears the streak.
	b.ResetDaily(d("100000"))
	ok, _ = b.CanTrade()
	assert.True(t, ok)
}

func TestCircuitBreakerWinResetsStreak(t *testing.T) {
	b := NewCircuitBreaker(0.03, 3)
	b.ResetDaily(d("100000"))

	b.RecordTrade(d("-50"))
	b.RecordTrade(d("-50"))
	b.RecordTrade(d("25"))
	b.RecordTrade(d("-50"))
	b.RecordTrade(d("-50"))
	if ok, _ := b.CanTrade(); !ok {
		t.Fatal("streak of 2 after a win must not trip a 3-loss breaker")
	}
}

func TestCircuitBreakerDailyLossLimit(t *testing.T) {
	b := NewCircuitBreaker(0.03, 10)
	b.ResetDaily(d("100000")) // limit = 3000

	b.RecordTrade(d("-2999"))
	if ok, _ := b.CanTrade(); !ok {
		t.Fatal("breaker tripped below the daily limit")
	}
	b.RecordTrade(d("-1"))
	ok, reason := b.CanTrade()
	require.False(t, ok)
	assert.Contains(t, reason, "daily loss")
}

func TestCircuitBreakerReconstruct(t *testing.T) {
	b := NewCircuitBreaker(0.03, 3)
	trades := []domain.TradeRecord{
		{PnL: d("-100"), ClosedAt: time.Now()},
		{PnL: d("-100"), ClosedAt: time.Now()},
		{PnL: d("-100"), ClosedAt: time.Now()},
	}
	b.ReconstructFromTrades(trades, d("100000"))

	ok, _ := b.CanTrade()
	assert.False(t, ok, "a restart must not forget a tripped breaker")
	assert.True(t, b.DailyPnL().Equal(d("-300")))
}

func testGate(maxOpen int) *RiskGate {
	log := util.NewLogger("error", "text")
	return NewRiskGate(&PositionSizer{RiskPerTradePct: 0.01}, NewCircuitBreaker(0.03, 3), maxOpen, log)
}

func entrySignal(symbol string) strategy.EntrySignal {
	return strategy.EntrySignal{
		Symbol:     symbol,
		Side:       domain.SideBuy,
		EntryPrice: d("50"),
		StopPrice:  d("48"),
		StrategyID: "test",
		At:         time.Now(),
	}
}

func testAccount() *broker.Account {
	return &broker.Account{
		Equity:      d("100000"),
		LastEquity:  d("100000"),
		Cash:        d("100000"),
		BuyingPower: d("200000"),
	}
}

func TestRiskGateApprove(t *testing.T) {
	g := testGate(3)
	g.breaker.ResetDaily(d("100000"))

	approval, err := g.Approve(entrySignal("AAPL"), testAccount())
	require.NoError(t, err)
	assert.True(t, approval.Qty.Equal(d("500")))
	assert.Equal(t, 1, g.OpenSlots())
}

func TestRiskGateRejectsShorts(t *testing.T) {
	g := testGate(3)
	sig := entrySignal("AAPL")
	sig.Side = domain.SideSell
	sig.StopPrice = d("52")

	_, err := g.Approve(sig, testAccount())
	var rej *RejectionError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, 0, g.OpenSlots())
}

func TestRiskGatePositionCapRace(t *testing.T) {
	g := testGate(1)
	g.breaker.ResetDaily(d("100000"))
	acct := testAccount()

	var wg sync.WaitGroup
	results := make([]error, 2)
	symbols := []string{"AAPL", "MSFT"}
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = g.Approve(entrySignal(symbols[i]), acct)
		}(i)
	}
	wg.Wait()

	approved := 0
	for _, err := range results {
		if err == nil {
			approved++
		}
	}
	assert.Equal(t, 1, approved, "exactly one of two simultaneous signals may pass a 1-slot cap")
}

func TestRiskGateReleaseFreesSlot(t *testing.T) {
	g := testGate(1)
	g.breaker.ResetDaily(d("100000"))
	acct := testAccount()

	_, err := g.Approve(entrySignal("AAPL"), acct)
	require.NoError(t, err)

	_, err = g.Approve(entrySignal("MSFT"), acct)
	require.Error(t, err, "cap must hold while the slot is taken")

	g.Release("AAPL")
	_, err = g.Approve(entrySignal("MSFT"), acct)
	require.NoError(t, err, "released slot must be reusable")
}

func TestRiskGateBlocksWhenBreakerTripped(t *testing.T) {
	g := testGate(3)
	g.breaker.ResetDaily(d("100000"))
	g.breaker.RecordTrade(d("-1"))
	g.breaker.RecordTrade(d("-1"))
	g.breaker.RecordTrade(d("-1"))

	_, err := g.Approve(entrySignal("AAPL"), testAccount())
	var rej *RejectionError
	require.ErrorAs(t, err, &rej)
	assert.Contains(t, rej.Reason, "circuit breaker")
}
