package domain

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestOrderStateTerminal(t *testing.T) {
	terminal := []OrderState{StateFilled, StateCanceled, StateExpired, StateRejected, StateSubmitFailed}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s.Terminal() = false, want true", s)
		}
	}

	live := []OrderState{StatePendingSubmit, StateSubmitted, StateAccepted, StatePartiallyFilled}
	for _, s := range live {
		if s.Terminal() {
			t.Errorf("%s.Terminal() = true, want false", s)
		}
	}
}

func TestOrderRecordZeroValue(t *testing.T) {
	var o OrderRecord
	if o.VenueID != "" {
		t.Error("zero-value OrderRecord should have no venue ID")
	}
	if !o.Qty.IsZero() || !o.FilledQty.IsZero() {
		t.Error("zero-value OrderRecord should have zero quantities")
	}
	if o.State.Terminal() {
		t.Error("zero-value state must not be terminal")
	}
}

func TestTradeRecordPnL(t *testing.T) {
	tr := TradeRecord{
		Symbol:     "AAPL",
		Qty:        decimal.NewFromInt(10),
		EntryPrice: decimal.NewFromFloat(100.0),
		ExitPrice:  decimal.NewFromFloat(101.5),
		PnL:        decimal.NewFromFloat(15.0),
	}
	want := tr.ExitPrice.Sub(tr.EntryPrice).Mul(tr.Qty)
	if !tr.PnL.Equal(want) {
		t.Errorf("PnL = %s, want %s", tr.PnL, want)
	}
}
