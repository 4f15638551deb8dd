// Package builtins provides built-in strategy implementations that ship with
// kestrel.
package builtins

import (
	"context"
	"sync"
	"time"

	"github.com/markcheno/go-talib"
	"github.com/shopspring/decimal"

	"kestrel/internal/domain"
	"kestrel/internal/strategy"
)

// Compile-time interface check.
var _ strategy.Strategy = (*SMACross)(nil)

// SMACross implements a simple moving average crossover strategy. It enters
// long when the short-period SMA crosses above the long-period SMA and exits
// when it crosses below. The protective stop is placed an ATR multiple below
// the entry price.
type SMACross struct {
	shortPeriod int
	longPeriod  int
	atrPeriod   int
	atrMult     float64

	mu   sync.Mutex
	hist map[string]*series
}

type series struct {
	highs  []float64
	lows   []float64
	closes []float64
}

// NewSMACross creates an SMACross strategy with the specified short and long
// moving average periods, ATR period, and stop distance multiplier.
func NewSMACross(short, long, atrPeriod int, atrMult float64) *SMACross {
	return &SMACross{
		shortPeriod: short,
		longPeriod:  long,
		atrPeriod:   atrPeriod,
		atrMult:     atrMult,
		hist:        make(map[string]*series),
	}
}

// Name returns "sma-cross".
func (s *SMACross) Name() string {
	return "sma-cross"
}

// WarmupBars returns the history length the crossover needs: one bar past
// the long SMA window, or the ATR window if that is larger.
func (s *SMACross) WarmupBars() int {
	n := s.longPeriod + 1
	if s.atrPeriod+1 > n {
		n = s.atrPeriod + 1
	}
	return n
}

// OnBar appends the bar to the symbol's history and checks for a crossover.
func (s *SMACross) OnBar(_ context.Context, bar domain.Bar, pos *domain.Position, pendingEntry bool) (strategy.Advice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.hist[bar.Symbol]
	if !ok {
		h = &series{}
		s.hist[bar.Symbol] = h
	}
	h.highs = append(h.highs, bar.High)
	h.lows = append(h.lows, bar.Low)
	h.closes = append(h.closes, bar.Close)

	// Bound history to what the indicators need.
	if maxLen := s.WarmupBars() * 4; len(h.closes) > maxLen {
		h.highs = h.highs[len(h.highs)-maxLen:]
		h.lows = h.lows[len(h.lows)-maxLen:]
		h.closes = h.closes[len(h.closes)-maxLen:]
	}

	if len(h.closes) < s.WarmupBars() {
		return strategy.Advice{}, nil
	}

	short := talib.Sma(h.closes, s.shortPeriod)
	long := talib.Sma(h.closes, s.longPeriod)
	n := len(h.closes)

	crossUp := short[n-2] <= long[n-2] && short[n-1] > long[n-1]
	crossDown := short[n-2] >= long[n-2] && short[n-1] < long[n-1]

	if crossDown {
		if pos != nil {
			return strategy.Advice{Exit: true}, nil
		}
		if pendingEntry {
			// Momentum reversed before the resting entry filled.
			return strategy.Advice{CancelPending: true}, nil
		}
		return strategy.Advice{}, nil
	}

	if crossUp && pos == nil && !pendingEntry {
		atr := talib.Atr(h.highs, h.lows, h.closes, s.atrPeriod)
		dist := atr[n-1] * s.atrMult
		if dist <= 0 {
			return strategy.Advice{}, nil
		}
		entry := decimal.NewFromFloat(bar.Close)
		stop := decimal.NewFromFloat(bar.Close - dist)
		if stop.Sign() <= 0 {
			return strategy.Advice{}, nil
		}
		return strategy.Advice{Enter: &strategy.EntrySignal{
			Symbol:     bar.Symbol,
			Side:       domain.SideBuy,
			EntryPrice: entry,
			StopPrice:  stop,
			StrategyID: s.Name(),
			At:         time.Now(),
		}}, nil
	}

	return strategy.Advice{}, nil
}

// OnPositionClosed resets the symbol's crossover memory so a fresh history
// builds up before the next signal.
func (s *SMACross) OnPositionClosed(_ context.Context, trade domain.TradeRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.hist, trade.Symbol)
}
