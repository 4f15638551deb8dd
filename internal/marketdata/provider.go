// Package marketdata defines the DataProvider interface for historical and
// streaming OHLCV bars, with an Alpaca-backed implementation.
package marketdata

import (
	"context"

	"kestrel/internal/domain"
)

// Provider supplies historical bars for strategy warm-up and a continuous
// live bar stream thereafter. Consumers must not trust incoming bars; the
// orchestrator validates them before use.
type Provider interface {
	// GetHistoricalBars returns up to count of the most recent minute bars
	// for the symbol, oldest first.
	GetHistoricalBars(ctx context.Context, symbol string, count int) ([]domain.Bar, error)

	// SubscribeBars streams live minute bars for the symbols to handler.
	// Blocks until ctx is cancelled or the stream fails.
	SubscribeBars(ctx context.Context, symbols []string, handler func(domain.Bar)) error
}
