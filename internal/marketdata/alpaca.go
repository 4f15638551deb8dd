package marketdata

import (
	"context"
	"fmt"
	"strings"
	"time"

	md "github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	mdstream "github.com/alpacahq/alpaca-trade-api-go/v3/marketdata/stream"

	"kestrel/internal/domain"
)

// Compile-time interface check.
var _ Provider = (*AlpacaProvider)(nil)

// AlpacaProvider implements Provider using the Alpaca market-data API for
// history and the WebSocket stream for live bars.
type AlpacaProvider struct {
	client    *md.Client
	apiKey    string
	apiSecret string
	feed      string
}

// NewAlpacaProvider creates an AlpacaProvider. feed selects the data feed
// ("iex" or "sip"); dataURL overrides the default REST endpoint when set.
func NewAlpacaProvider(apiKey, apiSecret, dataURL, feed string) *AlpacaProvider {
	opts := md.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if dataURL != "" {
		opts.BaseURL = dataURL
	}
	return &AlpacaProvider{
		client:    md.NewClient(opts),
		apiKey:    apiKey,
		apiSecret: apiSecret,
		feed:      feed,
	}
}

// GetHistoricalBars fetches recent minute bars for the symbol and returns
// the most recent count of them, oldest first. The request window is padded
// backwards to cover weekends and holidays.
func (p *AlpacaProvider) GetHistoricalBars(_ context.Context, symbol string, count int) ([]domain.Bar, error) {
	end := time.Now()
	start := end.AddDate(0, 0, -7)

	alpacaBars, err := p.client.GetBars(symbol, md.GetBarsRequest{
		TimeFrame: md.OneMin,
		Start:     start,
		End:       end,
		Feed:      md.Feed(p.feed),
	})
	if err != nil {
		return nil, fmt.Errorf("GetBars %s: %w", symbol, err)
	}

	bars := make([]domain.Bar, 0, len(alpacaBars))
	for _, ab := range alpacaBars {
		bars = append(bars, domain.Bar{
			Symbol:     strings.ToUpper(symbol),
			Timestamp:  ab.Timestamp,
			Open:       ab.Open,
			High:       ab.High,
			Low:        ab.Low,
			Close:      ab.Close,
			Volume:     int64(ab.Volume),
			TradeCount: int64(ab.TradeCount),
			VWAP:       ab.VWAP,
		})
	}

	if len(bars) > count {
		bars = bars[len(bars)-count:]
	}
	return bars, nil
}

// SubscribeBars connects to the Alpaca stream and forwards live minute bars
// to handler. Blocks until ctx is cancelled or the connection terminates.
func (p *AlpacaProvider) SubscribeBars(ctx context.Context, symbols []string, handler func(domain.Bar)) error {
	client := mdstream.NewStocksClient(
		md.Feed(p.feed),
		mdstream.WithCredentials(p.apiKey, p.apiSecret),
		mdstream.WithBars(func(b mdstream.Bar) {
			handler(domain.Bar{
				Symbol:     b.Symbol,
				Timestamp:  b.Timestamp,
				Open:       b.Open,
				High:       b.High,
				Low:        b.Low,
				Close:      b.Close,
				Volume:     int64(b.Volume),
				TradeCount: int64(b.TradeCount),
				VWAP:       b.VWAP,
			})
		}, symbols...),
	)

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connecting bar stream: %w", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-client.Terminated():
		if err != nil {
			return fmt.Errorf("bar stream terminated: %w", err)
		}
		return fmt.Errorf("bar stream terminated")
	}
}
