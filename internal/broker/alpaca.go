package broker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"

	"kestrel/internal/domain"
)

// Compile-time interface check.
var _ Broker = (*AlpacaBroker)(nil)

// AlpacaBroker implements the Broker interface using the Alpaca trading API.
type AlpacaBroker struct {
	client  *alpaca.Client
	baseURL string
}

// NewAlpacaBroker creates a new AlpacaBroker configured with the given
// credentials and API endpoint. An empty baseURL selects the paper endpoint;
// pointing at live money is an explicit act.
func NewAlpacaBroker(apiKey, apiSecret, baseURL string) *AlpacaBroker {
	if baseURL == "" {
		baseURL = "https://paper-api.alpaca.markets"
	}
	return &AlpacaBroker{
		client: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    apiKey,
			APISecret: apiSecret,
			BaseURL:   baseURL,
		}),
		baseURL: baseURL,
	}
}

// Name returns "alpaca".
func (b *AlpacaBroker) Name() string {
	return "alpaca"
}

// IsPaper reports whether the configured endpoint is Alpaca's paper venue.
// The account API does not expose this; the endpoint does.
func (b *AlpacaBroker) IsPaper() bool {
	return strings.Contains(b.baseURL, "paper-api.alpaca.markets")
}

// SubmitOrder sends an order to the Alpaca API for execution.
func (b *AlpacaBroker) SubmitOrder(_ context.Context, req OrderRequest) (*Order, error) {
	qty := req.Qty
	placed, err := b.client.PlaceOrder(alpaca.PlaceOrderRequest{
		Symbol:        req.Symbol,
		Qty:           &qty,
		Side:          alpaca.Side(req.Side),
		Type:          alpaca.OrderType(req.Type),
		TimeInForce:   alpaca.TimeInForce(req.TimeInForce),
		LimitPrice:    req.LimitPrice,
		StopPrice:     req.StopPrice,
		ClientOrderID: req.ClientOrderID,
	})
	if err != nil {
		return nil, fmt.Errorf("PlaceOrder %s %s: %w", req.Side, req.Symbol, err)
	}
	o := fromAlpacaOrder(placed)
	return &o, nil
}

// CancelOrder requests cancellation of an open order via the Alpaca API.
func (b *AlpacaBroker) CancelOrder(_ context.Context, venueID string) error {
	if err := b.client.CancelOrder(venueID); err != nil {
		return fmt.Errorf("CancelOrder %s: %w", venueID, err)
	}
	return nil
}

// GetOrder retrieves a single order by its venue ID.
func (b *AlpacaBroker) GetOrder(_ context.Context, venueID string) (*Order, error) {
	ao, err := b.client.GetOrder(venueID)
	if err != nil {
		return nil, fmt.Errorf("GetOrder %s: %w", venueID, err)
	}
	o := fromAlpacaOrder(ao)
	return &o, nil
}

// GetOrderByClientID retrieves a single order by client order ID.
func (b *AlpacaBroker) GetOrderByClientID(_ context.Context, clientOrderID string) (*Order, error) {
	ao, err := b.client.GetOrderByClientOrderID(clientOrderID)
	if err != nil {
		return nil, fmt.Errorf("GetOrderByClientOrderID %s: %w", clientOrderID, err)
	}
	o := fromAlpacaOrder(ao)
	return &o, nil
}

// ListOrders returns orders matching the request.
func (b *AlpacaBroker) ListOrders(_ context.Context, req ListOrdersRequest) ([]Order, error) {
	status := req.Status
	if status == "" {
		status = "open"
	}
	aos, err := b.client.GetOrders(alpaca.GetOrdersRequest{
		Status: status,
		After:  req.After,
		Limit:  req.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("GetOrders status=%s: %w", status, err)
	}

	orders := make([]Order, 0, len(aos))
	for i := range aos {
		orders = append(orders, fromAlpacaOrder(&aos[i]))
	}
	return orders, nil
}

// GetPositions returns all current positions from the Alpaca account.
func (b *AlpacaBroker) GetPositions(_ context.Context) ([]domain.Position, error) {
	aps, err := b.client.GetPositions()
	if err != nil {
		return nil, fmt.Errorf("GetPositions: %w", err)
	}

	positions := make([]domain.Position, 0, len(aps))
	for _, ap := range aps {
		pos := domain.Position{
			Symbol:        ap.Symbol,
			Qty:           ap.Qty,
			Side:          domain.SideBuy,
			AvgEntryPrice: ap.AvgEntryPrice,
			UpdatedAt:     time.Now(),
		}
		if ap.Side == "short" {
			pos.Side = domain.SideSell
		}
		if ap.MarketValue != nil {
			pos.MarketValue = *ap.MarketValue
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

// GetAccount returns the current account information from the Alpaca API.
func (b *AlpacaBroker) GetAccount(_ context.Context) (*Account, error) {
	acct, err := b.client.GetAccount()
	if err != nil {
		return nil, fmt.Errorf("GetAccount: %w", err)
	}
	return &Account{
		ID:          acct.ID,
		Equity:      acct.Equity,
		LastEquity:  acct.LastEquity,
		Cash:        acct.Cash,
		BuyingPower: acct.BuyingPower,
	}, nil
}

// GetClock returns the venue market clock.
func (b *AlpacaBroker) GetClock(_ context.Context) (*Clock, error) {
	c, err := b.client.GetClock()
	if err != nil {
		return nil, fmt.Errorf("GetClock: %w", err)
	}
	return &Clock{
		Timestamp: c.Timestamp,
		IsOpen:    c.IsOpen,
		NextOpen:  c.NextOpen,
		NextClose: c.NextClose,
	}, nil
}

// StreamOrderUpdates subscribes to the Alpaca trade-updates stream and
// forwards each event to handler. Blocks until ctx is cancelled or the
// stream terminates.
func (b *AlpacaBroker) StreamOrderUpdates(ctx context.Context, handler func(OrderUpdate)) error {
	err := b.client.StreamTradeUpdates(ctx, func(tu alpaca.TradeUpdate) {
		u := OrderUpdate{
			Event:     tu.Event,
			Order:     fromAlpacaOrder(&tu.Order),
			FillQty:   tu.Qty,
			FillPrice: tu.Price,
			At:        tu.At,
		}
		handler(u)
	}, alpaca.StreamTradeUpdatesRequest{})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("StreamTradeUpdates: %w", err)
	}
	return err
}

// fromAlpacaOrder converts an SDK order to the broker-neutral shape.
func fromAlpacaOrder(ao *alpaca.Order) Order {
	o := Order{
		ID:             ao.ID,
		ClientOrderID:  ao.ClientOrderID,
		Symbol:         ao.Symbol,
		Side:           domain.Side(ao.Side),
		Type:           OrderType(ao.Type),
		FilledQty:      ao.FilledQty,
		FilledAvgPrice: ao.FilledAvgPrice,
		LimitPrice:     ao.LimitPrice,
		StopPrice:      ao.StopPrice,
		Status:         ao.Status,
		CreatedAt:      ao.CreatedAt,
		UpdatedAt:      ao.UpdatedAt,
	}
	if ao.Qty != nil {
		o.Qty = *ao.Qty
	}
	return o
}
