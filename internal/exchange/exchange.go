// Package exchange defines the venue-neutral facade the rest of the bot
// trades through. One adapter (binance, bybit, bitget) is selected by
// configuration at boot; everything above this package is venue-agnostic.
package exchange

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/signalbot/internal/domain"
)

// Side is the order side on the venue.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// SideFor maps a trade direction to the order side that opens it.
func SideFor(d domain.Direction) Side {
	if d == domain.Long {
		return Buy
	}
	return Sell
}

// OpenOrder is a live order as reported by the venue, used during
// reconciliation.
type OpenOrder struct {
	OrderID    string
	Symbol     string
	Side       Side
	Type       string
	StopPrice  decimal.Decimal
	Quantity   decimal.Decimal
	ReduceOnly bool
	CreatedAt  time.Time
}

// MarketDataClient serves read-only market and account queries.
type MarketDataClient interface {
	// MarkPrice returns the current mark price for symbol.
	MarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	// Balance returns the wallet balance of asset (e.g. USDT).
	Balance(ctx context.Context, asset string) (decimal.Decimal, error)
	// Klines returns up to limit most recent closed candles.
	Klines(ctx context.Context, symbol, interval string, limit int) ([]domain.Kline, error)
}

// OrderExecutor places and cancels orders. Placement returns an
// ExecutionResult whose Success=false carries the venue's reject reason;
// transport failures surface as errors.
type OrderExecutor interface {
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SetMarginType(ctx context.Context, symbol string, mt domain.MarginType) error
	// MarketOrder opens or reduces a position at market. reduceOnly orders
	// never increase exposure.
	MarketOrder(ctx context.Context, symbol string, side Side, qty decimal.Decimal, reduceOnly bool) (domain.ExecutionResult, error)
	// StopMarket places a reduce-only stop-loss trigger order.
	StopMarket(ctx context.Context, symbol string, side Side, stopPrice, qty decimal.Decimal) (domain.ExecutionResult, error)
	// TakeProfitMarket places a reduce-only take-profit trigger order.
	TakeProfitMarket(ctx context.Context, symbol string, side Side, price, qty decimal.Decimal) (domain.ExecutionResult, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	OpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error)
	// PositionQuantity returns the venue-side position size for symbol
	// (absolute value; zero when flat).
	PositionQuantity(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// OrderUpdateStream delivers order events from the venue's user stream.
// Run blocks, reconnecting with backoff, until ctx is cancelled.
type OrderUpdateStream interface {
	Updates() <-chan domain.OrderUpdate
	Run(ctx context.Context) error
}

// Client is the full per-venue surface.
type Client interface {
	MarketDataClient
	OrderExecutor
	OrderUpdateStream
	Name() string
	// MaintenanceMarginFactor is the venue's tier-1 maintenance margin rate
	// used for liquidation estimates.
	MaintenanceMarginFactor() decimal.Decimal
}
