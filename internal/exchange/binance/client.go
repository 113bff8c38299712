// Package binance adapts Binance USD-M futures to the exchange facade.
package binance

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/signalbot/internal/domain"
	"github.com/web3guy0/signalbot/internal/exchange"
)

const (
	baseURLProduction = "https://fapi.binance.com"
	baseURLTestnet    = "https://testnet.binancefuture.com"
)

// Client trades Binance USD-M futures through the official REST and
// user-data-stream endpoints.
type Client struct {
	api     *futures.Client
	apiKey  string
	log     zerolog.Logger
	updates chan domain.OrderUpdate
}

type Options struct {
	APIKey    string
	APISecret string
	Testnet   bool
}

func New(opts Options, log zerolog.Logger) *Client {
	api := futures.NewClient(opts.APIKey, opts.APISecret)
	if opts.Testnet {
		api.BaseURL = baseURLTestnet
	} else {
		api.BaseURL = baseURLProduction
	}
	return &Client{
		api:     api,
		apiKey:  opts.APIKey,
		log:     log.With().Str("exchange", "binance").Logger(),
		updates: make(chan domain.OrderUpdate, 256),
	}
}

func (c *Client) Name() string { return "binance" }

// MaintenanceMarginFactor is the tier-1 rate for USDT perps.
func (c *Client) MaintenanceMarginFactor() decimal.Decimal {
	return decimal.NewFromFloat(0.004)
}

// mapAPIError translates Binance error codes onto the facade sentinels.
func mapAPIError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	switch apiErr.Code {
	case -1003, -1015:
		return fmt.Errorf("%w: %s", exchange.ErrRateLimited, apiErr.Message)
	case -1121:
		return fmt.Errorf("%w: %s", exchange.ErrSymbolNotFound, apiErr.Message)
	case -2010, -2022, -4164:
		return fmt.Errorf("%w: %s", exchange.ErrOrderRejected, apiErr.Message)
	case -2013:
		return fmt.Errorf("%w: %s", exchange.ErrOrderNotFound, apiErr.Message)
	case -2019:
		return fmt.Errorf("%w: %s", exchange.ErrInsufficientMargin, apiErr.Message)
	case -4028:
		return fmt.Errorf("%w: %s", exchange.ErrInvalidLeverage, apiErr.Message)
	}
	return err
}

func (c *Client) MarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	res, err := c.api.NewPremiumIndexService().Symbol(symbol).Do(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("mark price %s: %w", symbol, mapAPIError(err))
	}
	if len(res) == 0 {
		return decimal.Zero, fmt.Errorf("mark price %s: %w", symbol, exchange.ErrSymbolNotFound)
	}
	p, err := decimal.NewFromString(res[0].MarkPrice)
	if err != nil {
		return decimal.Zero, fmt.Errorf("mark price %s: parse %q: %w", symbol, res[0].MarkPrice, err)
	}
	return p, nil
}

func (c *Client) Balance(ctx context.Context, asset string) (decimal.Decimal, error) {
	acct, err := c.api.NewGetAccountService().Do(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("account: %w", mapAPIError(err))
	}
	for _, a := range acct.Assets {
		if a.Asset == asset {
			b, err := decimal.NewFromString(a.WalletBalance)
			if err != nil {
				return decimal.Zero, fmt.Errorf("balance %s: parse %q: %w", asset, a.WalletBalance, err)
			}
			return b, nil
		}
	}
	return decimal.Zero, nil
}

func (c *Client) Klines(ctx context.Context, symbol, interval string, limit int) ([]domain.Kline, error) {
	raw, err := c.api.NewKlinesService().Symbol(symbol).Interval(interval).Limit(limit).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("klines %s: %w", symbol, mapAPIError(err))
	}
	out := make([]domain.Kline, 0, len(raw))
	for _, k := range raw {
		kl, err := parseKline(k)
		if err != nil {
			return nil, fmt.Errorf("klines %s: %w", symbol, err)
		}
		out = append(out, kl)
	}
	return out, nil
}

func parseKline(k *futures.Kline) (domain.Kline, error) {
	var out domain.Kline
	var err error
	out.OpenTime = time.UnixMilli(k.OpenTime)
	if out.Open, err = decimal.NewFromString(k.Open); err != nil {
		return out, err
	}
	if out.High, err = decimal.NewFromString(k.High); err != nil {
		return out, err
	}
	if out.Low, err = decimal.NewFromString(k.Low); err != nil {
		return out, err
	}
	if out.Close, err = decimal.NewFromString(k.Close); err != nil {
		return out, err
	}
	if out.Volume, err = decimal.NewFromString(k.Volume); err != nil {
		return out, err
	}
	return out, nil
}

func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	_, err := c.api.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx)
	if err != nil {
		return fmt.Errorf("set leverage %s %dx: %w", symbol, leverage, mapAPIError(err))
	}
	return nil
}

func (c *Client) SetMarginType(ctx context.Context, symbol string, mt domain.MarginType) error {
	m := futures.MarginTypeIsolated
	if mt == domain.MarginCross {
		m = futures.MarginTypeCrossed
	}
	err := c.api.NewChangeMarginTypeService().Symbol(symbol).MarginType(m).Do(ctx)
	if err != nil {
		var apiErr *common.APIError
		// -4046: no need to change margin type.
		if errors.As(err, &apiErr) && apiErr.Code == -4046 {
			return nil
		}
		return fmt.Errorf("set margin type %s %s: %w", symbol, mt, mapAPIError(err))
	}
	return nil
}

func (c *Client) MarketOrder(ctx context.Context, symbol string, side exchange.Side, qty decimal.Decimal, reduceOnly bool) (domain.ExecutionResult, error) {
	svc := c.api.NewCreateOrderService().
		Symbol(symbol).
		Side(futures.SideType(side)).
		Type(futures.OrderTypeMarket).
		Quantity(qty.String()).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT)
	if reduceOnly {
		svc = svc.ReduceOnly(true)
	}
	order, err := svc.Do(ctx)
	if err != nil {
		return c.rejectOrError("market order", symbol, err)
	}
	return orderResult(order)
}

func (c *Client) StopMarket(ctx context.Context, symbol string, side exchange.Side, stopPrice, qty decimal.Decimal) (domain.ExecutionResult, error) {
	order, err := c.api.NewCreateOrderService().
		Symbol(symbol).
		Side(futures.SideType(side)).
		Type(futures.OrderTypeStopMarket).
		StopPrice(stopPrice.String()).
		Quantity(qty.String()).
		ReduceOnly(true).
		Do(ctx)
	if err != nil {
		return c.rejectOrError("stop market", symbol, err)
	}
	return orderResult(order)
}

func (c *Client) TakeProfitMarket(ctx context.Context, symbol string, side exchange.Side, price, qty decimal.Decimal) (domain.ExecutionResult, error) {
	order, err := c.api.NewCreateOrderService().
		Symbol(symbol).
		Side(futures.SideType(side)).
		Type(futures.OrderTypeTakeProfitMarket).
		StopPrice(price.String()).
		Quantity(qty.String()).
		ReduceOnly(true).
		Do(ctx)
	if err != nil {
		return c.rejectOrError("take profit", symbol, err)
	}
	return orderResult(order)
}

// rejectOrError turns venue rejections into unsuccessful results and keeps
// transport faults as errors.
func (c *Client) rejectOrError(op, symbol string, err error) (domain.ExecutionResult, error) {
	mapped := mapAPIError(err)
	if errors.Is(mapped, exchange.ErrOrderRejected) ||
		errors.Is(mapped, exchange.ErrInsufficientMargin) ||
		errors.Is(mapped, exchange.ErrInvalidLeverage) ||
		errors.Is(mapped, exchange.ErrSymbolNotFound) {
		c.log.Warn().Str("op", op).Str("symbol", symbol).Err(mapped).Msg("order rejected")
		return domain.ExecutionResult{Success: false, RejectReason: mapped.Error()}, nil
	}
	return domain.ExecutionResult{}, fmt.Errorf("%s %s: %w", op, symbol, mapped)
}

func orderResult(order *futures.CreateOrderResponse) (domain.ExecutionResult, error) {
	res := domain.ExecutionResult{
		Success: true,
		OrderID: strconv.FormatInt(order.OrderID, 10),
	}
	if order.AvgPrice != "" {
		if p, err := decimal.NewFromString(order.AvgPrice); err == nil {
			res.AveragePrice = p
		}
	}
	if order.ExecutedQuantity != "" {
		if q, err := decimal.NewFromString(order.ExecutedQuantity); err == nil {
			res.ExecutedQty = q
		}
	}
	return res, nil
}

func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("cancel %s: bad order id %q: %w", symbol, orderID, err)
	}
	if _, err := c.api.NewCancelOrderService().Symbol(symbol).OrderID(id).Do(ctx); err != nil {
		return fmt.Errorf("cancel %s order %s: %w", symbol, orderID, mapAPIError(err))
	}
	return nil
}

func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]exchange.OpenOrder, error) {
	orders, err := c.api.NewListOpenOrdersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("open orders %s: %w", symbol, mapAPIError(err))
	}
	out := make([]exchange.OpenOrder, 0, len(orders))
	for _, o := range orders {
		oo := exchange.OpenOrder{
			OrderID:    strconv.FormatInt(o.OrderID, 10),
			Symbol:     o.Symbol,
			Side:       exchange.Side(o.Side),
			Type:       string(o.Type),
			ReduceOnly: o.ReduceOnly,
			CreatedAt:  time.UnixMilli(o.Time),
		}
		if o.StopPrice != "" {
			if p, err := decimal.NewFromString(o.StopPrice); err == nil {
				oo.StopPrice = p
			}
		}
		if o.OrigQuantity != "" {
			if q, err := decimal.NewFromString(o.OrigQuantity); err == nil {
				oo.Quantity = q
			}
		}
		out = append(out, oo)
	}
	return out, nil
}

func (c *Client) PositionQuantity(ctx context.Context, symbol string) (decimal.Decimal, error) {
	positions, err := c.api.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("position risk %s: %w", symbol, mapAPIError(err))
	}
	total := decimal.Zero
	for _, p := range positions {
		amt, err := decimal.NewFromString(p.PositionAmt)
		if err != nil {
			return decimal.Zero, fmt.Errorf("position risk %s: parse %q: %w", symbol, p.PositionAmt, err)
		}
		total = total.Add(amt.Abs())
	}
	return total, nil
}
