package binance

import (
	"context"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/signalbot/internal/domain"
)

func parseDec(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

const (
	keepaliveInterval = 25 * time.Minute
	reconnectBase     = time.Second
	reconnectMax      = 30 * time.Second
)

// Updates returns the order-update channel fed by Run.
func (c *Client) Updates() <-chan domain.OrderUpdate { return c.updates }

// Run maintains the user-data stream: obtains a listen key, keeps it
// alive, and reconnects with backoff until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.updates)
	delay := reconnectBase
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := c.streamOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warn().Err(err).Dur("retry_in", delay).Msg("user stream dropped, reconnecting")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > reconnectMax {
			delay = reconnectMax
		}
	}
}

func (c *Client) streamOnce(ctx context.Context) error {
	listenKey, err := c.api.NewStartUserStreamService().Do(ctx)
	if err != nil {
		return mapAPIError(err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.api.NewCloseUserStreamService().ListenKey(listenKey).Do(closeCtx)
	}()

	errCh := make(chan error, 1)
	doneC, stopC, err := futures.WsUserDataServe(listenKey,
		func(event *futures.WsUserDataEvent) { c.handleEvent(event) },
		func(err error) {
			select {
			case errCh <- err:
			default:
			}
		})
	if err != nil {
		return err
	}

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()
	for {
		select {
		case <-ctx.Done():
			close(stopC)
			<-doneC
			return ctx.Err()
		case err := <-errCh:
			close(stopC)
			<-doneC
			return err
		case <-doneC:
			return nil
		case <-keepalive.C:
			kaCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := c.api.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(kaCtx)
			cancel()
			if err != nil {
				c.log.Warn().Err(err).Msg("listen key keepalive failed")
			}
		}
	}
}

func (c *Client) handleEvent(event *futures.WsUserDataEvent) {
	if event.Event != futures.UserDataEventTypeOrderTradeUpdate {
		return
	}
	o := event.OrderTradeUpdate
	upd := domain.OrderUpdate{
		Exchange:   "binance",
		Symbol:     o.Symbol,
		OrderID:    strconv.FormatInt(o.ID, 10),
		Status:     mapOrderStatus(o.Status),
		ReduceOnly: o.IsReduceOnly,
		Timestamp:  time.UnixMilli(event.Time),
	}
	if o.TradeID != 0 {
		upd.TradeID = strconv.FormatInt(o.TradeID, 10)
	}
	upd.FilledQty = parseDec(o.LastFilledQty)
	upd.FillPrice = parseDec(o.LastFilledPrice)
	upd.AvgPrice = parseDec(o.AveragePrice)

	// Blocking send: dropping a fill would desync position state.
	c.updates <- upd
}

func mapOrderStatus(s futures.OrderStatusType) domain.OrderStatus {
	switch s {
	case futures.OrderStatusTypeNew:
		return domain.OrderNew
	case futures.OrderStatusTypePartiallyFilled:
		return domain.OrderPartiallyFilled
	case futures.OrderStatusTypeFilled:
		return domain.OrderFilled
	case futures.OrderStatusTypeCanceled:
		return domain.OrderCancelled
	case futures.OrderStatusTypeRejected:
		return domain.OrderRejected
	case futures.OrderStatusTypeExpired:
		return domain.OrderExpired
	}
	return domain.OrderStatus(s)
}
