package bitget

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/signalbot/internal/domain"
)

const (
	pingInterval  = 25 * time.Second
	readDeadline  = 60 * time.Second
	reconnectBase = time.Second
	reconnectMax  = 30 * time.Second
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

// Updates returns the order-update channel fed by Run.
func (c *Client) Updates() <-chan domain.OrderUpdate { return c.updates }

// Run maintains the private stream, reconnecting with backoff until ctx
// ends.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.updates)
	delay := reconnectBase
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		start := time.Now()
		err := c.streamOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Since(start) > time.Minute {
			delay = reconnectBase
		}
		c.log.Warn().Err(err).Dur("retry_in", delay).Msg("private stream dropped, reconnecting")
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
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", wsURL, err)
	}
	defer conn.Close()

	if err := c.login(conn); err != nil {
		return err
	}
	sub := map[string]any{
		"op": "subscribe",
		"args": []map[string]string{{
			"instType": c.productType, "channel": "orders", "instId": "default",
		}},
	}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				conn.Close()
				return
			case <-ticker.C:
				_ = conn.WriteMessage(websocket.TextMessage, []byte("ping"))
			}
		}
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if string(raw) == "pong" {
			continue
		}
		c.dispatch(raw)
	}
}

func (c *Client) login(conn *websocket.Conn) error {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(ts + "GET" + "/user/verify"))
	login := map[string]any{
		"op": "login",
		"args": []map[string]string{{
			"apiKey":     c.apiKey,
			"passphrase": c.passphrase,
			"timestamp":  ts,
			"sign":       base64.StdEncoding.EncodeToString(mac.Sum(nil)),
		}},
	}
	if err := conn.WriteJSON(login); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	return nil
}

type wsEnvelope struct {
	Event string `json:"event,omitempty"`
	Code  any    `json:"code,omitempty"`
	Msg   string `json:"msg,omitempty"`
	Arg   struct {
		Channel string `json:"channel"`
	} `json:"arg"`
	Data json.RawMessage `json:"data"`
}

func (c *Client) dispatch(raw []byte) {
	var env wsEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.log.Debug().Err(err).Msg("unparseable ws frame")
		return
	}
	if env.Event == "error" {
		c.log.Error().Interface("code", env.Code).Str("msg", env.Msg).Msg("ws error event")
		return
	}
	if env.Arg.Channel != "orders" || len(env.Data) == 0 {
		return
	}
	var orders []struct {
		InstID     string `json:"instId"`
		OrderID    string `json:"orderId"`
		Status     string `json:"status"`
		TradeID    string `json:"tradeId"`
		BaseVolume string `json:"baseVolume"`
		FillPrice  string `json:"fillPrice"`
		PriceAvg   string `json:"priceAvg"`
		ReduceOnly string `json:"reduceOnly"`
		UTime      string `json:"uTime"`
	}
	if err := json.Unmarshal(env.Data, &orders); err != nil {
		c.log.Debug().Err(err).Msg("bad orders payload")
		return
	}
	for _, o := range orders {
		upd := domain.OrderUpdate{
			Exchange:   "bitget",
			Symbol:     o.InstID,
			OrderID:    o.OrderID,
			TradeID:    o.TradeID,
			Status:     mapStatus(o.Status),
			FilledQty:  parseDec(o.BaseVolume),
			FillPrice:  parseDec(o.FillPrice),
			AvgPrice:   parseDec(o.PriceAvg),
			ReduceOnly: o.ReduceOnly == "YES" || o.ReduceOnly == "yes",
		}
		if ms, err := strconv.ParseInt(o.UTime, 10, 64); err == nil {
			upd.Timestamp = time.UnixMilli(ms)
		}
		c.updates <- upd
	}
}

func mapStatus(s string) domain.OrderStatus {
	switch s {
	case "live", "new", "init":
		return domain.OrderNew
	case "partially_filled":
		return domain.OrderPartiallyFilled
	case "filled":
		return domain.OrderFilled
	case "canceled", "cancelled":
		return domain.OrderCancelled
	case "rejected":
		return domain.OrderRejected
	}
	return domain.OrderStatus(s)
}
