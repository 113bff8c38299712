package bybit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
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
	pingInterval  = 20 * time.Second
	readDeadline  = 60 * time.Second
	reconnectBase = time.Second
	reconnectMax  = 30 * time.Second
)

// Updates returns the order-update channel fed by Run.
func (c *Client) Updates() <-chan domain.OrderUpdate { return c.updates }

// Run maintains the private stream (auth, subscribe to order + execution
// topics, ping keepalive), reconnecting with backoff until ctx ends.
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
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.wsURL, err)
	}
	defer conn.Close()

	if err := c.authenticate(conn); err != nil {
		return err
	}
	sub := map[string]any{"op": "subscribe", "args": []string{"order", "execution"}}
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
				_ = conn.WriteJSON(map[string]string{"op": "ping"})
			}
		}
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		c.dispatch(raw)
	}
}

func (c *Client) authenticate(conn *websocket.Conn) error {
	expires := time.Now().Add(10 * time.Second).UnixMilli()
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	fmt.Fprintf(mac, "GET/realtime%d", expires)
	auth := map[string]any{
		"op":   "auth",
		"args": []any{c.apiKey, expires, hex.EncodeToString(mac.Sum(nil))},
	}
	if err := conn.WriteJSON(auth); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	return nil
}

type wsEnvelope struct {
	Topic   string          `json:"topic"`
	Op      string          `json:"op"`
	Success *bool           `json:"success,omitempty"`
	RetMsg  string          `json:"ret_msg,omitempty"`
	Data    json.RawMessage `json:"data"`
}

func (c *Client) dispatch(raw []byte) {
	var env wsEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.log.Debug().Err(err).Msg("unparseable ws frame")
		return
	}
	if env.Success != nil && !*env.Success {
		c.log.Error().Str("op", env.Op).Str("msg", env.RetMsg).Msg("ws op failed")
		return
	}
	switch env.Topic {
	case "execution":
		c.handleExecutions(env.Data)
	case "order":
		c.handleOrders(env.Data)
	}
}

// execution events carry fills; execId disambiguates partials.
func (c *Client) handleExecutions(data json.RawMessage) {
	var fills []struct {
		Symbol    string `json:"symbol"`
		OrderID   string `json:"orderId"`
		ExecID    string `json:"execId"`
		ExecQty   string `json:"execQty"`
		ExecPrice string `json:"execPrice"`
		LeavesQty string `json:"leavesQty"`
		ExecTime  string `json:"execTime"`
	}
	if err := json.Unmarshal(data, &fills); err != nil {
		c.log.Debug().Err(err).Msg("bad execution payload")
		return
	}
	for _, f := range fills {
		status := domain.OrderPartiallyFilled
		if leaves, err := decimal.NewFromString(f.LeavesQty); err == nil && leaves.IsZero() {
			status = domain.OrderFilled
		}
		upd := domain.OrderUpdate{
			Exchange:  "bybit",
			Symbol:    f.Symbol,
			OrderID:   f.OrderID,
			TradeID:   f.ExecID,
			Status:    status,
			FilledQty: parseDec(f.ExecQty),
			FillPrice: parseDec(f.ExecPrice),
			AvgPrice:  parseDec(f.ExecPrice),
		}
		if ms, err := strconv.ParseInt(f.ExecTime, 10, 64); err == nil {
			upd.Timestamp = time.UnixMilli(ms)
		}
		c.updates <- upd
	}
}

// order events carry status transitions without fills (cancel, reject).
func (c *Client) handleOrders(data json.RawMessage) {
	var orders []struct {
		Symbol      string `json:"symbol"`
		OrderID     string `json:"orderId"`
		OrderStatus string `json:"orderStatus"`
		UpdatedTime string `json:"updatedTime"`
	}
	if err := json.Unmarshal(data, &orders); err != nil {
		c.log.Debug().Err(err).Msg("bad order payload")
		return
	}
	for _, o := range orders {
		var status domain.OrderStatus
		switch o.OrderStatus {
		case "Cancelled", "Deactivated":
			status = domain.OrderCancelled
		case "Rejected":
			status = domain.OrderRejected
		default:
			continue // fills arrive on the execution topic
		}
		upd := domain.OrderUpdate{
			Exchange: "bybit",
			Symbol:   o.Symbol,
			OrderID:  o.OrderID,
			Status:   status,
		}
		if ms, err := strconv.ParseInt(o.UpdatedTime, 10, 64); err == nil {
			upd.Timestamp = time.UnixMilli(ms)
		}
		c.updates <- upd
	}
}
