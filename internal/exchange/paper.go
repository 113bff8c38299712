package exchange

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/signalbot/internal/domain"
)

// Paper is the dry-run client: market data is delegated to a real venue's
// public endpoints while execution is simulated in memory. Market orders
// fill instantly at mark price; trigger orders fire when the polled mark
// price crosses them.
type Paper struct {
	md      MarketDataClient
	name    string
	log     zerolog.Logger
	updates chan domain.OrderUpdate

	mu       sync.Mutex
	nextID   int64
	balance  decimal.Decimal
	triggers map[string]*paperTrigger
	position map[string]decimal.Decimal // symbol -> signed qty
}

type paperTrigger struct {
	id      string
	symbol  string
	side    Side
	price   decimal.Decimal
	qty     decimal.Decimal
	isStop  bool
	created time.Time
}

// NewPaper wraps md (typically a real adapter used read-only) with a
// simulated execution layer holding the given starting balance.
func NewPaper(md MarketDataClient, venueName string, startBalance decimal.Decimal, log zerolog.Logger) *Paper {
	return &Paper{
		md:       md,
		name:     venueName,
		log:      log.With().Str("exchange", venueName).Bool("dry_run", true).Logger(),
		updates:  make(chan domain.OrderUpdate, 256),
		nextID:   1,
		balance:  startBalance,
		triggers: map[string]*paperTrigger{},
		position: map[string]decimal.Decimal{},
	}
}

func (p *Paper) Name() string { return p.name }

func (p *Paper) MaintenanceMarginFactor() decimal.Decimal { return decimal.NewFromFloat(0.004) }

func (p *Paper) MarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return p.md.MarkPrice(ctx, symbol)
}

func (p *Paper) Balance(ctx context.Context, asset string) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balance, nil
}

func (p *Paper) Klines(ctx context.Context, symbol, interval string, limit int) ([]domain.Kline, error) {
	return p.md.Klines(ctx, symbol, interval, limit)
}

func (p *Paper) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	p.log.Info().Str("symbol", symbol).Int("leverage", leverage).Msg("dry-run: set leverage")
	return nil
}

func (p *Paper) SetMarginType(ctx context.Context, symbol string, mt domain.MarginType) error {
	p.log.Info().Str("symbol", symbol).Str("margin", string(mt)).Msg("dry-run: set margin type")
	return nil
}

func (p *Paper) newID() string {
	id := p.nextID
	p.nextID++
	return "paper-" + strconv.FormatInt(id, 10)
}

func (p *Paper) MarketOrder(ctx context.Context, symbol string, side Side, qty decimal.Decimal, reduceOnly bool) (domain.ExecutionResult, error) {
	price, err := p.md.MarkPrice(ctx, symbol)
	if err != nil {
		return domain.ExecutionResult{}, fmt.Errorf("dry-run fill price: %w", err)
	}
	p.mu.Lock()
	id := p.newID()
	signed := qty
	if side == Sell {
		signed = qty.Neg()
	}
	if reduceOnly {
		cur := p.position[symbol]
		if cur.IsZero() || cur.Sign() == signed.Sign() {
			p.mu.Unlock()
			return domain.ExecutionResult{Success: false, RejectReason: "reduce-only with no opposing position"}, nil
		}
		if signed.Abs().GreaterThan(cur.Abs()) {
			signed = cur.Neg()
		}
	}
	p.position[symbol] = p.position[symbol].Add(signed)
	p.mu.Unlock()

	p.log.Info().Str("symbol", symbol).Str("side", string(side)).
		Str("qty", qty.String()).Str("price", price.String()).
		Bool("reduce_only", reduceOnly).Msg("dry-run: market fill")

	p.updates <- domain.OrderUpdate{
		Exchange:   p.name,
		Symbol:     symbol,
		OrderID:    id,
		TradeID:    id + "-1",
		Status:     domain.OrderFilled,
		FilledQty:  signed.Abs(),
		FillPrice:  price,
		AvgPrice:   price,
		ReduceOnly: reduceOnly,
		Timestamp:  time.Now().UTC(),
	}
	return domain.ExecutionResult{Success: true, OrderID: id, AveragePrice: price, ExecutedQty: signed.Abs()}, nil
}

func (p *Paper) StopMarket(ctx context.Context, symbol string, side Side, stopPrice, qty decimal.Decimal) (domain.ExecutionResult, error) {
	return p.addTrigger(symbol, side, stopPrice, qty, true), nil
}

func (p *Paper) TakeProfitMarket(ctx context.Context, symbol string, side Side, price, qty decimal.Decimal) (domain.ExecutionResult, error) {
	return p.addTrigger(symbol, side, price, qty, false), nil
}

func (p *Paper) addTrigger(symbol string, side Side, price, qty decimal.Decimal, isStop bool) domain.ExecutionResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.newID()
	p.triggers[id] = &paperTrigger{
		id: id, symbol: symbol, side: side, price: price, qty: qty,
		isStop: isStop, created: time.Now().UTC(),
	}
	p.log.Info().Str("symbol", symbol).Str("trigger", price.String()).
		Bool("stop", isStop).Str("order_id", id).Msg("dry-run: trigger order placed")
	return domain.ExecutionResult{Success: true, OrderID: id}
}

func (p *Paper) CancelOrder(ctx context.Context, symbol, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.triggers[orderID]; !ok {
		return fmt.Errorf("cancel %s: %w", orderID, ErrOrderNotFound)
	}
	delete(p.triggers, orderID)
	return nil
}

func (p *Paper) OpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []OpenOrder
	for _, t := range p.triggers {
		if t.symbol != symbol {
			continue
		}
		typ := "TAKE_PROFIT_MARKET"
		if t.isStop {
			typ = "STOP_MARKET"
		}
		out = append(out, OpenOrder{
			OrderID: t.id, Symbol: t.symbol, Side: t.side, Type: typ,
			StopPrice: t.price, Quantity: t.qty, ReduceOnly: true,
			CreatedAt: t.created,
		})
	}
	return out, nil
}

func (p *Paper) PositionQuantity(ctx context.Context, symbol string) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.position[symbol].Abs(), nil
}

func (p *Paper) Updates() <-chan domain.OrderUpdate { return p.updates }

// Run polls mark prices and fires simulated trigger orders.
func (p *Paper) Run(ctx context.Context) error {
	defer close(p.updates)
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.checkTriggers(ctx)
		}
	}
}

func (p *Paper) checkTriggers(ctx context.Context) {
	p.mu.Lock()
	bySymbol := map[string][]*paperTrigger{}
	for _, t := range p.triggers {
		bySymbol[t.symbol] = append(bySymbol[t.symbol], t)
	}
	p.mu.Unlock()

	for symbol, triggers := range bySymbol {
		price, err := p.md.MarkPrice(ctx, symbol)
		if err != nil {
			p.log.Debug().Err(err).Str("symbol", symbol).Msg("dry-run: trigger poll failed")
			continue
		}
		for _, t := range triggers {
			if !crossed(t, price) {
				continue
			}
			p.fireTrigger(t, price)
		}
	}
}

// crossed: a sell stop fires at or below its trigger, a sell take-profit
// at or above; mirrored for buys.
func crossed(t *paperTrigger, price decimal.Decimal) bool {
	selling := t.side == Sell
	if selling == t.isStop {
		return price.LessThanOrEqual(t.price)
	}
	return price.GreaterThanOrEqual(t.price)
}

func (p *Paper) fireTrigger(t *paperTrigger, price decimal.Decimal) {
	p.mu.Lock()
	if _, ok := p.triggers[t.id]; !ok {
		p.mu.Unlock()
		return
	}
	delete(p.triggers, t.id)
	signed := t.qty
	if t.side == Sell {
		signed = t.qty.Neg()
	}
	cur := p.position[t.symbol]
	if cur.IsZero() || cur.Sign() == signed.Sign() {
		p.mu.Unlock()
		return
	}
	if signed.Abs().GreaterThan(cur.Abs()) {
		signed = cur.Neg()
	}
	p.position[t.symbol] = cur.Add(signed)
	p.mu.Unlock()

	p.log.Info().Str("symbol", t.symbol).Str("order_id", t.id).
		Str("price", price.String()).Bool("stop", t.isStop).
		Msg("dry-run: trigger fired")
	p.updates <- domain.OrderUpdate{
		Exchange:   p.name,
		Symbol:     t.symbol,
		OrderID:    t.id,
		TradeID:    t.id + "-1",
		Status:     domain.OrderFilled,
		FilledQty:  signed.Abs(),
		FillPrice:  price,
		AvgPrice:   price,
		ReduceOnly: true,
		Timestamp:  time.Now().UTC(),
	}
}
