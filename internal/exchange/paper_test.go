package exchange

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/signalbot/internal/domain"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeMarketData struct {
	mark decimal.Decimal
}

func (f *fakeMarketData) MarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return f.mark, nil
}
func (f *fakeMarketData) Balance(ctx context.Context, asset string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}
func (f *fakeMarketData) Klines(ctx context.Context, symbol, interval string, limit int) ([]domain.Kline, error) {
	return nil, nil
}

func newPaper(mark string) (*Paper, *fakeMarketData) {
	md := &fakeMarketData{mark: d(mark)}
	return NewPaper(md, "binance", d("10000"), zerolog.Nop()), md
}

func TestPaperMarketOrderFillsAtMark(t *testing.T) {
	p, _ := newPaper("64000")
	ctx := context.Background()

	res, err := p.MarketOrder(ctx, "BTCUSDT", Buy, d("0.05"), false)
	if err != nil {
		t.Fatalf("market order: %v", err)
	}
	if !res.Success || !res.AveragePrice.Equal(d("64000")) || !res.ExecutedQty.Equal(d("0.05")) {
		t.Fatalf("result = %+v", res)
	}

	qty, err := p.PositionQuantity(ctx, "BTCUSDT")
	if err != nil || !qty.Equal(d("0.05")) {
		t.Errorf("position = %s err=%v", qty, err)
	}

	select {
	case u := <-p.Updates():
		if u.Status != domain.OrderFilled || !u.FilledQty.Equal(d("0.05")) {
			t.Errorf("update = %+v", u)
		}
	default:
		t.Error("no fill update emitted")
	}
}

func TestPaperReduceOnlyNeedsOpposingPosition(t *testing.T) {
	p, _ := newPaper("64000")

	res, err := p.MarketOrder(context.Background(), "BTCUSDT", Sell, d("0.05"), true)
	if err != nil {
		t.Fatalf("market order: %v", err)
	}
	if res.Success {
		t.Fatal("reduce-only with no position accepted")
	}
}

func TestPaperStopTriggerFires(t *testing.T) {
	p, md := newPaper("64000")
	ctx := context.Background()

	if _, err := p.MarketOrder(ctx, "BTCUSDT", Buy, d("0.05"), false); err != nil {
		t.Fatalf("entry: %v", err)
	}
	<-p.Updates()

	res, err := p.StopMarket(ctx, "BTCUSDT", Sell, d("62000"), d("0.05"))
	if err != nil || !res.Success {
		t.Fatalf("stop: %+v %v", res, err)
	}

	// Above the trigger: nothing fires.
	p.checkTriggers(ctx)
	select {
	case u := <-p.Updates():
		t.Fatalf("premature trigger: %+v", u)
	default:
	}

	md.mark = d("61900")
	p.checkTriggers(ctx)

	select {
	case u := <-p.Updates():
		if u.OrderID != res.OrderID || !u.FilledQty.Equal(d("0.05")) {
			t.Errorf("update = %+v", u)
		}
	default:
		t.Fatal("stop did not fire below trigger")
	}
	qty, _ := p.PositionQuantity(ctx, "BTCUSDT")
	if !qty.IsZero() {
		t.Errorf("position after stop = %s", qty)
	}
	// The fired trigger is gone.
	if err := p.CancelOrder(ctx, "BTCUSDT", res.OrderID); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("cancel after fire = %v", err)
	}
}

func TestPaperTakeProfitFiresAtBoundary(t *testing.T) {
	p, md := newPaper("64000")
	ctx := context.Background()

	if _, err := p.MarketOrder(ctx, "BTCUSDT", Buy, d("0.05"), false); err != nil {
		t.Fatalf("entry: %v", err)
	}
	<-p.Updates()

	res, err := p.TakeProfitMarket(ctx, "BTCUSDT", Sell, d("65000"), d("0.05"))
	if err != nil || !res.Success {
		t.Fatalf("tp: %+v %v", res, err)
	}

	md.mark = d("65000") // exactly at the trigger
	p.checkTriggers(ctx)

	select {
	case u := <-p.Updates():
		if u.OrderID != res.OrderID {
			t.Errorf("update = %+v", u)
		}
	default:
		t.Fatal("take profit did not fire at its price")
	}
}

func TestPaperCancelRemovesOpenOrder(t *testing.T) {
	p, _ := newPaper("64000")
	ctx := context.Background()

	res, err := p.StopMarket(ctx, "BTCUSDT", Sell, d("62000"), d("0.05"))
	if err != nil || !res.Success {
		t.Fatalf("stop: %+v %v", res, err)
	}
	open, err := p.OpenOrders(ctx, "BTCUSDT")
	if err != nil || len(open) != 1 || open[0].Type != "STOP_MARKET" {
		t.Fatalf("open orders = %+v err=%v", open, err)
	}
	if err := p.CancelOrder(ctx, "BTCUSDT", res.OrderID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	open, _ = p.OpenOrders(ctx, "BTCUSDT")
	if len(open) != 0 {
		t.Errorf("open orders after cancel = %+v", open)
	}
}
