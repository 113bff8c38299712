package reconcile

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/signalbot/internal/domain"
	"github.com/web3guy0/signalbot/internal/exchange"
	"github.com/web3guy0/signalbot/internal/store"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeVenue struct {
	quantities map[string]decimal.Decimal
	orders     map[string][]exchange.OpenOrder
}

func (f *fakeVenue) PositionQuantity(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return f.quantities[symbol], nil
}

func (f *fakeVenue) OpenOrders(ctx context.Context, symbol string) ([]exchange.OpenOrder, error) {
	return f.orders[symbol], nil
}

func seedPosition(t *testing.T, c *store.Collection[domain.SignalPosition], symbol string, qty string) domain.SignalPosition {
	t.Helper()
	pos := domain.SignalPosition{
		ID:                domain.NewPositionID(),
		Symbol:            symbol,
		Direction:         domain.Long,
		Status:            domain.StatusOpen,
		ActualEntryPrice:  d("64000"),
		CurrentStopLoss:   d("62000"),
		InitialQuantity:   d(qty),
		RemainingQuantity: d(qty),
		StopLossOrderID:   symbol + "-sl",
		Targets: []domain.TargetLevel{
			{Price: d("65000"), QuantityToClose: d(qty), OrderID: symbol + "-tp1"},
		},
		CreatedAt: time.Now().UTC(),
	}
	if err := c.Upsert(pos, func(p domain.SignalPosition) string { return p.ID }); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return pos
}

func openStore(t *testing.T) *store.Collection[domain.SignalPosition] {
	t.Helper()
	c, err := store.OpenCollection[domain.SignalPosition](filepath.Join(t.TempDir(), "positions.json"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return c
}

func protectiveOrders(symbol string) []exchange.OpenOrder {
	return []exchange.OpenOrder{
		{OrderID: symbol + "-sl", Symbol: symbol, Type: "STOP_MARKET"},
		{OrderID: symbol + "-tp1", Symbol: symbol, Type: "TAKE_PROFIT_MARKET"},
	}
}

func TestCleanBookConfirms(t *testing.T) {
	t.Parallel()
	positions := openStore(t)
	pos := seedPosition(t, positions, "BTCUSDT", "0.05")
	venue := &fakeVenue{
		quantities: map[string]decimal.Decimal{"BTCUSDT": d("0.05")},
		orders:     map[string][]exchange.OpenOrder{"BTCUSDT": protectiveOrders("BTCUSDT")},
	}

	res, err := Run(context.Background(), venue, positions, zerolog.Nop())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Clean() {
		t.Fatalf("result = %+v", res)
	}
	if len(res.Confirmed) != 1 || res.Confirmed[0] != pos.ID {
		t.Errorf("confirmed = %v", res.Confirmed)
	}
}

func TestRoundingInsideToleranceConfirms(t *testing.T) {
	t.Parallel()
	positions := openStore(t)
	seedPosition(t, positions, "BTCUSDT", "0.05")
	venue := &fakeVenue{
		quantities: map[string]decimal.Decimal{"BTCUSDT": d("0.0499")}, // 0.2% off
		orders:     map[string][]exchange.OpenOrder{"BTCUSDT": protectiveOrders("BTCUSDT")},
	}

	res, err := Run(context.Background(), venue, positions, zerolog.Nop())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(res.Mismatched) != 0 {
		t.Errorf("mismatched = %v", res.Mismatched)
	}
}

func TestVanishedPositionIsMismatch(t *testing.T) {
	t.Parallel()
	positions := openStore(t)
	pos := seedPosition(t, positions, "BTCUSDT", "0.05")
	venue := &fakeVenue{quantities: map[string]decimal.Decimal{}}

	res, err := Run(context.Background(), venue, positions, zerolog.Nop())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(res.Mismatched) != 1 || res.Mismatched[0].PositionID != pos.ID {
		t.Fatalf("mismatched = %v", res.Mismatched)
	}
	// Nothing gets corrected: the stored position is untouched.
	stored, _ := positions.First(func(p domain.SignalPosition) bool { return p.ID == pos.ID })
	if stored.Status != domain.StatusOpen {
		t.Errorf("status changed to %s", stored.Status)
	}
}

func TestMissingStopOrderReported(t *testing.T) {
	t.Parallel()
	positions := openStore(t)
	seedPosition(t, positions, "BTCUSDT", "0.05")
	venue := &fakeVenue{
		quantities: map[string]decimal.Decimal{"BTCUSDT": d("0.05")},
		orders: map[string][]exchange.OpenOrder{"BTCUSDT": {
			{OrderID: "BTCUSDT-tp1", Symbol: "BTCUSDT", Type: "TAKE_PROFIT_MARKET"},
		}},
	}

	res, err := Run(context.Background(), venue, positions, zerolog.Nop())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(res.MissingOrders) != 1 || !strings.Contains(res.MissingOrders[0].Issue, "stop-loss") {
		t.Fatalf("missing = %v", res.MissingOrders)
	}
}

func TestClosedPositionsIgnored(t *testing.T) {
	t.Parallel()
	positions := openStore(t)
	pos := seedPosition(t, positions, "BTCUSDT", "0.05")
	now := time.Now().UTC()
	positions.Update(pos.ID,
		func(p domain.SignalPosition) string { return p.ID },
		func(p domain.SignalPosition) domain.SignalPosition {
			p.Status = domain.StatusClosed
			p.ClosedAt = &now
			return p
		})
	venue := &fakeVenue{quantities: map[string]decimal.Decimal{}}

	res, err := Run(context.Background(), venue, positions, zerolog.Nop())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(res.Confirmed)+len(res.Mismatched)+len(res.MissingOrders) != 0 {
		t.Errorf("result = %+v", res)
	}
}
