package position

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/signalbot/internal/config"
	"github.com/web3guy0/signalbot/internal/domain"
	"github.com/web3guy0/signalbot/internal/exchange"
	"github.com/web3guy0/signalbot/internal/risk"
	"github.com/web3guy0/signalbot/internal/stats"
	"github.com/web3guy0/signalbot/internal/store"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeExchange struct {
	mark decimal.Decimal

	failStopPlacement bool
	rejectClose       bool
	venueQty          decimal.Decimal

	stopOrders   []decimal.Decimal // stop prices placed
	marketOrders []decimal.Decimal // quantities sent
	cancelled    []string
	nextID       int
}

func (f *fakeExchange) Name() string                                { return "fake" }
func (f *fakeExchange) MaintenanceMarginFactor() decimal.Decimal    { return decimal.NewFromFloat(0.004) }
func (f *fakeExchange) Updates() <-chan domain.OrderUpdate          { return nil }
func (f *fakeExchange) Run(ctx context.Context) error               { return nil }
func (f *fakeExchange) MarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return f.mark, nil
}
func (f *fakeExchange) Balance(ctx context.Context, asset string) (decimal.Decimal, error) {
	return d("10000"), nil
}
func (f *fakeExchange) Klines(ctx context.Context, symbol, interval string, limit int) ([]domain.Kline, error) {
	return nil, nil
}
func (f *fakeExchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return nil
}
func (f *fakeExchange) SetMarginType(ctx context.Context, symbol string, mt domain.MarginType) error {
	return nil
}
func (f *fakeExchange) newID() string {
	f.nextID++
	return "replaced-" + decimal.NewFromInt(int64(f.nextID)).String()
}
func (f *fakeExchange) MarketOrder(ctx context.Context, symbol string, side exchange.Side, qty decimal.Decimal, reduceOnly bool) (domain.ExecutionResult, error) {
	f.marketOrders = append(f.marketOrders, qty)
	if f.rejectClose {
		return domain.ExecutionResult{Success: false, RejectReason: "scripted reject"}, nil
	}
	return domain.ExecutionResult{Success: true, OrderID: f.newID(), AveragePrice: f.mark, ExecutedQty: qty}, nil
}
func (f *fakeExchange) StopMarket(ctx context.Context, symbol string, side exchange.Side, stopPrice, qty decimal.Decimal) (domain.ExecutionResult, error) {
	if f.failStopPlacement {
		return domain.ExecutionResult{Success: false, RejectReason: "scripted stop failure"}, nil
	}
	f.stopOrders = append(f.stopOrders, stopPrice)
	return domain.ExecutionResult{Success: true, OrderID: f.newID()}, nil
}
func (f *fakeExchange) TakeProfitMarket(ctx context.Context, symbol string, side exchange.Side, price, qty decimal.Decimal) (domain.ExecutionResult, error) {
	return domain.ExecutionResult{Success: true, OrderID: f.newID()}, nil
}
func (f *fakeExchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	f.cancelled = append(f.cancelled, orderID)
	return nil
}
func (f *fakeExchange) OpenOrders(ctx context.Context, symbol string) ([]exchange.OpenOrder, error) {
	return nil, nil
}
func (f *fakeExchange) PositionQuantity(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return f.venueQty, nil
}

type recordingNotifier struct {
	events []string // ordered event names
	alerts []string
	closed []*domain.SignalPosition
}

func (n *recordingNotifier) TargetHit(p *domain.SignalPosition, target int, fillPrice decimal.Decimal) {
	n.events = append(n.events, "target")
}
func (n *recordingNotifier) StopMoved(p *domain.SignalPosition, newStop decimal.Decimal) {
	n.events = append(n.events, "stop-moved")
}
func (n *recordingNotifier) PositionClosed(p *domain.SignalPosition) {
	n.events = append(n.events, "closed")
	n.closed = append(n.closed, p.Clone())
}
func (n *recordingNotifier) ProtectionAlert(p *domain.SignalPosition, msg string) {
	n.events = append(n.events, "alert")
	n.alerts = append(n.alerts, msg)
}

type fixture struct {
	mgr       *Manager
	exch      *fakeExchange
	positions *store.Collection[domain.SignalPosition]
	cooldown  *risk.Controller
	stats     *stats.Aggregator
	notifier  *recordingNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	positions, err := store.OpenCollection[domain.SignalPosition](filepath.Join(dir, "positions.json"))
	if err != nil {
		t.Fatalf("open positions: %v", err)
	}
	cooldown, err := risk.NewController(config.CooldownConfig{
		AfterStopLoss:         30 * time.Minute,
		AfterLiquidation:      4 * time.Hour,
		LossesForLongCooldown: 3,
	}, store.OpenSingleton[domain.CooldownState](filepath.Join(dir, "cooldown.json")), zerolog.Nop())
	if err != nil {
		t.Fatalf("cooldown: %v", err)
	}
	agg, err := stats.NewAggregator(nil, stats.OpenStore(filepath.Join(dir, "stats.json")), zerolog.Nop())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	exch := &fakeExchange{mark: d("64000")}
	notifier := &recordingNotifier{}
	mgr := NewManager(&config.Config{}, exch, positions, cooldown, agg, notifier, nil, zerolog.Nop())
	return &fixture{mgr: mgr, exch: exch, positions: positions, cooldown: cooldown, stats: agg, notifier: notifier}
}

// openPosition seeds a long 0.05 BTC position entered at 64000 with a stop
// at 62000 and two targets carrying a breakeven ladder.
func openPosition(t *testing.T, f *fixture) domain.SignalPosition {
	t.Helper()
	entry := d("64000")
	tp1Move := entry
	tp2Move := d("65000")
	now := time.Now().UTC()
	opened := now
	pos := domain.SignalPosition{
		ID:                domain.NewPositionID(),
		SignalID:          domain.NewSignalID(),
		Exchange:          "fake",
		Symbol:            "BTCUSDT",
		Direction:         domain.Long,
		Status:            domain.StatusOpen,
		PlannedEntryPrice: entry,
		ActualEntryPrice:  entry,
		CurrentStopLoss:   d("62000"),
		Leverage:          10,
		InitialQuantity:   d("0.05"),
		RemainingQuantity: d("0.05"),
		EntryOrderID:      "entry-1",
		StopLossOrderID:   "sl-1",
		Targets: []domain.TargetLevel{
			{Price: d("65000"), QuantityToClose: d("0.025"), MoveStopLossTo: &tp1Move, OrderID: "tp-1"},
			{Price: d("66000"), QuantityToClose: d("0.025"), MoveStopLossTo: &tp2Move, OrderID: "tp-2"},
		},
		CreatedAt: now,
		OpenedAt:  &opened,
	}
	if err := f.positions.Upsert(pos, positionKey); err != nil {
		t.Fatalf("seed position: %v", err)
	}
	return pos
}

func fill(orderID, tradeID string, price, qty string, status domain.OrderStatus) domain.OrderUpdate {
	return domain.OrderUpdate{
		Exchange:   "fake",
		Symbol:     "BTCUSDT",
		OrderID:    orderID,
		TradeID:    tradeID,
		Status:     status,
		FilledQty:  d(qty),
		FillPrice:  d(price),
		ReduceOnly: true,
		Timestamp:  time.Now().UTC(),
	}
}

func (f *fixture) load(t *testing.T, id string) domain.SignalPosition {
	t.Helper()
	pos, ok := f.positions.First(func(p domain.SignalPosition) bool { return p.ID == id })
	if !ok {
		t.Fatalf("position %s not in store", id)
	}
	return pos
}

func TestTargetFillMovesStopToBreakeven(t *testing.T) {
	f := newFixture(t)
	pos := openPosition(t, f)
	ctx := context.Background()

	f.mgr.apply(ctx, pos.ID, fill("tp-1", "t1", "65000", "0.025", domain.OrderFilled))

	got := f.load(t, pos.ID)
	if got.Status != domain.StatusPartialClosed {
		t.Errorf("status = %s", got.Status)
	}
	if !got.RemainingQuantity.Equal(d("0.025")) {
		t.Errorf("remaining = %s", got.RemainingQuantity)
	}
	if !got.Targets[0].Hit {
		t.Error("target 1 not marked hit")
	}
	// 0.025 * (65000-64000) = 25 realized.
	if !got.RealizedPnl.Equal(d("25")) {
		t.Errorf("pnl = %s, want 25", got.RealizedPnl)
	}
	// Old stop cancelled, new stop at entry.
	if len(f.exch.cancelled) != 1 || f.exch.cancelled[0] != "sl-1" {
		t.Errorf("cancelled = %v", f.exch.cancelled)
	}
	if len(f.exch.stopOrders) != 1 || !f.exch.stopOrders[0].Equal(d("64000")) {
		t.Errorf("replacement stops = %v", f.exch.stopOrders)
	}
	if !got.CurrentStopLoss.Equal(d("64000")) {
		t.Errorf("stop = %s", got.CurrentStopLoss)
	}
	if got.StopLossOrderID == "sl-1" || got.StopLossOrderID == "" {
		t.Errorf("stop order id not replaced: %q", got.StopLossOrderID)
	}
	// Stop move is announced before the target.
	if len(f.notifier.events) != 2 || f.notifier.events[0] != "stop-moved" || f.notifier.events[1] != "target" {
		t.Errorf("events = %v", f.notifier.events)
	}
}

func TestDuplicateFillIgnored(t *testing.T) {
	f := newFixture(t)
	pos := openPosition(t, f)
	ctx := context.Background()

	u := fill("tp-1", "t1", "65000", "0.025", domain.OrderFilled)
	f.mgr.apply(ctx, pos.ID, u)
	f.mgr.apply(ctx, pos.ID, u) // websocket replay

	got := f.load(t, pos.ID)
	if !got.RemainingQuantity.Equal(d("0.025")) {
		t.Errorf("remaining = %s after replay", got.RemainingQuantity)
	}
	if !got.RealizedPnl.Equal(d("25")) {
		t.Errorf("pnl = %s after replay", got.RealizedPnl)
	}
}

func TestStopHitClosesAndCancelsTargets(t *testing.T) {
	f := newFixture(t)
	pos := openPosition(t, f)
	ctx := context.Background()

	f.mgr.apply(ctx, pos.ID, fill("sl-1", "s1", "62000", "0.05", domain.OrderFilled))

	got := f.load(t, pos.ID)
	if got.Status != domain.StatusClosed || got.CloseReason != domain.CloseStopLossHit {
		t.Fatalf("status=%s reason=%s", got.Status, got.CloseReason)
	}
	// 0.05 * (62000-64000) = -100.
	if !got.RealizedPnl.Equal(d("-100")) {
		t.Errorf("pnl = %s, want -100", got.RealizedPnl)
	}
	// Both unhit targets cancelled.
	if len(f.exch.cancelled) != 2 {
		t.Errorf("cancelled = %v", f.exch.cancelled)
	}
	// Fan-out: cooldown engaged, stats recorded, close notified.
	if blocked, _ := f.cooldown.Blocked(); !blocked {
		t.Error("cooldown not engaged after stop-out")
	}
	report := f.stats.Report()
	if report[0].Trades != 1 || report[0].Losses != 1 {
		t.Errorf("stats = %+v", report[0])
	}
	if len(f.notifier.closed) != 1 {
		t.Errorf("close notifications = %d", len(f.notifier.closed))
	}
}

func TestClosedPositionStaysClosedOnReplay(t *testing.T) {
	f := newFixture(t)
	pos := openPosition(t, f)
	ctx := context.Background()

	f.mgr.apply(ctx, pos.ID, fill("sl-1", "s1", "62000", "0.05", domain.OrderFilled))
	f.mgr.apply(ctx, pos.ID, fill("sl-1", "s2", "62000", "0.05", domain.OrderFilled))

	got := f.load(t, pos.ID)
	if !got.RealizedPnl.Equal(d("-100")) {
		t.Errorf("pnl = %s after replay", got.RealizedPnl)
	}
	if len(f.notifier.closed) != 1 {
		t.Errorf("closed %d times", len(f.notifier.closed))
	}
	if f.stats.Report()[0].Trades != 1 {
		t.Errorf("stats trades = %d", f.stats.Report()[0].Trades)
	}
}

func TestAllTargetsFilledClosesPosition(t *testing.T) {
	f := newFixture(t)
	pos := openPosition(t, f)
	ctx := context.Background()

	f.mgr.apply(ctx, pos.ID, fill("tp-1", "t1", "65000", "0.025", domain.OrderFilled))
	f.mgr.apply(ctx, pos.ID, fill("tp-2", "t2", "66000", "0.025", domain.OrderFilled))

	got := f.load(t, pos.ID)
	if got.Status != domain.StatusClosed || got.CloseReason != domain.CloseTargetsHit {
		t.Fatalf("status=%s reason=%s", got.Status, got.CloseReason)
	}
	if got.RemainingQuantity.Sign() != 0 {
		t.Errorf("remaining = %s", got.RemainingQuantity)
	}
	// 25 + 0.025*(66000-64000) = 75.
	if !got.RealizedPnl.Equal(d("75")) {
		t.Errorf("pnl = %s, want 75", got.RealizedPnl)
	}
	// Winning close engages no cooldown.
	if blocked, _ := f.cooldown.Blocked(); blocked {
		t.Error("cooldown engaged after a win")
	}
}

func TestStopMoveFailureFlagsUnprotected(t *testing.T) {
	f := newFixture(t)
	pos := openPosition(t, f)
	f.exch.failStopPlacement = true
	ctx := context.Background()

	f.mgr.apply(ctx, pos.ID, fill("tp-1", "t1", "65000", "0.025", domain.OrderFilled))

	got := f.load(t, pos.ID)
	if !got.ProtectionIncomplete {
		t.Error("position not flagged unprotected")
	}
	if got.StopLossOrderID != "" {
		t.Errorf("stale stop order id kept: %q", got.StopLossOrderID)
	}
	if len(f.notifier.alerts) != 1 {
		t.Fatalf("alerts = %v", f.notifier.alerts)
	}
	// The target is still announced, after the alert.
	last := f.notifier.events[len(f.notifier.events)-1]
	if last != "target" {
		t.Errorf("events = %v", f.notifier.events)
	}
}

func TestUnexpectedStopCancelAlerts(t *testing.T) {
	f := newFixture(t)
	pos := openPosition(t, f)
	ctx := context.Background()

	u := fill("sl-1", "", "0", "0", domain.OrderCancelled)
	f.mgr.apply(ctx, pos.ID, u)

	got := f.load(t, pos.ID)
	if !got.ProtectionIncomplete {
		t.Error("external stop cancel not flagged")
	}
	if len(f.notifier.alerts) != 1 {
		t.Errorf("alerts = %v", f.notifier.alerts)
	}
}

func TestClosePositionFlattensAtMarket(t *testing.T) {
	f := newFixture(t)
	pos := openPosition(t, f)
	ctx := context.Background()

	if err := f.mgr.ClosePosition(ctx, pos.ID, domain.CloseManual); err != nil {
		t.Fatalf("close: %v", err)
	}
	got := f.load(t, pos.ID)
	if got.Status != domain.StatusClosed || got.CloseReason != domain.CloseManual {
		t.Fatalf("status=%s reason=%s", got.Status, got.CloseReason)
	}
	// Stop and both targets cancelled, one reduce-only market order for the
	// full remainder.
	if len(f.exch.cancelled) != 3 {
		t.Errorf("cancelled = %v", f.exch.cancelled)
	}
	if len(f.exch.marketOrders) != 1 || !f.exch.marketOrders[0].Equal(d("0.05")) {
		t.Errorf("market orders = %v", f.exch.marketOrders)
	}

	// Closing again is a no-op.
	if err := f.mgr.ClosePosition(ctx, pos.ID, domain.CloseManual); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if len(f.exch.marketOrders) != 1 {
		t.Error("second close placed an order")
	}
}

func TestClosePositionRejectedKeepsPositionActive(t *testing.T) {
	f := newFixture(t)
	pos := openPosition(t, f)
	f.exch.rejectClose = true
	ctx := context.Background()

	err := f.mgr.ClosePosition(ctx, pos.ID, domain.CloseManual)
	if err == nil {
		t.Fatal("expected error from rejected close")
	}
	got := f.load(t, pos.ID)
	if !got.Active() {
		t.Errorf("status = %s, want still active", got.Status)
	}
}

func TestCloseAllFlattensEveryActive(t *testing.T) {
	f := newFixture(t)
	p1 := openPosition(t, f)
	p2 := openPosition(t, f)
	ctx := context.Background()

	if err := f.mgr.CloseAll(ctx, domain.CloseManual); err != nil {
		t.Fatalf("close all: %v", err)
	}
	for _, id := range []string{p1.ID, p2.ID} {
		if got := f.load(t, id); got.Status != domain.StatusClosed {
			t.Errorf("%s status = %s", id, got.Status)
		}
	}
	if len(f.mgr.Active()) != 0 {
		t.Errorf("active = %d", len(f.mgr.Active()))
	}
}

func TestLiquidationSweep(t *testing.T) {
	f := newFixture(t)
	pos := openPosition(t, f)
	f.exch.venueQty = decimal.Zero
	ctx := context.Background()

	f.mgr.sweepLiquidations(ctx)

	got := f.load(t, pos.ID)
	if got.Status != domain.StatusClosed || got.CloseReason != domain.CloseLiquidation {
		t.Fatalf("status=%s reason=%s", got.Status, got.CloseReason)
	}
	// Isolated margin share: 64000*0.05/10 = 320 lost.
	if !got.RealizedPnl.Equal(d("-320")) {
		t.Errorf("pnl = %s, want -320", got.RealizedPnl)
	}
	if blocked, st := f.cooldown.Blocked(); !blocked || st.Reason == "" {
		t.Error("liquidation did not engage cooldown")
	}
}

func TestPartialStopFillKeepsPositionOpen(t *testing.T) {
	f := newFixture(t)
	pos := openPosition(t, f)
	ctx := context.Background()

	f.mgr.apply(ctx, pos.ID, fill("sl-1", "s1", "62000", "0.02", domain.OrderPartiallyFilled))

	got := f.load(t, pos.ID)
	if got.Status != domain.StatusPartialClosed {
		t.Errorf("status = %s", got.Status)
	}
	if !got.RemainingQuantity.Equal(d("0.03")) {
		t.Errorf("remaining = %s", got.RemainingQuantity)
	}

	f.mgr.apply(ctx, pos.ID, fill("sl-1", "s2", "62000", "0.03", domain.OrderFilled))
	got = f.load(t, pos.ID)
	if got.Status != domain.StatusClosed || got.CloseReason != domain.CloseStopLossHit {
		t.Fatalf("status=%s reason=%s", got.Status, got.CloseReason)
	}
	if !got.RealizedPnl.Equal(d("-100")) {
		t.Errorf("pnl = %s, want -100", got.RealizedPnl)
	}
}
