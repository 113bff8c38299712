// Package position manages open positions for their whole life after entry:
// it is the single consumer of the exchange order stream, applies fills to
// the stored position state, walks the stop loss up the breakeven ladder as
// targets hit, and closes positions exactly once, fanning the result out to
// the cooldown controller, the statistics window, the journal, and Telegram.
package position

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/signalbot/internal/config"
	"github.com/web3guy0/signalbot/internal/domain"
	"github.com/web3guy0/signalbot/internal/exchange"
	"github.com/web3guy0/signalbot/internal/retry"
	"github.com/web3guy0/signalbot/internal/risk"
	"github.com/web3guy0/signalbot/internal/stats"
	"github.com/web3guy0/signalbot/internal/store"
)

// Notifier is the slice of the notification surface the manager uses.
type Notifier interface {
	TargetHit(p *domain.SignalPosition, target int, fillPrice decimal.Decimal)
	StopMoved(p *domain.SignalPosition, newStop decimal.Decimal)
	PositionClosed(p *domain.SignalPosition)
	ProtectionAlert(p *domain.SignalPosition, msg string)
}

// Journal records closed trades durably. Nil-able: the manager works without
// one.
type Journal interface {
	Record(ctx context.Context, t domain.ClosedTrade) error
}

// liquidationSweepInterval is how often open positions are checked against
// the venue for quantity that vanished outside our own orders.
const liquidationSweepInterval = time.Minute

// Manager consumes order updates and owns every position mutation after
// entry. Updates for the same position are applied serially; distinct
// positions proceed in parallel.
type Manager struct {
	cfg       *config.Config
	exch      exchange.Client
	positions *store.Collection[domain.SignalPosition]
	cooldown  *risk.Controller
	stats     *stats.Aggregator
	notifier  Notifier
	journal   Journal
	retry     retry.Policy
	log       zerolog.Logger

	mu              sync.Mutex
	workers         map[string]chan domain.OrderUpdate
	locks           map[string]*sync.Mutex
	seenFills       map[string]struct{}
	expectedCancels map[string]struct{}
	wg              sync.WaitGroup
}

func NewManager(cfg *config.Config, exch exchange.Client, positions *store.Collection[domain.SignalPosition],
	cooldown *risk.Controller, agg *stats.Aggregator, notifier Notifier, journal Journal, log zerolog.Logger) *Manager {
	return &Manager{
		cfg:             cfg,
		exch:            exch,
		positions:       positions,
		cooldown:        cooldown,
		stats:           agg,
		notifier:        notifier,
		journal:         journal,
		retry:           retry.Default,
		log:             log.With().Str("component", "position").Logger(),
		workers:         map[string]chan domain.OrderUpdate{},
		locks:           map[string]*sync.Mutex{},
		seenFills:       map[string]struct{}{},
		expectedCancels: map[string]struct{}{},
	}
}

func positionKey(p domain.SignalPosition) string { return p.ID }

// Run consumes the order stream until the stream closes or ctx ends.
func (m *Manager) Run(ctx context.Context) error {
	sweep := time.NewTicker(liquidationSweepInterval)
	defer sweep.Stop()
	updates := m.exch.Updates()
	for {
		select {
		case <-ctx.Done():
			m.wg.Wait()
			return ctx.Err()
		case <-sweep.C:
			m.sweepLiquidations(ctx)
		case u, ok := <-updates:
			if !ok {
				m.wg.Wait()
				return nil
			}
			m.dispatch(ctx, u)
		}
	}
}

// dispatch routes an update to the per-position worker owning its order.
func (m *Manager) dispatch(ctx context.Context, u domain.OrderUpdate) {
	if u.OrderID == "" {
		return
	}
	pos, ok := m.positions.First(func(p domain.SignalPosition) bool {
		return p.Active() && p.OwnsOrder(u.OrderID)
	})
	if !ok {
		m.log.Debug().Str("order", u.OrderID).Str("symbol", u.Symbol).
			Msg("update for unknown or inactive order ignored")
		return
	}

	m.mu.Lock()
	ch, ok := m.workers[pos.ID]
	if !ok {
		ch = make(chan domain.OrderUpdate, 64)
		m.workers[pos.ID] = ch
		m.wg.Add(1)
		go m.worker(ctx, pos.ID, ch)
	}
	m.mu.Unlock()

	select {
	case ch <- u:
	case <-ctx.Done():
	}
}

func (m *Manager) worker(ctx context.Context, positionID string, ch <-chan domain.OrderUpdate) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-ch:
			m.apply(ctx, positionID, u)
		}
	}
}

// lockFor returns the mutex serializing mutations of one position. Workers
// and ClosePosition share it.
func (m *Manager) lockFor(positionID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[positionID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[positionID] = l
	}
	return l
}

// markFillSeen records a fill key; returns false when it was already applied
// (websocket replay after reconnect).
func (m *Manager) markFillSeen(u domain.OrderUpdate) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := u.FillKey()
	if _, dup := m.seenFills[key]; dup {
		return false
	}
	m.seenFills[key] = struct{}{}
	return true
}

func (m *Manager) expectCancel(orderID string) {
	m.mu.Lock()
	m.expectedCancels[orderID] = struct{}{}
	m.mu.Unlock()
}

func (m *Manager) cancelExpected(orderID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.expectedCancels[orderID]; ok {
		delete(m.expectedCancels, orderID)
		return true
	}
	return false
}

// apply processes one update under the position's lock.
func (m *Manager) apply(ctx context.Context, positionID string, u domain.OrderUpdate) {
	lock := m.lockFor(positionID)
	lock.Lock()
	defer lock.Unlock()

	pos, ok := m.positions.First(func(p domain.SignalPosition) bool { return p.ID == positionID })
	if !ok || !pos.Active() {
		return
	}
	log := m.log.With().Str("position", pos.ID).Str("symbol", pos.Symbol).Str("order", u.OrderID).Logger()

	hasFill := u.FilledQty.Sign() > 0 &&
		(u.Status == domain.OrderFilled || u.Status == domain.OrderPartiallyFilled)
	if hasFill && !m.markFillSeen(u) {
		log.Debug().Str("fill", u.FillKey()).Msg("duplicate fill ignored")
		return
	}

	switch {
	case u.OrderID == pos.EntryOrderID:
		m.applyEntry(&pos, u, log)
	case u.OrderID == pos.StopLossOrderID:
		m.applyStop(ctx, &pos, u, hasFill, log)
	default:
		m.applyTarget(ctx, &pos, u, hasFill, log)
	}
}

// applyEntry refines the entry record from stream fills. The trader already
// opened the position from the synchronous order result; the stream may carry
// a better average price.
func (m *Manager) applyEntry(pos *domain.SignalPosition, u domain.OrderUpdate, log zerolog.Logger) {
	changed := false
	if u.AvgPrice.Sign() > 0 && !u.AvgPrice.Equal(pos.ActualEntryPrice) {
		pos.ActualEntryPrice = u.AvgPrice
		changed = true
	}
	if pos.Status == domain.StatusPending && u.Status == domain.OrderFilled {
		pos.Status = domain.StatusOpen
		now := u.Timestamp
		pos.OpenedAt = &now
		changed = true
	}
	if changed {
		m.persist(pos, log)
		log.Debug().Str("entry", pos.ActualEntryPrice.String()).Msg("entry refined from stream")
	}
}

// applyStop handles stop-loss order events: a fill closes the position, an
// unexpected cancel strips its protection.
func (m *Manager) applyStop(ctx context.Context, pos *domain.SignalPosition, u domain.OrderUpdate, hasFill bool, log zerolog.Logger) {
	if hasFill {
		qty := u.FilledQty
		if qty.GreaterThan(pos.RemainingQuantity) {
			qty = pos.RemainingQuantity
		}
		price := u.FillPrice
		if price.Sign() <= 0 {
			price = pos.CurrentStopLoss
		}
		pos.RealizedPnl = pos.RealizedPnl.Add(pos.PnlForFill(price, qty))
		pos.RemainingQuantity = pos.RemainingQuantity.Sub(qty)
		if u.Status == domain.OrderFilled || pos.RemainingQuantity.Sign() <= 0 {
			pos.RemainingQuantity = decimal.Zero
			pos.StopLossOrderID = "" // just filled, nothing to cancel
			m.finalize(ctx, pos, domain.CloseStopLossHit, u.Timestamp, log)
			return
		}
		pos.Status = domain.StatusPartialClosed
		m.persist(pos, log)
		return
	}

	switch u.Status {
	case domain.OrderCancelled, domain.OrderExpired, domain.OrderRejected:
		if m.cancelExpected(u.OrderID) {
			return // our own cancel during a breakeven move
		}
		pos.ProtectionIncomplete = true
		m.persist(pos, log)
		log.Warn().Str("status", string(u.Status)).Msg("stop loss order gone without a fill")
		m.notifier.ProtectionAlert(pos, fmt.Sprintf("stop-loss order %s is %s; position is unprotected", u.OrderID, u.Status))
	}
}

// applyTarget handles take-profit order events: fills advance the ladder and
// may move the stop to breakeven.
func (m *Manager) applyTarget(ctx context.Context, pos *domain.SignalPosition, u domain.OrderUpdate, hasFill bool, log zerolog.Logger) {
	idx := -1
	for i := range pos.Targets {
		if pos.Targets[i].OrderID == u.OrderID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	lvl := &pos.Targets[idx]

	if !hasFill {
		if (u.Status == domain.OrderCancelled || u.Status == domain.OrderExpired) && !m.cancelExpected(u.OrderID) {
			log.Warn().Int("target", idx+1).Msg("take profit order cancelled externally")
		}
		return
	}

	qty := u.FilledQty
	if qty.GreaterThan(pos.RemainingQuantity) {
		qty = pos.RemainingQuantity
	}
	price := u.FillPrice
	if price.Sign() <= 0 {
		price = lvl.Price
	}
	pos.RealizedPnl = pos.RealizedPnl.Add(pos.PnlForFill(price, qty))
	pos.RemainingQuantity = pos.RemainingQuantity.Sub(qty)

	if u.Status == domain.OrderFilled {
		lvl.Hit = true
		hitAt := u.Timestamp
		lvl.HitAt = &hitAt
	}

	if pos.RemainingQuantity.Sign() <= 0 || pos.NextUnhitTarget() < 0 {
		pos.RemainingQuantity = decimal.Zero
		m.finalize(ctx, pos, domain.CloseTargetsHit, u.Timestamp, log)
		return
	}

	pos.Status = domain.StatusPartialClosed
	log.Info().Int("target", idx+1).Str("price", price.String()).
		Str("remaining", pos.RemainingQuantity.String()).Msg("target hit")

	// The target announcement waits until the stop has actually moved (or
	// the failure is flagged); announcing an unprotected position as
	// progress would be misleading.
	if lvl.Hit && lvl.MoveStopLossTo != nil {
		m.moveStop(ctx, pos, *lvl.MoveStopLossTo, log)
	}
	m.persist(pos, log)
	m.notifier.TargetHit(pos, idx+1, price)
}

// moveStop replaces the working stop-loss order with one at newStop for the
// remaining quantity. Cancel first, then place; a placement failure leaves
// the position flagged unprotected.
func (m *Manager) moveStop(ctx context.Context, pos *domain.SignalPosition, newStop decimal.Decimal, log zerolog.Logger) {
	if newStop.Equal(pos.CurrentStopLoss) && pos.StopLossOrderID != "" {
		return
	}
	if pos.StopLossOrderID != "" {
		m.expectCancel(pos.StopLossOrderID)
		err := m.retry.Do(ctx, func() error {
			err := m.exch.CancelOrder(ctx, pos.Symbol, pos.StopLossOrderID)
			if errors.Is(err, exchange.ErrOrderNotFound) {
				return nil // already gone, nothing to cancel
			}
			if err != nil && !exchange.Retryable(err) {
				return retry.Abort(err)
			}
			return err
		})
		if err != nil {
			pos.ProtectionIncomplete = true
			log.Error().Err(err).Msg("cancel old stop failed, stop not moved")
			m.notifier.ProtectionAlert(pos, "stop-loss move failed (cancel): "+err.Error())
			return
		}
	}

	side := exchange.SideFor(pos.CloseSide())
	var res domain.ExecutionResult
	err := m.retry.Do(ctx, func() error {
		var err error
		res, err = m.exch.StopMarket(ctx, pos.Symbol, side, newStop, pos.RemainingQuantity)
		return err
	})
	if err != nil || !res.Success {
		pos.ProtectionIncomplete = true
		pos.StopLossOrderID = ""
		reason := res.RejectReason
		if err != nil {
			reason = err.Error()
		}
		log.Error().Str("reason", reason).Msg("replacement stop placement failed")
		m.notifier.ProtectionAlert(pos, "stop-loss move failed (place): "+reason)
		return
	}

	pos.StopLossOrderID = res.OrderID
	pos.CurrentStopLoss = newStop
	pos.ProtectionIncomplete = false
	log.Info().Str("stop", newStop.String()).Str("order", res.OrderID).Msg("stop loss moved")
	m.notifier.StopMoved(pos, newStop)
}

// finalize closes the position exactly once: cancels the leftover protective
// orders, persists the terminal state, and fans the close out.
func (m *Manager) finalize(ctx context.Context, pos *domain.SignalPosition, reason domain.CloseReason, at time.Time, log zerolog.Logger) {
	m.cancelProtection(ctx, pos, log)

	pos.Status = domain.StatusClosed
	pos.CloseReason = reason
	if at.IsZero() {
		at = time.Now().UTC()
	}
	closedAt := at
	pos.ClosedAt = &closedAt
	m.persist(pos, log)

	log.Info().Str("reason", string(reason)).Str("pnl", pos.RealizedPnl.String()).Msg("position closed")
	m.fanOut(ctx, pos)
}

// cancelProtection cancels the stop and every unhit target that still has a
// live order. Not-found errors are fine: the order may have just filled.
func (m *Manager) cancelProtection(ctx context.Context, pos *domain.SignalPosition, log zerolog.Logger) {
	cancel := func(orderID string) {
		if orderID == "" {
			return
		}
		m.expectCancel(orderID)
		err := m.exch.CancelOrder(ctx, pos.Symbol, orderID)
		if err != nil && !errors.Is(err, exchange.ErrOrderNotFound) {
			log.Warn().Err(err).Str("order", orderID).Msg("cancel leftover order failed")
		}
	}
	cancel(pos.StopLossOrderID)
	pos.StopLossOrderID = ""
	for i := range pos.Targets {
		if !pos.Targets[i].Hit {
			cancel(pos.Targets[i].OrderID)
			pos.Targets[i].OrderID = ""
		}
	}
}

func (m *Manager) fanOut(ctx context.Context, pos *domain.SignalPosition) {
	m.cooldown.OnPositionClosed(pos)
	trade := domain.ClosedTrade{
		PositionID:  pos.ID,
		Symbol:      pos.Symbol,
		Direction:   pos.Direction,
		Pnl:         pos.RealizedPnl,
		CloseReason: pos.CloseReason,
		ClosedAt:    *pos.ClosedAt,
	}
	m.stats.Record(trade)
	if m.journal != nil {
		if err := m.journal.Record(ctx, trade); err != nil {
			m.log.Error().Err(err).Str("position", pos.ID).Msg("journal write failed")
		}
	}
	m.notifier.PositionClosed(pos)
}

func (m *Manager) persist(pos *domain.SignalPosition, log zerolog.Logger) {
	if err := m.positions.Upsert(*pos, positionKey); err != nil {
		log.Error().Err(err).Msg("persist position")
	}
}

// ClosePosition flattens one position at market with a reduce-only order.
// Closing an already-closed position is a no-op. Implements the closer the
// trader's flip policy and the Telegram /close command use.
func (m *Manager) ClosePosition(ctx context.Context, positionID string, reason domain.CloseReason) error {
	lock := m.lockFor(positionID)
	lock.Lock()
	defer lock.Unlock()

	pos, ok := m.positions.First(func(p domain.SignalPosition) bool { return p.ID == positionID })
	if !ok {
		return fmt.Errorf("position %s not found", positionID)
	}
	if !pos.Active() {
		return nil
	}
	log := m.log.With().Str("position", pos.ID).Str("symbol", pos.Symbol).Logger()

	m.cancelProtection(ctx, &pos, log)

	if pos.RemainingQuantity.Sign() > 0 {
		res, err := m.exch.MarketOrder(ctx, pos.Symbol, exchange.SideFor(pos.CloseSide()), pos.RemainingQuantity, true)
		if err != nil {
			m.persist(&pos, log) // protective orders are already gone
			return fmt.Errorf("close %s: %w", pos.Symbol, err)
		}
		if !res.Success {
			m.persist(&pos, log)
			return fmt.Errorf("close %s rejected: %s", pos.Symbol, res.RejectReason)
		}
		price := res.AveragePrice
		if price.Sign() <= 0 {
			if mark, merr := m.exch.MarkPrice(ctx, pos.Symbol); merr == nil {
				price = mark
			}
		}
		qty := res.ExecutedQty
		if qty.Sign() <= 0 || qty.GreaterThan(pos.RemainingQuantity) {
			qty = pos.RemainingQuantity
		}
		pos.RealizedPnl = pos.RealizedPnl.Add(pos.PnlForFill(price, qty))
		pos.RemainingQuantity = decimal.Zero
	}

	m.finalize(ctx, &pos, reason, time.Now().UTC(), log)
	return nil
}

// CloseAll flattens every active position. Errors are collected; one failed
// close does not stop the rest.
func (m *Manager) CloseAll(ctx context.Context, reason domain.CloseReason) error {
	active := m.positions.Find(func(p domain.SignalPosition) bool { return p.Status.Active() })
	var errs []error
	for _, p := range active {
		if err := m.ClosePosition(ctx, p.ID, reason); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Active returns a snapshot of every active position, for /positions and
// /status.
func (m *Manager) Active() []domain.SignalPosition {
	return m.positions.Find(func(p domain.SignalPosition) bool { return p.Status.Active() })
}

// sweepLiquidations detects positions whose venue-side quantity vanished
// without any fill on our orders, which is what a liquidation looks like
// from the outside.
func (m *Manager) sweepLiquidations(ctx context.Context) {
	for _, p := range m.Active() {
		if p.Status == domain.StatusPending || p.RemainingQuantity.Sign() <= 0 {
			continue
		}
		venueQty, err := m.exch.PositionQuantity(ctx, p.Symbol)
		if err != nil {
			m.log.Debug().Err(err).Str("symbol", p.Symbol).Msg("liquidation sweep query failed")
			continue
		}
		if venueQty.Sign() > 0 {
			continue
		}

		lock := m.lockFor(p.ID)
		lock.Lock()
		pos, ok := m.positions.First(func(sp domain.SignalPosition) bool { return sp.ID == p.ID })
		if ok && pos.Active() && pos.RemainingQuantity.Sign() > 0 {
			log := m.log.With().Str("position", pos.ID).Str("symbol", pos.Symbol).Logger()
			log.Warn().Str("remaining", pos.RemainingQuantity.String()).
				Msg("venue position gone without fills, treating as liquidation")
			// The whole remaining margin is gone; book it as a loss of the
			// isolated margin share.
			loss := pos.ActualEntryPrice.Mul(pos.RemainingQuantity).
				Div(decimal.NewFromInt(int64(pos.Leverage))).Neg()
			pos.RealizedPnl = pos.RealizedPnl.Add(loss)
			pos.RemainingQuantity = decimal.Zero
			m.finalize(ctx, &pos, domain.CloseLiquidation, time.Now().UTC(), log)
		}
		lock.Unlock()
	}
}
