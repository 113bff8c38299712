// Package trader turns validated signals into exchange positions. Execute
// runs the gate pipeline (mode, duplicate, cooldown, deviation), sizes the
// entry, prepares the account, places the market entry, and arms the
// protective orders. Positions are persisted before Execute returns.
package trader

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/signalbot/internal/config"
	"github.com/web3guy0/signalbot/internal/domain"
	"github.com/web3guy0/signalbot/internal/exchange"
	"github.com/web3guy0/signalbot/internal/mode"
	"github.com/web3guy0/signalbot/internal/retry"
	"github.com/web3guy0/signalbot/internal/risk"
	"github.com/web3guy0/signalbot/internal/store"
	"github.com/web3guy0/signalbot/internal/validator"
)

var hundred = decimal.NewFromInt(100)

// Notifier is the slice of the notification surface the trader uses.
type Notifier interface {
	PositionOpened(p *domain.SignalPosition)
	SignalSkipped(sig *domain.TradingSignal, reason string)
	EntryRejected(sig *domain.TradingSignal, reason string)
	ProtectionAlert(p *domain.SignalPosition, msg string)
}

// PositionCloser flattens an existing position; the position manager
// implements it. Used by the opposite-direction flip policy.
type PositionCloser interface {
	ClosePosition(ctx context.Context, positionID string, reason domain.CloseReason) error
}

// Outcome is the result of running one signal through the pipeline.
type Outcome struct {
	Position *domain.SignalPosition
	Skipped  bool
	Reason   string
}

func skipped(reason string) Outcome { return Outcome{Skipped: true, Reason: reason} }

type Trader struct {
	cfg       *config.Config
	exch      exchange.Client
	positions *store.Collection[domain.SignalPosition]
	cooldown  *risk.Controller
	modes     *mode.Controller
	validate  *validator.Validator
	notifier  Notifier
	closer    PositionCloser
	retry     retry.Policy
	log       zerolog.Logger

	// One entry pipeline at a time; parallel entries would race on the
	// duplicate gate and on account prep.
	mu sync.Mutex
}

func New(cfg *config.Config, exch exchange.Client, positions *store.Collection[domain.SignalPosition],
	cooldown *risk.Controller, modes *mode.Controller, notifier Notifier, log zerolog.Logger) *Trader {
	slMode, _ := cfg.StopLossMode()
	return &Trader{
		cfg:       cfg,
		exch:      exch,
		positions: positions,
		cooldown:  cooldown,
		modes:     modes,
		notifier:  notifier,
		retry:     retry.Default,
		log:       log.With().Str("component", "trader").Logger(),
		validate: validator.New(validator.Options{
			DefaultLeverage:            cfg.Trading.DefaultLeverage,
			MaxLeverage:                cfg.Trading.MaxLeverage,
			StopLossMode:               slMode,
			StopLossPercent:            decimal.NewFromFloat(cfg.Trading.StopLossPercent),
			SafeLiquidationDistancePct: decimal.NewFromFloat(cfg.Trading.SafeLiquidationDistancePct),
			MaintenanceMarginFactor:    exch.MaintenanceMarginFactor(),
		}),
	}
}

// SetCloser wires the position manager in after construction (the manager
// itself depends on the stores the trader shares).
func (t *Trader) SetCloser(c PositionCloser) { t.closer = c }

func positionKey(p domain.SignalPosition) string { return p.ID }

// Execute runs sig through the full entry pipeline.
func (t *Trader) Execute(ctx context.Context, sig *domain.TradingSignal) (Outcome, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	log := t.log.With().Str("signal", sig.ID).Str("symbol", sig.Symbol).Logger()

	checked := t.validate.Validate(sig)
	if !checked.Valid {
		log.Warn().Str("reason", checked.InvalidReason).Msg("signal rejected by validation")
		t.notifier.SignalSkipped(sig, checked.InvalidReason)
		return skipped("validation: " + checked.InvalidReason), nil
	}

	if !t.modes.AcceptsSignals() {
		reason := fmt.Sprintf("mode is %s", t.modes.Mode())
		log.Info().Str("mode", string(t.modes.Mode())).Msg("signal skipped, not accepting entries")
		t.notifier.SignalSkipped(sig, reason)
		return t.recordSkip(sig, reason), nil
	}

	if out, done, err := t.duplicateGate(ctx, checked, log); done {
		return out, err
	}

	if blocked, st := t.cooldown.Blocked(); blocked {
		reason := fmt.Sprintf("cooldown until %s (%s)", st.CooldownUntil.Format(time.RFC3339), st.Reason)
		log.Info().Str("reason", st.Reason).Msg("signal skipped, cooling down")
		t.notifier.SignalSkipped(sig, reason)
		return t.recordSkip(sig, reason), nil
	}

	mark, err := t.exch.MarkPrice(ctx, checked.Symbol)
	if err != nil {
		return Outcome{}, fmt.Errorf("mark price: %w", err)
	}
	checked, out, stop := t.deviationGate(checked, mark, log)
	if stop {
		t.notifier.SignalSkipped(sig, out.Reason)
		return t.recordSkip(sig, out.Reason), nil
	}

	qty, notional, err := t.size(ctx, checked, mark)
	if err != nil {
		return Outcome{}, err
	}
	minSize := decimal.NewFromFloat(t.cfg.Sizing.MinPositionSize)
	if minSize.Sign() > 0 && notional.LessThan(minSize) {
		reason := fmt.Sprintf("size %s below minimum %s", notional.Round(2), minSize)
		log.Info().Str("notional", notional.String()).Msg("signal skipped, below minimum size")
		t.notifier.SignalSkipped(sig, reason)
		return t.recordSkip(sig, reason), nil
	}

	if err := t.prepareAccount(ctx, checked); err != nil {
		return Outcome{}, err
	}

	return t.enter(ctx, checked, mark, qty, log)
}

// duplicateGate resolves signals for symbols that already hold an active
// position. done=true means the pipeline must not continue past the gate's
// outcome (except for a successful flip, which continues).
func (t *Trader) duplicateGate(ctx context.Context, sig *domain.TradingSignal, log zerolog.Logger) (Outcome, bool, error) {
	existing, ok := t.positions.First(func(p domain.SignalPosition) bool {
		return p.Symbol == sig.Symbol && p.Status.Active()
	})
	if !ok {
		if reason := t.tooSoonAfterLast(sig); reason != "" {
			log.Info().Msg("signal skipped, too soon after last trade on symbol")
			t.notifier.SignalSkipped(sig, reason)
			return t.recordSkip(sig, reason), true, nil
		}
		return Outcome{}, false, nil
	}

	if existing.Direction == sig.Direction {
		policy, _ := t.cfg.SameDirectionPolicy()
		if policy == domain.DuplicateClose {
			log.Info().Str("position", existing.ID).Msg("same-direction signal closing existing position")
			return t.closeExisting(ctx, sig, existing.ID,
				"existing "+string(sig.Direction)+" position closed by policy"), true, nil
		}
		log.Info().Str("position", existing.ID).Msg("duplicate same-direction signal ignored")
		return t.recordSkip(sig, "active "+string(sig.Direction)+" position already open"), true, nil
	}

	policy, _ := t.cfg.OppositeDirectionPolicy()
	switch policy {
	case domain.DuplicateClose:
		log.Info().Str("position", existing.ID).Msg("opposite signal closing existing position")
		return t.closeExisting(ctx, sig, existing.ID, "opposite position closed by policy, not re-entering"), true, nil
	case domain.DuplicateFlip:
		if t.closer == nil {
			return Outcome{}, true, fmt.Errorf("flip requested but no position closer wired")
		}
		log.Info().Str("position", existing.ID).Msg("flipping: closing opposite position")
		if err := t.closer.ClosePosition(ctx, existing.ID, domain.CloseManual); err != nil {
			// Failed close means the book still holds the old exposure; the
			// new signal is dropped rather than doubling up.
			log.Error().Err(err).Msg("flip close failed, dropping signal")
			t.notifier.SignalSkipped(sig, "flip failed: "+err.Error())
			return t.recordSkip(sig, "flip failed: "+err.Error()), true, nil
		}
		return Outcome{}, false, nil
	default:
		log.Info().Str("position", existing.ID).Msg("opposite-direction signal ignored by policy")
		return t.recordSkip(sig, "opposite position open, policy is Ignore"), true, nil
	}
}

// closeExisting flattens the held position under the Close duplicate policy;
// the incoming signal is recorded as skipped either way.
func (t *Trader) closeExisting(ctx context.Context, sig *domain.TradingSignal, positionID, reason string) Outcome {
	if t.closer == nil {
		t.log.Error().Str("position", positionID).Msg("close policy requested but no position closer wired")
		return t.recordSkip(sig, "close policy: no position closer wired")
	}
	if err := t.closer.ClosePosition(ctx, positionID, domain.CloseManual); err != nil {
		t.log.Error().Err(err).Str("position", positionID).Msg("policy close failed")
		t.notifier.SignalSkipped(sig, "policy close failed: "+err.Error())
		return t.recordSkip(sig, "policy close failed: "+err.Error())
	}
	t.notifier.SignalSkipped(sig, reason)
	return t.recordSkip(sig, reason)
}

// tooSoonAfterLast enforces the per-symbol quiet period between entries.
// Cancelled records don't count: a skipped signal must not start the clock.
func (t *Trader) tooSoonAfterLast(sig *domain.TradingSignal) string {
	window := t.cfg.Trading.Duplicates.MinTimeBetweenSignals
	if window <= 0 {
		return ""
	}
	cutoff := time.Now().Add(-window)
	_, recent := t.positions.First(func(p domain.SignalPosition) bool {
		return p.Symbol == sig.Symbol && p.Status != domain.StatusCancelled && p.CreatedAt.After(cutoff)
	})
	if recent {
		return fmt.Sprintf("last %s entry under %s ago", sig.Symbol, window)
	}
	return ""
}

// recordSkip persists a policy rejection as a cancelled position so the book
// keeps a trace of every signal that was seen but not traded.
func (t *Trader) recordSkip(sig *domain.TradingSignal, reason string) Outcome {
	now := time.Now().UTC()
	pos := domain.SignalPosition{
		ID:                domain.NewPositionID(),
		SignalID:          sig.ID,
		Exchange:          t.exch.Name(),
		Symbol:            sig.Symbol,
		Direction:         sig.Direction,
		Status:            domain.StatusCancelled,
		PlannedEntryPrice: sig.EntryPrice,
		CancelReason:      reason,
		CreatedAt:         now,
		ClosedAt:          &now,
	}
	if err := t.positions.Upsert(pos, positionKey); err != nil {
		t.log.Error().Err(err).Str("signal", sig.ID).Msg("persist cancelled position")
	}
	return Outcome{Position: &pos, Skipped: true, Reason: reason}
}

// deviationGate compares the signalled entry with the live mark price.
// Returns the (possibly adjusted) signal; stop=true aborts the pipeline.
func (t *Trader) deviationGate(sig *domain.TradingSignal, mark decimal.Decimal, log zerolog.Logger) (*domain.TradingSignal, Outcome, bool) {
	maxDev := decimal.NewFromFloat(t.cfg.Trading.MaxPriceDeviationPercent)
	dev := mark.Sub(sig.EntryPrice).Abs().Div(sig.EntryPrice).Mul(hundred)
	// The boundary itself is inside the allowed band.
	if dev.LessThanOrEqual(maxDev) {
		return sig, Outcome{}, false
	}

	action, _ := t.cfg.DeviationAction()
	log.Info().
		Str("deviation_pct", dev.Round(3).String()).
		Str("mark", mark.String()).
		Str("entry", sig.EntryPrice.String()).
		Str("action", string(action)).
		Msg("price deviated from signalled entry")

	switch action {
	case domain.DeviationEnterAtMarket:
		adj := sig.Clone()
		adj.EntryPrice = mark
		return adj, Outcome{}, false
	case domain.DeviationAdjustTargets:
		// Shift every target by the distance the market moved so each rung
		// keeps its absolute profit distance. The stop stays where the
		// signal put it.
		adj := sig.Clone()
		delta := mark.Sub(sig.EntryPrice)
		adj.EntryPrice = mark
		for i := range adj.Targets {
			adj.Targets[i] = adj.Targets[i].Add(delta)
		}
		return adj, Outcome{}, false
	default:
		reason := fmt.Sprintf("price deviated %s%% (max %s%%)", dev.Round(2), maxDev)
		return sig, skipped(reason), true
	}
}

// prepareAccount sets margin type and leverage; both calls are idempotent
// and retried.
func (t *Trader) prepareAccount(ctx context.Context, sig *domain.TradingSignal) error {
	mt, _ := t.cfg.MarginType()
	err := t.retry.Do(ctx, func() error {
		err := t.exch.SetMarginType(ctx, sig.Symbol, mt)
		if err != nil && !exchange.Retryable(err) {
			return retry.Abort(err)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("prepare margin type: %w", err)
	}
	err = t.retry.Do(ctx, func() error {
		err := t.exch.SetLeverage(ctx, sig.Symbol, sig.EffectiveLeverage())
		if err != nil && !exchange.Retryable(err) {
			return retry.Abort(err)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("prepare leverage: %w", err)
	}
	return nil
}

// enter places the market entry and arms the protective orders.
func (t *Trader) enter(ctx context.Context, sig *domain.TradingSignal, mark, qty decimal.Decimal, log zerolog.Logger) (Outcome, error) {
	now := time.Now().UTC()
	pos := &domain.SignalPosition{
		ID:                domain.NewPositionID(),
		SignalID:          sig.ID,
		Exchange:          t.exch.Name(),
		Symbol:            sig.Symbol,
		Direction:         sig.Direction,
		Status:            domain.StatusPending,
		PlannedEntryPrice: sig.EntryPrice,
		CurrentStopLoss:   sig.EffectiveStopLoss(),
		Leverage:          sig.EffectiveLeverage(),
		InitialQuantity:   qty,
		RemainingQuantity: qty,
		Targets:           t.buildTargets(sig, qty),
		CreatedAt:         now,
	}
	if err := t.positions.Upsert(*pos, positionKey); err != nil {
		return Outcome{}, fmt.Errorf("persist pending position: %w", err)
	}

	// Market entries are not idempotent: one attempt, no retry.
	res, err := t.exch.MarketOrder(ctx, pos.Symbol, exchange.SideFor(pos.Direction), qty, false)
	if err != nil {
		t.markCancelled(pos, "entry failed: "+err.Error())
		return Outcome{}, fmt.Errorf("entry order: %w", err)
	}
	if !res.Success {
		log.Warn().Str("reason", res.RejectReason).Msg("entry rejected by venue")
		t.markCancelled(pos, "entry rejected: "+res.RejectReason)
		t.notifier.EntryRejected(sig, res.RejectReason)
		return skipped("entry rejected: " + res.RejectReason), nil
	}

	pos.EntryOrderID = res.OrderID
	pos.Status = domain.StatusOpen
	opened := time.Now().UTC()
	pos.OpenedAt = &opened
	pos.ActualEntryPrice = res.AveragePrice
	if pos.ActualEntryPrice.IsZero() {
		pos.ActualEntryPrice = mark
	}
	if res.ExecutedQty.Sign() > 0 && !res.ExecutedQty.Equal(qty) {
		pos.InitialQuantity = res.ExecutedQty
		pos.RemainingQuantity = res.ExecutedQty
		pos.Targets = t.buildTargets(sig, res.ExecutedQty)
	}
	if err := t.positions.Upsert(*pos, positionKey); err != nil {
		return Outcome{}, fmt.Errorf("persist open position: %w", err)
	}
	log.Info().
		Str("position", pos.ID).
		Str("entry", pos.ActualEntryPrice.String()).
		Str("qty", pos.InitialQuantity.String()).
		Int("leverage", pos.Leverage).
		Str("best_rr", sig.BestRiskReward.Round(2).String()).
		Msg("position opened")

	t.placeProtection(ctx, pos, log)
	if err := t.positions.Upsert(*pos, positionKey); err != nil {
		return Outcome{}, fmt.Errorf("persist protected position: %w", err)
	}
	t.notifier.PositionOpened(pos)
	return Outcome{Position: pos}, nil
}

func (t *Trader) markCancelled(pos *domain.SignalPosition, reason string) {
	pos.Status = domain.StatusCancelled
	pos.CancelReason = reason
	now := time.Now().UTC()
	pos.ClosedAt = &now
	if err := t.positions.Upsert(*pos, positionKey); err != nil {
		t.log.Error().Err(err).Str("position", pos.ID).Msg("persist cancelled position")
	}
}
