package trader

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/signalbot/internal/domain"
	"github.com/web3guy0/signalbot/internal/exchange"
)

// buildTargets lays out the take-profit ladder for qty. Close percents
// come from config or default to an equal split; the last rung absorbs
// rounding remainders so the ladder always sums to the full quantity.
// When breakeven moves are on, hitting rung N moves the stop to the price
// of rung N-1 (the entry for the first rung).
func (t *Trader) buildTargets(sig *domain.TradingSignal, qty decimal.Decimal) []domain.TargetLevel {
	prices := sig.Targets
	if max := t.cfg.Trading.MaxTargets; max > 0 && len(prices) > max {
		prices = prices[:max]
	}
	percents := t.cfg.TargetClosePercentsDecimal()
	if len(percents) != len(prices) {
		// Equal split across however many targets the signal carries.
		percents = make([]decimal.Decimal, len(prices))
		each := hundred.Div(decimal.NewFromInt(int64(len(prices))))
		for i := range percents {
			percents[i] = each
		}
	}

	levels := make([]domain.TargetLevel, len(prices))
	allocated := decimal.Zero
	for i := range prices {
		q := qty.Mul(percents[i]).Div(hundred).Truncate(qtyPrecision)
		if i == len(prices)-1 {
			q = qty.Sub(allocated)
		}
		allocated = allocated.Add(q)
		levels[i] = domain.TargetLevel{
			Price:           prices[i],
			PercentToClose:  percents[i],
			QuantityToClose: q,
		}
		if t.cfg.Trading.MoveStopToBreakeven {
			moveTo := sig.EntryPrice
			if i > 0 {
				moveTo = prices[i-1]
			}
			levels[i].MoveStopLossTo = &moveTo
		}
	}
	return levels
}

// placeProtection arms the stop-loss and the take-profit ladder on a
// freshly opened position. Any placement failure leaves the position
// flagged ProtectionIncomplete; the entry is never unwound here.
func (t *Trader) placeProtection(ctx context.Context, pos *domain.SignalPosition, log zerolog.Logger) {
	closeSide := exchange.SideFor(pos.CloseSide())

	res, err := t.placeRetried(ctx, func() (domain.ExecutionResult, error) {
		return t.exch.StopMarket(ctx, pos.Symbol, closeSide, pos.CurrentStopLoss, pos.RemainingQuantity)
	})
	if err != nil || !res.Success {
		pos.ProtectionIncomplete = true
		reason := reasonOf(res, err)
		log.Error().Str("reason", reason).Msg("stop loss placement failed")
		t.notifier.ProtectionAlert(pos, "stop-loss placement failed: "+reason)
	} else {
		pos.StopLossOrderID = res.OrderID
	}

	for i := range pos.Targets {
		lvl := &pos.Targets[i]
		if lvl.QuantityToClose.Sign() <= 0 {
			continue
		}
		res, err := t.placeRetried(ctx, func() (domain.ExecutionResult, error) {
			return t.exch.TakeProfitMarket(ctx, pos.Symbol, closeSide, lvl.Price, lvl.QuantityToClose)
		})
		if err != nil || !res.Success {
			pos.ProtectionIncomplete = true
			reason := reasonOf(res, err)
			log.Error().Int("target", i+1).Str("reason", reason).Msg("take profit placement failed")
			t.notifier.ProtectionAlert(pos, "take-profit placement failed: "+reason)
			continue
		}
		lvl.OrderID = res.OrderID
	}
}

// placeRetried retries transport failures; venue rejections come back as
// unsuccessful results and are not retried.
func (t *Trader) placeRetried(ctx context.Context, place func() (domain.ExecutionResult, error)) (domain.ExecutionResult, error) {
	var res domain.ExecutionResult
	err := t.retry.Do(ctx, func() error {
		var err error
		res, err = place()
		return err
	})
	return res, err
}

func reasonOf(res domain.ExecutionResult, err error) string {
	if err != nil {
		return err.Error()
	}
	return res.RejectReason
}
