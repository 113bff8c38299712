package trader

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/signalbot/internal/domain"
)

// qtyPrecision is the venue-neutral quantity granularity used before
// placement.
const qtyPrecision = 3

// size computes the entry quantity (base asset) and its notional value
// (quote asset) for the signal at the current mark price. The cooldown
// size multiplier applies to every mode, then the cap: the smaller of the
// absolute max size and the equity percentage cap. The min-size check
// stays with the caller so the skip happens before account prep.
func (t *Trader) size(ctx context.Context, sig *domain.TradingSignal, mark decimal.Decimal) (qty, notional decimal.Decimal, err error) {
	mode, _ := t.cfg.SizingMode()
	pctCap := decimal.NewFromFloat(t.cfg.Sizing.MaxPositionPercent)

	var equity decimal.Decimal
	if mode == domain.SizeRiskPercent || pctCap.Sign() > 0 {
		equity, err = t.exch.Balance(ctx, t.cfg.Exchange.QuoteAsset)
		if err != nil {
			return decimal.Zero, decimal.Zero, fmt.Errorf("sizing balance: %w", err)
		}
	}

	switch mode {
	case domain.SizeFixedAmount:
		notional = decimal.NewFromFloat(t.cfg.Sizing.FixedAmount)
	case domain.SizeFixedMargin:
		notional = decimal.NewFromFloat(t.cfg.Sizing.FixedMargin).
			Mul(decimal.NewFromInt(int64(sig.EffectiveLeverage())))
	case domain.SizeRiskPercent:
		riskAmount := equity.Mul(decimal.NewFromFloat(t.cfg.Sizing.RiskPercent)).Div(hundred)
		stopDist := sig.EntryPrice.Sub(sig.EffectiveStopLoss()).Abs()
		if stopDist.IsZero() {
			return decimal.Zero, decimal.Zero, fmt.Errorf("sizing: stop distance is zero")
		}
		q := riskAmount.Div(stopDist)
		notional = q.Mul(mark)
	}

	notional = notional.Mul(t.cooldown.SizeMultiplier())

	maxSize := decimal.NewFromFloat(t.cfg.Sizing.MaxPositionSize)
	if pctCap.Sign() > 0 {
		eqCap := equity.Mul(pctCap).Div(hundred)
		if maxSize.Sign() <= 0 || eqCap.LessThan(maxSize) {
			maxSize = eqCap
		}
	}
	if maxSize.Sign() > 0 && notional.GreaterThan(maxSize) {
		notional = maxSize
	}

	qty = notional.Div(mark).Truncate(qtyPrecision)
	notional = qty.Mul(mark)
	return qty, notional, nil
}
