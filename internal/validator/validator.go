// Package validator applies the safety rule chain to parsed signals. It is
// pure: the input signal is never mutated, the result carries an adjusted
// copy with Valid/InvalidReason, AdjustedStopLoss and AdjustedLeverage set.
package validator

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/signalbot/internal/domain"
)

var hundred = decimal.NewFromInt(100)

// Options configures the rule chain.
type Options struct {
	DefaultLeverage int
	MaxLeverage     int
	StopLossMode    domain.StopLossMode
	// StopLossPercent is the distance (in percent of entry) used when the
	// mode is Calculate or the signal carries no stop.
	StopLossPercent decimal.Decimal
	// SafeLiquidationDistancePct is the minimum gap between the stop and
	// the estimated liquidation price, in percent of the entry price.
	SafeLiquidationDistancePct decimal.Decimal
	// MaintenanceMarginFactor is the venue's tier-1 maintenance margin rate
	// used in the liquidation estimate.
	MaintenanceMarginFactor decimal.Decimal
}

// Validator checks and adjusts signals before execution.
type Validator struct {
	opts Options
}

func New(opts Options) *Validator {
	return &Validator{opts: opts}
}

// Validate returns an adjusted copy of sig. When a rule fails, the copy has
// Valid=false and InvalidReason set; the caller must not trade it.
func (v *Validator) Validate(sig *domain.TradingSignal) *domain.TradingSignal {
	out := sig.Clone()
	out.Valid = false

	if out.Symbol == "" {
		out.InvalidReason = "missing symbol"
		return out
	}
	if out.Direction != domain.Long && out.Direction != domain.Short {
		out.InvalidReason = "missing direction"
		return out
	}
	if out.EntryPrice.Sign() <= 0 {
		out.InvalidReason = "missing entry price"
		return out
	}
	if len(out.Targets) == 0 {
		out.InvalidReason = "no targets"
		return out
	}

	// Leverage: signal value clamped to the cap, config default when unset.
	lev := out.Leverage
	if lev <= 0 {
		lev = v.opts.DefaultLeverage
	}
	if lev > v.opts.MaxLeverage {
		lev = v.opts.MaxLeverage
	}
	out.AdjustedLeverage = lev

	stop, reason := v.resolveStop(out)
	if reason != "" {
		out.InvalidReason = reason
		return out
	}
	out.AdjustedStopLoss = stop

	if reason := v.checkTargets(out); reason != "" {
		out.InvalidReason = reason
		return out
	}
	if reason := v.checkLiquidationDistance(out); reason != "" {
		out.InvalidReason = reason
		return out
	}

	out.BestRiskReward = out.RiskReward()
	out.Valid = true
	return out
}

// resolveStop yields the stop the executor will place. In FromSignal mode a
// signal stop on the wrong side of the entry is rejected rather than fixed.
func (v *Validator) resolveStop(sig *domain.TradingSignal) (decimal.Decimal, string) {
	calculated := v.calculatedStop(sig)
	switch v.opts.StopLossMode {
	case domain.StopCalculated:
		return calculated, ""
	default: // FromSignal
		if sig.StopLoss.IsZero() {
			return calculated, ""
		}
		if sig.Direction == domain.Long && sig.StopLoss.GreaterThanOrEqual(sig.EntryPrice) {
			return decimal.Zero, fmt.Sprintf("stop %s not below long entry %s", sig.StopLoss, sig.EntryPrice)
		}
		if sig.Direction == domain.Short && sig.StopLoss.LessThanOrEqual(sig.EntryPrice) {
			return decimal.Zero, fmt.Sprintf("stop %s not above short entry %s", sig.StopLoss, sig.EntryPrice)
		}
		return sig.StopLoss, ""
	}
}

func (v *Validator) calculatedStop(sig *domain.TradingSignal) decimal.Decimal {
	delta := sig.EntryPrice.Mul(v.opts.StopLossPercent).Div(hundred)
	if sig.Direction == domain.Long {
		return sig.EntryPrice.Sub(delta)
	}
	return sig.EntryPrice.Add(delta)
}

// checkTargets requires every target on the profitable side of the entry,
// in strictly progressing order.
func (v *Validator) checkTargets(sig *domain.TradingSignal) string {
	prev := sig.EntryPrice
	for i, t := range sig.Targets {
		if sig.Direction == domain.Long {
			if t.LessThanOrEqual(prev) {
				return fmt.Sprintf("target %d (%s) not above %s for long", i+1, t, prev)
			}
		} else {
			if t.GreaterThanOrEqual(prev) {
				return fmt.Sprintf("target %d (%s) not below %s for short", i+1, t, prev)
			}
		}
		prev = t
	}
	return ""
}

// checkLiquidationDistance estimates the liquidation price at the adjusted
// leverage and requires |stop - liquidation| / entry to be at least the
// configured percentage, with the stop on the survivable side.
func (v *Validator) checkLiquidationDistance(sig *domain.TradingSignal) string {
	liq := EstimateLiquidationPrice(sig.EntryPrice, sig.Direction, sig.AdjustedLeverage, v.opts.MaintenanceMarginFactor)
	if sig.Direction == domain.Long && sig.AdjustedStopLoss.LessThanOrEqual(liq) {
		return fmt.Sprintf("stop %s at or below estimated liquidation %s at %dx",
			sig.AdjustedStopLoss, liq.Round(8), sig.AdjustedLeverage)
	}
	if sig.Direction == domain.Short && sig.AdjustedStopLoss.GreaterThanOrEqual(liq) {
		return fmt.Sprintf("stop %s at or above estimated liquidation %s at %dx",
			sig.AdjustedStopLoss, liq.Round(8), sig.AdjustedLeverage)
	}
	gapPct := sig.AdjustedStopLoss.Sub(liq).Abs().Div(sig.EntryPrice).Mul(hundred)
	if gapPct.LessThan(v.opts.SafeLiquidationDistancePct) {
		return fmt.Sprintf("stop %s only %s%% from estimated liquidation %s at %dx (need %s%%)",
			sig.AdjustedStopLoss, gapPct.Round(2), liq.Round(8), sig.AdjustedLeverage,
			v.opts.SafeLiquidationDistancePct)
	}
	return ""
}

// EstimateLiquidationPrice approximates the isolated-margin liquidation
// price: entry * (1 -/+ (1/leverage - mmr)).
func EstimateLiquidationPrice(entry decimal.Decimal, dir domain.Direction, leverage int, mmr decimal.Decimal) decimal.Decimal {
	if leverage < 1 {
		leverage = 1
	}
	frac := decimal.NewFromInt(1).Div(decimal.NewFromInt(int64(leverage))).Sub(mmr)
	if dir == domain.Long {
		return entry.Mul(decimal.NewFromInt(1).Sub(frac))
	}
	return entry.Mul(decimal.NewFromInt(1).Add(frac))
}
