// Package reconcile compares the stored position book against the venue on
// startup. It reports what it finds and never corrects anything on its own:
// positions that changed while the bot was down need an operator decision.
package reconcile

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/signalbot/internal/domain"
	"github.com/web3guy0/signalbot/internal/exchange"
	"github.com/web3guy0/signalbot/internal/store"
)

// quantityTolerance is the relative slack allowed between stored and venue
// quantity before a position counts as mismatched. Venues round.
var quantityTolerance = decimal.NewFromFloat(0.01)

// Venue is the read-only slice of the exchange the reconciler needs.
type Venue interface {
	PositionQuantity(ctx context.Context, symbol string) (decimal.Decimal, error)
	OpenOrders(ctx context.Context, symbol string) ([]exchange.OpenOrder, error)
}

// Finding describes one discrepancy on one position.
type Finding struct {
	PositionID string
	Symbol     string
	Issue      string
}

// Result is the startup comparison outcome.
type Result struct {
	Confirmed     []string  // position ids whose venue state matches
	Mismatched    []Finding // quantity differs beyond tolerance
	MissingOrders []Finding // protective orders not found on the venue
}

// Clean reports whether every stored position matched the venue.
func (r Result) Clean() bool {
	return len(r.Mismatched) == 0 && len(r.MissingOrders) == 0
}

// Summary renders the result for the startup notification.
func (r Result) Summary() string {
	if r.Clean() {
		return fmt.Sprintf("reconciliation clean: %d position(s) confirmed", len(r.Confirmed))
	}
	return fmt.Sprintf("reconciliation found issues: %d confirmed, %d mismatched, %d missing order(s)",
		len(r.Confirmed), len(r.Mismatched), len(r.MissingOrders))
}

// Run checks every active stored position against the venue.
func Run(ctx context.Context, venue Venue, positions *store.Collection[domain.SignalPosition], log zerolog.Logger) (Result, error) {
	var res Result
	active := positions.Find(func(p domain.SignalPosition) bool { return p.Status.Active() })

	for _, pos := range active {
		plog := log.With().Str("position", pos.ID).Str("symbol", pos.Symbol).Logger()

		venueQty, err := venue.PositionQuantity(ctx, pos.Symbol)
		if err != nil {
			return res, fmt.Errorf("reconcile %s: position quantity: %w", pos.Symbol, err)
		}
		if !quantityMatches(pos.RemainingQuantity, venueQty) {
			issue := fmt.Sprintf("stored quantity %s, venue holds %s", pos.RemainingQuantity, venueQty)
			plog.Warn().Str("issue", issue).Msg("position quantity mismatch")
			res.Mismatched = append(res.Mismatched, Finding{PositionID: pos.ID, Symbol: pos.Symbol, Issue: issue})
			continue
		}

		missing := missingProtection(ctx, venue, pos, plog)
		if len(missing) > 0 {
			res.MissingOrders = append(res.MissingOrders, missing...)
			continue
		}

		plog.Info().Msg("position confirmed against venue")
		res.Confirmed = append(res.Confirmed, pos.ID)
	}
	return res, nil
}

func quantityMatches(stored, venue decimal.Decimal) bool {
	if stored.IsZero() && venue.IsZero() {
		return true
	}
	if stored.IsZero() || venue.IsZero() {
		return false
	}
	return stored.Sub(venue).Abs().LessThanOrEqual(stored.Mul(quantityTolerance))
}

// missingProtection checks that the stop-loss and every unhit target order
// still exist on the venue.
func missingProtection(ctx context.Context, venue Venue, pos domain.SignalPosition, log zerolog.Logger) []Finding {
	open, err := venue.OpenOrders(ctx, pos.Symbol)
	if err != nil {
		log.Warn().Err(err).Msg("open orders query failed, skipping order check")
		return nil
	}
	onVenue := map[string]bool{}
	for _, o := range open {
		onVenue[o.OrderID] = true
	}

	var out []Finding
	report := func(kind, orderID string) {
		issue := fmt.Sprintf("%s order %s not open on venue", kind, orderID)
		log.Warn().Str("issue", issue).Msg("protective order missing")
		out = append(out, Finding{PositionID: pos.ID, Symbol: pos.Symbol, Issue: issue})
	}
	if pos.StopLossOrderID != "" && !onVenue[pos.StopLossOrderID] {
		report("stop-loss", pos.StopLossOrderID)
	}
	for i := range pos.Targets {
		lvl := pos.Targets[i]
		if lvl.Hit || lvl.OrderID == "" {
			continue
		}
		if !onVenue[lvl.OrderID] {
			report(fmt.Sprintf("take-profit %d", i+1), lvl.OrderID)
		}
	}
	return out
}
