package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SignalSource identifies where a signal message came from.
type SignalSource struct {
	Channel   string `json:"channel"`
	ChannelID int64  `json:"channelId"`
	MessageID int    `json:"messageId"`
}

// TradingSignal is the parsed form of a channel message. Once built it is
// never mutated; the validator returns an adjusted copy.
type TradingSignal struct {
	ID        string       `json:"id"`
	Source    SignalSource `json:"source"`
	Symbol    string       `json:"symbol"`
	Direction Direction    `json:"direction"`

	EntryPrice decimal.Decimal   `json:"entryPrice"`
	StopLoss   decimal.Decimal   `json:"stopLoss"`
	Targets    []decimal.Decimal `json:"targets"`
	Leverage   int               `json:"leverage"`

	// Set by the validator; zero until validated.
	AdjustedStopLoss decimal.Decimal `json:"adjustedStopLoss"`
	AdjustedLeverage int             `json:"adjustedLeverage"`
	BestRiskReward   decimal.Decimal `json:"bestRiskReward"`
	Valid            bool            `json:"valid"`
	InvalidReason    string          `json:"invalidReason,omitempty"`

	RawText   string    `json:"rawText,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewSignalID returns a fresh id for a parsed signal.
func NewSignalID() string { return uuid.NewString() }

// EffectiveStopLoss is the stop the executor must use.
func (s *TradingSignal) EffectiveStopLoss() decimal.Decimal {
	if !s.AdjustedStopLoss.IsZero() {
		return s.AdjustedStopLoss
	}
	return s.StopLoss
}

// EffectiveLeverage is the leverage the executor must use.
func (s *TradingSignal) EffectiveLeverage() int {
	if s.AdjustedLeverage > 0 {
		return s.AdjustedLeverage
	}
	return s.Leverage
}

// Clone returns a deep copy; Targets is the only reference field.
func (s *TradingSignal) Clone() *TradingSignal {
	c := *s
	c.Targets = append([]decimal.Decimal(nil), s.Targets...)
	return &c
}

// RiskReward is the best reward:risk ratio across the targets, zero when
// the stop sits on the entry.
func (s *TradingSignal) RiskReward() decimal.Decimal {
	risk := s.EntryPrice.Sub(s.EffectiveStopLoss()).Abs()
	if risk.IsZero() {
		return decimal.Zero
	}
	best := decimal.Zero
	for _, t := range s.Targets {
		if rr := t.Sub(s.EntryPrice).Abs().Div(risk); rr.GreaterThan(best) {
			best = rr
		}
	}
	return best
}
