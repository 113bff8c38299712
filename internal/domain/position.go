package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TargetLevel is one take-profit step of a position, fixed at entry time.
type TargetLevel struct {
	Price           decimal.Decimal  `json:"price"`
	PercentToClose  decimal.Decimal  `json:"percentToClose"`
	QuantityToClose decimal.Decimal  `json:"quantityToClose"`
	MoveStopLossTo  *decimal.Decimal `json:"moveStopLossTo,omitempty"`
	OrderID         string           `json:"orderId,omitempty"`
	Hit             bool             `json:"hit"`
	HitAt           *time.Time       `json:"hitAt,omitempty"`
}

// SignalPosition is the bot's own record of a position opened from a signal.
// The position manager is the only component that mutates it after entry.
type SignalPosition struct {
	ID        string         `json:"id"`
	SignalID  string         `json:"signalId"`
	Exchange  string         `json:"exchange"`
	Symbol    string         `json:"symbol"`
	Direction Direction      `json:"direction"`
	Status    PositionStatus `json:"status"`

	PlannedEntryPrice decimal.Decimal `json:"plannedEntryPrice"`
	ActualEntryPrice  decimal.Decimal `json:"actualEntryPrice"`
	CurrentStopLoss   decimal.Decimal `json:"currentStopLoss"`
	Leverage          int             `json:"leverage"`

	InitialQuantity   decimal.Decimal `json:"initialQuantity"`
	RemainingQuantity decimal.Decimal `json:"remainingQuantity"`

	Targets []TargetLevel `json:"targets"`

	EntryOrderID         string `json:"entryOrderId,omitempty"`
	StopLossOrderID      string `json:"stopLossOrderId,omitempty"`
	ProtectionIncomplete bool   `json:"protectionIncomplete"`

	RealizedPnl decimal.Decimal `json:"realizedPnl"`

	CreatedAt    time.Time   `json:"createdAt"`
	OpenedAt     *time.Time  `json:"openedAt,omitempty"`
	ClosedAt     *time.Time  `json:"closedAt,omitempty"`
	CloseReason  CloseReason `json:"closeReason,omitempty"`
	CancelReason string      `json:"cancelReason,omitempty"`
}

// NewPositionID returns a fresh position id.
func NewPositionID() string { return uuid.NewString() }

// Clone returns a deep copy safe to hand across goroutines.
func (p *SignalPosition) Clone() *SignalPosition {
	c := *p
	c.Targets = make([]TargetLevel, len(p.Targets))
	copy(c.Targets, p.Targets)
	for i := range c.Targets {
		if p.Targets[i].MoveStopLossTo != nil {
			v := *p.Targets[i].MoveStopLossTo
			c.Targets[i].MoveStopLossTo = &v
		}
		if p.Targets[i].HitAt != nil {
			t := *p.Targets[i].HitAt
			c.Targets[i].HitAt = &t
		}
	}
	if p.OpenedAt != nil {
		t := *p.OpenedAt
		c.OpenedAt = &t
	}
	if p.ClosedAt != nil {
		t := *p.ClosedAt
		c.ClosedAt = &t
	}
	return &c
}

// Active reports whether the position may still produce order updates.
func (p *SignalPosition) Active() bool { return p.Status.Active() }

// OwnsOrder reports whether orderID belongs to this position.
func (p *SignalPosition) OwnsOrder(orderID string) bool {
	if orderID == "" {
		return false
	}
	if p.EntryOrderID == orderID || p.StopLossOrderID == orderID {
		return true
	}
	for i := range p.Targets {
		if p.Targets[i].OrderID == orderID {
			return true
		}
	}
	return false
}

// NextUnhitTarget returns the index of the first target not yet hit, or -1.
func (p *SignalPosition) NextUnhitTarget() int {
	for i := range p.Targets {
		if !p.Targets[i].Hit {
			return i
		}
	}
	return -1
}

// CloseSide is the order side that reduces this position.
func (p *SignalPosition) CloseSide() Direction { return p.Direction.Opposite() }

// PnlForFill computes the realized pnl of closing qty at price against the
// actual entry, sign-adjusted for the direction.
func (p *SignalPosition) PnlForFill(price, qty decimal.Decimal) decimal.Decimal {
	diff := price.Sub(p.ActualEntryPrice)
	if p.Direction == Short {
		diff = diff.Neg()
	}
	return diff.Mul(qty)
}
