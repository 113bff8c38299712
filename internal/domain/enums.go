package domain

import "fmt"

// Direction is the side of a trade as stated by the signal.
type Direction string

const (
	Long  Direction = "Long"
	Short Direction = "Short"
)

// Opposite returns the other side.
func (d Direction) Opposite() Direction {
	if d == Long {
		return Short
	}
	return Long
}

func ParseDirection(s string) (Direction, error) {
	switch s {
	case "Long", "LONG", "long", "Buy", "BUY", "buy":
		return Long, nil
	case "Short", "SHORT", "short", "Sell", "SELL", "sell":
		return Short, nil
	}
	return "", fmt.Errorf("unknown direction %q", s)
}

// PositionStatus tracks a position through its lifecycle.
type PositionStatus string

const (
	StatusPending       PositionStatus = "Pending"
	StatusOpen          PositionStatus = "Open"
	StatusPartialClosed PositionStatus = "PartialClosed"
	StatusClosed        PositionStatus = "Closed"
	StatusCancelled     PositionStatus = "Cancelled"
)

// Active reports whether the position still holds (or may acquire) exchange inventory.
func (s PositionStatus) Active() bool {
	switch s {
	case StatusPending, StatusOpen, StatusPartialClosed:
		return true
	}
	return false
}

// CloseReason records why a position left the book.
type CloseReason string

const (
	CloseTargetsHit  CloseReason = "TargetsHit"
	CloseStopLossHit CloseReason = "StopLossHit"
	CloseLiquidation CloseReason = "Liquidation"
	CloseManual      CloseReason = "ManualClose"
	CloseError       CloseReason = "Error"
)

// OperatingMode is the bot-wide switch controlled by the operator.
type OperatingMode string

const (
	ModeAutomatic     OperatingMode = "Automatic"
	ModePaused        OperatingMode = "Paused"
	ModeMonitorOnly   OperatingMode = "MonitorOnly"
	ModeEmergencyStop OperatingMode = "EmergencyStop"
)

func ParseOperatingMode(s string) (OperatingMode, error) {
	switch OperatingMode(s) {
	case ModeAutomatic, ModePaused, ModeMonitorOnly, ModeEmergencyStop:
		return OperatingMode(s), nil
	}
	return "", fmt.Errorf("unknown operating mode %q", s)
}

// AcceptsSignals reports whether new entries may be opened in this mode.
func (m OperatingMode) AcceptsSignals() bool { return m == ModeAutomatic }

// ManagesPositions reports whether open positions keep being managed in this mode.
func (m OperatingMode) ManagesPositions() bool { return m != ModeEmergencyStop }

// DeviationAction says what to do when the market has moved away from the
// signalled entry by more than the allowed band.
type DeviationAction string

const (
	DeviationSkip          DeviationAction = "Skip"
	DeviationEnterAtMarket DeviationAction = "EnterAtMarket"
	DeviationAdjustTargets DeviationAction = "EnterAndAdjustTargets"
)

// DuplicatePolicy says what to do when a signal arrives for a symbol that
// already has an active position.
type DuplicatePolicy string

const (
	DuplicateIgnore DuplicatePolicy = "Ignore"
	DuplicateClose  DuplicatePolicy = "Close"
	DuplicateFlip   DuplicatePolicy = "Flip"
)

// StopLossMode selects where the stop comes from.
type StopLossMode string

const (
	StopFromSignal StopLossMode = "FromSignal"
	StopCalculated StopLossMode = "Calculate"
)

// SizingMode selects how the entry quantity is derived.
type SizingMode string

const (
	SizeFixedAmount SizingMode = "FixedAmount"
	SizeRiskPercent SizingMode = "RiskPercent"
	SizeFixedMargin SizingMode = "FixedMargin"
)

// MarginType is the per-symbol margin configuration applied before entry.
type MarginType string

const (
	MarginIsolated MarginType = "Isolated"
	MarginCross    MarginType = "Cross"
)

// OrderStatus is the venue-neutral status of an exchange order.
type OrderStatus string

const (
	OrderNew             OrderStatus = "New"
	OrderPartiallyFilled OrderStatus = "PartiallyFilled"
	OrderFilled          OrderStatus = "Filled"
	OrderCancelled       OrderStatus = "Cancelled"
	OrderRejected        OrderStatus = "Rejected"
	OrderExpired         OrderStatus = "Expired"
)

// Terminal reports whether no further fills can arrive for the order.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected, OrderExpired:
		return true
	}
	return false
}
