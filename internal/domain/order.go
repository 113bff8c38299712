package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderUpdate is a venue-neutral order event from the exchange user stream.
// FilledQuantity and FillPrice describe the incremental fill carried by this
// event, not the cumulative total; TradeID disambiguates partial fills on
// the same order.
type OrderUpdate struct {
	Exchange   string          `json:"exchange"`
	Symbol     string          `json:"symbol"`
	OrderID    string          `json:"orderId"`
	TradeID    string          `json:"tradeId,omitempty"`
	Status     OrderStatus     `json:"status"`
	FilledQty  decimal.Decimal `json:"filledQty"`
	FillPrice  decimal.Decimal `json:"fillPrice"`
	AvgPrice   decimal.Decimal `json:"avgPrice"`
	ReduceOnly bool            `json:"reduceOnly"`
	Timestamp  time.Time       `json:"timestamp"`
}

// FillKey identifies one fill for replay deduplication.
func (u OrderUpdate) FillKey() string { return u.OrderID + "/" + u.TradeID }

// ExecutionResult is the outcome of a single order placement. Success false
// with a RejectReason means the venue refused the order; transport failures
// surface as errors instead.
type ExecutionResult struct {
	Success      bool            `json:"success"`
	OrderID      string          `json:"orderId,omitempty"`
	AveragePrice decimal.Decimal `json:"averagePrice"`
	ExecutedQty  decimal.Decimal `json:"executedQty"`
	RejectReason string          `json:"rejectReason,omitempty"`
}

// Kline is one closed candle, used for deviation context and diagnostics.
type Kline struct {
	OpenTime time.Time       `json:"openTime"`
	Open     decimal.Decimal `json:"open"`
	High     decimal.Decimal `json:"high"`
	Low      decimal.Decimal `json:"low"`
	Close    decimal.Decimal `json:"close"`
	Volume   decimal.Decimal `json:"volume"`
}
