package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ClosedTrade is one statistics entry recorded when a position closes.
type ClosedTrade struct {
	PositionID  string          `json:"positionId"`
	Symbol      string          `json:"symbol"`
	Direction   Direction       `json:"direction"`
	Pnl         decimal.Decimal `json:"pnl"`
	CloseReason CloseReason     `json:"closeReason"`
	ClosedAt    time.Time       `json:"closedAt"`
}

// WindowStats aggregates closed trades over one rolling window.
type WindowStats struct {
	Window    string          `json:"window"`
	Trades    int             `json:"trades"`
	Wins      int             `json:"wins"`
	Losses    int             `json:"losses"`
	WinRate   decimal.Decimal `json:"winRate"`
	NetPnl    decimal.Decimal `json:"netPnl"`
	GrossWin  decimal.Decimal `json:"grossWin"`
	GrossLoss decimal.Decimal `json:"grossLoss"`
}
