// Package journal is the durable trade history. The JSON stores hold the
// working state; the journal keeps an append-only record of closed trades
// for later analysis, in SQLite by default or PostgreSQL when the DSN says
// so.
package journal

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/web3guy0/signalbot/internal/domain"
)

// TradeRecord is one closed trade row.
type TradeRecord struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	PositionID  string `gorm:"uniqueIndex"`
	Symbol      string `gorm:"index"`
	Direction   string
	Pnl         decimal.Decimal `gorm:"type:decimal(20,8)"`
	CloseReason string
	ClosedAt    time.Time `gorm:"index"`
	CreatedAt   time.Time
}

type Store struct {
	db  *gorm.DB
	log zerolog.Logger
}

// Open connects to the journal database. A postgres:// DSN selects
// PostgreSQL; anything else is treated as a SQLite file path.
func Open(dsn string, log zerolog.Logger) (*Store, error) {
	var db *gorm.DB
	var err error

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Msg("journal connected (PostgreSQL)")
	} else {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, err
		}
		db, err = gorm.Open(sqlite.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", dsn).Msg("journal initialized (SQLite)")
	}

	if err := db.AutoMigrate(&TradeRecord{}); err != nil {
		return nil, err
	}
	return &Store{db: db, log: log}, nil
}

// Record appends one closed trade. Re-recording the same position id is a
// no-op, so the close fan-out stays idempotent.
func (s *Store) Record(ctx context.Context, t domain.ClosedTrade) error {
	rec := TradeRecord{
		PositionID:  t.PositionID,
		Symbol:      t.Symbol,
		Direction:   string(t.Direction),
		Pnl:         t.Pnl,
		CloseReason: string(t.CloseReason),
		ClosedAt:    t.ClosedAt,
	}
	err := s.db.WithContext(ctx).Create(&rec).Error
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "unique") {
		return nil
	}
	return err
}

// RecentTrades returns the newest closed trades, newest first.
func (s *Store) RecentTrades(ctx context.Context, limit int) ([]TradeRecord, error) {
	var out []TradeRecord
	err := s.db.WithContext(ctx).Order("closed_at DESC").Limit(limit).Find(&out).Error
	return out, err
}

// PnlSince sums realized pnl for trades closed after the cutoff.
func (s *Store) PnlSince(ctx context.Context, cutoff time.Time) (decimal.Decimal, error) {
	var recs []TradeRecord
	if err := s.db.WithContext(ctx).Where("closed_at > ?", cutoff).Find(&recs).Error; err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, r := range recs {
		total = total.Add(r.Pnl)
	}
	return total, nil
}
