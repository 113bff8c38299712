package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/signalbot/internal/domain"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "journal.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	return s
}

func trade(positionID string, pnl string, closedAt time.Time) domain.ClosedTrade {
	return domain.ClosedTrade{
		PositionID:  positionID,
		Symbol:      "BTCUSDT",
		Direction:   domain.Long,
		Pnl:         decimal.RequireFromString(pnl),
		CloseReason: domain.CloseTargetsHit,
		ClosedAt:    closedAt,
	}
}

func TestRecordAndReadBack(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := s.Record(ctx, trade("p1", "75", now.Add(-time.Hour))); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := s.Record(ctx, trade("p2", "-100", now)); err != nil {
		t.Fatalf("record: %v", err)
	}

	recent, err := s.RecentTrades(ctx, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("rows = %d", len(recent))
	}
	if recent[0].PositionID != "p2" {
		t.Errorf("order wrong: first = %s", recent[0].PositionID)
	}
}

func TestDuplicatePositionIgnored(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := s.Record(ctx, trade("p1", "75", now)); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := s.Record(ctx, trade("p1", "75", now)); err != nil {
		t.Fatalf("duplicate record: %v", err)
	}

	recent, err := s.RecentTrades(ctx, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 1 {
		t.Errorf("rows = %d, want 1", len(recent))
	}
}

func TestPnlSince(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	now := time.Now().UTC()

	s.Record(ctx, trade("old", "50", now.Add(-48*time.Hour)))
	s.Record(ctx, trade("p1", "75", now.Add(-time.Hour)))
	s.Record(ctx, trade("p2", "-100", now.Add(-time.Minute)))

	got, err := s.PnlSince(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("pnl since: %v", err)
	}
	if !got.Equal(decimal.RequireFromString("-25")) {
		t.Errorf("pnl = %s, want -25", got)
	}
}
