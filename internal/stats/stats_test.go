package stats

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/signalbot/internal/domain"
)

func newTestAggregator(t *testing.T) *Aggregator {
	t.Helper()
	st := OpenStore(filepath.Join(t.TempDir(), "stats.json"))
	a, err := NewAggregator(nil, st, zerolog.Nop())
	if err != nil {
		t.Fatalf("new aggregator: %v", err)
	}
	return a
}

func trade(symbol, pnl string, closedAt time.Time) domain.ClosedTrade {
	return domain.ClosedTrade{
		PositionID: "p-" + symbol,
		Symbol:     symbol,
		Direction:  domain.Long,
		Pnl:        decimal.RequireFromString(pnl),
		ClosedAt:   closedAt,
	}
}

func TestWindowAggregation(t *testing.T) {
	t.Parallel()
	a := newTestAggregator(t)
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }

	a.Record(trade("BTCUSDT", "100", now.Add(-time.Hour)))       // inside 24h
	a.Record(trade("ETHUSDT", "-40", now.Add(-2*time.Hour)))     // inside 24h
	a.Record(trade("SOLUSDT", "60", now.Add(-3*24*time.Hour)))   // inside 7d only
	a.Record(trade("XRPUSDT", "-20", now.Add(-20*24*time.Hour))) // inside 30d only

	rep := a.Report()
	if len(rep) != 3 {
		t.Fatalf("windows = %d", len(rep))
	}
	day := rep[0]
	if day.Trades != 2 || day.Wins != 1 || day.Losses != 1 {
		t.Errorf("24h = %+v", day)
	}
	if !day.NetPnl.Equal(decimal.NewFromInt(60)) {
		t.Errorf("24h pnl = %s, want 60", day.NetPnl)
	}
	if !day.WinRate.Equal(decimal.NewFromInt(50)) {
		t.Errorf("24h winrate = %s, want 50", day.WinRate)
	}
	week := rep[1]
	if week.Trades != 3 || !week.NetPnl.Equal(decimal.NewFromInt(120)) {
		t.Errorf("7d = %+v", week)
	}
	month := rep[2]
	if month.Trades != 4 || !month.NetPnl.Equal(decimal.NewFromInt(100)) {
		t.Errorf("30d = %+v", month)
	}
}

func TestPruneBeyondWidestWindow(t *testing.T) {
	t.Parallel()
	a := newTestAggregator(t)
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }

	a.Record(trade("OLDUSDT", "999", now.Add(-31*24*time.Hour)))
	a.Record(trade("BTCUSDT", "10", now.Add(-time.Hour)))

	rep := a.Report()
	if month := rep[2]; month.Trades != 1 {
		t.Fatalf("30d trades = %d, stale entry not pruned", month.Trades)
	}
}

func TestStatePersistsAcrossRestart(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "stats.json")
	a, err := NewAggregator(nil, OpenStore(path), zerolog.Nop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	a.Record(trade("BTCUSDT", "10", time.Now().UTC()))

	a2, err := NewAggregator(nil, OpenStore(path), zerolog.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if rep := a2.Report(); rep[0].Trades != 1 {
		t.Fatalf("restored trades = %d", rep[0].Trades)
	}
}

func TestFormatReport(t *testing.T) {
	t.Parallel()
	a := newTestAggregator(t)
	now := time.Now().UTC()
	a.Record(trade("BTCUSDT", "100", now.Add(-time.Hour)))
	out := FormatReport(a.Report())
	if !strings.Contains(out, "24h: 1 trades, 1 W / 0 L") {
		t.Errorf("report = %q", out)
	}
}
