// Package stats keeps rolling-window trade statistics (24h / 7d / 30d).
// Entries older than the widest window are pruned on every write.
package stats

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/signalbot/internal/domain"
	"github.com/web3guy0/signalbot/internal/store"
)

// Window is one rolling reporting window.
type Window struct {
	Name string
	Span time.Duration
}

// DefaultWindows are the windows surfaced by /status.
var DefaultWindows = []Window{
	{Name: "24h", Span: 24 * time.Hour},
	{Name: "7d", Span: 7 * 24 * time.Hour},
	{Name: "30d", Span: 30 * 24 * time.Hour},
}

type persisted struct {
	Entries []domain.ClosedTrade `json:"entries"`
}

// Aggregator records closed trades and reports per-window aggregates.
type Aggregator struct {
	windows []Window
	state   *store.Singleton[persisted]
	log     zerolog.Logger

	mu      sync.Mutex
	entries []domain.ClosedTrade
	now     func() time.Time
}

func NewAggregator(windows []Window, st *store.Singleton[persisted], log zerolog.Logger) (*Aggregator, error) {
	if len(windows) == 0 {
		windows = DefaultWindows
	}
	a := &Aggregator{windows: windows, state: st, log: log, now: time.Now}
	cur, ok, err := st.Load()
	if err != nil {
		return nil, fmt.Errorf("load statistics: %w", err)
	}
	if ok {
		a.entries = cur.Entries
	}
	return a, nil
}

// OpenStore opens the singleton backing an aggregator at path.
func OpenStore(path string) *store.Singleton[persisted] {
	return store.OpenSingleton[persisted](path)
}

func (a *Aggregator) maxSpan() time.Duration {
	max := time.Duration(0)
	for _, w := range a.windows {
		if w.Span > max {
			max = w.Span
		}
	}
	return max
}

// Record appends one closed trade and prunes entries outside the widest
// window.
func (a *Aggregator) Record(entry domain.ClosedTrade) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, entry)
	cutoff := a.now().Add(-a.maxSpan())
	kept := a.entries[:0]
	for _, e := range a.entries {
		if e.ClosedAt.After(cutoff) {
			kept = append(kept, e)
		}
	}
	a.entries = kept
	if err := a.state.Save(persisted{Entries: a.entries}); err != nil {
		a.log.Error().Err(err).Msg("persist statistics")
	}
}

// Report aggregates the recorded trades for every window.
func (a *Aggregator) Report() []domain.WindowStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	out := make([]domain.WindowStats, 0, len(a.windows))
	for _, w := range a.windows {
		cutoff := now.Add(-w.Span)
		ws := domain.WindowStats{Window: w.Name}
		for _, e := range a.entries {
			if !e.ClosedAt.After(cutoff) {
				continue
			}
			ws.Trades++
			ws.NetPnl = ws.NetPnl.Add(e.Pnl)
			if e.Pnl.Sign() >= 0 {
				ws.Wins++
				ws.GrossWin = ws.GrossWin.Add(e.Pnl)
			} else {
				ws.Losses++
				ws.GrossLoss = ws.GrossLoss.Add(e.Pnl)
			}
		}
		if ws.Trades > 0 {
			ws.WinRate = decimal.NewFromInt(int64(ws.Wins)).
				Div(decimal.NewFromInt(int64(ws.Trades))).
				Mul(decimal.NewFromInt(100)).Round(1)
		}
		out = append(out, ws)
	}
	return out
}

// TopSymbols returns the n symbols with the highest absolute pnl inside
// the widest window, for status reporting.
func (a *Aggregator) TopSymbols(n int) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	byPnl := map[string]decimal.Decimal{}
	for _, e := range a.entries {
		byPnl[e.Symbol] = byPnl[e.Symbol].Add(e.Pnl)
	}
	syms := make([]string, 0, len(byPnl))
	for s := range byPnl {
		syms = append(syms, s)
	}
	sort.Slice(syms, func(i, j int) bool {
		return byPnl[syms[i]].Abs().GreaterThan(byPnl[syms[j]].Abs())
	})
	if len(syms) > n {
		syms = syms[:n]
	}
	return syms
}

// FormatReport renders the window aggregates as a Telegram-friendly block.
func FormatReport(stats []domain.WindowStats) string {
	var b strings.Builder
	for _, w := range stats {
		fmt.Fprintf(&b, "%s: %d trades, %d W / %d L", w.Window, w.Trades, w.Wins, w.Losses)
		if w.Trades > 0 {
			fmt.Fprintf(&b, " (%s%%), pnl %s", w.WinRate, w.NetPnl)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
