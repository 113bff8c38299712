package risk

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/signalbot/internal/config"
	"github.com/web3guy0/signalbot/internal/domain"
	"github.com/web3guy0/signalbot/internal/store"
)

func testCfg() config.CooldownConfig {
	return config.CooldownConfig{
		AfterStopLoss:                 30 * time.Minute,
		AfterLiquidation:              4 * time.Hour,
		LongCooldown:                  12 * time.Hour,
		LossesForLongCooldown:         3,
		WinsToResetLossCounter:        2,
		ReduceSizeAfterLosses:         true,
		SizeMultiplierAfterOneLoss:    0.75,
		SizeMultiplierAfterTwoLosses:  0.5,
		SizeMultiplierAfterMoreLosses: 0.25,
	}
}

func newTestController(t *testing.T) *Controller {
	t.Helper()
	st := store.OpenSingleton[domain.CooldownState](filepath.Join(t.TempDir(), "cooldown.json"))
	c, err := NewController(testCfg(), st, zerolog.Nop())
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	return c
}

func closedPos(pnl string, reason domain.CloseReason) *domain.SignalPosition {
	return &domain.SignalPosition{
		Symbol:      "BTCUSDT",
		Status:      domain.StatusClosed,
		RealizedPnl: decimal.RequireFromString(pnl),
		CloseReason: reason,
	}
}

func TestLossLadder(t *testing.T) {
	t.Parallel()
	c := newTestController(t)
	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return base }

	// First stop-out: short cooldown, reduced size.
	c.OnPositionClosed(closedPos("-50", domain.CloseStopLossHit))
	blocked, st := c.Blocked()
	if !blocked || st.ConsecutiveLosses != 1 {
		t.Fatalf("blocked=%v state=%+v", blocked, st)
	}
	if want := base.Add(30 * time.Minute); !st.CooldownUntil.Equal(want) {
		t.Errorf("until = %v, want %v", st.CooldownUntil, want)
	}
	if m := c.SizeMultiplier(); !m.Equal(decimal.NewFromFloat(0.75)) {
		t.Errorf("multiplier = %s, want 0.75", m)
	}

	// Second loss.
	c.OnPositionClosed(closedPos("-40", domain.CloseStopLossHit))
	if m := c.SizeMultiplier(); !m.Equal(decimal.NewFromFloat(0.5)) {
		t.Errorf("multiplier = %s, want 0.5", m)
	}

	// Third loss trips the long cooldown.
	c.OnPositionClosed(closedPos("-60", domain.CloseStopLossHit))
	_, st = c.Blocked()
	if want := base.Add(12 * time.Hour); st.CooldownUntil == nil || !st.CooldownUntil.Equal(want) {
		t.Errorf("long cooldown until = %v, want %v", st.CooldownUntil, want)
	}
	if m := c.SizeMultiplier(); !m.Equal(decimal.NewFromFloat(0.25)) {
		t.Errorf("multiplier = %s, want 0.25", m)
	}
}

func TestWinsResetLossCounter(t *testing.T) {
	t.Parallel()
	c := newTestController(t)
	c.OnPositionClosed(closedPos("-50", domain.CloseStopLossHit))
	c.OnPositionClosed(closedPos("-40", domain.CloseStopLossHit))

	c.OnPositionClosed(closedPos("30", domain.CloseTargetsHit))
	if st := c.State(); st.ConsecutiveLosses != 2 || st.ConsecutiveWins != 1 {
		t.Fatalf("after one win: %+v", st)
	}
	c.OnPositionClosed(closedPos("20", domain.CloseTargetsHit))
	if st := c.State(); st.ConsecutiveLosses != 0 || st.ConsecutiveWins != 0 {
		t.Fatalf("after reset: %+v", st)
	}
	if m := c.SizeMultiplier(); !m.Equal(decimal.NewFromInt(1)) {
		t.Errorf("multiplier = %s, want 1", m)
	}
}

func TestCooldownExpires(t *testing.T) {
	t.Parallel()
	c := newTestController(t)
	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return base }
	c.OnPositionClosed(closedPos("-50", domain.CloseStopLossHit))

	c.now = func() time.Time { return base.Add(31 * time.Minute) }
	if blocked, _ := c.Blocked(); blocked {
		t.Error("still blocked after expiry")
	}
	// The streak (and size reduction) persists past the clock.
	if m := c.SizeMultiplier(); !m.Equal(decimal.NewFromFloat(0.75)) {
		t.Errorf("multiplier = %s, want 0.75", m)
	}
}

func TestLiquidationUsesLongerClock(t *testing.T) {
	t.Parallel()
	c := newTestController(t)
	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return base }
	c.OnPositionClosed(closedPos("-500", domain.CloseLiquidation))
	_, st := c.Blocked()
	if want := base.Add(4 * time.Hour); st.CooldownUntil == nil || !st.CooldownUntil.Equal(want) {
		t.Fatalf("until = %v, want %v", st.CooldownUntil, want)
	}
}

func TestManualCloseLeavesStreakAlone(t *testing.T) {
	t.Parallel()
	c := newTestController(t)

	// A losing manual close is the operator's call, not a strategy loss.
	c.OnPositionClosed(closedPos("-10", domain.CloseManual))
	blocked, st := c.Blocked()
	if blocked {
		t.Error("manual close started a cooldown clock")
	}
	if st.ConsecutiveLosses != 0 || st.ConsecutiveWins != 0 {
		t.Errorf("streak after manual close = %+v, want untouched", st)
	}

	// Nor does it extend an existing streak.
	c.OnPositionClosed(closedPos("-50", domain.CloseStopLossHit))
	c.OnPositionClosed(closedPos("-10", domain.CloseManual))
	if st := c.State(); st.ConsecutiveLosses != 1 {
		t.Errorf("losses = %d, want 1", st.ConsecutiveLosses)
	}
}

func TestBreakevenStopOutCountsAsLoss(t *testing.T) {
	t.Parallel()
	c := newTestController(t)
	// Stop moved to entry, then hit: pnl is flat but the trade failed.
	c.OnPositionClosed(closedPos("0", domain.CloseStopLossHit))
	blocked, st := c.Blocked()
	if !blocked || st.ConsecutiveLosses != 1 {
		t.Fatalf("blocked=%v state=%+v, want a counted loss with a clock", blocked, st)
	}
}

func TestOperatorResets(t *testing.T) {
	t.Parallel()
	c := newTestController(t)
	c.OnPositionClosed(closedPos("-50", domain.CloseStopLossHit))

	c.ResetCooldown()
	if blocked, st := c.Blocked(); blocked || st.ConsecutiveLosses != 1 {
		t.Fatalf("after ResetCooldown: blocked=%v state=%+v", blocked, st)
	}

	c.ResetLossCounter()
	if st := c.State(); st.ConsecutiveLosses != 0 {
		t.Fatalf("after ResetLossCounter: %+v", st)
	}
}

func TestResetLossCounterKeepsRunningClock(t *testing.T) {
	t.Parallel()
	c := newTestController(t)
	c.OnPositionClosed(closedPos("-50", domain.CloseStopLossHit))

	c.ResetLossCounter()
	blocked, st := c.Blocked()
	if !blocked || st.CooldownUntil == nil {
		t.Fatalf("clock cleared by ResetLossCounter: blocked=%v state=%+v", blocked, st)
	}
	if st.ConsecutiveLosses != 0 {
		t.Errorf("losses = %d, want 0", st.ConsecutiveLosses)
	}
}

func TestStateSurvivesRestart(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "cooldown.json")
	st := store.OpenSingleton[domain.CooldownState](path)
	c, err := NewController(testCfg(), st, zerolog.Nop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	c.OnPositionClosed(closedPos("-50", domain.CloseStopLossHit))

	c2, err := NewController(testCfg(), store.OpenSingleton[domain.CooldownState](path), zerolog.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if st2 := c2.State(); st2.ConsecutiveLosses != 1 || st2.CooldownUntil == nil {
		t.Fatalf("restored state = %+v", st2)
	}
}
