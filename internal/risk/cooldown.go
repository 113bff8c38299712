// Package risk holds the cooldown controller: a loss-streak state machine
// that blocks new entries after stop-outs and scales size back down while
// the account is losing.
package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/signalbot/internal/config"
	"github.com/web3guy0/signalbot/internal/domain"
	"github.com/web3guy0/signalbot/internal/store"
)

var one = decimal.NewFromInt(1)

// Controller tracks loss streaks and cooldown clocks. State survives
// restarts through the singleton store.
type Controller struct {
	cfg   config.CooldownConfig
	state *store.Singleton[domain.CooldownState]
	log   zerolog.Logger

	mu  sync.Mutex
	cur domain.CooldownState
	now func() time.Time
}

func NewController(cfg config.CooldownConfig, st *store.Singleton[domain.CooldownState], log zerolog.Logger) (*Controller, error) {
	c := &Controller{cfg: cfg, state: st, log: log, now: time.Now}
	cur, ok, err := st.Load()
	if err != nil {
		return nil, fmt.Errorf("load cooldown state: %w", err)
	}
	if ok {
		c.cur = cur
	}
	return c, nil
}

// Blocked reports whether new entries are currently forbidden, with the
// state snapshot explaining why.
func (c *Controller) Blocked() (bool, domain.CooldownState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur.CoolingDown(c.now()), c.cur
}

// SizeMultiplier is the factor applied to the computed position size while
// a loss streak is running. 1 when size reduction is disabled.
func (c *Controller) SizeMultiplier() decimal.Decimal {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.cfg.ReduceSizeAfterLosses {
		return one
	}
	switch c.cur.ConsecutiveLosses {
	case 0:
		return one
	case 1:
		return decimal.NewFromFloat(c.cfg.SizeMultiplierAfterOneLoss)
	case 2:
		return decimal.NewFromFloat(c.cfg.SizeMultiplierAfterTwoLosses)
	default:
		return decimal.NewFromFloat(c.cfg.SizeMultiplierAfterMoreLosses)
	}
}

// OnPositionClosed feeds one closed position into the streak machine. The
// streak is keyed on the close reason: stop-outs and liquidations count as
// losses, completed target runs as wins, and manual or error closes leave
// the streak alone whatever the realized pnl.
func (c *Controller) OnPositionClosed(pos *domain.SignalPosition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()

	switch pos.CloseReason {
	case domain.CloseStopLossHit, domain.CloseLiquidation:
		c.cur.ConsecutiveLosses++
		c.cur.ConsecutiveWins = 0
		c.applyLossCooldown(pos, now)
	case domain.CloseTargetsHit:
		c.cur.ConsecutiveWins++
		if c.cfg.WinsToResetLossCounter > 0 && c.cur.ConsecutiveWins >= c.cfg.WinsToResetLossCounter {
			if c.cur.ConsecutiveLosses > 0 {
				c.log.Info().Int("wins", c.cur.ConsecutiveWins).Msg("loss counter reset by win streak")
			}
			c.cur.ConsecutiveLosses = 0
			c.cur.ConsecutiveWins = 0
		}
	default:
		return
	}
	c.cur.UpdatedAt = now
	c.persist()
}

func (c *Controller) applyLossCooldown(pos *domain.SignalPosition, now time.Time) {
	var dur time.Duration
	var reason string
	switch {
	case c.cfg.LossesForLongCooldown > 0 && c.cur.ConsecutiveLosses >= c.cfg.LossesForLongCooldown:
		dur = c.cfg.LongCooldown
		reason = fmt.Sprintf("%d consecutive losses", c.cur.ConsecutiveLosses)
	case pos.CloseReason == domain.CloseLiquidation:
		dur = c.cfg.AfterLiquidation
		reason = "liquidation on " + pos.Symbol
	default:
		dur = c.cfg.AfterStopLoss
		reason = "stop loss on " + pos.Symbol
	}
	if dur <= 0 {
		return
	}
	until := now.Add(dur)
	// Never shorten a clock that is already running longer.
	if c.cur.CooldownUntil == nil || until.After(*c.cur.CooldownUntil) {
		c.cur.CooldownUntil = &until
		c.cur.Reason = reason
	}
	c.log.Warn().
		Str("symbol", pos.Symbol).
		Str("reason", reason).
		Time("until", *c.cur.CooldownUntil).
		Int("losses", c.cur.ConsecutiveLosses).
		Msg("cooldown engaged")
}

// ResetCooldown clears the cooldown clock but keeps the loss streak.
func (c *Controller) ResetCooldown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur.CooldownUntil = nil
	c.cur.Reason = ""
	c.cur.UpdatedAt = c.now()
	c.persist()
	c.log.Info().Msg("cooldown cleared by operator")
}

// ResetLossCounter clears the streak; a running cooldown clock keeps
// ticking until it expires or ResetCooldown clears it.
func (c *Controller) ResetLossCounter() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur.ConsecutiveLosses = 0
	c.cur.ConsecutiveWins = 0
	c.cur.UpdatedAt = c.now()
	c.persist()
	c.log.Info().Msg("loss counter cleared by operator")
}

// State returns a snapshot for status reporting.
func (c *Controller) State() domain.CooldownState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur
}

func (c *Controller) persist() {
	if err := c.state.Save(c.cur); err != nil {
		c.log.Error().Err(err).Msg("persist cooldown state")
	}
}
