// Package mode holds the bot-wide operating mode switch.
package mode

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/web3guy0/signalbot/internal/domain"
	"github.com/web3guy0/signalbot/internal/store"
)

// persisted is the on-disk form of the mode switch.
type persisted struct {
	Mode      domain.OperatingMode `json:"mode"`
	ChangedAt time.Time            `json:"changedAt"`
	ChangedBy string               `json:"changedBy,omitempty"`
}

// Controller serializes mode reads/changes and notifies subscribers of
// transitions. EmergencyStop is terminal: only a restart leaves it.
type Controller struct {
	state *store.Singleton[persisted]
	log   zerolog.Logger

	mu   sync.Mutex
	cur  persisted
	subs []func(old, new domain.OperatingMode)
}

func NewController(st *store.Singleton[persisted], log zerolog.Logger) (*Controller, error) {
	c := &Controller{state: st, log: log}
	cur, ok, err := st.Load()
	if err != nil {
		return nil, fmt.Errorf("load mode state: %w", err)
	}
	if !ok || cur.Mode == "" {
		cur = persisted{Mode: domain.ModeAutomatic, ChangedAt: time.Now().UTC()}
	}
	// EmergencyStop never survives a restart; the operator restarted on
	// purpose.
	if cur.Mode == domain.ModeEmergencyStop {
		cur = persisted{Mode: domain.ModePaused, ChangedAt: time.Now().UTC(), ChangedBy: "restart"}
	}
	c.cur = cur
	return c, nil
}

// OpenStore opens the singleton backing a mode controller at path.
func OpenStore(path string) *store.Singleton[persisted] {
	return store.OpenSingleton[persisted](path)
}

// Mode returns the current operating mode.
func (c *Controller) Mode() domain.OperatingMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur.Mode
}

// AcceptsSignals reports whether new entries may be opened right now.
func (c *Controller) AcceptsSignals() bool { return c.Mode().AcceptsSignals() }

// ManagesPositions reports whether open positions keep being managed.
func (c *Controller) ManagesPositions() bool { return c.Mode().ManagesPositions() }

// Set transitions to the new mode. Transitions out of EmergencyStop are
// refused.
func (c *Controller) Set(m domain.OperatingMode, by string) error {
	c.mu.Lock()
	old := c.cur.Mode
	if old == m {
		c.mu.Unlock()
		return nil
	}
	if old == domain.ModeEmergencyStop {
		c.mu.Unlock()
		return fmt.Errorf("emergency stop is terminal, restart the bot to resume")
	}
	c.cur = persisted{Mode: m, ChangedAt: time.Now().UTC(), ChangedBy: by}
	if err := c.state.Save(c.cur); err != nil {
		c.log.Error().Err(err).Msg("persist mode state")
	}
	subs := append([]func(old, new domain.OperatingMode){}, c.subs...)
	c.mu.Unlock()

	c.log.Info().Str("from", string(old)).Str("to", string(m)).Str("by", by).Msg("operating mode changed")
	for _, fn := range subs {
		fn(old, m)
	}
	return nil
}

// Subscribe registers a transition callback. Callbacks run on the caller
// of Set, outside the controller lock.
func (c *Controller) Subscribe(fn func(old, new domain.OperatingMode)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, fn)
}
