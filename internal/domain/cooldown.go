package domain

import "time"

// CooldownState is the persisted loss-streak state of the cooldown
// controller. A zero value means trading is allowed at full size.
type CooldownState struct {
	ConsecutiveLosses int        `json:"consecutiveLosses"`
	ConsecutiveWins   int        `json:"consecutiveWins"`
	CooldownUntil     *time.Time `json:"cooldownUntil,omitempty"`
	Reason            string     `json:"reason,omitempty"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

// CoolingDown reports whether the cooldown clock is still running at now.
func (s CooldownState) CoolingDown(now time.Time) bool {
	return s.CooldownUntil != nil && now.Before(*s.CooldownUntil)
}
