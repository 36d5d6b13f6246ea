package entity

import (
	"maps"
	"slices"
	"time"
)

// CooldownType is the action a chest cooldown applies to.
type CooldownType string

// Cooldown types.
const (
	CooldownOpen CooldownType = "open"
	CooldownBuy  CooldownType = "buy"
)

// Cooldown blocks an action on a chest until ExpiresAt.
// Context scopes the cooldown to one storage context (game server).
type Cooldown struct {
	Context   string       `json:"context"`
	Chest     string       `json:"chest"`
	Type      CooldownType `json:"type"`
	ExpiresAt time.Time    `json:"expires_at"`
}

// Matches reports whether c is the cooldown for the given context, chest and type.
func (c Cooldown) Matches(context, chest string, typ CooldownType) bool {
	return c.Context == context && c.Chest == chest && c.Type == typ
}

// State is the persisted payload of an entity.
type State struct {
	Balance    int64             `json:"balance"`
	Cooldowns  []Cooldown        `json:"cooldowns,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Clone returns a deep copy of s. Updaters receive clones so they can never
// reach into a published snapshot.
func (s State) Clone() State {
	cpy := s
	cpy.Cooldowns = slices.Clone(s.Cooldowns)
	cpy.Attributes = maps.Clone(s.Attributes)
	return cpy
}

// Equal reports whether two states hold the same data.
func (s State) Equal(o State) bool {
	if s.Balance != o.Balance || len(s.Cooldowns) != len(o.Cooldowns) || len(s.Attributes) != len(o.Attributes) {
		return false
	}
	for i := range s.Cooldowns {
		a, b := s.Cooldowns[i], o.Cooldowns[i]
		if !a.Matches(b.Context, b.Chest, b.Type) || !a.ExpiresAt.Equal(b.ExpiresAt) {
			return false
		}
	}
	return maps.Equal(s.Attributes, o.Attributes)
}

// WithCooldown returns a copy of s with the cooldown set, replacing any
// existing cooldown for the same context, chest and type.
func (s State) WithCooldown(c Cooldown) State {
	out := s.Clone()
	for i := range out.Cooldowns {
		if out.Cooldowns[i].Matches(c.Context, c.Chest, c.Type) {
			out.Cooldowns[i] = c
			return out
		}
	}
	out.Cooldowns = append(out.Cooldowns, c)
	return out
}

// CooldownRemaining returns how long the cooldown still runs at now, or zero.
func (s State) CooldownRemaining(context, chest string, typ CooldownType, now time.Time) time.Duration {
	for _, c := range s.Cooldowns {
		if c.Matches(context, chest, typ) {
			if remaining := c.ExpiresAt.Sub(now); remaining > 0 {
				return remaining
			}
			return 0
		}
	}
	return 0
}

// WithoutExpiredCooldowns drops cooldowns that have expired at now.
func (s State) WithoutExpiredCooldowns(now time.Time) State {
	out := s.Clone()
	out.Cooldowns = slices.DeleteFunc(out.Cooldowns, func(c Cooldown) bool {
		return !c.ExpiresAt.After(now)
	})
	if len(out.Cooldowns) == 0 {
		out.Cooldowns = nil
	}
	return out
}

// WithoutCooldowns drops every cooldown in the given context.
func (s State) WithoutCooldowns(context string) State {
	out := s.Clone()
	out.Cooldowns = slices.DeleteFunc(out.Cooldowns, func(c Cooldown) bool {
		return c.Context == context
	})
	if len(out.Cooldowns) == 0 {
		out.Cooldowns = nil
	}
	return out
}
