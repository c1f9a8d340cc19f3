// Package agents provides the agent record and the per-tick pipeline that
// turns a pressure vector into a committed state and a decision record.
package agents

import (
	"github.com/talgya/pressure-sim/internal/dominance"
	"github.com/talgya/pressure-sim/internal/dynamics"
)

// AgentID is a unique identifier for an agent.
type AgentID uint64

// Relationship is one agent's view of another, as fed to the social hook.
type Relationship struct {
	TargetID AgentID `json:"target_id"`
	Trust    float64 `json:"trust"` // 0.0 (hostile) to 1.0 (allied), 0.5 neutral
}

// Agent is one simulated mind. State is owned exclusively by the agent and
// only replaced through Commit.
type Agent struct {
	ID        AgentID `json:"id"`
	Name      string  `json:"name"`
	Archetype string  `json:"archetype"`

	// Params is shared read-only with every agent of the same archetype.
	Params *dynamics.ParameterSet `json:"-"`
	State  dynamics.State         `json:"state"`

	Relationships []Relationship `json:"relationships,omitempty"`

	// Decision history.
	LastDecision dominance.Decision `json:"last_decision"`
	LeapCount    uint64             `json:"leap_count"`
	Leaps        []Leap             `json:"leaps,omitempty"`

	BornTick uint64 `json:"born_tick"`
}

// Record is the structured signal emitted for every agent on every tick.
type Record struct {
	Tick     uint64                     `json:"tick"`
	AgentID  AgentID                    `json:"agent_id"`
	Decision dominance.Decision         `json:"decision"`
	Powers   map[dynamics.Layer]float64 `json:"powers"`
	Critical map[dynamics.Layer]bool    `json:"critical_flags"`

	// Dominant is the power-ranked layer, reported even without a leap.
	Dominant   dynamics.Layer `json:"dominant"`
	Meaningful bool           `json:"meaningful"`
}

// Trust returns the agent's trust in target, if a relationship exists.
func (a *Agent) Trust(target AgentID) (float64, bool) {
	for _, r := range a.Relationships {
		if r.TargetID == target {
			return r.Trust, true
		}
	}
	return 0, false
}

// SetTrust creates or replaces the relationship with target. Trust is
// clamped to [0, 1].
func (a *Agent) SetTrust(target AgentID, trust float64) {
	if trust < 0 {
		trust = 0
	}
	if trust > 1 {
		trust = 1
	}
	for i := range a.Relationships {
		if a.Relationships[i].TargetID == target {
			a.Relationships[i].Trust = trust
			return
		}
	}
	a.Relationships = append(a.Relationships, Relationship{TargetID: target, Trust: trust})
}
