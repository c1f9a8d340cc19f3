// Package social provides the pre-step coupling hook through which agents
// influence each other's pressure, and a reference resonance model.
package social

import (
	"sort"

	"github.com/talgya/pressure-sim/internal/agents"
	"github.com/talgya/pressure-sim/internal/dynamics"
)

// Snapshot is the frozen population state of the previous tick. Hooks must
// treat it as read-only; the simulation hands every hook the same instance.
type Snapshot struct {
	Tick   uint64
	States map[agents.AgentID]dynamics.State

	// Relations holds directed trust, from -> to, as it stood when the tick
	// began. Trust changes made during the tick show up in the next one.
	Relations map[agents.AgentID]map[agents.AgentID]float64
}

// Trust implements TrustFeed over the frozen relations.
func (s *Snapshot) Trust(from, to agents.AgentID) (float64, bool) {
	t, ok := s.Relations[from][to]
	return t, ok
}

// IDs returns the agent IDs in ascending order.
func (s *Snapshot) IDs() []agents.AgentID {
	ids := make([]agents.AgentID, 0, len(s.States))
	for id := range s.States {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// TrustFeed supplies directed trust in [0, 1].
type TrustFeed interface {
	Trust(from, to agents.AgentID) (float64, bool)
}

var _ TrustFeed = (*Snapshot)(nil)

// Hook injects additional pressure for one agent, derived from other
// agents' prior-tick states. Returned values may be negative; Merge floors
// the combined pressure at zero.
type Hook interface {
	Inject(self agents.AgentID, snap *Snapshot) (dynamics.Pressures, error)
}

// HookFunc adapts a function to Hook.
type HookFunc func(self agents.AgentID, snap *Snapshot) (dynamics.Pressures, error)

func (f HookFunc) Inject(self agents.AgentID, snap *Snapshot) (dynamics.Pressures, error) {
	return f(self, snap)
}

// Merge adds extra onto base and floors each layer at zero so the engine's
// non-negative input contract holds. Layers only present in extra are
// ignored: a hook cannot introduce layers the agent does not have.
func Merge(base, extra dynamics.Pressures) dynamics.Pressures {
	out := base.Clone()
	for l, v := range extra {
		cur, ok := out[l]
		if !ok {
			continue
		}
		cur += v
		if cur < 0 {
			cur = 0
		}
		out[l] = cur
	}
	return out
}
