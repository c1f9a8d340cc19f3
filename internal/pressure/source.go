// Package pressure supplies the external pressure vectors fed to each agent
// every tick.
package pressure

import (
	"fmt"
	"sort"

	"github.com/talgya/pressure-sim/internal/agents"
	"github.com/talgya/pressure-sim/internal/dynamics"
)

// Source produces the base pressure for one agent at one tick. Sources are
// called concurrently from the stepping workers and must be safe for that.
type Source interface {
	Pressures(id agents.AgentID, tick uint64) (dynamics.Pressures, error)
}

// Static returns the same vector for every agent and tick.
type Static dynamics.Pressures

func (s Static) Pressures(agents.AgentID, uint64) (dynamics.Pressures, error) {
	return dynamics.Pressures(s).Clone(), nil
}

// Shock adds Extra to one layer over the half-open tick range [From, To).
// AgentIDs empty means every agent.
type Shock struct {
	From, To uint64
	Layer    dynamics.Layer
	Extra    float64
	AgentIDs []agents.AgentID
}

func (sh Shock) applies(id agents.AgentID, tick uint64) bool {
	if tick < sh.From || tick >= sh.To {
		return false
	}
	if len(sh.AgentIDs) == 0 {
		return true
	}
	for _, a := range sh.AgentIDs {
		if a == id {
			return true
		}
	}
	return false
}

// Scripted layers scheduled shocks over a base source. A shock on a layer
// the base does not emit starts from zero.
type Scripted struct {
	Base   Source
	Shocks []Shock
}

// NewScripted validates the shock schedule.
func NewScripted(base Source, shocks []Shock) (*Scripted, error) {
	if base == nil {
		return nil, fmt.Errorf("scripted pressure: nil base source")
	}
	for i, sh := range shocks {
		if sh.To <= sh.From {
			return nil, fmt.Errorf("scripted pressure: shock %d has empty tick range [%d,%d)", i, sh.From, sh.To)
		}
		if sh.Layer == "" {
			return nil, fmt.Errorf("scripted pressure: shock %d has no layer", i)
		}
	}
	ordered := append([]Shock(nil), shocks...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].From < ordered[j].From })
	return &Scripted{Base: base, Shocks: ordered}, nil
}

func (s *Scripted) Pressures(id agents.AgentID, tick uint64) (dynamics.Pressures, error) {
	p, err := s.Base.Pressures(id, tick)
	if err != nil {
		return nil, err
	}
	for _, sh := range s.Shocks {
		if sh.From > tick {
			break
		}
		if !sh.applies(id, tick) {
			continue
		}
		p[sh.Layer] += sh.Extra
		if p[sh.Layer] < 0 {
			p[sh.Layer] = 0
		}
	}
	return p, nil
}
