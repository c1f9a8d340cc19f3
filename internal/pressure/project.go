package pressure

import (
	"github.com/talgya/pressure-sim/internal/agents"
	"github.com/talgya/pressure-sim/internal/dynamics"
)

// ParamsLookup resolves an agent's parameter set.
type ParamsLookup func(id agents.AgentID) (*dynamics.ParameterSet, bool)

// Projected fits a shared feed to each agent's own layer set: layers the
// agent lacks are dropped and layers the feed lacks are zero. Without it a
// population mixing layer sets would fail input validation.
type Projected struct {
	Base   Source
	Lookup ParamsLookup
}

func (p Projected) Pressures(id agents.AgentID, tick uint64) (dynamics.Pressures, error) {
	in, err := p.Base.Pressures(id, tick)
	if err != nil {
		return nil, err
	}
	params, ok := p.Lookup(id)
	if !ok {
		return in, nil
	}
	out := make(dynamics.Pressures, len(params.Layers()))
	for _, l := range params.Layers() {
		out[l] = in[l]
	}
	return out, nil
}
