package social

import (
	"fmt"
	"math"

	"github.com/talgya/pressure-sim/internal/agents"
	"github.com/talgya/pressure-sim/internal/dynamics"
)

// ResonanceParams configures the reference coupling model. Trust t maps to
// a relation r = 2t-1 in [-1, 1]; relations within ±CooperationThreshold
// have no effect.
type ResonanceParams struct {
	Strength             float64 `json:"strength"`
	CooperationThreshold float64 `json:"cooperation_threshold"`

	// Zeta pulls an agent's energy toward an ally's (contagion). Non-negative.
	Zeta map[dynamics.Layer]float64 `json:"zeta"`
	// Omega scales a rival's energy into suppression. Non-positive.
	Omega map[dynamics.Layer]float64 `json:"omega"`
}

// DefaultResonance returns the reference contagion constants: fear and
// anger spread strongest, fatigue barely spreads, instinctive rivalry is the
// harshest.
func DefaultResonance() ResonanceParams {
	return ResonanceParams{
		Strength:             1.0,
		CooperationThreshold: 0.5,
		Zeta: map[dynamics.Layer]float64{
			dynamics.LayerPhysical: 0.02,
			dynamics.LayerBase:     0.08,
			dynamics.LayerCore:     0.05,
			dynamics.LayerUpper:    0.03,
		},
		Omega: map[dynamics.Layer]float64{
			dynamics.LayerPhysical: -0.01,
			dynamics.LayerBase:     -0.06,
			dynamics.LayerCore:     -0.03,
			dynamics.LayerUpper:    -0.02,
		},
	}
}

// Resonance is a Hook that propagates energy between allies and applies
// suppression between rivals. Trust is read from the snapshot, so every
// agent in a tick sees the same relations.
type Resonance struct {
	p ResonanceParams
}

// NewResonance validates p.
func NewResonance(p ResonanceParams) (*Resonance, error) {
	if !finite(p.Strength) || p.Strength < 0 {
		return nil, fmt.Errorf("resonance: strength must be non-negative, got %g", p.Strength)
	}
	if !finite(p.CooperationThreshold) || p.CooperationThreshold < 0 || p.CooperationThreshold >= 1 {
		return nil, fmt.Errorf("resonance: cooperation threshold must be in [0,1), got %g", p.CooperationThreshold)
	}
	for l, z := range p.Zeta {
		if !finite(z) || z < 0 {
			return nil, fmt.Errorf("resonance: zeta[%s] must be non-negative, got %g", l, z)
		}
	}
	for l, o := range p.Omega {
		if !finite(o) || o > 0 {
			return nil, fmt.Errorf("resonance: omega[%s] must be non-positive, got %g", l, o)
		}
	}
	return &Resonance{p: p}, nil
}

// Inject sums the influence of every related agent on self. Others are
// visited in ID order so the floating-point sum is reproducible.
func (r *Resonance) Inject(self agents.AgentID, snap *Snapshot) (dynamics.Pressures, error) {
	me, ok := snap.States[self]
	if !ok {
		return nil, fmt.Errorf("resonance: agent %d missing from snapshot", self)
	}

	out := make(dynamics.Pressures, len(me.Layers))
	for l := range me.Layers {
		out[l] = 0
	}

	for _, id := range snap.IDs() {
		if id == self {
			continue
		}
		t, ok := snap.Trust(self, id)
		if !ok {
			continue
		}
		relation := 2*t - 1
		other := snap.States[id]

		switch {
		case relation > r.p.CooperationThreshold:
			for l, ls := range me.Layers {
				o, ok := other.Layers[l]
				if !ok {
					continue
				}
				out[l] += r.p.Zeta[l] * (o.Energy - ls.Energy) * relation * r.p.Strength
			}
		case relation < -r.p.CooperationThreshold:
			for l := range me.Layers {
				o, ok := other.Layers[l]
				if !ok {
					continue
				}
				out[l] += r.p.Omega[l] * o.Energy * math.Abs(relation) * r.p.Strength
			}
		}
	}
	return out, nil
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }
