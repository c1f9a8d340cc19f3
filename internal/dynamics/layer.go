// Package dynamics implements the layered pressure engine: parameters,
// per-agent state, the Euler step and critical-threshold detection.
package dynamics

// Layer names one stratum of an agent's unresolved-pressure accounting.
// The set is open: a ParameterSet may declare any layers it needs.
type Layer string

// Well-known layers, from hardest to easiest to move.
const (
	LayerPhysical Layer = "physical" // Fatigue, injury, hunger
	LayerBase     Layer = "base"     // Instinctive: fear, anger, survival
	LayerCore     Layer = "core"     // Normative: rules, roles, obligations
	LayerUpper    Layer = "upper"    // Ideational: beliefs, plans, narratives
)

// DefaultLayerOrder is the tie-break priority used by DefaultConfig.
var DefaultLayerOrder = []Layer{LayerPhysical, LayerBase, LayerCore, LayerUpper}

func (l Layer) String() string { return string(l) }

// Pressures maps each layer to its non-negative inflow for one tick.
type Pressures map[Layer]float64

// Clone returns an independent copy.
func (p Pressures) Clone() Pressures {
	out := make(Pressures, len(p))
	for l, v := range p {
		out[l] = v
	}
	return out
}
