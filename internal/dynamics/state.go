package dynamics

import (
	"fmt"
	"math"
)

// LayerState is the per-layer slice of an agent's state.
type LayerState struct {
	Energy   float64 `json:"energy"`   // E_L, unprocessed pressure; may go negative
	Kappa    float64 `json:"kappa"`    // structural inertia in [KappaMin, 1]
	Critical bool    `json:"critical"` // true only on the tick the layer fired
}

// State is one agent's layered snapshot. It is a value: Step returns a new
// State and never mutates the one it was given.
type State struct {
	Tick   uint64               `json:"tick"`
	Hub    float64              `json:"hub"` // E_direct, action energy
	Layers map[Layer]LayerState `json:"layers"`
}

// Initial describes caller-supplied starting values. Layers absent from the
// maps start at zero energy and kappa 1.
type Initial struct {
	Hub    float64           `json:"hub,omitempty"`
	Energy map[Layer]float64 `json:"energy,omitempty"`
	Kappa  map[Layer]float64 `json:"kappa,omitempty"`
}

// NewState builds and validates the starting state for params.
func NewState(params *ParameterSet, init Initial) (State, error) {
	for l := range init.Energy {
		if !params.Has(l) {
			return State{}, fmt.Errorf("%w: field=energy[%s] reason=unknown layer", ErrValidation, l)
		}
	}
	for l := range init.Kappa {
		if !params.Has(l) {
			return State{}, fmt.Errorf("%w: field=kappa[%s] reason=unknown layer", ErrValidation, l)
		}
	}

	s := State{
		Hub:    init.Hub,
		Layers: make(map[Layer]LayerState, len(params.layers)),
	}
	for _, lp := range params.layers {
		kappa := 1.0
		if k, ok := init.Kappa[lp.Layer]; ok {
			kappa = k
		}
		s.Layers[lp.Layer] = LayerState{Energy: init.Energy[lp.Layer], Kappa: kappa}
	}
	if err := ValidateState(s, params); err != nil {
		return State{}, err
	}
	return s, nil
}

// ValidateState checks that s carries exactly params' layers with finite
// energies and kappa inside [KappaMin, 1].
func ValidateState(s State, params *ParameterSet) error {
	if !isFinite(s.Hub) {
		return fmt.Errorf("%w: field=hub reason=non-finite", ErrValidation)
	}
	if len(s.Layers) != len(params.layers) {
		return fmt.Errorf("%w: field=layers reason=layer count mismatch got=%d want=%d",
			ErrValidation, len(s.Layers), len(params.layers))
	}
	for _, lp := range params.layers {
		ls, ok := s.Layers[lp.Layer]
		if !ok {
			return fmt.Errorf("%w: field=layers[%s] reason=missing", ErrValidation, lp.Layer)
		}
		if !isFinite(ls.Energy) {
			return fmt.Errorf("%w: field=layers[%s].energy reason=non-finite", ErrValidation, lp.Layer)
		}
		if !isFinite(ls.Kappa) || ls.Kappa < lp.KappaMin || ls.Kappa > 1 {
			return fmt.Errorf("%w: field=layers[%s].kappa reason=out of range [%g,1] value=%g",
				ErrValidation, lp.Layer, lp.KappaMin, ls.Kappa)
		}
	}
	return nil
}

// Clone returns a deep copy of s.
func (s State) Clone() State {
	out := s
	out.Layers = make(map[Layer]LayerState, len(s.Layers))
	for l, ls := range s.Layers {
		out.Layers[l] = ls
	}
	return out
}

// Energy returns E_L, or 0 for an unknown layer.
func (s State) Energy(l Layer) float64 { return s.Layers[l].Energy }

// Kappa returns kappa_L, or 0 for an unknown layer.
func (s State) Kappa(l Layer) float64 { return s.Layers[l].Kappa }

// Flags returns the critical flag of every layer.
func (s State) Flags() map[Layer]bool {
	out := make(map[Layer]bool, len(s.Layers))
	for l, ls := range s.Layers {
		out[l] = ls.Critical
	}
	return out
}

// TotalEnergy is the hub energy plus every layer's energy.
func TotalEnergy(s State) float64 {
	total := s.Hub
	for _, ls := range s.Layers {
		total += ls.Energy
	}
	return total
}

// Distribution returns each layer's share of the total energy, keyed by
// layer name plus "hub". All shares are zero when the total is zero.
func Distribution(s State) map[string]float64 {
	total := TotalEnergy(s)
	out := make(map[string]float64, len(s.Layers)+1)
	if total == 0 {
		out["hub"] = 0
		for l := range s.Layers {
			out[string(l)] = 0
		}
		return out
	}
	out["hub"] = s.Hub / total
	for l, ls := range s.Layers {
		out[string(l)] = ls.Energy / total
	}
	return out
}

// DominantFrustration returns the layer holding the most energy. Ties go to
// the higher-priority layer.
func DominantFrustration(s State, params *ParameterSet) (Layer, float64) {
	best := Layer("")
	bestE := math.Inf(-1)
	for _, lp := range params.layers {
		if e := s.Layers[lp.Layer].Energy; e > bestE {
			best, bestE = lp.Layer, e
		}
	}
	return best, bestE
}
