// Package dominance ranks layers by structural power and reconciles that
// ranking with the critical flags into a single leap decision.
package dominance

import (
	"github.com/talgya/pressure-sim/internal/dynamics"
)

// Report is the structural-power view of one post-step state.
type Report struct {
	Powers map[dynamics.Layer]float64 `json:"powers"`

	// Dominant is argmax power, ties broken by layer priority. It describes
	// ongoing behavioral bias, not a leap.
	Dominant dynamics.Layer `json:"dominant"`

	// Meaningful is false when no layer has positive power.
	Meaningful bool `json:"meaningful"`
}

// Powers computes power_L = pressure_L * E_L * kappa_L * R_L for every
// layer. Negative energy yields negative power; nothing is clamped.
func Powers(s dynamics.State, params *dynamics.ParameterSet, in dynamics.Pressures) (Report, error) {
	if err := dynamics.ValidatePressures(in, params); err != nil {
		return Report{}, err
	}

	layers := params.Layers()
	r := Report{Powers: make(map[dynamics.Layer]float64, len(layers))}
	for _, l := range layers {
		lp, _ := params.Layer(l)
		ls := s.Layers[l]
		r.Powers[l] = in[l] * ls.Energy * ls.Kappa * lp.Resistance
	}

	// Layers come back in priority order, so a strict comparison keeps the
	// earlier (higher-priority) layer on ties.
	for i, l := range layers {
		if i == 0 || r.Powers[l] > r.Powers[r.Dominant] {
			r.Dominant = l
		}
	}
	r.Meaningful = r.Powers[r.Dominant] > 0
	return r, nil
}

// Resistance returns kappa_L * R_L per layer: how hard each layer is to move.
func Resistance(s dynamics.State, params *dynamics.ParameterSet) map[dynamics.Layer]float64 {
	out := make(map[dynamics.Layer]float64)
	for _, l := range params.Layers() {
		lp, _ := params.Layer(l)
		out[l] = s.Layers[l].Kappa * lp.Resistance
	}
	return out
}
