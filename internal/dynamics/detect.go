package dynamics

// Detect evaluates every layer's threshold on s: a layer is critical when
// its energy has fallen below Theta_L. Several layers may fire at once.
//
// Step runs Detect on the integrated energies before the reset policy
// drains fired layers, so LayerState.Critical is pre-reset criticality.
// Detect on a state that went through a reset can therefore disagree with
// its Critical flags.
func Detect(s State, params *ParameterSet) map[Layer]bool {
	out := make(map[Layer]bool, len(params.layers))
	for _, lp := range params.layers {
		out[lp.Layer] = s.Layers[lp.Layer].Energy < lp.Threshold
	}
	return out
}

// CriticalLayers lists the layers flagged in flags, in priority order.
func CriticalLayers(flags map[Layer]bool, params *ParameterSet) []Layer {
	var out []Layer
	for _, lp := range params.layers {
		if flags[lp.Layer] {
			out = append(out, lp.Layer)
		}
	}
	return out
}
