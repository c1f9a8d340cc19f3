// Archetype presets: named variations of the reference constants that give
// a population distinct temperaments without hand-writing every layer.
package agents

import (
	"fmt"
	"sort"

	"github.com/talgya/pressure-sim/internal/dynamics"
)

// Archetype names.
const (
	ArchReference   = "reference"
	ArchInstinctive = "instinctive"
	ArchNormative   = "normative"
	ArchIdeational  = "ideational"
	ArchEmbodied    = "embodied"
)

// Template describes how an archetype modifies the reference constants.
type Template struct {
	// ThresholdScale multiplies Theta_L: below 1 the layer tolerates more
	// depletion before it breaks.
	ThresholdScale map[dynamics.Layer]float64

	// LearningScale multiplies eta_L (capped at 1).
	LearningScale map[dynamics.Layer]float64

	// LeapBoost sets the post-leap conversion multiplier.
	LeapBoost map[dynamics.Layer]float64

	// DirectCoupling enables the reference layer-to-layer matrix.
	DirectCoupling bool

	Reset dynamics.ResetPolicy
}

var archetypeTemplates = map[string]Template{
	ArchReference: {},
	ArchInstinctive: {
		ThresholdScale: map[dynamics.Layer]float64{
			dynamics.LayerBase: 1.2, // Breaks early under fear
		},
		LearningScale: map[dynamics.Layer]float64{
			dynamics.LayerUpper: 0.5, // Barely learns from ideological crises
		},
		LeapBoost: map[dynamics.Layer]float64{
			dynamics.LayerBase: 12,
		},
		DirectCoupling: true,
	},
	ArchNormative: {
		ThresholdScale: map[dynamics.Layer]float64{
			dynamics.LayerCore: 0.7, // Holds to rules long after they hurt
		},
		LearningScale: map[dynamics.Layer]float64{
			dynamics.LayerCore: 1.5,
		},
		LeapBoost: map[dynamics.Layer]float64{
			dynamics.LayerCore: 10,
		},
		Reset: dynamics.ResetPolicy{Mode: dynamics.ResetPartial, Fraction: 0.5},
	},
	ArchIdeational: {
		ThresholdScale: map[dynamics.Layer]float64{
			dynamics.LayerUpper: 1.25,
			dynamics.LayerBase:  0.8,
		},
		LearningScale: map[dynamics.Layer]float64{
			dynamics.LayerUpper: 2,
		},
		LeapBoost: map[dynamics.Layer]float64{
			dynamics.LayerUpper: 8,
		},
		DirectCoupling: true,
	},
	ArchEmbodied: {
		ThresholdScale: map[dynamics.Layer]float64{
			dynamics.LayerPhysical: 1.1,
		},
		LeapBoost: map[dynamics.Layer]float64{
			dynamics.LayerPhysical: 6,
			dynamics.LayerBase:     12,
		},
		DirectCoupling: true,
		Reset:          dynamics.ResetPolicy{Mode: dynamics.ResetFull},
	},
}

// ArchetypeNames returns the known presets, sorted.
func ArchetypeNames() []string {
	names := make([]string, 0, len(archetypeTemplates))
	for name := range archetypeTemplates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ArchetypeConfig returns the reference constants modified by the named
// template.
func ArchetypeConfig(name string) (dynamics.Config, error) {
	tmpl, ok := archetypeTemplates[name]
	if !ok {
		return dynamics.Config{}, fmt.Errorf("unknown archetype %q", name)
	}

	cfg := dynamics.DefaultConfig()
	for i := range cfg.Layers {
		lp := &cfg.Layers[i]
		if s, ok := tmpl.ThresholdScale[lp.Layer]; ok {
			lp.Threshold *= s
		}
		if s, ok := tmpl.LearningScale[lp.Layer]; ok {
			lp.LearningRate *= s
			if lp.LearningRate > 1 {
				lp.LearningRate = 1
			}
		}
		if b, ok := tmpl.LeapBoost[lp.Layer]; ok {
			lp.LeapBoost = b
		}
	}
	if tmpl.DirectCoupling {
		cfg.Couplings = dynamics.ReferenceCouplings()
	}
	cfg.Reset = tmpl.Reset
	return cfg, nil
}

// ArchetypeParams builds the validated parameter set for a preset.
func ArchetypeParams(name string) (*dynamics.ParameterSet, error) {
	cfg, err := ArchetypeConfig(name)
	if err != nil {
		return nil, err
	}
	return dynamics.NewParameterSet(cfg)
}
