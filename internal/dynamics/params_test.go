package dynamics

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	ps, err := NewParameterSet(DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, DefaultLayerOrder, ps.Layers())

	cfg := DefaultConfig()
	cfg.Couplings = ReferenceCouplings()
	_, err = NewParameterSet(cfg)
	require.NoError(t, err)
}

func TestNewParameterSetRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no layers", func(c *Config) { c.Layers = nil }},
		{"empty layer name", func(c *Config) { c.Layers[0].Layer = "" }},
		{"duplicate layer", func(c *Config) { c.Layers[1].Layer = c.Layers[0].Layer }},
		{"kappa floor above one", func(c *Config) { c.Layers[0].KappaMin = 1.2 }},
		{"kappa floor zero", func(c *Config) { c.Layers[2].KappaMin = 0 }},
		{"negative decay", func(c *Config) { c.Layers[1].Decay = -0.1 }},
		{"negative threshold", func(c *Config) { c.Layers[3].Threshold = -1 }},
		{"nan conversion", func(c *Config) { c.Layers[0].ToHub = math.NaN() }},
		{"learning rate above one", func(c *Config) { c.Layers[0].LearningRate = 1.5 }},
		{"zero resistance", func(c *Config) { c.Layers[0].Resistance = 0 }},
		{"leap boost below one", func(c *Config) { c.Layers[0].LeapBoost = 0.5 }},
		{"negative hub decay", func(c *Config) { c.HubDecay = -1 }},
		{"unknown coupling source", func(c *Config) {
			c.Couplings = []Coupling{{From: "spirit", To: LayerBase, Rate: 0.1}}
		}},
		{"self coupling", func(c *Config) {
			c.Couplings = []Coupling{{From: LayerBase, To: LayerBase, Rate: 0.1}}
		}},
		{"duplicate coupling", func(c *Config) {
			c.Couplings = []Coupling{
				{From: LayerBase, To: LayerCore, Rate: 0.1},
				{From: LayerBase, To: LayerCore, Rate: 0.2},
			}
		}},
		{"infinite coupling", func(c *Config) {
			c.Couplings = []Coupling{{From: LayerBase, To: LayerCore, Rate: math.Inf(1)}}
		}},
		{"partial reset without fraction", func(c *Config) { c.Reset = ResetPolicy{Mode: ResetPartial} }},
		{"partial reset of everything", func(c *Config) { c.Reset = ResetPolicy{Mode: ResetPartial, Fraction: 1} }},
		{"unknown reset mode", func(c *Config) { c.Reset = ResetPolicy{Mode: 9} }},
		{"drift rate above one", func(c *Config) { c.Learning = LearningPolicy{Mode: LearnDrift, DriftRate: 2} }},
		{"unknown learning mode", func(c *Config) { c.Learning = LearningPolicy{Mode: 7} }},
		{"nan clamp floor", func(c *Config) { c.Clamp = Clamp{Enabled: true, Floor: math.NaN()} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			ps, err := NewParameterSet(cfg)
			require.ErrorIs(t, err, ErrValidation)
			assert.Nil(t, ps)
		})
	}
}

func TestParameterSetIsImmutable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Couplings = ReferenceCouplings()
	ps, err := NewParameterSet(cfg)
	require.NoError(t, err)

	cfg.Layers[0].Threshold = 1
	cfg.Couplings[0].Rate = 99

	got := ps.Config()
	want := DefaultConfig()
	want.Couplings = ReferenceCouplings()
	if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}

	got.Layers[0].Threshold = 1
	lp, ok := ps.Layer(LayerPhysical)
	require.True(t, ok)
	assert.Equal(t, 200.0, lp.Threshold)
}

func TestZeroRateCouplingsAreDropped(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Couplings = []Coupling{
		{From: LayerBase, To: LayerCore, Rate: 0},
		{From: LayerCore, To: LayerBase, Rate: 0.1},
	}
	ps, err := NewParameterSet(cfg)
	require.NoError(t, err)
	assert.Equal(t, []Coupling{{From: LayerCore, To: LayerBase, Rate: 0.1}}, ps.Couplings())
}

func TestPriority(t *testing.T) {
	ps, err := NewParameterSet(DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, 0, ps.Priority(LayerPhysical))
	assert.Equal(t, 3, ps.Priority(LayerUpper))
	assert.Equal(t, 4, ps.Priority("spirit"))
	assert.False(t, ps.Has("spirit"))
}

func TestModeStrings(t *testing.T) {
	assert.Equal(t, "partial", ResetPartial.String())
	assert.Equal(t, "drift", LearnDrift.String())
	assert.Equal(t, "ResetMode(9)", ResetMode(9).String())
}
