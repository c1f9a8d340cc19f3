package pressure

import (
	"fmt"
	"math"
	"sort"

	opensimplex "github.com/ojrac/opensimplex-go"

	"github.com/talgya/pressure-sim/internal/agents"
	"github.com/talgya/pressure-sim/internal/dynamics"
)

// Channel shapes the noise for one layer. The emitted pressure is
// Base + Amplitude*(2n-1) with n the normalized octave noise, floored at 0.
type Channel struct {
	Base        float64 `json:"base" yaml:"base"`
	Amplitude   float64 `json:"amplitude" yaml:"amplitude"`
	Frequency   float64 `json:"frequency" yaml:"frequency"` // Cycles per tick
	Octaves     int     `json:"octaves" yaml:"octaves"`
	Persistence float64 `json:"persistence" yaml:"persistence"`
}

// NoiseField is a deterministic synthetic pressure feed. Time runs along the
// x axis and each agent gets its own y offset, so agents see correlated but
// distinct weather.
type NoiseField struct {
	channels map[dynamics.Layer]Channel
	noise    map[dynamics.Layer]opensimplex.Noise
	layers   []dynamics.Layer
	spread   float64
}

// agentSpread is the y distance between neighbouring agent IDs.
const agentSpread = 7.31

// NewNoiseField creates one noise generator per layer, seeded from seed in
// sorted layer order.
func NewNoiseField(seed int64, channels map[dynamics.Layer]Channel) (*NoiseField, error) {
	if len(channels) == 0 {
		return nil, fmt.Errorf("noise field: no channels")
	}
	layers := make([]dynamics.Layer, 0, len(channels))
	for l, c := range channels {
		if err := c.validate(); err != nil {
			return nil, fmt.Errorf("noise field: channel %s: %w", l, err)
		}
		layers = append(layers, l)
	}
	sort.Slice(layers, func(i, j int) bool { return layers[i] < layers[j] })

	f := &NoiseField{
		channels: make(map[dynamics.Layer]Channel, len(channels)),
		noise:    make(map[dynamics.Layer]opensimplex.Noise, len(channels)),
		layers:   layers,
		spread:   agentSpread,
	}
	for i, l := range layers {
		f.channels[l] = channels[l]
		f.noise[l] = opensimplex.NewNormalized(seed + int64(i))
	}
	return f, nil
}

func (c Channel) validate() error {
	for _, v := range []float64{c.Base, c.Amplitude, c.Frequency, c.Persistence} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("non-finite setting")
		}
	}
	if c.Base < 0 || c.Amplitude < 0 {
		return fmt.Errorf("base and amplitude must be non-negative")
	}
	if c.Frequency <= 0 {
		return fmt.Errorf("frequency must be positive, got %g", c.Frequency)
	}
	if c.Octaves < 1 {
		return fmt.Errorf("octaves must be at least 1, got %d", c.Octaves)
	}
	if c.Persistence <= 0 || c.Persistence > 1 {
		return fmt.Errorf("persistence must be in (0,1], got %g", c.Persistence)
	}
	return nil
}

// Layers returns the layers this field emits, sorted.
func (f *NoiseField) Layers() []dynamics.Layer {
	return append([]dynamics.Layer(nil), f.layers...)
}

func (f *NoiseField) Pressures(id agents.AgentID, tick uint64) (dynamics.Pressures, error) {
	out := make(dynamics.Pressures, len(f.layers))
	x := float64(tick)
	y := float64(id) * f.spread
	for _, l := range f.layers {
		c := f.channels[l]
		n := octaveNoise(f.noise[l], x, y, c.Octaves, c.Frequency, c.Persistence)
		v := c.Base + c.Amplitude*(2*n-1)
		if v < 0 {
			v = 0
		}
		out[l] = v
	}
	return out, nil
}

// octaveNoise sums octaves of normalized 2D noise; the result stays in [0,1].
func octaveNoise(noise opensimplex.Noise, x, y float64, octaves int, frequency, persistence float64) float64 {
	total := 0.0
	amplitude := 1.0
	maxVal := 0.0

	for i := 0; i < octaves; i++ {
		total += noise.Eval2(x*frequency, y*frequency) * amplitude
		maxVal += amplitude
		amplitude *= persistence
		frequency *= 2
	}

	return total / maxVal
}
