package dynamics

import (
	"fmt"
	"math"
)

// LayerParams holds the physical constants of one layer.
type LayerParams struct {
	Layer Layer `json:"layer"`

	ToHub   float64 `json:"to_hub"`   // gamma_L2d: layer → hub conversion rate
	FromHub float64 `json:"from_hub"` // gamma_d2L: hub → layer conversion rate
	Decay   float64 `json:"decay"`    // beta_L: relaxation of E_L toward zero

	// Threshold is the critical level: the layer transitions when its
	// energy drops below it (coping capacity exhausted).
	Threshold float64 `json:"threshold"`

	LearningRate float64 `json:"learning_rate"` // eta_L in [0, 1]
	KappaMin     float64 `json:"kappa_min"`     // inertia floor in (0, 1]
	Resistance   float64 `json:"resistance"`    // R_L, structural power only

	// LeapBoost multiplies ToHub on the tick after the layer fired.
	// 0 and 1 both disable it.
	LeapBoost float64 `json:"leap_boost,omitempty"`
}

// Coupling is one entry of the sparse layer-to-layer transfer matrix.
// Positive rates reinforce the target, negative rates suppress it.
type Coupling struct {
	From Layer   `json:"from"`
	To   Layer   `json:"to"`
	Rate float64 `json:"rate"`
}

// ResetMode selects what happens to a layer's energy when it leaps.
type ResetMode uint8

const (
	ResetNone    ResetMode = iota // Energy is left as integrated
	ResetPartial                  // Energy is drained by Fraction
	ResetFull                     // Energy is drained to zero
)

func (m ResetMode) String() string {
	switch m {
	case ResetNone:
		return "none"
	case ResetPartial:
		return "partial"
	case ResetFull:
		return "full"
	default:
		return fmt.Sprintf("ResetMode(%d)", uint8(m))
	}
}

// ResetPolicy is the configured reset_on_leap behavior.
type ResetPolicy struct {
	Mode     ResetMode `json:"mode"`
	Fraction float64   `json:"fraction,omitempty"` // partial only, in (0, 1)
}

// LearningMode selects how inertia evolves on ticks without a leap.
type LearningMode uint8

const (
	LearnOnLeap LearningMode = iota // Kappa only moves when the layer fires
	LearnDrift                      // Kappa also drifts toward its floor every tick
)

func (m LearningMode) String() string {
	switch m {
	case LearnOnLeap:
		return "on_leap"
	case LearnDrift:
		return "drift"
	default:
		return fmt.Sprintf("LearningMode(%d)", uint8(m))
	}
}

// LearningPolicy configures inertia learning outside critical events.
type LearningPolicy struct {
	Mode      LearningMode `json:"mode"`
	DriftRate float64      `json:"drift_rate,omitempty"` // per unit time, in [0, 1]
}

// Clamp optionally floors every energy after integration.
type Clamp struct {
	Enabled bool    `json:"enabled"`
	Floor   float64 `json:"floor"`
}

// Config is the plain-data form of a ParameterSet. Every field is required;
// the zero values of Reset, Learning and Clamp mean "none", "on_leap" and
// "disabled".
type Config struct {
	Layers            []LayerParams  `json:"layers"` // priority order, highest first
	HubDecay          float64        `json:"hub_decay"`
	Couplings         []Coupling     `json:"couplings,omitempty"`
	ConserveTransfers bool           `json:"conserve_transfers,omitempty"`
	Reset             ResetPolicy    `json:"reset"`
	Learning          LearningPolicy `json:"learning"`
	Clamp             Clamp          `json:"clamp"`
}

// ParameterSet is an immutable, validated Config. It is shared read-only by
// every agent of one archetype.
type ParameterSet struct {
	layers    []LayerParams
	index     map[Layer]int
	hubDecay  float64
	couplings []resolvedCoupling
	conserve  bool
	reset     ResetPolicy
	learning  LearningPolicy
	clamp     Clamp
}

type resolvedCoupling struct {
	from, to int
	rate     float64
}

// NewParameterSet validates cfg and freezes it.
func NewParameterSet(cfg Config) (*ParameterSet, error) {
	if len(cfg.Layers) == 0 {
		return nil, fmt.Errorf("%w: field=layers reason=empty", ErrValidation)
	}

	ps := &ParameterSet{
		layers:   make([]LayerParams, len(cfg.Layers)),
		index:    make(map[Layer]int, len(cfg.Layers)),
		conserve: cfg.ConserveTransfers,
		reset:    cfg.Reset,
		learning: cfg.Learning,
		clamp:    cfg.Clamp,
	}
	copy(ps.layers, cfg.Layers)

	for i, lp := range ps.layers {
		if lp.Layer == "" {
			return nil, fmt.Errorf("%w: field=layers[%d].layer reason=empty", ErrValidation, i)
		}
		if _, dup := ps.index[lp.Layer]; dup {
			return nil, fmt.Errorf("%w: field=layers[%d].layer reason=duplicate value=%q", ErrValidation, i, lp.Layer)
		}
		if err := validateLayer(lp); err != nil {
			return nil, err
		}
		ps.index[lp.Layer] = i
	}

	if err := nonNegative("hub_decay", cfg.HubDecay); err != nil {
		return nil, err
	}
	ps.hubDecay = cfg.HubDecay

	seen := make(map[[2]int]bool, len(cfg.Couplings))
	for i, c := range cfg.Couplings {
		from, ok := ps.index[c.From]
		if !ok {
			return nil, fmt.Errorf("%w: field=couplings[%d].from reason=unknown layer value=%q", ErrValidation, i, c.From)
		}
		to, ok := ps.index[c.To]
		if !ok {
			return nil, fmt.Errorf("%w: field=couplings[%d].to reason=unknown layer value=%q", ErrValidation, i, c.To)
		}
		if from == to {
			return nil, fmt.Errorf("%w: field=couplings[%d] reason=self coupling layer=%q", ErrValidation, i, c.From)
		}
		if !isFinite(c.Rate) {
			return nil, fmt.Errorf("%w: field=couplings[%d].rate reason=non-finite", ErrValidation, i)
		}
		key := [2]int{from, to}
		if seen[key] {
			return nil, fmt.Errorf("%w: field=couplings[%d] reason=duplicate pair %s->%s", ErrValidation, i, c.From, c.To)
		}
		seen[key] = true
		if c.Rate != 0 {
			ps.couplings = append(ps.couplings, resolvedCoupling{from: from, to: to, rate: c.Rate})
		}
	}

	switch cfg.Reset.Mode {
	case ResetNone, ResetFull:
	case ResetPartial:
		f := cfg.Reset.Fraction
		if !isFinite(f) || f <= 0 || f >= 1 {
			return nil, fmt.Errorf("%w: field=reset.fraction reason=out of range (0,1) value=%g", ErrValidation, f)
		}
	default:
		return nil, fmt.Errorf("%w: field=reset.mode reason=unknown value=%d", ErrValidation, cfg.Reset.Mode)
	}

	switch cfg.Learning.Mode {
	case LearnOnLeap:
	case LearnDrift:
		if err := unitInterval("learning.drift_rate", cfg.Learning.DriftRate); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: field=learning.mode reason=unknown value=%d", ErrValidation, cfg.Learning.Mode)
	}

	if cfg.Clamp.Enabled && !isFinite(cfg.Clamp.Floor) {
		return nil, fmt.Errorf("%w: field=clamp.floor reason=non-finite", ErrValidation)
	}

	return ps, nil
}

func validateLayer(lp LayerParams) error {
	name := func(f string) string { return fmt.Sprintf("layers[%s].%s", lp.Layer, f) }

	if err := nonNegative(name("to_hub"), lp.ToHub); err != nil {
		return err
	}
	if err := nonNegative(name("from_hub"), lp.FromHub); err != nil {
		return err
	}
	if err := nonNegative(name("decay"), lp.Decay); err != nil {
		return err
	}
	if err := nonNegative(name("threshold"), lp.Threshold); err != nil {
		return err
	}
	if err := unitInterval(name("learning_rate"), lp.LearningRate); err != nil {
		return err
	}
	if !isFinite(lp.KappaMin) || lp.KappaMin <= 0 || lp.KappaMin > 1 {
		return fmt.Errorf("%w: field=%s reason=out of range (0,1] value=%g", ErrValidation, name("kappa_min"), lp.KappaMin)
	}
	if !isFinite(lp.Resistance) || lp.Resistance <= 0 {
		return fmt.Errorf("%w: field=%s reason=must be positive and finite value=%g", ErrValidation, name("resistance"), lp.Resistance)
	}
	if !isFinite(lp.LeapBoost) || (lp.LeapBoost != 0 && lp.LeapBoost < 1) {
		return fmt.Errorf("%w: field=%s reason=must be 0 or >= 1 value=%g", ErrValidation, name("leap_boost"), lp.LeapBoost)
	}
	return nil
}

func nonNegative(field string, v float64) error {
	if !isFinite(v) {
		return fmt.Errorf("%w: field=%s reason=non-finite", ErrValidation, field)
	}
	if v < 0 {
		return fmt.Errorf("%w: field=%s reason=negative value=%g", ErrValidation, field, v)
	}
	return nil
}

func unitInterval(field string, v float64) error {
	if !isFinite(v) || v < 0 || v > 1 {
		return fmt.Errorf("%w: field=%s reason=out of range [0,1] value=%g", ErrValidation, field, v)
	}
	return nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Layers returns the configured layers in priority order.
func (ps *ParameterSet) Layers() []Layer {
	out := make([]Layer, len(ps.layers))
	for i, lp := range ps.layers {
		out[i] = lp.Layer
	}
	return out
}

// Has reports whether l is part of this parameter set.
func (ps *ParameterSet) Has(l Layer) bool {
	_, ok := ps.index[l]
	return ok
}

// Layer returns the constants for l.
func (ps *ParameterSet) Layer(l Layer) (LayerParams, bool) {
	i, ok := ps.index[l]
	if !ok {
		return LayerParams{}, false
	}
	return ps.layers[i], true
}

// Priority returns l's rank (0 = highest). Unknown layers rank last.
func (ps *ParameterSet) Priority(l Layer) int {
	if i, ok := ps.index[l]; ok {
		return i
	}
	return len(ps.layers)
}

func (ps *ParameterSet) HubDecay() float64        { return ps.hubDecay }
func (ps *ParameterSet) ConserveTransfers() bool  { return ps.conserve }
func (ps *ParameterSet) Reset() ResetPolicy       { return ps.reset }
func (ps *ParameterSet) Learning() LearningPolicy { return ps.learning }
func (ps *ParameterSet) Clamp() Clamp             { return ps.clamp }

// Couplings returns the non-zero entries of the transfer matrix.
func (ps *ParameterSet) Couplings() []Coupling {
	out := make([]Coupling, len(ps.couplings))
	for i, c := range ps.couplings {
		out[i] = Coupling{From: ps.layers[c.from].Layer, To: ps.layers[c.to].Layer, Rate: c.rate}
	}
	return out
}

// Config returns a copy of the configuration this set was built from.
func (ps *ParameterSet) Config() Config {
	layers := make([]LayerParams, len(ps.layers))
	copy(layers, ps.layers)
	return Config{
		Layers:            layers,
		HubDecay:          ps.hubDecay,
		Couplings:         ps.Couplings(),
		ConserveTransfers: ps.conserve,
		Reset:             ps.reset,
		Learning:          ps.learning,
		Clamp:             ps.clamp,
	}
}

// DefaultConfig returns the four-layer reference constants. The physical
// layer converts hardest, recovers slowest and learns fastest; the upper
// layer is the most pliable.
func DefaultConfig() Config {
	return Config{
		Layers: []LayerParams{
			{Layer: LayerPhysical, ToHub: 0.15, FromHub: 0.01, Decay: 0.001, Threshold: 200, LearningRate: 0.9, KappaMin: 0.9, Resistance: 1000},
			{Layer: LayerBase, ToHub: 0.08, FromHub: 0.03, Decay: 0.005, Threshold: 150, LearningRate: 0.8, KappaMin: 0.8, Resistance: 100},
			{Layer: LayerCore, ToHub: 0.05, FromHub: 0.02, Decay: 0.01, Threshold: 100, LearningRate: 0.5, KappaMin: 0.5, Resistance: 10},
			{Layer: LayerUpper, ToHub: 0.03, FromHub: 0.04, Decay: 0.02, Threshold: 80, LearningRate: 0.3, KappaMin: 0.3, Resistance: 1},
		},
		HubDecay: 0.01,
	}
}

// ReferenceCouplings is the direct-transfer matrix of the four default
// layers: ideals suppress instinct, instinct erodes norms, collapsing norms
// feed panic and fatigue feeds both fear and disillusion.
func ReferenceCouplings() []Coupling {
	return []Coupling{
		{From: LayerUpper, To: LayerBase, Rate: -0.04},
		{From: LayerUpper, To: LayerCore, Rate: 0.03},
		{From: LayerBase, To: LayerUpper, Rate: 0.05},
		{From: LayerBase, To: LayerCore, Rate: -0.02},
		{From: LayerCore, To: LayerBase, Rate: 0.04},
		{From: LayerCore, To: LayerUpper, Rate: 0.02},
		{From: LayerPhysical, To: LayerBase, Rate: 0.06},
		{From: LayerPhysical, To: LayerUpper, Rate: 0.03},
	}
}
