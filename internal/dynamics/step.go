package dynamics

import (
	"fmt"
	"math"
)

// LayerFlux records the rates that moved one layer during a step.
type LayerFlux struct {
	Inflow      float64 `json:"inflow"`       // pressure_L
	ToHub       float64 `json:"to_hub"`       // conversion_L2d
	FromHub     float64 `json:"from_hub"`     // conversion_d2L
	Decay       float64 `json:"decay"`        // beta_L * E_L
	TransferIn  float64 `json:"transfer_in"`  // sum of gamma_M2L * E_M
	TransferOut float64 `json:"transfer_out"` // drained by conservative transfers
	Net         float64 `json:"net"`          // dE_L/dt
	Discharged  float64 `json:"discharged"`   // removed by the reset policy
}

// Flux is the diagnostic record of one step.
type Flux struct {
	Layers   map[Layer]LayerFlux `json:"layers"`
	HubNet   float64             `json:"hub_net"`   // dE_direct/dt
	HubDecay float64             `json:"hub_decay"` // beta_direct * E_direct
}

// Step advances s by dt under params and the tick's pressures. It is a pure
// function: on error the caller's state is untouched and the returned State
// is the zero value.
func Step(s State, params *ParameterSet, in Pressures, dt float64) (State, error) {
	next, _, err := StepWithFlux(s, params, in, dt)
	return next, err
}

// StepWithFlux is Step plus the per-layer rate breakdown.
func StepWithFlux(s State, params *ParameterSet, in Pressures, dt float64) (State, Flux, error) {
	if params == nil {
		return State{}, Flux{}, fmt.Errorf("%w: field=params reason=nil", ErrValidation)
	}
	if err := params.CheckTimeStep(dt); err != nil {
		return State{}, Flux{}, err
	}
	if err := ValidateState(s, params); err != nil {
		return State{}, Flux{}, err
	}
	if err := ValidatePressures(in, params); err != nil {
		return State{}, Flux{}, err
	}

	n := len(params.layers)
	energy := make([]float64, n)
	rate := make([]float64, n)
	flux := make([]LayerFlux, n)

	for i, lp := range params.layers {
		energy[i] = s.Layers[lp.Layer].Energy
	}

	var toHubTotal, fromHubTotal float64
	for i, lp := range params.layers {
		gamma := lp.ToHub
		if s.Layers[lp.Layer].Critical && lp.LeapBoost > 1 {
			gamma *= lp.LeapBoost
		}
		f := LayerFlux{
			Inflow:  in[lp.Layer],
			ToHub:   gamma * energy[i],
			FromHub: lp.FromHub * s.Hub,
			Decay:   lp.Decay * energy[i],
		}
		toHubTotal += f.ToHub
		fromHubTotal += f.FromHub
		rate[i] = f.Inflow - f.ToHub + f.FromHub - f.Decay
		flux[i] = f
	}

	for _, c := range params.couplings {
		amount := c.rate * energy[c.from]
		rate[c.to] += amount
		flux[c.to].TransferIn += amount
		if params.conserve {
			rate[c.from] -= amount
			flux[c.from].TransferOut += amount
		}
	}

	hubDecay := params.hubDecay * s.Hub
	hubRate := toHubTotal - fromHubTotal - hubDecay

	next := State{
		Tick:   s.Tick + 1,
		Hub:    params.clampEnergy(s.Hub + hubRate*dt),
		Layers: make(map[Layer]LayerState, n),
	}
	if !isFinite(next.Hub) {
		return State{}, Flux{}, fmt.Errorf("%w: field=hub reason=non-finite result", ErrValidation)
	}

	out := Flux{
		Layers:   make(map[Layer]LayerFlux, n),
		HubNet:   hubRate,
		HubDecay: hubDecay,
	}

	integrated := State{Tick: next.Tick, Hub: next.Hub, Layers: make(map[Layer]LayerState, n)}
	for i, lp := range params.layers {
		e := params.clampEnergy(energy[i] + rate[i]*dt)
		if !isFinite(e) {
			return State{}, Flux{}, fmt.Errorf("%w: field=layers[%s].energy reason=non-finite result", ErrValidation, lp.Layer)
		}
		integrated.Layers[lp.Layer] = LayerState{Energy: e}
	}
	flags := Detect(integrated, params)

	for i, lp := range params.layers {
		e := integrated.Layers[lp.Layer].Energy
		critical := flags[lp.Layer]
		f := flux[i]
		f.Net = rate[i]

		if critical {
			drained := params.drain(e)
			f.Discharged = e - drained
			e = drained
		}

		next.Layers[lp.Layer] = LayerState{
			Energy:   e,
			Kappa:    params.learn(lp, s.Layers[lp.Layer].Kappa, critical, dt),
			Critical: critical,
		}
		out.Layers[lp.Layer] = f
	}

	return next, out, nil
}

// ValidatePressures requires exactly one finite, non-negative entry per
// configured layer.
func ValidatePressures(in Pressures, params *ParameterSet) error {
	for l := range in {
		if !params.Has(l) {
			return fmt.Errorf("%w: field=pressures[%s] reason=unknown layer", ErrInput, l)
		}
	}
	for _, lp := range params.layers {
		v, ok := in[lp.Layer]
		if !ok {
			return fmt.Errorf("%w: field=pressures[%s] reason=missing", ErrInput, lp.Layer)
		}
		if !isFinite(v) {
			return fmt.Errorf("%w: field=pressures[%s] reason=non-finite", ErrInput, lp.Layer)
		}
		if v < 0 {
			return fmt.Errorf("%w: field=pressures[%s] reason=negative value=%g", ErrInput, lp.Layer, v)
		}
	}
	return nil
}

// CheckTimeStep rejects a dt at which explicit Euler would overshoot zero:
// every layer's linear outflow (conversion at its full leap boost, decay and
// conservative transfers out) and the hub's (decay plus conversion back to
// the layers) must satisfy rate*dt <= 1. Within that bound an undriven
// energy decays monotonically and never changes sign.
func (ps *ParameterSet) CheckTimeStep(dt float64) error {
	if !isFinite(dt) || dt <= 0 {
		return fmt.Errorf("%w: field=dt reason=must be positive and finite value=%g", ErrValidation, dt)
	}
	layers, hub := ps.outflows()
	for i, lp := range ps.layers {
		if layers[i]*dt > 1 {
			return fmt.Errorf("%w: field=layers[%s] reason=outflow*dt exceeds 1 value=%g", ErrValidation, lp.Layer, layers[i]*dt)
		}
	}
	if hub*dt > 1 {
		return fmt.Errorf("%w: field=hub reason=outflow*dt exceeds 1 value=%g", ErrValidation, hub*dt)
	}
	return nil
}

// MaxTimeStep is the largest dt CheckTimeStep accepts, or +Inf when nothing
// drains.
func (ps *ParameterSet) MaxTimeStep() float64 {
	layers, hub := ps.outflows()
	worst := hub
	for _, r := range layers {
		worst = math.Max(worst, r)
	}
	if worst <= 0 {
		return math.Inf(1)
	}
	return 1 / worst
}

// outflows returns the worst-case per-unit-energy drain of each layer and
// of the hub.
func (ps *ParameterSet) outflows() ([]float64, float64) {
	out := make([]float64, len(ps.layers))
	hub := ps.hubDecay
	for i, lp := range ps.layers {
		boost := 1.0
		if lp.LeapBoost > 1 {
			boost = lp.LeapBoost
		}
		out[i] = lp.ToHub*boost + lp.Decay
		hub += lp.FromHub
	}
	if ps.conserve {
		for _, c := range ps.couplings {
			if c.rate > 0 {
				out[c.from] += c.rate
			}
		}
	}
	return out, hub
}

func (ps *ParameterSet) clampEnergy(e float64) float64 {
	if ps.clamp.Enabled && e < ps.clamp.Floor {
		return ps.clamp.Floor
	}
	return e
}

// drain applies the reset policy to a layer that just fired.
func (ps *ParameterSet) drain(e float64) float64 {
	switch ps.reset.Mode {
	case ResetPartial:
		return ps.clampEnergy(e * (1 - ps.reset.Fraction))
	case ResetFull:
		return ps.clampEnergy(0)
	default:
		return e
	}
}

// learn moves kappa toward its floor. A leap pulls it by eta; drift mode
// adds a slow pull on quiet ticks. Kappa never rises and never passes the
// floor.
func (ps *ParameterSet) learn(lp LayerParams, kappa float64, critical bool, dt float64) float64 {
	switch {
	case critical:
		kappa += lp.LearningRate * (lp.KappaMin - kappa)
	case ps.learning.Mode == LearnDrift:
		kappa += math.Min(1, ps.learning.DriftRate*dt) * (lp.KappaMin - kappa)
	}
	return math.Max(lp.KappaMin, kappa)
}
