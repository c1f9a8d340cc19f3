package config

import (
	"fmt"
	"sort"

	"github.com/talgya/pressure-sim/internal/agents"
	"github.com/talgya/pressure-sim/internal/dynamics"
	"github.com/talgya/pressure-sim/internal/pressure"
	"github.com/talgya/pressure-sim/internal/social"
)

// World is a scenario ready to simulate.
type World struct {
	Archetypes map[string]*dynamics.ParameterSet
	Agents     []*agents.Agent

	// Source is Base projected onto the spawned agents' layer sets. Callers
	// that restore a different population project Base themselves.
	Source pressure.Source
	Base   pressure.Source

	Resonance *social.ResonanceParams // Nil when the social hook is off
}

// BuildArchetypes validates every archetype into a parameter set that is
// stable at the configured dt.
func BuildArchetypes(cfg Config) (map[string]*dynamics.ParameterSet, error) {
	out := make(map[string]*dynamics.ParameterSet, len(cfg.Archetypes))
	for _, name := range sortedKeys(cfg.Archetypes) {
		dc, err := cfg.Archetypes[name].dynamicsConfig()
		if err != nil {
			return nil, fmt.Errorf("archetype %q: %w", name, err)
		}
		ps, err := dynamics.NewParameterSet(dc)
		if err != nil {
			return nil, fmt.Errorf("archetype %q: %w", name, err)
		}
		if err := ps.CheckTimeStep(cfg.Dt); err != nil {
			return nil, fmt.Errorf("archetype %q: %w (largest stable dt is %g)", name, err, ps.MaxTimeStep())
		}
		out[name] = ps
	}
	return out, nil
}

func (a Archetype) dynamicsConfig() (dynamics.Config, error) {
	var dc dynamics.Config
	if len(a.Layers) > 0 {
		if a.Preset != "" {
			return dc, fmt.Errorf("%w: field=preset reason=cannot combine preset with an explicit layer table", ErrConfig)
		}
		dc = dynamics.Config{HubDecay: dynamics.DefaultConfig().HubDecay}
		for _, ls := range a.Layers {
			dc.Layers = append(dc.Layers, dynamics.LayerParams{
				Layer:        ls.Layer,
				ToHub:        ls.ToHub,
				FromHub:      ls.FromHub,
				Decay:        ls.Decay,
				Threshold:    ls.Threshold,
				LearningRate: ls.LearningRate,
				KappaMin:     ls.KappaMin,
				Resistance:   ls.Resistance,
				LeapBoost:    ls.LeapBoost,
			})
		}
	} else {
		preset := a.Preset
		if preset == "" {
			preset = agents.ArchReference
		}
		var err error
		if dc, err = agents.ArchetypeConfig(preset); err != nil {
			return dc, fmt.Errorf("%w: field=preset reason=%v", ErrConfig, err)
		}
	}

	for l, patch := range a.Overrides {
		i := indexOf(dc.Layers, l)
		if i < 0 {
			return dc, fmt.Errorf("%w: field=overrides[%s] reason=unknown layer", ErrConfig, l)
		}
		patch.apply(&dc.Layers[i])
	}

	if a.HubDecay != nil {
		dc.HubDecay = *a.HubDecay
	}
	if a.Couplings != nil {
		dc.Couplings = nil
		for _, c := range *a.Couplings {
			dc.Couplings = append(dc.Couplings, dynamics.Coupling{From: c.From, To: c.To, Rate: c.Rate})
		}
	}
	if a.ConserveTransfers != nil {
		dc.ConserveTransfers = *a.ConserveTransfers
	}
	if a.Reset != nil {
		mode, err := parseResetMode(a.Reset.Mode)
		if err != nil {
			return dc, err
		}
		dc.Reset = dynamics.ResetPolicy{Mode: mode, Fraction: a.Reset.Fraction}
	}
	if a.Learning != nil {
		mode, err := parseLearningMode(a.Learning.Mode)
		if err != nil {
			return dc, err
		}
		dc.Learning = dynamics.LearningPolicy{Mode: mode, DriftRate: a.Learning.DriftRate}
	}
	if a.Clamp != nil {
		dc.Clamp = dynamics.Clamp{Enabled: a.Clamp.Enabled, Floor: a.Clamp.Floor}
	}
	return dc, nil
}

func (p LayerPatch) apply(lp *dynamics.LayerParams) {
	set := func(dst *float64, v *float64) {
		if v != nil {
			*dst = *v
		}
	}
	set(&lp.ToHub, p.ToHub)
	set(&lp.FromHub, p.FromHub)
	set(&lp.Decay, p.Decay)
	set(&lp.Threshold, p.Threshold)
	set(&lp.LearningRate, p.LearningRate)
	set(&lp.KappaMin, p.KappaMin)
	set(&lp.Resistance, p.Resistance)
	set(&lp.LeapBoost, p.LeapBoost)
}

func parseResetMode(s string) (dynamics.ResetMode, error) {
	for _, m := range []dynamics.ResetMode{dynamics.ResetNone, dynamics.ResetPartial, dynamics.ResetFull} {
		if m.String() == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("%w: field=reset.mode reason=unknown mode %q", ErrConfig, s)
}

func parseLearningMode(s string) (dynamics.LearningMode, error) {
	for _, m := range []dynamics.LearningMode{dynamics.LearnOnLeap, dynamics.LearnDrift} {
		if m.String() == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("%w: field=learning.mode reason=unknown mode %q", ErrConfig, s)
}

// Build spawns the population and wires the pressure feed.
func Build(cfg Config, spawner *agents.Spawner) (*World, error) {
	sets, err := BuildArchetypes(cfg)
	if err != nil {
		return nil, err
	}

	w := &World{Archetypes: sets}
	names := make(map[string][]agents.AgentID)
	for i, g := range cfg.Agents {
		ps, ok := sets[g.Archetype]
		if !ok {
			return nil, fmt.Errorf("%w: field=agents[%d].archetype reason=unknown archetype %q", ErrConfig, i, g.Archetype)
		}
		if _, dup := names[g.Name]; dup {
			return nil, fmt.Errorf("%w: field=agents[%d].name reason=duplicate name %q", ErrConfig, i, g.Name)
		}
		count := g.Count
		if count == 0 {
			count = 1
		}
		spawned, err := spawner.Spawn(agents.SpawnSpec{
			Name:      g.Name,
			Archetype: g.Archetype,
			Params:    ps,
			Count:     count,
			Jitter:    g.Jitter,
			Initial: dynamics.Initial{
				Hub:    g.Initial.Hub,
				Energy: g.Initial.Energy,
				Kappa:  g.Initial.Kappa,
			},
		}, 0)
		if err != nil {
			return nil, fmt.Errorf("agents[%d]: %w", i, err)
		}
		for _, a := range spawned {
			names[g.Name] = append(names[g.Name], a.ID)
			if a.Name != g.Name {
				names[a.Name] = []agents.AgentID{a.ID}
			}
		}
		w.Agents = append(w.Agents, spawned...)
	}

	byID := make(map[agents.AgentID]*agents.Agent, len(w.Agents))
	for _, a := range w.Agents {
		byID[a.ID] = a
	}

	for i, r := range cfg.Relationships {
		from, ok := names[r.From]
		if !ok {
			return nil, fmt.Errorf("%w: field=relationships[%d].from reason=unknown agent %q", ErrConfig, i, r.From)
		}
		to, ok := names[r.To]
		if !ok {
			return nil, fmt.Errorf("%w: field=relationships[%d].to reason=unknown agent %q", ErrConfig, i, r.To)
		}
		for _, f := range from {
			for _, t := range to {
				if f != t {
					byID[f].SetTrust(t, r.Trust)
				}
			}
		}
	}

	base, err := buildSource(cfg, names)
	if err != nil {
		return nil, err
	}
	w.Base = base
	w.Source = pressure.Projected{
		Base: base,
		Lookup: func(id agents.AgentID) (*dynamics.ParameterSet, bool) {
			a, ok := byID[id]
			if !ok {
				return nil, false
			}
			return a.Params, true
		},
	}

	if cfg.Social != nil {
		rp := cfg.Social.resonance()
		w.Resonance = &rp
	}
	return w, nil
}

func buildSource(cfg Config, names map[string][]agents.AgentID) (pressure.Source, error) {
	p := cfg.Pressure
	if len(p.Static) > 0 && len(p.Noise) > 0 {
		return nil, fmt.Errorf("%w: field=pressure reason=static and noise are exclusive", ErrConfig)
	}

	var base pressure.Source = pressure.Static(p.Static)
	if len(p.Noise) > 0 {
		channels := make(map[dynamics.Layer]pressure.Channel, len(p.Noise))
		for l, c := range p.Noise {
			if c.Octaves == 0 {
				c.Octaves = 1
			}
			if c.Persistence == 0 {
				c.Persistence = 0.5
			}
			channels[l] = c
		}
		field, err := pressure.NewNoiseField(cfg.Seed, channels)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConfig, err)
		}
		base = field
	}

	if len(p.Shocks) > 0 {
		shocks := make([]pressure.Shock, 0, len(p.Shocks))
		for i, s := range p.Shocks {
			sh := pressure.Shock{From: s.From, To: s.To, Layer: s.Layer, Extra: s.Extra}
			for _, n := range s.Agents {
				ids, ok := names[n]
				if !ok {
					return nil, fmt.Errorf("%w: field=pressure.shocks[%d].agents reason=unknown agent %q", ErrConfig, i, n)
				}
				sh.AgentIDs = append(sh.AgentIDs, ids...)
			}
			shocks = append(shocks, sh)
		}
		scripted, err := pressure.NewScripted(base, shocks)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConfig, err)
		}
		base = scripted
	}

	return base, nil
}

func (s SocialSpec) resonance() social.ResonanceParams {
	rp := social.DefaultResonance()
	if s.Strength != nil {
		rp.Strength = *s.Strength
	}
	if s.CooperationThreshold != nil {
		rp.CooperationThreshold = *s.CooperationThreshold
	}
	for l, v := range s.Zeta {
		rp.Zeta[l] = v
	}
	for l, v := range s.Omega {
		rp.Omega[l] = v
	}
	return rp
}

func indexOf(layers []dynamics.LayerParams, l dynamics.Layer) int {
	for i, lp := range layers {
		if lp.Layer == l {
			return i
		}
	}
	return -1
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
