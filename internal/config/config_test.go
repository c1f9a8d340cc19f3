package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/pressure-sim/internal/agents"
	"github.com/talgya/pressure-sim/internal/dynamics"
)

const minimal = `
archetypes:
  plain: {}
agents:
  - name: solo
    archetype: plain
pressure:
  static: { physical: 1, base: 1, core: 1, upper: 1 }
`

func TestLoadExampleScenario(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "village.yaml"))
	require.NoError(t, err)

	assert.Equal(t, int64(42), cfg.Seed)
	assert.Equal(t, 1.0, cfg.Dt)
	assert.Len(t, cfg.Archetypes, 4)
	assert.Len(t, cfg.Agents, 4)
	require.NotNil(t, cfg.Social)
	assert.Equal(t, 3, cfg.Pressure.Noise[dynamics.LayerPhysical].Octaves)

	w, err := Build(cfg, agents.NewSpawner(cfg.Seed))
	require.NoError(t, err)
	assert.Len(t, w.Agents, 17)
	require.NotNil(t, w.Resonance)

	guard := w.Archetypes["guard"]
	lp, ok := guard.Layer(dynamics.LayerBase)
	require.True(t, ok)
	assert.Equal(t, 160.0, lp.Threshold)
	assert.Equal(t, 12.0, lp.LeapBoost)
	assert.NotEmpty(t, guard.Couplings(), "instinctive preset keeps its couplings")

	elder := w.Archetypes["elder"]
	assert.Equal(t, dynamics.LearningPolicy{Mode: dynamics.LearnDrift, DriftRate: 0.0005}, elder.Learning())
	assert.Equal(t, dynamics.ResetPartial, elder.Reset().Mode)
	assert.Equal(t, dynamics.Clamp{Enabled: true, Floor: -50}, w.Archetypes["seer"].Clamp())

	for _, a := range w.Agents {
		p, err := w.Source.Pressures(a.ID, 510)
		require.NoError(t, err)
		require.NoError(t, dynamics.ValidatePressures(p, a.Params), a.Name)
	}
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimal))
	require.NoError(t, err)
	assert.Equal(t, Default().DBPath, cfg.DBPath)
	assert.Equal(t, Default().Listen, cfg.Listen)
	assert.Equal(t, uint64(100), cfg.ReportEvery)
	assert.Nil(t, cfg.Social)
}

func TestParseRejects(t *testing.T) {
	tests := map[string]string{
		"unknown key": minimal + "colour: blue\n",
		"missing agents": `
archetypes:
  plain: {}
`,
		"zero dt":         minimal + "dt: 0\n",
		"trust above one": minimal + "relationships: [{from: solo, to: solo, trust: 2}]\n",
		"bad reset mode": `
archetypes:
  plain: { reset: { mode: sometimes } }
agents: [{ name: solo, archetype: plain }]
`,
		"unknown archetype field": `
archetypes:
  plain: { temper: 3 }
agents: [{ name: solo, archetype: plain }]
`,
		"jitter of one": `
archetypes:
  plain: {}
agents: [{ name: solo, archetype: plain, jitter: 1 }]
`,
		"not yaml": "archetypes: [",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			require.ErrorIs(t, err, ErrConfig)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestExplicitLayerTable(t *testing.T) {
	cfg, err := Parse([]byte(`
archetypes:
  twin:
    layers:
      - { layer: will, to_hub: 0.1, from_hub: 0, decay: 0.01, threshold: 50, learning_rate: 0.5, kappa_min: 0.5, resistance: 3 }
      - { layer: doubt, to_hub: 0.2, from_hub: 0.1, decay: 0.02, threshold: 40, learning_rate: 0.2, kappa_min: 0.4, resistance: 1 }
    hub_decay: 0.05
    couplings: [{ from: doubt, to: will, rate: -0.1 }]
    conserve_transfers: true
    reset: { mode: partial, fraction: 0.4 }
agents:
  - { name: t, archetype: twin, count: 2, initial: { energy: { will: 60, doubt: 45 } } }
pressure:
  static: { will: 1, doubt: 2, core: 9 }
`))
	require.NoError(t, err)

	w, err := Build(cfg, agents.NewSpawner(1))
	require.NoError(t, err)
	ps := w.Archetypes["twin"]
	assert.Equal(t, []dynamics.Layer{"will", "doubt"}, ps.Layers())
	assert.Equal(t, 0.05, ps.HubDecay())
	assert.True(t, ps.ConserveTransfers())
	assert.Equal(t, []dynamics.Coupling{{From: "doubt", To: "will", Rate: -0.1}}, ps.Couplings())
	assert.Equal(t, dynamics.ResetPolicy{Mode: dynamics.ResetPartial, Fraction: 0.4}, ps.Reset())

	// The feed carries a layer these agents lack; projection drops it.
	p, err := w.Source.Pressures(w.Agents[0].ID, 0)
	require.NoError(t, err)
	assert.Equal(t, dynamics.Pressures{"will": 1, "doubt": 2}, p)
}

func TestBuildRejects(t *testing.T) {
	tests := map[string]string{
		"preset with layers": `
archetypes:
  x:
    preset: reference
    layers: [{ layer: a, to_hub: 0, from_hub: 0, decay: 0, threshold: 0, learning_rate: 0, kappa_min: 1, resistance: 1 }]
agents: [{ name: a, archetype: x }]
`,
		"unknown preset": `
archetypes:
  x: { preset: stoic }
agents: [{ name: a, archetype: x }]
`,
		"override of missing layer": `
archetypes:
  x: { overrides: { spirit: { decay: 0.1 } } }
agents: [{ name: a, archetype: x }]
`,
		"invalid kappa floor": `
archetypes:
  x: { overrides: { base: { kappa_min: 1.2 } } }
agents: [{ name: a, archetype: x }]
`,
		"dt too large for decay": `
dt: 5
archetypes:
  x: { overrides: { base: { decay: 0.3 } } }
agents: [{ name: a, archetype: x }]
`,
		"unknown agent archetype": `
archetypes:
  x: {}
agents: [{ name: a, archetype: y }]
`,
		"duplicate group": `
archetypes:
  x: {}
agents: [{ name: a, archetype: x }, { name: a, archetype: x }]
`,
		"unknown relationship": `
archetypes:
  x: {}
agents: [{ name: a, archetype: x }]
relationships: [{ from: a, to: b, trust: 0.5 }]
`,
		"static and noise": `
archetypes:
  x: {}
agents: [{ name: a, archetype: x }]
pressure:
  static: { base: 1 }
  noise: { base: { base: 1, frequency: 0.1 } }
`,
		"empty shock window": `
archetypes:
  x: {}
agents: [{ name: a, archetype: x }]
pressure:
  shocks: [{ from: 5, to: 5, layer: base, extra: 1 }]
`,
		"shock on unknown agent": `
archetypes:
  x: {}
agents: [{ name: a, archetype: x }]
pressure:
  shocks: [{ from: 1, to: 5, layer: base, extra: 1, agents: [zed] }]
`,
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			cfg, err := Parse([]byte(doc))
			require.NoError(t, err)
			_, err = Build(cfg, agents.NewSpawner(1))
			require.Error(t, err)
		})
	}
}

func TestRelationshipsByGroupAndName(t *testing.T) {
	cfg, err := Parse([]byte(`
archetypes:
  x: {}
agents:
  - { name: v, archetype: x, count: 3 }
  - { name: boss, archetype: x }
relationships:
  - { from: v, to: boss, trust: 0.9 }
  - { from: v, to: v, trust: 0.6 }
  - { from: boss, to: v-2, trust: 0.1 }
pressure:
  static: { physical: 0, base: 0, core: 0, upper: 0 }
social:
  strength: 0.5
  zeta: { base: 0.2 }
`))
	require.NoError(t, err)
	w, err := Build(cfg, agents.NewSpawner(1))
	require.NoError(t, err)
	require.Len(t, w.Agents, 4)

	v1, v2, boss := w.Agents[0], w.Agents[1], w.Agents[3]
	assert.Equal(t, "boss", boss.Name)

	tr, ok := v1.Trust(boss.ID)
	require.True(t, ok)
	assert.Equal(t, 0.9, tr)
	tr, ok = v1.Trust(v2.ID)
	require.True(t, ok)
	assert.Equal(t, 0.6, tr)
	_, ok = v1.Trust(v1.ID)
	assert.False(t, ok, "no self trust")

	require.Len(t, boss.Relationships, 1)
	assert.Equal(t, agents.Relationship{TargetID: v2.ID, Trust: 0.1}, boss.Relationships[0])

	require.NotNil(t, w.Resonance)
	assert.Equal(t, 0.5, w.Resonance.Strength)
	assert.Equal(t, 0.2, w.Resonance.Zeta[dynamics.LayerBase])
	assert.Equal(t, 0.05, w.Resonance.Zeta[dynamics.LayerCore])
}
