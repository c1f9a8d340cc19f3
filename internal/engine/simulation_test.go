package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/pressure-sim/internal/agents"
	"github.com/talgya/pressure-sim/internal/dynamics"
	"github.com/talgya/pressure-sim/internal/pressure"
	"github.com/talgya/pressure-sim/internal/social"
)

var sameParams = cmp.Comparer(func(a, b *dynamics.ParameterSet) bool { return a == b })

func population(t *testing.T, ps *dynamics.ParameterSet, n int) []*agents.Agent {
	t.Helper()
	ag, err := agents.NewSpawner(3).Spawn(agents.SpawnSpec{
		Name:   "a",
		Params: ps,
		Count:  n,
		Jitter: 0.2,
		Initial: dynamics.Initial{Hub: 10, Energy: map[dynamics.Layer]float64{
			dynamics.LayerPhysical: 220, dynamics.LayerBase: 165, dynamics.LayerCore: 110, dynamics.LayerUpper: 90,
		}},
	}, 0)
	require.NoError(t, err)
	return ag
}

func refParams(t *testing.T) *dynamics.ParameterSet {
	t.Helper()
	ps, err := agents.ArchetypeParams(agents.ArchInstinctive)
	require.NoError(t, err)
	return ps
}

func noise(t *testing.T) pressure.Source {
	t.Helper()
	ch := pressure.Channel{Base: 1.5, Amplitude: 1.5, Frequency: 0.07, Octaves: 2, Persistence: 0.5}
	f, err := pressure.NewNoiseField(9, map[dynamics.Layer]pressure.Channel{
		dynamics.LayerPhysical: ch, dynamics.LayerBase: ch, dynamics.LayerCore: ch, dynamics.LayerUpper: ch,
	})
	require.NoError(t, err)
	return f
}

func newSim(t *testing.T, workers int) *Simulation {
	t.Helper()
	ps := refParams(t)
	sim, err := NewSimulation(Options{Source: noise(t), Dt: 1, Workers: workers}, population(t, ps, 12))
	require.NoError(t, err)
	for i := agents.AgentID(1); i <= 12; i++ {
		require.NoError(t, sim.SetTrust(i, i%12+1, 0.95))
		require.NoError(t, sim.SetTrust(i, (i+5)%12+1, 0.05))
	}
	res, err := social.NewResonance(social.DefaultResonance())
	require.NoError(t, err)
	sim.SetHook(res)
	return sim
}

func TestNewSimulationValidates(t *testing.T) {
	ps := refParams(t)
	_, err := NewSimulation(Options{Source: pressure.Static{}, Dt: 0}, nil)
	require.ErrorIs(t, err, dynamics.ErrValidation)

	_, err = NewSimulation(Options{Dt: 1}, nil)
	require.Error(t, err)

	ag := population(t, ps, 2)
	ag[1].ID = ag[0].ID
	_, err = NewSimulation(Options{Source: pressure.Static{}, Dt: 1}, ag)
	require.Error(t, err)

	// The boosted base layer drains 0.965 per unit time.
	_, err = NewSimulation(Options{Source: pressure.Static{}, Dt: 2}, population(t, ps, 2))
	require.ErrorIs(t, err, dynamics.ErrValidation)
}

func TestParallelMatchesSequential(t *testing.T) {
	parallel := newSim(t, 8)
	sequential := newSim(t, 1)

	ctx := context.Background()
	for tick := uint64(1); tick <= 150; tick++ {
		require.NoError(t, parallel.Step(ctx, tick))
		require.NoError(t, sequential.Step(ctx, tick))
	}

	// Both simulations share nothing but the archetype constants, so compare
	// parameters by value.
	opt := cmp.Comparer(func(a, b *dynamics.ParameterSet) bool {
		return cmp.Equal(a.Config(), b.Config())
	})
	if diff := cmp.Diff(sequential.Agents(), parallel.Agents(), opt); diff != "" {
		t.Errorf("parallel diverged (-sequential +parallel):\n%s", diff)
	}
	if diff := cmp.Diff(sequential.Recent(0), parallel.Recent(0)); diff != "" {
		t.Errorf("records diverged (-sequential +parallel):\n%s", diff)
	}
	assert.Equal(t, sequential.Stats(), parallel.Stats())
	assert.Equal(t, uint64(150), parallel.CurrentTick())
}

func TestStepReadsPreviousTickSnapshot(t *testing.T) {
	ps := refParams(t)
	sim, err := NewSimulation(Options{Source: pressure.Static{
		dynamics.LayerPhysical: 0, dynamics.LayerBase: 0, dynamics.LayerCore: 0, dynamics.LayerUpper: 0,
	}, Dt: 1}, population(t, ps, 3))
	require.NoError(t, err)

	before := map[agents.AgentID]dynamics.State{}
	for _, a := range sim.Agents() {
		before[a.ID] = a.State
	}

	var seen []map[agents.AgentID]dynamics.State
	sim.SetHook(social.HookFunc(func(self agents.AgentID, snap *social.Snapshot) (dynamics.Pressures, error) {
		if self == 1 {
			seen = append(seen, snap.States)
		}
		return nil, nil
	}))
	require.NoError(t, sim.Step(context.Background(), 1))

	require.Len(t, seen, 1)
	if diff := cmp.Diff(before, seen[0]); diff != "" {
		t.Errorf("hook saw a partially committed population (-want +got):\n%s", diff)
	}
}

func TestTrustChangeMidTickWaitsForNextTick(t *testing.T) {
	ps := refParams(t)
	sim, err := NewSimulation(Options{Source: pressure.Static{
		dynamics.LayerPhysical: 0, dynamics.LayerBase: 0, dynamics.LayerCore: 0, dynamics.LayerUpper: 0,
	}, Dt: 1, Workers: 1}, population(t, ps, 4))
	require.NoError(t, err)
	require.NoError(t, sim.SetTrust(3, 4, 0.95))

	var (
		mu   sync.Mutex
		seen = map[uint64]map[agents.AgentID]float64{}
	)
	sim.SetHook(social.HookFunc(func(self agents.AgentID, snap *social.Snapshot) (dynamics.Pressures, error) {
		if self == 1 && snap.Tick == 0 {
			if err := sim.SetTrust(3, 4, 0); err != nil {
				return nil, err
			}
		}
		tr, _ := snap.Trust(3, 4)
		mu.Lock()
		defer mu.Unlock()
		if seen[snap.Tick] == nil {
			seen[snap.Tick] = map[agents.AgentID]float64{}
		}
		seen[snap.Tick][self] = tr
		return nil, nil
	}))

	ctx := context.Background()
	require.NoError(t, sim.Step(ctx, 1))
	require.NoError(t, sim.Step(ctx, 2))

	assert.Equal(t, map[agents.AgentID]float64{1: 0.95, 2: 0.95, 3: 0.95, 4: 0.95}, seen[0])
	assert.Equal(t, map[agents.AgentID]float64{1: 0, 2: 0, 3: 0, 4: 0}, seen[1])

	tr, ok := sim.Trust(3, 4)
	require.True(t, ok)
	assert.Equal(t, 0.0, tr)
}

type flaky struct {
	pressure.Source
	bad agents.AgentID
}

func (f flaky) Pressures(id agents.AgentID, tick uint64) (dynamics.Pressures, error) {
	if id == f.bad {
		return nil, errors.New("sensor offline")
	}
	return f.Source.Pressures(id, tick)
}

func TestStepIsolatesAgentErrors(t *testing.T) {
	ps := refParams(t)
	sim, err := NewSimulation(Options{Source: flaky{Source: noise(t), bad: 2}, Dt: 1, Workers: 4}, population(t, ps, 4))
	require.NoError(t, err)

	stuck, _ := sim.Agent(2)

	var published []agents.Record
	sim.Subscribe(func(_ uint64, records []agents.Record) { published = records })

	err = sim.Step(context.Background(), 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agent 2 tick 1: pressure source: sensor offline")

	after, _ := sim.Agent(2)
	if diff := cmp.Diff(stuck, after, sameParams); diff != "" {
		t.Errorf("failed agent changed (-want +got):\n%s", diff)
	}
	for _, id := range []agents.AgentID{1, 3, 4} {
		a, ok := sim.Agent(id)
		require.True(t, ok)
		assert.Equal(t, uint64(1), a.State.Tick, "agent %d", id)
	}

	require.Len(t, published, 3)
	assert.Equal(t, []agents.AgentID{1, 3, 4}, []agents.AgentID{published[0].AgentID, published[1].AgentID, published[2].AgentID})
	assert.Equal(t, uint64(1), sim.Stats().Failures)
	assert.Equal(t, uint64(1), sim.CurrentTick())
}

func TestStepJoinsEveryAgentError(t *testing.T) {
	ps := refParams(t)
	sim, err := NewSimulation(Options{Source: pressure.Static{dynamics.LayerBase: 1}, Dt: 1}, population(t, ps, 3))
	require.NoError(t, err)

	err = sim.Step(context.Background(), 1)
	require.ErrorIs(t, err, dynamics.ErrInput)
	for id := 1; id <= 3; id++ {
		assert.Contains(t, err.Error(), fmt.Sprintf("agent %d tick 1", id))
	}
	assert.Equal(t, uint64(3), sim.Stats().Failures)
}

func TestStepCancelledCommitsNothing(t *testing.T) {
	sim := newSim(t, 2)
	before := sim.Agents()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := sim.Step(ctx, 1)
	require.ErrorIs(t, err, context.Canceled)

	if diff := cmp.Diff(before, sim.Agents(), sameParams); diff != "" {
		t.Errorf("cancelled tick committed (-want +got):\n%s", diff)
	}
	assert.Zero(t, sim.Stats().Ticks)
	assert.Empty(t, sim.Recent(0))
}

func TestRecentIsBounded(t *testing.T) {
	sim := newSim(t, 0)
	ctx := context.Background()
	ticks := RecentCap/12 + 10
	for tick := 1; tick <= ticks; tick++ {
		require.NoError(t, sim.Step(ctx, uint64(tick)))
	}

	all := sim.Recent(0)
	assert.Len(t, all, RecentCap)
	assert.Equal(t, uint64(ticks), all[len(all)-1].Tick)

	last := sim.Recent(5)
	require.Len(t, last, 5)
	assert.Equal(t, all[len(all)-5:], last)
}

func TestAgentsAreCopies(t *testing.T) {
	sim := newSim(t, 1)
	ag := sim.Agents()
	ag[0].State.Layers[dynamics.LayerBase] = dynamics.LayerState{Energy: -1}
	ag[0].Relationships[0].Trust = 0

	a, _ := sim.Agent(ag[0].ID)
	assert.NotEqual(t, -1.0, a.State.Energy(dynamics.LayerBase))
	tr, ok := sim.Trust(a.ID, a.Relationships[0].TargetID)
	require.True(t, ok)
	assert.Equal(t, 0.95, tr)
}

func TestAddAgent(t *testing.T) {
	sim := newSim(t, 1)
	ps := refParams(t)

	extra := population(t, ps, 1)[0]
	extra.ID = 99
	require.NoError(t, sim.AddAgent(extra))
	assert.Error(t, sim.AddAgent(extra), "duplicate")
	assert.Equal(t, 13, sim.Stats().Population)

	require.NoError(t, sim.Step(context.Background(), 1))
	a, ok := sim.Agent(99)
	require.True(t, ok)
	assert.Equal(t, uint64(1), a.State.Tick)

	_, ok = sim.Params(99)
	assert.True(t, ok)
	_, ok = sim.Params(1000)
	assert.False(t, ok)
	assert.Error(t, sim.SetTrust(99, 1000, 0.5))
}

func TestStatsCountLeaps(t *testing.T) {
	sim := newSim(t, 4)
	ctx := context.Background()
	var leaps uint64
	byLayer := map[dynamics.Layer]int{}
	sim.Subscribe(func(_ uint64, records []agents.Record) {
		for _, r := range records {
			if r.Decision.Leap {
				leaps++
				byLayer[r.Decision.Layer]++
			}
		}
	})
	for tick := uint64(1); tick <= 300; tick++ {
		require.NoError(t, sim.Step(ctx, tick))
	}

	st := sim.Stats()
	assert.Equal(t, leaps, st.Leaps)
	assert.Equal(t, byLayer, st.LeapsByLayer)
	assert.Equal(t, uint64(300), st.Ticks)
	assert.Equal(t, 12, st.Population)
	sim.Report(300)
}
