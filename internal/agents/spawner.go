// Agent spawning: creates populations with jittered starting energies so
// agents of one archetype do not move in lockstep.
package agents

import (
	"fmt"
	"math/rand"
	"sort"

	"github.com/talgya/pressure-sim/internal/dynamics"
)

// SpawnSpec describes one batch of agents.
type SpawnSpec struct {
	Name      string // Base name; agents are numbered when Count > 1
	Archetype string
	Params    *dynamics.ParameterSet
	Count     int
	Initial   dynamics.Initial

	// Jitter scales each starting energy by a uniform factor in
	// [1-Jitter, 1+Jitter]. Zero disables it.
	Jitter float64
}

// Spawner creates agents for the simulation.
type Spawner struct {
	rng    *rand.Rand
	nextID AgentID
}

// NewSpawner creates an agent spawner with the given seed.
func NewSpawner(seed int64) *Spawner {
	return &Spawner{
		rng:    rand.New(rand.NewSource(seed + 300)),
		nextID: 1,
	}
}

// SetNextID sets the next agent ID to be issued (used when restoring from DB).
func (s *Spawner) SetNextID(id AgentID) {
	s.nextID = id
}

// NextID returns the ID the next spawned agent will receive.
func (s *Spawner) NextID() AgentID {
	return s.nextID
}

// Spawn creates a batch of agents from spec.
func (s *Spawner) Spawn(spec SpawnSpec, tick uint64) ([]*Agent, error) {
	if spec.Params == nil {
		return nil, fmt.Errorf("spawn %q: nil parameter set", spec.Name)
	}
	if spec.Count <= 0 {
		return nil, fmt.Errorf("spawn %q: count must be positive, got %d", spec.Name, spec.Count)
	}
	if spec.Jitter < 0 || spec.Jitter >= 1 {
		return nil, fmt.Errorf("spawn %q: jitter must be in [0,1), got %g", spec.Name, spec.Jitter)
	}

	out := make([]*Agent, 0, spec.Count)
	for i := 0; i < spec.Count; i++ {
		init := s.jitter(spec.Initial, spec.Jitter)
		state, err := dynamics.NewState(spec.Params, init)
		if err != nil {
			return nil, fmt.Errorf("spawn %q: %w", spec.Name, err)
		}
		state.Tick = tick

		name := spec.Name
		if spec.Count > 1 {
			name = fmt.Sprintf("%s-%d", spec.Name, i+1)
		}

		id := s.nextID
		s.nextID++
		out = append(out, &Agent{
			ID:        id,
			Name:      name,
			Archetype: spec.Archetype,
			Params:    spec.Params,
			State:     state,
			BornTick:  tick,
		})
	}
	return out, nil
}

func (s *Spawner) jitter(init dynamics.Initial, amount float64) dynamics.Initial {
	if amount == 0 || len(init.Energy) == 0 {
		return init
	}
	out := dynamics.Initial{
		Hub:    init.Hub,
		Energy: make(map[dynamics.Layer]float64, len(init.Energy)),
		Kappa:  init.Kappa,
	}
	// Sorted iteration keeps the rng sequence independent of map order.
	for _, l := range sortedLayers(init.Energy) {
		factor := 1 + (s.rng.Float64()*2-1)*amount
		out.Energy[l] = init.Energy[l] * factor
	}
	return out
}

func sortedLayers(m map[dynamics.Layer]float64) []dynamics.Layer {
	out := make([]dynamics.Layer, 0, len(m))
	for l := range m {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
