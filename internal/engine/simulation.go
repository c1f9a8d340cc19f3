// Simulation holds the agent population and steps it each tick.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/talgya/pressure-sim/internal/agents"
	"github.com/talgya/pressure-sim/internal/dynamics"
	"github.com/talgya/pressure-sim/internal/pressure"
	"github.com/talgya/pressure-sim/internal/social"
)

// RecentCap bounds the in-memory decision history.
const RecentCap = 1000

// Options configures a Simulation.
type Options struct {
	Source  pressure.Source
	Hook    social.Hook // Optional
	Dt      float64
	Workers int // Zero means GOMAXPROCS; one steps sequentially
}

// Simulation owns the population. Agents are only mutated in the commit
// phase of Step, so the compute phase can run in parallel against a frozen
// snapshot of the previous tick.
type Simulation struct {
	source  pressure.Source
	hook    social.Hook
	dt      float64
	workers int

	stepMu sync.Mutex // Serializes Step

	mu       sync.RWMutex
	agents   []*agents.Agent // Sorted by ID
	index    map[agents.AgentID]*agents.Agent
	recent   []agents.Record
	lastTick uint64
	stats    Stats

	listenMu  sync.RWMutex
	listeners []func(tick uint64, records []agents.Record)
}

// Stats aggregates population outcomes since the simulation started.
type Stats struct {
	Population   int                    `json:"population"`
	Ticks        uint64                 `json:"ticks"`
	Leaps        uint64                 `json:"leaps"`
	LeapsByLayer map[dynamics.Layer]int `json:"leaps_by_layer"`
	Failures     uint64                 `json:"failures"`
	MeanEnergy   float64                `json:"mean_energy"` // Mean total energy after the last tick
}

// NewSimulation creates a Simulation from spawned agents.
func NewSimulation(opts Options, ag []*agents.Agent) (*Simulation, error) {
	if opts.Source == nil {
		return nil, fmt.Errorf("simulation: nil pressure source")
	}
	if !(opts.Dt > 0) {
		return nil, fmt.Errorf("%w: field=dt reason=must be positive, got %g", dynamics.ErrValidation, opts.Dt)
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	s := &Simulation{
		source:  opts.Source,
		hook:    opts.Hook,
		dt:      opts.Dt,
		workers: workers,
		index:   make(map[agents.AgentID]*agents.Agent, len(ag)),
		stats:   Stats{LeapsByLayer: make(map[dynamics.Layer]int)},
	}
	for _, a := range ag {
		if err := s.add(a); err != nil {
			return nil, err
		}
	}
	s.updateStats()
	return s, nil
}

// SetHook installs the social hook. Hooks that read trust usually need the
// simulation itself, so they are attached after construction.
func (s *Simulation) SetHook(h social.Hook) {
	s.stepMu.Lock()
	s.hook = h
	s.stepMu.Unlock()
}

// AddAgent adds an agent; it is stepped from the next tick on.
func (s *Simulation) AddAgent(a *agents.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.add(a); err != nil {
		return err
	}
	s.stats.Population = len(s.agents)
	return nil
}

func (s *Simulation) add(a *agents.Agent) error {
	if a == nil || a.Params == nil {
		return fmt.Errorf("simulation: agent without parameters")
	}
	if _, dup := s.index[a.ID]; dup {
		return fmt.Errorf("simulation: duplicate agent id %d", a.ID)
	}
	if err := dynamics.ValidateState(a.State, a.Params); err != nil {
		return fmt.Errorf("simulation: agent %d: %w", a.ID, err)
	}
	if err := a.Params.CheckTimeStep(s.dt); err != nil {
		return fmt.Errorf("simulation: agent %d: %w", a.ID, err)
	}
	s.index[a.ID] = a
	i := sort.Search(len(s.agents), func(i int) bool { return s.agents[i].ID > a.ID })
	s.agents = append(s.agents, nil)
	copy(s.agents[i+1:], s.agents[i:])
	s.agents[i] = a
	return nil
}

// Subscribe registers fn to receive each tick's committed records. fn runs
// on the stepping goroutine after the commit and must not call Step.
func (s *Simulation) Subscribe(fn func(tick uint64, records []agents.Record)) {
	s.listenMu.Lock()
	s.listeners = append(s.listeners, fn)
	s.listenMu.Unlock()
}

type job struct {
	id     agents.AgentID
	params *dynamics.ParameterSet
	state  dynamics.State
}

type result struct {
	out agents.Outcome
	err error
}

// Step advances every agent by one tick. All agents read the same snapshot
// of the previous tick and commit together. An agent whose evaluation fails
// keeps its previous state; its error is joined into the returned error
// while the rest of the population still advances.
func (s *Simulation) Step(ctx context.Context, tick uint64) error {
	s.stepMu.Lock()
	defer s.stepMu.Unlock()

	jobs, snap := s.freeze()
	results := make([]result, len(jobs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i := range jobs {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = s.evaluate(jobs[i], snap, tick)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		// Cancelled mid-tick: nothing is committed.
		return err
	}

	records, errs := s.commit(tick, jobs, results)
	s.publish(tick, records)

	if len(errs) > 0 {
		slog.Warn("agents failed to step", "tick", tick, "failed", len(errs), "population", len(jobs))
	}
	return errors.Join(errs...)
}

// freeze copies the state and trust of every agent for the compute phase.
func (s *Simulation) freeze() ([]job, *social.Snapshot) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]job, len(s.agents))
	snap := &social.Snapshot{
		Tick:      s.lastTick,
		States:    make(map[agents.AgentID]dynamics.State, len(s.agents)),
		Relations: make(map[agents.AgentID]map[agents.AgentID]float64, len(s.agents)),
	}
	for i, a := range s.agents {
		st := a.State.Clone()
		jobs[i] = job{id: a.ID, params: a.Params, state: st}
		snap.States[a.ID] = st
		if len(a.Relationships) > 0 {
			rel := make(map[agents.AgentID]float64, len(a.Relationships))
			for _, r := range a.Relationships {
				rel[r.TargetID] = r.Trust
			}
			snap.Relations[a.ID] = rel
		}
	}
	return jobs, snap
}

func (s *Simulation) evaluate(j job, snap *social.Snapshot, tick uint64) result {
	in, err := s.source.Pressures(j.id, tick)
	if err != nil {
		return result{err: fmt.Errorf("agent %d tick %d: pressure source: %w", j.id, tick, err)}
	}
	if s.hook != nil {
		extra, err := s.hook.Inject(j.id, snap)
		if err != nil {
			return result{err: fmt.Errorf("agent %d tick %d: social hook: %w", j.id, tick, err)}
		}
		in = social.Merge(in, extra)
	}
	out, err := agents.Evaluate(j.id, j.state, j.params, in, s.dt, tick)
	return result{out: out, err: err}
}

func (s *Simulation) commit(tick uint64, jobs []job, results []result) ([]agents.Record, []error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := make([]agents.Record, 0, len(jobs))
	var errs []error
	for i, r := range results {
		if r.err != nil {
			errs = append(errs, r.err)
			s.stats.Failures++
			continue
		}
		a := s.index[jobs[i].id]
		a.Commit(r.out)
		records = append(records, r.out.Record)
		if r.out.Record.Decision.Leap {
			s.stats.Leaps++
			s.stats.LeapsByLayer[r.out.Record.Decision.Layer]++
		}
	}

	s.recent = append(s.recent, records...)
	if len(s.recent) > RecentCap {
		s.recent = append([]agents.Record(nil), s.recent[len(s.recent)-RecentCap:]...)
	}
	s.lastTick = tick
	s.stats.Ticks++
	s.updateStats()
	return records, errs
}

func (s *Simulation) publish(tick uint64, records []agents.Record) {
	s.listenMu.RLock()
	defer s.listenMu.RUnlock()
	for _, fn := range s.listeners {
		fn(tick, records)
	}
}

// updateStats recomputes population-wide figures. Caller holds mu.
func (s *Simulation) updateStats() {
	s.stats.Population = len(s.agents)
	if len(s.agents) == 0 {
		s.stats.MeanEnergy = 0
		return
	}
	total := 0.0
	for _, a := range s.agents {
		total += dynamics.TotalEnergy(a.State)
	}
	s.stats.MeanEnergy = total / float64(len(s.agents))
}

// CurrentTick returns the most recently committed tick.
func (s *Simulation) CurrentTick() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastTick
}

// SetCurrentTick restores the tick counter after loading a saved run.
func (s *Simulation) SetCurrentTick(t uint64) {
	s.mu.Lock()
	s.lastTick = t
	s.mu.Unlock()
}

// Stats returns a copy of the aggregate statistics.
func (s *Simulation) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.stats
	out.LeapsByLayer = make(map[dynamics.Layer]int, len(s.stats.LeapsByLayer))
	for l, n := range s.stats.LeapsByLayer {
		out.LeapsByLayer[l] = n
	}
	return out
}

// Agents returns deep copies of every agent, sorted by ID.
func (s *Simulation) Agents() []agents.Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]agents.Agent, len(s.agents))
	for i, a := range s.agents {
		out[i] = copyAgent(a)
	}
	return out
}

// Agent returns a deep copy of one agent.
func (s *Simulation) Agent(id agents.AgentID) (agents.Agent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.index[id]
	if !ok {
		return agents.Agent{}, false
	}
	return copyAgent(a), true
}

// Params returns an agent's parameter set, matching pressure.ParamsLookup.
func (s *Simulation) Params(id agents.AgentID) (*dynamics.ParameterSet, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.index[id]
	if !ok {
		return nil, false
	}
	return a.Params, true
}

// Recent returns up to n of the latest records, newest last.
func (s *Simulation) Recent(n int) []agents.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n <= 0 || n > len(s.recent) {
		n = len(s.recent)
	}
	return append([]agents.Record(nil), s.recent[len(s.recent)-n:]...)
}

// Trust implements social.TrustFeed from the agents' current relationships.
// Hooks read the tick's frozen copy from the snapshot instead.
func (s *Simulation) Trust(from, to agents.AgentID) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.index[from]
	if !ok {
		return 0, false
	}
	return a.Trust(to)
}

// SetTrust updates from's trust in to. A tick already in progress keeps the
// trust it froze; the change applies from the next tick.
func (s *Simulation) SetTrust(from, to agents.AgentID, trust float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.index[from]
	if !ok {
		return fmt.Errorf("simulation: unknown agent %d", from)
	}
	if _, ok := s.index[to]; !ok {
		return fmt.Errorf("simulation: unknown agent %d", to)
	}
	a.SetTrust(to, trust)
	return nil
}

// Report logs a summary of the population, as the periodic report callback.
func (s *Simulation) Report(tick uint64) {
	st := s.Stats()
	attrs := []any{
		"tick", tick,
		"population", st.Population,
		"leaps", st.Leaps,
		"failures", st.Failures,
		"mean_energy", fmt.Sprintf("%.2f", st.MeanEnergy),
	}
	layers := make([]string, 0, len(st.LeapsByLayer))
	for l := range st.LeapsByLayer {
		layers = append(layers, string(l))
	}
	sort.Strings(layers)
	for _, l := range layers {
		attrs = append(attrs, "leaps_"+l, st.LeapsByLayer[dynamics.Layer(l)])
	}
	slog.Info("population report", attrs...)
}

func copyAgent(a *agents.Agent) agents.Agent {
	c := *a
	c.State = a.State.Clone()
	c.Relationships = append([]agents.Relationship(nil), a.Relationships...)
	c.Leaps = append([]agents.Leap(nil), a.Leaps...)
	return c
}
