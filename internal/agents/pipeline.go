package agents

import (
	"fmt"

	"github.com/talgya/pressure-sim/internal/dominance"
	"github.com/talgya/pressure-sim/internal/dynamics"
)

// Outcome is a computed but not yet committed tick.
type Outcome struct {
	State  dynamics.State
	Flux   dynamics.Flux
	Record Record
}

// Evaluate runs the full tick pipeline for one agent without touching it:
// step, detection, structural power, dominance resolution.
func Evaluate(id AgentID, s dynamics.State, params *dynamics.ParameterSet, in dynamics.Pressures, dt float64, tick uint64) (Outcome, error) {
	next, flux, err := dynamics.StepWithFlux(s, params, in, dt)
	if err != nil {
		return Outcome{}, fmt.Errorf("agent %d tick %d: %w", id, tick, err)
	}

	report, err := dominance.Powers(next, params, in)
	if err != nil {
		return Outcome{}, fmt.Errorf("agent %d tick %d: %w", id, tick, err)
	}
	flags := next.Flags()

	return Outcome{
		State: next,
		Flux:  flux,
		Record: Record{
			Tick:       tick,
			AgentID:    id,
			Decision:   dominance.Resolve(params, flags, report),
			Powers:     report.Powers,
			Critical:   flags,
			Dominant:   report.Dominant,
			Meaningful: report.Meaningful,
		},
	}, nil
}

// Advance evaluates and, on success, commits one tick. On error the agent
// keeps its previous state.
func (a *Agent) Advance(in dynamics.Pressures, dt float64, tick uint64) (Record, error) {
	out, err := Evaluate(a.ID, a.State, a.Params, in, dt, tick)
	if err != nil {
		return Record{}, err
	}
	a.Commit(out)
	return out.Record, nil
}

// Commit installs a computed outcome and updates the decision history.
func (a *Agent) Commit(out Outcome) {
	a.State = out.State
	a.LastDecision = out.Record.Decision
	if out.Record.Decision.Leap {
		a.LeapCount++
		a.remember(out.Record)
	}
}
