package journal

import (
	"sort"

	"github.com/talgya/pressure-sim/internal/agents"
	"github.com/talgya/pressure-sim/internal/dynamics"
)

// Summary aggregates a replayed journal.
type Summary struct {
	Runs      []string
	FirstTick uint64
	LastTick  uint64
	Ticks     int
	Records   int
	Leaps     map[agents.AgentID]map[dynamics.Layer]int
}

// Summarize replays every segment in dir belonging to runID (all runs when
// empty) and counts leaps per agent and layer.
func Summarize(dir, runID string) (Summary, error) {
	files, err := Files(dir, runID)
	if err != nil {
		return Summary{}, err
	}

	sum := Summary{Leaps: make(map[agents.AgentID]map[dynamics.Layer]int)}
	runs := make(map[string]bool)
	for _, path := range files {
		err := ReadFile(path, func(e TickEntry) error {
			runs[e.RunID] = true
			if sum.Ticks == 0 || e.Tick < sum.FirstTick {
				sum.FirstTick = e.Tick
			}
			if e.Tick > sum.LastTick {
				sum.LastTick = e.Tick
			}
			sum.Ticks++
			for _, r := range e.Records {
				sum.Records++
				if !r.Decision.Leap {
					continue
				}
				m := sum.Leaps[r.AgentID]
				if m == nil {
					m = make(map[dynamics.Layer]int)
					sum.Leaps[r.AgentID] = m
				}
				m[r.Decision.Layer]++
			}
			return nil
		})
		if err != nil {
			return Summary{}, err
		}
	}

	for id := range runs {
		sum.Runs = append(sum.Runs, id)
	}
	sort.Strings(sum.Runs)
	return sum, nil
}

// AgentIDs returns the agents that leapt at least once, sorted.
func (s Summary) AgentIDs() []agents.AgentID {
	ids := make([]agents.AgentID, 0, len(s.Leaps))
	for id := range s.Leaps {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
