// Leap memory: the notable discontinuities in an agent's history, kept for
// the API and for behavior-selection consumers that want context.
package agents

import (
	"math"
	"sort"

	"github.com/talgya/pressure-sim/internal/dynamics"
)

const MaxLeaps = 50

// Leap records one discontinuity.
type Leap struct {
	Tick  uint64         `json:"tick"`
	Layer dynamics.Layer `json:"layer"`
	Power float64        `json:"power"` // structural power of the leaping layer
}

// remember appends a leap. When full, drops the weakest leap (by absolute
// power) to make room.
func (a *Agent) remember(r Record) {
	l := Leap{Tick: r.Tick, Layer: r.Decision.Layer, Power: r.Powers[r.Decision.Layer]}

	if len(a.Leaps) < MaxLeaps {
		a.Leaps = append(a.Leaps, l)
		return
	}

	minIdx := 0
	for i := 1; i < len(a.Leaps); i++ {
		if math.Abs(a.Leaps[i].Power) < math.Abs(a.Leaps[minIdx].Power) {
			minIdx = i
		}
	}
	if math.Abs(l.Power) >= math.Abs(a.Leaps[minIdx].Power) {
		a.Leaps[minIdx] = l
	}
}

// RecentLeaps returns the most recent N leaps ordered by tick descending.
func RecentLeaps(a *Agent, count int) []Leap {
	if len(a.Leaps) == 0 {
		return nil
	}
	sorted := make([]Leap, len(a.Leaps))
	copy(sorted, a.Leaps)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Tick > sorted[j].Tick
	})
	if count > len(sorted) {
		count = len(sorted)
	}
	return sorted[:count]
}

// LeapsByLayer counts remembered leaps per layer.
func LeapsByLayer(a *Agent) map[dynamics.Layer]int {
	out := make(map[dynamics.Layer]int)
	for _, l := range a.Leaps {
		out[l.Layer]++
	}
	return out
}
