package dominance

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/talgya/pressure-sim/internal/dynamics"
)

const (
	noLeap     = "NO_LEAP"
	leapPrefix = "LEAP_"
)

// Decision is the outcome of one tick's dominance resolution. The zero value
// is NO_LEAP.
type Decision struct {
	Leap  bool
	Layer dynamics.Layer // set only when Leap is true
}

// NoLeap is the decision for a tick in which no layer fired.
var NoLeap = Decision{}

// LeapOf is the decision that layer l governs a discontinuity.
func LeapOf(l dynamics.Layer) Decision { return Decision{Leap: true, Layer: l} }

// String renders NO_LEAP or LEAP_<layer>.
func (d Decision) String() string {
	if !d.Leap {
		return noLeap
	}
	return leapPrefix + string(d.Layer)
}

// ParseDecision is the inverse of Decision.String.
func ParseDecision(s string) (Decision, error) {
	if s == noLeap {
		return NoLeap, nil
	}
	if l, ok := strings.CutPrefix(s, leapPrefix); ok && l != "" {
		return LeapOf(dynamics.Layer(l)), nil
	}
	return Decision{}, fmt.Errorf("unknown decision %q", s)
}

func (d Decision) MarshalJSON() ([]byte, error) { return json.Marshal(d.String()) }

func (d *Decision) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseDecision(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Resolve reconciles the critical flags with the power ranking. Criticality
// gates eligibility: only fired layers may leap. Among them the highest
// power wins, ties going to the higher-priority layer. With no fired layer
// the answer is NO_LEAP whatever the power ranking says.
func Resolve(params *dynamics.ParameterSet, flags map[dynamics.Layer]bool, r Report) Decision {
	eligible := dynamics.CriticalLayers(flags, params)
	if len(eligible) == 0 {
		return NoLeap
	}

	best := eligible[0]
	for _, l := range eligible[1:] {
		if r.Powers[l] > r.Powers[best] {
			best = l
		}
	}
	return LeapOf(best)
}
