package api

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/talgya/pressure-sim/internal/agents"
)

// TickMessage is one frame on the decision stream.
type TickMessage struct {
	Type    string          `json:"type"` // "TICK"
	Tick    uint64          `json:"tick"`
	Records []agents.Record `json:"records"`
}

// Broadcaster fans committed ticks out to stream subscribers. Slow
// subscribers lose frames rather than stall the simulation.
type Broadcaster struct {
	mu        sync.Mutex
	subs      map[uint64]chan []byte
	nextID    uint64
	leapsOnly bool
}

// NewBroadcaster creates an empty broadcaster. With leapsOnly set, frames
// only carry LEAP records and ticks without any are skipped.
func NewBroadcaster(leapsOnly bool) *Broadcaster {
	return &Broadcaster{subs: make(map[uint64]chan []byte), leapsOnly: leapsOnly}
}

// Subscribe returns a subscriber ID and its frame channel.
func (b *Broadcaster) Subscribe(buffer int) (uint64, <-chan []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	ch := make(chan []byte, buffer)
	b.subs[b.nextID] = ch
	return b.nextID, ch
}

// Unsubscribe closes and removes a subscriber.
func (b *Broadcaster) Unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		close(ch)
		delete(b.subs, id)
	}
}

// Count returns the number of live subscribers.
func (b *Broadcaster) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Publish matches the simulation's subscriber signature.
func (b *Broadcaster) Publish(tick uint64, records []agents.Record) {
	if b.Count() == 0 {
		return
	}
	if b.leapsOnly {
		leaps := make([]agents.Record, 0, len(records))
		for _, r := range records {
			if r.Decision.Leap {
				leaps = append(leaps, r)
			}
		}
		if len(leaps) == 0 {
			return
		}
		records = leaps
	}

	frame, err := json.Marshal(TickMessage{Type: "TICK", Tick: tick, Records: records})
	if err != nil {
		slog.Error("stream frame marshal failed", "tick", tick, "error", err)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- frame:
		default:
			slog.Debug("stream subscriber lagging, frame dropped", "sub_id", id, "tick", tick)
		}
	}
}
