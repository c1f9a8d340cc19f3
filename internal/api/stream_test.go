package api

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/pressure-sim/internal/agents"
	"github.com/talgya/pressure-sim/internal/dominance"
	"github.com/talgya/pressure-sim/internal/dynamics"
)

func tickRecords() []agents.Record {
	return []agents.Record{
		{Tick: 7, AgentID: 1, Decision: dominance.NoLeap},
		{Tick: 7, AgentID: 2, Decision: dominance.LeapOf(dynamics.LayerBase)},
	}
}

func TestBroadcasterFanOut(t *testing.T) {
	b := NewBroadcaster(false)
	b.Publish(1, tickRecords()) // no subscribers: no-op

	id1, ch1 := b.Subscribe(4)
	_, ch2 := b.Subscribe(4)
	assert.Equal(t, 2, b.Count())

	b.Publish(7, tickRecords())
	for _, ch := range []<-chan []byte{ch1, ch2} {
		var msg TickMessage
		require.NoError(t, json.Unmarshal(<-ch, &msg))
		assert.Equal(t, TickMessage{Type: "TICK", Tick: 7, Records: tickRecords()}, msg)
	}

	b.Unsubscribe(id1)
	b.Unsubscribe(id1)
	_, open := <-ch1
	assert.False(t, open)
	assert.Equal(t, 1, b.Count())
}

func TestBroadcasterLeapsOnly(t *testing.T) {
	b := NewBroadcaster(true)
	_, ch := b.Subscribe(4)

	b.Publish(6, []agents.Record{{Tick: 6, AgentID: 1}})
	b.Publish(7, tickRecords())

	var msg TickMessage
	require.NoError(t, json.Unmarshal(<-ch, &msg))
	assert.Equal(t, uint64(7), msg.Tick)
	require.Len(t, msg.Records, 1)
	assert.Equal(t, agents.AgentID(2), msg.Records[0].AgentID)
	assert.Empty(t, ch)
}

func TestBroadcasterDropsForSlowSubscriber(t *testing.T) {
	b := NewBroadcaster(false)
	_, ch := b.Subscribe(1)

	b.Publish(1, tickRecords())
	b.Publish(2, tickRecords())
	b.Publish(3, tickRecords())

	var msg TickMessage
	require.NoError(t, json.Unmarshal(<-ch, &msg))
	assert.Equal(t, uint64(1), msg.Tick)
	assert.Empty(t, ch)
}
