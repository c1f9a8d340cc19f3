package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngineStopsAtMaxTicks(t *testing.T) {
	e := NewEngine()
	e.Interval = 0
	e.MaxTicks = 5
	e.ReportEvery = 2

	var ticks, reports []uint64
	e.OnTick = func(_ context.Context, tick uint64) error {
		ticks = append(ticks, tick)
		return nil
	}
	e.OnReport = func(tick uint64) { reports = append(reports, tick) }

	require.NoError(t, e.Run(context.Background()))
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, ticks)
	assert.Equal(t, []uint64{2, 4}, reports)
	assert.Equal(t, uint64(5), e.Tick())
	assert.False(t, e.Running())
}

func TestEngineResumesFromRestoredTick(t *testing.T) {
	e := NewEngine()
	e.Interval = 0
	e.MaxTicks = 3
	e.SetTick(100)

	var ticks []uint64
	e.OnTick = func(_ context.Context, tick uint64) error {
		ticks = append(ticks, tick)
		return nil
	}
	require.NoError(t, e.Run(context.Background()))
	assert.Equal(t, []uint64{101, 102, 103}, ticks)
}

func TestEngineTickErrorStops(t *testing.T) {
	e := NewEngine()
	e.Interval = 0
	boom := errors.New("boom")
	e.OnTick = func(_ context.Context, tick uint64) error {
		if tick == 3 {
			return boom
		}
		return nil
	}

	err := e.Run(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Equal(t, uint64(2), e.Tick(), "failed tick is not counted")
}

func TestEngineCancelWhilePaused(t *testing.T) {
	e := NewEngine()
	e.SetSpeed(-3)
	assert.Equal(t, 0.0, e.Speed())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	require.Eventually(t, e.Running, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop")
	}
	assert.Zero(t, e.Tick())
}

func TestEngineCancelDuringTickIsNotAnError(t *testing.T) {
	e := NewEngine()
	e.Interval = 0

	ctx, cancel := context.WithCancel(context.Background())
	e.OnTick = func(ctx context.Context, tick uint64) error {
		if tick == 2 {
			cancel()
			return ctx.Err()
		}
		return nil
	}

	require.NoError(t, e.Run(ctx))
	assert.Equal(t, uint64(1), e.Tick())
}
