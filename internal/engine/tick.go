// Package engine provides the tick-based simulation loop and the population
// that it drives.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultReportEvery is how many ticks pass between report callbacks.
const DefaultReportEvery = 100

// Engine drives the simulation forward.
type Engine struct {
	Interval    time.Duration // Base tick interval; zero runs as fast as possible
	ReportEvery uint64        // Ticks between OnReport calls
	MaxTicks    uint64        // Stop after this many ticks; zero runs until cancelled

	// Callbacks, populated during setup. An OnTick error stops the loop.
	OnTick   func(ctx context.Context, tick uint64) error
	OnReport func(tick uint64)

	mu      sync.RWMutex
	tick    uint64 // Last completed tick (monotonic, never resets)
	speed   float64
	running bool
}

// NewEngine creates a simulation engine with default settings.
func NewEngine() *Engine {
	return &Engine{
		Interval:    time.Second,
		ReportEvery: DefaultReportEvery,
		speed:       1.0,
	}
}

// Tick returns the last completed tick.
func (e *Engine) Tick() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.tick
}

// SetTick restores the counter, e.g. after loading a saved run.
func (e *Engine) SetTick(t uint64) {
	e.mu.Lock()
	e.tick = t
	e.mu.Unlock()
}

// Speed returns the speed multiplier: 1.0 = one tick per Interval, 0 = paused.
func (e *Engine) Speed() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.speed
}

// SetSpeed changes the speed multiplier. Negative values pause.
func (e *Engine) SetSpeed(s float64) {
	if s < 0 {
		s = 0
	}
	e.mu.Lock()
	e.speed = s
	e.mu.Unlock()
}

// Running reports whether Run is active.
func (e *Engine) Running() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

// Run starts the simulation loop. Blocks until ctx is cancelled, MaxTicks
// is reached, or OnTick fails. Cancellation is not an error.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	e.running = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	slog.Info("simulation engine started", "tick", e.Tick(), "speed", e.Speed())
	defer func() { slog.Info("simulation engine stopped", "tick", e.Tick()) }()

	start := e.Tick()
	for {
		if ctx.Err() != nil {
			return nil
		}
		if e.MaxTicks > 0 && e.Tick()-start >= e.MaxTicks {
			return nil
		}

		speed := e.Speed()
		if speed <= 0 {
			// Paused: sleep briefly and check again.
			if !sleep(ctx, 100*time.Millisecond) {
				return nil
			}
			continue
		}

		began := time.Now()
		if err := e.step(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		// Sleep for the remainder of the tick interval, adjusted for speed.
		if e.Interval > 0 {
			target := time.Duration(float64(e.Interval) / speed)
			if elapsed := time.Since(began); elapsed < target {
				if !sleep(ctx, target-elapsed) {
					return nil
				}
			}
		}
	}
}

// step advances the simulation by one tick. The counter only moves once
// OnTick succeeds.
func (e *Engine) step(ctx context.Context) error {
	next := e.Tick() + 1
	if e.OnTick != nil {
		if err := e.OnTick(ctx, next); err != nil {
			return err
		}
	}
	e.SetTick(next)

	if e.ReportEvery > 0 && next%e.ReportEvery == 0 && e.OnReport != nil {
		e.OnReport(next)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
