package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/talgya/pressure-sim/internal/agents"
	"github.com/talgya/pressure-sim/internal/api"
	"github.com/talgya/pressure-sim/internal/config"
	"github.com/talgya/pressure-sim/internal/dynamics"
	"github.com/talgya/pressure-sim/internal/engine"
	"github.com/talgya/pressure-sim/internal/persistence"
	"github.com/talgya/pressure-sim/internal/persistence/journal"
	"github.com/talgya/pressure-sim/internal/pressure"
	"github.com/talgya/pressure-sim/internal/social"
)

var runFlags struct {
	dbPath  string
	listen  string
	journal string
	ticks   uint64
	fresh   bool
}

var runCmd = &cobra.Command{
	Use:   "run <scenario.yaml>",
	Short: "Run a scenario",
	Long: `Loads a scenario, restores the previous run from the database unless --fresh
is given, and steps the population until interrupted or --ticks is reached.
State is saved on every report tick and on shutdown.

Admin POST endpoints are enabled by setting PRESSURESIM_ADMIN_KEY.`,
	Args: cobra.ExactArgs(1),
	RunE: runScenario,
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runFlags.dbPath, "db", "", "SQLite database path (overrides the scenario)")
	f.StringVar(&runFlags.listen, "listen", "", "HTTP listen address (overrides the scenario; \"off\" disables the API)")
	f.StringVar(&runFlags.journal, "journal", "", "decision journal directory (overrides the scenario; \"off\" disables it)")
	f.Uint64Var(&runFlags.ticks, "ticks", 0, "stop after this many ticks (overrides the scenario)")
	f.BoolVar(&runFlags.fresh, "fresh", false, "discard any saved run and start from the scenario")
}

func runScenario(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(args[0])
	if err != nil {
		return err
	}
	if runFlags.dbPath != "" {
		cfg.DBPath = runFlags.dbPath
	}
	if runFlags.listen != "" {
		cfg.Listen = runFlags.listen
	}
	if runFlags.journal != "" {
		cfg.JournalDir = runFlags.journal
	}
	if runFlags.ticks > 0 {
		cfg.Ticks = runFlags.ticks
	}

	// ── Database ──────────────────────────────────────────────────────
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return err
	}
	db, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()
	slog.Info("database opened", "path", cfg.DBPath)

	// ── Scenario (always built: the pressure feed comes from it) ──────
	spawner := agents.NewSpawner(cfg.Seed)
	world, err := config.Build(cfg, spawner)
	if err != nil {
		return err
	}

	// ── Load or start the run ─────────────────────────────────────────
	population, runID, startTick, err := loadOrStart(db, world, spawner)
	if err != nil {
		return err
	}

	// ── Simulation ────────────────────────────────────────────────────
	var sim *engine.Simulation
	sim, err = engine.NewSimulation(engine.Options{
		Source: pressure.Projected{
			Base:   world.Base,
			Lookup: func(id agents.AgentID) (*dynamics.ParameterSet, bool) { return sim.Params(id) },
		},
		Dt:      cfg.Dt,
		Workers: cfg.Workers,
	}, population)
	if err != nil {
		return err
	}
	sim.SetCurrentTick(startTick)

	if world.Resonance != nil {
		res, err := social.NewResonance(*world.Resonance)
		if err != nil {
			return err
		}
		sim.SetHook(res)
		slog.Info("social resonance enabled", "strength", world.Resonance.Strength)
	}

	// ── Decision sinks ────────────────────────────────────────────────
	if cfg.JournalDir != "off" {
		jw := journal.NewWriter(cfg.JournalDir, runID, journal.DefaultSegmentTicks)
		defer func() {
			if err := jw.Close(); err != nil {
				slog.Error("journal close failed", "error", err)
			}
		}()
		sim.Subscribe(func(tick uint64, records []agents.Record) {
			if err := jw.WriteTick(tick, records); err != nil {
				slog.Error("journal write failed", "tick", tick, "error", err)
			}
		})
		slog.Info("decision journal enabled", "dir", cfg.JournalDir)
	}

	leaps := &leapBuffer{}
	sim.Subscribe(leaps.collect)

	save := func() {
		if err := db.SaveRecords(leaps.drain()); err != nil {
			slog.Error("leap save failed", "error", err)
		}
		if err := db.SaveSimulation(sim); err != nil {
			slog.Error("save failed", "error", err)
		}
	}

	// ── Engine ────────────────────────────────────────────────────────
	eng := engine.NewEngine()
	eng.SetTick(startTick)
	eng.Interval = time.Duration(cfg.TickIntervalMs) * time.Millisecond
	eng.ReportEvery = cfg.ReportEvery
	eng.MaxTicks = cfg.Ticks
	eng.OnTick = func(ctx context.Context, tick uint64) error {
		if err := sim.Step(ctx, tick); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Failed agents keep their state; the rest advanced.
			slog.Warn("tick completed with agent errors", "tick", tick, "error", err)
		}
		return nil
	}
	eng.OnReport = func(tick uint64) {
		sim.Report(tick)
		save()
	}

	// ── HTTP API ──────────────────────────────────────────────────────
	var server *api.Server
	if cfg.Listen != "off" {
		adminKey := os.Getenv("PRESSURESIM_ADMIN_KEY")
		if adminKey == "" {
			slog.Warn("PRESSURESIM_ADMIN_KEY not set, admin POST endpoints will be disabled")
		}
		server = &api.Server{
			Sim:      sim,
			Eng:      eng,
			DB:       db,
			RunID:    runID,
			Addr:     cfg.Listen,
			AdminKey: adminKey,
		}
		server.Start()
	}

	// ── Start ─────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "\n%d agents across %d archetypes, run %s.\n", len(population), len(world.Archetypes), runID)
	if server != nil {
		fmt.Fprintf(out, "API: http://localhost%s/api/v1/status\n", cfg.Listen)
	}
	if startTick > 0 {
		fmt.Fprintf(out, "Resuming from tick %d\n", startTick)
	}
	fmt.Fprintln(out, "Starting simulation... (Ctrl+C to stop)")

	runErr := eng.Run(ctx)

	// Final save on shutdown.
	slog.Info("final save...")
	save()
	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP shutdown failed", "error", err)
		}
	}

	fmt.Fprintln(out, "Simulation stopped. State saved.")
	return runErr
}

// loadOrStart restores a saved population or records a new run.
func loadOrStart(db *persistence.DB, world *config.World, spawner *agents.Spawner) ([]*agents.Agent, string, uint64, error) {
	if runFlags.fresh {
		if err := db.Reset(); err != nil {
			return nil, "", 0, err
		}
	}

	saved, err := db.HasState()
	if err != nil {
		return nil, "", 0, err
	}
	if !saved {
		runID := uuid.NewString()
		slog.Info("no saved state found, starting new run", "run_id", runID, "agents", len(world.Agents))
		if err := db.SaveArchetypes(world.Archetypes); err != nil {
			return nil, "", 0, fmt.Errorf("save archetypes: %w", err)
		}
		if err := db.SaveMeta(persistence.MetaRunID, runID); err != nil {
			return nil, "", 0, err
		}
		return world.Agents, runID, 0, nil
	}

	slog.Info("found saved state, loading...")
	sets, err := db.LoadArchetypes()
	if err != nil {
		return nil, "", 0, fmt.Errorf("load archetypes: %w", err)
	}
	population, err := db.LoadAgents(sets)
	if err != nil {
		return nil, "", 0, fmt.Errorf("load agents: %w", err)
	}
	startTick, err := db.LastTick()
	if err != nil {
		return nil, "", 0, fmt.Errorf("load tick: %w", err)
	}
	runID, err := db.GetMeta(persistence.MetaRunID)
	if err != nil {
		return nil, "", 0, fmt.Errorf("load run id: %w", err)
	}

	// Keep the spawner above the highest existing agent ID.
	var maxID agents.AgentID
	for _, a := range population {
		if a.ID > maxID {
			maxID = a.ID
		}
	}
	spawner.SetNextID(maxID + 1)

	slog.Info("state restored", "run_id", runID, "agents", len(population), "tick", startTick)
	return population, runID, startTick, nil
}

// leapBuffer holds LEAP records between saves.
type leapBuffer struct {
	mu      sync.Mutex
	pending []agents.Record
}

func (b *leapBuffer) collect(_ uint64, records []agents.Record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range records {
		if r.Decision.Leap {
			b.pending = append(b.pending, r)
		}
	}
}

func (b *leapBuffer) drain() []agents.Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.pending
	b.pending = nil
	return out
}
