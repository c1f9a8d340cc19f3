// Package persistence provides SQLite-based run storage: agents with their
// layered state, the parameter sets they share, and the decision log.
package persistence

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/talgya/pressure-sim/internal/agents"
	"github.com/talgya/pressure-sim/internal/dominance"
	"github.com/talgya/pressure-sim/internal/dynamics"
	"github.com/talgya/pressure-sim/internal/engine"
)

// Meta keys.
const (
	MetaLastTick = "last_tick"
	MetaRunID    = "run_id"
)

// DB wraps a SQLite connection for run persistence.
type DB struct {
	conn *sqlx.DB
}

// Open opens or creates a SQLite database at the given path.
func Open(path string) (*DB, error) {
	conn, err := sqlx.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS archetypes (
		name TEXT PRIMARY KEY,
		config_json TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS agents (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		archetype TEXT NOT NULL,
		born_tick INTEGER NOT NULL,
		state_tick INTEGER NOT NULL,
		hub REAL NOT NULL,
		leap_count INTEGER NOT NULL,
		last_decision TEXT NOT NULL,
		layers_json TEXT NOT NULL,
		relationships_json TEXT NOT NULL,
		leaps_json TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS decisions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tick INTEGER NOT NULL,
		agent_id INTEGER NOT NULL,
		decision TEXT NOT NULL,
		dominant TEXT NOT NULL,
		meaningful INTEGER NOT NULL,
		powers_json TEXT NOT NULL,
		critical_json TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sim_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_decisions_tick ON decisions(tick);
	CREATE INDEX IF NOT EXISTS idx_decisions_agent ON decisions(agent_id);
	`
	_, err := db.conn.Exec(schema)
	return err
}

// SaveArchetypes writes the named parameter sets (full replace).
func (db *DB) SaveArchetypes(sets map[string]*dynamics.ParameterSet) error {
	tx, err := db.conn.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM archetypes"); err != nil {
		return err
	}
	for name, ps := range sets {
		cfgJSON, err := json.Marshal(ps.Config())
		if err != nil {
			return fmt.Errorf("marshal archetype %q: %w", name, err)
		}
		if _, err := tx.Exec("INSERT INTO archetypes (name, config_json) VALUES (?, ?)", name, string(cfgJSON)); err != nil {
			return fmt.Errorf("insert archetype %q: %w", name, err)
		}
	}
	return tx.Commit()
}

// LoadArchetypes rebuilds every stored parameter set. Stored configs go
// through full validation again.
func (db *DB) LoadArchetypes() (map[string]*dynamics.ParameterSet, error) {
	var rows []struct {
		Name       string `db:"name"`
		ConfigJSON string `db:"config_json"`
	}
	if err := db.conn.Select(&rows, "SELECT name, config_json FROM archetypes"); err != nil {
		return nil, err
	}
	out := make(map[string]*dynamics.ParameterSet, len(rows))
	for _, r := range rows {
		var cfg dynamics.Config
		if err := json.Unmarshal([]byte(r.ConfigJSON), &cfg); err != nil {
			return nil, fmt.Errorf("archetype %q: %w", r.Name, err)
		}
		ps, err := dynamics.NewParameterSet(cfg)
		if err != nil {
			return nil, fmt.Errorf("archetype %q: %w", r.Name, err)
		}
		out[r.Name] = ps
	}
	return out, nil
}

type agentRow struct {
	ID                int64   `db:"id"`
	Name              string  `db:"name"`
	Archetype         string  `db:"archetype"`
	BornTick          uint64  `db:"born_tick"`
	StateTick         uint64  `db:"state_tick"`
	Hub               float64 `db:"hub"`
	LeapCount         uint64  `db:"leap_count"`
	LastDecision      string  `db:"last_decision"`
	LayersJSON        string  `db:"layers_json"`
	RelationshipsJSON string  `db:"relationships_json"`
	LeapsJSON         string  `db:"leaps_json"`
}

// SaveAgents writes all agents to the database (full replace).
func (db *DB) SaveAgents(agentList []agents.Agent) error {
	tx, err := db.conn.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM agents"); err != nil {
		return err
	}

	stmt, err := tx.Preparex(`INSERT INTO agents
		(id, name, archetype, born_tick, state_tick, hub, leap_count, last_decision,
		 layers_json, relationships_json, leaps_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, a := range agentList {
		layersJSON, _ := json.Marshal(a.State.Layers)
		relJSON, _ := json.Marshal(a.Relationships)
		leapsJSON, _ := json.Marshal(a.Leaps)

		_, err := stmt.Exec(
			int64(a.ID), a.Name, a.Archetype, a.BornTick,
			a.State.Tick, a.State.Hub, a.LeapCount, a.LastDecision.String(),
			string(layersJSON), string(relJSON), string(leapsJSON),
		)
		if err != nil {
			return fmt.Errorf("insert agent %d: %w", a.ID, err)
		}
	}

	return tx.Commit()
}

// LoadAgents restores every agent, binding each to its archetype's
// parameter set. Restored states are validated against those parameters.
func (db *DB) LoadAgents(sets map[string]*dynamics.ParameterSet) ([]*agents.Agent, error) {
	var rows []agentRow
	if err := db.conn.Select(&rows, "SELECT * FROM agents ORDER BY id"); err != nil {
		return nil, err
	}

	out := make([]*agents.Agent, 0, len(rows))
	for _, r := range rows {
		ps, ok := sets[r.Archetype]
		if !ok {
			return nil, fmt.Errorf("agent %d: unknown archetype %q", r.ID, r.Archetype)
		}
		a := &agents.Agent{
			ID:        agents.AgentID(r.ID),
			Name:      r.Name,
			Archetype: r.Archetype,
			Params:    ps,
			LeapCount: r.LeapCount,
			BornTick:  r.BornTick,
			State:     dynamics.State{Tick: r.StateTick, Hub: r.Hub},
		}
		if err := json.Unmarshal([]byte(r.LayersJSON), &a.State.Layers); err != nil {
			return nil, fmt.Errorf("agent %d layers: %w", r.ID, err)
		}
		if err := json.Unmarshal([]byte(r.RelationshipsJSON), &a.Relationships); err != nil {
			return nil, fmt.Errorf("agent %d relationships: %w", r.ID, err)
		}
		if err := json.Unmarshal([]byte(r.LeapsJSON), &a.Leaps); err != nil {
			return nil, fmt.Errorf("agent %d leaps: %w", r.ID, err)
		}
		d, err := dominance.ParseDecision(r.LastDecision)
		if err != nil {
			return nil, fmt.Errorf("agent %d: %w", r.ID, err)
		}
		a.LastDecision = d
		if err := dynamics.ValidateState(a.State, ps); err != nil {
			return nil, fmt.Errorf("agent %d: %w", r.ID, err)
		}
		out = append(out, a)
	}
	return out, nil
}

// SaveRecords appends decision records to the log.
func (db *DB) SaveRecords(records []agents.Record) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := db.conn.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Preparex(`INSERT INTO decisions
		(tick, agent_id, decision, dominant, meaningful, powers_json, critical_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range records {
		powersJSON, _ := json.Marshal(r.Powers)
		critJSON, _ := json.Marshal(r.Critical)
		meaningful := 0
		if r.Meaningful {
			meaningful = 1
		}
		if _, err := stmt.Exec(
			r.Tick, int64(r.AgentID), r.Decision.String(), string(r.Dominant),
			meaningful, string(powersJSON), string(critJSON),
		); err != nil {
			return fmt.Errorf("insert decision agent %d tick %d: %w", r.AgentID, r.Tick, err)
		}
	}

	return tx.Commit()
}

type decisionRow struct {
	Tick         uint64 `db:"tick"`
	AgentID      int64  `db:"agent_id"`
	Decision     string `db:"decision"`
	Dominant     string `db:"dominant"`
	Meaningful   bool   `db:"meaningful"`
	PowersJSON   string `db:"powers_json"`
	CriticalJSON string `db:"critical_json"`
}

func (r decisionRow) record() (agents.Record, error) {
	d, err := dominance.ParseDecision(r.Decision)
	if err != nil {
		return agents.Record{}, err
	}
	rec := agents.Record{
		Tick:       r.Tick,
		AgentID:    agents.AgentID(r.AgentID),
		Decision:   d,
		Dominant:   dynamics.Layer(r.Dominant),
		Meaningful: r.Meaningful,
	}
	if err := json.Unmarshal([]byte(r.PowersJSON), &rec.Powers); err != nil {
		return agents.Record{}, err
	}
	if err := json.Unmarshal([]byte(r.CriticalJSON), &rec.Critical); err != nil {
		return agents.Record{}, err
	}
	return rec, nil
}

const decisionColumns = "tick, agent_id, decision, dominant, meaningful, powers_json, critical_json"

// RecentDecisions returns the most recent N decision records, newest first.
func (db *DB) RecentDecisions(limit int) ([]agents.Record, error) {
	var rows []decisionRow
	if err := db.conn.Select(&rows,
		"SELECT "+decisionColumns+" FROM decisions ORDER BY id DESC LIMIT ?", limit,
	); err != nil {
		return nil, err
	}
	return toRecords(rows)
}

// AgentLeaps returns an agent's leap records, newest first.
func (db *DB) AgentLeaps(id agents.AgentID, limit int) ([]agents.Record, error) {
	var rows []decisionRow
	if err := db.conn.Select(&rows,
		"SELECT "+decisionColumns+" FROM decisions WHERE agent_id = ? AND decision != ? ORDER BY id DESC LIMIT ?",
		int64(id), dominance.NoLeap.String(), limit,
	); err != nil {
		return nil, err
	}
	return toRecords(rows)
}

func toRecords(rows []decisionRow) ([]agents.Record, error) {
	out := make([]agents.Record, 0, len(rows))
	for _, r := range rows {
		rec, err := r.record()
		if err != nil {
			return nil, fmt.Errorf("decision agent %d tick %d: %w", r.AgentID, r.Tick, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// SaveMeta stores a key-value pair in run metadata.
func (db *DB) SaveMeta(key, value string) error {
	_, err := db.conn.Exec(
		"INSERT OR REPLACE INTO sim_meta (key, value) VALUES (?, ?)",
		key, value,
	)
	return err
}

// GetMeta retrieves a metadata value.
func (db *DB) GetMeta(key string) (string, error) {
	var value string
	err := db.conn.Get(&value, "SELECT value FROM sim_meta WHERE key = ?", key)
	return value, err
}

// Reset deletes every saved row, for starting a fresh run in an existing
// database.
func (db *DB) Reset() error {
	tx, err := db.conn.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, table := range []string{"archetypes", "agents", "decisions", "sim_meta"} {
		if _, err := tx.Exec("DELETE FROM " + table); err != nil {
			return fmt.Errorf("reset %s: %w", table, err)
		}
	}
	return tx.Commit()
}

// HasState reports whether a previous run was saved.
func (db *DB) HasState() (bool, error) {
	_, err := db.GetMeta(MetaLastTick)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// LastTick returns the saved tick counter.
func (db *DB) LastTick() (uint64, error) {
	v, err := db.GetMeta(MetaLastTick)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(v, 10, 64)
}

// SaveSimulation performs a full save of the population and tick counter.
func (db *DB) SaveSimulation(sim *engine.Simulation) error {
	list := sim.Agents()
	slog.Info("saving simulation state", "agents", len(list), "tick", sim.CurrentTick())

	if err := db.SaveAgents(list); err != nil {
		return fmt.Errorf("save agents: %w", err)
	}
	if err := db.SaveMeta(MetaLastTick, strconv.FormatUint(sim.CurrentTick(), 10)); err != nil {
		return fmt.Errorf("save meta: %w", err)
	}

	slog.Info("simulation state saved")
	return nil
}
