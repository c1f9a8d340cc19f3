// Package config loads a scenario file: run settings, archetype parameter
// sets, the starting population and the pressure feed.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/talgya/pressure-sim/internal/dynamics"
	"github.com/talgya/pressure-sim/internal/pressure"
)

// ErrConfig marks a malformed scenario file.
var ErrConfig = errors.New("config error")

// Config is the decoded scenario file.
type Config struct {
	Seed           int64   `yaml:"seed"`
	Dt             float64 `yaml:"dt"`
	Ticks          uint64  `yaml:"ticks"`            // Zero runs until interrupted
	TickIntervalMs int     `yaml:"tick_interval_ms"` // Zero runs flat out
	ReportEvery    uint64  `yaml:"report_every"`
	Workers        int     `yaml:"workers"`

	DBPath     string `yaml:"db_path"`
	JournalDir string `yaml:"journal_dir"`
	Listen     string `yaml:"listen"`

	Archetypes    map[string]Archetype `yaml:"archetypes"`
	Agents        []AgentGroup         `yaml:"agents"`
	Relationships []RelationshipSpec   `yaml:"relationships"`
	Pressure      PressureSpec         `yaml:"pressure"`
	Social        *SocialSpec          `yaml:"social"`
}

// Archetype describes one parameter set. It starts from a preset (the
// reference constants when Preset is empty) unless Layers replaces the
// layer table outright; Overrides then patch individual fields.
type Archetype struct {
	Preset            string                        `yaml:"preset"`
	Layers            []LayerSpec                   `yaml:"layers"`
	Overrides         map[dynamics.Layer]LayerPatch `yaml:"overrides"`
	HubDecay          *float64                      `yaml:"hub_decay"`
	Couplings         *[]CouplingSpec               `yaml:"couplings"`
	ConserveTransfers *bool                         `yaml:"conserve_transfers"`
	Reset             *ResetSpec                    `yaml:"reset"`
	Learning          *LearningSpec                 `yaml:"learning"`
	Clamp             *ClampSpec                    `yaml:"clamp"`
}

// LayerSpec is a full layer definition.
type LayerSpec struct {
	Layer        dynamics.Layer `yaml:"layer"`
	ToHub        float64        `yaml:"to_hub"`
	FromHub      float64        `yaml:"from_hub"`
	Decay        float64        `yaml:"decay"`
	Threshold    float64        `yaml:"threshold"`
	LearningRate float64        `yaml:"learning_rate"`
	KappaMin     float64        `yaml:"kappa_min"`
	Resistance   float64        `yaml:"resistance"`
	LeapBoost    float64        `yaml:"leap_boost"`
}

// LayerPatch overrides selected fields of an existing layer.
type LayerPatch struct {
	ToHub        *float64 `yaml:"to_hub"`
	FromHub      *float64 `yaml:"from_hub"`
	Decay        *float64 `yaml:"decay"`
	Threshold    *float64 `yaml:"threshold"`
	LearningRate *float64 `yaml:"learning_rate"`
	KappaMin     *float64 `yaml:"kappa_min"`
	Resistance   *float64 `yaml:"resistance"`
	LeapBoost    *float64 `yaml:"leap_boost"`
}

type CouplingSpec struct {
	From dynamics.Layer `yaml:"from"`
	To   dynamics.Layer `yaml:"to"`
	Rate float64        `yaml:"rate"`
}

type ResetSpec struct {
	Mode     string  `yaml:"mode"`
	Fraction float64 `yaml:"fraction"`
}

type LearningSpec struct {
	Mode      string  `yaml:"mode"`
	DriftRate float64 `yaml:"drift_rate"`
}

type ClampSpec struct {
	Enabled bool    `yaml:"enabled"`
	Floor   float64 `yaml:"floor"`
}

// AgentGroup spawns Count agents of one archetype.
type AgentGroup struct {
	Name      string  `yaml:"name"`
	Archetype string  `yaml:"archetype"`
	Count     int     `yaml:"count"`
	Jitter    float64 `yaml:"jitter"`
	Initial   struct {
		Hub    float64                    `yaml:"hub"`
		Energy map[dynamics.Layer]float64 `yaml:"energy"`
		Kappa  map[dynamics.Layer]float64 `yaml:"kappa"`
	} `yaml:"initial"`
}

// RelationshipSpec sets directed trust. From and To name either a single
// agent or a whole group.
type RelationshipSpec struct {
	From  string  `yaml:"from"`
	To    string  `yaml:"to"`
	Trust float64 `yaml:"trust"`
}

// PressureSpec selects the external pressure feed.
type PressureSpec struct {
	Static map[dynamics.Layer]float64          `yaml:"static"`
	Noise  map[dynamics.Layer]pressure.Channel `yaml:"noise"`
	Shocks []ShockSpec                         `yaml:"shocks"`
}

// ShockSpec is a scheduled pressure spike; Agents lists agent or group names.
type ShockSpec struct {
	From   uint64         `yaml:"from"`
	To     uint64         `yaml:"to"`
	Layer  dynamics.Layer `yaml:"layer"`
	Extra  float64        `yaml:"extra"`
	Agents []string       `yaml:"agents"`
}

// SocialSpec enables the resonance hook. Unset fields keep the reference
// constants.
type SocialSpec struct {
	Strength             *float64                   `yaml:"strength"`
	CooperationThreshold *float64                   `yaml:"cooperation_threshold"`
	Zeta                 map[dynamics.Layer]float64 `yaml:"zeta"`
	Omega                map[dynamics.Layer]float64 `yaml:"omega"`
}

// Default returns the settings used for anything the file leaves out.
func Default() Config {
	return Config{
		Seed:           42,
		Dt:             1.0,
		TickIntervalMs: 100,
		ReportEvery:    100,
		DBPath:         "data/pressuresim.db",
		JournalDir:     "data/journal",
		Listen:         ":8080",
	}
}

// Load reads, schema-checks and decodes a scenario file.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg, err := Parse(raw)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse schema-checks and decodes a scenario document.
func Parse(raw []byte) (Config, error) {
	if err := validateSchema(raw); err != nil {
		return Config{}, err
	}
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if !(cfg.Dt > 0) {
		return Config{}, fmt.Errorf("%w: field=dt reason=must be positive", ErrConfig)
	}
	return cfg, nil
}

// yamlToJSON re-encodes a YAML document as JSON-decoded values so the
// schema validator sees json.Number rather than YAML scalars.
func yamlToJSON(raw []byte) (any, error) {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}
