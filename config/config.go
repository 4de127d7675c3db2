// Package config provides configuration loading and access for dispersal runs.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// Config holds all run configuration parameters.
type Config struct {
	Landscape LandscapeConfig `yaml:"landscape"`
	Stages    []string        `yaml:"stages"`
	Dispersal DispersalConfig `yaml:"dispersal"`
	Run       RunConfig       `yaml:"run"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Events    EventsConfig    `yaml:"events"`

	// Derived values computed after loading
	Derived DerivedConfig `yaml:"-"`
}

// LandscapeConfig describes the synthetic landscape generated for a run.
type LandscapeConfig struct {
	Width      int     `yaml:"width"`
	Height     int     `yaml:"height"`
	Resolution float64 `yaml:"resolution"` // Cell size in distance units

	// Suitability noise
	Scale      float64 `yaml:"scale"`      // Base noise frequency
	Octaves    int     `yaml:"octaves"`    // FBM octaves
	Lacunarity float64 `yaml:"lacunarity"` // Frequency multiplier per octave
	Gain       float64 `yaml:"gain"`       // Amplitude multiplier per octave
	Contrast   float64 `yaml:"contrast"`   // Exponent applied to FBM (higher = sparser habitat)
	Seed       int64   `yaml:"seed"`       // Noise seed (0 = use run seed)

	HabitatThreshold float64 `yaml:"habitat_threshold"` // Suitability below this is no-habitat
	MaxCapacity      float64 `yaml:"max_capacity"`      // Carrying capacity at suitability 1
	BarrierLines     int     `yaml:"barrier_lines"`     // Number of vertical barrier lines
	InitialPerStage  float64 `yaml:"initial_per_stage"` // Individuals per stage per seeded cell
	SeedCells        int     `yaml:"seed_cells"`        // Number of most-suitable cells to seed
}

// KernelConfig selects a dispersal kernel.
type KernelConfig struct {
	Type          string  `yaml:"type"`           // exponential | gaussian | uniform
	DistanceDecay float64 `yaml:"distance_decay"` // Exponential decay length
	Sigma         float64 `yaml:"sigma"`          // Gaussian width
	Radius        float64 `yaml:"radius"`         // Uniform radius
	Normalize     bool    `yaml:"normalize"`
}

// DispersalConfig holds the options recognized by the dispersal engines.
type DispersalConfig struct {
	Engine       string   `yaml:"engine"`        // fast | kernel | cellular_automata
	StageEngines []string `yaml:"stage_engines"` // Optional per-stage override of Engine

	Kernel                   KernelConfig `yaml:"dispersal_kernel"`
	Proportion               []float64    `yaml:"dispersal_proportion"`
	DemographicStochasticity bool         `yaml:"demographic_stochasticity"`
	ArrivalProbability       string       `yaml:"arrival_probability"` // suitability | carrying_capacity | both
	Distance                 []int        `yaml:"dispersal_distance"`
	Steps                    int          `yaml:"dispersal_steps"`
	BarrierType              string       `yaml:"barrier_type"` // blocking | lethal
	UseBarriers              bool         `yaml:"use_barriers"`
	BarriersMap              string       `yaml:"barriers_map"`         // Layer name, empty = none
	CarryingCapacity         string       `yaml:"carrying_capacity"`    // Layer name
	SuitabilityCapacity      float64      `yaml:"suitability_capacity"` // >0 derives capacity as suitability * this each step
	Suitability              string       `yaml:"suitability"`          // Layer name

	FFTFactor float64 `yaml:"fft_factor"` // Torus size factor for the fast engine
	Workers   int     `yaml:"workers"`    // Stage-level workers (0/1 = sequential)
}

// RunConfig holds simulation horizon parameters.
type RunConfig struct {
	Timesteps  int   `yaml:"timesteps"`
	Replicates int   `yaml:"replicates"`
	Seed       int64 `yaml:"seed"`
	Workers    int   `yaml:"workers"` // Concurrent replicates (0 = GOMAXPROCS)
}

// TelemetryConfig holds output parameters.
type TelemetryConfig struct {
	OutputDir  string `yaml:"output_dir"`
	DBPath     string `yaml:"db_path"`
	LogSteps   bool   `yaml:"log_steps"`
	PerfWindow int    `yaml:"perf_window"`
}

// EventsConfig holds event detection thresholds.
type EventsConfig struct {
	CrashDropPercent float64 `yaml:"crash_drop_percent"` // Fractional drop between steps that counts as a crash
	BarrierLossShare float64 `yaml:"barrier_loss_share"` // Absorbed/total share that counts as a barrier kill spike
	HistorySize      int     `yaml:"history_size"`
}

// DerivedConfig holds values computed from the loaded config.
type DerivedConfig struct {
	Proportion []float64 // Dispersal.Proportion recycled to len(Stages)
	Distance   []int     // Dispersal.Distance recycled to len(Stages)
	Engines    []string  // Per-stage engine names
}

// global holds the loaded configuration.
var global *Config

// Init loads configuration from the given path, or uses embedded defaults if path is empty.
// Must be called before Cfg().
func Init(path string) error {
	cfg, err := Load(path)
	if err != nil {
		return err
	}
	global = cfg
	return nil
}

// MustInit is like Init but panics on error.
func MustInit(path string) {
	if err := Init(path); err != nil {
		panic(fmt.Sprintf("config: failed to initialize: %v", err))
	}
}

// Cfg returns the global configuration. Panics if Init was not called.
func Cfg() *Config {
	if global == nil {
		panic("config: Cfg() called before Init()")
	}
	return global
}

// Load loads configuration from a YAML file, merging with embedded defaults.
// If path is empty, only embedded defaults are used.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(defaultsYAML, cfg); err != nil {
		return nil, fmt.Errorf("parsing embedded defaults: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Unmarshal into same struct - only overwrites fields present in file
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.ComputeDerived()

	return cfg, nil
}

// Validate reports configuration errors that would abort a run.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Stages) == 0 {
		errs = append(errs, errors.New("at least one life stage is required"))
	}
	if c.Landscape.Width <= 0 || c.Landscape.Height <= 0 {
		errs = append(errs, fmt.Errorf("landscape dimensions must be positive, got %dx%d", c.Landscape.Width, c.Landscape.Height))
	}
	if c.Landscape.Resolution <= 0 {
		errs = append(errs, fmt.Errorf("landscape resolution must be positive, got %v", c.Landscape.Resolution))
	}
	d := c.Dispersal
	if len(d.Proportion) == 0 {
		errs = append(errs, errors.New("dispersal_proportion needs at least one value"))
	}
	for _, p := range d.Proportion {
		if p < 0 || p > 1 {
			errs = append(errs, fmt.Errorf("dispersal_proportion %v outside [0,1]", p))
		}
	}
	for _, e := range c.stageEngines() {
		if e != "cellular_automata" {
			continue
		}
		if len(d.Distance) == 0 {
			errs = append(errs, errors.New("dispersal_distance needs at least one value for cellular_automata stages"))
		}
		for _, v := range d.Distance {
			if v < 1 {
				errs = append(errs, fmt.Errorf("dispersal_distance %d must be >= 1 for cellular_automata stages", v))
			}
		}
		break
	}
	if d.SuitabilityCapacity < 0 {
		errs = append(errs, fmt.Errorf("suitability_capacity must be >= 0, got %v", d.SuitabilityCapacity))
	}
	if d.Steps < 1 {
		errs = append(errs, fmt.Errorf("dispersal_steps must be >= 1, got %d", d.Steps))
	}
	switch d.ArrivalProbability {
	case "suitability", "carrying_capacity", "both":
	default:
		errs = append(errs, fmt.Errorf("unknown arrival_probability %q", d.ArrivalProbability))
	}
	switch d.BarrierType {
	case "blocking", "lethal":
	default:
		errs = append(errs, fmt.Errorf("unknown barrier_type %q", d.BarrierType))
	}
	if c.Run.Timesteps < 1 || c.Run.Replicates < 1 {
		errs = append(errs, fmt.Errorf("run needs timesteps and replicates >= 1, got %d and %d", c.Run.Timesteps, c.Run.Replicates))
	}
	return errors.Join(errs...)
}

// ComputeDerived fills per-stage vectors. Short proportion/distance lists are
// recycled to the number of stages with a warning.
func (c *Config) ComputeDerived() {
	n := len(c.Stages)
	c.Derived.Proportion = Recycle("dispersal_proportion", c.Dispersal.Proportion, n)
	c.Derived.Distance = Recycle("dispersal_distance", c.Dispersal.Distance, n)

	c.ResolveEngines()

	if c.Dispersal.FFTFactor <= 0 {
		c.Dispersal.FFTFactor = 2
	}
	if c.Dispersal.Suitability == "" {
		c.Dispersal.Suitability = "suitability"
	}
	if c.Dispersal.CarryingCapacity == "" {
		c.Dispersal.CarryingCapacity = "carrying_capacity"
	}
}

// ResolveEngines fills Derived.Engines from Engine and StageEngines. It is
// the only derived value that depends on CLI overrides, so callers can
// refresh it without repeating the recycle diagnostics.
func (c *Config) ResolveEngines() {
	c.Derived.Engines = c.stageEngines()
}

func (c *Config) stageEngines() []string {
	engines := make([]string, len(c.Stages))
	for i := range engines {
		engines[i] = c.Dispersal.Engine
		if i < len(c.Dispersal.StageEngines) && c.Dispersal.StageEngines[i] != "" {
			engines[i] = c.Dispersal.StageEngines[i]
		}
	}
	return engines
}

// Recycle repeats vals cyclically to length n. A length mismatch is logged
// since it usually means a parameter was given for fewer stages than exist.
// An empty input yields the zero value for every stage, also with a warning.
func Recycle[T any](name string, vals []T, n int) []T {
	out := make([]T, n)
	if len(vals) == 0 {
		if n > 0 {
			slog.Warn("per-stage parameter missing, using zero",
				"parameter", name,
				"stages", n,
			)
		}
		return out
	}
	if len(vals) != n {
		slog.Warn("recycling per-stage parameter",
			"parameter", name,
			"supplied", len(vals),
			"stages", n,
		)
	}
	for i := range out {
		out[i] = vals[i%len(vals)]
	}
	return out
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
