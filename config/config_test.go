package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	n := len(cfg.Stages)
	if n == 0 {
		t.Fatal("defaults define no stages")
	}
	if len(cfg.Derived.Proportion) != n || len(cfg.Derived.Distance) != n || len(cfg.Derived.Engines) != n {
		t.Fatalf("derived vectors not sized to %d stages: %+v", n, cfg.Derived)
	}
	for i, e := range cfg.Derived.Engines {
		if e != cfg.Dispersal.Engine {
			t.Errorf("stage %d engine = %q, want %q", i, e, cfg.Dispersal.Engine)
		}
	}
	if cfg.Dispersal.FFTFactor != 2 {
		t.Errorf("fft_factor = %v, want 2", cfg.Dispersal.FFTFactor)
	}
}

func TestLoadMergesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.yaml")
	yml := `
stages: [larva, adult]
dispersal:
  engine: kernel
  stage_engines: ["", cellular_automata]
  dispersal_distance: [2, 5]
run:
  timesteps: 3
`
	if err := os.WriteFile(path, []byte(yml), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.Derived.Engines; got[0] != "kernel" || got[1] != "cellular_automata" {
		t.Errorf("engines = %v", got)
	}
	if got := cfg.Derived.Distance; got[0] != 2 || got[1] != 5 {
		t.Errorf("distance = %v", got)
	}
	// Three default proportions recycled down to two stages.
	if got := cfg.Derived.Proportion; len(got) != 2 || got[1] != cfg.Dispersal.Proportion[1] {
		t.Errorf("proportion = %v", got)
	}
	if cfg.Run.Timesteps != 3 {
		t.Errorf("timesteps = %d, want 3", cfg.Run.Timesteps)
	}
	// Untouched sections keep their defaults.
	if cfg.Landscape.Width != 64 {
		t.Errorf("landscape width = %d, want default 64", cfg.Landscape.Width)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no stages", func(c *Config) { c.Stages = nil }, "life stage"},
		{"proportion range", func(c *Config) { c.Dispersal.Proportion = []float64{1.5} }, "outside [0,1]"},
		{"arrival mode", func(c *Config) { c.Dispersal.ArrivalProbability = "random" }, "arrival_probability"},
		{"barrier type", func(c *Config) { c.Dispersal.BarrierType = "porous" }, "barrier_type"},
		{"steps", func(c *Config) { c.Dispersal.Steps = 0 }, "dispersal_steps"},
		{"landscape", func(c *Config) { c.Landscape.Width = 0 }, "dimensions"},
		{"cellular distance missing", func(c *Config) {
			c.Dispersal.Engine = "cellular_automata"
			c.Dispersal.Distance = nil
		}, "dispersal_distance needs at least one value"},
		{"cellular distance zero", func(c *Config) {
			c.Dispersal.StageEngines = []string{"", "", "cellular_automata"}
			c.Dispersal.Distance = []int{0}
		}, "dispersal_distance 0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("")
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			tt.mutate(cfg)
			err = cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestValidateDistanceOnlyForCellular(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg.Dispersal.Engine = "fast"
	cfg.Dispersal.Distance = nil
	if err := cfg.Validate(); err != nil {
		t.Errorf("fast engine without distances: %v", err)
	}
}

// captureLogs routes the default slog logger into a buffer for the test.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func TestRecycleWarnings(t *testing.T) {
	tests := []struct {
		name string
		vals []int
		n    int
		warn string
	}{
		{"exact", []int{1, 2, 3}, 3, ""},
		{"short", []int{4}, 3, "recycling per-stage parameter"},
		{"empty", []int{}, 3, "per-stage parameter missing"},
		{"empty no stages", nil, 0, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := captureLogs(t)
			Recycle("dispersal_distance", tt.vals, tt.n)
			got := buf.String()
			if tt.warn == "" {
				if got != "" {
					t.Errorf("unexpected diagnostic: %s", got)
				}
				return
			}
			if !strings.Contains(got, tt.warn) || !strings.Contains(got, "dispersal_distance") {
				t.Errorf("diagnostic = %q, want %q naming the parameter", got, tt.warn)
			}
		})
	}
}

func TestResolveEnginesIsQuiet(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	buf := captureLogs(t)

	cfg.Dispersal.Engine = "kernel"
	cfg.Dispersal.StageEngines = []string{"", "cellular_automata"}
	cfg.ResolveEngines()

	want := []string{"kernel", "cellular_automata", "kernel"}
	for i, e := range want {
		if cfg.Derived.Engines[i] != e {
			t.Errorf("stage %d engine = %q, want %q", i, cfg.Derived.Engines[i], e)
		}
	}
	if buf.Len() != 0 {
		t.Errorf("ResolveEngines logged: %s", buf.String())
	}
}

func TestRecycle(t *testing.T) {
	tests := []struct {
		name string
		vals []int
		n    int
		want []int
	}{
		{"exact", []int{1, 2, 3}, 3, []int{1, 2, 3}},
		{"short", []int{4}, 3, []int{4, 4, 4}},
		{"cyclic", []int{1, 2}, 5, []int{1, 2, 1, 2, 1}},
		{"long", []int{1, 2, 3}, 2, []int{1, 2}},
		{"empty", nil, 2, []int{0, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Recycle(tt.name, tt.vals, tt.n)
			if len(got) != len(tt.want) {
				t.Fatalf("Recycle = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("Recycle = %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestWriteYAMLRoundTrip(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg.Run.Seed = 99
	path := filepath.Join(t.TempDir(), "out.yaml")
	if err := cfg.WriteYAML(path); err != nil {
		t.Fatalf("WriteYAML: %v", err)
	}
	back, err := Load(path)
	if err != nil {
		t.Fatalf("Load written config: %v", err)
	}
	if back.Run.Seed != 99 {
		t.Errorf("seed = %d, want 99", back.Run.Seed)
	}
}
