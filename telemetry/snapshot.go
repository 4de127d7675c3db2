package telemetry

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/pthm-cable/disperse/landscape"
)

// SnapshotVersion is incremented when the format changes.
const SnapshotVersion = 1

// Snapshot holds a replicate's grid state at one timestep. JSON has no NaN,
// so no-habitat cells are listed in NoHabitat and every non-finite value is
// stored as 0.
type Snapshot struct {
	Version   int   `json:"version"`
	RNGSeed   int64 `json:"rng_seed"`
	Replicate int   `json:"replicate"`
	Timestep  int   `json:"timestep"`

	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Resolution float64 `json:"resolution"`
	OriginX    float64 `json:"origin_x"`
	OriginY    float64 `json:"origin_y"`

	StageNames []string             `json:"stage_names"`
	Stages     [][]float64          `json:"stages"`
	Layers     map[string][]float64 `json:"layers,omitempty"`
	NoHabitat  []int                `json:"no_habitat,omitempty"`

	Event *Event `json:"event,omitempty"`
}

// NewSnapshot captures g. The grid is copied.
func NewSnapshot(g *landscape.Grid, stageNames []string, seed int64, replicate, timestep int) *Snapshot {
	s := &Snapshot{
		Version:    SnapshotVersion,
		RNGSeed:    seed,
		Replicate:  replicate,
		Timestep:   timestep,
		Width:      g.W,
		Height:     g.H,
		Resolution: g.Res,
		OriginX:    g.OriginX,
		OriginY:    g.OriginY,
		StageNames: stageNames,
		Stages:     make([][]float64, len(g.Stages)),
		Layers:     make(map[string][]float64, len(g.Layers)),
	}
	for i := 0; i < g.Len(); i++ {
		if !g.Habitat(i) {
			s.NoHabitat = append(s.NoHabitat, i)
		}
	}
	for st, layer := range g.Stages {
		s.Stages[st] = finite(layer)
	}
	for name, layer := range g.Layers {
		s.Layers[name] = finite(layer)
	}
	return s
}

// Grid rebuilds the grid, restoring the no-habitat mask.
func (s *Snapshot) Grid() (*landscape.Grid, error) {
	if s.Width <= 0 || s.Height <= 0 || len(s.Stages) == 0 {
		return nil, fmt.Errorf("snapshot has no grid (%dx%d, %d stages)", s.Width, s.Height, len(s.Stages))
	}
	g := landscape.New(s.Width, s.Height, len(s.Stages), s.Resolution)
	g.OriginX, g.OriginY = s.OriginX, s.OriginY
	for st, layer := range s.Stages {
		if len(layer) != g.Len() {
			return nil, fmt.Errorf("stage %d has %d cells, want %d", st, len(layer), g.Len())
		}
		copy(g.Stages[st], layer)
	}
	for name, layer := range s.Layers {
		if len(layer) != g.Len() {
			return nil, fmt.Errorf("layer %s has %d cells, want %d", name, len(layer), g.Len())
		}
		g.SetLayer(name, append([]float64(nil), layer...))
	}
	for _, i := range s.NoHabitat {
		g.SetNoHabitat(i)
	}
	return g, nil
}

func finite(layer []float64) []float64 {
	out := make([]float64, len(layer))
	for i, v := range layer {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			out[i] = v
		}
	}
	return out
}

// SaveSnapshot writes a snapshot to disk.
// Returns the filepath where it was saved.
func SaveSnapshot(snapshot *Snapshot, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create snapshot dir: %w", err)
	}

	// Build filename
	name := fmt.Sprintf("snapshot_r%d_t%d", snapshot.Replicate, snapshot.Timestep)
	if snapshot.Event != nil {
		// Sanitize event type for filename
		sanitized := strings.ReplaceAll(string(snapshot.Event.Type), " ", "_")
		name = fmt.Sprintf("%s_%s", name, sanitized)
	}
	name += ".json"

	path := filepath.Join(dir, name)

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("write snapshot: %w", err)
	}

	return path, nil
}

// LoadSnapshot reads a snapshot from disk.
func LoadSnapshot(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	return &snapshot, nil
}
