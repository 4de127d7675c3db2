package landscape

import (
	"fmt"
	"math"
	"sort"

	"github.com/ojrac/opensimplex-go"

	"github.com/pthm-cable/disperse/config"
)

// Generate builds a synthetic landscape from fractal noise.
//
// Suitability comes from FBM over normalized simplex noise with contrast
// shaping. Cells below the habitat threshold become no-habitat. Carrying
// capacity scales with suitability. Optional vertical barrier lines leave a
// gap around the middle row. The most suitable cells are seeded with
// InitialPerStage individuals in every stage.
func Generate(cfg config.LandscapeConfig, stages int, seed int64) (*Grid, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("landscape dimensions must be positive, got %dx%d", cfg.Width, cfg.Height)
	}
	if stages < 1 {
		return nil, fmt.Errorf("landscape needs at least one stage, got %d", stages)
	}
	if cfg.Seed != 0 {
		seed = cfg.Seed
	}

	g := New(cfg.Width, cfg.Height, stages, cfg.Resolution)
	n := g.Len()
	suit := make([]float64, n)
	capacity := make([]float64, n)
	noise := opensimplex.NewNormalized(seed)

	for y := 0; y < g.H; y++ {
		v := (float64(y) + 0.5) / float64(g.H)
		for x := 0; x < g.W; x++ {
			u := (float64(x) + 0.5) / float64(g.W)
			i := g.Index(x, y)

			s := fbm(noise, u, v, cfg)
			if s < cfg.HabitatThreshold {
				suit[i] = NoData
				capacity[i] = NoData
				g.SetNoHabitat(i)
				continue
			}
			suit[i] = s
			capacity[i] = s * cfg.MaxCapacity
		}
	}
	g.SetLayer(LayerSuitability, suit)
	g.SetLayer(LayerCarryingCapacity, capacity)

	if cfg.BarrierLines > 0 {
		g.SetLayer(LayerBarriers, barrierLines(g.W, g.H, cfg.BarrierLines))
	}

	seedPopulation(g, suit, cfg.SeedCells, cfg.InitialPerStage)
	return g, nil
}

// fbm sums octaves of simplex noise, normalizes to [0,1] and applies contrast.
func fbm(noise opensimplex.Noise, u, v float64, cfg config.LandscapeConfig) float64 {
	octaves := cfg.Octaves
	if octaves < 1 {
		octaves = 1
	}
	var sum, norm float64
	amp := 0.5
	freq := cfg.Scale
	for o := 0; o < octaves; o++ {
		sum += amp * noise.Eval2(u*freq, v*freq)
		norm += amp
		freq *= cfg.Lacunarity
		amp *= cfg.Gain
	}
	if norm > 0 {
		sum /= norm
	}
	if cfg.Contrast > 0 {
		sum = math.Pow(sum, cfg.Contrast)
	}
	return clamp01(sum)
}

// barrierLines places evenly spaced vertical barriers with a gap of H/4
// centered on the middle row.
func barrierLines(w, h, lines int) []float64 {
	b := make([]float64, w*h)
	gapLo := h/2 - h/8
	gapHi := h/2 + h/8
	for k := 1; k <= lines; k++ {
		x := k * w / (lines + 1)
		for y := 0; y < h; y++ {
			if y >= gapLo && y <= gapHi {
				continue
			}
			b[y*w+x] = 1
		}
	}
	return b
}

func seedPopulation(g *Grid, suit []float64, cells int, perStage float64) {
	if cells <= 0 || perStage <= 0 {
		return
	}
	idx := make([]int, 0, len(suit))
	for i, s := range suit {
		if !math.IsNaN(s) {
			idx = append(idx, i)
		}
	}
	sort.SliceStable(idx, func(a, b int) bool { return suit[idx[a]] > suit[idx[b]] })
	if cells > len(idx) {
		cells = len(idx)
	}
	for _, i := range idx[:cells] {
		for _, layer := range g.Stages {
			layer[i] = perStage
		}
	}
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
