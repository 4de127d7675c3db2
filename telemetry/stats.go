package telemetry

import (
	"log/slog"
	"math"
	"sort"

	"github.com/pthm-cable/disperse/landscape"
)

// StageStats holds statistics for one life stage after one timestep.
type StageStats struct {
	Replicate int    `csv:"replicate"`
	Timestep  int    `csv:"timestep"`
	Stage     string `csv:"stage"`
	Engine    string `csv:"engine"`

	// Population flow during the step
	Before        float64 `csv:"before"`
	After         float64 `csv:"after"`
	Dispersing    float64 `csv:"dispersing"`
	Absorbed      float64 `csv:"absorbed"`
	AbsorbedTotal float64 `csv:"absorbed_total"` // Cumulative over the replicate

	// Distribution over occupied cells (sampled after the step)
	Occupied    int     `csv:"occupied"`
	DensityMean float64 `csv:"density_mean"`
	DensityP10  float64 `csv:"density_p10"`
	DensityP50  float64 `csv:"density_p50"`
	DensityP90  float64 `csv:"density_p90"`

	// Range
	CentroidX float64 `csv:"centroid_x"`
	CentroidY float64 `csv:"centroid_y"`
	Spread    float64 `csv:"spread"` // Population-weighted RMS distance from centroid

	ElapsedUS int64 `csv:"elapsed_us"`
}

// StepSummary aggregates all stages of one timestep.
type StepSummary struct {
	Replicate int     `csv:"replicate"`
	Timestep  int     `csv:"timestep"`
	Total     float64 `csv:"total"`
	Absorbed  float64 `csv:"absorbed"`
	Occupied  int     `csv:"occupied"` // Cells holding any stage
	ElapsedUS int64   `csv:"elapsed_us"`
}

// Percentile calculates the p-th percentile of a sorted slice.
// p should be in [0, 1]. Returns 0 if slice is empty.
func Percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 1 {
		return sorted[n-1]
	}

	// Linear interpolation
	idx := p * float64(n-1)
	lo := int(idx)
	hi := lo + 1
	if hi >= n {
		return sorted[n-1]
	}

	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// ComputeDensityStats calculates mean and percentiles over the positive
// cells of a layer. No-habitat and empty cells are ignored.
func ComputeDensityStats(layer []float64) (mean, p10, p50, p90 float64) {
	values := make([]float64, 0, len(layer))
	var sum float64
	for _, v := range layer {
		if v > 0 {
			values = append(values, v)
			sum += v
		}
	}
	n := len(values)
	if n == 0 {
		return 0, 0, 0, 0
	}
	mean = sum / float64(n)

	sort.Float64s(values)
	p10 = Percentile(values, 0.10)
	p50 = Percentile(values, 0.50)
	p90 = Percentile(values, 0.90)

	return mean, p10, p50, p90
}

// ComputeRange returns the population-weighted centroid of a stage layer in
// distance units, and the weighted RMS distance of individuals from it.
func ComputeRange(g *landscape.Grid, layer []float64) (cx, cy, spread float64) {
	var total float64
	for i, v := range layer {
		if !(v > 0) {
			continue
		}
		x, y := g.CellCenter(i)
		cx += v * x
		cy += v * y
		total += v
	}
	if total == 0 {
		return 0, 0, 0
	}
	cx /= total
	cy /= total

	var ss float64
	for i, v := range layer {
		if !(v > 0) {
			continue
		}
		x, y := g.CellCenter(i)
		dx, dy := x-cx, y-cy
		ss += v * (dx*dx + dy*dy)
	}
	return cx, cy, math.Sqrt(ss / total)
}

// LogValue implements slog.LogValuer for structured logging.
func (s StageStats) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("replicate", s.Replicate),
		slog.Int("timestep", s.Timestep),
		slog.String("stage", s.Stage),
		slog.String("engine", s.Engine),
		slog.Float64("before", s.Before),
		slog.Float64("after", s.After),
		slog.Float64("dispersing", s.Dispersing),
		slog.Float64("absorbed", s.Absorbed),
		slog.Int("occupied", s.Occupied),
		slog.Float64("density_p50", s.DensityP50),
		slog.Float64("spread", s.Spread),
	)
}

// LogStats logs the step summary using slog.
func (s StepSummary) LogStats() {
	slog.Info("step",
		"replicate", s.Replicate,
		"timestep", s.Timestep,
		"total", s.Total,
		"absorbed", s.Absorbed,
		"occupied", s.Occupied,
		"elapsed_us", s.ElapsedUS,
	)
}
