package telemetry

import (
	"strconv"
	"time"

	"github.com/pthm-cable/disperse/dispersal"
	"github.com/pthm-cable/disperse/landscape"
)

// Collector turns per-step stage results into StageStats records for one
// replicate. It keeps running totals across steps and is not safe for
// concurrent use.
type Collector struct {
	replicate int
	stages    []string

	// Cumulative counters
	absorbed []float64
	steps    int
}

// NewCollector creates a collector for the given replicate and stage names.
func NewCollector(replicate int, stages []string) *Collector {
	return &Collector{
		replicate: replicate,
		stages:    stages,
		absorbed:  make([]float64, len(stages)),
	}
}

// Record produces stage records and a step summary for the grid that
// resulted from a step. elapsed is the wall time of the whole step.
func (c *Collector) Record(timestep int, g *landscape.Grid, results []dispersal.StageResult, elapsed time.Duration) ([]StageStats, StepSummary) {
	stats := make([]StageStats, len(results))
	summary := StepSummary{
		Replicate: c.replicate,
		Timestep:  timestep,
		ElapsedUS: elapsed.Microseconds(),
	}

	for i, res := range results {
		s := res.Stage
		c.absorbed[s] += res.Absorbed

		layer := g.Stages[s]
		mean, p10, p50, p90 := ComputeDensityStats(layer)
		cx, cy, spread := ComputeRange(g, layer)

		stats[i] = StageStats{
			Replicate: c.replicate,
			Timestep:  timestep,
			Stage:     c.stageName(s),
			Engine:    res.Engine,

			Before:        res.Before,
			After:         res.After,
			Dispersing:    res.Dispersing,
			Absorbed:      res.Absorbed,
			AbsorbedTotal: c.absorbed[s],

			Occupied:    res.Occupied,
			DensityMean: mean,
			DensityP10:  p10,
			DensityP50:  p50,
			DensityP90:  p90,

			CentroidX: cx,
			CentroidY: cy,
			Spread:    spread,

			ElapsedUS: res.Elapsed.Microseconds(),
		}

		summary.Total += res.After
		summary.Absorbed += res.Absorbed
	}

	for _, v := range g.Occupancy() {
		if v > 0 {
			summary.Occupied++
		}
	}
	c.steps++

	return stats, summary
}

// AbsorbedTotal returns the cumulative mass removed by lethal barriers.
func (c *Collector) AbsorbedTotal() float64 {
	var sum float64
	for _, a := range c.absorbed {
		sum += a
	}
	return sum
}

// Steps returns the number of recorded steps.
func (c *Collector) Steps() int {
	return c.steps
}

func (c *Collector) stageName(s int) string {
	if s < len(c.stages) {
		return c.stages[s]
	}
	return "stage_" + strconv.Itoa(s)
}
