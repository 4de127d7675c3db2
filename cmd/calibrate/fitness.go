package main

import (
	"context"
	"math"
	"slices"
	"sync"

	"github.com/pthm-cable/disperse/config"
	"github.com/pthm-cable/disperse/dispersal"
	"github.com/pthm-cable/disperse/landscape"
	"github.com/pthm-cable/disperse/sim"
	"github.com/pthm-cable/disperse/telemetry"
)

// failedFitness is returned for parameter vectors that cannot be run.
const failedFitness = 1e9

// Targets are the range metrics a calibrated run should reproduce.
// Zero targets are ignored.
type Targets struct {
	Occupied float64 `json:"occupied"` // Mean final occupied cells
	Spread   float64 `json:"spread"`   // Mean final RMS distance from the centroid
}

// Metrics are the range metrics measured from one evaluation.
type Metrics struct {
	Occupied float64   `json:"occupied"`
	Spread   float64   `json:"spread"`
	Total    float64   `json:"total"`
	Absorbed float64   `json:"absorbed"`
	Params   []float64 `json:"params,omitempty"`
	Fitness  float64   `json:"fitness"`
}

// FitnessEvaluator runs headless dispersal simulations and scores them
// against the targets.
type FitnessEvaluator struct {
	params     *ParamVector
	baseConfig *config.Config
	grid       *landscape.Grid
	seed       int64
	targets    Targets

	// Best run tracking
	mu          sync.Mutex
	best        *Metrics
	lastMetrics Metrics
}

// NewFitnessEvaluator creates a new evaluator. Every evaluation disperses
// over the same initial grid with the same seed.
func NewFitnessEvaluator(params *ParamVector, baseCfg *config.Config, grid *landscape.Grid, seed int64, targets Targets) *FitnessEvaluator {
	return &FitnessEvaluator{
		params:     params,
		baseConfig: baseCfg,
		grid:       grid,
		seed:       seed,
		targets:    targets,
	}
}

// Best returns the metrics of the best evaluation so far, or nil.
func (fe *FitnessEvaluator) Best() *Metrics {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	return fe.best
}

// LastMetrics returns the metrics from the most recent evaluation.
func (fe *FitnessEvaluator) LastMetrics() Metrics {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	return fe.lastMetrics
}

// Evaluate computes fitness for a raw parameter vector (lower = better).
func (fe *FitnessEvaluator) Evaluate(ctx context.Context, x []float64) float64 {
	cfg := fe.copyConfig()
	fe.params.ApplyToConfig(cfg, x)

	m, err := fe.measure(ctx, cfg)
	if err != nil {
		m = Metrics{Fitness: failedFitness}
	} else {
		m.Fitness = fe.computeFitness(m)
	}
	m.Params = fe.params.Clamp(x)

	fe.mu.Lock()
	fe.lastMetrics = m
	if fe.best == nil || m.Fitness < fe.best.Fitness {
		best := m
		fe.best = &best
	}
	fe.mu.Unlock()

	return m.Fitness
}

// measure runs every replicate and averages the final range metrics.
func (fe *FitnessEvaluator) measure(ctx context.Context, cfg *config.Config) (Metrics, error) {
	d, err := dispersal.FromConfig(cfg)
	if err != nil {
		return Metrics{}, err
	}
	results, err := sim.New(cfg, d, fe.grid, sim.Options{Seed: fe.seed}).Run(ctx)
	if err != nil {
		return Metrics{}, err
	}
	return rangeMetrics(results), nil
}

// rangeMetrics averages final occupancy and spread over replicates.
func rangeMetrics(results []*sim.ReplicateResult) Metrics {
	var m Metrics
	var n float64
	for _, r := range results {
		if r == nil {
			continue
		}
		occ := r.Final.Occupancy()
		_, _, spread := telemetry.ComputeRange(r.Final, occ)
		for _, v := range occ {
			if v > 0 {
				m.Occupied++
			}
		}
		m.Spread += spread
		m.Total += r.Final.Total()
		m.Absorbed += r.Absorbed
		n++
	}
	if n > 0 {
		m.Occupied /= n
		m.Spread /= n
		m.Total /= n
		m.Absorbed /= n
	}
	return m
}

// computeFitness sums squared relative errors over the set targets.
func (fe *FitnessEvaluator) computeFitness(m Metrics) float64 {
	var f float64
	if fe.targets.Occupied > 0 {
		f += relErr2(m.Occupied, fe.targets.Occupied)
	}
	if fe.targets.Spread > 0 {
		f += relErr2(m.Spread, fe.targets.Spread)
	}
	return f
}

func relErr2(got, want float64) float64 {
	e := (got - want) / want
	if math.IsNaN(e) {
		return failedFitness
	}
	return e * e
}

// copyConfig creates a copy of the base config that evaluations may mutate.
func (fe *FitnessEvaluator) copyConfig() *config.Config {
	cfg := *fe.baseConfig
	cfg.Stages = slices.Clone(fe.baseConfig.Stages)
	cfg.Dispersal.StageEngines = slices.Clone(fe.baseConfig.Dispersal.StageEngines)
	cfg.Dispersal.Proportion = slices.Clone(fe.baseConfig.Dispersal.Proportion)
	cfg.Dispersal.Distance = slices.Clone(fe.baseConfig.Dispersal.Distance)
	cfg.Derived = config.DerivedConfig{}
	return &cfg
}
