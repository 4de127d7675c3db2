// Package dispersal moves population mass across a habitat grid.
//
// Three engines share one contract: Fast (spectral convolution on a toroidal
// embedding), Kernel (exact pairwise kernel allocation) and CellularAutomata
// (iterative ring-by-ring movement with barriers and capacity ceilings). The
// Dispersal orchestrator picks an engine per life stage, splits each stage
// into staying and dispersing individuals and merges the results into a new
// grid snapshot.
package dispersal

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/pthm-cable/disperse/config"
	"github.com/pthm-cable/disperse/kernel"
	"github.com/pthm-cable/disperse/landscape"
)

// Engine names.
const (
	EngineFast             = "fast"
	EngineKernel           = "kernel"
	EngineCellularAutomata = "cellular_automata"
)

// Engine disperses one life stage.
type Engine interface {
	Name() string
	DisperseStage(in *StageInput) (*StageOutput, error)
}

// StageInput is everything an engine sees for one stage in one timestep.
// Staying and Dispersing are NaN at no-habitat cells.
type StageInput struct {
	Step       *StepContext
	Stage      int
	Staying    []float64
	Dispersing []float64
	Proportion float64
	Distance   int
	Rand       *rand.Rand
}

// StageOutput is the post-dispersal layer for a stage.
type StageOutput struct {
	Layer    []float64
	Absorbed float64 // Mass removed by lethal barriers
}

// StageResult summarizes one stage of one step.
type StageResult struct {
	Stage      int
	Engine     string
	Before     float64
	After      float64
	Dispersing float64
	Absorbed   float64
	Occupied   int
	Elapsed    time.Duration // Engine wall time
}

// StepFunc is the per-timestep contract shared by all engines and custom
// extensions.
type StepFunc func(g *landscape.Grid, timestep int) (*landscape.Grid, error)

// Dispersal is the per-run orchestrator configuration. It holds no per-step
// state and may be shared between replicates; each replicate steps through
// its own Runner.
type Dispersal struct {
	Engines    []Engine // One per stage
	Proportion []float64
	Distance   []int
	Stochastic bool
	Workers    int
	Layers     Layers
	Capacity   CapacityFunc
}

// FromConfig builds the orchestrator from the loaded configuration.
// Engines of the same name are shared between stages so caches are reused.
func FromConfig(cfg *config.Config) (*Dispersal, error) {
	dc := cfg.Dispersal
	k, err := kernel.FromConfig(dc.Kernel)
	if err != nil {
		return nil, err
	}

	layers := Layers{
		Suitability:      dc.Suitability,
		CarryingCapacity: dc.CarryingCapacity,
		Barriers:         dc.BarriersMap,
	}
	if layers.Barriers == "" {
		layers.Barriers = landscape.LayerBarriers
	}

	var capFn CapacityFunc
	if dc.SuitabilityCapacity > 0 {
		capFn = SuitabilityCapacity(layers.Suitability, dc.SuitabilityCapacity)
	}

	built := make(map[string]Engine)
	engines := make([]Engine, len(cfg.Stages))
	for s, name := range cfg.Derived.Engines {
		e, ok := built[name]
		if !ok {
			switch name {
			case EngineFast:
				e = NewFast(k, dc.FFTFactor, dc.DemographicStochasticity)
			case EngineKernel:
				e = &Kernel{
					Kernel:     k,
					Arrival:    ArrivalMode(dc.ArrivalProbability),
					Stochastic: dc.DemographicStochasticity,
				}
			case EngineCellularAutomata:
				e = &CellularAutomata{
					Kernel:      k,
					Steps:       dc.Steps,
					UseBarriers: dc.UseBarriers,
					BarrierType: BarrierType(dc.BarrierType),
					Stochastic:  dc.DemographicStochasticity,
				}
			default:
				return nil, fmt.Errorf("%w %q for stage %s", ErrUnknownEngine, name, cfg.Stages[s])
			}
			built[name] = e
		}
		engines[s] = e
	}

	return &Dispersal{
		Engines:    engines,
		Proportion: cfg.Derived.Proportion,
		Distance:   cfg.Derived.Distance,
		Stochastic: dc.DemographicStochasticity,
		Workers:    dc.Workers,
		Layers:     layers,
		Capacity:   capFn,
	}, nil
}

// Runner steps one replicate. It owns the replicate's random stream and its
// stage worker pool, so it must not be shared between goroutines.
type Runner struct {
	d    *Dispersal
	rng  *rand.Rand
	pool *stagePool
}

// NewRunner creates a runner drawing from rng.
func (d *Dispersal) NewRunner(rng *rand.Rand) *Runner {
	r := &Runner{d: d, rng: rng}
	if d.Workers > 1 && len(d.Engines) > 1 {
		r.pool = newStagePool(d.Workers)
	}
	return r
}

// Close stops the stage workers.
func (r *Runner) Close() {
	if r.pool != nil {
		r.pool.stopWorkers()
	}
}

// StepFunc adapts the runner to the plain per-timestep contract.
func (r *Runner) StepFunc() StepFunc {
	return func(g *landscape.Grid, timestep int) (*landscape.Grid, error) {
		next, _, err := r.Step(context.Background(), g, timestep)
		return next, err
	}
}

// Step disperses every stage of g and returns a new grid. g is not modified.
// Any stage error aborts the step and no grid is returned.
func (r *Runner) Step(ctx context.Context, g *landscape.Grid, timestep int) (*landscape.Grid, []StageResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	d := r.d
	n := len(g.Stages)
	if len(d.Engines) != n || len(d.Proportion) != n || len(d.Distance) != n {
		return nil, nil, fmt.Errorf("%w: grid has %d stages, engines %d, proportions %d, distances %d",
			ErrStageCount, n, len(d.Engines), len(d.Proportion), len(d.Distance))
	}

	step := NewStepContext(g, timestep, d.Layers, d.Capacity)

	// Inputs are prepared sequentially so every stage gets its own random
	// stream in a fixed order regardless of worker count.
	jobs := make([]stageJob, 0, n)
	results := make([]StageResult, n)
	for s := 0; s < n; s++ {
		results[s] = StageResult{
			Stage:  s,
			Engine: d.Engines[s].Name(),
			Before: g.StageTotal(s),
		}
		if d.Proportion[s] <= 0 {
			continue
		}
		stageRand := rand.New(rand.NewPCG(r.rng.Uint64(), uint64(s)))
		staying, dispersing := splitStage(g.Stages[s], d.Proportion[s], d.Stochastic, stageRand)
		results[s].Dispersing = landscape.SumHabitat(dispersing)
		jobs = append(jobs, stageJob{
			engine: d.Engines[s],
			in: &StageInput{
				Step:       step,
				Stage:      s,
				Staying:    staying,
				Dispersing: dispersing,
				Proportion: d.Proportion[s],
				Distance:   d.Distance[s],
				Rand:       stageRand,
			},
		})
	}

	if r.pool != nil && len(jobs) > 1 {
		r.pool.run(jobs)
	} else {
		for i := range jobs {
			jobs[i].execute()
		}
	}

	next := g.Clone()
	for _, job := range jobs {
		if job.err != nil {
			return nil, nil, job.err
		}
		s := job.in.Stage
		layer := job.out.Layer
		for i := range layer {
			if !g.Habitat(i) {
				layer[i] = math.NaN()
			}
		}
		next.Stages[s] = layer
		results[s].Absorbed = job.out.Absorbed
		results[s].Elapsed = job.elapsed
	}
	for s := range results {
		results[s].After = next.StageTotal(s)
		results[s].Occupied = next.OccupiedCells(s)
	}
	return next, results, nil
}
