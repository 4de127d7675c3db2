// Package sim drives dispersal runs: replicates of a landscape stepped
// through time with telemetry recorded after every step.
package sim

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pthm-cable/disperse/config"
	"github.com/pthm-cable/disperse/dispersal"
	"github.com/pthm-cable/disperse/landscape"
	"github.com/pthm-cable/disperse/telemetry"
)

// Options configures a Simulation.
type Options struct {
	Seed     int64
	LogSteps bool // Log step summaries and perf stats via slog

	// Optional sinks; nil disables them.
	Output *telemetry.OutputManager
	Store  *telemetry.Store
}

// Simulation runs every replicate of a configured dispersal run.
type Simulation struct {
	cfg       *config.Config
	dispersal *dispersal.Dispersal
	initial   *landscape.Grid
	opts      Options
}

// ReplicateResult is the outcome of one replicate.
type ReplicateResult struct {
	Replicate int
	Final     *landscape.Grid
	Summaries []telemetry.StepSummary
	Events    []telemetry.Event
	Absorbed  float64
	Perf      telemetry.PerfStats
}

// New creates a simulation. The initial grid is cloned per replicate and
// never modified.
func New(cfg *config.Config, d *dispersal.Dispersal, initial *landscape.Grid, opts Options) *Simulation {
	return &Simulation{
		cfg:       cfg,
		dispersal: d,
		initial:   initial,
		opts:      opts,
	}
}

// Run executes all replicates, at most cfg.Run.Workers at a time. The first
// replicate error cancels the others and is returned.
func (s *Simulation) Run(ctx context.Context) ([]*ReplicateResult, error) {
	n := s.cfg.Run.Replicates
	workers := s.cfg.Run.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	results := make([]*ReplicateResult, n)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for rep := 0; rep < n; rep++ {
		g.Go(func() error {
			res, err := s.RunReplicate(ctx, rep)
			if err != nil {
				return fmt.Errorf("replicate %d: %w", rep, err)
			}
			results[rep] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// RunReplicate steps one replicate through all timesteps. Its random stream
// depends only on the run seed and the replicate index.
func (s *Simulation) RunReplicate(ctx context.Context, rep int) (*ReplicateResult, error) {
	rng := rand.New(rand.NewPCG(uint64(s.opts.Seed), uint64(rep)))
	runner := s.dispersal.NewRunner(rng)
	defer runner.Close()

	collector := telemetry.NewCollector(rep, s.cfg.Stages)
	detector := telemetry.NewEventDetector(s.cfg.Events)
	perf := telemetry.NewPerfCollector(s.cfg.Telemetry.PerfWindow)
	perfWindow := s.cfg.Telemetry.PerfWindow
	if perfWindow < 1 {
		perfWindow = 20
	}

	res := &ReplicateResult{Replicate: rep}
	grid := s.initial.Clone()

	for t := 0; t < s.cfg.Run.Timesteps; t++ {
		perf.StartStep()
		stepStart := time.Now()

		// 1. Disperse every stage
		perf.StartPhase(telemetry.PhaseDispersal)
		next, results, err := runner.Step(ctx, grid, t)
		if err != nil {
			return nil, fmt.Errorf("timestep %d: %w", t, err)
		}
		for _, r := range results {
			perf.RecordStage(r)
		}
		grid = next

		// 2. Statistics
		perf.StartPhase(telemetry.PhaseStats)
		stages, summary := collector.Record(t, grid, results, time.Since(stepStart))
		res.Summaries = append(res.Summaries, summary)

		// 3. Events
		perf.StartPhase(telemetry.PhaseEvents)
		events := detector.Check(summary, stages)
		res.Events = append(res.Events, events...)

		// 4. Output sinks
		perf.StartPhase(telemetry.PhaseOutput)
		if err := s.flushStep(ctx, grid, stages, summary, events); err != nil {
			return nil, fmt.Errorf("timestep %d: %w", t, err)
		}
		perf.EndStep()

		if (t+1)%perfWindow == 0 || t == s.cfg.Run.Timesteps-1 {
			s.flushPerf(perf.Stats(), rep, t)
		}
	}

	res.Final = grid
	res.Absorbed = collector.AbsorbedTotal()
	res.Perf = perf.Stats()

	if _, err := s.opts.Output.WriteSnapshot(telemetry.NewSnapshot(grid, s.cfg.Stages, s.opts.Seed, rep, s.cfg.Run.Timesteps)); err != nil {
		slog.Error("failed to write snapshot", "replicate", rep, "error", err)
	}
	return res, nil
}

// flushStep hands one step's records to the logger and the output sinks.
// CSV failures are logged and the run continues; store failures abort it.
func (s *Simulation) flushStep(ctx context.Context, g *landscape.Grid, stages []telemetry.StageStats, summary telemetry.StepSummary, events []telemetry.Event) error {
	if s.opts.LogSteps {
		summary.LogStats()
	}
	if err := s.opts.Output.WriteStep(stages, summary); err != nil {
		slog.Error("failed to write step", "error", err)
	}
	if err := s.opts.Store.RecordStep(ctx, summary, stages); err != nil {
		return err
	}

	snapshotTaken := false
	for _, e := range events {
		e.LogEvent()
		if err := s.opts.Output.WriteEvent(e); err != nil {
			slog.Error("failed to write event", "error", err)
		}
		if err := s.opts.Store.RecordEvent(ctx, e); err != nil {
			return err
		}

		// Snapshot the grid once per step for the events worth replaying
		if snapshotTaken || s.opts.Output == nil {
			continue
		}
		if e.Type == telemetry.EventPopulationCrash || e.Type == telemetry.EventStageExtinction {
			snap := telemetry.NewSnapshot(g, s.cfg.Stages, s.opts.Seed, summary.Replicate, summary.Timestep)
			snap.Event = &e
			if _, err := s.opts.Output.WriteSnapshot(snap); err != nil {
				slog.Error("failed to write snapshot", "error", err)
			}
			snapshotTaken = true
		}
	}
	return nil
}

func (s *Simulation) flushPerf(stats telemetry.PerfStats, rep, t int) {
	if s.opts.LogSteps {
		stats.LogStats()
	}
	if err := s.opts.Output.WritePerf(stats, rep, t); err != nil {
		slog.Error("failed to write perf", "error", err)
	}
}

// Summary aggregates replicate results for logging.
type Summary struct {
	Replicates   int
	MeanFinal    float64
	MinFinal     float64
	MaxFinal     float64
	MeanAbsorbed float64
	Events       map[telemetry.EventType]int
}

// Summarize aggregates final populations and events over replicates.
func Summarize(results []*ReplicateResult) Summary {
	sum := Summary{Events: make(map[telemetry.EventType]int)}
	for _, r := range results {
		if r == nil {
			continue
		}
		total := r.Final.Total()
		if sum.Replicates == 0 || total < sum.MinFinal {
			sum.MinFinal = total
		}
		if sum.Replicates == 0 || total > sum.MaxFinal {
			sum.MaxFinal = total
		}
		sum.MeanFinal += total
		sum.MeanAbsorbed += r.Absorbed
		for _, e := range r.Events {
			sum.Events[e.Type]++
		}
		sum.Replicates++
	}
	if sum.Replicates > 0 {
		sum.MeanFinal /= float64(sum.Replicates)
		sum.MeanAbsorbed /= float64(sum.Replicates)
	}
	return sum
}

// LogValue implements slog.LogValuer for structured logging.
func (s Summary) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.Int("replicates", s.Replicates),
		slog.Float64("mean_final", s.MeanFinal),
		slog.Float64("min_final", s.MinFinal),
		slog.Float64("max_final", s.MaxFinal),
		slog.Float64("mean_absorbed", s.MeanAbsorbed),
	}
	for typ, n := range s.Events {
		attrs = append(attrs, slog.Int(string(typ), n))
	}
	return slog.GroupValue(attrs...)
}
