package telemetry

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/pthm-cable/disperse/dispersal"
)

// Phase names for one timestep. Engine time is also recorded under the
// engine's name by RecordStage.
const (
	PhaseDispersal = "dispersal"
	PhaseStats     = "stats"
	PhaseEvents    = "events"
	PhaseOutput    = "output"
)

// phaseOrder fixes the order phases are logged in.
var phaseOrder = []string{
	PhaseDispersal, PhaseStats, PhaseEvents, PhaseOutput,
	dispersal.EngineFast, dispersal.EngineKernel, dispersal.EngineCellularAutomata,
}

// stageSample is the engine cost of one stage in one timestep.
type stageSample struct {
	engine     string
	elapsed    time.Duration
	dispersing float64
}

// PerfSample holds timing data for a single timestep.
type PerfSample struct {
	StepDuration time.Duration
	Phases       map[string]time.Duration
	stages       []stageSample // Indexed by stage, zero when skipped
}

// PerfCollector tracks timestep and per-stage engine timings over a rolling
// window of timesteps.
type PerfCollector struct {
	windowSize    int
	samples       []PerfSample
	writeIndex    int
	sampleCount   int
	currentPhases map[string]time.Duration
	currentStages []stageSample
	stepStart     time.Time
	phaseStart    time.Time
	lastPhase     string
}

// NewPerfCollector creates a collector averaging over windowSize timesteps.
func NewPerfCollector(windowSize int) *PerfCollector {
	if windowSize < 1 {
		windowSize = 20
	}
	return &PerfCollector{
		windowSize:    windowSize,
		samples:       make([]PerfSample, windowSize),
		currentPhases: make(map[string]time.Duration),
	}
}

// StartStep begins timing a new timestep.
func (p *PerfCollector) StartStep() {
	p.stepStart = time.Now()
	p.currentPhases = make(map[string]time.Duration)
	p.currentStages = nil
	p.lastPhase = ""
}

// StartPhase closes the running phase, if any, and starts timing phase.
func (p *PerfCollector) StartPhase(phase string) {
	now := time.Now()
	if p.lastPhase != "" {
		p.currentPhases[p.lastPhase] += now.Sub(p.phaseStart)
	}
	p.phaseStart = now
	p.lastPhase = phase
}

// RecordStage adds one stage's engine time to the current timestep, both
// under the engine's phase and in the per-stage breakdown. Stages may have
// run concurrently, so their times are measured by the runner.
func (p *PerfCollector) RecordStage(r dispersal.StageResult) {
	if r.Stage < 0 || r.Engine == "" {
		return
	}
	p.currentPhases[r.Engine] += r.Elapsed
	for len(p.currentStages) <= r.Stage {
		p.currentStages = append(p.currentStages, stageSample{})
	}
	st := &p.currentStages[r.Stage]
	st.engine = r.Engine
	st.elapsed += r.Elapsed
	st.dispersing += r.Dispersing
}

// EndStep closes the timestep and stores it in the window.
func (p *PerfCollector) EndStep() {
	now := time.Now()
	if p.lastPhase != "" {
		p.currentPhases[p.lastPhase] += now.Sub(p.phaseStart)
	}

	p.samples[p.writeIndex] = PerfSample{
		StepDuration: now.Sub(p.stepStart),
		Phases:       p.currentPhases,
		stages:       p.currentStages,
	}
	p.writeIndex = (p.writeIndex + 1) % p.windowSize
	if p.sampleCount < p.windowSize {
		p.sampleCount++
	}
}

// StageTiming is the windowed engine cost of one life stage.
type StageTiming struct {
	Stage  int
	Engine string // Engine of the most recent timestep
	Avg    time.Duration
	Max    time.Duration
	// DispersersPerMs is dispersing individuals handled per engine
	// millisecond, 0 when no time was recorded.
	DispersersPerMs float64
}

// PerfStats holds aggregated performance statistics.
type PerfStats struct {
	AvgStepDuration time.Duration
	MinStepDuration time.Duration
	MaxStepDuration time.Duration

	// Average durations per phase
	PhaseAvg map[string]time.Duration

	// Phase percentages of total step time. Engine phases can add up to
	// more than 100 when stages run in parallel.
	PhasePct map[string]float64

	// Per-stage engine cost, indexed by stage
	Stages []StageTiming

	// StageImbalance is the slowest stage's average over the mean stage
	// average. 1 means stage workers are evenly loaded.
	StageImbalance float64

	StepsPerSecond float64
}

// SlowestStage returns the stage with the highest average engine time, or
// -1 when no stage was recorded.
func (s PerfStats) SlowestStage() int {
	slowest := -1
	for i, st := range s.Stages {
		if st.Avg > 0 && (slowest < 0 || st.Avg > s.Stages[slowest].Avg) {
			slowest = i
		}
	}
	return slowest
}

// Stats aggregates the current window.
func (p *PerfCollector) Stats() PerfStats {
	if p.sampleCount == 0 {
		return PerfStats{
			PhaseAvg: make(map[string]time.Duration),
			PhasePct: make(map[string]float64),
		}
	}

	var totalStep time.Duration
	var minStep, maxStep time.Duration
	phaseSum := make(map[string]time.Duration)
	var stageSum []time.Duration
	var stages []StageTiming
	var dispersed []float64

	for i := 0; i < p.sampleCount; i++ {
		s := p.samples[i]
		totalStep += s.StepDuration
		if i == 0 || s.StepDuration < minStep {
			minStep = s.StepDuration
		}
		if s.StepDuration > maxStep {
			maxStep = s.StepDuration
		}
		for phase, dur := range s.Phases {
			phaseSum[phase] += dur
		}
		for st, ss := range s.stages {
			for len(stages) <= st {
				stages = append(stages, StageTiming{Stage: len(stages)})
				stageSum = append(stageSum, 0)
				dispersed = append(dispersed, 0)
			}
			if ss.engine != "" {
				stages[st].Engine = ss.engine
			}
			stageSum[st] += ss.elapsed
			dispersed[st] += ss.dispersing
			stages[st].Max = max(stages[st].Max, ss.elapsed)
		}
	}

	count := time.Duration(p.sampleCount)
	avgStep := totalStep / count

	phaseAvg := make(map[string]time.Duration)
	phasePct := make(map[string]float64)
	for phase, sum := range phaseSum {
		phaseAvg[phase] = sum / count
		if avgStep > 0 {
			phasePct[phase] = float64(phaseAvg[phase]) / float64(avgStep) * 100
		}
	}

	var stageTotal, stageMax time.Duration
	for i := range stages {
		stages[i].Avg = stageSum[i] / count
		if ms := float64(stageSum[i]) / float64(time.Millisecond); ms > 0 {
			stages[i].DispersersPerMs = dispersed[i] / ms
		}
		stageTotal += stages[i].Avg
		stageMax = max(stageMax, stages[i].Avg)
	}
	var imbalance float64
	if stageTotal > 0 {
		imbalance = float64(stageMax) / (float64(stageTotal) / float64(len(stages)))
	}

	var stepsPerSec float64
	if avgStep > 0 {
		stepsPerSec = float64(time.Second) / float64(avgStep)
	}

	return PerfStats{
		AvgStepDuration: avgStep,
		MinStepDuration: minStep,
		MaxStepDuration: maxStep,
		PhaseAvg:        phaseAvg,
		PhasePct:        phasePct,
		Stages:          stages,
		StageImbalance:  imbalance,
		StepsPerSecond:  stepsPerSec,
	}
}

// LogStats logs the window summary with one avg/engine pair per stage.
func (s PerfStats) LogStats() {
	attrs := []any{
		"avg_step_us", s.AvgStepDuration.Microseconds(),
		"min_step_us", s.MinStepDuration.Microseconds(),
		"max_step_us", s.MaxStepDuration.Microseconds(),
		"steps_per_sec", int(s.StepsPerSecond),
	}

	for _, phase := range phaseOrder {
		if pct, ok := s.PhasePct[phase]; ok && pct > 0.1 {
			attrs = append(attrs, phase+"_pct", int(pct*10)/10.0)
		}
	}
	for _, st := range s.Stages {
		if st.Engine == "" {
			continue
		}
		attrs = append(attrs, slog.Group(fmt.Sprintf("stage_%d", st.Stage),
			"engine", st.Engine,
			"avg_us", st.Avg.Microseconds(),
			"max_us", st.Max.Microseconds(),
		))
	}
	if s.StageImbalance > 0 {
		attrs = append(attrs, "stage_imbalance", int(s.StageImbalance*100)/100.0)
	}

	slog.Info("perf", attrs...)
}

// LogValue implements slog.LogValuer for structured logging.
func (s PerfStats) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.Int64("avg_step_us", s.AvgStepDuration.Microseconds()),
		slog.Int64("min_step_us", s.MinStepDuration.Microseconds()),
		slog.Int64("max_step_us", s.MaxStepDuration.Microseconds()),
		slog.Float64("steps_per_sec", s.StepsPerSecond),
		slog.Float64("stage_imbalance", s.StageImbalance),
	}

	for phase, pct := range s.PhasePct {
		attrs = append(attrs, slog.Float64(phase+"_pct", pct))
	}
	for _, st := range s.Stages {
		attrs = append(attrs, slog.Int64(fmt.Sprintf("stage_%d_us", st.Stage), st.Avg.Microseconds()))
	}

	return slog.GroupValue(attrs...)
}

// PerfStatsCSV is a flat struct for CSV export of performance stats.
type PerfStatsCSV struct {
	Replicate           int     `csv:"replicate"`
	WindowEnd           int     `csv:"window_end"`
	AvgStepUS           int64   `csv:"avg_step_us"`
	MinStepUS           int64   `csv:"min_step_us"`
	MaxStepUS           int64   `csv:"max_step_us"`
	StepsPerSec         float64 `csv:"steps_per_sec"`
	DispersalPct        float64 `csv:"dispersal_pct"`
	StatsPct            float64 `csv:"stats_pct"`
	EventsPct           float64 `csv:"events_pct"`
	OutputPct           float64 `csv:"output_pct"`
	FastPct             float64 `csv:"fast_pct"`
	KernelPct           float64 `csv:"kernel_pct"`
	CellularAutomataPct float64 `csv:"cellular_automata_pct"`
	SlowestStage        int     `csv:"slowest_stage"`
	SlowestEngine       string  `csv:"slowest_engine"`
	SlowestStageUS      int64   `csv:"slowest_stage_us"`
	StageImbalance      float64 `csv:"stage_imbalance"`
}

// ToCSV converts PerfStats to a flat CSV-friendly struct. Per-stage detail
// is reduced to the slowest stage so the column set stays fixed.
func (s PerfStats) ToCSV(replicate, windowEnd int) PerfStatsCSV {
	row := PerfStatsCSV{
		Replicate:           replicate,
		WindowEnd:           windowEnd,
		AvgStepUS:           s.AvgStepDuration.Microseconds(),
		MinStepUS:           s.MinStepDuration.Microseconds(),
		MaxStepUS:           s.MaxStepDuration.Microseconds(),
		StepsPerSec:         s.StepsPerSecond,
		DispersalPct:        s.PhasePct[PhaseDispersal],
		StatsPct:            s.PhasePct[PhaseStats],
		EventsPct:           s.PhasePct[PhaseEvents],
		OutputPct:           s.PhasePct[PhaseOutput],
		FastPct:             s.PhasePct[dispersal.EngineFast],
		KernelPct:           s.PhasePct[dispersal.EngineKernel],
		CellularAutomataPct: s.PhasePct[dispersal.EngineCellularAutomata],
		SlowestStage:        s.SlowestStage(),
		StageImbalance:      s.StageImbalance,
	}
	if row.SlowestStage >= 0 {
		st := s.Stages[row.SlowestStage]
		row.SlowestEngine = st.Engine
		row.SlowestStageUS = st.Avg.Microseconds()
	}
	return row
}
