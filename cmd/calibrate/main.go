package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"time"

	"gonum.org/v1/gonum/optimize"

	"github.com/pthm-cable/disperse/config"
	"github.com/pthm-cable/disperse/landscape"
)

// formatDuration formats a duration as HH:MM:SS or MM:SS for shorter durations.
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%02dm%02ds", h, m, s)
	}
	return fmt.Sprintf("%dm%02ds", m, s)
}

func main() {
	// CLI flags
	configPath := flag.String("config", "", "Base config YAML file (empty = use defaults)")
	seed := flag.Int64("seed", 42, "RNG seed shared by all evaluations")
	timesteps := flag.Int("timesteps", 0, "Timesteps per replicate (0 = use config)")
	replicates := flag.Int("replicates", 0, "Replicates per evaluation (0 = use config)")
	maxEvals := flag.Int("max-evals", 100, "Maximum number of evaluations")
	population := flag.Int("population", 0, "CMA-ES population size (0 = auto)")
	targetOccupied := flag.Float64("target-occupied", 0, "Target mean final occupied cells (0 = ignore)")
	targetSpread := flag.Float64("target-spread", 0, "Target mean final range spread in distance units (0 = ignore)")
	outputDir := flag.String("output", "", "Output directory for results")
	flag.Parse()

	if *outputDir == "" {
		log.Fatal("--output is required")
	}
	targets := Targets{Occupied: *targetOccupied, Spread: *targetSpread}
	if targets.Occupied <= 0 && targets.Spread <= 0 {
		log.Fatal("at least one of --target-occupied or --target-spread is required")
	}

	if err := os.MkdirAll(*outputDir, 0755); err != nil {
		log.Fatalf("failed to create output directory: %v", err)
	}

	// Load base config
	if err := config.Init(*configPath); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	baseCfg := config.Cfg()
	if *timesteps > 0 {
		baseCfg.Run.Timesteps = *timesteps
	}
	if *replicates > 0 {
		baseCfg.Run.Replicates = *replicates
	}
	// Telemetry sinks stay off while calibrating
	baseCfg.Telemetry.OutputDir = ""
	baseCfg.Telemetry.DBPath = ""
	if err := baseCfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	grid, err := landscape.Generate(baseCfg.Landscape, len(baseCfg.Stages), *seed)
	if err != nil {
		log.Fatalf("failed to generate landscape: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	params := NewParamVector(baseCfg.Dispersal.Kernel.Type)
	evaluator := NewFitnessEvaluator(params, baseCfg, grid, *seed, targets)

	dim := params.Dim()
	initX := params.Normalize(params.ExtractFromConfig(baseCfg))

	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			return evaluator.Evaluate(ctx, params.Denormalize(x))
		},
	}

	settings := &optimize.Settings{
		FuncEvaluations: *maxEvals,
		Concurrent:      0, // Replicates already run in parallel
	}

	popSize := *population
	if popSize == 0 {
		popSize = 4 + int(3.0*float64(dim)/2.0)
	}

	method := &optimize.CmaEsChol{
		InitStepSize: 0.3,
		Population:   popSize,
	}

	// Open log file
	logPath := filepath.Join(*outputDir, "calibrate_log.csv")
	logFile, err := os.Create(logPath)
	if err != nil {
		log.Fatalf("failed to create log file: %v", err)
	}
	defer logFile.Close()

	logWriter := csv.NewWriter(logFile)
	defer logWriter.Flush()

	header := []string{"eval", "fitness", "occupied", "spread"}
	for _, spec := range params.Specs {
		header = append(header, spec.Name)
	}
	logWriter.Write(header)

	evalCount := 0
	startTime := time.Now()

	// Wrap the function to log evaluations
	evaluate := problem.Func
	problem.Func = func(x []float64) float64 {
		fitness := evaluate(x)
		evalCount++

		m := evaluator.LastMetrics()
		row := []string{
			strconv.Itoa(evalCount),
			fmt.Sprintf("%.6f", fitness),
			fmt.Sprintf("%.2f", m.Occupied),
			fmt.Sprintf("%.4f", m.Spread),
		}
		for _, v := range m.Params {
			row = append(row, fmt.Sprintf("%.6f", v))
		}
		logWriter.Write(row)
		logWriter.Flush()

		elapsed := time.Since(startTime)
		avgPerEval := elapsed / time.Duration(evalCount)
		remaining := time.Duration(*maxEvals-evalCount) * avgPerEval

		best := evaluator.Best()
		fmt.Printf("Eval %d/%d: occupied=%.1f spread=%.3f fitness=%.5f (best=%.5f) | elapsed: %s, ETA: %s\n",
			evalCount, *maxEvals, m.Occupied, m.Spread, fitness, best.Fitness,
			formatDuration(elapsed), formatDuration(remaining))

		return fitness
	}

	fmt.Printf("Starting CMA-ES calibration with %d parameters, population=%d, max_evals=%d\n",
		dim, popSize, *maxEvals)
	fmt.Printf("Replicates per evaluation: %d, timesteps per run: %d\n", baseCfg.Run.Replicates, baseCfg.Run.Timesteps)

	result, err := optimize.Minimize(problem, initX, settings, method)
	if err != nil {
		log.Printf("calibration ended: %v", err)
	}

	// Use best params found (may be from any evaluation, not just final)
	best := evaluator.Best()
	if best == nil {
		if result == nil {
			log.Fatal("no evaluations completed")
		}
		best = &Metrics{Params: params.Clamp(params.Denormalize(result.X)), Fitness: result.F}
	}

	fmt.Printf("\nCalibration complete after %d evaluations in %s\n", evalCount, formatDuration(time.Since(startTime)))
	fmt.Printf("Best fitness: %.6f (occupied=%.1f spread=%.3f)\n", best.Fitness, best.Occupied, best.Spread)

	fmt.Println("\nBest parameters:")
	for i, spec := range params.Specs {
		fmt.Printf("  %s: %.6f\n", spec.Path, best.Params[i])
	}

	// Save best config
	bestCfg := evaluator.copyConfig()
	params.ApplyToConfig(bestCfg, best.Params)

	configOutPath := filepath.Join(*outputDir, "best_config.yaml")
	if err := bestCfg.WriteYAML(configOutPath); err != nil {
		log.Printf("failed to write best config: %v", err)
	} else {
		fmt.Printf("\nBest config saved to: %s\n", configOutPath)
	}

	resultPath := filepath.Join(*outputDir, "best_result.json")
	data, err := json.MarshalIndent(struct {
		Targets Targets  `json:"targets"`
		Best    *Metrics `json:"best"`
	}{targets, best}, "", "  ")
	if err != nil {
		log.Printf("failed to marshal best result: %v", err)
	} else if err := os.WriteFile(resultPath, data, 0644); err != nil {
		log.Printf("failed to write best result: %v", err)
	} else {
		fmt.Printf("Best result saved to: %s\n", resultPath)
	}
}
