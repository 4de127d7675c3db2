package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pthm-cable/disperse/config"
	"github.com/pthm-cable/disperse/dispersal"
	"github.com/pthm-cable/disperse/landscape"
	"github.com/pthm-cable/disperse/sim"
	"github.com/pthm-cable/disperse/telemetry"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "Path to config.yaml (empty = use defaults)")
	seed := flag.Int64("seed", 0, "RNG seed (0 = config seed, then time-based)")
	timesteps := flag.Int("timesteps", 0, "Timesteps per replicate (0 = use config)")
	replicates := flag.Int("replicates", 0, "Number of replicates (0 = use config)")
	engine := flag.String("engine", "", "Dispersal engine for every stage: fast, kernel or cellular_automata (empty = use config)")
	outputDir := flag.String("output-dir", "", "Output directory for CSV logs, snapshots and config copy")
	dbPath := flag.String("db", "", "SQLite database recording run results")
	logSteps := flag.Bool("log-steps", false, "Output step summaries via slog")

	flag.Parse()

	// Set up slog (JSON to stdout for structured logging)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := config.Init(*configPath); err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	cfg := config.Cfg()

	// CLI overrides
	if *timesteps > 0 {
		cfg.Run.Timesteps = *timesteps
	}
	if *replicates > 0 {
		cfg.Run.Replicates = *replicates
	}
	if *engine != "" {
		cfg.Dispersal.Engine = *engine
		cfg.Dispersal.StageEngines = nil
	}
	if *outputDir != "" {
		cfg.Telemetry.OutputDir = *outputDir
	}
	if *dbPath != "" {
		cfg.Telemetry.DBPath = *dbPath
	}
	if *logSteps {
		cfg.Telemetry.LogSteps = true
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}
	cfg.ResolveEngines()

	// Set up seed
	rngSeed := *seed
	if rngSeed == 0 {
		rngSeed = cfg.Run.Seed
	}
	if rngSeed == 0 {
		rngSeed = time.Now().UnixNano()
	}

	if err := run(cfg, rngSeed); err != nil {
		slog.Error("run failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, seed int64) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	grid, err := landscape.Generate(cfg.Landscape, len(cfg.Stages), seed)
	if err != nil {
		return err
	}
	d, err := dispersal.FromConfig(cfg)
	if err != nil {
		return err
	}

	output, err := telemetry.NewOutputManager(cfg.Telemetry.OutputDir)
	if err != nil {
		return err
	}
	defer func() {
		if err := output.Close(); err != nil {
			slog.Error("failed to close output", "error", err)
		}
	}()
	if err := output.WriteConfig(cfg); err != nil {
		return err
	}

	store, err := telemetry.OpenStore(cfg.Telemetry.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()
	if _, err := store.BeginRun(ctx, seed, cfg); err != nil {
		return err
	}

	slog.Info("starting dispersal run",
		"seed", seed,
		"width", grid.W,
		"height", grid.H,
		"stages", len(cfg.Stages),
		"engines", cfg.Derived.Engines,
		"timesteps", cfg.Run.Timesteps,
		"replicates", cfg.Run.Replicates,
		"initial_total", grid.Total(),
		"output_dir", output.Dir(),
		"db", store.Path(),
	)

	start := time.Now()
	results, err := sim.New(cfg, d, grid, sim.Options{
		Seed:     seed,
		LogSteps: cfg.Telemetry.LogSteps,
		Output:   output,
		Store:    store,
	}).Run(ctx)
	if err != nil {
		return err
	}

	slog.Info("run complete",
		"elapsed", time.Since(start).String(),
		"summary", sim.Summarize(results),
	)
	return nil
}
