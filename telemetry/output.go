package telemetry

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gocarina/gocsv"
	"github.com/pthm-cable/disperse/config"
)

// csvFile is one CSV output that writes its header with the first record.
type csvFile struct {
	name          string
	file          *os.File
	headerWritten bool
}

func (c *csvFile) write(records any) error {
	if !c.headerWritten {
		// First write includes headers
		if err := gocsv.Marshal(records, c.file); err != nil {
			return fmt.Errorf("writing %s: %w", c.name, err)
		}
		c.headerWritten = true
		return nil
	}
	// Subsequent writes skip headers
	if err := gocsv.MarshalWithoutHeaders(records, c.file); err != nil {
		return fmt.Errorf("writing %s: %w", c.name, err)
	}
	return nil
}

// OutputManager handles structured run output with CSV logging.
// Replicates share one manager, so writes are serialized.
type OutputManager struct {
	dir string

	mu     sync.Mutex
	stages *csvFile
	steps  *csvFile
	perf   *csvFile
	events *csvFile
}

// NewOutputManager creates a new output manager and initializes the output directory.
// Returns nil if dir is empty (output disabled).
func NewOutputManager(dir string) (*OutputManager, error) {
	if dir == "" {
		return nil, nil
	}

	// Create output directory
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}

	om := &OutputManager{dir: dir}
	for _, target := range []struct {
		dst  **csvFile
		name string
	}{
		{&om.stages, "stages.csv"},
		{&om.steps, "steps.csv"},
		{&om.perf, "perf.csv"},
		{&om.events, "events.csv"},
	} {
		f, err := os.Create(filepath.Join(dir, target.name))
		if err != nil {
			om.Close()
			return nil, fmt.Errorf("creating %s: %w", target.name, err)
		}
		*target.dst = &csvFile{name: target.name, file: f}
	}

	return om, nil
}

// WriteConfig saves the current configuration as YAML.
func (om *OutputManager) WriteConfig(cfg *config.Config) error {
	if om == nil {
		return nil
	}
	configPath := filepath.Join(om.dir, "config.yaml")
	return cfg.WriteYAML(configPath)
}

// WriteStep writes the stage records and summary of one step.
func (om *OutputManager) WriteStep(stages []StageStats, summary StepSummary) error {
	if om == nil {
		return nil
	}
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(stages) > 0 {
		if err := om.stages.write(stages); err != nil {
			return err
		}
	}
	return om.steps.write([]StepSummary{summary})
}

// WritePerf writes a performance stats record to perf.csv.
func (om *OutputManager) WritePerf(stats PerfStats, replicate, windowEnd int) error {
	if om == nil {
		return nil
	}
	om.mu.Lock()
	defer om.mu.Unlock()

	return om.perf.write([]PerfStatsCSV{stats.ToCSV(replicate, windowEnd)})
}

// WriteEvent writes an event record to events.csv.
func (om *OutputManager) WriteEvent(e Event) error {
	if om == nil {
		return nil
	}
	om.mu.Lock()
	defer om.mu.Unlock()

	return om.events.write([]Event{e})
}

// WriteSnapshot saves a grid snapshot under the snapshots subdirectory.
func (om *OutputManager) WriteSnapshot(s *Snapshot) (string, error) {
	if om == nil || s == nil {
		return "", nil
	}
	return SaveSnapshot(s, filepath.Join(om.dir, "snapshots"))
}

// Dir returns the output directory path.
func (om *OutputManager) Dir() string {
	if om == nil {
		return ""
	}
	return om.dir
}

// Close flushes and closes all output files.
func (om *OutputManager) Close() error {
	if om == nil {
		return nil
	}
	om.mu.Lock()
	defer om.mu.Unlock()

	var firstErr error
	for _, c := range []*csvFile{om.stages, om.steps, om.perf, om.events} {
		if c == nil || c.file == nil {
			continue
		}
		if err := c.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		c.file = nil
	}

	return firstErr
}
