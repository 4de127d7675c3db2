package telemetry

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/pthm-cable/disperse/config"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(filepath.Join(t.TempDir(), "runs", "test.db"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreDisabled(t *testing.T) {
	s, err := OpenStore("")
	if err != nil || s != nil {
		t.Fatalf("OpenStore(\"\") = %v, %v; want nil, nil", s, err)
	}
	if err := s.RecordStep(context.Background(), StepSummary{}, nil); err != nil {
		t.Error(err)
	}
	if err := s.Close(); err != nil {
		t.Error(err)
	}
}

func TestStoreRequiresRun(t *testing.T) {
	s := openTestStore(t)
	err := s.RecordStep(context.Background(), StepSummary{}, nil)
	if !errors.Is(err, ErrNoRun) {
		t.Errorf("expected ErrNoRun, got %v", err)
	}
}

func TestStoreRecordsRun(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := s.BeginRun(ctx, 42, cfg); err != nil {
		t.Fatalf("BeginRun: %v", err)
	}

	for rep := 0; rep < 2; rep++ {
		for step := 2; step >= 0; step-- {
			summary := StepSummary{Replicate: rep, Timestep: step, Total: float64(100 + step), Occupied: step}
			stages := []StageStats{
				{Replicate: rep, Timestep: step, Stage: "juvenile", Engine: "fast", After: 60},
				{Replicate: rep, Timestep: step, Stage: "adult", Engine: "fast", After: 40},
			}
			if err := s.RecordStep(ctx, summary, stages); err != nil {
				t.Fatalf("RecordStep: %v", err)
			}
		}
	}
	for _, e := range []Event{
		{Type: EventPopulationCrash},
		{Type: EventStageExtinction, Stage: "adult"},
		{Type: EventStageExtinction, Stage: "juvenile"},
	} {
		if err := s.RecordEvent(ctx, e); err != nil {
			t.Fatalf("RecordEvent: %v", err)
		}
	}

	steps, err := s.Steps(ctx, 1)
	if err != nil {
		t.Fatalf("Steps: %v", err)
	}
	if len(steps) != 3 {
		t.Fatalf("got %d steps, want 3", len(steps))
	}
	for i, st := range steps {
		if st.Timestep != i || st.Total != float64(100+i) || st.Replicate != 1 {
			t.Errorf("step %d = %+v", i, st)
		}
	}

	counts, err := s.EventCounts(ctx)
	if err != nil {
		t.Fatalf("EventCounts: %v", err)
	}
	if counts[EventStageExtinction] != 2 || counts[EventPopulationCrash] != 1 {
		t.Errorf("event counts = %v", counts)
	}

	var stageRows int
	if err := s.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM stage_steps`).Scan(&stageRows); err != nil {
		t.Fatal(err)
	}
	if stageRows != 12 {
		t.Errorf("stage rows = %d, want 12", stageRows)
	}

	// Duplicate step keys fail and roll back the whole step.
	dup := StepSummary{Replicate: 0, Timestep: 0}
	if err := s.RecordStep(ctx, dup, []StageStats{{Stage: "x"}}); err == nil {
		t.Error("expected duplicate step to fail")
	}
	if err := s.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM stage_steps`).Scan(&stageRows); err != nil {
		t.Fatal(err)
	}
	if stageRows != 12 {
		t.Errorf("stage rows after failed step = %d, want 12", stageRows)
	}
}
