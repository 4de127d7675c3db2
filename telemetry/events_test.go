package telemetry

import (
	"testing"

	"github.com/pthm-cable/disperse/config"
)

func testDetector() *EventDetector {
	return NewEventDetector(config.EventsConfig{
		CrashDropPercent: 0.3,
		BarrierLossShare: 0.05,
		HistorySize:      5,
	})
}

func hasEvent(events []Event, typ EventType) bool {
	for _, e := range events {
		if e.Type == typ {
			return true
		}
	}
	return false
}

func TestEventDetector_StageExtinction(t *testing.T) {
	ed := testDetector()

	stage := StageStats{Stage: "juvenile", Before: 12, After: 0, Timestep: 4}
	events := ed.Check(StepSummary{Total: 100, Occupied: 10}, []StageStats{stage})
	if !hasEvent(events, EventStageExtinction) {
		t.Fatal("expected stage_extinction event")
	}

	// Staying extinct does not fire again.
	stage.Before = 0
	if events := ed.Check(StepSummary{Total: 100, Occupied: 10}, []StageStats{stage}); hasEvent(events, EventStageExtinction) {
		t.Error("extinction reported twice")
	}

	// Recolonized then lost again fires again.
	ed.Check(StepSummary{Total: 100, Occupied: 10}, []StageStats{{Stage: "juvenile", Before: 0, After: 3}})
	events = ed.Check(StepSummary{Total: 100, Occupied: 10}, []StageStats{{Stage: "juvenile", Before: 3, After: 0}})
	if !hasEvent(events, EventStageExtinction) {
		t.Error("expected extinction after recolonization")
	}
}

func TestEventDetector_PopulationCrash(t *testing.T) {
	ed := testDetector()

	// Build up population
	for i := 0; i < 5; i++ {
		ed.Check(StepSummary{Timestep: i, Total: 1000, Occupied: 40}, nil)
	}

	// Now crash population
	events := ed.Check(StepSummary{Timestep: 5, Total: 500, Occupied: 40}, nil)
	if !hasEvent(events, EventPopulationCrash) {
		t.Error("expected population_crash event")
	}

	// Peak resets after the crash, so a small further drop is quiet.
	events = ed.Check(StepSummary{Timestep: 6, Total: 450, Occupied: 40}, nil)
	if hasEvent(events, EventPopulationCrash) {
		t.Error("crash reported again without a new peak")
	}
}

func TestEventDetector_BarrierKillSpike(t *testing.T) {
	tests := []struct {
		name     string
		absorbed float64
		want     bool
	}{
		{"none", 0, false},
		{"below share", 4, false},
		{"at share", 5, true},
		{"large", 40, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ed := testDetector()
			stage := StageStats{Stage: "adult", Before: 100, After: 100 - tt.absorbed, Absorbed: tt.absorbed}
			events := ed.Check(StepSummary{Total: 100 - tt.absorbed}, []StageStats{stage})
			if got := hasEvent(events, EventBarrierKillSpike); got != tt.want {
				t.Errorf("barrier_kill_spike = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEventDetector_RangeExpansion(t *testing.T) {
	ed := testDetector()

	// Too little history: nothing fires
	ed.Check(StepSummary{Total: 100, Occupied: 5}, nil)
	if events := ed.Check(StepSummary{Total: 100, Occupied: 50}, nil); hasEvent(events, EventRangeExpansion) {
		t.Error("range expansion fired without enough history")
	}

	for i := 0; i < 5; i++ {
		ed.Check(StepSummary{Total: 100, Occupied: 10}, nil)
	}
	events := ed.Check(StepSummary{Total: 100, Occupied: 25}, nil)
	if !hasEvent(events, EventRangeExpansion) {
		t.Error("expected range_expansion event")
	}
}
