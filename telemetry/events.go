// Package telemetry provides per-step dispersal statistics, event detection,
// performance timing and CSV/SQLite output.
package telemetry

import (
	"fmt"
	"log/slog"

	"github.com/pthm-cable/disperse/config"
)

// EventType identifies the type of event.
type EventType string

const (
	EventStageExtinction  EventType = "stage_extinction"
	EventPopulationCrash  EventType = "population_crash"
	EventBarrierKillSpike EventType = "barrier_kill_spike"
	EventRangeExpansion   EventType = "range_expansion"
)

// Event represents an automatically detected moment in a run.
type Event struct {
	Replicate   int       `csv:"replicate"`
	Timestep    int       `csv:"timestep"`
	Type        EventType `csv:"type"`
	Stage       string    `csv:"stage"` // Empty for whole-population events
	Description string    `csv:"description"`
}

// LogEvent logs the event using slog.
func (e Event) LogEvent() {
	slog.Info("event",
		"type", string(e.Type),
		"replicate", e.Replicate,
		"timestep", e.Timestep,
		"stage", e.Stage,
		"description", e.Description,
	)
}

// EventDetector detects notable changes in a replicate's population.
// One detector serves one replicate.
type EventDetector struct {
	crashDrop  float64
	lossShare  float64
	minHistory int

	// Rolling history (circular buffer)
	history     []StepSummary
	historySize int
	historyIdx  int
	historyFull bool

	// State tracking
	recentPeak float64         // peak total population since the last crash
	extinct    map[string]bool // stages currently at zero
}

// NewEventDetector creates a detector with thresholds from cfg.
func NewEventDetector(cfg config.EventsConfig) *EventDetector {
	historySize := cfg.HistorySize
	if historySize < 3 {
		historySize = 3 // minimum for a rolling average
	}
	return &EventDetector{
		crashDrop:   cfg.CrashDropPercent,
		lossShare:   cfg.BarrierLossShare,
		minHistory:  3,
		history:     make([]StepSummary, historySize),
		historySize: historySize,
		extinct:     make(map[string]bool),
	}
}

// Check analyzes the latest step and returns any triggered events.
func (ed *EventDetector) Check(summary StepSummary, stages []StageStats) []Event {
	var events []Event

	for _, s := range stages {
		// Stage extinction: a stage that had individuals now has none
		if e := ed.checkExtinction(s); e != nil {
			events = append(events, *e)
		}

		// Barrier kill spike: lethal barriers took a large share of a stage
		if e := ed.checkBarrierSpike(s); e != nil {
			events = append(events, *e)
		}
	}

	// Population crash: total dropped sharply from the recent peak
	if e := ed.checkCrash(summary); e != nil {
		events = append(events, *e)
	}

	// Range expansion: occupied cells well above the rolling average
	if e := ed.checkRangeExpansion(summary); e != nil {
		events = append(events, *e)
	}

	ed.addToHistory(summary)
	if summary.Total > ed.recentPeak {
		ed.recentPeak = summary.Total
	}

	return events
}

func (ed *EventDetector) addToHistory(summary StepSummary) {
	ed.history[ed.historyIdx] = summary
	ed.historyIdx = (ed.historyIdx + 1) % ed.historySize
	if ed.historyIdx == 0 {
		ed.historyFull = true
	}
}

func (ed *EventDetector) getHistory() []StepSummary {
	if ed.historyFull {
		return ed.history
	}
	return ed.history[:ed.historyIdx]
}

func (ed *EventDetector) checkExtinction(s StageStats) *Event {
	if s.After > 0 {
		ed.extinct[s.Stage] = false
		return nil
	}
	if s.Before <= 0 || ed.extinct[s.Stage] {
		return nil
	}
	ed.extinct[s.Stage] = true
	return &Event{
		Replicate:   s.Replicate,
		Timestep:    s.Timestep,
		Type:        EventStageExtinction,
		Stage:       s.Stage,
		Description: fmt.Sprintf("Stage %s went extinct from %.0f individuals", s.Stage, s.Before),
	}
}

func (ed *EventDetector) checkBarrierSpike(s StageStats) *Event {
	if s.Before <= 0 || s.Absorbed <= 0 || ed.lossShare <= 0 {
		return nil
	}
	share := s.Absorbed / s.Before
	if share < ed.lossShare {
		return nil
	}
	return &Event{
		Replicate:   s.Replicate,
		Timestep:    s.Timestep,
		Type:        EventBarrierKillSpike,
		Stage:       s.Stage,
		Description: fmt.Sprintf("Barriers killed %.1f%% of %s (%.0f individuals)", share*100, s.Stage, s.Absorbed),
	}
}

func (ed *EventDetector) checkCrash(summary StepSummary) *Event {
	if ed.recentPeak <= 0 || ed.crashDrop <= 0 {
		return nil
	}

	drop := 1.0 - summary.Total/ed.recentPeak
	if drop <= ed.crashDrop {
		return nil
	}

	// Reset peak after crash
	oldPeak := ed.recentPeak
	ed.recentPeak = summary.Total

	return &Event{
		Replicate:   summary.Replicate,
		Timestep:    summary.Timestep,
		Type:        EventPopulationCrash,
		Description: fmt.Sprintf("Population crashed %.0f%% from peak %.0f to %.0f", drop*100, oldPeak, summary.Total),
	}
}

func (ed *EventDetector) checkRangeExpansion(summary StepSummary) *Event {
	history := ed.getHistory()
	if len(history) < ed.minHistory {
		return nil
	}

	var sum float64
	for _, h := range history {
		sum += float64(h.Occupied)
	}
	avg := sum / float64(len(history))
	if avg == 0 {
		return nil
	}

	if float64(summary.Occupied) > avg*2.0 {
		return &Event{
			Replicate:   summary.Replicate,
			Timestep:    summary.Timestep,
			Type:        EventRangeExpansion,
			Description: fmt.Sprintf("Occupied cells %d is %.1fx rolling average (%.1f)", summary.Occupied, float64(summary.Occupied)/avg, avg),
		}
	}

	return nil
}
