package models

import (
	"testing"
)

func TestPhaseIndex(t *testing.T) {
	tests := []struct {
		phase    string
		expected int
	}{
		{PhaseSearch, 0},
		{PhaseRanking, 1},
		{PhaseReport, 2},
		{PhaseInit, -1},
		{"", -1},
		{PhaseUpload, -2},
		{"bogus", -2},
	}
	for _, tt := range tests {
		if got := PhaseIndex(tt.phase); got != tt.expected {
			t.Errorf("PhaseIndex(%q) = %d, want %d", tt.phase, got, tt.expected)
		}
	}
}

func TestNextStage(t *testing.T) {
	if got := NextStage(StageSearch); got != StageRanking {
		t.Errorf("NextStage(search) = %q", got)
	}
	if got := NextStage(StageRanking); got != StageReport {
		t.Errorf("NextStage(ranking) = %q", got)
	}
	if got := NextStage(StageReport); got != "" {
		t.Errorf("NextStage(report) = %q, want empty", got)
	}
}

func TestStageForPhase(t *testing.T) {
	if stage, ok := StageForPhase(PhaseInit); !ok || stage != StageSearch {
		t.Errorf("StageForPhase(init) = %q, %v", stage, ok)
	}
	if stage, ok := StageForPhase(""); !ok || stage != StageSearch {
		t.Errorf("StageForPhase(\"\") = %q, %v", stage, ok)
	}
	if stage, ok := StageForPhase(PhaseRanking); !ok || stage != StageRanking {
		t.Errorf("StageForPhase(ranking) = %q, %v", stage, ok)
	}
	if _, ok := StageForPhase(PhaseComplete); ok {
		t.Error("complete phase must not resolve to a stage")
	}
	if _, ok := StageForPhase(PhaseError); ok {
		t.Error("error phase must not resolve to a stage")
	}
}

func TestHasQueuedMarker(t *testing.T) {
	job := &Job{Status: JobStatusRunning}
	if job.HasQueuedMarker() {
		t.Error("running job without marker must not report queued")
	}

	job.Progress.StepName = StepNameQueued
	if !job.HasQueuedMarker() {
		t.Error("Queued step name must report queued")
	}

	job.Progress.StepName = ""
	job.Progress.Detail = "Queued ranking stage"
	if !job.HasQueuedMarker() {
		t.Error("queued progress detail must report queued")
	}

	job.Progress.Detail = ""
	job.Status = JobStatusQueued
	if !job.HasQueuedMarker() {
		t.Error("queued status must report queued")
	}
}

func TestIsTerminal(t *testing.T) {
	for _, status := range []string{JobStatusQueued, JobStatusRunning} {
		job := &Job{Status: status}
		if job.IsTerminal() {
			t.Errorf("status %q must not be terminal", status)
		}
	}
	for _, status := range []string{JobStatusCompleted, JobStatusFailed} {
		job := &Job{Status: status}
		if !job.IsTerminal() {
			t.Errorf("status %q must be terminal", status)
		}
	}
}

func TestAppendEventTruncation(t *testing.T) {
	job := &Job{}
	for i := 0; i < 150; i++ {
		job.AppendEvent(Event{Type: EventProgress, Message: "tick"}, 100)
	}
	if len(job.Events) != 100 {
		t.Fatalf("expected event log capped at 100, got %d", len(job.Events))
	}

	// The most recent event must survive truncation
	job.AppendEvent(Event{Type: EventJobComplete, Message: "done"}, 100)
	last := job.Events[len(job.Events)-1]
	if last.Type != EventJobComplete {
		t.Errorf("expected newest event retained, got %q", last.Type)
	}
	if len(job.Events) != 100 {
		t.Errorf("expected event log still capped at 100, got %d", len(job.Events))
	}
}

func TestAppendEventLevelDefaults(t *testing.T) {
	tests := []struct {
		eventType string
		level     string
	}{
		{EventJobCreated, LevelInfo},
		{EventJobEnqueued, LevelInfo},
		{EventJobFailed, LevelError},
		{EventJobEnqueueFailed, LevelError},
		{EventPhaseError, LevelError},
		{EventPhaseWarning, LevelWarning},
		{EventEmailSent, LevelInfo},
		{"something_else", LevelInfo},
	}
	for _, tt := range tests {
		job := &Job{}
		job.AppendEvent(Event{Type: tt.eventType, Message: "x"}, 10)
		if got := job.Events[0].Level; got != tt.level {
			t.Errorf("event %q level = %q, want %q", tt.eventType, got, tt.level)
		}
	}

	// An explicit level is preserved
	job := &Job{}
	job.AppendEvent(Event{Type: EventProgress, Level: LevelWarning, Message: "x"}, 10)
	if job.Events[0].Level != LevelWarning {
		t.Error("explicit event level must not be overridden")
	}
}

func TestPayloadDefaults(t *testing.T) {
	p := &JobPayload{Query: "graph neural networks"}
	p.ApplyDefaults()
	if p.TopK != DefaultTopK {
		t.Errorf("TopK = %d, want %d", p.TopK, DefaultTopK)
	}
	if p.EloK != DefaultEloK {
		t.Errorf("EloK = %v, want %v", p.EloK, DefaultEloK)
	}
	if p.Pairing != PairingSwiss {
		t.Errorf("Pairing = %q, want swiss", p.Pairing)
	}

	// Explicit values survive
	p = &JobPayload{Query: "q", TopK: 10, EloK: 16, Pairing: PairingRandom}
	p.ApplyDefaults()
	if p.TopK != 10 || p.EloK != 16 || p.Pairing != PairingRandom {
		t.Error("explicit payload values must not be overridden")
	}
}

func TestStageMessageRoundTrip(t *testing.T) {
	msg := &StageMessage{JobID: "job-1", Stage: StageRanking}
	data, err := msg.ToJSON()
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := StageMessageFromJSON(data)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.JobID != "job-1" || decoded.Stage != StageRanking {
		t.Errorf("round trip mismatch: %+v", decoded)
	}

	if _, err := StageMessageFromJSON([]byte(`{"stage":"search"}`)); err == nil {
		t.Error("expected error for missing job_id")
	}
	if _, err := StageMessageFromJSON([]byte(`{"job_id":"j","stage":"upload"}`)); err == nil {
		t.Error("expected error for non-pipeline stage")
	}
}
