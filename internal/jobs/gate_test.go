package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/paperpilot/paperpilot/internal/models"
)

func TestGateUnknownJobSkips(t *testing.T) {
	env := newTestEnv(t, nil)

	job, decision, err := env.gate.Check(context.Background(), "missing", models.StageSearch)
	if err != nil {
		t.Fatal(err)
	}
	if decision != DecisionSkip || job != nil {
		t.Errorf("Expected skip for unknown job, got %v", decision)
	}
}

func TestGateTerminalJob(t *testing.T) {
	env := newTestEnv(t, nil)

	seedJob(t, env.store, "job-1", models.JobStatusFailed, models.PhaseError, "Error", 0)

	_, decision, err := env.gate.Check(context.Background(), "job-1", models.StageRanking)
	if err != nil {
		t.Fatal(err)
	}
	if decision != DecisionAlreadyFinal {
		t.Errorf("Expected already-final for terminal job, got %v", decision)
	}
}

func TestGateUnknownStageSkips(t *testing.T) {
	env := newTestEnv(t, nil)

	seedJob(t, env.store, "job-1", models.JobStatusQueued, models.PhaseSearch, models.StepNameQueued, 0)

	_, decision, err := env.gate.Check(context.Background(), "job-1", "summarize")
	if err != nil {
		t.Fatal(err)
	}
	if decision != DecisionSkip {
		t.Errorf("Expected skip for unknown stage, got %v", decision)
	}
}

func TestGateStaleJobProceeds(t *testing.T) {
	env := newTestEnv(t, nil)

	// Recorded two phases ahead and mid-flight, but stale: the owner is gone
	seedJob(t, env.store, "job-1", models.JobStatusRunning, models.PhaseReport, "Generating report", 2*time.Hour)

	_, decision, err := env.gate.Check(context.Background(), "job-1", models.StageSearch)
	if err != nil {
		t.Fatal(err)
	}
	if decision != DecisionProceed {
		t.Errorf("Expected stale job to proceed, got %v", decision)
	}
}

func TestGateStageBehindPhaseSkips(t *testing.T) {
	env := newTestEnv(t, nil)

	seedJob(t, env.store, "job-1", models.JobStatusRunning, models.PhaseRanking, models.StepNameQueued, 0)

	_, decision, err := env.gate.Check(context.Background(), "job-1", models.StageSearch)
	if err != nil {
		t.Fatal(err)
	}
	if decision != DecisionSkip {
		t.Errorf("Expected skip for completed stage, got %v", decision)
	}
}

func TestGateOneAheadIsHandoff(t *testing.T) {
	env := newTestEnv(t, nil)

	// Phase still search, ranking message arrives: the handoff write is in
	// flight, no marker check applies.
	seedJob(t, env.store, "job-1", models.JobStatusRunning, models.PhaseSearch, "Snowball search", 0)

	_, decision, err := env.gate.Check(context.Background(), "job-1", models.StageRanking)
	if err != nil {
		t.Fatal(err)
	}
	if decision != DecisionProceed {
		t.Errorf("Expected handoff to proceed, got %v", decision)
	}
}

func TestGateFarAheadSkipsAfterRecheck(t *testing.T) {
	env := newTestEnv(t, nil)

	seedJob(t, env.store, "job-1", models.JobStatusRunning, models.PhaseInit, "Waiting to start...", 0)

	start := time.Now()
	_, decision, err := env.gate.Check(context.Background(), "job-1", models.StageReport)
	if err != nil {
		t.Fatal(err)
	}
	if decision != DecisionSkip {
		t.Errorf("Expected skip for far-ahead stage, got %v", decision)
	}
	// The re-read window must have been exhausted before giving up
	if time.Since(start) < gateRecheckWindow {
		t.Errorf("Expected the gate to hold the message through the recheck window")
	}
}

func TestGateEqualStageRequiresQueuedMarker(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	// In flight elsewhere: same phase, no queued marker
	seedJob(t, env.store, "job-busy", models.JobStatusRunning, models.PhaseRanking, "Ranking match 10 / 200", 0)
	_, decision, err := env.gate.Check(ctx, "job-busy", models.StageRanking)
	if err != nil {
		t.Fatal(err)
	}
	if decision != DecisionSkip {
		t.Errorf("Expected in-flight duplicate to skip, got %v", decision)
	}

	// Queued step name admits the message
	seedJob(t, env.store, "job-marked", models.JobStatusRunning, models.PhaseRanking, models.StepNameQueued, 0)
	_, decision, err = env.gate.Check(ctx, "job-marked", models.StageRanking)
	if err != nil {
		t.Fatal(err)
	}
	if decision != DecisionProceed {
		t.Errorf("Expected queued step name to proceed, got %v", decision)
	}

	// Queued status admits the message regardless of step name
	seedJob(t, env.store, "job-status", models.JobStatusQueued, models.PhaseRanking, "Processing", 0)
	_, decision, err = env.gate.Check(ctx, "job-status", models.StageRanking)
	if err != nil {
		t.Fatal(err)
	}
	if decision != DecisionProceed {
		t.Errorf("Expected queued status to proceed, got %v", decision)
	}

	// A lowercase "queued" in the detail counts as the marker
	job := seedJob(t, env.store, "job-detail", models.JobStatusRunning, models.PhaseRanking, "Waiting", 0)
	job.Progress.Detail = "Re-queued ranking stage by watchdog"
	if err := env.store.SaveJob(ctx, job); err != nil {
		t.Fatal(err)
	}
	_, decision, err = env.gate.Check(ctx, "job-detail", models.StageRanking)
	if err != nil {
		t.Fatal(err)
	}
	if decision != DecisionProceed {
		t.Errorf("Expected queued detail to proceed, got %v", decision)
	}
}

func TestGateRecheckSeesHandoffWrite(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	seedJob(t, env.store, "job-1", models.JobStatusRunning, models.PhaseInit, "Waiting to start...", 0)

	// Commit the handoff write mid-recheck: phase moves to search, making the
	// ranking message exactly one ahead.
	go func() {
		time.Sleep(300 * time.Millisecond)
		_, _ = env.store.Mutate(ctx, "job-1", func(j *models.Job) error {
			j.Progress.Phase = models.PhaseSearch
			return nil
		})
	}()

	_, decision, err := env.gate.Check(ctx, "job-1", models.StageRanking)
	if err != nil {
		t.Fatal(err)
	}
	if decision != DecisionProceed {
		t.Errorf("Expected recheck to catch the handoff write, got %v", decision)
	}
}
