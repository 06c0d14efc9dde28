package jobs

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/paperpilot/paperpilot/internal/common"
	"github.com/paperpilot/paperpilot/internal/interfaces"
	"github.com/paperpilot/paperpilot/internal/models"
	"github.com/paperpilot/paperpilot/internal/queue"
	storagebadger "github.com/paperpilot/paperpilot/internal/storage/badger"
)

// newPoisonEnv builds a store plus a queue with a single-delivery budget and
// a short visibility timeout, so one unacknowledged receive dead-letters the
// next attempt.
func newPoisonEnv(t *testing.T) (*testEnv, *DLQProcessor) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "dlq-test")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	logger := arbor.NewLogger()
	manager, err := storagebadger.NewManager(logger, &common.BadgerConfig{Path: tmpDir}, "results")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { manager.Close() })

	q, err := queue.NewManager(manager.DB().Badger(), "jobs", 10*time.Millisecond, 1, logger)
	if err != nil {
		t.Fatal(err)
	}

	store := manager.JobStorage()
	reporter := NewReporter(store, 100, logger)
	env := &testEnv{store: store, queue: q, reporter: reporter}
	processor := NewDLQProcessor(q.DLQ(), store, reporter, time.Minute, logger)
	return env, processor
}

func poisonMessage(t *testing.T, env *testEnv, jobID, stage string) {
	t.Helper()
	ctx := context.Background()

	if err := env.queue.Enqueue(ctx, &models.StageMessage{JobID: jobID, Stage: stage}); err != nil {
		t.Fatal(err)
	}

	// Burn the single delivery without acknowledging
	if _, _, err := env.queue.Receive(ctx); err != nil {
		t.Fatal(err)
	}
	time.Sleep(30 * time.Millisecond)

	// The next receive dead-letters it
	if _, _, err := env.queue.Receive(ctx); err != interfaces.ErrNoMessage {
		t.Fatalf("Expected the poison message to move to the DLQ, got %v", err)
	}
}

func TestDLQFailsAffectedJob(t *testing.T) {
	env, processor := newPoisonEnv(t)
	ctx := context.Background()

	seedJob(t, env.store, "job-1", models.JobStatusRunning, models.PhaseRanking, "Ranking match 10 / 200", 0)
	poisonMessage(t, env, "job-1", models.StageRanking)

	processor.Drain(ctx)

	job, err := env.store.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != models.JobStatusFailed {
		t.Errorf("Expected dead-lettered job failed, got %s", job.Status)
	}
	if !strings.HasPrefix(job.Error, "Job dead-lettered: MaxDeliveryCountExceeded.") {
		t.Errorf("Unexpected dead-letter message: %q", job.Error)
	}

	failed := false
	for _, e := range job.Events {
		if e.Type == models.EventJobFailed && e.Level == models.LevelError {
			failed = true
		}
	}
	if !failed {
		t.Errorf("Expected job_failed event, got %+v", job.Events)
	}

	// The DLQ is drained
	if _, _, err := env.queue.DLQ().Receive(ctx); err != interfaces.ErrNoMessage {
		t.Errorf("Expected DLQ empty after drain, got %v", err)
	}
}

func TestDLQLeavesTerminalJobAlone(t *testing.T) {
	env, processor := newPoisonEnv(t)
	ctx := context.Background()

	seedJob(t, env.store, "job-1", models.JobStatusCompleted, models.PhaseComplete, "", 0)
	poisonMessage(t, env, "job-1", models.StageReport)

	processor.Drain(ctx)

	job, err := env.store.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != models.JobStatusCompleted {
		t.Errorf("Expected terminal job untouched, got %s", job.Status)
	}
	if _, _, err := env.queue.DLQ().Receive(ctx); err != interfaces.ErrNoMessage {
		t.Errorf("Expected DLQ drained even for terminal jobs, got %v", err)
	}
}

func TestDLQDropsUnknownJob(t *testing.T) {
	env, processor := newPoisonEnv(t)
	ctx := context.Background()

	poisonMessage(t, env, "job-ghost", models.StageSearch)

	processor.Drain(ctx)

	if _, _, err := env.queue.DLQ().Receive(ctx); err != interfaces.ErrNoMessage {
		t.Errorf("Expected DLQ drained for unknown jobs, got %v", err)
	}
}
