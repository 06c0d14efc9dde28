package jobs

import (
	"context"
	"errors"
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
	"github.com/paperpilot/paperpilot/internal/stages"
)

// fakeStage runs an injected func in place of a real pipeline stage
type fakeStage struct {
	name string
	run  func(ctx context.Context, sc *stages.Context) (models.JobResult, error)
}

func (f *fakeStage) Name() string { return f.name }

func (f *fakeStage) Run(ctx context.Context, sc *stages.Context) (models.JobResult, error) {
	return f.run(ctx, sc)
}

// testEnv wires a real store and queue around the executor
type testEnv struct {
	store    interfaces.JobStorage
	queue    *queue.Manager
	reporter *Reporter
	gate     *Gate
	executor *Executor
}

func newTestEnv(t *testing.T, stageList []stages.Stage) *testEnv {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "jobs-test")
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

	q, err := queue.NewManager(manager.DB().Badger(), "jobs", time.Minute, 3, logger)
	if err != nil {
		t.Fatal(err)
	}

	store := manager.JobStorage()
	reporter := NewReporter(store, 100, logger)
	gate := NewGate(store, 30*time.Minute, logger)
	executor := NewExecutor(gate, reporter, store, q, manager.ArtifactStorage(), nil, stageList, "results", 20*time.Minute, logger)

	return &testEnv{
		store:    store,
		queue:    q,
		reporter: reporter,
		gate:     gate,
		executor: executor,
	}
}

func seedJob(t *testing.T, store interfaces.JobStorage, id, status, phase, stepName string, age time.Duration) *models.Job {
	t.Helper()

	ts := common.FormatISO(time.Now().Add(-age))
	job := &models.Job{
		ID:         id,
		JobID:      id,
		JobIDAlias: id,
		Type:       models.JobType,
		Status:     status,
		CreatedAt:  ts,
		UpdatedAt:  ts,
		Payload:    models.JobPayload{Query: "graph neural networks", TopK: 30},
		Progress:   models.Progress{Phase: phase, StepName: stepName, UpdatedAt: ts},
	}
	if err := store.CreateJob(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	return job
}

func receiveOne(t *testing.T, q interfaces.QueueService) *models.Delivery {
	t.Helper()
	delivery, deleteFn, err := q.Receive(context.Background())
	if err != nil {
		t.Fatalf("Expected a queued message: %v", err)
	}
	if err := deleteFn(); err != nil {
		t.Fatal(err)
	}
	return delivery
}

func TestHandoffWritesQueuedBeforeEnqueue(t *testing.T) {
	searchStage := &fakeStage{
		name: models.StageSearch,
		run: func(ctx context.Context, sc *stages.Context) (models.JobResult, error) {
			sc.Progress(2, "Snowball search", 50, "Expanding citations")
			return models.JobResult{"papers_found": 42}, nil
		},
	}
	env := newTestEnv(t, []stages.Stage{searchStage})
	ctx := context.Background()

	seedJob(t, env.store, "job-1", models.JobStatusQueued, models.PhaseSearch, models.StepNameQueued, 0)

	processed, final, _, err := env.executor.ProcessJob(ctx, "job-1", models.StageSearch)
	if err != nil {
		t.Fatalf("ProcessJob failed: %v", err)
	}
	if !processed || final {
		t.Errorf("Expected processed && !final, got processed=%v final=%v", processed, final)
	}

	job, err := env.store.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	if job.Progress.Phase != models.PhaseRanking {
		t.Errorf("Expected phase ranking after handoff, got %s", job.Progress.Phase)
	}
	if job.Progress.StepName != models.StepNameQueued {
		t.Errorf("Expected Queued step name after handoff, got %q", job.Progress.StepName)
	}
	if !job.HasQueuedMarker() {
		t.Error("Expected queued marker after handoff")
	}

	delivery := receiveOne(t, env.queue)
	if delivery.Message.Stage != models.StageRanking || delivery.Message.JobID != "job-1" {
		t.Errorf("Expected ranking message for job-1, got %+v", delivery.Message)
	}
}

func TestEmptySearchFailsJob(t *testing.T) {
	searchStage := &fakeStage{
		name: models.StageSearch,
		run: func(ctx context.Context, sc *stages.Context) (models.JobResult, error) {
			return models.JobResult{"papers_found": 0}, nil
		},
	}
	env := newTestEnv(t, []stages.Stage{searchStage})
	ctx := context.Background()

	seedJob(t, env.store, "job-1", models.JobStatusQueued, models.PhaseSearch, models.StepNameQueued, 0)

	processed, final, _, err := env.executor.ProcessJob(ctx, "job-1", models.StageSearch)
	if err != nil {
		t.Fatalf("ProcessJob failed: %v", err)
	}
	if !processed || final {
		t.Errorf("Expected processed && !final, got processed=%v final=%v", processed, final)
	}

	job, err := env.store.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != models.JobStatusFailed {
		t.Errorf("Expected failed status, got %s", job.Status)
	}
	if job.Error != ErrNoSearchResults {
		t.Errorf("Expected canonical empty-search message, got %q", job.Error)
	}

	// No ranking message may exist
	if _, _, err := env.queue.Receive(ctx); err != interfaces.ErrNoMessage {
		t.Errorf("Expected empty queue after empty search, got %v", err)
	}
}

func TestReportStageIsFinal(t *testing.T) {
	reportStage := &fakeStage{
		name: models.StageReport,
		run: func(ctx context.Context, sc *stages.Context) (models.JobResult, error) {
			return models.JobResult{"report_file": "report_top_k30.json"}, nil
		},
	}
	env := newTestEnv(t, []stages.Stage{reportStage})
	ctx := context.Background()

	seedJob(t, env.store, "job-1", models.JobStatusRunning, models.PhaseReport, models.StepNameQueued, 0)

	processed, final, result, err := env.executor.ProcessJob(ctx, "job-1", models.StageReport)
	if err != nil {
		t.Fatalf("ProcessJob failed: %v", err)
	}
	if !processed || !final {
		t.Errorf("Expected processed && final after report, got processed=%v final=%v", processed, final)
	}
	if result["report_file"] != "report_top_k30.json" {
		t.Errorf("Expected stage result, got %+v", result)
	}

	env.executor.CompleteJob(ctx, "job-1", result)

	job, err := env.store.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != models.JobStatusCompleted {
		t.Errorf("Expected completed, got %s", job.Status)
	}
	if job.Progress.Percent != 100 {
		t.Errorf("Expected 100%%, got %f", job.Progress.Percent)
	}
	if job.Result["report_file"] != "report_top_k30.json" {
		t.Errorf("Expected result on job, got %+v", job.Result)
	}
}

func TestStageErrorRecordsEventAndReturnsError(t *testing.T) {
	boom := errors.New("openalex unavailable")
	searchStage := &fakeStage{
		name: models.StageSearch,
		run: func(ctx context.Context, sc *stages.Context) (models.JobResult, error) {
			return nil, boom
		},
	}
	env := newTestEnv(t, []stages.Stage{searchStage})
	ctx := context.Background()

	seedJob(t, env.store, "job-1", models.JobStatusQueued, models.PhaseSearch, models.StepNameQueued, 0)

	processed, _, _, err := env.executor.ProcessJob(ctx, "job-1", models.StageSearch)
	if err == nil {
		t.Fatal("Expected stage error to propagate")
	}
	if processed {
		t.Error("Expected processed=false on stage error")
	}

	job, err := env.store.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, e := range job.Events {
		if e.Type == models.EventPhaseError && strings.Contains(e.Message, "openalex unavailable") {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected phase_error event, got %+v", job.Events)
	}
}

func TestTerminalJobIsAlreadyFinal(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	job := seedJob(t, env.store, "job-1", models.JobStatusQueued, models.PhaseSearch, models.StepNameQueued, 0)
	job.Status = models.JobStatusCompleted
	if err := env.store.SaveJob(ctx, job); err != nil {
		t.Fatal(err)
	}

	processed, final, _, err := env.executor.ProcessJob(ctx, "job-1", models.StageSearch)
	if err != nil {
		t.Fatal(err)
	}
	if processed || !final {
		t.Errorf("Expected !processed && final for terminal job, got processed=%v final=%v", processed, final)
	}
}

func TestEnqueueFailureFailsJob(t *testing.T) {
	searchStage := &fakeStage{
		name: models.StageSearch,
		run: func(ctx context.Context, sc *stages.Context) (models.JobResult, error) {
			return models.JobResult{"papers_found": 10}, nil
		},
	}
	env := newTestEnv(t, []stages.Stage{searchStage})
	ctx := context.Background()

	// Swap in a queue that refuses the handoff
	env.executor.queue = &failingQueue{}

	seedJob(t, env.store, "job-1", models.JobStatusQueued, models.PhaseSearch, models.StepNameQueued, 0)

	processed, final, _, err := env.executor.ProcessJob(ctx, "job-1", models.StageSearch)
	if err != nil {
		t.Fatalf("ProcessJob failed: %v", err)
	}
	if !processed || final {
		t.Errorf("Expected processed && !final, got processed=%v final=%v", processed, final)
	}

	job, err := env.store.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != models.JobStatusFailed {
		t.Errorf("Expected failed after enqueue failure, got %s", job.Status)
	}

	found := false
	for _, e := range job.Events {
		if e.Type == models.EventJobEnqueueFailed {
			found = true
			if e.Level != models.LevelError {
				t.Errorf("Expected error level on enqueue failure event, got %s", e.Level)
			}
		}
	}
	if !found {
		t.Errorf("Expected job_enqueue_failed event, got %+v", job.Events)
	}
}

func TestReportCitationWarningsGoOnTheLog(t *testing.T) {
	reportStage := &fakeStage{
		name: models.StageReport,
		run: func(ctx context.Context, sc *stages.Context) (models.JobResult, error) {
			return models.JobResult{"report_file": "report_top_k30.json", "citation_warnings": 2}, nil
		},
	}
	env := newTestEnv(t, []stages.Stage{reportStage})
	ctx := context.Background()

	seedJob(t, env.store, "job-1", models.JobStatusRunning, models.PhaseReport, models.StepNameQueued, 0)

	processed, final, _, err := env.executor.ProcessJob(ctx, "job-1", models.StageReport)
	if err != nil {
		t.Fatalf("ProcessJob failed: %v", err)
	}
	if !processed || !final {
		t.Errorf("Expected processed && final, got processed=%v final=%v", processed, final)
	}

	job, err := env.store.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, e := range job.Events {
		if e.Type == models.EventPhaseWarning {
			found = true
			if !strings.Contains(e.Message, "2 citation(s)") {
				t.Errorf("Unexpected warning message: %q", e.Message)
			}
			if e.Level != models.LevelWarning {
				t.Errorf("Expected warning level, got %s", e.Level)
			}
		}
	}
	if !found {
		t.Errorf("Expected phase_warning event for citation warnings, got %+v", job.Events)
	}
}

func TestCleanReportHasNoCitationWarningEvent(t *testing.T) {
	reportStage := &fakeStage{
		name: models.StageReport,
		run: func(ctx context.Context, sc *stages.Context) (models.JobResult, error) {
			return models.JobResult{"report_file": "report_top_k30.json", "citation_warnings": 0}, nil
		},
	}
	env := newTestEnv(t, []stages.Stage{reportStage})
	ctx := context.Background()

	seedJob(t, env.store, "job-1", models.JobStatusRunning, models.PhaseReport, models.StepNameQueued, 0)

	if _, _, _, err := env.executor.ProcessJob(ctx, "job-1", models.StageReport); err != nil {
		t.Fatalf("ProcessJob failed: %v", err)
	}

	job, err := env.store.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range job.Events {
		if e.Type == models.EventPhaseWarning {
			t.Errorf("Unexpected phase_warning on a clean report: %q", e.Message)
		}
	}
}

func TestRescueFailureRecordsWatchdogReason(t *testing.T) {
	reportStage := &fakeStage{
		name: models.StageReport,
		run: func(ctx context.Context, sc *stages.Context) (models.JobResult, error) {
			return nil, errors.New("llm unavailable")
		},
	}
	env := newTestEnv(t, []stages.Stage{reportStage})
	ctx := context.Background()

	job := seedJob(t, env.store, "job-1", models.JobStatusRunning, models.PhaseReport, models.StepNameQueued, time.Minute)

	if err := env.executor.RescueJob(ctx, job, models.StageReport); err == nil {
		t.Fatal("Expected rescue error to propagate")
	}

	got, err := env.store.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.JobStatusFailed {
		t.Errorf("Expected failed after rescue error, got %s", got.Status)
	}

	found := false
	for _, e := range got.Events {
		if e.Type == models.EventJobFailed {
			found = true
			if e.Extra["reason"] != "queued_watchdog" {
				t.Errorf("Expected reason queued_watchdog on failure event, got %+v", e.Extra)
			}
		}
	}
	if !found {
		t.Errorf("Expected job_failed event, got %+v", got.Events)
	}
}

// failingQueue rejects every enqueue
type failingQueue struct{}

func (f *failingQueue) Enqueue(ctx context.Context, msg *models.StageMessage) error {
	return errors.New("queue unavailable")
}

func (f *failingQueue) Receive(ctx context.Context) (*models.Delivery, func() error, error) {
	return nil, nil, interfaces.ErrNoMessage
}

func (f *failingQueue) Extend(ctx context.Context, messageID string, duration time.Duration) error {
	return nil
}

func (f *failingQueue) DLQ() interfaces.QueueService { return nil }

func (f *failingQueue) Close() error { return nil }
