package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/paperpilot/paperpilot/internal/common"
	"github.com/paperpilot/paperpilot/internal/interfaces"
	"github.com/paperpilot/paperpilot/internal/models"
	"github.com/paperpilot/paperpilot/internal/stages"
)

// ErrNoSearchResults is the canonical failure for a search that found nothing
const ErrNoSearchResults = "Search produced 0 papers; cannot continue to ranking/report."

// Executor runs pipeline stages against job documents. It owns the job
// lifecycle around a stage run: the idempotency gate, the running/queued
// progress writes, the stage-to-stage handoff, and the terminal outcome.
type Executor struct {
	gate          *Gate
	reporter      *Reporter
	store         interfaces.JobStorage
	queue         interfaces.QueueService
	artifacts     interfaces.ArtifactStorage
	notifier      interfaces.Notifier
	stages        map[string]stages.Stage
	resultsPrefix string
	reportTimeout time.Duration
	logger        arbor.ILogger
}

// NewExecutor creates a stage executor
func NewExecutor(
	gate *Gate,
	reporter *Reporter,
	store interfaces.JobStorage,
	queue interfaces.QueueService,
	artifacts interfaces.ArtifactStorage,
	notifier interfaces.Notifier,
	stageList []stages.Stage,
	resultsPrefix string,
	reportTimeout time.Duration,
	logger arbor.ILogger,
) *Executor {
	byName := make(map[string]stages.Stage, len(stageList))
	for _, s := range stageList {
		byName[s.Name()] = s
	}
	return &Executor{
		gate:          gate,
		reporter:      reporter,
		store:         store,
		queue:         queue,
		artifacts:     artifacts,
		notifier:      notifier,
		stages:        byName,
		resultsPrefix: resultsPrefix,
		reportTimeout: reportTimeout,
		logger:        logger,
	}
}

// ProcessJob handles one delivered stage message. It returns processed=true
// when the message is settled (the work ran or deliberately terminated the
// job) and final=true when the job is in a terminal status after the call.
// An error with processed=false means the message should redeliver.
func (e *Executor) ProcessJob(ctx context.Context, jobID string, stage string) (processed bool, final bool, result models.JobResult, err error) {
	job, decision, err := e.gate.Check(ctx, jobID, stage)
	if err != nil {
		return false, false, nil, err
	}

	switch decision {
	case DecisionAlreadyFinal:
		return false, true, nil, nil
	case DecisionSkip:
		return false, false, nil, nil
	}

	return e.runStage(ctx, job, stage)
}

// RescueJob runs a stage outside the normal message path, used by the rescue
// watchdogs. It drives the job to its outcome itself: handoff on an
// intermediate stage, completion after report, failure on error.
func (e *Executor) RescueJob(ctx context.Context, job *models.Job, stage string) error {
	processed, final, result, err := e.runStage(ctx, job, stage)
	if err != nil {
		e.failJob(ctx, job.ID, fmt.Sprintf("%s stage failed: %v", stage, err),
			map[string]interface{}{"reason": "queued_watchdog"})
		return err
	}
	if processed && final {
		e.CompleteJob(ctx, job.ID, result)
	}
	return nil
}

// runStage executes a single stage and performs the handoff to the next one.
// The Queued progress write always lands before the enqueue so a consumer
// racing the handoff sees the marker.
func (e *Executor) runStage(ctx context.Context, job *models.Job, stage string) (bool, bool, models.JobResult, error) {
	st, ok := e.stages[stage]
	if !ok {
		e.logger.Warn().Str("job_id", job.ID).Str("stage", stage).Msg("No stage registered for message, dropping")
		return false, false, nil, nil
	}

	startEvent := &models.Event{
		Type:    models.EventPhaseStart,
		Phase:   stage,
		Message: fmt.Sprintf("Starting %s stage", stage),
	}
	if stage == models.StageSearch {
		startEvent = &models.Event{
			Type:    models.EventJobStart,
			Phase:   stage,
			Message: "Job started",
		}
	}
	e.reporter.UpdateJobProgress(ctx, job.ID, ProgressUpdate{
		Status:   models.JobStatusRunning,
		Phase:    stage,
		Percent:  0,
		StepName: "Initializing...",
		Event:    startEvent,
	})

	workspace, err := os.MkdirTemp("", "paperpilot_"+job.ID+"_")
	if err != nil {
		return false, false, nil, fmt.Errorf("failed to create workspace: %w", err)
	}
	defer os.RemoveAll(workspace)

	sc := &stages.Context{
		Job:           job,
		Workspace:     workspace,
		ResultsPrefix: common.ResultsPath(e.resultsPrefix, common.Slugify(job.Payload.Query), job.ID),
		Artifacts:     e.artifacts,
		Progress: func(step int, stepName string, percent float64, detail string) {
			e.reporter.UpdateJobProgress(ctx, job.ID, ProgressUpdate{
				Status:   models.JobStatusRunning,
				Phase:    stage,
				Percent:  percent,
				Step:     step,
				StepName: stepName,
				Detail:   detail,
			})
		},
	}

	runCtx := ctx
	if stage == models.StageReport && e.reportTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.reportTimeout)
		defer cancel()
	}

	started := time.Now()
	result, err := st.Run(runCtx, sc)
	if err != nil {
		if stage == models.StageReport && errors.Is(err, context.DeadlineExceeded) {
			message := fmt.Sprintf("Report generation timed out after %.0f seconds", e.reportTimeout.Seconds())
			e.reporter.UpdateJobProgress(ctx, job.ID, ProgressUpdate{
				Phase: stage,
				Step:  4,
				Event: &models.Event{
					Type:    models.EventPhaseError,
					Phase:   stage,
					Message: message,
				},
			})
			e.FailJob(ctx, job.ID, message)
			return true, false, nil, nil
		}

		e.reporter.AppendJobEvent(ctx, job.ID, models.Event{
			Type:    models.EventPhaseError,
			Phase:   stage,
			Message: fmt.Sprintf("%s stage failed: %v", stage, err),
		})
		return false, false, nil, err
	}

	e.logger.Info().
		Str("job_id", job.ID).
		Str("stage", stage).
		Float64("duration_sec", time.Since(started).Seconds()).
		Msg("Stage completed")

	e.reporter.AppendJobEvent(ctx, job.ID, models.Event{
		Type:    models.EventPhaseComplete,
		Phase:   stage,
		Message: fmt.Sprintf("Completed %s stage in %.1fs", stage, time.Since(started).Seconds()),
	})

	// The report's citation check is non-fatal but goes on the job log
	if stage == models.StageReport {
		if n := citationWarnings(result); n > 0 {
			e.reporter.AppendJobEvent(ctx, job.ID, models.Event{
				Type:    models.EventPhaseWarning,
				Phase:   stage,
				Message: fmt.Sprintf("Report citation check flagged %d citation(s) outside the ranked set", n),
			})
		}
	}

	// A search that found nothing terminates the pipeline here: ranking and
	// report have no inputs to work with.
	if stage == models.StageSearch && papersFound(result) == 0 {
		e.FailJob(ctx, job.ID, ErrNoSearchResults)
		return true, false, nil, nil
	}

	next := models.NextStage(stage)
	if next == "" {
		return true, true, result, nil
	}

	// Handoff: the Queued write commits before the message exists, so the
	// gate can always resolve a received message against the document.
	e.reporter.UpdateJobProgress(ctx, job.ID, ProgressUpdate{
		Phase:    next,
		Percent:  0,
		StepName: models.StepNameQueued,
		Detail:   fmt.Sprintf("Queued %s stage", next),
		Result:   result,
		Event: &models.Event{
			Type:    models.EventJobEnqueued,
			Phase:   next,
			Message: fmt.Sprintf("Queued %s stage", next),
		},
	})

	if err := e.queue.Enqueue(ctx, &models.StageMessage{JobID: job.ID, Stage: next}); err != nil {
		e.reporter.AppendJobEvent(ctx, job.ID, models.Event{
			Type:    models.EventJobEnqueueFailed,
			Phase:   next,
			Message: fmt.Sprintf("Failed to enqueue %s stage: %v", next, err),
		})
		e.FailJob(ctx, job.ID, fmt.Sprintf("Failed to enqueue %s stage: %v", next, err))
		return true, false, nil, nil
	}

	return true, false, result, nil
}

// CompleteJob records the terminal completed status and notifies the owner
func (e *Executor) CompleteJob(ctx context.Context, jobID string, result models.JobResult) {
	e.reporter.MarkCompleted(ctx, jobID, result, &models.Event{
		Type:    models.EventJobComplete,
		Phase:   models.PhaseComplete,
		Message: "Job completed successfully",
	})
	e.notify(ctx, jobID, true)
}

// FailJob records the terminal failed status and notifies the owner
func (e *Executor) FailJob(ctx context.Context, jobID string, message string) {
	e.failJob(ctx, jobID, message, nil)
}

func (e *Executor) failJob(ctx context.Context, jobID string, message string, extra map[string]interface{}) {
	e.reporter.MarkFailed(ctx, jobID, message, &models.Event{
		Type:    models.EventJobFailed,
		Phase:   models.PhaseError,
		Message: message,
		Extra:   extra,
	})
	e.notify(ctx, jobID, false)
}

// notify sends the outcome email best-effort and records it on the job log
func (e *Executor) notify(ctx context.Context, jobID string, completed bool) {
	if e.notifier == nil || !e.notifier.Enabled() {
		return
	}

	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		e.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to load job for notification")
		return
	}
	if job.Payload.NotificationEmail == "" {
		return
	}

	if completed {
		err = e.notifier.SendCompletion(ctx, job)
	} else {
		err = e.notifier.SendFailure(ctx, job)
	}
	if err != nil {
		e.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to send notification email")
		return
	}

	e.reporter.AppendJobEvent(ctx, jobID, models.Event{
		Type:    models.EventEmailSent,
		Message: fmt.Sprintf("Notification email sent to %s", job.Payload.NotificationEmail),
	})
}

// papersFound reads the search result count, tolerating JSON round trips
// that turn ints into float64
func papersFound(result models.JobResult) int {
	if result == nil {
		return 0
	}
	switch v := result["papers_found"].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// citationWarnings reads the report's citation check count the same way
func citationWarnings(result models.JobResult) int {
	if result == nil {
		return 0
	}
	switch v := result["citation_warnings"].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
