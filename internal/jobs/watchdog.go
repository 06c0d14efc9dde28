package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/paperpilot/paperpilot/internal/common"
	"github.com/paperpilot/paperpilot/internal/interfaces"
	"github.com/paperpilot/paperpilot/internal/models"
)

// Watchdog schedules for the three recovery sweeps
const (
	staleFailSchedule     = "@every 5m"
	queuedRescueSchedule  = "@every 10s"
	runningRescueSchedule = "@every 1m"
	cleanupSchedule       = "@every 1h"
)

// Watchdog recovers jobs the queue lost track of. Three sweeps run on their
// own schedules: queued-rescue executes a stuck handed-off job inline,
// running-rescue re-enqueues a silently dropped running job, and stale-fail
// gives up on jobs nothing has touched past the stale threshold.
type Watchdog struct {
	store    interfaces.JobStorage
	queue    interfaces.QueueService
	reporter *Reporter
	executor *Executor
	logger   arbor.ILogger

	staleThreshold   time.Duration
	runningThreshold time.Duration
	queuedThreshold  time.Duration

	cron *cron.Cron
}

// NewWatchdog creates the recovery watchdogs
func NewWatchdog(
	store interfaces.JobStorage,
	queue interfaces.QueueService,
	reporter *Reporter,
	executor *Executor,
	staleThreshold time.Duration,
	runningThreshold time.Duration,
	queuedThreshold time.Duration,
	logger arbor.ILogger,
) *Watchdog {
	return &Watchdog{
		store:            store,
		queue:            queue,
		reporter:         reporter,
		executor:         executor,
		logger:           logger,
		staleThreshold:   staleThreshold,
		runningThreshold: runningThreshold,
		queuedThreshold:  queuedThreshold,
	}
}

// Start registers the sweeps and starts the scheduler
func (w *Watchdog) Start(ctx context.Context) error {
	w.cron = cron.New()

	schedules := []struct {
		spec string
		run  func(context.Context)
	}{
		{staleFailSchedule, w.StaleFailSweep},
		{queuedRescueSchedule, w.QueuedRescueSweep},
		{runningRescueSchedule, w.RunningRescueSweep},
		{cleanupSchedule, w.CleanupSweep},
	}
	for _, s := range schedules {
		run := s.run
		if _, err := w.cron.AddFunc(s.spec, func() { run(ctx) }); err != nil {
			return fmt.Errorf("failed to schedule watchdog %s: %w", s.spec, err)
		}
	}

	w.cron.Start()
	w.logger.Info().
		Str("stale_threshold", w.staleThreshold.String()).
		Str("running_threshold", w.runningThreshold.String()).
		Str("queued_threshold", w.queuedThreshold.String()).
		Msg("Watchdogs started")
	return nil
}

// Stop halts the scheduler and waits for a running sweep to finish
func (w *Watchdog) Stop() {
	if w.cron != nil {
		<-w.cron.Stop().Done()
	}
}

// StaleFailSweep fails running jobs with no progress writes past the stale
// threshold. A job this old has no owner left to finish it.
func (w *Watchdog) StaleFailSweep(ctx context.Context) {
	cutoff := time.Now().Add(-w.staleThreshold)

	stalled, err := w.store.FindStalled(ctx, []string{models.JobStatusRunning}, cutoff, 0)
	if err != nil {
		w.logger.Error().Err(err).Msg("Stale-fail sweep failed to list jobs")
		return
	}

	for _, job := range stalled {
		age, known := common.TimestampAge(job.UpdatedAt, time.Now())
		if !known {
			// Missing or unparseable updated_at counts as stale
			age = w.staleThreshold
		}
		message := fmt.Sprintf("Job marked failed by watchdog: no progress updates for %d minutes.", int(age.Minutes()))

		w.logger.Warn().
			Str("job_id", job.ID).
			Str("updated_at", job.UpdatedAt).
			Msg("Failing stale job")

		w.reporter.MarkFailed(ctx, job.ID, message, &models.Event{
			Type:    models.EventJobFailed,
			Phase:   job.Progress.Phase,
			Message: message,
			Extra:   map[string]interface{}{"reason": "stale"},
		})
	}
}

// QueuedRescueSweep runs the oldest job stuck in the queued handoff. One job
// per tick keeps a backlog from monopolizing the scheduler; the next tick
// picks up the next one.
func (w *Watchdog) QueuedRescueSweep(ctx context.Context) {
	cutoff := time.Now().Add(-w.queuedThreshold)

	candidates, err := w.store.FindStalled(ctx, []string{models.JobStatusQueued, models.JobStatusRunning}, cutoff, 0)
	if err != nil {
		w.logger.Error().Err(err).Msg("Queued-rescue sweep failed to list jobs")
		return
	}

	for _, job := range candidates {
		if !job.HasQueuedMarker() {
			continue
		}
		stage, ok := models.StageForPhase(job.Progress.Phase)
		if !ok {
			continue
		}

		age, known := common.TimestampAge(job.UpdatedAt, time.Now())
		if !known {
			age = w.queuedThreshold
		}
		queuedFor := int(age.Seconds())
		detail := fmt.Sprintf("Rescue watchdog running %s stage (queued %ds)", stage, queuedFor)

		w.logger.Warn().
			Str("job_id", job.ID).
			Str("stage", stage).
			Int("queued_sec", queuedFor).
			Msg("Rescuing queued job")

		w.reporter.UpdateJobProgress(ctx, job.ID, ProgressUpdate{
			Phase:    stage,
			StepName: "Rescue",
			Detail:   detail,
			Event: &models.Event{
				Type:    models.EventProgress,
				Phase:   stage,
				Message: detail,
				Extra:   map[string]interface{}{"reason": "queued_watchdog"},
			},
		})

		if err := w.executor.RescueJob(ctx, job, stage); err != nil {
			w.logger.Error().Err(err).Str("job_id", job.ID).Str("stage", stage).Msg("Queued-rescue execution failed")
		}
		return
	}
}

// CleanupSweep removes expired job documents past their TTL
func (w *Watchdog) CleanupSweep(ctx context.Context) {
	deleted, err := w.store.DeleteExpired(ctx, time.Now())
	if err != nil {
		w.logger.Error().Err(err).Msg("Cleanup sweep failed")
		return
	}
	if deleted > 0 {
		w.logger.Info().Int("deleted", deleted).Msg("Expired jobs removed")
	}
}

// RunningRescueSweep re-enqueues running jobs whose message the queue appears
// to have lost: old enough that no consumer is working on them, not yet old
// enough for the stale-fail sweep, and without the queued handoff marker
// (those belong to the queued-rescue sweep). The Queued write lands first so
// the gate admits the replayed message, and resets updated_at so the job is
// not re-enqueued every tick.
func (w *Watchdog) RunningRescueSweep(ctx context.Context) {
	cutoff := time.Now().Add(-w.runningThreshold)

	candidates, err := w.store.FindStalled(ctx, []string{models.JobStatusRunning}, cutoff, 0)
	if err != nil {
		w.logger.Error().Err(err).Msg("Running-rescue sweep failed to list jobs")
		return
	}

	now := time.Now()
	for _, job := range candidates {
		if job.HasQueuedMarker() {
			continue
		}
		if age, known := common.TimestampAge(job.UpdatedAt, now); !known || age >= w.staleThreshold {
			// Unknown age or old enough for the stale-fail sweep; leave it alone
			continue
		}
		stage, ok := models.StageForPhase(job.Progress.Phase)
		if !ok {
			continue
		}

		w.logger.Warn().
			Str("job_id", job.ID).
			Str("stage", stage).
			Str("updated_at", job.UpdatedAt).
			Msg("Re-enqueueing dropped running job")

		detail := fmt.Sprintf("Re-queued %s stage by watchdog", stage)
		w.reporter.UpdateJobProgress(ctx, job.ID, ProgressUpdate{
			Phase:    stage,
			StepName: models.StepNameQueued,
			Detail:   detail,
			Event: &models.Event{
				Type:    models.EventProgress,
				Phase:   stage,
				Message: detail,
				Extra:   map[string]interface{}{"reason": "running_rescue_watchdog"},
			},
		})

		if err := w.queue.Enqueue(ctx, &models.StageMessage{JobID: job.ID, Stage: stage}); err != nil {
			// The job stays running; the next tick or the stale-fail sweep
			// picks it up.
			w.logger.Error().Err(err).Str("job_id", job.ID).Str("stage", stage).Msg("Running-rescue enqueue failed")
			w.reporter.AppendJobEvent(ctx, job.ID, models.Event{
				Type:    models.EventPhaseWarning,
				Phase:   stage,
				Message: fmt.Sprintf("Failed to re-enqueue %s stage: %v", stage, err),
			})
		}
	}
}
