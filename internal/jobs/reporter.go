package jobs

import (
	"context"

	"github.com/ternarybob/arbor"

	"github.com/paperpilot/paperpilot/internal/common"
	"github.com/paperpilot/paperpilot/internal/interfaces"
	"github.com/paperpilot/paperpilot/internal/models"
)

// Reporter is the single writer of job documents after creation. Stages,
// watchdogs and consumers all report through it; its writes are best-effort
// so a status update can never take down the pipeline it describes.
type Reporter struct {
	store     interfaces.JobStorage
	logger    arbor.ILogger
	maxEvents int
}

// NewReporter creates a progress reporter
func NewReporter(store interfaces.JobStorage, maxEvents int, logger arbor.ILogger) *Reporter {
	if maxEvents <= 0 {
		maxEvents = 100
	}
	return &Reporter{
		store:     store,
		logger:    logger,
		maxEvents: maxEvents,
	}
}

// ProgressUpdate carries the optional parts of a progress write
type ProgressUpdate struct {
	Status   string
	Phase    string
	Percent  float64
	Step     int
	StepName string
	Detail   string
	Event    *models.Event
	Result   models.JobResult
	Error    string
}

// AppendJobEvent appends a single event to the job log and mirrors it to the
// structured log at the event's level. Failures are logged and swallowed.
func (r *Reporter) AppendJobEvent(ctx context.Context, jobID string, event models.Event) {
	if event.Ts == "" {
		event.Ts = common.NowISO()
	}

	_, err := r.store.Mutate(ctx, jobID, func(job *models.Job) error {
		job.AppendEvent(event, r.maxEvents)
		job.UpdatedAt = common.NowISO()
		return nil
	})
	if err != nil {
		r.logger.Warn().Err(err).Str("job_id", jobID).Str("event", event.Type).Msg("Failed to append job event")
		return
	}

	r.mirrorEvent(jobID, &event)
}

// UpdateJobProgress applies a progress update as one read-modify-write:
// status, progress position, updated_at, and optionally result, error, and
// an event. A terminal status is never downgraded.
func (r *Reporter) UpdateJobProgress(ctx context.Context, jobID string, update ProgressUpdate) {
	now := common.NowISO()

	_, err := r.store.Mutate(ctx, jobID, func(job *models.Job) error {
		if job.IsTerminal() && update.Status != job.Status {
			// Sticky terminal: keep the recorded outcome, but still allow
			// the event to land so the log shows the late write.
			r.logger.Debug().
				Str("job_id", jobID).
				Str("status", job.Status).
				Str("attempted", update.Status).
				Msg("Ignoring status write to terminal job")
		} else if update.Status != "" {
			job.Status = update.Status
		}

		if update.Phase != "" {
			job.Progress.Phase = update.Phase
		}
		job.Progress.Percent = update.Percent
		if update.Step != 0 {
			job.Progress.Step = update.Step
		}
		if update.StepName != "" {
			job.Progress.StepName = update.StepName
		}
		if update.Detail != "" {
			job.Progress.Detail = update.Detail
		}
		job.Progress.UpdatedAt = now
		job.UpdatedAt = now

		if update.Result != nil {
			job.Result = update.Result
		}
		if update.Error != "" {
			job.Error = update.Error
		}
		if update.Event != nil {
			ev := *update.Event
			if ev.Ts == "" {
				ev.Ts = now
			}
			job.AppendEvent(ev, r.maxEvents)
		}
		return nil
	})
	if err != nil {
		r.logger.Warn().Err(err).Str("job_id", jobID).Str("phase", update.Phase).Msg("Failed to update job progress")
		return
	}

	if update.Event != nil {
		r.mirrorEvent(jobID, update.Event)
	}
}

// MarkCompleted sets the terminal completed status with the stage result
func (r *Reporter) MarkCompleted(ctx context.Context, jobID string, result models.JobResult, event *models.Event) {
	r.UpdateJobProgress(ctx, jobID, ProgressUpdate{
		Status:  models.JobStatusCompleted,
		Phase:   models.PhaseComplete,
		Percent: 100,
		Result:  result,
		Event:   event,
	})
}

// MarkFailed sets the terminal failed status with the error message
func (r *Reporter) MarkFailed(ctx context.Context, jobID string, message string, event *models.Event) {
	r.UpdateJobProgress(ctx, jobID, ProgressUpdate{
		Status: models.JobStatusFailed,
		Phase:  models.PhaseError,
		Error:  message,
		Event:  event,
	})
}

// mirrorEvent writes the event to the structured log at its level
func (r *Reporter) mirrorEvent(jobID string, event *models.Event) {
	level := event.Level
	if level == "" {
		level = models.EventLevel(event.Type)
	}

	entry := r.logger.Info()
	switch level {
	case models.LevelError:
		entry = r.logger.Error()
	case models.LevelWarning:
		entry = r.logger.Warn()
	}

	entry.
		Str("job_id", jobID).
		Str("event", event.Type).
		Str("phase", event.Phase).
		Msg(event.Message)
}
