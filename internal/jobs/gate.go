package jobs

import (
	"context"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/paperpilot/paperpilot/internal/common"
	"github.com/paperpilot/paperpilot/internal/interfaces"
	"github.com/paperpilot/paperpilot/internal/models"
)

// Gate decisions for an incoming stage message
type Decision int

const (
	// DecisionSkip - the message is a duplicate, late, or unowned; ack and drop
	DecisionSkip Decision = iota
	// DecisionAlreadyFinal - the job already reached a terminal status
	DecisionAlreadyFinal
	// DecisionProceed - this worker owns the stage and should run it
	DecisionProceed
)

// Document reads can trail a just-committed progress write. A message whose
// stage runs ahead of the recorded phase gets a short re-read window before
// the gate gives up on it.
const (
	gateRecheckWindow   = 2 * time.Second
	gateRecheckInterval = 150 * time.Millisecond
)

// Gate decides whether a received stage message should execute. Redelivered
// and duplicate messages are the norm under at-least-once delivery; the gate
// is what makes stage execution effectively once per phase.
type Gate struct {
	store          interfaces.JobStorage
	staleThreshold time.Duration
	logger         arbor.ILogger
}

// NewGate creates an idempotency gate
func NewGate(store interfaces.JobStorage, staleThreshold time.Duration, logger arbor.ILogger) *Gate {
	return &Gate{
		store:          store,
		staleThreshold: staleThreshold,
		logger:         logger,
	}
}

// phasePosition clamps non-pipeline phases (init, empty, anything unknown)
// to -1 so every stage counts as ahead of them.
func phasePosition(phase string) int {
	idx := models.PhaseIndex(phase)
	if idx < -1 {
		return -1
	}
	return idx
}

// Check evaluates a stage message against the current job document and
// returns the decision together with the freshest document read.
func (g *Gate) Check(ctx context.Context, jobID string, stage string) (*models.Job, Decision, error) {
	job, err := g.store.GetJob(ctx, jobID)
	if err != nil {
		if err == interfaces.ErrJobNotFound {
			g.logger.Warn().Str("job_id", jobID).Str("stage", stage).Msg("Stage message for unknown job, dropping")
			return nil, DecisionSkip, nil
		}
		return nil, DecisionSkip, err
	}

	if job.IsTerminal() {
		g.logger.Debug().Str("job_id", jobID).Str("status", job.Status).Msg("Job already terminal, dropping stage message")
		return job, DecisionAlreadyFinal, nil
	}

	stageIdx := models.StageIndex(stage)
	if stageIdx < 0 {
		g.logger.Warn().Str("job_id", jobID).Str("stage", stage).Msg("Unknown stage on message, dropping")
		return job, DecisionSkip, nil
	}

	// A job with no recent progress writes gets processed regardless of its
	// recorded position: whoever owned it is gone.
	if common.IsStaleTimestamp(job.UpdatedAt, g.staleThreshold, time.Now()) {
		g.logger.Info().
			Str("job_id", jobID).
			Str("stage", stage).
			Str("updated_at", job.UpdatedAt).
			Msg("Job is stale, allowing stage to run")
		return job, DecisionProceed, nil
	}

	curIdx := phasePosition(job.Progress.Phase)

	if stageIdx < curIdx {
		g.logger.Debug().
			Str("job_id", jobID).
			Str("stage", stage).
			Str("phase", job.Progress.Phase).
			Msg("Stage already completed, dropping duplicate message")
		return job, DecisionSkip, nil
	}

	if stageIdx > curIdx {
		// The handoff write may not be visible yet. Re-read until the phase
		// is within one step of the message's stage or the window closes.
		deadline := time.Now().Add(gateRecheckWindow)
		for stageIdx-curIdx > 1 && time.Now().Before(deadline) {
			select {
			case <-ctx.Done():
				return job, DecisionSkip, ctx.Err()
			case <-time.After(gateRecheckInterval):
			}

			fresh, err := g.store.GetJob(ctx, jobID)
			if err != nil {
				break
			}
			job = fresh
			if job.IsTerminal() {
				return job, DecisionAlreadyFinal, nil
			}
			curIdx = phasePosition(job.Progress.Phase)
		}

		if stageIdx-curIdx == 1 {
			// Exactly one ahead is the handoff in flight: the enqueue
			// happened after the Queued progress write for this stage.
			return job, DecisionProceed, nil
		}
		if stageIdx-curIdx > 1 {
			g.logger.Warn().
				Str("job_id", jobID).
				Str("stage", stage).
				Str("phase", job.Progress.Phase).
				Msg("Stage message runs ahead of job phase, dropping")
			return job, DecisionSkip, nil
		}
		if stageIdx < curIdx {
			return job, DecisionSkip, nil
		}
		// Fell through to stage == phase; continue with the ownership check
	}

	// Same stage as the recorded phase: only the queued handoff marker
	// says nobody is working on it yet.
	if !job.HasQueuedMarker() {
		g.logger.Debug().
			Str("job_id", jobID).
			Str("stage", stage).
			Str("step_name", job.Progress.StepName).
			Msg("Stage already in flight elsewhere, dropping message")
		return job, DecisionSkip, nil
	}

	return job, DecisionProceed, nil
}
