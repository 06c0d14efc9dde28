package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/paperpilot/paperpilot/internal/interfaces"
	"github.com/paperpilot/paperpilot/internal/models"
)

// DLQProcessor drains the dead-letter queue and records the outcome on the
// affected jobs. A dead-lettered message means every delivery attempt failed;
// the job it belongs to is failed with the dead-letter reason unless it
// already reached a terminal status on its own.
type DLQProcessor struct {
	dlq      interfaces.QueueService
	store    interfaces.JobStorage
	reporter *Reporter
	interval time.Duration
	logger   arbor.ILogger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewDLQProcessor creates a dead-letter queue processor
func NewDLQProcessor(dlq interfaces.QueueService, store interfaces.JobStorage, reporter *Reporter, interval time.Duration, logger arbor.ILogger) *DLQProcessor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &DLQProcessor{
		dlq:      dlq,
		store:    store,
		reporter: reporter,
		interval: interval,
		logger:   logger,
	}
}

// Start launches the drain loop
func (p *DLQProcessor) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.Drain(ctx)
			}
		}
	}()

	p.logger.Info().Str("interval", p.interval.String()).Msg("DLQ processor started")
}

// Stop signals the drain loop and waits for it to finish
func (p *DLQProcessor) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// Drain processes every currently visible dead-lettered message
func (p *DLQProcessor) Drain(ctx context.Context) {
	for {
		delivery, deleteFn, err := p.dlq.Receive(ctx)
		if err == interfaces.ErrNoMessage {
			return
		}
		if err != nil {
			p.logger.Error().Err(err).Msg("DLQ receive failed")
			return
		}

		p.process(ctx, delivery)

		// Dead-lettered messages are always settled: there is nothing left
		// to retry.
		if err := deleteFn(); err != nil {
			p.logger.Warn().Err(err).Str("message_id", delivery.MessageID).Msg("Failed to delete dead-lettered message")
		}
	}
}

func (p *DLQProcessor) process(ctx context.Context, delivery *models.Delivery) {
	jobID := delivery.Message.JobID

	job, err := p.store.GetJob(ctx, jobID)
	if err == interfaces.ErrJobNotFound {
		p.logger.Warn().
			Str("job_id", jobID).
			Str("stage", delivery.Message.Stage).
			Msg("Dead-lettered message for unknown job, dropping")
		return
	}
	if err != nil {
		p.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to load job for dead-lettered message")
		return
	}

	if job.IsTerminal() {
		p.logger.Info().
			Str("job_id", jobID).
			Str("status", job.Status).
			Msg("Dead-lettered message for terminal job, dropping")
		return
	}

	message := fmt.Sprintf("Job dead-lettered: %s. %s", delivery.DeadLetterReason, delivery.DeadLetterDescription)
	p.reporter.MarkFailed(ctx, jobID, message, &models.Event{
		Type:    models.EventJobFailed,
		Phase:   delivery.Message.Stage,
		Message: message,
	})
}
