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

// Consumer pulls stage messages off the queue and hands them to the executor.
// Delivery is at-least-once: a message is only deleted after the executor
// settles it, so a crash mid-stage redelivers after the visibility timeout.
type Consumer struct {
	queue        interfaces.QueueService
	executor     *Executor
	concurrency  int
	pollInterval time.Duration
	logger       arbor.ILogger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewConsumer creates a queue consumer with the given worker count
func NewConsumer(queue interfaces.QueueService, executor *Executor, concurrency int, pollInterval time.Duration, logger arbor.ILogger) *Consumer {
	if concurrency <= 0 {
		concurrency = 1
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Consumer{
		queue:        queue,
		executor:     executor,
		concurrency:  concurrency,
		pollInterval: pollInterval,
		logger:       logger,
	}
}

// Start launches the worker goroutines
func (c *Consumer) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)

	for i := 0; i < c.concurrency; i++ {
		c.wg.Add(1)
		go func(worker int) {
			defer c.wg.Done()
			c.run(ctx, worker)
		}(i)
	}

	c.logger.Info().Int("workers", c.concurrency).Msg("Queue consumer started")
}

// Stop signals the workers and waits for in-flight messages to settle
func (c *Consumer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.logger.Info().Msg("Queue consumer stopped")
}

func (c *Consumer) run(ctx context.Context, worker int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		delivery, deleteFn, err := c.queue.Receive(ctx)
		if err == interfaces.ErrNoMessage {
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.pollInterval):
			}
			continue
		}
		if err != nil {
			c.logger.Error().Err(err).Int("worker", worker).Msg("Queue receive failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.pollInterval):
			}
			continue
		}

		c.handle(ctx, worker, delivery, deleteFn)
	}
}

func (c *Consumer) handle(ctx context.Context, worker int, delivery *models.Delivery, deleteFn func() error) {
	jobID := delivery.Message.JobID
	stage := delivery.Message.Stage

	c.logger.Info().
		Int("worker", worker).
		Str("job_id", jobID).
		Str("stage", stage).
		Int("delivery_count", delivery.DeliveryCount).
		Float64("pickup_latency_sec", time.Since(delivery.EnqueuedAt).Seconds()).
		Msg("Processing stage message")

	processed, final, result, err := c.executor.ProcessJob(ctx, jobID, stage)
	if err != nil {
		// Leave the message in flight: it redelivers after the visibility
		// timeout, and the delivery budget eventually dead-letters it.
		c.logger.Error().Err(err).
			Str("job_id", jobID).
			Str("stage", stage).
			Msg("Stage execution failed, message will redeliver")
		c.executor.FailJob(ctx, jobID, fmt.Sprintf("%s stage failed: %v", stage, err))
		return
	}

	if err := deleteFn(); err != nil {
		c.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to delete settled message")
	}

	if processed && final {
		c.executor.CompleteJob(ctx, jobID, result)
	}
}
