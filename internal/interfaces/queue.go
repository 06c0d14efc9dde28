package interfaces

import (
	"context"
	"errors"
	"time"

	"github.com/paperpilot/paperpilot/internal/models"
)

// ErrNoMessage is returned when the queue has no visible messages
var ErrNoMessage = errors.New("no messages in queue")

// QueueService - interface for the persistent stage message queue
type QueueService interface {
	// Enqueue adds a stage message, immediately visible to consumers
	Enqueue(ctx context.Context, msg *models.StageMessage) error

	// Receive claims the next visible message and returns it with a delete
	// func. Returns ErrNoMessage when nothing is ready. A message that
	// exceeds its delivery budget is moved to the dead-letter sub-queue
	// instead of being returned.
	Receive(ctx context.Context) (*models.Delivery, func() error, error)

	// Extend pushes out the visibility deadline of an in-flight message
	Extend(ctx context.Context, messageID string, duration time.Duration) error

	// DLQ returns the dead-letter sub-queue, nil on the DLQ itself
	DLQ() QueueService

	// Close releases queue resources
	Close() error
}

// Notifier - interface for job outcome notifications
type Notifier interface {
	// Enabled reports whether a mail transport is configured
	Enabled() bool

	// SendCompletion emails the job owner that their report is ready
	SendCompletion(ctx context.Context, job *models.Job) error

	// SendFailure emails the job owner that the job failed
	SendFailure(ctx context.Context, job *models.Job) error
}
