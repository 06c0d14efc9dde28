package queue

import (
	"context"
	"os"
	"testing"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"

	"github.com/paperpilot/paperpilot/internal/interfaces"
	"github.com/paperpilot/paperpilot/internal/models"
)

func newTestQueue(t *testing.T, visibility time.Duration, maxReceive int) *Manager {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "queue-test")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	opts := badgerdb.DefaultOptions(tmpDir)
	opts.Logger = nil
	db, err := badgerdb.Open(opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	q, err := NewManager(db, "test-jobs", visibility, maxReceive, arbor.NewLogger())
	if err != nil {
		t.Fatal(err)
	}
	return q
}

func TestEnqueueReceiveDelete(t *testing.T) {
	q := newTestQueue(t, time.Minute, 3)
	ctx := context.Background()

	msg := &models.StageMessage{JobID: "job-1", Stage: models.StageSearch}
	if err := q.Enqueue(ctx, msg); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	delivery, deleteFn, err := q.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if delivery.Message.JobID != "job-1" || delivery.Message.Stage != models.StageSearch {
		t.Errorf("Unexpected message: %+v", delivery.Message)
	}
	if delivery.DeliveryCount != 1 {
		t.Errorf("Expected delivery count 1, got %d", delivery.DeliveryCount)
	}
	if delivery.MessageID == "" {
		t.Error("Expected a message ID")
	}
	if delivery.EnqueuedAt.IsZero() {
		t.Error("Expected enqueued time")
	}

	if err := deleteFn(); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if _, _, err := q.Receive(ctx); err != interfaces.ErrNoMessage {
		t.Errorf("Expected ErrNoMessage after delete, got %v", err)
	}
}

func TestReceiveEmptyQueue(t *testing.T) {
	q := newTestQueue(t, time.Minute, 3)
	if _, _, err := q.Receive(context.Background()); err != interfaces.ErrNoMessage {
		t.Errorf("Expected ErrNoMessage, got %v", err)
	}
}

func TestVisibilityTimeoutRedelivery(t *testing.T) {
	q := newTestQueue(t, 50*time.Millisecond, 3)
	ctx := context.Background()

	if err := q.Enqueue(ctx, &models.StageMessage{JobID: "job-1", Stage: models.StageRanking}); err != nil {
		t.Fatal(err)
	}

	// Receive without acknowledging
	if _, _, err := q.Receive(ctx); err != nil {
		t.Fatal(err)
	}

	// Invisible while in flight
	if _, _, err := q.Receive(ctx); err != interfaces.ErrNoMessage {
		t.Errorf("Expected message to be invisible, got %v", err)
	}

	time.Sleep(80 * time.Millisecond)

	delivery, deleteFn, err := q.Receive(ctx)
	if err != nil {
		t.Fatalf("Expected redelivery after visibility timeout: %v", err)
	}
	if delivery.DeliveryCount != 2 {
		t.Errorf("Expected delivery count 2, got %d", delivery.DeliveryCount)
	}
	deleteFn()
}

func TestMaxDeliveryMovesToDLQ(t *testing.T) {
	q := newTestQueue(t, 10*time.Millisecond, 2)
	ctx := context.Background()

	if err := q.Enqueue(ctx, &models.StageMessage{JobID: "job-poison", Stage: models.StageReport}); err != nil {
		t.Fatal(err)
	}

	// Burn through the delivery budget without acknowledging
	for i := 0; i < 2; i++ {
		if _, _, err := q.Receive(ctx); err != nil {
			t.Fatalf("Receive %d failed: %v", i+1, err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	// The next receive moves the message to the DLQ and finds nothing
	if _, _, err := q.Receive(ctx); err != interfaces.ErrNoMessage {
		t.Errorf("Expected ErrNoMessage once budget exhausted, got %v", err)
	}

	// The move must have committed: the message never comes back here
	time.Sleep(20 * time.Millisecond)
	if _, _, err := q.Receive(ctx); err != interfaces.ErrNoMessage {
		t.Errorf("Expected dead-lettered message gone from the main queue, got %v", err)
	}

	dlq := q.DLQ()
	if dlq == nil {
		t.Fatal("Expected a DLQ")
	}

	delivery, deleteFn, err := dlq.Receive(ctx)
	if err != nil {
		t.Fatalf("Expected dead-lettered message: %v", err)
	}
	if delivery.Message.JobID != "job-poison" {
		t.Errorf("Unexpected DLQ message: %+v", delivery.Message)
	}
	if delivery.DeadLetterReason != DeadLetterMaxDelivery {
		t.Errorf("Expected reason %q, got %q", DeadLetterMaxDelivery, delivery.DeadLetterReason)
	}
	if delivery.DeadLetterDescription == "" {
		t.Error("Expected a dead-letter description")
	}
	deleteFn()

	if _, _, err := dlq.Receive(ctx); err != interfaces.ErrNoMessage {
		t.Errorf("Expected empty DLQ after drain, got %v", err)
	}
}

func TestFIFOOrdering(t *testing.T) {
	q := newTestQueue(t, time.Minute, 3)
	ctx := context.Background()

	stages := []string{models.StageSearch, models.StageRanking, models.StageReport}
	for _, stage := range stages {
		if err := q.Enqueue(ctx, &models.StageMessage{JobID: "job-1", Stage: stage}); err != nil {
			t.Fatal(err)
		}
		// Distinct enqueue timestamps keep the index ordering deterministic
		time.Sleep(2 * time.Millisecond)
	}

	for _, want := range stages {
		delivery, deleteFn, err := q.Receive(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if delivery.Message.Stage != want {
			t.Errorf("Expected stage %q, got %q", want, delivery.Message.Stage)
		}
		deleteFn()
	}
}

func TestExtendKeepsMessageInvisible(t *testing.T) {
	q := newTestQueue(t, 50*time.Millisecond, 5)
	ctx := context.Background()

	if err := q.Enqueue(ctx, &models.StageMessage{JobID: "job-1", Stage: models.StageSearch}); err != nil {
		t.Fatal(err)
	}

	delivery, deleteFn, err := q.Receive(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if err := q.Extend(ctx, delivery.MessageID, time.Minute); err != nil {
		t.Fatalf("Extend failed: %v", err)
	}

	time.Sleep(80 * time.Millisecond)

	// Still invisible despite the original timeout having passed
	if _, _, err := q.Receive(ctx); err != interfaces.ErrNoMessage {
		t.Errorf("Expected extended message to stay invisible, got %v", err)
	}
	deleteFn()
}
