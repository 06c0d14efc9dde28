package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/ternarybob/arbor"

	"github.com/paperpilot/paperpilot/internal/interfaces"
	"github.com/paperpilot/paperpilot/internal/models"
)

// DeadLetterMaxDelivery is the reason recorded when a message exhausts its
// delivery budget.
const DeadLetterMaxDelivery = "MaxDeliveryCountExceeded"

// dlqSuffix names the dead-letter sub-queue of a queue
const dlqSuffix = "-dlq"

// envelope is the internal structure stored in Badger
type envelope struct {
	ID                    string              `json:"id"`
	Body                  models.StageMessage `json:"body"`
	EnqueuedAt            time.Time           `json:"enqueued_at"`
	VisibleAt             time.Time           `json:"visible_at"`
	ReceiveCount          int                 `json:"receive_count"`
	DeadLetterReason      string              `json:"dead_letter_reason,omitempty"`
	DeadLetterDescription string              `json:"dead_letter_description,omitempty"`
}

// Manager implements a persistent queue on BadgerDB. Messages are stored
// under queue:{name}:msg:{id}; a visibility index under
// queue:{name}:index:{timestamp}:{id} orders them for receive. A message
// received more than maxReceive times moves to the {name}-dlq sub-queue with
// its dead-letter reason instead of being redelivered.
type Manager struct {
	db                *badgerdb.DB
	queueName         string
	visibilityTimeout time.Duration
	maxReceive        int
	dlq               *Manager
	logger            arbor.ILogger
}

// NewManager creates a Badger-backed queue with a dead-letter sub-queue
func NewManager(db *badgerdb.DB, queueName string, visibilityTimeout time.Duration, maxReceive int, logger arbor.ILogger) (*Manager, error) {
	if db == nil {
		return nil, errors.New("badger db is required")
	}
	if queueName == "" {
		return nil, errors.New("queue name is required")
	}
	if visibilityTimeout <= 0 {
		visibilityTimeout = 5 * time.Minute
	}
	if maxReceive <= 0 {
		maxReceive = 3
	}

	m := &Manager{
		db:                db,
		queueName:         queueName,
		visibilityTimeout: visibilityTimeout,
		maxReceive:        maxReceive,
		logger:            logger,
	}

	// The DLQ never dead-letters again: messages stay until the processor
	// drains them.
	m.dlq = &Manager{
		db:                db,
		queueName:         queueName + dlqSuffix,
		visibilityTimeout: visibilityTimeout,
		maxReceive:        0,
		logger:            logger,
	}

	return m, nil
}

// DLQ returns the dead-letter sub-queue, nil on the DLQ itself
func (m *Manager) DLQ() interfaces.QueueService {
	if m.dlq == nil {
		return nil
	}
	return m.dlq
}

// Enqueue adds a message to the queue, immediately visible
func (m *Manager) Enqueue(ctx context.Context, msg *models.StageMessage) error {
	id := uuid.New().String()
	now := time.Now()

	env := envelope{
		ID:         id,
		Body:       *msg,
		EnqueuedAt: now,
		VisibleAt:  now,
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal queue message: %w", err)
	}

	err = m.db.Update(func(txn *badgerdb.Txn) error {
		if err := txn.Set(m.msgKey(id), data); err != nil {
			return err
		}
		return txn.Set(m.indexKey(env.VisibleAt, id), []byte{})
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue message: %w", err)
	}

	m.logger.Trace().
		Str("queue", m.queueName).
		Str("message_id", id).
		Str("job_id", msg.JobID).
		Str("stage", msg.Stage).
		Msg("Message enqueued")
	return nil
}

// Receive pulls the next visible message from the queue. The returned delete
// func acknowledges the message; an unacknowledged message becomes visible
// again after the visibility timeout.
func (m *Manager) Receive(ctx context.Context) (*models.Delivery, func() error, error) {
	var env envelope
	var msgID string
	var oldIndexKey []byte

	// The transaction must commit even when the scan comes up empty: a scan
	// that only dead-lettered poison messages has writes that need to land.
	found := false

	err := m.db.Update(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := []byte(fmt.Sprintf("queue:%s:index:", m.queueName))
		it := txn.NewIterator(opts)
		defer it.Close()

		now := time.Now()
		found = false

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)

			ts, id, err := m.parseIndexKey(key)
			if err != nil {
				continue // Skip invalid keys
			}

			if ts.After(now) {
				// Index keys sort by timestamp; nothing further is ready
				break
			}

			item, err := txn.Get(m.msgKey(id))
			if err != nil {
				if err == badgerdb.ErrKeyNotFound {
					// Index without message: clean up and keep scanning
					if err := txn.Delete(key); err != nil {
						return err
					}
					continue
				}
				return err
			}

			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &env)
			}); err != nil {
				return err
			}

			// A message past its delivery budget moves to the DLQ rather
			// than circulating as a poison pill.
			if m.maxReceive > 0 && env.ReceiveCount >= m.maxReceive {
				if err := m.deadLetter(txn, key, &env); err != nil {
					return err
				}
				continue
			}

			found = true
			msgID = id
			oldIndexKey = key
			break
		}

		if !found {
			return nil
		}

		env.ReceiveCount++
		env.VisibleAt = time.Now().Add(m.visibilityTimeout)

		newData, err := json.Marshal(env)
		if err != nil {
			return err
		}
		if err := txn.Set(m.msgKey(msgID), newData); err != nil {
			return err
		}
		if err := txn.Delete(oldIndexKey); err != nil {
			return err
		}
		return txn.Set(m.indexKey(env.VisibleAt, msgID), []byte{})
	})

	if err != nil {
		return nil, nil, err
	}
	if !found {
		return nil, nil, interfaces.ErrNoMessage
	}

	delivery := &models.Delivery{
		MessageID:             env.ID,
		Message:               env.Body,
		EnqueuedAt:            env.EnqueuedAt,
		DeliveryCount:         env.ReceiveCount,
		DeadLetterReason:      env.DeadLetterReason,
		DeadLetterDescription: env.DeadLetterDescription,
	}

	deleteFn := func() error {
		return m.deleteMessage(msgID)
	}

	return delivery, deleteFn, nil
}

// deadLetter moves a message to the DLQ inside the receive transaction
func (m *Manager) deadLetter(txn *badgerdb.Txn, indexKey []byte, env *envelope) error {
	if err := txn.Delete(indexKey); err != nil {
		return err
	}
	if err := txn.Delete(m.msgKey(env.ID)); err != nil {
		return err
	}

	dead := *env
	dead.DeadLetterReason = DeadLetterMaxDelivery
	dead.DeadLetterDescription = fmt.Sprintf("Message delivered %d times without being settled.", env.ReceiveCount)
	dead.VisibleAt = time.Now()

	data, err := json.Marshal(dead)
	if err != nil {
		return err
	}
	if err := txn.Set(m.dlq.msgKey(dead.ID), data); err != nil {
		return err
	}
	if err := txn.Set(m.dlq.indexKey(dead.VisibleAt, dead.ID), []byte{}); err != nil {
		return err
	}

	m.logger.Warn().
		Str("queue", m.queueName).
		Str("message_id", env.ID).
		Str("job_id", env.Body.JobID).
		Str("stage", env.Body.Stage).
		Int("receive_count", env.ReceiveCount).
		Msg("Message moved to dead-letter queue")
	return nil
}

func (m *Manager) deleteMessage(msgID string) error {
	return m.db.Update(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(m.msgKey(msgID))
		if err != nil {
			if err == badgerdb.ErrKeyNotFound {
				return nil // Already deleted
			}
			return err
		}

		var current envelope
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &current)
		}); err != nil {
			return err
		}

		if err := txn.Delete(m.indexKey(current.VisibleAt, msgID)); err != nil {
			if err != badgerdb.ErrKeyNotFound {
				return err
			}
		}
		return txn.Delete(m.msgKey(msgID))
	})
}

// Extend pushes out the visibility deadline of an in-flight message
func (m *Manager) Extend(ctx context.Context, messageID string, duration time.Duration) error {
	return m.db.Update(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(m.msgKey(messageID))
		if err != nil {
			return err
		}

		var env envelope
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &env)
		}); err != nil {
			return err
		}

		oldVisibleAt := env.VisibleAt
		env.VisibleAt = time.Now().Add(duration)

		newData, err := json.Marshal(env)
		if err != nil {
			return err
		}
		if err := txn.Set(m.msgKey(messageID), newData); err != nil {
			return err
		}
		if err := txn.Delete(m.indexKey(oldVisibleAt, messageID)); err != nil {
			if err != badgerdb.ErrKeyNotFound {
				return err
			}
		}
		return txn.Set(m.indexKey(env.VisibleAt, messageID), []byte{})
	})
}

// Close closes the queue manager (no-op, the DB is managed externally)
func (m *Manager) Close() error {
	return nil
}

// Helpers

func (m *Manager) msgKey(id string) []byte {
	return []byte(fmt.Sprintf("queue:%s:msg:%s", m.queueName, id))
}

func (m *Manager) indexKey(visibleAt time.Time, id string) []byte {
	ts := visibleAt.UnixNano()
	// Zero pad to 20 digits so string sorting matches numeric sorting
	return []byte(fmt.Sprintf("queue:%s:index:%020d:%s", m.queueName, ts, id))
}

func (m *Manager) parseIndexKey(key []byte) (time.Time, string, error) {
	prefixStr := fmt.Sprintf("queue:%s:index:", m.queueName)
	if len(key) <= len(prefixStr) {
		return time.Time{}, "", fmt.Errorf("invalid key length")
	}

	suffix := string(key[len(prefixStr):])
	// Suffix is "{20-digit-ts}:{id}"
	if len(suffix) < 21 {
		return time.Time{}, "", fmt.Errorf("invalid suffix length")
	}

	tsStr := suffix[:20]
	id := suffix[21:]

	var ts int64
	if _, err := fmt.Sscanf(tsStr, "%d", &ts); err != nil {
		return time.Time{}, "", err
	}

	return time.Unix(0, ts), id, nil
}
