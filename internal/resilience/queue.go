package resilience

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fastbreakhq/walletsync/internal/state"
)

// defaultMaxRetries bounds how often a queued action is retried before
// it is dropped.
const defaultMaxRetries = 3

// Action is a side-effecting operation queued while the device is
// offline. Higher Priority drains first; equal priorities drain FIFO.
type Action struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Data       json.RawMessage `json:"data,omitempty"`
	Priority   int             `json:"priority"`
	Timestamp  time.Time       `json:"timestamp"`
	RetryCount int             `json:"retryCount"`
	MaxRetries int             `json:"maxRetries"`
}

// ActionHandler executes one queued action once connectivity returns.
type ActionHandler func(ctx context.Context, action Action) error

// OfflineQueue holds actions awaiting connectivity. When backed by a
// state DB the queue survives process restarts; in-memory operation is
// used in tests.
type OfflineQueue struct {
	logger *slog.Logger
	db     *state.DB // nil for in-memory only

	mu       sync.Mutex
	actions  []Action
	handlers map[string]ActionHandler
}

// NewOfflineQueue creates a queue. db may be nil for in-memory use;
// otherwise previously persisted actions are loaded back.
func NewOfflineQueue(db *state.DB, logger *slog.Logger) (*OfflineQueue, error) {
	q := &OfflineQueue{
		logger:   logger,
		db:       db,
		handlers: make(map[string]ActionHandler),
	}
	if db != nil {
		if err := q.loadPersisted(); err != nil {
			return nil, fmt.Errorf("loading offline queue: %w", err)
		}
	}
	return q, nil
}

// RegisterHandler binds an action type to its executor. Actions with no
// registered handler fail their attempt when drained.
func (q *OfflineQueue) RegisterHandler(actionType string, fn ActionHandler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[actionType] = fn
}

// Enqueue adds an action to the queue. Missing IDs, timestamps, and
// retry bounds are filled in.
func (q *OfflineQueue) Enqueue(action Action) error {
	if action.ID == "" {
		action.ID = uuid.NewString()
	}
	if action.Timestamp.IsZero() {
		action.Timestamp = time.Now()
	}
	if action.MaxRetries <= 0 {
		action.MaxRetries = defaultMaxRetries
	}

	q.mu.Lock()
	q.actions = append(q.actions, action)
	q.mu.Unlock()

	q.logger.Debug("queued offline action",
		slog.String("id", action.ID),
		slog.String("type", action.Type),
		slog.Int("priority", action.Priority),
	)

	return q.persist(action)
}

// Len returns the number of queued actions.
func (q *OfflineQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.actions)
}

// Process drains the queue in priority order (high first, FIFO within a
// priority). Each action gets one attempt: success removes it, failure
// re-queues it with an incremented retry count, and an action that has
// exhausted its retries is dropped for good.
func (q *OfflineQueue) Process(ctx context.Context) {
	q.mu.Lock()
	batch := make([]Action, len(q.actions))
	copy(batch, q.actions)
	q.actions = q.actions[:0]
	handlers := q.handlers
	q.mu.Unlock()

	sort.SliceStable(batch, func(i, j int) bool {
		if batch[i].Priority != batch[j].Priority {
			return batch[i].Priority > batch[j].Priority
		}
		return batch[i].Timestamp.Before(batch[j].Timestamp)
	})

	var requeue []Action
	for _, action := range batch {
		if ctx.Err() != nil {
			requeue = append(requeue, action)
			continue
		}

		handler, ok := handlers[action.Type]
		var err error
		if !ok {
			err = fmt.Errorf("no handler for action type %q", action.Type)
		} else {
			err = handler(ctx, action)
		}

		if err == nil {
			q.unpersist(action.ID)
			continue
		}

		action.RetryCount++
		if action.RetryCount >= action.MaxRetries {
			q.logger.Warn("dropping offline action after exhausting retries",
				slog.String("id", action.ID),
				slog.String("type", action.Type),
				slog.String("error", err.Error()),
			)
			q.unpersist(action.ID)
			continue
		}

		q.logger.Debug("offline action failed, re-queued",
			slog.String("id", action.ID),
			slog.Int("retryCount", action.RetryCount),
		)
		requeue = append(requeue, action)
		_ = q.persist(action)
	}

	if len(requeue) > 0 {
		q.mu.Lock()
		q.actions = append(requeue, q.actions...)
		q.mu.Unlock()
	}
}

func (q *OfflineQueue) persist(action Action) error {
	if q.db == nil {
		return nil
	}
	data, err := json.Marshal(action)
	if err != nil {
		return fmt.Errorf("serializing action: %w", err)
	}
	return q.db.Put(state.QueueBucket, action.ID, data)
}

func (q *OfflineQueue) unpersist(id string) {
	if q.db == nil {
		return
	}
	if err := q.db.Delete(state.QueueBucket, id); err != nil {
		q.logger.Warn("removing persisted action", slog.String("id", id), slog.String("error", err.Error()))
	}
}

func (q *OfflineQueue) loadPersisted() error {
	return q.db.ForEachPrefix(state.QueueBucket, "", func(_ string, value []byte) error {
		var action Action
		if err := json.Unmarshal(value, &action); err != nil {
			return err
		}
		q.actions = append(q.actions, action)
		return nil
	})
}
