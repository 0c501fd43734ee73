// Package audit keeps an append-only, queryable log of every sync
// operation outcome. Events are persisted in the state database, bounded
// by a retention window, and sensitive metadata can be one-way hashed so
// the audit trail never leaks what the encryption layer protects.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fastbreakhq/walletsync/internal/state"
)

// Action is the CRUD verb an event records.
type Action string

const (
	ActionCreate Action = "CREATE"
	ActionRead   Action = "READ"
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"
)

// Result is the outcome of the audited operation.
type Result string

const (
	ResultSuccess Result = "SUCCESS"
	ResultFailure Result = "FAILURE"
)

// sweepInterval controls how often the retention sweep runs. Queries
// also filter expired events, so the sweep only reclaims space.
const sweepInterval = time.Hour

// sensitiveKeys lists metadata fields that are hashed rather than stored
// in plaintext when hashing is enabled.
var sensitiveKeys = map[string]bool{
	"walletAddress": true,
	"address":       true,
	"identifier":    true,
}

// Event is one append-only audit record.
type Event struct {
	ID         string            `json:"id"`
	Timestamp  time.Time         `json:"timestamp"`
	UserID     string            `json:"userId"`
	SessionID  string            `json:"sessionId"`
	Operation  string            `json:"operation"`
	Resource   string            `json:"resource"`
	Action     Action            `json:"action"`
	Result     Result            `json:"result"`
	DurationMS int64             `json:"durationMs"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Config controls retention and hashing behavior.
type Config struct {
	// RetentionDays bounds how long events are kept. Zero selects 90.
	RetentionDays int

	// HashSensitiveData one-way hashes sensitive metadata fields.
	HashSensitiveData bool
}

// Filter narrows a query. Zero fields match everything.
type Filter struct {
	UserID    string
	Operation string
	From      time.Time
	To        time.Time
	Limit     int
}

// Stats summarizes events in a time range.
type Stats struct {
	TotalEvents     int
	EventsByResult  map[Result]int
	AverageDuration float64 // milliseconds
	ErrorRate       float64 // failures / total, 0 when empty
}

// Logger appends audit events to the state database. Writes for a single
// operation are ordered by call sequence because each log call assigns a
// monotonic storage key before returning.
type Logger struct {
	db     *state.DB
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	// seq breaks key ties between events logged in the same nanosecond.
	mu  sync.Mutex
	seq uint64

	stop     chan struct{}
	stopOnce sync.Once
}

// NewLogger creates an audit logger and starts the retention sweep.
func NewLogger(db *state.DB, cfg Config, logger *slog.Logger) *Logger {
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 90
	}
	l := &Logger{
		db:     db,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		stop:   make(chan struct{}),
	}
	go l.sweepLoop()
	return l
}

// Stop terminates the retention sweep goroutine.
func (l *Logger) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

func (l *Logger) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n, err := l.Sweep(); err != nil {
				l.logger.Warn("audit retention sweep failed", slog.String("error", err.Error()))
			} else if n > 0 {
				l.logger.Debug("audit retention sweep", slog.Int("purged", n))
			}
		case <-l.stop:
			return
		}
	}
}

// LogSyncOperation appends one event for a sync or storage operation.
func (l *Logger) LogSyncOperation(userID, sessionID, operation, resource string, action Action, result Result, metadata map[string]string, duration time.Duration) error {
	event := Event{
		ID:         uuid.NewString(),
		Timestamp:  l.now(),
		UserID:     userID,
		SessionID:  sessionID,
		Operation:  operation,
		Resource:   resource,
		Action:     action,
		Result:     result,
		DurationMS: duration.Milliseconds(),
		Metadata:   l.sanitize(metadata),
	}
	return l.append(event)
}

// LogWalletConnection records a wallet connect or disconnect. The
// address lands in metadata and is therefore hashed when hashing is on.
func (l *Logger) LogWalletConnection(userID, sessionID, address, event string, result Result) error {
	return l.LogSyncOperation(userID, sessionID, "wallet_"+event, "wallet",
		ActionUpdate, result, map[string]string{"walletAddress": address}, 0)
}

func (l *Logger) append(event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("serializing audit event: %w", err)
	}

	l.mu.Lock()
	l.seq++
	key := fmt.Sprintf("%020d_%08d", event.Timestamp.UnixNano(), l.seq)
	l.mu.Unlock()

	if err := l.db.Put(state.AuditBucket, key, data); err != nil {
		return fmt.Errorf("appending audit event: %w", err)
	}
	return nil
}

// sanitize hashes sensitive metadata values when configured.
func (l *Logger) sanitize(metadata map[string]string) map[string]string {
	if len(metadata) == 0 {
		return nil
	}
	out := make(map[string]string, len(metadata))
	for k, v := range metadata {
		if l.cfg.HashSensitiveData && sensitiveKeys[k] {
			out[k] = hashValue(v)
		} else {
			out[k] = v
		}
	}
	return out
}

// hashValue returns a truncated SHA-256 digest; enough to correlate
// events for one subject without being reversible.
func hashValue(v string) string {
	h := sha256.Sum256([]byte(v))
	return hex.EncodeToString(h[:8])
}

// retentionCutoff is the oldest timestamp queries will return.
func (l *Logger) retentionCutoff() time.Time {
	return l.now().AddDate(0, 0, -l.cfg.RetentionDays)
}

// Query returns events matching the filter in append order. Events past
// retention are never returned even if the sweep has not removed them
// yet.
func (l *Logger) Query(filter Filter) ([]Event, error) {
	cutoff := l.retentionCutoff()
	var events []Event
	err := l.db.ForEachPrefix(state.AuditBucket, "", func(_ string, value []byte) error {
		if filter.Limit > 0 && len(events) >= filter.Limit {
			return nil
		}
		var e Event
		if err := json.Unmarshal(value, &e); err != nil {
			return err
		}
		if e.Timestamp.Before(cutoff) {
			return nil
		}
		if filter.UserID != "" && e.UserID != filter.UserID {
			return nil
		}
		if filter.Operation != "" && e.Operation != filter.Operation {
			return nil
		}
		if !filter.From.IsZero() && e.Timestamp.Before(filter.From) {
			return nil
		}
		if !filter.To.IsZero() && e.Timestamp.After(filter.To) {
			return nil
		}
		events = append(events, e)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("querying audit events: %w", err)
	}
	return events, nil
}

// Statistics aggregates events in the given time range.
func (l *Logger) Statistics(from, to time.Time) (Stats, error) {
	events, err := l.Query(Filter{From: from, To: to})
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{
		TotalEvents:    len(events),
		EventsByResult: make(map[Result]int),
	}
	if len(events) == 0 {
		return stats, nil
	}

	var totalDuration int64
	for _, e := range events {
		stats.EventsByResult[e.Result]++
		totalDuration += e.DurationMS
	}
	stats.AverageDuration = float64(totalDuration) / float64(len(events))
	stats.ErrorRate = float64(stats.EventsByResult[ResultFailure]) / float64(len(events))
	return stats, nil
}

// Export serializes a user's audit trail as "json" or "csv".
func (l *Logger) Export(userID, format string) (string, error) {
	events, err := l.Query(Filter{UserID: userID})
	if err != nil {
		return "", err
	}

	switch format {
	case "json":
		data, err := json.MarshalIndent(events, "", "  ")
		if err != nil {
			return "", fmt.Errorf("exporting audit data: %w", err)
		}
		return string(data), nil
	case "csv":
		var b strings.Builder
		b.WriteString("id,timestamp,userId,sessionId,operation,resource,action,result,durationMs\n")
		for _, e := range events {
			fmt.Fprintf(&b, "%s,%s,%s,%s,%s,%s,%s,%s,%d\n",
				e.ID, e.Timestamp.Format(time.RFC3339), e.UserID, e.SessionID,
				e.Operation, e.Resource, e.Action, e.Result, e.DurationMS)
		}
		return b.String(), nil
	default:
		return "", fmt.Errorf("unsupported export format %q", format)
	}
}

// DeleteUserData removes every event belonging to the user and returns
// the count. Used for data-subject erasure requests.
func (l *Logger) DeleteUserData(userID string) (int, error) {
	var keys []string
	err := l.db.ForEachPrefix(state.AuditBucket, "", func(key string, value []byte) error {
		var e Event
		if err := json.Unmarshal(value, &e); err != nil {
			return err
		}
		if e.UserID == userID {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scanning audit events: %w", err)
	}
	for _, key := range keys {
		if err := l.db.Delete(state.AuditBucket, key); err != nil {
			return 0, fmt.Errorf("deleting audit event: %w", err)
		}
	}
	return len(keys), nil
}

// Sweep removes events past retention and returns the count removed.
func (l *Logger) Sweep() (int, error) {
	cutoff := l.retentionCutoff()
	var keys []string
	err := l.db.ForEachPrefix(state.AuditBucket, "", func(key string, value []byte) error {
		var e Event
		if err := json.Unmarshal(value, &e); err != nil {
			return err
		}
		if e.Timestamp.Before(cutoff) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, key := range keys {
		if err := l.db.Delete(state.AuditBucket, key); err != nil {
			return 0, err
		}
	}
	return len(keys), nil
}
