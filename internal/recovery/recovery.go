// Package recovery turns classified sync errors into concrete recovery
// outcomes. Each error's strategy selects the path: automatic retry
// through the resilience layer, serving cached fallback data, or
// reporting that the user has to act.
package recovery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fastbreakhq/walletsync/internal/resilience"
	"github.com/fastbreakhq/walletsync/internal/syncerr"
)

// defaultMaxRetries caps automatic recovery attempts per error ID.
const defaultMaxRetries = 3

// rateLimitCooldown is suggested to callers hitting a rate limit.
const rateLimitCooldown = 30 * time.Second

// Result is the outcome of one recovery attempt.
type Result struct {
	Success    bool
	Strategy   syncerr.Strategy
	Message    string
	RetryAfter time.Duration
	Data       any
}

// Options configures the recovery manager.
type Options struct {
	// MaxRetries caps automatic retries per error ID. Zero selects the
	// default.
	MaxRetries int
}

// Manager dispatches on an error's recovery strategy. Automatic retries
// go through the resilience layer; fallback strategies serve the last
// known good data cached by SetCachedData.
type Manager struct {
	resilience *resilience.Manager
	logger     *slog.Logger
	maxRetries int

	// attempts counts automatic recoveries per error ID so one error
	// cannot retry forever across recovery calls.
	mu       sync.Mutex
	attempts map[string]int
}

// NewManager creates a recovery manager on top of the resilience layer.
func NewManager(res *resilience.Manager, opts Options, logger *slog.Logger) *Manager {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	return &Manager{
		resilience: res,
		logger:     logger,
		maxRetries: opts.MaxRetries,
		attempts:   make(map[string]int),
	}
}

// SetCachedData stores the last known good result for an operation so a
// later failure can fall back to it. Callers invoke this after every
// successful sync, before the data is needed.
func (m *Manager) SetCachedData(operation string, data any) {
	m.resilience.SetCachedFallback(fallbackKey(operation), data)
}

// RecoverFromError attempts recovery for a classified error. retry
// re-runs the failed operation and may be nil when the caller cannot
// repeat it; fallback strategies do not need it.
func (m *Manager) RecoverFromError(ctx context.Context, se *syncerr.SyncError, retry func(ctx context.Context) error) Result {
	m.logger.Debug("attempting recovery",
		slog.String("errorId", se.ID),
		slog.String("strategy", string(se.Strategy)),
		slog.String("operation", se.Operation),
	)

	switch se.Strategy {
	case syncerr.RetryAutomatic:
		return m.retryAutomatic(ctx, se, retry)
	case syncerr.FallbackCache:
		return m.fallback(se, "Serving cached data while the service recovers")
	case syncerr.FallbackPartial:
		return m.fallback(se, "Showing partial data; some information may be missing")
	case syncerr.RequireReconnection:
		return Result{
			Strategy: se.Strategy,
			Message:  "Reconnect your wallet to continue",
		}
	case syncerr.RequireUserAction:
		return Result{
			Strategy: se.Strategy,
			Message:  se.UserMessage,
		}
	case syncerr.RetryManual:
		r := Result{
			Strategy: se.Strategy,
			Message:  "Retry the operation when ready",
		}
		if se.Type == syncerr.TypeRateLimit {
			r.RetryAfter = rateLimitCooldown
		}
		return r
	default:
		return Result{
			Strategy: se.Strategy,
			Message:  "This error cannot be recovered automatically",
		}
	}
}

// retryAutomatic re-runs the operation under the default backoff policy,
// bounded per error ID so repeated recovery calls for the same error
// eventually give up.
func (m *Manager) retryAutomatic(ctx context.Context, se *syncerr.SyncError, retry func(ctx context.Context) error) Result {
	if retry == nil {
		return Result{
			Strategy: se.Strategy,
			Message:  "Operation cannot be repeated automatically; retry manually",
		}
	}

	m.mu.Lock()
	count := m.attempts[se.ID]
	if count >= m.maxRetries {
		m.mu.Unlock()
		return Result{
			Strategy: se.Strategy,
			Message:  "Automatic retries exhausted; retry manually",
		}
	}
	m.attempts[se.ID] = count + 1
	m.mu.Unlock()

	if err := m.resilience.Do(ctx, resilience.PolicyDefault, retry); err != nil {
		m.logger.Warn("automatic recovery failed",
			slog.String("errorId", se.ID),
			slog.Int("attempt", count+1),
			slog.String("error", err.Error()),
		)
		return Result{
			Strategy: se.Strategy,
			Message:  "Retry failed; will try again",
		}
	}

	m.mu.Lock()
	delete(m.attempts, se.ID)
	m.mu.Unlock()
	return Result{
		Success:  true,
		Strategy: se.Strategy,
		Message:  "Operation succeeded after retry",
	}
}

// fallback serves the cached last known good data for the operation.
// With nothing cached, the error degrades to a manual retry.
func (m *Manager) fallback(se *syncerr.SyncError, message string) Result {
	data, ok := m.resilience.FallbackData(fallbackKey(se.Operation))
	if !ok {
		return Result{
			Strategy: se.Strategy,
			Message:  "No cached data available; retry the operation",
		}
	}
	return Result{
		Success:  true,
		Strategy: se.Strategy,
		Message:  message,
		Data:     data,
	}
}

func fallbackKey(operation string) string {
	return "fallback_" + operation
}
