package recovery

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fastbreakhq/walletsync/internal/resilience"
	"github.com/fastbreakhq/walletsync/internal/syncerr"
)

func newTestManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	monitor := resilience.NewMonitor(nil, time.Hour, logger)
	t.Cleanup(monitor.Close)

	queue, err := resilience.NewOfflineQueue(nil, logger)
	require.NoError(t, err)

	// Millisecond backoff so retry paths run instantly.
	res := resilience.NewManager(context.Background(), monitor, queue, resilience.Options{
		Policies: map[string]resilience.RetryPolicy{
			resilience.PolicyDefault: {
				MaxAttempts:       3,
				BaseDelay:         time.Millisecond,
				MaxDelay:          time.Millisecond,
				BackoffMultiplier: 1,
			},
		},
	}, logger)
	t.Cleanup(res.Close)

	return NewManager(res, opts, logger)
}

func syncError(id string, typ syncerr.Type, strategy syncerr.Strategy) *syncerr.SyncError {
	return &syncerr.SyncError{
		ID:        id,
		Type:      typ,
		Strategy:  strategy,
		Operation: "syncNFTCollection",
		Message:   "boom",
	}
}

func TestRetryAutomatic_SucceedsOnSecondAttempt(t *testing.T) {
	m := newTestManager(t, Options{})
	se := syncError("e1", syncerr.TypeTimeout, syncerr.RetryAutomatic)

	calls := 0
	result := m.RecoverFromError(context.Background(), se, func(ctx context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("still failing")
		}
		return nil
	})

	assert.True(t, result.Success)
	assert.Equal(t, syncerr.RetryAutomatic, result.Strategy)
	assert.Equal(t, 2, calls)
}

func TestRetryAutomatic_ExhaustsPerErrorBudget(t *testing.T) {
	m := newTestManager(t, Options{MaxRetries: 2})
	se := syncError("e1", syncerr.TypeTimeout, syncerr.RetryAutomatic)

	fail := func(ctx context.Context) error { return errors.New("down") }

	require.False(t, m.RecoverFromError(context.Background(), se, fail).Success)
	require.False(t, m.RecoverFromError(context.Background(), se, fail).Success)

	// Budget spent: the operation must not run again.
	calls := 0
	result := m.RecoverFromError(context.Background(), se, func(ctx context.Context) error {
		calls++
		return nil
	})
	assert.False(t, result.Success)
	assert.Contains(t, result.Message, "exhausted")
	assert.Zero(t, calls)
}

func TestRetryAutomatic_SuccessResetsBudget(t *testing.T) {
	m := newTestManager(t, Options{MaxRetries: 1})
	se := syncError("e1", syncerr.TypeTimeout, syncerr.RetryAutomatic)

	ok := func(ctx context.Context) error { return nil }
	require.True(t, m.RecoverFromError(context.Background(), se, ok).Success)

	// The same error ID may recover again after a success.
	assert.True(t, m.RecoverFromError(context.Background(), se, ok).Success)
}

func TestRetryAutomatic_NilRetry(t *testing.T) {
	m := newTestManager(t, Options{})
	se := syncError("e1", syncerr.TypeTimeout, syncerr.RetryAutomatic)

	result := m.RecoverFromError(context.Background(), se, nil)
	assert.False(t, result.Success)
	assert.Contains(t, result.Message, "manually")
}

func TestFallbackCache_ServesCachedData(t *testing.T) {
	m := newTestManager(t, Options{})
	m.SetCachedData("syncNFTCollection", map[string]int{"moments": 42})

	se := syncError("e1", syncerr.TypeAPI, syncerr.FallbackCache)
	result := m.RecoverFromError(context.Background(), se, nil)

	require.True(t, result.Success)
	assert.Equal(t, map[string]int{"moments": 42}, result.Data)
	assert.Contains(t, result.Message, "cached")
}

func TestFallbackCache_NothingCached(t *testing.T) {
	m := newTestManager(t, Options{})

	se := syncError("e1", syncerr.TypeAPI, syncerr.FallbackCache)
	result := m.RecoverFromError(context.Background(), se, nil)

	assert.False(t, result.Success)
	assert.Contains(t, result.Message, "No cached data")
}

func TestFallbackPartial_MarksDataPartial(t *testing.T) {
	m := newTestManager(t, Options{})
	m.SetCachedData("syncNFTCollection", "partial-payload")

	se := syncError("e1", syncerr.TypeAPI, syncerr.FallbackPartial)
	result := m.RecoverFromError(context.Background(), se, nil)

	require.True(t, result.Success)
	assert.Equal(t, "partial-payload", result.Data)
	assert.Contains(t, result.Message, "partial")
}

func TestRequireReconnection_NeverRetries(t *testing.T) {
	m := newTestManager(t, Options{})
	se := syncError("e1", syncerr.TypeAuthentication, syncerr.RequireReconnection)

	calls := 0
	result := m.RecoverFromError(context.Background(), se, func(ctx context.Context) error {
		calls++
		return nil
	})

	assert.False(t, result.Success)
	assert.Contains(t, result.Message, "Reconnect")
	assert.Zero(t, calls, "reconnection errors must not re-run the operation")
}

func TestRequireUserAction_SurfacesUserMessage(t *testing.T) {
	m := newTestManager(t, Options{})
	se := syncError("e1", syncerr.TypeWallet, syncerr.RequireUserAction)
	se.UserMessage = "Approve the request in your wallet"

	result := m.RecoverFromError(context.Background(), se, nil)
	assert.False(t, result.Success)
	assert.Equal(t, "Approve the request in your wallet", result.Message)
}

func TestRetryManual_RateLimitSuggestsCooldown(t *testing.T) {
	m := newTestManager(t, Options{})

	se := syncError("e1", syncerr.TypeRateLimit, syncerr.RetryManual)
	result := m.RecoverFromError(context.Background(), se, nil)
	assert.False(t, result.Success)
	assert.Equal(t, rateLimitCooldown, result.RetryAfter)

	se = syncError("e2", syncerr.TypeAPI, syncerr.RetryManual)
	result = m.RecoverFromError(context.Background(), se, nil)
	assert.Zero(t, result.RetryAfter)
}

func TestNoRecovery(t *testing.T) {
	m := newTestManager(t, Options{})
	se := syncError("e1", syncerr.TypeDataCorruption, syncerr.NoRecovery)

	result := m.RecoverFromError(context.Background(), se, nil)
	assert.False(t, result.Success)
	assert.Contains(t, result.Message, "cannot be recovered")
}
