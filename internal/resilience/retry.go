// Package resilience wraps sync operations with retry/backoff, tracks
// connection quality, queues side-effecting work while offline, and
// serves TTL-bounded fallback data.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"
)

// RetryPolicy governs exponential backoff for one class of operation.
type RetryPolicy struct {
	// MaxAttempts bounds total invocations, including the first.
	MaxAttempts int

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration

	// MaxDelay caps the backoff growth.
	MaxDelay time.Duration

	// BackoffMultiplier is the exponential growth factor per attempt.
	BackoffMultiplier float64

	// RetryCondition decides whether a failure is worth retrying. A nil
	// condition retries everything.
	RetryCondition func(error) bool
}

// Named policies. "default" suits interactive syncs, "critical" gives
// wallet verification more headroom, "background" spaces out periodic
// work so it never competes with user-triggered syncs.
const (
	PolicyDefault    = "default"
	PolicyCritical   = "critical"
	PolicyBackground = "background"
)

// ErrUnknownPolicy is returned when an unregistered policy name is used.
// This is a programmer error and should surface during development.
var ErrUnknownPolicy = errors.New("unknown retry policy")

func defaultPolicies() map[string]RetryPolicy {
	return map[string]RetryPolicy{
		PolicyDefault: {
			MaxAttempts:       3,
			BaseDelay:         time.Second,
			MaxDelay:          30 * time.Second,
			BackoffMultiplier: 2,
		},
		PolicyCritical: {
			MaxAttempts:       5,
			BaseDelay:         500 * time.Millisecond,
			MaxDelay:          time.Minute,
			BackoffMultiplier: 2,
		},
		PolicyBackground: {
			MaxAttempts:       2,
			BaseDelay:         5 * time.Second,
			MaxDelay:          5 * time.Minute,
			BackoffMultiplier: 3,
		},
	}
}

// Delay returns the backoff delay after the given zero-based attempt:
// min(BaseDelay * BackoffMultiplier^attempt, MaxDelay).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := time.Duration(float64(p.BaseDelay) * math.Pow(p.BackoffMultiplier, float64(attempt)))
	if d > p.MaxDelay || d < 0 {
		return p.MaxDelay
	}
	return d
}

// Do runs op under the named policy, retrying on failures the policy's
// condition accepts. The final error is returned once attempts are
// exhausted or the condition rejects a failure. Context cancellation
// aborts the wait between attempts.
func (m *Manager) Do(ctx context.Context, policyName string, op func(ctx context.Context) error) error {
	policy, ok := m.policies[policyName]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownPolicy, policyName)
	}

	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}

		if policy.RetryCondition != nil && !policy.RetryCondition(lastErr) {
			return lastErr
		}
		if attempt == policy.MaxAttempts-1 {
			break
		}

		delay := policy.Delay(attempt)
		m.logger.Debug("retrying after failure",
			slog.String("policy", policyName),
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
			slog.String("error", lastErr.Error()),
		)

		if err := m.sleep(ctx, delay); err != nil {
			return err
		}
	}
	return lastErr
}

// ExecuteWithRetry runs an operation returning a value under the named
// policy. On exhaustion the zero value and final error are returned.
func ExecuteWithRetry[T any](ctx context.Context, m *Manager, policyName string, op func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := m.Do(ctx, policyName, func(ctx context.Context) error {
		var opErr error
		result, opErr = op(ctx)
		return opErr
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
