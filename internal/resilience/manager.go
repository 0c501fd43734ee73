package resilience

import (
	"context"
	"log/slog"
	"time"
)

// Manager bundles retry policies, the connection monitor, the offline
// queue, and the fallback cache behind one façade. An offline→online
// transition automatically drains the offline queue.
type Manager struct {
	logger   *slog.Logger
	policies map[string]RetryPolicy
	monitor  *Monitor
	queue    *OfflineQueue
	cache    *FallbackCache

	// sleep is injected so tests fast-forward instead of waiting.
	sleep func(ctx context.Context, d time.Duration) error

	unsubscribe func()
}

// Options configures a Manager.
type Options struct {
	// Policies overrides or extends the built-in named policies.
	Policies map[string]RetryPolicy

	// CacheTTL bounds fallback data freshness. Zero selects the default.
	CacheTTL time.Duration
}

// NewManager wires a manager around an existing monitor and queue. The
// drain of the offline queue on reconnect runs on the caller-provided
// base context.
func NewManager(ctx context.Context, monitor *Monitor, queue *OfflineQueue, opts Options, logger *slog.Logger) *Manager {
	policies := defaultPolicies()
	for name, p := range opts.Policies {
		policies[name] = p
	}

	m := &Manager{
		logger:   logger,
		policies: policies,
		monitor:  monitor,
		queue:    queue,
		cache:    NewFallbackCache(opts.CacheTTL),
		sleep:    sleepContext,
	}

	m.unsubscribe = monitor.OnConnectionChange(func(online bool) {
		if online {
			logger.Info("back online, draining offline queue")
			queue.Process(ctx)
		}
	})

	return m
}

// Close detaches the manager from the monitor.
func (m *Manager) Close() {
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
}

// IsOnline reports current connectivity.
func (m *Manager) IsOnline() bool { return m.monitor.IsOnline() }

// ConnectionQuality reports the current quality bucket.
func (m *Manager) ConnectionQuality() Quality { return m.monitor.ConnectionQuality() }

// OnConnectionChange subscribes to connectivity transitions.
func (m *Manager) OnConnectionChange(fn func(online bool)) (unsubscribe func()) {
	return m.monitor.OnConnectionChange(fn)
}

// OnQualityChange subscribes to quality transitions.
func (m *Manager) OnQualityChange(fn func(q Quality)) (unsubscribe func()) {
	return m.monitor.OnQualityChange(fn)
}

// QueueOfflineAction stores an action until connectivity returns.
func (m *Manager) QueueOfflineAction(action Action) error {
	return m.queue.Enqueue(action)
}

// ProcessOfflineQueue drains the offline queue immediately.
func (m *Manager) ProcessOfflineQueue(ctx context.Context) {
	m.queue.Process(ctx)
}

// SetCachedFallback stores the last known good value for a key.
func (m *Manager) SetCachedFallback(key string, data any) {
	m.cache.Set(key, data)
}

// FallbackData returns cached fallback data, if fresh.
func (m *Manager) FallbackData(key string) (any, bool) {
	return m.cache.Get(key)
}
