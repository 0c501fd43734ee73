package resilience

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Quality buckets the sampled connection latency.
type Quality string

const (
	QualityExcellent Quality = "EXCELLENT"
	QualityGood      Quality = "GOOD"
	QualityPoor      Quality = "POOR"
	QualityOffline   Quality = "OFFLINE"
)

const (
	// excellentBelow and goodBelow are the latency thresholds between
	// quality buckets.
	excellentBelow = 150 * time.Millisecond
	goodBelow      = 500 * time.Millisecond

	// defaultSampleInterval is how often the monitor probes connectivity.
	defaultSampleInterval = 15 * time.Second
)

// Probe measures connectivity, returning observed latency. An error
// means the device is offline.
type Probe func(ctx context.Context) (time.Duration, error)

// Monitor periodically samples a probe and classifies connection
// quality. Subscribers are notified on online/offline transitions and
// quality changes; every subscription returns an unsubscribe function
// so forgotten handlers cannot leak.
type Monitor struct {
	probe    Probe
	interval time.Duration
	logger   *slog.Logger

	mu       sync.RWMutex
	online   bool
	quality  Quality
	nextID   int
	connSubs map[int]func(online bool)
	qualSubs map[int]func(q Quality)

	stop     chan struct{}
	stopOnce sync.Once
}

// NewMonitor creates a monitor in the online/good state. A zero interval
// selects the default sampling interval.
func NewMonitor(probe Probe, interval time.Duration, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = defaultSampleInterval
	}
	return &Monitor{
		probe:    probe,
		interval: interval,
		logger:   logger,
		online:   true,
		quality:  QualityGood,
		connSubs: make(map[int]func(bool)),
		qualSubs: make(map[int]func(Quality)),
		stop:     make(chan struct{}),
	}
}

// Start launches the sampling loop. It returns immediately; the loop
// runs until Close is called or ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Sample(ctx)
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			}
		}
	}()
}

// Close stops the sampling loop.
func (m *Monitor) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// Sample runs one probe and updates state. Exposed so tests and the
// offline-queue drain can force a sample without waiting a tick.
func (m *Monitor) Sample(ctx context.Context) {
	if m.probe == nil {
		return
	}

	latency, err := m.probe(ctx)
	if err != nil {
		m.setState(false, QualityOffline)
		return
	}

	switch {
	case latency < excellentBelow:
		m.setState(true, QualityExcellent)
	case latency < goodBelow:
		m.setState(true, QualityGood)
	default:
		m.setState(true, QualityPoor)
	}
}

// IsOnline reports the last sampled connectivity state.
func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// ConnectionQuality reports the last sampled quality bucket.
func (m *Monitor) ConnectionQuality() Quality {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.quality
}

// OnConnectionChange registers a handler for online/offline transitions.
func (m *Monitor) OnConnectionChange(fn func(online bool)) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.connSubs[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.connSubs, id)
	}
}

// OnQualityChange registers a handler for quality bucket changes.
func (m *Monitor) OnQualityChange(fn func(q Quality)) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.qualSubs[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.qualSubs, id)
	}
}

// setState records the new sample and notifies subscribers of any
// transition. Handlers run outside the lock so they may re-enter the
// monitor.
func (m *Monitor) setState(online bool, quality Quality) {
	m.mu.Lock()
	connChanged := online != m.online
	qualChanged := quality != m.quality
	m.online = online
	m.quality = quality

	var connFns []func(bool)
	var qualFns []func(Quality)
	if connChanged {
		for _, fn := range m.connSubs {
			connFns = append(connFns, fn)
		}
	}
	if qualChanged {
		for _, fn := range m.qualSubs {
			qualFns = append(qualFns, fn)
		}
	}
	m.mu.Unlock()

	if connChanged {
		m.logger.Info("connectivity changed", slog.Bool("online", online))
	}
	for _, fn := range connFns {
		fn(online)
	}
	for _, fn := range qualFns {
		fn(quality)
	}
}
