package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProbe returns scripted latency samples in sequence.
type fakeProbe struct {
	latencies []time.Duration
	errs      []error
	calls     int
}

func (p *fakeProbe) probe(context.Context) (time.Duration, error) {
	i := p.calls
	p.calls++
	if i >= len(p.latencies) {
		i = len(p.latencies) - 1
	}
	return p.latencies[i], p.errs[i]
}

func TestMonitor_QualityBuckets(t *testing.T) {
	tests := []struct {
		latency time.Duration
		err     error
		want    Quality
	}{
		{50 * time.Millisecond, nil, QualityExcellent},
		{300 * time.Millisecond, nil, QualityGood},
		{900 * time.Millisecond, nil, QualityPoor},
		{0, errors.New("unreachable"), QualityOffline},
	}
	for _, tt := range tests {
		p := &fakeProbe{latencies: []time.Duration{tt.latency}, errs: []error{tt.err}}
		m := NewMonitor(p.probe, time.Hour, testLogger())

		m.Sample(context.Background())

		assert.Equal(t, tt.want, m.ConnectionQuality())
		assert.Equal(t, tt.want != QualityOffline, m.IsOnline())
	}
}

func TestMonitor_NotifiesOnTransition(t *testing.T) {
	p := &fakeProbe{
		latencies: []time.Duration{0, 50 * time.Millisecond},
		errs:      []error{errors.New("down"), nil},
	}
	m := NewMonitor(p.probe, time.Hour, testLogger())

	var connEvents []bool
	var qualEvents []Quality
	unsubConn := m.OnConnectionChange(func(online bool) { connEvents = append(connEvents, online) })
	m.OnQualityChange(func(q Quality) { qualEvents = append(qualEvents, q) })

	m.Sample(context.Background()) // online -> offline
	m.Sample(context.Background()) // offline -> online

	require.Equal(t, []bool{false, true}, connEvents)
	assert.Equal(t, []Quality{QualityOffline, QualityExcellent}, qualEvents)

	// After unsubscribe no further connection events arrive.
	unsubConn()
	p.calls = 0
	m.Sample(context.Background())
	assert.Len(t, connEvents, 2)
}

func TestMonitor_NoNotificationWithoutChange(t *testing.T) {
	p := &fakeProbe{
		latencies: []time.Duration{50 * time.Millisecond, 60 * time.Millisecond},
		errs:      []error{nil, nil},
	}
	m := NewMonitor(p.probe, time.Hour, testLogger())

	events := 0
	m.OnQualityChange(func(Quality) { events++ })

	m.Sample(context.Background()) // good -> excellent
	m.Sample(context.Background()) // excellent -> excellent, no event

	assert.Equal(t, 1, events)
}

func TestManager_DrainsQueueOnReconnect(t *testing.T) {
	p := &fakeProbe{
		latencies: []time.Duration{0, 50 * time.Millisecond},
		errs:      []error{errors.New("down"), nil},
	}
	monitor := NewMonitor(p.probe, time.Hour, testLogger())
	queue, err := NewOfflineQueue(nil, testLogger())
	require.NoError(t, err)

	executed := 0
	queue.RegisterHandler("sync", func(context.Context, Action) error {
		executed++
		return nil
	})

	m := NewManager(context.Background(), monitor, queue, Options{}, testLogger())
	defer m.Close()

	monitor.Sample(context.Background()) // go offline
	require.NoError(t, m.QueueOfflineAction(Action{Type: "sync"}))
	assert.Zero(t, executed)

	monitor.Sample(context.Background()) // back online triggers drain
	assert.Equal(t, 1, executed)
}

func TestFallbackCache_TTL(t *testing.T) {
	c := NewFallbackCache(time.Minute)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return base }

	c.Set("profile:u1", map[string]int{"wins": 3})

	got, ok := c.Get("profile:u1")
	require.True(t, ok)
	assert.Equal(t, map[string]int{"wins": 3}, got)

	// Past the TTL the entry is gone, never served stale.
	c.now = func() time.Time { return base.Add(2 * time.Minute) }
	_, ok = c.Get("profile:u1")
	assert.False(t, ok)
}
