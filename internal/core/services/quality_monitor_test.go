package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"remotelink/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type scriptedStats struct {
	mu      sync.Mutex
	samples []domain.NetworkSample
	calls   int
}

func (s *scriptedStats) Sample(ctx context.Context) (domain.NetworkSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.samples) == 0 {
		return domain.NetworkSample{}, errors.New("no stats yet")
	}
	next := s.samples[0]
	if len(s.samples) > 1 {
		s.samples = s.samples[1:]
	}
	return next, nil
}

type tierRecorder struct {
	mu    sync.Mutex
	tiers []domain.QualityTier
}

func (r *tierRecorder) record(q domain.NetworkQuality) {
	r.mu.Lock()
	r.tiers = append(r.tiers, q.Tier)
	r.mu.Unlock()
}

func (r *tierRecorder) snapshot() []domain.QualityTier {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.QualityTier(nil), r.tiers...)
}

func TestQualityMonitor_ChangeIsEdgeTriggered(t *testing.T) {
	m := NewQualityMonitor(nil, time.Second, nil, zaptest.NewLogger(t).Sugar())
	defer m.Close()

	changes := &tierRecorder{}
	samples := &tierRecorder{}
	m.OnQualityChange(changes.record)
	m.OnSample(samples.record)

	bad := domain.NetworkSample{RoundTripTimeMs: 500, PacketLossRatio: 0, AvailableBitrateKbps: 1000}
	m.Observe(bad)
	m.Observe(bad)

	require.Eventually(t, func() bool { return len(samples.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []domain.QualityTier{domain.QualityCritical}, changes.snapshot())

	m.Observe(domain.NetworkSample{RoundTripTimeMs: 20, AvailableBitrateKbps: 1000})
	require.Eventually(t, func() bool { return len(changes.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.QualityExcellent, changes.snapshot()[1])

	last := m.Last()
	require.NotNil(t, last)
	assert.Equal(t, domain.QualityExcellent, last.Tier)
}

func TestQualityMonitor_PanickingSubscriberIsIsolated(t *testing.T) {
	m := NewQualityMonitor(nil, time.Second, nil, zaptest.NewLogger(t).Sugar())
	defer m.Close()

	m.OnQualityChange(func(domain.NetworkQuality) { panic("subscriber bug") })
	healthy := &tierRecorder{}
	m.OnQualityChange(healthy.record)

	m.Observe(domain.NetworkSample{RoundTripTimeMs: 300, AvailableBitrateKbps: 1000})
	m.Observe(domain.NetworkSample{RoundTripTimeMs: 20, AvailableBitrateKbps: 1000})

	require.Eventually(t, func() bool { return len(healthy.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []domain.QualityTier{domain.QualityPoor, domain.QualityExcellent}, healthy.snapshot())
}

func TestQualityMonitor_SlowSubscriberDoesNotBlockObserve(t *testing.T) {
	m := NewQualityMonitor(nil, time.Second, nil, zaptest.NewLogger(t).Sugar())
	defer m.Close()

	release := make(chan struct{})
	defer close(release)
	m.OnSample(func(domain.NetworkQuality) { <-release })

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberQueueSize*3; i++ {
			m.Observe(domain.NetworkSample{RoundTripTimeMs: 20, AvailableBitrateKbps: 1000})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Observe blocked on a slow subscriber")
	}
}

func TestQualityMonitor_SamplesOnInterval(t *testing.T) {
	source := &scriptedStats{samples: []domain.NetworkSample{
		{RoundTripTimeMs: 20, AvailableBitrateKbps: 1000},
		{RoundTripTimeMs: 300, AvailableBitrateKbps: 1000},
	}}
	m := NewQualityMonitor(source, 5*time.Millisecond, nil, zaptest.NewLogger(t).Sugar())
	defer m.Close()

	changes := &tierRecorder{}
	m.OnQualityChange(changes.record)

	m.Start(context.Background())
	m.Start(context.Background())
	assert.True(t, m.Running())

	require.Eventually(t, func() bool { return len(changes.snapshot()) >= 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []domain.QualityTier{domain.QualityExcellent, domain.QualityPoor}, changes.snapshot()[:2])

	m.Stop()
	m.Stop()
	assert.False(t, m.Running())

	source.mu.Lock()
	calls := source.calls
	source.mu.Unlock()
	time.Sleep(30 * time.Millisecond)
	source.mu.Lock()
	assert.Equal(t, calls, source.calls, "no sampling after Stop")
	source.mu.Unlock()
}

func TestQualityMonitor_RestartAnnouncesTierAgain(t *testing.T) {
	source := &scriptedStats{samples: []domain.NetworkSample{{RoundTripTimeMs: 20, AvailableBitrateKbps: 1000}}}
	m := NewQualityMonitor(source, 5*time.Millisecond, nil, zaptest.NewLogger(t).Sugar())
	defer m.Close()

	var changes atomic.Int32
	m.OnQualityChange(func(domain.NetworkQuality) { changes.Add(1) })

	m.Start(context.Background())
	require.Eventually(t, func() bool { return changes.Load() == 1 }, time.Second, 5*time.Millisecond)
	m.Stop()

	m.Start(context.Background())
	require.Eventually(t, func() bool { return changes.Load() == 2 }, time.Second, 5*time.Millisecond)
	m.Stop()
}
