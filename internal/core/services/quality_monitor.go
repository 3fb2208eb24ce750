package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"remotelink/internal/core/domain"
	"remotelink/internal/core/ports"

	"go.uber.org/zap"
)

const subscriberQueueSize = 16

// qualitySubscriber runs one callback on its own goroutine so a slow or
// panicking consumer never stalls sampling.
type qualitySubscriber struct {
	id     int
	kind   string
	queue  chan domain.NetworkQuality
	fn     func(domain.NetworkQuality)
	once   sync.Once
	logger *zap.SugaredLogger
}

func (s *qualitySubscriber) run() {
	for q := range s.queue {
		s.deliver(q)
	}
}

func (s *qualitySubscriber) deliver(q domain.NetworkQuality) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorw("quality subscriber panicked",
				"subscriber", s.kind,
				"panic", fmt.Sprint(r),
			)
		}
	}()
	s.fn(q)
}

func (s *qualitySubscriber) close() {
	s.once.Do(func() { close(s.queue) })
}

// QualityMonitor samples a StatsSource on a fixed interval and classifies
// each sample. Change subscribers are notified only when the tier differs
// from the last reported one.
type QualityMonitor struct {
	source   ports.StatsSource
	interval time.Duration
	metrics  ports.PeerMetrics
	logger   *zap.SugaredLogger

	mu           sync.Mutex
	last         *domain.NetworkQuality
	reportedTier domain.QualityTier
	nextID       int
	sampleSubs   map[int]*qualitySubscriber
	changeSubs   map[int]*qualitySubscriber

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewQualityMonitor(source ports.StatsSource, interval time.Duration, metrics ports.PeerMetrics, logger *zap.SugaredLogger) *QualityMonitor {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if metrics == nil {
		metrics = noopPeerMetrics{}
	}
	return &QualityMonitor{
		source:     source,
		interval:   interval,
		metrics:    metrics,
		logger:     logger,
		sampleSubs: make(map[int]*qualitySubscriber),
		changeSubs: make(map[int]*qualitySubscriber),
	}
}

// SetSource swaps the stats source. Used when a reconnect builds a new
// transport.
func (m *QualityMonitor) SetSource(source ports.StatsSource) {
	m.runMu.Lock()
	m.source = source
	m.runMu.Unlock()
}

// OnSample registers fn for every classified sample.
func (m *QualityMonitor) OnSample(fn func(domain.NetworkQuality)) (unsubscribe func()) {
	return m.subscribe(m.sampleSubs, "sample", fn)
}

// OnQualityChange registers fn for tier transitions only.
func (m *QualityMonitor) OnQualityChange(fn func(domain.NetworkQuality)) (unsubscribe func()) {
	return m.subscribe(m.changeSubs, "quality_change", fn)
}

func (m *QualityMonitor) subscribe(set map[int]*qualitySubscriber, kind string, fn func(domain.NetworkQuality)) func() {
	m.mu.Lock()
	sub := &qualitySubscriber{
		id:     m.nextID,
		kind:   kind,
		queue:  make(chan domain.NetworkQuality, subscriberQueueSize),
		fn:     fn,
		logger: m.logger,
	}
	m.nextID++
	set[sub.id] = sub
	m.mu.Unlock()

	go sub.run()

	return func() {
		m.mu.Lock()
		delete(set, sub.id)
		m.mu.Unlock()
		sub.close()
	}
}

// Observe classifies sample and fans it out. It never blocks on
// subscribers.
func (m *QualityMonitor) Observe(sample domain.NetworkSample) domain.NetworkQuality {
	if sample.SampledAt.IsZero() {
		sample.SampledAt = time.Now()
	}
	q := domain.NetworkQuality{Tier: ClassifyQuality(sample), NetworkSample: sample}

	m.mu.Lock()
	m.last = &q
	changed := q.Tier != m.reportedTier
	if changed {
		m.reportedTier = q.Tier
	}
	targets := make([]*qualitySubscriber, 0, len(m.sampleSubs)+len(m.changeSubs))
	for _, s := range m.sampleSubs {
		targets = append(targets, s)
	}
	if changed {
		for _, s := range m.changeSubs {
			targets = append(targets, s)
		}
	}
	// Enqueue under the lock so an unsubscribe cannot close a queue
	// between lookup and send.
	for _, s := range targets {
		select {
		case s.queue <- q:
		default:
			m.logger.Warnw("quality subscriber queue full, dropping sample",
				"subscriber", s.kind,
				"tier", q.Tier,
			)
		}
	}
	m.mu.Unlock()

	m.metrics.QualityTier(q.Tier)
	if changed {
		m.logger.Infow("network quality changed",
			"tier", q.Tier,
			"rtt_ms", sample.RoundTripTimeMs,
			"packet_loss", sample.PacketLossRatio,
			"bitrate_kbps", sample.AvailableBitrateKbps,
		)
	}
	return q
}

// Last returns the most recent classified sample, nil before the first.
func (m *QualityMonitor) Last() *domain.NetworkQuality {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return nil
	}
	q := *m.last
	return &q
}

// Start begins sampling. A running monitor is left alone. The reported
// tier is reset so the first sample after a restart is announced.
func (m *QualityMonitor) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return
	}

	m.mu.Lock()
	m.reportedTier = ""
	m.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done
	go m.loop(ctx, m.source, done)
}

// Stop halts sampling and waits for the loop to exit. Safe to call when
// not running.
func (m *QualityMonitor) Stop() {
	m.runMu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (m *QualityMonitor) Running() bool {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	return m.cancel != nil
}

// Close stops sampling and releases every subscriber goroutine.
func (m *QualityMonitor) Close() {
	m.Stop()

	m.mu.Lock()
	subs := make([]*qualitySubscriber, 0, len(m.sampleSubs)+len(m.changeSubs))
	for id, s := range m.sampleSubs {
		subs = append(subs, s)
		delete(m.sampleSubs, id)
	}
	for id, s := range m.changeSubs {
		subs = append(subs, s)
		delete(m.changeSubs, id)
	}
	m.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
}

func (m *QualityMonitor) loop(ctx context.Context, source ports.StatsSource, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if source == nil {
				continue
			}
			sample, err := source.Sample(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				m.logger.Debugw("stats sample failed", "error", err)
				continue
			}
			m.Observe(sample)
		}
	}
}
