package monitoring

import (
	"remotelink/internal/core/domain"
	"remotelink/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusCollector struct {
	// Registry
	sessionsCreated prometheus.Counter
	sessionsJoined  prometheus.Counter
	sessionsEnded   *prometheus.CounterVec
	sessionsActive  prometheus.Gauge

	// Signaling
	signalMessages       *prometheus.CounterVec
	signalDropped        prometheus.Counter
	websocketConnections prometheus.Gauge

	// Peer engine
	phaseTransitions  *prometheus.CounterVec
	reconnectAttempts prometheus.Counter
	qualitySamples    *prometheus.CounterVec
	inputEvents       *prometheus.CounterVec
	roundTripTime     prometheus.Histogram
}

var (
	_ ports.SessionMetrics = (*PrometheusCollector)(nil)
	_ ports.PeerMetrics    = (*PrometheusCollector)(nil)
)

// NewPrometheusCollector registers every metric on reg. Servers pass
// prometheus.DefaultRegisterer; tests pass a fresh registry.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	f := promauto.With(reg)
	return &PrometheusCollector{
		sessionsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "remotelink_sessions_created_total",
			Help: "Sessions minted",
		}),
		sessionsJoined: f.NewCounter(prometheus.CounterOpts{
			Name: "remotelink_sessions_joined_total",
			Help: "Sessions joined by a client",
		}),
		sessionsEnded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "remotelink_sessions_ended_total",
			Help: "Sessions ended, by reason",
		}, []string{"reason"}),
		sessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "remotelink_sessions_active",
			Help: "Pending or connected sessions at the last sweep",
		}),

		signalMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "remotelink_signal_messages_total",
			Help: "Signaling messages relayed, by type",
		}, []string{"type"}),
		signalDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "remotelink_signal_dropped_total",
			Help: "Signaling messages dropped because a mailbox was full",
		}),
		websocketConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "remotelink_websocket_connections",
			Help: "Open signaling WebSocket connections",
		}),

		phaseTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "remotelink_connection_phase_transitions_total",
			Help: "Connection state machine transitions",
		}, []string{"from", "to"}),
		reconnectAttempts: f.NewCounter(prometheus.CounterOpts{
			Name: "remotelink_reconnect_attempts_total",
			Help: "Reconnect attempts started",
		}),
		qualitySamples: f.NewCounterVec(prometheus.CounterOpts{
			Name: "remotelink_quality_samples_total",
			Help: "Network quality samples, by tier",
		}, []string{"tier"}),
		inputEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "remotelink_input_events_total",
			Help: "Remote input events, by kind and result",
		}, []string{"kind", "result"}),
		roundTripTime: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "remotelink_round_trip_time_seconds",
			Help:    "Transport round trip time",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.15, 0.25, 0.4, 1},
		}),
	}
}

func (p *PrometheusCollector) SessionCreated() { p.sessionsCreated.Inc() }
func (p *PrometheusCollector) SessionJoined()  { p.sessionsJoined.Inc() }

func (p *PrometheusCollector) SessionEnded(reason string) {
	p.sessionsEnded.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) SetActiveSessions(n int) {
	p.sessionsActive.Set(float64(n))
}

func (p *PrometheusCollector) SignalRelayed(t domain.SignalType) {
	p.signalMessages.WithLabelValues(string(t)).Inc()
}

func (p *PrometheusCollector) SignalDropped() { p.signalDropped.Inc() }

func (p *PrometheusCollector) WebSocketOpened() { p.websocketConnections.Inc() }
func (p *PrometheusCollector) WebSocketClosed() { p.websocketConnections.Dec() }

func (p *PrometheusCollector) PhaseTransition(from, to domain.Phase) {
	p.phaseTransitions.WithLabelValues(string(from), string(to)).Inc()
}

func (p *PrometheusCollector) ReconnectAttempt() { p.reconnectAttempts.Inc() }

func (p *PrometheusCollector) QualityTier(tier domain.QualityTier) {
	p.qualitySamples.WithLabelValues(string(tier)).Inc()
}

// ObserveQuality records the raw RTT alongside the tier count.
func (p *PrometheusCollector) ObserveQuality(q domain.NetworkQuality) {
	p.roundTripTime.Observe(q.RoundTripTimeMs / 1000)
}

func (p *PrometheusCollector) InputForwarded(kind domain.InputKind) {
	p.inputEvents.WithLabelValues(string(kind), "forwarded").Inc()
}

func (p *PrometheusCollector) InputRejected(kind domain.InputKind) {
	if kind == "" {
		kind = "unknown"
	}
	p.inputEvents.WithLabelValues(string(kind), "rejected").Inc()
}
