package services

import (
	"testing"

	"remotelink/internal/core/domain"

	"github.com/stretchr/testify/assert"
)

func TestClassifyQuality(t *testing.T) {
	tests := []struct {
		name   string
		sample domain.NetworkSample
		want   domain.QualityTier
	}{
		{"high rtt is critical", domain.NetworkSample{RoundTripTimeMs: 500, AvailableBitrateKbps: 1000}, domain.QualityCritical},
		{"heavy loss is critical", domain.NetworkSample{RoundTripTimeMs: 20, PacketLossRatio: 0.11, AvailableBitrateKbps: 3000}, domain.QualityCritical},
		{"rtt boundary 400 is poor", domain.NetworkSample{RoundTripTimeMs: 400, AvailableBitrateKbps: 1000}, domain.QualityPoor},
		{"loss above 5% is poor", domain.NetworkSample{RoundTripTimeMs: 20, PacketLossRatio: 0.06, AvailableBitrateKbps: 1000}, domain.QualityPoor},
		{"rtt above 150 is fair", domain.NetworkSample{RoundTripTimeMs: 151, AvailableBitrateKbps: 1000}, domain.QualityFair},
		{"loss above 2% is fair", domain.NetworkSample{RoundTripTimeMs: 20, PacketLossRatio: 0.03, AvailableBitrateKbps: 1000}, domain.QualityFair},
		{"low bitrate overrides excellent", domain.NetworkSample{RoundTripTimeMs: 10, AvailableBitrateKbps: 499}, domain.QualityFair},
		{"low bitrate does not soften poor", domain.NetworkSample{RoundTripTimeMs: 300, AvailableBitrateKbps: 100}, domain.QualityPoor},
		{"fast and lossless is excellent", domain.NetworkSample{RoundTripTimeMs: 49, AvailableBitrateKbps: 500}, domain.QualityExcellent},
		{"any loss blocks excellent", domain.NetworkSample{RoundTripTimeMs: 10, PacketLossRatio: 0.001, AvailableBitrateKbps: 1000}, domain.QualityGood},
		{"rtt 50 is good", domain.NetworkSample{RoundTripTimeMs: 50, AvailableBitrateKbps: 1000}, domain.QualityGood},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyQuality(tt.sample))
		})
	}
}

func TestDegradationTracker(t *testing.T) {
	tr := NewDegradationTracker()

	assert.Equal(t, SignalNone, tr.Observe(domain.QualityPoor))
	assert.Equal(t, SignalNone, tr.Observe(domain.QualityCritical))
	assert.Equal(t, SignalDegraded, tr.Observe(domain.QualityPoor))
	assert.True(t, tr.Degraded())
	assert.Equal(t, SignalNone, tr.Observe(domain.QualityPoor), "degraded fires once per run")

	assert.Equal(t, SignalNone, tr.Observe(domain.QualityGood))
	assert.Equal(t, SignalNone, tr.Observe(domain.QualityFair), "fair breaks the recovery run")
	assert.Equal(t, SignalNone, tr.Observe(domain.QualityExcellent))
	assert.Equal(t, SignalRecovered, tr.Observe(domain.QualityGood))
	assert.False(t, tr.Degraded())

	tr.Observe(domain.QualityPoor)
	tr.Observe(domain.QualityPoor)
	tr.Reset()
	assert.Equal(t, SignalNone, tr.Observe(domain.QualityPoor), "reset clears the run")
}
