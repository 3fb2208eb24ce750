package services

import "remotelink/internal/core/domain"

// Tier thresholds. A rule matches when loss or RTT exceeds its bound.
var qualityRules = []struct {
	tier    domain.QualityTier
	maxLoss float64
	maxRTT  float64
}{
	{domain.QualityCritical, 0.10, 400},
	{domain.QualityPoor, 0.05, 250},
	{domain.QualityFair, 0.02, 150},
}

const (
	minBitrateKbps    = 500
	excellentMaxRTTMs = 50
	degradeAfterPoor  = 3
	recoverAfterGood  = 2
)

// ClassifyQuality maps a raw sample to a tier. Rules are evaluated in
// priority order and the first match wins.
func ClassifyQuality(s domain.NetworkSample) domain.QualityTier {
	for _, rule := range qualityRules {
		if s.PacketLossRatio > rule.maxLoss || s.RoundTripTimeMs > rule.maxRTT {
			return rule.tier
		}
	}
	if s.AvailableBitrateKbps < minBitrateKbps {
		return domain.QualityFair
	}
	if s.RoundTripTimeMs < excellentMaxRTTMs && s.PacketLossRatio == 0 {
		return domain.QualityExcellent
	}
	return domain.QualityGood
}

type DegradationSignal int

const (
	SignalNone DegradationSignal = iota
	SignalDegraded
	SignalRecovered
)

// DegradationTracker counts consecutive tiers and reports when a run is
// long enough to degrade or recover the connection. Each signal fires once
// per run. Not safe for concurrent use.
type DegradationTracker struct {
	DegradeAfter int
	RecoverAfter int

	poorRun  int
	goodRun  int
	degraded bool
}

func NewDegradationTracker() *DegradationTracker {
	return &DegradationTracker{DegradeAfter: degradeAfterPoor, RecoverAfter: recoverAfterGood}
}

func (t *DegradationTracker) Observe(tier domain.QualityTier) DegradationSignal {
	switch tier {
	case domain.QualityPoor, domain.QualityCritical:
		t.poorRun++
		t.goodRun = 0
	case domain.QualityGood, domain.QualityExcellent:
		t.goodRun++
		t.poorRun = 0
	default:
		t.poorRun, t.goodRun = 0, 0
	}

	if !t.degraded && t.poorRun >= t.DegradeAfter {
		t.degraded = true
		return SignalDegraded
	}
	if t.degraded && t.goodRun >= t.RecoverAfter {
		t.degraded = false
		return SignalRecovered
	}
	return SignalNone
}

func (t *DegradationTracker) Degraded() bool {
	return t.degraded
}

func (t *DegradationTracker) Reset() {
	t.poorRun, t.goodRun, t.degraded = 0, 0, false
}
