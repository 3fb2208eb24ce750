package domain

import "time"

type QualityTier string

const (
	QualityExcellent QualityTier = "excellent"
	QualityGood      QualityTier = "good"
	QualityFair      QualityTier = "fair"
	QualityPoor      QualityTier = "poor"
	QualityCritical  QualityTier = "critical"
)

// Rank orders tiers from excellent (0) to critical (4).
func (t QualityTier) Rank() int {
	switch t {
	case QualityExcellent:
		return 0
	case QualityGood:
		return 1
	case QualityFair:
		return 2
	case QualityPoor:
		return 3
	default:
		return 4
	}
}

type NetworkSample struct {
	RoundTripTimeMs      float64   `json:"rttMs"`
	PacketLossRatio      float64   `json:"packetLoss"`
	AvailableBitrateKbps float64   `json:"bitrateKbps"`
	SampledAt            time.Time `json:"sampledAt"`
}

type NetworkQuality struct {
	Tier QualityTier `json:"tier"`
	NetworkSample
}
