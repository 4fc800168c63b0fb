package services

import (
	"p2d/internal/core/domain"
)

// QualityThreshold is one tier of the classifier. A sample falls into the tier
// when any single limit is exceeded.
type QualityThreshold struct {
	Level          domain.QualityLevel
	MaxRTTMs       float64
	MaxLossPct     float64
	MinBitrateKbps float64
}

type QualityService struct {
	thresholds []QualityThreshold
}

func NewQualityService() *QualityService {
	return &QualityService{
		thresholds: []QualityThreshold{
			{Level: domain.QualityPoor, MaxRTTMs: 500, MaxLossPct: 10, MinBitrateKbps: 100},
			{Level: domain.QualityFair, MaxRTTMs: 300, MaxLossPct: 5, MinBitrateKbps: 300},
			{Level: domain.QualityGood, MaxRTTMs: 150, MaxLossPct: 2, MinBitrateKbps: 500},
		},
	}
}

// Classify grades a connection from its RTT, loss and outbound bitrate.
// A zero bitrate means nothing is being sent and never degrades the grade.
func (qs *QualityService) Classify(rttMs, lossPct, bitrateKbps float64) domain.QualityLevel {
	for _, th := range qs.thresholds {
		if rttMs > th.MaxRTTMs || lossPct > th.MaxLossPct || (bitrateKbps > 0 && bitrateKbps < th.MinBitrateKbps) {
			return th.Level
		}
	}
	return domain.QualityExcellent
}

// ShouldDowngrade reports whether the measured grade is worse than current.
func (qs *QualityService) ShouldDowngrade(current, measured domain.QualityLevel) bool {
	return qualityRank(measured) < qualityRank(current)
}

func qualityRank(level domain.QualityLevel) int {
	switch level {
	case domain.QualityPoor:
		return 0
	case domain.QualityFair:
		return 1
	case domain.QualityGood:
		return 2
	case domain.QualityExcellent:
		return 3
	default:
		return -1
	}
}
