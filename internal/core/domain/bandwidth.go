package domain

import "time"

type CandidateType string

const (
	CandidateHost    CandidateType = "host"
	CandidateSrflx   CandidateType = "srflx"
	CandidateRelay   CandidateType = "relay"
	CandidateUnknown CandidateType = "unknown"
)

// ParseCandidateType maps engine candidate type names onto the known set.
func ParseCandidateType(s string) CandidateType {
	switch CandidateType(s) {
	case CandidateHost, CandidateSrflx, CandidateRelay:
		return CandidateType(s)
	default:
		return CandidateUnknown
	}
}

type QualityLevel string

const (
	QualityExcellent QualityLevel = "excellent"
	QualityGood      QualityLevel = "good"
	QualityFair      QualityLevel = "fair"
	QualityPoor      QualityLevel = "poor"
)

// StatsSnapshot holds cumulative counters read from the engine at one instant.
type StatsSnapshot struct {
	BytesSent       uint64
	BytesReceived   uint64
	PacketsLost     int64
	PacketsReceived uint64
	RTTMs           float64
	CandidateType   CandidateType
}

type BandwidthSample struct {
	Timestamp     time.Time     `json:"timestamp"`
	BytesSent     uint64        `json:"bytesSent"`
	BytesReceived uint64        `json:"bytesReceived"`
	OutboundKbps  float64       `json:"outboundBitrate"`
	InboundKbps   float64       `json:"inboundBitrate"`
	RTTMs         float64       `json:"rtt"`
	PacketLossPct float64       `json:"packetLoss"`
	CandidateType CandidateType `json:"candidateType"`
	Quality       QualityLevel  `json:"qualityLevel"`
}

type AdaptiveState struct {
	CurrentKbps int  `json:"currentBitrate"`
	IsRelay     bool `json:"isRelayConnection"`
}
