package monitoring

import (
	"p2d/internal/core/domain"
	apperrors "p2d/pkg/errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RelayCollector exports signaling relay metrics.
type RelayCollector struct {
	connectionsActive prometheus.Gauge
	connectionsTotal  prometheus.Counter

	messagesReceived *prometheus.CounterVec
	messagesRelayed  *prometheus.CounterVec
	messagesDropped  *prometheus.CounterVec
	errorsSent       *prometheus.CounterVec

	roomsActive        prometheus.Gauge
	participantsActive prometheus.Gauge
	roomsSwept         prometheus.Counter
}

// NewRelayCollector registers the relay metrics on reg. A nil reg uses the
// default registerer.
func NewRelayCollector(reg prometheus.Registerer) *RelayCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &RelayCollector{
		connectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "p2d_signal_connections_active",
			Help: "Number of open relay websocket connections",
		}),

		connectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "p2d_signal_connections_total",
			Help: "Total number of relay websocket connections accepted",
		}),

		messagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "p2d_signal_messages_received_total",
			Help: "Envelopes received by the relay",
		}, []string{"type"}),

		messagesRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "p2d_signal_messages_relayed_total",
			Help: "Offer, answer and ICE envelopes forwarded to their target",
		}, []string{"type"}),

		messagesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "p2d_signal_messages_dropped_total",
			Help: "Envelopes the relay could not deliver",
		}, []string{"reason"}),

		errorsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "p2d_signal_errors_total",
			Help: "Error envelopes sent to clients",
		}, []string{"code"}),

		roomsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "p2d_signal_rooms_active",
			Help: "Rooms currently registered",
		}),

		participantsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "p2d_signal_participants_active",
			Help: "Participants currently in a room",
		}),

		roomsSwept: factory.NewCounter(prometheus.CounterOpts{
			Name: "p2d_signal_rooms_swept_total",
			Help: "Empty rooms removed by the expiry sweep",
		}),
	}
}

func (c *RelayCollector) ConnectionOpened() {
	c.connectionsActive.Inc()
	c.connectionsTotal.Inc()
}

func (c *RelayCollector) ConnectionClosed() {
	c.connectionsActive.Dec()
}

func (c *RelayCollector) MessageReceived(t domain.MessageType) {
	c.messagesReceived.WithLabelValues(string(t)).Inc()
}

func (c *RelayCollector) MessageRelayed(t domain.MessageType) {
	c.messagesRelayed.WithLabelValues(string(t)).Inc()
}

func (c *RelayCollector) MessageDropped(reason string) {
	c.messagesDropped.WithLabelValues(reason).Inc()
}

func (c *RelayCollector) ErrorSent(code apperrors.ErrorCode) {
	c.errorsSent.WithLabelValues(string(code)).Inc()
}

func (c *RelayCollector) RoomsSwept(n int) {
	c.roomsSwept.Add(float64(n))
}

func (c *RelayCollector) SetRegistryStats(stats domain.RegistryStats, clients int) {
	c.roomsActive.Set(float64(stats.Rooms))
	c.participantsActive.Set(float64(stats.Participants))
	c.connectionsActive.Set(float64(clients))
}

// ClientCollector exports per-peer link measurements on a client.
type ClientCollector struct {
	inboundKbps   *prometheus.GaugeVec
	outboundKbps  *prometheus.GaugeVec
	packetLoss    *prometheus.GaugeVec
	rtt           *prometheus.HistogramVec
	targetBitrate *prometheus.GaugeVec
	quality       *prometheus.GaugeVec
}

func NewClientCollector(reg prometheus.Registerer) *ClientCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &ClientCollector{
		inboundKbps: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "p2d_peer_inbound_kbps",
			Help: "Inbound media rate per peer",
		}, []string{"peer_id"}),

		outboundKbps: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "p2d_peer_outbound_kbps",
			Help: "Outbound media rate per peer",
		}, []string{"peer_id"}),

		packetLoss: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "p2d_peer_packet_loss_percent",
			Help: "Inbound packet loss per peer",
		}, []string{"peer_id"}),

		rtt: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "p2d_peer_rtt_seconds",
			Help:    "Round trip time of the selected candidate pair",
			Buckets: []float64{0.01, 0.05, 0.1, 0.15, 0.3, 0.5, 1},
		}, []string{"peer_id"}),

		targetBitrate: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "p2d_peer_target_bitrate_kbps",
			Help: "Encoder ceiling chosen by the adaptive controller",
		}, []string{"peer_id"}),

		quality: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "p2d_peer_quality",
			Help: "Link quality per peer (0 poor, 1 fair, 2 good, 3 excellent)",
		}, []string{"peer_id"}),
	}
}

func (c *ClientCollector) ObserveSample(peerID domain.ParticipantID, s domain.BandwidthSample) {
	id := string(peerID)
	c.inboundKbps.WithLabelValues(id).Set(s.InboundKbps)
	c.outboundKbps.WithLabelValues(id).Set(s.OutboundKbps)
	c.packetLoss.WithLabelValues(id).Set(s.PacketLossPct)
	c.rtt.WithLabelValues(id).Observe(s.RTTMs / 1000)
	c.quality.WithLabelValues(id).Set(qualityValue(s.Quality))
}

func (c *ClientCollector) SetTargetBitrate(peerID domain.ParticipantID, kbps int) {
	c.targetBitrate.WithLabelValues(string(peerID)).Set(float64(kbps))
}

// RemovePeer drops every series for a peer that left.
func (c *ClientCollector) RemovePeer(peerID domain.ParticipantID) {
	id := string(peerID)
	c.inboundKbps.DeleteLabelValues(id)
	c.outboundKbps.DeleteLabelValues(id)
	c.packetLoss.DeleteLabelValues(id)
	c.rtt.DeleteLabelValues(id)
	c.targetBitrate.DeleteLabelValues(id)
	c.quality.DeleteLabelValues(id)
}

func qualityValue(q domain.QualityLevel) float64 {
	switch q {
	case domain.QualityExcellent:
		return 3
	case domain.QualityGood:
		return 2
	case domain.QualityFair:
		return 1
	default:
		return 0
	}
}
