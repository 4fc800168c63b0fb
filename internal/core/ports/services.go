package ports

import (
	"context"

	"p2d/internal/core/domain"
)

// Signaler sends envelopes to the relay.
type Signaler interface {
	Send(env *domain.Envelope) error
}

// StatsSource reports cumulative transport counters for one peer connection.
type StatsSource interface {
	Stats(ctx context.Context) (domain.StatsSnapshot, error)
}

// BitrateSender is the outbound media sender whose encoding ceiling is tuned.
type BitrateSender interface {
	SetMaxBitrate(ctx context.Context, bps uint64) error
}

type DataChannel interface {
	Label() string
	Send(data []byte) error
	OnMessage(handler func(data []byte))
	Close() error
}

// PeerHandlers receives engine callbacks. Callbacks may fire on engine
// goroutines.
type PeerHandlers struct {
	OnNegotiationNeeded     func()
	OnICECandidate          func(candidate domain.ICECandidate)
	OnConnectionStateChange func(state domain.ConnectionState)
	OnDataChannel           func(dc DataChannel)
}

// PeerConnection is one engine connection to a remote participant.
type PeerConnection interface {
	StatsSource

	CreateOffer() (domain.SessionDescription, error)
	CreateAnswer() (domain.SessionDescription, error)
	SetLocalDescription(desc domain.SessionDescription) error
	SetRemoteDescription(desc domain.SessionDescription) error
	AddICECandidate(candidate domain.ICECandidate) error
	SignalingState() domain.SignalingState

	// AttachLocalMedia adds the local capture tracks. It returns nil when
	// there is nothing to send.
	AttachLocalMedia() (BitrateSender, error)
	CreateDataChannel(label string) (DataChannel, error)
	Close() error
}

type PeerConnectionFactory interface {
	NewPeerConnection(peerID domain.ParticipantID, handlers PeerHandlers) (PeerConnection, error)
}

// InputInjector replays remote input on the sharing machine.
type InputInjector interface {
	Inject(ctx context.Context, msg domain.ControlMessage) error
}

type ClipboardSink interface {
	SetClipboard(ctx context.Context, text string) error
}

type ChatSink interface {
	OnChat(from domain.ParticipantID, msg domain.ChatMessage)
}

// ClientMetrics records per-peer link measurements on the client.
type ClientMetrics interface {
	ObserveSample(peerID domain.ParticipantID, sample domain.BandwidthSample)
	SetTargetBitrate(peerID domain.ParticipantID, kbps int)
	RemovePeer(peerID domain.ParticipantID)
}
