package domain

type PeerRole string

const (
	RoleInitiator PeerRole = "initiator"
	RoleResponder PeerRole = "responder"
)

type NegotiationState string

const (
	StateIdle        NegotiationState = "idle"
	StateNegotiating NegotiationState = "negotiating"
	StateConnected   NegotiationState = "connected"
	StateClosed      NegotiationState = "closed"
)

// ConnectionState is the transport-level state reported by the engine.
type ConnectionState string

const (
	ConnectionNew          ConnectionState = "new"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionFailed       ConnectionState = "failed"
	ConnectionClosed       ConnectionState = "closed"
)

// IsTerminal reports whether the pair should be torn down.
func (s ConnectionState) IsTerminal() bool {
	return s == ConnectionDisconnected || s == ConnectionFailed || s == ConnectionClosed
}

// SignalingState is the offer/answer state of a peer connection.
type SignalingState string

const (
	SignalingStable             SignalingState = "stable"
	SignalingHaveLocalOffer     SignalingState = "have-local-offer"
	SignalingHaveRemoteOffer    SignalingState = "have-remote-offer"
	SignalingHaveLocalPranswer  SignalingState = "have-local-pranswer"
	SignalingHaveRemotePranswer SignalingState = "have-remote-pranswer"
	SignalingClosed             SignalingState = "closed"
)

const (
	SDPTypeOffer    = "offer"
	SDPTypeAnswer   = "answer"
	SDPTypeRollback = "rollback"
)

// ControlChannelLabel is the ordered data channel opened by the initiator.
const ControlChannelLabel = "p2d-control"

// PeerConnectionRecord is the client-side view of one remote participant.
type PeerConnectionRecord struct {
	PeerID         ParticipantID    `json:"peerId"`
	Role           PeerRole         `json:"role"`
	State          NegotiationState `json:"state"`
	HasDataChannel bool             `json:"hasDataChannel"`
}
