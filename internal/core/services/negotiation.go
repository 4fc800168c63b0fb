package services

import (
	"context"
	"fmt"

	"p2d/internal/core/domain"
	"p2d/internal/core/ports"
	"p2d/pkg/tracing"

	"go.uber.org/zap"
)

// PeerNegotiator drives offer/answer/ICE exchange with one remote
// participant. It is not safe for concurrent use; the mesh event loop is its
// only caller.
type PeerNegotiator struct {
	peerID   domain.ParticipantID
	role     domain.PeerRole
	state    domain.NegotiationState
	signaler ports.Signaler
	logger   *zap.SugaredLogger

	pc     ports.PeerConnection
	dc     ports.DataChannel
	sender ports.BitrateSender
}

func NewPeerNegotiator(
	peerID domain.ParticipantID,
	role domain.PeerRole,
	signaler ports.Signaler,
	logger *zap.SugaredLogger,
) *PeerNegotiator {
	return &PeerNegotiator{
		peerID:   peerID,
		role:     role,
		state:    domain.StateIdle,
		signaler: signaler,
		logger:   logger.With("peer_id", peerID, "role", role),
	}
}

func (n *PeerNegotiator) PeerID() domain.ParticipantID     { return n.peerID }
func (n *PeerNegotiator) Role() domain.PeerRole            { return n.role }
func (n *PeerNegotiator) State() domain.NegotiationState   { return n.state }
func (n *PeerNegotiator) Connection() ports.PeerConnection { return n.pc }
func (n *PeerNegotiator) DataChannel() ports.DataChannel   { return n.dc }
func (n *PeerNegotiator) Sender() ports.BitrateSender      { return n.sender }

func (n *PeerNegotiator) Record() domain.PeerConnectionRecord {
	return domain.PeerConnectionRecord{
		PeerID:         n.peerID,
		Role:           n.role,
		State:          n.state,
		HasDataChannel: n.dc != nil,
	}
}

// Open constructs the engine connection. The initiator also attaches local
// media and opens the control channel; the engine then asks for negotiation.
func (n *PeerNegotiator) Open(factory ports.PeerConnectionFactory, handlers ports.PeerHandlers) error {
	if n.pc != nil {
		return nil
	}
	pc, err := factory.NewPeerConnection(n.peerID, handlers)
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}
	n.pc = pc

	if n.role != domain.RoleInitiator {
		return nil
	}

	if err := n.attachMedia(); err != nil {
		return err
	}
	dc, err := pc.CreateDataChannel(domain.ControlChannelLabel)
	if err != nil {
		return fmt.Errorf("create data channel: %w", err)
	}
	n.dc = dc
	return nil
}

func (n *PeerNegotiator) attachMedia() error {
	if n.sender != nil {
		return nil
	}
	sender, err := n.pc.AttachLocalMedia()
	if err != nil {
		return fmt.Errorf("attach local media: %w", err)
	}
	n.sender = sender
	return nil
}

// SetDataChannel adopts a channel opened by the remote side.
func (n *PeerNegotiator) SetDataChannel(dc ports.DataChannel) {
	n.dc = dc
}

// HandleNegotiationNeeded creates and sends an offer. The initiator offers
// whenever the engine asks; the responder only renegotiates an established
// pair.
func (n *PeerNegotiator) HandleNegotiationNeeded() {
	if n.pc == nil || n.state == domain.StateClosed {
		return
	}
	if n.role == domain.RoleResponder && n.state != domain.StateConnected {
		return
	}
	if st := n.pc.SignalingState(); st != domain.SignalingStable {
		n.logger.Debugw("negotiation deferred", "signaling_state", st)
		return
	}

	ctx, span := tracing.TraceNegotiation(context.Background(), "offer", string(n.peerID))
	defer span.End()

	offer, err := n.pc.CreateOffer()
	if err != nil {
		tracing.RecordError(ctx, err)
		n.logger.Warnw("failed to create offer", "error", err)
		return
	}
	if err := n.pc.SetLocalDescription(offer); err != nil {
		tracing.RecordError(ctx, err)
		n.logger.Warnw("failed to apply local offer", "error", err)
		return
	}
	if n.state == domain.StateIdle {
		n.state = domain.StateNegotiating
	}
	n.send(domain.MsgPeerOffer, domain.SDPPayload{SDP: offer})
}

// HandleOffer applies a remote offer and answers it. An offer colliding with
// a pending local offer is resolved by role: the responder rolls back and
// yields, the initiator keeps its own offer and drops the remote one.
func (n *PeerNegotiator) HandleOffer(factory ports.PeerConnectionFactory, handlers ports.PeerHandlers, offer domain.SessionDescription) {
	if n.state == domain.StateClosed {
		return
	}
	if err := n.Open(factory, handlers); err != nil {
		n.logger.Errorw("failed to open connection for offer", "error", err)
		return
	}

	if n.pc.SignalingState() == domain.SignalingHaveLocalOffer {
		if n.role == domain.RoleInitiator {
			n.logger.Infow("ignoring colliding offer")
			return
		}
		n.logger.Infow("offer collision, rolling back local offer")
		if err := n.pc.SetLocalDescription(domain.SessionDescription{Type: domain.SDPTypeRollback}); err != nil {
			n.logger.Warnw("rollback failed", "error", err)
			return
		}
	}

	ctx, span := tracing.TraceNegotiation(context.Background(), "answer", string(n.peerID))
	defer span.End()

	if n.state == domain.StateIdle {
		n.state = domain.StateNegotiating
	}
	if err := n.pc.SetRemoteDescription(offer); err != nil {
		tracing.RecordError(ctx, err)
		n.logger.Warnw("failed to apply remote offer", "error", err)
		return
	}
	if err := n.attachMedia(); err != nil {
		tracing.RecordError(ctx, err)
		n.logger.Warnw("failed to attach local media", "error", err)
	}

	answer, err := n.pc.CreateAnswer()
	if err != nil {
		tracing.RecordError(ctx, err)
		n.logger.Warnw("failed to create answer", "error", err)
		return
	}
	if err := n.pc.SetLocalDescription(answer); err != nil {
		tracing.RecordError(ctx, err)
		n.logger.Warnw("failed to apply local answer", "error", err)
		return
	}
	n.send(domain.MsgPeerAnswer, domain.SDPPayload{SDP: answer})
}

// HandleAnswer applies the remote answer to a pending local offer.
func (n *PeerNegotiator) HandleAnswer(answer domain.SessionDescription) {
	if n.pc == nil || n.state == domain.StateClosed {
		return
	}
	if st := n.pc.SignalingState(); st != domain.SignalingHaveLocalOffer {
		n.logger.Debugw("ignoring answer without pending offer", "signaling_state", st)
		return
	}
	if err := n.pc.SetRemoteDescription(answer); err != nil {
		n.logger.Warnw("failed to apply remote answer", "error", err)
	}
}

// HandleICE adds a remote candidate. Failures are not fatal to the pair.
func (n *PeerNegotiator) HandleICE(candidate domain.ICECandidate) {
	if n.pc == nil || n.state == domain.StateClosed {
		n.logger.Debugw("dropping candidate without connection")
		return
	}
	if err := n.pc.AddICECandidate(candidate); err != nil {
		n.logger.Warnw("failed to add ICE candidate", "error", err)
	}
}

// HandleLocalCandidate forwards a locally gathered candidate to the peer.
func (n *PeerNegotiator) HandleLocalCandidate(candidate domain.ICECandidate) {
	if n.state == domain.StateClosed {
		return
	}
	n.send(domain.MsgPeerICE, domain.ICEPayload{Candidate: candidate})
}

// HandleConnectionState folds a transport state change into the pair state.
// It reports whether the pair is finished and should be torn down.
func (n *PeerNegotiator) HandleConnectionState(state domain.ConnectionState) bool {
	if n.state == domain.StateClosed {
		return true
	}
	switch {
	case state == domain.ConnectionConnected:
		n.state = domain.StateConnected
	case state.IsTerminal():
		return true
	}
	return false
}

// Close releases the data channel and the connection.
func (n *PeerNegotiator) Close() {
	if n.state == domain.StateClosed {
		return
	}
	n.state = domain.StateClosed
	if n.dc != nil {
		if err := n.dc.Close(); err != nil {
			n.logger.Debugw("data channel close failed", "error", err)
		}
	}
	if n.pc != nil {
		if err := n.pc.Close(); err != nil {
			n.logger.Debugw("peer connection close failed", "error", err)
		}
	}
}

func (n *PeerNegotiator) send(t domain.MessageType, payload interface{}) {
	env, err := domain.NewEnvelope(t, payload)
	if err != nil {
		n.logger.Errorw("failed to encode envelope", "type", t, "error", err)
		return
	}
	env.TargetID = n.peerID
	if err := n.signaler.Send(env); err != nil {
		n.logger.Warnw("failed to send envelope", "type", t, "error", err)
	}
}
