package domain

import "fmt"

// SignalEvent is one decoded relay message or a change in the state of the
// signaling connection. The set of implementations is closed.
type SignalEvent interface {
	isSignalEvent()
}

type RoomCreatedEvent struct {
	RoomCreatedPayload
}

type RoomJoinedEvent struct {
	RoomJoinedPayload
}

type PeerJoinedEvent struct {
	PeerJoinedPayload
}

type PeerLeftEvent struct {
	PeerLeftPayload
}

type OfferEvent struct {
	From ParticipantID
	SDP  SessionDescription
}

type AnswerEvent struct {
	From ParticipantID
	SDP  SessionDescription
}

type ICEEvent struct {
	From      ParticipantID
	Candidate ICECandidate
}

type ErrorEvent struct {
	ErrorPayload
}

// ConnectedEvent is emitted on every successful (re)connection.
type ConnectedEvent struct{}

// ReconnectingEvent is emitted before each reconnection attempt.
type ReconnectingEvent struct {
	Attempt int
}

// DisconnectedEvent is emitted once the channel is closed for good, either
// on request or after the reconnection budget ran out.
type DisconnectedEvent struct {
	Err error
}

func (RoomCreatedEvent) isSignalEvent()  {}
func (RoomJoinedEvent) isSignalEvent()   {}
func (PeerJoinedEvent) isSignalEvent()   {}
func (PeerLeftEvent) isSignalEvent()     {}
func (OfferEvent) isSignalEvent()        {}
func (AnswerEvent) isSignalEvent()       {}
func (ICEEvent) isSignalEvent()          {}
func (ErrorEvent) isSignalEvent()        {}
func (ConnectedEvent) isSignalEvent()    {}
func (ReconnectingEvent) isSignalEvent() {}
func (DisconnectedEvent) isSignalEvent() {}

// DecodeSignalEvent turns a server envelope into its typed event.
func DecodeSignalEvent(env *Envelope) (SignalEvent, error) {
	switch env.Type {
	case MsgRoomCreated:
		var ev RoomCreatedEvent
		if err := env.Decode(&ev.RoomCreatedPayload); err != nil {
			return nil, err
		}
		return ev, nil
	case MsgRoomJoined:
		var ev RoomJoinedEvent
		if err := env.Decode(&ev.RoomJoinedPayload); err != nil {
			return nil, err
		}
		return ev, nil
	case MsgPeerJoined:
		var ev PeerJoinedEvent
		if err := env.Decode(&ev.PeerJoinedPayload); err != nil {
			return nil, err
		}
		return ev, nil
	case MsgPeerLeft:
		var ev PeerLeftEvent
		if err := env.Decode(&ev.PeerLeftPayload); err != nil {
			return nil, err
		}
		return ev, nil
	case MsgPeerOffer:
		var p SDPPayload
		if err := env.Decode(&p); err != nil {
			return nil, err
		}
		return OfferEvent{From: env.SenderID, SDP: p.SDP}, nil
	case MsgPeerAnswer:
		var p SDPPayload
		if err := env.Decode(&p); err != nil {
			return nil, err
		}
		return AnswerEvent{From: env.SenderID, SDP: p.SDP}, nil
	case MsgPeerICE:
		var p ICEPayload
		if err := env.Decode(&p); err != nil {
			return nil, err
		}
		return ICEEvent{From: env.SenderID, Candidate: p.Candidate}, nil
	case MsgError:
		var ev ErrorEvent
		if err := env.Decode(&ev.ErrorPayload); err != nil {
			return nil, err
		}
		return ev, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessageType, env.Type)
	}
}
