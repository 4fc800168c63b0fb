package domain

import (
	"encoding/json"
	"time"
)

type MessageType string

const (
	MsgRoomCreate  MessageType = "room:create"
	MsgRoomJoin    MessageType = "room:join"
	MsgRoomLeave   MessageType = "room:leave"
	MsgRoomCreated MessageType = "room:created"
	MsgRoomJoined  MessageType = "room:joined"
	MsgPeerJoined  MessageType = "peer:joined"
	MsgPeerLeft    MessageType = "peer:left"
	MsgPeerOffer   MessageType = "peer:offer"
	MsgPeerAnswer  MessageType = "peer:answer"
	MsgPeerICE     MessageType = "peer:ice"
	MsgError       MessageType = "error"
)

// IsRelayed reports whether the relay forwards this type to targetId untouched.
func (t MessageType) IsRelayed() bool {
	return t == MsgPeerOffer || t == MsgPeerAnswer || t == MsgPeerICE
}

// Envelope is the JSON frame exchanged with the signaling relay.
type Envelope struct {
	Type      MessageType     `json:"type"`
	RoomID    RoomID          `json:"roomId,omitempty"`
	SenderID  ParticipantID   `json:"senderId,omitempty"`
	TargetID  ParticipantID   `json:"targetId,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload and stamps the current time.
func NewEnvelope(t MessageType, payload interface{}) (*Envelope, error) {
	env := &Envelope{Type: t, Timestamp: NowMillis()}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	env.Payload = raw
	return env, nil
}

// Decode unmarshals the payload into v. An absent payload decodes as {}.
func (e *Envelope) Decode(v interface{}) error {
	if len(e.Payload) == 0 {
		return json.Unmarshal([]byte("{}"), v)
	}
	return json.Unmarshal(e.Payload, v)
}

func NowMillis() int64 {
	return time.Now().UnixMilli()
}

type CreateRoomPayload struct {
	Name string `json:"name,omitempty"`
}

type JoinRoomPayload struct {
	RoomCode string `json:"roomCode"`
	Name     string `json:"name,omitempty"`
}

type RoomCreatedPayload struct {
	RoomCode RoomCode `json:"roomCode"`
	RoomID   RoomID   `json:"roomId"`
}

type RoomJoinedPayload struct {
	RoomID       RoomID            `json:"roomId"`
	RoomCode     RoomCode          `json:"roomCode"`
	MyID         ParticipantID     `json:"myId"`
	Participants []ParticipantInfo `json:"participants"`
}

type PeerJoinedPayload struct {
	PeerID ParticipantID `json:"peerId"`
	Name   string        `json:"name,omitempty"`
}

type PeerLeftPayload struct {
	PeerID ParticipantID `json:"peerId"`
}

type SDPPayload struct {
	SDP SessionDescription `json:"sdp"`
}

type ICEPayload struct {
	Candidate ICECandidate `json:"candidate"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SessionDescription mirrors the browser RTCSessionDescriptionInit shape.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate mirrors the browser RTCIceCandidateInit shape.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}
