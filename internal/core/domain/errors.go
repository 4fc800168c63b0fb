package domain

import "errors"

var (
	ErrRoomNotFound        = errors.New("room not found")
	ErrInvalidRoomCode     = errors.New("invalid room code")
	ErrParticipantNotFound = errors.New("participant not found")
	ErrPeerNotFound        = errors.New("peer not found")
	ErrUnknownMessageType  = errors.New("unknown message type")
	ErrNotConnected        = errors.New("signaling channel not connected")
	ErrCodeSpaceExhausted  = errors.New("room code space exhausted")
)
