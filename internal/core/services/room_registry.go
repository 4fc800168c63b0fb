package services

import (
	"io"
	"time"

	"p2d/internal/core/domain"
	"p2d/pkg/utils"
)

// maxCodeAttempts bounds collision retries. With 32^6 codes it is only
// reached when the code space is effectively full.
const maxCodeAttempts = 1000

// RoomRegistry owns rooms and the participant → room reverse index. It does
// no locking: the relay hub is its only caller.
type RoomRegistry struct {
	rooms        map[domain.RoomID]*domain.Room
	codes        map[domain.RoomCode]domain.RoomID
	participants map[domain.ParticipantID]domain.RoomID

	codeSource io.Reader
	now        func() time.Time
}

type RegistryOption func(*RoomRegistry)

// WithCodeSource replaces crypto/rand as the room code entropy source.
func WithCodeSource(r io.Reader) RegistryOption {
	return func(reg *RoomRegistry) { reg.codeSource = r }
}

// WithClock overrides the clock used for CreatedAt and JoinedAt.
func WithClock(now func() time.Time) RegistryOption {
	return func(reg *RoomRegistry) { reg.now = now }
}

func NewRoomRegistry(opts ...RegistryOption) *RoomRegistry {
	reg := &RoomRegistry{
		rooms:        make(map[domain.RoomID]*domain.Room),
		codes:        make(map[domain.RoomCode]domain.RoomID),
		participants: make(map[domain.ParticipantID]domain.RoomID),
		now:          utils.Now,
	}
	for _, opt := range opts {
		opt(reg)
	}
	return reg
}

// CreateRoom registers a new room with creatorID as its first participant.
// A creator that is still in another room leaves it first.
func (r *RoomRegistry) CreateRoom(creatorID domain.ParticipantID, creatorName string) (*domain.Room, error) {
	code, err := r.uniqueCode()
	if err != nil {
		return nil, err
	}

	r.LeaveRoom(creatorID)

	now := r.now()
	room := &domain.Room{
		ID:        domain.RoomID(utils.NewRoomID()),
		Code:      code,
		CreatedAt: now,
		Participants: map[domain.ParticipantID]*domain.ParticipantInfo{
			creatorID: {ID: creatorID, Name: creatorName, JoinedAt: now},
		},
	}

	r.rooms[room.ID] = room
	r.codes[code] = room.ID
	r.participants[creatorID] = room.ID
	return room, nil
}

func (r *RoomRegistry) uniqueCode() (domain.RoomCode, error) {
	for i := 0; i < maxCodeAttempts; i++ {
		raw, err := utils.GenerateCode(r.codeSource, domain.RoomCodeAlphabet, domain.RoomCodeLength)
		if err != nil {
			return "", err
		}
		code := domain.RoomCode(raw)
		if _, taken := r.codes[code]; !taken {
			return code, nil
		}
	}
	return "", domain.ErrCodeSpaceExhausted
}

// JoinRoom adds participantID to the room with the given code. Joining a room
// the participant is already in returns that room unchanged.
func (r *RoomRegistry) JoinRoom(code domain.RoomCode, participantID domain.ParticipantID, name string) (*domain.Room, error) {
	room := r.GetByCode(code)
	if room == nil {
		return nil, domain.ErrRoomNotFound
	}
	if room.Has(participantID) {
		return room, nil
	}

	r.LeaveRoom(participantID)

	room.Participants[participantID] = &domain.ParticipantInfo{
		ID:       participantID,
		Name:     name,
		JoinedAt: r.now(),
	}
	r.participants[participantID] = room.ID
	return room, nil
}

// LeaveRoom removes participantID from its room. It returns the room when
// members remain and nil when the participant had no room or the room was
// deleted because it became empty.
func (r *RoomRegistry) LeaveRoom(participantID domain.ParticipantID) *domain.Room {
	roomID, ok := r.participants[participantID]
	if !ok {
		return nil
	}
	delete(r.participants, participantID)

	room, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	delete(room.Participants, participantID)

	if room.IsEmpty() {
		r.deleteRoom(room)
		return nil
	}
	return room
}

func (r *RoomRegistry) deleteRoom(room *domain.Room) {
	for id := range room.Participants {
		delete(r.participants, id)
	}
	delete(r.rooms, room.ID)
	delete(r.codes, room.Code)
}

func (r *RoomRegistry) GetByParticipant(participantID domain.ParticipantID) *domain.Room {
	roomID, ok := r.participants[participantID]
	if !ok {
		return nil
	}
	return r.rooms[roomID]
}

// GetByCode looks a room up case-insensitively.
func (r *RoomRegistry) GetByCode(code domain.RoomCode) *domain.Room {
	roomID, ok := r.codes[domain.NormalizeRoomCode(string(code))]
	if !ok {
		return nil
	}
	return r.rooms[roomID]
}

// SweepExpired deletes rooms that are empty and older than ttl. Rooms with
// participants are never expired.
func (r *RoomRegistry) SweepExpired(now time.Time, ttl time.Duration) []domain.RoomCode {
	var swept []domain.RoomCode
	for _, room := range r.rooms {
		if !room.IsEmpty() || !utils.IsExpiredAt(room.CreatedAt, now, ttl) {
			continue
		}
		r.deleteRoom(room)
		swept = append(swept, room.Code)
	}
	return swept
}

func (r *RoomRegistry) Stats() domain.RegistryStats {
	return domain.RegistryStats{
		Rooms:        len(r.rooms),
		Participants: len(r.participants),
	}
}
