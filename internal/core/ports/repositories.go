package ports

import (
	"context"
	"time"

	"p2d/internal/core/domain"
)

// RoomRegistry owns room membership. Implementations are not safe for
// concurrent use; callers serialize access.
type RoomRegistry interface {
	CreateRoom(creatorID domain.ParticipantID, creatorName string) (*domain.Room, error)
	JoinRoom(code domain.RoomCode, participantID domain.ParticipantID, name string) (*domain.Room, error)
	LeaveRoom(participantID domain.ParticipantID) *domain.Room
	GetByParticipant(participantID domain.ParticipantID) *domain.Room
	GetByCode(code domain.RoomCode) *domain.Room
	SweepExpired(now time.Time, ttl time.Duration) []domain.RoomCode
	Stats() domain.RegistryStats
}

// RoomEventPublisher fans room lifecycle events out to other processes.
type RoomEventPublisher interface {
	PublishRoomCreated(ctx context.Context, room *domain.Room) error
	PublishRoomDeleted(ctx context.Context, code domain.RoomCode) error
	PublishPeerJoined(ctx context.Context, code domain.RoomCode, peerID domain.ParticipantID) error
	PublishPeerLeft(ctx context.Context, code domain.RoomCode, peerID domain.ParticipantID) error
}

// Settings are the client-side values kept between runs.
type Settings struct {
	SignalingURL   string `yaml:"signaling_url"`
	TURNURL        string `yaml:"turn_url,omitempty"`
	TURNUsername   string `yaml:"turn_username,omitempty"`
	TURNCredential string `yaml:"turn_credential,omitempty"`
	DisplayName    string `yaml:"display_name,omitempty"`
}

type SettingsStore interface {
	Load() (*Settings, error)
	Save(settings *Settings) error
}
