package distributed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"p2d/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// EventType represents the type of event
type EventType string

const (
	EventRoomCreated EventType = "room.created"
	EventRoomDeleted EventType = "room.deleted"
	EventPeerJoined  EventType = "peer.joined"
	EventPeerLeft    EventType = "peer.left"
)

var ErrAlreadySubscribed = errors.New("already subscribed")

// Event is one room lifecycle change announced by a relay instance.
type Event struct {
	Type         EventType            `json:"type"`
	InstanceID   string               `json:"instance_id"`
	Timestamp    time.Time            `json:"timestamp"`
	RoomCode     domain.RoomCode      `json:"room_code"`
	PeerID       domain.ParticipantID `json:"peer_id,omitempty"`
	Participants int                  `json:"participants,omitempty"`
}

// PubSub is the subset of the redis client the bus needs.
type PubSub interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// EventBus publishes room events over redis pub/sub so several relay
// instances can observe each other. It implements ports.RoomEventPublisher.
type EventBus struct {
	client     PubSub
	instanceID string
	channel    string
	logger     *zap.SugaredLogger
	pubsub     *redis.PubSub
	now        func() time.Time
}

func NewEventBus(client PubSub, channel, instanceID string, logger *zap.SugaredLogger) *EventBus {
	return &EventBus{
		client:     client,
		instanceID: instanceID,
		channel:    channel,
		logger:     logger,
		now:        time.Now,
	}
}

func (eb *EventBus) InstanceID() string {
	return eb.instanceID
}

// Publish publishes an event to the event bus
func (eb *EventBus) Publish(ctx context.Context, event *Event) error {
	event.InstanceID = eb.instanceID
	event.Timestamp = eb.now()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := eb.client.Publish(ctx, eb.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.Debugw("published event",
		"type", event.Type,
		"room_code", event.RoomCode,
		"peer_id", event.PeerID,
	)

	return nil
}

// Subscribe delivers events from other instances to handler until ctx ends.
func (eb *EventBus) Subscribe(ctx context.Context, handler func(*Event) error) error {
	if eb.pubsub != nil {
		return ErrAlreadySubscribed
	}

	eb.pubsub = eb.client.Subscribe(ctx, eb.channel)
	defer eb.pubsub.Close()

	ch := eb.pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			eb.handle(msg.Payload, handler)
		}
	}
}

func (eb *EventBus) handle(payload string, handler func(*Event) error) {
	var event Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		eb.logger.Warnw("failed to unmarshal event",
			"error", err,
			"payload", payload,
		)
		return
	}

	// Skip events from this instance
	if event.InstanceID == eb.instanceID {
		return
	}

	if err := handler(&event); err != nil {
		eb.logger.Warnw("error handling event",
			"type", event.Type,
			"error", err,
		)
	}
}

func (eb *EventBus) PublishRoomCreated(ctx context.Context, room *domain.Room) error {
	return eb.Publish(ctx, &Event{
		Type:         EventRoomCreated,
		RoomCode:     room.Code,
		Participants: len(room.Participants),
	})
}

func (eb *EventBus) PublishRoomDeleted(ctx context.Context, code domain.RoomCode) error {
	return eb.Publish(ctx, &Event{
		Type:     EventRoomDeleted,
		RoomCode: code,
	})
}

func (eb *EventBus) PublishPeerJoined(ctx context.Context, code domain.RoomCode, peerID domain.ParticipantID) error {
	return eb.Publish(ctx, &Event{
		Type:     EventPeerJoined,
		RoomCode: code,
		PeerID:   peerID,
	})
}

func (eb *EventBus) PublishPeerLeft(ctx context.Context, code domain.RoomCode, peerID domain.ParticipantID) error {
	return eb.Publish(ctx, &Event{
		Type:     EventPeerLeft,
		RoomCode: code,
		PeerID:   peerID,
	})
}

// Close closes the event bus
func (eb *EventBus) Close() error {
	if eb.pubsub != nil {
		return eb.pubsub.Close()
	}
	return nil
}
