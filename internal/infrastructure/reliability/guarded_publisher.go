package reliability

import (
	"context"
	"errors"

	"p2d/internal/core/domain"
	"p2d/internal/core/ports"
	"p2d/pkg/circuitbreaker"
	"p2d/pkg/retry"

	"go.uber.org/zap"
)

// GuardedPublisher retries room event publishes and stops calling the
// backend while it keeps failing.
type GuardedPublisher struct {
	next    ports.RoomEventPublisher
	retry   retry.Config
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.SugaredLogger
}

func NewGuardedPublisher(
	next ports.RoomEventPublisher,
	retryCfg retry.Config,
	cbCfg circuitbreaker.Config,
	logger *zap.SugaredLogger,
) *GuardedPublisher {
	// An open breaker is final for the current publish.
	retryCfg.NonRetryableErrors = append(retryCfg.NonRetryableErrors, circuitbreaker.ErrOpen)

	g := &GuardedPublisher{
		next:    next,
		retry:   retryCfg,
		breaker: circuitbreaker.New(cbCfg),
		logger:  logger,
	}
	g.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Infow("event publisher circuit changed",
			"from", from.String(),
			"to", to.String(),
		)
	})
	return g
}

func (g *GuardedPublisher) State() circuitbreaker.State {
	return g.breaker.State()
}

func (g *GuardedPublisher) PublishRoomCreated(ctx context.Context, room *domain.Room) error {
	return g.do(ctx, func() error { return g.next.PublishRoomCreated(ctx, room) })
}

func (g *GuardedPublisher) PublishRoomDeleted(ctx context.Context, code domain.RoomCode) error {
	return g.do(ctx, func() error { return g.next.PublishRoomDeleted(ctx, code) })
}

func (g *GuardedPublisher) PublishPeerJoined(ctx context.Context, code domain.RoomCode, peerID domain.ParticipantID) error {
	return g.do(ctx, func() error { return g.next.PublishPeerJoined(ctx, code, peerID) })
}

func (g *GuardedPublisher) PublishPeerLeft(ctx context.Context, code domain.RoomCode, peerID domain.ParticipantID) error {
	return g.do(ctx, func() error { return g.next.PublishPeerLeft(ctx, code, peerID) })
}

func (g *GuardedPublisher) do(ctx context.Context, fn func() error) error {
	err := retry.Retry(ctx, g.retry, func() error {
		return g.breaker.Execute(ctx, fn)
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return circuitbreaker.ErrOpen
	}
	return err
}
