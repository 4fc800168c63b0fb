package monitoring

import (
	"context"
	"time"

	"p2d/internal/core/domain"

	"github.com/redis/go-redis/v9"
)

// AddRedisCheck adds a Redis health check
func (h *HealthChecker) AddRedisCheck(client redis.UniversalClient, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}, timeout)
}

// AddRelayCheck reports the relay as ready while its hub answers queries.
func (h *HealthChecker) AddRelayCheck(stats func(ctx context.Context) (domain.RegistryStats, int, error), timeout time.Duration) {
	h.AddCheck("relay", func(ctx context.Context) error {
		_, _, err := stats(ctx)
		return err
	}, timeout)
}
