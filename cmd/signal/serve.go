package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"p2d/internal/core/services"
	httphandlers "p2d/internal/handlers/http"
	"p2d/internal/infrastructure/distributed"
	"p2d/internal/infrastructure/middleware"
	"p2d/internal/infrastructure/monitoring"
	"p2d/internal/infrastructure/reliability"
	relay "p2d/internal/infrastructure/signal"
	"p2d/pkg/circuitbreaker"
	"p2d/pkg/config"
	"p2d/pkg/logger"
	"p2d/pkg/retry"
	"p2d/pkg/tracing"
	"p2d/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const checkTimeout = 2 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the signaling relay",
	Long: `Run the signaling relay. HOST and PORT override the listen address.

Endpoints:
  /ws                  websocket signaling
  /health, /ready      liveness and readiness
  /metrics             prometheus metrics
  /api/v1/rooms/:code  room lookup
  /api/v1/stats        room and connection counts`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		return serve(cfg)
	},
}

func serve(cfg *config.Config) error {
	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Warnw("tracer shutdown failed", "error", err)
		}
	}()

	health := monitoring.NewHealthChecker()
	var opts []relay.RelayOption

	if cfg.Monitoring.PrometheusEnabled {
		opts = append(opts, relay.WithMetrics(monitoring.NewRelayCollector(prometheus.DefaultRegisterer)))
	}

	if cfg.Redis.Enabled {
		bus, closeBus, err := startEventBus(ctx, cfg, health, log)
		if err != nil {
			log.Warnw("room events disabled, redis unavailable", "error", err)
		} else {
			defer closeBus()
			guarded := reliability.NewGuardedPublisher(bus, retry.DefaultConfig(), circuitbreaker.DefaultConfig(), log)
			opts = append(opts, relay.WithEventPublisher(guarded))
		}
	}

	r := relay.NewRelay(services.NewRoomRegistry(), relay.RelayConfig{
		RoomTTL:       cfg.Rooms.TTL,
		SweepInterval: cfg.Rooms.SweepInterval,
		StatsInterval: cfg.Rooms.StatsInterval,
	}, log, opts...)

	relayDone := make(chan error, 1)
	go func() { relayDone <- r.Run(ctx) }()
	health.AddRelayCheck(r.Stats, checkTimeout)

	router, err := newRouter(cfg, r, health, log)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:        cfg.Server.Address,
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
		// Websocket writes carry their own deadlines.
		WriteTimeout: 0,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("signaling relay listening", "address", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("http server: %w", err)
	case err := <-relayDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("relay stopped: %w", err)
		}
	case <-ctx.Done():
		log.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("graceful shutdown failed", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("force close failed", "error", closeErr)
		}
	}
	log.Info("signaling relay stopped")
	return nil
}

func newRouter(cfg *config.Config, r *relay.Relay, health *monitoring.HealthChecker, log *zap.SugaredLogger) (*gin.Engine, error) {
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.ErrorHandlerMiddleware(log),
		middleware.NewHTTPRateLimitMiddleware(cfg),
	)

	ws := relay.NewWebSocketServer(r, relay.ServerConfigFrom(cfg), log)
	switch {
	case cfg.Auth.Enabled:
		if cfg.Auth.JWTSecret == "" {
			return nil, errors.New("auth.enabled requires auth.jwt_secret or P2D_JWT_SECRET")
		}
		auth := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
		router.GET("/ws", middleware.AuthMiddleware(auth), ws.Handler())
	case cfg.Auth.JWTSecret != "":
		auth := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
		router.GET("/ws", middleware.OptionalAuthMiddleware(auth), ws.Handler())
	default:
		router.GET("/ws", ws.Handler())
	}

	httphandlers.NewHealthHandler(health).SetupRoutes(router)
	httphandlers.NewRoomHandler(r).SetupRoutes(router)

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}
	return router, nil
}

// startEventBus connects to redis and logs room events from other relay
// instances until ctx ends.
func startEventBus(ctx context.Context, cfg *config.Config, health *monitoring.HealthChecker, log *zap.SugaredLogger) (*distributed.EventBus, func(), error) {
	client, err := distributed.NewRedisClient(ctx, distributed.RedisConfig{
		Address:  cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	}, log)
	if err != nil {
		return nil, nil, err
	}
	health.AddRedisCheck(client, checkTimeout)

	bus := distributed.NewEventBus(client, cfg.Redis.Channel, utils.NewClientID(), log)
	go func() {
		err := bus.Subscribe(ctx, func(ev *distributed.Event) error {
			log.Debugw("room event from peer instance",
				"type", ev.Type,
				"instance_id", ev.InstanceID,
				"room_code", ev.RoomCode,
				"peer_id", ev.PeerID,
			)
			return nil
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Warnw("room event subscription ended", "error", err)
		}
	}()

	return bus, func() {
		bus.Close()
		client.Close()
	}, nil
}
