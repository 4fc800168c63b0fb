package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"p2d/internal/core/domain"
	"p2d/internal/core/ports"
	"p2d/internal/core/services"
	"p2d/internal/infrastructure/monitoring"
	"p2d/internal/infrastructure/signalclient"
	webrtcinfra "p2d/internal/infrastructure/webrtc"
	"p2d/pkg/config"
	"p2d/pkg/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// sessionOptions describe one host or join run.
type sessionOptions struct {
	sharing      bool
	allowControl bool
	joinCode     string
	media        *webrtcinfra.LocalMedia
}

type session struct {
	cfg      *config.Config
	name     string
	out      io.Writer
	log      *zap.SugaredLogger
	mesh     *services.MeshService
	channel  *signalclient.Channel
	remote   *services.RemoteControl
	sharing  bool
	roomCode string
}

// resolveSignalURL picks the relay URL by precedence: flag, environment,
// saved settings, config. The relay serves signaling on /ws.
func resolveSignalURL(flag, env string, settings *ports.Settings, cfg *config.Config) (string, error) {
	raw := flag
	if raw == "" {
		raw = env
	}
	if raw == "" && settings != nil {
		raw = settings.SignalingURL
	}
	if raw == "" {
		raw = cfg.Client.SignalingURL
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid signaling url %q: %w", raw, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid signaling url %q: scheme must be ws or wss", raw)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	return u.String(), nil
}

// withTURN appends the saved TURN server to the configured ICE servers.
func withTURN(cfg *config.Config, settings *ports.Settings) {
	if settings == nil || settings.TURNURL == "" {
		return
	}
	cfg.WebRTC.ICEServers = append(cfg.WebRTC.ICEServers, config.ICEServer{
		URLs:       []string{settings.TURNURL},
		Username:   settings.TURNUsername,
		Credential: settings.TURNCredential,
	})
}

func meshConfigFrom(cfg *config.Config) services.MeshConfig {
	return services.MeshConfig{
		Adaptive: services.AdaptiveConfig{
			MinKbps:         cfg.Adaptive.MinBitrateKbps,
			MaxKbps:         cfg.Adaptive.MaxBitrateKbps,
			TurnMaxKbps:     cfg.Adaptive.TurnMaxBitrateKbps,
			StepDownPercent: cfg.Adaptive.StepDownPercent,
			StepUpPercent:   cfg.Adaptive.StepUpPercent,
		},
		StatsInterval: cfg.Client.StatsInterval,
	}
}

func runSession(opts sessionOptions, in io.Reader, out io.Writer) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	store, err := openSettings()
	if err != nil {
		return err
	}
	settings, err := store.Load()
	if err != nil {
		return err
	}

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	signalURL, err := resolveSignalURL(flagSignalURL, os.Getenv("P2D_SIGNALING_URL"), settings, cfg)
	if err != nil {
		return err
	}
	withTURN(cfg, settings)

	name := flagName
	if name == "" {
		name = settings.DisplayName
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var metrics ports.ClientMetrics
	if flagMetricsAddr != "" {
		reg := prometheus.NewRegistry()
		metrics = monitoring.NewClientCollector(reg)
		go serveMetrics(ctx, flagMetricsAddr, reg, log)
	}

	factory, err := webrtcinfra.NewFactory(webrtcinfra.ConfigFrom(cfg), opts.media, log)
	if err != nil {
		return err
	}

	chCfg := signalclient.ConfigFrom(cfg, flagToken)
	chCfg.URL = signalURL
	channel := signalclient.NewChannel(chCfg, log.With("component", "signaling"))

	s := &session{
		cfg:     cfg,
		name:    name,
		out:     out,
		log:     log,
		channel: channel,
		remote:  &services.RemoteControl{},
		sharing: opts.sharing,
	}
	s.remote.Set(opts.allowControl)

	router := services.NewControlRouter(opts.sharing, s.remote, log,
		services.WithChatSink(s),
		services.WithClipboardSink(s),
		services.WithInputInjector(s),
		services.WithControlHandler(s.onControl),
	)
	s.mesh = services.NewMeshService(factory, channel, router, metrics, meshConfigFrom(cfg), s.callbacks(), log)

	if err := channel.Connect(ctx); err != nil {
		return fmt.Errorf("connect to %s: %w", signalURL, err)
	}
	defer channel.Close()

	meshDone := make(chan error, 1)
	go func() { meshDone <- s.mesh.Run(ctx, channel.Events()) }()

	if opts.joinCode != "" {
		err = s.mesh.JoinRoom(opts.joinCode, name)
	} else {
		err = s.mesh.CreateRoom(name)
	}
	if err != nil {
		return err
	}

	consoleDone := make(chan error, 1)
	go func() { consoleDone <- s.console(ctx, in) }()

	select {
	case <-ctx.Done():
	case err := <-consoleDone:
		if err != nil {
			log.Warnw("console stopped", "error", err)
		}
	case err := <-meshDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		fmt.Fprintln(out, "signaling connection closed")
		return nil
	}

	leaveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.mesh.Leave(leaveCtx); err != nil {
		log.Debugw("leave failed", "error", err)
	}
	stop()
	<-meshDone
	return nil
}

func (s *session) callbacks() services.MeshCallbacks {
	return services.MeshCallbacks{
		OnRoomCreated: func(code domain.RoomCode) {
			fmt.Fprintf(s.out, "room code: %s\n", code)
		},
		OnRoomJoined: func(room domain.RoomJoinedPayload) {
			s.roomCode = string(room.RoomCode)
			fmt.Fprintf(s.out, "joined room %s as %s (%d other participants)\n",
				room.RoomCode, room.MyID, len(room.Participants))
		},
		OnPeerConnected: func(peerID domain.ParticipantID) {
			fmt.Fprintf(s.out, "connected to %s\n", peerID)
		},
		OnPeerDisconnected: func(peerID domain.ParticipantID) {
			fmt.Fprintf(s.out, "disconnected from %s\n", peerID)
		},
		OnSignalState: s.onSignalState,
		OnError: func(err domain.ErrorPayload) {
			fmt.Fprintf(s.out, "relay error %s: %s\n", err.Code, err.Message)
		},
	}
}

// onSignalState rejoins the room after the relay connection comes back. The
// relay treats the new connection as a new participant.
func (s *session) onSignalState(ev domain.SignalEvent) {
	switch ev := ev.(type) {
	case domain.ReconnectingEvent:
		fmt.Fprintf(s.out, "signaling lost, reconnecting (attempt %d)\n", ev.Attempt)
	case domain.ConnectedEvent:
		if s.roomCode == "" {
			return
		}
		code := s.roomCode
		go func() {
			if err := s.mesh.JoinRoom(code, s.name); err != nil {
				s.log.Warnw("rejoin failed", "room_code", code, "error", err)
			}
		}()
	case domain.DisconnectedEvent:
		if ev.Err != nil {
			fmt.Fprintf(s.out, "signaling disconnected: %v\n", ev.Err)
		}
	}
}

func (s *session) OnChat(from domain.ParticipantID, msg domain.ChatMessage) {
	sender := msg.SenderName
	if sender == "" {
		sender = string(from)
	}
	fmt.Fprintf(s.out, "[%s] %s\n", sender, msg.Text)
}

func (s *session) SetClipboard(ctx context.Context, text string) error {
	fmt.Fprintf(s.out, "clipboard: %s\n", text)
	return nil
}

// Inject reports remote input. Driving the local pointer and keyboard is left
// to platform tooling reading this log.
func (s *session) Inject(ctx context.Context, msg domain.ControlMessage) error {
	s.log.Infow("remote input", "type", msg.Type, "data", string(msg.Data))
	return nil
}

func (s *session) onControl(from domain.ParticipantID, msg domain.ControlMessage) {
	switch msg.Type {
	case domain.CtlStatsResponse:
		fmt.Fprintf(s.out, "stats from %s: %s\n", from, string(msg.Data))
	default:
		fmt.Fprintf(s.out, "%s from %s\n", msg.Type, from)
	}
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, log *zap.SugaredLogger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:        addr,
		Handler:     mux,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	log.Infow("client metrics listening", "address", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Warnw("metrics server failed", "error", err)
	}
}

func trimCommand(line string) (string, string) {
	line = strings.TrimSpace(line)
	cmd, rest, _ := strings.Cut(line, " ")
	return cmd, strings.TrimSpace(rest)
}
