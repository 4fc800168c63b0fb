package signal

import (
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"p2d/internal/core/domain"
	"p2d/internal/infrastructure/middleware"
	"p2d/pkg/config"
	"p2d/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type ServerConfig struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64
	SendQueueSize  int

	// MessagesPerSecond of zero disables the per-connection limiter.
	MessagesPerSecond float64
	Burst             int
	MaxConnections    int

	AllowedOrigins []string
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		PingInterval:   30 * time.Second,
		PongTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: 64 * 1024,
		SendQueueSize:  64,
		AllowedOrigins: []string{"*"},
	}
}

// ServerConfigFrom maps the process configuration onto the connection
// settings.
func ServerConfigFrom(cfg *config.Config) ServerConfig {
	sc := ServerConfig{
		PingInterval:   cfg.Signal.PingInterval,
		PongTimeout:    cfg.Signal.PongTimeout,
		WriteTimeout:   cfg.Signal.WriteTimeout,
		SendQueueSize:  cfg.Signal.SendQueueSize,
		MaxMessageSize: cfg.RateLimiting.WebSocket.MaxMessageSizeBytes,
		AllowedOrigins: cfg.Auth.AllowedOrigins,
	}
	if cfg.RateLimiting.Enabled {
		sc.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		sc.Burst = cfg.RateLimiting.WebSocket.Burst
		sc.MaxConnections = cfg.RateLimiting.WebSocket.MaxConcurrent
	}
	return sc
}

// WebSocketServer upgrades HTTP requests and hands connections to the relay.
type WebSocketServer struct {
	relay    *Relay
	cfg      ServerConfig
	upgrader websocket.Upgrader
	active   atomic.Int64
	logger   *zap.SugaredLogger
}

func NewWebSocketServer(relay *Relay, cfg ServerConfig, logger *zap.SugaredLogger) *WebSocketServer {
	def := DefaultServerConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.PongTimeout <= cfg.PingInterval {
		cfg.PongTimeout = 2 * cfg.PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = def.SendQueueSize
	}

	s := &WebSocketServer{
		relay:  relay,
		cfg:    cfg,
		logger: logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *WebSocketServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// ActiveConnections returns the number of open relay connections.
func (s *WebSocketServer) ActiveConnections() int64 {
	return s.active.Load()
}

// Handler serves /ws on a gin router. A display name set by the auth
// middleware becomes the default participant name.
func (s *WebSocketServer) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		s.serve(c.Writer, c.Request, c.GetString(middleware.ContextNameKey))
	}
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, "")
}

func (s *WebSocketServer) serve(w http.ResponseWriter, r *http.Request, name string) {
	if s.cfg.MaxConnections > 0 && s.active.Load() >= int64(s.cfg.MaxConnections) {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("websocket upgrade failed", "error", err, "remote_addr", r.RemoteAddr)
		return
	}

	id := domain.ParticipantID(utils.NewClientID())
	client := &Client{
		id:    id,
		name:  name,
		conn:  conn,
		send:  make(chan []byte, s.cfg.SendQueueSize),
		relay: s.relay,
		opts: connOptions{
			pingInterval:   s.cfg.PingInterval,
			pongTimeout:    s.cfg.PongTimeout,
			writeTimeout:   s.cfg.WriteTimeout,
			maxMessageSize: s.cfg.MaxMessageSize,
		},
		logger: s.logger.With("client_id", id),
	}
	if s.cfg.MessagesPerSecond > 0 {
		burst := s.cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		client.limiter = rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), burst)
	}

	select {
	case s.relay.register <- client:
	case <-s.relay.done:
		conn.Close()
		return
	}

	s.active.Add(1)
	client.logger.Infow("client connected", "remote_addr", r.RemoteAddr)

	go client.writePump()
	go func() {
		defer s.active.Add(-1)
		client.readPump()
		client.logger.Infow("client disconnected")
	}()
}
