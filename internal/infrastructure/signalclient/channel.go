package signalclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"p2d/internal/core/domain"
	"p2d/pkg/config"
	"p2d/pkg/retry"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type Config struct {
	URL string
	// Token is sent as the token query parameter when set.
	Token string

	ReconnectAttempts  int
	ReconnectBaseDelay time.Duration
	HandshakeTimeout   time.Duration
	WriteTimeout       time.Duration
	EventBuffer        int
}

func DefaultConfig() Config {
	return Config{
		URL:                "ws://localhost:8080/ws",
		ReconnectAttempts:  5,
		ReconnectBaseDelay: time.Second,
		HandshakeTimeout:   10 * time.Second,
		WriteTimeout:       10 * time.Second,
		EventBuffer:        64,
	}
}

// ConfigFrom reads the client section of the process configuration.
func ConfigFrom(cfg *config.Config, token string) Config {
	c := DefaultConfig()
	c.URL = cfg.Client.SignalingURL
	c.Token = token
	c.ReconnectAttempts = cfg.Client.ReconnectAttempts
	c.ReconnectBaseDelay = cfg.Client.ReconnectBaseDelay
	return c
}

// Channel is a reconnecting websocket to the signaling relay. Decoded relay
// messages and connection state changes arrive in order on Events.
type Channel struct {
	cfg    Config
	dialer *websocket.Dialer
	logger *zap.SugaredLogger

	events chan domain.SignalEvent

	mu      sync.Mutex
	conn    *websocket.Conn
	closed  bool
	started bool

	// gorilla allows one concurrent writer.
	writeMu sync.Mutex
}

func NewChannel(cfg Config, logger *zap.SugaredLogger) *Channel {
	def := DefaultConfig()
	if cfg.ReconnectAttempts < 0 {
		cfg.ReconnectAttempts = 0
	}
	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = def.ReconnectBaseDelay
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = def.EventBuffer
	}

	return &Channel{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		logger: logger,
		events: make(chan domain.SignalEvent, cfg.EventBuffer),
	}
}

// Events is closed after the final DisconnectedEvent.
func (c *Channel) Events() <-chan domain.SignalEvent {
	return c.events
}

// Connect dials the relay and starts the receive loop. A failed first dial is
// returned to the caller and is not retried.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.started || c.closed {
		c.mu.Unlock()
		return errors.New("signaling channel already started")
	}
	c.started = true
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		c.mu.Lock()
		c.started = false
		c.mu.Unlock()
		return err
	}

	go c.run(ctx, conn)
	return nil
}

func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Send writes env to the relay. While disconnected the envelope is dropped
// and ErrNotConnected is returned.
func (c *Channel) Send(env *domain.Envelope) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		c.logger.Debugw("dropping envelope while disconnected", "type", env.Type)
		return domain.ErrNotConnected
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.Type, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send %s: %w", env.Type, err)
	}
	return nil
}

// Close shuts the connection down without reconnecting.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	c.writeMu.Lock()
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return conn.Close()
}

func (c *Channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	target, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse signaling url: %w", err)
	}
	if c.cfg.Token != "" {
		q := target.Query()
		q.Set("token", c.cfg.Token)
		target.RawQuery = q.Encode()
	}

	conn, resp, err := c.dialer.DialContext(ctx, target.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", c.cfg.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	return conn, nil
}

func (c *Channel) run(ctx context.Context, conn *websocket.Conn) {
	defer close(c.events)

	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	for {
		if !c.attach(conn) {
			conn.Close()
			c.emit(ctx, domain.DisconnectedEvent{})
			return
		}
		c.emit(ctx, domain.ConnectedEvent{})
		c.logger.Infow("signaling connected", "url", c.cfg.URL)

		err := c.readLoop(ctx, conn)
		c.detach()
		conn.Close()

		if c.isClosed() {
			c.logger.Infow("signaling closed")
			c.emit(ctx, domain.DisconnectedEvent{})
			return
		}
		c.logger.Warnw("signaling connection lost", "error", err)

		conn, err = c.reconnect(ctx)
		if err != nil && c.isClosed() {
			c.emit(ctx, domain.DisconnectedEvent{})
			return
		}
		if err != nil {
			c.logger.Warnw("signaling reconnect gave up", "error", err)
			c.emit(ctx, domain.DisconnectedEvent{Err: err})
			return
		}
	}
}

// reconnect waits attempt × base delay before each try.
func (c *Channel) reconnect(ctx context.Context) (*websocket.Conn, error) {
	backoff := retry.Linear(c.cfg.ReconnectAttempts, c.cfg.ReconnectBaseDelay)
	lastErr := errors.New("reconnection disabled")

	for attempt := 1; attempt <= c.cfg.ReconnectAttempts; attempt++ {
		c.emit(ctx, domain.ReconnectingEvent{Attempt: attempt})

		timer := time.NewTimer(backoff.Delay(attempt - 1))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		if c.isClosed() {
			return nil, domain.ErrNotConnected
		}

		conn, err := c.dial(ctx)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		c.logger.Debugw("reconnect attempt failed", "attempt", attempt, "error", err)
	}
	return nil, fmt.Errorf("after %d attempts: %w", c.cfg.ReconnectAttempts, lastErr)
}

func (c *Channel) attach(conn *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.conn = conn
	return true
}

func (c *Channel) detach() {
	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()
}

func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var env domain.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warnw("discarding malformed relay frame", "error", err)
			continue
		}
		ev, err := domain.DecodeSignalEvent(&env)
		if err != nil {
			c.logger.Warnw("discarding relay message", "type", env.Type, "error", err)
			continue
		}
		c.emit(ctx, ev)
	}
}

func (c *Channel) emit(ctx context.Context, ev domain.SignalEvent) {
	select {
	case c.events <- ev:
	case <-ctx.Done():
	}
}
