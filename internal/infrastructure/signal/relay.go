package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"p2d/internal/core/domain"
	"p2d/internal/core/ports"
	apperrors "p2d/pkg/errors"
	rlog "p2d/pkg/logger"
	"p2d/pkg/tracing"
	"p2d/pkg/utils"
	"p2d/pkg/validation"

	"go.uber.org/zap"
)

var ErrRelayStopped = errors.New("relay stopped")

const publishTimeout = 5 * time.Second

// Metrics receives relay counters. The prometheus collector implements it.
type Metrics interface {
	ConnectionOpened()
	ConnectionClosed()
	MessageReceived(t domain.MessageType)
	MessageRelayed(t domain.MessageType)
	MessageDropped(reason string)
	ErrorSent(code apperrors.ErrorCode)
	RoomsSwept(n int)
	SetRegistryStats(stats domain.RegistryStats, clients int)
}

type noopMetrics struct{}

func (noopMetrics) ConnectionOpened() {}
func (noopMetrics) ConnectionClosed() {}
func (noopMetrics) MessageReceived(domain.MessageType) {}
func (noopMetrics) MessageRelayed(domain.MessageType) {}
func (noopMetrics) MessageDropped(string) {}
func (noopMetrics) ErrorSent(apperrors.ErrorCode) {}
func (noopMetrics) RoomsSwept(int) {}
func (noopMetrics) SetRegistryStats(domain.RegistryStats, int) {}

type RelayConfig struct {
	RoomTTL       time.Duration
	SweepInterval time.Duration
	StatsInterval time.Duration
}

func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		RoomTTL:       5 * time.Minute,
		SweepInterval: 60 * time.Second,
		StatsInterval: 60 * time.Second,
	}
}

type RelayOption func(*Relay)

func WithMetrics(m Metrics) RelayOption {
	return func(r *Relay) {
		if m != nil {
			r.metrics = m
		}
	}
}

// WithEventPublisher fans room lifecycle events out, typically over redis.
func WithEventPublisher(p ports.RoomEventPublisher) RelayOption {
	return func(r *Relay) { r.events = p }
}

// RoomInfo is the public view of a room returned by lookups.
type RoomInfo struct {
	Code         domain.RoomCode `json:"roomCode"`
	Participants int             `json:"participants"`
	CreatedAt    time.Time       `json:"createdAt"`
}

type frame struct {
	client *Client
	data   []byte
}

// Relay is the signaling hub. Run owns the registry and the client map; every
// other goroutine reaches them through channels.
type Relay struct {
	registry ports.RoomRegistry
	events   ports.RoomEventPublisher
	metrics  Metrics
	cfg      RelayConfig
	logger   *zap.SugaredLogger

	clients map[domain.ParticipantID]*Client
	started time.Time

	register   chan *Client
	unregister chan *Client
	inbound    chan frame
	queries    chan func()
	done       chan struct{}
}

func NewRelay(registry ports.RoomRegistry, cfg RelayConfig, logger *zap.SugaredLogger, opts ...RelayOption) *Relay {
	def := DefaultRelayConfig()
	if cfg.RoomTTL <= 0 {
		cfg.RoomTTL = def.RoomTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = def.StatsInterval
	}

	r := &Relay{
		registry:   registry,
		metrics:    noopMetrics{},
		cfg:        cfg,
		logger:     logger,
		clients:    make(map[domain.ParticipantID]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan frame),
		queries:    make(chan func()),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run processes hub traffic until ctx is cancelled. On return every client
// send queue is closed so the write pumps hang up.
func (r *Relay) Run(ctx context.Context) error {
	sweep := time.NewTicker(r.cfg.SweepInterval)
	defer sweep.Stop()
	stats := time.NewTicker(r.cfg.StatsInterval)
	defer stats.Stop()

	defer close(r.done)
	defer r.shutdown()

	r.started = utils.Now()
	r.logger.Infow("relay started",
		"room_ttl", r.cfg.RoomTTL,
		"sweep_interval", r.cfg.SweepInterval,
	)

	for {
		select {
		case <-ctx.Done():
			r.logger.Infow("relay stopping", "clients", len(r.clients))
			return ctx.Err()

		case c := <-r.register:
			r.clients[c.id] = c
			r.metrics.ConnectionOpened()
			c.logger.Debugw("client registered")

		case c := <-r.unregister:
			r.disconnect(ctx, c)

		case f := <-r.inbound:
			r.handleFrame(ctx, f)

		case fn := <-r.queries:
			fn()

		case now := <-sweep.C:
			r.sweep(now)

		case <-stats.C:
			r.logStats()
		}
	}
}

func (r *Relay) shutdown() {
	for id, c := range r.clients {
		delete(r.clients, id)
		close(c.send)
	}
}

// query runs fn on the hub goroutine and waits for it.
func (r *Relay) query(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	select {
	case r.queries <- func() { fn(); close(finished) }:
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return ErrRelayStopped
	}
	<-finished
	return nil
}

// LookupRoom reports whether a room with the given code exists.
func (r *Relay) LookupRoom(ctx context.Context, code domain.RoomCode) (RoomInfo, bool, error) {
	var (
		info  RoomInfo
		found bool
	)
	err := r.query(ctx, func() {
		room := r.registry.GetByCode(code)
		if room == nil {
			return
		}
		found = true
		info = RoomInfo{Code: room.Code, Participants: len(room.Participants), CreatedAt: room.CreatedAt}
	})
	return info, found, err
}

// Stats returns the registry counters and the number of open connections.
func (r *Relay) Stats(ctx context.Context) (domain.RegistryStats, int, error) {
	var (
		stats   domain.RegistryStats
		clients int
	)
	err := r.query(ctx, func() {
		stats = r.registry.Stats()
		clients = len(r.clients)
	})
	return stats, clients, err
}

func (r *Relay) disconnect(ctx context.Context, c *Client) {
	if r.clients[c.id] == c {
		delete(r.clients, c.id)
		close(c.send)
	}
	r.leave(ctx, c)
	r.metrics.ConnectionClosed()
	c.logger.Debugw("client unregistered")
}

// evict drops a client whose send queue is full. Room cleanup happens when
// its read pump unregisters.
func (r *Relay) evict(c *Client) {
	if r.clients[c.id] != c {
		return
	}
	delete(r.clients, c.id)
	close(c.send)
	r.metrics.MessageDropped("slow_client")
	c.logger.Warnw("send queue full, disconnecting client")
}

func (r *Relay) handleFrame(ctx context.Context, f frame) {
	c := f.client
	if r.clients[c.id] != c {
		return
	}

	if c.limiter != nil && !c.limiter.Allow() {
		r.metrics.MessageDropped("rate_limited")
		r.sendError(c, apperrors.NewRateLimitedError())
		return
	}

	var env domain.Envelope
	if err := json.Unmarshal(f.data, &env); err != nil {
		r.sendError(c, apperrors.NewParseError(err))
		return
	}
	if env.Type == "" {
		r.sendError(c, apperrors.NewParseError(errors.New("missing type")))
		return
	}

	ctx, span := tracing.TraceEnvelope(ctx, string(env.Type), string(c.id))
	defer span.End()
	r.metrics.MessageReceived(env.Type)

	if err := r.dispatch(ctx, c, &env); err != nil {
		tracing.RecordError(ctx, err)
		if appErr := apperrors.GetAppError(err); appErr != nil {
			tracing.AddSpanAttributes(ctx, tracing.ErrorCodeKey.String(string(appErr.Code)))
		}
		rlog.WithContext(ctx, c.logger).Debugw("envelope rejected", "type", env.Type, "error", err)
		r.sendError(c, err)
	}
}

func (r *Relay) dispatch(ctx context.Context, c *Client, env *domain.Envelope) error {
	switch env.Type {
	case domain.MsgRoomCreate:
		return r.handleCreate(ctx, c, env)
	case domain.MsgRoomJoin:
		return r.handleJoin(ctx, c, env)
	case domain.MsgRoomLeave:
		r.leave(ctx, c)
		return nil
	case domain.MsgPeerOffer, domain.MsgPeerAnswer, domain.MsgPeerICE:
		r.forward(ctx, c, env)
		return nil
	default:
		return apperrors.NewUnknownTypeError(string(env.Type))
	}
}

func (r *Relay) handleCreate(ctx context.Context, c *Client, env *domain.Envelope) error {
	var p domain.CreateRoomPayload
	if err := env.Decode(&p); err != nil {
		return apperrors.NewParseError(err)
	}
	name := r.displayName(c, p.Name)

	r.leave(ctx, c)

	room, err := r.registry.CreateRoom(c.id, name)
	if err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeInternal, "could not create room", http.StatusInternalServerError)
	}
	c.logger.Infow("room created", "room_code", room.Code, "room_id", room.ID)

	r.reply(c, domain.MsgRoomCreated, room.ID, domain.RoomCreatedPayload{RoomCode: room.Code, RoomID: room.ID})
	r.reply(c, domain.MsgRoomJoined, room.ID, domain.RoomJoinedPayload{
		RoomID:       room.ID,
		RoomCode:     room.Code,
		MyID:         c.id,
		Participants: []domain.ParticipantInfo{},
	})

	snapshot := room.Snapshot()
	r.publish("room_created", func(ctx context.Context) error {
		return r.events.PublishRoomCreated(ctx, snapshot)
	})
	return nil
}

func (r *Relay) handleJoin(ctx context.Context, c *Client, env *domain.Envelope) error {
	var p domain.JoinRoomPayload
	if err := env.Decode(&p); err != nil {
		return apperrors.NewParseError(err)
	}
	if err := validation.ValidateRoomCode(p.RoomCode); err != nil {
		return apperrors.NewInvalidCodeError(err.Error())
	}
	code := domain.NormalizeRoomCode(p.RoomCode)

	room := r.registry.GetByCode(code)
	if room == nil {
		return apperrors.NewRoomNotFoundError(string(code))
	}
	name := r.displayName(c, p.Name)

	alreadyMember := room.Has(c.id)
	if !alreadyMember {
		r.leave(ctx, c)
		var err error
		if room, err = r.registry.JoinRoom(code, c.id, name); err != nil {
			if errors.Is(err, domain.ErrRoomNotFound) {
				return apperrors.NewRoomNotFoundError(string(code))
			}
			return apperrors.WrapError(err, apperrors.ErrCodeInternal, "could not join room", http.StatusInternalServerError)
		}
	}

	r.reply(c, domain.MsgRoomJoined, room.ID, domain.RoomJoinedPayload{
		RoomID:       room.ID,
		RoomCode:     room.Code,
		MyID:         c.id,
		Participants: room.Others(c.id),
	})
	if alreadyMember {
		return nil
	}

	c.logger.Infow("joined room", "room_code", room.Code, "participants", len(room.Participants))
	r.broadcast(room, c.id, domain.MsgPeerJoined, domain.PeerJoinedPayload{PeerID: c.id, Name: name})

	roomCode := room.Code
	r.publish("peer_joined", func(ctx context.Context) error {
		return r.events.PublishPeerJoined(ctx, roomCode, c.id)
	})
	return nil
}

// leave removes c from its room, if any, and tells the remaining members.
func (r *Relay) leave(ctx context.Context, c *Client) {
	room := r.registry.GetByParticipant(c.id)
	if room == nil {
		return
	}
	code := room.Code
	tracing.AddSpanAttributes(ctx, tracing.RoomCodeKey.String(string(code)))

	remaining := r.registry.LeaveRoom(c.id)
	if remaining == nil {
		c.logger.Infow("room deleted", "room_code", code)
		r.publish("room_deleted", func(ctx context.Context) error {
			return r.events.PublishRoomDeleted(ctx, code)
		})
		return
	}

	c.logger.Infow("left room", "room_code", code, "remaining", len(remaining.Participants))
	r.broadcast(remaining, c.id, domain.MsgPeerLeft, domain.PeerLeftPayload{PeerID: c.id})

	r.publish("peer_left", func(ctx context.Context) error {
		return r.events.PublishPeerLeft(ctx, code, c.id)
	})
}

// forward relays offer, answer and ICE envelopes to targetId. The payload is
// passed through untouched; senderId and timestamp are stamped by the relay.
func (r *Relay) forward(ctx context.Context, c *Client, env *domain.Envelope) {
	if env.TargetID == "" {
		r.metrics.MessageDropped("missing_target")
		c.logger.Debugw("relay message without target dropped", "type", env.Type)
		return
	}
	if err := validation.ValidateParticipantID(string(env.TargetID)); err != nil {
		r.metrics.MessageDropped("invalid_target")
		c.logger.Debugw("relay message with malformed target dropped", "type", env.Type, "error", err)
		return
	}
	target, ok := r.clients[env.TargetID]
	if !ok {
		r.metrics.MessageDropped("target_not_connected")
		c.logger.Debugw("relay target not connected", "type", env.Type, "target_id", env.TargetID)
		return
	}

	env.SenderID = c.id
	env.Timestamp = utils.Now().UnixMilli()
	tracing.AddSpanAttributes(ctx, tracing.PeerIDKey.String(string(env.TargetID)))

	if r.deliver(target, env) {
		r.metrics.MessageRelayed(env.Type)
	}
}

func (r *Relay) broadcast(room *domain.Room, exclude domain.ParticipantID, t domain.MessageType, payload interface{}) {
	env, err := domain.NewEnvelope(t, payload)
	if err != nil {
		r.logger.Errorw("failed to encode broadcast", "type", t, "error", err)
		return
	}
	env.RoomID = room.ID
	for id := range room.Participants {
		if id == exclude {
			continue
		}
		if target, ok := r.clients[id]; ok {
			r.deliver(target, env)
		}
	}
}

func (r *Relay) reply(c *Client, t domain.MessageType, roomID domain.RoomID, payload interface{}) {
	env, err := domain.NewEnvelope(t, payload)
	if err != nil {
		r.logger.Errorw("failed to encode reply", "type", t, "error", err)
		return
	}
	env.RoomID = roomID
	r.deliver(c, env)
}

func (r *Relay) sendError(c *Client, err error) {
	appErr := apperrors.GetAppError(err)
	if appErr == nil {
		appErr = apperrors.NewInternalError(err.Error())
	}
	r.metrics.ErrorSent(appErr.Code)
	env, encErr := domain.NewEnvelope(domain.MsgError, domain.ErrorPayload{
		Code:    string(appErr.Code),
		Message: appErr.Message,
	})
	if encErr != nil {
		return
	}
	r.deliver(c, env)
}

// deliver queues env on c without blocking the hub.
func (r *Relay) deliver(c *Client, env *domain.Envelope) bool {
	if r.clients[c.id] != c {
		return false
	}
	data, err := json.Marshal(env)
	if err != nil {
		r.logger.Errorw("failed to encode envelope", "type", env.Type, "error", err)
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		r.evict(c)
		return false
	}
}

func (r *Relay) displayName(c *Client, requested string) string {
	name := utils.TruncateString(utils.SanitizeString(requested), validation.MaxDisplayNameLength)
	if name == "" {
		return c.name
	}
	return name
}

func (r *Relay) sweep(now time.Time) {
	swept := r.registry.SweepExpired(now, r.cfg.RoomTTL)
	if len(swept) == 0 {
		return
	}
	r.metrics.RoomsSwept(len(swept))
	r.logger.Infow("expired rooms removed", "count", len(swept))
	for _, code := range swept {
		r.publish("room_deleted", func(ctx context.Context) error {
			return r.events.PublishRoomDeleted(ctx, code)
		})
	}
}

func (r *Relay) logStats() {
	stats := r.registry.Stats()
	r.metrics.SetRegistryStats(stats, len(r.clients))
	r.logger.Infow("relay stats",
		"rooms", stats.Rooms,
		"participants", stats.Participants,
		"clients", len(r.clients),
		"uptime", utils.FormatDuration(utils.Now().Sub(r.started)),
	)
}

// publish runs fn off the hub goroutine so a slow event bus never stalls
// signaling.
func (r *Relay) publish(event string, fn func(ctx context.Context) error) {
	if r.events == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			r.logger.Warnw("room event publish failed", "event", event, "error", err)
		}
	}()
}
