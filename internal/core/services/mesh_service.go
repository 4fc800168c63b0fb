package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"p2d/internal/core/domain"
	"p2d/internal/core/ports"
	"p2d/pkg/utils"
	"p2d/pkg/validation"

	"go.uber.org/zap"
)

type MeshConfig struct {
	Adaptive      AdaptiveConfig
	StatsInterval time.Duration
}

func DefaultMeshConfig() MeshConfig {
	return MeshConfig{
		Adaptive:      DefaultAdaptiveConfig(),
		StatsInterval: DefaultStatsInterval,
	}
}

// MeshCallbacks surface mesh activity to the application. They run on the
// mesh event loop, except OnSample which runs on the monitor goroutine, and
// must not call back into the mesh synchronously.
type MeshCallbacks struct {
	OnRoomCreated      func(code domain.RoomCode)
	OnRoomJoined       func(room domain.RoomJoinedPayload)
	OnPeerConnected    func(peerID domain.ParticipantID)
	OnPeerDisconnected func(peerID domain.ParticipantID)
	OnSample           func(peerID domain.ParticipantID, sample domain.BandwidthSample)
	OnSignalState      func(ev domain.SignalEvent)
	OnError            func(err domain.ErrorPayload)
}

type peerSession struct {
	neg        *PeerNegotiator
	controller *AdaptiveBitrateController
	stop       func()
	connected  bool
	quality    domain.QualityLevel
}

// MeshService keeps one negotiated connection per remote participant. All
// peer state is owned by the goroutine running Run; other goroutines reach
// it by posting closures.
type MeshService struct {
	factory   ports.PeerConnectionFactory
	signaler  ports.Signaler
	router    *ControlRouter
	metrics   ports.ClientMetrics
	quality   *QualityService
	cfg       MeshConfig
	callbacks MeshCallbacks
	logger    *zap.SugaredLogger

	calls chan func()
	done  chan struct{}

	// Owned by the event loop.
	loopCtx   context.Context
	selfID    domain.ParticipantID
	roomID    domain.RoomID
	roomCode  domain.RoomCode
	peers     map[domain.ParticipantID]*peerSession
	connected []domain.ParticipantID

	samplesMu sync.RWMutex
	samples   map[domain.ParticipantID]domain.BandwidthSample
}

func NewMeshService(
	factory ports.PeerConnectionFactory,
	signaler ports.Signaler,
	router *ControlRouter,
	metrics ports.ClientMetrics,
	cfg MeshConfig,
	callbacks MeshCallbacks,
	logger *zap.SugaredLogger,
) *MeshService {
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = DefaultStatsInterval
	}
	if metrics == nil {
		metrics = noopClientMetrics{}
	}
	m := &MeshService{
		factory:   factory,
		signaler:  signaler,
		router:    router,
		metrics:   metrics,
		quality:   NewQualityService(),
		cfg:       cfg,
		callbacks: callbacks,
		logger:    logger,
		calls:     make(chan func(), 256),
		done:      make(chan struct{}),
		peers:     make(map[domain.ParticipantID]*peerSession),
		samples:   make(map[domain.ParticipantID]domain.BandwidthSample),
	}
	if router != nil {
		router.setStatsProvider(m.Sample)
	}
	return m
}

// Run consumes signaling events until ctx is cancelled or events is closed.
// Every peer connection is torn down before Run returns.
func (m *MeshService) Run(ctx context.Context, events <-chan domain.SignalEvent) error {
	m.loopCtx = ctx
	defer close(m.done)
	defer m.closeAll("shutdown")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			m.handleSignal(ctx, ev)
		case fn := <-m.calls:
			fn()
		}
	}
}

// post queues fn on the event loop without waiting for it.
func (m *MeshService) post(fn func()) {
	select {
	case m.calls <- fn:
	case <-m.done:
	}
}

// exec runs fn on the event loop and waits for it to finish.
func (m *MeshService) exec(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	select {
	case m.calls <- func() { fn(); close(finished) }:
	case <-m.done:
		return domain.ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-m.done:
		return domain.ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CreateRoom asks the relay for a new room.
func (m *MeshService) CreateRoom(name string) error {
	if err := validation.ValidateDisplayName(name); err != nil {
		return err
	}
	return m.sendRelay(domain.MsgRoomCreate, domain.CreateRoomPayload{Name: name})
}

// JoinRoom asks the relay to join the room with the given code.
func (m *MeshService) JoinRoom(code, name string) error {
	if err := validation.ValidateRoomCode(code); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidRoomCode, err)
	}
	if err := validation.ValidateDisplayName(name); err != nil {
		return err
	}
	return m.sendRelay(domain.MsgRoomJoin, domain.JoinRoomPayload{
		RoomCode: string(domain.NormalizeRoomCode(code)),
		Name:     name,
	})
}

// Leave leaves the current room and tears down every peer connection before
// returning.
func (m *MeshService) Leave(ctx context.Context) error {
	return m.exec(ctx, func() {
		if m.roomID == "" && len(m.peers) == 0 {
			return
		}
		if err := m.sendRelay(domain.MsgRoomLeave, nil); err != nil {
			m.logger.Warnw("failed to send leave", "error", err)
		}
		m.closeAll("local leave")
		m.roomID, m.roomCode = "", ""
	})
}

// Peers returns the connection records ordered by peer ID.
func (m *MeshService) Peers(ctx context.Context) ([]domain.PeerConnectionRecord, error) {
	var records []domain.PeerConnectionRecord
	err := m.exec(ctx, func() {
		records = make([]domain.PeerConnectionRecord, 0, len(m.peers))
		for _, sess := range m.peers {
			records = append(records, sess.neg.Record())
		}
	})
	sort.Slice(records, func(i, j int) bool { return records[i].PeerID < records[j].PeerID })
	return records, err
}

// ConnectedPeers returns peers whose transport reached connected, in the
// order they connected.
func (m *MeshService) ConnectedPeers(ctx context.Context) ([]domain.ParticipantID, error) {
	var out []domain.ParticipantID
	err := m.exec(ctx, func() {
		out = append(out, m.connected...)
	})
	return out, err
}

// Self returns the identifier the relay assigned in the current room.
func (m *MeshService) Self(ctx context.Context) (domain.ParticipantID, domain.RoomCode, error) {
	var id domain.ParticipantID
	var code domain.RoomCode
	err := m.exec(ctx, func() { id, code = m.selfID, m.roomCode })
	return id, code, err
}

// Sample returns the latest bandwidth sample for a peer.
func (m *MeshService) Sample(peerID domain.ParticipantID) (domain.BandwidthSample, bool) {
	m.samplesMu.RLock()
	defer m.samplesMu.RUnlock()
	s, ok := m.samples[peerID]
	return s, ok
}

// Broadcast sends a control message to every peer with an open control
// channel and returns how many peers it reached.
func (m *MeshService) Broadcast(ctx context.Context, t domain.ControlMessageType, data interface{}) (int, error) {
	raw, err := EncodeControlMessage(t, data)
	if err != nil {
		return 0, err
	}
	sent := 0
	err = m.exec(ctx, func() {
		for id, sess := range m.peers {
			dc := sess.neg.DataChannel()
			if dc == nil {
				continue
			}
			if err := dc.Send(raw); err != nil {
				m.logger.Debugw("control send failed", "peer_id", id, "error", err)
				continue
			}
			sent++
		}
	})
	return sent, err
}

// SendChat broadcasts a chat line and returns the message as sent.
func (m *MeshService) SendChat(ctx context.Context, senderName, text string) (domain.ChatMessage, error) {
	self, _, err := m.Self(ctx)
	if err != nil {
		return domain.ChatMessage{}, err
	}
	msg := domain.ChatMessage{
		ID:         utils.NewClientID(),
		Sender:     string(self),
		SenderName: senderName,
		Text:       utils.SanitizeString(text),
	}
	if _, err := m.Broadcast(ctx, domain.CtlChatMessage, msg); err != nil {
		return domain.ChatMessage{}, err
	}
	return msg, nil
}

// SetTargetBitrate applies a manual bitrate to every outbound sender.
func (m *MeshService) SetTargetBitrate(ctx context.Context, kbps int) error {
	return m.exec(ctx, func() {
		for id, sess := range m.peers {
			if sess.controller == nil {
				continue
			}
			applied := sess.controller.SetTargetBitrate(ctx, kbps)
			m.metrics.SetTargetBitrate(id, applied)
		}
	})
}

func (m *MeshService) handleSignal(ctx context.Context, ev domain.SignalEvent) {
	switch ev := ev.(type) {
	case domain.ConnectedEvent, domain.ReconnectingEvent, domain.DisconnectedEvent:
		m.logger.Debugw("signaling state changed", "event", fmt.Sprintf("%T", ev))
		if m.callbacks.OnSignalState != nil {
			m.callbacks.OnSignalState(ev)
		}

	case domain.RoomCreatedEvent:
		m.roomCode = ev.RoomCode
		m.logger.Infow("room created", "room_code", ev.RoomCode)
		if m.callbacks.OnRoomCreated != nil {
			m.callbacks.OnRoomCreated(ev.RoomCode)
		}

	case domain.RoomJoinedEvent:
		if m.roomID != "" && m.roomID != ev.RoomID {
			m.closeAll("switched room")
		}
		// A repeated room:joined for the same membership keeps live sessions.
		rejoined := m.roomID == ev.RoomID && m.selfID == ev.MyID
		m.selfID, m.roomID, m.roomCode = ev.MyID, ev.RoomID, ev.RoomCode
		m.logger.Infow("joined room",
			"room_code", ev.RoomCode,
			"self_id", ev.MyID,
			"participants", len(ev.Participants),
		)
		for _, p := range ev.Participants {
			if p.ID == m.selfID {
				continue
			}
			if _, ok := m.peers[p.ID]; ok && rejoined {
				continue
			}
			m.addInitiator(ctx, p.ID)
		}
		if m.callbacks.OnRoomJoined != nil {
			m.callbacks.OnRoomJoined(ev.RoomJoinedPayload)
		}

	case domain.PeerJoinedEvent:
		if _, ok := m.peers[ev.PeerID]; ok || ev.PeerID == m.selfID {
			return
		}
		m.logger.Infow("peer joined", "peer_id", ev.PeerID, "name", ev.Name)
		m.peers[ev.PeerID] = m.newSession(ev.PeerID, domain.RoleResponder)

	case domain.PeerLeftEvent:
		m.removePeer(ev.PeerID, "peer left")

	case domain.OfferEvent:
		sess, ok := m.peers[ev.From]
		if !ok {
			sess = m.newSession(ev.From, domain.RoleResponder)
			m.peers[ev.From] = sess
		}
		sess.neg.HandleOffer(m.factory, m.handlersFor(sess), ev.SDP)

	case domain.AnswerEvent:
		if sess, ok := m.peers[ev.From]; ok {
			sess.neg.HandleAnswer(ev.SDP)
		}

	case domain.ICEEvent:
		if sess, ok := m.peers[ev.From]; ok {
			sess.neg.HandleICE(ev.Candidate)
		}

	case domain.ErrorEvent:
		m.logger.Warnw("relay reported error", "code", ev.Code, "message", ev.Message)
		if m.callbacks.OnError != nil {
			m.callbacks.OnError(ev.ErrorPayload)
		}
	}
}

func (m *MeshService) newSession(peerID domain.ParticipantID, role domain.PeerRole) *peerSession {
	return &peerSession{neg: NewPeerNegotiator(peerID, role, m.signaler, m.logger)}
}

func (m *MeshService) addInitiator(ctx context.Context, peerID domain.ParticipantID) {
	if old, ok := m.peers[peerID]; ok {
		m.teardown(peerID, old)
	}
	sess := m.newSession(peerID, domain.RoleInitiator)
	m.peers[peerID] = sess

	if err := sess.neg.Open(m.factory, m.handlersFor(sess)); err != nil {
		m.logger.Errorw("failed to open peer connection", "peer_id", peerID, "error", err)
		m.teardown(peerID, sess)
		return
	}
	if dc := sess.neg.DataChannel(); dc != nil {
		m.bindDataChannel(ctx, peerID, dc)
	}
}

// handlersFor routes engine callbacks into the loop. Callbacks from a
// session that has since been replaced or removed are ignored.
func (m *MeshService) handlersFor(sess *peerSession) ports.PeerHandlers {
	peerID := sess.neg.PeerID()
	live := func() bool { return m.peers[peerID] == sess }

	return ports.PeerHandlers{
		OnNegotiationNeeded: func() {
			m.post(func() {
				if live() {
					sess.neg.HandleNegotiationNeeded()
				}
			})
		},
		OnICECandidate: func(c domain.ICECandidate) {
			m.post(func() {
				if live() {
					sess.neg.HandleLocalCandidate(c)
				}
			})
		},
		OnConnectionStateChange: func(state domain.ConnectionState) {
			m.post(func() {
				if live() {
					m.onConnectionState(sess, state)
				}
			})
		},
		OnDataChannel: func(dc ports.DataChannel) {
			m.post(func() {
				if !live() || dc.Label() != domain.ControlChannelLabel {
					_ = dc.Close()
					return
				}
				sess.neg.SetDataChannel(dc)
				m.bindDataChannel(m.loopCtx, peerID, dc)
			})
		},
	}
}

func (m *MeshService) bindDataChannel(ctx context.Context, peerID domain.ParticipantID, dc ports.DataChannel) {
	if m.router == nil {
		return
	}
	dc.OnMessage(func(data []byte) {
		if err := m.router.Dispatch(ctx, peerID, dc, data); err != nil {
			m.logger.Warnw("control message rejected", "peer_id", peerID, "error", err)
		}
	})
}

func (m *MeshService) onConnectionState(sess *peerSession, state domain.ConnectionState) {
	peerID := sess.neg.PeerID()
	m.logger.Debugw("connection state changed", "peer_id", peerID, "state", state)

	if sess.neg.HandleConnectionState(state) {
		m.removePeer(peerID, "transport "+string(state))
		return
	}
	if state != domain.ConnectionConnected || sess.connected {
		return
	}

	sess.connected = true
	m.connected = append(m.connected, peerID)
	m.startMonitoring(m.loopCtx, sess)
	m.logger.Infow("peer connected", "peer_id", peerID, "role", sess.neg.Role())
	if m.callbacks.OnPeerConnected != nil {
		m.callbacks.OnPeerConnected(peerID)
	}
}

func (m *MeshService) startMonitoring(ctx context.Context, sess *peerSession) {
	peerID := sess.neg.PeerID()
	pc := sess.neg.Connection()
	if pc == nil {
		return
	}
	if sender := sess.neg.Sender(); sender != nil {
		sess.controller = NewAdaptiveBitrateController(sender, m.cfg.Adaptive, m.logger.With("peer_id", peerID))
		m.metrics.SetTargetBitrate(peerID, sess.controller.CurrentKbps())
	}
	controller := sess.controller

	var lastQuality domain.QualityLevel
	monitor := NewBandwidthMonitor(pc, m.quality, m.cfg.StatsInterval, func(sample domain.BandwidthSample) {
		m.samplesMu.Lock()
		m.samples[peerID] = sample
		m.samplesMu.Unlock()

		if lastQuality != "" && m.quality.ShouldDowngrade(lastQuality, sample.Quality) {
			m.logger.Infow("connection quality degraded",
				"peer_id", peerID,
				"from", lastQuality,
				"to", sample.Quality,
				"rtt_ms", sample.RTTMs,
				"packet_loss", sample.PacketLossPct,
			)
		}
		lastQuality = sample.Quality

		m.metrics.ObserveSample(peerID, sample)
		if controller != nil {
			if kbps, changed := controller.Adjust(ctx, sample); changed {
				m.metrics.SetTargetBitrate(peerID, kbps)
			}
		}
		if m.callbacks.OnSample != nil {
			m.callbacks.OnSample(peerID, sample)
		}
	}, m.logger.With("peer_id", peerID))

	sess.stop = monitor.Start(ctx)
}

func (m *MeshService) removePeer(peerID domain.ParticipantID, reason string) {
	sess, ok := m.peers[peerID]
	if !ok {
		return
	}
	m.teardown(peerID, sess)
	m.logger.Infow("peer removed", "peer_id", peerID, "reason", reason)
}

// teardown stops the monitor and closes the connection synchronously.
func (m *MeshService) teardown(peerID domain.ParticipantID, sess *peerSession) {
	if m.peers[peerID] == sess {
		delete(m.peers, peerID)
	}
	if sess.stop != nil {
		sess.stop()
	}
	sess.neg.Close()

	m.samplesMu.Lock()
	delete(m.samples, peerID)
	m.samplesMu.Unlock()
	m.metrics.RemovePeer(peerID)

	if !sess.connected {
		return
	}
	for i, id := range m.connected {
		if id == peerID {
			m.connected = append(m.connected[:i], m.connected[i+1:]...)
			break
		}
	}
	if m.callbacks.OnPeerDisconnected != nil {
		m.callbacks.OnPeerDisconnected(peerID)
	}
}

func (m *MeshService) closeAll(reason string) {
	for id, sess := range m.peers {
		m.teardown(id, sess)
	}
	if reason != "" {
		m.logger.Debugw("all peers closed", "reason", reason)
	}
}

func (m *MeshService) sendRelay(t domain.MessageType, payload interface{}) error {
	env, err := domain.NewEnvelope(t, payload)
	if err != nil {
		return err
	}
	return m.signaler.Send(env)
}

type noopClientMetrics struct{}

func (noopClientMetrics) ObserveSample(domain.ParticipantID, domain.BandwidthSample) {}
func (noopClientMetrics) SetTargetBitrate(domain.ParticipantID, int)                {}
func (noopClientMetrics) RemovePeer(domain.ParticipantID)                           {}
