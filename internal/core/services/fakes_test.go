package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"p2d/internal/core/domain"
	"p2d/internal/core/ports"
)

type fakeDataChannel struct {
	label string

	mu        sync.Mutex
	sent      [][]byte
	onMessage func([]byte)
	remote    *fakeDataChannel
	closed    bool
}

func (d *fakeDataChannel) Label() string { return d.label }

func (d *fakeDataChannel) Send(data []byte) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return errors.New("data channel closed")
	}
	d.sent = append(d.sent, data)
	remote := d.remote
	d.mu.Unlock()

	if remote != nil {
		remote.deliver(data)
	}
	return nil
}

func (d *fakeDataChannel) deliver(data []byte) {
	d.mu.Lock()
	handler := d.onMessage
	d.mu.Unlock()
	if handler != nil {
		go handler(data)
	}
}

func (d *fakeDataChannel) OnMessage(handler func([]byte)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onMessage = handler
}

func (d *fakeDataChannel) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *fakeDataChannel) sentMessages() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]byte(nil), d.sent...)
}

// fakePeerConnection models the offer/answer signaling states of a real
// engine. Callbacks fire on their own goroutines.
type fakePeerConnection struct {
	owner    domain.ParticipantID
	peer     domain.ParticipantID
	handlers ports.PeerHandlers
	net      *fakeNetwork

	mu         sync.Mutex
	signaling  domain.SignalingState
	calls      []string
	candidates []domain.ICECandidate
	channels   []*fakeDataChannel
	sender     ports.BitrateSender
	addICEErr  error
	stats      domain.StatsSnapshot
	connected  bool
	closed     bool
}

func (p *fakePeerConnection) record(call string) {
	p.calls = append(p.calls, call)
}

func (p *fakePeerConnection) callLog() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func (p *fakePeerConnection) Stats(ctx context.Context) (domain.StatsSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats, nil
}

func (p *fakePeerConnection) CreateOffer() (domain.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("CreateOffer")
	return domain.SessionDescription{Type: domain.SDPTypeOffer, SDP: fmt.Sprintf("offer %s->%s", p.owner, p.peer)}, nil
}

func (p *fakePeerConnection) CreateAnswer() (domain.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("CreateAnswer")
	if p.signaling != domain.SignalingHaveRemoteOffer {
		return domain.SessionDescription{}, errors.New("no remote offer")
	}
	return domain.SessionDescription{Type: domain.SDPTypeAnswer, SDP: fmt.Sprintf("answer %s->%s", p.owner, p.peer)}, nil
}

func (p *fakePeerConnection) SetLocalDescription(desc domain.SessionDescription) error {
	p.mu.Lock()
	p.record("SetLocalDescription:" + desc.Type)

	switch {
	case desc.Type == domain.SDPTypeOffer && p.signaling == domain.SignalingStable:
		p.signaling = domain.SignalingHaveLocalOffer
	case desc.Type == domain.SDPTypeAnswer && p.signaling == domain.SignalingHaveRemoteOffer:
		p.signaling = domain.SignalingStable
		p.mu.Unlock()
		p.markConnected()
		return nil
	case desc.Type == domain.SDPTypeRollback && p.signaling == domain.SignalingHaveLocalOffer:
		p.signaling = domain.SignalingStable
	default:
		st := p.signaling
		p.mu.Unlock()
		return fmt.Errorf("cannot set local %s in %s", desc.Type, st)
	}
	p.mu.Unlock()
	return nil
}

func (p *fakePeerConnection) SetRemoteDescription(desc domain.SessionDescription) error {
	p.mu.Lock()
	p.record("SetRemoteDescription:" + desc.Type)

	switch {
	case desc.Type == domain.SDPTypeOffer && p.signaling == domain.SignalingStable:
		p.signaling = domain.SignalingHaveRemoteOffer
	case desc.Type == domain.SDPTypeAnswer && p.signaling == domain.SignalingHaveLocalOffer:
		p.signaling = domain.SignalingStable
		p.mu.Unlock()
		p.markConnected()
		p.linkDataChannels()
		return nil
	default:
		st := p.signaling
		p.mu.Unlock()
		return fmt.Errorf("cannot set remote %s in %s", desc.Type, st)
	}
	p.mu.Unlock()
	return nil
}

func (p *fakePeerConnection) AddICECandidate(c domain.ICECandidate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("AddICECandidate")
	if p.addICEErr != nil {
		return p.addICEErr
	}
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *fakePeerConnection) SignalingState() domain.SignalingState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.signaling
}

func (p *fakePeerConnection) AttachLocalMedia() (ports.BitrateSender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("AttachLocalMedia")
	return p.sender, nil
}

func (p *fakePeerConnection) CreateDataChannel(label string) (ports.DataChannel, error) {
	p.mu.Lock()
	p.record("CreateDataChannel:" + label)
	dc := &fakeDataChannel{label: label}
	p.channels = append(p.channels, dc)
	p.mu.Unlock()

	p.fire(func() {
		if p.handlers.OnNegotiationNeeded != nil {
			p.handlers.OnNegotiationNeeded()
		}
	})
	return dc, nil
}

func (p *fakePeerConnection) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.signaling = domain.SignalingClosed
	p.record("Close")
	p.mu.Unlock()

	p.fireState(domain.ConnectionClosed)
	return nil
}

func (p *fakePeerConnection) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeerConnection) markConnected() {
	p.mu.Lock()
	already := p.connected
	p.connected = true
	p.mu.Unlock()
	if !already {
		p.fireState(domain.ConnectionConnected)
	}
}

// linkDataChannels opens the far end of every locally created channel on
// the remote peer's connection.
func (p *fakePeerConnection) linkDataChannels() {
	if p.net == nil {
		return
	}
	remote := p.net.connection(p.peer, p.owner)
	if remote == nil {
		return
	}

	p.mu.Lock()
	channels := append([]*fakeDataChannel(nil), p.channels...)
	p.mu.Unlock()

	for _, local := range channels {
		far := &fakeDataChannel{label: local.label, remote: local}
		local.mu.Lock()
		local.remote = far
		local.mu.Unlock()
		remote.fire(func() {
			if remote.handlers.OnDataChannel != nil {
				remote.handlers.OnDataChannel(far)
			}
		})
	}
}

func (p *fakePeerConnection) fireState(state domain.ConnectionState) {
	p.fire(func() {
		if p.handlers.OnConnectionStateChange != nil {
			p.handlers.OnConnectionStateChange(state)
		}
	})
}

func (p *fakePeerConnection) fire(fn func()) {
	go fn()
}

type fakeFactory struct {
	owner  domain.ParticipantID
	net    *fakeNetwork
	sender func() ports.BitrateSender
	err    error

	mu      sync.Mutex
	created []*fakePeerConnection
}

func (f *fakeFactory) NewPeerConnection(peerID domain.ParticipantID, handlers ports.PeerHandlers) (ports.PeerConnection, error) {
	if f.err != nil {
		return nil, f.err
	}
	pc := &fakePeerConnection{
		owner:     f.owner,
		peer:      peerID,
		handlers:  handlers,
		net:       f.net,
		signaling: domain.SignalingStable,
	}
	if f.sender != nil {
		pc.sender = f.sender()
	}

	f.mu.Lock()
	f.created = append(f.created, pc)
	f.mu.Unlock()
	if f.net != nil {
		f.net.register(pc)
	}
	return pc, nil
}

func (f *fakeFactory) last() *fakePeerConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.created) == 0 {
		return nil
	}
	return f.created[len(f.created)-1]
}

// fakeSignaler records envelopes and, when attached to a network, delivers
// relayed ones to the target as the relay would.
type fakeSignaler struct {
	owner domain.ParticipantID
	net   *fakeNetwork

	mu   sync.Mutex
	sent []*domain.Envelope
}

func (s *fakeSignaler) Send(env *domain.Envelope) error {
	s.mu.Lock()
	s.sent = append(s.sent, env)
	s.mu.Unlock()

	if s.net == nil || !env.Type.IsRelayed() {
		return nil
	}
	relayed := *env
	relayed.SenderID = s.owner
	s.net.deliver(env.TargetID, &relayed)
	return nil
}

func (s *fakeSignaler) envelopes(t domain.MessageType) []*domain.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Envelope
	for _, env := range s.sent {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

// fakeNetwork connects in-process clients: relayed envelopes go to the
// target's event channel and data channels are paired across connections.
type fakeNetwork struct {
	mu          sync.Mutex
	events      map[domain.ParticipantID]chan domain.SignalEvent
	connections map[[2]domain.ParticipantID]*fakePeerConnection
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		events:      make(map[domain.ParticipantID]chan domain.SignalEvent),
		connections: make(map[[2]domain.ParticipantID]*fakePeerConnection),
	}
}

func (n *fakeNetwork) inbox(id domain.ParticipantID) chan domain.SignalEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	ch, ok := n.events[id]
	if !ok {
		ch = make(chan domain.SignalEvent, 1024)
		n.events[id] = ch
	}
	return ch
}

func (n *fakeNetwork) register(pc *fakePeerConnection) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.connections[[2]domain.ParticipantID{pc.owner, pc.peer}] = pc
}

func (n *fakeNetwork) connection(owner, peer domain.ParticipantID) *fakePeerConnection {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.connections[[2]domain.ParticipantID{owner, peer}]
}

func (n *fakeNetwork) deliver(target domain.ParticipantID, env *domain.Envelope) {
	ev, err := domain.DecodeSignalEvent(env)
	if err != nil {
		return
	}
	n.inbox(target) <- ev
}

type recordingChatSink struct {
	mu       sync.Mutex
	messages []domain.ChatMessage
	from     []domain.ParticipantID
}

func (c *recordingChatSink) OnChat(from domain.ParticipantID, msg domain.ChatMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.from = append(c.from, from)
	c.messages = append(c.messages, msg)
}

func (c *recordingChatSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}
