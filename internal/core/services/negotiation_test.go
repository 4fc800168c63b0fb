package services

import (
	"errors"
	"testing"

	"p2d/internal/core/domain"
	"p2d/internal/core/ports"
	"p2d/pkg/tracing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zaptest"
)

func newTestNegotiator(t *testing.T, role domain.PeerRole) (*PeerNegotiator, *fakeFactory, *fakeSignaler) {
	t.Helper()
	factory := &fakeFactory{owner: "self", sender: func() ports.BitrateSender { return &recordingSender{} }}
	signaler := &fakeSignaler{owner: "self"}
	return NewPeerNegotiator("remote", role, signaler, zaptest.NewLogger(t).Sugar()), factory, signaler
}

func remoteOffer() domain.SessionDescription {
	return domain.SessionDescription{Type: domain.SDPTypeOffer, SDP: "remote offer"}
}

func TestPeerNegotiator_InitiatorFlow(t *testing.T) {
	n, factory, signaler := newTestNegotiator(t, domain.RoleInitiator)

	require.NoError(t, n.Open(factory, ports.PeerHandlers{}))
	pc := factory.last()
	require.NotNil(t, pc)
	assert.Equal(t, []string{"AttachLocalMedia", "CreateDataChannel:" + domain.ControlChannelLabel}, pc.callLog())
	assert.NotNil(t, n.Sender())
	assert.True(t, n.Record().HasDataChannel)
	assert.Equal(t, domain.StateIdle, n.State())

	n.HandleNegotiationNeeded()
	offers := signaler.envelopes(domain.MsgPeerOffer)
	require.Len(t, offers, 1)
	assert.Equal(t, domain.ParticipantID("remote"), offers[0].TargetID)
	assert.Equal(t, domain.StateNegotiating, n.State())
	assert.Equal(t, domain.SignalingHaveLocalOffer, pc.SignalingState())

	n.HandleAnswer(domain.SessionDescription{Type: domain.SDPTypeAnswer, SDP: "answer"})
	assert.Equal(t, domain.SignalingStable, pc.SignalingState())

	assert.False(t, n.HandleConnectionState(domain.ConnectionConnecting))
	assert.False(t, n.HandleConnectionState(domain.ConnectionConnected))
	assert.Equal(t, domain.StateConnected, n.State())
}

func TestPeerNegotiator_NegotiationDeferredWhileNotStable(t *testing.T) {
	n, factory, signaler := newTestNegotiator(t, domain.RoleInitiator)
	require.NoError(t, n.Open(factory, ports.PeerHandlers{}))

	n.HandleNegotiationNeeded()
	n.HandleNegotiationNeeded()

	assert.Len(t, signaler.envelopes(domain.MsgPeerOffer), 1)
}

func TestPeerNegotiator_ResponderWaitsForOffer(t *testing.T) {
	n, factory, signaler := newTestNegotiator(t, domain.RoleResponder)

	n.HandleNegotiationNeeded()
	assert.Nil(t, factory.last(), "responder must not build a connection before the offer")
	assert.Empty(t, signaler.envelopes(domain.MsgPeerOffer))

	n.HandleOffer(factory, ports.PeerHandlers{}, remoteOffer())

	pc := factory.last()
	require.NotNil(t, pc)
	assert.Equal(t, []string{
		"SetRemoteDescription:offer",
		"AttachLocalMedia",
		"CreateAnswer",
		"SetLocalDescription:answer",
	}, pc.callLog())
	answers := signaler.envelopes(domain.MsgPeerAnswer)
	require.Len(t, answers, 1)
	assert.Equal(t, domain.ParticipantID("remote"), answers[0].TargetID)
	assert.Equal(t, domain.StateNegotiating, n.State())
	assert.False(t, n.Record().HasDataChannel)
}

func TestPeerNegotiator_ResponderRollsBackOnGlare(t *testing.T) {
	n, factory, signaler := newTestNegotiator(t, domain.RoleResponder)
	n.HandleOffer(factory, ports.PeerHandlers{}, remoteOffer())
	n.HandleConnectionState(domain.ConnectionConnected)

	// Responder renegotiates, then the initiator's offer crosses it.
	n.HandleNegotiationNeeded()
	pc := factory.last()
	require.Equal(t, domain.SignalingHaveLocalOffer, pc.SignalingState())

	n.HandleOffer(factory, ports.PeerHandlers{}, remoteOffer())

	log := pc.callLog()
	assert.Contains(t, log, "SetLocalDescription:rollback")
	assert.Len(t, signaler.envelopes(domain.MsgPeerAnswer), 2)
	assert.Equal(t, domain.SignalingStable, pc.SignalingState())
	assert.Equal(t, domain.StateConnected, n.State())
}

func TestPeerNegotiator_InitiatorIgnoresCollidingOffer(t *testing.T) {
	n, factory, signaler := newTestNegotiator(t, domain.RoleInitiator)
	require.NoError(t, n.Open(factory, ports.PeerHandlers{}))
	n.HandleNegotiationNeeded()
	pc := factory.last()

	n.HandleOffer(factory, ports.PeerHandlers{}, remoteOffer())

	assert.NotContains(t, pc.callLog(), "SetLocalDescription:rollback")
	assert.Empty(t, signaler.envelopes(domain.MsgPeerAnswer))
	assert.Equal(t, domain.SignalingHaveLocalOffer, pc.SignalingState())
}

func TestPeerNegotiator_InitiatorAcceptsRenegotiationWhenStable(t *testing.T) {
	n, factory, signaler := newTestNegotiator(t, domain.RoleInitiator)
	require.NoError(t, n.Open(factory, ports.PeerHandlers{}))
	n.HandleNegotiationNeeded()
	n.HandleAnswer(domain.SessionDescription{Type: domain.SDPTypeAnswer})
	n.HandleConnectionState(domain.ConnectionConnected)

	n.HandleOffer(factory, ports.PeerHandlers{}, remoteOffer())

	assert.Len(t, signaler.envelopes(domain.MsgPeerAnswer), 1)
	assert.Equal(t, domain.StateConnected, n.State())
}

func TestPeerNegotiator_AnswerWithoutOfferIgnored(t *testing.T) {
	n, factory, _ := newTestNegotiator(t, domain.RoleInitiator)
	require.NoError(t, n.Open(factory, ports.PeerHandlers{}))

	n.HandleAnswer(domain.SessionDescription{Type: domain.SDPTypeAnswer})

	assert.NotContains(t, factory.last().callLog(), "SetRemoteDescription:answer")
}

func TestPeerNegotiator_ICE(t *testing.T) {
	n, factory, signaler := newTestNegotiator(t, domain.RoleResponder)

	// No connection yet: dropped without panicking.
	n.HandleICE(domain.ICECandidate{Candidate: "candidate:early"})

	n.HandleOffer(factory, ports.PeerHandlers{}, remoteOffer())
	pc := factory.last()
	n.HandleICE(domain.ICECandidate{Candidate: "candidate:1"})
	assert.Len(t, pc.candidates, 1)

	pc.mu.Lock()
	pc.addICEErr = errors.New("bad candidate")
	pc.mu.Unlock()
	n.HandleICE(domain.ICECandidate{Candidate: "candidate:2"})
	assert.Equal(t, domain.StateNegotiating, n.State(), "candidate failures are not fatal")

	n.HandleLocalCandidate(domain.ICECandidate{Candidate: "candidate:local"})
	ice := signaler.envelopes(domain.MsgPeerICE)
	require.Len(t, ice, 1)
	var payload domain.ICEPayload
	require.NoError(t, ice[0].Decode(&payload))
	assert.Equal(t, "candidate:local", payload.Candidate.Candidate)
}

func TestPeerNegotiator_TerminalStates(t *testing.T) {
	for _, state := range []domain.ConnectionState{
		domain.ConnectionDisconnected,
		domain.ConnectionFailed,
		domain.ConnectionClosed,
	} {
		t.Run(string(state), func(t *testing.T) {
			n, _, _ := newTestNegotiator(t, domain.RoleResponder)
			assert.True(t, n.HandleConnectionState(state))
		})
	}
}

func TestPeerNegotiator_Close(t *testing.T) {
	n, factory, signaler := newTestNegotiator(t, domain.RoleInitiator)
	require.NoError(t, n.Open(factory, ports.PeerHandlers{}))
	pc := factory.last()
	dc := n.DataChannel().(*fakeDataChannel)

	n.Close()
	n.Close()

	assert.Equal(t, domain.StateClosed, n.State())
	assert.True(t, pc.isClosed())
	assert.True(t, dc.closed)

	n.HandleNegotiationNeeded()
	n.HandleLocalCandidate(domain.ICECandidate{Candidate: "late"})
	assert.Empty(t, signaler.envelopes(domain.MsgPeerOffer))
	assert.Empty(t, signaler.envelopes(domain.MsgPeerICE))
}

func TestPeerNegotiator_OpenFailure(t *testing.T) {
	n, factory, _ := newTestNegotiator(t, domain.RoleInitiator)
	factory.err = errors.New("engine unavailable")

	err := n.Open(factory, ports.PeerHandlers{})
	assert.ErrorIs(t, err, factory.err)
	assert.Nil(t, n.Connection())
}

func TestPeerNegotiator_TracesOfferAndAnswer(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(sr)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	initiator, factory, _ := newTestNegotiator(t, domain.RoleInitiator)
	require.NoError(t, initiator.Open(factory, ports.PeerHandlers{}))
	initiator.HandleNegotiationNeeded()

	responder, rfactory, _ := newTestNegotiator(t, domain.RoleResponder)
	responder.HandleOffer(rfactory, ports.PeerHandlers{}, remoteOffer())

	ended := map[string]string{}
	for _, span := range sr.Ended() {
		for _, attr := range span.Attributes() {
			if attr.Key == tracing.PeerIDKey {
				ended[span.Name()] = attr.Value.AsString()
			}
		}
	}
	assert.Equal(t, "remote", ended["negotiation.offer"])
	assert.Equal(t, "remote", ended["negotiation.answer"])
}
