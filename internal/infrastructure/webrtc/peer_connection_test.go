package webrtc

import (
	"context"
	"testing"

	"p2d/internal/core/domain"
	"p2d/internal/core/ports"
	"p2d/pkg/config"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestConfigFrom(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.WebRTC.ICEServers = append(cfg.WebRTC.ICEServers, config.ICEServer{
		URLs:       []string{"turn:turn.example.com:3478"},
		Username:   "user",
		Credential: "secret",
	})
	cfg.WebRTC.ForceRelay = true

	c := ConfigFrom(cfg)
	require.Len(t, c.ICEServers, 3)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, c.ICEServers[0].URLs)
	assert.Nil(t, c.ICEServers[0].Credential)
	assert.Equal(t, "secret", c.ICEServers[2].Credential)
	assert.True(t, c.ForceRelay)
}

func TestDescriptionConversion(t *testing.T) {
	sd, err := descriptionToPion(domain.SessionDescription{Type: domain.SDPTypeRollback})
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeRollback, sd.Type)

	_, err = descriptionToPion(domain.SessionDescription{Type: "bogus"})
	assert.Error(t, err)

	back := descriptionFromPion(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"})
	assert.Equal(t, domain.SessionDescription{Type: "answer", SDP: "v=0"}, back)
}

func TestSnapshotFromReport(t *testing.T) {
	report := webrtc.StatsReport{
		"in-1":  webrtc.InboundRTPStreamStats{BytesReceived: 1000, PacketsReceived: 90, PacketsLost: 10},
		"in-2":  webrtc.InboundRTPStreamStats{BytesReceived: 500, PacketsReceived: 10},
		"out-1": webrtc.OutboundRTPStreamStats{BytesSent: 4000},
		"pair-stale": webrtc.ICECandidatePairStats{
			State:                webrtc.StatsICECandidatePairStateFailed,
			CurrentRoundTripTime: 9,
			LocalCandidateID:     "cand-host",
		},
		"pair": webrtc.ICECandidatePairStats{
			Nominated:            true,
			State:                webrtc.StatsICECandidatePairStateSucceeded,
			CurrentRoundTripTime: 0.042,
			LocalCandidateID:     "cand-relay",
		},
		"cand-host":  webrtc.ICECandidateStats{CandidateType: webrtc.ICECandidateTypeHost},
		"cand-relay": webrtc.ICECandidateStats{CandidateType: webrtc.ICECandidateTypeRelay},
	}

	snap := snapshotFromReport(report)
	assert.Equal(t, uint64(1500), snap.BytesReceived)
	assert.Equal(t, uint64(100), snap.PacketsReceived)
	assert.Equal(t, int64(10), snap.PacketsLost)
	assert.Equal(t, uint64(4000), snap.BytesSent)
	assert.InDelta(t, 42, snap.RTTMs, 1e-9)
	assert.Equal(t, domain.CandidateRelay, snap.CandidateType)

	assert.Equal(t, domain.CandidateUnknown, snapshotFromReport(webrtc.StatsReport{}).CandidateType)
}

func TestPeerConnection_OfferAnswer(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()
	factory, err := NewFactory(Config{}, nil, logger)
	require.NoError(t, err)

	a, err := factory.NewPeerConnection("a", ports.PeerHandlers{})
	require.NoError(t, err)
	defer a.Close()
	b, err := factory.NewPeerConnection("b", ports.PeerHandlers{})
	require.NoError(t, err)
	defer b.Close()

	sender, err := a.AttachLocalMedia()
	require.NoError(t, err)
	assert.Nil(t, sender)

	dc, err := a.CreateDataChannel(domain.ControlChannelLabel)
	require.NoError(t, err)
	assert.Equal(t, domain.ControlChannelLabel, dc.Label())
	assert.Error(t, dc.Send([]byte("early")))

	offer, err := a.CreateOffer()
	require.NoError(t, err)
	assert.Equal(t, domain.SDPTypeOffer, offer.Type)
	require.NoError(t, a.SetLocalDescription(offer))
	assert.Equal(t, domain.SignalingHaveLocalOffer, a.SignalingState())

	require.NoError(t, b.SetRemoteDescription(offer))
	assert.Equal(t, domain.SignalingHaveRemoteOffer, b.SignalingState())
	answer, err := b.CreateAnswer()
	require.NoError(t, err)
	require.NoError(t, b.SetLocalDescription(answer))
	assert.Equal(t, domain.SignalingStable, b.SignalingState())

	require.NoError(t, a.SetRemoteDescription(answer))
	assert.Equal(t, domain.SignalingStable, a.SignalingState())
}

func TestPeerConnection_AttachLocalMediaCapsVideo(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()
	video, err := NewVideoWriter("screen", logger)
	require.NoError(t, err)
	audio, err := NewAudioWriter("screen", logger)
	require.NoError(t, err)

	factory, err := NewFactory(Config{}, &LocalMedia{Video: video, Audio: audio}, logger)
	require.NoError(t, err)
	pc, err := factory.NewPeerConnection("viewer", ports.PeerHandlers{})
	require.NoError(t, err)

	sender, err := pc.AttachLocalMedia()
	require.NoError(t, err)
	require.NotNil(t, sender)

	require.NoError(t, sender.SetMaxBitrate(context.Background(), 1_000_000))
	assert.Equal(t, uint64(1_000_000), video.Ceiling())

	require.NoError(t, pc.Close())
	assert.Zero(t, video.Ceiling())
}
