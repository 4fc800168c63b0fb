package webrtc

import (
	"context"
	"fmt"
	"sync"

	"p2d/internal/core/domain"
	"p2d/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

type peerConnection struct {
	peerID domain.ParticipantID
	pc     *webrtc.PeerConnection
	media  *LocalMedia
	logger *zap.SugaredLogger

	mu      sync.Mutex
	senders []*bitrateSender
}

func (p *peerConnection) bind(h ports.PeerHandlers) {
	if h.OnNegotiationNeeded != nil {
		p.pc.OnNegotiationNeeded(h.OnNegotiationNeeded)
	}
	if h.OnICECandidate != nil {
		p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
			// nil marks the end of gathering.
			if c == nil {
				return
			}
			h.OnICECandidate(candidateFromInit(c.ToJSON()))
		})
	}
	p.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		p.logger.Debugw("peer connection state changed", "state", s.String())
		if h.OnConnectionStateChange != nil {
			h.OnConnectionStateChange(domain.ConnectionState(s.String()))
		}
	})
	if h.OnDataChannel != nil {
		p.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			h.OnDataChannel(wrapDataChannel(dc))
		})
	}
}

func (p *peerConnection) CreateOffer() (domain.SessionDescription, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return domain.SessionDescription{}, err
	}
	return descriptionFromPion(offer), nil
}

func (p *peerConnection) CreateAnswer() (domain.SessionDescription, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, err
	}
	return descriptionFromPion(answer), nil
}

func (p *peerConnection) SetLocalDescription(desc domain.SessionDescription) error {
	sd, err := descriptionToPion(desc)
	if err != nil {
		return err
	}
	// pion parses the SDP even for a rollback.
	if sd.Type == webrtc.SDPTypeRollback && sd.SDP == "" {
		if pending := p.pc.PendingLocalDescription(); pending != nil {
			sd.SDP = pending.SDP
		}
	}
	return p.pc.SetLocalDescription(sd)
}

func (p *peerConnection) SetRemoteDescription(desc domain.SessionDescription) error {
	sd, err := descriptionToPion(desc)
	if err != nil {
		return err
	}
	return p.pc.SetRemoteDescription(sd)
}

func (p *peerConnection) AddICECandidate(c domain.ICECandidate) error {
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

func (p *peerConnection) SignalingState() domain.SignalingState {
	return domain.SignalingState(p.pc.SignalingState().String())
}

// AttachLocalMedia adds the capture tracks and starts draining their RTCP.
// The returned sender caps the video writer for this peer.
func (p *peerConnection) AttachLocalMedia() (ports.BitrateSender, error) {
	if p.media == nil || p.media.Empty() {
		return nil, nil
	}

	var video *bitrateSender
	for _, w := range p.media.writers() {
		rtpSender, err := p.pc.AddTrack(w.Track())
		if err != nil {
			return nil, fmt.Errorf("add %s track: %w", w.Kind(), err)
		}
		go drainRTCP(rtpSender, w, p.logger)

		if w.Kind() == webrtc.RTPCodecTypeVideo {
			video = &bitrateSender{writer: w, key: string(p.peerID)}
			p.mu.Lock()
			p.senders = append(p.senders, video)
			p.mu.Unlock()
		}
	}
	if video == nil {
		return nil, nil
	}
	return video, nil
}

func (p *peerConnection) CreateDataChannel(label string) (ports.DataChannel, error) {
	ordered := true
	dc, err := p.pc.CreateDataChannel(label, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return nil, err
	}
	return wrapDataChannel(dc), nil
}

func (p *peerConnection) Stats(ctx context.Context) (domain.StatsSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return domain.StatsSnapshot{}, err
	}
	if p.pc.ConnectionState() == webrtc.PeerConnectionStateClosed {
		return domain.StatsSnapshot{}, webrtc.ErrConnectionClosed
	}
	return snapshotFromReport(p.pc.GetStats()), nil
}

func (p *peerConnection) Close() error {
	p.mu.Lock()
	senders := p.senders
	p.senders = nil
	p.mu.Unlock()

	for _, s := range senders {
		s.release()
	}
	return p.pc.Close()
}

func descriptionFromPion(sd webrtc.SessionDescription) domain.SessionDescription {
	return domain.SessionDescription{Type: sd.Type.String(), SDP: sd.SDP}
}

func descriptionToPion(desc domain.SessionDescription) (webrtc.SessionDescription, error) {
	t := webrtc.NewSDPType(desc.Type)
	if t == webrtc.SDPType(webrtc.Unknown) {
		return webrtc.SessionDescription{}, fmt.Errorf("unknown sdp type %q", desc.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: desc.SDP}, nil
}

func candidateFromInit(c webrtc.ICECandidateInit) domain.ICECandidate {
	return domain.ICECandidate{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// snapshotFromReport sums the RTP counters and reads the round trip time of
// the nominated candidate pair.
func snapshotFromReport(report webrtc.StatsReport) domain.StatsSnapshot {
	var snap domain.StatsSnapshot
	var localCandidate string

	for _, s := range report {
		switch st := s.(type) {
		case webrtc.InboundRTPStreamStats:
			snap.BytesReceived += st.BytesReceived
			snap.PacketsReceived += uint64(st.PacketsReceived)
			snap.PacketsLost += int64(st.PacketsLost)
		case webrtc.OutboundRTPStreamStats:
			snap.BytesSent += st.BytesSent
		case webrtc.TransportStats:
			// Data channel traffic only shows up on the transport.
			if snap.BytesSent < st.BytesSent {
				snap.BytesSent = st.BytesSent
			}
			if snap.BytesReceived < st.BytesReceived {
				snap.BytesReceived = st.BytesReceived
			}
		case webrtc.ICECandidatePairStats:
			if st.Nominated && st.State == webrtc.StatsICECandidatePairStateSucceeded {
				snap.RTTMs = st.CurrentRoundTripTime * 1000
				localCandidate = st.LocalCandidateID
			}
		}
	}

	snap.CandidateType = domain.CandidateUnknown
	if localCandidate != "" {
		if c, ok := report[localCandidate].(webrtc.ICECandidateStats); ok {
			snap.CandidateType = domain.ParseCandidateType(c.CandidateType.String())
		}
	}
	return snap
}
