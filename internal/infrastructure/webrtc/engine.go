package webrtc

import (
	"fmt"

	"p2d/internal/core/domain"
	"p2d/internal/core/ports"
	"p2d/pkg/config"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Config holds the engine settings shared by every peer connection.
type Config struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
	// ForceRelay restricts candidates to TURN relays.
	ForceRelay bool
}

func ConfigFrom(cfg *config.Config) Config {
	var c Config
	for _, s := range cfg.WebRTC.ICEServers {
		server := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			server.Credential = s.Credential
			server.CredentialType = webrtc.ICECredentialTypePassword
		}
		c.ICEServers = append(c.ICEServers, server)
	}
	c.PortRange.Min = cfg.WebRTC.PortRange.Min
	c.PortRange.Max = cfg.WebRTC.PortRange.Max
	c.ForceRelay = cfg.WebRTC.ForceRelay
	return c
}

// Factory builds pion peer connections for the mesh.
type Factory struct {
	cfg    Config
	api    *webrtc.API
	media  *LocalMedia
	logger *zap.SugaredLogger
}

// NewFactory prepares the engine. media may be nil on a viewer.
func NewFactory(cfg Config, media *LocalMedia, logger *zap.SugaredLogger) (*Factory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	settings := webrtc.SettingEngine{}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		if err := settings.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			return nil, fmt.Errorf("port range: %w", err)
		}
	}

	return &Factory{
		cfg: cfg,
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(m),
			webrtc.WithInterceptorRegistry(registry),
			webrtc.WithSettingEngine(settings),
		),
		media:  media,
		logger: logger,
	}, nil
}

func (f *Factory) configuration() webrtc.Configuration {
	c := webrtc.Configuration{
		ICEServers:   f.cfg.ICEServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
	}
	if f.cfg.ForceRelay {
		c.ICETransportPolicy = webrtc.ICETransportPolicyRelay
	}
	return c
}

func (f *Factory) NewPeerConnection(peerID domain.ParticipantID, handlers ports.PeerHandlers) (ports.PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(f.configuration())
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	p := &peerConnection{
		peerID: peerID,
		pc:     pc,
		media:  f.media,
		logger: f.logger.With("peer_id", peerID),
	}
	p.bind(handlers)
	return p, nil
}
