package pion

import (
	"fmt"

	"github.com/Wyydra/medmeet/internal/core/port"
	"github.com/pion/webrtc/v4"
)

var _ port.PeerConnectionFactory = (*Factory)(nil)

// DefaultSTUNServers are the public servers used when no ICE servers are
// configured.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// ICEConfig holds ICE server configuration for new peer connections. No
// TURN is provisioned; an empty Servers list gathers host candidates only.
type ICEConfig struct {
	Servers []webrtc.ICEServer
}

func DefaultICEConfig() ICEConfig {
	return ICEConfig{Servers: []webrtc.ICEServer{{URLs: DefaultSTUNServers}}}
}

// ICEConfigFromURLs builds a config with one server entry per URL.
func ICEConfigFromURLs(urls []string) ICEConfig {
	cfg := ICEConfig{}
	for _, u := range urls {
		cfg.Servers = append(cfg.Servers, webrtc.ICEServer{URLs: []string{u}})
	}
	return cfg
}

// Factory creates pion peer connections that share one API with the
// default codecs registered.
type Factory struct {
	api       *webrtc.API
	iceConfig ICEConfig
}

func NewFactory(iceConfig ICEConfig) (*Factory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	// Loopback candidates let two participants on the same machine connect.
	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(true)

	return &Factory{
		api:       webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(settingEngine)),
		iceConfig: iceConfig,
	}, nil
}

func (f *Factory) NewPeerConnection(events port.PeerEvents) (port.PeerConnection, error) {
	p, err := newPeer(f.api, webrtc.Configuration{ICEServers: f.iceConfig.Servers}, events)
	if err != nil {
		return nil, err
	}
	return p, nil
}
