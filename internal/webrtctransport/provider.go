// Package webrtctransport implements the peer transport on pion/webrtc. It
// adapts a PeerConnection (plus an optional named data channel) to the
// interfaces the lifecycle package drives, keeping all pion types behind this
// package except where a binary needs direct media access.
package webrtctransport

import (
	"context"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/roverlink/roverlink/internal/lifecycle"
)

// Config selects ICE servers and, for tests, a pre-built API (e.g. one bound
// to a vnet).
type Config struct {
	ICEServers []webrtc.ICEServer
	Logger     zerolog.Logger

	// API overrides the default engine. Used by tests to run negotiation over
	// a virtual network.
	API *webrtc.API
}

// Provider creates pion-backed transports. Implements lifecycle.Provider.
type Provider struct {
	api    *webrtc.API
	cfg    Config
	logger zerolog.Logger
}

func NewProvider(cfg Config) (*Provider, error) {
	api := cfg.API
	if api == nil {
		mediaEngine := &webrtc.MediaEngine{}
		if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
			return nil, err
		}
		se := webrtc.SettingEngine{}
		se.LoggerFactory = newLoggerFactory(cfg.Logger)
		api = webrtc.NewAPI(
			webrtc.WithSettingEngine(se),
			webrtc.WithMediaEngine(mediaEngine),
		)
	}
	return &Provider{
		api:    api,
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "webrtctransport").Logger(),
	}, nil
}

func (p *Provider) NewTransport(_ context.Context, opts lifecycle.TransportOptions) (lifecycle.Transport, error) {
	pc, err := p.api.NewPeerConnection(webrtc.Configuration{ICEServers: p.cfg.ICEServers})
	if err != nil {
		return nil, err
	}
	return newTransport(pc, opts, p.logger), nil
}
