// Command roverlink-controller is a headless operator-side peer, used for
// soak-testing a deployment end to end: it joins the video and control rooms,
// initiates negotiation toward the Car, pumps control frames from a scripted
// input source at the configured rate, and drains the inbound video track.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/roverlink/roverlink/internal/config"
	"github.com/roverlink/roverlink/internal/controlchannel"
	"github.com/roverlink/roverlink/internal/controlframe"
	"github.com/roverlink/roverlink/internal/lifecycle"
	"github.com/roverlink/roverlink/internal/metrics"
	"github.com/roverlink/roverlink/internal/registry"
	"github.com/roverlink/roverlink/internal/relayclient"
	"github.com/roverlink/roverlink/internal/webrtctransport"
)

const controlChannelLabel = "control"

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := config.NewLogger(cfg)

	name := cfg.PeerName
	if name == "" {
		name = "roverlink-controller"
	}
	logger.Info().
		Str("name", name).
		Str("relay_url", cfg.RelayURL).
		Str("video_room", cfg.VideoRoom).
		Str("control_room", cfg.ControlRoom).
		Float64("frame_rate", cfg.FrameRate).
		Float64("deadzone", cfg.Deadzone).
		Msg("starting roverlink-controller")

	provider, err := webrtctransport.NewProvider(webrtctransport.Config{
		ICEServers: cfg.ICEServers,
		Logger:     logger,
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to configure webrtc")
		os.Exit(2)
	}

	m := metrics.New()
	info := registry.UserInfo{Name: name, Role: registry.RoleController}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fatal := make(chan error, 2)

	// Control session: initiate toward the Car, pump scripted frames while the
	// call is connected.
	var controlMgr *lifecycle.Manager
	controlLogger := logger.With().Str("session", "control").Logger()
	controlHandlers := relayclient.ManagerHandlers(controlLogger, func() *lifecycle.Manager { return controlMgr })
	controlHandlers.OnDisconnect = disconnectHandler(fatal, "control")

	controlClient, err := relayclient.Dial(ctx, relayclient.Config{
		URL:      cfg.RelayURL,
		Logger:   controlLogger,
		Handlers: controlHandlers,
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to dial relay for control session")
		os.Exit(1)
	}

	pump := controlchannel.NewPump(controlchannel.PumpConfig{
		Source: newScriptedSource(),
		Channel: func() lifecycle.DataChannel {
			call := controlMgr.CallByRole()
			if call == nil {
				return nil
			}
			dc, ok := call.Transport().(lifecycle.DataChannel)
			if !ok {
				return nil
			}
			return dc
		},
		Logger:    controlLogger,
		Metrics:   m,
		FrameRate: cfg.FrameRate,
		Deadzone:  cfg.Deadzone,
	})

	controlMgr = lifecycle.NewManager(lifecycle.Config{
		LocalRole:    registry.RoleController,
		RemoteRole:   registry.RoleCar,
		Provider:     provider,
		Signaler:     controlClient,
		Logger:       controlLogger,
		Metrics:      m,
		Transport:    lifecycle.TransportOptions{DataChannelLabel: controlChannelLabel},
		BaseDelay:    cfg.ReconnectBaseDelay,
		CapDelay:     cfg.ReconnectCapDelay,
		MaxAttempts:  cfg.ReconnectMaxAttempts,
		GracePeriod:  cfg.ReconnectGracePeriod,
		AutoInitiate: true,
		OnStateChange: func(_ string, state lifecycle.State) {
			pump.HandleCallState(state)
		},
	})

	// Video session: initiate with a recvonly transceiver and drain whatever
	// the Car sends.
	var videoMgr *lifecycle.Manager
	videoLogger := logger.With().Str("session", "video").Logger()
	videoHandlers := relayclient.ManagerHandlers(videoLogger, func() *lifecycle.Manager { return videoMgr })
	videoHandlers.OnDisconnect = disconnectHandler(fatal, "video")

	videoClient, err := relayclient.Dial(ctx, relayclient.Config{
		URL:      cfg.RelayURL,
		Logger:   videoLogger,
		Handlers: videoHandlers,
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to dial relay for video session")
		os.Exit(1)
	}

	videoMgr = lifecycle.NewManager(lifecycle.Config{
		LocalRole:    registry.RoleController,
		RemoteRole:   registry.RoleCar,
		Provider:     provider,
		Signaler:     videoClient,
		Logger:       videoLogger,
		Metrics:      m,
		Transport:    lifecycle.TransportOptions{Media: true},
		BaseDelay:    cfg.ReconnectBaseDelay,
		CapDelay:     cfg.ReconnectCapDelay,
		MaxAttempts:  cfg.ReconnectMaxAttempts,
		GracePeriod:  cfg.ReconnectGracePeriod,
		AutoInitiate: true,
		OnStateChange: func(_ string, state lifecycle.State) {
			if state != lifecycle.StateNegotiating {
				return
			}
			// A fresh transport exists for every negotiation; hook its track
			// callback before media starts flowing.
			call := videoMgr.CallByRole()
			if call == nil {
				return
			}
			if t, ok := call.Transport().(*webrtctransport.Transport); ok {
				t.OnRemoteTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
					go drainTrack(videoLogger, track)
				})
			}
		},
	})

	if err := controlClient.JoinRoom(cfg.ControlRoom, info); err != nil {
		logger.Error().Err(err).Msg("failed to join control room")
		os.Exit(1)
	}
	if err := videoClient.JoinRoom(cfg.VideoRoom, info); err != nil {
		logger.Error().Err(err).Msg("failed to join video room")
		os.Exit(1)
	}

	exitCode := 0
	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-fatal:
		logger.Error().Err(err).Msg("relay connection lost")
		exitCode = 1
	}

	pump.Stop()
	controlMgr.Close()
	videoMgr.Close()
	_ = controlClient.Close()
	_ = videoClient.Close()

	logger.Info().
		Uint64("frames_sent", m.Get(metrics.FramesSent)).
		Uint64("reconnect_attempts", m.Get(metrics.ReconnectAttempts)).
		Msg("controller stopped")
	os.Exit(exitCode)
}

// scriptedSource drives a gentle figure: constant throttle with the deadman
// held and a slow sinusoidal steering sweep. Enough to exercise the whole
// pipe without a physical input device.
type scriptedSource struct {
	start time.Time
}

func newScriptedSource() *scriptedSource {
	return &scriptedSource{start: time.Now()}
}

func (s *scriptedSource) Sample() (throttle, steering float64, buttons uint16) {
	t := time.Since(s.start).Seconds()
	return 0.4, 0.6 * math.Sin(2*math.Pi*t/8), 1 << controlframe.ButtonDeadman
}

func drainTrack(logger zerolog.Logger, track *webrtc.TrackRemote) {
	logger.Info().Str("codec", track.Codec().MimeType).Msg("remote video track open")
	var packets uint64
	for {
		if _, _, err := track.ReadRTP(); err != nil {
			logger.Info().Uint64("rtp_packets", packets).Msg("remote video track ended")
			return
		}
		packets++
	}
}

func disconnectHandler(fatal chan<- error, session string) func(error) {
	return func(err error) {
		if err == nil {
			err = errors.New("connection closed")
		}
		select {
		case fatal <- fmt.Errorf("%s session: %w", session, err):
		default:
		}
	}
}
