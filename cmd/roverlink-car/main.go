// Command roverlink-car is the vehicle-side peer. It joins the video and
// control rooms, answers negotiation from the Controller, and feeds inbound
// control frames through the safety gates into the actuator.
//
// Video is answered but not produced here: camera capture depends on the
// hardware build and plugs in through webrtctransport.Transport.AddLocalTrack.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/roverlink/roverlink/internal/config"
	"github.com/roverlink/roverlink/internal/controlchannel"
	"github.com/roverlink/roverlink/internal/lifecycle"
	"github.com/roverlink/roverlink/internal/metrics"
	"github.com/roverlink/roverlink/internal/registry"
	"github.com/roverlink/roverlink/internal/relayclient"
	"github.com/roverlink/roverlink/internal/vehicle"
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
		name = "roverlink-car"
	}
	logger.Info().
		Str("name", name).
		Str("relay_url", cfg.RelayURL).
		Str("video_room", cfg.VideoRoom).
		Str("control_room", cfg.ControlRoom).
		Dur("frame_timeout", cfg.FrameTimeout).
		Msg("starting roverlink-car")

	provider, err := webrtctransport.NewProvider(webrtctransport.Config{
		ICEServers: cfg.ICEServers,
		Logger:     logger,
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to configure webrtc")
		os.Exit(2)
	}

	m := metrics.New()
	info := registry.UserInfo{Name: name, Role: registry.RoleCar}

	drive := vehicle.New(vehicle.Config{
		Actuator:     vehicle.NewLogActuator(logger),
		Logger:       logger,
		FrameTimeout: cfg.FrameTimeout,
	})
	drive.Start()
	receiver := controlchannel.NewReceiver(drive.HandleFrame, logger, m)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Any relay connection dropping is fatal; a supervisor restarts the peer.
	fatal := make(chan error, 2)

	// Control session: answer negotiation, adopt the "control" data channel
	// and attach the frame receiver on every (re)connection.
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

	controlMgr = lifecycle.NewManager(lifecycle.Config{
		LocalRole:   registry.RoleCar,
		RemoteRole:  registry.RoleController,
		Provider:    provider,
		Signaler:    controlClient,
		Logger:      controlLogger,
		Metrics:     m,
		Transport:   lifecycle.TransportOptions{DataChannelLabel: controlChannelLabel},
		BaseDelay:   cfg.ReconnectBaseDelay,
		CapDelay:    cfg.ReconnectCapDelay,
		MaxAttempts: cfg.ReconnectMaxAttempts,
		GracePeriod: cfg.ReconnectGracePeriod,
		OnStateChange: func(remoteUserID string, state lifecycle.State) {
			if state != lifecycle.StateConnected {
				return
			}
			call := controlMgr.CallByRole()
			if call == nil {
				return
			}
			if dc, ok := call.Transport().(lifecycle.DataChannel); ok {
				receiver.Attach(dc)
				controlLogger.Info().Str("remote_id", remoteUserID).Msg("control channel attached")
			}
		},
	})

	// Video session: passive answer only.
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
		LocalRole:   registry.RoleCar,
		RemoteRole:  registry.RoleController,
		Provider:    provider,
		Signaler:    videoClient,
		Logger:      videoLogger,
		Metrics:     m,
		BaseDelay:   cfg.ReconnectBaseDelay,
		CapDelay:    cfg.ReconnectCapDelay,
		MaxAttempts: cfg.ReconnectMaxAttempts,
		GracePeriod: cfg.ReconnectGracePeriod,
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

	controlMgr.Close()
	videoMgr.Close()
	_ = controlClient.Close()
	_ = videoClient.Close()
	drive.Stop()
	os.Exit(exitCode)
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
