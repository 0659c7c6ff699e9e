// Command roverlink-relay runs the signaling relay: the WebSocket endpoint
// peers negotiate through, plus the read-only HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/roverlink/roverlink/internal/config"
	"github.com/roverlink/roverlink/internal/httpapi"
	"github.com/roverlink/roverlink/internal/metrics"
	"github.com/roverlink/roverlink/internal/ratelimit"
	"github.com/roverlink/roverlink/internal/registry"
	"github.com/roverlink/roverlink/internal/signaling"
)

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

	resolveBuildVersion()

	logger.Info().
		Str("version", httpapi.Version).
		Str("listen_addr", cfg.ListenAddr).
		Str("mode", string(cfg.Mode)).
		Int64("max_signaling_message_bytes", cfg.MaxSignalingMessageBytes).
		Int("max_signaling_messages_per_second", cfg.MaxSignalingMessagesPerSecond).
		Strs("allowed_origins", cfg.AllowedOrigins).
		Msg("starting roverlink-relay")

	m := metrics.New()
	reg := registry.New(ratelimit.RealClock{})
	sig := signaling.NewServer(signaling.Config{
		Registry:             reg,
		Metrics:              m,
		Logger:               logger,
		MaxMessageBytes:      cfg.MaxSignalingMessageBytes,
		MaxMessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
	})
	api := httpapi.NewServer(httpapi.Config{
		Registry:         reg,
		Metrics:          m,
		Logger:           logger,
		WebSocketHandler: sig.HandleWebSocket,
		AllowedOrigins:   cfg.AllowedOrigins,
	})

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error().Err(err).Str("listen_addr", cfg.ListenAddr).Msg("failed to listen")
		os.Exit(1)
	}

	srv := &http.Server{Handler: api}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		sig.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server exited")
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown failed")
	}
	sig.Close()

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("http server exited after shutdown")
		os.Exit(1)
	}
}

// resolveBuildVersion falls back to the VCS revision for `go run` / dev builds
// where -ldflags did not stamp httpapi.Version.
func resolveBuildVersion() {
	if httpapi.Version != "dev" {
		return
	}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	for _, s := range bi.Settings {
		if s.Key == "vcs.revision" && s.Value != "" {
			httpapi.Version = s.Value
			return
		}
	}
}
