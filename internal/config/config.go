// Package config loads runtime configuration for the relay and the peer
// binaries. Environment variables provide defaults; command-line flags
// override them.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

const (
	envVarListenAddr      = "ROVERLINK_LISTEN_ADDR"
	envVarRelayURL        = "ROVERLINK_RELAY_URL"
	envVarAllowedOrigins  = "ROVERLINK_ALLOWED_ORIGINS"
	envVarLogFormat       = "ROVERLINK_LOG_FORMAT"
	envVarLogLevel        = "ROVERLINK_LOG_LEVEL"
	envVarMode            = "ROVERLINK_MODE"
	envVarShutdownTimeout = "ROVERLINK_SHUTDOWN_TIMEOUT"

	envVarPeerName    = "ROVERLINK_PEER_NAME"
	envVarVideoRoom   = "ROVERLINK_VIDEO_ROOM"
	envVarControlRoom = "ROVERLINK_CONTROL_ROOM"

	envVarMaxSignalingMessageBytes      = "ROVERLINK_MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "ROVERLINK_MAX_SIGNALING_MESSAGES_PER_SECOND"

	envVarReconnectBaseDelay   = "ROVERLINK_RECONNECT_BASE_DELAY"
	envVarReconnectCapDelay    = "ROVERLINK_RECONNECT_CAP_DELAY"
	envVarReconnectMaxAttempts = "ROVERLINK_RECONNECT_MAX_ATTEMPTS"
	envVarReconnectGracePeriod = "ROVERLINK_RECONNECT_GRACE_PERIOD"

	envVarFrameRate    = "ROVERLINK_FRAME_RATE"
	envVarDeadzone     = "ROVERLINK_DEADZONE"
	envVarFrameTimeout = "ROVERLINK_FRAME_TIMEOUT"
)

const (
	DefaultListenAddr      = "127.0.0.1:8080"
	DefaultRelayURL        = "ws://127.0.0.1:8080/ws"
	DefaultShutdownTimeout = 15 * time.Second

	DefaultVideoRoom   = "video-room"
	DefaultControlRoom = "control-room"

	DefaultMaxSignalingMessageBytes      = int64(64 * 1024)
	DefaultMaxSignalingMessagesPerSecond = 200

	DefaultReconnectBaseDelay   = 1 * time.Second
	DefaultReconnectCapDelay    = 30 * time.Second
	DefaultReconnectMaxAttempts = 5
	DefaultReconnectGracePeriod = 10 * time.Second

	DefaultFrameRate    = 60.0
	DefaultDeadzone     = 0.1
	DefaultFrameTimeout = 250 * time.Millisecond

	DefaultMode Mode = ModeDev
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// Config carries settings for all three binaries; each reads the subset it
// needs.
type Config struct {
	// Relay.
	ListenAddr                    string
	AllowedOrigins                []string
	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int

	// Peers.
	RelayURL    string
	PeerName    string
	VideoRoom   string
	ControlRoom string

	ReconnectBaseDelay   time.Duration
	ReconnectCapDelay    time.Duration
	ReconnectMaxAttempts int
	ReconnectGracePeriod time.Duration

	FrameRate    float64
	Deadzone     float64
	FrameTimeout time.Duration

	ICEServers []webrtc.ICEServer

	// Shared.
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        zerolog.Level
	ShutdownTimeout time.Duration
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	modeDefault := string(DefaultMode)
	if raw, ok := lookup(envVarMode); ok && strings.TrimSpace(raw) != "" {
		modeDefault = strings.TrimSpace(raw)
	}

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	relayURL := envOrDefault(lookup, envVarRelayURL, DefaultRelayURL)
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")
	peerName := envOrDefault(lookup, envVarPeerName, "")
	videoRoom := envOrDefault(lookup, envVarVideoRoom, DefaultVideoRoom)
	controlRoom := envOrDefault(lookup, envVarControlRoom, DefaultControlRoom)
	logFormatStr := envOrDefault(lookup, envVarLogFormat, "")
	logLevelStr := envOrDefault(lookup, envVarLogLevel, "")

	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	maxSignalingMessageBytes, err := envInt64OrDefault(lookup, envVarMaxSignalingMessageBytes, DefaultMaxSignalingMessageBytes)
	if err != nil {
		return Config{}, err
	}
	maxSignalingMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	reconnectBaseDelay, err := envDurationOrDefault(lookup, envVarReconnectBaseDelay, DefaultReconnectBaseDelay)
	if err != nil {
		return Config{}, err
	}
	reconnectCapDelay, err := envDurationOrDefault(lookup, envVarReconnectCapDelay, DefaultReconnectCapDelay)
	if err != nil {
		return Config{}, err
	}
	reconnectMaxAttempts, err := envIntOrDefault(lookup, envVarReconnectMaxAttempts, DefaultReconnectMaxAttempts)
	if err != nil {
		return Config{}, err
	}
	reconnectGracePeriod, err := envDurationOrDefault(lookup, envVarReconnectGracePeriod, DefaultReconnectGracePeriod)
	if err != nil {
		return Config{}, err
	}
	frameRate, err := envFloatOrDefault(lookup, envVarFrameRate, DefaultFrameRate)
	if err != nil {
		return Config{}, err
	}
	deadzone, err := envFloatOrDefault(lookup, envVarDeadzone, DefaultDeadzone)
	if err != nil {
		return Config{}, err
	}
	frameTimeout, err := envDurationOrDefault(lookup, envVarFrameTimeout, DefaultFrameTimeout)
	if err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("roverlink", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var modeStr string
	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (env "+envVarListenAddr+")")
	fs.StringVar(&relayURL, "relay-url", relayURL, "Relay websocket URL (env "+envVarRelayURL+")")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.StringVar(&peerName, "name", peerName, "Peer display name (env "+envVarPeerName+")")
	fs.StringVar(&videoRoom, "video-room", videoRoom, "Room for the video session (env "+envVarVideoRoom+")")
	fs.StringVar(&controlRoom, "control-room", controlRoom, "Room for the control channel (env "+envVarControlRoom+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod (env "+envVarMode+")")
	fs.StringVar(&logFormatStr, "log-format", logFormatStr, "Log format: text or json (env "+envVarLogFormat+")")
	fs.StringVar(&logLevelStr, "log-level", logLevelStr, "Log level: debug, info, warn, error (env "+envVarLogLevel+")")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (env "+envVarShutdownTimeout+")")
	fs.Int64Var(&maxSignalingMessageBytes, "max-signaling-message-bytes", maxSignalingMessageBytes, "Max inbound signaling message size (env "+envVarMaxSignalingMessageBytes+")")
	fs.IntVar(&maxSignalingMessagesPerSecond, "max-signaling-messages-per-second", maxSignalingMessagesPerSecond, "Max inbound signaling messages per second (env "+envVarMaxSignalingMessagesPerSecond+")")
	fs.DurationVar(&reconnectBaseDelay, "reconnect-base-delay", reconnectBaseDelay, "First reconnect backoff delay (env "+envVarReconnectBaseDelay+")")
	fs.DurationVar(&reconnectCapDelay, "reconnect-cap-delay", reconnectCapDelay, "Reconnect backoff ceiling (env "+envVarReconnectCapDelay+")")
	fs.IntVar(&reconnectMaxAttempts, "reconnect-max-attempts", reconnectMaxAttempts, "Reconnect attempts before giving up (env "+envVarReconnectMaxAttempts+")")
	fs.DurationVar(&reconnectGracePeriod, "reconnect-grace-period", reconnectGracePeriod, "Wait for connected after each reconnect attempt (env "+envVarReconnectGracePeriod+")")
	fs.Float64Var(&frameRate, "frame-rate", frameRate, "Control frame rate in frames/s (env "+envVarFrameRate+")")
	fs.Float64Var(&deadzone, "deadzone", deadzone, "Input deadzone in [0, 1) (env "+envVarDeadzone+")")
	fs.DurationVar(&frameTimeout, "frame-timeout", frameTimeout, "Failsafe watchdog frame timeout (env "+envVarFrameTimeout+")")
	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config (env "+envICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "Comma-separated STUN URLs (env "+envStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "Comma-separated TURN URLs (env "+envTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username (env "+envTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential (env "+envTurnCredential+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}
	if logFormatStr == "" {
		logFormatStr = defaultLogFormatForMode(mode)
	}
	if logLevelStr == "" {
		logLevelStr = defaultLogLevelForMode(mode)
	}
	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	logLevel, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(logLevelStr)))
	if err != nil {
		return Config{}, fmt.Errorf("invalid log level %q: %w", logLevelStr, err)
	}

	iceServers, err := parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential)
	if err != nil {
		return Config{}, err
	}

	if listenAddr == "" {
		return Config{}, fmt.Errorf("listen address must not be empty")
	}
	if relayURL == "" {
		return Config{}, fmt.Errorf("relay URL must not be empty")
	}
	if videoRoom == "" || controlRoom == "" {
		return Config{}, fmt.Errorf("room names must not be empty")
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("shutdown timeout must be > 0")
	}
	if maxSignalingMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-message-bytes must be > 0", envVarMaxSignalingMessageBytes)
	}
	if maxSignalingMessagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-messages-per-second must be > 0", envVarMaxSignalingMessagesPerSecond)
	}
	if reconnectBaseDelay <= 0 || reconnectCapDelay < reconnectBaseDelay {
		return Config{}, fmt.Errorf("reconnect delays must satisfy 0 < base <= cap")
	}
	if reconnectMaxAttempts <= 0 {
		return Config{}, fmt.Errorf("%s/--reconnect-max-attempts must be > 0", envVarReconnectMaxAttempts)
	}
	if reconnectGracePeriod <= 0 {
		return Config{}, fmt.Errorf("%s/--reconnect-grace-period must be > 0", envVarReconnectGracePeriod)
	}
	if frameRate <= 0 || frameRate > 1000 {
		return Config{}, fmt.Errorf("%s/--frame-rate must be in (0, 1000]", envVarFrameRate)
	}
	if deadzone < 0 || deadzone >= 1 {
		return Config{}, fmt.Errorf("%s/--deadzone must be in [0, 1)", envVarDeadzone)
	}
	if frameTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--frame-timeout must be > 0", envVarFrameTimeout)
	}

	return Config{
		ListenAddr:                    listenAddr,
		AllowedOrigins:                splitCommaSeparated(allowedOriginsStr),
		MaxSignalingMessageBytes:      maxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: maxSignalingMessagesPerSecond,
		RelayURL:                      relayURL,
		PeerName:                      peerName,
		VideoRoom:                     videoRoom,
		ControlRoom:                   controlRoom,
		ReconnectBaseDelay:            reconnectBaseDelay,
		ReconnectCapDelay:             reconnectCapDelay,
		ReconnectMaxAttempts:          reconnectMaxAttempts,
		ReconnectGracePeriod:          reconnectGracePeriod,
		FrameRate:                     frameRate,
		Deadzone:                      deadzone,
		FrameTimeout:                  frameTimeout,
		ICEServers:                    iceServers,
		Mode:                          mode,
		LogFormat:                     logFormat,
		LogLevel:                      logLevel,
		ShutdownTimeout:               shutdownTimeout,
	}, nil
}

func parseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModeDev:
		return ModeDev, nil
	case ModeProd:
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (want dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch LogFormat(strings.ToLower(strings.TrimSpace(raw))) {
	case LogFormatText:
		return LogFormatText, nil
	case LogFormatJSON:
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (want text or json)", raw)
	}
}

func defaultLogFormatForMode(mode Mode) string {
	if mode == ModeProd {
		return string(LogFormatJSON)
	}
	return string(LogFormatText)
}

func defaultLogLevelForMode(mode Mode) string {
	if mode == ModeProd {
		return zerolog.LevelInfoValue
	}
	return zerolog.LevelDebugValue
}

func envOrDefault(lookup func(string) (string, bool), key, def string) string {
	if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func envIntOrDefault(lookup func(string) (string, bool), key string, def int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envInt64OrDefault(lookup func(string) (string, bool), key string, def int64) (int64, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envFloatOrDefault(lookup func(string) (string, bool), key string, def float64) (float64, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return f, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, def time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return def, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}
