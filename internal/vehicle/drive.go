// Package vehicle consumes control frames on the car and turns them into
// actuator commands, enforcing the safety gates: deadman, emergency brake,
// power limiting, stale-frame rejection and a failsafe watchdog that stops
// the vehicle when the control stream goes quiet.
package vehicle

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/roverlink/roverlink/internal/controlframe"
	"github.com/roverlink/roverlink/internal/ratelimit"
)

const (
	// DefaultPowerLimitFactor scales throttle while the power-limit button is
	// held.
	DefaultPowerLimitFactor = 0.5

	// DefaultFrameTimeout is how long the watchdog tolerates silence before
	// forcing the failsafe. At 60 frames/s this is ~15 missed frames.
	DefaultFrameTimeout = 250 * time.Millisecond

	// DefaultWatchdogInterval is the failsafe check period.
	DefaultWatchdogInterval = 50 * time.Millisecond
)

// Actuator applies a drive command to the hardware (or a simulator).
// Throttle and steering are in [-1, 1].
type Actuator interface {
	Apply(throttle, steering float64) error
}

// Config wires a Drive.
type Config struct {
	Actuator Actuator
	Logger   zerolog.Logger
	Clock    ratelimit.Clock

	PowerLimitFactor float64
	FrameTimeout     time.Duration
	WatchdogInterval time.Duration
}

// Drive is the car-side frame consumer. HandleFrame plugs directly into
// controlchannel.Receiver.
type Drive struct {
	actuator Actuator
	logger   zerolog.Logger
	clock    ratelimit.Clock

	powerLimitFactor float64
	frameTimeout     time.Duration
	watchdogInterval time.Duration

	mu          sync.Mutex
	haveFrame   bool
	lastSeq     uint32
	lastFrameAt time.Time
	failsafe    bool

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

func New(cfg Config) *Drive {
	if cfg.Clock == nil {
		cfg.Clock = ratelimit.RealClock{}
	}
	if cfg.PowerLimitFactor <= 0 || cfg.PowerLimitFactor > 1 {
		cfg.PowerLimitFactor = DefaultPowerLimitFactor
	}
	if cfg.FrameTimeout <= 0 {
		cfg.FrameTimeout = DefaultFrameTimeout
	}
	if cfg.WatchdogInterval <= 0 {
		cfg.WatchdogInterval = DefaultWatchdogInterval
	}
	return &Drive{
		actuator:         cfg.Actuator,
		logger:           cfg.Logger.With().Str("component", "vehicle").Logger(),
		clock:            cfg.Clock,
		powerLimitFactor: cfg.PowerLimitFactor,
		frameTimeout:     cfg.FrameTimeout,
		watchdogInterval: cfg.WatchdogInterval,
		stopCh:           make(chan struct{}),
		done:             make(chan struct{}),
	}
}

// Start runs the failsafe watchdog until Stop.
func (d *Drive) Start() {
	go d.watchdogLoop()
}

func (d *Drive) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	<-d.done
}

// Failsafe reports whether the watchdog has neutralized the vehicle.
func (d *Drive) Failsafe() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.failsafe
}

// HandleFrame applies one control frame through the safety gates. Frames
// older than the last applied one (sequence-wise, wraparound-aware) are
// dropped: the channel is unordered and a stale command must never override a
// newer one.
func (d *Drive) HandleFrame(f controlframe.Frame) {
	now := d.clock.Now()

	d.mu.Lock()
	if d.haveFrame && !seqNewer(f.Sequence, d.lastSeq) {
		d.mu.Unlock()
		return
	}
	d.haveFrame = true
	d.lastSeq = f.Sequence
	d.lastFrameAt = now
	wasFailsafe := d.failsafe
	d.failsafe = false
	d.mu.Unlock()

	if wasFailsafe {
		d.logger.Info().Uint32("seq", f.Sequence).Msg("control stream restored")
	}

	throttle, steering := d.gate(f)
	if err := d.actuator.Apply(throttle, steering); err != nil {
		d.logger.Error().Err(err).Msg("actuator apply failed")
	}
}

// gate applies the button-driven safety rules to one frame.
func (d *Drive) gate(f controlframe.Frame) (throttle, steering float64) {
	throttle = f.Throttle
	steering = f.Steering

	if f.Pressed(controlframe.ButtonEmergencyBrake) {
		// Steering stays live so the operator can still point the wheels.
		return 0, steering
	}
	if !f.Pressed(controlframe.ButtonDeadman) {
		return 0, steering
	}
	if f.Pressed(controlframe.ButtonPowerLimit) {
		throttle *= d.powerLimitFactor
	}
	return throttle, steering
}

func (d *Drive) watchdogLoop() {
	defer close(d.done)
	ticker := time.NewTicker(d.watchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.checkDeadline(d.clock.Now())
		case <-d.stopCh:
			return
		}
	}
}

// checkDeadline enters the failsafe if the control stream has been silent for
// longer than the frame timeout: throttle zeroed, steering centered, exactly
// once per outage.
func (d *Drive) checkDeadline(now time.Time) {
	d.mu.Lock()
	expired := d.haveFrame && !d.failsafe && now.Sub(d.lastFrameAt) > d.frameTimeout
	if expired {
		d.failsafe = true
	}
	d.mu.Unlock()

	if !expired {
		return
	}
	d.logger.Warn().Dur("timeout", d.frameTimeout).Msg("control stream lost, entering failsafe")
	if err := d.actuator.Apply(0, 0); err != nil {
		d.logger.Error().Err(err).Msg("failsafe apply failed")
	}
}

// seqNewer reports whether a is ahead of b modulo 2^32.
func seqNewer(a, b uint32) bool {
	return int32(a-b) > 0
}
