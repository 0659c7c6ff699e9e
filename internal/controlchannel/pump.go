// Package controlchannel moves control frames between the operator's input
// device and the vehicle over a negotiated data channel.
//
// The sending side is a fixed-rate pump: it samples the input source, applies
// the deadzone filter, encodes a frame and ships it, every tick, whether or
// not the sticks moved. Constant-rate traffic doubles as a liveness signal for
// the vehicle's failsafe watchdog. The receiving side decodes inbound frames
// and drops malformed ones without disturbing the channel.
package controlchannel

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/roverlink/roverlink/internal/controlframe"
	"github.com/roverlink/roverlink/internal/lifecycle"
	"github.com/roverlink/roverlink/internal/metrics"
	"github.com/roverlink/roverlink/internal/ratelimit"
)

// DefaultFrameRate is the pump tick rate in frames per second.
const DefaultFrameRate = 60

// Source supplies the current input reading on every pump tick. Sample must
// be safe for concurrent use; the pump calls it from its own goroutine.
type Source interface {
	Sample() (throttle, steering float64, buttons uint16)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func() (throttle, steering float64, buttons uint16)

func (f SourceFunc) Sample() (throttle, steering float64, buttons uint16) {
	return f()
}

// PumpConfig wires a Pump's dependencies.
type PumpConfig struct {
	Source Source

	// Channel returns the current data channel, or nil when no call is live.
	// Looked up on every tick: the channel changes identity across
	// reconnections.
	Channel func() lifecycle.DataChannel

	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	Clock   ratelimit.Clock

	// FrameRate in frames per second. Zero selects DefaultFrameRate.
	FrameRate float64

	// Deadzone applied to both axes before encoding. Zero means no deadzone;
	// use controlframe.DefaultDeadzone for the standard filter.
	Deadzone float64
}

// Pump is the fixed-rate frame sender. It follows the call lifecycle by
// default (start on Connected, stop otherwise); manual mode detaches it from
// lifecycle events so an operator can force it on or off.
type Pump struct {
	cfg     PumpConfig
	logger  zerolog.Logger
	metrics *metrics.Metrics
	clock   ratelimit.Clock

	mu      sync.Mutex
	running bool
	manual  bool
	seq     uint32
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewPump(cfg PumpConfig) *Pump {
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = DefaultFrameRate
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.Clock == nil {
		cfg.Clock = ratelimit.RealClock{}
	}
	return &Pump{
		cfg:     cfg,
		logger:  cfg.Logger.With().Str("component", "controlchannel").Logger(),
		metrics: cfg.Metrics,
		clock:   cfg.Clock,
	}
}

// Start begins the pump loop. Starting a running pump is a no-op.
func (p *Pump) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.startLocked()
}

func (p *Pump) startLocked() {
	if p.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.running = true
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(ctx, p.done)
	p.logger.Info().Float64("frame_rate", p.cfg.FrameRate).Msg("pump started")
}

// Stop halts the pump loop and waits for the in-flight tick to finish.
func (p *Pump) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	done := p.done
	p.mu.Unlock()

	cancel()
	<-done
	p.logger.Info().Msg("pump stopped")
}

// Running reports whether the pump loop is active.
func (p *Pump) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// SetManual switches manual mode on or off. While manual, lifecycle events no
// longer start or stop the pump.
func (p *Pump) SetManual(on bool) {
	p.mu.Lock()
	p.manual = on
	p.mu.Unlock()
}

// HandleCallState follows the control call's lifecycle: the pump starts when
// the call connects and stops on any other transition. Ignored in manual
// mode.
func (p *Pump) HandleCallState(state lifecycle.State) {
	p.mu.Lock()
	if p.manual {
		p.mu.Unlock()
		return
	}
	if state == lifecycle.StateConnected {
		p.startLocked()
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	p.Stop()
}

// Sequence returns the next sequence number the pump will use.
func (p *Pump) Sequence() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seq
}

func (p *Pump) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	limiter := rate.NewLimiter(rate.Limit(p.cfg.FrameRate), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		p.tick()
	}
}

// tick samples, encodes and sends exactly one frame. The channel is resolved
// fresh each tick; a missing or unready channel skips the tick without
// consuming a sequence number.
func (p *Pump) tick() {
	var ch lifecycle.DataChannel
	if p.cfg.Channel != nil {
		ch = p.cfg.Channel()
	}
	if ch == nil || !ch.Ready() {
		return
	}

	throttle, steering, buttons := p.cfg.Source.Sample()
	throttle = controlframe.ApplyDeadzone(throttle, p.cfg.Deadzone)
	steering = controlframe.ApplyDeadzone(steering, p.cfg.Deadzone)

	p.mu.Lock()
	seq := p.seq
	p.seq++
	p.mu.Unlock()

	wire := controlframe.Encode(throttle, steering, buttons, seq, p.clock.Now().UnixMilli())
	if err := ch.Send(wire[:]); err != nil {
		p.logger.Debug().Err(err).Uint32("seq", seq).Msg("frame send failed")
		return
	}
	p.metrics.Inc(metrics.FramesSent)
}
