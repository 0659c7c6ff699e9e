package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/roverlink/roverlink/internal/metrics"
	"github.com/roverlink/roverlink/internal/registry"
)

// Call is one logical peer session. Transports come and go underneath it as
// negotiation attempts succeed and fail; the Call identity survives them.
type Call struct {
	mgr    *Manager
	logger zerolog.Logger

	remoteRole registry.Role

	mu           sync.Mutex
	remoteID     string
	state        State
	transport    Transport
	attempts     int
	reconnecting bool

	// connectedCh carries at most one pending connected notification for the
	// reconnect loop's grace-period wait.
	connectedCh chan struct{}

	// hangupCh is closed exactly once on shutdown. Every wait in the
	// reconnect loop selects on it so an explicit hangup always wins.
	hangupCh   chan struct{}
	hangupOnce sync.Once
}

func newCall(m *Manager, remoteID string, role registry.Role) *Call {
	return &Call{
		mgr:         m,
		logger:      m.logger.With().Str("remote_id", remoteID).Logger(),
		remoteRole:  role,
		remoteID:    remoteID,
		state:       StateIdle,
		connectedCh: make(chan struct{}, 1),
		hangupCh:    make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (c *Call) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RemoteID returns the remote connection id this call is currently bound to.
func (c *Call) RemoteID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteID
}

// Attempts returns the reconnection attempt counter. It resets to zero when a
// transport reports connected.
func (c *Call) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Transport returns the current transport, or nil while none is installed.
func (c *Call) Transport() Transport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transport
}

func (c *Call) setRemoteID(id string) {
	c.mu.Lock()
	c.remoteID = id
	c.mu.Unlock()
}

func (c *Call) setState(s State) {
	c.mu.Lock()
	if c.state == s || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	prev := c.state
	c.state = s
	remoteID := c.remoteID
	c.mu.Unlock()

	c.logger.Info().Str("from", string(prev)).Str("to", string(s)).Msg("call state")
	c.mgr.notifyState(remoteID, s)
}

// initiate creates a fresh transport, produces an offer and sends it to the
// remote. Used for the first negotiation and for every Controller-side
// reconnection attempt.
func (c *Call) initiate() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrCallClosed
	}
	remoteID := c.remoteID
	c.mu.Unlock()

	t, err := c.mgr.cfg.Provider.NewTransport(context.Background(), c.mgr.cfg.Transport)
	if err != nil {
		return err
	}
	c.installTransport(t)
	c.setState(StateNegotiating)

	offer, err := t.CreateOffer(context.Background())
	if err != nil {
		c.dropTransport(t)
		return err
	}
	return c.mgr.cfg.Signaler.SendOffer(remoteID, offer)
}

// acceptOffer handles an inbound offer: any prior transport is torn down and
// a fresh one answers. A renegotiation offer on a live call goes through the
// same path.
func (c *Call) acceptOffer(desc SessionDescription) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrCallClosed
	}
	remoteID := c.remoteID
	c.mu.Unlock()

	t, err := c.mgr.cfg.Provider.NewTransport(context.Background(), c.mgr.cfg.Transport)
	if err != nil {
		return err
	}
	c.installTransport(t)
	c.setState(StateNegotiating)

	if err := t.SetRemoteDescription(desc); err != nil {
		c.dropTransport(t)
		return err
	}
	answer, err := t.CreateAnswer(context.Background())
	if err != nil {
		c.dropTransport(t)
		return err
	}
	return c.mgr.cfg.Signaler.SendAnswer(remoteID, answer)
}

func (c *Call) acceptAnswer(desc SessionDescription) error {
	c.mu.Lock()
	t := c.transport
	closed := c.state == StateClosed
	c.mu.Unlock()
	if closed {
		return ErrCallClosed
	}
	if t == nil {
		return ErrUnknownRemote
	}
	return t.SetRemoteDescription(desc)
}

func (c *Call) addRemoteCandidate(cand Candidate) {
	c.mu.Lock()
	t := c.transport
	c.mu.Unlock()
	if t == nil {
		return
	}
	if err := t.AddRemoteCandidate(cand); err != nil {
		c.logger.Debug().Err(err).Msg("remote candidate rejected")
	}
}

// installTransport swaps in a new transport, closing the previous one. Health
// and candidate callbacks capture the transport identity so signals from a
// replaced transport are ignored.
func (c *Call) installTransport(t Transport) {
	c.mu.Lock()
	old := c.transport
	c.transport = t
	c.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	t.OnLocalCandidate(func(cand Candidate) {
		c.mu.Lock()
		current := c.transport == t
		remoteID := c.remoteID
		c.mu.Unlock()
		if !current {
			return
		}
		if err := c.mgr.cfg.Signaler.SendCandidate(remoteID, cand); err != nil {
			c.logger.Debug().Err(err).Msg("candidate send failed")
		}
	})
	t.OnHealth(func(h Health) {
		c.handleHealth(t, h)
	})
}

// dropTransport closes and detaches t if it is still the current transport.
func (c *Call) dropTransport(t Transport) {
	c.mu.Lock()
	if c.transport == t {
		c.transport = nil
	}
	c.mu.Unlock()
	_ = t.Close()
}

func (c *Call) handleHealth(from Transport, h Health) {
	c.mu.Lock()
	if c.transport != from || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	switch h {
	case HealthConnected:
		c.mu.Lock()
		c.attempts = 0
		c.mu.Unlock()
		c.setState(StateConnected)
		select {
		case c.connectedCh <- struct{}{}:
		default:
		}
	case HealthDisconnected, HealthFailed:
		c.setState(StateDisconnected)
		c.scheduleReconnect()
	case HealthClosed:
		// Closed by our own teardown; the replacement path owns the state.
	}
}

// scheduleReconnect starts the bounded-backoff recovery loop. At most one
// loop runs per call.
func (c *Call) scheduleReconnect() {
	c.mu.Lock()
	if c.reconnecting || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.mu.Unlock()

	c.setState(StateReconnecting)
	go c.reconnectLoop()
}

// reconnectLoop retries negotiation with exponential backoff:
// delay(k) = min(BaseDelay << (k-1), CapDelay). Each attempt waits its delay,
// re-derives the remote id (the peer may have rejoined under a new one),
// re-enters negotiation and then waits up to GracePeriod for a connected
// signal. MaxAttempts exhaustion closes the call.
func (c *Call) reconnectLoop() {
	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	for attempt := 1; attempt <= c.mgr.cfg.MaxAttempts; attempt++ {
		c.mu.Lock()
		if c.state == StateClosed {
			c.mu.Unlock()
			return
		}
		c.attempts = attempt
		c.mu.Unlock()

		// Clear any stale notification before this attempt so the grace wait
		// below only sees a connection established from here on.
		select {
		case <-c.connectedCh:
		default:
		}

		c.mgr.metrics.Inc(metrics.ReconnectAttempts)
		delay := backoffDelay(c.mgr.cfg.BaseDelay, c.mgr.cfg.CapDelay, attempt)
		c.logger.Info().Int("attempt", attempt).Dur("delay", delay).Msg("reconnect scheduled")

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-c.hangupCh:
			timer.Stop()
			return
		}

		c.mu.Lock()
		if c.state == StateClosed {
			c.mu.Unlock()
			return
		}
		if c.state == StateConnected {
			// The remote re-offered while we were waiting.
			c.attempts = 0
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		if c.mgr.initiates() {
			if id, ok := c.mgr.resolveRemote(c.RemoteID(), c.remoteRole); ok {
				if old := c.RemoteID(); old != id {
					c.logger.Info().Str("new_remote_id", id).Msg("remote rediscovered by role")
					c.mgr.rekey(c, old, id)
					c.setRemoteID(id)
				}
				if err := c.initiate(); err != nil {
					c.logger.Warn().Int("attempt", attempt).Err(err).Msg("reconnect attempt failed")
					continue
				}
			} else {
				c.logger.Warn().Int("attempt", attempt).Msg("no peer with paired role in room")
				continue
			}
		} else {
			// Passive side: drop the dead transport and wait for the
			// Controller to re-offer. If an inbound offer already installed a
			// replacement (state moved to Negotiating), leave it alone.
			c.mu.Lock()
			var t Transport
			if c.state != StateNegotiating {
				t = c.transport
				c.transport = nil
			}
			c.mu.Unlock()
			if t != nil {
				_ = t.Close()
			}
		}

		grace := time.NewTimer(c.mgr.cfg.GracePeriod)
		select {
		case <-c.connectedCh:
			grace.Stop()
			c.mu.Lock()
			c.attempts = 0
			c.mu.Unlock()
			return
		case <-c.hangupCh:
			grace.Stop()
			return
		case <-grace.C:
		}
	}

	c.logger.Warn().Int("max_attempts", c.mgr.cfg.MaxAttempts).Msg("reconnect exhausted")
	c.mgr.metrics.Inc(metrics.ReconnectExhausted)
	c.shutdown()
}

// shutdown moves the call to Closed and releases the transport. Idempotent;
// the closed hangupCh aborts any in-flight reconnect wait.
func (c *Call) shutdown() {
	c.hangupOnce.Do(func() {
		close(c.hangupCh)
	})

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	prev := c.state
	c.state = StateClosed
	t := c.transport
	c.transport = nil
	remoteID := c.remoteID
	c.mu.Unlock()

	if t != nil {
		_ = t.Close()
	}
	c.logger.Info().Str("from", string(prev)).Msg("call closed")
	c.mgr.notifyState(remoteID, StateClosed)
}

func backoffDelay(base, cap time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	if d > cap {
		return cap
	}
	return d
}
