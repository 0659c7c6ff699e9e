package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/roverlink/roverlink/internal/metrics"
	"github.com/roverlink/roverlink/internal/registry"
)

type fakeTransport struct {
	mu       sync.Mutex
	opts     TransportOptions
	remote   *SessionDescription
	healthFn func(Health)
	candFn   func(Candidate)
	closed   bool
}

func (t *fakeTransport) SetRemoteDescription(desc SessionDescription) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.remote = &desc
	return nil
}

func (t *fakeTransport) CreateOffer(_ context.Context) (SessionDescription, error) {
	return SessionDescription{Type: "offer", SDP: "v=0 fake-offer"}, nil
}

func (t *fakeTransport) CreateAnswer(_ context.Context) (SessionDescription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.remote == nil {
		return SessionDescription{}, errors.New("no remote description")
	}
	return SessionDescription{Type: "answer", SDP: "v=0 fake-answer"}, nil
}

func (t *fakeTransport) AddRemoteCandidate(Candidate) error { return nil }

func (t *fakeTransport) OnLocalCandidate(fn func(Candidate)) {
	t.mu.Lock()
	t.candFn = fn
	t.mu.Unlock()
}

func (t *fakeTransport) OnHealth(fn func(Health)) {
	t.mu.Lock()
	t.healthFn = fn
	t.mu.Unlock()
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) signalHealth(h Health) {
	t.mu.Lock()
	fn := t.healthFn
	t.mu.Unlock()
	if fn != nil {
		fn(h)
	}
}

type fakeProvider struct {
	mu         sync.Mutex
	transports []*fakeTransport
}

func (p *fakeProvider) NewTransport(_ context.Context, opts TransportOptions) (Transport, error) {
	t := &fakeTransport{opts: opts}
	p.mu.Lock()
	p.transports = append(p.transports, t)
	p.mu.Unlock()
	return t, nil
}

func (p *fakeProvider) last() *fakeTransport {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.transports) == 0 {
		return nil
	}
	return p.transports[len(p.transports)-1]
}

func (p *fakeProvider) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.transports)
}

type sentSignal struct {
	target string
	kind   string
}

type fakeSignaler struct {
	mu   sync.Mutex
	sent []sentSignal
	ch   chan sentSignal
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{ch: make(chan sentSignal, 64)}
}

func (s *fakeSignaler) record(target, kind string) error {
	s.mu.Lock()
	s.sent = append(s.sent, sentSignal{target, kind})
	s.mu.Unlock()
	s.ch <- sentSignal{target, kind}
	return nil
}

func (s *fakeSignaler) SendOffer(target string, _ SessionDescription) error {
	return s.record(target, "offer")
}

func (s *fakeSignaler) SendAnswer(target string, _ SessionDescription) error {
	return s.record(target, "answer")
}

func (s *fakeSignaler) SendCandidate(target string, _ Candidate) error {
	return s.record(target, "candidate")
}

func (s *fakeSignaler) waitFor(t *testing.T, kind string, timeout time.Duration) sentSignal {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case sig := <-s.ch:
			if sig.kind == kind {
				return sig
			}
		case <-deadline:
			t.Fatalf("no %s sent within %v", kind, timeout)
		}
	}
}

func (s *fakeSignaler) countKind(kind string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sig := range s.sent {
		if sig.kind == kind {
			n++
		}
	}
	return n
}

func controllerConfig(p Provider, s Signaler) Config {
	return Config{
		LocalRole:   registry.RoleController,
		RemoteRole:  registry.RoleCar,
		Provider:    p,
		Signaler:    s,
		Logger:      zerolog.Nop(),
		BaseDelay:   20 * time.Millisecond,
		CapDelay:    80 * time.Millisecond,
		MaxAttempts: 3,
		GracePeriod: 60 * time.Millisecond,
	}
}

func carConfig(p Provider, s Signaler) Config {
	cfg := controllerConfig(p, s)
	cfg.LocalRole = registry.RoleCar
	cfg.RemoteRole = registry.RoleController
	return cfg
}

func carMember(id string) registry.Member {
	return registry.Member{ID: id, Info: registry.UserInfo{Name: "car", Role: registry.RoleCar}}
}

func waitState(t *testing.T, m *Manager, remoteID string, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.CallState(remoteID) == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("call to %s never reached %s (stuck at %s)", remoteID, want, m.CallState(remoteID))
}

func TestInitiate_OfferAnswerConnects(t *testing.T) {
	provider := &fakeProvider{}
	signaler := newFakeSignaler()
	m := NewManager(controllerConfig(provider, signaler))
	defer m.Close()
	m.SetMembers([]registry.Member{carMember("car-1")})

	if err := m.Initiate("car-1"); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if sig := signaler.waitFor(t, "offer", time.Second); sig.target != "car-1" {
		t.Fatalf("offer sent to %q, want car-1", sig.target)
	}
	if got := m.CallState("car-1"); got != StateNegotiating {
		t.Fatalf("state = %s, want negotiating", got)
	}

	if err := m.HandleAnswer("car-1", SessionDescription{Type: "answer", SDP: "v=0"}); err != nil {
		t.Fatalf("handle answer: %v", err)
	}
	provider.last().signalHealth(HealthConnected)
	waitState(t, m, "car-1", StateConnected)
}

func TestHandleOffer_PassiveSideAnswers(t *testing.T) {
	provider := &fakeProvider{}
	signaler := newFakeSignaler()
	m := NewManager(carConfig(provider, signaler))
	defer m.Close()

	offer := SessionDescription{Type: "offer", SDP: "v=0"}
	if err := m.HandleOffer("ctrl-1", offer); err != nil {
		t.Fatalf("handle offer: %v", err)
	}
	if sig := signaler.waitFor(t, "answer", time.Second); sig.target != "ctrl-1" {
		t.Fatalf("answer sent to %q, want ctrl-1", sig.target)
	}
	provider.last().signalHealth(HealthConnected)
	waitState(t, m, "ctrl-1", StateConnected)
}

// A transport failure on the initiating side must trigger a fresh negotiation
// within one base delay, and a connected signal inside the grace period must
// restore the Connected state with the attempt counter back at zero.
func TestReconnect_RecoversWithinGracePeriod(t *testing.T) {
	provider := &fakeProvider{}
	signaler := newFakeSignaler()
	mets := metrics.New()
	cfg := controllerConfig(provider, signaler)
	cfg.Metrics = mets
	m := NewManager(cfg)
	defer m.Close()
	m.SetMembers([]registry.Member{carMember("car-1")})

	if err := m.Initiate("car-1"); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	signaler.waitFor(t, "offer", time.Second)
	provider.last().signalHealth(HealthConnected)
	waitState(t, m, "car-1", StateConnected)

	provider.last().signalHealth(HealthFailed)
	waitState(t, m, "car-1", StateReconnecting)

	// Re-offer must come after the base delay but well before the cap.
	signaler.waitFor(t, "offer", cfg.BaseDelay+100*time.Millisecond)
	provider.last().signalHealth(HealthConnected)
	waitState(t, m, "car-1", StateConnected)

	call := m.CallByRole()
	if call == nil {
		t.Fatalf("expected a live call")
	}
	if got := call.Attempts(); got != 0 {
		t.Fatalf("attempts = %d, want 0 after recovery", got)
	}
	if got := mets.Get(metrics.ReconnectAttempts); got != 1 {
		t.Fatalf("reconnect attempts counter = %d, want 1", got)
	}
	if got := mets.Get(metrics.ReconnectExhausted); got != 0 {
		t.Fatalf("exhausted counter = %d, want 0", got)
	}
}

func TestReconnect_ExhaustionClosesCall(t *testing.T) {
	provider := &fakeProvider{}
	signaler := newFakeSignaler()
	mets := metrics.New()
	cfg := controllerConfig(provider, signaler)
	cfg.Metrics = mets
	m := NewManager(cfg)
	defer m.Close()
	m.SetMembers([]registry.Member{carMember("car-1")})

	if err := m.Initiate("car-1"); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	signaler.waitFor(t, "offer", time.Second)
	provider.last().signalHealth(HealthConnected)
	waitState(t, m, "car-1", StateConnected)

	// Fail and never let any subsequent transport connect.
	provider.last().signalHealth(HealthFailed)
	waitState(t, m, "car-1", StateClosed)

	if got := mets.Get(metrics.ReconnectAttempts); got != uint64(cfg.MaxAttempts) {
		t.Fatalf("reconnect attempts counter = %d, want %d", got, cfg.MaxAttempts)
	}
	if got := mets.Get(metrics.ReconnectExhausted); got != 1 {
		t.Fatalf("exhausted counter = %d, want 1", got)
	}
}

func TestHangup_WinsOverReconnect(t *testing.T) {
	provider := &fakeProvider{}
	signaler := newFakeSignaler()
	cfg := controllerConfig(provider, signaler)
	cfg.BaseDelay = 100 * time.Millisecond // long enough to hang up mid-backoff
	m := NewManager(cfg)
	defer m.Close()
	m.SetMembers([]registry.Member{carMember("car-1")})

	if err := m.Initiate("car-1"); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	signaler.waitFor(t, "offer", time.Second)
	provider.last().signalHealth(HealthConnected)
	waitState(t, m, "car-1", StateConnected)

	provider.last().signalHealth(HealthFailed)
	waitState(t, m, "car-1", StateReconnecting)
	m.Hangup("car-1")

	offersBefore := signaler.countKind("offer")
	time.Sleep(cfg.BaseDelay + cfg.GracePeriod)
	if got := signaler.countKind("offer"); got != offersBefore {
		t.Fatalf("reconnect kept negotiating after hangup: %d offers, had %d", got, offersBefore)
	}
	if got := m.CallState("car-1"); got != StateIdle {
		t.Fatalf("state after hangup = %s, want idle (call removed)", got)
	}
}

// When the remote rejoins under a fresh connection id, the reconnect loop
// re-derives the target by role instead of retrying the dead id.
func TestReconnect_RediscoversRemoteByRole(t *testing.T) {
	provider := &fakeProvider{}
	signaler := newFakeSignaler()
	m := NewManager(controllerConfig(provider, signaler))
	defer m.Close()
	m.SetMembers([]registry.Member{carMember("car-1")})

	if err := m.Initiate("car-1"); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	signaler.waitFor(t, "offer", time.Second)
	provider.last().signalHealth(HealthConnected)
	waitState(t, m, "car-1", StateConnected)

	m.HandleUserLeft("car-1")
	m.HandleUserJoined(carMember("car-2"))
	provider.last().signalHealth(HealthFailed)

	sig := signaler.waitFor(t, "offer", time.Second)
	if sig.target != "car-2" {
		t.Fatalf("reconnect offer sent to %q, want car-2", sig.target)
	}
	provider.last().signalHealth(HealthConnected)
	waitState(t, m, "car-2", StateConnected)
}

// The passive side never re-initiates: after a failure it waits, and an
// inbound offer from the controller's new connection id lands on the same
// logical call.
func TestPassiveReconnect_AcceptsOfferFromNewID(t *testing.T) {
	provider := &fakeProvider{}
	signaler := newFakeSignaler()
	m := NewManager(carConfig(provider, signaler))
	defer m.Close()

	if err := m.HandleOffer("ctrl-1", SessionDescription{Type: "offer", SDP: "v=0"}); err != nil {
		t.Fatalf("handle offer: %v", err)
	}
	signaler.waitFor(t, "answer", time.Second)
	provider.last().signalHealth(HealthConnected)
	waitState(t, m, "ctrl-1", StateConnected)

	provider.last().signalHealth(HealthFailed)
	waitState(t, m, "ctrl-1", StateReconnecting)
	if got := signaler.countKind("offer"); got != 0 {
		t.Fatalf("passive side sent %d offers, want 0", got)
	}

	if err := m.HandleOffer("ctrl-2", SessionDescription{Type: "offer", SDP: "v=0 again"}); err != nil {
		t.Fatalf("handle re-offer: %v", err)
	}
	if sig := signaler.waitFor(t, "answer", time.Second); sig.target != "ctrl-2" {
		t.Fatalf("answer sent to %q, want ctrl-2", sig.target)
	}
	provider.last().signalHealth(HealthConnected)
	waitState(t, m, "ctrl-2", StateConnected)

	if got := provider.count(); got != 2 {
		t.Fatalf("transports created = %d, want 2", got)
	}
}

func TestAutoInitiate_OnPeerJoined(t *testing.T) {
	provider := &fakeProvider{}
	signaler := newFakeSignaler()
	cfg := controllerConfig(provider, signaler)
	cfg.AutoInitiate = true
	m := NewManager(cfg)
	defer m.Close()

	m.HandleUserJoined(carMember("car-1"))
	if sig := signaler.waitFor(t, "offer", time.Second); sig.target != "car-1" {
		t.Fatalf("offer sent to %q, want car-1", sig.target)
	}

	// A second membership event for the same live call must not restart it.
	m.HandleUserJoined(carMember("car-1"))
	time.Sleep(20 * time.Millisecond)
	if got := signaler.countKind("offer"); got != 1 {
		t.Fatalf("offers sent = %d, want 1", got)
	}

	provider.last().signalHealth(HealthConnected)
	waitState(t, m, "car-1", StateConnected)
}

func TestBackoffDelay(t *testing.T) {
	base := 1 * time.Second
	cap := 30 * time.Second
	want := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	for i, w := range want {
		if got := backoffDelay(base, cap, i+1); got != w {
			t.Fatalf("backoffDelay(attempt=%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestStaleTransportHealthIgnored(t *testing.T) {
	provider := &fakeProvider{}
	signaler := newFakeSignaler()
	m := NewManager(controllerConfig(provider, signaler))
	defer m.Close()
	m.SetMembers([]registry.Member{carMember("car-1")})

	if err := m.Initiate("car-1"); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	signaler.waitFor(t, "offer", time.Second)
	stale := provider.last()

	// Restart replaces the transport; the old one's signals must be inert.
	if err := m.Initiate("car-1"); err != nil {
		t.Fatalf("re-initiate: %v", err)
	}
	signaler.waitFor(t, "offer", time.Second)
	fresh := provider.last()
	if stale == fresh {
		t.Fatalf("expected a new transport")
	}

	stale.signalHealth(HealthFailed)
	fresh.signalHealth(HealthConnected)
	waitState(t, m, "car-1", StateConnected)
}
