package lifecycle

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/roverlink/roverlink/internal/metrics"
	"github.com/roverlink/roverlink/internal/registry"
)

// Defaults for the reconnection tuning. These are configuration, not
// protocol; tests and deployments may override them.
const (
	DefaultBaseDelay   = 1 * time.Second
	DefaultCapDelay    = 30 * time.Second
	DefaultMaxAttempts = 5
	DefaultGracePeriod = 10 * time.Second
)

var (
	ErrCallClosed    = errors.New("lifecycle: call closed")
	ErrNoProvider    = errors.New("lifecycle: transport provider not configured")
	ErrNoSignaler    = errors.New("lifecycle: signaler not configured")
	ErrUnknownRemote = errors.New("lifecycle: unknown remote peer")
)

// Config wires a Manager's dependencies and tuning.
type Config struct {
	// LocalRole decides recovery behaviour: only the Controller role
	// re-initiates negotiation after a transport failure.
	LocalRole registry.Role

	// RemoteRole identifies the peer this manager pairs with, used to
	// rediscover a remote that reconnected under a new connection id.
	RemoteRole registry.Role

	Provider Provider
	Signaler Signaler
	Logger   zerolog.Logger
	Metrics  *metrics.Metrics

	// Transport options passed to the Provider for every transport.
	Transport TransportOptions

	// Reconnection tuning. Zero values select the defaults above.
	BaseDelay   time.Duration
	CapDelay    time.Duration
	MaxAttempts int
	GracePeriod time.Duration

	// AutoInitiate starts a call as soon as a RemoteRole peer appears in the
	// room. Only meaningful on the initiating (Controller) side.
	AutoInitiate bool

	// OnStateChange, when set, observes every call state transition.
	OnStateChange func(remoteUserID string, state State)
}

func (cfg Config) withDefaults() Config {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.CapDelay <= 0 {
		cfg.CapDelay = DefaultCapDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	return cfg
}

// Manager owns the calls of one local peer within one room namespace. The
// video session and the control channel each run their own Manager so they
// negotiate and recover independently.
type Manager struct {
	cfg     Config
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	calls   map[string]*Call           // keyed by remote connection id
	members map[string]registry.Member // current room membership, self excluded
	closed  bool
}

func NewManager(cfg Config) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		cfg:     cfg,
		logger:  cfg.Logger.With().Str("component", "lifecycle").Str("local_role", string(cfg.LocalRole)).Logger(),
		metrics: cfg.Metrics,
		calls:   make(map[string]*Call),
		members: make(map[string]registry.Member),
	}
}

// SetMembers replaces the known room membership. Callers pass the joined-room
// listing with their own entry filtered out.
func (m *Manager) SetMembers(members []registry.Member) {
	m.mu.Lock()
	m.members = make(map[string]registry.Member, len(members))
	for _, mem := range members {
		m.members[mem.ID] = mem
	}
	m.mu.Unlock()

	if m.cfg.AutoInitiate {
		for _, mem := range members {
			if mem.Info.Role == m.cfg.RemoteRole {
				m.maybeAutoInitiate(mem)
			}
		}
	}
}

// HandleUserJoined records a membership event and, on the initiating side,
// starts a call toward a newly arrived RemoteRole peer.
func (m *Manager) HandleUserJoined(mem registry.Member) {
	m.mu.Lock()
	m.members[mem.ID] = mem
	m.mu.Unlock()

	if mem.Info.Role == m.cfg.RemoteRole {
		m.maybeAutoInitiate(mem)
	}
}

// HandleUserLeft records a departure. The call, if any, is left to the
// transport health signal: the peer may reconnect under a new id, which the
// reconnection loop resolves by role.
func (m *Manager) HandleUserLeft(userID string) {
	m.mu.Lock()
	delete(m.members, userID)
	m.mu.Unlock()
}

func (m *Manager) maybeAutoInitiate(mem registry.Member) {
	if !m.cfg.AutoInitiate || !m.initiates() {
		return
	}
	m.mu.Lock()
	if existing, ok := m.calls[mem.ID]; ok && existing.State() != StateClosed {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	if err := m.Initiate(mem.ID); err != nil {
		m.logger.Warn().Err(err).Str("remote_id", mem.ID).Msg("auto-initiate failed")
	}
}

// Initiate starts (or restarts) a call toward remoteUserID. Any prior call to
// the same remote id is torn down first.
func (m *Manager) Initiate(remoteUserID string) error {
	if m.cfg.Provider == nil {
		return ErrNoProvider
	}
	if m.cfg.Signaler == nil {
		return ErrNoSignaler
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrCallClosed
	}
	old := m.calls[remoteUserID]
	call := newCall(m, remoteUserID, m.cfg.RemoteRole)
	m.calls[remoteUserID] = call
	m.mu.Unlock()

	if old != nil {
		old.shutdown()
	}
	return call.initiate()
}

// HandleOffer accepts an inbound negotiation offer, creating the call if this
// is the first contact or renegotiating an existing one.
func (m *Manager) HandleOffer(fromUserID string, desc SessionDescription) error {
	if m.cfg.Provider == nil {
		return ErrNoProvider
	}
	if m.cfg.Signaler == nil {
		return ErrNoSignaler
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrCallClosed
	}
	call := m.resolveCallLocked(fromUserID)
	if call == nil {
		call = newCall(m, fromUserID, m.cfg.RemoteRole)
	} else if call.RemoteID() != fromUserID {
		// The remote reconnected under a new connection id; re-key the call.
		delete(m.calls, call.RemoteID())
		call.setRemoteID(fromUserID)
	}
	m.calls[fromUserID] = call
	m.mu.Unlock()

	return call.acceptOffer(desc)
}

// HandleAnswer applies a remote answer to the in-flight negotiation.
func (m *Manager) HandleAnswer(fromUserID string, desc SessionDescription) error {
	call := m.callFor(fromUserID)
	if call == nil {
		return ErrUnknownRemote
	}
	return call.acceptAnswer(desc)
}

// HandleCandidate applies a trickled remote candidate. Candidates racing a
// teardown are dropped silently; the next negotiation re-gathers.
func (m *Manager) HandleCandidate(fromUserID string, cand Candidate) {
	call := m.callFor(fromUserID)
	if call == nil {
		return
	}
	call.addRemoteCandidate(cand)
}

// Hangup explicitly closes the call to remoteUserID. Hangup always wins over
// an in-flight reconnection.
func (m *Manager) Hangup(remoteUserID string) {
	m.mu.Lock()
	call := m.calls[remoteUserID]
	delete(m.calls, remoteUserID)
	m.mu.Unlock()
	if call != nil {
		call.shutdown()
	}
}

// Close hangs up every call and rejects further negotiation.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	calls := make([]*Call, 0, len(m.calls))
	for _, c := range m.calls {
		calls = append(calls, c)
	}
	m.calls = make(map[string]*Call)
	m.mu.Unlock()

	for _, c := range calls {
		c.shutdown()
	}
}

// CallState reports the state of the call to remoteUserID, or StateIdle if
// none exists.
func (m *Manager) CallState(remoteUserID string) State {
	call := m.callFor(remoteUserID)
	if call == nil {
		return StateIdle
	}
	return call.State()
}

// CallByRole returns the call whose remote currently has the manager's
// RemoteRole, if any.
func (m *Manager) CallByRole() *Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.calls {
		if c.remoteRole == m.cfg.RemoteRole && c.State() != StateClosed {
			return c
		}
	}
	return nil
}

func (m *Manager) callFor(remoteUserID string) *Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resolveCallLocked(remoteUserID)
}

// resolveCallLocked finds the call for a remote id, falling back to role
// identity: a peer of the paired role that reconnected under a new id is the
// same logical call.
func (m *Manager) resolveCallLocked(remoteUserID string) *Call {
	if c, ok := m.calls[remoteUserID]; ok {
		return c
	}
	role := m.cfg.RemoteRole
	if mem, ok := m.members[remoteUserID]; ok && mem.Info.Role != "" {
		role = mem.Info.Role
	}
	for _, c := range m.calls {
		if c.remoteRole == role && c.State() != StateClosed {
			return c
		}
	}
	return nil
}

// resolveRemote re-derives the current connection id for a call's remote: the
// original id if still present in the room, otherwise the first member with
// the paired role.
func (m *Manager) resolveRemote(lastKnownID string, role registry.Role) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.members[lastKnownID]; ok {
		return lastKnownID, true
	}
	for id, mem := range m.members {
		if mem.Info.Role == role {
			return id, true
		}
	}
	return "", false
}

// rekey moves a call to a new remote id after role-based rediscovery.
func (m *Manager) rekey(c *Call, oldID, newID string) {
	m.mu.Lock()
	if m.calls[oldID] == c {
		delete(m.calls, oldID)
	}
	m.calls[newID] = c
	m.mu.Unlock()
}

func (m *Manager) initiates() bool {
	return m.cfg.LocalRole == registry.RoleController
}

func (m *Manager) notifyState(remoteUserID string, s State) {
	if m.cfg.OnStateChange != nil {
		m.cfg.OnStateChange(remoteUserID, s)
	}
}
