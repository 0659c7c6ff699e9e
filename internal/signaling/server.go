package signaling

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/roverlink/roverlink/internal/metrics"
	"github.com/roverlink/roverlink/internal/ratelimit"
	"github.com/roverlink/roverlink/internal/registry"
)

const wsWriteWait = 1 * time.Second

// Config wires together the runtime dependencies for the signaling relay.
type Config struct {
	Registry *registry.Registry
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger
	Clock    ratelimit.Clock

	// Inbound hardening. Zero values select the defaults.
	MaxMessageBytes      int64
	MaxMessagesPerSecond int
}

// Server accepts relay WebSocket connections and routes events between them.
//
// Each connection's inbound events are processed in arrival order on a single
// read loop, so a recipient observes a given sender's events in the order the
// relay received them. Different connections are serviced concurrently;
// membership atomicity lives in the registry.
type Server struct {
	registry *registry.Registry
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	clock    ratelimit.Clock

	maxMessageBytes      int64
	maxMessagesPerSecond int

	mu    sync.Mutex
	conns map[string]*wsConn
}

func NewServer(cfg Config) *Server {
	m := cfg.Metrics
	if m == nil {
		m = metrics.New()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = ratelimit.RealClock{}
	}
	maxBytes := cfg.MaxMessageBytes
	if maxBytes <= 0 {
		maxBytes = 64 * 1024
	}
	maxPerSecond := cfg.MaxMessagesPerSecond
	if maxPerSecond <= 0 {
		maxPerSecond = 200
	}
	reg := cfg.Registry
	if reg == nil {
		reg = registry.New(clock)
	}
	return &Server{
		registry:             reg,
		metrics:              m,
		logger:               cfg.Logger.With().Str("component", "signaling").Logger(),
		clock:                clock,
		maxMessageBytes:      maxBytes,
		maxMessagesPerSecond: maxPerSecond,
		conns:                make(map[string]*wsConn),
	}
}

func (s *Server) Registry() *registry.Registry { return s.registry }
func (s *Server) Metrics() *metrics.Metrics    { return s.metrics }

// HandleWebSocket upgrades the request and runs the connection's read loop
// until the peer disconnects.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		// Origin checks are enforced by the outer HTTP middleware; unit tests
		// connect directly.
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &wsConn{
		srv:  s,
		id:   uuid.NewString(),
		conn: conn,
		limiter: ratelimit.NewTokenBucket(
			s.clock,
			int64(s.maxMessagesPerSecond),
			int64(s.maxMessagesPerSecond),
		),
	}
	c.logger = s.logger.With().Str("conn_id", c.id).Logger()

	s.registry.Connect(c.id)
	s.track(c)
	s.metrics.Inc(metrics.RelayConnections)
	c.logger.Info().Msg("peer connected")

	c.run()
}

// Close tears down all live connections.
func (s *Server) Close() {
	s.mu.Lock()
	conns := make([]*wsConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.conn.Close()
	}
}

func (s *Server) track(c *wsConn) {
	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()
}

func (s *Server) untrack(id string) {
	s.mu.Lock()
	delete(s.conns, id)
	s.mu.Unlock()
}

func (s *Server) conn(id string) *wsConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[id]
}

// broadcastToRoom delivers ev to every current member of roomID except the
// connection identified by exceptID.
func (s *Server) broadcastToRoom(roomID, exceptID string, ev Event) {
	members, ok := s.registry.Members(roomID)
	if !ok {
		return
	}
	for _, m := range members {
		if m.ID == exceptID {
			continue
		}
		if c := s.conn(m.ID); c != nil {
			_ = c.send(ev)
		}
	}
}

type wsConn struct {
	srv    *Server
	id     string
	conn   *websocket.Conn
	logger zerolog.Logger

	limiter *ratelimit.TokenBucket

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (c *wsConn) run() {
	defer c.teardown()

	c.conn.SetReadLimit(c.srv.maxMessageBytes)

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		// Consume the message before applying the rate limit so the TCP
		// receive buffer is drained; closing with unread data can turn into an
		// abortive close and hide the close reason from the peer.
		if !c.limiter.Allow(1) {
			c.srv.metrics.Inc(metrics.RelayRateLimited)
			c.sendError("rate limit exceeded")
			c.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			c.protocolError("expected text message")
			continue
		}

		ev, err := ParseClientEvent(data)
		if err != nil {
			c.protocolError(err.Error())
			continue
		}

		c.dispatch(ev)
	}
}

// dispatch handles one validated client event. Protocol and routing failures
// produce an error event to this connection only; the connection stays open.
func (c *wsConn) dispatch(ev Event) {
	switch ev.Type {
	case EventJoinRoom:
		c.handleJoinRoom(ev)
	case EventLeaveRoom:
		c.handleLeaveRoom()
	case EventOffer, EventAnswer, EventICECandidate:
		c.handleForward(ev)
	case EventRemoteControl:
		c.handleRemoteControl(ev)
	case EventMessage:
		c.handleMessage(ev)
	}
}

func (c *wsConn) handleJoinRoom(ev Event) {
	var info registry.UserInfo
	if ev.UserInfo != nil {
		info = *ev.UserInfo
	}

	// The registry removes any other membership as part of Join; remember the
	// old room so it sees a user-left before the new room sees a user-joined.
	prev, _ := c.srv.registry.Lookup(c.id)

	members := c.srv.registry.Join(ev.RoomID, c.id, info)
	if prev.Room != "" && prev.Room != ev.RoomID {
		c.srv.broadcastToRoom(prev.Room, c.id, Event{Type: EventUserLeft, UserID: c.id})
	}
	c.srv.metrics.Inc(metrics.RelayRoomJoins)
	c.logger.Info().
		Str("room_id", ev.RoomID).
		Str("role", string(info.Role)).
		Int("members", len(members)).
		Msg("peer joined room")

	_ = c.send(Event{
		Type:   EventJoinedRoom,
		RoomID: ev.RoomID,
		UserID: c.id,
		Users:  members,
	})

	joinedAt := c.joinedAt(members)
	c.srv.broadcastToRoom(ev.RoomID, c.id, Event{
		Type:     EventUserJoined,
		UserID:   c.id,
		UserInfo: &info,
		JoinedAt: joinedAt,
	})
}

func (c *wsConn) joinedAt(members []registry.Member) *time.Time {
	for i := range members {
		if members[i].ID == c.id {
			t := members[i].JoinedAt
			return &t
		}
	}
	return nil
}

func (c *wsConn) handleLeaveRoom() {
	roomID, _ := c.srv.registry.Leave(c.id)
	if roomID == "" {
		return
	}
	c.logger.Info().Str("room_id", roomID).Msg("peer left room")
	c.srv.broadcastToRoom(roomID, c.id, Event{Type: EventUserLeft, UserID: c.id})
}

func (c *wsConn) handleForward(ev Event) {
	target := c.srv.conn(ev.TargetUserID)
	if target == nil {
		c.srv.metrics.Inc(metrics.RelayForwardUnknown)
		c.sendError("unknown target user " + ev.TargetUserID)
		return
	}
	// Forwarding failures are not retried here; recovery is the lifecycle
	// manager's job on the peers.
	_ = target.send(ev.forwarded(c.id))
	c.srv.metrics.Inc(metrics.RelayForwards)
}

func (c *wsConn) handleRemoteControl(ev Event) {
	// Opaque fan-out: the relay does not interpret or validate the action.
	c.srv.broadcastToRoom(ev.Room, c.id, Event{
		Type:   EventRemoteControl,
		Action: ev.Action,
		Room:   ev.Room,
	})
}

func (c *wsConn) handleMessage(ev Event) {
	u, ok := c.srv.registry.Lookup(c.id)
	if !ok || u.Room == "" {
		c.sendError("not in a room")
		return
	}
	c.srv.broadcastToRoom(u.Room, c.id, Event{
		Type:       EventMessage,
		FromUserID: c.id,
		Message:    ev.Message,
		Timestamp:  c.srv.clock.Now().UnixMilli(),
	})
}

func (c *wsConn) teardown() {
	c.closeOnce.Do(func() {
		roomID := c.srv.registry.Disconnect(c.id)
		c.srv.untrack(c.id)
		if roomID != "" {
			c.srv.broadcastToRoom(roomID, c.id, Event{Type: EventUserLeft, UserID: c.id})
		}
		c.logger.Info().Msg("peer disconnected")
		_ = c.conn.Close()
	})
}

func (c *wsConn) protocolError(msg string) {
	c.srv.metrics.Inc(metrics.RelayProtocolErrors)
	c.logger.Warn().Str("reason", msg).Msg("protocol error")
	c.sendError(msg)
}

func (c *wsConn) sendError(msg string) {
	_ = c.send(Event{Type: EventError, Message: msg})
}

func (c *wsConn) send(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) closeWith(code int, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}
