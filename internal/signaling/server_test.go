package signaling

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/roverlink/roverlink/internal/registry"
)

func newTestRelay(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()

	srv := NewServer(Config{Logger: zerolog.Nop()})
	ts := httptest.NewServer(http.HandlerFunc(srv.HandleWebSocket))
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return srv, ts
}

func dialRelay(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendEvent(t *testing.T, conn *websocket.Conn, ev Event) {
	t.Helper()

	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write event: %v", err)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("unmarshal event %q: %v", data, err)
	}
	return ev
}

func expectNoEvent(t *testing.T, conn *websocket.Conn) {
	t.Helper()

	_ = conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	_, data, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("expected no event, got %q", data)
	}
}

// joinRoom joins and returns the relay-assigned connection id.
func joinRoom(t *testing.T, conn *websocket.Conn, roomID string, info registry.UserInfo) string {
	t.Helper()

	sendEvent(t, conn, Event{Type: EventJoinRoom, RoomID: roomID, UserInfo: &info})
	ev := readEvent(t, conn)
	if ev.Type != EventJoinedRoom {
		t.Fatalf("expected joined-room, got %q", ev.Type)
	}
	if ev.RoomID != roomID {
		t.Fatalf("expected roomId %q, got %q", roomID, ev.RoomID)
	}
	if ev.UserID == "" {
		t.Fatalf("expected relay-assigned userId in joined-room")
	}
	return ev.UserID
}

func TestJoinRoom_MembershipAndFanout(t *testing.T) {
	_, ts := newTestRelay(t)

	ctl := dialRelay(t, ts)
	ctlID := joinRoom(t, ctl, "video-room", registry.UserInfo{Name: "ctl", Role: registry.RoleController})

	car := dialRelay(t, ts)
	sendEvent(t, car, Event{Type: EventJoinRoom, RoomID: "video-room", UserInfo: &registry.UserInfo{Name: "car", Role: registry.RoleCar}})

	carJoined := readEvent(t, car)
	if carJoined.Type != EventJoinedRoom || len(carJoined.Users) != 2 {
		t.Fatalf("expected joined-room with 2 users, got %+v", carJoined)
	}
	if carJoined.Users[0].ID != ctlID {
		t.Fatalf("expected controller listed first (join order), got %+v", carJoined.Users)
	}

	userJoined := readEvent(t, ctl)
	if userJoined.Type != EventUserJoined {
		t.Fatalf("expected user-joined at controller, got %q", userJoined.Type)
	}
	if userJoined.UserID != carJoined.UserID {
		t.Fatalf("user-joined id %q does not match joiner id %q", userJoined.UserID, carJoined.UserID)
	}
	if userJoined.UserInfo == nil || userJoined.UserInfo.Role != registry.RoleCar {
		t.Fatalf("expected Car role in user-joined, got %+v", userJoined.UserInfo)
	}
	if userJoined.JoinedAt == nil {
		t.Fatalf("expected joinedAt in user-joined")
	}
}

func TestForward_OfferReachesTargetOnly(t *testing.T) {
	_, ts := newTestRelay(t)

	ctl := dialRelay(t, ts)
	ctlID := joinRoom(t, ctl, "video-room", registry.UserInfo{Role: registry.RoleController})

	car := dialRelay(t, ts)
	carID := joinRoom(t, car, "video-room", registry.UserInfo{Role: registry.RoleCar})
	readEvent(t, ctl) // user-joined for car

	offer := json.RawMessage(`{"type":"offer","sdp":"v=0 test"}`)
	sendEvent(t, ctl, Event{Type: EventOffer, TargetUserID: carID, Offer: offer})

	got := readEvent(t, car)
	if got.Type != EventOffer {
		t.Fatalf("expected offer, got %q", got.Type)
	}
	if got.FromUserID != ctlID {
		t.Fatalf("expected fromUserId %q, got %q", ctlID, got.FromUserID)
	}
	if got.TargetUserID != "" {
		t.Fatalf("expected targetUserId to be stripped")
	}
	if string(got.Offer) != string(offer) {
		t.Fatalf("payload mangled: %s", got.Offer)
	}

	expectNoEvent(t, ctl)
}

func TestForward_UnknownTargetYieldsSingleError(t *testing.T) {
	_, ts := newTestRelay(t)

	ctl := dialRelay(t, ts)
	joinRoom(t, ctl, "video-room", registry.UserInfo{Role: registry.RoleController})

	other := dialRelay(t, ts)
	joinRoom(t, other, "video-room", registry.UserInfo{Role: registry.RoleCar})
	readEvent(t, ctl) // user-joined

	sendEvent(t, ctl, Event{Type: EventICECandidate, TargetUserID: "no-such-user", Candidate: json.RawMessage(`{"candidate":"x"}`)})

	ev := readEvent(t, ctl)
	if ev.Type != EventError {
		t.Fatalf("expected error event, got %q", ev.Type)
	}
	if !strings.Contains(ev.Message, "no-such-user") {
		t.Fatalf("expected error to name the target, got %q", ev.Message)
	}

	// Other connections are unaffected.
	expectNoEvent(t, other)
	expectNoEvent(t, ctl)
}

func TestMessage_RequiresRoomThenBroadcasts(t *testing.T) {
	_, ts := newTestRelay(t)

	roomless := dialRelay(t, ts)
	sendEvent(t, roomless, Event{Type: EventMessage, Message: "hi"})
	if ev := readEvent(t, roomless); ev.Type != EventError {
		t.Fatalf("expected error for roomless message, got %q", ev.Type)
	}

	ctl := dialRelay(t, ts)
	ctlID := joinRoom(t, ctl, "video-room", registry.UserInfo{Role: registry.RoleController})
	car := dialRelay(t, ts)
	joinRoom(t, car, "video-room", registry.UserInfo{Role: registry.RoleCar})
	readEvent(t, ctl) // user-joined

	sendEvent(t, ctl, Event{Type: EventMessage, Message: "ping"})
	got := readEvent(t, car)
	if got.Type != EventMessage || got.Message != "ping" {
		t.Fatalf("unexpected broadcast: %+v", got)
	}
	if got.FromUserID != ctlID {
		t.Fatalf("expected fromUserId %q, got %q", ctlID, got.FromUserID)
	}
	if got.Timestamp == 0 {
		t.Fatalf("expected relay-assigned timestamp")
	}
	expectNoEvent(t, ctl) // sender excluded
}

func TestRemoteControl_OpaqueFanout(t *testing.T) {
	_, ts := newTestRelay(t)

	ctl := dialRelay(t, ts)
	joinRoom(t, ctl, "video-room", registry.UserInfo{Role: registry.RoleController})
	car := dialRelay(t, ts)
	joinRoom(t, car, "video-room", registry.UserInfo{Role: registry.RoleCar})
	readEvent(t, ctl) // user-joined

	action := json.RawMessage(`{"cmd":"restart-stream","level":2}`)
	sendEvent(t, ctl, Event{Type: EventRemoteControl, Room: "video-room", Action: action})

	got := readEvent(t, car)
	if got.Type != EventRemoteControl {
		t.Fatalf("expected remote-control, got %q", got.Type)
	}
	if string(got.Action) != string(action) {
		t.Fatalf("action mangled: %s", got.Action)
	}
	expectNoEvent(t, ctl)
}

func TestLeaveRoom_BroadcastsUserLeft(t *testing.T) {
	_, ts := newTestRelay(t)

	ctl := dialRelay(t, ts)
	joinRoom(t, ctl, "video-room", registry.UserInfo{Role: registry.RoleController})
	car := dialRelay(t, ts)
	carID := joinRoom(t, car, "video-room", registry.UserInfo{Role: registry.RoleCar})
	readEvent(t, ctl) // user-joined

	sendEvent(t, car, Event{Type: EventLeaveRoom})

	left := readEvent(t, ctl)
	if left.Type != EventUserLeft || left.UserID != carID {
		t.Fatalf("expected user-left for %q, got %+v", carID, left)
	}
}

func TestDisconnect_BroadcastsUserLeft(t *testing.T) {
	srv, ts := newTestRelay(t)

	ctl := dialRelay(t, ts)
	joinRoom(t, ctl, "video-room", registry.UserInfo{Role: registry.RoleController})
	car := dialRelay(t, ts)
	carID := joinRoom(t, car, "video-room", registry.UserInfo{Role: registry.RoleCar})
	readEvent(t, ctl) // user-joined

	_ = car.Close()

	left := readEvent(t, ctl)
	if left.Type != EventUserLeft || left.UserID != carID {
		t.Fatalf("expected user-left for %q, got %+v", carID, left)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := srv.Registry().Lookup(carID); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected disconnected user to be removed from registry")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestJoinSecondRoom_ImplicitLeave(t *testing.T) {
	_, ts := newTestRelay(t)

	ctl := dialRelay(t, ts)
	joinRoom(t, ctl, "video-room", registry.UserInfo{Role: registry.RoleController})
	car := dialRelay(t, ts)
	carID := joinRoom(t, car, "video-room", registry.UserInfo{Role: registry.RoleCar})
	readEvent(t, ctl) // user-joined

	joinRoom(t, car, "control-room", registry.UserInfo{Role: registry.RoleCar})

	left := readEvent(t, ctl)
	if left.Type != EventUserLeft || left.UserID != carID {
		t.Fatalf("expected user-left after implicit leave, got %+v", left)
	}
}

func TestMalformedEvent_ConnectionStaysOpen(t *testing.T) {
	_, ts := newTestRelay(t)

	conn := dialRelay(t, ts)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"join-room"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if ev := readEvent(t, conn); ev.Type != EventError {
		t.Fatalf("expected error event, got %+v", ev)
	}

	// The connection is still usable.
	joinRoom(t, conn, "video-room", registry.UserInfo{Role: registry.RoleController})
}
