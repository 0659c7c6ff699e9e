// Package registry is the in-memory store of rooms and connected users.
//
// It has no network or protocol knowledge; the signaling relay owns the wire
// protocol and calls into the registry for all membership bookkeeping. A user
// belongs to at most one room at a time, and a room with zero members never
// persists: it is deleted when its last member leaves and transparently
// recreated on the next join.
package registry

import (
	"sync"
	"time"

	"github.com/roverlink/roverlink/internal/ratelimit"
)

// Role is the declared role of a peer. The relay never interprets roles; the
// peer runtime uses them to decide who initiates negotiation and to rediscover
// a remote peer that reconnected under a new connection id.
type Role string

const (
	RoleController Role = "Controller"
	RoleCar        Role = "Car"
	RolePi         Role = "Pi"
)

// UserInfo is the peer-declared description sent with join-room.
type UserInfo struct {
	Name string `json:"name,omitempty"`
	Role Role   `json:"role,omitempty"`
}

// User is a live relay connection. Users are created on connect and destroyed
// on disconnect; the id is relay-assigned and unique per live connection.
type User struct {
	ID       string
	Info     UserInfo
	Room     string // empty when not in a room
	JoinedAt time.Time
}

// Member is a point-in-time view of a room member, in join order.
type Member struct {
	ID       string    `json:"id"`
	Info     UserInfo  `json:"userInfo"`
	JoinedAt time.Time `json:"joinedAt"`
}

// RoomSummary is the read-only view served by the rooms endpoints.
type RoomSummary struct {
	RoomID    string    `json:"roomId"`
	UserCount int       `json:"userCount"`
	CreatedAt time.Time `json:"createdAt"`
}

type room struct {
	createdAt time.Time
	members   []string // join order, used only for listing
}

// Registry tracks users and rooms. All mutations are atomic with respect to
// concurrent joins/leaves on the same room; a single mutex is sufficient at
// the scale of a two-peer session relay.
type Registry struct {
	clock ratelimit.Clock

	mu    sync.RWMutex
	users map[string]*User
	rooms map[string]*room
}

func New(clock ratelimit.Clock) *Registry {
	if clock == nil {
		clock = ratelimit.RealClock{}
	}
	return &Registry{
		clock: clock,
		users: make(map[string]*User),
		rooms: make(map[string]*room),
	}
}

// Connect creates a user for a new relay connection.
func (r *Registry) Connect(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[id]; ok {
		return
	}
	r.users[id] = &User{ID: id}
}

// Join adds the user to roomID, creating the room if absent and leaving any
// current room first (no dual-room membership). It records info on the user
// and returns the room's full membership after the join, in join order.
//
// Joining a room the user is unknown to the registry for is treated as a
// connect followed by a join, so callers need not order Connect/Join.
func (r *Registry) Join(roomID, userID string, info UserInfo) []Member {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[userID]
	if !ok {
		u = &User{ID: userID}
		r.users[userID] = u
	}

	if u.Room != "" && u.Room != roomID {
		r.removeFromRoomLocked(u)
	}

	u.Info = info

	rm, ok := r.rooms[roomID]
	if !ok {
		rm = &room{createdAt: now}
		r.rooms[roomID] = rm
	}

	if u.Room != roomID {
		rm.members = append(rm.members, userID)
		u.Room = roomID
		u.JoinedAt = now
	}

	return r.membersLocked(roomID)
}

// Leave removes the user from its current room. It returns the room left
// (empty if the user was roomless) and whether that room still exists after
// the removal. Unknown users are a no-op, not an error.
func (r *Registry) Leave(userID string) (roomID string, roomExists bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[userID]
	if !ok || u.Room == "" {
		return "", false
	}
	roomID = u.Room
	r.removeFromRoomLocked(u)
	_, roomExists = r.rooms[roomID]
	return roomID, roomExists
}

// Disconnect removes the user from whatever room it occupies and destroys it.
// It returns the room the user was removed from, if any. Idempotent.
func (r *Registry) Disconnect(userID string) (roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[userID]
	if !ok {
		return ""
	}
	roomID = u.Room
	if roomID != "" {
		r.removeFromRoomLocked(u)
	}
	delete(r.users, userID)
	return roomID
}

// Lookup returns a copy of the user with the given connection id.
func (r *Registry) Lookup(userID string) (User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[userID]
	if !ok {
		return User{}, false
	}
	return *u, true
}

// Members returns the membership of roomID in join order, and whether the
// room exists.
func (r *Registry) Members(roomID string) ([]Member, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.rooms[roomID]; !ok {
		return nil, false
	}
	return r.membersLocked(roomID), true
}

// ListRooms returns summaries for all live rooms.
func (r *Registry) ListRooms() []RoomSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]RoomSummary, 0, len(r.rooms))
	for name, rm := range r.rooms {
		out = append(out, RoomSummary{
			RoomID:    name,
			UserCount: len(rm.members),
			CreatedAt: rm.createdAt,
		})
	}
	return out
}

// Counts returns the number of live rooms and users, for the health endpoint.
func (r *Registry) Counts() (rooms, users int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms), len(r.users)
}

func (r *Registry) membersLocked(roomID string) []Member {
	rm := r.rooms[roomID]
	out := make([]Member, 0, len(rm.members))
	for _, id := range rm.members {
		u := r.users[id]
		out = append(out, Member{ID: u.ID, Info: u.Info, JoinedAt: u.JoinedAt})
	}
	return out
}

func (r *Registry) removeFromRoomLocked(u *User) {
	rm, ok := r.rooms[u.Room]
	if ok {
		for i, id := range rm.members {
			if id == u.ID {
				rm.members = append(rm.members[:i], rm.members[i+1:]...)
				break
			}
		}
		if len(rm.members) == 0 {
			delete(r.rooms, u.Room)
		}
	}
	u.Room = ""
}
