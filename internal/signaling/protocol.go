package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/roverlink/roverlink/internal/registry"
)

// EventType is the verb of a relay wire event.
type EventType string

const (
	// Client -> relay.
	EventJoinRoom      EventType = "join-room"
	EventLeaveRoom     EventType = "leave-room"
	EventOffer         EventType = "offer"
	EventAnswer        EventType = "answer"
	EventICECandidate  EventType = "ice-candidate"
	EventRemoteControl EventType = "remote-control"
	EventMessage       EventType = "message"

	// Relay -> client.
	EventJoinedRoom EventType = "joined-room"
	EventUserJoined EventType = "user-joined"
	EventUserLeft   EventType = "user-left"
	EventError      EventType = "error"
)

// Event is the single JSON envelope used for all relay traffic in both
// directions. Which fields are populated depends on Type; Validate enforces
// the per-verb shape for client events.
//
// The negotiation payloads (Offer/Answer/Candidate) and the remote-control
// Action are deliberately json.RawMessage: the relay forwards them untouched.
type Event struct {
	Type EventType `json:"type"`

	// join-room / joined-room.
	RoomID   string             `json:"roomId,omitempty"`
	UserInfo *registry.UserInfo `json:"userInfo,omitempty"`
	Users    []registry.Member  `json:"users,omitempty"`

	// Unicast forwarding. TargetUserID is set by the sender and stripped on
	// delivery; FromUserID is set by the relay on delivery.
	TargetUserID string `json:"targetUserId,omitempty"`
	FromUserID   string `json:"fromUserId,omitempty"`

	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`

	// remote-control.
	Action json.RawMessage `json:"action,omitempty"`
	Room   string          `json:"room,omitempty"`

	// user-joined / user-left / joined-room (the joining connection's own id).
	UserID   string     `json:"userId,omitempty"`
	JoinedAt *time.Time `json:"joinedAt,omitempty"`

	// message broadcast and error reporting.
	Message   string `json:"message,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"` // ms since epoch, relay-assigned
}

// ParseClientEvent decodes and validates an inbound client event.
//
// Parsing is strict: unknown fields and trailing data are protocol errors, so
// malformed peers fail loudly instead of being half-routed.
func ParseClientEvent(data []byte) (Event, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var ev Event
	if err := dec.Decode(&ev); err != nil {
		return Event{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Event{}, fmt.Errorf("unexpected trailing data")
	}
	if err := ev.Validate(); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// Validate checks the per-verb shape of a client event.
func (ev Event) Validate() error {
	switch ev.Type {
	case EventJoinRoom:
		if ev.RoomID == "" {
			return fmt.Errorf("join-room requires roomId")
		}
	case EventLeaveRoom:
		// No required fields; leaving while roomless is a no-op.
	case EventOffer:
		if ev.TargetUserID == "" {
			return fmt.Errorf("offer requires targetUserId")
		}
		if len(ev.Offer) == 0 {
			return fmt.Errorf("offer requires an offer payload")
		}
	case EventAnswer:
		if ev.TargetUserID == "" {
			return fmt.Errorf("answer requires targetUserId")
		}
		if len(ev.Answer) == 0 {
			return fmt.Errorf("answer requires an answer payload")
		}
	case EventICECandidate:
		if ev.TargetUserID == "" {
			return fmt.Errorf("ice-candidate requires targetUserId")
		}
		if len(ev.Candidate) == 0 {
			return fmt.Errorf("ice-candidate requires a candidate payload")
		}
	case EventRemoteControl:
		if ev.Room == "" {
			return fmt.Errorf("remote-control requires room")
		}
	case EventMessage:
		if ev.Message == "" {
			return fmt.Errorf("message requires message text")
		}
	default:
		return fmt.Errorf("unsupported event type %q", ev.Type)
	}
	return nil
}

// forwarded returns the delivery form of a unicast negotiation event: the
// same verb and payload with targetUserId stripped and the sender id added.
func (ev Event) forwarded(fromUserID string) Event {
	out := Event{
		Type:       ev.Type,
		FromUserID: fromUserID,
		Offer:      ev.Offer,
		Answer:     ev.Answer,
		Candidate:  ev.Candidate,
	}
	return out
}
