// Package relayclient is the peer-side counterpart of the signaling relay: a
// websocket client that joins rooms, exchanges negotiation payloads and
// surfaces membership events. It implements lifecycle.Signaler so a Manager
// can be wired straight to it.
package relayclient

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/roverlink/roverlink/internal/lifecycle"
	"github.com/roverlink/roverlink/internal/registry"
	"github.com/roverlink/roverlink/internal/signaling"
)

// wsWriteWait bounds every websocket write so one stuck connection cannot
// wedge the client.
const wsWriteWait = 1 * time.Second

var ErrClosed = errors.New("relayclient: connection closed")

// Handlers receives relay events. Unset fields are skipped. All callbacks run
// on the client's read loop, so they must not block.
type Handlers struct {
	// OnJoinedRoom delivers the join acknowledgement: the connection's own id
	// and the room membership snapshot (self included).
	OnJoinedRoom func(selfID, roomID string, members []registry.Member)

	OnUserJoined func(member registry.Member)
	OnUserLeft   func(userID string)

	OnOffer     func(fromUserID string, desc lifecycle.SessionDescription)
	OnAnswer    func(fromUserID string, desc lifecycle.SessionDescription)
	OnCandidate func(fromUserID string, cand lifecycle.Candidate)

	// OnRemoteControl delivers opaque remote-control actions fanned out to
	// the room.
	OnRemoteControl func(action json.RawMessage)

	// OnChat delivers room text messages.
	OnChat func(fromUserID, text string, timestamp int64)

	// OnRelayError delivers relay-reported protocol errors. The connection
	// stays open after these.
	OnRelayError func(message string)

	// OnDisconnect fires once when the read loop exits.
	OnDisconnect func(err error)
}

// Config for Dial.
type Config struct {
	// URL of the relay websocket endpoint, e.g. ws://host:8080/ws.
	URL      string
	Logger   zerolog.Logger
	Handlers Handlers
}

// Client is a single relay connection. Safe for concurrent sends.
type Client struct {
	cfg    Config
	logger zerolog.Logger
	ws     *websocket.Conn

	writeMu sync.Mutex

	mu     sync.Mutex
	selfID string
	roomID string

	closeOnce sync.Once
	done      chan struct{}
}

// Dial connects to the relay and starts the read loop.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		return nil, err
	}
	c := &Client{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "relayclient").Logger(),
		ws:     ws,
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// SelfID returns the connection id assigned by the relay, known after the
// first joined-room acknowledgement.
func (c *Client) SelfID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selfID
}

// RoomID returns the room this client last joined.
func (c *Client) RoomID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

// Done closes when the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// JoinRoom enters a room, implicitly leaving any previous one.
func (c *Client) JoinRoom(roomID string, info registry.UserInfo) error {
	return c.send(signaling.Event{
		Type:     signaling.EventJoinRoom,
		RoomID:   roomID,
		UserInfo: &info,
	})
}

// LeaveRoom leaves the current room. A no-op on the relay if roomless.
func (c *Client) LeaveRoom() error {
	return c.send(signaling.Event{Type: signaling.EventLeaveRoom})
}

// SendOffer implements lifecycle.Signaler.
func (c *Client) SendOffer(targetUserID string, desc lifecycle.SessionDescription) error {
	payload, err := json.Marshal(desc)
	if err != nil {
		return err
	}
	return c.send(signaling.Event{
		Type:         signaling.EventOffer,
		TargetUserID: targetUserID,
		Offer:        payload,
	})
}

// SendAnswer implements lifecycle.Signaler.
func (c *Client) SendAnswer(targetUserID string, desc lifecycle.SessionDescription) error {
	payload, err := json.Marshal(desc)
	if err != nil {
		return err
	}
	return c.send(signaling.Event{
		Type:         signaling.EventAnswer,
		TargetUserID: targetUserID,
		Answer:       payload,
	})
}

// SendCandidate implements lifecycle.Signaler.
func (c *Client) SendCandidate(targetUserID string, cand lifecycle.Candidate) error {
	payload, err := json.Marshal(cand)
	if err != nil {
		return err
	}
	return c.send(signaling.Event{
		Type:         signaling.EventICECandidate,
		TargetUserID: targetUserID,
		Candidate:    payload,
	})
}

// SendRemoteControl fans an opaque action out to the given room.
func (c *Client) SendRemoteControl(room string, action json.RawMessage) error {
	return c.send(signaling.Event{
		Type:   signaling.EventRemoteControl,
		Room:   room,
		Action: action,
	})
}

// SendChat broadcasts a text message to the current room.
func (c *Client) SendChat(text string) error {
	return c.send(signaling.Event{
		Type:    signaling.EventMessage,
		Message: text,
	})
}

func (c *Client) send(ev signaling.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame and tears the connection down.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	_ = c.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	return c.ws.Close()
}

func (c *Client) readLoop() {
	var loopErr error
	defer func() {
		c.closeOnce.Do(func() { close(c.done) })
		_ = c.ws.Close()
		if c.cfg.Handlers.OnDisconnect != nil {
			c.cfg.Handlers.OnDisconnect(loopErr)
		}
	}()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			loopErr = err
			return
		}
		var ev signaling.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			c.logger.Warn().Err(err).Msg("undecodable relay event")
			continue
		}
		c.dispatch(ev)
	}
}

func (c *Client) dispatch(ev signaling.Event) {
	h := c.cfg.Handlers
	switch ev.Type {
	case signaling.EventJoinedRoom:
		c.mu.Lock()
		c.selfID = ev.UserID
		c.roomID = ev.RoomID
		c.mu.Unlock()
		if h.OnJoinedRoom != nil {
			h.OnJoinedRoom(ev.UserID, ev.RoomID, ev.Users)
		}
	case signaling.EventUserJoined:
		if h.OnUserJoined != nil {
			member := registry.Member{ID: ev.UserID}
			if ev.UserInfo != nil {
				member.Info = *ev.UserInfo
			}
			if ev.JoinedAt != nil {
				member.JoinedAt = *ev.JoinedAt
			}
			h.OnUserJoined(member)
		}
	case signaling.EventUserLeft:
		if h.OnUserLeft != nil {
			h.OnUserLeft(ev.UserID)
		}
	case signaling.EventOffer:
		if h.OnOffer != nil {
			var desc lifecycle.SessionDescription
			if err := json.Unmarshal(ev.Offer, &desc); err != nil {
				c.logger.Warn().Err(err).Msg("undecodable offer payload")
				return
			}
			h.OnOffer(ev.FromUserID, desc)
		}
	case signaling.EventAnswer:
		if h.OnAnswer != nil {
			var desc lifecycle.SessionDescription
			if err := json.Unmarshal(ev.Answer, &desc); err != nil {
				c.logger.Warn().Err(err).Msg("undecodable answer payload")
				return
			}
			h.OnAnswer(ev.FromUserID, desc)
		}
	case signaling.EventICECandidate:
		if h.OnCandidate != nil {
			var cand lifecycle.Candidate
			if err := json.Unmarshal(ev.Candidate, &cand); err != nil {
				c.logger.Warn().Err(err).Msg("undecodable candidate payload")
				return
			}
			h.OnCandidate(ev.FromUserID, cand)
		}
	case signaling.EventRemoteControl:
		if h.OnRemoteControl != nil {
			h.OnRemoteControl(ev.Action)
		}
	case signaling.EventMessage:
		if h.OnChat != nil {
			h.OnChat(ev.FromUserID, ev.Message, ev.Timestamp)
		}
	case signaling.EventError:
		c.logger.Warn().Str("message", ev.Message).Msg("relay error")
		if h.OnRelayError != nil {
			h.OnRelayError(ev.Message)
		}
	default:
		c.logger.Debug().Str("type", string(ev.Type)).Msg("unhandled relay event")
	}
}
