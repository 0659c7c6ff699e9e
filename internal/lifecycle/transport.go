package lifecycle

import "context"

// Health is a transport-level connection health signal.
type Health string

const (
	HealthConnected    Health = "connected"
	HealthDisconnected Health = "disconnected"
	HealthFailed       Health = "failed"
	HealthClosed       Health = "closed"
)

// State is the lifecycle state of a Call.
type State string

const (
	StateIdle         State = "idle"
	StateNegotiating  State = "negotiating"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
)

// SessionDescription is a minimal, JSON-friendly representation of an SDP
// offer/answer. The lifecycle package models the protocol surface only; no
// WebRTC library types appear here.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Candidate is a trickled ICE candidate in wire form.
type Candidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// TransportOptions selects what the local side attaches when a transport is
// created: media tracks for the video session, or a named data channel for
// the control channel.
type TransportOptions struct {
	Media            bool
	DataChannelLabel string
}

// Transport is one peer connection attempt, owned by a Call. Implementations
// wrap the real negotiation machinery; the fake used in tests wraps none.
//
// CreateOffer and CreateAnswer set the local description as a side effect.
// CreateAnswer requires a prior SetRemoteDescription with the remote offer.
type Transport interface {
	SetRemoteDescription(desc SessionDescription) error
	CreateOffer(ctx context.Context) (SessionDescription, error)
	CreateAnswer(ctx context.Context) (SessionDescription, error)
	AddRemoteCandidate(cand Candidate) error

	// OnLocalCandidate registers the callback invoked for each locally
	// gathered candidate. Must be set before CreateOffer/CreateAnswer.
	OnLocalCandidate(fn func(Candidate))

	// OnHealth registers the health-signal callback. The callback may fire
	// from transport-internal goroutines at any time until Close.
	OnHealth(fn func(Health))

	Close() error
}

// DataChannel is implemented by transports created with a DataChannelLabel.
// The channel opens after negotiation and may close at any point, so callers
// check Ready before every Send.
type DataChannel interface {
	Ready() bool
	Send(data []byte) error
	OnMessage(fn func(data []byte))
}

// Provider creates transports. It is the injected capability boundary that
// keeps retry and state logic testable without a network.
type Provider interface {
	NewTransport(ctx context.Context, opts TransportOptions) (Transport, error)
}

// Signaler sends negotiation payloads to a specific remote peer through the
// relay. Implemented by the relay client.
type Signaler interface {
	SendOffer(targetUserID string, desc SessionDescription) error
	SendAnswer(targetUserID string, desc SessionDescription) error
	SendCandidate(targetUserID string, cand Candidate) error
}
