// Package signaling implements the relay's WebSocket surface: room
// membership, negotiation forwarding, and broadcast messaging between
// Controller and Car peers.
//
// The relay never interprets negotiation payloads or control data. Offers,
// answers and ICE candidates are opaque blobs routed to a single target
// connection; everything else is room-scoped fan-out backed by the registry.
package signaling
