// Package transport defines the adapter boundary between the peer
// engine and whatever carries bytes between peers. Implementations own
// NAT traversal and rendezvous; the engine only sees opened/data/
// closed/errored events and reliable, ordered per-connection delivery.
package transport

import "errors"

var (
	// ErrIdentityTaken means the local identity is already registered at
	// the rendezvous service. Terminal: callers must pick a new identity.
	ErrIdentityTaken = errors.New("identity already registered at rendezvous")

	ErrPeerUnreachable = errors.New("peer unreachable")
	ErrNotConnected    = errors.New("not connected")
	ErrClosed          = errors.New("transport closed")
)

// EventKind classifies transport events
type EventKind int

const (
	EventOpened EventKind = iota
	EventData
	EventClosed
	EventErrored
)

func (k EventKind) String() string {
	switch k {
	case EventOpened:
		return "opened"
	case EventData:
		return "data"
	case EventClosed:
		return "closed"
	case EventErrored:
		return "errored"
	}
	return "unknown"
}

// Conn is one open point-to-point connection. Send delivers frames to
// the remote peer in order.
type Conn interface {
	PeerID() string
	Send(frame []byte) error
	Close() error
}

// Event is a single transport occurrence. Opened carries the new Conn
// (both inbound and outbound). Data carries one complete frame. An
// Errored event with an empty PeerID is a rendezvous-level failure; if
// Err is ErrIdentityTaken it is fatal.
type Event struct {
	Kind    EventKind
	PeerID  string
	Conn    Conn
	Payload []byte
	Err     error
}

// Transport is the adapter the engine drives. Dial completes
// asynchronously: success surfaces as an Opened event, failure as an
// Errored event for the same peer id.
type Transport interface {
	LocalID() string
	Dial(peerID string) error
	Events() <-chan Event
	// Reconnect re-registers with the rendezvous service after a
	// rendezvous-level failure.
	Reconnect() error
	Close() error
}
