package transport

import (
	"sync"
)

// Hub is an in-process rendezvous service connecting memory transports.
// It enforces unique identities the way a real rendezvous service does
// and delivers frames in per-connection FIFO order.
type Hub struct {
	mu    sync.Mutex
	peers map[string]*MemTransport
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{peers: make(map[string]*MemTransport)}
}

// Join registers an identity and returns its transport.
// A duplicate identity returns ErrIdentityTaken.
func (h *Hub) Join(id string) (*MemTransport, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.peers[id]; exists {
		return nil, ErrIdentityTaken
	}

	t := &MemTransport{
		hub:    h,
		id:     id,
		events: make(chan Event, 256),
		conns:  make(map[string]*memConn),
	}
	h.peers[id] = t
	return t, nil
}

// Drop forcefully removes a peer from the hub, closing all of its
// connections. Used to simulate a peer dying without notice.
func (h *Hub) Drop(id string) {
	h.mu.Lock()
	t := h.peers[id]
	delete(h.peers, id)
	h.mu.Unlock()

	if t != nil {
		t.closeAll()
	}
}

// FailRendezvous emits a rendezvous-level error to a peer without
// touching its connections. Used to simulate a signaling blip.
func (h *Hub) FailRendezvous(id string, err error) {
	h.mu.Lock()
	t := h.peers[id]
	h.mu.Unlock()

	if t != nil {
		t.emit(Event{Kind: EventErrored, Err: err})
	}
}

func (h *Hub) lookup(id string) *MemTransport {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.peers[id]
}

// MemTransport is a Transport backed by a Hub. It is safe for
// concurrent use; events are delivered in the order they occur.
type MemTransport struct {
	hub *Hub
	id  string

	mu     sync.Mutex
	conns  map[string]*memConn
	events chan Event
	closed bool
}

// LocalID returns the registered identity
func (t *MemTransport) LocalID() string { return t.id }

// Events returns the event stream
func (t *MemTransport) Events() <-chan Event { return t.events }

// Dial opens a connection to a registered peer. Both sides observe an
// Opened event; an unknown peer surfaces as an Errored event.
func (t *MemTransport) Dial(peerID string) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if _, dup := t.conns[peerID]; dup {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	remote := t.hub.lookup(peerID)
	if remote == nil || remote == t {
		t.emit(Event{Kind: EventErrored, PeerID: peerID, Err: ErrPeerUnreachable})
		return nil
	}

	local := &memConn{owner: t, remote: remote, peerID: peerID}
	far := &memConn{owner: remote, remote: t, peerID: t.id}
	local.twin, far.twin = far, local

	t.addConn(peerID, local)
	remote.addConn(t.id, far)

	t.emit(Event{Kind: EventOpened, PeerID: peerID, Conn: local})
	remote.emit(Event{Kind: EventOpened, PeerID: t.id, Conn: far})
	return nil
}

// Reconnect re-registers with the hub if the identity was dropped
func (t *MemTransport) Reconnect() error {
	t.hub.mu.Lock()
	defer t.hub.mu.Unlock()

	if existing, ok := t.hub.peers[t.id]; ok && existing != t {
		return ErrIdentityTaken
	}
	t.hub.peers[t.id] = t
	return nil
}

// Close unregisters from the hub and closes every connection
func (t *MemTransport) Close() error {
	t.hub.mu.Lock()
	if t.hub.peers[t.id] == t {
		delete(t.hub.peers, t.id)
	}
	t.hub.mu.Unlock()

	t.closeAll()

	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

func (t *MemTransport) addConn(peerID string, c *memConn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	// A crossing dial may have raced us; the newest connection wins.
	t.conns[peerID] = c
}

func (t *MemTransport) removeConn(peerID string, c *memConn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conns[peerID] == c {
		delete(t.conns, peerID)
	}
}

func (t *MemTransport) closeAll() {
	t.mu.Lock()
	conns := make([]*memConn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

func (t *MemTransport) emit(ev Event) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return
	}
	t.events <- ev
}

// memConn is one direction endpoint of an in-memory connection pair
type memConn struct {
	owner  *MemTransport
	remote *MemTransport
	twin   *memConn
	peerID string

	mu     sync.Mutex
	closed bool
}

func (c *memConn) PeerID() string { return c.peerID }

// Send delivers one frame to the remote peer's event stream
func (c *memConn) Send(frame []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.mu.Unlock()

	buf := make([]byte, len(frame))
	copy(buf, frame)
	c.remote.emit(Event{Kind: EventData, PeerID: c.owner.id, Payload: buf})
	return nil
}

// Close tears down both endpoints; each side observes a Closed event
func (c *memConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.owner.removeConn(c.peerID, c)
	c.owner.emit(Event{Kind: EventClosed, PeerID: c.peerID})

	c.twin.mu.Lock()
	twinClosed := c.twin.closed
	c.twin.closed = true
	c.twin.mu.Unlock()

	if !twinClosed {
		c.twin.owner.removeConn(c.twin.peerID, c.twin)
		c.twin.owner.emit(Event{Kind: EventClosed, PeerID: c.twin.peerID})
	}
	return nil
}

var _ Transport = (*MemTransport)(nil)
