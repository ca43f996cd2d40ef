package network

import (
	"sync"

	"github.com/meshtalk/meshtalk-node/pkg/transport"
)

// ConnState is the per-peer connection state machine
type ConnState string

const (
	StateNew          ConnState = "new"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateDisconnected ConnState = "disconnected"
	StateFailed       ConnState = "failed"
)

// PeerConnection is one live pool entry. JoinOrder is a monotonic
// sequence number; the entry with the smallest value is evicted first.
type PeerConnection struct {
	PeerID    string
	Conn      transport.Conn
	State     ConnState
	JoinOrder uint64
}

// ConnectionPool is the bounded set of live connections. Admission at
// capacity evicts the oldest entry before inserting the new one, as a
// single step from the caller's perspective.
type ConnectionPool struct {
	mu       sync.RWMutex
	cap      int
	nextJoin uint64
	conns    map[string]*PeerConnection
}

// NewConnectionPool creates a pool bounded at max entries
func NewConnectionPool(max int) *ConnectionPool {
	return &ConnectionPool{
		cap:   max,
		conns: make(map[string]*PeerConnection),
	}
}

// Get returns the entry for a peer, or nil
func (p *ConnectionPool) Get(peerID string) *PeerConnection {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.conns[peerID]
}

// Admit inserts a newly opened connection, evicting the oldest entry
// first if the pool is full. The evicted entry (if any) is returned so
// the caller can close its transport handle and emit notifications.
func (p *ConnectionPool) Admit(peerID string, conn transport.Conn) (pc *PeerConnection, evicted *PeerConnection) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// A reopened connection to a known peer replaces its entry in place.
	if existing, ok := p.conns[peerID]; ok {
		existing.Conn = conn
		existing.State = StateConnected
		return existing, nil
	}

	if len(p.conns) >= p.cap {
		evicted = p.oldestLocked()
		if evicted != nil {
			delete(p.conns, evicted.PeerID)
			evicted.State = StateDisconnected
		}
	}

	pc = &PeerConnection{
		PeerID:    peerID,
		Conn:      conn,
		State:     StateConnected,
		JoinOrder: p.nextJoin,
	}
	p.nextJoin++
	p.conns[peerID] = pc
	return pc, evicted
}

// Remove drops a peer's entry and returns it, or nil
func (p *ConnectionPool) Remove(peerID string) *PeerConnection {
	p.mu.Lock()
	defer p.mu.Unlock()

	pc := p.conns[peerID]
	if pc != nil {
		delete(p.conns, peerID)
		pc.State = StateDisconnected
	}
	return pc
}

// Len returns the number of live entries
func (p *ConnectionPool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.conns)
}

// Peers returns the ids of all live entries
func (p *ConnectionPool) Peers() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ids := make([]string, 0, len(p.conns))
	for id := range p.conns {
		ids = append(ids, id)
	}
	return ids
}

func (p *ConnectionPool) oldestLocked() *PeerConnection {
	var oldest *PeerConnection
	for _, pc := range p.conns {
		if oldest == nil || pc.JoinOrder < oldest.JoinOrder {
			oldest = pc
		}
	}
	return oldest
}
