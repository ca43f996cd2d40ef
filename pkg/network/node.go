// Package network implements the peer session and application-protocol
// engine: it owns live transport connections, multiplexes the typed
// message protocol over them, tracks per-message delivery status,
// reconciles offline history between peers, and elects a replacement
// relay host when a room's host disappears.
//
// All shared state is mutated only while holding Node.mu, one event at
// a time; handlers run to completion before the next event is
// processed. The engine never blocks the caller; suspension happens
// only at scheduled timers and inside the transport's own event loop.
package network

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/meshtalk/meshtalk-node/pkg/protocol"
	"github.com/meshtalk/meshtalk-node/pkg/transport"
)

var (
	ErrNodeClosed    = errors.New("node closed")
	ErrNotConnected  = errors.New("not connected")
	ErrUnknownPeer   = errors.New("unknown peer")
	ErrSyncActive    = errors.New("sync already in progress")
	ErrNoSyncSession = errors.New("no sync session")
	ErrUnknownRoom   = errors.New("unknown room")
	ErrNotRoomHost   = errors.New("not the room host")
)

// MessageStore persists conversation history. The engine treats it as
// best effort; durability guarantees stay with the implementation.
type MessageStore interface {
	SaveMessages(conversationID string, msgs []*protocol.ChatMessage) error
}

// Cipher is the narrow end-to-end encryption boundary. Implementations
// pass payloads through unmodified when no session key exists.
type Cipher interface {
	Encrypt(peerID string, plaintext []byte) ([]byte, error)
	Decrypt(peerID string, payload []byte) ([]byte, error)
}

// ExternalSink receives opaque protocol frames (file transfer, game)
// the dispatcher does not interpret.
type ExternalSink interface {
	HandleFrame(peerID string, frameType string, payload []byte)
}

// deliveryTimer is one pending delivery timeout, scoped to the
// connection it was started on so teardown can cancel it.
type deliveryTimer struct {
	peerID string
	timer  *time.Timer
}

// Conversation is the in-memory message history with one peer
type Conversation struct {
	PeerID   string
	Messages []*protocol.ChatMessage
	byID     map[string]*protocol.ChatMessage
}

// Node is the engine instance. Construct with NewNode, attach optional
// collaborators, then Start.
type Node struct {
	transport transport.Transport
	cfg       Config
	localID   string

	mu      sync.Mutex
	pool    *ConnectionPool
	states  map[string]ConnState
	dials   map[string]*time.Timer // pending connect timeouts
	queued  map[string][][]byte    // frames awaiting an open connection
	convs   map[string]*Conversation
	timers  map[string]*deliveryTimer // message id -> delivery timeout
	syncs   map[string]*SyncSession
	rooms   map[string]*Room
	reconn  *time.Timer
	fatal   error
	closed  bool
	started bool

	store    MessageStore
	cipher   Cipher
	fileSink ExternalSink
	gameSink ExternalSink

	notices chan Notice
	done    chan struct{}
}

// NewNode creates an engine bound to a transport
func NewNode(t transport.Transport, cfg Config) *Node {
	cfg = cfg.withDefaults()
	return &Node{
		transport: t,
		cfg:       cfg,
		localID:   t.LocalID(),
		pool:      NewConnectionPool(cfg.MaxConnections),
		states:    make(map[string]ConnState),
		dials:     make(map[string]*time.Timer),
		queued:    make(map[string][][]byte),
		convs:     make(map[string]*Conversation),
		timers:    make(map[string]*deliveryTimer),
		syncs:     make(map[string]*SyncSession),
		rooms:     make(map[string]*Room),
		notices:   make(chan Notice, cfg.NoticeBuffer),
		done:      make(chan struct{}),
	}
}

// AttachStore attaches a message store for history persistence
func (n *Node) AttachStore(s MessageStore) { n.store = s }

// AttachCipher attaches the end-to-end encryption boundary
func (n *Node) AttachCipher(c Cipher) { n.cipher = c }

// AttachFileSink attaches the handler for file_* frames
func (n *Node) AttachFileSink(s ExternalSink) { n.fileSink = s }

// AttachGameSink attaches the handler for game_* frames
func (n *Node) AttachGameSink(s ExternalSink) { n.gameSink = s }

// LocalID returns the local peer identity
func (n *Node) LocalID() string { return n.localID }

// Start launches the dispatcher loop
func (n *Node) Start() {
	n.mu.Lock()
	if n.started || n.closed {
		n.mu.Unlock()
		return
	}
	n.started = true
	n.mu.Unlock()

	go n.run()
}

// Close stops the dispatcher, cancels all timers, and closes the
// transport. Safe to call more than once.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true

	for _, t := range n.dials {
		t.Stop()
	}
	n.dials = make(map[string]*time.Timer)
	for _, dt := range n.timers {
		dt.timer.Stop()
	}
	n.timers = make(map[string]*deliveryTimer)
	for _, room := range n.rooms {
		room.stopHeartbeat()
	}
	if n.reconn != nil {
		n.reconn.Stop()
		n.reconn = nil
	}
	n.mu.Unlock()

	close(n.done)
	return n.transport.Close()
}

// PeerState reports the connection state machine for a peer
func (n *Node) PeerState(peerID string) ConnState {
	n.mu.Lock()
	defer n.mu.Unlock()

	if pc := n.pool.Get(peerID); pc != nil {
		return pc.State
	}
	if st, ok := n.states[peerID]; ok {
		return st
	}
	return StateNew
}

// Peers returns the ids of all live pool entries
func (n *Node) Peers() []string {
	return n.pool.Peers()
}

// Messages returns a snapshot of the conversation with a peer
func (n *Node) Messages(peerID string) []*protocol.ChatMessage {
	n.mu.Lock()
	defer n.mu.Unlock()

	conv := n.convs[peerID]
	if conv == nil {
		return nil
	}
	out := make([]*protocol.ChatMessage, len(conv.Messages))
	for i, m := range conv.Messages {
		cp := *m
		out[i] = &cp
	}
	return out
}

// FatalErr returns the terminal error, if any (identity conflict)
func (n *Node) FatalErr() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.fatal
}

// conv returns the conversation for a peer, creating it on first use.
// Caller holds n.mu.
func (n *Node) conv(peerID string) *Conversation {
	c := n.convs[peerID]
	if c == nil {
		c = &Conversation{
			PeerID: peerID,
			byID:   make(map[string]*protocol.ChatMessage),
		}
		n.convs[peerID] = c
	}
	return c
}

// persist saves messages through the attached store, best effort.
// Caller holds n.mu.
func (n *Node) persist(peerID string, msgs ...*protocol.ChatMessage) {
	if n.store == nil || len(msgs) == 0 {
		return
	}
	if err := n.store.SaveMessages(ConversationID(n.localID, peerID), msgs); err != nil {
		log.Printf("Failed to save messages to store: %v", err)
	}
}

// ConversationID derives a deterministic conversation id from two peer
// ids, independent of order.
func ConversationID(a, b string) string {
	if a < b {
		return a + "-" + b
	}
	return b + "-" + a
}
