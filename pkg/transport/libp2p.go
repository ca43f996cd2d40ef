package transport

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/routing"
	"github.com/libp2p/go-libp2p/p2p/discovery/util"
	"github.com/multiformats/go-multiaddr"
)

const (
	// ProtocolID is the chat stream protocol
	ProtocolID = protocol.ID("/meshtalk/chat/1.0.0")

	// rendezvousPrefix namespaces chat identities in the DHT
	rendezvousPrefix = "meshtalk:"

	// maxFrameSize caps a single wire frame
	maxFrameSize = 16 << 20

	discoveryTimeout = 30 * time.Second
)

// LibP2PConfig configures the DHT-backed transport
type LibP2PConfig struct {
	Identity       string
	Port           int
	BootstrapPeers []string
	PrivateKey     crypto.PrivKey // generated when nil
}

// LibP2PTransport implements Transport over a libp2p host. Chat
// identities are advertised as DHT rendezvous points; dialing a chat
// identity resolves it to a libp2p peer first.
type LibP2PTransport struct {
	host      host.Host
	dht       *dht.IpfsDHT
	discovery *routing.RoutingDiscovery
	ctx       context.Context
	cancel    context.CancelFunc

	localID string
	events  chan Event

	mu     sync.Mutex
	conns  map[string]*streamConn // chat identity -> open conn
	closed bool
}

// NewLibP2P creates the transport, joins the DHT, and advertises the
// local identity. ErrIdentityTaken is returned when another live peer
// already advertises the same identity.
func NewLibP2P(ctx context.Context, cfg *LibP2PConfig) (*LibP2PTransport, error) {
	priv := cfg.PrivateKey
	if priv == nil {
		var err error
		priv, _, err = crypto.GenerateEd25519Key(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate key pair: %w", err)
		}
	}

	listenAddr := fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", cfg.Port)
	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(listenAddr),
		libp2p.DefaultTransports,
		libp2p.DefaultMuxers,
		libp2p.DefaultSecurity,
		libp2p.NATPortMap(),
		libp2p.EnableNATService(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	dhtInst, err := dht.New(ctx, h, dht.Mode(dht.ModeServer))
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("failed to create DHT: %w", err)
	}

	tctx, cancel := context.WithCancel(ctx)
	t := &LibP2PTransport{
		host:      h,
		dht:       dhtInst,
		discovery: routing.NewRoutingDiscovery(dhtInst),
		ctx:       tctx,
		cancel:    cancel,
		localID:   cfg.Identity,
		events:    make(chan Event, 256),
		conns:     make(map[string]*streamConn),
	}

	h.SetStreamHandler(ProtocolID, t.handleStream)

	if len(cfg.BootstrapPeers) > 0 {
		if err := t.bootstrap(cfg.BootstrapPeers); err != nil {
			t.Close()
			return nil, err
		}
	}

	if err := t.register(); err != nil {
		t.Close()
		return nil, err
	}

	log.Printf("✅ libp2p host up as %s (%s)", cfg.Identity, h.ID())
	return t, nil
}

func (t *LibP2PTransport) bootstrap(peers []string) error {
	var connected int
	for _, s := range peers {
		maddr, err := multiaddr.NewMultiaddr(s)
		if err != nil {
			log.Printf("⚠️  Invalid bootstrap peer address %s: %v", s, err)
			continue
		}
		info, err := peer.AddrInfoFromP2pAddr(maddr)
		if err != nil {
			log.Printf("⚠️  Failed to parse peer info from %s: %v", s, err)
			continue
		}
		if err := t.host.Connect(t.ctx, *info); err != nil {
			log.Printf("⚠️  Failed to connect to bootstrap peer %s: %v", info.ID, err)
			continue
		}
		connected++
	}
	if connected == 0 {
		return fmt.Errorf("failed to connect to any bootstrap peers")
	}
	if err := t.dht.Bootstrap(t.ctx); err != nil {
		return fmt.Errorf("failed to bootstrap DHT: %w", err)
	}
	log.Printf("Bootstrapped with %d peers", connected)
	return nil
}

// register advertises the local identity, rejecting identities some
// other live peer already holds.
func (t *LibP2PTransport) register() error {
	taken, err := t.identityTaken()
	if err != nil {
		return err
	}
	if taken {
		return ErrIdentityTaken
	}
	util.Advertise(t.ctx, t.discovery, rendezvousPrefix+t.localID)
	return nil
}

func (t *LibP2PTransport) identityTaken() (bool, error) {
	ctx, cancel := context.WithTimeout(t.ctx, discoveryTimeout)
	defer cancel()

	ch, err := t.discovery.FindPeers(ctx, rendezvousPrefix+t.localID)
	if err != nil {
		return false, fmt.Errorf("identity lookup failed: %w", err)
	}
	for info := range ch {
		if info.ID != t.host.ID() && len(info.Addrs) > 0 {
			return true, nil
		}
	}
	return false, nil
}

// LocalID returns the chat identity
func (t *LibP2PTransport) LocalID() string { return t.localID }

// Events returns the transport event stream
func (t *LibP2PTransport) Events() <-chan Event { return t.events }

// Dial resolves peerID through the DHT and opens a chat stream.
// Completion is asynchronous: success surfaces as an Opened event,
// failure as an Errored event for the same peer.
func (t *LibP2PTransport) Dial(peerID string) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if _, open := t.conns[peerID]; open {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	go func() {
		if err := t.dial(peerID); err != nil {
			t.emit(Event{Kind: EventErrored, PeerID: peerID, Err: err})
		}
	}()
	return nil
}

func (t *LibP2PTransport) dial(peerID string) error {
	info, err := t.resolve(t.ctx, peerID)
	if err != nil {
		return err
	}
	if err := t.host.Connect(t.ctx, *info); err != nil {
		return fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
	}
	stream, err := t.host.NewStream(t.ctx, info.ID, ProtocolID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
	}

	// Announce own identity before frames flow.
	if err := writeFrame(stream, mustHello(t.localID)); err != nil {
		stream.Reset()
		return fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
	}

	t.adopt(peerID, stream)
	return nil
}

// resolve finds the libp2p peer currently advertising a chat identity
func (t *LibP2PTransport) resolve(ctx context.Context, peerID string) (*peer.AddrInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()

	ch, err := t.discovery.FindPeers(ctx, rendezvousPrefix+peerID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
	}
	for info := range ch {
		if info.ID != t.host.ID() && len(info.Addrs) > 0 {
			return &info, nil
		}
	}
	return nil, ErrPeerUnreachable
}

// handleStream accepts an inbound chat stream
func (t *LibP2PTransport) handleStream(stream network.Stream) {
	// Read the hello unbuffered so no following frame bytes are lost
	// to a throwaway reader.
	data, err := readFrame(stream)
	if err != nil {
		stream.Reset()
		return
	}
	var h hello
	if err := json.Unmarshal(data, &h); err != nil || h.From == "" {
		stream.Reset()
		return
	}
	t.adopt(h.From, stream)
}

// adopt wraps a stream as a Conn and starts its read loop. An existing
// conn for the same identity is replaced.
func (t *LibP2PTransport) adopt(peerID string, stream network.Stream) {
	c := &streamConn{
		t:      t,
		peerID: peerID,
		stream: stream,
		w:      bufio.NewWriter(stream),
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		stream.Reset()
		return
	}
	if old := t.conns[peerID]; old != nil {
		old.closeLocked()
	}
	t.conns[peerID] = c
	t.mu.Unlock()

	t.emit(Event{Kind: EventOpened, PeerID: peerID, Conn: c})
	go c.readLoop()
}

// Reconnect re-advertises the local identity after a DHT blip
func (t *LibP2PTransport) Reconnect() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.mu.Unlock()
	return t.register()
}

// Close shuts the host and all streams down
func (t *LibP2PTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	for _, c := range t.conns {
		c.closeLocked()
	}
	t.conns = make(map[string]*streamConn)
	t.mu.Unlock()

	t.cancel()
	t.dht.Close()
	return t.host.Close()
}

func (t *LibP2PTransport) emit(ev Event) {
	select {
	case t.events <- ev:
	case <-t.ctx.Done():
	}
}

func (t *LibP2PTransport) drop(c *streamConn) {
	t.mu.Lock()
	if t.conns[c.peerID] == c {
		delete(t.conns, c.peerID)
	}
	closed := t.closed
	t.mu.Unlock()

	if !closed {
		t.emit(Event{Kind: EventClosed, PeerID: c.peerID})
	}
}

var _ Transport = (*LibP2PTransport)(nil)

type hello struct {
	From string `json:"from"`
}

func mustHello(id string) []byte {
	data, _ := json.Marshal(hello{From: id})
	return data
}

// streamConn is one chat stream with length-prefixed frames
type streamConn struct {
	t      *LibP2PTransport
	peerID string
	stream network.Stream

	wmu    sync.Mutex
	w      *bufio.Writer
	closed bool
}

// PeerID returns the remote chat identity
func (c *streamConn) PeerID() string { return c.peerID }

// Send writes one frame. Frames may be ciphertext, so the wire format
// is a 4-byte big-endian length prefix rather than delimited JSON.
func (c *streamConn) Send(data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if c.closed {
		return ErrNotConnected
	}
	if err := writeFrame(c.w, data); err != nil {
		return err
	}
	return c.w.Flush()
}

// Close tears the stream down
func (c *streamConn) Close() error {
	c.wmu.Lock()
	if c.closed {
		c.wmu.Unlock()
		return nil
	}
	c.closed = true
	c.wmu.Unlock()

	err := c.stream.Close()
	c.t.drop(c)
	return err
}

// closeLocked closes without emitting events; transport holds its lock
func (c *streamConn) closeLocked() {
	c.wmu.Lock()
	c.closed = true
	c.wmu.Unlock()
	c.stream.Reset()
}

func (c *streamConn) readLoop() {
	r := bufio.NewReader(c.stream)
	for {
		data, err := readFrame(r)
		if err != nil {
			c.wmu.Lock()
			wasClosed := c.closed
			c.closed = true
			c.wmu.Unlock()

			c.stream.Reset()
			if !wasClosed && err != io.EOF {
				log.Printf("Stream from %s errored: %v", c.peerID, err)
			}
			c.t.drop(c)
			return
		}
		c.t.emit(Event{Kind: EventData, PeerID: c.peerID, Payload: data})
	}
}

func writeFrame(w io.Writer, data []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(data)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if size == 0 || size > maxFrameSize {
		return nil, fmt.Errorf("invalid frame size %d", size)
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}
