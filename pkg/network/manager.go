package network

import (
	"errors"
	"log"
	"time"

	"github.com/meshtalk/meshtalk-node/pkg/protocol"
	"github.com/meshtalk/meshtalk-node/pkg/transport"
)

// Connect originates a connection to a peer. No-op when already
// connected or a dial is in flight. The dial completes asynchronously;
// if it is still connecting after ConnectTimeout the peer is marked
// failed and a transient notice is emitted.
func (n *Node) Connect(peerID string) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrNodeClosed
	}
	if n.fatal != nil {
		err := n.fatal
		n.mu.Unlock()
		return err
	}
	if peerID == n.localID {
		n.mu.Unlock()
		return errors.New("cannot connect to self")
	}
	if pc := n.pool.Get(peerID); pc != nil && pc.State == StateConnected {
		n.mu.Unlock()
		return nil
	}
	if _, dialing := n.dials[peerID]; dialing {
		n.mu.Unlock()
		return nil
	}

	n.states[peerID] = StateConnecting
	n.dials[peerID] = time.AfterFunc(n.cfg.ConnectTimeout, func() {
		n.onConnectTimeout(peerID)
	})
	n.mu.Unlock()

	return n.transport.Dial(peerID)
}

// Disconnect closes and removes a peer connection
func (n *Node) Disconnect(peerID string) {
	n.mu.Lock()
	pc := n.pool.Remove(peerID)
	n.states[peerID] = StateDisconnected
	n.cancelDial(peerID)
	n.cancelDeliveryTimers(peerID)
	n.mu.Unlock()

	if pc != nil && pc.Conn != nil {
		pc.Conn.Close()
	}
}

// Send transmits one frame to a connected peer. It reports failure
// synchronously when no open connection exists; it never queues.
func (n *Node) Send(peerID string, frame protocol.Frame) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sendLocked(peerID, frame)
}

// sendLocked encodes, encrypts, and transmits. Caller holds n.mu.
func (n *Node) sendLocked(peerID string, frame protocol.Frame) error {
	if n.closed {
		return ErrNodeClosed
	}
	pc := n.pool.Get(peerID)
	if pc == nil || pc.State != StateConnected || pc.Conn == nil {
		return ErrNotConnected
	}

	data, err := protocol.EncodeFrame(frame)
	if err != nil {
		return err
	}
	if n.cipher != nil {
		data, err = n.cipher.Encrypt(peerID, data)
		if err != nil {
			return err
		}
	}
	return pc.Conn.Send(data)
}

// sendOrQueue transmits now if connected, otherwise queues the frame
// and dials; queued frames flush when the connection opens. Used by
// the room layer, which must reach members it has no connection with
// yet (most notably after a host migration). Caller holds n.mu.
func (n *Node) sendOrQueue(peerID string, frame protocol.Frame) {
	if err := n.sendLocked(peerID, frame); err == nil || !errors.Is(err, ErrNotConnected) {
		return
	}

	data, err := protocol.EncodeFrame(frame)
	if err != nil {
		return
	}
	const maxQueued = 32
	if len(n.queued[peerID]) >= maxQueued {
		log.Printf("⚠️  Outbound queue for %s full, dropping %s", peerID, frame.FrameType())
		return
	}
	n.queued[peerID] = append(n.queued[peerID], data)

	if _, dialing := n.dials[peerID]; !dialing {
		n.states[peerID] = StateConnecting
		n.dials[peerID] = time.AfterFunc(n.cfg.ConnectTimeout, func() {
			n.onConnectTimeout(peerID)
		})
		go n.transport.Dial(peerID)
	}
}

// onConnectTimeout fires when a dial never produced an opened event
func (n *Node) onConnectTimeout(peerID string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, pending := n.dials[peerID]; !pending {
		return
	}
	delete(n.dials, peerID)
	if n.states[peerID] != StateConnecting {
		return
	}
	n.states[peerID] = StateFailed
	delete(n.queued, peerID)

	log.Printf("⚠️  Connection to %s timed out", peerID)
	n.notify(Notice{Kind: NoticeTransientError, PeerID: peerID, Text: "connection timed out"})
}

// handleOpened admits a new connection, evicting the oldest pool entry
// when at capacity. Eviction and admission are one atomic step.
func (n *Node) handleOpened(ev transport.Event) {
	n.mu.Lock()

	n.cancelDial(ev.PeerID)
	_, evicted := n.pool.Admit(ev.PeerID, ev.Conn)
	n.states[ev.PeerID] = StateConnected
	n.markRoomPresence(ev.PeerID, true)

	flush := n.queued[ev.PeerID]
	delete(n.queued, ev.PeerID)
	pc := n.pool.Get(ev.PeerID)
	n.mu.Unlock()

	if evicted != nil {
		log.Printf("🔄 Connection limit reached, evicting oldest peer %s", evicted.PeerID)
		if evicted.Conn != nil {
			evicted.Conn.Close()
		}
		n.mu.Lock()
		n.states[evicted.PeerID] = StateDisconnected
		n.cancelDeliveryTimers(evicted.PeerID)
		n.mu.Unlock()
		n.notify(Notice{Kind: NoticeLimitExceeded, PeerID: evicted.PeerID})
		n.notify(Notice{Kind: NoticePeerDisconnected, PeerID: evicted.PeerID})
	}

	log.Printf("✅ Connected to %s", ev.PeerID)
	n.notify(Notice{Kind: NoticePeerConnected, PeerID: ev.PeerID})

	// Flush frames that were waiting for this connection.
	n.mu.Lock()
	if pc != nil && pc.Conn != nil {
		for _, data := range flush {
			out := data
			if n.cipher != nil {
				var err error
				out, err = n.cipher.Encrypt(ev.PeerID, data)
				if err != nil {
					continue
				}
			}
			if err := pc.Conn.Send(out); err != nil {
				break
			}
		}
	}
	n.mu.Unlock()
}

// handleClosed removes the pool entry and cancels timers scoped to the
// connection so nothing fires against stale state.
func (n *Node) handleClosed(ev transport.Event) {
	n.mu.Lock()

	pc := n.pool.Remove(ev.PeerID)
	if pc == nil && n.states[ev.PeerID] != StateConnecting {
		// Eviction already removed the entry; nothing left to do.
		n.mu.Unlock()
		return
	}
	n.states[ev.PeerID] = StateDisconnected
	n.cancelDial(ev.PeerID)
	n.failPendingMessages(ev.PeerID)
	n.markRoomPresence(ev.PeerID, false)
	delete(n.queued, ev.PeerID)
	n.mu.Unlock()

	log.Printf("Connection to %s closed", ev.PeerID)
	n.notify(Notice{Kind: NoticePeerDisconnected, PeerID: ev.PeerID})
}

// handleErrored distinguishes peer-level dial failures from
// rendezvous-level failures. Identity conflicts are terminal.
func (n *Node) handleErrored(ev transport.Event) {
	if ev.PeerID != "" {
		n.mu.Lock()
		n.cancelDial(ev.PeerID)
		if n.states[ev.PeerID] == StateConnecting {
			n.states[ev.PeerID] = StateFailed
		}
		delete(n.queued, ev.PeerID)
		n.mu.Unlock()

		log.Printf("⚠️  Peer %s unreachable: %v", ev.PeerID, ev.Err)
		n.notify(Notice{Kind: NoticeTransientError, PeerID: ev.PeerID, Err: ev.Err, Text: "peer unreachable"})
		return
	}

	if errors.Is(ev.Err, transport.ErrIdentityTaken) {
		n.mu.Lock()
		n.fatal = ev.Err
		if n.reconn != nil {
			n.reconn.Stop()
			n.reconn = nil
		}
		n.mu.Unlock()

		log.Printf("❌ Identity conflict at rendezvous service: %v", ev.Err)
		n.notify(Notice{Kind: NoticeFatalError, Err: ev.Err, Text: "identity already registered"})
		return
	}

	log.Printf("⚠️  Rendezvous connection lost: %v", ev.Err)
	n.notify(Notice{Kind: NoticeTransientError, Err: ev.Err, Text: "rendezvous connection lost"})

	n.mu.Lock()
	n.scheduleReconnect()
	n.mu.Unlock()
}

// scheduleReconnect arms exactly one pending reconnect attempt.
// Caller holds n.mu.
func (n *Node) scheduleReconnect() {
	if n.closed || n.fatal != nil || n.reconn != nil {
		return
	}
	n.reconn = time.AfterFunc(n.cfg.ReconnectDelay, n.attemptReconnect)
}

func (n *Node) attemptReconnect() {
	n.mu.Lock()
	n.reconn = nil
	if n.closed || n.fatal != nil {
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()

	err := n.transport.Reconnect()
	if err == nil {
		log.Println("✅ Re-registered with rendezvous service")
		return
	}

	if errors.Is(err, transport.ErrIdentityTaken) {
		n.mu.Lock()
		n.fatal = err
		n.mu.Unlock()
		n.notify(Notice{Kind: NoticeFatalError, Err: err, Text: "identity already registered"})
		return
	}

	log.Printf("🔄 Rendezvous reconnect failed, retrying: %v", err)
	n.mu.Lock()
	n.scheduleReconnect()
	n.mu.Unlock()
}

// cancelDial stops a pending connect timeout. Caller holds n.mu.
func (n *Node) cancelDial(peerID string) {
	if t, ok := n.dials[peerID]; ok {
		t.Stop()
		delete(n.dials, peerID)
	}
}
