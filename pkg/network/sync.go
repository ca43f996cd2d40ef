package network

import (
	"log"
	"sort"

	"github.com/meshtalk/meshtalk-node/pkg/protocol"
)

// SyncStatus is the transient state of a history sync handshake
type SyncStatus string

const (
	SyncOutgoing SyncStatus = "outgoing"
	SyncIncoming SyncStatus = "incoming"
)

// SyncSession exists only for the duration of one handshake. At most
// one session is active per conversation.
type SyncSession struct {
	Status       SyncStatus
	TargetPeerID string
	Sent         int
	Received     int
}

// SyncState reports the active session with a peer, or nil when idle
func (n *Node) SyncState(peerID string) *SyncSession {
	n.mu.Lock()
	defer n.mu.Unlock()

	s := n.syncs[peerID]
	if s == nil {
		return nil
	}
	cp := *s
	return &cp
}

// RequestSync opens the three-phase handshake as initiator
func (n *Node) RequestSync(peerID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.syncs[peerID] != nil {
		return ErrSyncActive
	}
	if err := n.sendLocked(peerID, &protocol.SyncRequest{}); err != nil {
		return err
	}
	n.syncs[peerID] = &SyncSession{Status: SyncOutgoing, TargetPeerID: peerID}
	return nil
}

// AcceptSync answers a pending inbound request by sending the full
// local history for the conversation.
func (n *Node) AcceptSync(peerID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	s := n.syncs[peerID]
	if s == nil || s.Status != SyncIncoming {
		return ErrNoSyncSession
	}

	var history []*protocol.ChatMessage
	if conv := n.convs[peerID]; conv != nil {
		history = conv.Messages
	}
	if err := n.sendLocked(peerID, &protocol.SyncDataInitial{Messages: history}); err != nil {
		return err
	}
	s.Status = SyncOutgoing
	s.Sent = len(history)
	return nil
}

// RejectSync declines a pending inbound request
func (n *Node) RejectSync(peerID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	s := n.syncs[peerID]
	if s == nil || s.Status != SyncIncoming {
		return ErrNoSyncSession
	}
	delete(n.syncs, peerID)
	return n.sendLocked(peerID, &protocol.SyncReject{})
}

// CancelSync aborts the handshake before data exchange
func (n *Node) CancelSync(peerID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.syncs[peerID] == nil {
		return ErrNoSyncSession
	}
	delete(n.syncs, peerID)
	return n.sendLocked(peerID, &protocol.SyncCancel{})
}

func (n *Node) handleSyncRequest(peerID string) {
	n.mu.Lock()
	if n.syncs[peerID] != nil {
		// One active session per conversation; drop the extra request.
		n.mu.Unlock()
		return
	}
	n.syncs[peerID] = &SyncSession{Status: SyncIncoming, TargetPeerID: peerID}
	n.mu.Unlock()

	n.notify(Notice{Kind: NoticeSyncRequested, PeerID: peerID})
}

func (n *Node) handleSyncReject(peerID string) {
	n.mu.Lock()
	s := n.syncs[peerID]
	delete(n.syncs, peerID)
	n.mu.Unlock()

	if s != nil {
		n.notify(Notice{Kind: NoticeSyncRejected, PeerID: peerID})
	}
}

func (n *Node) handleSyncCancel(peerID string) {
	n.mu.Lock()
	s := n.syncs[peerID]
	delete(n.syncs, peerID)
	n.mu.Unlock()

	if s != nil {
		n.notify(Notice{Kind: NoticeSyncCancelled, PeerID: peerID})
	}
}

// handleSyncDataInitial runs on the initiator: merge the target's
// history into ours, persist, and reply with the merged set.
func (n *Node) handleSyncDataInitial(peerID string, f *protocol.SyncDataInitial) {
	n.mu.Lock()

	s := n.syncs[peerID]
	if s == nil || s.Status != SyncOutgoing {
		n.mu.Unlock()
		return
	}
	s.Received = len(f.Messages)

	merged := n.mergeConversationLocked(peerID, f.Messages)

	if err := n.sendLocked(peerID, &protocol.SyncDataFinal{Messages: merged}); err != nil {
		log.Printf("⚠️  Failed to send final sync data to %s: %v", peerID, err)
	}
	delete(n.syncs, peerID)
	n.mu.Unlock()

	log.Printf("✅ History sync with %s complete (%d messages)", peerID, len(merged))
	n.notify(Notice{Kind: NoticeSyncCompleted, PeerID: peerID})
}

// handleSyncDataFinal runs on the target: apply the initiator's
// post-merge set with the same merge-and-persist step.
func (n *Node) handleSyncDataFinal(peerID string, f *protocol.SyncDataFinal) {
	n.mu.Lock()

	s := n.syncs[peerID]
	if s == nil || s.Status != SyncOutgoing {
		n.mu.Unlock()
		return
	}

	merged := n.mergeConversationLocked(peerID, f.Messages)
	delete(n.syncs, peerID)
	n.mu.Unlock()

	log.Printf("✅ History sync with %s complete (%d messages)", peerID, len(merged))
	n.notify(Notice{Kind: NoticeSyncCompleted, PeerID: peerID})
}

// mergeConversationLocked merges a remote set into the local
// conversation and persists the result. Caller holds n.mu.
func (n *Node) mergeConversationLocked(peerID string, remote []*protocol.ChatMessage) []*protocol.ChatMessage {
	conv := n.conv(peerID)
	merged := MergeHistories(conv.Messages, remote)

	conv.Messages = merged
	conv.byID = make(map[string]*protocol.ChatMessage, len(merged))
	for _, m := range merged {
		conv.byID[m.ID] = m
	}
	n.persist(peerID, merged...)
	return merged
}

// MergeHistories unions two message sets by id and re-sorts by
// timestamp ascending. Local entries win on duplicate ids. The merge
// is commutative on membership and idempotent: merging the same remote
// set twice yields the same result as merging it once, and no message
// is ever deleted.
func MergeHistories(local, remote []*protocol.ChatMessage) []*protocol.ChatMessage {
	seen := make(map[string]bool, len(local)+len(remote))
	merged := make([]*protocol.ChatMessage, 0, len(local)+len(remote))

	for _, m := range local {
		if m == nil || m.ID == "" || seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		merged = append(merged, m)
	}
	for _, m := range remote {
		if m == nil || m.ID == "" || seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		cp := *m
		merged = append(merged, &cp)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].Timestamp != merged[j].Timestamp {
			return merged[i].Timestamp < merged[j].Timestamp
		}
		return merged[i].ID < merged[j].ID
	})
	return merged
}
