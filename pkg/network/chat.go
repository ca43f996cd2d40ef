package network

import (
	"log"
	"time"

	"github.com/meshtalk/meshtalk-node/pkg/protocol"
)

// SendMessage produces an outbound chat message. On transmit success
// the message is appended at status sent with a delivery timer armed;
// on failure it is appended directly at status failed. The returned
// message reflects the outcome; send errors are not returned.
func (n *Node) SendMessage(peerID, content string, msgType protocol.MessageType, file *protocol.FileInfo) (*protocol.ChatMessage, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil, ErrNodeClosed
	}
	if msgType == "" {
		msgType = protocol.MessageTypeText
	}

	msg := &protocol.ChatMessage{
		ID:        protocol.GenerateMessageID(),
		SenderID:  n.localID,
		Content:   content,
		Timestamp: protocol.NowUnixMilli(),
		Status:    protocol.MessageStatusSending,
		Type:      msgType,
		File:      file,
	}

	frame := &protocol.ChatFrame{
		ID:        msg.ID,
		Content:   msg.Content,
		MsgType:   msg.Type,
		Timestamp: msg.Timestamp,
		File:      msg.File,
	}

	if err := n.sendLocked(peerID, frame); err != nil {
		msg.Status = protocol.MessageStatusFailed
		log.Printf("⚠️  Message %s to %s failed: %v", msg.ID, peerID, err)
	} else {
		msg.Status = protocol.MessageStatusSent
		n.startDeliveryTimer(peerID, msg.ID)
	}

	conv := n.conv(peerID)
	conv.Messages = append(conv.Messages, msg)
	conv.byID[msg.ID] = msg
	n.persist(peerID, msg)

	return msg, nil
}

// Resend reattempts a failed message and restarts a fresh delivery
// timer. This is the only path that moves a message out of failed.
func (n *Node) Resend(peerID, messageID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	conv := n.convs[peerID]
	if conv == nil {
		return ErrUnknownPeer
	}
	msg := conv.byID[messageID]
	if msg == nil {
		return ErrUnknownPeer
	}
	if msg.Status != protocol.MessageStatusFailed {
		return nil
	}

	frame := &protocol.ChatFrame{
		ID:        msg.ID,
		Content:   msg.Content,
		MsgType:   msg.Type,
		Timestamp: msg.Timestamp,
		File:      msg.File,
	}
	if err := n.sendLocked(peerID, frame); err != nil {
		return err
	}

	msg.Status = protocol.MessageStatusSent
	n.startDeliveryTimer(peerID, msg.ID)
	n.persist(peerID, msg)
	n.notify(Notice{Kind: NoticeMessageStatus, PeerID: peerID, Message: msg, Status: msg.Status})
	return nil
}

// MarkRead marks an inbound message as read locally and sends a read
// receipt to its sender.
func (n *Node) MarkRead(peerID, messageID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	conv := n.convs[peerID]
	if conv == nil {
		return ErrUnknownPeer
	}
	msg := conv.byID[messageID]
	if msg == nil {
		return ErrUnknownPeer
	}
	if msg.ReadAt == 0 {
		msg.ReadAt = protocol.NowUnixMilli()
		msg.Status = protocol.MessageStatusRead
		n.persist(peerID, msg)
	}

	return n.sendLocked(peerID, &protocol.Receipt{
		MessageID: messageID,
		Status:    protocol.MessageStatusRead,
		Timestamp: protocol.NowUnixMilli(),
	})
}

// handleChatFrame accepts an inbound direct message, appends it at
// status delivered (deduplicated by id), and acknowledges immediately.
func (n *Node) handleChatFrame(peerID string, f *protocol.ChatFrame) {
	n.mu.Lock()

	if f.ID == "" {
		// Legacy bare-string message: no id on the wire.
		f.ID = protocol.GenerateMessageID()
	}

	conv := n.conv(peerID)
	if _, dup := conv.byID[f.ID]; dup {
		n.mu.Unlock()
		return
	}

	msg := &protocol.ChatMessage{
		ID:         f.ID,
		SenderID:   peerID,
		Content:    f.Content,
		Timestamp:  f.Timestamp,
		ReceivedAt: protocol.NowUnixMilli(),
		Status:     protocol.MessageStatusDelivered,
		Type:       f.MsgType,
		File:       f.File,
	}
	conv.Messages = append(conv.Messages, msg)
	conv.byID[msg.ID] = msg
	n.persist(peerID, msg)

	if err := n.sendLocked(peerID, &protocol.Receipt{
		MessageID: msg.ID,
		Status:    protocol.MessageStatusDelivered,
		Timestamp: msg.ReceivedAt,
	}); err != nil {
		log.Printf("Failed to send delivery receipt to %s: %v", peerID, err)
	}
	n.mu.Unlock()

	n.notify(Notice{Kind: NoticeMessageReceived, PeerID: peerID, Message: msg})
}

// handleReceipt advances a message's delivery status. Status moves
// forward only: a read receipt for a message not yet delivered coerces
// delivered then read in one step, and nothing ever regresses.
func (n *Node) handleReceipt(peerID string, r *protocol.Receipt) {
	n.mu.Lock()

	conv := n.convs[peerID]
	if conv == nil {
		n.mu.Unlock()
		return
	}
	msg := conv.byID[r.MessageID]
	if msg == nil {
		n.mu.Unlock()
		return
	}

	changed := false
	switch r.Status {
	case protocol.MessageStatusDelivered:
		if msg.Status == protocol.MessageStatusSending || msg.Status == protocol.MessageStatusSent {
			msg.Status = protocol.MessageStatusDelivered
			msg.ReceivedAt = r.Timestamp
			changed = true
		}
	case protocol.MessageStatusRead:
		if msg.Status != protocol.MessageStatusRead {
			if msg.ReceivedAt == 0 {
				msg.ReceivedAt = r.Timestamp
			}
			msg.Status = protocol.MessageStatusRead
			msg.ReadAt = r.Timestamp
			changed = true
		}
	}

	if changed {
		n.cancelDeliveryTimer(r.MessageID)
		n.persist(peerID, msg)
	}
	status := msg.Status
	n.mu.Unlock()

	if changed {
		n.notify(Notice{Kind: NoticeMessageStatus, PeerID: peerID, Message: msg, Status: status})
	}
}

// startDeliveryTimer arms the per-message timeout. Caller holds n.mu.
func (n *Node) startDeliveryTimer(peerID, messageID string) {
	if existing, ok := n.timers[messageID]; ok {
		existing.timer.Stop()
	}
	n.timers[messageID] = &deliveryTimer{
		peerID: peerID,
		timer: time.AfterFunc(n.cfg.DeliveryTimeout, func() {
			n.onDeliveryTimeout(peerID, messageID)
		}),
	}
}

// onDeliveryTimeout marks a message failed if no receipt progressed it
// past sent. Firing is idempotent: the arena entry is consumed first.
func (n *Node) onDeliveryTimeout(peerID, messageID string) {
	n.mu.Lock()

	if _, armed := n.timers[messageID]; !armed {
		n.mu.Unlock()
		return
	}
	delete(n.timers, messageID)

	conv := n.convs[peerID]
	if conv == nil {
		n.mu.Unlock()
		return
	}
	msg := conv.byID[messageID]
	if msg == nil || msg.Status != protocol.MessageStatusSent {
		n.mu.Unlock()
		return
	}

	msg.Status = protocol.MessageStatusFailed
	n.persist(peerID, msg)
	n.mu.Unlock()

	log.Printf("⚠️  Message %s to %s timed out without receipt", messageID, peerID)
	n.notify(Notice{Kind: NoticeMessageStatus, PeerID: peerID, Message: msg, Status: protocol.MessageStatusFailed})
}

// cancelDeliveryTimer stops one pending timeout. Caller holds n.mu.
func (n *Node) cancelDeliveryTimer(messageID string) {
	if dt, ok := n.timers[messageID]; ok {
		dt.timer.Stop()
		delete(n.timers, messageID)
	}
}

// cancelDeliveryTimers stops every timeout scoped to a peer's
// connection. Caller holds n.mu.
func (n *Node) cancelDeliveryTimers(peerID string) {
	for id, dt := range n.timers {
		if dt.peerID == peerID {
			dt.timer.Stop()
			delete(n.timers, id)
		}
	}
}

// failPendingMessages cancels timers scoped to a closed connection and
// marks their messages failed: the link is gone, so no receipt can
// arrive for them. Caller holds n.mu.
func (n *Node) failPendingMessages(peerID string) {
	conv := n.convs[peerID]
	for id, dt := range n.timers {
		if dt.peerID != peerID {
			continue
		}
		dt.timer.Stop()
		delete(n.timers, id)

		if conv == nil {
			continue
		}
		if msg := conv.byID[id]; msg != nil && msg.Status == protocol.MessageStatusSent {
			msg.Status = protocol.MessageStatusFailed
			n.persist(peerID, msg)
			n.notify(Notice{Kind: NoticeMessageStatus, PeerID: peerID, Message: msg, Status: protocol.MessageStatusFailed})
		}
	}
}
