package network

import (
	"log"

	"github.com/meshtalk/meshtalk-node/pkg/protocol"
)

// NoticeKind classifies application notices
type NoticeKind string

const (
	// Connection lifecycle
	NoticePeerConnected    NoticeKind = "peer_connected"
	NoticePeerDisconnected NoticeKind = "peer_disconnected"
	NoticeLimitExceeded    NoticeKind = "limit_exceeded"
	NoticeTransientError   NoticeKind = "transient_error"
	NoticeFatalError       NoticeKind = "fatal_error"

	// Direct messages
	NoticeMessageReceived NoticeKind = "message_received"
	NoticeMessageStatus   NoticeKind = "message_status"
	NoticeTyping          NoticeKind = "typing"
	NoticePresence        NoticeKind = "presence"

	// History sync
	NoticeSyncRequested NoticeKind = "sync_requested"
	NoticeSyncRejected  NoticeKind = "sync_rejected"
	NoticeSyncCancelled NoticeKind = "sync_cancelled"
	NoticeSyncCompleted NoticeKind = "sync_completed"

	// Rooms
	NoticeRoomMessage     NoticeKind = "room_message"
	NoticeRoomJoined      NoticeKind = "room_joined"
	NoticeRoomJoinFailed  NoticeKind = "room_join_failed"
	NoticeRoomMemberEvent NoticeKind = "room_member_event"
	NoticeRoomHostChanged NoticeKind = "room_host_changed"
	NoticeRoomClosed      NoticeKind = "room_closed"
	NoticeRoomDegraded    NoticeKind = "room_degraded"
)

// Notice is an application-level event. Transient errors are
// dismissible; a fatal error requires choosing a new local identity.
type Notice struct {
	Kind     NoticeKind             `json:"kind"`
	PeerID   string                 `json:"peerId,omitempty"`
	RoomID   string                 `json:"roomId,omitempty"`
	Message  *protocol.ChatMessage  `json:"message,omitempty"`
	Status   protocol.MessageStatus `json:"status,omitempty"`
	IsTyping bool                   `json:"isTyping,omitempty"`
	Text     string                 `json:"text,omitempty"`
	Err      error                  `json:"-"`
}

// Notices returns the channel the caller drains for application events
func (n *Node) Notices() <-chan Notice {
	return n.notices
}

// notify emits without blocking; a full channel drops the notice so
// event handlers never stall on a slow consumer.
func (n *Node) notify(nt Notice) {
	select {
	case n.notices <- nt:
	default:
		log.Printf("⚠️  Notice channel full, dropping %s", nt.Kind)
	}
}
