// Package protocol defines the typed wire protocol spoken between peers.
//
// Every transport frame carries exactly one JSON object tagged with a
// "type" discriminator. Frames are parsed once, at the dispatcher
// boundary, into a closed set of concrete frame structs; anything that
// does not decode cleanly is dropped by the caller.
package protocol

import (
	"time"

	"github.com/google/uuid"
)

// Frame types
const (
	TypePresence    = "presence"
	TypeTyping      = "typing"
	TypeChatMessage = "chat_message"
	TypeReceipt     = "receipt"

	TypeSyncRequest     = "sync_request"
	TypeSyncReject      = "sync_reject"
	TypeSyncCancel      = "sync_cancel"
	TypeSyncDataInitial = "sync_data_initial"
	TypeSyncDataFinal   = "sync_data_final"

	TypeRoomJoinRequest  = "room_join_request"
	TypeRoomJoinAccept   = "room_join_accept"
	TypeRoomJoinReject   = "room_join_reject"
	TypeRoomMessage      = "room_message"
	TypeRoomMemberJoined = "room_member_joined"
	TypeRoomMemberLeft   = "room_member_left"
	TypeRoomHostChanged  = "room_host_changed"
	TypeRoomClose        = "room_close"
	TypeRoomPing         = "room_ping"
	TypeRoomPong         = "room_pong"
)

// Frame type prefixes routed to external collaborators, never decoded here.
const (
	PrefixFile = "file_"
	PrefixGame = "game_"
)

// MessageStatus represents message delivery status
type MessageStatus string

const (
	MessageStatusSending   MessageStatus = "sending"
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusRead      MessageStatus = "read"
	MessageStatusFailed    MessageStatus = "failed"
)

// MessageType tags the payload kind of a chat message
type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeImage MessageType = "image"
	MessageTypeVideo MessageType = "video"
	MessageTypeFile  MessageType = "file"
)

// FileInfo describes an attachment carried alongside a non-text message
type FileInfo struct {
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType,omitempty"`
}

// ChatMessage is the canonical message record shared by the direct
// pipeline, history sync, rooms, and storage.
type ChatMessage struct {
	ID         string        `json:"id"`
	SenderID   string        `json:"senderId"`
	Content    string        `json:"content"`
	Timestamp  int64         `json:"timestamp"` // unix ms, send time
	ReceivedAt int64         `json:"receivedAt,omitempty"`
	ReadAt     int64         `json:"readAt,omitempty"`
	Status     MessageStatus `json:"status"`
	Type       MessageType   `json:"type"`
	File       *FileInfo     `json:"file,omitempty"`
}

// RoomMember is one participant of a room. Priority is assigned once by
// the host at join time and total-orders host-migration candidates.
type RoomMember struct {
	PeerID   string `json:"peerId"`
	Name     string `json:"name,omitempty"`
	JoinedAt int64  `json:"joinedAt"`
	Priority int    `json:"priority"`
	IsHost   bool   `json:"isHost"`
	IsOnline bool   `json:"isOnline"`
}

// GenerateMessageID generates a unique message identifier
func GenerateMessageID() string {
	return uuid.NewString()
}

// NowUnixMilli returns current time in Unix milliseconds
func NowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
