package protocol

import (
	"encoding/json"
	"errors"
	"strings"
)

var (
	ErrUnknownType    = errors.New("unknown frame type")
	ErrMalformedFrame = errors.New("malformed frame")
)

// Frame is the closed union of protocol frames. Only types in this
// package implement it.
type Frame interface {
	FrameType() string
}

// ===== SIGNALS =====

// Presence announces online status. Pure signal, no acknowledgment.
type Presence struct {
	Type   string `json:"type"`
	Status string `json:"status"`
}

// Typing announces typing state. Pure signal, no acknowledgment.
type Typing struct {
	Type     string `json:"type"`
	IsTyping bool   `json:"isTyping"`
}

// ===== DIRECT MESSAGES =====

// ChatFrame carries a direct 1-to-1 chat message
type ChatFrame struct {
	Type      string      `json:"type"`
	ID        string      `json:"id"`
	Content   string      `json:"content"`
	MsgType   MessageType `json:"msgType,omitempty"`
	Timestamp int64       `json:"timestamp"`
	File      *FileInfo   `json:"file,omitempty"`
}

// Receipt acknowledges delivery or read of a direct message
type Receipt struct {
	Type      string        `json:"type"`
	MessageID string        `json:"messageId"`
	Status    MessageStatus `json:"status"` // delivered or read
	Timestamp int64         `json:"timestamp"`
}

// ===== HISTORY SYNC =====

// SyncRequest opens the three-phase history sync handshake
type SyncRequest struct {
	Type string `json:"type"`
}

// SyncReject declines a pending sync request
type SyncReject struct {
	Type string `json:"type"`
}

// SyncCancel aborts a sync before data exchange
type SyncCancel struct {
	Type string `json:"type"`
}

// SyncDataInitial carries the target's full local history
type SyncDataInitial struct {
	Type     string         `json:"type"`
	Messages []*ChatMessage `json:"messages"`
}

// SyncDataFinal carries the initiator's post-merge set back
type SyncDataFinal struct {
	Type     string         `json:"type"`
	Messages []*ChatMessage `json:"messages"`
}

// ===== ROOMS =====

// RoomJoinRequest asks a room's host for admission
type RoomJoinRequest struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
	Name   string `json:"name,omitempty"`
}

// RoomJoinAccept admits a member, carrying the authoritative room state
type RoomJoinAccept struct {
	Type         string         `json:"type"`
	RoomID       string         `json:"roomId"`
	RoomName     string         `json:"roomName"`
	HostID       string         `json:"hostId"`
	OriginalHost string         `json:"originalHostId"`
	Members      []*RoomMember  `json:"members"`
	Messages     []*ChatMessage `json:"messages"`
	YourPriority int            `json:"yourPriority"`
}

// RoomJoinReject declines admission (typically room at capacity)
type RoomJoinReject struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
	Reason string `json:"reason,omitempty"`
}

// RoomMessage is a chat message relayed through the room host.
// SenderID is tagged by the host on rebroadcast; members sending to the
// host leave it set to their own id.
type RoomMessage struct {
	Type      string      `json:"type"`
	RoomID    string      `json:"roomId"`
	MessageID string      `json:"messageId"`
	SenderID  string      `json:"senderId"`
	Content   string      `json:"content"`
	MsgType   MessageType `json:"msgType,omitempty"`
	Timestamp int64       `json:"timestamp"`
	File      *FileInfo   `json:"file,omitempty"`
}

// RoomMemberJoined is broadcast by the host when a member is admitted
type RoomMemberJoined struct {
	Type   string      `json:"type"`
	RoomID string      `json:"roomId"`
	Member *RoomMember `json:"member"`
}

// RoomMemberLeft is sent member-to-host on leave, then host-to-members
type RoomMemberLeft struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
	PeerID string `json:"peerId"`
}

// RoomHostChanged is pushed by a self-promoted host after migration
type RoomHostChanged struct {
	Type      string        `json:"type"`
	RoomID    string        `json:"roomId"`
	NewHostID string        `json:"newHostId"`
	Members   []*RoomMember `json:"members"`
}

// RoomClose is broadcast by a host tearing the room down
type RoomClose struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
}

// RoomPing is the member-to-host heartbeat
type RoomPing struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
}

// RoomPong is the host's heartbeat reply
type RoomPong struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
}

// External wraps a frame destined for an external collaborator
// (file transfer, game). The payload is forwarded undecoded.
type External struct {
	Type string
	Raw  []byte
}

func (f *Presence) FrameType() string         { return TypePresence }
func (f *Typing) FrameType() string           { return TypeTyping }
func (f *ChatFrame) FrameType() string        { return TypeChatMessage }
func (f *Receipt) FrameType() string          { return TypeReceipt }
func (f *SyncRequest) FrameType() string      { return TypeSyncRequest }
func (f *SyncReject) FrameType() string       { return TypeSyncReject }
func (f *SyncCancel) FrameType() string       { return TypeSyncCancel }
func (f *SyncDataInitial) FrameType() string  { return TypeSyncDataInitial }
func (f *SyncDataFinal) FrameType() string    { return TypeSyncDataFinal }
func (f *RoomJoinRequest) FrameType() string  { return TypeRoomJoinRequest }
func (f *RoomJoinAccept) FrameType() string   { return TypeRoomJoinAccept }
func (f *RoomJoinReject) FrameType() string   { return TypeRoomJoinReject }
func (f *RoomMessage) FrameType() string      { return TypeRoomMessage }
func (f *RoomMemberJoined) FrameType() string { return TypeRoomMemberJoined }
func (f *RoomMemberLeft) FrameType() string   { return TypeRoomMemberLeft }
func (f *RoomHostChanged) FrameType() string  { return TypeRoomHostChanged }
func (f *RoomClose) FrameType() string        { return TypeRoomClose }
func (f *RoomPing) FrameType() string         { return TypeRoomPing }
func (f *RoomPong) FrameType() string         { return TypeRoomPong }
func (f *External) FrameType() string         { return f.Type }

// envelope is the minimal shape peeked at before full decoding
type envelope struct {
	Type string `json:"type"`
}

// EncodeFrame serializes a frame, stamping its type discriminator
func EncodeFrame(f Frame) ([]byte, error) {
	switch v := f.(type) {
	case *Presence:
		v.Type = TypePresence
	case *Typing:
		v.Type = TypeTyping
	case *ChatFrame:
		v.Type = TypeChatMessage
	case *Receipt:
		v.Type = TypeReceipt
	case *SyncRequest:
		v.Type = TypeSyncRequest
	case *SyncReject:
		v.Type = TypeSyncReject
	case *SyncCancel:
		v.Type = TypeSyncCancel
	case *SyncDataInitial:
		v.Type = TypeSyncDataInitial
	case *SyncDataFinal:
		v.Type = TypeSyncDataFinal
	case *RoomJoinRequest:
		v.Type = TypeRoomJoinRequest
	case *RoomJoinAccept:
		v.Type = TypeRoomJoinAccept
	case *RoomJoinReject:
		v.Type = TypeRoomJoinReject
	case *RoomMessage:
		v.Type = TypeRoomMessage
	case *RoomMemberJoined:
		v.Type = TypeRoomMemberJoined
	case *RoomMemberLeft:
		v.Type = TypeRoomMemberLeft
	case *RoomHostChanged:
		v.Type = TypeRoomHostChanged
	case *RoomClose:
		v.Type = TypeRoomClose
	case *RoomPing:
		v.Type = TypeRoomPing
	case *RoomPong:
		v.Type = TypeRoomPong
	case *External:
		return v.Raw, nil
	default:
		return nil, ErrUnknownType
	}
	return json.Marshal(f)
}

// DecodeFrame parses one wire frame into its concrete type. Unknown
// types return ErrUnknownType; structurally invalid payloads return
// ErrMalformedFrame. Callers drop the frame in both cases.
//
// A bare JSON string is accepted as a legacy text chat message and
// normalized into a ChatFrame with no id; the pipeline assigns one.
func DecodeFrame(data []byte) (Frame, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		// Legacy clients send the message content as a bare string.
		var content string
		if err := json.Unmarshal(data, &content); err == nil {
			return &ChatFrame{
				Type:      TypeChatMessage,
				Content:   content,
				MsgType:   MessageTypeText,
				Timestamp: NowUnixMilli(),
			}, nil
		}
		return nil, ErrMalformedFrame
	}
	if env.Type == "" {
		return nil, ErrMalformedFrame
	}

	if strings.HasPrefix(env.Type, PrefixFile) || strings.HasPrefix(env.Type, PrefixGame) {
		raw := make([]byte, len(data))
		copy(raw, data)
		return &External{Type: env.Type, Raw: raw}, nil
	}

	var (
		f   Frame
		err error
	)
	switch env.Type {
	case TypePresence:
		v := &Presence{}
		err = json.Unmarshal(data, v)
		f = v
	case TypeTyping:
		v := &Typing{}
		err = json.Unmarshal(data, v)
		f = v
	case TypeChatMessage:
		v := &ChatFrame{}
		err = json.Unmarshal(data, v)
		if err == nil && v.Content == "" && v.File == nil {
			return nil, ErrMalformedFrame
		}
		if v.MsgType == "" {
			v.MsgType = MessageTypeText
		}
		f = v
	case TypeReceipt:
		v := &Receipt{}
		err = json.Unmarshal(data, v)
		if err == nil {
			if v.MessageID == "" {
				return nil, ErrMalformedFrame
			}
			if v.Status != MessageStatusDelivered && v.Status != MessageStatusRead {
				return nil, ErrMalformedFrame
			}
		}
		f = v
	case TypeSyncRequest:
		v := &SyncRequest{}
		err = json.Unmarshal(data, v)
		f = v
	case TypeSyncReject:
		v := &SyncReject{}
		err = json.Unmarshal(data, v)
		f = v
	case TypeSyncCancel:
		v := &SyncCancel{}
		err = json.Unmarshal(data, v)
		f = v
	case TypeSyncDataInitial:
		v := &SyncDataInitial{}
		err = json.Unmarshal(data, v)
		f = v
	case TypeSyncDataFinal:
		v := &SyncDataFinal{}
		err = json.Unmarshal(data, v)
		f = v
	case TypeRoomJoinRequest:
		v := &RoomJoinRequest{}
		err = json.Unmarshal(data, v)
		if err == nil && v.RoomID == "" {
			return nil, ErrMalformedFrame
		}
		f = v
	case TypeRoomJoinAccept:
		v := &RoomJoinAccept{}
		err = json.Unmarshal(data, v)
		if err == nil && (v.RoomID == "" || v.HostID == "" ||
			anyNilMember(v.Members) || anyNilMessage(v.Messages)) {
			return nil, ErrMalformedFrame
		}
		f = v
	case TypeRoomJoinReject:
		v := &RoomJoinReject{}
		err = json.Unmarshal(data, v)
		if err == nil && v.RoomID == "" {
			return nil, ErrMalformedFrame
		}
		f = v
	case TypeRoomMessage:
		v := &RoomMessage{}
		err = json.Unmarshal(data, v)
		if err == nil && (v.RoomID == "" || v.MessageID == "") {
			return nil, ErrMalformedFrame
		}
		if err == nil && v.MsgType == "" {
			v.MsgType = MessageTypeText
		}
		f = v
	case TypeRoomMemberJoined:
		v := &RoomMemberJoined{}
		err = json.Unmarshal(data, v)
		if err == nil && (v.RoomID == "" || v.Member == nil || v.Member.PeerID == "") {
			return nil, ErrMalformedFrame
		}
		f = v
	case TypeRoomMemberLeft:
		v := &RoomMemberLeft{}
		err = json.Unmarshal(data, v)
		if err == nil && (v.RoomID == "" || v.PeerID == "") {
			return nil, ErrMalformedFrame
		}
		f = v
	case TypeRoomHostChanged:
		v := &RoomHostChanged{}
		err = json.Unmarshal(data, v)
		if err == nil && (v.RoomID == "" || v.NewHostID == "" || anyNilMember(v.Members)) {
			return nil, ErrMalformedFrame
		}
		f = v
	case TypeRoomClose:
		v := &RoomClose{}
		err = json.Unmarshal(data, v)
		if err == nil && v.RoomID == "" {
			return nil, ErrMalformedFrame
		}
		f = v
	case TypeRoomPing:
		v := &RoomPing{}
		err = json.Unmarshal(data, v)
		if err == nil && v.RoomID == "" {
			return nil, ErrMalformedFrame
		}
		f = v
	case TypeRoomPong:
		v := &RoomPong{}
		err = json.Unmarshal(data, v)
		if err == nil && v.RoomID == "" {
			return nil, ErrMalformedFrame
		}
		f = v
	case string(MessageTypeText), string(MessageTypeImage), string(MessageTypeVideo), string(MessageTypeFile):
		// Object-form direct message: the payload kind doubles as the
		// type tag. Normalized into a ChatFrame like the bare-string form.
		v := &ChatFrame{}
		err = json.Unmarshal(data, v)
		if err == nil && v.Content == "" && v.File == nil {
			return nil, ErrMalformedFrame
		}
		v.MsgType = MessageType(env.Type)
		v.Type = TypeChatMessage
		f = v
	default:
		return nil, ErrUnknownType
	}

	if err != nil {
		return nil, ErrMalformedFrame
	}
	return f, nil
}

func anyNilMember(members []*RoomMember) bool {
	for _, m := range members {
		if m == nil {
			return true
		}
	}
	return false
}

func anyNilMessage(msgs []*ChatMessage) bool {
	for _, m := range msgs {
		if m == nil {
			return true
		}
	}
	return false
}
