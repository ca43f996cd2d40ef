package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestEncodeStampsType(t *testing.T) {
	data, err := EncodeFrame(&ChatFrame{ID: "m1", Content: "hi", Timestamp: 1000})
	if err != nil {
		t.Fatalf("Failed to encode: %v", err)
	}

	var env map[string]interface{}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("Encoded frame is not valid JSON: %v", err)
	}
	if env["type"] != TypeChatMessage {
		t.Fatalf("Expected type %q, got %v", TypeChatMessage, env["type"])
	}
}

func TestChatFrameRoundTrip(t *testing.T) {
	in := &ChatFrame{
		ID:        "m1",
		Content:   "hello there",
		Timestamp: 1234,
		File:      &FileInfo{Name: "a.png", Size: 42, MimeType: "image/png"},
	}
	data, err := EncodeFrame(in)
	if err != nil {
		t.Fatalf("Failed to encode: %v", err)
	}

	f, err := DecodeFrame(data)
	if err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	out, ok := f.(*ChatFrame)
	if !ok {
		t.Fatalf("Expected *ChatFrame, got %T", f)
	}
	if out.ID != "m1" || out.Content != "hello there" || out.Timestamp != 1234 {
		t.Fatalf("Round trip mismatch: %+v", out)
	}
	if out.MsgType != MessageTypeText {
		t.Fatalf("Expected default msgType text, got %q", out.MsgType)
	}
	if out.File == nil || out.File.Name != "a.png" {
		t.Fatalf("File info lost: %+v", out.File)
	}
}

func TestDecodeBareStringIsLegacyText(t *testing.T) {
	f, err := DecodeFrame([]byte(`"just some text"`))
	if err != nil {
		t.Fatalf("Bare string should decode: %v", err)
	}
	cf, ok := f.(*ChatFrame)
	if !ok {
		t.Fatalf("Expected *ChatFrame, got %T", f)
	}
	if cf.Content != "just some text" {
		t.Fatalf("Wrong content: %q", cf.Content)
	}
	if cf.ID != "" {
		t.Fatalf("Legacy frame should have no id, got %q", cf.ID)
	}
	if cf.MsgType != MessageTypeText {
		t.Fatalf("Expected text type, got %q", cf.MsgType)
	}
}

func TestDecodeUnknownTypeIgnorable(t *testing.T) {
	_, err := DecodeFrame([]byte(`{"type":"hologram","data":"x"}`))
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("Expected ErrUnknownType, got %v", err)
	}
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `{{{`},
		{"empty type", `{"type":""}`},
		{"chat without content", `{"type":"chat_message","id":"m1"}`},
		{"receipt without id", `{"type":"receipt","status":"read"}`},
		{"receipt bad status", `{"type":"receipt","messageId":"m1","status":"teleported"}`},
		{"room message without room", `{"type":"room_message","messageId":"m1"}`},
		{"join accept without host", `{"type":"room_join_accept","roomId":"r1"}`},
		{"join accept null member", `{"type":"room_join_accept","roomId":"r1","hostId":"h","members":[null]}`},
		{"join accept null message", `{"type":"room_join_accept","roomId":"r1","hostId":"h","messages":[null]}`},
		{"host change without host", `{"type":"room_host_changed","roomId":"r1"}`},
		{"host change null member", `{"type":"room_host_changed","roomId":"r1","newHostId":"h","members":[null]}`},
		{"object message without content", `{"type":"text","id":"m1"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeFrame([]byte(tt.data))
			if !errors.Is(err, ErrMalformedFrame) {
				t.Fatalf("Expected ErrMalformedFrame, got %v", err)
			}
		})
	}
}

func TestDecodeObjectFormMessage(t *testing.T) {
	// The payload kind doubles as the type tag in the object form.
	f, err := DecodeFrame([]byte(`{"type":"text","content":"hi","id":"m7","timestamp":1700}`))
	if err != nil {
		t.Fatalf("Object-form message should decode: %v", err)
	}
	cf, ok := f.(*ChatFrame)
	if !ok {
		t.Fatalf("Expected *ChatFrame, got %T", f)
	}
	if cf.ID != "m7" || cf.Content != "hi" || cf.Timestamp != 1700 {
		t.Fatalf("Fields lost in normalization: %+v", cf)
	}
	if cf.MsgType != MessageTypeText {
		t.Fatalf("Expected msgType text, got %q", cf.MsgType)
	}

	for _, kind := range []MessageType{MessageTypeImage, MessageTypeVideo, MessageTypeFile} {
		data := []byte(`{"type":"` + string(kind) + `","content":"c","id":"m8","timestamp":1,"file":{"name":"a.bin","size":9}}`)
		f, err := DecodeFrame(data)
		if err != nil {
			t.Fatalf("%s message should decode: %v", kind, err)
		}
		cf := f.(*ChatFrame)
		if cf.MsgType != kind {
			t.Fatalf("Expected msgType %q, got %q", kind, cf.MsgType)
		}
		if cf.File == nil || cf.File.Name != "a.bin" {
			t.Fatalf("File info lost for %s: %+v", kind, cf.File)
		}
	}
}

func TestDecodeExternalPrefixes(t *testing.T) {
	for _, typ := range []string{"file_offer", "file_shard", "game_move", "game_invite"} {
		data := []byte(`{"type":"` + typ + `","payload":"opaque"}`)
		f, err := DecodeFrame(data)
		if err != nil {
			t.Fatalf("%s should decode as external: %v", typ, err)
		}
		ext, ok := f.(*External)
		if !ok {
			t.Fatalf("Expected *External for %s, got %T", typ, f)
		}
		if ext.Type != typ {
			t.Fatalf("Expected type %q, got %q", typ, ext.Type)
		}
		if string(ext.Raw) != string(data) {
			t.Fatal("External payload should be forwarded untouched")
		}
	}
}

func TestEncodeExternalPassthrough(t *testing.T) {
	raw := []byte(`{"type":"game_move","square":7}`)
	data, err := EncodeFrame(&External{Type: "game_move", Raw: raw})
	if err != nil {
		t.Fatalf("Failed to encode: %v", err)
	}
	if string(data) != string(raw) {
		t.Fatal("External frames should encode to their raw bytes")
	}
}

func TestReceiptRoundTrip(t *testing.T) {
	data, err := EncodeFrame(&Receipt{MessageID: "m9", Status: MessageStatusRead, Timestamp: 99})
	if err != nil {
		t.Fatalf("Failed to encode: %v", err)
	}
	f, err := DecodeFrame(data)
	if err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	r := f.(*Receipt)
	if r.MessageID != "m9" || r.Status != MessageStatusRead {
		t.Fatalf("Round trip mismatch: %+v", r)
	}
}

func TestRoomJoinAcceptCarriesState(t *testing.T) {
	in := &RoomJoinAccept{
		RoomID:       "r1",
		RoomName:     "general",
		HostID:       "alice",
		OriginalHost: "alice",
		Members: []*RoomMember{
			{PeerID: "alice", Priority: 0, IsHost: true, IsOnline: true},
			{PeerID: "bob", Priority: 1, IsOnline: true},
		},
		Messages:     []*ChatMessage{{ID: "m1", SenderID: "alice", Content: "welcome", Timestamp: 5}},
		YourPriority: 1,
	}
	data, err := EncodeFrame(in)
	if err != nil {
		t.Fatalf("Failed to encode: %v", err)
	}
	f, err := DecodeFrame(data)
	if err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	out := f.(*RoomJoinAccept)
	if len(out.Members) != 2 || !out.Members[0].IsHost {
		t.Fatalf("Members lost in transit: %+v", out.Members)
	}
	if len(out.Messages) != 1 || out.Messages[0].Content != "welcome" {
		t.Fatalf("Messages lost in transit: %+v", out.Messages)
	}
	if out.YourPriority != 1 {
		t.Fatalf("Expected priority 1, got %d", out.YourPriority)
	}
}
