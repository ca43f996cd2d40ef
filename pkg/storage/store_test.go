package storage

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/meshtalk/meshtalk-node/pkg/protocol"
)

func openTestDB(t *testing.T, passphrase string) *MessageDB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"), passphrase)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func stored(id string, ts int64, content string) *protocol.ChatMessage {
	return &protocol.ChatMessage{
		ID:        id,
		SenderID:  "alice",
		Content:   content,
		Timestamp: ts,
		Status:    protocol.MessageStatusDelivered,
		Type:      protocol.MessageTypeText,
	}
}

func TestSaveAndLoadMessages(t *testing.T) {
	db := openTestDB(t, "")

	msgs := []*protocol.ChatMessage{
		stored("m1", 100, "first"),
		stored("m2", 200, "second"),
	}
	if err := db.SaveMessages("alice:bob", msgs); err != nil {
		t.Fatalf("Failed to save: %v", err)
	}

	loaded, err := db.LoadMessages("alice:bob")
	if err != nil {
		t.Fatalf("Failed to load: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(loaded))
	}
	if loaded[0].ID != "m1" || loaded[1].ID != "m2" {
		t.Fatalf("Wrong order: %s, %s", loaded[0].ID, loaded[1].ID)
	}
	if loaded[0].Content != "first" {
		t.Fatalf("Content mismatch: %q", loaded[0].Content)
	}
}

func TestSaveMessagesUpsertsStatus(t *testing.T) {
	db := openTestDB(t, "")

	msg := stored("m1", 100, "hello")
	msg.Status = protocol.MessageStatusSent
	if err := db.SaveMessages("c1", []*protocol.ChatMessage{msg}); err != nil {
		t.Fatalf("Failed to save: %v", err)
	}

	// Re-saving the same id updates status instead of duplicating.
	msg.Status = protocol.MessageStatusRead
	msg.ReadAt = 150
	if err := db.SaveMessages("c1", []*protocol.ChatMessage{msg}); err != nil {
		t.Fatalf("Failed to re-save: %v", err)
	}

	loaded, err := db.LoadMessages("c1")
	if err != nil {
		t.Fatalf("Failed to load: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("Upsert should not duplicate, got %d rows", len(loaded))
	}
	if loaded[0].Status != protocol.MessageStatusRead || loaded[0].ReadAt != 150 {
		t.Fatalf("Status not updated: %+v", loaded[0])
	}
}

func TestEncryptedAtRest(t *testing.T) {
	db := openTestDB(t, "hunter2")

	if err := db.SaveMessages("c1", []*protocol.ChatMessage{stored("m1", 100, "private words")}); err != nil {
		t.Fatalf("Failed to save: %v", err)
	}

	// The stored blob must not contain the plaintext.
	var raw []byte
	row := db.db.QueryRow("SELECT content FROM messages WHERE message_id = ?", "m1")
	if err := row.Scan(&raw); err != nil {
		t.Fatalf("Failed to read raw content: %v", err)
	}
	if string(raw) == "private words" {
		t.Fatal("Content stored in the clear despite passphrase")
	}

	loaded, err := db.LoadMessages("c1")
	if err != nil {
		t.Fatalf("Failed to load: %v", err)
	}
	if loaded[0].Content != "private words" {
		t.Fatalf("Decryption mismatch: %q", loaded[0].Content)
	}
}

func TestFileInfoSurvives(t *testing.T) {
	db := openTestDB(t, "")

	msg := stored("m1", 100, "see attachment")
	msg.Type = protocol.MessageTypeImage
	msg.File = &protocol.FileInfo{Name: "cat.png", Size: 2048, MimeType: "image/png"}
	if err := db.SaveMessages("c1", []*protocol.ChatMessage{msg}); err != nil {
		t.Fatalf("Failed to save: %v", err)
	}

	loaded, err := db.LoadMessages("c1")
	if err != nil {
		t.Fatalf("Failed to load: %v", err)
	}
	f := loaded[0].File
	if f == nil || f.Name != "cat.png" || f.Size != 2048 || f.MimeType != "image/png" {
		t.Fatalf("File info lost: %+v", f)
	}
}

func TestGetMessage(t *testing.T) {
	db := openTestDB(t, "")

	db.SaveMessages("c1", []*protocol.ChatMessage{stored("m1", 100, "findable")})

	msg, err := db.GetMessage("m1")
	if err != nil {
		t.Fatalf("Failed to get: %v", err)
	}
	if msg.Content != "findable" {
		t.Fatalf("Content mismatch: %q", msg.Content)
	}

	if _, err := db.GetMessage("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
}

func TestUpdateStatus(t *testing.T) {
	db := openTestDB(t, "")

	db.SaveMessages("c1", []*protocol.ChatMessage{stored("m1", 100, "x")})

	if err := db.UpdateStatus("m1", protocol.MessageStatusRead); err != nil {
		t.Fatalf("Failed to update: %v", err)
	}
	msg, _ := db.GetMessage("m1")
	if msg.Status != protocol.MessageStatusRead {
		t.Fatalf("Status not updated: %s", msg.Status)
	}

	if err := db.UpdateStatus("missing", protocol.MessageStatusRead); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
}

func TestConversationsListing(t *testing.T) {
	db := openTestDB(t, "")

	db.SaveMessages("c1", []*protocol.ChatMessage{stored("m1", 100, "old")})
	db.SaveMessages("c2", []*protocol.ChatMessage{stored("m2", 200, "new"), stored("m3", 300, "newer")})

	convs, err := db.Conversations()
	if err != nil {
		t.Fatalf("Failed to list: %v", err)
	}
	if len(convs) != 2 {
		t.Fatalf("Expected 2 conversations, got %d", len(convs))
	}
	// Most recent first.
	if convs[0].ID != "c2" || convs[0].MessageCount != 2 {
		t.Fatalf("Unexpected first conversation: %+v", convs[0])
	}
	if convs[0].LastTimestamp != 300 {
		t.Fatalf("Expected last timestamp 300, got %d", convs[0].LastTimestamp)
	}
}

func TestDeleteConversation(t *testing.T) {
	db := openTestDB(t, "")

	db.SaveMessages("c1", []*protocol.ChatMessage{stored("m1", 100, "doomed")})
	if err := db.DeleteConversation("c1"); err != nil {
		t.Fatalf("Failed to delete: %v", err)
	}

	loaded, err := db.LoadMessages("c1")
	if err != nil {
		t.Fatalf("Load after delete errored: %v", err)
	}
	if len(loaded) != 0 {
		t.Fatalf("Messages survived deletion: %d", len(loaded))
	}
	if _, err := db.GetMessage("m1"); !errors.Is(err, ErrNotFound) {
		t.Fatal("Message row survived deletion")
	}
}

func TestSaveEmptyBatchIsNoop(t *testing.T) {
	db := openTestDB(t, "")
	if err := db.SaveMessages("c1", nil); err != nil {
		t.Fatalf("Empty batch should be a no-op: %v", err)
	}
}
