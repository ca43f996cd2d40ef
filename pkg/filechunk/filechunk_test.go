package filechunk

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	"github.com/meshtalk/meshtalk-node/pkg/protocol"
)

// captureSender records outbound external frames
type captureSender struct {
	mu     sync.Mutex
	frames []*protocol.External
}

func (s *captureSender) Send(peerID string, frame protocol.Frame) error {
	ext, ok := frame.(*protocol.External)
	if !ok {
		return errors.New("unexpected frame type")
	}
	s.mu.Lock()
	s.frames = append(s.frames, ext)
	s.mu.Unlock()
	return nil
}

func newPair(t *testing.T) (*Service, *Service, *captureSender) {
	t.Helper()
	out := &captureSender{}
	sender, err := NewService(out)
	if err != nil {
		t.Fatalf("Failed to create sender service: %v", err)
	}
	receiver, err := NewService(&captureSender{})
	if err != nil {
		t.Fatalf("Failed to create receiver service: %v", err)
	}
	return sender, receiver, out
}

func deliver(receiver *Service, frames []*protocol.External, skip map[int]bool) {
	for i, f := range frames {
		if skip[i] {
			continue
		}
		receiver.HandleFrame("alice", f.Type, f.Raw)
	}
}

func TestSendProducesOfferPlusShards(t *testing.T) {
	sender, _, out := newPair(t)

	data := []byte("erasure coded file transfer test payload for the chat node")
	if _, err := sender.SendFile("bob", "notes.txt", "text/plain", data); err != nil {
		t.Fatalf("SendFile failed: %v", err)
	}

	if len(out.frames) != 1+TotalShards {
		t.Fatalf("Expected offer + %d shards, got %d frames", TotalShards, len(out.frames))
	}
	if out.frames[0].Type != "file_offer" {
		t.Fatalf("First frame should be the offer, got %s", out.frames[0].Type)
	}
	for _, f := range out.frames[1:] {
		if f.Type != "file_shard" {
			t.Fatalf("Expected file_shard, got %s", f.Type)
		}
	}
}

func TestReassembleComplete(t *testing.T) {
	sender, receiver, out := newPair(t)

	var got []byte
	var gotName, gotMime string
	receiver.OnFile = func(peerID, name, mimeType string, data []byte) {
		got, gotName, gotMime = data, name, mimeType
	}

	data := bytes.Repeat([]byte("0123456789abcdef"), 100)
	if _, err := sender.SendFile("bob", "blob.bin", "application/octet-stream", data); err != nil {
		t.Fatalf("SendFile failed: %v", err)
	}

	deliver(receiver, out.frames, nil)

	if !bytes.Equal(got, data) {
		t.Fatal("Reassembled data does not match original")
	}
	if gotName != "blob.bin" || gotMime != "application/octet-stream" {
		t.Fatalf("Metadata lost: %s / %s", gotName, gotMime)
	}
	if receiver.Pending() != 0 {
		t.Fatalf("Transfer should be cleaned up, %d pending", receiver.Pending())
	}
}

func TestReassembleWithLostShards(t *testing.T) {
	sender, receiver, out := newPair(t)

	var got []byte
	receiver.OnFile = func(peerID, name, mimeType string, data []byte) { got = data }

	data := bytes.Repeat([]byte("redundancy!"), 500)
	if _, err := sender.SendFile("bob", "x", "", data); err != nil {
		t.Fatalf("SendFile failed: %v", err)
	}

	// Drop the maximum tolerable number of shards.
	skip := map[int]bool{}
	for i := 0; i < ParityShards; i++ {
		skip[1+i*2] = true
	}
	deliver(receiver, out.frames, skip)

	if !bytes.Equal(got, data) {
		t.Fatal("Recovery with missing shards failed")
	}
}

func TestTooManyLostShards(t *testing.T) {
	sender, receiver, out := newPair(t)

	called := false
	receiver.OnFile = func(peerID, name, mimeType string, data []byte) { called = true }

	data := []byte("this will not survive")
	if _, err := sender.SendFile("bob", "x", "", data); err != nil {
		t.Fatalf("SendFile failed: %v", err)
	}

	// Fewer than DataShards shards arrive.
	skip := map[int]bool{}
	for i := 1; i <= ParityShards+1; i++ {
		skip[i] = true
	}
	deliver(receiver, out.frames, skip)

	if called {
		t.Fatal("Reconstruction should not succeed below the shard minimum")
	}
	if receiver.Pending() != 1 {
		t.Fatalf("Incomplete transfer should stay pending, got %d", receiver.Pending())
	}
}

func TestShardFromWrongPeerIgnored(t *testing.T) {
	sender, receiver, out := newPair(t)

	called := false
	receiver.OnFile = func(peerID, name, mimeType string, data []byte) { called = true }

	if _, err := sender.SendFile("bob", "x", "", []byte("ownership check")); err != nil {
		t.Fatalf("SendFile failed: %v", err)
	}

	// Offer from alice, shards from mallory.
	receiver.HandleFrame("alice", out.frames[0].Type, out.frames[0].Raw)
	for _, f := range out.frames[1:] {
		receiver.HandleFrame("mallory", f.Type, f.Raw)
	}

	if called {
		t.Fatal("Shards from a different peer must be ignored")
	}
}

func TestSendFileValidation(t *testing.T) {
	sender, _, _ := newPair(t)

	if _, err := sender.SendFile("bob", "x", "", nil); err == nil {
		t.Fatal("Empty file should be rejected")
	}
	if _, err := sender.SendFile("bob", "x", "", make([]byte, MaxFileSize+1)); !errors.Is(err, ErrFileTooLarge) {
		t.Fatalf("Expected ErrFileTooLarge, got %v", err)
	}
}

func TestCancel(t *testing.T) {
	sender, receiver, out := newPair(t)

	id, err := sender.SendFile("bob", "x", "", []byte("cancel me please"))
	if err != nil {
		t.Fatalf("SendFile failed: %v", err)
	}

	receiver.HandleFrame("alice", out.frames[0].Type, out.frames[0].Raw)
	if err := receiver.Cancel(id); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if receiver.Pending() != 0 {
		t.Fatal("Cancelled transfer should be gone")
	}
	if err := receiver.Cancel(id); !errors.Is(err, ErrUnknownTransfer) {
		t.Fatalf("Expected ErrUnknownTransfer, got %v", err)
	}
}
