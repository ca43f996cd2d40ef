// Package filechunk transfers files over chat connections as erasure
// coded shards, so a transfer survives dropped frames without a
// retransmission round.
package filechunk

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/klauspost/reedsolomon"

	"github.com/meshtalk/meshtalk-node/pkg/protocol"
)

const (
	// DataShards is the number of data shards per file
	DataShards = 10
	// ParityShards is the number of parity shards per file
	ParityShards = 5
	// TotalShards is data plus parity
	TotalShards = DataShards + ParityShards

	// MaxFileSize caps a single transfer
	MaxFileSize = 64 << 20 // 64 MB
)

const (
	typeOffer = "file_offer"
	typeShard = "file_shard"
)

var (
	ErrFileTooLarge    = errors.New("file too large")
	ErrUnknownTransfer = errors.New("unknown transfer")
)

// Sender transmits protocol frames to a connected peer
type Sender interface {
	Send(peerID string, frame protocol.Frame) error
}

// offerFrame announces an incoming transfer
type offerFrame struct {
	Type         string `json:"type"`
	TransferID   string `json:"transferId"`
	Name         string `json:"name"`
	MimeType     string `json:"mimeType,omitempty"`
	OriginalSize int    `json:"originalSize"`
}

// shardFrame carries one erasure coded shard
type shardFrame struct {
	Type       string `json:"type"`
	TransferID string `json:"transferId"`
	Index      int    `json:"index"`
	Data       []byte `json:"data"`
}

// transfer tracks one inbound file until enough shards arrived
type transfer struct {
	peerID       string
	name         string
	mimeType     string
	originalSize int
	shards       [][]byte
	received     int
	done         bool
}

// Service sends and reassembles file transfers. It plugs into the
// dispatcher as the sink for file_* frames.
type Service struct {
	mu      sync.Mutex
	sender  Sender
	encoder reedsolomon.Encoder
	inbound map[string]*transfer

	// OnFile is invoked with the reassembled file. Optional.
	OnFile func(peerID, name, mimeType string, data []byte)
}

// NewService creates the file transfer service
func NewService(sender Sender) (*Service, error) {
	enc, err := reedsolomon.New(DataShards, ParityShards)
	if err != nil {
		return nil, fmt.Errorf("failed to create Reed-Solomon encoder: %w", err)
	}
	return &Service{
		sender:  sender,
		encoder: enc,
		inbound: make(map[string]*transfer),
	}, nil
}

// SendFile erasure codes data and streams the shards to peerID.
// Any 10 of the 15 shards reconstruct the file on the other side.
func (s *Service) SendFile(peerID, name, mimeType string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", errors.New("cannot send empty file")
	}
	if len(data) > MaxFileSize {
		return "", ErrFileTooLarge
	}

	shards, err := s.encoder.Split(data)
	if err != nil {
		return "", fmt.Errorf("failed to split data: %w", err)
	}
	if err := s.encoder.Encode(shards); err != nil {
		return "", fmt.Errorf("failed to encode parity: %w", err)
	}

	transferID := uuid.NewString()
	if err := s.sendJSON(peerID, &offerFrame{
		Type:         typeOffer,
		TransferID:   transferID,
		Name:         name,
		MimeType:     mimeType,
		OriginalSize: len(data),
	}); err != nil {
		return "", err
	}

	for i, shard := range shards {
		if err := s.sendJSON(peerID, &shardFrame{
			Type:       typeShard,
			TransferID: transferID,
			Index:      i,
			Data:       shard,
		}); err != nil {
			// Parity absorbs up to 5 lost shards; beyond that, abort.
			log.Printf("⚠️  Failed to send shard %d of %s: %v", i, transferID, err)
		}
	}

	return transferID, nil
}

func (s *Service) sendJSON(peerID string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return err
	}
	return s.sender.Send(peerID, &protocol.External{Type: env.Type, Raw: raw})
}

// HandleFrame receives file_* frames from the dispatcher
func (s *Service) HandleFrame(peerID string, frameType string, payload []byte) {
	switch frameType {
	case typeOffer:
		var f offerFrame
		if err := json.Unmarshal(payload, &f); err != nil {
			return
		}
		s.handleOffer(peerID, &f)
	case typeShard:
		var f shardFrame
		if err := json.Unmarshal(payload, &f); err != nil {
			return
		}
		s.handleShard(peerID, &f)
	}
}

func (s *Service) handleOffer(peerID string, f *offerFrame) {
	if f.TransferID == "" || f.OriginalSize <= 0 || f.OriginalSize > MaxFileSize {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.inbound[f.TransferID]; exists {
		return
	}
	s.inbound[f.TransferID] = &transfer{
		peerID:       peerID,
		name:         f.Name,
		mimeType:     f.MimeType,
		originalSize: f.OriginalSize,
		shards:       make([][]byte, TotalShards),
	}
	log.Printf("Incoming file '%s' (%d bytes) from %s", f.Name, f.OriginalSize, peerID)
}

func (s *Service) handleShard(peerID string, f *shardFrame) {
	s.mu.Lock()

	t := s.inbound[f.TransferID]
	if t == nil || t.done || t.peerID != peerID {
		s.mu.Unlock()
		return
	}
	if f.Index < 0 || f.Index >= TotalShards || t.shards[f.Index] != nil {
		s.mu.Unlock()
		return
	}

	t.shards[f.Index] = f.Data
	t.received++
	if t.received < DataShards {
		s.mu.Unlock()
		return
	}

	data, err := s.reconstruct(t)
	if err != nil {
		// More shards may still arrive; retry on the next one.
		s.mu.Unlock()
		return
	}

	t.done = true
	delete(s.inbound, f.TransferID)
	cb := s.OnFile
	s.mu.Unlock()

	log.Printf("✅ File '%s' reassembled from %d shards", t.name, t.received)
	if cb != nil {
		cb(t.peerID, t.name, t.mimeType, data)
	}
}

// reconstruct rebuilds the original bytes once enough shards are in.
// Caller holds s.mu.
func (s *Service) reconstruct(t *transfer) ([]byte, error) {
	shards := make([][]byte, TotalShards)
	copy(shards, t.shards)

	if err := s.encoder.Reconstruct(shards); err != nil {
		return nil, err
	}
	ok, err := s.encoder.Verify(shards)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New("shard verification failed")
	}

	buf := make([]byte, 0, t.originalSize)
	for i := 0; i < DataShards; i++ {
		buf = append(buf, shards[i]...)
	}
	if len(buf) > t.originalSize {
		buf = buf[:t.originalSize]
	}
	return buf, nil
}

// Cancel drops an in-flight inbound transfer
func (s *Service) Cancel(transferID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.inbound[transferID]; !ok {
		return ErrUnknownTransfer
	}
	delete(s.inbound, transferID)
	return nil
}

// Pending returns the number of inbound transfers still reassembling
func (s *Service) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inbound)
}
