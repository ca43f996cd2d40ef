package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

var ErrDecryptFailed = errors.New("decrypt failed")

// SessionCipher encrypts per-peer traffic with XChaCha20-Poly1305
// session keys. Peers without an established key pass through
// unmodified, so the engine can run before (or without) a handshake.
type SessionCipher struct {
	mu   sync.RWMutex
	keys map[string][]byte
}

// NewSessionCipher creates a cipher with no established sessions
func NewSessionCipher() *SessionCipher {
	return &SessionCipher{keys: make(map[string][]byte)}
}

// SetKey establishes a 32-byte session key for a peer
func (c *SessionCipher) SetKey(peerID string, key []byte) error {
	if len(key) != chacha20poly1305.KeySize {
		return fmt.Errorf("session key must be %d bytes", chacha20poly1305.KeySize)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys[peerID] = key
	return nil
}

// RemoveKey forgets a peer's session key
func (c *SessionCipher) RemoveKey(peerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.keys, peerID)
}

// HasKey reports whether a session key exists for a peer
func (c *SessionCipher) HasKey(peerID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.keys[peerID]
	return ok
}

// Encrypt seals plaintext for a peer, prefixing a random nonce.
// Without a session key the plaintext passes through unmodified.
func (c *SessionCipher) Encrypt(peerID string, plaintext []byte) ([]byte, error) {
	c.mu.RLock()
	key := c.keys[peerID]
	c.mu.RUnlock()

	if key == nil {
		return plaintext, nil
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a sealed payload from a peer. Without a session key
// the payload passes through unmodified; with one, an unopenable
// payload is an error and the caller drops the frame.
func (c *SessionCipher) Decrypt(peerID string, payload []byte) ([]byte, error) {
	c.mu.RLock()
	key := c.keys[peerID]
	c.mu.RUnlock()

	if key == nil {
		return payload, nil
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(payload) < aead.NonceSize() {
		return nil, ErrDecryptFailed
	}
	nonce, sealed := payload[:aead.NonceSize()], payload[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}
