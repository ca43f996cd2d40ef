package crypto

import (
	"bytes"
	"errors"
	"testing"
)

func TestBlake2b256Length(t *testing.T) {
	sum := Blake2b256([]byte("hello"))
	if len(sum) != 32 {
		t.Fatalf("Expected 32 bytes, got %d", len(sum))
	}
	if bytes.Equal(sum, Blake2b256([]byte("world"))) {
		t.Fatal("Different inputs should not collide")
	}
}

func TestDeriveRoomIDDeterministic(t *testing.T) {
	a := DeriveRoomID("alice", "general", 1700000000000)
	b := DeriveRoomID("alice", "general", 1700000000000)
	if a != b {
		t.Fatalf("Same inputs should derive the same id: %s vs %s", a, b)
	}
	if len(a) != 32 {
		t.Fatalf("Expected 32 hex chars, got %d", len(a))
	}
}

func TestDeriveRoomIDDistinct(t *testing.T) {
	base := DeriveRoomID("alice", "general", 1700000000000)
	tests := map[string]string{
		"creator": DeriveRoomID("bob", "general", 1700000000000),
		"name":    DeriveRoomID("alice", "random", 1700000000000),
		"time":    DeriveRoomID("alice", "general", 1700000000001),
	}
	for field, id := range tests {
		if id == base {
			t.Fatalf("Changing %s should change the room id", field)
		}
	}

	// Field boundaries must not be ambiguous.
	if DeriveRoomID("ab", "c", 1) == DeriveRoomID("a", "bc", 1) {
		t.Fatal("Creator/name boundary is ambiguous")
	}
}

func TestDeriveSessionKeyOrderIndependent(t *testing.T) {
	secret := []byte("shared secret")
	ab := DeriveSessionKey(secret, "alice", "bob")
	ba := DeriveSessionKey(secret, "bob", "alice")
	if !bytes.Equal(ab, ba) {
		t.Fatal("Session key must not depend on peer order")
	}
	if len(ab) != 32 {
		t.Fatalf("Expected 32-byte key, got %d", len(ab))
	}

	other := DeriveSessionKey(secret, "alice", "carol")
	if bytes.Equal(ab, other) {
		t.Fatal("Different peer pairs should derive different keys")
	}
}

func TestSessionCipherRoundTrip(t *testing.T) {
	c := NewSessionCipher()
	key := DeriveSessionKey([]byte("secret"), "alice", "bob")
	if err := c.SetKey("bob", key); err != nil {
		t.Fatalf("SetKey failed: %v", err)
	}

	plaintext := []byte(`{"type":"chat_message","content":"hi"}`)
	sealed, err := c.Encrypt("bob", plaintext)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if bytes.Equal(sealed, plaintext) {
		t.Fatal("Ciphertext should differ from plaintext")
	}

	opened, err := c.Decrypt("bob", sealed)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Fatal("Round trip mismatch")
	}
}

func TestSessionCipherPassthroughWithoutKey(t *testing.T) {
	c := NewSessionCipher()
	plaintext := []byte("no key here")

	out, err := c.Encrypt("stranger", plaintext)
	if err != nil || !bytes.Equal(out, plaintext) {
		t.Fatalf("Expected passthrough, got %v / %q", err, out)
	}
	out, err = c.Decrypt("stranger", plaintext)
	if err != nil || !bytes.Equal(out, plaintext) {
		t.Fatalf("Expected passthrough, got %v / %q", err, out)
	}
}

func TestSessionCipherRejectsTamperedPayload(t *testing.T) {
	c := NewSessionCipher()
	c.SetKey("bob", DeriveSessionKey([]byte("secret"), "alice", "bob"))

	sealed, err := c.Encrypt("bob", []byte("payload"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	sealed[len(sealed)-1] ^= 0xff

	if _, err := c.Decrypt("bob", sealed); !errors.Is(err, ErrDecryptFailed) {
		t.Fatalf("Expected ErrDecryptFailed, got %v", err)
	}
}

func TestSessionCipherRejectsShortPayload(t *testing.T) {
	c := NewSessionCipher()
	c.SetKey("bob", DeriveSessionKey([]byte("secret"), "alice", "bob"))

	if _, err := c.Decrypt("bob", []byte("short")); !errors.Is(err, ErrDecryptFailed) {
		t.Fatalf("Expected ErrDecryptFailed, got %v", err)
	}
}

func TestSetKeyRejectsBadSize(t *testing.T) {
	c := NewSessionCipher()
	if err := c.SetKey("bob", []byte("too short")); err == nil {
		t.Fatal("Expected an error for a short key")
	}
	if c.HasKey("bob") {
		t.Fatal("Failed SetKey should not register a key")
	}
}

func TestRemoveKeyRestoresPassthrough(t *testing.T) {
	c := NewSessionCipher()
	c.SetKey("bob", DeriveSessionKey([]byte("secret"), "alice", "bob"))
	c.RemoveKey("bob")

	plaintext := []byte("plain again")
	out, err := c.Encrypt("bob", plaintext)
	if err != nil || !bytes.Equal(out, plaintext) {
		t.Fatal("RemoveKey should restore passthrough")
	}
}
