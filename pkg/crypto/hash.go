// Package crypto provides the hashing and session encryption
// primitives the peer engine consumes through narrow interfaces.
package crypto

import (
	"encoding/binary"
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// Blake2b256 computes a BLAKE2b-256 hash of data
func Blake2b256(data []byte) []byte {
	hash, err := blake2b.New256(nil)
	if err != nil {
		// blake2b.New256 only errors on invalid key size; nil key never fails
		panic(err)
	}
	hash.Write(data)
	return hash.Sum(nil)
}

// DeriveRoomID deterministically derives a room identifier from the
// creator's peer id, the room name, and the creation time. The same
// inputs always yield the same id.
func DeriveRoomID(creatorID, name string, createdAt int64) string {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(createdAt))

	h, err := blake2b.New256(nil)
	if err != nil {
		panic(err)
	}
	h.Write([]byte(creatorID))
	h.Write([]byte{0})
	h.Write([]byte(name))
	h.Write([]byte{0})
	h.Write(buf)

	return hex.EncodeToString(h.Sum(nil)[:16])
}

// DeriveSessionKey derives a 32-byte session key from shared secret
// material and the two peer ids, independent of order.
func DeriveSessionKey(secret []byte, peerA, peerB string) []byte {
	if peerB < peerA {
		peerA, peerB = peerB, peerA
	}
	h, err := blake2b.New256(nil)
	if err != nil {
		panic(err)
	}
	h.Write(secret)
	h.Write([]byte{0})
	h.Write([]byte(peerA))
	h.Write([]byte{0})
	h.Write([]byte(peerB))
	return h.Sum(nil)
}
