// Package hashing provides the content-addressing primitives shared by
// every basin component.
//
// All identifiers are 32-byte BLAKE2b-256 digests computed over a single
// domain prefix byte followed by the raw payload. The prefix keeps digests
// from different object kinds disjoint: a blob and a tree node with
// identical byte payloads never hash to the same value.
package hashing

import (
	"encoding/hex"
	"errors"
	"fmt"
	"hash"

	"golang.org/x/crypto/blake2b"
)

// Size is the length in bytes of every content hash.
const Size = 32

// Domain prefixes for structured hashing.
const (
	// DomainBlob prefixes raw file content and individual chunks.
	DomainBlob byte = 0x00
	// DomainTree prefixes the canonical serialization of a tree.
	DomainTree byte = 0x01
	// DomainManifest prefixes the chunk manifest of a large blob.
	DomainManifest byte = 0x02
	// DomainLand prefixes land event hashing for the history chain.
	DomainLand byte = 0x03
)

// Hash is a 32-byte content digest.
type Hash [Size]byte

// Zero is the all-zero hash. It identifies the empty tree at position zero
// and never matches any real content.
var Zero Hash

// ErrInvalidHash indicates a malformed textual hash encoding.
var ErrInvalidHash = errors.New("invalid hash encoding")

// Sum computes the digest of data under the given domain prefix.
func Sum(domain byte, data []byte) Hash {
	h, _ := blake2b.New256(nil)
	h.Write([]byte{domain})
	h.Write(data)
	var out Hash
	h.Sum(out[:0])
	return out
}

// New returns a streaming hasher with the domain prefix already written.
// Callers that hash large inputs incrementally use this instead of Sum.
func New(domain byte) hash.Hash {
	h, _ := blake2b.New256(nil)
	h.Write([]byte{domain})
	return h
}

// FromDigest copies a raw 32-byte digest out of a streaming hasher.
func FromDigest(h hash.Hash) Hash {
	var out Hash
	h.Sum(out[:0])
	return out
}

// Hex returns the lowercase hex encoding of the hash.
func (h Hash) Hex() string {
	return hex.EncodeToString(h[:])
}

// Short returns the first eight hex characters, for log lines and listings.
func (h Hash) Short() string {
	return hex.EncodeToString(h[:4])
}

// IsZero reports whether the hash is the all-zero value.
func (h Hash) IsZero() bool {
	return h == Zero
}

// String implements fmt.Stringer.
func (h Hash) String() string {
	return h.Hex()
}

// Parse decodes a 64-character hex string into a Hash.
func Parse(s string) (Hash, error) {
	var h Hash
	if len(s) != Size*2 {
		return h, fmt.Errorf("%w: want %d hex chars, got %d", ErrInvalidHash, Size*2, len(s))
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("%w: %v", ErrInvalidHash, err)
	}
	copy(h[:], raw)
	return h, nil
}

// MarshalText implements encoding.TextMarshaler so hashes render as hex in
// JSON documents.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.Hex()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}
