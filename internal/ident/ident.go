// ABOUTME: Identifier and content digest helpers shared by every postbox component
// ABOUTME: Time-ordered uuid v7 ids, deterministic pairwise ids, and blake2b-256 digests

package ident

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// ErrInvalidDigest is returned when a digest string cannot be parsed.
var ErrInvalidDigest = errors.New("invalid digest")

// DigestSize is the length in bytes of a content digest.
const DigestSize = blake2b.Size256

// pairNamespace scopes pairwise conversation ids so they never collide with
// ids minted by NewID.
var pairNamespace = uuid.MustParse("6f1d7c3e-93a4-4b8e-9a51-2c0d5e7f8a10")

// NewID returns a fresh time-ordered identifier. Ids minted later sort after
// ids minted earlier, which lets them act as a tie-break for equal timestamps.
func NewID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the random source fails.
		return uuid.New()
	}
	return id
}

// PairID derives the conversation id for a one-to-one exchange between two
// people. The result does not depend on argument order.
func PairID(a, b uuid.UUID) uuid.UUID {
	lo, hi := a, b
	if bytes.Compare(lo[:], hi[:]) > 0 {
		lo, hi = hi, lo
	}
	name := make([]byte, 0, 32)
	name = append(name, lo[:]...)
	name = append(name, hi[:]...)
	return uuid.NewSHA1(pairNamespace, name)
}

// Digest is the content hash used as the key of a cached file.
type Digest [DigestSize]byte

// Sum computes the digest of data.
func Sum(data []byte) Digest {
	return Digest(blake2b.Sum256(data))
}

// String returns the lowercase hex form of the digest.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// IsZero reports whether d is the zero digest.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// ParseDigest parses the hex form produced by Digest.String.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	raw, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("%w: %v", ErrInvalidDigest, err)
	}
	if len(raw) != DigestSize {
		return d, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidDigest, DigestSize, len(raw))
	}
	copy(d[:], raw)
	return d, nil
}

// DigestFromBytes copies a raw digest read back from storage.
func DigestFromBytes(raw []byte) (Digest, error) {
	var d Digest
	if len(raw) != DigestSize {
		return d, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidDigest, DigestSize, len(raw))
	}
	copy(d[:], raw)
	return d, nil
}

// MarshalText implements encoding.TextMarshaler so digests serialise as hex.
func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Digest) UnmarshalText(text []byte) error {
	parsed, err := ParseDigest(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
