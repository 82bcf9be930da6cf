// Package beast defines the core addressing and error types shared by every
// layer of the repository engine: content hashes and the closed ErrorKind
// set (spec §3/§6/§7). The facade tying those layers together lives in
// internal/repo, not here, to avoid an import cycle.
package beast

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/pkg/errors"
)

// HashSize is the length in bytes of a content hash (SHA-256).
const HashSize = sha256.Size

// Hash is a hex-lowercased SHA-256 digest, per spec §3/§6 ("Hash
// addressing"). Every persisted object is addressed by the hash of its
// canonical serialized bytes.
type Hash [HashSize]byte

// ZeroHash is the hash with no set bits; used as a sentinel for "no value".
var ZeroHash Hash

// SumBytes computes the Hash of b.
func SumBytes(b []byte) Hash {
	return Hash(sha256.Sum256(b))
}

// ParseHash parses a 64-character lowercase hex string into a Hash.
func ParseHash(s string) (Hash, error) {
	var h Hash
	s = strings.TrimSpace(s)
	if len(s) != HashSize*2 {
		return h, errors.Errorf("invalid hash length %d, want %d", len(s), HashSize*2)
	}
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return h, errors.Wrap(err, "invalid hash encoding")
	}
	copy(h[:], decoded)
	return h, nil
}

// MustParseHash parses s and panics on error. Intended for constants/tests.
func MustParseHash(s string) Hash {
	h, err := ParseHash(s)
	if err != nil {
		panic(err)
	}
	return h
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is the zero hash (no object).
func (h Hash) IsZero() bool {
	return h == ZeroHash
}

// Prefix returns the two-character hex prefix used as the object store's
// bucket directory name.
func (h Hash) Prefix() string {
	s := h.String()
	return s[:2]
}

// Rest returns the remaining 62 hex characters after the prefix, used as the
// blob's filename.
func (h Hash) Rest() string {
	s := h.String()
	return s[2:]
}

// TaskHash identifies a Task Object by the hash of its serialized bytes.
type TaskHash Hash

func (h TaskHash) String() string { return Hash(h).String() }

// InputsHash identifies an ordered set of task inputs: the digest of the
// concatenation of input value hashes in declared order (spec §3).
type InputsHash Hash

func (h InputsHash) String() string { return Hash(h).String() }

// SumInputsHash computes InputsHash = digest(concat(inputHash_i)) in the
// given (declared) order.
func SumInputsHash(inputs []Hash) InputsHash {
	buf := make([]byte, 0, len(inputs)*HashSize)
	for _, h := range inputs {
		buf = append(buf, h[:]...)
	}
	return InputsHash(SumBytes(buf))
}
