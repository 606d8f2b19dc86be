package object

import (
	"bytes"
	"encoding/hex"
	"hash"
	"sort"
	"strconv"

	"github.com/pjbgf/sha1cd"
)

// HashSize is the width, in bytes, of a Hash.
const HashSize = 20

// Hash is the SHA-1 digest identifying an Object. It is a fixed-width
// array so it is directly comparable and usable as a map key, unlike
// the variable-length byte slices the pack formats carry it in.
type Hash [HashSize]byte

// ZeroHash is the zero-valued Hash.
var ZeroHash Hash

// FromHex parses a 40-character hex string into a Hash. An invalid
// input returns the zero hash and an error.
func FromHex(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, err
	}
	if len(b) != HashSize {
		return h, errShortHash
	}
	copy(h[:], b)
	return h, nil
}

// FromBytes copies a 20-byte slice into a Hash.
func FromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != HashSize {
		return h, errShortHash
	}
	copy(h[:], b)
	return h, nil
}

var errShortHash = hexLenError{}

type hexLenError struct{}

func (hexLenError) Error() string { return "object: hash must be 20 bytes" }

// String returns the lowercase hex representation of the hash.
func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// Bytes returns the raw 20 bytes of the hash.
func (h Hash) Bytes() []byte { return h[:] }

// IsZero reports whether h is the zero hash.
func (h Hash) IsZero() bool { return h == ZeroHash }

// Compare orders hashes lexicographically, matching the ordering
// required of a PackIndex's parallel arrays.
func (h Hash) Compare(o Hash) int { return bytes.Compare(h[:], o[:]) }

// Less reports whether h sorts before o.
func (h Hash) Less(o Hash) bool { return h.Compare(o) < 0 }

// Sort sorts a slice of Hash in increasing order.
func Sort(hs []Hash) {
	sort.Slice(hs, func(i, j int) bool { return hs[i].Less(hs[j]) })
}

// Hasher wraps a collision-detecting SHA-1 implementation to compute
// Git object hashes: the digest is primed with the loose-object
// header before any content is written, so Sum() is directly the
// object's canonical hash.
//
// sha1cd is a drop-in hash.Hash that behaves exactly like crypto/sha1
// except that, on detecting a SHAttered-style collision attempt, it
// perturbs the digest so the attack cannot produce two objects that
// collide silently. A hostile packfile is adversarial input by
// definition, so the core never uses crypto/sha1 directly.
type Hasher struct {
	hash.Hash
}

// NewHasher returns a Hasher primed for an object of the given kind
// and size.
func NewHasher(kind Kind, size int64) Hasher {
	h := Hasher{Hash: sha1cd.New()}
	h.Reset(kind, size)
	return h
}

// Reset reprimes the hasher for a new object of the given kind and
// size, without allocating a new digest.
func (h Hasher) Reset(kind Kind, size int64) {
	h.Hash.Reset()
	h.Write([]byte(kind.String()))
	h.Write([]byte{' '})
	h.Write([]byte(strconv.FormatInt(size, 10)))
	h.Write([]byte{0})
}

// Sum returns the digest computed so far as a Hash.
func (h Hasher) Sum() (out Hash) {
	copy(out[:], h.Hash.Sum(nil))
	return out
}
