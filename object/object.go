// Package object implements the four base Git object kinds and their
// canonical content hash.
package object

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
)

// ErrInvalidType is returned when an invalid object type is provided.
var ErrInvalidType = errors.New("invalid object type")

// Kind is a tagged variant over the four base object kinds. The
// numeric value matches the packfile type id used on the wire.
type Kind uint8

const (
	// InvalidKind is never produced by a well-formed pack entry.
	InvalidKind Kind = 0
	Commit      Kind = 1
	Tree        Kind = 2
	Blob        Kind = 3
	Tag         Kind = 4
)

// String returns the lowercase name used in the loose-object header
// and in packfile type negotiation.
func (k Kind) String() string {
	switch k {
	case Commit:
		return "commit"
	case Tree:
		return "tree"
	case Blob:
		return "blob"
	case Tag:
		return "tag"
	default:
		return "unknown"
	}
}

// Valid reports whether k is one of the four base kinds.
func (k Kind) Valid() bool {
	return k >= Commit && k <= Tag
}

// ParseKind parses the string representation of a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "commit":
		return Commit, nil
	case "tree":
		return Tree, nil
	case "blob":
		return Blob, nil
	case "tag":
		return Tag, nil
	default:
		return InvalidKind, ErrInvalidType
	}
}

// Object is an immutable, content-addressed Git object. The hash is
// memoized on first computation; callers that share an Object across
// goroutines must call Hash() once before sharing it, per spec §5.
type Object struct {
	kind    Kind
	content []byte
	sha     *Hash
}

// New constructs an Object with an uncached hash.
func New(kind Kind, content []byte) *Object {
	return &Object{kind: kind, content: content}
}

// Kind returns the object's kind.
func (o *Object) Kind() Kind { return o.kind }

// Content returns the object's raw content. The returned slice must
// not be mutated by the caller.
func (o *Object) Content() []byte { return o.content }

// Size returns the length of the object's content.
func (o *Object) Size() int64 { return int64(len(o.content)) }

// Hash computes and memoizes the canonical SHA-1 of the object:
// SHA1("<kind> <len>\0" ++ content).
func (o *Object) Hash() Hash {
	if o.sha != nil {
		return *o.sha
	}

	h := NewHasher(o.kind, int64(len(o.content)))
	h.Write(o.content)
	sum := h.Sum()
	o.sha = &sum
	return sum
}

// Patch returns a new Object of the same kind whose content is the
// result of applying delta to o's content. Delta application itself
// lives in package delta; patcher is injected so this package has no
// dependency on the delta engine's internals.
func (o *Object) Patch(patcher func(base []byte) ([]byte, error)) (*Object, error) {
	content, err := patcher(o.content)
	if err != nil {
		return nil, err
	}
	return New(o.kind, content), nil
}

// EncodeLoose returns the object's hash and its loose on-disk payload
// (uncompressed): "<kind> <len>\0" followed by content. Compression
// into the zlib-framed file is the storage collaborator's job.
func (o *Object) EncodeLoose() (Hash, []byte) {
	var buf bytes.Buffer
	buf.WriteString(o.kind.String())
	buf.WriteByte(' ')
	buf.WriteString(strconv.FormatInt(o.Size(), 10))
	buf.WriteByte(0)
	buf.Write(o.content)
	return o.Hash(), buf.Bytes()
}

// String is a debug representation; it never allocates the full
// content.
func (o *Object) String() string {
	return fmt.Sprintf("object %s %s (%d bytes)", o.kind, o.Hash(), o.Size())
}
