// Package delta implements Git's copy/insert delta encoding: applying
// a delta produced against a base object to reconstruct the target
// object's content.
package delta

import (
	"bytes"
	"errors"
	"io"
)

// ErrInvalidDelta is returned when a delta stream is malformed: a
// truncated header, a copy command reaching past the source, or an
// insert/copy command whose total length does not match the
// delta-declared target size.
var ErrInvalidDelta = errors.New("invalid delta")

// ErrDeltaCmd is returned when a delta stream contains the reserved
// command byte 0x00. Git itself never emits this byte; a delta that
// contains it is either corrupt or adversarial, so it is rejected
// rather than interpreted.
var ErrDeltaCmd = errors.New("delta: reserved command byte 0x00")

const (
	payloadBits  = 7
	payloadMask  = 0x7f
	continueFlag = 0x80

	copyBit = 0x80

	copyOffsetBits = 4
	copyLengthBits = 3

	maxCopyLength = 0x10000
)

// Patch applies delta against source and returns the reconstructed
// target content. Both the source and target lengths declared in the
// delta header are validated against the actual input and output, so
// a truncated or oversized delta is rejected rather than silently
// producing a wrong answer.
func Patch(source, delta []byte) ([]byte, error) {
	r := bytes.NewReader(delta)

	srcLen, err := readDeltaSize(r)
	if err != nil {
		return nil, ErrInvalidDelta
	}
	if srcLen != int64(len(source)) {
		return nil, ErrInvalidDelta
	}

	targetLen, err := readDeltaSize(r)
	if err != nil {
		return nil, ErrInvalidDelta
	}

	target := make([]byte, 0, targetLen)

	for r.Len() > 0 {
		cmd, err := r.ReadByte()
		if err != nil {
			return nil, ErrInvalidDelta
		}

		switch {
		case cmd == 0:
			return nil, ErrDeltaCmd

		case cmd&copyBit != 0:
			offset, length, err := decodeCopy(r, cmd)
			if err != nil {
				return nil, err
			}
			if offset < 0 || length < 0 || offset+length > int64(len(source)) {
				return nil, ErrInvalidDelta
			}
			target = append(target, source[offset:offset+length]...)

		default:
			n := int(cmd)
			buf := make([]byte, n)
			if _, err := io.ReadFull(r, buf); err != nil {
				return nil, ErrInvalidDelta
			}
			target = append(target, buf...)
		}
	}

	if int64(len(target)) != targetLen {
		return nil, ErrInvalidDelta
	}

	return target, nil
}

// decodeCopy reads the variable-width offset/length pair that follows
// a copy command byte. Each of the low 4 bits of cmd selects whether
// the corresponding offset byte is present on the wire; each of the
// next 3 bits does the same for the length. An absent length defaults
// to the maximum copy span, matching git's own delta encoder.
func decodeCopy(r *bytes.Reader, cmd byte) (offset, length int64, err error) {
	for i := 0; i < copyOffsetBits; i++ {
		if cmd&(1<<uint(i)) != 0 {
			b, err := r.ReadByte()
			if err != nil {
				return 0, 0, ErrInvalidDelta
			}
			offset |= int64(b) << uint(i*8)
		}
	}

	for i := 0; i < copyLengthBits; i++ {
		if cmd&(1<<uint(copyOffsetBits+i)) != 0 {
			b, err := r.ReadByte()
			if err != nil {
				return 0, 0, ErrInvalidDelta
			}
			length |= int64(b) << uint(i*8)
		}
	}

	if length == 0 {
		length = maxCopyLength
	}

	return offset, length, nil
}

// Header reads just the source and target lengths a delta declares,
// without applying it. Callers that need to size a destination buffer
// ahead of a streaming apply use this instead of Patch.
func Header(delta []byte) (sourceLen, targetLen int64, err error) {
	r := bytes.NewReader(delta)

	sourceLen, err = readDeltaSize(r)
	if err != nil {
		return 0, 0, ErrInvalidDelta
	}

	targetLen, err = readDeltaSize(r)
	if err != nil {
		return 0, 0, ErrInvalidDelta
	}

	return sourceLen, targetLen, nil
}

// readDeltaSize reads one of the delta header's two plain LEB128
// varints (source length, then target length): each byte contributes
// its low 7 bits, most significant byte last, with the high bit
// marking a continuation byte. It differs from a packfile entry
// header's size varint, whose first byte carries the type id and only
// 4 size bits, and from the negative-offset varint an OfsDelta base
// reference uses.
func readDeltaSize(r io.ByteReader) (int64, error) {
	var size int64
	var shift uint

	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}

		size |= int64(b&0x7f) << shift
		if b&0x80 == 0 {
			break
		}
		shift += 7
	}

	return size, nil
}

// NewPatchReader returns a reader over the content produced by
// applying the delta stream read from d against base. Unlike Patch,
// it does not require the delta to be held in memory all at once, but
// it still needs random access to the (already reconstructed) base,
// since a copy command can reference any offset in it.
func NewPatchReader(base io.ReaderAt, baseLen int64, d io.Reader) (io.Reader, error) {
	br, ok := d.(io.ByteReader)
	if !ok {
		br = &byteReader{d}
	}

	srcLen, err := readDeltaSize(br)
	if err != nil {
		return nil, ErrInvalidDelta
	}
	if srcLen != baseLen {
		return nil, ErrInvalidDelta
	}

	targetLen, err := readDeltaSize(br)
	if err != nil {
		return nil, ErrInvalidDelta
	}

	return &patchReader{base: base, baseLen: baseLen, delta: d, remaining: targetLen}, nil
}

// byteReader adapts an io.Reader without native ReadByte support to
// io.ByteReader, reading directly from the underlying stream with no
// extra buffering so callers can freely interleave it with raw reads
// against the same source.
type byteReader struct{ r io.Reader }

func (b *byteReader) ReadByte() (byte, error) {
	var buf [1]byte
	if _, err := io.ReadFull(b.r, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

// patchReader streams a delta target by decoding one command at a
// time and buffering only that command's output.
type patchReader struct {
	base      io.ReaderAt
	baseLen   int64
	delta     io.Reader
	remaining int64
	pending   []byte
}

func (p *patchReader) Read(out []byte) (int, error) {
	for len(p.pending) == 0 {
		if p.remaining <= 0 {
			return 0, io.EOF
		}

		var cmdBuf [1]byte
		if _, err := io.ReadFull(p.delta, cmdBuf[:]); err != nil {
			return 0, ErrInvalidDelta
		}
		cmd := cmdBuf[0]

		switch {
		case cmd == 0:
			return 0, ErrDeltaCmd

		case cmd&copyBit != 0:
			offset, length, err := decodeCopyReader(p.delta, cmd)
			if err != nil {
				return 0, err
			}
			if offset < 0 || length < 0 || offset+length > p.baseLen {
				return 0, ErrInvalidDelta
			}
			buf := make([]byte, length)
			if _, err := p.base.ReadAt(buf, offset); err != nil && err != io.EOF {
				return 0, err
			}
			p.pending = buf

		default:
			buf := make([]byte, int(cmd))
			if _, err := io.ReadFull(p.delta, buf); err != nil {
				return 0, ErrInvalidDelta
			}
			p.pending = buf
		}

		p.remaining -= int64(len(p.pending))
	}

	n := copy(out, p.pending)
	p.pending = p.pending[n:]
	return n, nil
}

func decodeCopyReader(r io.Reader, cmd byte) (offset, length int64, err error) {
	var b [1]byte

	for i := 0; i < copyOffsetBits; i++ {
		if cmd&(1<<uint(i)) != 0 {
			if _, err := io.ReadFull(r, b[:]); err != nil {
				return 0, 0, ErrInvalidDelta
			}
			offset |= int64(b[0]) << uint(i*8)
		}
	}

	for i := 0; i < copyLengthBits; i++ {
		if cmd&(1<<uint(copyOffsetBits+i)) != 0 {
			if _, err := io.ReadFull(r, b[:]); err != nil {
				return 0, 0, ErrInvalidDelta
			}
			length |= int64(b[0]) << uint(i*8)
		}
	}

	if length == 0 {
		length = maxCopyLength
	}

	return offset, length, nil
}
