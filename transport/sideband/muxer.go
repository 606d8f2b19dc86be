package sideband

import (
	"io"

	"github.com/gitobjectstore/packclone/transport/pktline"
)

// Muxer writes one of the three side-band channels as pkt-lines,
// splitting any payload larger than the variant's max packet size
// into consecutive packets. It exists mainly to build test fixtures
// for Demuxer and for a future git-upload-pack server implementation,
// which packclone's Non-goals exclude but whose wire shape this type
// still documents correctly.
type Muxer struct {
	t   Type
	max int
	w   io.Writer
}

// NewMuxer returns a Muxer writing side-band packets to w.
func NewMuxer(t Type, w io.Writer) *Muxer {
	max := MaxPackedSize
	if t == Sideband {
		max = maxPackedSizeV1
	}
	return &Muxer{t: t, max: max, w: w}
}

// WriteChannel writes p on the given channel, chunking it into
// multiple packets if it exceeds the variant's max packet size.
func (m *Muxer) WriteChannel(ch Channel, p []byte) (int, error) {
	chunk := m.max - 1 // one byte reserved for the channel tag
	if chunk > pktline.MaxPayloadSize-1 {
		chunk = pktline.MaxPayloadSize - 1
	}
	written := 0

	for len(p) > 0 {
		n := len(p)
		if n > chunk {
			n = chunk
		}

		payload := make([]byte, n+1)
		payload[0] = byte(ch)
		copy(payload[1:], p[:n])

		if err := pktline.WritePacket(m.w, payload); err != nil {
			return written, err
		}

		written += n
		p = p[n:]
	}

	return written, nil
}

// WritePack is shorthand for WriteChannel(PackData, p).
func (m *Muxer) WritePack(p []byte) (int, error) { return m.WriteChannel(PackData, p) }

// WriteProgress is shorthand for WriteChannel(ProgressMessage, p).
func (m *Muxer) WriteProgress(p []byte) (int, error) { return m.WriteChannel(ProgressMessage, p) }

// WriteError is shorthand for WriteChannel(ErrorMessage, p).
func (m *Muxer) WriteError(p []byte) (int, error) { return m.WriteChannel(ErrorMessage, p) }

// Flush terminates the side-band stream with a flush packet.
func (m *Muxer) Flush() error { return pktline.WriteFlush(m.w) }
