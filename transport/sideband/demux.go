// Package sideband demultiplexes the side-band-64k channel framing
// the smart-HTTP upload-pack response uses to interleave packfile
// bytes, progress text, and a remote error onto one stream.
package sideband

import (
	"errors"
	"fmt"
	"io"

	"github.com/gitobjectstore/packclone/transport/pktline"
)

// Type selects which side-band variant is in use; it only changes the
// maximum payload per packet the server is permitted to send.
type Type int8

const (
	// Sideband is the original 1000-byte-packet variant.
	Sideband Type = iota
	// Sideband64k is the 65520-byte-packet variant nearly every
	// modern smart-HTTP server negotiates.
	Sideband64k
)

// MaxPackedSize is the largest payload (channel byte included) a
// Sideband64k packet may carry.
const MaxPackedSize = 65520

// maxPackedSizeV1 is the limit for the original Sideband variant.
const maxPackedSizeV1 = 1000

// Channel identifies which of the three side-band streams a packet's
// payload belongs to.
type Channel byte

const (
	// PackData carries raw packfile bytes — the only channel the
	// packfile core consumes (spec §6's "consumed upstream interface").
	PackData Channel = 1
	// ProgressMessage carries human-readable progress text.
	ProgressMessage Channel = 2
	// ErrorMessage carries a fatal remote error.
	ErrorMessage Channel = 3
)

// ErrMaxPackedExceeded is returned when a packet's payload, channel
// byte included, exceeds the variant's maximum size.
var ErrMaxPackedExceeded = errors.New("sideband: max packed size exceeded")

// Demuxer reassembles a side-band-64k stream into its constituent
// parts: Read returns only channel-1 (packfile) bytes, progress text
// is written to Progress as it arrives, and a channel-3 error packet
// is surfaced as the error from Read.
//
// It implements io.Reader so it composes directly with pack.Parser,
// which consumes only channel-1 bytes per spec §6 and does not parse
// the outer smart-HTTP protocol at all.
type Demuxer struct {
	t   Type
	max int
	r   io.Reader

	// Progress, if non-nil, receives every channel-2 payload as it is
	// demultiplexed. A nil Progress discards progress text.
	Progress io.Writer

	pending []byte
}

// NewDemuxer returns a Demuxer reading side-band packets from r.
func NewDemuxer(t Type, r io.Reader) *Demuxer {
	max := MaxPackedSize
	if t == Sideband {
		max = maxPackedSizeV1
	}
	return &Demuxer{t: t, max: max, r: r}
}

// Read implements io.Reader, returning only demultiplexed channel-1
// bytes. It transparently skips progress packets (after forwarding
// them to Progress) and returns the remote's message as the error on
// a channel-3 packet.
func (d *Demuxer) Read(p []byte) (int, error) {
	for len(d.pending) == 0 {
		if err := d.nextPacket(); err != nil {
			return 0, err
		}
	}

	n := copy(p, d.pending)
	d.pending = d.pending[n:]
	return n, nil
}

// nextPacket reads and dispatches the next pkt-line, leaving any
// channel-1 payload in d.pending for Read to drain. It recurses past
// progress packets since they carry no bytes for Read to return.
func (d *Demuxer) nextPacket() error {
	raw, err := pktline.ReadPacket(d.r)
	if err != nil {
		if err == io.EOF {
			return io.EOF
		}
		return fmt.Errorf("sideband: %w", err)
	}

	if len(raw) == 0 {
		// flush packet: nothing more to demultiplex.
		return io.EOF
	}

	if len(raw) > d.max {
		return ErrMaxPackedExceeded
	}

	ch := Channel(raw[0])
	content := raw[1:]

	switch ch {
	case PackData:
		d.pending = content
		return nil
	case ProgressMessage:
		if d.Progress != nil {
			_, _ = d.Progress.Write(content)
		}
		return d.nextPacket()
	case ErrorMessage:
		return fmt.Errorf("sideband: remote error: %s", content)
	default:
		return fmt.Errorf("sideband: unknown channel %d", ch)
	}
}
