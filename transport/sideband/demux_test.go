package sideband

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDemuxerReassemblesPackDataAcrossProgress(t *testing.T) {
	buf := &bytes.Buffer{}
	m := NewMuxer(Sideband64k, buf)

	_, err := m.WritePack([]byte("PACK"))
	require.NoError(t, err)
	_, err = m.WriteProgress([]byte("Counting objects: 10\n"))
	require.NoError(t, err)
	_, err = m.WritePack([]byte("...rest of pack..."))
	require.NoError(t, err)
	require.NoError(t, m.Flush())

	var progress bytes.Buffer
	d := NewDemuxer(Sideband64k, buf)
	d.Progress = &progress

	got, err := io.ReadAll(d)
	require.NoError(t, err)

	assert.Equal(t, "PACK...rest of pack...", string(got))
	assert.Equal(t, "Counting objects: 10\n", progress.String())
}

func TestDemuxerSurfacesErrorMessage(t *testing.T) {
	buf := &bytes.Buffer{}
	m := NewMuxer(Sideband64k, buf)

	_, err := m.WriteError([]byte("remote: fatal: repository not found"))
	require.NoError(t, err)
	require.NoError(t, m.Flush())

	d := NewDemuxer(Sideband64k, buf)
	_, err = io.ReadAll(d)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "repository not found")
}

func TestDemuxerRejectsUnknownChannel(t *testing.T) {
	buf := &bytes.Buffer{}
	// hand-construct a packet with channel byte 9, since Muxer only
	// exposes the three valid channels.
	payload := append([]byte{9}, []byte("bogus")...)
	require.NoError(t, writeRawPacket(buf, payload))

	d := NewDemuxer(Sideband64k, buf)
	_, err := io.ReadAll(d)
	assert.Error(t, err)
}

func TestDemuxerRejectsOversizedPacket(t *testing.T) {
	buf := &bytes.Buffer{}
	payload := append([]byte{byte(PackData)}, make([]byte, MaxPackedSize)...)
	require.NoError(t, writeRawPacket(buf, payload))

	d := NewDemuxer(Sideband64k, buf)
	_, err := io.ReadAll(d)
	assert.ErrorIs(t, err, ErrMaxPackedExceeded)
}

func TestDemuxerEmptyStreamIsFlushOnly(t *testing.T) {
	buf := &bytes.Buffer{}
	require.NoError(t, NewMuxer(Sideband64k, buf).Flush())

	d := NewDemuxer(Sideband64k, buf)
	got, err := io.ReadAll(d)
	require.NoError(t, err)
	assert.Empty(t, got)
}

// writeRawPacket writes a pkt-line without going through Muxer's
// channel-tag validation, for tests that need to exercise a
// deliberately malformed packet.
func writeRawPacket(w io.Writer, payload []byte) error {
	var prefix [4]byte
	n := len(payload) + 4
	const hexDigits = "0123456789abcdef"
	prefix[0] = hexDigits[(n>>12)&0xf]
	prefix[1] = hexDigits[(n>>8)&0xf]
	prefix[2] = hexDigits[(n>>4)&0xf]
	prefix[3] = hexDigits[n&0xf]

	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}
