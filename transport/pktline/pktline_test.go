package pktline

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadPacketRoundTrip(t *testing.T) {
	buf := &bytes.Buffer{}
	require.NoError(t, WritePacket(buf, []byte("hello\n")))

	assert.Equal(t, "000ahello\n", buf.String())

	got, err := ReadPacket(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello\n"), got)
}

func TestWriteFlush(t *testing.T) {
	buf := &bytes.Buffer{}
	require.NoError(t, WriteFlush(buf))
	assert.Equal(t, "0000", buf.String())

	got, err := ReadPacket(buf)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestWriteDelim(t *testing.T) {
	buf := &bytes.Buffer{}
	require.NoError(t, WriteDelim(buf))
	assert.Equal(t, "0001", buf.String())
}

func TestReadPacketRejectsBadLength(t *testing.T) {
	buf := bytes.NewBufferString("000g")
	_, err := ReadPacket(buf)
	assert.ErrorIs(t, err, ErrInvalidPktLen)
}

func TestReadPacketRejectsTooShortLength(t *testing.T) {
	buf := bytes.NewBufferString("0002")
	_, err := ReadPacket(buf)
	assert.ErrorIs(t, err, ErrInvalidPktLen)
}

func TestPeekPacketDoesNotConsume(t *testing.T) {
	buf := &bytes.Buffer{}
	require.NoError(t, WriteString(buf, "first"))
	require.NoError(t, WriteString(buf, "second"))

	r := bufio.NewReader(buf)

	peeked, err := PeekPacket(r)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), peeked)

	got, err := ReadPacket(r)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), got)

	got, err = ReadPacket(r)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), got)
}

func TestScannerIteratesLinesAndFlush(t *testing.T) {
	buf := &bytes.Buffer{}
	require.NoError(t, WriteString(buf, "line one"))
	require.NoError(t, WriteString(buf, "line two"))
	require.NoError(t, WriteFlush(buf))
	require.NoError(t, WriteString(buf, "after flush"))

	s := NewScanner(buf)

	require.True(t, s.Scan())
	assert.Equal(t, []byte("line one"), s.Bytes())
	assert.False(t, s.IsFlush())

	require.True(t, s.Scan())
	assert.Equal(t, []byte("line two"), s.Bytes())

	require.True(t, s.Scan())
	assert.True(t, s.IsFlush())
	assert.False(t, s.IsDelim())

	require.True(t, s.Scan())
	assert.Equal(t, []byte("after flush"), s.Bytes())

	assert.False(t, s.Scan())
	assert.NoError(t, s.Err())
}

func TestWritePacketRejectsOversizedPayload(t *testing.T) {
	buf := &bytes.Buffer{}
	err := WritePacket(buf, make([]byte, MaxPayloadSize+1))
	assert.Error(t, err)
}
