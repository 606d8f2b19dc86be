package delta

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// encodeSize mirrors readDeltaSize's plain LEB128 encoding, used here
// only to build synthetic delta streams for the tests below.
func encodeSize(buf *bytes.Buffer, v int64) {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		buf.WriteByte(b)
		if v == 0 {
			return
		}
	}
}

func buildDelta(sourceLen, targetLen int64, cmds ...[]byte) []byte {
	buf := &bytes.Buffer{}
	encodeSize(buf, sourceLen)
	encodeSize(buf, targetLen)
	for _, c := range cmds {
		buf.Write(c)
	}
	return buf.Bytes()
}

func insertCmd(data []byte) []byte {
	return append([]byte{byte(len(data))}, data...)
}

// copyCmd builds a minimal copy command byte plus its variable-length
// offset/length arguments, omitting any byte that would be zero, the
// same way git's own delta encoder does.
func copyCmd(offset, length int64) []byte {
	cmd := byte(copyBit)
	var args []byte

	for i := 0; i < copyOffsetBits; i++ {
		shifted := offset >> uint(i*8)
		if shifted == 0 {
			continue
		}
		cmd |= 1 << uint(i)
		args = append(args, byte(shifted&0xff))
	}
	for i := 0; i < copyLengthBits; i++ {
		shifted := length >> uint(i*8)
		if shifted == 0 {
			continue
		}
		cmd |= 1 << uint(copyOffsetBits+i)
		args = append(args, byte(shifted&0xff))
	}

	return append([]byte{cmd}, args...)
}

func TestPatchInsertOnly(t *testing.T) {
	source := []byte("hello")
	target := []byte("hello world")

	d := buildDelta(int64(len(source)), int64(len(target)), insertCmd(target))

	got, err := Patch(source, d)
	require.NoError(t, err)
	assert.Equal(t, target, got)
}

func TestPatchCopyAndInsert(t *testing.T) {
	source := []byte("the quick brown fox")
	// target = "the quick red fox": copy "the quick ", insert "red", copy " fox"
	target := []byte("the quick red fox")

	d := buildDelta(int64(len(source)), int64(len(target)),
		copyCmd(0, 10),
		insertCmd([]byte("red")),
		copyCmd(15, 4),
	)

	got, err := Patch(source, d)
	require.NoError(t, err)
	assert.Equal(t, target, got)
}

func TestPatchRejectsReservedCommand(t *testing.T) {
	source := []byte("abc")
	d := buildDelta(int64(len(source)), 1, []byte{0x00})

	_, err := Patch(source, d)
	assert.ErrorIs(t, err, ErrDeltaCmd)
}

func TestPatchRejectsBadSourceLength(t *testing.T) {
	source := []byte("abc")
	d := buildDelta(int64(len(source))+1, 3, insertCmd([]byte("abc")))

	_, err := Patch(source, d)
	assert.ErrorIs(t, err, ErrInvalidDelta)
}

func TestPatchRejectsCopyPastSource(t *testing.T) {
	source := []byte("abc")
	d := buildDelta(int64(len(source)), 5, copyCmd(0, 5))

	_, err := Patch(source, d)
	assert.ErrorIs(t, err, ErrInvalidDelta)
}

func TestHeader(t *testing.T) {
	d := buildDelta(19, 366, insertCmd([]byte("x")))

	srcLen, targetLen, err := Header(d)
	require.NoError(t, err)
	assert.Equal(t, int64(19), srcLen)
	assert.Equal(t, int64(366), targetLen)
}

func TestNewPatchReaderMatchesPatch(t *testing.T) {
	source := []byte("the quick brown fox jumps")
	target := []byte("the quick red fox jumps")

	d := buildDelta(int64(len(source)), int64(len(target)),
		copyCmd(0, 10),
		insertCmd([]byte("red")),
		copyCmd(15, 10),
	)

	want, err := Patch(source, d)
	require.NoError(t, err)

	r, err := NewPatchReader(bytes.NewReader(source), int64(len(source)), bytes.NewReader(d))
	require.NoError(t, err)

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
