package buffer

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestAppendRetrieve(t *testing.T) {
	b := New(0)
	assert.Equal(t, 0, b.ReadableBytes())
	assert.Equal(t, InitialSize, b.WritableBytes())
	assert.Equal(t, CheapPrepend, b.PrependableBytes())

	b.AppendString(strings.Repeat("x", 200))
	assert.Equal(t, 200, b.ReadableBytes())
	assert.Equal(t, InitialSize-200, b.WritableBytes())

	s := b.RetrieveString(50)
	assert.Equal(t, 50, len(s))
	assert.Equal(t, 150, b.ReadableBytes())
	assert.Equal(t, CheapPrepend+50, b.PrependableBytes())

	b.RetrieveAll()
	assert.Equal(t, 0, b.ReadableBytes())
	assert.Equal(t, CheapPrepend, b.PrependableBytes())
}

func TestGrow(t *testing.T) {
	b := New(0)
	b.AppendString(strings.Repeat("y", 400))
	b.Retrieve(50)
	b.AppendString(strings.Repeat("z", 1000))
	assert.Equal(t, 1350, b.ReadableBytes())
	assert.Equal(t, strings.Repeat("y", 350)+strings.Repeat("z", 1000), string(b.Peek()))
}

func TestMoveInsteadOfGrow(t *testing.T) {
	b := New(0)
	b.AppendString(strings.Repeat("y", 800))
	b.Retrieve(500)
	capBefore := b.Cap()
	b.AppendString(strings.Repeat("z", 300))
	assert.Equal(t, capBefore, b.Cap())
	assert.Equal(t, 600, b.ReadableBytes())
	assert.Equal(t, CheapPrepend, b.PrependableBytes())
}

func TestPrepend(t *testing.T) {
	b := New(0)
	b.AppendString("payload")
	require.NoError(t, b.PrependUint32(7))
	assert.Equal(t, 11, b.ReadableBytes())
	n, err := b.ReadUint32()
	require.NoError(t, err)
	assert.Equal(t, uint32(7), n)
	assert.Equal(t, "payload", b.RetrieveAllString())

	b.AppendString("x")
	assert.ErrorIs(t, b.Prepend(make([]byte, CheapPrepend+1)), ErrNoPrependSpace)
}

func TestFindCRLFAndNext(t *testing.T) {
	b := New(0)
	b.AppendString("GET / HTTP/1.1\r\nHost: a\r\n")
	assert.Equal(t, 14, b.FindCRLF())
	assert.Equal(t, []byte("GET"), b.Next(3))
	b.RetrieveAll()
	b.AppendString("no line end")
	assert.Equal(t, -1, b.FindCRLF())
}

func TestShrinkAndUnwrite(t *testing.T) {
	b := New(0)
	b.AppendString(strings.Repeat("a", 4096))
	b.Retrieve(4000)
	b.Shrink(16)
	assert.Equal(t, 96, b.ReadableBytes())
	assert.Equal(t, 16, b.WritableBytes())
	b.Unwrite(6)
	assert.Equal(t, 90, b.ReadableBytes())
}

func TestReaderWriter(t *testing.T) {
	b := New(4)
	_, err := io.Copy(b, bytes.NewReader([]byte("hello world")))
	require.NoError(t, err)
	out, err := io.ReadAll(b)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(out))
}

func TestReadWriteFD(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	out := New(0)
	payload := bytes.Repeat([]byte("0123456789"), 300)
	out.Append(payload)
	n, err := out.WriteFD(fds[0])
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, 0, out.ReadableBytes())

	in := New(16)
	got := 0
	for got < len(payload) {
		n, err := in.ReadFD(fds[1])
		require.NoError(t, err)
		got += n
	}
	assert.Equal(t, payload, in.Peek())
}
