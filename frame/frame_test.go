package frame

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/legamerdc/rio/buffer"
)

func TestHeader(t *testing.T) {
	for _, n := range []int{0, 1, shortMax, shortMax + 1, 1 << 20, MaxLen} {
		for _, flags := range []uint16{0, flagCompressed, flagBatched, flagCompressed | flagBatched} {
			var b [4]byte
			used := putHeader(b[:], flags, n)
			assert.Equal(t, headerLen(n), used)
			gf, gu, gn := parseHeader(b[:used])
			assert.Equal(t, flags, gf)
			assert.Equal(t, used, gu)
			assert.Equal(t, n, gn)
		}
	}
	_, used, _ := parseHeader([]byte{0x20})
	assert.Zero(t, used)
	// 长头只到了前两个字节
	_, used, _ = parseHeader([]byte{0x20, 0x01, 0x00})
	assert.Zero(t, used)
}

func TestShortFrameLayout(t *testing.T) {
	out, err := Encoder{}.Append(nil, 7, []byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x04, 0x00, 0x07, 'h', 'i'}, out)
}

func TestBatchLayout(t *testing.T) {
	out, err := Encoder{}.AppendBatch(nil, []Frame{{API: 1, Data: []byte("a")}, {API: 2}})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x40, 0x07, 0x00, 0x01, 0x01, 'a', 0x00, 0x02, 0x00}, out)

	_, err = Encoder{}.AppendBatch(nil, nil)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestRoundTrip(t *testing.T) {
	big := bytes.Repeat([]byte("abcdefgh"), 4096)
	in := buffer.New(0)
	enc := Encoder{CompressMin: 1024}
	require.NoError(t, enc.Write(in, 1, []byte("small")))
	require.NoError(t, enc.Write(in, 2, big))
	require.NoError(t, enc.Write(in, 3, nil))
	// 压缩后远小于原文
	assert.Less(t, in.ReadableBytes(), len(big)/4)

	var d Decoder
	f, ok, err := d.Next(in)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint16(1), f.API)
	assert.Equal(t, "small", string(f.Data))
	assert.False(t, f.Compressed)

	f, ok, err = d.Next(in)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint16(2), f.API)
	assert.True(t, f.Compressed)
	assert.Equal(t, big, f.Data)

	f, ok, err = d.Next(in)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint16(3), f.API)
	assert.Empty(t, f.Data)

	_, ok, err = d.Next(in)
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestBatchRoundTrip(t *testing.T) {
	msgs := []Frame{
		{API: 1, Data: []byte("one")},
		{API: 2, Data: bytes.Repeat([]byte("two"), 2000)},
		{API: 3},
	}
	for _, min := range []int{0, 512} {
		wire, err := Encoder{CompressMin: min}.AppendBatch(nil, msgs)
		require.NoError(t, err)
		wire, err = Encoder{}.Append(wire, 9, []byte("after"))
		require.NoError(t, err)

		in := buffer.New(0)
		in.Append(wire)
		f, ok, err := Decoder{}.Next(in)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, min > 0, f.Compressed)
		require.Len(t, f.Batch, 3)
		for i, m := range msgs {
			assert.Equal(t, m.API, f.Batch[i].API)
			assert.Equal(t, string(m.Data), string(f.Batch[i].Data))
		}

		f, ok, err = Decoder{}.Next(in)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Nil(t, f.Batch)
		assert.Equal(t, "after", string(f.Data))
	}
}

func TestDrain(t *testing.T) {
	var enc Encoder
	wire, err := enc.Append(nil, 1, []byte("a"))
	require.NoError(t, err)
	wire, err = enc.AppendBatch(wire, []Frame{{API: 2, Data: []byte("b")}, {API: 3, Data: []byte("c")}})
	require.NoError(t, err)
	wire, err = enc.Append(wire, 4, []byte("d"))
	require.NoError(t, err)

	in := buffer.New(0)
	in.Append(wire[:len(wire)-1])
	var got []string
	fn := func(api uint16, data []byte) { got = append(got, string(rune('0'+api))+string(data)) }
	n, err := Decoder{}.Drain(in, fn)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"1a", "2b", "3c"}, got)

	in.Append(wire[len(wire)-1:])
	n, err = Decoder{}.Drain(in, fn)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "4d", got[3])
	assert.Zero(t, in.ReadableBytes())
}

func TestPartialInput(t *testing.T) {
	wire, err := Encoder{}.Append(nil, 9, bytes.Repeat([]byte{'x'}, shortMax+10))
	require.NoError(t, err)
	in := buffer.New(0)
	var d Decoder
	for i, c := range wire {
		in.Append([]byte{c})
		f, ok, err := d.Next(in)
		require.NoError(t, err)
		if i < len(wire)-1 {
			require.False(t, ok, "byte %d", i)
			continue
		}
		require.True(t, ok)
		assert.Equal(t, uint16(9), f.API)
		assert.Len(t, f.Data, shortMax+10)
	}
	assert.Zero(t, in.ReadableBytes())
}

func TestDecodeErrors(t *testing.T) {
	d := Decoder{MaxLen: 16}
	wire, err := Encoder{}.Append(nil, 1, make([]byte, 32))
	require.NoError(t, err)
	in := buffer.New(0)
	in.Append(wire[:2])
	_, _, err = d.Next(in)
	assert.ErrorIs(t, err, ErrTooLarge)

	in.RetrieveAll()
	in.Append([]byte{0x00, 0x01, 0xff})
	_, _, err = d.Next(in)
	assert.ErrorIs(t, err, ErrCorrupt)

	// 标记压缩但内容不是 zstd
	in.RetrieveAll()
	var hdr [2]byte
	binary.BigEndian.PutUint16(hdr[:], flagCompressed|6)
	in.Append(hdr[:])
	in.Append([]byte{0, 1, 'j', 'u', 'n', 'k'})
	_, _, err = Decoder{}.Next(in)
	assert.ErrorIs(t, err, ErrCorrupt)

	// 批量条目声明的长度超出帧
	in.RetrieveAll()
	in.Append([]byte{0x40, 0x04, 0x00, 0x01, 0x05, 'x'})
	_, _, err = Decoder{}.Next(in)
	assert.ErrorIs(t, err, ErrCorrupt)

	// 空批量帧
	in.RetrieveAll()
	in.Append([]byte{0x40, 0x00})
	_, _, err = Decoder{}.Next(in)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestDecodedLimit(t *testing.T) {
	wire, err := Encoder{CompressMin: 1}.Append(nil, 1, bytes.Repeat([]byte{'z'}, 4096))
	require.NoError(t, err)
	require.Less(t, len(wire), 512)
	in := buffer.New(0)
	in.Append(wire)
	_, _, err = Decoder{MaxLen: 1024}.Next(in)
	assert.ErrorIs(t, err, ErrTooLarge)
}
