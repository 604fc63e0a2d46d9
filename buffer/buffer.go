package buffer

import (
	"encoding/binary"
	"errors"
	"io"

	"golang.org/x/sys/unix"
)

var (
	ErrNoPrependSpace = errors.New("buffer: not enough prependable space")
	ErrShortRead      = errors.New("buffer: not enough readable bytes")
)

const (
	// CheapPrepend 为头部预留的字节数，用于无拷贝地追加长度等定长头
	CheapPrepend = 8
	// InitialSize 为默认可写区初始大小
	InitialSize = 1024

	extraReadSize = 64 << 10
)

// Buffer 是连续的可增长字节缓冲，带独立的读写游标。
//
//	+-------------------+------------------+------------------+
//	| prependable bytes |  readable bytes  |  writable bytes  |
//	+-------------------+------------------+------------------+
//	0        <=         r        <=        w       <=      len(buf)
//
// 非并发安全：只应在所属连接的 loop 线程中使用。
type Buffer struct {
	buf []byte
	r   int
	w   int
}

// New 返回可写区为 initial 字节的缓冲；initial <= 0 时使用 InitialSize。
func New(initial int) *Buffer {
	if initial <= 0 {
		initial = InitialSize
	}
	return &Buffer{
		buf: make([]byte, CheapPrepend+initial),
		r:   CheapPrepend,
		w:   CheapPrepend,
	}
}

func (b *Buffer) ReadableBytes() int    { return b.w - b.r }
func (b *Buffer) WritableBytes() int    { return len(b.buf) - b.w }
func (b *Buffer) PrependableBytes() int { return b.r }
func (b *Buffer) Cap() int              { return len(b.buf) }
func (b *Buffer) Len() int              { return b.ReadableBytes() }

// Peek 返回可读区视图，不前进读游标；下一次写入后视图可能失效。
func (b *Buffer) Peek() []byte { return b.buf[b.r:b.w] }

// WritableSlice 返回可写区视图，配合 HasWritten 使用。
func (b *Buffer) WritableSlice() []byte { return b.buf[b.w:] }

// FindCRLF 返回可读区中第一个 "\r\n" 的偏移，没有则返回 -1。
func (b *Buffer) FindCRLF() int {
	p := b.Peek()
	for i := 0; i+1 < len(p); i++ {
		if p[i] == '\r' && p[i+1] == '\n' {
			return i
		}
	}
	return -1
}

// Retrieve 前进读游标 n 字节；n 超过可读字节数时等同 RetrieveAll。
func (b *Buffer) Retrieve(n int) {
	if n < b.ReadableBytes() {
		b.r += n
		return
	}
	b.RetrieveAll()
}

func (b *Buffer) RetrieveAll() {
	b.r = CheapPrepend
	b.w = CheapPrepend
}

func (b *Buffer) RetrieveString(n int) string {
	if n > b.ReadableBytes() {
		n = b.ReadableBytes()
	}
	s := string(b.buf[b.r : b.r+n])
	b.Retrieve(n)
	return s
}

func (b *Buffer) RetrieveAllString() string { return b.RetrieveString(b.ReadableBytes()) }

// Next 返回接下来的 n 个可读字节的拷贝并前进读游标。
func (b *Buffer) Next(n int) []byte {
	if n > b.ReadableBytes() {
		n = b.ReadableBytes()
	}
	out := make([]byte, n)
	copy(out, b.buf[b.r:b.r+n])
	b.Retrieve(n)
	return out
}

func (b *Buffer) Append(p []byte) {
	b.EnsureWritable(len(p))
	b.w += copy(b.buf[b.w:], p)
}

func (b *Buffer) AppendString(s string) {
	b.EnsureWritable(len(s))
	b.w += copy(b.buf[b.w:], s)
}

// Write 实现 io.Writer，总是写入全部数据。
func (b *Buffer) Write(p []byte) (int, error) {
	b.Append(p)
	return len(p), nil
}

// Read 实现 io.Reader。
func (b *Buffer) Read(p []byte) (int, error) {
	if b.ReadableBytes() == 0 {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}
	n := copy(p, b.Peek())
	b.Retrieve(n)
	return n, nil
}

// EnsureWritable 保证至少 n 字节可写区。
func (b *Buffer) EnsureWritable(n int) {
	if b.WritableBytes() < n {
		b.makeSpace(n)
	}
}

// HasWritten 在直接写入 WritableSlice 后前进写游标。
func (b *Buffer) HasWritten(n int) {
	if n > b.WritableBytes() {
		n = b.WritableBytes()
	}
	b.w += n
}

// Unwrite 撤销最近写入的 n 字节。
func (b *Buffer) Unwrite(n int) {
	if n > b.ReadableBytes() {
		n = b.ReadableBytes()
	}
	b.w -= n
}

// Prepend 将 p 写入读游标之前的预留区，不移动可读数据。
func (b *Buffer) Prepend(p []byte) error {
	if len(p) > b.PrependableBytes() {
		return ErrNoPrependSpace
	}
	b.r -= len(p)
	copy(b.buf[b.r:], p)
	return nil
}

func (b *Buffer) PrependUint32(v uint32) error {
	var x [4]byte
	binary.BigEndian.PutUint32(x[:], v)
	return b.Prepend(x[:])
}

func (b *Buffer) AppendUint32(v uint32) {
	var x [4]byte
	binary.BigEndian.PutUint32(x[:], v)
	b.Append(x[:])
}

func (b *Buffer) PeekUint32() (uint32, error) {
	if b.ReadableBytes() < 4 {
		return 0, ErrShortRead
	}
	return binary.BigEndian.Uint32(b.buf[b.r:]), nil
}

func (b *Buffer) ReadUint32() (uint32, error) {
	v, err := b.PeekUint32()
	if err == nil {
		b.Retrieve(4)
	}
	return v, err
}

// Shrink 释放多余容量，仅保留可读数据与 reserve 字节可写区。
func (b *Buffer) Shrink(reserve int) {
	nb := make([]byte, CheapPrepend+b.ReadableBytes()+reserve)
	n := copy(nb[CheapPrepend:], b.Peek())
	b.buf = nb
	b.r = CheapPrepend
	b.w = CheapPrepend + n
}

func (b *Buffer) makeSpace(n int) {
	if b.WritableBytes()+b.PrependableBytes() < n+CheapPrepend {
		// 空间不足，扩容
		size := b.w + n
		if size < 2*len(b.buf) {
			size = 2 * len(b.buf)
		}
		nb := make([]byte, size)
		copy(nb, b.buf[:b.w])
		b.buf = nb
		return
	}
	// 空间足够：把可读数据挪到预留区之后
	readable := b.ReadableBytes()
	copy(b.buf[CheapPrepend:], b.buf[b.r:b.w])
	b.r = CheapPrepend
	b.w = b.r + readable
}

// ReadFD 用 readv 从 fd 读取一次：先填满可写区，溢出部分落到栈上额外缓冲再追加。
// 返回读到的字节数；0 且 err == nil 表示对端关闭。
func (b *Buffer) ReadFD(fd int) (int, error) {
	var extra [extraReadSize]byte
	writable := b.WritableBytes()
	iov := [][]byte{b.buf[b.w:], extra[:]}
	if writable >= extraReadSize {
		iov = iov[:1]
	}
	n, err := unix.Readv(fd, iov)
	if n <= 0 {
		if err != nil {
			return 0, err
		}
		return 0, nil
	}
	if n <= writable {
		b.w += n
	} else {
		b.w = len(b.buf)
		b.Append(extra[:n-writable])
	}
	return n, nil
}

// WriteFD 把可读区写入 fd，并前进读游标已写出的字节数。
func (b *Buffer) WriteFD(fd int) (int, error) {
	if b.ReadableBytes() == 0 {
		return 0, nil
	}
	n, err := unix.Write(fd, b.Peek())
	if n > 0 {
		b.Retrieve(n)
	}
	if n < 0 {
		n = 0
	}
	return n, err
}
