//go:build linux

// Package tcp 实现运行在单个 EventLoop 上的 TCP 连接。
package tcp

import (
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sys/unix"

	"github.com/legamerdc/rio/buffer"
	"github.com/legamerdc/rio/endpoint"
	"github.com/legamerdc/rio/internal/netutil"
	"github.com/legamerdc/rio/loop"
)

var (
	ErrNotConnected = errors.New("tcp: connection not established")
	ErrConnClosing  = errors.New("tcp: connection is closing")
)

const DefaultHighWaterMark = 64 << 20

type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnecting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// Options 为连接的可选参数。
type Options struct {
	HighWaterMark int
	Logger        *slog.Logger
	// OnRemove 由所有者（Server/Client）设置：连接关闭后用于从其表中移除并销毁。
	// 未设置时连接自行销毁。
	OnRemove func()
}

// Conn 是一条已建立的 TCP 连接。除 Send/Shutdown/ForceClose 等标注线程安全的方法外，
// 其余方法只能在所属 loop 线程上调用。
type Conn[C any] struct {
	id    uint64
	name  string
	loop  *loop.EventLoop
	fd    int
	ch    *loop.Channel
	local endpoint.Endpoint
	peer  endpoint.Endpoint
	log   *slog.Logger

	state    atomic.Int32
	reading    bool
	peerClosed bool // 对端已半关闭，输出写空后关闭
	closed     bool // fd 已关闭
	closeErr   error

	in  *buffer.Buffer
	out *buffer.Buffer

	h         Handler[C]
	wc        WriteCompleteHandler[C]
	hw        HighWatermarkHandler[C]
	highWater int
	onRemove  func()

	ctx *C

	bytesRead    atomic.Uint64
	bytesWritten atomic.Uint64
	createdAt    time.Time
}

// NewConn 包装一个已连接的非阻塞 fd。连接在 ConnectEstablished 之前不接收事件，
// 之后 fd 由连接拥有。
func NewConn[C any](l *loop.EventLoop, id uint64, name string, fd int, local, peer endpoint.Endpoint, h Handler[C], opts Options) *Conn[C] {
	if opts.Logger == nil {
		opts.Logger = l.Logger()
	}
	if opts.HighWaterMark <= 0 {
		opts.HighWaterMark = DefaultHighWaterMark
	}
	c := &Conn[C]{
		id:        id,
		name:      name,
		loop:      l,
		fd:        fd,
		ch:        loop.NewChannel(l, fd),
		local:     local,
		peer:      peer,
		log:       opts.Logger.With("conn", name),
		in:        buffer.New(buffer.InitialSize),
		out:       buffer.New(buffer.InitialSize),
		h:         h,
		highWater: opts.HighWaterMark,
		onRemove:  opts.OnRemove,
		createdAt: time.Now(),
	}
	c.wc, _ = any(h).(WriteCompleteHandler[C])
	c.hw, _ = any(h).(HighWatermarkHandler[C])
	c.state.Store(int32(StateConnecting))
	c.ch.SetReadCallback(c.handleRead)
	c.ch.SetWriteCallback(c.handleWrite)
	c.ch.SetCloseCallback(c.handleClose)
	c.ch.SetErrorCallback(c.handleError)
	_ = netutil.SetKeepAlive(fd, true)
	return c
}

func (c *Conn[C]) ID() uint64                   { return c.id }
func (c *Conn[C]) Name() string                 { return c.name }
func (c *Conn[C]) Loop() *loop.EventLoop        { return c.loop }
func (c *Conn[C]) FD() int                      { return c.fd }
func (c *Conn[C]) LocalAddr() endpoint.Endpoint { return c.local }
func (c *Conn[C]) PeerAddr() endpoint.Endpoint  { return c.peer }
func (c *Conn[C]) State() State                 { return State(c.state.Load()) }
func (c *Conn[C]) Connected() bool              { return c.State() == StateConnected }
func (c *Conn[C]) Disconnected() bool           { return c.State() == StateDisconnected }
func (c *Conn[C]) Logger() *slog.Logger         { return c.log }
func (c *Conn[C]) CreatedAt() time.Time         { return c.createdAt }

// Err 返回导致连接关闭的错误；正常关闭为 nil。
func (c *Conn[C]) Err() error { return c.closeErr }

func (c *Conn[C]) BytesRead() uint64    { return c.bytesRead.Load() }
func (c *Conn[C]) BytesWritten() uint64 { return c.bytesWritten.Load() }

// Context 返回连接上下文，未设置时为 nil。
func (c *Conn[C]) Context() *C     { return c.ctx }
func (c *Conn[C]) SetContext(v *C) { c.ctx = v }

func (c *Conn[C]) InputBuffer() *buffer.Buffer  { return c.in }
func (c *Conn[C]) OutputBuffer() *buffer.Buffer { return c.out }

func (c *Conn[C]) SetHighWaterMark(n int) { c.highWater = n }

func (c *Conn[C]) SetTCPNoDelay(on bool) error { return netutil.SetNoDelay(c.fd, on) }
func (c *Conn[C]) SetKeepAlive(on bool) error  { return netutil.SetKeepAlive(c.fd, on) }

// ConnectEstablished 在所属 loop 上调用一次：注册读事件并回调 OnOpen。
func (c *Conn[C]) ConnectEstablished() {
	c.loop.AssertInLoop()
	if !c.state.CompareAndSwap(int32(StateConnecting), int32(StateConnected)) {
		return
	}
	c.reading = true
	if err := c.ch.EnableReading(); err != nil {
		c.log.Error("tcp: register failed", "err", err)
		c.closeErr = err
		c.handleClose()
		return
	}
	c.h.OnOpen(c)
}

// ConnectDestroyed 是连接在 loop 上的最后一步：注销 Channel 并关闭 fd。
func (c *Conn[C]) ConnectDestroyed() {
	c.loop.AssertInLoop()
	if c.state.CompareAndSwap(int32(StateConnected), int32(StateDisconnected)) {
		_ = c.ch.DisableAll()
		c.h.OnClose(c, c.closeErr)
	}
	c.state.Store(int32(StateDisconnected))
	if err := c.ch.Remove(); err != nil {
		c.log.Debug("tcp: remove channel", "err", err)
	}
	if !c.closed {
		c.closed = true
		_ = netutil.Close(c.fd)
	}
}

// Send 线程安全。loop 外调用时数据会被拷贝。
func (c *Conn[C]) Send(p []byte) error {
	switch c.State() {
	case StateConnected:
	case StateDisconnecting:
		return ErrConnClosing
	default:
		return ErrNotConnected
	}
	if c.loop.InLoop() {
		c.sendInLoop(p)
		return nil
	}
	data := append([]byte(nil), p...)
	c.loop.Submit(func() { c.sendInLoop(data) })
	return nil
}

func (c *Conn[C]) SendString(s string) error {
	if c.loop.InLoop() {
		return c.Send(unsafeBytes(s))
	}
	return c.Send([]byte(s))
}

// SendBuffer 发送 b 的全部可读字节并清空 b。
func (c *Conn[C]) SendBuffer(b *buffer.Buffer) error {
	err := c.Send(b.Peek())
	b.RetrieveAll()
	return err
}

func (c *Conn[C]) sendInLoop(p []byte) {
	c.loop.AssertInLoop()
	if c.State() == StateDisconnected {
		c.log.Warn("tcp: disconnected, give up writing", "bytes", len(p))
		return
	}
	written := 0
	remaining := len(p)
	var fault error
	if !c.ch.IsWriting() && c.out.ReadableBytes() == 0 {
		n, err := unix.Write(c.fd, p)
		if n > 0 {
			written = n
			remaining -= n
			c.bytesWritten.Add(uint64(n))
			if remaining == 0 && c.wc != nil {
				c.loop.Submit(func() { c.wc.OnWriteComplete(c) })
			}
		}
		if err != nil && !netutil.IsTemporary(err) {
			fault = err
		}
	}
	if fault != nil {
		c.log.Debug("tcp: write failed", "err", fault)
		c.closeErr = fault
		c.forceCloseInLoop()
		return
	}
	if remaining == 0 {
		return
	}
	queued := c.out.ReadableBytes()
	if c.hw != nil && queued+remaining >= c.highWater && queued < c.highWater {
		total := queued + remaining
		c.log.Debug("tcp: output above high water mark", "queued", humanize.IBytes(uint64(total)))
		c.loop.Submit(func() { c.hw.OnHighWatermark(c, total) })
	}
	c.out.Append(p[written:])
	if !c.ch.IsWriting() {
		if err := c.ch.EnableWriting(); err != nil {
			c.log.Error("tcp: enable writing", "err", err)
		}
	}
}

// Shutdown 线程安全：输出缓冲写空后半关闭写方向。
func (c *Conn[C]) Shutdown() {
	if c.state.CompareAndSwap(int32(StateConnected), int32(StateDisconnecting)) {
		c.loop.RunInLoop(c.shutdownInLoop)
	}
}

func (c *Conn[C]) shutdownInLoop() {
	if !c.ch.IsWriting() {
		if err := netutil.ShutdownWrite(c.fd); err != nil {
			c.log.Debug("tcp: shutdown", "err", err)
		}
	}
}

// ForceClose 线程安全：丢弃未发送数据立即关闭。
func (c *Conn[C]) ForceClose() {
	st := c.State()
	if st == StateConnected || st == StateDisconnecting {
		c.state.Store(int32(StateDisconnecting))
		c.loop.Submit(c.forceCloseInLoop)
	}
}

// ForceCloseAfter 在 d 之后强制关闭，期间连接正常关闭则为空操作。
func (c *Conn[C]) ForceCloseAfter(d time.Duration) loop.TimerID {
	return c.loop.RunAfter(d, c.ForceClose)
}

func (c *Conn[C]) forceCloseInLoop() {
	st := c.State()
	if st == StateConnected || st == StateDisconnecting {
		c.handleClose()
	}
}

// StartRead/StopRead 线程安全，用于背压。
func (c *Conn[C]) StartRead() { c.loop.RunInLoop(c.startReadInLoop) }
func (c *Conn[C]) StopRead()  { c.loop.RunInLoop(c.stopReadInLoop) }

func (c *Conn[C]) startReadInLoop() {
	if c.reading || c.Disconnected() {
		return
	}
	if err := c.ch.EnableReading(); err == nil {
		c.reading = true
	}
}

func (c *Conn[C]) stopReadInLoop() {
	if !c.reading || c.Disconnected() {
		return
	}
	if err := c.ch.DisableReading(); err == nil {
		c.reading = false
	}
}

func (c *Conn[C]) IsReading() bool { return c.reading }

// handleRead 读到 EAGAIN 为止（边缘触发要求），再一次性交付给 OnMessage。
func (c *Conn[C]) handleRead(at time.Time) {
	if c.peerClosed {
		return
	}
	total := 0
	eof := false
	var rerr error
	for {
		n, err := c.in.ReadFD(c.fd)
		if n > 0 {
			total += n
			continue
		}
		if err == nil {
			eof = true
		} else if err == unix.EINTR {
			continue
		} else if err != unix.EAGAIN {
			rerr = err
		}
		break
	}
	if total > 0 {
		c.bytesRead.Add(uint64(total))
		c.h.OnMessage(c, c.in, at)
	}
	switch {
	case rerr != nil:
		c.log.Debug("tcp: read failed", "err", rerr)
		c.closeErr = rerr
		c.handleClose()
	case eof:
		if c.ch.IsWriting() && c.out.ReadableBytes() > 0 {
			// 对端只关闭了写方向：停止读，已接受的输出写完后再关闭
			c.peerClosed = true
			c.state.CompareAndSwap(int32(StateConnected), int32(StateDisconnecting))
			c.stopReadInLoop()
			return
		}
		c.handleClose()
	}
}

func (c *Conn[C]) handleWrite() {
	if !c.ch.IsWriting() {
		return
	}
	for c.out.ReadableBytes() > 0 {
		n, err := c.out.WriteFD(c.fd)
		if n > 0 {
			c.bytesWritten.Add(uint64(n))
		}
		if err == nil {
			continue
		}
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return
		}
		c.log.Debug("tcp: write failed", "err", err)
		c.closeErr = err
		c.handleClose()
		return
	}
	if err := c.ch.DisableWriting(); err != nil {
		c.log.Error("tcp: disable writing", "err", err)
	}
	if c.wc != nil {
		c.loop.Submit(func() { c.wc.OnWriteComplete(c) })
	}
	if c.peerClosed {
		c.handleClose()
		return
	}
	if c.State() == StateDisconnecting {
		c.shutdownInLoop()
	}
}

// handleClose 只执行一次：注销事件、回调 OnClose，再交给所有者销毁。
func (c *Conn[C]) handleClose() {
	c.loop.AssertInLoop()
	if c.Disconnected() {
		return
	}
	c.state.Store(int32(StateDisconnected))
	_ = c.ch.DisableAll()
	c.h.OnClose(c, c.closeErr)
	if c.onRemove != nil {
		c.onRemove()
		return
	}
	c.loop.Submit(c.ConnectDestroyed)
}

func (c *Conn[C]) handleError() {
	err := netutil.SocketError(c.fd)
	if err != nil {
		c.log.Debug("tcp: socket error", "err", err)
		if c.closeErr == nil {
			c.closeErr = err
		}
	}
}
