//go:build linux

package server

import (
	"log/slog"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/legamerdc/rio/endpoint"
	"github.com/legamerdc/rio/internal/netutil"
	"github.com/legamerdc/rio/loop"
	"github.com/legamerdc/rio/metrics"
)

// Acceptor 持有监听套接字，运行在 base loop 上。
// 每次可读时 accept 直到 EAGAIN，并把新 fd 交给 onConn。
type Acceptor struct {
	loop      *loop.EventLoop
	fd        int
	ch        *loop.Channel
	idleFD    int // 描述符耗尽时用于 accept 后立即关闭
	addr      endpoint.Endpoint
	listening bool
	onConn    func(fd int, peer endpoint.Endpoint)
	log       *slog.Logger
	limiter   *rate.Limiter
	metrics   *metrics.Registry
}

// NewAcceptor 立即 bind，使 Addr 在 Listen 之前即可返回实际端口。
func NewAcceptor(l *loop.EventLoop, ep endpoint.Endpoint, reusePort bool, backlog int, m *metrics.Registry) (*Acceptor, error) {
	fd, err := netutil.Listen(ep, reusePort, backlog)
	if err != nil {
		return nil, err
	}
	idle, err := openIdle()
	if err != nil {
		_ = netutil.Close(fd)
		return nil, err
	}
	a := &Acceptor{
		loop:    l,
		fd:      fd,
		ch:      loop.NewChannel(l, fd),
		idleFD:  idle,
		addr:    netutil.LocalAddr(fd),
		log:     l.Logger().With("component", "acceptor"),
		limiter: rate.NewLimiter(rate.Every(time.Second), 5),
		metrics: m,
	}
	a.ch.SetReadCallback(a.handleRead)
	return a, nil
}

func openIdle() (int, error) {
	return unix.Open("/dev/null", unix.O_RDONLY|unix.O_CLOEXEC, 0)
}

func (a *Acceptor) SetConnHandler(f func(fd int, peer endpoint.Endpoint)) { a.onConn = f }

func (a *Acceptor) Addr() endpoint.Endpoint { return a.addr }
func (a *Acceptor) Listening() bool         { return a.listening }

// Listen 在所属 loop 上开始关注可读事件。
func (a *Acceptor) Listen() error {
	a.loop.AssertInLoop()
	if a.listening {
		return nil
	}
	if err := a.ch.EnableReading(); err != nil {
		return err
	}
	a.listening = true
	a.log.Info("server: listening", "addr", a.addr.String())
	return nil
}

// Close 注销并关闭监听 fd；已 Listen 时必须在所属 loop 上调用。
func (a *Acceptor) Close() {
	if a.fd < 0 {
		return
	}
	// loop 已退出时 poller 不再使用，直接关闭 fd
	if a.listening && a.loop.Running() {
		a.loop.AssertInLoop()
		_ = a.ch.DisableAll()
		_ = a.ch.Remove()
	}
	_ = netutil.Close(a.fd)
	a.fd = -1
	if a.idleFD >= 0 {
		_ = unix.Close(a.idleFD)
		a.idleFD = -1
	}
	a.listening = false
}

func (a *Acceptor) handleRead(time.Time) {
	for {
		fd, peer, err := netutil.Accept(a.fd)
		if err == nil {
			if a.onConn != nil {
				a.onConn(fd, peer)
			} else {
				_ = netutil.Close(fd)
			}
			continue
		}
		switch err {
		case unix.EAGAIN:
			return
		case unix.ECONNABORTED, unix.EPROTO, unix.EPERM:
			// 对端在 accept 前已放弃，继续处理队列中的下一个
			continue
		case unix.EMFILE, unix.ENFILE:
			a.metrics.AcceptError()
			if !a.shed() {
				return
			}
			continue
		default:
			a.metrics.AcceptError()
			if a.limiter.Allow() {
				a.log.Error("server: accept failed", "err", err)
			}
			return
		}
	}
}

// shed 借用预留的 idle fd 接受并立即关闭一个连接，避免监听 fd 持续就绪。
func (a *Acceptor) shed() bool {
	if a.limiter.Allow() {
		a.log.Warn("server: descriptors exhausted, rejecting connection")
	}
	if a.idleFD < 0 {
		return false
	}
	_ = unix.Close(a.idleFD)
	a.idleFD = -1
	if fd, _, err := unix.Accept(a.fd); err == nil {
		_ = unix.Close(fd)
	}
	idle, err := openIdle()
	if err != nil {
		return false
	}
	a.idleFD = idle
	return true
}
