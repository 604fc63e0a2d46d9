//go:build linux

// Package netutil 封装非阻塞 TCP 套接字的系统调用。
package netutil

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/legamerdc/rio/endpoint"
)

const DefaultBacklog = 1024

var ErrSelfConnect = errors.New("netutil: self connect")

func boolInt(enable bool) int {
	if enable {
		return 1
	}
	return 0
}

func SetReusePort(fd int, enable bool) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, boolInt(enable))
}

func SetReuseAddr(fd int, enable bool) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, boolInt(enable))
}

func SetNoDelay(fd int, enable bool) error {
	return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, boolInt(enable))
}

func SetKeepAlive(fd int, enable bool) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, boolInt(enable))
}

func SetRecvBuf(fd int, n int) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, n)
}

func SetSendBuf(fd int, n int) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, n)
}

// NewStreamSocket 创建非阻塞、close-on-exec 的 TCP 套接字。
func NewStreamSocket(fam endpoint.Family) (int, error) {
	fd, err := unix.Socket(int(fam), unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, fmt.Errorf("netutil: socket: %w", err)
	}
	return fd, nil
}

// Listen 在 ep 上打开非阻塞监听套接字。
func Listen(ep endpoint.Endpoint, reusePort bool, backlog int) (int, error) {
	if !ep.IsValid() {
		return -1, endpoint.ErrInvalid
	}
	fd, err := NewStreamSocket(ep.Family())
	if err != nil {
		return -1, err
	}
	_ = SetReuseAddr(fd, true)
	if reusePort {
		if err := SetReusePort(fd, true); err != nil {
			unix.Close(fd)
			return -1, fmt.Errorf("netutil: reuseport: %w", err)
		}
	}
	if err := unix.Bind(fd, ep.Sockaddr()); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("netutil: bind %s: %w", ep, err)
	}
	if backlog <= 0 {
		backlog = DefaultBacklog
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("netutil: listen %s: %w", ep, err)
	}
	return fd, nil
}

// Accept 返回已设置为非阻塞的新连接；无连接时返回 unix.EAGAIN。
func Accept(lfd int) (int, endpoint.Endpoint, error) {
	for {
		fd, sa, err := unix.Accept4(lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return -1, endpoint.Endpoint{}, err
		}
		return fd, endpoint.FromSockaddr(sa), nil
	}
}

// Connect 发起非阻塞连接。返回 unix.EINPROGRESS 表示需等待可写后用 SocketError 确认。
func Connect(fd int, ep endpoint.Endpoint) error {
	for {
		err := unix.Connect(fd, ep.Sockaddr())
		if err == unix.EINTR {
			continue
		}
		return err
	}
}

// SocketError 读取并清除 SO_ERROR。
func SocketError(fd int) error {
	v, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if v != 0 {
		return unix.Errno(v)
	}
	return nil
}

func LocalAddr(fd int) endpoint.Endpoint {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return endpoint.Endpoint{}
	}
	return endpoint.FromSockaddr(sa)
}

func PeerAddr(fd int) endpoint.Endpoint {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return endpoint.Endpoint{}
	}
	return endpoint.FromSockaddr(sa)
}

// IsSelfConnect 报告本端与对端地址是否相同（同一端口上的 TCP 同时打开）。
func IsSelfConnect(fd int) bool {
	local, peer := LocalAddr(fd), PeerAddr(fd)
	return local.IsValid() && local == peer
}

// ShutdownWrite 半关闭写方向。
func ShutdownWrite(fd int) error { return unix.Shutdown(fd, unix.SHUT_WR) }

func Close(fd int) error { return unix.Close(fd) }

// IsTemporary 报告错误是否可在下次就绪时重试。
func IsTemporary(err error) bool {
	return err == unix.EAGAIN || err == unix.EINTR
}

// IsConnectRetryable 报告 connect 的错误是否应进入重连流程。
func IsConnectRetryable(err error) bool {
	switch err {
	case unix.EAGAIN, unix.EADDRINUSE, unix.EADDRNOTAVAIL, unix.ECONNREFUSED, unix.ENETUNREACH,
		unix.EHOSTUNREACH, unix.ETIMEDOUT, unix.ECONNRESET:
		return true
	}
	return false
}
