//go:build linux

package poller

import (
	"time"

	"golang.org/x/sys/unix"
)

const initEventListSize = 128

type epollPoller struct {
	efd    int
	wfd    int // eventfd for wakeup
	events []unix.EpollEvent
	closed bool
}

func newEpoll() (Poller, error) {
	efd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wfd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(efd)
		return nil, err
	}
	p := &epollPoller{efd: efd, wfd: wfd, events: make([]unix.EpollEvent, initEventListSize)}
	// 注册 wakeup fd
	ev := &unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLET, Fd: int32(wfd)}
	if err := unix.EpollCtl(efd, unix.EPOLL_CTL_ADD, wfd, ev); err != nil {
		unix.Close(wfd)
		unix.Close(efd)
		return nil, err
	}
	return p, nil
}

func (p *epollPoller) Kind() Kind { return KindEpoll }

func toEpoll(ev Event) uint32 {
	var flag uint32 = unix.EPOLLET
	if ev&EventRead != 0 {
		flag |= unix.EPOLLIN | unix.EPOLLPRI | unix.EPOLLRDHUP
	}
	if ev&EventWrite != 0 {
		flag |= unix.EPOLLOUT
	}
	return flag
}

func fromEpoll(flag uint32) Event {
	var ev Event
	if flag&(unix.EPOLLIN|unix.EPOLLPRI) != 0 {
		ev |= EventRead
	}
	if flag&unix.EPOLLOUT != 0 {
		ev |= EventWrite
	}
	if flag&unix.EPOLLERR != 0 {
		ev |= EventError
	}
	if flag&unix.EPOLLHUP != 0 {
		ev |= EventHup
	}
	if flag&unix.EPOLLRDHUP != 0 {
		ev |= EventRdHup
	}
	return ev
}

func (p *epollPoller) Add(fd int, ev Event) error {
	e := &unix.EpollEvent{Events: toEpoll(ev), Fd: int32(fd)}
	return unix.EpollCtl(p.efd, unix.EPOLL_CTL_ADD, fd, e)
}

// Mod 同时承担边缘触发下的重新武装：EPOLL_CTL_MOD 会让内核重新检查当前就绪状态。
func (p *epollPoller) Mod(fd int, ev Event) error {
	e := &unix.EpollEvent{Events: toEpoll(ev), Fd: int32(fd)}
	return unix.EpollCtl(p.efd, unix.EPOLL_CTL_MOD, fd, e)
}

func (p *epollPoller) Del(fd int) error {
	return unix.EpollCtl(p.efd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (p *epollPoller) Wake() error {
	var buf [8]byte
	buf[0] = 1
	_, err := unix.Write(p.wfd, buf[:])
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

func (p *epollPoller) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	unix.Close(p.wfd)
	return unix.Close(p.efd)
}

func (p *epollPoller) Wait(timeout time.Duration, out []Active) ([]Active, error) {
	out = out[:0]
	if p.closed {
		return out, ErrClosed
	}
	n, err := unix.EpollWait(p.efd, p.events, timeoutMillis(timeout))
	if err != nil {
		if err == unix.EINTR {
			return out, nil
		}
		return out, err
	}
	for i := 0; i < n; i++ {
		ev := p.events[i]
		fd := int(ev.Fd)
		if fd == p.wfd {
			p.drainWake()
			continue
		}
		out = append(out, Active{FD: fd, Events: fromEpoll(ev.Events)})
	}
	if n == len(p.events) {
		p.events = make([]unix.EpollEvent, 2*len(p.events))
	}
	return out, nil
}

func (p *epollPoller) drainWake() {
	var buf [8]byte
	// 清空 eventfd
	for {
		_, err := unix.Read(p.wfd, buf[:])
		if err != nil {
			return
		}
	}
}
