//go:build linux

package poller

import (
	"time"

	"golang.org/x/sys/unix"
)

// pollPoller 基于 poll(2)，水平触发：条件未被清除前每次 Wait 都会重复报告。
type pollPoller struct {
	wfd    int
	fds    []unix.PollFd // fds[0] 固定为 wakeup eventfd
	index  map[int]int   // fd -> fds 下标
	closed bool
}

func newPoll() (Poller, error) {
	wfd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, err
	}
	p := &pollPoller{
		wfd:   wfd,
		fds:   []unix.PollFd{{Fd: int32(wfd), Events: unix.POLLIN}},
		index: make(map[int]int),
	}
	return p, nil
}

func (p *pollPoller) Kind() Kind { return KindPoll }

func toPoll(ev Event) int16 {
	var flag int16
	if ev&EventRead != 0 {
		flag |= unix.POLLIN | unix.POLLPRI | unix.POLLRDHUP
	}
	if ev&EventWrite != 0 {
		flag |= unix.POLLOUT
	}
	return flag
}

func fromPoll(flag int16) Event {
	var ev Event
	if flag&(unix.POLLIN|unix.POLLPRI) != 0 {
		ev |= EventRead
	}
	if flag&unix.POLLOUT != 0 {
		ev |= EventWrite
	}
	if flag&(unix.POLLERR|unix.POLLNVAL) != 0 {
		ev |= EventError
	}
	if flag&unix.POLLHUP != 0 {
		ev |= EventHup
	}
	if flag&unix.POLLRDHUP != 0 {
		ev |= EventRdHup
	}
	return ev
}

func (p *pollPoller) Add(fd int, ev Event) error {
	if _, ok := p.index[fd]; ok {
		return unix.EEXIST
	}
	p.index[fd] = len(p.fds)
	p.fds = append(p.fds, unix.PollFd{Fd: int32(fd), Events: toPoll(ev)})
	return nil
}

func (p *pollPoller) Mod(fd int, ev Event) error {
	i, ok := p.index[fd]
	if !ok {
		return ErrNotRegistered
	}
	p.fds[i].Events = toPoll(ev)
	p.fds[i].Revents = 0
	return nil
}

func (p *pollPoller) Del(fd int) error {
	i, ok := p.index[fd]
	if !ok {
		return ErrNotRegistered
	}
	last := len(p.fds) - 1
	if i != last {
		p.fds[i] = p.fds[last]
		p.index[int(p.fds[i].Fd)] = i
	}
	p.fds = p.fds[:last]
	delete(p.index, fd)
	return nil
}

func (p *pollPoller) Wake() error {
	var buf [8]byte
	buf[0] = 1
	_, err := unix.Write(p.wfd, buf[:])
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

func (p *pollPoller) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	return unix.Close(p.wfd)
}

func (p *pollPoller) Wait(timeout time.Duration, out []Active) ([]Active, error) {
	out = out[:0]
	if p.closed {
		return out, ErrClosed
	}
	n, err := unix.Poll(p.fds, timeoutMillis(timeout))
	if err != nil {
		if err == unix.EINTR {
			return out, nil
		}
		return out, err
	}
	if n == 0 {
		return out, nil
	}
	for i := range p.fds {
		pfd := &p.fds[i]
		if pfd.Revents == 0 {
			continue
		}
		revents := pfd.Revents
		pfd.Revents = 0
		if i == 0 {
			p.drainWake()
			continue
		}
		out = append(out, Active{FD: int(pfd.Fd), Events: fromPoll(revents)})
	}
	return out, nil
}

func (p *pollPoller) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(p.wfd, buf[:]); err != nil {
			return
		}
	}
}
