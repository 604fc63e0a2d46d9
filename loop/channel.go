package loop

import (
	"time"

	"github.com/legamerdc/rio/poller"
)

type channelState int8

const (
	channelNew channelState = iota
	channelAdded
)

// Channel 把一个描述符、它的关注事件与回调绑定到唯一的 EventLoop 上。
// Channel 不拥有 fd：fd 由上层（Conn/Acceptor/Connector）在 Remove 之后关闭。
type Channel struct {
	loop    *EventLoop
	fd      int
	events  poller.Event
	revents poller.Event
	state   channelState

	onRead  func(at time.Time)
	onWrite func()
	onClose func()
	onError func()
}

func NewChannel(l *EventLoop, fd int) *Channel {
	return &Channel{loop: l, fd: fd}
}

func (c *Channel) FD() int               { return c.fd }
func (c *Channel) Loop() *EventLoop      { return c.loop }
func (c *Channel) Events() poller.Event  { return c.events }
func (c *Channel) Revents() poller.Event { return c.revents }
func (c *Channel) IsNoneEvent() bool     { return c.events == poller.EventNone }
func (c *Channel) IsReading() bool       { return c.events&poller.EventRead != 0 }
func (c *Channel) IsWriting() bool       { return c.events&poller.EventWrite != 0 }
func (c *Channel) Registered() bool      { return c.state == channelAdded }

func (c *Channel) SetReadCallback(f func(at time.Time)) { c.onRead = f }
func (c *Channel) SetWriteCallback(f func())            { c.onWrite = f }
func (c *Channel) SetCloseCallback(f func())            { c.onClose = f }
func (c *Channel) SetErrorCallback(f func())            { c.onError = f }

func (c *Channel) EnableReading() error {
	c.events |= poller.EventRead
	return c.update()
}

func (c *Channel) DisableReading() error {
	c.events &^= poller.EventRead
	return c.update()
}

func (c *Channel) EnableWriting() error {
	c.events |= poller.EventWrite
	return c.update()
}

func (c *Channel) DisableWriting() error {
	c.events &^= poller.EventWrite
	return c.update()
}

func (c *Channel) DisableAll() error {
	c.events = poller.EventNone
	return c.update()
}

func (c *Channel) update() error { return c.loop.updateChannel(c) }

// Remove 从 loop 与 poller 中注销；之后本轮尚未分发的事件将被丢弃。
func (c *Channel) Remove() error { return c.loop.removeChannel(c) }

// handleEvent 按 hup → error → read → write 的顺序分发；
// 任一回调把自己注销后，剩余事件不再分发。
func (c *Channel) handleEvent(at time.Time) {
	ev := c.revents
	if ev&poller.EventHup != 0 && ev&poller.EventRead == 0 {
		if c.onClose != nil {
			c.onClose()
		}
		return
	}
	if ev&poller.EventError != 0 {
		if c.onError != nil {
			c.onError()
		}
		if !c.Registered() {
			return
		}
	}
	if ev&(poller.EventRead|poller.EventRdHup) != 0 {
		if c.onRead != nil {
			c.onRead(at)
		}
		if !c.Registered() {
			return
		}
	}
	if ev&poller.EventWrite != 0 && c.onWrite != nil {
		c.onWrite()
	}
}
