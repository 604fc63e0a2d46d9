//go:build linux

package client

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sys/unix"

	"github.com/legamerdc/rio/endpoint"
	"github.com/legamerdc/rio/internal/netutil"
	"github.com/legamerdc/rio/loop"
)

var ErrRetriesExhausted = errors.New("client: connect retries exhausted")

type connState int8

const (
	stateDisconnected connState = iota
	stateConnecting
	stateConnected
)

// Connector 在所属 loop 上发起非阻塞连接，失败时按指数退避重试。
// 连接成功后把 fd 交给 onConnected，自身不再持有。
type Connector struct {
	loop     *loop.EventLoop
	addr     endpoint.Endpoint
	log      *slog.Logger
	state    connState
	ch       *loop.Channel
	connect  atomic.Bool
	bo       *backoff.ExponentialBackOff
	attempts int
	maxTries int
	timer    loop.TimerID

	onConnected func(fd int)
	onFailed    func(err error)
}

// NewConnector 创建连接器；maxAttempts 为 0 表示不限次数。
func NewConnector(l *loop.EventLoop, addr endpoint.Endpoint, initial, maxInterval time.Duration, maxAttempts int) *Connector {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initial
	bo.MaxInterval = maxInterval
	bo.MaxElapsedTime = 0
	bo.Reset()
	return &Connector{
		loop:     l,
		addr:     addr,
		log:      l.Logger().With("component", "connector", "addr", addr.String()),
		bo:       bo,
		maxTries: maxAttempts,
	}
}

func (c *Connector) SetConnectedHandler(f func(fd int)) { c.onConnected = f }
func (c *Connector) SetFailedHandler(f func(err error)) { c.onFailed = f }
func (c *Connector) Addr() endpoint.Endpoint            { return c.addr }
func (c *Connector) Attempts() int                      { return c.attempts }

// Start 线程安全。
func (c *Connector) Start() {
	c.connect.Store(true)
	c.loop.RunInLoop(c.startInLoop)
}

// Restart 在所属 loop 上调用：重置退避并立即重连。
func (c *Connector) Restart() {
	c.loop.AssertInLoop()
	c.state = stateDisconnected
	c.bo.Reset()
	c.attempts = 0
	c.connect.Store(true)
	c.startInLoop()
}

// Stop 线程安全：取消待执行的重试并放弃进行中的连接。
func (c *Connector) Stop() {
	c.connect.Store(false)
	c.loop.RunInLoop(c.stopInLoop)
}

func (c *Connector) startInLoop() {
	if !c.connect.Load() || c.state != stateDisconnected {
		return
	}
	c.dial()
}

func (c *Connector) stopInLoop() {
	c.loop.Cancel(c.timer)
	if c.state == stateConnecting {
		fd := c.resetChannel()
		_ = netutil.Close(fd)
		c.state = stateDisconnected
	}
}

func (c *Connector) dial() {
	fd, err := netutil.NewStreamSocket(c.addr.Family())
	if err != nil {
		c.fail(err)
		return
	}
	err = netutil.Connect(fd, c.addr)
	switch {
	case err == nil, err == unix.EINPROGRESS, err == unix.EISCONN:
		c.connecting(fd)
	case netutil.IsConnectRetryable(err):
		c.retry(fd, err)
	default:
		_ = netutil.Close(fd)
		c.fail(fmt.Errorf("client: connect %s: %w", c.addr, err))
	}
}

func (c *Connector) connecting(fd int) {
	c.state = stateConnecting
	c.ch = loop.NewChannel(c.loop, fd)
	c.ch.SetWriteCallback(c.handleWrite)
	c.ch.SetErrorCallback(c.handleError)
	c.ch.SetCloseCallback(c.handleError)
	if err := c.ch.EnableWriting(); err != nil {
		c.resetChannel()
		_ = netutil.Close(fd)
		c.state = stateDisconnected
		c.fail(err)
	}
}

// resetChannel 注销 Channel 并返回其 fd。
func (c *Connector) resetChannel() int {
	_ = c.ch.DisableAll()
	_ = c.ch.Remove()
	fd := c.ch.FD()
	c.ch = nil
	return fd
}

func (c *Connector) handleWrite() {
	if c.state != stateConnecting {
		return
	}
	fd := c.resetChannel()
	if err := netutil.SocketError(fd); err != nil {
		c.retry(fd, err)
		return
	}
	if netutil.IsSelfConnect(fd) {
		c.retry(fd, netutil.ErrSelfConnect)
		return
	}
	c.state = stateConnected
	if !c.connect.Load() || c.onConnected == nil {
		_ = netutil.Close(fd)
		return
	}
	c.onConnected(fd)
}

func (c *Connector) handleError() {
	if c.state != stateConnecting {
		return
	}
	fd := c.resetChannel()
	err := netutil.SocketError(fd)
	if err == nil {
		err = unix.ECONNREFUSED
	}
	c.retry(fd, err)
}

func (c *Connector) retry(fd int, cause error) {
	_ = netutil.Close(fd)
	c.state = stateDisconnected
	if !c.connect.Load() {
		return
	}
	c.attempts++
	if c.maxTries > 0 && c.attempts >= c.maxTries {
		c.fail(fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, c.attempts, cause))
		return
	}
	d := c.bo.NextBackOff()
	if d == backoff.Stop {
		c.fail(fmt.Errorf("%w: %w", ErrRetriesExhausted, cause))
		return
	}
	c.log.Info("client: retry connecting", "in", d, "attempt", c.attempts, "err", cause)
	c.timer = c.loop.RunAfter(d, c.startInLoop)
}

func (c *Connector) fail(err error) {
	c.log.Warn("client: connect failed", "err", err)
	if c.onFailed != nil {
		c.onFailed(err)
	}
}
