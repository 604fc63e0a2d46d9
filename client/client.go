//go:build linux

// Package client 实现运行在 EventLoop 上的单连接 TCP 客户端，支持断线重连。
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/legamerdc/rio/endpoint"
	"github.com/legamerdc/rio/internal/netutil"
	"github.com/legamerdc/rio/loop"
	"github.com/legamerdc/rio/tcp"
)

var ErrClientStopped = errors.New("client: stopped")

// Config 为客户端配置
type Config struct {
	Name           string
	Address        string        // host:port，host 可为域名，在 Connect 的调用方解析
	Retry          bool          // 已建立的连接断开后是否重连
	InitialBackoff time.Duration // 首次重试间隔
	MaxBackoff     time.Duration // 重试间隔上限
	MaxAttempts    int           // 单轮连接的最大尝试次数，0 不限
	NoDelay        bool
	HighWaterMark  int
	Logger         *slog.Logger
}

func DefaultConfig() Config {
	return Config{
		Name:           "rio-client",
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		NoDelay:        true,
		HighWaterMark:  tcp.DefaultHighWaterMark,
	}
}

// FailureHandler 为可选接口：连接器放弃时回调（在 loop 线程上）。
type FailureHandler interface {
	OnConnectFailed(err error)
}

type Client[C any] struct {
	loop *loop.EventLoop
	cfg  Config
	h    tcp.Handler[C]
	log  *slog.Logger

	mu        sync.Mutex
	conn      *tcp.Conn[C]
	connector *Connector

	retry   atomic.Bool
	connect atomic.Bool
	stopped atomic.Bool
	nextID  uint64 // 只在 loop 线程上修改
}

func New[C any](l *loop.EventLoop, cfg Config, h tcp.Handler[C]) *Client[C] {
	if cfg.Logger == nil {
		cfg.Logger = l.Logger()
	}
	if cfg.Name == "" {
		cfg.Name = "rio-client"
	}
	c := &Client[C]{loop: l, cfg: cfg, h: h, log: cfg.Logger.With("client", cfg.Name)}
	c.retry.Store(cfg.Retry)
	return c
}

func (c *Client[C]) Name() string          { return c.cfg.Name }
func (c *Client[C]) Loop() *loop.EventLoop { return c.loop }
func (c *Client[C]) EnableRetry()          { c.retry.Store(true) }
func (c *Client[C]) Retrying() bool        { return c.retry.Load() }

// Conn 返回当前连接，未连接时为 nil。
func (c *Client[C]) Conn() *tcp.Conn[C] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// Connect 在调用方解析地址，随后在 loop 上发起连接；建立结果通过 Handler 通知。
func (c *Client[C]) Connect(ctx context.Context) error {
	if c.stopped.Load() {
		return ErrClientStopped
	}
	addr, err := endpoint.Resolve(ctx, c.cfg.Address)
	if err != nil {
		return fmt.Errorf("client: resolve %q: %w", c.cfg.Address, err)
	}
	c.connect.Store(true)
	c.loop.RunInLoop(func() {
		if c.connector != nil {
			c.connector.Stop()
		}
		c.connector = NewConnector(c.loop, addr, c.cfg.InitialBackoff, c.cfg.MaxBackoff, c.cfg.MaxAttempts)
		c.connector.SetConnectedHandler(c.newConnection)
		c.connector.SetFailedHandler(c.connectFailed)
		c.connector.Start()
	})
	return nil
}

// Disconnect 半关闭当前连接，不再重连。
func (c *Client[C]) Disconnect() {
	c.connect.Store(false)
	if conn := c.Conn(); conn != nil {
		conn.Shutdown()
	}
}

// Stop 停止连接器（进行中的连接与待重试被取消），已建立的连接不受影响。
func (c *Client[C]) Stop() {
	c.connect.Store(false)
	c.loop.RunInLoop(func() {
		if c.connector != nil {
			c.connector.Stop()
		}
	})
}

// Close 停止连接器并强制关闭当前连接。之后不能再 Connect。
func (c *Client[C]) Close() {
	c.stopped.Store(true)
	c.Stop()
	if conn := c.Conn(); conn != nil {
		conn.ForceClose()
	}
}

func (c *Client[C]) newConnection(fd int) {
	c.nextID++
	peer := netutil.PeerAddr(fd)
	name := fmt.Sprintf("%s:%s#%d", c.cfg.Name, peer, c.nextID)
	var conn *tcp.Conn[C]
	conn = tcp.NewConn[C](c.loop, c.nextID, name, fd, netutil.LocalAddr(fd), peer, c.h, tcp.Options{
		HighWaterMark: c.cfg.HighWaterMark,
		Logger:        c.cfg.Logger,
		OnRemove:      func() { c.removeConnection(conn) },
	})
	if c.cfg.NoDelay {
		_ = conn.SetTCPNoDelay(true)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	conn.ConnectEstablished()
}

func (c *Client[C]) removeConnection(conn *tcp.Conn[C]) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	c.loop.Submit(conn.ConnectDestroyed)
	if c.retry.Load() && c.connect.Load() && c.connector != nil {
		c.log.Info("client: reconnecting", "addr", c.connector.Addr().String())
		c.connector.Restart()
	}
}

func (c *Client[C]) connectFailed(err error) {
	if fh, ok := any(c.h).(FailureHandler); ok {
		fh.OnConnectFailed(err)
	}
}
