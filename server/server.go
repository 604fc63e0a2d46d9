//go:build linux

// Package server 实现多 loop 的 TCP 服务端：base loop 上的 Acceptor 接受连接，
// 按轮询分配到 IO loop 池中。
package server

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

var ErrServerClosed = errors.New("server: closed")

// shard 为某个 IO loop 上的连接表，只在该 loop 线程上读写。
type shard[C any] struct {
	conns map[uint64]*tcp.Conn[C]
}

type Server[C any] struct {
	cfg      Config
	h        tcp.Handler[C]
	log      *slog.Logger
	base     *loop.EventLoop
	ownsBase bool
	pool     *loop.Pool
	acceptor *Acceptor
	shards   map[*loop.EventLoop]*shard[C]

	nextID   atomic.Uint64
	numConns atomic.Int64
	started  atomic.Bool
	stopped  atomic.Bool
	wg       sync.WaitGroup
}

// New 在 base 上创建服务端并立即绑定地址；base 为 nil 时服务端自建并驱动 base loop。
func New[C any](base *loop.EventLoop, cfg Config, h tcp.Handler[C]) (*Server[C], error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Name == "" {
		cfg.Name = "rio"
	}
	ep, err := endpoint.Parse(cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("server: address %q: %w", cfg.Address, err)
	}
	lcfg := loop.Config{Name: cfg.Name, Poller: cfg.Poller, PollTimeout: cfg.PollTimeout, Logger: cfg.Logger}
	s := &Server[C]{cfg: cfg, h: h, log: cfg.Logger.With("server", cfg.Name), base: base}
	if base == nil {
		lcfg.Name = cfg.Name + "-base"
		if s.base, err = loop.New(lcfg); err != nil {
			return nil, err
		}
		s.ownsBase = true
	}
	lcfg.Name = cfg.Name + "-io"
	if s.pool, err = loop.NewPool(s.base, cfg.Loops, lcfg); err != nil {
		s.closeBase()
		return nil, err
	}
	if s.acceptor, err = NewAcceptor(s.base, ep, cfg.ReusePort, cfg.Backlog, cfg.Metrics); err != nil {
		s.pool.Stop()
		s.closeBase()
		return nil, err
	}
	s.acceptor.SetConnHandler(s.newConnection)
	s.shards = make(map[*loop.EventLoop]*shard[C])
	for _, l := range s.pool.All() {
		s.shards[l] = &shard[C]{conns: make(map[uint64]*tcp.Conn[C])}
	}
	return s, nil
}

func (s *Server[C]) closeBase() {
	if s.ownsBase {
		_ = s.base.Close()
	}
}

func (s *Server[C]) Name() string             { return s.cfg.Name }
func (s *Server[C]) Addr() endpoint.Endpoint  { return s.acceptor.Addr() }
func (s *Server[C]) Loop() *loop.EventLoop    { return s.base }
func (s *Server[C]) Loops() []*loop.EventLoop { return s.pool.All() }
func (s *Server[C]) NumConns() int            { return int(s.numConns.Load()) }
func (s *Server[C]) Logger() *slog.Logger     { return s.log }

// Start 线程安全且幂等：启动 IO loop 池并开始监听。
// 自建 base loop 时等待监听生效；使用外部 base loop 时监听在其下一轮生效。
func (s *Server[C]) Start() error {
	if s.stopped.Load() {
		return ErrServerClosed
	}
	if !s.started.CompareAndSwap(false, true) {
		return nil
	}
	s.pool.Start()
	if s.ownsBase {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.base.Run(); err != nil {
				s.log.Error("server: base loop exited", "err", err)
			}
		}()
	}
	errc := make(chan error, 1)
	s.base.RunInLoop(func() { errc <- s.acceptor.Listen() })
	if !s.ownsBase {
		return nil
	}
	return <-errc
}

// newConnection 运行在 base loop：选择 IO loop，并在其上构造与建立连接。
func (s *Server[C]) newConnection(fd int, peer endpoint.Endpoint) {
	io := s.pool.Next()
	id := s.nextID.Add(1)
	name := fmt.Sprintf("%s-%s#%d", s.cfg.Name, s.Addr(), id)
	local := netutil.LocalAddr(fd)
	s.cfg.Metrics.ConnAccepted()
	s.log.Debug("server: new connection", "conn", name, "peer", peer.String())
	io.Submit(func() {
		var c *tcp.Conn[C]
		c = tcp.NewConn[C](io, id, name, fd, local, peer, s.h, tcp.Options{
			HighWaterMark: s.cfg.HighWaterMark,
			Logger:        s.cfg.Logger,
			OnRemove:      func() { s.removeConnection(c) },
		})
		if s.cfg.NoDelay {
			_ = c.SetTCPNoDelay(true)
		}
		s.shards[io].conns[id] = c
		s.numConns.Add(1)
		c.ConnectEstablished()
	})
}

// removeConnection 在连接所属 loop 上调用。
func (s *Server[C]) removeConnection(c *tcp.Conn[C]) {
	sh := s.shards[c.Loop()]
	if _, ok := sh.conns[c.ID()]; !ok {
		return
	}
	delete(sh.conns, c.ID())
	s.numConns.Add(-1)
	s.cfg.Metrics.ConnClosed(c.BytesRead(), c.BytesWritten())
	c.Loop().Submit(c.ConnectDestroyed)
}

// ForEach 在每个连接所属 loop 上对其调用 fn。
func (s *Server[C]) ForEach(fn func(c *tcp.Conn[C])) {
	for l, sh := range s.shards {
		sh := sh
		l.Submit(func() {
			for _, c := range sh.conns {
				fn(c)
			}
		})
	}
}

// Broadcast 向当前所有连接发送 p 的副本。
func (s *Server[C]) Broadcast(p []byte) {
	data := append([]byte(nil), p...)
	s.ForEach(func(c *tcp.Conn[C]) { _ = c.Send(data) })
}

// Stop 停止接受新连接，半关闭现有连接并等待对端关闭；
// ctx 结束时强制关闭剩余连接并返回 ctx.Err()。
func (s *Server[C]) Stop(ctx context.Context) error {
	if !s.stopped.CompareAndSwap(false, true) {
		return ErrServerClosed
	}
	if !s.started.Load() {
		s.acceptor.Close()
		s.pool.Stop()
		s.closeBase()
		return nil
	}
	if s.base.Running() {
		done := make(chan struct{})
		s.base.RunInLoop(func() {
			s.acceptor.Close()
			close(done)
		})
		select {
		case <-done:
		case <-s.base.Done():
			s.acceptor.Close()
		}
	} else {
		// 外部 base loop 未运行或已退出
		s.acceptor.Close()
	}

	s.ForEach(func(c *tcp.Conn[C]) { c.Shutdown() })
	err := s.waitIdle(ctx)
	if err != nil {
		s.log.Warn("server: forcing connections closed", "remaining", s.NumConns())
		s.ForEach(func(c *tcp.Conn[C]) { c.ForceClose() })
		fctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = s.waitIdle(fctx)
		cancel()
	}
	s.pool.Stop()
	if s.ownsBase {
		s.base.Stop()
		s.wg.Wait()
		_ = s.base.Close()
	}
	s.log.Info("server: stopped")
	return err
}

func (s *Server[C]) waitIdle(ctx context.Context) error {
	tk := time.NewTicker(5 * time.Millisecond)
	defer tk.Stop()
	for s.numConns.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tk.C:
		}
	}
	return nil
}
