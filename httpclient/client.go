//go:build linux

// Package httpclient 在单条 TCP 连接上收发 HTTP/1.1 请求，支持流水线：
// 请求按发送顺序排队，应答按到达顺序交付。
package httpclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/valyala/bytebufferpool"

	"github.com/legamerdc/rio/buffer"
	"github.com/legamerdc/rio/client"
	"github.com/legamerdc/rio/loop"
	"github.com/legamerdc/rio/protocol"
	"github.com/legamerdc/rio/tcp"
)

var (
	ErrNotConnected = errors.New("httpclient: not connected")
	ErrConnClosed   = errors.New("httpclient: connection closed before response")
	ErrUnexpected   = errors.New("httpclient: response without request")

	// Connect 与 Do 会阻塞等待 loop，不能在客户端自己的 loop 上调用
	ErrInLoop = errors.New("httpclient: blocking call on the client's loop")
)

// Config 为客户端配置，TCP 层参数在 Client 中。
type Config struct {
	Client         client.Config
	Host           string // Host 头，默认为 Client.Address
	MaxHeaderBytes int
	MaxBodyBytes   int
	DecodeBody     bool // 按 Content-Encoding 解压应答体
}

func DefaultConfig() Config {
	opts := protocol.DefaultOptions()
	return Config{
		Client:         client.DefaultConfig(),
		MaxHeaderBytes: opts.MaxHeaderBytes,
		MaxBodyBytes:   opts.MaxBodyBytes,
		DecodeBody:     true,
	}
}

type result struct {
	resp *protocol.Response
	err  error
}

type call struct {
	method string
	done   chan result // 缓冲为 1，调用方放弃等待时不阻塞 loop
}

// connState 只在 loop 线程上访问。
type connState struct {
	mc      *protocol.MessageContext
	pending []*call
}

type Client struct {
	cfg Config
	log *slog.Logger
	tc  *client.Client[connState]

	mu      sync.Mutex
	waiters []chan error
}

func New(l *loop.EventLoop, cfg Config) *Client {
	if cfg.Host == "" {
		cfg.Host = cfg.Client.Address
	}
	if cfg.Client.Logger == nil {
		cfg.Client.Logger = l.Logger()
	}
	c := &Client{cfg: cfg, log: cfg.Client.Logger}
	c.tc = client.New[connState](l, cfg.Client, c)
	return c
}

func (c *Client) Loop() *loop.EventLoop { return c.tc.Loop() }
func (c *Client) Close()                { c.tc.Close() }

// Connect 发起连接并等待建立或失败。
func (c *Client) Connect(ctx context.Context) error {
	if c.tc.Loop().InLoop() {
		return ErrInLoop
	}
	w := make(chan error, 1)
	c.mu.Lock()
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()
	if err := c.tc.Connect(ctx); err != nil {
		return err
	}
	select {
	case err := <-w:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) notify(err error) {
	c.mu.Lock()
	ws := c.waiters
	c.waiters = nil
	c.mu.Unlock()
	for _, w := range ws {
		w <- err
	}
}

// Do 线程安全：序列化 req 并排队发送，等待对应的应答。
// 应答的 Body 来自 bytebufferpool，用完后调用 Release。
// 在客户端的 loop 上调用返回 ErrInLoop。
func (c *Client) Do(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	if c.tc.Loop().InLoop() {
		return nil, ErrInLoop
	}
	if req.Method == "" {
		req.Method = protocol.MethodGet
	}
	bb := bytebufferpool.Get()
	protocol.WriteRequest(bb, req, c.cfg.Host)
	cl := &call{method: req.Method, done: make(chan result, 1)}
	c.tc.Loop().RunInLoop(func() {
		defer bytebufferpool.Put(bb)
		conn := c.tc.Conn()
		if conn == nil || !conn.Connected() {
			cl.done <- result{err: ErrNotConnected}
			return
		}
		st := conn.Context()
		st.pending = append(st.pending, cl)
		if err := conn.Send(bb.B); err != nil {
			st.pending = st.pending[:len(st.pending)-1]
			cl.done <- result{err: fmt.Errorf("httpclient: send: %w", err)}
		}
	})
	select {
	case r := <-cl.done:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Get 是 Do 的简写。
func (c *Client) Get(ctx context.Context, uri string) (*protocol.Response, error) {
	req := &protocol.Request{Method: protocol.MethodGet}
	if err := req.SetURI(uri); err != nil {
		return nil, err
	}
	return c.Do(ctx, req)
}

func (c *Client) OnOpen(conn *tcp.Conn[connState]) {
	conn.SetContext(&connState{mc: protocol.NewMessageContext(protocol.ModeResponse, protocol.Options{
		MaxHeaderBytes: c.cfg.MaxHeaderBytes,
		MaxBodyBytes:   c.cfg.MaxBodyBytes,
		DecodeBody:     c.cfg.DecodeBody,
	})})
	c.notify(nil)
}

func (c *Client) OnConnectFailed(err error) { c.notify(err) }

func (c *Client) OnMessage(conn *tcp.Conn[connState], in *buffer.Buffer, _ time.Time) {
	st := conn.Context()
	for in.ReadableBytes() > 0 {
		if len(st.pending) == 0 {
			c.log.Warn("httpclient: unexpected data", "conn", conn.Name(), "bytes", in.ReadableBytes())
			in.RetrieveAll()
			conn.ForceClose()
			return
		}
		st.mc.SetRequestMethod(st.pending[0].method)
		n, res := st.mc.Consume(in.Peek())
		in.Retrieve(n)
		switch res {
		case protocol.Incomplete:
			return
		case protocol.Failed:
			in.RetrieveAll()
			c.failAll(st, fmt.Errorf("httpclient: bad response: %w", st.mc.Err()))
			conn.ForceClose()
			return
		case protocol.Complete:
			if c.deliver(st) {
				conn.Shutdown()
			}
		}
	}
}

// deliver 把完成的应答交给队首请求，返回对端是否要求关闭连接。
func (c *Client) deliver(st *connState) bool {
	r := st.mc.Response()
	code := r.StatusCode
	if code >= 100 && code < 200 && code != protocol.StatusSwitchingProtocols {
		// 中间应答不占用请求
		r.Release()
		st.mc.Reset()
		return false
	}
	resp := &protocol.Response{
		StatusCode:  code,
		Reason:      r.Reason,
		Version:     r.Version,
		Header:      r.Header.Clone(),
		ContentType: r.ContentType,
		Body:        r.Body,
	}
	closing := resp.Header.HasToken("Connection", "close") ||
		(!resp.Version.AtLeast(1, 1) && !resp.Header.HasToken("Connection", "keep-alive"))
	cl := st.pending[0]
	st.pending = st.pending[1:]
	st.mc.Reset()
	cl.done <- result{resp: resp}
	return closing
}

func (c *Client) failAll(st *connState, err error) {
	for _, cl := range st.pending {
		cl.done <- result{err: err}
	}
	st.pending = nil
}

func (c *Client) OnClose(conn *tcp.Conn[connState], err error) {
	st := conn.Context()
	if st == nil {
		return
	}
	// 以连接关闭定界的应答在此完成
	if len(st.pending) > 0 && st.mc.Finish() == protocol.Complete {
		c.deliver(st)
	}
	if err == nil {
		err = ErrConnClosed
	} else {
		err = fmt.Errorf("%w: %w", ErrConnClosed, err)
	}
	c.failAll(st, err)
}
