//go:build linux

package httpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/valyala/bytebufferpool"

	"github.com/legamerdc/rio/buffer"
	"github.com/legamerdc/rio/endpoint"
	"github.com/legamerdc/rio/loop"
	"github.com/legamerdc/rio/metrics"
	"github.com/legamerdc/rio/protocol"
	"github.com/legamerdc/rio/server"
	"github.com/legamerdc/rio/tcp"
)

// earlyStatus 由头部回调返回，使解析以指定状态结束。
type earlyStatus struct{ code int }

func (e *earlyStatus) Error() string { return fmt.Sprintf("httpserver: answered %d from headers", e.code) }

const continueLine = "HTTP/1.1 100 Continue\r\n\r\n"

// connState 为每个连接的 HTTP 状态，只在连接所属 loop 上访问。
type connState struct {
	mc      *protocol.MessageContext // 首次收到数据时创建
	closing bool
	active  time.Time
	idle    loop.TimerID
}

type Server struct {
	cfg     Config
	h       Handler
	headers HeadersHandler
	log     *slog.Logger
	metrics *metrics.Registry
	tcp     *server.Server[connState]
}

// New 创建 HTTP 服务并绑定地址；base 的含义同 server.New。
func New(base *loop.EventLoop, cfg Config, h Handler) (*Server, error) {
	if h == nil {
		return nil, errors.New("httpserver: nil handler")
	}
	if cfg.Server.Logger == nil {
		cfg.Server.Logger = slog.Default()
	}
	s := &Server{cfg: cfg, h: h, log: cfg.Server.Logger, metrics: cfg.Server.Metrics}
	ts, err := server.New[connState](base, cfg.Server, s)
	if err != nil {
		return nil, err
	}
	s.tcp = ts
	return s, nil
}

// SetHeadersHandler 须在 Start 之前调用。
func (s *Server) SetHeadersHandler(fn HeadersHandler) { s.headers = fn }

func (s *Server) Addr() endpoint.Endpoint        { return s.tcp.Addr() }
func (s *Server) Name() string                   { return s.tcp.Name() }
func (s *Server) Loop() *loop.EventLoop          { return s.tcp.Loop() }
func (s *Server) Loops() []*loop.EventLoop       { return s.tcp.Loops() }
func (s *Server) NumConns() int                  { return s.tcp.NumConns() }
func (s *Server) Metrics() *metrics.Registry     { return s.metrics }
func (s *Server) Start() error                   { return s.tcp.Start() }
func (s *Server) Stop(ctx context.Context) error { return s.tcp.Stop(ctx) }

func (s *Server) OnOpen(c *tcp.Conn[connState]) {
	st := &connState{active: time.Now()}
	c.SetContext(st)
	if s.cfg.IdleTimeout > 0 {
		st.idle = c.Loop().RunAfter(s.cfg.IdleTimeout, func() { s.checkIdle(c) })
	}
}

func (s *Server) OnClose(c *tcp.Conn[connState], err error) {
	st := c.Context()
	if st == nil {
		return
	}
	c.Loop().Cancel(st.idle)
	if st.mc != nil && st.mc.State() != protocol.StateAwaitingHeaders {
		s.log.Debug("httpserver: connection closed mid-request", "conn", c.Name(), "state", st.mc.State().String())
	}
	st.mc = nil
	if err != nil {
		s.log.Debug("httpserver: connection error", "conn", c.Name(), "err", err)
	}
}

// checkIdle 由空闲定时器触发；期间有活动则按剩余时间重新定时。
func (s *Server) checkIdle(c *tcp.Conn[connState]) {
	st := c.Context()
	if st == nil || c.Disconnected() {
		return
	}
	left := s.cfg.IdleTimeout - time.Since(st.active)
	if left > 0 {
		st.idle = c.Loop().RunAfter(left, func() { s.checkIdle(c) })
		return
	}
	s.log.Debug("httpserver: idle timeout", "conn", c.Name())
	c.ForceClose()
}

func (s *Server) newContext(c *tcp.Conn[connState]) *protocol.MessageContext {
	mc := protocol.NewMessageContext(protocol.ModeRequest, protocol.Options{
		MaxHeaderBytes: s.cfg.MaxHeaderBytes,
		MaxBodyBytes:   s.cfg.MaxBodyBytes,
		DecodeBody:     s.cfg.DecodeBody,
	})
	mc.SetHeadersHook(func(mc *protocol.MessageContext) error { return s.onHeaders(c, mc) })
	return mc
}

func (s *Server) onHeaders(c *tcp.Conn[connState], mc *protocol.MessageContext) error {
	if s.headers != nil {
		if code := s.headers(mc.Request(), mc.ContentLength()); code != 0 {
			return &earlyStatus{code: code}
		}
	}
	if mc.ExpectContinue() && mc.ContentLength() != 0 {
		_ = c.SendString(continueLine)
	}
	return nil
}

func (s *Server) OnMessage(c *tcp.Conn[connState], in *buffer.Buffer, at time.Time) {
	st := c.Context()
	if st.closing {
		in.RetrieveAll()
		return
	}
	st.active = at
	for in.ReadableBytes() > 0 && !st.closing {
		if st.mc == nil {
			st.mc = s.newContext(c)
		}
		n, res := st.mc.Consume(in.Peek())
		in.Retrieve(n)
		switch res {
		case protocol.Incomplete:
			return
		case protocol.Failed:
			in.RetrieveAll()
			s.reject(c, st)
			return
		case protocol.Complete:
			s.serve(c, st, at)
		}
	}
}

func (s *Server) serve(c *tcp.Conn[connState], st *connState, at time.Time) {
	req := st.mc.Request()
	req.RemoteAddr = c.PeerAddr().String()
	resp := protocol.NewResponse()
	resp.Version = req.Version
	s.call(req, resp)

	keep := protocol.KeepAlive(req, resp)
	if s.cfg.Compress {
		s.compress(req, resp)
	}
	s.write(c, resp, req.Method)
	s.metrics.Request(req.Method, resp.StatusCode, time.Since(at))
	resp.Release()
	st.mc.Reset()
	if !keep {
		st.closing = true
		c.Shutdown()
	}
}

// call 调用用户 Handler，panic 转为 500。
func (s *Server) call(req *protocol.Request, resp *protocol.Response) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("httpserver: handler panic", "method", req.Method, "uri", req.URI, "panic", r)
			resp.Header.Reset()
			resp.Error(protocol.StatusInternalError, protocol.StatusText(protocol.StatusInternalError))
		}
	}()
	s.h.ServeHTTP(req, resp)
}

func (s *Server) compress(req *protocol.Request, resp *protocol.Response) {
	if resp.Body == nil || resp.Body.Len() < s.cfg.CompressMin || protocol.NoBody(resp.StatusCode) ||
		req.Method == protocol.MethodHead || resp.Header.Has("Content-Encoding") || resp.Header.Has("Transfer-Encoding") {
		return
	}
	enc := protocol.NegotiateEncoding(req.Header.Get("Accept-Encoding"))
	if enc == "" {
		return
	}
	bb := bytebufferpool.Get()
	if err := protocol.Compress(bb, enc, resp.Body.B); err != nil {
		bytebufferpool.Put(bb)
		s.log.Warn("httpserver: compress failed", "encoding", enc, "err", err)
		return
	}
	bytebufferpool.Put(resp.Body)
	resp.Body = bb
	resp.Header.Set("Content-Encoding", enc)
	resp.Header.Add("Vary", "Accept-Encoding")
}

func (s *Server) write(c *tcp.Conn[connState], resp *protocol.Response, method string) {
	bb := bytebufferpool.Get()
	protocol.WriteResponse(bb, resp, method)
	if err := c.Send(bb.B); err != nil {
		s.log.Debug("httpserver: send response", "conn", c.Name(), "err", err)
	}
	bytebufferpool.Put(bb)
}

// reject 对解析失败或头部回调拒绝的请求尽力应答后关闭。
func (s *Server) reject(c *tcp.Conn[connState], st *connState) {
	err := st.mc.Err()
	req := st.mc.Request()
	code := StatusForError(err)
	var early *earlyStatus
	if errors.As(err, &early) {
		s.metrics.Request(req.Method, code, 0)
	} else {
		s.metrics.ProtocolError()
		s.log.Debug("httpserver: bad request", "conn", c.Name(), "err", err)
	}
	resp := protocol.NewResponse()
	resp.Error(code, protocol.StatusText(code))
	resp.Header.Set("Connection", "close")
	s.write(c, resp, req.Method)
	resp.Release()
	st.closing = true
	st.mc.Reset()
	c.Shutdown()
}

// StatusForError 把解析错误映射为应答状态码。
func StatusForError(err error) int {
	var early *earlyStatus
	switch {
	case errors.As(err, &early):
		return early.code
	case errors.Is(err, protocol.ErrBodyTooLarge):
		return protocol.StatusPayloadTooLarge
	case errors.Is(err, protocol.ErrHeaderTooLarge):
		return protocol.StatusHeaderTooLarge
	case errors.Is(err, protocol.ErrUnsupportedVersion):
		return protocol.StatusVersionUnsupported
	case errors.Is(err, protocol.ErrUnsupportedTE):
		return protocol.StatusNotImplemented
	}
	return protocol.StatusBadRequest
}
