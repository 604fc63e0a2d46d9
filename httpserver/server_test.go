//go:build linux

package httpserver

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/legamerdc/rio/metrics"
	"github.com/legamerdc/rio/protocol"
)

func echo(req *protocol.Request, resp *protocol.Response) {
	switch req.Path {
	case "/panic":
		panic("boom")
	case "/close":
		resp.Header.Set("Connection", "close")
	case "/big":
		resp.ContentType = "text/plain"
		_, _ = resp.WriteString(strings.Repeat("rio ", 1024))
		return
	}
	resp.ContentType = "text/plain"
	_, _ = fmt.Fprintf(resp, "%s %s q=%s body=%s", req.Method, req.Path, req.Query.Get("q"), req.Body)
}

func startServer(t *testing.T, mutate func(*Config), setup ...func(*Server)) *Server {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Server.Address = "127.0.0.1:0"
	cfg.Server.Loops = 2
	cfg.Server.Metrics = metrics.New("test", false)
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(nil, cfg, HandlerFunc(echo))
	require.NoError(t, err)
	for _, fn := range setup {
		fn(s)
	}
	require.NoError(t, s.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

func url(s *Server, path string) string { return "http://" + s.Addr().String() + path }

// respReader 用应答模式的解析器从原始连接读取应答。
type respReader struct {
	c   net.Conn
	buf []byte
	mc  *protocol.MessageContext
}

func newRespReader(t *testing.T, s *Server) *respReader {
	t.Helper()
	c, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return &respReader{c: c, mc: protocol.NewMessageContext(protocol.ModeResponse, protocol.DefaultOptions())}
}

func (r *respReader) send(t *testing.T, raw string) {
	t.Helper()
	_, err := r.c.Write([]byte(raw))
	require.NoError(t, err)
}

func (r *respReader) next(t *testing.T, method string) *protocol.Response {
	t.Helper()
	r.mc.Reset()
	r.mc.SetRequestMethod(method)
	tmp := make([]byte, 4096)
	for {
		if len(r.buf) > 0 {
			n, res := r.mc.Consume(r.buf)
			r.buf = r.buf[n:]
			require.NotEqual(t, protocol.Failed, res, "%v", r.mc.Err())
			if res == protocol.Complete {
				return r.mc.Response()
			}
		}
		_ = r.c.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, err := r.c.Read(tmp)
		if err == io.EOF {
			require.Equal(t, protocol.Complete, r.mc.Finish())
			return r.mc.Response()
		}
		require.NoError(t, err)
		r.buf = append(r.buf, tmp[:n]...)
	}
}

// eof 断言服务端已关闭连接。
func (r *respReader) eof(t *testing.T) {
	t.Helper()
	require.Empty(t, r.buf)
	_ = r.c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := r.c.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestFastHTTPClient(t *testing.T) {
	s := startServer(t, nil)
	client := &fasthttp.Client{}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(url(s, "/hello?q=1"))
	require.NoError(t, client.Do(req, resp))
	assert.Equal(t, 200, resp.StatusCode())
	assert.Equal(t, "GET /hello q=1 body=", string(resp.Body()))
	assert.Equal(t, "text/plain", string(resp.Header.ContentType()))

	req.Reset()
	resp.Reset()
	req.SetRequestURI(url(s, "/upload"))
	req.Header.SetMethod(fasthttp.MethodPost)
	req.SetBodyString("payload")
	require.NoError(t, client.Do(req, resp))
	assert.Equal(t, "POST /upload q= body=payload", string(resp.Body()))

	// 两次请求复用同一条连接
	assert.Equal(t, 1, s.NumConns())
}

func TestPipelined(t *testing.T) {
	s := startServer(t, nil)
	r := newRespReader(t, s)
	r.send(t, "GET /a HTTP/1.1\r\nHost: x\r\n\r\n"+
		"POST /b HTTP/1.1\r\nHost: x\r\nContent-Length: 3\r\n\r\nabc"+
		"HEAD /c HTTP/1.1\r\nHost: x\r\n\r\n")

	assert.Equal(t, "GET /a q= body=", string(r.next(t, "GET").BodyBytes()))
	assert.Equal(t, "POST /b q= body=abc", string(r.next(t, "POST").BodyBytes()))
	head := r.next(t, "HEAD")
	assert.Empty(t, head.BodyBytes())
	assert.Equal(t, "16", head.Header.Get("Content-Length"))
}

func TestKeepAlivePolicy(t *testing.T) {
	s := startServer(t, nil)

	t.Run("http10 default close", func(t *testing.T) {
		r := newRespReader(t, s)
		r.send(t, "GET / HTTP/1.0\r\n\r\n")
		resp := r.next(t, "GET")
		assert.Equal(t, "close", resp.Header.Get("Connection"))
		assert.Equal(t, protocol.HTTP10, resp.Version)
		r.eof(t)
	})

	t.Run("http10 keep-alive", func(t *testing.T) {
		r := newRespReader(t, s)
		r.send(t, "GET /1 HTTP/1.0\r\nConnection: keep-alive\r\n\r\n")
		assert.Equal(t, "keep-alive", r.next(t, "GET").Header.Get("Connection"))
		r.send(t, "GET /2 HTTP/1.0\r\nConnection: keep-alive\r\n\r\n")
		assert.Equal(t, "GET /2 q= body=", string(r.next(t, "GET").BodyBytes()))
	})

	t.Run("http11 client close", func(t *testing.T) {
		r := newRespReader(t, s)
		r.send(t, "GET / HTTP/1.1\r\nConnection: close\r\n\r\nGET /ignored HTTP/1.1\r\n\r\n")
		assert.Equal(t, "close", r.next(t, "GET").Header.Get("Connection"))
		r.eof(t)
	})

	t.Run("http11 handler close", func(t *testing.T) {
		r := newRespReader(t, s)
		r.send(t, "GET /close HTTP/1.1\r\n\r\n")
		assert.Equal(t, "close", r.next(t, "GET").Header.Get("Connection"))
		r.eof(t)
	})
}

func TestProtocolErrors(t *testing.T) {
	s := startServer(t, func(c *Config) { c.MaxBodyBytes = 16 })

	cases := []struct {
		raw  string
		code int
	}{
		{"BROKEN\r\n\r\n", 400},
		{"GET / HTTP/1.1\r\n bad fold\r\n\r\n", 400},
		{"GET / HTTP/2.0\r\n\r\n", 505},
		{"POST / HTTP/1.1\r\nContent-Length: 32\r\n\r\n", 413},
		{"POST / HTTP/1.1\r\nTransfer-Encoding: gzip\r\n\r\n", 501},
	}
	for _, tc := range cases {
		r := newRespReader(t, s)
		r.send(t, tc.raw)
		resp := r.next(t, "GET")
		assert.Equal(t, tc.code, resp.StatusCode, tc.raw)
		assert.Equal(t, "close", resp.Header.Get("Connection"))
		r.eof(t)
	}
}

func TestHeadersHandler(t *testing.T) {
	s := startServer(t, nil, func(s *Server) {
		s.SetHeadersHandler(func(req *protocol.Request, n int64) int {
			if req.Path == "/deny" {
				return protocol.StatusForbidden
			}
			if n > 8 {
				return protocol.StatusPayloadTooLarge
			}
			return 0
		})
	})

	r := newRespReader(t, s)
	r.send(t, "POST /up HTTP/1.1\r\nContent-Length: 4\r\nExpect: 100-continue\r\n\r\n")
	cont := r.next(t, "POST")
	assert.Equal(t, protocol.StatusContinue, cont.StatusCode)
	r.send(t, "data")
	assert.Equal(t, "POST /up q= body=data", string(r.next(t, "POST").BodyBytes()))

	r = newRespReader(t, s)
	r.send(t, "POST /up HTTP/1.1\r\nContent-Length: 1000\r\nExpect: 100-continue\r\n\r\n")
	assert.Equal(t, protocol.StatusPayloadTooLarge, r.next(t, "POST").StatusCode)
	r.eof(t)

	r = newRespReader(t, s)
	r.send(t, "GET /deny HTTP/1.1\r\n\r\n")
	assert.Equal(t, protocol.StatusForbidden, r.next(t, "GET").StatusCode)
	r.eof(t)
}

func TestHandlerPanic(t *testing.T) {
	s := startServer(t, nil)
	r := newRespReader(t, s)
	r.send(t, "GET /panic HTTP/1.1\r\n\r\n")
	assert.Equal(t, protocol.StatusInternalError, r.next(t, "GET").StatusCode)

	// 连接仍可继续使用
	r.send(t, "GET /after HTTP/1.1\r\n\r\n")
	assert.Equal(t, 200, r.next(t, "GET").StatusCode)
}

func TestCompression(t *testing.T) {
	s := startServer(t, func(c *Config) {
		c.Compress = true
		c.CompressMin = 64
	})
	client := &fasthttp.Client{}
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(url(s, "/big"))
	req.Header.Set("Accept-Encoding", "gzip")
	require.NoError(t, client.Do(req, resp))
	assert.Equal(t, "gzip", string(resp.Header.Peek("Content-Encoding")))
	body, err := resp.BodyGunzip()
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("rio ", 1024), string(body))

	// 短应答不压缩
	req.SetRequestURI(url(s, "/small"))
	require.NoError(t, client.Do(req, resp))
	assert.Empty(t, resp.Header.Peek("Content-Encoding"))
	assert.Equal(t, "GET /small q= body=", string(resp.Body()))
}

func TestDecodeRequestBody(t *testing.T) {
	s := startServer(t, nil)
	var bb bytes.Buffer
	zipped := fasthttp.AppendGzipBytes(nil, []byte("zipped body"))
	fmt.Fprintf(&bb, "POST /z HTTP/1.1\r\nContent-Encoding: gzip\r\nContent-Length: %d\r\n\r\n", len(zipped))
	bb.Write(zipped)

	r := newRespReader(t, s)
	r.send(t, bb.String())
	assert.Equal(t, "POST /z q= body=zipped body", string(r.next(t, "POST").BodyBytes()))
}

func TestIdleTimeout(t *testing.T) {
	s := startServer(t, func(c *Config) { c.IdleTimeout = 50 * time.Millisecond })
	r := newRespReader(t, s)
	r.send(t, "GET / HTTP/1.1\r\n\r\n")
	assert.Equal(t, 200, r.next(t, "GET").StatusCode)
	r.eof(t)
	require.Eventually(t, func() bool { return s.NumConns() == 0 }, time.Second, time.Millisecond)
}

func TestRequestMetrics(t *testing.T) {
	s := startServer(t, nil)
	r := newRespReader(t, s)
	r.send(t, "GET /m HTTP/1.1\r\n\r\nGET /m HTTP/1.1\r\n\r\n")
	r.next(t, "GET")
	r.next(t, "GET")
	r2 := newRespReader(t, s)
	r2.send(t, "NOT HTTP\r\n\r\n")
	r2.next(t, "GET")

	var out bytes.Buffer
	require.NoError(t, s.Metrics().WriteText(&out))
	assert.Contains(t, out.String(), `test_http_requests_total{code="200",method="GET"} 2`)
	assert.Contains(t, out.String(), "test_http_protocol_errors_total 1")
}
