package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/valyala/bytebufferpool"
)

var (
	ErrMalformedStartLine = errors.New("protocol: malformed start line")
	ErrMalformedHeader    = errors.New("protocol: malformed header line")
	ErrObsFold            = errors.New("protocol: obsolete header line folding")
	ErrUnsupportedVersion = errors.New("protocol: unsupported http version")
	ErrHeaderTooLarge     = errors.New("protocol: header too large")
	ErrBodyTooLarge       = errors.New("protocol: body too large")
	ErrBadContentLength   = errors.New("protocol: invalid content length")
	ErrBadChunk           = errors.New("protocol: malformed chunked encoding")
	ErrUnsupportedTE      = errors.New("protocol: unsupported transfer encoding")
	ErrTruncated          = errors.New("protocol: message truncated")
)

const maxChunkLine = 4096

type Mode int8

const (
	ModeRequest Mode = iota
	ModeResponse
)

type State int8

const (
	StateAwaitingHeaders State = iota
	StateHeadersComplete
	StateAwaitingBody
	StateComplete
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateAwaitingHeaders:
		return "awaiting-headers"
	case StateHeadersComplete:
		return "headers-complete"
	case StateAwaitingBody:
		return "awaiting-body"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Result 为一次 Consume 的结果。
type Result int8

const (
	Incomplete Result = iota
	Complete
	Failed
)

type bodyKind int8

const (
	bodyNone bodyKind = iota
	bodyLength
	bodyChunked
	bodyUntilEOF
)

type chunkState int8

const (
	chunkSize chunkState = iota
	chunkData
	chunkDataEnd
	chunkTrailer
)

// Options 为解析限制。
type Options struct {
	MaxHeaderBytes int
	MaxBodyBytes   int
	// DecodeBody 为 true 时按 Content-Encoding（gzip、zstd）解压消息体。
	DecodeBody bool
}

func DefaultOptions() Options {
	return Options{MaxHeaderBytes: 64 << 10, MaxBodyBytes: 64 << 20}
}

// MessageContext 是单条 HTTP 消息的增量解析状态。
// 消息未完整时 Consume 吃掉全部输入；完整时停在消息边界，
// 剩余字节属于下一条（流水线）消息，调用方 Reset 后继续喂入。
type MessageContext struct {
	mode  Mode
	opts  Options
	state State
	err   error

	hbuf []byte
	scan int

	req  Request
	resp Response

	kind      bodyKind
	remaining int64
	length    int64 // 声明的 Content-Length，未知为 -1
	body      []byte

	chunk        chunkState
	line         []byte
	trailer      Header
	trailerBytes int

	reqMethod      string // 应答模式下对应请求的方法
	expectContinue bool
	onHeaders      func(*MessageContext) error
}

func NewMessageContext(mode Mode, opts Options) *MessageContext {
	def := DefaultOptions()
	if opts.MaxHeaderBytes <= 0 {
		opts.MaxHeaderBytes = def.MaxHeaderBytes
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = def.MaxBodyBytes
	}
	return &MessageContext{mode: mode, opts: opts, length: -1}
}

func (c *MessageContext) Mode() Mode       { return c.mode }
func (c *MessageContext) State() State     { return c.state }
func (c *MessageContext) Err() error       { return c.err }
func (c *MessageContext) Trailer() *Header { return &c.trailer }

// ExpectContinue 报告请求是否带有 Expect: 100-continue。
func (c *MessageContext) ExpectContinue() bool { return c.expectContinue }

// ContentLength 返回声明的消息体长度，未声明（或分块）为 -1。
func (c *MessageContext) ContentLength() int64 { return c.length }

// SetHeadersHook 设置头部解析完成时的回调；返回错误将使解析失败并携带该错误。
func (c *MessageContext) SetHeadersHook(fn func(*MessageContext) error) { c.onHeaders = fn }

// SetRequestMethod 在应答模式下告知对应请求的方法，HEAD 的应答没有消息体。
func (c *MessageContext) SetRequestMethod(m string) { c.reqMethod = m }

// Request 返回请求；头部完成后方法、目标与头可用，完成后消息体可用。
func (c *MessageContext) Request() *Request { return &c.req }

// Response 返回应答（应答模式）。
func (c *MessageContext) Response() *Response { return &c.resp }

func (c *MessageContext) header() *Header {
	if c.mode == ModeRequest {
		return &c.req.Header
	}
	return &c.resp.Header
}

// Reset 为解析下一条消息做准备，保留已分配的缓冲。
func (c *MessageContext) Reset() {
	c.state = StateAwaitingHeaders
	c.err = nil
	c.hbuf = c.hbuf[:0]
	c.scan = 0
	c.req.Reset()
	c.resp.Header.Reset()
	c.resp = Response{Header: c.resp.Header}
	c.kind = bodyNone
	c.remaining = 0
	c.length = -1
	c.body = nil
	c.chunk = chunkSize
	c.line = c.line[:0]
	c.trailer.Reset()
	c.trailerBytes = 0
	c.reqMethod = ""
	c.expectContinue = false
}

func (c *MessageContext) fail(err error) {
	c.state = StateFailed
	c.err = err
}

// Consume 喂入 p，返回消费的字节数与结果。
func (c *MessageContext) Consume(p []byte) (int, Result) {
	n := 0
	for {
		switch c.state {
		case StateComplete:
			return n, Complete
		case StateFailed:
			return n, Failed
		case StateAwaitingHeaders:
			k, done := c.consumeHeaders(p[n:])
			n += k
			if c.state == StateFailed {
				return n, Failed
			}
			if !done {
				return n, Incomplete
			}
		case StateHeadersComplete:
			c.afterHeaders()
		case StateAwaitingBody:
			if n == len(p) {
				return n, Incomplete
			}
			n += c.consumeBody(p[n:])
		}
	}
}

// Finish 在对端关闭时调用：以连接关闭定界的应答在此完成，
// 其他未完整的消息视为截断。
func (c *MessageContext) Finish() Result {
	switch {
	case c.state == StateComplete:
		return Complete
	case c.state == StateFailed:
		return Failed
	case c.state == StateAwaitingBody && c.kind == bodyUntilEOF:
		c.complete()
		if c.state == StateFailed {
			return Failed
		}
		return Complete
	case c.state == StateAwaitingHeaders && len(c.hbuf) == 0:
		return Incomplete
	}
	c.fail(ErrTruncated)
	return Failed
}

func (c *MessageContext) consumeHeaders(p []byte) (int, bool) {
	skipped := 0
	if len(c.hbuf) == 0 {
		// 消息前的空行忽略
		for skipped < len(p) && (p[skipped] == '\r' || p[skipped] == '\n') {
			skipped++
		}
		p = p[skipped:]
		if len(p) == 0 {
			return skipped, false
		}
	}
	start := len(c.hbuf)
	c.hbuf = append(c.hbuf, p...)
	end := findHeaderEnd(c.hbuf, c.scan)
	if end < 0 {
		if len(c.hbuf) > c.opts.MaxHeaderBytes {
			c.fail(ErrHeaderTooLarge)
		}
		c.scan = max(0, len(c.hbuf)-3)
		return skipped + len(p), false
	}
	if end > c.opts.MaxHeaderBytes {
		c.fail(ErrHeaderTooLarge)
		return skipped + len(p), false
	}
	used := end - start
	c.hbuf = c.hbuf[:end]
	if err := c.parseHead(c.hbuf); err != nil {
		c.fail(err)
		return skipped + used, false
	}
	c.state = StateHeadersComplete
	return skipped + used, true
}

// findHeaderEnd 返回空行之后的下标，未找到为 -1。
func findHeaderEnd(b []byte, from int) int {
	for {
		i := bytes.IndexByte(b[from:], '\n')
		if i < 0 {
			return -1
		}
		i += from
		if i+1 < len(b) && b[i+1] == '\n' {
			return i + 2
		}
		if i+2 < len(b) && b[i+1] == '\r' && b[i+2] == '\n' {
			return i + 3
		}
		from = i + 1
	}
}

func (c *MessageContext) parseHead(b []byte) error {
	s := string(b)
	eol := strings.IndexByte(s, '\n')
	first := strings.TrimSuffix(s[:eol], "\r")
	var err error
	if c.mode == ModeRequest {
		err = c.parseRequestLine(first)
	} else {
		err = c.parseStatusLine(first)
	}
	if err != nil {
		return err
	}
	h := c.header()
	for rest := s[eol+1:]; rest != ""; {
		var line string
		if i := strings.IndexByte(rest, '\n'); i >= 0 {
			line, rest = rest[:i], rest[i+1:]
		} else {
			line, rest = rest, ""
		}
		line = strings.TrimSuffix(line, "\r")
		if line == "" {
			break
		}
		name, value, err := parseHeaderLine(line)
		if err != nil {
			return err
		}
		h.Add(name, value)
	}
	return nil
}

func (c *MessageContext) parseRequestLine(line string) error {
	sp1 := strings.IndexByte(line, ' ')
	sp2 := strings.LastIndexByte(line, ' ')
	if sp1 <= 0 || sp2 <= sp1+1 {
		return fmt.Errorf("%w: %q", ErrMalformedStartLine, line)
	}
	method, target, ver := line[:sp1], line[sp1+1:sp2], line[sp2+1:]
	if !isToken(method) || strings.ContainsAny(target, " \t") {
		return fmt.Errorf("%w: %q", ErrMalformedStartLine, line)
	}
	v, err := parseVersion(ver)
	if err != nil {
		return err
	}
	c.req.Method = method
	c.req.Version = v
	if err := c.req.SetURI(target); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedStartLine, err)
	}
	return nil
}

func (c *MessageContext) parseStatusLine(line string) error {
	sp := strings.IndexByte(line, ' ')
	if sp <= 0 {
		return fmt.Errorf("%w: %q", ErrMalformedStartLine, line)
	}
	v, err := parseVersion(line[:sp])
	if err != nil {
		return err
	}
	rest := line[sp+1:]
	code, reason := rest, ""
	if i := strings.IndexByte(rest, ' '); i >= 0 {
		code, reason = rest[:i], rest[i+1:]
	}
	if len(code) != 3 {
		return fmt.Errorf("%w: %q", ErrMalformedStartLine, line)
	}
	n, err := strconv.Atoi(code)
	if err != nil || n < 100 {
		return fmt.Errorf("%w: %q", ErrMalformedStartLine, line)
	}
	c.resp.Version = v
	c.resp.StatusCode = n
	c.resp.Reason = reason
	return nil
}

func parseVersion(s string) (Version, error) {
	if len(s) != 8 || !strings.HasPrefix(s, "HTTP/") || s[6] != '.' ||
		s[5] < '0' || s[5] > '9' || s[7] < '0' || s[7] > '9' {
		return Version{}, fmt.Errorf("%w: %q", ErrMalformedStartLine, s)
	}
	v := Version{Major: int(s[5] - '0'), Minor: int(s[7] - '0')}
	if v.Major != 1 {
		return Version{}, fmt.Errorf("%w: %s", ErrUnsupportedVersion, s)
	}
	return v, nil
}

func parseHeaderLine(line string) (string, string, error) {
	if line[0] == ' ' || line[0] == '\t' {
		return "", "", ErrObsFold
	}
	colon := strings.IndexByte(line, ':')
	if colon <= 0 || !isToken(line[:colon]) {
		return "", "", fmt.Errorf("%w: %q", ErrMalformedHeader, line)
	}
	return line[:colon], strings.Trim(line[colon+1:], " \t"), nil
}

// isToken 按 RFC 7230 tchar 校验。
func isToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9':
		case strings.IndexByte("!#$%&'*+-.^_`|~", ch) >= 0:
		default:
			return false
		}
	}
	return true
}

// parseContentLength 合并多个 Content-Length（含逗号分隔的列表），取值不一致时报错。
func parseContentLength(values []string) (int64, bool, error) {
	n := int64(-1)
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			x, err := strconv.ParseInt(part, 10, 64)
			if err != nil || x < 0 || part[0] == '+' {
				return 0, false, fmt.Errorf("%w: %q", ErrBadContentLength, v)
			}
			if n >= 0 && x != n {
				return 0, false, fmt.Errorf("%w: conflicting values", ErrBadContentLength)
			}
			n = x
		}
	}
	return n, n >= 0, nil
}

func (c *MessageContext) afterHeaders() {
	h := c.header()
	if c.mode == ModeRequest {
		c.req.ContentType = h.Get("Content-Type")
		c.req.Host = h.Get("Host")
		c.expectContinue = c.req.Version.AtLeast(1, 1) && h.HasToken("Expect", "100-continue")
	} else {
		c.resp.ContentType = h.Get("Content-Type")
	}
	cl, hasCL, err := parseContentLength(h.Values("Content-Length"))
	if err != nil {
		c.fail(err)
		return
	}
	te := h.Values("Transfer-Encoding")
	switch {
	case c.mode == ModeResponse && (NoBody(c.resp.StatusCode) || c.reqMethod == MethodHead):
		c.kind = bodyNone
	case len(te) > 0:
		// 同时出现时以 Transfer-Encoding 为准
		h.Del("Content-Length")
		if lastToken(te) == "chunked" {
			c.kind = bodyChunked
		} else if c.mode == ModeRequest {
			c.fail(fmt.Errorf("%w: %s", ErrUnsupportedTE, strings.Join(te, ",")))
			return
		} else {
			c.kind = bodyUntilEOF
		}
	case hasCL:
		c.kind = bodyLength
		c.length = cl
		c.remaining = cl
		if cl > int64(c.opts.MaxBodyBytes) {
			c.fail(ErrBodyTooLarge)
			return
		}
	case c.mode == ModeRequest:
		c.kind = bodyNone
	default:
		c.kind = bodyUntilEOF
	}
	if c.onHeaders != nil {
		if err := c.onHeaders(c); err != nil {
			c.fail(err)
			return
		}
	}
	if c.kind == bodyNone || (c.kind == bodyLength && c.remaining == 0) {
		c.complete()
		return
	}
	if c.kind == bodyLength {
		c.body = make([]byte, 0, c.remaining)
	}
	c.state = StateAwaitingBody
}

func lastToken(values []string) string {
	last := values[len(values)-1]
	if i := strings.LastIndexByte(last, ','); i >= 0 {
		last = last[i+1:]
	}
	return strings.ToLower(strings.TrimSpace(last))
}

func (c *MessageContext) appendBody(p []byte) bool {
	if len(c.body)+len(p) > c.opts.MaxBodyBytes {
		c.fail(ErrBodyTooLarge)
		return false
	}
	c.body = append(c.body, p...)
	return true
}

func (c *MessageContext) consumeBody(p []byte) int {
	switch c.kind {
	case bodyLength:
		k := len(p)
		if int64(k) > c.remaining {
			k = int(c.remaining)
		}
		if !c.appendBody(p[:k]) {
			return k
		}
		c.remaining -= int64(k)
		if c.remaining == 0 {
			c.complete()
		}
		return k
	case bodyUntilEOF:
		c.appendBody(p)
		return len(p)
	case bodyChunked:
		return c.consumeChunked(p)
	}
	return 0
}

// readLine 把 p 累积到 c.line 直到换行；返回消费字节数与是否得到完整一行。
func (c *MessageContext) readLine(p []byte) (int, bool) {
	i := bytes.IndexByte(p, '\n')
	if i < 0 {
		c.line = append(c.line, p...)
		if len(c.line) > maxChunkLine {
			c.fail(fmt.Errorf("%w: line too long", ErrBadChunk))
		}
		return len(p), false
	}
	c.line = append(c.line, p[:i]...)
	c.line = bytes.TrimSuffix(c.line, []byte{'\r'})
	if len(c.line) > maxChunkLine {
		c.fail(fmt.Errorf("%w: line too long", ErrBadChunk))
	}
	return i + 1, true
}

func (c *MessageContext) consumeChunked(p []byte) int {
	n := 0
	for n < len(p) && c.state == StateAwaitingBody {
		if c.chunk == chunkData {
			k := len(p) - n
			if int64(k) > c.remaining {
				k = int(c.remaining)
			}
			if !c.appendBody(p[n : n+k]) {
				return n + k
			}
			n += k
			c.remaining -= int64(k)
			if c.remaining == 0 {
				c.chunk = chunkDataEnd
			}
			continue
		}
		k, ok := c.readLine(p[n:])
		n += k
		if c.state == StateFailed || !ok {
			continue
		}
		line := string(c.line)
		c.line = c.line[:0]
		switch c.chunk {
		case chunkSize:
			if i := strings.IndexByte(line, ';'); i >= 0 {
				line = line[:i]
			}
			// 只接受十六进制数字，不允许符号
			u, err := strconv.ParseUint(strings.TrimSpace(line), 16, 63)
			if err != nil {
				c.fail(fmt.Errorf("%w: chunk size %q", ErrBadChunk, line))
				continue
			}
			size := int64(u)
			if size == 0 {
				c.chunk = chunkTrailer
				continue
			}
			if int64(len(c.body))+size > int64(c.opts.MaxBodyBytes) {
				c.fail(ErrBodyTooLarge)
				continue
			}
			c.remaining = size
			c.chunk = chunkData
		case chunkDataEnd:
			if line != "" {
				c.fail(fmt.Errorf("%w: missing CRLF after chunk data", ErrBadChunk))
				continue
			}
			c.chunk = chunkSize
		case chunkTrailer:
			if line == "" {
				c.complete()
				continue
			}
			c.trailerBytes += len(line)
			if c.trailerBytes > c.opts.MaxHeaderBytes {
				c.fail(ErrHeaderTooLarge)
				continue
			}
			name, value, err := parseHeaderLine(line)
			if err != nil {
				c.fail(err)
				continue
			}
			c.trailer.Add(name, value)
		}
	}
	return n
}

func (c *MessageContext) complete() {
	h := c.header()
	if c.opts.DecodeBody && len(c.body) > 0 {
		if enc := strings.ToLower(h.Get("Content-Encoding")); enc == EncodingGzip || enc == EncodingZstd {
			body, err := Decompress(enc, c.body, c.opts.MaxBodyBytes)
			if err != nil {
				c.fail(err)
				return
			}
			c.body = body
			h.Del("Content-Encoding")
			h.Set("Content-Length", strconv.Itoa(len(body)))
		}
	}
	if c.mode == ModeRequest {
		c.req.Body = c.body
	} else {
		c.resp.Body = bytebufferpool.Get()
		c.resp.Body.Set(c.body)
	}
	c.state = StateComplete
}
