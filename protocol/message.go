// Package protocol 实现 HTTP/1.x 消息模型、增量解析与序列化。
package protocol

import (
	"net/url"
	"strconv"

	"github.com/valyala/bytebufferpool"
)

const (
	MethodGet     = "GET"
	MethodHead    = "HEAD"
	MethodPost    = "POST"
	MethodPut     = "PUT"
	MethodDelete  = "DELETE"
	MethodOptions = "OPTIONS"
)

// Version 为 HTTP 版本号。
type Version struct {
	Major, Minor int
}

var (
	HTTP10 = Version{1, 0}
	HTTP11 = Version{1, 1}
)

// AtLeast 报告 v 是否不低于 major.minor。
func (v Version) AtLeast(major, minor int) bool {
	return v.Major > major || (v.Major == major && v.Minor >= minor)
}

func (v Version) String() string {
	return "HTTP/" + strconv.Itoa(v.Major) + "." + strconv.Itoa(v.Minor)
}

// Request 是解析完成（或待发送）的请求。Body 已完整缓冲在内存中。
type Request struct {
	Method  string
	URI     string // 原始请求目标，含查询串
	Path    string // URI 的路径部分（已反转义）
	Query   url.Values
	Version Version
	Header  Header
	Body    []byte

	// ContentType 在序列化时作为 Content-Type 输出，解析时从头中提取。
	ContentType string
	// UnresolvedPath 由路由器填写：服务与方法之后剩余的路径。
	UnresolvedPath string
	// RemoteAddr 为对端地址的字符串形式。
	RemoteAddr string
	// Host 为请求的目标主机，序列化时在未设置 Host 头时使用。
	Host string
}

// SetURI 设置请求目标并更新 Path/Query/Host。
func (r *Request) SetURI(uri string) error {
	r.URI = uri
	if uri == "*" {
		r.Path = "*"
		r.Query = url.Values{}
		return nil
	}
	u, err := url.ParseRequestURI(uri)
	if err != nil {
		return err
	}
	r.Path = u.Path
	r.Query = u.Query()
	if u.Host != "" {
		r.Host = u.Host
	}
	return nil
}

// RequestURI 返回序列化时使用的 origin-form 目标。
func (r *Request) RequestURI() string {
	if r.URI == "" {
		return "/"
	}
	if u, err := url.ParseRequestURI(r.URI); err == nil && u.IsAbs() {
		out := u.EscapedPath()
		if out == "" {
			out = "/"
		}
		if u.RawQuery != "" {
			out += "?" + u.RawQuery
		}
		return out
	}
	return r.URI
}

func (r *Request) Reset() {
	r.Header.Reset()
	*r = Request{Header: r.Header}
}

// Response 为可变的应答；Body 来自 bytebufferpool，由 Release 归还。
type Response struct {
	StatusCode  int
	Reason      string // 为空时使用标准描述
	Version     Version
	Header      Header
	ContentType string
	Body        *bytebufferpool.ByteBuffer
}

func NewResponse() *Response {
	return &Response{StatusCode: StatusOK, Version: HTTP11, Body: bytebufferpool.Get()}
}

// Write 实现 io.Writer，追加到 Body。
func (r *Response) Write(p []byte) (int, error) {
	if r.Body == nil {
		r.Body = bytebufferpool.Get()
	}
	return r.Body.Write(p)
}

func (r *Response) WriteString(s string) (int, error) {
	if r.Body == nil {
		r.Body = bytebufferpool.Get()
	}
	return r.Body.WriteString(s)
}

// BodyBytes 返回 Body 内容，Body 为空时返回 nil。
func (r *Response) BodyBytes() []byte {
	if r.Body == nil {
		return nil
	}
	return r.Body.B
}

// SetBody 用 p 替换 Body 内容。
func (r *Response) SetBody(p []byte) {
	if r.Body == nil {
		r.Body = bytebufferpool.Get()
	}
	r.Body.Set(p)
}

// Error 设置状态码并以纯文本写入描述。
func (r *Response) Error(code int, msg string) {
	r.StatusCode = code
	r.ContentType = "text/plain; charset=utf-8"
	r.SetBody(nil)
	_, _ = r.WriteString(msg)
	_, _ = r.WriteString("\n")
}

// Release 归还 Body，之后不得再使用 r。
func (r *Response) Release() {
	if r.Body != nil {
		bytebufferpool.Put(r.Body)
		r.Body = nil
	}
}

// ReasonPhrase 返回状态行中的描述。
func (r *Response) ReasonPhrase() string {
	if r.Reason != "" {
		return r.Reason
	}
	return StatusText(r.StatusCode)
}

// NoBody 报告该状态码是否禁止携带消息体（1xx、204、304）。
func NoBody(code int) bool {
	return (code >= 100 && code < 200) || code == StatusNoContent || code == StatusNotModified
}
