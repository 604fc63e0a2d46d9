package protocol

import (
	"strconv"

	"github.com/valyala/bytebufferpool"
)

// UserAgent 为请求未设置 User-Agent 时注入的值。
const UserAgent = "rio/1.0"

func appendHeader(dst *bytebufferpool.ByteBuffer, name, value string) {
	_, _ = dst.WriteString(name)
	_, _ = dst.WriteString(": ")
	_, _ = dst.WriteString(value)
	_, _ = dst.WriteString("\r\n")
}

// WriteResponse 把 resp 序列化到 dst。reqMethod 为对应请求的方法。
//
// 规则：1xx 与 204 去掉 Content-Length 与 Transfer-Encoding 且不带消息体；
// 有 Transfer-Encoding 时不输出 Content-Length；否则 Content-Length 按实际消息体重算，
// 仅 HEAD 请求保留用户设置的值。HEAD 的应答不带消息体。
func WriteResponse(dst *bytebufferpool.ByteBuffer, resp *Response, reqMethod string) {
	v := resp.Version
	if v.Major == 0 {
		v = HTTP11
	}
	_, _ = dst.WriteString(v.String())
	_ = dst.WriteByte(' ')
	_, _ = dst.WriteString(strconv.Itoa(resp.StatusCode))
	_ = dst.WriteByte(' ')
	_, _ = dst.WriteString(resp.ReasonPhrase())
	_, _ = dst.WriteString("\r\n")

	h := &resp.Header
	body := resp.BodyBytes()
	noContent := resp.StatusCode < StatusOK || resp.StatusCode == StatusNoContent
	isHead := reqMethod == MethodHead
	// HEAD 与 304 只描述表示，不发送消息体
	bodyless := isHead || NoBody(resp.StatusCode)
	if noContent {
		h.Del("Transfer-Encoding")
		h.Del("Content-Length")
	} else {
		_, chunked := h.Lookup("Transfer-Encoding")
		userCL, hasCL := h.Lookup("Content-Length")
		h.Del("Content-Length")
		switch {
		case chunked:
		case bodyless && hasCL:
			appendHeader(dst, "Content-Length", userCL)
		default:
			appendHeader(dst, "Content-Length", strconv.Itoa(len(body)))
		}
	}
	if resp.ContentType != "" && !h.Has("Content-Type") {
		appendHeader(dst, "Content-Type", resp.ContentType)
	}
	h.VisitAll(func(name, value string) { appendHeader(dst, name, value) })
	_, _ = dst.WriteString("\r\n")
	if !bodyless {
		_, _ = dst.Write(body)
	}
}

// WriteRequest 把 req 序列化到 dst。头的顺序固定为：
// 请求行、Content-Length（非 GET 且无 Transfer-Encoding）、Host（未设置时）、
// Content-Type、用户头（按插入顺序）、Accept 与 User-Agent（未设置时），空行，消息体。
// host 在请求既无 Host 头也无 Request.Host 时使用。
func WriteRequest(dst *bytebufferpool.ByteBuffer, req *Request, host string) {
	method := req.Method
	if method == "" {
		method = MethodGet
	}
	v := req.Version
	if v.Major == 0 {
		v = HTTP11
	}
	_, _ = dst.WriteString(method)
	_ = dst.WriteByte(' ')
	_, _ = dst.WriteString(req.RequestURI())
	_ = dst.WriteByte(' ')
	_, _ = dst.WriteString(v.String())
	_, _ = dst.WriteString("\r\n")

	h := &req.Header
	isGet := method == MethodGet
	if !isGet {
		h.Del("Content-Length")
		if !h.Has("Transfer-Encoding") {
			appendHeader(dst, "Content-Length", strconv.Itoa(len(req.Body)))
		}
	}
	if !h.Has("Host") {
		if req.Host != "" {
			appendHeader(dst, "Host", req.Host)
		} else if host != "" {
			appendHeader(dst, "Host", host)
		}
	}
	if req.ContentType != "" && !h.Has("Content-Type") {
		appendHeader(dst, "Content-Type", req.ContentType)
	}
	h.VisitAll(func(name, value string) { appendHeader(dst, name, value) })
	if !h.Has("Accept") {
		appendHeader(dst, "Accept", "*/*")
	}
	if !h.Has("User-Agent") {
		appendHeader(dst, "User-Agent", UserAgent)
	}
	_, _ = dst.WriteString("\r\n")
	if !isGet {
		_, _ = dst.Write(req.Body)
	}
}

// KeepAlive 决定应答后是否保持连接，并把结论写入应答的 Connection 头：
// HTTP/1.1 默认保持，任一方声明 close 则关闭；
// HTTP/1.0 默认关闭，只有双方都声明 keep-alive（应答未设置时随请求）才保持。
func KeepAlive(req *Request, resp *Response) bool {
	if req.Version.AtLeast(1, 1) {
		if resp.Header.HasToken("Connection", "close") {
			return false
		}
		if req.Header.HasToken("Connection", "close") {
			resp.Header.Set("Connection", "close")
			return false
		}
		return true
	}
	if req.Header.HasToken("Connection", "keep-alive") && !resp.Header.HasToken("Connection", "close") {
		resp.Header.Set("Connection", "keep-alive")
		return true
	}
	resp.Header.Set("Connection", "close")
	return false
}
