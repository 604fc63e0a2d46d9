// Package httpserver 在 TCP 服务之上实现 HTTP/1.x 分帧与连接保持。
package httpserver

import "github.com/legamerdc/rio/protocol"

// Handler 在完整请求到达后被调用一次，运行在连接所属 loop 上，不得阻塞。
type Handler interface {
	ServeHTTP(req *protocol.Request, resp *protocol.Response)
}

type HandlerFunc func(req *protocol.Request, resp *protocol.Response)

func (f HandlerFunc) ServeHTTP(req *protocol.Request, resp *protocol.Response) { f(req, resp) }

// HeadersHandler 在请求头解析完成、消息体到达前调用。
// 返回非零状态码时立即以该状态应答并关闭连接，请求体不再读取。
type HeadersHandler func(req *protocol.Request, contentLength int64) int
