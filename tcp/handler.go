package tcp

import (
	"time"

	"github.com/legamerdc/rio/buffer"
)

// Handler 为用户回调接口，全部在连接所属 loop 的线程上调用。
// OnMessage 的 in 为连接的输入缓冲，未消费的字节保留到下一次回调。
type Handler[C any] interface {
	OnOpen(c *Conn[C])
	OnMessage(c *Conn[C], in *buffer.Buffer, at time.Time)
	OnClose(c *Conn[C], err error)
}

// WriteCompleteHandler 为可选接口：输出缓冲写空时回调。
type WriteCompleteHandler[C any] interface {
	OnWriteComplete(c *Conn[C])
}

// HighWatermarkHandler 为可选接口：输出缓冲自下而上越过高水位时回调一次。
type HighWatermarkHandler[C any] interface {
	OnHighWatermark(c *Conn[C], queued int)
}

// HandlerFuncs 把函数适配为 Handler，未设置的回调为空操作。
type HandlerFuncs[C any] struct {
	Open          func(c *Conn[C])
	Message       func(c *Conn[C], in *buffer.Buffer, at time.Time)
	Close         func(c *Conn[C], err error)
	WriteComplete func(c *Conn[C])
	HighWatermark func(c *Conn[C], queued int)
}

func (h *HandlerFuncs[C]) OnOpen(c *Conn[C]) {
	if h.Open != nil {
		h.Open(c)
	}
}

func (h *HandlerFuncs[C]) OnMessage(c *Conn[C], in *buffer.Buffer, at time.Time) {
	if h.Message != nil {
		h.Message(c, in, at)
		return
	}
	in.RetrieveAll()
}

func (h *HandlerFuncs[C]) OnClose(c *Conn[C], err error) {
	if h.Close != nil {
		h.Close(c, err)
	}
}

func (h *HandlerFuncs[C]) OnWriteComplete(c *Conn[C]) {
	if h.WriteComplete != nil {
		h.WriteComplete(c)
	}
}

func (h *HandlerFuncs[C]) OnHighWatermark(c *Conn[C], queued int) {
	if h.HighWatermark != nil {
		h.HighWatermark(c, queued)
	}
}
