package httpserver

import (
	"time"

	"github.com/legamerdc/rio/protocol"
	"github.com/legamerdc/rio/server"
)

// Config 为 HTTP 服务配置，TCP 层参数在 Server 中。
type Config struct {
	Server         server.Config
	MaxHeaderBytes int           // 请求头上限
	MaxBodyBytes   int           // 请求体上限，超出应答 413
	IdleTimeout    time.Duration // 连接空闲超时，0 表示不限制
	DecodeBody     bool          // 按 Content-Encoding 解压请求体
	Compress       bool          // 按 Accept-Encoding 压缩应答
	CompressMin    int           // 小于该长度的应答体不压缩
}

func DefaultConfig() Config {
	opts := protocol.DefaultOptions()
	return Config{
		Server:         server.DefaultConfig(),
		MaxHeaderBytes: opts.MaxHeaderBytes,
		MaxBodyBytes:   opts.MaxBodyBytes,
		IdleTimeout:    60 * time.Second,
		DecodeBody:     true,
		CompressMin:    1024,
	}
}
