package server

import (
	"log/slog"
	"runtime"
	"time"

	"github.com/legamerdc/rio/metrics"
	"github.com/legamerdc/rio/poller"
	"github.com/legamerdc/rio/tcp"
)

// Config 为服务端配置
type Config struct {
	Name          string        // 连接名前缀与日志标识
	Address       string        // 监听地址，如 ":8080"
	Loops         int           // IO loop 数量；0 表示连接全部运行在 base loop 上
	Poller        poller.Kind   // epoll（边缘触发）或 poll（水平触发）
	PollTimeout   time.Duration // 单次 poller 等待上限
	ReusePort     bool          // SO_REUSEPORT
	Backlog       int           // listen backlog
	NoDelay       bool          // 新连接是否设置 TCP_NODELAY
	HighWaterMark int           // 每连接输出缓冲高水位（字节）
	Logger        *slog.Logger
	Metrics       *metrics.Registry // 可为 nil
}

func DefaultConfig() Config {
	return Config{
		Name:          "rio",
		Address:       ":0",
		Loops:         runtime.NumCPU(),
		Poller:        poller.KindEpoll,
		PollTimeout:   time.Second,
		Backlog:       1024,
		NoDelay:       true,
		HighWaterMark: tcp.DefaultHighWaterMark,
	}
}
