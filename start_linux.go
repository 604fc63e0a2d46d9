//go:build linux

package rio

import (
	"context"
	"time"

	"github.com/legamerdc/rio/httpserver"
)

// ListenAndServe 以默认配置在 addr 上启动 HTTP 服务，阻塞到 ctx 取消后优雅关闭。
func ListenAndServe(ctx context.Context, addr string, h httpserver.Handler) error {
	cfg := httpserver.DefaultConfig()
	cfg.Server.Address = addr
	return Serve(ctx, cfg, h)
}

// Serve 同 ListenAndServe，使用调用方给出的配置。
func Serve(ctx context.Context, cfg httpserver.Config, h httpserver.Handler) error {
	s, err := httpserver.New(nil, cfg, h)
	if err != nil {
		return err
	}
	if err := s.Start(); err != nil {
		return err
	}
	<-ctx.Done()

	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Stop(sctx)
}
