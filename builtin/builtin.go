// Package builtin 提供挂在路由器上的诊断服务：index、health、status、vars、version。
// 各服务只通过 router.Register 注册，不依赖 HTTP 层内部。
package builtin

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/common/expfmt"

	"github.com/legamerdc/rio/loop"
	"github.com/legamerdc/rio/metrics"
	"github.com/legamerdc/rio/protocol"
	"github.com/legamerdc/rio/router"
)

// Version 为 version 服务输出的版本号，构建时可用 -ldflags 覆盖。
var Version = "dev"

const textPlain = "text/plain; charset=utf-8"

// Stats 为 status 服务读取的运行状态，通常由 httpserver.Server 实现。
type Stats interface {
	NumConns() int
	Loops() []*loop.EventLoop
}

type Options struct {
	Stats   Stats             // 可为 nil
	Metrics *metrics.Registry // 可为 nil
	Started time.Time         // 零值表示注册时刻
}

type services struct {
	r    *router.Router
	opts Options
}

// Register 在 r 上注册全部内置服务，任一注册失败即返回。
func Register(r *router.Router, opts Options) error {
	if opts.Started.IsZero() {
		opts.Started = time.Now()
	}
	s := &services{r: r, opts: opts}
	for _, svc := range []struct {
		name string
		fn   func(req *protocol.Request, resp *protocol.Response)
	}{
		{router.IndexService, s.index},
		{"health", s.health},
		{"status", s.status},
		{"vars", s.vars},
		{"version", s.version},
	} {
		if err := r.RegisterFunc(svc.name, svc.fn); err != nil {
			return fmt.Errorf("builtin: %w", err)
		}
	}
	return nil
}

func (s *services) index(_ *protocol.Request, resp *protocol.Response) {
	resp.ContentType = textPlain
	for _, svc := range s.r.Services() {
		_, _ = fmt.Fprintf(resp, "/%s", svc.FullName)
		for _, m := range svc.Methods {
			if m != router.DefaultMethod {
				_, _ = fmt.Fprintf(resp, " %s", m)
			}
		}
		_, _ = resp.WriteString("\n")
	}
}

func (s *services) health(_ *protocol.Request, resp *protocol.Response) {
	resp.ContentType = textPlain
	_, _ = resp.WriteString("OK\n")
}

func (s *services) status(_ *protocol.Request, resp *protocol.Response) {
	resp.ContentType = textPlain
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	_, _ = fmt.Fprintf(resp, "version: %s\n", Version)
	_, _ = fmt.Fprintf(resp, "started: %s (%s)\n", s.opts.Started.Format(time.RFC3339), humanize.Time(s.opts.Started))
	_, _ = fmt.Fprintf(resp, "goroutines: %s\n", humanize.Comma(int64(runtime.NumGoroutine())))
	_, _ = fmt.Fprintf(resp, "heap: %s in use, %s total allocated\n", humanize.IBytes(ms.HeapInuse), humanize.IBytes(ms.TotalAlloc))
	if st := s.opts.Stats; st != nil {
		loops := st.Loops()
		_, _ = fmt.Fprintf(resp, "connections: %s\n", humanize.Comma(int64(st.NumConns())))
		_, _ = fmt.Fprintf(resp, "loops: %d\n", len(loops))
		for _, l := range loops {
			_, _ = fmt.Fprintf(resp, "  %s poller=%s iterations=%s pending=%d\n",
				l.Name(), l.PollerKind(), humanize.Comma(int64(l.Iteration())), l.QueueSize())
		}
	}
}

// vars 输出 prometheus 文本格式；未解析尾部作为指标名前缀过滤。
func (s *services) vars(req *protocol.Request, resp *protocol.Response) {
	if s.opts.Metrics == nil {
		resp.Error(protocol.StatusNotFound, "metrics disabled")
		return
	}
	resp.ContentType = string(expfmt.FmtText)
	keep := metrics.NamePrefix(strings.ReplaceAll(req.UnresolvedPath, "/", "_"))
	if err := s.opts.Metrics.WriteTextFiltered(resp, keep); err != nil {
		resp.Error(protocol.StatusInternalError, err.Error())
	}
}

func (s *services) version(_ *protocol.Request, resp *protocol.Response) {
	resp.ContentType = textPlain
	_, _ = fmt.Fprintf(resp, "%s %s %s/%s\n", Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
