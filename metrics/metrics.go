// Package metrics 包装一个显式构造的 prometheus 注册表，
// 供 server 与 httpserver 上报连接与请求指标。
package metrics

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// Registry 持有全部指标。nil *Registry 上的所有方法都是空操作，
// 组件无需判断是否启用了指标。
type Registry struct {
	reg *prometheus.Registry

	connsAccepted prometheus.Counter
	connsActive   prometheus.Gauge
	acceptErrors  prometheus.Counter
	bytesRead     prometheus.Counter
	bytesWritten  prometheus.Counter
	requests      *prometheus.CounterVec
	latency       prometheus.Histogram
	protoErrors   prometheus.Counter
}

// New 创建注册表；namespace 为空时使用 "rio"。
// withRuntime 为 true 时额外注册 Go 运行时与进程采集器。
func New(namespace string, withRuntime bool) *Registry {
	if namespace == "" {
		namespace = "rio"
	}
	r := &Registry{
		reg: prometheus.NewRegistry(),
		connsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "tcp", Name: "connections_accepted_total",
			Help: "Connections accepted by the acceptor.",
		}),
		connsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "tcp", Name: "connections_active",
			Help: "Connections currently established.",
		}),
		acceptErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "tcp", Name: "accept_errors_total",
			Help: "Accept failures, including descriptor exhaustion.",
		}),
		bytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "tcp", Name: "read_bytes_total",
			Help: "Bytes read from closed connections.",
		}),
		bytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "tcp", Name: "written_bytes_total",
			Help: "Bytes written to closed connections.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "HTTP requests served, by method and status code.",
		}, []string{"method", "code"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "Time spent in the request handler.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		protoErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "protocol_errors_total",
			Help: "Requests rejected as malformed.",
		}),
	}
	r.reg.MustRegister(r.connsAccepted, r.connsActive, r.acceptErrors, r.bytesRead,
		r.bytesWritten, r.requests, r.latency, r.protoErrors)
	if withRuntime {
		r.reg.MustRegister(collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	return r
}

// Registerer 供调用者注册自定义指标。
func (r *Registry) Registerer() prometheus.Registerer { return r.reg }

func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

func (r *Registry) ConnAccepted() {
	if r == nil {
		return
	}
	r.connsAccepted.Inc()
	r.connsActive.Inc()
}

func (r *Registry) ConnClosed(read, written uint64) {
	if r == nil {
		return
	}
	r.connsActive.Dec()
	r.bytesRead.Add(float64(read))
	r.bytesWritten.Add(float64(written))
}

func (r *Registry) AcceptError() {
	if r == nil {
		return
	}
	r.acceptErrors.Inc()
}

func (r *Registry) Request(method string, code int, d time.Duration) {
	if r == nil {
		return
	}
	r.requests.WithLabelValues(method, strconv.Itoa(code)).Inc()
	r.latency.Observe(d.Seconds())
}

func (r *Registry) ProtocolError() {
	if r == nil {
		return
	}
	r.protoErrors.Inc()
}

// WriteText 以 prometheus 文本格式输出全部指标。
func (r *Registry) WriteText(w io.Writer) error {
	return r.WriteTextFiltered(w, nil)
}

// WriteTextFiltered 只输出 keep 返回 true 的指标族；keep 为 nil 时输出全部。
func (r *Registry) WriteTextFiltered(w io.Writer, keep func(mf *dto.MetricFamily) bool) error {
	if r == nil {
		return nil
	}
	mfs, err := r.reg.Gather()
	if err != nil {
		return fmt.Errorf("metrics: gather: %w", err)
	}
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range mfs {
		if keep != nil && !keep(mf) {
			continue
		}
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("metrics: encode %s: %w", mf.GetName(), err)
		}
	}
	return nil
}

// NamePrefix 返回按指标名前缀过滤的 keep 函数。
func NamePrefix(prefix string) func(mf *dto.MetricFamily) bool {
	return func(mf *dto.MetricFamily) bool { return strings.HasPrefix(mf.GetName(), prefix) }
}
