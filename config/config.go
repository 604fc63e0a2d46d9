// Package config 读取 riod 的 YAML 配置与 .env 环境变量，并转换为各组件的 Config。
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/legamerdc/rio/httpserver"
	"github.com/legamerdc/rio/metrics"
	"github.com/legamerdc/rio/poller"
)

// 覆盖配置文件的环境变量
const (
	EnvAddress  = "RIO_ADDRESS"
	EnvLoops    = "RIO_LOOPS"
	EnvPoller   = "RIO_POLLER"
	EnvLogLevel = "RIO_LOG_LEVEL"
)

var ErrInvalid = errors.New("config: invalid")

type Server struct {
	Name          string        `yaml:"name"`
	Address       string        `yaml:"address"`
	Loops         int           `yaml:"loops"`
	Poller        string        `yaml:"poller"` // epoll | poll
	PollTimeout   time.Duration `yaml:"poll_timeout"`
	ReusePort     bool          `yaml:"reuse_port"`
	Backlog       int           `yaml:"backlog"`
	NoDelay       bool          `yaml:"no_delay"`
	HighWaterMark string        `yaml:"high_water_mark"` // 如 "64MiB"
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
}

type HTTP struct {
	MaxHeaderBytes string `yaml:"max_header_bytes"`
	MaxBodyBytes   string `yaml:"max_body_bytes"`
	DecodeBody     bool   `yaml:"decode_body"`
	Compress       bool   `yaml:"compress"`
	CompressMin    string `yaml:"compress_min"`
}

type Log struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

type Metrics struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
	Runtime   bool   `yaml:"runtime"` // 注册 Go 运行时与进程采集器
}

type Config struct {
	Server  Server  `yaml:"server"`
	HTTP    HTTP    `yaml:"http"`
	Log     Log     `yaml:"log"`
	Metrics Metrics `yaml:"metrics"`
}

func Default() Config {
	def := httpserver.DefaultConfig()
	return Config{
		Server: Server{
			Name:          def.Server.Name,
			Address:       ":8080",
			Loops:         def.Server.Loops,
			Poller:        def.Server.Poller.String(),
			PollTimeout:   def.Server.PollTimeout,
			Backlog:       def.Server.Backlog,
			NoDelay:       def.Server.NoDelay,
			HighWaterMark: humanize.IBytes(uint64(def.Server.HighWaterMark)),
			IdleTimeout:   def.IdleTimeout,
		},
		HTTP: HTTP{
			MaxHeaderBytes: humanize.IBytes(uint64(def.MaxHeaderBytes)),
			MaxBodyBytes:   humanize.IBytes(uint64(def.MaxBodyBytes)),
			DecodeBody:     def.DecodeBody,
			CompressMin:    humanize.IBytes(uint64(def.CompressMin)),
		},
		Log:     Log{Level: "info", Format: "text"},
		Metrics: Metrics{Enabled: true, Namespace: "rio", Runtime: true},
	}
}

// Load 以默认值为底读取 path（为空时跳过），再应用环境变量覆盖。
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := cfg.parse(b); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) parse(b []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// LoadDotEnv 把 .env 文件载入进程环境，已存在的变量不被覆盖；文件不存在时忽略。
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config: load %s: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv 用 lookup 返回的环境变量覆盖配置。
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvAddress); ok && v != "" {
		c.Server.Address = v
	}
	if v, ok := lookup(EnvLoops); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q: %v", ErrInvalid, EnvLoops, v, err)
		}
		c.Server.Loops = n
	}
	if v, ok := lookup(EnvPoller); ok && v != "" {
		c.Server.Poller = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Log.Level = v
	}
	return nil
}

func (c Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("%w: server.address is empty", ErrInvalid)
	}
	if c.Server.Loops < 0 {
		return fmt.Errorf("%w: server.loops %d < 0", ErrInvalid, c.Server.Loops)
	}
	if _, err := poller.ParseKind(c.Server.Poller); err != nil {
		return fmt.Errorf("%w: server.poller: %v", ErrInvalid, err)
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("%w: log.format %q", ErrInvalid, c.Log.Format)
	}
	for name, v := range map[string]string{
		"server.high_water_mark": c.Server.HighWaterMark,
		"http.max_header_bytes":  c.HTTP.MaxHeaderBytes,
		"http.max_body_bytes":    c.HTTP.MaxBodyBytes,
		"http.compress_min":      c.HTTP.CompressMin,
	} {
		if _, err := parseSize(v); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalid, name, err)
		}
	}
	return nil
}

// parseSize 解析 "64MiB"、"1kB"、"4096" 这类大小，空串为 0。
func parseSize(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	if n > uint64(^uint(0)>>1) {
		return 0, fmt.Errorf("size %s overflows int", s)
	}
	return int(n), nil
}

// ParseLevel 解析日志级别，空串为 info。
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("%w: log level %q", ErrInvalid, s)
}

// NewLogger 按 Log 配置创建写到 w 的 slog.Logger。
func (c Config) NewLogger(w io.Writer) *slog.Logger {
	level, _ := ParseLevel(c.Log.Level)
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// NewMetrics 按配置创建指标注册表，未启用时返回 nil。
func (c Config) NewMetrics() *metrics.Registry {
	if !c.Metrics.Enabled {
		return nil
	}
	return metrics.New(c.Metrics.Namespace, c.Metrics.Runtime)
}

// HTTPServer 转换为 httpserver.Config。调用前应已通过 Validate。
func (c Config) HTTPServer(log *slog.Logger, m *metrics.Registry) (httpserver.Config, error) {
	out := httpserver.DefaultConfig()
	kind, err := poller.ParseKind(c.Server.Poller)
	if err != nil {
		return out, fmt.Errorf("%w: server.poller: %v", ErrInvalid, err)
	}
	s := &out.Server
	if c.Server.Name != "" {
		s.Name = c.Server.Name
	}
	s.Address = c.Server.Address
	s.Loops = c.Server.Loops
	s.Poller = kind
	if c.Server.PollTimeout > 0 {
		s.PollTimeout = c.Server.PollTimeout
	}
	s.ReusePort = c.Server.ReusePort
	if c.Server.Backlog > 0 {
		s.Backlog = c.Server.Backlog
	}
	s.NoDelay = c.Server.NoDelay
	s.Logger = log
	s.Metrics = m
	out.IdleTimeout = c.Server.IdleTimeout
	out.DecodeBody = c.HTTP.DecodeBody
	out.Compress = c.HTTP.Compress

	for _, f := range []struct {
		src string
		dst *int
	}{
		{c.Server.HighWaterMark, &s.HighWaterMark},
		{c.HTTP.MaxHeaderBytes, &out.MaxHeaderBytes},
		{c.HTTP.MaxBodyBytes, &out.MaxBodyBytes},
		{c.HTTP.CompressMin, &out.CompressMin},
	} {
		n, err := parseSize(f.src)
		if err != nil {
			return out, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		if n > 0 {
			*f.dst = n
		}
	}
	return out, nil
}
