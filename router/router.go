// Package router 按 service/method 把请求路径分派到已注册的处理函数。
//
// 路径的第一段为服务名：含 '.' 时按全名查找，否则按短名查找；
// 第二段为方法名，按 "<服务全名>.<方法>" 查找。未给出方法或方法不存在时
// 回退到服务的 default_method。已消费段之后的部分以 '/' 重新拼接，
// 作为未解析尾部交给处理函数。重复注册一律拒绝。
package router

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/legamerdc/rio/httpserver"
	"github.com/legamerdc/rio/protocol"
)

// DefaultMethod 为方法缺省或未找到时使用的方法名。
const DefaultMethod = "default_method"

// IndexService 为空路径（"/"）对应的服务名。
const IndexService = "index"

var (
	ErrNotFound    = errors.New("router: not found")
	ErrDuplicate   = errors.New("router: duplicate registration")
	ErrInvalidName = errors.New("router: invalid name")
)

// Middleware 包装处理函数，注册时按添加顺序由内向外套上。
type Middleware func(next httpserver.Handler) httpserver.Handler

type service struct {
	full    string
	short   string
	methods []string
}

// Resolution 为一次解析的结果。
type Resolution struct {
	Service    string // 服务全名
	Method     string // 实际命中的方法，回退时为 DefaultMethod
	Handler    httpserver.Handler
	Unresolved string
}

// ServiceInfo 描述一个已注册服务，供索引页列出。
type ServiceInfo struct {
	FullName string
	Methods  []string
}

type Router struct {
	mu       sync.RWMutex
	services map[string]*service           // 全名
	short    map[string]*service           // 短名
	methods  map[string]httpserver.Handler // "<全名>.<方法>"
	mws      []Middleware
	log      *slog.Logger
}

func New(log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		services: make(map[string]*service),
		short:    make(map[string]*service),
		methods:  make(map[string]httpserver.Handler),
		log:      log,
	}
}

// Use 追加中间件，只作用于之后注册的方法。
func (r *Router) Use(mw ...Middleware) {
	r.mu.Lock()
	r.mws = append(r.mws, mw...)
	r.mu.Unlock()
}

func validSegment(s string) bool {
	return s != "" && !strings.ContainsAny(s, "/ \t\r\n")
}

// AddService 注册服务及其方法。fullName 可带包前缀（如 "echo.EchoService"），
// 短名为最后一个 '.' 之后的部分。服务全名、短名或方法重复时返回 ErrDuplicate，
// 且不做任何修改。
func (r *Router) AddService(fullName string, methods map[string]httpserver.Handler) error {
	if !validSegment(fullName) || strings.HasPrefix(fullName, ".") || strings.HasSuffix(fullName, ".") {
		return fmt.Errorf("%w: service %q", ErrInvalidName, fullName)
	}
	for m, h := range methods {
		if !validSegment(m) || strings.Contains(m, ".") || h == nil {
			return fmt.Errorf("%w: method %q of %s", ErrInvalidName, m, fullName)
		}
	}
	short := fullName
	if i := strings.LastIndexByte(fullName, '.'); i >= 0 {
		short = fullName[i+1:]
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.services[fullName]; ok {
		return fmt.Errorf("%w: service %s", ErrDuplicate, fullName)
	}
	if _, ok := r.short[short]; ok {
		return fmt.Errorf("%w: service short name %s", ErrDuplicate, short)
	}
	svc := &service{full: fullName, short: short}
	for m, h := range methods {
		for i := len(r.mws) - 1; i >= 0; i-- {
			h = r.mws[i](h)
		}
		r.methods[fullName+"."+m] = h
		svc.methods = append(svc.methods, m)
	}
	sort.Strings(svc.methods)
	r.services[fullName] = svc
	r.short[short] = svc
	r.log.Debug("router: service added", "service", fullName, "methods", len(methods))
	return nil
}

// AddMethod 为已注册服务追加方法。
func (r *Router) AddMethod(fullName, method string, h httpserver.Handler) error {
	if !validSegment(method) || strings.Contains(method, ".") || h == nil {
		return fmt.Errorf("%w: method %q of %s", ErrInvalidName, method, fullName)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	svc, ok := r.services[fullName]
	if !ok {
		return fmt.Errorf("%w: service %s", ErrNotFound, fullName)
	}
	key := fullName + "." + method
	if _, ok := r.methods[key]; ok {
		return fmt.Errorf("%w: method %s", ErrDuplicate, key)
	}
	for i := len(r.mws) - 1; i >= 0; i-- {
		h = r.mws[i](h)
	}
	r.methods[key] = h
	svc.methods = append(svc.methods, method)
	sort.Strings(svc.methods)
	return nil
}

// Register 把 pathSegment 注册为只有 default_method 的服务，
// 路径 "/<pathSegment>/..." 的剩余部分作为未解析尾部交给 h。
func (r *Router) Register(pathSegment string, h httpserver.Handler) error {
	return r.AddService(pathSegment, map[string]httpserver.Handler{DefaultMethod: h})
}

// RegisterFunc 同 Register。
func (r *Router) RegisterFunc(pathSegment string, fn func(req *protocol.Request, resp *protocol.Response)) error {
	return r.Register(pathSegment, httpserver.HandlerFunc(fn))
}

// Resolve 解析路径，失败时返回包装了 ErrNotFound 的错误。
func (r *Router) Resolve(path string) (Resolution, error) {
	var segs []string
	for _, s := range strings.Split(path, "/") {
		if s != "" {
			segs = append(segs, s)
		}
	}
	if len(segs) == 0 {
		segs = []string{IndexService}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	var svc *service
	if strings.Contains(segs[0], ".") {
		svc = r.services[segs[0]]
	} else {
		svc = r.short[segs[0]]
	}
	if svc == nil {
		return Resolution{}, fmt.Errorf("%w: service %q", ErrNotFound, segs[0])
	}
	if len(segs) > 1 {
		if h, ok := r.methods[svc.full+"."+segs[1]]; ok {
			return Resolution{Service: svc.full, Method: segs[1], Handler: h, Unresolved: strings.Join(segs[2:], "/")}, nil
		}
	}
	if h, ok := r.methods[svc.full+"."+DefaultMethod]; ok {
		return Resolution{Service: svc.full, Method: DefaultMethod, Handler: h, Unresolved: strings.Join(segs[1:], "/")}, nil
	}
	if len(segs) > 1 {
		return Resolution{}, fmt.Errorf("%w: method %s.%s", ErrNotFound, svc.full, segs[1])
	}
	return Resolution{}, fmt.Errorf("%w: %s has no %s", ErrNotFound, svc.full, DefaultMethod)
}

// ServeHTTP 分派请求；找不到处理函数时应答 404。
func (r *Router) ServeHTTP(req *protocol.Request, resp *protocol.Response) {
	res, err := r.Resolve(req.Path)
	if err != nil {
		resp.Error(protocol.StatusNotFound, err.Error())
		return
	}
	req.UnresolvedPath = res.Unresolved
	res.Handler.ServeHTTP(req, resp)
}

// Services 按全名排序返回已注册服务。
func (r *Router) Services() []ServiceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ServiceInfo, 0, len(r.services))
	for _, svc := range r.services {
		out = append(out, ServiceInfo{FullName: svc.full, Methods: append([]string(nil), svc.methods...)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FullName < out[j].FullName })
	return out
}
