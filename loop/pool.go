package loop

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// Pool 是固定大小的 EventLoop 池，每个 loop 运行在自己的 goroutine/线程上。
// 池大小为 0 时所有工作都落在 base loop 上。
type Pool struct {
	base    *EventLoop
	loops   []*EventLoop
	next    atomic.Uint64
	wg      sync.WaitGroup
	started atomic.Bool
}

// NewPool 创建 n 个 loop；名字为 "<cfg.Name>-<i>"。
func NewPool(base *EventLoop, n int, cfg Config) (*Pool, error) {
	p := &Pool{base: base}
	for i := 0; i < n; i++ {
		c := cfg
		c.Name = fmt.Sprintf("%s-%d", cfg.Name, i)
		l, err := New(c)
		if err != nil {
			for _, x := range p.loops {
				x.Close()
			}
			return nil, err
		}
		p.loops = append(p.loops, l)
	}
	return p, nil
}

// Start 为每个 loop 启动一个 goroutine。
func (p *Pool) Start() {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	for _, l := range p.loops {
		p.wg.Add(1)
		go func(l *EventLoop) {
			defer p.wg.Done()
			if err := l.Run(); err != nil && !errors.Is(err, ErrAlreadyRunning) {
				l.Logger().Error("loop: exited with error", "err", err)
			}
		}(l)
	}
}

// Next 按轮询返回下一个 loop。
func (p *Pool) Next() *EventLoop {
	if len(p.loops) == 0 {
		return p.base
	}
	i := p.next.Add(1) - 1
	return p.loops[i%uint64(len(p.loops))]
}

// ForHash 按哈希值固定地选择 loop。
func (p *Pool) ForHash(h uint64) *EventLoop {
	if len(p.loops) == 0 {
		return p.base
	}
	return p.loops[h%uint64(len(p.loops))]
}

// All 返回池中所有 loop；池为空时返回 base。
func (p *Pool) All() []*EventLoop {
	if len(p.loops) == 0 {
		return []*EventLoop{p.base}
	}
	out := make([]*EventLoop, len(p.loops))
	copy(out, p.loops)
	return out
}

func (p *Pool) Size() int { return len(p.loops) }

// Stop 停止并释放池中所有 loop（不含 base），等待其 goroutine 退出。
func (p *Pool) Stop() {
	for _, l := range p.loops {
		l.Stop()
	}
	p.wg.Wait()
	for _, l := range p.loops {
		_ = l.Close()
	}
}
