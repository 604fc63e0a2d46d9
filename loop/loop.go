// Package loop 实现单线程 reactor：每个 EventLoop 独占一个 OS 线程，
// 负责 poller 等待、Channel 分发、跨线程任务与定时器。
package loop

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"golang.org/x/sys/unix"

	"github.com/legamerdc/rio/poller"
)

var (
	ErrAlreadyRunning = errors.New("loop: already running")
	ErrNotInLoop      = errors.New("loop: called outside the owning loop thread")
	ErrForeignChannel = errors.New("loop: channel belongs to another loop")
)

// Config 为 EventLoop 配置
type Config struct {
	Name        string
	Poller      poller.Kind
	PollTimeout time.Duration // 单次等待上限，保证定时器与跨线程任务不被饿死
	Logger      *slog.Logger
}

func DefaultConfig() Config {
	return Config{
		Name:        "loop",
		Poller:      poller.KindEpoll,
		PollTimeout: time.Second,
	}
}

// EventLoop 由 Run 所在的 goroutine 驱动，Run 期间该 goroutine 锁定在一个 OS 线程上。
type EventLoop struct {
	cfg    Config
	log    *slog.Logger
	poller poller.Poller
	timers *TimerQueue

	channels map[int]*Channel
	active   []poller.Active
	ready    []*Channel

	mu             sync.Mutex
	pending        *queue.Queue // func()
	callingPending atomic.Bool

	tid       atomic.Int64 // Run 所在线程 id，未运行为 0
	started   atomic.Bool
	running   atomic.Bool
	quit      atomic.Bool
	done      chan struct{}
	iteration atomic.Uint64
}

func New(cfg Config) (*EventLoop, error) {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	p, err := poller.New(cfg.Poller)
	if err != nil {
		return nil, fmt.Errorf("loop %s: %w", cfg.Name, err)
	}
	return &EventLoop{
		cfg:      cfg,
		log:      cfg.Logger.With("loop", cfg.Name),
		poller:   p,
		timers:   NewTimerQueue(),
		channels: make(map[int]*Channel),
		pending:  queue.New(),
		done:     make(chan struct{}),
	}, nil
}

func (l *EventLoop) Name() string            { return l.cfg.Name }
func (l *EventLoop) PollerKind() poller.Kind { return l.poller.Kind() }
func (l *EventLoop) Logger() *slog.Logger    { return l.log }
func (l *EventLoop) Iteration() uint64       { return l.iteration.Load() }

// Done 在 Run 返回后关闭。
func (l *EventLoop) Done() <-chan struct{} { return l.done }

// Running 报告 Run 是否仍在执行。
func (l *EventLoop) Running() bool { return l.running.Load() }

// InLoop 报告调用者是否运行在本 loop 的线程上。
func (l *EventLoop) InLoop() bool {
	tid := l.tid.Load()
	return tid != 0 && tid == int64(unix.Gettid())
}

// AssertInLoop 在非所属线程调用时 panic：跨线程操作必须经过 Submit。
func (l *EventLoop) AssertInLoop() {
	if !l.InLoop() {
		panic(fmt.Errorf("%w: %s", ErrNotInLoop, l.cfg.Name))
	}
}

// Run 阻塞当前 goroutine 直到 Stop。一个 EventLoop 只能 Run 一次。每轮依次：等待 → 分发就绪 Channel →
// 执行跨线程任务 → 触发到期定时器。
func (l *EventLoop) Run() error {
	if !l.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	l.running.Store(true)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	l.tid.Store(int64(unix.Gettid()))
	defer func() {
		l.tid.Store(0)
		l.running.Store(false)
		close(l.done)
	}()
	l.log.Debug("loop: start", "poller", l.poller.Kind().String())

	for !l.quit.Load() {
		active, err := l.poller.Wait(l.waitTimeout(), l.active)
		l.active = active
		if err != nil {
			if errors.Is(err, poller.ErrClosed) {
				return err
			}
			l.log.Error("loop: poller wait failed", "err", err)
			continue
		}
		l.iteration.Add(1)
		now := time.Now()

		// 先把 fd 解析为 Channel，分发过程中被注销的 Channel 会被跳过
		l.ready = l.ready[:0]
		for _, a := range active {
			if ch, ok := l.channels[a.FD]; ok {
				ch.revents = a.Events
				l.ready = append(l.ready, ch)
			}
		}
		for i, ch := range l.ready {
			l.ready[i] = nil
			if ch.Registered() {
				l.dispatch(ch, now)
			}
		}

		l.runPending()
		l.timers.Expire(time.Now())
	}
	// 退出前把已提交的任务执行完
	l.runPending()
	l.log.Debug("loop: stop")
	return nil
}

func (l *EventLoop) waitTimeout() time.Duration {
	timeout := l.cfg.PollTimeout
	if next, ok := l.timers.Next(); ok {
		if d := time.Until(next); d < timeout {
			timeout = d
		}
		if timeout < 0 {
			timeout = 0
		}
	}
	l.mu.Lock()
	if l.pending.Length() > 0 {
		timeout = 0
	}
	l.mu.Unlock()
	return timeout
}

func (l *EventLoop) dispatch(ch *Channel, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("loop: channel callback panic", "fd", ch.fd, "panic", r)
		}
	}()
	ch.handleEvent(now)
}

// Stop 线程安全；loop 在当前轮结束后退出。
func (l *EventLoop) Stop() {
	l.quit.Store(true)
	if !l.InLoop() {
		l.wakeup()
	}
}

// Close 释放 poller；应在 Run 返回后调用。
func (l *EventLoop) Close() error {
	if l.running.Load() {
		l.Stop()
		<-l.done
	}
	return l.poller.Close()
}

// Submit 把 fn 排入任务队列，总是异步执行，即使调用者就在 loop 线程。
func (l *EventLoop) Submit(fn func()) {
	l.mu.Lock()
	l.pending.Add(fn)
	l.mu.Unlock()
	if !l.InLoop() || l.callingPending.Load() {
		l.wakeup()
	}
}

// RunInLoop 在 loop 线程上立即执行 fn，否则等同 Submit。
func (l *EventLoop) RunInLoop(fn func()) {
	if l.InLoop() {
		fn()
		return
	}
	l.Submit(fn)
}

// QueueSize 返回尚未执行的任务数。
func (l *EventLoop) QueueSize() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pending.Length()
}

func (l *EventLoop) runPending() {
	l.mu.Lock()
	if l.pending.Length() == 0 {
		l.mu.Unlock()
		return
	}
	q := l.pending
	l.pending = queue.New()
	l.mu.Unlock()

	l.callingPending.Store(true)
	for q.Length() > 0 {
		l.safeCall(q.Remove().(func()))
	}
	l.callingPending.Store(false)
}

func (l *EventLoop) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("loop: task panic", "panic", r)
		}
	}()
	fn()
}

func (l *EventLoop) wakeup() {
	if err := l.poller.Wake(); err != nil {
		l.log.Warn("loop: wakeup failed", "err", err)
	}
}

// RunAt 在 t 时刻执行 fn。可在任意线程调用。
func (l *EventLoop) RunAt(t time.Time, fn func()) TimerID {
	return l.schedule(t, 0, fn)
}

// RunAfter 在 d 之后执行 fn。
func (l *EventLoop) RunAfter(d time.Duration, fn func()) TimerID {
	return l.schedule(time.Now().Add(d), 0, fn)
}

// RunEvery 每隔 d 执行一次 fn，首次在 d 之后。
func (l *EventLoop) RunEvery(d time.Duration, fn func()) TimerID {
	return l.schedule(time.Now().Add(d), d, fn)
}

func (l *EventLoop) schedule(when time.Time, interval time.Duration, fn func()) TimerID {
	e := newTimerEntry(when, interval, func() { l.safeCall(fn) })
	l.RunInLoop(func() { l.timers.insert(e) })
	return TimerID{e: e}
}

// Cancel 取消定时器。在 loop 线程上同步生效；其他线程上先置取消标记再排队移除，
// 与正在进行的触发竞争时，触发会因取消标记而成为空操作。
func (l *EventLoop) Cancel(id TimerID) {
	if id.e == nil {
		return
	}
	id.e.canceled.Store(true)
	l.RunInLoop(func() { l.timers.Cancel(id) })
}

func (l *EventLoop) updateChannel(ch *Channel) error {
	if ch.loop != l {
		return ErrForeignChannel
	}
	l.AssertInLoop()
	if ch.state == channelNew {
		if err := l.poller.Add(ch.fd, ch.events); err != nil {
			return fmt.Errorf("loop: add fd %d: %w", ch.fd, err)
		}
		ch.state = channelAdded
		l.channels[ch.fd] = ch
		return nil
	}
	if err := l.poller.Mod(ch.fd, ch.events); err != nil {
		return fmt.Errorf("loop: mod fd %d: %w", ch.fd, err)
	}
	return nil
}

func (l *EventLoop) removeChannel(ch *Channel) error {
	if ch.loop != l {
		return ErrForeignChannel
	}
	l.AssertInLoop()
	if ch.state != channelAdded {
		return nil
	}
	ch.state = channelNew
	if cur, ok := l.channels[ch.fd]; ok && cur == ch {
		delete(l.channels, ch.fd)
	}
	if err := l.poller.Del(ch.fd); err != nil {
		return fmt.Errorf("loop: del fd %d: %w", ch.fd, err)
	}
	return nil
}

// HasChannel 报告 ch 是否注册在本 loop 上。
func (l *EventLoop) HasChannel(ch *Channel) bool {
	l.AssertInLoop()
	cur, ok := l.channels[ch.fd]
	return ok && cur == ch
}

// NumChannels 返回已注册的描述符个数。
func (l *EventLoop) NumChannels() int {
	l.AssertInLoop()
	return len(l.channels)
}
