//go:build linux

package loop

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/legamerdc/rio/poller"
)

func startLoop(t *testing.T, kind poller.Kind) *EventLoop {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Name = "test"
	cfg.Poller = kind
	l, err := New(cfg)
	require.NoError(t, err)
	go func() { _ = l.Run() }()
	require.Eventually(t, l.Running, time.Second, time.Millisecond)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

// call 在 loop 线程上同步执行 fn。
func call(t *testing.T, l *EventLoop, fn func()) {
	t.Helper()
	done := make(chan struct{})
	l.Submit(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop task timed out")
	}
}

func TestSubmitRunsInLoop(t *testing.T) {
	l := startLoop(t, poller.KindEpoll)
	assert.False(t, l.InLoop())

	var inLoop bool
	call(t, l, func() { inLoop = l.InLoop() })
	assert.True(t, inLoop)
	assert.Panics(t, func() { l.AssertInLoop() })
}

func TestSubmitOrder(t *testing.T) {
	l := startLoop(t, poller.KindPoll)
	var (
		mu  sync.Mutex
		got []int
	)
	for i := 0; i < 100; i++ {
		i := i
		l.Submit(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
	}
	call(t, l, func() {})
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestRunInLoopIsSynchronousOnLoop(t *testing.T) {
	l := startLoop(t, poller.KindEpoll)
	var order []string
	call(t, l, func() {
		l.Submit(func() { order = append(order, "queued") })
		l.RunInLoop(func() { order = append(order, "inline") })
		order = append(order, "after")
	})
	call(t, l, func() {})
	assert.Equal(t, []string{"inline", "after", "queued"}, order)
}

func TestSubmitFromPendingTask(t *testing.T) {
	l := startLoop(t, poller.KindEpoll)
	done := make(chan struct{})
	l.Submit(func() {
		// 执行任务期间再次提交，必须在下一轮被执行而不是等待 PollTimeout
		l.Submit(func() { close(done) })
	})
	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("nested submit was not woken")
	}
}

func TestTaskPanicIsRecovered(t *testing.T) {
	l := startLoop(t, poller.KindEpoll)
	l.Submit(func() { panic("boom") })
	var ok bool
	call(t, l, func() { ok = true })
	assert.True(t, ok)
	assert.True(t, l.Running())
}

func TestTimers(t *testing.T) {
	l := startLoop(t, poller.KindEpoll)

	fired := make(chan time.Time, 1)
	start := time.Now()
	l.RunAfter(20*time.Millisecond, func() { fired <- time.Now() })
	select {
	case at := <-fired:
		assert.GreaterOrEqual(t, at.Sub(start), 20*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}

	var n atomic.Int32
	id := l.RunEvery(5*time.Millisecond, func() { n.Add(1) })
	require.Eventually(t, func() bool { return n.Load() >= 3 }, time.Second, time.Millisecond)
	l.Cancel(id)
	call(t, l, func() {})
	stopped := n.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, stopped, n.Load())

	var never atomic.Bool
	id = l.RunAfter(10*time.Millisecond, func() { never.Store(true) })
	l.Cancel(id)
	time.Sleep(30 * time.Millisecond)
	assert.False(t, never.Load())
}

func TestCancelIntervalFromCallback(t *testing.T) {
	l := startLoop(t, poller.KindPoll)
	var (
		n  atomic.Int32
		id TimerID
	)
	ready := make(chan struct{})
	call(t, l, func() {
		id = l.RunEvery(2*time.Millisecond, func() {
			n.Add(1)
			<-ready
			l.Cancel(id)
		})
	})
	close(ready)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), n.Load())
}

func TestChannelDispatch(t *testing.T) {
	for _, kind := range []poller.Kind{poller.KindEpoll, poller.KindPoll} {
		t.Run(kind.String(), func(t *testing.T) {
			l := startLoop(t, kind)
			fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
			require.NoError(t, err)
			defer unix.Close(fds[0])
			defer unix.Close(fds[1])

			got := make(chan string, 4)
			var ch *Channel
			call(t, l, func() {
				ch = NewChannel(l, fds[0])
				ch.SetReadCallback(func(time.Time) {
					buf := make([]byte, 64)
					n, _ := unix.Read(fds[0], buf)
					got <- string(buf[:n])
				})
				require.NoError(t, ch.EnableReading())
				assert.True(t, l.HasChannel(ch))
				assert.Equal(t, 1, l.NumChannels())
			})

			_, err = unix.Write(fds[1], []byte("hello"))
			require.NoError(t, err)
			select {
			case s := <-got:
				assert.Equal(t, "hello", s)
			case <-time.After(time.Second):
				t.Fatal("read callback not invoked")
			}

			call(t, l, func() {
				require.NoError(t, ch.DisableAll())
				require.NoError(t, ch.Remove())
				assert.False(t, ch.Registered())
				assert.Equal(t, 0, l.NumChannels())
			})
			_, err = unix.Write(fds[1], []byte("again"))
			require.NoError(t, err)
			select {
			case s := <-got:
				t.Fatalf("unexpected dispatch after remove: %q", s)
			case <-time.After(30 * time.Millisecond):
			}
		})
	}
}

func TestRemoveDuringDispatchSkipsRest(t *testing.T) {
	l := startLoop(t, poller.KindEpoll)
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	var reads, writes atomic.Int32
	call(t, l, func() {
		ch := NewChannel(l, fds[0])
		ch.SetReadCallback(func(time.Time) {
			reads.Add(1)
			_ = ch.DisableAll()
			_ = ch.Remove()
		})
		ch.SetWriteCallback(func() { writes.Add(1) })
		require.NoError(t, ch.EnableWriting())
		require.NoError(t, ch.EnableReading())
	})
	_, err = unix.Write(fds[1], []byte("x"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return reads.Load() == 1 }, time.Second, time.Millisecond)
	// 写事件可能在数据到达前被分发过，但 Remove 之后不会再有
	before := writes.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, before, writes.Load())
}

func TestStop(t *testing.T) {
	cfg := DefaultConfig()
	l, err := New(cfg)
	require.NoError(t, err)
	go func() { _ = l.Run() }()
	require.Eventually(t, l.Running, time.Second, time.Millisecond)

	var ran atomic.Bool
	l.Submit(func() { ran.Store(true) })
	l.Stop()
	select {
	case <-l.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}
	assert.True(t, ran.Load())
	assert.False(t, l.Running())
	assert.ErrorIs(t, l.Run(), ErrAlreadyRunning)
	require.NoError(t, l.Close())
}

func TestPool(t *testing.T) {
	base := startLoop(t, poller.KindEpoll)

	empty, err := NewPool(base, 0, DefaultConfig())
	require.NoError(t, err)
	assert.Same(t, base, empty.Next())
	assert.Equal(t, []*EventLoop{base}, empty.All())

	cfg := DefaultConfig()
	cfg.Name = "io"
	p, err := NewPool(base, 3, cfg)
	require.NoError(t, err)
	p.Start()
	defer p.Stop()

	assert.Equal(t, 3, p.Size())
	first := p.Next()
	assert.Equal(t, "io-0", first.Name())
	assert.Equal(t, "io-1", p.Next().Name())
	assert.Equal(t, "io-2", p.Next().Name())
	assert.Same(t, first, p.Next())
	assert.Same(t, p.ForHash(4), p.ForHash(7))

	for _, l := range p.All() {
		require.Eventually(t, l.Running, time.Second, time.Millisecond)
		var in bool
		call(t, l, func() { in = l.InLoop() && !base.InLoop() })
		assert.True(t, in)
	}
}
