//go:build linux

package poller

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func socketpair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func eachKind(t *testing.T, fn func(t *testing.T, p Poller)) {
	for _, k := range []Kind{KindEpoll, KindPoll} {
		t.Run(k.String(), func(t *testing.T) {
			p, err := New(k)
			require.NoError(t, err)
			defer p.Close()
			assert.Equal(t, k, p.Kind())
			fn(t, p)
		})
	}
}

func TestWaitTimeout(t *testing.T) {
	eachKind(t, func(t *testing.T, p Poller) {
		start := time.Now()
		act, err := p.Wait(20*time.Millisecond, nil)
		require.NoError(t, err)
		assert.Empty(t, act)
		assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
	})
}

func TestReadable(t *testing.T) {
	eachKind(t, func(t *testing.T, p Poller) {
		a, b := socketpair(t)
		require.NoError(t, p.Add(a, EventRead))
		_, err := unix.Write(b, []byte("ping"))
		require.NoError(t, err)

		act, err := p.Wait(time.Second, nil)
		require.NoError(t, err)
		require.Len(t, act, 1)
		assert.Equal(t, a, act[0].FD)
		assert.NotZero(t, act[0].Events&EventRead)
	})
}

func TestTriggerModes(t *testing.T) {
	eachKind(t, func(t *testing.T, p Poller) {
		a, b := socketpair(t)
		require.NoError(t, p.Add(a, EventRead))
		_, err := unix.Write(b, []byte("data"))
		require.NoError(t, err)

		act, err := p.Wait(time.Second, nil)
		require.NoError(t, err)
		require.Len(t, act, 1)

		// 不读走数据再次等待：水平触发会重复报告，边缘触发不会
		act, err = p.Wait(30*time.Millisecond, nil)
		require.NoError(t, err)
		if p.Kind().EdgeTriggered() {
			assert.Empty(t, act)
			// 重新武装后内核重新评估就绪状态
			require.NoError(t, p.Mod(a, EventRead))
			act, err = p.Wait(time.Second, nil)
			require.NoError(t, err)
			assert.Len(t, act, 1)
		} else {
			assert.Len(t, act, 1)
		}
	})
}

func TestWritableAndDel(t *testing.T) {
	eachKind(t, func(t *testing.T, p Poller) {
		a, _ := socketpair(t)
		require.NoError(t, p.Add(a, EventNone))
		act, err := p.Wait(10*time.Millisecond, nil)
		require.NoError(t, err)
		assert.Empty(t, act)

		require.NoError(t, p.Mod(a, EventWrite))
		act, err = p.Wait(time.Second, nil)
		require.NoError(t, err)
		require.Len(t, act, 1)
		assert.NotZero(t, act[0].Events&EventWrite)

		require.NoError(t, p.Del(a))
		act, err = p.Wait(10*time.Millisecond, nil)
		require.NoError(t, err)
		assert.Empty(t, act)
	})
}

func TestPeerClose(t *testing.T) {
	eachKind(t, func(t *testing.T, p Poller) {
		fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
		require.NoError(t, err)
		defer unix.Close(fds[0])
		require.NoError(t, p.Add(fds[0], EventRead))
		unix.Close(fds[1])

		act, err := p.Wait(time.Second, nil)
		require.NoError(t, err)
		require.Len(t, act, 1)
		assert.NotZero(t, act[0].Events&(EventRdHup|EventHup|EventRead))
	})
}

func TestWake(t *testing.T) {
	eachKind(t, func(t *testing.T, p Poller) {
		go func() {
			time.Sleep(20 * time.Millisecond)
			_ = p.Wake()
		}()
		start := time.Now()
		act, err := p.Wait(5*time.Second, nil)
		require.NoError(t, err)
		assert.Empty(t, act)
		assert.Less(t, time.Since(start), 2*time.Second)
	})
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("POLL")
	require.NoError(t, err)
	assert.Equal(t, KindPoll, k)
	k, err = ParseKind("")
	require.NoError(t, err)
	assert.Equal(t, KindEpoll, k)
	_, err = ParseKind("kqueue")
	assert.ErrorIs(t, err, ErrUnknownKind)
	assert.Equal(t, "read|write", (EventRead | EventWrite).String())
}
