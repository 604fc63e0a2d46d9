//go:build linux

package server

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/legamerdc/rio/metrics"
)

// 降低 RLIMIT_NOFILE 影响整个进程，因此在子进程中运行。
const exhaustionChildEnv = "RIO_TEST_FD_EXHAUSTION"

func TestAcceptDescriptorExhaustion(t *testing.T) {
	if os.Getenv(exhaustionChildEnv) != "1" {
		cmd := exec.Command(os.Args[0], "-test.run=^TestAcceptDescriptorExhaustion$", "-test.v", "-test.count=1")
		cmd.Env = append(os.Environ(), exhaustionChildEnv+"=1")
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "%s", out)
		assert.Contains(t, string(out), "--- PASS: TestAcceptDescriptorExhaustion")
		return
	}

	m := metrics.New("test", false)
	cfg := DefaultConfig()
	cfg.Address = "127.0.0.1:0"
	cfg.Loops = 0
	cfg.Metrics = m
	h := newEchoHandler()
	s, err := New[peerInfo](nil, cfg, h)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()
		_ = s.Stop(ctx)
	})

	var lim unix.Rlimit
	require.NoError(t, unix.Getrlimit(unix.RLIMIT_NOFILE, &lim))
	restore := func() { _ = unix.Setrlimit(unix.RLIMIT_NOFILE, &lim) }
	t.Cleanup(restore)

	// socket 返回最小的空闲描述符，限制到 fd+1 后进程再无空闲描述符
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	defer unix.Close(fd)
	require.NoError(t, unix.Setrlimit(unix.RLIMIT_NOFILE, &unix.Rlimit{Cur: uint64(fd) + 1, Max: lim.Max}))
	require.NoError(t, unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &unix.Timeval{Sec: 2}))

	before := s.Loop().Iteration()
	sa := &unix.SockaddrInet4{Port: int(s.Addr().Port()), Addr: [4]byte{127, 0, 0, 1}}
	require.NoError(t, unix.Connect(fd, sa))

	// 触发的连接被接受后立即关闭：读到 EOF 或 RST，而不是超时
	n, err := unix.Read(fd, make([]byte, 1))
	if err != nil {
		assert.ErrorIs(t, err, unix.ECONNRESET)
	} else {
		assert.Equal(t, 0, n)
	}

	// 监听 fd 不再持续就绪，loop 回到阻塞等待
	time.Sleep(200 * time.Millisecond)
	assert.Less(t, s.Loop().Iteration()-before, uint64(20))
	assert.Equal(t, 0, s.NumConns())

	var text bytes.Buffer
	require.NoError(t, m.WriteText(&text))
	assert.Contains(t, text.String(), "test_tcp_accept_errors_total 1")

	// 恢复限制后预留描述符已重新打开，新连接照常服务
	restore()
	c, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	defer c.Close()
	_, err = c.Write([]byte("ok"))
	require.NoError(t, err)
	buf := make([]byte, 2)
	_ = c.SetReadDeadline(time.Now().Add(time.Second))
	_, err = io.ReadFull(c, buf)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(buf))
}
