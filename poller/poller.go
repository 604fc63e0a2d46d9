// Package poller 提供 I/O 多路复用后端：边缘触发的 epoll 与水平触发的 poll。
// 后端在启动时按配置选定一次，运行期不可切换。
package poller

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrPlatformNotSupported 非 Linux 平台（需要 epoll/eventfd）
	ErrPlatformNotSupported = errors.New("poller: platform not supported (requires linux)")
	ErrUnknownKind          = errors.New("poller: unknown backend kind")
	ErrNotRegistered        = errors.New("poller: fd not registered")
	ErrClosed               = errors.New("poller: closed")
)

// Event 为关注/就绪事件位集合。
type Event uint32

const (
	EventRead Event = 1 << iota
	EventWrite
	EventError
	EventHup
	EventRdHup

	EventNone Event = 0
)

func (e Event) String() string {
	if e == EventNone {
		return "none"
	}
	var parts []string
	names := []struct {
		bit  Event
		name string
	}{
		{EventRead, "read"},
		{EventWrite, "write"},
		{EventError, "error"},
		{EventHup, "hup"},
		{EventRdHup, "rdhup"},
	}
	for _, n := range names {
		if e&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// Kind 选择后端实现。
type Kind int

const (
	KindEpoll Kind = iota // 边缘触发
	KindPoll              // 水平触发
)

func (k Kind) String() string {
	switch k {
	case KindEpoll:
		return "epoll"
	case KindPoll:
		return "poll"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// EdgeTriggered 报告该后端是否只在状态变化时通知一次。
func (k Kind) EdgeTriggered() bool { return k == KindEpoll }

func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "epoll", "et":
		return KindEpoll, nil
	case "poll", "lt":
		return KindPoll, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Active 是一次 Wait 返回的就绪描述符及其事件。
type Active struct {
	FD     int
	Events Event
}

// Poller 由唯一的 loop 线程驱动：Add/Mod/Del/Wait 只能在该线程调用，
// Wake 可在任意 goroutine 调用。
type Poller interface {
	Add(fd int, ev Event) error
	Mod(fd int, ev Event) error
	Del(fd int) error
	// Wait 阻塞直到有就绪描述符、被 Wake 或超时；timeout < 0 表示无限等待。
	// 就绪列表追加到 out[:0] 后返回，顺序即分发顺序。
	Wait(timeout time.Duration, out []Active) ([]Active, error)
	Wake() error
	Close() error
	Kind() Kind
}

// New 按 kind 构造后端。
func New(kind Kind) (Poller, error) {
	switch kind {
	case KindEpoll:
		return newEpoll()
	case KindPoll:
		return newPoll()
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownKind, int(kind))
}

// timeoutMillis 把超时转换为毫秒并向上取整，避免 0 < d < 1ms 时退化为忙轮询。
func timeoutMillis(d time.Duration) int {
	if d < 0 {
		return -1
	}
	ms := d / time.Millisecond
	if d%time.Millisecond != 0 {
		ms++
	}
	return int(ms)
}
