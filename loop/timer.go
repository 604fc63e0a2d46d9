package loop

import (
	"container/heap"
	"sync/atomic"
	"time"
)

type timerEntry struct {
	when     time.Time
	interval time.Duration
	seq      uint64
	cb       func()
	index    int // 堆下标，不在堆中为 -1
	canceled atomic.Bool
}

// TimerID 是定时器的不透明句柄。零值无效；对其 Cancel 是空操作。
type TimerID struct {
	e *timerEntry
}

func (id TimerID) Valid() bool { return id.e != nil }

// Seq 返回创建序号，用于日志与调试。
func (id TimerID) Seq() uint64 {
	if id.e == nil {
		return 0
	}
	return id.e.seq
}

var timerSeq atomic.Uint64

func newTimerEntry(when time.Time, interval time.Duration, cb func()) *timerEntry {
	return &timerEntry{
		when:     when,
		interval: interval,
		seq:      timerSeq.Add(1),
		cb:       cb,
		index:    -1,
	}
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }

// 按 (when, seq) 排序，到期时间相同时按创建顺序触发
func (h timerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// TimerQueue 是按到期时间排序的定时回调集合。
// 非并发安全：除 TimerID 的取消标记外，只在所属 loop 线程中访问。
type TimerQueue struct {
	h       timerHeap
	expired []*timerEntry
}

func NewTimerQueue() *TimerQueue { return &TimerQueue{} }

// Schedule 在 when 触发 cb；interval > 0 时按固定间隔重复。
func (q *TimerQueue) Schedule(when time.Time, interval time.Duration, cb func()) TimerID {
	e := newTimerEntry(when, interval, cb)
	q.insert(e)
	return TimerID{e: e}
}

func (q *TimerQueue) insert(e *timerEntry) {
	if e.canceled.Load() || e.index >= 0 {
		return
	}
	heap.Push(&q.h, e)
}

// Cancel 幂等：已触发的一次性定时器或已取消的定时器上调用为空操作。
func (q *TimerQueue) Cancel(id TimerID) {
	if id.e == nil {
		return
	}
	id.e.canceled.Store(true)
	if id.e.index >= 0 {
		heap.Remove(&q.h, id.e.index)
	}
}

// Next 返回最早的到期时间。
func (q *TimerQueue) Next() (time.Time, bool) {
	if len(q.h) == 0 {
		return time.Time{}, false
	}
	return q.h[0].when, true
}

func (q *TimerQueue) Len() int { return len(q.h) }

// Expire 触发所有到期时间不晚于 now 的定时器，返回实际触发的个数。
// 重复定时器在本轮全部回调结束后再重新入堆，保证一轮内最多触发一次。
func (q *TimerQueue) Expire(now time.Time) int {
	q.expired = q.expired[:0]
	for len(q.h) > 0 && !q.h[0].when.After(now) {
		q.expired = append(q.expired, heap.Pop(&q.h).(*timerEntry))
	}
	fired := 0
	for _, e := range q.expired {
		if e.canceled.Load() {
			continue
		}
		fired++
		e.cb()
	}
	for i, e := range q.expired {
		q.expired[i] = nil
		if e.interval <= 0 || e.canceled.Load() {
			continue
		}
		next := e.when.Add(e.interval)
		if !next.After(now) {
			next = now.Add(e.interval)
		}
		e.when = next
		q.insert(e)
	}
	return fired
}
