package delayqueue

import (
	"container/heap"
	"sync"
	"time"
)

// DelayQueue is a min-heap of values keyed by an absolute unix ms deadline.
// Values become visible to Poll once their deadline has passed.
type DelayQueue struct {
	pq priorityQueue

	wakeupCh chan struct{}
	nowF     func() int64

	mu sync.Mutex
}

func New(size int) *DelayQueue {
	return NewWithClock(size, func() int64 {
		return time.Now().UnixMilli()
	})
}

func NewWithClock(size int, nowF func() int64) *DelayQueue {
	return &DelayQueue{
		pq:       make(priorityQueue, 0, size),
		wakeupCh: make(chan struct{}, 1), // buffered so Enqueue never blocks
		nowF:     nowF,
		mu:       sync.Mutex{},
	}
}

// use this function to peek the first item in pq, you have to hold the lock before calling it
func (dq *DelayQueue) peek(now int64) (item *Item, after int64) {
	// if no item in pq, return
	if dq.pq.Len() == 0 {
		return nil, 0
	}
	// if first item's expiration time > now, return duration time poller should wait
	first := dq.pq[0]
	if first.priority > now {
		return nil, first.priority - now
	}
	heap.Pop(&dq.pq)
	// else it needs to be processed now
	return first, 0
}

func (dq *DelayQueue) Enqueue(v any, priority int64) {
	item := &Item{
		value:    v,
		priority: priority,
	}
	dq.mu.Lock()
	heap.Push(&dq.pq, item)
	index := item.index
	dq.mu.Unlock()
	if index == 0 {
		// new earliest item, wake up a sleeping poller
		select {
		case dq.wakeupCh <- struct{}{}:
		default:
		}
	}
}

// Poll blocks until an item is due, timeout elapses or exitCh is closed.
// It returns nil on timeout and on exit.
func (dq *DelayQueue) Poll(exitCh <-chan struct{}, timeout time.Duration) any {
	deadline := time.Now().Add(timeout)
	for {
		dq.mu.Lock()
		item, after := dq.peek(dq.nowF())
		dq.mu.Unlock()
		if item != nil {
			return item.value
		}

		wait := time.Until(deadline)
		if wait <= 0 {
			return nil
		}
		if after > 0 {
			if d := time.Duration(after) * time.Millisecond; d < wait {
				wait = d
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-dq.wakeupCh:
		case <-timer.C:
		case <-exitCh:
			timer.Stop()
			return nil
		}
		timer.Stop()
	}
}

func (dq *DelayQueue) Len() int {
	dq.mu.Lock()
	defer dq.mu.Unlock()
	return dq.pq.Len()
}
