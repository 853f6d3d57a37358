package timewheel

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KFCxMcDonalds/tieredtimer/delayqueue"
	"github.com/sirupsen/logrus"
)

// DispatchFunc is called on the worker goroutine for every expired user
// task. It must hand the task off and return quickly: while it runs the
// clock does not advance.
type DispatchFunc func(task Task)

// TimeWheel is a hierarchical timing wheel driven by a single worker
// goroutine. Add and Cancel are safe to call from any goroutine.
type TimeWheel struct {
	wheel    *timingWheel
	queue    *delayqueue.DelayQueue
	dispatch DispatchFunc

	entries sync.Map // task id -> *Entry, user tasks only
	size    atomic.Int64

	startMS              int64
	advanceClockInterval time.Duration
	logger               Logger
	panicHandler         func(task Task, p any)

	wg       sync.WaitGroup
	exitCh   chan struct{}
	started  atomic.Bool
	stopOnce sync.Once
}

func New(tick time.Duration, wheelSize int64, dispatch DispatchFunc, opts ...Option) *TimeWheel {
	tickMS := int64(tick / time.Millisecond)
	if tickMS <= 0 || wheelSize <= 0 {
		panic("tick span must be >= 1ms and wheelSize must be > 0")
	}
	if dispatch == nil {
		panic("dispatch func is required")
	}

	tw := &TimeWheel{
		dispatch: dispatch,
		startMS:  nowMS(),
		exitCh:   make(chan struct{}),
	}
	for _, opt := range append(DefaultOptions(), opts...) {
		opt(tw)
	}
	if tw.panicHandler == nil {
		tw.panicHandler = func(task Task, p any) {
			tw.logger.WithField("task_id", task.ID).Errorf("time wheel panic: %v", p)
		}
	}

	tw.queue = delayqueue.New(int(wheelSize))
	tw.wheel = newTimingWheel(tw.startMS, tickMS, wheelSize, tw.queue)
	return tw
}

func (tw *TimeWheel) Start() {
	if !tw.started.CompareAndSwap(false, true) {
		return
	}
	tw.wg.Add(1)
	go func() {
		defer tw.wg.Done()
		tw.run()
	}()
}

func (tw *TimeWheel) Stop() {
	tw.stopOnce.Do(func() {
		close(tw.exitCh)
	})
	tw.wg.Wait()
}

func (tw *TimeWheel) run() {
	for {
		select {
		case <-tw.exitCh:
			return
		default:
		}

		// bounded wait: a task added after we started waiting may be due
		// earlier than the current head of the queue
		item := tw.queue.Poll(tw.exitCh, tw.advanceClockInterval)
		if item == nil {
			continue
		}
		b := item.(*Bucket)
		// advance to the bucket's own deadline rather than now, scheduling
		// jitter must not skew the wheel
		tw.wheel.advanceClock(b.Expiration())
		b.Flush(tw.addOrRun)
	}
}

// Add schedules task. A user task whose ID is already in the wheel replaces
// the previous entry. A task that is already due runs on the calling
// goroutine.
func (tw *TimeWheel) Add(task Task) {
	e := newEntry(task)
	if !task.IsControl() {
		if old, loaded := tw.entries.Swap(task.ID, e); loaded {
			old.(*Entry).cancel()
		} else {
			tw.size.Add(1)
		}
	}
	tw.addOrRun(e)
}

// AddIfAbsent schedules task only if no entry with the same ID exists.
func (tw *TimeWheel) AddIfAbsent(task Task) bool {
	if task.IsControl() {
		tw.Add(task)
		return true
	}
	e := newEntry(task)
	if _, loaded := tw.entries.LoadOrStore(task.ID, e); loaded {
		return false
	}
	tw.size.Add(1)
	tw.addOrRun(e)
	return true
}

// Cancel removes the task from the wheel. It returns false if the task was
// not in the wheel, which includes a task that has already been dispatched.
func (tw *TimeWheel) Cancel(taskID string) bool {
	v, ok := tw.entries.LoadAndDelete(taskID)
	if !ok {
		return false
	}
	tw.size.Add(-1)
	v.(*Entry).cancel()
	return true
}

func (tw *TimeWheel) Get(taskID string) (Task, bool) {
	v, ok := tw.entries.Load(taskID)
	if !ok {
		return Task{}, false
	}
	return v.(*Entry).Task(), true
}

func (tw *TimeWheel) Contains(taskID string) bool {
	_, ok := tw.entries.Load(taskID)
	return ok
}

// Len returns the number of user tasks waiting in the wheel.
func (tw *TimeWheel) Len() int {
	return int(tw.size.Load())
}

// Levels returns the number of wheel levels created so far.
func (tw *TimeWheel) Levels() int {
	return tw.wheel.levels()
}

func (tw *TimeWheel) addOrRun(e *Entry) {
	if e.Canceled() {
		return
	}
	// the wheel clock only moves when a bucket expires, so after an idle
	// spell it lags wall time and cannot tell on its own what is due
	if e.expiration() < nowMS()+tw.wheel.tick || !tw.wheel.add(e) {
		tw.fire(e)
	}
}

func (tw *TimeWheel) fire(e *Entry) {
	task := e.Task()
	if !task.IsControl() {
		// a concurrent Cancel or replacing Add wins over expiry
		if !tw.entries.CompareAndDelete(task.ID, e) {
			return
		}
		tw.size.Add(-1)
	}

	defer func() {
		if p := recover(); p != nil {
			tw.panicHandler(task, p)
		}
	}()

	if task.IsControl() {
		task.run()
		return
	}
	tw.logger.WithFields(logrus.Fields{
		"task_id":       task.ID,
		"expiration_ms": task.ExpirationMs,
		"lag_ms":        nowMS() - task.ExpirationMs,
	}).Debug("task expired")
	tw.dispatch(task)
}

func (tw *TimeWheel) String() string {
	return fmt.Sprintf("TimeWheel{tick=%dms, wheelSize=%d, levels=%d, tasks=%d}",
		tw.wheel.tick, tw.wheel.wheelSize, tw.Levels(), tw.Len())
}
