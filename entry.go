package timewheel

import (
	"container/list"
	"sync"
	"sync/atomic"
)

// Entry links one Task into at most one Bucket at a time.
type Entry struct {
	task Task

	// bucket and element are guarded by mu. They change from caller
	// goroutines (cancel) and from the worker goroutine (flush, reinsert).
	mu      sync.Mutex
	bucket  *Bucket
	element *list.Element

	canceled atomic.Bool
}

func newEntry(task Task) *Entry {
	return &Entry{task: task}
}

func (e *Entry) Task() Task { return e.task }

func (e *Entry) expiration() int64 { return e.task.ExpirationMs }

func (e *Entry) Canceled() bool { return e.canceled.Load() }

func (e *Entry) getBucket() *Bucket {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bucket
}

// cancel marks the entry dead and unlinks it from whatever bucket holds it.
// Calling it more than once is a no-op.
func (e *Entry) cancel() bool {
	e.canceled.Store(true)
	return e.remove()
}

// remove unlinks the entry from its bucket. The worker may move the entry to
// another bucket between reading the owner and locking it, so retry until
// the entry reports no owner.
func (e *Entry) remove() bool {
	removed := false
	for b := e.getBucket(); b != nil; b = e.getBucket() {
		if b.Remove(e) {
			removed = true
		}
	}
	return removed
}
