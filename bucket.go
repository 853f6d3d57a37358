package timewheel

import (
	"container/list"
	"sync"
	"sync/atomic"
)

const unsetExpiration = -1

// Bucket is one slot of a wheel: every entry in it shares the slot's
// expiration. It is also the element type of the shared delay queue.
type Bucket struct {
	expiration atomic.Int64 // ms, bucket expire time in unix ms
	entries    *list.List   // list of entries in this bucket

	mu sync.Mutex
}

func newBucket() *Bucket {
	b := &Bucket{
		expiration: atomic.Int64{},
		entries:    list.New(),
	}
	b.expiration.Store(unsetExpiration)
	return b
}

func (b *Bucket) Expiration() int64 {
	return b.expiration.Load()
}

// SetExpiration reports whether the expiration changed. An unchanged value
// means the bucket is already in the delay queue for this rotation.
func (b *Bucket) SetExpiration(newExpiration int64) bool {
	return b.expiration.Swap(newExpiration) != newExpiration
}

// Add appends e at the tail. An entry still owned by another bucket is
// detached from it first.
func (b *Bucket) Add(e *Entry) {
	for done := false; !done; {
		e.remove()

		b.mu.Lock()
		e.mu.Lock()
		if e.bucket == nil {
			// prev and next pointers are wrapped in list.Element
			e.element = b.entries.PushBack(e)
			e.bucket = b
			done = true
		}
		e.mu.Unlock()
		b.mu.Unlock()
	}
}

// Remove unlinks e only if e still claims b as its owner, so a stale remove
// never touches a bucket the entry has since left.
func (b *Bucket) Remove(e *Entry) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.remove(e)
}

func (b *Bucket) remove(e *Entry) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.bucket != b {
		return false
	}
	b.entries.Remove(e.element)
	e.bucket = nil
	e.element = nil
	return true
}

func (b *Bucket) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.entries.Len()
}

// Flush drains the bucket and hands every entry to reinsertOrRun, in the
// order they were added. The lock is released before reinsertOrRun runs so
// that callbacks may add to or cancel from any bucket.
func (b *Bucket) Flush(reinsertOrRun func(e *Entry)) {
	b.mu.Lock()
	es := make([]*Entry, 0, b.entries.Len())
	for el := b.entries.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*Entry)
		b.remove(e)
		es = append(es, e)
		el = next
	}
	// reset under the lock so a concurrent Add re-enqueues the slot
	b.expiration.Store(unsetExpiration)
	b.mu.Unlock()

	for _, e := range es {
		// if current bucket is from an overflow wheel, entries cascade down
		reinsertOrRun(e)
	}
}
