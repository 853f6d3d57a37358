package timewheel

import (
	"sync/atomic"

	"github.com/KFCxMcDonalds/tieredtimer/delayqueue"
)

// timingWheel is one level of the hierarchy. Buckets hold entries whose
// expiration falls in [currentTime+tick, currentTime+interval); anything
// further out goes to the lazily created overflow wheel.
type timingWheel struct {
	currentTime atomic.Int64 // ms, floor-aligned to tick
	tick        int64        // ms, tick time span
	wheelSize   int64        // number of slots
	interval    int64        // ms, interval = tick * wheelSize

	buckets []*Bucket
	queue   *delayqueue.DelayQueue // shared by every level

	overflow atomic.Pointer[timingWheel]
}

func newTimingWheel(startMS, tickMS, wheelSize int64, queue *delayqueue.DelayQueue) *timingWheel {
	buckets := make([]*Bucket, wheelSize)
	for i := range buckets {
		buckets[i] = newBucket()
	}
	tw := &timingWheel{
		tick:      tickMS,
		wheelSize: wheelSize,
		interval:  tickMS * wheelSize,
		buckets:   buckets,
		queue:     queue,
	}
	tw.currentTime.Store(truncate(startMS, tickMS))
	return tw
}

// add returns false when the entry is already due at this granularity and
// must be run by the caller instead of being linked into a bucket.
func (tw *timingWheel) add(e *Entry) bool {
	currentTime := tw.currentTime.Load()
	expiration := e.expiration()

	switch {
	case expiration < currentTime+tw.tick:
		return false
	case expiration < currentTime+tw.interval:
		virtualID := expiration / tw.tick
		b := tw.buckets[virtualID%tw.wheelSize]
		b.Add(e)

		// bucket expiration is aligned with tick; it only changes when the
		// slot is reused for a new rotation, so it is enqueued once per rotation
		if b.SetExpiration(virtualID * tw.tick) {
			tw.queue.Enqueue(b, b.Expiration())
		}
		return true
	default:
		return tw.getOrCreateOverflow().add(e)
	}
}

func (tw *timingWheel) getOrCreateOverflow() *timingWheel {
	if wheel := tw.overflow.Load(); wheel != nil {
		return wheel
	}
	wheel := newTimingWheel(tw.currentTime.Load(), tw.interval, tw.wheelSize, tw.queue)
	if tw.overflow.CompareAndSwap(nil, wheel) {
		return wheel
	}
	// lost the race, use the winner's wheel
	return tw.overflow.Load()
}

// advanceClock moves the clock forward to timeMS, floor-aligned to tick.
// It never moves backwards.
func (tw *timingWheel) advanceClock(timeMS int64) {
	currentTime := tw.currentTime.Load()
	if timeMS >= currentTime+tw.tick {
		currentTime = truncate(timeMS, tw.tick)
		tw.currentTime.Store(currentTime)

		if overflow := tw.overflow.Load(); overflow != nil {
			overflow.advanceClock(currentTime)
		}
	}
}

// levels reports how many wheels exist, this one included.
func (tw *timingWheel) levels() int {
	n := 0
	for w := tw; w != nil; w = w.overflow.Load() {
		n++
	}
	return n
}
