package delayqueue_test

import (
	"testing"
	"time"

	"github.com/KFCxMcDonalds/tieredtimer/delayqueue"
	"github.com/stretchr/testify/assert"
)

func TestDelayQueue_PollOrder(t *testing.T) {
	now := int64(1000)
	dq := delayqueue.NewWithClock(4, func() int64 { return now })
	exitCh := make(chan struct{})

	dq.Enqueue("c", 30)
	dq.Enqueue("a", 10)
	dq.Enqueue("b", 20)

	now = 1000 + 30
	for _, want := range []string{"a", "b", "c"} {
		assert.Equal(t, want, dq.Poll(exitCh, 10*time.Millisecond))
	}
	assert.Equal(t, 0, dq.Len())
}

func TestDelayQueue_PollTimeout(t *testing.T) {
	dq := delayqueue.New(4)
	dq.Enqueue("later", time.Now().Add(time.Hour).UnixMilli())

	start := time.Now()
	assert.Nil(t, dq.Poll(make(chan struct{}), 50*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, 1, dq.Len())
}

func TestDelayQueue_WakesOnEarlierItem(t *testing.T) {
	dq := delayqueue.New(4)
	dq.Enqueue("later", time.Now().Add(time.Hour).UnixMilli())

	go func() {
		time.Sleep(20 * time.Millisecond)
		dq.Enqueue("soon", time.Now().Add(20*time.Millisecond).UnixMilli())
	}()

	start := time.Now()
	got := dq.Poll(make(chan struct{}), 2*time.Second)
	assert.Equal(t, "soon", got)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDelayQueue_PollExit(t *testing.T) {
	dq := delayqueue.New(4)
	exitCh := make(chan struct{})
	go func() {
		time.Sleep(20 * time.Millisecond)
		close(exitCh)
	}()

	start := time.Now()
	assert.Nil(t, dq.Poll(exitCh, 5*time.Second))
	assert.Less(t, time.Since(start), time.Second)
}
