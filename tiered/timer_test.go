package tiered

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	timewheel "github.com/KFCxMcDonalds/tieredtimer"
	"github.com/KFCxMcDonalds/tieredtimer/config"
	"github.com/KFCxMcDonalds/tieredtimer/metrics"
	"github.com/KFCxMcDonalds/tieredtimer/store"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testCfg = config.TimerConfig{
	TickMs:                 10,
	WheelSize:              64,
	ImminentWindowMs:       1000,
	AdvanceClockIntervalMs: 50,
}

// hookStore lets a test observe or fail store calls.
type hookStore struct {
	*store.MemoryStore
	onSave  func(task timewheel.Task)
	onFetch func()
	saveErr error
}

// FetchDueBefore runs onFetch after reading, so the hook sees the window
// between a reload's fetch and its merge.
func (h *hookStore) FetchDueBefore(ctx context.Context, timestampMs int64) ([]timewheel.Task, error) {
	due, err := h.MemoryStore.FetchDueBefore(ctx, timestampMs)
	if h.onFetch != nil {
		h.onFetch()
	}
	return due, err
}

func (h *hookStore) Save(ctx context.Context, task timewheel.Task) error {
	if h.onSave != nil {
		h.onSave(task)
	}
	if h.saveErr != nil {
		return h.saveErr
	}
	return h.MemoryStore.Save(ctx, task)
}

type dispatchRecorder struct {
	mu    sync.Mutex
	tasks []timewheel.Task
	ch    chan timewheel.Task
}

func newDispatchRecorder() *dispatchRecorder {
	return &dispatchRecorder{ch: make(chan timewheel.Task, 100)}
}

func (d *dispatchRecorder) dispatch(task timewheel.Task) {
	d.mu.Lock()
	d.tasks = append(d.tasks, task)
	d.mu.Unlock()
	d.ch <- task
}

func (d *dispatchRecorder) count(id string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, task := range d.tasks {
		if task.ID == id {
			n++
		}
	}
	return n
}

func in(d time.Duration, id string) timewheel.Task {
	return timewheel.Task{ID: id, ClientID: "c1", ExpirationMs: time.Now().Add(d).UnixMilli()}
}

func newTestTimer(s store.TaskStore, dispatch timewheel.DispatchFunc) *Timer {
	return New(testCfg, s, dispatch, WithLogger(logrus.New()), WithMetrics(metrics.New()))
}

func TestTimer_AddTiering(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore(logrus.New())
	timer := newTestTimer(s, func(timewheel.Task) {})

	require.NoError(t, timer.Add(ctx, in(500*time.Millisecond, "near")))
	require.NoError(t, timer.Add(ctx, in(5*time.Second, "far")))

	assert.True(t, timer.wheel.Contains("near"))
	assert.False(t, timer.wheel.Contains("far"))

	for _, id := range []string{"near", "far"} {
		_, ok, err := s.FindByID(ctx, id)
		require.NoError(t, err)
		assert.True(t, ok, "%s must be persisted", id)
	}
	assert.Equal(t, 1, timer.Stats().InMemory)
}

func TestTimer_SavesBeforeScheduling(t *testing.T) {
	ctx := context.Background()
	hs := &hookStore{MemoryStore: store.NewMemoryStore(logrus.New())}
	var timer *Timer
	var inWheelAtSave []bool
	hs.onSave = func(task timewheel.Task) {
		inWheelAtSave = append(inWheelAtSave, timer.wheel.Contains(task.ID))
	}
	timer = newTestTimer(hs, func(timewheel.Task) {})

	require.NoError(t, timer.Add(ctx, in(300*time.Millisecond, "a")))
	assert.Equal(t, []bool{false}, inWheelAtSave)

	// simulate a crash right after Add returns: the store alone has the task
	_, ok, err := hs.FindByID(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTimer_AddStorageFailure(t *testing.T) {
	hs := &hookStore{MemoryStore: store.NewMemoryStore(logrus.New()), saveErr: store.ErrStorage}
	timer := newTestTimer(hs, func(timewheel.Task) {})

	err := timer.Add(context.Background(), in(100*time.Millisecond, "a"))
	assert.True(t, errors.Is(err, store.ErrStorage))
	assert.False(t, timer.wheel.Contains("a"))
}

func TestTimer_DispatchAndAck(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore(logrus.New())
	rec := newDispatchRecorder()
	timer := newTestTimer(s, rec.dispatch)
	timer.Start()
	defer timer.Stop()

	require.NoError(t, timer.Add(ctx, in(100*time.Millisecond, "a")))

	select {
	case task := <-rec.ch:
		assert.Equal(t, "a", task.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("task never dispatched")
	}
	assert.Equal(t, 1, timer.Stats().InFlight)

	require.NoError(t, timer.Ack(ctx, timewheel.Task{ID: "a"}))
	assert.Equal(t, 0, timer.Stats().InFlight)
	_, ok, err := s.FindByID(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTimer_PicksUpFarTasks(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore(logrus.New())
	rec := newDispatchRecorder()
	timer := newTestTimer(s, rec.dispatch)
	timer.Start()
	defer timer.Stop()

	start := time.Now()
	require.NoError(t, timer.Add(ctx, in(1800*time.Millisecond, "far")))
	require.False(t, timer.wheel.Contains("far"))

	select {
	case <-rec.ch:
		assert.GreaterOrEqual(t, time.Since(start), 1790*time.Millisecond)
	case <-time.After(4 * time.Second):
		t.Fatal("far task never reloaded")
	}
}

func TestTimer_RecoversAfterRestart(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore(logrus.New())
	require.NoError(t, s.Save(ctx, in(1500*time.Millisecond, "persisted")))
	start := time.Now()

	var timer *Timer
	delivered := make(chan struct{})
	timer = newTestTimer(s, func(task timewheel.Task) {
		go func() {
			_ = timer.Ack(ctx, task)
			close(delivered)
		}()
	})
	timer.Start()
	defer timer.Stop()

	select {
	case <-delivered:
		// one reload cycle is imminentWindowMs/2
		assert.LessOrEqual(t, time.Since(start), 1500*time.Millisecond+500*time.Millisecond+300*time.Millisecond)
	case <-time.After(4 * time.Second):
		t.Fatal("persisted task was not recovered")
	}
	_, ok, err := s.FindByID(ctx, "persisted")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTimer_ReloadIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore(logrus.New())
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Save(ctx, in(800*time.Millisecond, id)))
	}
	timer := newTestTimer(s, func(timewheel.Task) {})

	timer.reload()
	timer.reload()

	assert.Equal(t, 3, timer.wheel.Len())
}

func TestTimer_ReloadSkipsInflight(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore(logrus.New())
	rec := newDispatchRecorder()
	timer := newTestTimer(s, rec.dispatch)

	// already due: dispatched synchronously and left in the store
	require.NoError(t, timer.Add(ctx, in(-time.Second, "slow")))
	require.Equal(t, 1, rec.count("slow"))

	timer.reload()
	assert.False(t, timer.wheel.Contains("slow"))
	assert.Equal(t, 1, rec.count("slow"))

	timer.Release("slow")
	timer.reload()
	assert.Equal(t, 2, rec.count("slow"), "released task is picked up again")
}

func TestTimer_Cancel(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore(logrus.New())
	rec := newDispatchRecorder()
	timer := newTestTimer(s, rec.dispatch)
	timer.Start()
	defer timer.Stop()

	require.NoError(t, timer.Add(ctx, in(200*time.Millisecond, "near")))
	require.NoError(t, timer.Add(ctx, in(10*time.Second, "far")))

	for _, id := range []string{"near", "far"} {
		found, err := timer.Cancel(ctx, id)
		require.NoError(t, err)
		assert.True(t, found)
		_, ok, err := timer.Get(ctx, id)
		require.NoError(t, err)
		assert.False(t, ok)
	}

	found, err := timer.Cancel(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)

	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, 0, rec.count("near"))
}

func TestTimer_Get(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore(logrus.New())
	timer := newTestTimer(s, func(timewheel.Task) {})

	near := in(500*time.Millisecond, "near")
	near.Payload = []byte("hello")
	require.NoError(t, timer.Add(ctx, near))
	require.NoError(t, timer.Add(ctx, in(time.Hour, "far")))

	got, ok, err := timer.Get(ctx, "near")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), got.Payload)

	got, ok, err = timer.Get(ctx, "far")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "far", got.ID)
}

func TestTimer_RescheduleOutOfWindow(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore(logrus.New())
	timer := newTestTimer(s, func(timewheel.Task) {})

	require.NoError(t, timer.Add(ctx, in(500*time.Millisecond, "a")))
	require.True(t, timer.wheel.Contains("a"))

	require.NoError(t, timer.Add(ctx, in(time.Minute, "a")))
	assert.False(t, timer.wheel.Contains("a"))
	got, ok, err := s.FindByID(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Greater(t, got.ExpirationMs, time.Now().Add(30*time.Second).UnixMilli())
}

func TestTimer_AddAfterStop(t *testing.T) {
	timer := newTestTimer(store.NewMemoryStore(logrus.New()), func(timewheel.Task) {})
	timer.Start()
	timer.Stop()
	assert.ErrorIs(t, timer.Add(context.Background(), in(time.Second, "a")), ErrStopped)
}

func TestTimer_CancelDuringReload(t *testing.T) {
	ctx := context.Background()
	hs := &hookStore{MemoryStore: store.NewMemoryStore(logrus.New())}
	rec := newDispatchRecorder()
	timer := newTestTimer(hs, rec.dispatch)

	require.NoError(t, hs.Save(ctx, in(300*time.Millisecond, "canceled")))
	require.NoError(t, hs.Save(ctx, in(300*time.Millisecond, "kept")))

	var found bool
	hs.onFetch = func() {
		var err error
		found, err = timer.Cancel(ctx, "canceled")
		require.NoError(t, err)
	}
	timer.reload()

	assert.True(t, found)
	assert.False(t, timer.wheel.Contains("canceled"), "a fetch older than the cancel must not bring the task back")
	assert.True(t, timer.wheel.Contains("kept"))
	_, ok, err := hs.FindByID(ctx, "canceled")
	require.NoError(t, err)
	assert.False(t, ok)

	// the next reload is not affected by the earlier cancel
	hs.onFetch = nil
	require.NoError(t, hs.Save(ctx, in(300*time.Millisecond, "canceled")))
	timer.reload()
	assert.True(t, timer.wheel.Contains("canceled"))
}

func TestTimer_CancelWhileDelivering(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore(logrus.New())
	rec := newDispatchRecorder()
	timer := newTestTimer(s, rec.dispatch)

	task := in(-time.Second, "a")
	task.RepeatIntervalMs = 100
	require.NoError(t, timer.Add(ctx, task))
	require.Equal(t, 1, rec.count("a"))
	require.Equal(t, 1, timer.Stats().InFlight)

	canceled, err := timer.Canceled(ctx, "a")
	require.NoError(t, err)
	assert.False(t, canceled)

	found, err := timer.Cancel(ctx, "a")
	require.NoError(t, err)
	assert.True(t, found)
	canceled, err = timer.Canceled(ctx, "a")
	require.NoError(t, err)
	assert.True(t, canceled)

	// the delivery fails and the retry path tries to store the next attempt
	require.NoError(t, timer.Reschedule(ctx, task.NextAttempt(time.Now().UnixMilli(), 50)))
	_, ok, err := s.FindByID(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok, "canceled task must not be stored again")
	assert.False(t, timer.wheel.Contains("a"))
	assert.Equal(t, 0, timer.Stats().InFlight)
	assert.Equal(t, 1, rec.count("a"))

	// the id is free for a new registration
	require.NoError(t, timer.Reschedule(ctx, in(time.Minute, "a")))
	_, ok, err = s.FindByID(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTimer_RescheduleInflight(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore(logrus.New())
	timer := newTestTimer(s, func(timewheel.Task) {})

	task := in(-time.Second, "a")
	require.NoError(t, timer.Add(ctx, task))
	require.Equal(t, 1, timer.Stats().InFlight)

	require.NoError(t, timer.Reschedule(ctx, task.NextAttempt(time.Now().UnixMilli(), 300)))
	got, ok, err := s.FindByID(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, got.AttemptCount)
	assert.True(t, timer.wheel.Contains("a"))
	assert.Equal(t, 0, timer.Stats().InFlight)
}

func TestTimer_StartReloadsBeforeReturning(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore(logrus.New())
	require.NoError(t, s.Save(ctx, in(800*time.Millisecond, "persisted")))

	timer := newTestTimer(s, func(timewheel.Task) {})
	timer.Start()
	defer timer.Stop()

	assert.True(t, timer.wheel.Contains("persisted"))
}
