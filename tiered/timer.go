package tiered

import (
	"context"
	"errors"
	"hash/maphash"
	"sync"
	"sync/atomic"
	"time"

	timewheel "github.com/KFCxMcDonalds/tieredtimer"
	"github.com/KFCxMcDonalds/tieredtimer/config"
	"github.com/KFCxMcDonalds/tieredtimer/metrics"
	"github.com/KFCxMcDonalds/tieredtimer/store"
	"github.com/sirupsen/logrus"
)

const reloadTaskID = "tiered-timer/reload"

var ErrStopped = errors.New("tiered timer is stopped")

// Timer keeps tasks due within the imminent window in a timing wheel and
// everything else only in the long-term store. A control task scheduled in
// the same wheel periodically pulls newly imminent tasks from the store, so
// reloads and expirations never run concurrently.
type Timer struct {
	wheel    *timewheel.TimeWheel
	tasks    store.TaskStore
	dispatch timewheel.DispatchFunc

	imminentWindowMs int64
	loadThresholdMs  int64
	reloadTimeout    time.Duration

	// tasks handed to dispatch whose outcome is not known yet
	inflight      sync.Map
	inflightCount atomic.Int64
	// Cancel and Reschedule of one task id run one at a time
	taskLocks [64]sync.Mutex
	lockSeed  maphash.Seed

	// cancelMu orders Cancel against a reload. Cancels hold it shared, the
	// reload takes it exclusively to open and to merge a fetch.
	cancelMu sync.RWMutex
	// ids canceled since the running reload fetched, nil between reloads
	canceledSinceFetch map[string]struct{}
	canceledSinceMu    sync.Mutex

	stopped atomic.Bool
	logger  logrus.FieldLogger
	metrics *metrics.Metrics
	now     func() int64
}

type Option func(*Timer)

func WithLogger(logger logrus.FieldLogger) Option {
	return func(t *Timer) { t.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Timer) { t.metrics = m }
}

// WithReloadTimeout bounds a single long-term store fetch. Default 5s.
func WithReloadTimeout(d time.Duration) Option {
	return func(t *Timer) { t.reloadTimeout = d }
}

// New builds a Timer. dispatch receives every expired user task on the
// wheel's worker goroutine. It must not block or call Cancel.
func New(cfg config.TimerConfig, tasks store.TaskStore, dispatch timewheel.DispatchFunc, opts ...Option) *Timer {
	t := &Timer{
		tasks:            tasks,
		dispatch:         dispatch,
		imminentWindowMs: cfg.ImminentWindowMs,
		loadThresholdMs:  cfg.LoadThresholdMs(),
		reloadTimeout:    5 * time.Second,
		lockSeed:         maphash.MakeSeed(),
		logger:           logrus.StandardLogger(),
		now:              func() int64 { return time.Now().UnixMilli() },
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.loadThresholdMs <= 0 {
		t.loadThresholdMs = 1
	}
	t.wheel = timewheel.New(cfg.Tick(), cfg.WheelSize, t.onExpire,
		timewheel.WithLogger(t.logger),
		timewheel.WithAdvanceClockInterval(cfg.AdvanceClockInterval()),
	)
	t.metrics.ObserveWheel(t.wheel.Len)
	return t
}

// Start runs the wheel and schedules the first reload due now, which
// recovers whatever a previous process left in the store before Start
// returns.
func (t *Timer) Start() {
	t.wheel.Start()
	t.wheel.Add(timewheel.NewControlTask(reloadTaskID, t.now(), t.reload))
	t.logger.WithFields(logrus.Fields{
		"imminent_window_ms": t.imminentWindowMs,
		"load_threshold_ms":  t.loadThresholdMs,
	}).Info("tiered timer started")
}

func (t *Timer) Stop() {
	t.stopped.Store(true)
	t.wheel.Stop()
	t.logger.Info("tiered timer stopped")
}

// Add persists task and, if it is due within the imminent window, also
// schedules it in memory. The store write always comes first.
func (t *Timer) Add(ctx context.Context, task timewheel.Task) error {
	if t.stopped.Load() {
		return ErrStopped
	}
	if task.IsControl() {
		t.wheel.Add(task)
		return nil
	}
	if err := t.tasks.Save(ctx, task); err != nil {
		return err
	}
	t.Release(task.ID)

	log := t.logger.WithFields(logrus.Fields{
		"task_id":       task.ID,
		"client_id":     task.ClientID,
		"expiration_ms": task.ExpirationMs,
		"attempt":       task.AttemptCount,
	})
	if t.isImminent(task) {
		t.wheel.Add(task)
		log.Debug("task scheduled in memory")
	} else {
		// a reschedule may have pushed a task out of the window
		t.wheel.Cancel(task.ID)
		log.Debug("task left in long-term store")
	}
	t.metrics.TaskScheduled()
	return nil
}

// Cancel removes the task from memory and from the long-term store. It
// reports whether the task was found in either. A task that is being
// delivered is neither retried nor repeated afterwards, see Reschedule.
func (t *Timer) Cancel(ctx context.Context, taskID string) (bool, error) {
	t.cancelMu.RLock()
	defer t.cancelMu.RUnlock()
	defer t.lockTask(taskID)()

	t.canceledSinceMu.Lock()
	if t.canceledSinceFetch != nil {
		t.canceledSinceFetch[taskID] = struct{}{}
	}
	t.canceledSinceMu.Unlock()

	inMemory := t.wheel.Cancel(taskID)
	_, stored, err := t.tasks.FindByID(ctx, taskID)
	if err != nil {
		return inMemory, err
	}
	if stored {
		if err := t.tasks.Delete(ctx, taskID); err != nil {
			return inMemory, err
		}
	}
	return inMemory || stored, nil
}

// Get looks in memory first and falls back to the long-term store.
func (t *Timer) Get(ctx context.Context, taskID string) (timewheel.Task, bool, error) {
	if task, ok := t.wheel.Get(taskID); ok {
		return task, true, nil
	}
	return t.tasks.FindByID(ctx, taskID)
}

// Reschedule stores the next attempt or the next run of a task that was
// being delivered. It drops the task instead if it was canceled meanwhile.
func (t *Timer) Reschedule(ctx context.Context, task timewheel.Task) error {
	defer t.lockTask(task.ID)()
	if t.isInflight(task.ID) {
		canceled, err := t.Canceled(ctx, task.ID)
		if err != nil {
			return err
		}
		if canceled {
			t.Release(task.ID)
			t.logger.WithField("task_id", task.ID).Info("task canceled during delivery, not rescheduled")
			return nil
		}
	}
	return t.Add(ctx, task)
}

// Canceled reports whether a task that is being delivered was canceled
// meanwhile. Until its delivery settles such a task stays in the long-term
// store, and Cancel is the only thing that removes it.
func (t *Timer) Canceled(ctx context.Context, taskID string) (bool, error) {
	_, stored, err := t.tasks.FindByID(ctx, taskID)
	if err != nil {
		return false, err
	}
	return !stored, nil
}

// Ack removes a delivered task from the long-term store.
func (t *Timer) Ack(ctx context.Context, task timewheel.Task) error {
	defer t.Release(task.ID)
	return t.tasks.Delete(ctx, task.ID)
}

// Release forgets that taskID is being delivered, letting a later reload
// schedule it again if it is still in the store.
func (t *Timer) Release(taskID string) {
	if _, ok := t.inflight.LoadAndDelete(taskID); ok {
		t.inflightCount.Add(-1)
	}
}

type Stats struct {
	InMemory int `json:"inMemory"`
	InFlight int `json:"inFlight"`
	Levels   int `json:"levels"`
}

func (t *Timer) Stats() Stats {
	return Stats{
		InMemory: t.wheel.Len(),
		InFlight: int(t.inflightCount.Load()),
		Levels:   t.wheel.Levels(),
	}
}

func (t *Timer) lockTask(taskID string) (unlock func()) {
	mu := &t.taskLocks[maphash.String(t.lockSeed, taskID)%uint64(len(t.taskLocks))]
	mu.Lock()
	return mu.Unlock
}

func (t *Timer) isImminent(task timewheel.Task) bool {
	return task.ExpirationMs < t.now()+t.imminentWindowMs
}

func (t *Timer) isInflight(taskID string) bool {
	_, ok := t.inflight.Load(taskID)
	return ok
}

func (t *Timer) onExpire(task timewheel.Task) {
	if _, loaded := t.inflight.LoadOrStore(task.ID, struct{}{}); !loaded {
		t.inflightCount.Add(1)
	}
	t.dispatch(task)
}

// reload merges tasks due within the window into the wheel and schedules
// the next reload. Successive windows overlap, so tasks already in memory or
// being delivered are skipped. Tasks canceled while the fetch ran are
// skipped too: the fetch may have read them before Cancel deleted them.
func (t *Timer) reload() {
	defer t.scheduleReload()

	ctx, cancel := context.WithTimeout(context.Background(), t.reloadTimeout)
	defer cancel()

	t.cancelMu.Lock()
	t.canceledSinceMu.Lock()
	t.canceledSinceFetch = map[string]struct{}{}
	t.canceledSinceMu.Unlock()
	t.cancelMu.Unlock()

	horizon := t.now() + t.imminentWindowMs
	due, err := t.tasks.FetchDueBefore(ctx, horizon)
	if err != nil {
		t.logger.WithError(err).Error("reload from long-term store failed")
		due = nil
	}

	loaded := t.merge(due)
	t.metrics.TasksReloaded(loaded)
	if loaded > 0 {
		t.logger.WithFields(logrus.Fields{
			"loaded":     loaded,
			"fetched":    len(due),
			"horizon_ms": horizon,
		}).Info("reloaded tasks from long-term store")
	}
}

func (t *Timer) merge(due []timewheel.Task) int {
	t.cancelMu.Lock()
	defer t.cancelMu.Unlock()

	t.canceledSinceMu.Lock()
	canceled := t.canceledSinceFetch
	t.canceledSinceFetch = nil
	t.canceledSinceMu.Unlock()

	loaded := 0
	for _, task := range due {
		if _, ok := canceled[task.ID]; ok {
			continue
		}
		if t.isInflight(task.ID) {
			continue
		}
		if t.wheel.AddIfAbsent(task) {
			loaded++
		}
	}
	return loaded
}

func (t *Timer) scheduleReload() {
	if t.stopped.Load() {
		return
	}
	t.wheel.Add(timewheel.NewControlTask(reloadTaskID, t.now()+t.loadThresholdMs, t.reload))
}
