package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	timewheel "github.com/KFCxMcDonalds/tieredtimer"
	"github.com/KFCxMcDonalds/tieredtimer/config"
	"github.com/KFCxMcDonalds/tieredtimer/metrics"
	"github.com/KFCxMcDonalds/tieredtimer/retry"
	"github.com/panjf2000/ants/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

type (
	// Deliverer performs one delivery attempt of a task to its client.
	Deliverer interface {
		Deliver(ctx context.Context, task timewheel.Task) error
	}

	// Timer is the part of the tiered timer the dispatcher reports back to.
	Timer interface {
		Reschedule(ctx context.Context, task timewheel.Task) error
		Ack(ctx context.Context, task timewheel.Task) error
		Release(taskID string)
		// Canceled reports a cancel that arrived while the task was in flight.
		Canceled(ctx context.Context, taskID string) (bool, error)
	}

	FailureHandler interface {
		HandleFailure(ctx context.Context, task timewheel.Task, cause error) (retry.Outcome, error)
	}
)

type DelivererFunc func(ctx context.Context, task timewheel.Task) error

func (f DelivererFunc) Deliver(ctx context.Context, task timewheel.Task) error { return f(ctx, task) }

// LogDeliverer only logs the task. It stands in for a real transport.
type LogDeliverer struct {
	Logger logrus.FieldLogger
}

func (l LogDeliverer) Deliver(_ context.Context, task timewheel.Task) error {
	l.Logger.WithFields(logrus.Fields{
		"task_id":   task.ID,
		"client_id": task.ClientID,
		"attempt":   task.AttemptCount,
		"payload":   string(task.Payload),
	}).Info("task delivered")
	return nil
}

// Dispatcher moves expired tasks off the wheel's worker goroutine onto a
// pool and settles each delivery: success acks (or schedules the next run
// of a repeating task), failure goes to the retry engine.
type Dispatcher struct {
	timer     Timer
	failures  FailureHandler
	deliverer Deliverer

	pool    *ants.Pool
	limiter *rate.Limiter

	poolSize        int
	deliveryTimeout time.Duration
	settleTimeout   time.Duration

	logger  logrus.FieldLogger
	metrics *metrics.Metrics
	now     func() int64
}

type Option func(*Dispatcher)

// WithConfig applies pool size, delivery timeout and rate limit.
func WithConfig(cfg config.DispatchConfig) Option {
	return func(d *Dispatcher) {
		if cfg.PoolSize > 0 {
			d.poolSize = cfg.PoolSize
		}
		if cfg.DeliveryTimeout > 0 {
			d.deliveryTimeout = cfg.DeliveryTimeout
		}
		if cfg.RatePerSec > 0 {
			burst := cfg.Burst
			if burst <= 0 {
				burst = 1
			}
			d.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
		}
	}
}

func WithLogger(logger logrus.FieldLogger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

func New(timer Timer, failures FailureHandler, deliverer Deliverer, opts ...Option) (*Dispatcher, error) {
	d := &Dispatcher{
		timer:           timer,
		failures:        failures,
		deliverer:       deliverer,
		poolSize:        1000,
		deliveryTimeout: 10 * time.Second,
		settleTimeout:   5 * time.Second,
		logger:          logrus.StandardLogger(),
		now:             func() int64 { return time.Now().UnixMilli() },
	}
	for _, opt := range opts {
		opt(d)
	}

	// if the pool is full, Dispatch degrades to a plain goroutine
	pool, err := ants.NewPool(d.poolSize,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(p any) {
			d.logger.WithField("panic", p).Error("dispatch worker panicked")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create dispatch pool: %w", err)
	}
	d.pool = pool
	return d, nil
}

// Dispatch hands task to the pool and returns immediately. It is meant to be
// the tiered timer's dispatch callback.
func (d *Dispatcher) Dispatch(task timewheel.Task) {
	run := func() { d.deliver(task) }
	err := d.pool.Submit(run)
	switch {
	case err == nil:
	case errors.Is(err, ants.ErrPoolClosed):
		// still in the store; a later process picks it up
		d.logger.WithField("task_id", task.ID).Warn("dispatcher closed, task not delivered")
		d.timer.Release(task.ID)
	default:
		go run()
	}
}

// Running reports deliveries currently executing on the pool.
func (d *Dispatcher) Running() int {
	return d.pool.Running()
}

// Close stops accepting tasks and waits up to timeout for running deliveries.
func (d *Dispatcher) Close(timeout time.Duration) error {
	if timeout <= 0 {
		d.pool.Release()
		return nil
	}
	return d.pool.ReleaseTimeout(timeout)
}

func (d *Dispatcher) deliver(task timewheel.Task) {
	ctx, cancel := context.WithTimeout(context.Background(), d.deliveryTimeout)
	defer cancel()

	if err := d.attempt(ctx, task); err != nil {
		d.fail(task, err)
		return
	}
	d.succeed(task)
}

func (d *Dispatcher) attempt(ctx context.Context, task timewheel.Task) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("deliverer panicked: %v", p)
		}
	}()
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit: %w", err)
		}
	}
	return d.deliverer.Deliver(ctx, task)
}

func (d *Dispatcher) succeed(task timewheel.Task) {
	ctx, cancel := context.WithTimeout(context.Background(), d.settleTimeout)
	defer cancel()

	d.metrics.TaskDispatched()
	log := d.logger.WithFields(logrus.Fields{"task_id": task.ID, "client_id": task.ClientID})

	if task.RepeatIntervalMs > 0 {
		next := task.NextOccurrence(d.now())
		if err := d.timer.Reschedule(ctx, next); err != nil {
			log.WithError(err).Error("failed to schedule next occurrence")
			d.timer.Release(task.ID)
			return
		}
		log.WithField("expiration_ms", next.ExpirationMs).Debug("repeating task rescheduled")
		return
	}
	if err := d.timer.Ack(ctx, task); err != nil {
		// the task stays stored and will be delivered again
		log.WithError(err).Error("failed to ack delivered task")
	}
}

func (d *Dispatcher) fail(task timewheel.Task, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), d.settleTimeout)
	defer cancel()

	d.metrics.DeliveryFailed()
	log := d.logger.WithFields(logrus.Fields{
		"task_id":   task.ID,
		"client_id": task.ClientID,
		"attempt":   task.AttemptCount,
	})
	log.WithError(cause).Debug("delivery failed")

	// a canceled task must not end up in the dead-letter store either
	if canceled, err := d.timer.Canceled(ctx, task.ID); err == nil && canceled {
		log.Info("task canceled during delivery, failure dropped")
		d.timer.Release(task.ID)
		return
	}

	outcome, err := d.failures.HandleFailure(ctx, task, cause)
	if err != nil {
		log.WithError(err).Error("failed to handle delivery failure")
		d.timer.Release(task.ID)
		return
	}
	if outcome == retry.DeadLettered {
		d.timer.Release(task.ID)
	}
}
