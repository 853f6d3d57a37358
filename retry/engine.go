package retry

import (
	"context"
	"fmt"
	"math"
	"time"

	timewheel "github.com/KFCxMcDonalds/tieredtimer"
	"github.com/KFCxMcDonalds/tieredtimer/metrics"
	"github.com/KFCxMcDonalds/tieredtimer/store"
	"github.com/sirupsen/logrus"
)

// Outcome is what HandleFailure did with a failed task.
type Outcome int

const (
	// Unhandled comes with an error: the task was neither rescheduled nor
	// dead-lettered.
	Unhandled Outcome = iota
	Rescheduled
	DeadLettered
)

func (o Outcome) String() string {
	switch o {
	case Unhandled:
		return "unhandled"
	case Rescheduled:
		return "rescheduled"
	case DeadLettered:
		return "dead-lettered"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// RescheduleFunc re-enters a task through the timer's normal add path.
type RescheduleFunc func(ctx context.Context, task timewheel.Task) error

// Engine turns delivery failures into a backoff reschedule or a dead letter.
type Engine struct {
	clients    store.ClientStore
	dlq        store.DeadLetterStore
	tasks      store.TaskStore
	reschedule RescheduleFunc

	logger  logrus.FieldLogger
	metrics *metrics.Metrics
	now     func() time.Time
}

type Option func(*Engine)

func WithLogger(logger logrus.FieldLogger) Option {
	return func(e *Engine) { e.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func New(clients store.ClientStore, dlq store.DeadLetterStore, tasks store.TaskStore, reschedule RescheduleFunc, opts ...Option) *Engine {
	e := &Engine{
		clients:    clients,
		dlq:        dlq,
		tasks:      tasks,
		reschedule: reschedule,
		logger:     logrus.StandardLogger(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// HandleFailure decides the fate of a task whose delivery failed with cause.
// A task of an unknown client, or one that used up its attempts, is moved to
// the dead-letter store; anything else is rescheduled with its attempt count
// incremented.
func (e *Engine) HandleFailure(ctx context.Context, task timewheel.Task, cause error) (Outcome, error) {
	log := e.logger.WithFields(logrus.Fields{
		"task_id":   task.ID,
		"client_id": task.ClientID,
		"attempt":   task.AttemptCount,
	}).WithError(cause)

	client, ok, err := e.clients.FindClient(ctx, task.ClientID)
	if err != nil {
		return Unhandled, err
	}
	if !ok {
		log.Warn("unknown client, moving task to dead-letter store")
		return DeadLettered, e.deadLetter(ctx, task, fmt.Sprintf("unknown client %q: %v", task.ClientID, cause))
	}

	policy := client.RetryPolicy
	if task.AttemptCount >= policy.MaxAttempts {
		log.WithField("max_attempts", policy.MaxAttempts).Warn("retries exhausted, moving task to dead-letter store")
		return DeadLettered, e.deadLetter(ctx, task, errorMessage(cause))
	}

	delay := NextDelay(policy, task.AttemptCount)
	next := task.NextAttempt(e.now().UnixMilli(), delay)
	if err := e.reschedule(ctx, next); err != nil {
		return Unhandled, fmt.Errorf("reschedule task %s: %w", task.ID, err)
	}
	e.metrics.TaskRetried()
	log.WithFields(logrus.Fields{
		"delay_ms":      delay,
		"expiration_ms": next.ExpirationMs,
	}).Info("task rescheduled after delivery failure")
	return Rescheduled, nil
}

// NextDelay is the backoff in milliseconds before the retry that follows
// attempt. For EXPONENTIAL it is intervalMs*2^attempt capped at maxIntervalMs,
// where a non-positive maxIntervalMs means no cap.
func NextDelay(policy store.RetryPolicy, attempt int) int64 {
	if policy.Strategy != store.StrategyExponential {
		return policy.IntervalMs
	}
	limit := policy.MaxIntervalMs
	if limit <= 0 {
		limit = math.MaxInt64
	}
	delay := policy.IntervalMs
	for i := 0; i < attempt; i++ {
		if delay > limit/2 {
			return limit
		}
		delay *= 2
	}
	return min(delay, limit)
}

// Requeue moves a dead letter back into the timer as a fresh task due now.
func (e *Engine) Requeue(ctx context.Context, clientID, taskID string) (timewheel.Task, error) {
	entry, ok, err := e.dlq.FindDeadLetter(ctx, clientID, taskID)
	if err != nil {
		return timewheel.Task{}, err
	}
	if !ok {
		return timewheel.Task{}, fmt.Errorf("dead letter %s/%s: %w", clientID, taskID, ErrNotFound)
	}

	task := entry.Task
	task.AttemptCount = 0
	task.ExpirationMs = e.now().UnixMilli()
	if err := e.reschedule(ctx, task); err != nil {
		return timewheel.Task{}, err
	}
	if err := e.dlq.DeleteDeadLetter(ctx, clientID, taskID); err != nil {
		return task, err
	}
	e.logger.WithFields(logrus.Fields{
		"task_id":   taskID,
		"client_id": clientID,
	}).Info("dead letter requeued")
	return task, nil
}

// deadLetter records the task and then drops it from the long-term store.
func (e *Engine) deadLetter(ctx context.Context, task timewheel.Task, msg string) error {
	entry := store.DeadLetter{
		Task:         task,
		ErrorMessage: msg,
		FailedAtMs:   e.now().UnixMilli(),
	}
	if err := e.dlq.SaveDeadLetter(ctx, entry); err != nil {
		return err
	}
	if err := e.tasks.Delete(ctx, task.ID); err != nil {
		return err
	}
	e.metrics.TaskDeadLettered()
	return nil
}

func errorMessage(err error) string {
	if err == nil {
		return "delivery failed"
	}
	return err.Error()
}
