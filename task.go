package timewheel

import "time"

// Kind tags what a Task carries. User tasks are plain data and may be
// persisted; control tasks run an in-process action and never leave the wheel.
type Kind uint8

const (
	KindUser Kind = iota
	KindControl
)

// Task is the schedulable unit.
//
// ID is stable across retries and reschedules: the next attempt of a task is a
// new Task value with the same ID, a recomputed ExpirationMs and AttemptCount+1.
type Task struct {
	ID               string `json:"taskId"`
	ClientID         string `json:"clientId"`
	ExpirationMs     int64  `json:"expirationMs"` // absolute unix ms
	Payload          []byte `json:"payload,omitempty"`
	RepeatIntervalMs int64  `json:"repeatIntervalMs,omitempty"` // 0 means one-shot
	AttemptCount     int    `json:"attemptCount"`

	kind   Kind
	action func()
}

// NewControlTask builds an internal task that runs action on the wheel's
// worker goroutine when it expires.
func NewControlTask(id string, expirationMs int64, action func()) Task {
	return Task{
		ID:           id,
		ExpirationMs: expirationMs,
		kind:         KindControl,
		action:       action,
	}
}

func (t Task) Kind() Kind { return t.kind }

func (t Task) IsControl() bool { return t.kind == KindControl }

// Expiration returns the deadline as a time.Time.
func (t Task) Expiration() time.Time { return ms2Time(t.ExpirationMs) }

// NextAttempt returns the retry of t that fires delayMs after nowMs.
func (t Task) NextAttempt(nowMs, delayMs int64) Task {
	next := t
	next.ExpirationMs = nowMs + delayMs
	next.AttemptCount = t.AttemptCount + 1
	return next
}

// NextOccurrence returns the following run of a repeating task. Missed
// occurrences are skipped so the result is always after nowMs.
func (t Task) NextOccurrence(nowMs int64) Task {
	next := t
	next.AttemptCount = 0
	if t.RepeatIntervalMs <= 0 {
		return next
	}
	next.ExpirationMs = t.ExpirationMs + t.RepeatIntervalMs
	if next.ExpirationMs <= nowMs {
		behind := (nowMs-next.ExpirationMs)/t.RepeatIntervalMs + 1
		next.ExpirationMs += behind * t.RepeatIntervalMs
	}
	return next
}

func (t Task) run() {
	if t.action != nil {
		t.action()
	}
}
