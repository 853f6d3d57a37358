package timewheel

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Logger is the logging surface used across the module.
type Logger = logrus.FieldLogger

type Option func(*TimeWheel)

const DefaultAdvanceClockInterval = 200 * time.Millisecond

func DefaultOptions() []Option {
	return []Option{
		WithLogger(logrus.StandardLogger()),
		WithAdvanceClockInterval(DefaultAdvanceClockInterval),
	}
}

func WithLogger(logger Logger) Option {
	return func(tw *TimeWheel) {
		tw.logger = logger
	}
}

// WithPanicHandler receives panics raised by the dispatch callback or by a
// control task. The default handler logs them.
func WithPanicHandler(handler func(task Task, p any)) Option {
	return func(tw *TimeWheel) {
		tw.panicHandler = handler
	}
}

// WithAdvanceClockInterval bounds how long the worker blocks on the delay
// queue before polling again.
func WithAdvanceClockInterval(d time.Duration) Option {
	return func(tw *TimeWheel) {
		if d > 0 {
			tw.advanceClockInterval = d
		}
	}
}

// WithStartTime sets the wheel's initial clock. Mainly useful in tests.
func WithStartTime(startMS int64) Option {
	return func(tw *TimeWheel) {
		tw.startMS = startMS
	}
}
