package store

import (
	"fmt"
	"strings"

	timewheel "github.com/KFCxMcDonalds/tieredtimer"
	"github.com/KFCxMcDonalds/tieredtimer/config"
)

type Strategy string

const (
	StrategyFixed       Strategy = "FIXED"
	StrategyExponential Strategy = "EXPONENTIAL"
)

type RetryPolicy struct {
	MaxAttempts   int      `json:"maxAttempts"`
	Strategy      Strategy `json:"strategy"`
	IntervalMs    int64    `json:"intervalMs"`
	MaxIntervalMs int64    `json:"maxIntervalMs"`
}

func (p RetryPolicy) Validate() error {
	if p.Strategy != StrategyFixed && p.Strategy != StrategyExponential {
		return fmt.Errorf("unknown retry strategy %q", p.Strategy)
	}
	if p.IntervalMs <= 0 {
		return fmt.Errorf("retry intervalMs must be > 0")
	}
	if p.MaxAttempts < 0 {
		return fmt.Errorf("retry maxAttempts must be >= 0")
	}
	return nil
}

type Client struct {
	ID          string      `json:"clientId"`
	RetryPolicy RetryPolicy `json:"retryPolicy"`
}

// ClientFromConfig converts a statically configured client.
func ClientFromConfig(c config.ClientConfig) Client {
	return Client{
		ID: c.ID,
		RetryPolicy: RetryPolicy{
			MaxAttempts:   c.MaxAttempts,
			Strategy:      Strategy(strings.ToUpper(c.Strategy)),
			IntervalMs:    c.IntervalMs,
			MaxIntervalMs: c.MaxIntervalMs,
		},
	}
}

// DeadLetter is the terminal record of a task that exhausted its retries
// or whose client could not be resolved.
type DeadLetter struct {
	Task         timewheel.Task `json:"task"`
	ErrorMessage string         `json:"errorMessage"`
	FailedAtMs   int64          `json:"failedAtMs"`
}
