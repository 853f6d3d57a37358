package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

type (
	Config struct {
		// Log is the logging config
		Log LogConfig `yaml:"log"`

		// Timer configures the timing wheel and the in-memory horizon
		Timer TimerConfig `yaml:"timer"`

		// Storage selects the long-term task store, dead-letter store and client store backend
		Storage StorageConfig `yaml:"storage"`

		// Dispatch configures the delivery hand-off pool
		Dispatch DispatchConfig `yaml:"dispatch"`

		// API is the REST facade config
		API APIConfig `yaml:"api"`

		// Clients are seeded into the client store at startup
		Clients []ClientConfig `yaml:"clients"`
	}

	LogConfig struct {
		// Level is one of debug, info, warn, error. Default is info.
		Level string `yaml:"level"`
		// Format is text or json. Default is text.
		Format string `yaml:"format"`
	}

	TimerConfig struct {
		// TickMs is the slot granularity of the first wheel level. Default 10.
		TickMs int64 `yaml:"tickMs"`
		// WheelSize is the number of slots per level. Default 64.
		WheelSize int64 `yaml:"wheelSize"`
		// ImminentWindowMs is how far ahead tasks are kept in memory.
		// Tasks further out live only in the long-term store until a reload
		// picks them up. Default 60000.
		ImminentWindowMs int64 `yaml:"imminentWindowMs"`
		// AdvanceClockIntervalMs bounds how long the worker blocks waiting on
		// the delay queue. Default 200.
		AdvanceClockIntervalMs int64 `yaml:"advanceClockIntervalMs"`
	}

	StorageConfig struct {
		// Driver is memory, sqlite or postgres. Default memory.
		Driver string `yaml:"driver"`
		// DSN is the sqlite file path or the postgres connection string
		DSN string `yaml:"dsn"`
		// BusyTimeout applies to sqlite only
		BusyTimeout time.Duration `yaml:"busyTimeout"`
	}

	DispatchConfig struct {
		// PoolSize is the number of delivery goroutines. Default 1000.
		PoolSize int `yaml:"poolSize"`
		// DeliveryTimeout bounds a single delivery attempt. Default 10s.
		DeliveryTimeout time.Duration `yaml:"deliveryTimeout"`
		// RatePerSec limits deliveries per second, 0 means unlimited
		RatePerSec float64 `yaml:"ratePerSec"`
		// Burst is the limiter burst size. Defaults to ceil(RatePerSec).
		Burst int `yaml:"burst"`
	}

	APIConfig struct {
		// Address is host:port to listen on. Default :8080. Empty disables the API.
		Address      string        `yaml:"address"`
		ReadTimeout  time.Duration `yaml:"readTimeout"`
		WriteTimeout time.Duration `yaml:"writeTimeout"`
	}

	ClientConfig struct {
		ID            string `yaml:"id"`
		MaxAttempts   int    `yaml:"maxAttempts"`
		Strategy      string `yaml:"strategy"`
		IntervalMs    int64  `yaml:"intervalMs"`
		MaxIntervalMs int64  `yaml:"maxIntervalMs"`
	}
)

const (
	StorageDriverMemory   = "memory"
	StorageDriverSQLite   = "sqlite"
	StorageDriverPostgres = "postgres"
)

// NewConfig returns a new decoded Config struct
func NewConfig(configPath string) (*Config, error) {
	logrus.Infof("Loading configFile=%v", configPath)

	config := Default()

	file, err := os.Open(configPath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	d := yaml.NewDecoder(file)
	if err := d.Decode(config); err != nil {
		return nil, fmt.Errorf("decode %s: %w", configPath, err)
	}
	return config, nil
}

// Default returns a config that runs everything in memory.
func Default() *Config {
	c := &Config{API: APIConfig{Address: ":8080"}}
	_ = c.ValidateAndSetDefaults()
	return c
}

func (c *Config) ValidateAndSetDefaults() error {
	t := &c.Timer
	if t.TickMs == 0 {
		t.TickMs = 10
	}
	if t.WheelSize == 0 {
		t.WheelSize = 64
	}
	if t.ImminentWindowMs == 0 {
		t.ImminentWindowMs = 60_000
	}
	if t.AdvanceClockIntervalMs == 0 {
		t.AdvanceClockIntervalMs = 200
	}
	if t.TickMs < 0 || t.WheelSize < 0 || t.ImminentWindowMs < 0 || t.AdvanceClockIntervalMs < 0 {
		return fmt.Errorf("timer: tickMs, wheelSize, imminentWindowMs and advanceClockIntervalMs must be positive")
	}
	if t.ImminentWindowMs < 2 {
		return fmt.Errorf("timer.imminentWindowMs must be at least 2")
	}

	s := &c.Storage
	s.Driver = strings.ToLower(strings.TrimSpace(s.Driver))
	switch s.Driver {
	case "":
		s.Driver = StorageDriverMemory
	case StorageDriverMemory:
	case StorageDriverSQLite, "sqlite3":
		s.Driver = StorageDriverSQLite
		if s.DSN == "" {
			return fmt.Errorf("storage.dsn is required for driver %s", s.Driver)
		}
	case StorageDriverPostgres:
		if s.DSN == "" {
			return fmt.Errorf("storage.dsn is required for driver %s", s.Driver)
		}
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", s.Driver)
	}

	d := &c.Dispatch
	if d.PoolSize <= 0 {
		d.PoolSize = 1000
	}
	if d.DeliveryTimeout <= 0 {
		d.DeliveryTimeout = 10 * time.Second
	}
	if d.RatePerSec < 0 {
		return fmt.Errorf("dispatch.ratePerSec must be >= 0")
	}
	if d.RatePerSec > 0 && d.Burst <= 0 {
		d.Burst = int(d.RatePerSec)
		if float64(d.Burst) < d.RatePerSec {
			d.Burst++
		}
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch c.Log.Format {
	case "":
		c.Log.Format = "text"
	case "text", "json":
	default:
		return fmt.Errorf("log.format: unknown format %q", c.Log.Format)
	}

	seen := map[string]bool{}
	for i := range c.Clients {
		cl := &c.Clients[i]
		if cl.ID == "" {
			return fmt.Errorf("clients[%d].id is required", i)
		}
		if seen[cl.ID] {
			return fmt.Errorf("clients[%d]: duplicate id %q", i, cl.ID)
		}
		seen[cl.ID] = true
		cl.Strategy = strings.ToUpper(cl.Strategy)
		if cl.Strategy == "" {
			cl.Strategy = "FIXED"
		}
		if cl.Strategy != "FIXED" && cl.Strategy != "EXPONENTIAL" {
			return fmt.Errorf("clients[%d].strategy: unknown strategy %q", i, cl.Strategy)
		}
		if cl.IntervalMs <= 0 {
			return fmt.Errorf("clients[%d].intervalMs must be > 0", i)
		}
		if cl.MaxAttempts < 0 {
			return fmt.Errorf("clients[%d].maxAttempts must be >= 0", i)
		}
	}
	return nil
}

func (t TimerConfig) Tick() time.Duration { return time.Duration(t.TickMs) * time.Millisecond }

func (t TimerConfig) AdvanceClockInterval() time.Duration {
	return time.Duration(t.AdvanceClockIntervalMs) * time.Millisecond
}

// LoadThresholdMs is the reload cadence, half of the imminent window.
func (t TimerConfig) LoadThresholdMs() int64 { return t.ImminentWindowMs / 2 }

// NewLogger builds a logrus logger from the log config.
func (l LogConfig) NewLogger() (*logrus.Logger, error) {
	logger := logrus.New()
	level, err := logrus.ParseLevel(l.Level)
	if err != nil {
		return nil, err
	}
	logger.SetLevel(level)
	if l.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger, nil
}
