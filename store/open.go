package store

import (
	"fmt"

	"github.com/KFCxMcDonalds/tieredtimer/config"
	"github.com/sirupsen/logrus"
)

// Open initializes the configured backend.
func Open(cfg config.StorageConfig, logger logrus.FieldLogger) (Backend, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger = logger.WithField("storage", cfg.Driver)

	switch cfg.Driver {
	case "", config.StorageDriverMemory:
		logger.Warn("using in-memory storage, tasks will not survive a restart")
		return NewMemoryStore(logger), nil
	case config.StorageDriverSQLite:
		s, err := openSQLite(cfg.DSN, cfg.BusyTimeout, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.StorageDriverPostgres:
		s, err := openPostgres(cfg.DSN, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", cfg.Driver)
	}
}
