package bootstrap

import (
	"context"
	"fmt"
	rawLog "log"
	"os"
	"os/signal"
	"syscall"
	"time"

	timewheel "github.com/KFCxMcDonalds/tieredtimer"
	"github.com/KFCxMcDonalds/tieredtimer/api"
	"github.com/KFCxMcDonalds/tieredtimer/config"
	"github.com/KFCxMcDonalds/tieredtimer/dispatch"
	"github.com/KFCxMcDonalds/tieredtimer/metrics"
	"github.com/KFCxMcDonalds/tieredtimer/retry"
	"github.com/KFCxMcDonalds/tieredtimer/store"
	"github.com/KFCxMcDonalds/tieredtimer/tiered"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
)

const (
	FlagConfig = "config"
	FlagClient = "client"
)

const shutdownTimeout = 10 * time.Second

// LoadConfig reads the --config file, or the in-memory defaults if none is given.
func LoadConfig(c *cli.Context) (*config.Config, error) {
	cfg := config.Default()
	if path := c.String(FlagConfig); path != "" {
		var err error
		if cfg, err = config.NewConfig(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ValidateAndSetDefaults(); err != nil {
		return nil, fmt.Errorf("config is invalid: %w", err)
	}
	return cfg, nil
}

func ServeCli(c *cli.Context) error {
	// register interrupt signal for graceful shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := LoadConfig(c)
	if err != nil {
		rawLog.Fatalf("Unable to load config: %v", err)
	}
	logger, err := cfg.Log.NewLogger()
	if err != nil {
		rawLog.Fatalf("Unable to create logger: %v", err)
	}

	shutdown, err := StartServer(rootCtx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to start tiered timer")
	}
	<-rootCtx.Done()
	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return shutdown(ctx)
}

type GracefulShutdown func(ctx context.Context) error

// StartServer wires storage, the tiered timer, retries, dispatch and the REST
// API, and starts them. The API stops when rootCtx is done.
func StartServer(rootCtx context.Context, cfg *config.Config, logger *logrus.Logger) (GracefulShutdown, error) {
	backend, err := store.Open(cfg.Storage, logger)
	if err != nil {
		return nil, err
	}
	for _, cc := range cfg.Clients {
		if err := backend.SaveClient(rootCtx, store.ClientFromConfig(cc)); err != nil {
			return nil, multierr.Append(err, backend.Close())
		}
	}

	m := metrics.New()

	var dispatcher *dispatch.Dispatcher
	timer := tiered.New(cfg.Timer, backend, func(task timewheel.Task) { dispatcher.Dispatch(task) },
		tiered.WithLogger(logger.WithField("component", "timer")),
		tiered.WithMetrics(m),
	)
	retryEngine := retry.New(backend, backend, backend, timer.Reschedule,
		retry.WithLogger(logger.WithField("component", "retry")),
		retry.WithMetrics(m),
	)
	dispatcher, err = dispatch.New(timer, retryEngine, dispatch.LogDeliverer{Logger: logger.WithField("component", "deliverer")},
		dispatch.WithConfig(cfg.Dispatch),
		dispatch.WithLogger(logger.WithField("component", "dispatch")),
		dispatch.WithMetrics(m),
	)
	if err != nil {
		return nil, multierr.Append(err, backend.Close())
	}
	timer.Start()

	apiDone := make(chan error, 1)
	if cfg.API.Address != "" {
		server := api.NewServer(cfg.API, api.Dependencies{
			Scheduler:   timer,
			DeadLetters: backend,
			Clients:     backend,
			Requeuer:    retryEngine,
			Metrics:     m,
		}, logger)
		go func() {
			err := server.Run(rootCtx)
			if err != nil {
				logger.WithError(err).Error("api server failed")
			}
			apiDone <- err
		}()
	} else {
		apiDone <- nil
	}

	return func(ctx context.Context) error {
		var errs error
		// the api goes first so no new tasks arrive
		select {
		case err := <-apiDone:
			errs = multierr.Append(errs, err)
		case <-ctx.Done():
			errs = multierr.Append(errs, ctx.Err())
		}
		timer.Stop()
		timeout := shutdownTimeout
		if deadline, ok := ctx.Deadline(); ok {
			timeout = time.Until(deadline)
		}
		errs = multierr.Append(errs, dispatcher.Close(timeout))
		errs = multierr.Append(errs, backend.Close())
		return errs
	}, nil
}

func ListDeadLettersCli(c *cli.Context) error {
	return withBackend(c, func(ctx context.Context, backend store.Backend) error {
		var (
			entries []store.DeadLetter
			err     error
		)
		if clientID := c.String(FlagClient); clientID != "" {
			entries, err = backend.FindDeadLettersByClient(ctx, clientID)
		} else {
			entries, err = backend.FindAllDeadLetters(ctx)
		}
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Fprintf(c.App.Writer, "%s\t%s\tattempt=%d\tfailedAt=%s\t%s\n",
				e.Task.ClientID, e.Task.ID, e.Task.AttemptCount,
				time.UnixMilli(e.FailedAtMs).UTC().Format(time.RFC3339), e.ErrorMessage)
		}
		return nil
	})
}

func PurgeDeadLettersCli(c *cli.Context) error {
	return withBackend(c, func(ctx context.Context, backend store.Backend) error {
		if err := backend.ClearDeadLetters(ctx); err != nil {
			return err
		}
		fmt.Fprintln(c.App.Writer, "dead-letter store cleared")
		return nil
	})
}

func withBackend(c *cli.Context, fn func(ctx context.Context, backend store.Backend) error) error {
	cfg, err := LoadConfig(c)
	if err != nil {
		return err
	}
	logger, err := cfg.Log.NewLogger()
	if err != nil {
		return err
	}
	backend, err := store.Open(cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer backend.Close()
	return fn(c.Context, backend)
}
