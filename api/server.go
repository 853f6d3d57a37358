package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	timewheel "github.com/KFCxMcDonalds/tieredtimer"
	"github.com/KFCxMcDonalds/tieredtimer/config"
	"github.com/KFCxMcDonalds/tieredtimer/metrics"
	"github.com/KFCxMcDonalds/tieredtimer/store"
	"github.com/KFCxMcDonalds/tieredtimer/tiered"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const (
	PathTasks      = "/v1/tasks"
	PathTask       = "/v1/tasks/:taskId"
	PathStats      = "/v1/stats"
	PathDeadLetter = "/v1/dlq/:clientId/:taskId"
	PathDLQ        = "/v1/dlq"
	PathRequeue    = "/v1/dlq/:clientId/:taskId/requeue"
	PathClient     = "/v1/clients/:clientId"
	PathHealth     = "/health"
	PathMetrics    = "/metrics"
)

const shutdownTimeout = 5 * time.Second

type (
	Scheduler interface {
		Add(ctx context.Context, task timewheel.Task) error
		Cancel(ctx context.Context, taskID string) (bool, error)
		Get(ctx context.Context, taskID string) (timewheel.Task, bool, error)
		Stats() tiered.Stats
	}

	Requeuer interface {
		Requeue(ctx context.Context, clientID, taskID string) (timewheel.Task, error)
	}

	// Dependencies are the collaborators the REST facade is a thin layer over.
	Dependencies struct {
		Scheduler   Scheduler
		DeadLetters store.DeadLetterStore
		Clients     store.ClientStore
		Requeuer    Requeuer
		// Metrics is optional; without it /metrics is not served.
		Metrics *metrics.Metrics
	}
)

type Server struct {
	cfg        config.APIConfig
	logger     logrus.FieldLogger
	engine     *gin.Engine
	httpServer *http.Server
}

func NewServer(cfg config.APIConfig, deps Dependencies, logger logrus.FieldLogger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger = logger.WithField("component", "api")

	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(logger))

	h := newGinHandler(deps, logger)
	engine.POST(PathTasks, h.ScheduleTask)
	engine.GET(PathTask, h.GetTask)
	engine.DELETE(PathTask, h.CancelTask)
	engine.GET(PathStats, h.Stats)

	engine.GET(PathDLQ, h.ListDeadLetters)
	engine.DELETE(PathDLQ, h.ClearDeadLetters)
	engine.GET(PathDeadLetter, h.GetDeadLetter)
	engine.DELETE(PathDeadLetter, h.DeleteDeadLetter)
	engine.POST(PathRequeue, h.RequeueDeadLetter)

	engine.PUT(PathClient, h.PutClient)
	engine.GET(PathClient, h.GetClient)

	engine.GET(PathHealth, func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	if deps.Metrics != nil {
		engine.GET(PathMetrics, gin.WrapH(deps.Metrics.Handler()))
	}

	return &Server{
		cfg:    cfg,
		logger: logger,
		engine: engine,
		httpServer: &http.Server{
			Addr:         cfg.Address,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			Handler:      engine,
		},
	}
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is canceled and then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer.BaseContext = func(net.Listener) context.Context { return ctx }

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("address", s.cfg.Address).Info("api server listening")
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := s.httpServer.Shutdown(shutdownCtx)
	s.logger.WithError(err).Info("api server closed")
	return err
}

func requestLogger(logger logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.FullPath(),
			"status":  c.Writer.Status(),
			"latency": time.Since(start),
		}).Debug("request served")
	}
}
