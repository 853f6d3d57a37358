package api

import (
	"net/http"
	"time"

	timewheel "github.com/KFCxMcDonalds/tieredtimer"
	"github.com/KFCxMcDonalds/tieredtimer/store"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type (
	// ScheduleTaskRequest registers a task. Exactly one of DelayMs and
	// ExpirationMs must be set.
	ScheduleTaskRequest struct {
		TaskID           string `json:"taskId"`
		ClientID         string `json:"clientId" binding:"required"`
		DelayMs          *int64 `json:"delayMs"`
		ExpirationMs     *int64 `json:"expirationMs"`
		Payload          string `json:"payload"`
		RepeatIntervalMs int64  `json:"repeatIntervalMs"`
	}

	TaskResponse struct {
		TaskID           string `json:"taskId"`
		ClientID         string `json:"clientId"`
		ExpirationMs     int64  `json:"expirationMs"`
		Payload          string `json:"payload,omitempty"`
		RepeatIntervalMs int64  `json:"repeatIntervalMs,omitempty"`
		AttemptCount     int    `json:"attemptCount"`
	}

	DeadLetterResponse struct {
		Task         TaskResponse `json:"task"`
		ErrorMessage string       `json:"errorMessage"`
		FailedAtMs   int64        `json:"failedAtMs"`
	}
)

func toTaskResponse(task timewheel.Task) TaskResponse {
	return TaskResponse{
		TaskID:           task.ID,
		ClientID:         task.ClientID,
		ExpirationMs:     task.ExpirationMs,
		Payload:          string(task.Payload),
		RepeatIntervalMs: task.RepeatIntervalMs,
		AttemptCount:     task.AttemptCount,
	}
}

func toDeadLetterResponse(entry store.DeadLetter) DeadLetterResponse {
	return DeadLetterResponse{
		Task:         toTaskResponse(entry.Task),
		ErrorMessage: entry.ErrorMessage,
		FailedAtMs:   entry.FailedAtMs,
	}
}

type ginHandler struct {
	deps   Dependencies
	logger logrus.FieldLogger
	now    func() time.Time
}

func newGinHandler(deps Dependencies, logger logrus.FieldLogger) *ginHandler {
	return &ginHandler{deps: deps, logger: logger, now: time.Now}
}

func (h *ginHandler) ScheduleTask(c *gin.Context) {
	var req ScheduleTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidRequest(c, "invalid request schema: "+err.Error())
		return
	}
	if (req.DelayMs == nil) == (req.ExpirationMs == nil) {
		invalidRequest(c, "exactly one of delayMs and expirationMs is required")
		return
	}
	if req.DelayMs != nil && *req.DelayMs < 0 {
		invalidRequest(c, "delayMs must be >= 0")
		return
	}
	if req.RepeatIntervalMs < 0 {
		invalidRequest(c, "repeatIntervalMs must be >= 0")
		return
	}

	ctx := c.Request.Context()
	if _, ok, err := h.deps.Clients.FindClient(ctx, req.ClientID); err != nil {
		internalError(c, err)
		return
	} else if !ok {
		invalidRequest(c, "unknown client "+req.ClientID)
		return
	}

	task := timewheel.Task{
		ID:               req.TaskID,
		ClientID:         req.ClientID,
		RepeatIntervalMs: req.RepeatIntervalMs,
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if req.Payload != "" {
		task.Payload = []byte(req.Payload)
	}
	if req.DelayMs != nil {
		task.ExpirationMs = h.now().UnixMilli() + *req.DelayMs
	} else {
		task.ExpirationMs = *req.ExpirationMs
	}

	if err := h.deps.Scheduler.Add(ctx, task); err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toTaskResponse(task))
}

func (h *ginHandler) GetTask(c *gin.Context) {
	task, ok, err := h.deps.Scheduler.Get(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		internalError(c, err)
		return
	}
	if !ok {
		notFound(c, "task")
		return
	}
	c.JSON(http.StatusOK, toTaskResponse(task))
}

func (h *ginHandler) CancelTask(c *gin.Context) {
	found, err := h.deps.Scheduler.Cancel(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		internalError(c, err)
		return
	}
	if !found {
		notFound(c, "task")
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *ginHandler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.deps.Scheduler.Stats())
}

func (h *ginHandler) ListDeadLetters(c *gin.Context) {
	ctx := c.Request.Context()
	var (
		entries []store.DeadLetter
		err     error
	)
	if clientID := c.Query("clientId"); clientID != "" {
		entries, err = h.deps.DeadLetters.FindDeadLettersByClient(ctx, clientID)
	} else {
		entries, err = h.deps.DeadLetters.FindAllDeadLetters(ctx)
	}
	if err != nil {
		internalError(c, err)
		return
	}

	resp := make([]DeadLetterResponse, 0, len(entries))
	for _, entry := range entries {
		resp = append(resp, toDeadLetterResponse(entry))
	}
	c.JSON(http.StatusOK, resp)
}

func (h *ginHandler) GetDeadLetter(c *gin.Context) {
	entry, ok, err := h.deps.DeadLetters.FindDeadLetter(c.Request.Context(), c.Param("clientId"), c.Param("taskId"))
	if err != nil {
		internalError(c, err)
		return
	}
	if !ok {
		notFound(c, "dead letter")
		return
	}
	c.JSON(http.StatusOK, toDeadLetterResponse(entry))
}

func (h *ginHandler) DeleteDeadLetter(c *gin.Context) {
	ctx := c.Request.Context()
	clientID, taskID := c.Param("clientId"), c.Param("taskId")
	if _, ok, err := h.deps.DeadLetters.FindDeadLetter(ctx, clientID, taskID); err != nil {
		internalError(c, err)
		return
	} else if !ok {
		notFound(c, "dead letter")
		return
	}
	if err := h.deps.DeadLetters.DeleteDeadLetter(ctx, clientID, taskID); err != nil {
		internalError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *ginHandler) ClearDeadLetters(c *gin.Context) {
	if err := h.deps.DeadLetters.ClearDeadLetters(c.Request.Context()); err != nil {
		internalError(c, err)
		return
	}
	h.logger.Warn("dead-letter store cleared")
	c.Status(http.StatusNoContent)
}

func (h *ginHandler) RequeueDeadLetter(c *gin.Context) {
	task, err := h.deps.Requeuer.Requeue(c.Request.Context(), c.Param("clientId"), c.Param("taskId"))
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, toTaskResponse(task))
}

func (h *ginHandler) PutClient(c *gin.Context) {
	var policy store.RetryPolicy
	if err := c.ShouldBindJSON(&policy); err != nil {
		invalidRequest(c, "invalid request schema: "+err.Error())
		return
	}
	if policy.Strategy == "" {
		policy.Strategy = store.StrategyFixed
	}
	if err := policy.Validate(); err != nil {
		invalidRequest(c, err.Error())
		return
	}

	client := store.Client{ID: c.Param("clientId"), RetryPolicy: policy}
	if err := h.deps.Clients.SaveClient(c.Request.Context(), client); err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, client)
}

func (h *ginHandler) GetClient(c *gin.Context) {
	client, ok, err := h.deps.Clients.FindClient(c.Request.Context(), c.Param("clientId"))
	if err != nil {
		internalError(c, err)
		return
	}
	if !ok {
		notFound(c, "client")
		return
	}
	c.JSON(http.StatusOK, client)
}
