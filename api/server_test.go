package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	timewheel "github.com/KFCxMcDonalds/tieredtimer"
	"github.com/KFCxMcDonalds/tieredtimer/config"
	"github.com/KFCxMcDonalds/tieredtimer/metrics"
	"github.com/KFCxMcDonalds/tieredtimer/retry"
	"github.com/KFCxMcDonalds/tieredtimer/store"
	"github.com/KFCxMcDonalds/tieredtimer/tiered"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	server *Server
	store  *store.MemoryStore
	timer  *tiered.Timer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := logrus.New()
	s := store.NewMemoryStore(logger)
	m := metrics.New()
	timer := tiered.New(config.TimerConfig{
		TickMs:                 10,
		WheelSize:              64,
		ImminentWindowMs:       60_000,
		AdvanceClockIntervalMs: 50,
	}, s, func(timewheel.Task) {}, tiered.WithLogger(logger), tiered.WithMetrics(m))
	engine := retry.New(s, s, s, timer.Reschedule, retry.WithLogger(logger))

	require.NoError(t, s.SaveClient(context.Background(), store.Client{
		ID:          "c1",
		RetryPolicy: store.RetryPolicy{MaxAttempts: 3, Strategy: store.StrategyFixed, IntervalMs: 1000},
	}))

	server := NewServer(config.APIConfig{Address: "127.0.0.1:0"}, Dependencies{
		Scheduler:   timer,
		DeadLetters: s,
		Clients:     s,
		Requeuer:    engine,
		Metrics:     m,
	}, logger)
	return &testEnv{server: server, store: s, timer: timer}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

func TestScheduleTask(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, PathTasks, map[string]any{
		"taskId":   "t1",
		"clientId": "c1",
		"delayMs":  5000,
		"payload":  "hello",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[TaskResponse](t, w)
	assert.Equal(t, "t1", created.TaskID)
	assert.InDelta(t, time.Now().Add(5*time.Second).UnixMilli(), created.ExpirationMs, 1000)

	w = env.do(t, http.MethodGet, "/v1/tasks/t1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[TaskResponse](t, w)
	assert.Equal(t, "hello", got.Payload)
	assert.Equal(t, "c1", got.ClientID)

	stored, ok, err := env.store.FindByID(context.Background(), "t1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), stored.Payload)
}

func TestScheduleTask_GeneratesID(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, PathTasks, map[string]any{
		"clientId":     "c1",
		"expirationMs": time.Now().Add(time.Hour).UnixMilli(),
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Len(t, decode[TaskResponse](t, w).TaskID, 36)
}

func TestScheduleTask_Invalid(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body map[string]any
		want int
	}{
		{"missing client", map[string]any{"delayMs": 10}, http.StatusBadRequest},
		{"no deadline", map[string]any{"clientId": "c1"}, http.StatusBadRequest},
		{"both deadlines", map[string]any{"clientId": "c1", "delayMs": 1, "expirationMs": 1}, http.StatusBadRequest},
		{"negative delay", map[string]any{"clientId": "c1", "delayMs": -1}, http.StatusBadRequest},
		{"unknown client", map[string]any{"clientId": "nobody", "delayMs": 10}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, PathTasks, tt.body)
			assert.Equal(t, tt.want, w.Code)
			assert.NotEmpty(t, decode[ErrorResponse](t, w).Detail)
		})
	}
}

func TestScheduleTask_Stopped(t *testing.T) {
	env := newTestEnv(t)
	env.timer.Start()
	env.timer.Stop()

	w := env.do(t, http.MethodPost, PathTasks, map[string]any{"clientId": "c1", "delayMs": 10})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestCancelTask(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, PathTasks, map[string]any{"taskId": "t1", "clientId": "c1", "delayMs": 5000})
	require.Equal(t, http.StatusCreated, w.Code)

	assert.Equal(t, http.StatusNoContent, env.do(t, http.MethodDelete, "/v1/tasks/t1", nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodDelete, "/v1/tasks/t1", nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/v1/tasks/t1", nil).Code)
}

func TestStats(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, PathTasks, map[string]any{"clientId": "c1", "delayMs": 5000})

	w := env.do(t, http.MethodGet, PathStats, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[tiered.Stats](t, w).InMemory)
}

func TestDeadLetters(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for _, entry := range []store.DeadLetter{
		{Task: timewheel.Task{ID: "a", ClientID: "c1"}, ErrorMessage: "boom", FailedAtMs: 1},
		{Task: timewheel.Task{ID: "b", ClientID: "c2"}, ErrorMessage: "boom", FailedAtMs: 2},
	} {
		require.NoError(t, env.store.SaveDeadLetter(ctx, entry))
	}

	all := decode[[]DeadLetterResponse](t, env.do(t, http.MethodGet, PathDLQ, nil))
	assert.Len(t, all, 2)

	byClient := decode[[]DeadLetterResponse](t, env.do(t, http.MethodGet, PathDLQ+"?clientId=c2", nil))
	require.Len(t, byClient, 1)
	assert.Equal(t, "b", byClient[0].Task.TaskID)

	w := env.do(t, http.MethodGet, "/v1/dlq/c1/a", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "boom", decode[DeadLetterResponse](t, w).ErrorMessage)

	assert.Equal(t, http.StatusNoContent, env.do(t, http.MethodDelete, "/v1/dlq/c1/a", nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodDelete, "/v1/dlq/c1/a", nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/v1/dlq/c1/a", nil).Code)

	assert.Equal(t, http.StatusNoContent, env.do(t, http.MethodDelete, PathDLQ, nil).Code)
	assert.Empty(t, decode[[]DeadLetterResponse](t, env.do(t, http.MethodGet, PathDLQ, nil)))
}

func TestRequeueDeadLetter(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.store.SaveDeadLetter(ctx, store.DeadLetter{
		Task:         timewheel.Task{ID: "a", ClientID: "c1", AttemptCount: 3, Payload: []byte("p")},
		ErrorMessage: "boom",
	}))

	w := env.do(t, http.MethodPost, "/v1/dlq/c1/a/requeue", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 0, decode[TaskResponse](t, w).AttemptCount)

	_, ok, err := env.store.FindByID(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodPost, "/v1/dlq/c1/a/requeue", nil).Code)
}

func TestClients(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPut, "/v1/clients/c9", map[string]any{
		"maxAttempts":   5,
		"strategy":      "EXPONENTIAL",
		"intervalMs":    100,
		"maxIntervalMs": 10_000,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.do(t, http.MethodGet, "/v1/clients/c9", nil)
	require.Equal(t, http.StatusOK, w.Code)
	client := decode[store.Client](t, w)
	assert.Equal(t, store.StrategyExponential, client.RetryPolicy.Strategy)
	assert.Equal(t, 5, client.RetryPolicy.MaxAttempts)

	w = env.do(t, http.MethodPut, "/v1/clients/c9", map[string]any{"strategy": "LINEAR", "intervalMs": 100})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/v1/clients/nobody", nil).Code)
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, PathHealth, nil).Code)

	env.do(t, http.MethodPost, PathTasks, map[string]any{"clientId": "c1", "delayMs": 5000})
	w := env.do(t, http.MethodGet, PathMetrics, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "tieredtimer_tasks_scheduled_total 1"))
}

func TestRun_ShutsDownOnCancel(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.server.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not shut down")
	}
}
