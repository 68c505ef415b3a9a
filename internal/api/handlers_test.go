package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/browsergrid/browsergrid/internal/artifacts"
	"github.com/browsergrid/browsergrid/internal/executor"
	"github.com/browsergrid/browsergrid/internal/pool"
	"github.com/browsergrid/browsergrid/internal/ratelimit"
	"github.com/browsergrid/browsergrid/internal/runner"
	"github.com/browsergrid/browsergrid/pkg/models"
)

const testToken = "test-secret"

type stubSession struct {
	id      string
	execute func(ctx context.Context, a models.Action) (models.ActionResult, error)
}

func (s *stubSession) ID() string { return s.id }

func (s *stubSession) Execute(ctx context.Context, a models.Action) (models.ActionResult, error) {
	if s.execute != nil {
		return s.execute(ctx, a)
	}
	return models.ActionResult{Type: a.Type, OK: true}, nil
}

func (s *stubSession) Close() error { return nil }

type testServer struct {
	*httptest.Server
	runner *runner.Runner
}

func newTestServer(t *testing.T, execute func(ctx context.Context, a models.Action) (models.ActionResult, error)) *testServer {
	t.Helper()

	var launches atomic.Int64
	launch := func(ctx context.Context) (pool.Session, error) {
		return &stubSession{id: fmt.Sprintf("s-%d", launches.Add(1)), execute: execute}, nil
	}

	logger := zap.NewNop()
	p := pool.New(pool.Config{Capacity: 2}, launch, logger)

	store, err := artifacts.NewStore(t.TempDir())
	require.NoError(t, err)

	run := runner.New(p, executor.New(store, logger), runner.NewRegistry(), runner.Config{}, logger)
	limiter := ratelimit.NewLimiter(360000, 1000) // effectively unlimited

	handler := NewHandler(run, store, p, logger)
	srv := httptest.NewServer(SetupRoutes(handler, limiter, testToken, logger))

	t.Cleanup(func() {
		srv.Close()
		run.Close()
		p.Close()
	})
	return &testServer{Server: srv, runner: run}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) *http.Response {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, ts.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()

	var payload map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	return payload
}

func taskBody() map[string]interface{} {
	return map[string]interface{}{
		"actions": []map[string]interface{}{
			{"type": "navigate", "url": "https://example.com"},
			{"type": "extract", "selector": "h1"},
		},
		"timeout_seconds": 30,
	}
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t, nil)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/v1/tasks", nil)
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req.Header.Set("Authorization", "Bearer wrong-token")
	resp, err = ts.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHealthzIsOpen(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, err := ts.Client().Get(ts.URL + "/healthz")
	require.NoError(t, err)
	payload := decode(t, resp)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", payload["status"])

	poolStats, ok := payload["pool"].(map[string]interface{})
	require.True(t, ok)
	assert.EqualValues(t, 2, poolStats["capacity"])
}

func TestRunTaskSync(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := ts.do(t, http.MethodPost, "/v1/tasks", taskBody())
	payload := decode(t, resp)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "succeeded", payload["status"])
	assert.NotEmpty(t, payload["id"])

	results, ok := payload["result"].([]interface{})
	require.True(t, ok)
	assert.Len(t, results, 2)
}

func TestRunTaskActionFailureReturnsPartialResults(t *testing.T) {
	var calls atomic.Int64
	ts := newTestServer(t, func(ctx context.Context, a models.Action) (models.ActionResult, error) {
		if calls.Add(1) == 2 {
			err := models.NewError(models.KindActionFailure, "element not found")
			return models.ActionResult{Type: a.Type, Error: err.Error()}, err
		}
		return models.ActionResult{Type: a.Type, OK: true}, nil
	})

	resp := ts.do(t, http.MethodPost, "/v1/tasks", taskBody())
	payload := decode(t, resp)

	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "failed", payload["status"])
	assert.Equal(t, "action_failure", payload["error_kind"])

	results, ok := payload["result"].([]interface{})
	require.True(t, ok)
	assert.Len(t, results, 2)
}

func TestRunTaskRejectsBadInput(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := ts.do(t, http.MethodPost, "/v1/tasks", map[string]interface{}{"actions": []interface{}{}})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/v1/tasks", strings.NewReader("{not json"))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp2, err := ts.Client().Do(req)
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}

func TestAsyncTaskLifecycle(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := ts.do(t, http.MethodPost, "/v1/tasks/async", taskBody())
	payload := decode(t, resp)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	id, ok := payload["id"].(string)
	require.True(t, ok)
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool {
		resp := ts.do(t, http.MethodGet, "/v1/tasks/"+id, nil)
		payload := decode(t, resp)
		return payload["status"] == "succeeded"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGetUnknownTask(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := ts.do(t, http.MethodGet, "/v1/tasks/does-not-exist", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelTask(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	ts := newTestServer(t, func(ctx context.Context, a models.Action) (models.ActionResult, error) {
		select {
		case <-block:
			return models.ActionResult{Type: a.Type, OK: true}, nil
		case <-ctx.Done():
			return models.ActionResult{Type: a.Type, Error: ctx.Err().Error()}, ctx.Err()
		}
	})

	resp := ts.do(t, http.MethodPost, "/v1/tasks/async", taskBody())
	payload := decode(t, resp)
	id := payload["id"].(string)

	require.Eventually(t, func() bool {
		resp := ts.do(t, http.MethodGet, "/v1/tasks/"+id, nil)
		return decode(t, resp)["status"] == "running"
	}, 2*time.Second, 10*time.Millisecond)

	resp = ts.do(t, http.MethodDelete, "/v1/tasks/"+id, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	require.Eventually(t, func() bool {
		resp := ts.do(t, http.MethodGet, "/v1/tasks/"+id, nil)
		return decode(t, resp)["status"] == "cancelled"
	}, 2*time.Second, 10*time.Millisecond)

	// Cancelling a finished task is rejected.
	resp = ts.do(t, http.MethodDelete, "/v1/tasks/"+id, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListArtifacts(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := ts.do(t, http.MethodGet, "/v1/tasks/no-such-task/artifacts", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	created := ts.do(t, http.MethodPost, "/v1/tasks", taskBody())
	id := decode(t, created)["id"].(string)

	resp = ts.do(t, http.MethodGet, "/v1/tasks/"+id+"/artifacts", nil)
	payload := decode(t, resp)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, id, payload["task_id"])
	assert.Empty(t, payload["artifacts"])
}

func TestTaskEventsStream(t *testing.T) {
	ts := newTestServer(t, nil)

	created := ts.do(t, http.MethodPost, "/v1/tasks", taskBody())
	id := decode(t, created)["id"].(string)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/tasks/" + id + "/events"
	header := http.Header{"Authorization": {"Bearer " + testToken}}

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	defer conn.Close()
	defer resp.Body.Close()

	// The task already finished, so the stream replays the terminal status
	// and closes.
	var ev struct {
		Type   string `json:"type"`
		Status string `json:"status"`
	}
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "status", ev.Type)
	assert.Equal(t, "succeeded", ev.Status)

	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(t, nil)

	// Replace the default server with one carrying a tight limiter.
	limiter := ratelimit.NewLimiter(3600, 1)
	handler := NewHandler(ts.runner, nil, pool.New(pool.Config{Capacity: 1}, nil, zap.NewNop()), zap.NewNop())
	tight := httptest.NewServer(SetupRoutes(handler, limiter, testToken, zap.NewNop()))
	defer tight.Close()

	get := func() *http.Response {
		req, err := http.NewRequest(http.MethodGet, tight.URL+"/v1/tasks", nil)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+testToken)
		req.Header.Set("X-Client-ID", "tenant-1")
		resp, err := tight.Client().Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp
	}

	assert.Equal(t, http.StatusOK, get().StatusCode)
	second := get()
	assert.Equal(t, http.StatusTooManyRequests, second.StatusCode)
	assert.Equal(t, "60", second.Header.Get("Retry-After"))
}
