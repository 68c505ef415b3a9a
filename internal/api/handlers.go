// Package api exposes the task service over HTTP: submit tasks, poll
// records, stream progress over WebSocket, and fetch stored artifacts.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/browsergrid/browsergrid/internal/artifacts"
	"github.com/browsergrid/browsergrid/internal/pool"
	"github.com/browsergrid/browsergrid/internal/runner"
	"github.com/browsergrid/browsergrid/pkg/models"
)

const maxRequestBody = 1 << 20 // 1 MiB

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler serves the task API.
type Handler struct {
	runner    *runner.Runner
	artifacts *artifacts.Store
	pool      *pool.Pool
	logger    *zap.Logger
}

// NewHandler wires the HTTP layer to the runner and its stores.
func NewHandler(run *runner.Runner, store *artifacts.Store, p *pool.Pool, logger *zap.Logger) *Handler {
	return &Handler{
		runner:    run,
		artifacts: store,
		pool:      p,
		logger:    logger,
	}
}

// RunTask executes a task synchronously and returns its terminal result.
// The response status reflects the outcome: 200 for success and action
// failures (which carry partial results), 4xx/5xx for infrastructure
// failures.
func (h *Handler) RunTask(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeTaskRequest(w, r)
	if !ok {
		return
	}

	task, err := h.runner.Submit(r.Context(), req)
	if err != nil {
		respondKindError(w, err)
		return
	}

	status := http.StatusOK
	if task.Result != nil && task.Result.Status != models.StatusSucceeded && task.Result.ErrorKind != "" {
		// The body carries partial results either way; the status code
		// reflects the failure class.
		status = httpStatusForKind(task.Result.ErrorKind)
	}
	respondJSON(w, status, taskResponse(task))
}

// SubmitTaskAsync enqueues a task and returns 202 with its id.
func (h *Handler) SubmitTaskAsync(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeTaskRequest(w, r)
	if !ok {
		return
	}

	task, err := h.runner.SubmitAsync(req)
	if err != nil {
		respondKindError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, taskResponse(task))
}

// GetTask returns one task record.
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	task, ok := h.runner.Registry().Get(id)
	if !ok {
		respondError(w, http.StatusNotFound, "task not found")
		return
	}
	respondJSON(w, http.StatusOK, taskResponse(task))
}

// ListTasks returns all known task records.
func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	tasks := h.runner.Registry().List()
	out := make([]map[string]interface{}, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, taskResponse(t))
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"tasks": out,
		"count": len(out),
	})
}

// CancelTask withdraws a queued or running task.
func (h *Handler) CancelTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.runner.Cancel(id); err != nil {
		respondKindError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// TaskEvents upgrades to WebSocket and streams progress events until the
// task reaches a terminal status or the client disconnects.
func (h *Handler) TaskEvents(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	events, unsubscribe, err := h.runner.Subscribe(id)
	if err != nil {
		respondKindError(w, err)
		return
	}
	defer unsubscribe()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("task_id", id), zap.Error(err))
		return
	}
	defer conn.Close()

	// Reads are only needed to notice the client going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				deadline := time.Now().Add(time.Second)
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "task finished"), deadline)
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// ListArtifacts returns the stored files for one task.
func (h *Handler) ListArtifacts(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, ok := h.runner.Registry().Get(id); !ok {
		respondError(w, http.StatusNotFound, "task not found")
		return
	}

	files, err := h.artifacts.List(id)
	if err != nil {
		h.logger.Error("failed to list artifacts", zap.String("task_id", id), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to list artifacts")
		return
	}
	if files == nil {
		files = []artifacts.Artifact{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"task_id":   id,
		"artifacts": files,
	})
}

// Healthz reports liveness together with a pool occupancy snapshot.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
		"pool":   h.pool.Stats(),
	})
}

func (h *Handler) decodeTaskRequest(w http.ResponseWriter, r *http.Request) (models.TaskRequest, bool) {
	var req models.TaskRequest
	body := http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return models.TaskRequest{}, false
	}
	return req, true
}

// taskResponse flattens a task record into the wire shape.
func taskResponse(t models.Task) map[string]interface{} {
	resp := map[string]interface{}{
		"id":           t.ID,
		"status":       t.Status,
		"submitted_at": t.SubmittedAt.UTC().Format(time.RFC3339Nano),
	}
	if t.StartedAt != nil {
		resp["started_at"] = t.StartedAt.UTC().Format(time.RFC3339Nano)
	}
	if t.FinishedAt != nil {
		resp["finished_at"] = t.FinishedAt.UTC().Format(time.RFC3339Nano)
	}
	if t.Result != nil {
		resp["result"] = t.Result.Results
		resp["elapsed_ms"] = t.Result.ElapsedMs
		if t.Result.Error != "" {
			resp["error"] = t.Result.Error
			resp["error_kind"] = t.Result.ErrorKind
		}
	}
	return resp
}

// httpStatusForKind maps an error classification to an HTTP status.
func httpStatusForKind(kind models.ErrorKind) int {
	switch kind {
	case models.KindInvalidRequest:
		return http.StatusBadRequest
	case models.KindResourceExhausted:
		return http.StatusServiceUnavailable
	case models.KindActionFailure:
		return http.StatusUnprocessableEntity
	case models.KindPoolTimeout, models.KindTaskTimeout:
		return http.StatusGatewayTimeout
	case models.KindCancelled:
		return 499 // client closed request
	case models.KindLaunchFailure:
		return http.StatusBadGateway
	case models.KindInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func respondKindError(w http.ResponseWriter, err error) {
	kind := models.KindOf(err)
	respondJSON(w, httpStatusForKind(kind), map[string]interface{}{
		"error":      err.Error(),
		"error_kind": kind,
	})
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]interface{}{"error": msg})
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
