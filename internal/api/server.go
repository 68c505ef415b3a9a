package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/browsergrid/browsergrid/internal/ratelimit"
)

// SetupRoutes builds the HTTP router. Task endpoints sit behind auth and
// the per-client rate limiter; the health probe is open so orchestrators
// can poll it freely.
func SetupRoutes(h *Handler, limiter *ratelimit.Limiter, authToken string, logger *zap.Logger) http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", h.Healthz).Methods("GET")

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(mux.MiddlewareFunc(AuthMiddleware(authToken)))
	v1.Use(mux.MiddlewareFunc(RateLimitMiddleware(limiter)))

	v1.HandleFunc("/tasks", h.RunTask).Methods("POST")
	v1.HandleFunc("/tasks/async", h.SubmitTaskAsync).Methods("POST")
	v1.HandleFunc("/tasks", h.ListTasks).Methods("GET")
	v1.HandleFunc("/tasks/{id}", h.GetTask).Methods("GET")
	v1.HandleFunc("/tasks/{id}", h.CancelTask).Methods("DELETE")
	v1.HandleFunc("/tasks/{id}/events", h.TaskEvents).Methods("GET")
	v1.HandleFunc("/tasks/{id}/artifacts", h.ListArtifacts).Methods("GET")

	return corsMiddleware(LoggingMiddleware(logger)(r))
}
