package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/mir00r/dbbalancer/internal/middleware"
	"github.com/mir00r/dbbalancer/internal/service"
	"github.com/mir00r/dbbalancer/pkg/logger"
)

// Balancer is the part of the load balancer the admin API reads
type Balancer interface {
	Healthy() bool
	Replicas() []service.ReplicaInfo
	Replica(name string) (service.ReplicaInfo, error)
	Stats() map[string]interface{}
}

// StatsSource contributes a named section to GET /api/v1/stats
type StatsSource interface {
	Stats() map[string]interface{}
}

// AdminHandler provides administrative API endpoints
type AdminHandler struct {
	balancer  Balancer
	sources   map[string]StatsSource
	logger    *logger.Logger
	startTime time.Time
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(balancer Balancer, log *logger.Logger) *AdminHandler {
	return &AdminHandler{
		balancer:  balancer,
		sources:   make(map[string]StatsSource),
		logger:    log.AdminLogger(),
		startTime: time.Now(),
	}
}

// AddStatsSource adds src to the stats response under name
func (h *AdminHandler) AddStatsSource(name string, src StatsSource) {
	h.sources[name] = src
}

// HealthResponse represents health check response
type HealthResponse struct {
	Status          string    `json:"status"`
	TotalReplicas   int       `json:"total_replicas"`
	RunningReplicas int       `json:"running_replicas"`
	Uptime          string    `json:"uptime"`
	Timestamp       time.Time `json:"timestamp"`
}

// ErrorResponse represents error responses
type ErrorResponse struct {
	Error     string    `json:"error"`
	Code      int       `json:"code"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}

// HealthHandler handles GET /api/v1/health. It answers 503 while no
// replica is RUNNING.
func (h *AdminHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	replicas := h.balancer.Replicas()
	running := 0
	for _, rep := range replicas {
		if rep.Status == "RUNNING" {
			running++
		}
	}

	response := HealthResponse{
		Status:          "healthy",
		TotalReplicas:   len(replicas),
		RunningReplicas: running,
		Uptime:          time.Since(h.startTime).Truncate(time.Second).String(),
		Timestamp:       time.Now().UTC(),
	}
	code := http.StatusOK
	if !h.balancer.Healthy() {
		response.Status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, response)
}

// ListReplicasHandler handles GET /api/v1/replicas
func (h *AdminHandler) ListReplicasHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.balancer.Replicas())
}

// GetReplicaHandler handles GET /api/v1/replicas/{name}
func (h *AdminHandler) GetReplicaHandler(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	info, err := h.balancer.Replica(name)
	if err != nil {
		h.writeErrorResponse(w, r, "replica not found: "+name, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// GetStatsHandler handles GET /api/v1/stats
func (h *AdminHandler) GetStatsHandler(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"load_balancer": h.balancer.Stats(),
		"uptime":        time.Since(h.startTime).String(),
	}
	for name, src := range h.sources {
		response[name] = src.Stats()
	}
	writeJSON(w, http.StatusOK, response)
}

func (h *AdminHandler) writeErrorResponse(w http.ResponseWriter, r *http.Request, message string, code int) {
	requestID := w.Header().Get(middleware.RequestIDHeader)
	h.logger.WithField("request_id", requestID).
		WithField("path", r.URL.Path).
		WithField("status", code).
		Debug(message)

	writeJSON(w, code, ErrorResponse{
		Error:     message,
		Code:      code,
		Timestamp: time.Now().UTC(),
		RequestID: requestID,
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// NewRouter mounts the admin API. When auth is non-nil every route except
// /api/v1/health requires a bearer token.
func NewRouter(h *AdminHandler, auth *middleware.JWTAuthMiddleware, log *logger.Logger) *mux.Router {
	router := mux.NewRouter()
	router.Use(middleware.RecoveryMiddleware(log))
	router.Use(middleware.LoggingMiddleware(log))
	router.Use(middleware.SecurityHeadersMiddleware())
	if auth != nil {
		router.Use(auth.JWTAuth())
	}

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/health", h.HealthHandler).Methods(http.MethodGet)
	api.HandleFunc("/replicas", h.ListReplicasHandler).Methods(http.MethodGet)
	api.HandleFunc("/replicas/{name}", h.GetReplicaHandler).Methods(http.MethodGet)
	api.HandleFunc("/stats", h.GetStatsHandler).Methods(http.MethodGet)
	return router
}
