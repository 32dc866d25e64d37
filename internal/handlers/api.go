package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/geosafe/internal/common"
)

// workerProbeTimeout bounds the remote worker round trip of a health check
const workerProbeTimeout = 10 * time.Second

// WorkerProbe checks that a remote analysis worker answers
type WorkerProbe interface {
	CheckBrokerConnection(ctx context.Context, timeout time.Duration) bool
}

// APIHandler serves the system endpoints
type APIHandler struct {
	probe  WorkerProbe
	logger arbor.ILogger
}

// NewAPIHandler creates the system handler. probe may be nil.
func NewAPIHandler(probe WorkerProbe, logger arbor.ILogger) *APIHandler {
	return &APIHandler{
		probe:  probe,
		logger: logger,
	}
}

// VersionHandler returns version information
func (h *APIHandler) VersionHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}
	WriteJSON(w, http.StatusOK, common.GetVersionInfo())
}

// HealthHandler reports liveness. With ?workers=true it also round-trips a
// task through the remote workers and answers 503 when none responds.
func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	checkWorkers, _ := strconv.ParseBool(r.URL.Query().Get("workers"))
	if !checkWorkers || h.probe == nil {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	if !h.probe.CheckBrokerConnection(r.Context(), workerProbeTimeout) {
		h.logger.Warn().Msg("Health check: no remote worker answered")
		WriteJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":  "degraded",
			"workers": false,
		})
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"workers": true,
	})
}

// NotFoundHandler handles 404 errors with JSON response
func (h *APIHandler) NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusNotFound, map[string]interface{}{
		"error":   "Not Found",
		"path":    r.URL.Path,
		"message": "The requested endpoint does not exist",
	})
}
