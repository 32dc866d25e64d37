package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/geosafe/internal/models"
	"github.com/ternarybob/geosafe/internal/services/layers"
)

const layersPrefix = "/api/layers/"

// LayerService defines the methods needed from the layers service
type LayerService interface {
	Register(ctx context.Context, req layers.RegisterRequest) (*models.Layer, error)
	Get(ctx context.Context, id string) (*models.Layer, error)
	List(ctx context.Context, purpose string) ([]*models.Layer, error)
	WriteArchive(ctx context.Context, id string, w io.Writer) error
}

// LayerHandler handles layer HTTP endpoints
type LayerHandler struct {
	service LayerService
	logger  arbor.ILogger
}

// NewLayerHandler creates a new layer handler
func NewLayerHandler(service LayerService, logger arbor.ILogger) *LayerHandler {
	return &LayerHandler{
		service: service,
		logger:  logger,
	}
}

// ListHandler handles GET /api/layers?purpose=hazard
func (h *LayerHandler) ListHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	found, err := h.service.List(r.Context(), r.URL.Query().Get("purpose"))
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list layers")
		WriteError(w, http.StatusInternalServerError, "Failed to list layers")
		return
	}
	WriteJSON(w, http.StatusOK, found)
}

// RegisterHandler handles POST /api/layers
func (h *LayerHandler) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	var req layers.RegisterRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	layer, err := h.service.Register(r.Context(), req)
	if err != nil {
		if errors.Is(err, layers.ErrInvalidRequest) {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error().Err(err).Str("dataset_path", req.DatasetPath).Msg("Failed to register layer")
		WriteError(w, http.StatusInternalServerError, "Failed to register layer")
		return
	}
	WriteJSON(w, http.StatusCreated, layer)
}

// GetHandler handles GET /api/layers/{id}
func (h *LayerHandler) GetHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	segments := PathSegments(r, layersPrefix)
	if len(segments) == 0 {
		WriteError(w, http.StatusNotFound, "Layer id is required")
		return
	}
	layer, err := h.service.Get(r.Context(), segments[0])
	if !WriteNotFoundOr(w, err, "Failed to get layer") {
		return
	}
	WriteJSON(w, http.StatusOK, layer)
}

// ArchiveHandler handles GET /api/layers/{id}/archive, a zip of the dataset
// and its sidecar files
func (h *LayerHandler) ArchiveHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	segments := PathSegments(r, layersPrefix)
	if len(segments) == 0 {
		WriteError(w, http.StatusNotFound, "Layer id is required")
		return
	}
	id := segments[0]

	layer, err := h.service.Get(r.Context(), id)
	if !WriteNotFoundOr(w, err, "Failed to get layer") {
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	name := layer.Basename()
	if layer.BasePath == "" {
		name = layer.ID
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name+".zip"))
	if err := h.service.WriteArchive(r.Context(), id, w); err != nil {
		// headers are gone, the client sees a truncated archive
		h.logger.Error().Err(err).Str("layer_id", id).Msg("Failed to write layer archive")
	}
}
