package handlers

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/geosafe/internal/models"
	"github.com/ternarybob/geosafe/internal/pipeline"
	"github.com/ternarybob/geosafe/internal/reconcile"
	"github.com/ternarybob/geosafe/internal/services/analysis"
)

const analysisPrefix = "/api/analysis/"

// AnalysisService defines the methods needed from the analysis service
type AnalysisService interface {
	Create(ctx context.Context, req analysis.CreateRequest) (*models.Analysis, error)
	Get(ctx context.Context, id string) (*models.Analysis, error)
	List(ctx context.Context) ([]*models.Analysis, error)
	Rerun(ctx context.Context, id string) (*models.Analysis, error)
	Cancel(ctx context.Context, id string) error
	ToggleKeep(ctx context.Context, id string) (bool, error)
	Status(ctx context.Context, id string) (*reconcile.Status, error)
}

// ReportOpener reads stored report files
type ReportOpener interface {
	Open(ctx context.Context, location string) (io.ReadCloser, error)
}

// AnalysisHandler handles analysis request HTTP endpoints
type AnalysisHandler struct {
	service AnalysisService
	reports ReportOpener
	logger  arbor.ILogger
}

// NewAnalysisHandler creates a new analysis handler
func NewAnalysisHandler(service AnalysisService, reports ReportOpener, logger arbor.ILogger) *AnalysisHandler {
	return &AnalysisHandler{
		service: service,
		reports: reports,
		logger:  logger,
	}
}

func analysisID(r *http.Request) string {
	segments := PathSegments(r, analysisPrefix)
	if len(segments) == 0 {
		return ""
	}
	return segments[0]
}

// ListHandler handles GET /api/analysis
func (h *AnalysisHandler) ListHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	analyses, err := h.service.List(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list analyses")
		WriteError(w, http.StatusInternalServerError, "Failed to list analyses")
		return
	}
	WriteJSON(w, http.StatusOK, analyses)
}

// CreateHandler handles POST /api/analysis
func (h *AnalysisHandler) CreateHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	var req analysis.CreateRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	created, err := h.service.Create(r.Context(), req)
	if err != nil {
		if errors.Is(err, analysis.ErrInvalidRequest) {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		if created != nil {
			// stored but not dispatched
			h.logger.Warn().Err(err).Str("analysis_id", created.ID).Msg("Analysis dispatch failed")
			WriteJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
				"status":      "error",
				"error":       err.Error(),
				"analysis_id": created.ID,
			})
			return
		}
		h.logger.Error().Err(err).Msg("Failed to create analysis")
		WriteError(w, http.StatusInternalServerError, "Failed to create analysis")
		return
	}
	WriteJSON(w, http.StatusCreated, created)
}

// GetHandler handles GET /api/analysis/{id}
func (h *AnalysisHandler) GetHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	found, err := h.service.Get(r.Context(), analysisID(r))
	if !WriteNotFoundOr(w, err, "Failed to get analysis") {
		return
	}
	WriteJSON(w, http.StatusOK, found)
}

// StatusHandler handles GET /api/analysis/{id}/status
func (h *AnalysisHandler) StatusHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	id := analysisID(r)
	status, err := h.service.Status(r.Context(), id)
	if err != nil {
		h.logger.Warn().Err(err).Str("analysis_id", id).Msg("Failed to sync analysis status")
	}
	if !WriteNotFoundOr(w, err, "Failed to read analysis status") {
		return
	}
	WriteJSON(w, http.StatusOK, status)
}

// RerunHandler handles POST /api/analysis/{id}/rerun
func (h *AnalysisHandler) RerunHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	rerun, err := h.service.Rerun(r.Context(), analysisID(r))
	if errors.Is(err, pipeline.ErrInFlight) {
		WriteError(w, http.StatusConflict, err.Error())
		return
	}
	if !WriteNotFoundOr(w, err, "Failed to rerun analysis") {
		return
	}
	WriteJSON(w, http.StatusAccepted, rerun)
}

// CancelHandler handles POST /api/analysis/{id}/cancel
func (h *AnalysisHandler) CancelHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	id := analysisID(r)
	if !WriteNotFoundOr(w, h.service.Cancel(r.Context(), id), "Failed to cancel analysis") {
		return
	}
	WriteSuccess(w, fmt.Sprintf("Analysis %s cancelled", id))
}

// ToggleKeepHandler handles POST /api/analysis/{id}/keep
func (h *AnalysisHandler) ToggleKeepHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	keep, err := h.service.ToggleKeep(r.Context(), analysisID(r))
	if !WriteNotFoundOr(w, err, "Failed to update analysis") {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{
		"success":  true,
		"is_saved": keep,
	})
}

// ReportHandler handles GET /api/analysis/{id}/report/{kind}, where kind is
// map, table or all (a zip of both)
func (h *AnalysisHandler) ReportHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	segments := PathSegments(r, analysisPrefix)
	if len(segments) != 3 {
		WriteError(w, http.StatusNotFound, "Unknown report")
		return
	}
	found, err := h.service.Get(r.Context(), segments[0])
	if !WriteNotFoundOr(w, err, "Failed to get analysis") {
		return
	}

	switch kind := segments[2]; kind {
	case "map", "table":
		location := found.ReportMap
		if kind == "table" {
			location = found.ReportTable
		}
		if location == "" {
			WriteError(w, http.StatusNotFound, fmt.Sprintf("Analysis %s has no %s report", found.ID, kind))
			return
		}
		h.streamReport(w, r, location)
	case "all":
		h.zipReports(w, r, found)
	default:
		WriteError(w, http.StatusNotFound, fmt.Sprintf("Unknown report %q", kind))
	}
}

func (h *AnalysisHandler) streamReport(w http.ResponseWriter, r *http.Request, location string) {
	rc, err := h.reports.Open(r.Context(), location)
	if err != nil {
		h.logger.Error().Err(err).Str("location", location).Msg("Failed to open report")
		WriteError(w, http.StatusNotFound, "Report file is not available")
		return
	}
	defer rc.Close()

	name := path.Base(location)
	contentType := mime.TypeByExtension(path.Ext(name))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Warn().Err(err).Str("location", location).Msg("Report download interrupted")
	}
}

func (h *AnalysisHandler) zipReports(w http.ResponseWriter, r *http.Request, found *models.Analysis) {
	var locations []string
	for _, location := range []string{found.ReportMap, found.ReportTable} {
		if location != "" {
			locations = append(locations, location)
		}
	}
	if len(locations) == 0 {
		WriteError(w, http.StatusNotFound, fmt.Sprintf("Analysis %s has no reports", found.ID))
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", found.ID+"_reports.zip"))
	zw := zip.NewWriter(w)
	for _, location := range locations {
		if err := h.addReport(r.Context(), zw, location); err != nil {
			h.logger.Error().Err(err).Str("location", location).Msg("Failed to add report to archive")
			return
		}
	}
	if err := zw.Close(); err != nil {
		h.logger.Warn().Err(err).Str("analysis_id", found.ID).Msg("Report archive interrupted")
	}
}

func (h *AnalysisHandler) addReport(ctx context.Context, zw *zip.Writer, location string) error {
	rc, err := h.reports.Open(ctx, location)
	if err != nil {
		return err
	}
	defer rc.Close()

	entry, err := zw.Create(path.Base(location))
	if err != nil {
		return err
	}
	_, err = io.Copy(entry, rc)
	return err
}
