package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/geosafe/internal/interfaces"
	"github.com/ternarybob/geosafe/internal/services/kv"
)

const settingsPrefix = "/api/settings/"

// KVServiceInterface defines the methods needed from the settings service
type KVServiceInterface interface {
	Set(ctx context.Context, key string, value string, description string) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]interfaces.KeyValuePair, error)
}

// KVHandler handles runtime settings HTTP requests
type KVHandler struct {
	kvService KVServiceInterface
	logger    arbor.ILogger
}

// NewKVHandler creates a new settings handler
func NewKVHandler(kvService KVServiceInterface, logger arbor.ILogger) *KVHandler {
	return &KVHandler{
		kvService: kvService,
		logger:    logger,
	}
}

// ListKVHandler handles GET /api/settings. Secrets come back masked.
func (h *KVHandler) ListKVHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	pairs, err := h.kvService.List(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list settings")
		WriteError(w, http.StatusInternalServerError, "Failed to list settings")
		return
	}
	WriteJSON(w, http.StatusOK, pairs)
}

// UpdateKVHandler handles PUT /api/settings/{key}
func (h *KVHandler) UpdateKVHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "PUT") {
		return
	}

	key, ok := settingKey(w, r)
	if !ok {
		return
	}

	var req struct {
		Value       string `json:"value"`
		Description string `json:"description"`
	}
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.kvService.Set(r.Context(), key, req.Value, req.Description); err != nil {
		if errors.Is(err, kv.ErrUnsupportedSetting) {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error().Err(err).Str("key", key).Msg("Failed to store setting")
		WriteError(w, http.StatusInternalServerError, "Failed to store setting")
		return
	}
	WriteSuccess(w, "Setting stored")
}

// DeleteKVHandler handles DELETE /api/settings/{key}
func (h *KVHandler) DeleteKVHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "DELETE") {
		return
	}

	key, ok := settingKey(w, r)
	if !ok {
		return
	}

	if err := h.kvService.Delete(r.Context(), key); err != nil {
		switch {
		case errors.Is(err, kv.ErrUnsupportedSetting):
			WriteError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, interfaces.ErrKeyNotFound):
			WriteError(w, http.StatusNotFound, "Setting not found")
		default:
			h.logger.Error().Err(err).Str("key", key).Msg("Failed to delete setting")
			WriteError(w, http.StatusInternalServerError, "Failed to delete setting")
		}
		return
	}
	WriteSuccess(w, "Setting deleted")
}

func settingKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	segments := PathSegments(r, settingsPrefix)
	if len(segments) != 1 || segments[0] == "" {
		WriteError(w, http.StatusBadRequest, "Missing key parameter")
		return "", false
	}
	return segments[0], true
}
