package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/geosafe/internal/models"
	"github.com/ternarybob/geosafe/internal/queue"
)

const brokerPrefix = "/api/broker/"

// TaskBroker defines the broker operations remote workers reach over HTTP
type TaskBroker interface {
	Receive(ctx context.Context, queueName string) (*models.TaskMessage, error)
	Message(ctx context.Context, id string) (*models.TaskMessage, error)
	MarkStarted(ctx context.Context, msg *models.TaskMessage) error
	Complete(ctx context.Context, msg *models.TaskMessage, result json.RawMessage, failure *models.TaskError) error
}

// TaskMetaSource reads task state from the result backend
type TaskMetaSource interface {
	Meta(id string) (*models.TaskMeta, error)
}

// CompleteRequest reports the outcome of a task run by a remote worker
type CompleteRequest struct {
	Result  json.RawMessage   `json:"result,omitempty"`
	Failure *models.TaskError `json:"failure,omitempty"`
}

// BrokerHandler lets workers outside this process (the headless analysis
// workers) claim and complete tasks
type BrokerHandler struct {
	broker TaskBroker
	metas  TaskMetaSource
	logger arbor.ILogger
}

// NewBrokerHandler creates a new broker handler
func NewBrokerHandler(broker TaskBroker, metas TaskMetaSource, logger arbor.ILogger) *BrokerHandler {
	return &BrokerHandler{
		broker: broker,
		metas:  metas,
		logger: logger,
	}
}

// ReceiveHandler handles POST /api/broker/queues/{queue}/receive.
// Responds 204 when the queue is empty.
func (h *BrokerHandler) ReceiveHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	segments := PathSegments(r, brokerPrefix)
	if len(segments) != 3 || segments[0] != "queues" || segments[2] != "receive" {
		WriteError(w, http.StatusNotFound, "Unknown broker endpoint")
		return
	}
	queueName := segments[1]

	msg, err := h.broker.Receive(r.Context(), queueName)
	switch {
	case errors.Is(err, queue.ErrNoMessage):
		w.WriteHeader(http.StatusNoContent)
		return
	case errors.Is(err, queue.ErrUnknownQueue):
		WriteError(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		h.logger.Error().Err(err).Str("queue", queueName).Msg("Failed to receive task")
		WriteError(w, http.StatusInternalServerError, "Failed to receive task")
		return
	}

	if err := h.broker.MarkStarted(r.Context(), msg); err != nil {
		h.logger.Warn().Err(err).Str("task_id", msg.ID).Msg("Failed to record task start")
	}

	h.logger.Debug().
		Str("queue", queueName).
		Str("task_id", msg.ID).
		Str("task", msg.Task).
		Msg("Task handed to remote worker")
	WriteJSON(w, http.StatusOK, msg)
}

// CompleteHandler handles POST /api/broker/tasks/{id}/complete
func (h *BrokerHandler) CompleteHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	segments := PathSegments(r, brokerPrefix)
	if len(segments) != 3 || segments[0] != "tasks" || segments[2] != "complete" {
		WriteError(w, http.StatusNotFound, "Unknown broker endpoint")
		return
	}
	id := segments[1]

	var req CompleteRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	msg, err := h.broker.Message(r.Context(), id)
	if errors.Is(err, queue.ErrNoMessage) {
		// already completed, or its visibility lapsed and it was redelivered and finished
		WriteError(w, http.StatusGone, "Task is no longer queued")
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("task_id", id).Msg("Failed to look up task")
		WriteError(w, http.StatusInternalServerError, "Failed to look up task")
		return
	}

	if err := h.broker.Complete(r.Context(), msg, req.Result, req.Failure); err != nil {
		h.logger.Error().Err(err).Str("task_id", id).Msg("Failed to complete task")
		WriteError(w, http.StatusInternalServerError, "Failed to complete task")
		return
	}
	WriteSuccess(w, "Task completed")
}

// MetaHandler handles GET /api/broker/tasks/{id}
func (h *BrokerHandler) MetaHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	segments := PathSegments(r, brokerPrefix)
	if len(segments) != 2 || segments[0] != "tasks" {
		WriteError(w, http.StatusNotFound, "Unknown broker endpoint")
		return
	}

	meta, err := h.metas.Meta(segments[1])
	if err != nil {
		h.logger.Error().Err(err).Str("task_id", segments[1]).Msg("Failed to read task meta")
		WriteError(w, http.StatusInternalServerError, "Failed to read task state")
		return
	}
	WriteJSON(w, http.StatusOK, meta)
}
