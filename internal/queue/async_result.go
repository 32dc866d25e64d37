package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ternarybob/geosafe/internal/models"
)

// AsyncResult is a handle on one dispatched task
type AsyncResult struct {
	id     string
	broker *Broker
}

func (r *AsyncResult) ID() string {
	return r.id
}

// Meta returns the backend record; evicted tasks read as PENDING
func (r *AsyncResult) Meta(ctx context.Context) (*models.TaskMeta, error) {
	return r.broker.backend.Meta(r.id)
}

// State returns the task state
func (r *AsyncResult) State(ctx context.Context) (models.TaskState, error) {
	meta, err := r.Meta(ctx)
	if err != nil {
		return models.TaskPending, err
	}
	return meta.State, nil
}

// Ready reports whether the task reached a terminal state
func (r *AsyncResult) Ready(ctx context.Context) (bool, error) {
	state, err := r.State(ctx)
	if err != nil {
		return false, err
	}
	return state.Terminal(), nil
}

// Children returns the ids of stages dispatched from this task's result
func (r *AsyncResult) Children(ctx context.Context) ([]string, error) {
	meta, err := r.Meta(ctx)
	if err != nil {
		return nil, err
	}
	return meta.Children, nil
}

// Get waits up to timeout for the task to finish. On SUCCESS the result is
// decoded into v when v is non-nil. A FAILURE returns its *models.TaskError,
// a revoked task ErrTaskRevoked, and a task still running ErrTimeout.
func (r *AsyncResult) Get(ctx context.Context, timeout time.Duration, v interface{}) error {
	interval := r.broker.config.PollInterval
	if interval <= 0 || interval > timeout {
		interval = 100 * time.Millisecond
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		meta, err := r.Meta(ctx)
		if err != nil {
			return err
		}

		switch meta.State {
		case models.TaskSuccess:
			if v == nil || len(meta.Result) == 0 {
				return nil
			}
			if err := json.Unmarshal(meta.Result, v); err != nil {
				return fmt.Errorf("failed to decode result of %s: %w", r.id, err)
			}
			return nil
		case models.TaskFailure:
			failure := &models.TaskError{}
			_ = json.Unmarshal(meta.Result, failure)
			failure.ExceptionType = meta.ExceptionType
			failure.Traceback = meta.Traceback
			if failure.Message == "" {
				failure.Message = string(meta.Result)
			}
			return failure
		case models.TaskRevoked:
			return fmt.Errorf("%s: %w", r.id, ErrTaskRevoked)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("%s after %s: %w", r.id, timeout, ErrTimeout)
		case <-ticker.C:
		}
	}
}
