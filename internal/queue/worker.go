package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/geosafe/internal/models"
)

// TaskHandler executes one task. The returned value is JSON encoded as the
// task result; returning a *models.TaskError controls how the failure is
// classified.
type TaskHandler func(ctx context.Context, msg *models.TaskMessage) (interface{}, error)

// WorkerPool consumes a set of queues and runs registered task handlers
type WorkerPool struct {
	broker   *Broker
	queues   []string
	handlers map[string]TaskHandler
	logger   arbor.ILogger
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewWorkerPool creates a worker pool over the broker's configured queues
func NewWorkerPool(broker *Broker, logger arbor.ILogger) *WorkerPool {
	ctx, cancel := context.WithCancel(context.Background())

	return &WorkerPool{
		broker:   broker,
		queues:   broker.config.Queues,
		handlers: make(map[string]TaskHandler),
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// RegisterHandler registers a handler for a task name
func (wp *WorkerPool) RegisterHandler(task string, handler TaskHandler) {
	wp.handlers[task] = handler
	wp.logger.Debug().
		Str("task", task).
		Msg("Task handler registered")
}

// Start starts the worker goroutines
func (wp *WorkerPool) Start() error {
	concurrency := wp.broker.config.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	wp.logger.Info().
		Int("concurrency", concurrency).
		Strs("queues", wp.queues).
		Msg("Starting worker pool")

	for i := 0; i < concurrency; i++ {
		wp.wg.Add(1)
		go wp.worker(i, concurrency)
	}
	return nil
}

// Stop cancels the workers and waits for in-flight handlers to return
func (wp *WorkerPool) Stop() error {
	wp.logger.Info().Msg("Stopping worker pool")
	wp.cancel()
	wp.wg.Wait()
	return nil
}

func (wp *WorkerPool) worker(workerID, concurrency int) {
	defer wp.wg.Done()

	pollInterval := wp.broker.config.PollInterval
	if pollInterval <= 0 {
		pollInterval = time.Second
	}

	// spread workers across the poll interval
	staggerDelay := (pollInterval / time.Duration(concurrency)) * time.Duration(workerID)
	if staggerDelay > 0 {
		select {
		case <-time.After(staggerDelay):
		case <-wp.ctx.Done():
			return
		}
	}

	wp.logger.Debug().
		Int("worker_id", workerID).
		Dur("stagger_delay", staggerDelay).
		Msg("Worker started")

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-wp.ctx.Done():
			wp.logger.Debug().
				Int("worker_id", workerID).
				Msg("Worker stopped")
			return

		case <-ticker.C:
			// drain whatever is ready before waiting for the next tick
			for wp.ctx.Err() == nil {
				processed, err := wp.ProcessNext(wp.ctx)
				if err != nil {
					wp.logger.Warn().
						Err(err).
						Int("worker_id", workerID).
						Msg("Error processing message")
				}
				if !processed {
					break
				}
			}
		}
	}
}

// ProcessNext receives and runs one message from the first non-empty queue.
// It reports false when every queue was empty.
func (wp *WorkerPool) ProcessNext(ctx context.Context) (bool, error) {
	for _, queueName := range wp.queues {
		msg, err := wp.broker.Receive(ctx, queueName)
		if errors.Is(err, ErrNoMessage) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("failed to receive from %s: %w", queueName, err)
		}
		return true, wp.execute(ctx, msg)
	}
	return false, nil
}

func (wp *WorkerPool) execute(ctx context.Context, msg *models.TaskMessage) error {
	logger := wp.logger.WithCorrelationId(msg.RootID)

	handler, exists := wp.handlers[msg.Task]
	if !exists {
		logger.Error().
			Str("task", msg.Task).
			Str("task_id", msg.ID).
			Msg("No handler registered for task")
		return wp.broker.Complete(ctx, msg, nil, &models.TaskError{
			ExceptionType: "geosafe.NotRegistered",
			Message:       msg.Task,
		})
	}

	var (
		taskCtx context.Context
		cancel  context.CancelFunc
	)
	if limit := msg.Deadline(); limit > 0 {
		taskCtx, cancel = context.WithTimeout(ctx, limit)
	} else {
		taskCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()
	release := wp.broker.track(msg.ID, cancel)
	defer release()

	if err := wp.broker.MarkStarted(ctx, msg); err != nil {
		logger.Warn().Err(err).Str("task_id", msg.ID).Msg("Failed to record task start")
	}

	logger.Debug().
		Str("task_id", msg.ID).
		Str("task", msg.Task).
		Msg("Processing task")

	startTime := time.Now()
	value, handlerErr := runHandler(taskCtx, handler, msg)
	duration := time.Since(startTime)

	var result json.RawMessage
	if handlerErr == nil && value != nil {
		encoded, err := json.Marshal(value)
		if err != nil {
			handlerErr = fmt.Errorf("failed to encode result: %w", err)
		} else {
			result = encoded
		}
	}

	var failure *models.TaskError
	if handlerErr != nil {
		failure = classify(taskCtx, handlerErr)
		logger.Error().
			Err(handlerErr).
			Str("task_id", msg.ID).
			Str("task", msg.Task).
			Str("exception_type", failure.ExceptionType).
			Dur("duration", duration).
			Msg("Task handler failed")
	} else {
		logger.Info().
			Str("task_id", msg.ID).
			Str("task", msg.Task).
			Dur("duration", duration).
			Msg("Task completed successfully")
	}

	// completion must be recorded even when the task context was cancelled
	return wp.broker.Complete(context.WithoutCancel(ctx), msg, result, failure)
}

func runHandler(ctx context.Context, handler TaskHandler, msg *models.TaskMessage) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &models.TaskError{
				ExceptionType: "geosafe.Panic",
				Message:       fmt.Sprint(r),
				Traceback:     string(debug.Stack()),
			}
		}
	}()
	return handler(ctx, msg)
}

func classify(ctx context.Context, err error) *models.TaskError {
	var failure *models.TaskError
	if errors.As(err, &failure) {
		return failure
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &models.TaskError{ExceptionType: "geosafe.TimeLimitExceeded", Message: err.Error()}
	}
	return &models.TaskError{ExceptionType: "geosafe.TaskError", Message: err.Error(), Traceback: fmt.Sprintf("%+v", err)}
}
