package queue

import (
	"errors"

	"github.com/ternarybob/geosafe/internal/models"
)

// ErrNoMessage is returned when the queue is empty
var ErrNoMessage = models.ErrNoMessage

var (
	// ErrTaskRevoked is returned when waiting on a revoked task
	ErrTaskRevoked = errors.New("task revoked")
	// ErrTimeout is returned when a task result is not ready in time
	ErrTimeout = errors.New("timed out waiting for task result")
	// ErrUnknownQueue is returned when a signature names a queue the broker does not serve
	ErrUnknownQueue = errors.New("unknown queue")
)

// ExceptionWorkerLost marks a task whose deliveries all ended without a
// completion, e.g. the worker process was killed mid-task.
const ExceptionWorkerLost = "geosafe.WorkerLostError"

// ResultInspector turns a successful handler result into a failure when the
// payload itself reports one. Returning nil accepts the result.
type ResultInspector func(result []byte) *models.TaskError
