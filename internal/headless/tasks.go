// Package headless declares the operations executed by the remote InaSAFE
// headless worker fleet and dispatches them through the broker.
package headless

import (
	"context"
	"errors"
	"fmt"

	"github.com/ternarybob/geosafe/internal/models"
	"github.com/ternarybob/geosafe/internal/queue"
)

// Remote task names, routed to the inasafe-headless queue
const (
	TaskGetKeywords              = "inasafe.headless.tasks.get_keywords"
	TaskRunAnalysis              = "inasafe.headless.tasks.run_analysis"
	TaskRunMultiExposureAnalysis = "inasafe.headless.tasks.run_multi_exposure_analysis"
	TaskGenerateReport           = "inasafe.headless.tasks.generate_report"
	TaskGetGeneratedReport       = "inasafe.headless.tasks.get_generated_report"
	TaskGenerateContour          = "inasafe.headless.tasks.generate_contour"
	TaskCheckBrokerConnection    = "inasafe.headless.tasks.check_broker_connection"
)

const (
	exceptionPrefix             = "inasafe.headless."
	defaultRemoteExceptionClass = exceptionPrefix + "AnalysisError"
)

// ErrRemoteOnly is returned when a remote task is invoked in-process
var ErrRemoteOnly = errors.New("task is executed by the remote workers only")

// RemoteOnlyError names the task that was invoked directly
type RemoteOnlyError struct {
	Task string
}

func (e *RemoteOnlyError) Error() string {
	return fmt.Sprintf("%s: %s", e.Task, ErrRemoteOnly)
}

func (e *RemoteOnlyError) Unwrap() error {
	return ErrRemoteOnly
}

// Stub is the local declaration of a remote task. It can build signatures for
// dispatch but never runs the task itself.
type Stub struct {
	Task  string
	Queue string
}

// Stubs lists every remote task
var Stubs = []Stub{
	{Task: TaskGetKeywords, Queue: queue.QueueHeadless},
	{Task: TaskRunAnalysis, Queue: queue.QueueHeadless},
	{Task: TaskRunMultiExposureAnalysis, Queue: queue.QueueHeadless},
	{Task: TaskGenerateReport, Queue: queue.QueueHeadless},
	{Task: TaskGetGeneratedReport, Queue: queue.QueueHeadless},
	{Task: TaskGenerateContour, Queue: queue.QueueHeadless},
	{Task: TaskCheckBrokerConnection, Queue: queue.QueueHeadless},
}

// Lookup returns the stub for a task name
func Lookup(task string) (Stub, bool) {
	for _, s := range Stubs {
		if s.Task == task {
			return s, true
		}
	}
	return Stub{}, false
}

// Signature builds a dispatchable signature for the stub
func (s Stub) Signature(args ...interface{}) (models.Signature, error) {
	return models.NewSignature(s.Task, s.Queue, args...)
}

// Handler is registered on local worker pools that accidentally consume the
// remote queue; it fails every message with a RemoteOnlyError.
func (s Stub) Handler() queue.TaskHandler {
	return func(ctx context.Context, msg *models.TaskMessage) (interface{}, error) {
		return nil, &models.TaskError{
			ExceptionType: "geosafe.RemoteTaskException",
			Message:       (&RemoteOnlyError{Task: s.Task}).Error(),
		}
	}
}

// Call always fails: remote tasks are only valid as dispatch targets
func (s Stub) Call(ctx context.Context, args ...interface{}) (interface{}, error) {
	return nil, &RemoteOnlyError{Task: s.Task}
}

func stub(task string) Stub {
	s, _ := Lookup(task)
	return s
}
