package models

import (
	"encoding/json"
	"time"
)

// TaskState is a broker task state. An unknown or evicted task reads as PENDING.
type TaskState string

const (
	TaskPending  TaskState = "PENDING"
	TaskReceived TaskState = "RECEIVED"
	TaskStarted  TaskState = "STARTED"
	TaskRetry    TaskState = "RETRY"
	TaskSuccess  TaskState = "SUCCESS"
	TaskFailure  TaskState = "FAILURE"
	TaskRevoked  TaskState = "REVOKED"
)

// TerminalStates lists the states Terminal accepts
func TerminalStates() []TaskState {
	return []TaskState{TaskSuccess, TaskFailure, TaskRevoked}
}

// ActiveStates lists the states a dispatched task moves through before it
// settles. The empty state covers records written before the first sync.
func ActiveStates() []TaskState {
	return []TaskState{"", TaskPending, TaskReceived, TaskStarted, TaskRetry}
}

// Terminal reports whether no further transition is expected
func (s TaskState) Terminal() bool {
	switch s {
	case TaskSuccess, TaskFailure, TaskRevoked:
		return true
	}
	return false
}

// Failed reports whether the state is a failure outcome
func (s TaskState) Failed() bool {
	return s == TaskFailure || s == TaskRevoked
}

// TaskMeta is the result backend record for one task.
type TaskMeta struct {
	ID            string          `json:"id"`
	Task          string          `json:"task,omitempty"`
	State         TaskState       `json:"state"`
	Result        json.RawMessage `json:"result,omitempty"`
	ExceptionType string          `json:"exception_type,omitempty"`
	Traceback     string          `json:"traceback,omitempty"`
	ParentID      string          `json:"parent_id,omitempty"`
	Children      []string        `json:"children,omitempty"`
	DateDone      *time.Time      `json:"date_done,omitempty"`
}

// Missing reports whether the backend holds no information for the task,
// either because it never ran or because its record was evicted.
func (m *TaskMeta) Missing() bool {
	return m.State == TaskPending && len(m.Result) == 0
}

// TaskError describes why a task failed. ExceptionType carries a dotted,
// fully-qualified class name such as "inasafe.headless.WorkerLostError".
type TaskError struct {
	ExceptionType string `json:"exception_type"`
	Message       string `json:"message"`
	Traceback     string `json:"traceback,omitempty"`
	// Forward keeps the chain moving: the failure is recorded against the task
	// but its result is still handed to the next stage.
	Forward bool `json:"forward,omitempty"`
}

func (f *TaskError) Error() string {
	if f.Message == "" {
		return f.ExceptionType
	}
	return f.ExceptionType + ": " + f.Message
}
