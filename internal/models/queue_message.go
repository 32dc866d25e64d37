package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNoMessage is returned when the queue is empty
var ErrNoMessage = errors.New("no messages in queue")

// Signature describes one task invocation: the task name, the queue it is routed to
// and its bound arguments. Inside a chain the previous stage's result is prepended
// to Args when the stage is dispatched.
type Signature struct {
	ID        string                     `json:"id,omitempty"`
	Task      string                     `json:"task"`
	Queue     string                     `json:"queue"`
	Args      []json.RawMessage          `json:"args,omitempty"`
	Kwargs    map[string]json.RawMessage `json:"kwargs,omitempty"`
	TimeLimit int64                      `json:"time_limit,omitempty"` // seconds, 0 = none
	AlwaysRun bool                       `json:"always_run,omitempty"` // dispatched even if an earlier stage failed
}

// NewSignature builds a signature, JSON encoding each positional argument
func NewSignature(task, queue string, args ...interface{}) (Signature, error) {
	sig := Signature{Task: task, Queue: queue}
	for i, arg := range args {
		raw, err := json.Marshal(arg)
		if err != nil {
			return Signature{}, fmt.Errorf("failed to encode argument %d of %s: %w", i, task, err)
		}
		sig.Args = append(sig.Args, raw)
	}
	return sig, nil
}

// WithKwarg returns a copy of the signature with a keyword argument set
func (s Signature) WithKwarg(name string, value interface{}) (Signature, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return s, fmt.Errorf("failed to encode keyword %s of %s: %w", name, s.Task, err)
	}
	kwargs := make(map[string]json.RawMessage, len(s.Kwargs)+1)
	for k, v := range s.Kwargs {
		kwargs[k] = v
	}
	kwargs[name] = raw
	s.Kwargs = kwargs
	return s, nil
}

// WithTimeLimit returns a copy of the signature carrying a hard time limit
func (s Signature) WithTimeLimit(limit time.Duration) Signature {
	s.TimeLimit = int64(limit / time.Second)
	return s
}

// TaskMessage is the envelope stored on a queue and handed to a worker.
type TaskMessage struct {
	ID        string                     `json:"id"`
	Task      string                     `json:"task"`
	Queue     string                     `json:"queue"`
	Args      []json.RawMessage          `json:"args,omitempty"`
	Kwargs    map[string]json.RawMessage `json:"kwargs,omitempty"`
	TimeLimit int64                      `json:"time_limit,omitempty"`
	RootID    string                     `json:"root_id"`
	ParentID  string                     `json:"parent_id,omitempty"`
	Chain     []Signature                `json:"chain,omitempty"` // remaining stages, in order
	SentAt    time.Time                  `json:"sent_at"`
}

// Deadline returns the time limit as a duration, zero when unlimited
func (m *TaskMessage) Deadline() time.Duration {
	return time.Duration(m.TimeLimit) * time.Second
}

// Arg decodes the positional argument at index i into v.
// A missing argument leaves v untouched and returns false.
func (m *TaskMessage) Arg(i int, v interface{}) (bool, error) {
	if i >= len(m.Args) {
		return false, nil
	}
	if err := json.Unmarshal(m.Args[i], v); err != nil {
		return true, fmt.Errorf("failed to decode argument %d of %s: %w", i, m.Task, err)
	}
	return true, nil
}

// Kwarg decodes a keyword argument into v, returning false when it is absent
func (m *TaskMessage) Kwarg(name string, v interface{}) (bool, error) {
	raw, ok := m.Kwargs[name]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("failed to decode keyword %s of %s: %w", name, m.Task, err)
	}
	return true, nil
}
