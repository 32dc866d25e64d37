package models

import "time"

// ExecutionRecord tracks the outcome of one dispatched pipeline. It outlives the
// broker's result retention window so failures remain inspectable.
type ExecutionRecord struct {
	AnalysisID     string     `json:"analysis_id" badgerhold:"key"`
	Start          *time.Time `json:"start,omitempty"`
	End            *time.Time `json:"end,omitempty"`
	Finished       bool       `json:"finished"`
	Result         string     `json:"result,omitempty"`
	ExceptionClass string     `json:"exception_class,omitempty"`
	Traceback      string     `json:"traceback,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Failed reports whether a failure classification has been recorded
func (r *ExecutionRecord) Failed() bool {
	return r.ExceptionClass != ""
}
