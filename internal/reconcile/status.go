// Package reconcile derives an analysis' pipeline status from the result
// backend and keeps the cached status and execution record current.
package reconcile

import (
	"time"

	"github.com/ternarybob/geosafe/internal/models"
)

// MetaSource reads task records from the result backend. Unknown or
// evicted tasks read as PENDING.
type MetaSource interface {
	Meta(id string) (*models.TaskMeta, error)
}

func stages(analysis *models.Analysis) []string {
	if len(analysis.StageIDs) > 0 {
		return analysis.StageIDs
	}
	if analysis.TaskID != "" {
		return []string{analysis.TaskID}
	}
	return nil
}

// CurrentStatus returns the pipeline status of an analysis.
//
// An analysis that was never dispatched is FAILURE. A root stage that failed,
// was revoked or is still running decides the status. Otherwise later stages are inspected in chain
// order: a PENDING stage tells nothing new and the cached status is returned,
// a failed stage decides the status, and a successful one is adopted before
// moving on. A PENDING root falls back to the cached status too, which keeps
// a terminal status stable once the backend has evicted the chain.
func CurrentStatus(src MetaSource, analysis *models.Analysis) models.TaskState {
	ids := stages(analysis)
	if len(ids) == 0 {
		return models.TaskFailure
	}
	cached := analysis.TaskState
	if cached == "" {
		cached = models.TaskPending
	}

	root, err := src.Meta(ids[0])
	if err != nil {
		return cached
	}
	if root.State == models.TaskPending {
		return cached
	}
	if root.State.Failed() || !root.State.Terminal() {
		return root.State
	}

	status := root.State
	for _, id := range ids[1:] {
		meta, err := src.Meta(id)
		if err != nil {
			// backend unreachable is not a stage failure
			return cached
		}
		if meta.State == models.TaskPending {
			return cached
		}
		if meta.State.Failed() || !meta.State.Terminal() {
			return meta.State
		}
		status = meta.State
	}
	return status
}

// UpdateRecord walks the stages in chain order and records the first stage
// that did not succeed, or the last stage when the whole chain succeeded.
// Stages without a result yet are skipped. It reports whether the record
// changed. A finished record is never reopened.
func UpdateRecord(src MetaSource, record *models.ExecutionRecord, analysis *models.Analysis) (bool, error) {
	ids := stages(analysis)
	if len(ids) == 0 {
		return false, nil
	}

	root, err := src.Meta(ids[0])
	if err != nil {
		return false, err
	}
	if root.Missing() {
		return false, nil
	}

	before := *record
	var found *models.TaskMeta
	for _, id := range ids {
		meta, err := src.Meta(id)
		if err != nil {
			return false, err
		}
		if meta.Missing() || !meta.State.Terminal() {
			continue
		}
		found = meta
		if meta.State != models.TaskSuccess {
			break
		}
	}
	if found == nil {
		return false, nil
	}

	record.Result = string(found.Result)
	if found.State == models.TaskFailure {
		record.ExceptionClass = found.ExceptionType
		if record.ExceptionClass == "" {
			record.ExceptionClass = exceptionFromResult(found.Result)
		}
		record.Traceback = found.Traceback
	}

	last := ids[len(ids)-1]
	if found.State != models.TaskSuccess || found.ID == last {
		record.Finished = true
	}

	record.Start = analysis.StartTime
	if record.Finished {
		end := time.Now()
		if analysis.EndTime != nil {
			end = *analysis.EndTime
		} else if found.DateDone != nil {
			end = *found.DateDone
		}
		record.End = &end
	}

	return !sameRecord(before, *record), nil
}

func sameRecord(a, b models.ExecutionRecord) bool {
	return a.Finished == b.Finished &&
		a.Result == b.Result &&
		a.ExceptionClass == b.ExceptionClass &&
		a.Traceback == b.Traceback &&
		sameTime(a.Start, b.Start) &&
		sameTime(a.End, b.End)
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
