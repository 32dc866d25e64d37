package reconcile

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/geosafe/internal/interfaces"
	"github.com/ternarybob/geosafe/internal/models"
	"github.com/ternarybob/geosafe/internal/troubleshoot"
)

// Status is the reconciled view of one analysis
type Status struct {
	AnalysisID string                   `json:"analysis_id"`
	State      models.TaskState         `json:"state"`
	Record     *models.ExecutionRecord  `json:"record,omitempty"`
	Suggestion *troubleshoot.Suggestion `json:"suggestion,omitempty"`
}

// Tracker persists reconciled statuses
type Tracker struct {
	metas    MetaSource
	analyses interfaces.AnalysisStorage
	records  interfaces.ExecutionRecordStorage
	logger   arbor.ILogger
}

// NewTracker creates a tracker
func NewTracker(metas MetaSource, analyses interfaces.AnalysisStorage, records interfaces.ExecutionRecordStorage, logger arbor.ILogger) *Tracker {
	return &Tracker{
		metas:    metas,
		analyses: analyses,
		records:  records,
		logger:   logger,
	}
}

// Sync computes the current status of an analysis, caches it unless it is
// PENDING or would move a terminal status back, and reconciles the
// execution record.
func (t *Tracker) Sync(ctx context.Context, analysisID string) (*Status, error) {
	analysis, err := t.analyses.GetAnalysis(ctx, analysisID)
	if err != nil {
		return nil, err
	}

	state := CurrentStatus(t.metas, analysis)
	status := &Status{AnalysisID: analysisID, State: state}
	if !analysis.Dispatched() {
		return status, nil
	}

	if cacheable(analysis.TaskState, state) {
		analysis, err = t.analyses.UpdateAnalysis(ctx, analysisID, func(a *models.Analysis) error {
			if cacheable(a.TaskState, state) {
				a.TaskState = state
				if state.Terminal() && a.EndTime == nil {
					now := time.Now()
					a.EndTime = &now
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	record, err := t.syncRecord(ctx, analysis)
	if err != nil {
		t.logger.Warn().Err(err).Str("analysis_id", analysisID).Msg("Failed to reconcile execution record")
	} else {
		status.Record = record
		status.Suggestion = troubleshoot.Lookup(record.ExceptionClass)
	}
	return status, nil
}

// SyncUnfinished reconciles every analysis with an in-flight pipeline
func (t *Tracker) SyncUnfinished(ctx context.Context) (int, error) {
	unfinished, err := t.analyses.ListUnfinished(ctx)
	if err != nil {
		return 0, err
	}
	synced := 0
	for _, analysis := range unfinished {
		if ctx.Err() != nil {
			return synced, ctx.Err()
		}
		if _, err := t.Sync(ctx, analysis.ID); err != nil {
			t.logger.Warn().Err(err).Str("analysis_id", analysis.ID).Msg("Status sync failed")
			continue
		}
		synced++
	}
	return synced, nil
}

func (t *Tracker) syncRecord(ctx context.Context, analysis *models.Analysis) (*models.ExecutionRecord, error) {
	record, _, err := t.records.GetOrCreate(ctx, &models.ExecutionRecord{
		AnalysisID: analysis.ID,
		Start:      analysis.StartTime,
		End:        analysis.EndTime,
		Finished:   analysis.TaskState.Terminal(),
	})
	if err != nil {
		return nil, err
	}

	changed, err := UpdateRecord(t.metas, record, analysis)
	if err != nil {
		return nil, err
	}
	if changed {
		if err := t.records.SaveRecord(ctx, record); err != nil {
			return nil, err
		}
	}
	return record, nil
}

// cacheable reports whether a reconciled state may replace the cached one
func cacheable(cached, state models.TaskState) bool {
	if state == models.TaskPending || state == cached {
		return false
	}
	return !cached.Terminal() || state.Terminal()
}

func exceptionFromResult(result json.RawMessage) string {
	var failure models.TaskError
	if err := json.Unmarshal(result, &failure); err != nil {
		return ""
	}
	return failure.ExceptionType
}
