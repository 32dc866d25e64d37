package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/geosafe/internal/common"
	"github.com/ternarybob/geosafe/internal/interfaces"
	"github.com/ternarybob/geosafe/internal/models"
	"github.com/ternarybob/geosafe/internal/storage/badger"
)

// fakeMetas is an in-memory result backend; Evict simulates result expiry
type fakeMetas struct {
	mu    sync.Mutex
	metas map[string]*models.TaskMeta
}

func newFakeMetas() *fakeMetas {
	return &fakeMetas{metas: make(map[string]*models.TaskMeta)}
}

func (f *fakeMetas) Set(id string, state models.TaskState, result string, exceptionType string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	meta := &models.TaskMeta{ID: id, State: state, ExceptionType: exceptionType, DateDone: &now}
	if result != "" {
		meta.Result = json.RawMessage(result)
	}
	f.metas[id] = meta
}

func (f *fakeMetas) Evict() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metas = make(map[string]*models.TaskMeta)
}

func (f *fakeMetas) Meta(id string) (*models.TaskMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if meta, ok := f.metas[id]; ok {
		copied := *meta
		return &copied, nil
	}
	return &models.TaskMeta{ID: id, State: models.TaskPending}, nil
}

var chainIDs = []string{"run", "process", "cleanup"}

func dispatched(cached models.TaskState) *models.Analysis {
	return &models.Analysis{ID: "ana_1", TaskID: "run", StageIDs: chainIDs, TaskState: cached}
}

func TestCurrentStatus(t *testing.T) {
	tests := []struct {
		name     string
		analysis *models.Analysis
		stages   map[string]models.TaskState
		want     models.TaskState
	}{
		{
			name:     "never dispatched",
			analysis: &models.Analysis{ID: "ana_1", TaskState: models.TaskSuccess},
			want:     models.TaskFailure,
		},
		{
			name:     "queued",
			analysis: dispatched(models.TaskPending),
			want:     models.TaskPending,
		},
		{
			name:     "remote analysis running",
			analysis: dispatched(models.TaskPending),
			stages:   map[string]models.TaskState{"run": models.TaskStarted},
			want:     models.TaskStarted,
		},
		{
			name:     "result processing not started falls back to cache",
			analysis: dispatched(models.TaskPending),
			stages:   map[string]models.TaskState{"run": models.TaskSuccess},
			want:     models.TaskPending,
		},
		{
			name:     "result processing running",
			analysis: dispatched(models.TaskPending),
			stages:   map[string]models.TaskState{"run": models.TaskSuccess, "process": models.TaskStarted},
			want:     models.TaskStarted,
		},
		{
			name:     "cleanup pending uses cached outcome",
			analysis: dispatched(models.TaskSuccess),
			stages:   map[string]models.TaskState{"run": models.TaskSuccess, "process": models.TaskSuccess},
			want:     models.TaskSuccess,
		},
		{
			name:     "whole chain succeeded",
			analysis: dispatched(models.TaskPending),
			stages:   map[string]models.TaskState{"run": models.TaskSuccess, "process": models.TaskSuccess, "cleanup": models.TaskSuccess},
			want:     models.TaskSuccess,
		},
		{
			name:     "remote failure",
			analysis: dispatched(models.TaskPending),
			stages:   map[string]models.TaskState{"run": models.TaskFailure, "cleanup": models.TaskSuccess},
			want:     models.TaskFailure,
		},
		{
			name:     "ingestion failure",
			analysis: dispatched(models.TaskPending),
			stages:   map[string]models.TaskState{"run": models.TaskSuccess, "process": models.TaskFailure, "cleanup": models.TaskSuccess},
			want:     models.TaskFailure,
		},
		{
			name:     "revoked",
			analysis: dispatched(models.TaskPending),
			stages:   map[string]models.TaskState{"run": models.TaskRevoked},
			want:     models.TaskRevoked,
		},
		{
			name:     "evicted after success",
			analysis: dispatched(models.TaskSuccess),
			want:     models.TaskSuccess,
		},
		{
			name:     "single stage handle",
			analysis: &models.Analysis{ID: "ana_1", TaskID: "run", TaskState: models.TaskPending},
			stages:   map[string]models.TaskState{"run": models.TaskSuccess},
			want:     models.TaskSuccess,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			metas := newFakeMetas()
			for id, state := range tt.stages {
				metas.Set(id, state, `true`, "")
			}
			assert.Equal(t, tt.want, CurrentStatus(metas, tt.analysis))
		})
	}
}

// unreachableMetas fails lookups of the listed stages
type unreachableMetas struct {
	*fakeMetas
	down map[string]bool
}

func (u *unreachableMetas) Meta(id string) (*models.TaskMeta, error) {
	if u.down[id] {
		return nil, errors.New("backend unavailable")
	}
	return u.fakeMetas.Meta(id)
}

func TestCurrentStatusBackendErrorKeepsCache(t *testing.T) {
	metas := newFakeMetas()
	metas.Set("run", models.TaskSuccess, `true`, "")
	metas.Set("process", models.TaskSuccess, `true`, "")
	src := &unreachableMetas{fakeMetas: metas, down: map[string]bool{"process": true}}

	assert.Equal(t, models.TaskPending, CurrentStatus(src, dispatched(models.TaskPending)))
	assert.Equal(t, models.TaskSuccess, CurrentStatus(src, dispatched(models.TaskSuccess)))

	src.down = map[string]bool{"cleanup": true}
	assert.Equal(t, models.TaskSuccess, CurrentStatus(src, dispatched(models.TaskSuccess)))

	src.down = map[string]bool{"run": true}
	assert.Equal(t, models.TaskStarted, CurrentStatus(src, dispatched(models.TaskStarted)))
}

func TestUpdateRecordStopsAtFirstFailure(t *testing.T) {
	metas := newFakeMetas()
	metas.Set("run", models.TaskSuccess, `{"status":0}`, "")
	metas.Set("process", models.TaskFailure, `{"exception_type":"geosafe.IngestionError","message":"no layer"}`, "")
	metas.Set("cleanup", models.TaskSuccess, `true`, "")

	start := time.Now().Add(-time.Minute)
	analysis := dispatched(models.TaskFailure)
	analysis.StartTime = &start

	record := &models.ExecutionRecord{AnalysisID: "ana_1"}
	changed, err := UpdateRecord(metas, record, analysis)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, record.Finished)
	assert.Equal(t, "geosafe.IngestionError", record.ExceptionClass, "taken from the result payload")
	assert.Contains(t, record.Result, "no layer")
	assert.Equal(t, &start, record.Start)
	assert.NotNil(t, record.End)

	changed, err = UpdateRecord(metas, record, analysis)
	require.NoError(t, err)
	assert.False(t, changed, "nothing new")
}

func TestUpdateRecordInProgress(t *testing.T) {
	metas := newFakeMetas()
	metas.Set("run", models.TaskSuccess, `{"status":0}`, "")

	record := &models.ExecutionRecord{AnalysisID: "ana_1"}
	changed, err := UpdateRecord(metas, record, dispatched(models.TaskPending))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.False(t, record.Finished)
	assert.Empty(t, record.ExceptionClass)
	assert.Nil(t, record.End)

	metas.Set("process", models.TaskSuccess, `true`, "")
	metas.Set("cleanup", models.TaskSuccess, `true`, "")
	_, err = UpdateRecord(metas, record, dispatched(models.TaskSuccess))
	require.NoError(t, err)
	assert.True(t, record.Finished)
	assert.Empty(t, record.ExceptionClass)
}

type trackerFixture struct {
	tracker  *Tracker
	metas    *fakeMetas
	analyses interfaces.AnalysisStorage
	records  interfaces.ExecutionRecordStorage
}

func newTrackerFixture(t *testing.T) *trackerFixture {
	t.Helper()
	logger := arbor.NewLogger()
	manager, err := badger.NewManager(logger, &common.BadgerConfig{Path: filepath.Join(t.TempDir(), "db")})
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })

	metas := newFakeMetas()
	return &trackerFixture{
		tracker:  NewTracker(metas, manager.AnalysisStorage(), manager.ExecutionRecordStorage(), logger),
		metas:    metas,
		analyses: manager.AnalysisStorage(),
		records:  manager.ExecutionRecordStorage(),
	}
}

func TestSyncAnalysisFailure(t *testing.T) {
	f := newTrackerFixture(t)
	ctx := context.Background()
	require.NoError(t, f.analyses.SaveAnalysis(ctx, dispatched(models.TaskPending)))

	f.metas.Set("run", models.TaskFailure, `{"status":1,"message":"WorkerLostError"}`, "inasafe.headless.WorkerLostError")
	f.metas.Set("process", models.TaskFailure, `{"status":1,"message":"WorkerLostError"}`, "inasafe.headless.WorkerLostError")
	f.metas.Set("cleanup", models.TaskSuccess, `true`, "")

	status, err := f.tracker.Sync(ctx, "ana_1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskFailure, status.State)
	require.NotNil(t, status.Record)
	assert.Contains(t, status.Record.ExceptionClass, "WorkerLostError")
	require.NotNil(t, status.Suggestion)
	assert.Equal(t, "worker_lost", status.Suggestion.Key)

	stored, err := f.analyses.GetAnalysis(ctx, "ana_1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskFailure, stored.TaskState)
	assert.NotNil(t, stored.EndTime)

	record, err := f.records.GetRecord(ctx, "ana_1")
	require.NoError(t, err)
	assert.True(t, record.Finished)
	assert.Contains(t, record.ExceptionClass, "WorkerLostError")
}

func TestSyncStatusMonotonicUnderEviction(t *testing.T) {
	f := newTrackerFixture(t)
	ctx := context.Background()
	require.NoError(t, f.analyses.SaveAnalysis(ctx, dispatched(models.TaskPending)))

	f.metas.Set("run", models.TaskSuccess, `{"status":0}`, "")
	f.metas.Set("process", models.TaskSuccess, `true`, "")
	f.metas.Set("cleanup", models.TaskSuccess, `true`, "")

	status, err := f.tracker.Sync(ctx, "ana_1")
	require.NoError(t, err)
	require.Equal(t, models.TaskSuccess, status.State)

	f.metas.Evict()

	for i := 0; i < 3; i++ {
		status, err = f.tracker.Sync(ctx, "ana_1")
		require.NoError(t, err)
		assert.Equal(t, models.TaskSuccess, status.State, "eviction never regresses the status")
	}

	stored, err := f.analyses.GetAnalysis(ctx, "ana_1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskSuccess, stored.TaskState)

	record, err := f.records.GetRecord(ctx, "ana_1")
	require.NoError(t, err)
	assert.True(t, record.Finished, "finished is never reset")
}

func TestSyncUnfinished(t *testing.T) {
	f := newTrackerFixture(t)
	ctx := context.Background()

	require.NoError(t, f.analyses.SaveAnalysis(ctx, dispatched(models.TaskPending)))
	done := dispatched(models.TaskSuccess)
	done.ID = "ana_2"
	require.NoError(t, f.analyses.SaveAnalysis(ctx, done))
	require.NoError(t, f.analyses.SaveAnalysis(ctx, &models.Analysis{ID: "ana_3"}))

	f.metas.Set("run", models.TaskStarted, "", "")

	synced, err := f.tracker.SyncUnfinished(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, synced)

	stored, err := f.analyses.GetAnalysis(ctx, "ana_1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStarted, stored.TaskState)
}

func TestCacheable(t *testing.T) {
	assert.False(t, cacheable(models.TaskSuccess, models.TaskPending))
	assert.False(t, cacheable(models.TaskSuccess, models.TaskStarted))
	assert.False(t, cacheable(models.TaskSuccess, models.TaskSuccess))
	assert.True(t, cacheable(models.TaskPending, models.TaskStarted))
	assert.True(t, cacheable(models.TaskStarted, models.TaskFailure))
	assert.True(t, cacheable(models.TaskSuccess, models.TaskFailure))
}
