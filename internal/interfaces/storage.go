package interfaces

import (
	"context"
	"errors"

	"github.com/ternarybob/geosafe/internal/models"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("record not found")

// AnalysisStorage persists analysis requests
type AnalysisStorage interface {
	SaveAnalysis(ctx context.Context, analysis *models.Analysis) error
	GetAnalysis(ctx context.Context, id string) (*models.Analysis, error)
	// UpdateAnalysis loads, mutates and saves a record in one transaction
	UpdateAnalysis(ctx context.Context, id string, mutate func(*models.Analysis) error) (*models.Analysis, error)
	DeleteAnalysis(ctx context.Context, id string) error
	ListAnalyses(ctx context.Context) ([]*models.Analysis, error)
	ListUnfinished(ctx context.Context) ([]*models.Analysis, error)
	ListDisposable(ctx context.Context) ([]*models.Analysis, error)
	CountByImpactLayer(ctx context.Context, layerID string) (int, error)
}

// ExecutionRecordStorage persists pipeline execution records
type ExecutionRecordStorage interface {
	// GetOrCreate returns the existing record, or stores and returns defaults
	GetOrCreate(ctx context.Context, defaults *models.ExecutionRecord) (*models.ExecutionRecord, bool, error)
	GetRecord(ctx context.Context, analysisID string) (*models.ExecutionRecord, error)
	SaveRecord(ctx context.Context, record *models.ExecutionRecord) error
	DeleteRecord(ctx context.Context, analysisID string) error
}

// LayerStorage persists managed layers
type LayerStorage interface {
	SaveLayer(ctx context.Context, layer *models.Layer) error
	GetLayer(ctx context.Context, id string) (*models.Layer, error)
	DeleteLayer(ctx context.Context, id string) error
	ListLayers(ctx context.Context) ([]*models.Layer, error)
	ListByPurpose(ctx context.Context, purpose string) ([]*models.Layer, error)
}

// StorageManager aggregates the storages backed by a single database
type StorageManager interface {
	AnalysisStorage() AnalysisStorage
	ExecutionRecordStorage() ExecutionRecordStorage
	LayerStorage() LayerStorage
	KeyValueStorage() KeyValueStorage
	Close() error
}
