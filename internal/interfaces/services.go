package interfaces

import (
	"context"

	"github.com/ternarybob/geosafe/internal/models"
)

// PublishRequest describes a dataset to republish as a managed layer.
// Files sharing the dataset's basename in its directory are published with it.
type PublishRequest struct {
	DatasetPath string
	SummaryPath string // optional analysis summary sidecar
	OwnerID     string // empty for anonymous requesters
	Title       string
	Purpose     string
}

// LayerPublisher republishes files as managed layers
type LayerPublisher interface {
	Publish(ctx context.Context, req PublishRequest) (*models.Layer, error)
	DeleteLayer(ctx context.Context, layerID string) error
	// StoreReport copies a report into managed storage and returns its location
	StoreReport(ctx context.Context, analysisID, role, path string) (string, error)
	RemoveReport(ctx context.Context, location string) error
}

// Notifier tells a requester that their analysis finished
type Notifier interface {
	NotifyAnalysisFinished(ctx context.Context, analysis *models.Analysis) error
}
