package badger

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/geosafe/internal/interfaces"
	"github.com/ternarybob/geosafe/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// LayerStorage implements interfaces.LayerStorage for Badger
type LayerStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewLayerStorage creates a new LayerStorage instance
func NewLayerStorage(db *BadgerDB, logger arbor.ILogger) interfaces.LayerStorage {
	return &LayerStorage{
		db:     db,
		logger: logger,
	}
}

func (s *LayerStorage) SaveLayer(ctx context.Context, layer *models.Layer) error {
	if layer.ID == "" {
		return fmt.Errorf("layer ID is required")
	}
	now := time.Now()
	if layer.CreatedAt.IsZero() {
		layer.CreatedAt = now
	}
	layer.UpdatedAt = now

	if err := s.db.Store().Upsert(layer.ID, layer); err != nil {
		return fmt.Errorf("failed to save layer: %w", err)
	}
	return nil
}

func (s *LayerStorage) GetLayer(ctx context.Context, id string) (*models.Layer, error) {
	var layer models.Layer
	if err := s.db.Store().Get(id, &layer); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("layer %s: %w", id, interfaces.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get layer: %w", err)
	}
	return &layer, nil
}

func (s *LayerStorage) DeleteLayer(ctx context.Context, id string) error {
	if err := s.db.Store().Delete(id, &models.Layer{}); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil
		}
		return fmt.Errorf("failed to delete layer: %w", err)
	}
	return nil
}

func (s *LayerStorage) ListLayers(ctx context.Context) ([]*models.Layer, error) {
	return s.find(badgerhold.Where("ID").Ne("").SortBy("CreatedAt").Reverse())
}

func (s *LayerStorage) ListByPurpose(ctx context.Context, purpose string) ([]*models.Layer, error) {
	return s.find(badgerhold.Where("Purpose").Eq(purpose).SortBy("CreatedAt").Reverse())
}

func (s *LayerStorage) find(query *badgerhold.Query) ([]*models.Layer, error) {
	var layers []models.Layer
	if err := s.db.Store().Find(&layers, query); err != nil {
		return nil, fmt.Errorf("failed to list layers: %w", err)
	}

	result := make([]*models.Layer, len(layers))
	for i := range layers {
		result[i] = &layers[i]
	}
	return result, nil
}
