// -----------------------------------------------------------------------
// Publisher - republishes analysis outputs as managed layers
// -----------------------------------------------------------------------

package publisher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/geosafe/internal/common"
	"github.com/ternarybob/geosafe/internal/interfaces"
	"github.com/ternarybob/geosafe/internal/models"
)

// Service stores dataset files in the configured backend and records them as layers
type Service struct {
	store   objectStore
	layers  interfaces.LayerStorage
	adminID string
	logger  arbor.ILogger
}

// NewService creates a publisher for the configured backend
func NewService(ctx context.Context, config common.PublisherConfig, layers interfaces.LayerStorage, logger arbor.ILogger) (*Service, error) {
	var (
		store objectStore
		err   error
	)
	switch config.Backend {
	case "", "filesystem":
		store, err = newFileStore(config.Directory)
	case "s3":
		store, err = newBucketStore(ctx, config)
	default:
		err = fmt.Errorf("unknown publisher backend %q", config.Backend)
	}
	if err != nil {
		return nil, err
	}

	return &Service{
		store:   store,
		layers:  layers,
		adminID: config.AdminUserID,
		logger:  logger,
	}, nil
}

// Publish copies the dataset, its sidecars and the optional summary into
// managed storage and saves a layer record for them.
func (s *Service) Publish(ctx context.Context, req interfaces.PublishRequest) (*models.Layer, error) {
	files, err := common.SiblingFiles(req.DatasetPath)
	if err != nil {
		return nil, fmt.Errorf("failed to list dataset files: %w", err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("dataset %s not found", req.DatasetPath)
	}

	owner := req.OwnerID
	if owner == "" {
		owner = s.adminID
	}

	datasetBase := filepath.Base(req.DatasetPath)
	layer := &models.Layer{
		ID:          common.NewLayerID(),
		Name:        strings.TrimSuffix(datasetBase, filepath.Ext(datasetBase)),
		Title:       req.Title,
		OwnerID:     owner,
		Purpose:     req.Purpose,
		Permissions: models.DefaultPermissions(owner),
	}

	var stored []string
	rollback := func() {
		for _, location := range stored {
			if err := s.store.Remove(ctx, location); err != nil {
				s.logger.Warn().Err(err).Str("location", location).Msg("Failed to roll back published file")
			}
		}
	}

	for _, file := range files {
		location, err := s.store.Put(ctx, path.Join("layers", layer.ID, filepath.Base(file)), file)
		if err != nil {
			rollback()
			return nil, err
		}
		stored = append(stored, location)
		if filepath.Base(file) == datasetBase {
			layer.BasePath = location
		}
	}
	layer.Files = stored

	if req.SummaryPath != "" && !contains(files, req.SummaryPath) {
		location, err := s.store.Put(ctx, path.Join("layers", layer.ID, filepath.Base(req.SummaryPath)), req.SummaryPath)
		if err != nil {
			rollback()
			return nil, err
		}
		stored = append(stored, location)
		layer.SummaryPath = location
	} else if req.SummaryPath != "" {
		layer.SummaryPath = layer.Files[indexOf(files, req.SummaryPath)]
	}

	if err := s.layers.SaveLayer(ctx, layer); err != nil {
		rollback()
		return nil, err
	}

	s.logger.Info().
		Str("layer_id", layer.ID).
		Str("name", layer.Name).
		Str("owner_id", owner).
		Int("files", len(stored)).
		Msg("Layer published")
	return layer, nil
}

// DeleteLayer removes a layer's stored files and its record. Unknown ids are ignored.
func (s *Service) DeleteLayer(ctx context.Context, layerID string) error {
	layer, err := s.layers.GetLayer(ctx, layerID)
	if errors.Is(err, interfaces.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	locations := append([]string{}, layer.Files...)
	if layer.SummaryPath != "" && !contains(locations, layer.SummaryPath) {
		locations = append(locations, layer.SummaryPath)
	}

	var errs []error
	for _, location := range locations {
		if err := s.store.Remove(ctx, location); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to remove files of layer %s: %w", layerID, err)
	}

	if err := s.layers.DeleteLayer(ctx, layerID); err != nil {
		return err
	}
	s.logger.Info().Str("layer_id", layerID).Msg("Layer deleted")
	return nil
}

// StoreReport copies a report into managed storage. Every call yields a new
// location so a replaced report can be removed without touching its successor.
func (s *Service) StoreReport(ctx context.Context, analysisID, role, reportPath string) (string, error) {
	name := fmt.Sprintf("%s_%s_%s", role, uuid.NewString()[:8], filepath.Base(reportPath))
	key := path.Join("reports", analysisID, name)
	return s.store.Put(ctx, key, reportPath)
}

// RemoveReport deletes a stored report
func (s *Service) RemoveReport(ctx context.Context, location string) error {
	return s.store.Remove(ctx, location)
}

// Open streams a stored file, layer file or report
func (s *Service) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	return s.store.Open(ctx, location)
}

func contains(list []string, v string) bool {
	return indexOf(list, v) >= 0
}

func indexOf(list []string, v string) int {
	for i, item := range list {
		if item == v {
			return i
		}
	}
	return -1
}
