// -----------------------------------------------------------------------
// Layers Service - layer registration and archive export
// -----------------------------------------------------------------------

package layers

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/geosafe/internal/common"
	"github.com/ternarybob/geosafe/internal/interfaces"
	"github.com/ternarybob/geosafe/internal/models"
	"github.com/ternarybob/geosafe/internal/pipeline"
	"github.com/ternarybob/geosafe/internal/queue"
)

// ErrInvalidRequest wraps validation failures of a register request
var ErrInvalidRequest = errors.New("invalid layer request")

// TaskSender queues a single task
type TaskSender interface {
	Send(ctx context.Context, sig models.Signature) (*queue.AsyncResult, error)
}

// FileOpener reads published files
type FileOpener interface {
	Open(ctx context.Context, location string) (io.ReadCloser, error)
}

// RegisterRequest names an existing dataset to manage as a layer
type RegisterRequest struct {
	DatasetPath string `json:"dataset_path"`
	Title       string `json:"title"`
	OwnerID     string `json:"owner_id"`
}

// Service registers layers and exports their files
type Service struct {
	layers    interfaces.LayerStorage
	publisher interfaces.LayerPublisher
	opener    FileOpener
	sender    TaskSender
	logger    arbor.ILogger
}

// NewService creates a layers service
func NewService(layers interfaces.LayerStorage, publisher interfaces.LayerPublisher, opener FileOpener, sender TaskSender, logger arbor.ILogger) *Service {
	return &Service{
		layers:    layers,
		publisher: publisher,
		opener:    opener,
		sender:    sender,
		logger:    logger,
	}
}

// Register publishes a dataset as a layer and queues keyword extraction,
// which fills in the layer's purpose and category.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*models.Layer, error) {
	if req.DatasetPath == "" {
		return nil, fmt.Errorf("%w: dataset_path is required", ErrInvalidRequest)
	}
	if _, err := os.Stat(req.DatasetPath); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	layer, err := s.publisher.Publish(ctx, interfaces.PublishRequest{
		DatasetPath: req.DatasetPath,
		OwnerID:     req.OwnerID,
		Title:       req.Title,
	})
	if err != nil {
		return nil, err
	}

	sig, err := models.NewSignature(pipeline.TaskCreateMetadataObject, queue.QueueGeoSAFE, layer.ID)
	if err != nil {
		return nil, err
	}
	if _, err := s.sender.Send(ctx, sig); err != nil {
		// the layer is usable without keywords; they can be requested again
		s.logger.Warn().Err(err).Str("layer_id", layer.ID).Msg("Failed to queue keyword extraction")
	}
	return layer, nil
}

// Get returns a layer
func (s *Service) Get(ctx context.Context, id string) (*models.Layer, error) {
	return s.layers.GetLayer(ctx, id)
}

// List returns layers, optionally restricted to one purpose
func (s *Service) List(ctx context.Context, purpose string) ([]*models.Layer, error) {
	if purpose != "" {
		return s.layers.ListByPurpose(ctx, purpose)
	}
	return s.layers.ListLayers(ctx)
}

// WriteArchive writes a zip of every file belonging to the layer
func (s *Service) WriteArchive(ctx context.Context, id string, w io.Writer) error {
	layer, err := s.layers.GetLayer(ctx, id)
	if err != nil {
		return err
	}

	zw := zip.NewWriter(w)
	if len(layer.Files) > 0 {
		for _, location := range layer.Files {
			if err := s.addStored(ctx, zw, location); err != nil {
				return err
			}
		}
	} else {
		if layer.BasePath == "" {
			return fmt.Errorf("layer %s has no files", id)
		}
		files, err := common.SiblingFiles(layer.BasePath)
		if err != nil {
			return err
		}
		if len(files) == 0 {
			return fmt.Errorf("layer %s: dataset %s not found", id, layer.BasePath)
		}
		for _, file := range files {
			if err := addLocal(zw, file); err != nil {
				return err
			}
		}
	}
	return zw.Close()
}

func (s *Service) addStored(ctx context.Context, zw *zip.Writer, location string) error {
	rc, err := s.opener.Open(ctx, location)
	if err != nil {
		return err
	}
	defer rc.Close()
	return addEntry(zw, filepath.Base(location), rc)
}

func addLocal(zw *zip.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return addEntry(zw, filepath.Base(path), f)
}

func addEntry(zw *zip.Writer, name string, r io.Reader) error {
	w, err := zw.Create(name)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, r)
	return err
}
