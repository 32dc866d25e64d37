package handlers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/geosafe/internal/interfaces"
	"github.com/ternarybob/geosafe/internal/models"
	"github.com/ternarybob/geosafe/internal/services/layers"
)

type fakeLayerService struct {
	layers     map[string]*models.Layer
	registered []layers.RegisterRequest
	purpose    string
}

func (f *fakeLayerService) Register(ctx context.Context, req layers.RegisterRequest) (*models.Layer, error) {
	if req.DatasetPath == "" {
		return nil, fmt.Errorf("%w: dataset_path is required", layers.ErrInvalidRequest)
	}
	f.registered = append(f.registered, req)
	layer := &models.Layer{ID: "lyr_new", BasePath: req.DatasetPath, Title: req.Title}
	f.layers[layer.ID] = layer
	return layer, nil
}

func (f *fakeLayerService) Get(ctx context.Context, id string) (*models.Layer, error) {
	layer, ok := f.layers[id]
	if !ok {
		return nil, fmt.Errorf("layer %s: %w", id, interfaces.ErrNotFound)
	}
	return layer, nil
}

func (f *fakeLayerService) List(ctx context.Context, purpose string) ([]*models.Layer, error) {
	f.purpose = purpose
	var out []*models.Layer
	for _, layer := range f.layers {
		if purpose == "" || layer.Purpose == purpose {
			out = append(out, layer)
		}
	}
	return out, nil
}

func (f *fakeLayerService) WriteArchive(ctx context.Context, id string, w io.Writer) error {
	_, err := io.WriteString(w, "zip:"+id)
	return err
}

func TestLayerHandlerList(t *testing.T) {
	svc := &fakeLayerService{layers: map[string]*models.Layer{
		"lyr_h": {ID: "lyr_h", Purpose: models.LayerPurposeHazard},
		"lyr_e": {ID: "lyr_e", Purpose: models.LayerPurposeExposure},
	}}
	h := NewLayerHandler(svc, arbor.NewLogger())

	rec := serve(h.ListHandler, "GET", "/api/layers?purpose=hazard", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.LayerPurposeHazard, svc.purpose)
	assert.Contains(t, rec.Body.String(), "lyr_h")
	assert.NotContains(t, rec.Body.String(), "lyr_e")
}

func TestLayerHandlerRegister(t *testing.T) {
	svc := &fakeLayerService{layers: map[string]*models.Layer{}}
	h := NewLayerHandler(svc, arbor.NewLogger())

	rec := serve(h.RegisterHandler, "POST", "/api/layers", `{"dataset_path":"/data/flood.tif","title":"Flood","owner_id":"7"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, svc.registered, 1)
	assert.Equal(t, "7", svc.registered[0].OwnerID)

	rec = serve(h.RegisterHandler, "POST", "/api/layers", `{"title":"No data"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLayerHandlerGetAndArchive(t *testing.T) {
	svc := &fakeLayerService{layers: map[string]*models.Layer{
		"lyr_b": {ID: "lyr_b", BasePath: "/data/buildings.shp"},
	}}
	h := NewLayerHandler(svc, arbor.NewLogger())

	rec := serve(h.GetHandler, "GET", "/api/layers/lyr_b", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(h.GetHandler, "GET", "/api/layers/lyr_x", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(h.ArchiveHandler, "GET", "/api/layers/lyr_b/archive", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/zip", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), `buildings.zip`)
	assert.Equal(t, "zip:lyr_b", rec.Body.String())

	rec = serve(h.ArchiveHandler, "GET", "/api/layers/lyr_x/archive", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
