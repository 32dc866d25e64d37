package handlers

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/geosafe/internal/interfaces"
	"github.com/ternarybob/geosafe/internal/models"
	"github.com/ternarybob/geosafe/internal/pipeline"
	"github.com/ternarybob/geosafe/internal/reconcile"
	"github.com/ternarybob/geosafe/internal/services/analysis"
)

type fakeAnalysisService struct {
	analyses    map[string]*models.Analysis
	createErr   error
	dispatchErr error
	rerunErr    error
	created     []analysis.CreateRequest
}

func newFakeAnalysisService(analyses ...*models.Analysis) *fakeAnalysisService {
	f := &fakeAnalysisService{analyses: map[string]*models.Analysis{}}
	for _, a := range analyses {
		f.analyses[a.ID] = a
	}
	return f
}

func (f *fakeAnalysisService) find(id string) (*models.Analysis, error) {
	a, ok := f.analyses[id]
	if !ok {
		return nil, fmt.Errorf("analysis %s: %w", id, interfaces.ErrNotFound)
	}
	return a, nil
}

func (f *fakeAnalysisService) Create(ctx context.Context, req analysis.CreateRequest) (*models.Analysis, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = append(f.created, req)
	a := &models.Analysis{ID: "ana_new", HazardLayerID: req.HazardLayerID, ExposureLayerID: req.ExposureLayerID}
	f.analyses[a.ID] = a
	return a, f.dispatchErr
}

func (f *fakeAnalysisService) Get(ctx context.Context, id string) (*models.Analysis, error) {
	return f.find(id)
}

func (f *fakeAnalysisService) List(ctx context.Context) ([]*models.Analysis, error) {
	var out []*models.Analysis
	for _, a := range f.analyses {
		out = append(out, a)
	}
	return out, nil
}

func (f *fakeAnalysisService) Rerun(ctx context.Context, id string) (*models.Analysis, error) {
	a, err := f.find(id)
	if err != nil {
		return nil, err
	}
	return a, f.rerunErr
}

func (f *fakeAnalysisService) Cancel(ctx context.Context, id string) error {
	if _, err := f.find(id); err != nil {
		return err
	}
	delete(f.analyses, id)
	return nil
}

func (f *fakeAnalysisService) ToggleKeep(ctx context.Context, id string) (bool, error) {
	a, err := f.find(id)
	if err != nil {
		return false, err
	}
	a.Keep = !a.Keep
	return a.Keep, nil
}

func (f *fakeAnalysisService) Status(ctx context.Context, id string) (*reconcile.Status, error) {
	a, err := f.find(id)
	if err != nil {
		return nil, err
	}
	return &reconcile.Status{AnalysisID: a.ID, State: a.TaskState}, nil
}

type memOpener map[string]string

func (m memOpener) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	content, ok := m[location]
	if !ok {
		return nil, os.ErrNotExist
	}
	return io.NopCloser(strings.NewReader(content)), nil
}

func serve(handler http.HandlerFunc, method, target string, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func TestCreateAnalysisHandler(t *testing.T) {
	svc := newFakeAnalysisService()
	h := NewAnalysisHandler(svc, memOpener{}, arbor.NewLogger())

	rec := serve(h.CreateHandler, "POST", "/api/analysis",
		`{"hazard_layer_id":"lyr_h","exposure_layer_id":"lyr_e","extent_option":2,"keep":true}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created models.Analysis
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "ana_new", created.ID)
	require.Len(t, svc.created, 1)
	assert.Equal(t, models.ExtentHazardExposure, svc.created[0].ExtentOption)
	assert.True(t, svc.created[0].Keep)
}

func TestCreateAnalysisHandlerErrors(t *testing.T) {
	t.Run("unknown field", func(t *testing.T) {
		h := NewAnalysisHandler(newFakeAnalysisService(), memOpener{}, arbor.NewLogger())
		rec := serve(h.CreateHandler, "POST", "/api/analysis", `{"hazard":"x"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("invalid request", func(t *testing.T) {
		svc := newFakeAnalysisService()
		svc.createErr = fmt.Errorf("%w: hazard_layer_id is required", analysis.ErrInvalidRequest)
		h := NewAnalysisHandler(svc, memOpener{}, arbor.NewLogger())
		rec := serve(h.CreateHandler, "POST", "/api/analysis", `{}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "hazard_layer_id")
	})

	t.Run("dispatch failure", func(t *testing.T) {
		svc := newFakeAnalysisService()
		svc.dispatchErr = errors.New("broker unavailable")
		h := NewAnalysisHandler(svc, memOpener{}, arbor.NewLogger())
		rec := serve(h.CreateHandler, "POST", "/api/analysis", `{"hazard_layer_id":"lyr_h","exposure_layer_id":"lyr_e","extent_option":2}`)
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

		var body map[string]interface{}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "ana_new", body["analysis_id"])
	})

	t.Run("wrong method", func(t *testing.T) {
		h := NewAnalysisHandler(newFakeAnalysisService(), memOpener{}, arbor.NewLogger())
		rec := serve(h.CreateHandler, "GET", "/api/analysis", "")
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func TestGetAnalysisHandler(t *testing.T) {
	svc := newFakeAnalysisService(&models.Analysis{ID: "ana_1", UserTitle: "Flood"})
	h := NewAnalysisHandler(svc, memOpener{}, arbor.NewLogger())

	rec := serve(h.GetHandler, "GET", "/api/analysis/ana_1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"user_title":"Flood"`)

	rec = serve(h.GetHandler, "GET", "/api/analysis/ana_missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAnalysisStatusHandler(t *testing.T) {
	svc := newFakeAnalysisService(&models.Analysis{ID: "ana_1", TaskState: models.TaskStarted})
	h := NewAnalysisHandler(svc, memOpener{}, arbor.NewLogger())

	rec := serve(h.StatusHandler, "GET", "/api/analysis/ana_1/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var status reconcile.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, models.TaskStarted, status.State)
}

func TestRerunHandlerRefusesInFlight(t *testing.T) {
	svc := newFakeAnalysisService(&models.Analysis{ID: "ana_1"})
	svc.rerunErr = fmt.Errorf("analysis ana_1: %w", pipeline.ErrInFlight)
	h := NewAnalysisHandler(svc, memOpener{}, arbor.NewLogger())

	rec := serve(h.RerunHandler, "POST", "/api/analysis/ana_1/rerun", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	svc.rerunErr = nil
	rec = serve(h.RerunHandler, "POST", "/api/analysis/ana_1/rerun", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestCancelHandler(t *testing.T) {
	svc := newFakeAnalysisService(&models.Analysis{ID: "ana_1"})
	h := NewAnalysisHandler(svc, memOpener{}, arbor.NewLogger())

	rec := serve(h.CancelHandler, "POST", "/api/analysis/ana_1/cancel", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, svc.analyses, "ana_1")

	rec = serve(h.CancelHandler, "POST", "/api/analysis/ana_1/cancel", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestToggleKeepHandler(t *testing.T) {
	svc := newFakeAnalysisService(&models.Analysis{ID: "ana_1"})
	h := NewAnalysisHandler(svc, memOpener{}, arbor.NewLogger())

	rec := serve(h.ToggleKeepHandler, "POST", "/api/analysis/ana_1/keep", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true,"is_saved":true}`, rec.Body.String())

	rec = serve(h.ToggleKeepHandler, "POST", "/api/analysis/ana_1/keep", "")
	assert.JSONEq(t, `{"success":true,"is_saved":false}`, rec.Body.String())
}

func TestReportHandler(t *testing.T) {
	svc := newFakeAnalysisService(
		&models.Analysis{ID: "ana_1", ReportMap: "reports/ana_1/map_ab12cd34_impact.pdf", ReportTable: "reports/ana_1/table_ef56ab78_impact.pdf"},
		&models.Analysis{ID: "ana_2"},
	)
	opener := memOpener{
		"reports/ana_1/map_ab12cd34_impact.pdf":   "%PDF-map",
		"reports/ana_1/table_ef56ab78_impact.pdf": "%PDF-table",
	}
	h := NewAnalysisHandler(svc, opener, arbor.NewLogger())

	rec := serve(h.ReportHandler, "GET", "/api/analysis/ana_1/report/map", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "%PDF-map", rec.Body.String())
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "map_ab12cd34_impact.pdf")

	rec = serve(h.ReportHandler, "GET", "/api/analysis/ana_1/report/all", "")
	require.Equal(t, http.StatusOK, rec.Code)
	zr, err := zip.NewReader(bytes.NewReader(rec.Body.Bytes()), int64(rec.Body.Len()))
	require.NoError(t, err)
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"map_ab12cd34_impact.pdf", "table_ef56ab78_impact.pdf"}, names)

	rec = serve(h.ReportHandler, "GET", "/api/analysis/ana_2/report/table", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(h.ReportHandler, "GET", "/api/analysis/ana_1/report/legend", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
