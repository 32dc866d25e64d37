package ingest

import (
	"archive/zip"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/geosafe/internal/common"
	"github.com/ternarybob/geosafe/internal/headless"
	"github.com/ternarybob/geosafe/internal/interfaces"
	"github.com/ternarybob/geosafe/internal/locator"
	"github.com/ternarybob/geosafe/internal/models"
	"github.com/ternarybob/geosafe/internal/queue"
	"github.com/ternarybob/geosafe/internal/storage/badger"
)

// fakeReports completes generate_report immediately with reply, or leaves it
// pending when reply is empty.
type fakeReports struct {
	broker *queue.Broker
	reply  string
	calls  []headless.ReportArgs
	onCall func(headless.ReportArgs)
}

func (f *fakeReports) GenerateReport(ctx context.Context, args headless.ReportArgs) (*queue.AsyncResult, error) {
	f.calls = append(f.calls, args)
	if f.onCall != nil {
		f.onCall(args)
	}
	sig, err := headless.GenerateReportSignature(args)
	if err != nil {
		return nil, err
	}
	handle, err := f.broker.Send(ctx, sig)
	if err != nil || f.reply == "" {
		return handle, err
	}
	msg, err := f.broker.Receive(ctx, queue.QueueHeadless)
	if err != nil {
		return nil, err
	}
	return handle, f.broker.Complete(ctx, msg, json.RawMessage(f.reply), nil)
}

type publishCall struct {
	req   interfaces.PublishRequest
	files []string // basenames present next to the dataset at publish time
}

// fakePublisher records calls and checks that a replaced layer is only
// deleted once it is no longer attached.
type fakePublisher struct {
	mu        sync.Mutex
	analyses  interfaces.AnalysisStorage
	published []publishCall
	events    []string
	reports   map[string]string
	violation string
}

func (p *fakePublisher) Publish(ctx context.Context, req interfaces.PublishRequest) (*models.Layer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	siblings, err := common.SiblingFiles(req.DatasetPath)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, s := range siblings {
		names = append(names, filepath.Base(s))
	}
	p.published = append(p.published, publishCall{req: req, files: names})

	id := fmt.Sprintf("lyr_new_%d", len(p.published))
	p.events = append(p.events, "publish:"+id)
	return &models.Layer{ID: id, Title: req.Title, OwnerID: req.OwnerID}, nil
}

func (p *fakePublisher) DeleteLayer(ctx context.Context, layerID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	all, err := p.analyses.ListAnalyses(ctx)
	if err != nil {
		return err
	}
	for _, a := range all {
		if a.ImpactLayerID == layerID {
			p.violation = "deleted layer " + layerID + " while still attached to " + a.ID
		}
	}
	p.events = append(p.events, "delete:"+layerID)
	return nil
}

func (p *fakePublisher) StoreReport(ctx context.Context, analysisID, role, path string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := os.Stat(path); err != nil {
		return "", err
	}
	location := fmt.Sprintf("reports/%s/%s-%s", analysisID, role, filepath.Base(path))
	if p.reports == nil {
		p.reports = make(map[string]string)
	}
	p.reports[role] = location
	p.events = append(p.events, "report:"+location)
	return location, nil
}

func (p *fakePublisher) RemoveReport(ctx context.Context, location string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, "remove-report:"+location)
	return nil
}

type fakeNotifier struct {
	notified []string
}

func (n *fakeNotifier) NotifyAnalysisFinished(ctx context.Context, analysis *models.Analysis) error {
	n.notified = append(n.notified, analysis.ID)
	return nil
}

type ingestFixture struct {
	ingestor  *Ingestor
	analyses  interfaces.AnalysisStorage
	reports   *fakeReports
	publisher *fakePublisher
	notifier  *fakeNotifier
	outDir    string
	uploaded  string
}

func newIngestFixture(t *testing.T, configure func(*common.AnalysisConfig)) *ingestFixture {
	t.Helper()
	logger := arbor.NewLogger()
	ctx := context.Background()

	base := t.TempDir()
	uploaded := filepath.Join(base, "uploaded")
	outDir := filepath.Join(base, "out")
	require.NoError(t, os.MkdirAll(uploaded, 0755))
	require.NoError(t, os.MkdirAll(outDir, 0755))

	loc, err := locator.New(common.LayersConfig{
		UseFileAccess:     true,
		Directory:         "/headless/layers",
		DirectoryBasePath: uploaded,
	}, common.ImpactConfig{OutputDirectory: outDir, BaseURL: "http://worker/out"})
	require.NoError(t, err)

	manager, err := badger.NewManager(logger, &common.BadgerConfig{Path: filepath.Join(base, "db")})
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })

	qcfg := queue.NewDefaultConfig()
	qcfg.PollInterval = 10 * time.Millisecond
	broker, err := queue.NewBroker(manager.Database().DB(), qcfg, logger)
	require.NoError(t, err)

	layers := manager.LayerStorage()
	require.NoError(t, layers.SaveLayer(ctx, &models.Layer{ID: "lyr_flood", Name: "flood", Title: "flood", BasePath: filepath.Join(uploaded, "flood.tif")}))
	require.NoError(t, layers.SaveLayer(ctx, &models.Layer{ID: "lyr_buildings", Name: "buildings", Title: "buildings", BasePath: filepath.Join(uploaded, "buildings.shp")}))

	cfg := common.NewDefaultConfig().Analysis
	cfg.ReportRetries = 2
	cfg.ReportRetryDelay = "50ms"
	cfg.ArtifactDirectory = filepath.Join(base, "artifacts")
	if configure != nil {
		configure(&cfg)
	}

	reports := &fakeReports{broker: broker}
	publisher := &fakePublisher{analyses: manager.AnalysisStorage()}
	notifier := &fakeNotifier{}

	ingestor, err := NewIngestor(cfg, manager.AnalysisStorage(), layers, loc, reports, publisher, notifier, logger)
	require.NoError(t, err)

	return &ingestFixture{
		ingestor:  ingestor,
		analyses:  manager.AnalysisStorage(),
		reports:   reports,
		publisher: publisher,
		notifier:  notifier,
		outDir:    outDir,
		uploaded:  uploaded,
	}
}

func (f *ingestFixture) saveAnalysis(t *testing.T, a *models.Analysis) {
	t.Helper()
	require.NoError(t, f.analyses.SaveAnalysis(context.Background(), a))
}

func (f *ingestFixture) writeOutput(t *testing.T, rel, content string) string {
	t.Helper()
	path := filepath.Join(f.outDir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

type zipEntry struct {
	name, body string
}

func writeZip(t *testing.T, path string, entries ...zipEntry) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for _, e := range entries {
		w, err := zw.Create(e.name)
		require.NoError(t, err)
		_, err = w.Write([]byte(e.body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
}

func floodAnalysis() *models.Analysis {
	return &models.Analysis{
		ID:              "ana_1",
		User:            models.Requester{ID: "7", Email: "analyst@example.org"},
		HazardLayerID:   "lyr_flood",
		ExposureLayerID: "lyr_buildings",
		ExtentOption:    models.ExtentHazardExposure,
		LanguageCode:    "en",
		TaskID:          "root",
		TaskState:       models.TaskStarted,
	}
}

const defaultReports = `{"status":0,"message":"","output":{"pdf_product_tag":{
	"inasafe-map-report-portrait":"http://worker/out/1/map-portrait.pdf",
	"impact-report-pdf":"http://worker/out/1/impact-report.pdf"}}}`

func TestProcessResultFloodOnBuildings(t *testing.T) {
	f := newIngestFixture(t, nil)
	ctx := context.Background()
	f.saveAnalysis(t, floodAnalysis())
	f.reports.reply = defaultReports

	archive := filepath.Join(f.outDir, "1", "impact.zip")
	writeZip(t, archive,
		zipEntry{"readme.txt", "not a dataset"},
		zipEntry{"impact.shp", "shp"},
		zipEntry{"impact.shx", "shx"},
		zipEntry{"impact.dbf", "dbf"},
		zipEntry{"analysis_summary.json", "{}"},
		zipEntry{"population.tif", "second dataset"},
	)
	f.writeOutput(t, "1/map-portrait.pdf", "%PDF-1.4")
	f.writeOutput(t, "1/impact-report.pdf", "%PDF-1.4")

	ok, err := f.ingestor.ProcessResult(ctx, "ana_1", &models.AnalysisResult{
		Envelope: models.Envelope{Status: models.StatusSuccess},
		Output: map[string]string{
			models.OutputImpactAnalysis:  "http://worker/out/1/impact.zip",
			models.OutputAnalysisSummary: "http://worker/out/1/analysis_summary.json",
		},
	})
	require.NoError(t, err)
	assert.True(t, ok)

	require.Len(t, f.publisher.published, 1, "exactly one dataset is republished")
	call := f.publisher.published[0]
	assert.Equal(t, "impact.shp", filepath.Base(call.req.DatasetPath))
	assert.Equal(t, "analysis_summary.json", filepath.Base(call.req.SummaryPath))
	assert.Equal(t, "flood on buildings", call.req.Title)
	assert.Equal(t, "7", call.req.OwnerID)
	assert.Equal(t, models.LayerPurposeImpact, call.req.Purpose)
	assert.ElementsMatch(t, []string{"impact.shp", "impact.shx", "impact.dbf"}, call.files)

	require.Len(t, f.reports.calls, 1)
	args := f.reports.calls[0]
	assert.Equal(t, "http://worker/out/1/impact.zip", args.ImpactURI)
	assert.Empty(t, args.TemplateURI)
	assert.Equal(t, []string{"http://worker/out/1/impact.zip", "/headless/layers/flood.tif", "@basemap"}, args.LayerOrder)

	analysis, err := f.analyses.GetAnalysis(ctx, "ana_1")
	require.NoError(t, err)
	assert.Equal(t, "lyr_new_1", analysis.ImpactLayerID)
	assert.Equal(t, models.TaskSuccess, analysis.TaskState)
	assert.NotNil(t, analysis.EndTime)
	assert.Equal(t, "reports/ana_1/map-map-portrait.pdf", analysis.ReportMap)
	assert.Equal(t, "reports/ana_1/table-impact-report.pdf", analysis.ReportTable)

	_, err = os.Stat(archive)
	assert.True(t, os.IsNotExist(err), "downloaded archive removed")
	leftovers, err := filepath.Glob(filepath.Join(f.outDir, "1", "extract_*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers, "extracted files removed")

	assert.Equal(t, []string{"ana_1"}, f.notifier.notified)
}

func TestProcessResultReplacesPreviousResult(t *testing.T) {
	f := newIngestFixture(t, nil)
	ctx := context.Background()

	analysis := floodAnalysis()
	analysis.ImpactLayerID = "lyr_old"
	analysis.ReportMap = "reports/ana_1/old-map.pdf"
	analysis.UserTitle = "My flood run"
	f.saveAnalysis(t, analysis)
	f.reports.reply = defaultReports

	writeZip(t, filepath.Join(f.outDir, "1", "impact.zip"), zipEntry{"impact.geojson", "{}"})
	f.writeOutput(t, "1/map-portrait.pdf", "%PDF-1.4")

	ok, err := f.ingestor.ProcessResult(ctx, "ana_1", &models.AnalysisResult{
		Envelope: models.Envelope{Status: models.StatusSuccess},
		Output:   map[string]string{models.OutputHazardAggregationSummary: "http://worker/out/1/impact.zip"},
	})
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Empty(t, f.publisher.violation)
	assert.Equal(t, []string{
		"publish:lyr_new_1",
		"delete:lyr_old",
		"report:reports/ana_1/map-map-portrait.pdf",
		"remove-report:reports/ana_1/old-map.pdf",
	}, f.publisher.events)
	assert.Equal(t, "My flood run", f.publisher.published[0].req.Title)

	stored, err := f.analyses.GetAnalysis(ctx, "ana_1")
	require.NoError(t, err)
	assert.Equal(t, "lyr_new_1", stored.ImpactLayerID)
	assert.Equal(t, "reports/ana_1/map-map-portrait.pdf", stored.ReportMap)
	assert.Empty(t, stored.ReportTable, "impact report pdf was not produced")
}

func TestProcessResultFailedAnalysis(t *testing.T) {
	f := newIngestFixture(t, nil)
	ctx := context.Background()
	f.saveAnalysis(t, floodAnalysis())

	ok, err := f.ingestor.ProcessResult(ctx, "ana_1", &models.AnalysisResult{
		Envelope: models.Envelope{Status: 1, Message: "WorkerLostError"},
	})
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Empty(t, f.reports.calls)
	assert.Empty(t, f.publisher.published)
	assert.Equal(t, []string{"ana_1"}, f.notifier.notified, "requester is notified of failures too")

	stored, err := f.analyses.GetAnalysis(ctx, "ana_1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskFailure, stored.TaskState)
	assert.NotNil(t, stored.EndTime)
}

func TestProcessResultLooseDatasetWithoutReport(t *testing.T) {
	f := newIngestFixture(t, nil)
	ctx := context.Background()

	analysis := floodAnalysis()
	analysis.User = models.Requester{ID: "AnonymousUser"}
	f.saveAnalysis(t, analysis)

	dataset := f.writeOutput(t, "2/impact.geojson", `{"type":"FeatureCollection","features":[]}`)
	style := f.writeOutput(t, "2/impact.qml", "<qgis/>")
	f.writeOutput(t, "2/analysis_summary.json", "{}")

	started := time.Now()
	ok, err := f.ingestor.ProcessResult(ctx, "ana_1", &models.AnalysisResult{
		Envelope: models.Envelope{Status: models.StatusSuccess},
		Output: map[string]string{
			models.OutputImpactAnalysis:  "http://worker/out/2/impact.geojson",
			models.OutputAnalysisSummary: "http://worker/out/2/analysis_summary.json",
		},
	})
	require.NoError(t, err)
	assert.True(t, ok, "a missing report does not fail the ingestion")
	assert.Less(t, time.Since(started), 5*time.Second)

	require.Len(t, f.publisher.published, 1)
	call := f.publisher.published[0]
	assert.Equal(t, dataset, call.req.DatasetPath)
	assert.Equal(t, "analysis_summary.json", filepath.Base(call.req.SummaryPath))
	assert.Empty(t, call.req.OwnerID, "anonymous requester")

	for _, p := range []string{dataset, style} {
		_, err := os.Stat(p)
		assert.True(t, os.IsNotExist(err), "%s removed", p)
	}

	stored, err := f.analyses.GetAnalysis(ctx, "ana_1")
	require.NoError(t, err)
	assert.Empty(t, stored.ReportMap)
	assert.Equal(t, models.TaskSuccess, stored.TaskState)
}

func TestProcessResultArchiveWithoutDataset(t *testing.T) {
	f := newIngestFixture(t, nil)
	ctx := context.Background()
	f.saveAnalysis(t, floodAnalysis())

	writeZip(t, filepath.Join(f.outDir, "3", "impact.zip"), zipEntry{"notes.txt", "nothing"})

	ok, err := f.ingestor.ProcessResult(ctx, "ana_1", &models.AnalysisResult{
		Envelope: models.Envelope{Status: models.StatusSuccess},
		Output:   map[string]string{models.OutputImpactAnalysis: "http://worker/out/3/impact.zip"},
	})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, f.publisher.published)

	stored, err := f.analyses.GetAnalysis(ctx, "ana_1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskFailure, stored.TaskState)
}

func TestProcessResultCustomTemplate(t *testing.T) {
	templateDir := t.TempDir()
	template := filepath.Join(templateDir, "custom.qpt")
	require.NoError(t, os.WriteFile(template, []byte("<Composer/>"), 0644))

	f := newIngestFixture(t, func(cfg *common.AnalysisConfig) {
		cfg.CustomTemplates = map[string]string{"id": template}
		cfg.BasemapURL = "https://tile.example.org/{z}/{x}/{y}.png"
	})
	ctx := context.Background()

	analysis := floodAnalysis()
	analysis.LanguageCode = "id"
	f.saveAnalysis(t, analysis)
	f.reports.reply = `{"status":0,"output":{"pdf_product_tag":{
		"custom-map-report":"http://worker/out/1/custom-map.pdf",
		"inasafe-map-report-portrait":"http://worker/out/1/map-portrait.pdf"}}}`

	templateCopy := filepath.Join(f.outDir, "1", "ana_1_custom.qpt")
	var staged []byte
	f.reports.onCall = func(headless.ReportArgs) {
		staged, _ = os.ReadFile(templateCopy)
	}

	writeZip(t, filepath.Join(f.outDir, "1", "impact.zip"), zipEntry{"impact.shp", "shp"})
	f.writeOutput(t, "1/custom-map.pdf", "%PDF-1.4")
	f.writeOutput(t, "1/map-portrait.pdf", "%PDF-1.4")

	ok, err := f.ingestor.ProcessResult(ctx, "ana_1", &models.AnalysisResult{
		Envelope: models.Envelope{Status: models.StatusSuccess},
		Output:   map[string]string{models.OutputImpactAnalysis: "http://worker/out/1/impact.zip"},
	})
	require.NoError(t, err)
	assert.True(t, ok)

	require.Len(t, f.reports.calls, 1)
	args := f.reports.calls[0]
	assert.Equal(t, "http://worker/out/1/ana_1_custom.qpt", args.TemplateURI)
	assert.Equal(t, "id", args.Locale)
	assert.Contains(t, args.LayerOrder, "type=xyz&url=https://tile.example.org/{z}/{x}/{y}.png|qgis_provider=wms")

	assert.Equal(t, "<Composer/>", string(staged))
	assert.NoFileExists(t, templateCopy)

	stored, err := f.analyses.GetAnalysis(ctx, "ana_1")
	require.NoError(t, err)
	assert.Equal(t, "reports/ana_1/map-custom-map.pdf", stored.ReportMap)
}

func TestProcessResultUnknownAnalysis(t *testing.T) {
	f := newIngestFixture(t, nil)

	ok, err := f.ingestor.ProcessResult(context.Background(), "ana_missing", &models.AnalysisResult{})
	assert.False(t, ok)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
	assert.Empty(t, f.notifier.notified)
}

// scriptedHandle answers Get with the queued errors, then a report
type scriptedHandle struct {
	errs  []error
	calls int
}

func (h *scriptedHandle) Get(ctx context.Context, timeout time.Duration, v interface{}) error {
	h.calls++
	if h.calls <= len(h.errs) {
		return h.errs[h.calls-1]
	}
	return json.Unmarshal([]byte(`{"status":0,"output":{"pdf_product_tag":{"impact-report-pdf":"http://worker/r.pdf"}}}`), v)
}

func TestAwaitReport(t *testing.T) {
	ctx := context.Background()
	notReady := fmt.Errorf("task after 1ms: %w", queue.ErrTimeout)

	t.Run("ready after retries", func(t *testing.T) {
		h := &scriptedHandle{errs: []error{notReady, notReady}}
		report, attempts, err := awaitReport(ctx, h, 10, time.Millisecond)
		require.NoError(t, err)
		require.NotNil(t, report)
		assert.Equal(t, 3, attempts)
		assert.Equal(t, 3, h.calls)
	})

	t.Run("undecodable result settles at once", func(t *testing.T) {
		var into models.ReportResult
		decodeErr := json.Unmarshal([]byte(`"not a report"`), &into)
		require.Error(t, decodeErr)

		h := &scriptedHandle{errs: []error{fmt.Errorf("failed to decode result of r1: %w", decodeErr)}}
		report, attempts, err := awaitReport(ctx, h, 10, time.Millisecond)
		require.Error(t, err)
		assert.Nil(t, report)
		assert.Equal(t, 1, attempts)
		assert.Equal(t, 1, h.calls)
	})

	t.Run("remote failure settles at once", func(t *testing.T) {
		h := &scriptedHandle{errs: []error{&models.TaskError{ExceptionType: "geosafe.RemoteTaskException"}}}
		_, attempts, err := awaitReport(ctx, h, 10, time.Millisecond)
		var failure *models.TaskError
		require.ErrorAs(t, err, &failure)
		assert.Equal(t, 1, attempts)
	})

	t.Run("never ready", func(t *testing.T) {
		h := &scriptedHandle{errs: []error{notReady, notReady, notReady}}
		_, attempts, err := awaitReport(ctx, h, 3, time.Millisecond)
		assert.ErrorIs(t, err, queue.ErrTimeout)
		assert.Equal(t, 3, attempts)
		assert.Equal(t, 3, h.calls)
	})
}
