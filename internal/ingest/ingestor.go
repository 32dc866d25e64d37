// Package ingest turns a finished remote analysis into managed content: it
// requests the reports, fetches the impact dataset, republishes it and
// attaches everything to the analysis.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/geosafe/internal/common"
	"github.com/ternarybob/geosafe/internal/headless"
	"github.com/ternarybob/geosafe/internal/interfaces"
	"github.com/ternarybob/geosafe/internal/locator"
	"github.com/ternarybob/geosafe/internal/models"
	"github.com/ternarybob/geosafe/internal/queue"
)

const basemapSourceFormat = "type=xyz&url=%s|qgis_provider=wms"

// ReportGenerator dispatches generate_report
type ReportGenerator interface {
	GenerateReport(ctx context.Context, args headless.ReportArgs) (*queue.AsyncResult, error)
}

// Ingestor processes run_analysis results
type Ingestor struct {
	config     common.AnalysisConfig
	analyses   interfaces.AnalysisStorage
	layers     interfaces.LayerStorage
	locator    *locator.Locator
	reports    ReportGenerator
	publisher  interfaces.LayerPublisher
	notifier   interfaces.Notifier
	downloader *Downloader
	matcher    *ReportMatcher
	logger     arbor.ILogger
}

// NewIngestor creates an ingestor. notifier may be nil.
func NewIngestor(
	config common.AnalysisConfig,
	analyses interfaces.AnalysisStorage,
	layers interfaces.LayerStorage,
	loc *locator.Locator,
	reports ReportGenerator,
	publisher interfaces.LayerPublisher,
	notifier interfaces.Notifier,
	logger arbor.ILogger,
) (*Ingestor, error) {
	matcher, err := NewReportMatcher(config)
	if err != nil {
		return nil, err
	}

	dir := config.ArtifactDirectory
	if dir == "" {
		dir = os.TempDir()
	}

	return &Ingestor{
		config:     config,
		analyses:   analyses,
		layers:     layers,
		locator:    loc,
		reports:    reports,
		publisher:  publisher,
		notifier:   notifier,
		downloader: NewDownloader(dir, common.ParseDuration(config.DownloadTimeout, 5*time.Minute), logger),
		matcher:    matcher,
		logger:     logger,
	}, nil
}

// inputs are the analysis' input layers; missing layers stay nil
type inputs struct {
	hazard      *models.Layer
	exposure    *models.Layer
	aggregation *models.Layer
}

func (in inputs) title() string {
	title := func(l *models.Layer) string {
		if l == nil {
			return ""
		}
		return l.DisplayTitle()
	}
	return models.DefaultImpactTitle(title(in.hazard), title(in.exposure), title(in.aggregation))
}

// ProcessResult ingests a run_analysis result for an analysis. It reports
// whether the impact dataset was attached; a missing report does not fail
// the ingestion. The error is only set when the analysis cannot be loaded.
func (i *Ingestor) ProcessResult(ctx context.Context, analysisID string, result *models.AnalysisResult) (bool, error) {
	analysis, err := i.analyses.GetAnalysis(ctx, analysisID)
	if err != nil {
		return false, fmt.Errorf("failed to load analysis %s: %w", analysisID, err)
	}
	logger := i.logger.WithCorrelationId(analysisID)

	success := false
	defer func() {
		if !success {
			i.markFailed(ctx, analysis)
		}
		i.notify(ctx, analysis)
	}()

	if result == nil || !result.Succeeded() {
		message := "no result"
		if result != nil {
			message = result.Message
		}
		logger.Warn().Str("message", message).Msg("Analysis failed, skipping ingestion")
		return false, nil
	}

	impactURI := result.ImpactURI()
	if impactURI == "" {
		logger.Warn().Msg("Analysis result has no impact output")
		return false, nil
	}

	in := i.loadInputs(ctx, analysis)
	templateURI, templateCopy := i.prepareTemplate(analysis, impactURI)
	report := i.fetchReport(ctx, analysis, headless.ReportArgs{
		ImpactURI:   impactURI,
		TemplateURI: templateURI,
		LayerOrder:  i.layerOrder(analysis, in, impactURI),
		Locale:      analysis.LanguageCode,
	})
	if templateCopy != "" {
		if err := remove(templateCopy); err != nil {
			logger.Warn().Err(err).Str("path", templateCopy).Msg("Failed to remove report template copy")
		}
	}

	download, err := i.fetchImpact(ctx, impactURI)
	if err != nil {
		logger.Error().Err(err).Str("impact_uri", impactURI).Msg("Failed to fetch impact layer")
	} else {
		defer func() {
			if err := remove(download.Path); err != nil {
				logger.Warn().Err(err).Str("path", download.Path).Msg("Failed to remove impact artifact")
			}
		}()

		if err := i.ingestDataset(ctx, analysis, in, download.Path, result.SummaryURI()); err != nil {
			logger.Error().Err(err).Str("impact_uri", impactURI).Msg("No impact layer ingested")
		} else {
			success = true
		}
	}

	if !i.attachReports(ctx, analysis, report, templateURI != "") {
		logger.Info().Msg("No impact report attached")
	}

	return success, nil
}

func (i *Ingestor) loadInputs(ctx context.Context, analysis *models.Analysis) inputs {
	load := func(id string) *models.Layer {
		if id == "" {
			return nil
		}
		layer, err := i.layers.GetLayer(ctx, id)
		if err != nil {
			i.logger.Warn().Err(err).Str("layer_id", id).Msg("Failed to load input layer")
			return nil
		}
		return layer
	}
	return inputs{
		hazard:      load(analysis.HazardLayerID),
		exposure:    load(analysis.ExposureLayerID),
		aggregation: load(analysis.AggregationLayerID),
	}
}

// prepareTemplate copies the analysis' custom report template next to the
// impact output. It returns the copy's worker-visible location and local
// path, both empty when the default template is used.
func (i *Ingestor) prepareTemplate(analysis *models.Analysis, impactURI string) (string, string) {
	template := analysis.CustomTemplate
	if template == "" {
		template = i.config.CustomTemplates[analysis.LanguageCode]
	}
	if template == "" {
		return "", ""
	}
	if _, err := os.Stat(template); err != nil {
		i.logger.Warn().Err(err).Str("template", template).Msg("Custom report template missing, using default")
		return "", ""
	}

	// one copy per analysis so concurrent reports never share a template file
	remoteURI := siblingURI(impactURI, analysis.ID+"_"+filepath.Base(template))
	local, err := i.locator.ResolveOutput(remoteURI)
	if err == nil {
		local, err = localPath(local)
	}
	if err == nil {
		err = common.CopyFile(template, local)
	}
	if err != nil {
		i.logger.Warn().Err(err).Str("template", template).Msg("Failed to stage custom report template, using default")
		return "", ""
	}
	return remoteURI, local
}

func (i *Ingestor) layerOrder(analysis *models.Analysis, in inputs, impactURI string) []string {
	if len(i.config.ReportLayerOrder) == 0 {
		return nil
	}
	order := append([]string(nil), i.config.ReportLayerOrder...)

	sources := map[string]interface{}{"impact": impactURI}
	resolve := func(role string, layer *models.Layer) {
		if layer == nil {
			return
		}
		uri, err := i.locator.ResolveLayer(layer)
		if err != nil {
			i.logger.Debug().Err(err).Str("role", role).Msg("Layer left unresolved in report order")
			return
		}
		sources[role] = uri
	}
	resolve("hazard", in.hazard)
	resolve("exposure", in.exposure)
	if analysis.AggregationLayerID != "" {
		resolve("aggregation", in.aggregation)
	} else {
		order = withoutEntry(order, LayerOrderMarker+"aggregation")
	}
	if i.config.BasemapURL != "" {
		sources["basemap"] = fmt.Sprintf(basemapSourceFormat, i.config.BasemapURL)
	}

	return SubstituteLayerOrder(order, sources)
}

// fetchReport dispatches generate_report and polls for its result a fixed
// number of times. A missing report is not fatal.
func (i *Ingestor) fetchReport(ctx context.Context, analysis *models.Analysis, args headless.ReportArgs) *models.ReportResult {
	logger := i.logger.WithCorrelationId(analysis.ID)

	handle, err := i.reports.GenerateReport(ctx, args)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to dispatch report generation")
		return nil
	}

	retries := i.config.ReportRetries
	if retries < 1 {
		retries = 1
	}
	delay := common.ParseDuration(i.config.ReportRetryDelay, 5*time.Second)

	report, attempts, err := awaitReport(ctx, handle, retries, delay)
	switch {
	case err != nil && errors.Is(err, queue.ErrTimeout):
		logger.Warn().Str("task_id", handle.ID()).Int("attempts", attempts).Msg("Report fetch retries exhausted")
		return nil
	case err != nil:
		logger.Warn().Err(err).Int("attempts", attempts).Msg("Report generation did not complete")
		return nil
	case !report.Succeeded():
		logger.Warn().Str("message", report.Message).Msg("Report generation failed")
		return nil
	}
	return report
}

// resultHandle is the part of an AsyncResult the report poll needs
type resultHandle interface {
	Get(ctx context.Context, timeout time.Duration, v interface{}) error
}

// awaitReport waits up to delay per attempt for the report result. Only a
// result that is not ready yet is retried; any other outcome settles the
// poll, so a result that cannot be decoded is not read over and over.
func awaitReport(ctx context.Context, handle resultHandle, retries int, delay time.Duration) (*models.ReportResult, int, error) {
	var err error
	for attempt := 1; attempt <= retries; attempt++ {
		var report models.ReportResult
		err = handle.Get(ctx, delay, &report)
		if err == nil {
			return &report, attempt, nil
		}
		if !errors.Is(err, queue.ErrTimeout) || ctx.Err() != nil {
			return nil, attempt, err
		}
	}
	return nil, retries, err
}

func (i *Ingestor) fetchImpact(ctx context.Context, impactURI string) (*Download, error) {
	resolved, err := i.locator.ResolveOutput(impactURI)
	if err != nil {
		return nil, err
	}
	download, err := i.downloader.Fetch(ctx, resolved)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(download.Path); err != nil {
		return nil, fmt.Errorf("impact artifact not found: %w", err)
	}
	return download, nil
}

// ingestDataset republishes the dataset found at artifact. Archives are
// extracted into a scratch directory that is removed afterwards; loose
// datasets have their siblings removed once published.
func (i *Ingestor) ingestDataset(ctx context.Context, analysis *models.Analysis, in inputs, artifact, summaryURI string) error {
	summaryName := ""
	if summaryURI != "" {
		summaryName = path.Base(summaryURI)
	}

	kind := detectArchive(artifact)
	if kind == notArchive {
		if !IsDataset(artifact) {
			return fmt.Errorf("%s is not a recognized dataset", filepath.Base(artifact))
		}
		summary := ""
		if summaryName != "" {
			summary = filepath.Join(filepath.Dir(artifact), summaryName)
		}
		err := i.publish(ctx, analysis, in, artifact, summary)
		if removed, rmErr := common.RemoveSiblings(artifact); rmErr != nil {
			i.logger.Warn().Err(rmErr).Strs("removed", removed).Msg("Failed to clean up impact files")
		}
		return err
	}

	scratch, err := os.MkdirTemp(filepath.Dir(artifact), "extract_*")
	if err != nil {
		return fmt.Errorf("failed to create extraction directory: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			i.logger.Warn().Err(err).Str("path", scratch).Msg("Failed to remove extracted files")
		}
	}()

	files, err := extract(kind, artifact, scratch)
	if err != nil {
		return err
	}
	dataset := firstDataset(files)
	if dataset == "" {
		return fmt.Errorf("no dataset found in %s", filepath.Base(artifact))
	}
	return i.publish(ctx, analysis, in, dataset, findByName(files, summaryName))
}

// publish republishes the dataset and swaps it in as the analysis' impact
// layer. The previous impact layer is deleted only after the new one is attached.
func (i *Ingestor) publish(ctx context.Context, analysis *models.Analysis, in inputs, dataset, summary string) error {
	if summary != "" {
		if _, err := os.Stat(summary); err != nil {
			i.logger.Debug().Str("summary", summary).Msg("Analysis summary not found")
			summary = ""
		}
	}

	owner := analysis.User.ID
	if analysis.User.Anonymous() {
		owner = ""
	}
	title := analysis.UserTitle
	if title == "" {
		title = in.title()
	}

	layer, err := i.publisher.Publish(ctx, interfaces.PublishRequest{
		DatasetPath: dataset,
		SummaryPath: summary,
		OwnerID:     owner,
		Title:       title,
		Purpose:     models.LayerPurposeImpact,
	})
	if err != nil {
		return fmt.Errorf("failed to publish impact layer: %w", err)
	}

	now := time.Now()
	var previous string
	updated, err := i.analyses.UpdateAnalysis(ctx, analysis.ID, func(a *models.Analysis) error {
		previous = a.ImpactLayerID
		a.ImpactLayerID = layer.ID
		a.TaskState = models.TaskSuccess
		a.EndTime = &now
		return nil
	})
	if err != nil {
		if delErr := i.publisher.DeleteLayer(ctx, layer.ID); delErr != nil {
			i.logger.Warn().Err(delErr).Str("layer_id", layer.ID).Msg("Failed to roll back published layer")
		}
		return fmt.Errorf("failed to attach impact layer: %w", err)
	}
	*analysis = *updated

	if previous != "" && previous != layer.ID {
		if err := i.publisher.DeleteLayer(ctx, previous); err != nil {
			i.logger.Warn().Err(err).Str("layer_id", previous).Msg("Failed to delete previous impact layer")
		}
	}

	i.logger.Info().
		Str("analysis_id", analysis.ID).
		Str("layer_id", layer.ID).
		Str("title", title).
		Msg("Impact layer published")
	return nil
}

// attachReports stores the matched report files and records them on the
// analysis, replacing earlier reports.
func (i *Ingestor) attachReports(ctx context.Context, analysis *models.Analysis, report *models.ReportResult, customTemplate bool) bool {
	products := report.Products(i.matcher.FormatTag())
	if len(products) == 0 {
		return false
	}
	matched := i.matcher.Match(products, customTemplate)

	roles := make([]string, 0, len(matched))
	for role := range matched {
		roles = append(roles, role)
	}
	sort.Strings(roles)

	stored := make(map[string]string, len(roles))
	for _, role := range roles {
		location, err := i.storeReport(ctx, analysis.ID, role, matched[role])
		if err != nil {
			i.logger.Warn().Err(err).Str("role", role).Str("uri", matched[role]).Msg("Report not attached")
			continue
		}
		stored[role] = location
	}
	if len(stored) == 0 {
		return false
	}

	var replaced []string
	updated, err := i.analyses.UpdateAnalysis(ctx, analysis.ID, func(a *models.Analysis) error {
		if loc, ok := stored[ReportMap]; ok {
			if a.ReportMap != "" && a.ReportMap != loc {
				replaced = append(replaced, a.ReportMap)
			}
			a.ReportMap = loc
		}
		if loc, ok := stored[ReportTable]; ok {
			if a.ReportTable != "" && a.ReportTable != loc {
				replaced = append(replaced, a.ReportTable)
			}
			a.ReportTable = loc
		}
		return nil
	})
	if err != nil {
		i.logger.Error().Err(err).Str("analysis_id", analysis.ID).Msg("Failed to record reports")
		for _, loc := range stored {
			i.removeReport(ctx, loc)
		}
		return false
	}
	*analysis = *updated

	for _, loc := range replaced {
		i.removeReport(ctx, loc)
	}
	return true
}

func (i *Ingestor) storeReport(ctx context.Context, analysisID, role, uri string) (string, error) {
	resolved, err := i.locator.ResolveOutput(uri)
	if err != nil {
		return "", err
	}
	download, err := i.downloader.Fetch(ctx, resolved)
	if err != nil {
		return "", err
	}
	if download.Temporary {
		defer remove(download.Path)
	}

	if _, err := os.Stat(download.Path); err != nil {
		return "", err
	}
	if i.config.ValidateReportPDF {
		if err := validatePDF(download.Path); err != nil {
			return "", err
		}
	}
	return i.publisher.StoreReport(ctx, analysisID, role, download.Path)
}

func (i *Ingestor) removeReport(ctx context.Context, location string) {
	if err := i.publisher.RemoveReport(ctx, location); err != nil {
		i.logger.Warn().Err(err).Str("location", location).Msg("Failed to remove report")
	}
}

func (i *Ingestor) markFailed(ctx context.Context, analysis *models.Analysis) {
	now := time.Now()
	updated, err := i.analyses.UpdateAnalysis(ctx, analysis.ID, func(a *models.Analysis) error {
		a.TaskState = models.TaskFailure
		a.EndTime = &now
		return nil
	})
	if err != nil {
		i.logger.Warn().Err(err).Str("analysis_id", analysis.ID).Msg("Failed to record analysis failure")
		return
	}
	*analysis = *updated
}

func (i *Ingestor) notify(ctx context.Context, analysis *models.Analysis) {
	if i.notifier == nil {
		return
	}
	if err := i.notifier.NotifyAnalysisFinished(ctx, analysis); err != nil {
		i.logger.Warn().Err(err).Str("analysis_id", analysis.ID).Msg("Failed to send analysis notification")
	}
}

// siblingURI replaces the last path element of uri with name
func siblingURI(uri, name string) string {
	if u, err := url.Parse(uri); err == nil && u.Scheme != "" {
		u.Path = path.Join(path.Dir(u.Path), name)
		u.RawPath = ""
		return u.String()
	}
	return filepath.Join(filepath.Dir(uri), name)
}

// localPath turns a resolved output location into a filesystem path
func localPath(resolved string) (string, error) {
	u, err := url.Parse(resolved)
	if err != nil || u.Scheme == "" {
		return resolved, nil
	}
	if u.Scheme == "file" {
		return url.PathUnescape(u.EscapedPath())
	}
	if strings.HasPrefix(u.Scheme, "http") {
		return "", fmt.Errorf("%s is not on a shared filesystem", resolved)
	}
	return "", fmt.Errorf("uri scheme not recognized: %s", resolved)
}
