package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/geosafe/internal/headless"
	"github.com/ternarybob/geosafe/internal/interfaces"
	"github.com/ternarybob/geosafe/internal/locator"
	"github.com/ternarybob/geosafe/internal/models"
	"github.com/ternarybob/geosafe/internal/queue"
)

// ResultIngestor processes a run_analysis result
type ResultIngestor interface {
	ProcessResult(ctx context.Context, analysisID string, result *models.AnalysisResult) (bool, error)
}

// AggregationCleaner removes temporary filtered aggregation layers
type AggregationCleaner interface {
	Remove(ctx context.Context, analysisID, path string) error
}

// RetentionSweeper removes analyses and impact layers that are not kept
type RetentionSweeper interface {
	SweepResults(ctx context.Context) error
}

// HandlerRegistry is where stage handlers are registered
type HandlerRegistry interface {
	RegisterHandler(task string, handler queue.TaskHandler)
}

// Handlers implements the locally executed stages
type Handlers struct {
	analyses   interfaces.AnalysisStorage
	layers     interfaces.LayerStorage
	locator    *locator.Locator
	ingestor   ResultIngestor
	cleaner    AggregationCleaner
	sweeper    RetentionSweeper
	dispatcher ChainDispatcher
	logger     arbor.ILogger
}

// NewHandlers creates the stage handlers. sweeper may be nil when the
// retention task is not served by this process.
func NewHandlers(
	analyses interfaces.AnalysisStorage,
	layers interfaces.LayerStorage,
	loc *locator.Locator,
	ingestor ResultIngestor,
	cleaner AggregationCleaner,
	sweeper RetentionSweeper,
	dispatcher ChainDispatcher,
	logger arbor.ILogger,
) *Handlers {
	return &Handlers{
		analyses:   analyses,
		layers:     layers,
		locator:    loc,
		ingestor:   ingestor,
		cleaner:    cleaner,
		sweeper:    sweeper,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Register adds every local stage to the registry
func (h *Handlers) Register(registry HandlerRegistry) {
	registry.RegisterHandler(TaskProcessImpactResult, h.ProcessImpactResult)
	registry.RegisterHandler(TaskCleanUpTempAggregation, h.CleanUpTempAggregation)
	registry.RegisterHandler(TaskCreateMetadataObject, h.CreateMetadataObject)
	registry.RegisterHandler(TaskSetLayerPurpose, h.SetLayerPurpose)
	if h.sweeper != nil {
		registry.RegisterHandler(TaskCleanImpactResult, h.CleanImpactResult)
	}
}

// ProcessImpactResult ingests the forwarded run_analysis envelope.
// Args: [envelope, analysis_id]. A failed envelope fails the stage with the
// remote exception class, a dataset that could not be ingested with
// geosafe.IngestionError.
func (h *Handlers) ProcessImpactResult(ctx context.Context, msg *models.TaskMessage) (interface{}, error) {
	var result *models.AnalysisResult
	if _, err := msg.Arg(0, &result); err != nil {
		return nil, err
	}
	var analysisID string
	if _, err := msg.Arg(1, &analysisID); err != nil {
		return nil, err
	}
	if analysisID == "" {
		return nil, errors.New("process_impact_result needs an analysis id")
	}

	ok, err := h.ingestor.ProcessResult(ctx, analysisID, result)
	if err != nil {
		return nil, err
	}
	if ok {
		return true, nil
	}

	if result == nil || !result.Succeeded() {
		message := "analysis produced no result"
		if result != nil {
			message = result.Message
		}
		return nil, &models.TaskError{
			ExceptionType: headless.ExceptionClass(message),
			Message:       message,
			Traceback:     message,
		}
	}
	return nil, &models.TaskError{
		ExceptionType: ExceptionIngestion,
		Message:       fmt.Sprintf("no impact layer ingested from %s", result.ImpactURI()),
	}
}

// CleanUpTempAggregation removes the filtered aggregation whatever the
// outcome of the earlier stages. Args: [previous_result, analysis_id,
// filtered_path]. The path is the one prepared for this chain; a rerun may
// already have recorded a newer one on the analysis.
func (h *Handlers) CleanUpTempAggregation(ctx context.Context, msg *models.TaskMessage) (interface{}, error) {
	var analysisID, path string
	if _, err := msg.Arg(1, &analysisID); err != nil {
		return nil, err
	}
	bound, err := msg.Arg(2, &path)
	if err != nil {
		return nil, err
	}

	if !bound {
		analysis, err := h.analyses.GetAnalysis(ctx, analysisID)
		if errors.Is(err, interfaces.ErrNotFound) {
			// cancelled while running
			return true, nil
		}
		if err != nil {
			return nil, err
		}
		path = analysis.FilteredAggregation
	}

	if err := h.cleaner.Remove(ctx, analysisID, path); err != nil {
		h.logger.Warn().Err(err).Str("analysis_id", analysisID).Str("path", path).Msg("Failed to clean up filtered aggregation")
	}
	return true, nil
}

// CreateMetadataObject dispatches get_keywords -> set_layer_purpose for a
// layer. Args: [layer_id]. Returns the root task id.
func (h *Handlers) CreateMetadataObject(ctx context.Context, msg *models.TaskMessage) (interface{}, error) {
	var layerID string
	if _, err := msg.Arg(0, &layerID); err != nil {
		return nil, err
	}

	layer, err := h.layers.GetLayer(ctx, layerID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return nil, &models.TaskError{ExceptionType: ExceptionNoLayer, Message: layerID}
		}
		return nil, err
	}

	uri, err := h.locator.ResolveLayer(layer)
	if err != nil {
		return nil, err
	}
	if h.locator.DirectAccess() && !layer.Remote {
		uri = (&url.URL{Scheme: "file", Path: uri}).String()
	}

	keywords, err := headless.GetKeywordsSignature(uri)
	if err != nil {
		return nil, err
	}
	purpose, err := models.NewSignature(TaskSetLayerPurpose, queue.QueueGeoSAFE, layerID)
	if err != nil {
		return nil, err
	}

	chain, err := h.dispatcher.SendChain(ctx, keywords, purpose)
	if err != nil {
		return nil, err
	}
	return chain.Root().ID(), nil
}

// SetLayerPurpose stores the keywords reported by get_keywords on the layer.
// Args: [keywords, layer_id].
func (h *Handlers) SetLayerPurpose(ctx context.Context, msg *models.TaskMessage) (interface{}, error) {
	var keywords map[string]interface{}
	if _, err := msg.Arg(0, &keywords); err != nil {
		return nil, err
	}
	var layerID string
	if _, err := msg.Arg(1, &layerID); err != nil {
		return nil, err
	}

	layer, err := h.layers.GetLayer(ctx, layerID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return nil, &models.TaskError{ExceptionType: ExceptionNoLayer, Message: layerID}
		}
		return nil, err
	}

	ApplyKeywords(layer, keywords)
	if err := h.layers.SaveLayer(ctx, layer); err != nil {
		return nil, err
	}

	h.logger.Debug().
		Str("layer_id", layerID).
		Str("purpose", layer.Purpose).
		Str("category", layer.Category).
		Msg("Layer purpose set")
	return true, nil
}

// CleanImpactResult runs the retention sweep
func (h *Handlers) CleanImpactResult(ctx context.Context, msg *models.TaskMessage) (interface{}, error) {
	if err := h.sweeper.SweepResults(ctx); err != nil {
		return nil, err
	}
	return true, nil
}

// ApplyKeywords copies purpose, category and the raw keywords onto a layer.
// Aggregation summaries are impact layers.
func ApplyKeywords(layer *models.Layer, keywords map[string]interface{}) {
	purpose, _ := keywords["layer_purpose"].(string)
	if purpose == purposeHazardAggregationSummary {
		purpose = models.LayerPurposeImpact
	}
	layer.Purpose = purpose

	layer.Category = ""
	if category, ok := keywords[purpose].(string); ok {
		layer.Category = category
	}

	if raw, err := json.Marshal(keywords); err == nil {
		layer.KeywordsJSON = string(raw)
	}
}
