// Package pipeline builds and runs the analysis task chain:
// run_analysis on the remote workers, then result processing and cleanup locally.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/geosafe/internal/common"
	"github.com/ternarybob/geosafe/internal/headless"
	"github.com/ternarybob/geosafe/internal/interfaces"
	"github.com/ternarybob/geosafe/internal/locator"
	"github.com/ternarybob/geosafe/internal/models"
	"github.com/ternarybob/geosafe/internal/queue"
)

// ErrInFlight is returned when an analysis already has a running pipeline
var ErrInFlight = errors.New("analysis pipeline already in flight")

// ChainDispatcher sends task chains and revokes them
type ChainDispatcher interface {
	SendChain(ctx context.Context, sigs ...models.Signature) (*queue.ChainResult, error)
	Revoke(ctx context.Context, ids []string, terminate bool) error
}

// AggregationPreparer derives the filtered aggregation layer
type AggregationPreparer interface {
	Prepare(ctx context.Context, analysis *models.Analysis, layer *models.Layer) (string, error)
}

// Builder resolves an analysis' inputs and dispatches its chain
type Builder struct {
	config     common.AnalysisConfig
	analyses   interfaces.AnalysisStorage
	layers     interfaces.LayerStorage
	locator    *locator.Locator
	preparer   AggregationPreparer
	dispatcher ChainDispatcher
	logger     arbor.ILogger
}

// NewBuilder creates a chain builder
func NewBuilder(
	config common.AnalysisConfig,
	analyses interfaces.AnalysisStorage,
	layers interfaces.LayerStorage,
	loc *locator.Locator,
	preparer AggregationPreparer,
	dispatcher ChainDispatcher,
	logger arbor.ILogger,
) *Builder {
	return &Builder{
		config:     config,
		analyses:   analyses,
		layers:     layers,
		locator:    loc,
		preparer:   preparer,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// PrepareAndDispatch resolves the analysis' layers and dispatches
// run_analysis -> process_impact_result -> clean_up_temp_aggregation.
// Resolution errors are returned before anything is queued. The stored
// handle is the run_analysis stage.
func (b *Builder) PrepareAndDispatch(ctx context.Context, analysisID string) (*queue.ChainResult, error) {
	analysis, err := b.analyses.GetAnalysis(ctx, analysisID)
	if err != nil {
		return nil, err
	}
	if analysis.InFlight() {
		return nil, fmt.Errorf("%s: %w", analysisID, ErrInFlight)
	}
	logger := b.logger.WithCorrelationId(analysisID)

	now := time.Now()
	analysis, err = b.analyses.UpdateAnalysis(ctx, analysisID, func(a *models.Analysis) error {
		a.StartTime = &now
		a.EndTime = nil
		// an earlier run's file belongs to that run's cleanup stage
		a.FilteredAggregation = ""
		return nil
	})
	if err != nil {
		return nil, err
	}

	args, err := b.resolve(ctx, analysis)
	if err != nil {
		logger.Warn().Err(err).Msg("Analysis inputs not resolvable, nothing dispatched")
		return nil, err
	}

	sigs, err := b.signatures(analysisID, args, analysis.FilteredAggregation)
	if err != nil {
		return nil, err
	}
	chain, err := b.dispatcher.SendChain(ctx, sigs...)
	if err != nil {
		return nil, fmt.Errorf("failed to dispatch analysis %s: %w", analysisID, err)
	}

	root := chain.Root()
	if _, err := b.analyses.UpdateAnalysis(ctx, analysisID, func(a *models.Analysis) error {
		a.TaskID = root.ID()
		a.StageIDs = chain.IDs()
		a.TaskState = models.TaskPending
		return nil
	}); err != nil {
		// an untracked chain would still publish results, so stop it
		if revokeErr := b.dispatcher.Revoke(ctx, chain.IDs(), true); revokeErr != nil {
			logger.Warn().Err(revokeErr).Msg("Failed to revoke untracked chain")
		}
		return nil, fmt.Errorf("failed to record pipeline of %s: %w", analysisID, err)
	}

	logger.Info().
		Str("task_id", root.ID()).
		Str("hazard", args.HazardURI).
		Str("exposure", args.ExposureURI).
		Str("aggregation", args.AggregationURI).
		Msg("Analysis dispatched")
	return chain, nil
}

func (b *Builder) resolve(ctx context.Context, analysis *models.Analysis) (headless.AnalysisArgs, error) {
	args := headless.AnalysisArgs{Locale: analysis.LanguageCode}
	if args.Locale == "" {
		args.Locale = b.config.DefaultLocale
	}

	var err error
	if args.HazardURI, err = b.resolveLayer(ctx, analysis.HazardLayerID); err != nil {
		return args, fmt.Errorf("hazard layer: %w", err)
	}
	if args.ExposureURI, err = b.resolveLayer(ctx, analysis.ExposureLayerID); err != nil {
		return args, fmt.Errorf("exposure layer: %w", err)
	}
	if analysis.AggregationLayerID == "" {
		return args, nil
	}

	aggregation, err := b.layers.GetLayer(ctx, analysis.AggregationLayerID)
	if err != nil {
		return args, fmt.Errorf("aggregation layer: %w", err)
	}
	if analysis.AggregationFilter != nil && b.preparer != nil {
		args.AggregationURI, err = b.preparer.Prepare(ctx, analysis, aggregation)
	} else {
		args.AggregationURI, err = b.locator.ResolveLayer(aggregation)
	}
	if err != nil {
		return args, fmt.Errorf("aggregation layer: %w", err)
	}
	return args, nil
}

func (b *Builder) resolveLayer(ctx context.Context, id string) (string, error) {
	if id == "" {
		return "", &locator.ResolutionError{Ref: "<none>", Reason: "layer not set"}
	}
	layer, err := b.layers.GetLayer(ctx, id)
	if err != nil {
		return "", err
	}
	return b.locator.ResolveLayer(layer)
}

// signatures binds the cleanup stage to the filtered aggregation prepared for
// this run, so a stale chain never removes a rerun's file.
func (b *Builder) signatures(analysisID string, args headless.AnalysisArgs, filtered string) ([]models.Signature, error) {
	run, err := headless.RunAnalysisSignature(args, common.ParseDuration(b.config.RunTimeLimit, 600*time.Second))
	if err != nil {
		return nil, err
	}
	process, err := models.NewSignature(TaskProcessImpactResult, queue.QueueGeoSAFE, analysisID)
	if err != nil {
		return nil, err
	}
	cleanup, err := models.NewSignature(TaskCleanUpTempAggregation, queue.QueueGeoSAFE, analysisID, filtered)
	if err != nil {
		return nil, err
	}
	cleanup.AlwaysRun = true

	return []models.Signature{run, process, cleanup}, nil
}
