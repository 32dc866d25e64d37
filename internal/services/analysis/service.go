// -----------------------------------------------------------------------
// Analysis Service - request lifecycle around the task pipeline
// -----------------------------------------------------------------------

package analysis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/geosafe/internal/common"
	"github.com/ternarybob/geosafe/internal/interfaces"
	"github.com/ternarybob/geosafe/internal/models"
	"github.com/ternarybob/geosafe/internal/pipeline"
	"github.com/ternarybob/geosafe/internal/queue"
	"github.com/ternarybob/geosafe/internal/reconcile"
)

// ErrInvalidRequest wraps every validation failure of a create request
var ErrInvalidRequest = errors.New("invalid analysis request")

// Dispatcher prepares and dispatches an analysis pipeline
type Dispatcher interface {
	PrepareAndDispatch(ctx context.Context, analysisID string) (*queue.ChainResult, error)
}

// Revoker stops dispatched stages
type Revoker interface {
	Revoke(ctx context.Context, ids []string, terminate bool) error
}

// StatusTracker reconciles the status of an analysis
type StatusTracker interface {
	Sync(ctx context.Context, analysisID string) (*reconcile.Status, error)
}

// AggregationCleaner removes a temporary filtered aggregation layer
type AggregationCleaner interface {
	Cleanup(ctx context.Context, analysis *models.Analysis) error
}

// CreateRequest is the user input for a new analysis
type CreateRequest struct {
	User               models.Requester          `json:"user"`
	UserTitle          string                    `json:"user_title" validate:"max=255"`
	HazardLayerID      string                    `json:"hazard_layer_id" validate:"required"`
	ExposureLayerID    string                    `json:"exposure_layer_id" validate:"required"`
	AggregationLayerID string                    `json:"aggregation_layer_id"`
	AggregationFilter  *models.AggregationFilter `json:"aggregation_filter"`
	ExtentOption       models.ExtentOption       `json:"extent_option" validate:"min=1,max=3"`
	UserExtent         []float64                 `json:"user_extent" validate:"omitempty,len=4"`
	Keep               bool                      `json:"keep"`
	LanguageCode       string                    `json:"language_code" validate:"omitempty,min=2,max=10"`
}

// Service manages analysis requests
type Service struct {
	analyses   interfaces.AnalysisStorage
	records    interfaces.ExecutionRecordStorage
	layers     interfaces.LayerStorage
	publisher  interfaces.LayerPublisher
	dispatcher Dispatcher
	revoker    Revoker
	tracker    StatusTracker
	cleaner    AggregationCleaner
	validate   *validator.Validate
	locale     string
	grace      time.Duration
	now        func() time.Time
	logger     arbor.ILogger
}

// NewService creates an analysis service. cleaner may be nil.
func NewService(
	config *common.Config,
	storage interfaces.StorageManager,
	publisher interfaces.LayerPublisher,
	dispatcher Dispatcher,
	revoker Revoker,
	tracker StatusTracker,
	cleaner AggregationCleaner,
	logger arbor.ILogger,
) *Service {
	return &Service{
		analyses:   storage.AnalysisStorage(),
		records:    storage.ExecutionRecordStorage(),
		layers:     storage.LayerStorage(),
		publisher:  publisher,
		dispatcher: dispatcher,
		revoker:    revoker,
		tracker:    tracker,
		cleaner:    cleaner,
		validate:   validator.New(),
		locale:     config.Analysis.DefaultLocale,
		grace:      common.ParseDuration(config.Scheduler.OrphanGrace, time.Hour),
		now:        time.Now,
		logger:     logger,
	}
}

// Create validates and stores a request, then dispatches its pipeline. When
// dispatch fails the stored request is returned along with the error; it stays
// undispatched and the retention sweep removes it after the grace period.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*models.Analysis, error) {
	if err := s.check(ctx, req); err != nil {
		return nil, err
	}

	locale := req.LanguageCode
	if locale == "" {
		locale = s.locale
	}
	analysis := &models.Analysis{
		ID:                 common.NewAnalysisID(),
		User:               req.User,
		UserTitle:          req.UserTitle,
		HazardLayerID:      req.HazardLayerID,
		ExposureLayerID:    req.ExposureLayerID,
		AggregationLayerID: req.AggregationLayerID,
		AggregationFilter:  req.AggregationFilter,
		ExtentOption:       req.ExtentOption,
		UserExtent:         req.UserExtent,
		Keep:               req.Keep,
		LanguageCode:       locale,
	}
	if err := s.analyses.SaveAnalysis(ctx, analysis); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("analysis_id", analysis.ID).
		Str("hazard_layer_id", analysis.HazardLayerID).
		Str("exposure_layer_id", analysis.ExposureLayerID).
		Str("aggregation_layer_id", analysis.AggregationLayerID).
		Msg("Analysis created")

	return s.dispatch(ctx, analysis.ID)
}

func (s *Service) check(ctx context.Context, req CreateRequest) error {
	if err := s.validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if req.ExtentOption != models.ExtentHazardExposure && len(req.UserExtent) == 0 {
		return fmt.Errorf("%w: extent option %d needs user_extent", ErrInvalidRequest, req.ExtentOption)
	}
	if req.AggregationFilter != nil {
		if req.AggregationLayerID == "" {
			return fmt.Errorf("%w: aggregation_filter needs aggregation_layer_id", ErrInvalidRequest)
		}
		if req.AggregationFilter.PropertyName == "" || len(req.AggregationFilter.Values) == 0 {
			return fmt.Errorf("%w: aggregation_filter needs property_name and values", ErrInvalidRequest)
		}
	}

	for _, id := range []string{req.HazardLayerID, req.ExposureLayerID, req.AggregationLayerID} {
		if id == "" {
			continue
		}
		if _, err := s.layers.GetLayer(ctx, id); err != nil {
			if errors.Is(err, interfaces.ErrNotFound) {
				return fmt.Errorf("%w: layer %s does not exist", ErrInvalidRequest, id)
			}
			return err
		}
	}
	return nil
}

func (s *Service) dispatch(ctx context.Context, id string) (*models.Analysis, error) {
	_, dispatchErr := s.dispatcher.PrepareAndDispatch(ctx, id)
	analysis, err := s.analyses.GetAnalysis(ctx, id)
	if err != nil {
		return nil, err
	}
	if dispatchErr != nil {
		return analysis, dispatchErr
	}
	return analysis, nil
}

// Get returns a stored analysis
func (s *Service) Get(ctx context.Context, id string) (*models.Analysis, error) {
	return s.analyses.GetAnalysis(ctx, id)
}

// List returns every analysis, newest first
func (s *Service) List(ctx context.Context) ([]*models.Analysis, error) {
	return s.analyses.ListAnalyses(ctx)
}

// Rerun dispatches a new pipeline for a finished analysis. The previous
// execution record is discarded; its results stay until the new run replaces them.
func (s *Service) Rerun(ctx context.Context, id string) (*models.Analysis, error) {
	analysis, err := s.analyses.GetAnalysis(ctx, id)
	if err != nil {
		return nil, err
	}
	if analysis.InFlight() {
		return nil, fmt.Errorf("%s: %w", id, pipeline.ErrInFlight)
	}
	if err := s.records.DeleteRecord(ctx, id); err != nil {
		return nil, err
	}
	s.logger.Info().Str("analysis_id", id).Msg("Analysis rerun requested")
	return s.dispatch(ctx, id)
}

// Cancel stops an analysis pipeline and deletes the request with everything
// it produced. Revocation is best effort.
func (s *Service) Cancel(ctx context.Context, id string) error {
	analysis, err := s.analyses.GetAnalysis(ctx, id)
	if err != nil {
		return err
	}

	if len(analysis.StageIDs) > 0 {
		if err := s.revoker.Revoke(ctx, analysis.StageIDs, true); err != nil {
			s.logger.Warn().Err(err).Str("analysis_id", id).Msg("Failed to revoke pipeline stages")
		}
	}

	if err := s.remove(ctx, analysis); err != nil {
		return err
	}
	s.logger.Info().Str("analysis_id", id).Msg("Analysis cancelled")
	return nil
}

// remove deletes the request's produced artifacts, execution record and the
// request itself
func (s *Service) remove(ctx context.Context, analysis *models.Analysis) error {
	logger := s.logger.WithCorrelationId(analysis.ID)

	if s.cleaner != nil && analysis.FilteredAggregation != "" {
		if err := s.cleaner.Cleanup(ctx, analysis); err != nil {
			logger.Warn().Err(err).Msg("Failed to remove filtered aggregation")
		}
	}
	for _, report := range []string{analysis.ReportMap, analysis.ReportTable} {
		if report == "" {
			continue
		}
		if err := s.publisher.RemoveReport(ctx, report); err != nil {
			logger.Warn().Err(err).Str("location", report).Msg("Failed to remove report")
		}
	}

	if err := s.records.DeleteRecord(ctx, analysis.ID); err != nil {
		return err
	}
	if err := s.analyses.DeleteAnalysis(ctx, analysis.ID); err != nil {
		return err
	}

	if analysis.ImpactLayerID != "" {
		if err := s.deleteUnreferencedLayer(ctx, analysis.ImpactLayerID); err != nil {
			logger.Warn().Err(err).Str("layer_id", analysis.ImpactLayerID).Msg("Failed to delete impact layer")
		}
	}
	return nil
}

func (s *Service) deleteUnreferencedLayer(ctx context.Context, layerID string) error {
	count, err := s.analyses.CountByImpactLayer(ctx, layerID)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	return s.publisher.DeleteLayer(ctx, layerID)
}

// ToggleKeep flips the retention flag and returns the new value
func (s *Service) ToggleKeep(ctx context.Context, id string) (bool, error) {
	analysis, err := s.analyses.UpdateAnalysis(ctx, id, func(a *models.Analysis) error {
		a.Keep = !a.Keep
		return nil
	})
	if err != nil {
		return false, err
	}
	return analysis.Keep, nil
}

// Status reconciles and returns the current pipeline status
func (s *Service) Status(ctx context.Context, id string) (*reconcile.Status, error) {
	return s.tracker.Sync(ctx, id)
}

// SweepResults deletes finished requests not flagged keep, then impact layers
// no request references anymore. Requests that were never dispatched are only
// swept once they are older than the grace period, so a request being created
// is left alone.
func (s *Service) SweepResults(ctx context.Context) error {
	disposable, err := s.analyses.ListDisposable(ctx)
	if err != nil {
		return err
	}

	cutoff := s.now().Add(-s.grace)
	var errs []error
	removed := 0
	for _, analysis := range disposable {
		if analysis.Keep || !analysis.Finished() {
			continue
		}
		if !analysis.Dispatched() && analysis.CreatedAt.After(cutoff) {
			continue
		}
		if err := s.remove(ctx, analysis); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}

	impacts, err := s.layers.ListByPurpose(ctx, models.LayerPurposeImpact)
	if err != nil {
		return errors.Join(append(errs, err)...)
	}
	orphans := 0
	for _, layer := range impacts {
		if layer.CreatedAt.After(cutoff) {
			continue
		}
		count, err := s.analyses.CountByImpactLayer(ctx, layer.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if count > 0 {
			continue
		}
		if err := s.publisher.DeleteLayer(ctx, layer.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		orphans++
	}

	s.logger.Info().
		Int("analyses_removed", removed).
		Int("orphan_layers_removed", orphans).
		Msg("Retention sweep complete")
	return errors.Join(errs...)
}
