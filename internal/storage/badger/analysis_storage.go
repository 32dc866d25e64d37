package badger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/geosafe/internal/interfaces"
	"github.com/ternarybob/geosafe/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

const maxUpdateAttempts = 5

// AnalysisStorage implements interfaces.AnalysisStorage for Badger
type AnalysisStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewAnalysisStorage creates a new AnalysisStorage instance
func NewAnalysisStorage(db *BadgerDB, logger arbor.ILogger) interfaces.AnalysisStorage {
	return &AnalysisStorage{
		db:     db,
		logger: logger,
	}
}

func (s *AnalysisStorage) SaveAnalysis(ctx context.Context, analysis *models.Analysis) error {
	if analysis.ID == "" {
		return fmt.Errorf("analysis ID is required")
	}
	now := time.Now()
	if analysis.CreatedAt.IsZero() {
		analysis.CreatedAt = now
	}
	analysis.UpdatedAt = now

	if err := s.db.Store().Upsert(analysis.ID, analysis); err != nil {
		return fmt.Errorf("failed to save analysis: %w", err)
	}
	return nil
}

func (s *AnalysisStorage) GetAnalysis(ctx context.Context, id string) (*models.Analysis, error) {
	var analysis models.Analysis
	if err := s.db.Store().Get(id, &analysis); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("analysis %s: %w", id, interfaces.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get analysis: %w", err)
	}
	return &analysis, nil
}

// UpdateAnalysis applies mutate inside a read-write transaction, retrying when a
// concurrent writer wins the commit.
func (s *AnalysisStorage) UpdateAnalysis(ctx context.Context, id string, mutate func(*models.Analysis) error) (*models.Analysis, error) {
	var updated models.Analysis

	for attempt := 1; ; attempt++ {
		err := s.db.DB().Update(func(tx *badger.Txn) error {
			var analysis models.Analysis
			if err := s.db.Store().TxGet(tx, id, &analysis); err != nil {
				if err == badgerhold.ErrNotFound {
					return fmt.Errorf("analysis %s: %w", id, interfaces.ErrNotFound)
				}
				return err
			}
			if err := mutate(&analysis); err != nil {
				return err
			}
			analysis.UpdatedAt = time.Now()
			if err := s.db.Store().TxUpsert(tx, id, &analysis); err != nil {
				return err
			}
			updated = analysis
			return nil
		})
		if err == nil {
			return &updated, nil
		}
		if errors.Is(err, badger.ErrConflict) && attempt < maxUpdateAttempts {
			s.logger.Debug().Str("analysis_id", id).Int("attempt", attempt).Msg("Analysis update conflicted, retrying")
			continue
		}
		return nil, err
	}
}

func (s *AnalysisStorage) DeleteAnalysis(ctx context.Context, id string) error {
	if err := s.db.Store().Delete(id, &models.Analysis{}); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil
		}
		return fmt.Errorf("failed to delete analysis: %w", err)
	}
	return nil
}

func (s *AnalysisStorage) ListAnalyses(ctx context.Context) ([]*models.Analysis, error) {
	var analyses []models.Analysis
	if err := s.db.Store().Find(&analyses, badgerhold.Where("ID").Ne("").SortBy("CreatedAt").Reverse()); err != nil {
		return nil, fmt.Errorf("failed to list analyses: %w", err)
	}

	result := make([]*models.Analysis, len(analyses))
	for i := range analyses {
		result[i] = &analyses[i]
	}
	return result, nil
}

// ListUnfinished returns dispatched analyses whose last known state is not terminal
func (s *AnalysisStorage) ListUnfinished(ctx context.Context) ([]*models.Analysis, error) {
	query := badgerhold.Where("TaskID").Ne("").And("TaskState").In(states(models.ActiveStates())...)
	return s.find(query)
}

// ListDisposable returns analyses eligible for the retention sweep: never
// dispatched, or settled, and not flagged to keep
func (s *AnalysisStorage) ListDisposable(ctx context.Context) ([]*models.Analysis, error) {
	query := badgerhold.Where("Keep").Eq(false).And("TaskID").Eq("").
		Or(badgerhold.Where("Keep").Eq(false).And("TaskID").Ne("").And("TaskState").In(states(models.TerminalStates())...))
	return s.find(query)
}

func (s *AnalysisStorage) CountByImpactLayer(ctx context.Context, layerID string) (int, error) {
	count, err := s.db.Store().Count(&models.Analysis{}, badgerhold.Where("ImpactLayerID").Eq(layerID))
	if err != nil {
		return 0, fmt.Errorf("failed to count analyses for layer %s: %w", layerID, err)
	}
	return int(count), nil
}

func (s *AnalysisStorage) find(query *badgerhold.Query) ([]*models.Analysis, error) {
	var analyses []models.Analysis
	if err := s.db.Store().Find(&analyses, query); err != nil {
		return nil, fmt.Errorf("failed to query analyses: %w", err)
	}

	result := make([]*models.Analysis, len(analyses))
	for i := range analyses {
		result[i] = &analyses[i]
	}
	return result, nil
}

func states(list []models.TaskState) []interface{} {
	values := make([]interface{}, len(list))
	for i, state := range list {
		values[i] = state
	}
	return values
}
