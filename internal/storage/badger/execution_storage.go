package badger

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/geosafe/internal/interfaces"
	"github.com/ternarybob/geosafe/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// ExecutionRecordStorage implements interfaces.ExecutionRecordStorage for Badger
type ExecutionRecordStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewExecutionRecordStorage creates a new ExecutionRecordStorage instance
func NewExecutionRecordStorage(db *BadgerDB, logger arbor.ILogger) interfaces.ExecutionRecordStorage {
	return &ExecutionRecordStorage{
		db:     db,
		logger: logger,
	}
}

// GetOrCreate returns the stored record for defaults.AnalysisID. When none exists
// defaults is stored and returned with created=true.
func (s *ExecutionRecordStorage) GetOrCreate(ctx context.Context, defaults *models.ExecutionRecord) (*models.ExecutionRecord, bool, error) {
	if defaults.AnalysisID == "" {
		return nil, false, fmt.Errorf("analysis ID is required")
	}

	var record models.ExecutionRecord
	created := false
	err := s.db.DB().Update(func(tx *badger.Txn) error {
		err := s.db.Store().TxGet(tx, defaults.AnalysisID, &record)
		if err == nil {
			return nil
		}
		if err != badgerhold.ErrNotFound {
			return err
		}
		record = *defaults
		record.UpdatedAt = time.Now()
		created = true
		return s.db.Store().TxInsert(tx, record.AnalysisID, &record)
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to get or create execution record: %w", err)
	}
	return &record, created, nil
}

func (s *ExecutionRecordStorage) GetRecord(ctx context.Context, analysisID string) (*models.ExecutionRecord, error) {
	var record models.ExecutionRecord
	if err := s.db.Store().Get(analysisID, &record); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("execution record %s: %w", analysisID, interfaces.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get execution record: %w", err)
	}
	return &record, nil
}

func (s *ExecutionRecordStorage) SaveRecord(ctx context.Context, record *models.ExecutionRecord) error {
	record.UpdatedAt = time.Now()
	if err := s.db.Store().Upsert(record.AnalysisID, record); err != nil {
		return fmt.Errorf("failed to save execution record: %w", err)
	}
	return nil
}

func (s *ExecutionRecordStorage) DeleteRecord(ctx context.Context, analysisID string) error {
	if err := s.db.Store().Delete(analysisID, &models.ExecutionRecord{}); err != nil && err != badgerhold.ErrNotFound {
		return fmt.Errorf("failed to delete execution record: %w", err)
	}
	return nil
}
