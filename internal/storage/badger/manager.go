package badger

import (
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/geosafe/internal/common"
	"github.com/ternarybob/geosafe/internal/interfaces"
)

// Manager implements the StorageManager interface for Badger
type Manager struct {
	db        *BadgerDB
	analysis  interfaces.AnalysisStorage
	execution interfaces.ExecutionRecordStorage
	layer     interfaces.LayerStorage
	kv        interfaces.KeyValueStorage
	logger    arbor.ILogger
}

// NewManager opens the database and builds every storage on top of it
func NewManager(logger arbor.ILogger, config *common.BadgerConfig) (*Manager, error) {
	db, err := NewBadgerDB(logger, config)
	if err != nil {
		return nil, err
	}

	logger.Info().Str("path", config.Path).Msg("Badger storage manager initialized")

	return newManager(db, logger), nil
}

func newManager(db *BadgerDB, logger arbor.ILogger) *Manager {
	return &Manager{
		db:        db,
		analysis:  NewAnalysisStorage(db, logger),
		execution: NewExecutionRecordStorage(db, logger),
		layer:     NewLayerStorage(db, logger),
		kv:        NewSettingStorage(db, logger),
		logger:    logger,
	}
}

func (m *Manager) AnalysisStorage() interfaces.AnalysisStorage {
	return m.analysis
}

func (m *Manager) ExecutionRecordStorage() interfaces.ExecutionRecordStorage {
	return m.execution
}

func (m *Manager) LayerStorage() interfaces.LayerStorage {
	return m.layer
}

func (m *Manager) KeyValueStorage() interfaces.KeyValueStorage {
	return m.kv
}

// Database returns the shared connection so the task queue can live in the same files
func (m *Manager) Database() *BadgerDB {
	return m.db
}

// Close closes the database connection
func (m *Manager) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}
