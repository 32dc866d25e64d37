package badger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/geosafe/internal/interfaces"
	"github.com/timshannon/badgerhold/v4"
)

// SettingStorage keeps runtime settings in Badger, keyed case-insensitively
type SettingStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewSettingStorage creates the settings store
func NewSettingStorage(db *BadgerDB, logger arbor.ILogger) interfaces.KeyValueStorage {
	return &SettingStorage{db: db, logger: logger}
}

func settingKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

func (s *SettingStorage) Get(ctx context.Context, key string) (string, error) {
	var pair interfaces.KeyValuePair
	if err := s.db.Store().Get(settingKey(key), &pair); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return "", fmt.Errorf("setting %s: %w", key, interfaces.ErrKeyNotFound)
		}
		return "", fmt.Errorf("failed to read setting %s: %w", key, err)
	}
	return pair.Value, nil
}

// Set writes a setting in one transaction. An update keeps the original
// CreatedAt, and keeps the stored description when none is given.
func (s *SettingStorage) Set(ctx context.Context, key string, value string, description string) error {
	id := settingKey(key)
	err := s.db.DB().Update(func(tx *badger.Txn) error {
		now := time.Now()
		pair := interfaces.KeyValuePair{Key: id, Value: value, Description: description, CreatedAt: now, UpdatedAt: now}

		var existing interfaces.KeyValuePair
		switch err := s.db.Store().TxGet(tx, id, &existing); {
		case err == nil:
			pair.CreatedAt = existing.CreatedAt
			if description == "" {
				pair.Description = existing.Description
			}
		case !errors.Is(err, badgerhold.ErrNotFound):
			return err
		}
		return s.db.Store().TxUpsert(tx, id, &pair)
	})
	if err != nil {
		return fmt.Errorf("failed to write setting %s: %w", id, err)
	}
	return nil
}

func (s *SettingStorage) Delete(ctx context.Context, key string) error {
	if err := s.db.Store().Delete(settingKey(key), &interfaces.KeyValuePair{}); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return fmt.Errorf("setting %s: %w", key, interfaces.ErrKeyNotFound)
		}
		return fmt.Errorf("failed to delete setting %s: %w", key, err)
	}
	return nil
}

// ListByPrefix returns the settings under prefix, most recently updated first
func (s *SettingStorage) ListByPrefix(ctx context.Context, prefix string) ([]interfaces.KeyValuePair, error) {
	prefix = settingKey(prefix)
	var pairs []interfaces.KeyValuePair
	query := badgerhold.Where("Key").MatchFunc(func(ra *badgerhold.RecordAccess) (bool, error) {
		key, ok := ra.Field().(string)
		return ok && strings.HasPrefix(key, prefix), nil
	}).SortBy("UpdatedAt").Reverse()
	if err := s.db.Store().Find(&pairs, query); err != nil {
		return nil, fmt.Errorf("failed to list settings: %w", err)
	}
	return pairs, nil
}
