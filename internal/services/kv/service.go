package kv

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/geosafe/internal/interfaces"
)

// SettingsPrefix is the prefix of every runtime-editable setting
const SettingsPrefix = "smtp_"

const masked = "********"

// ErrUnsupportedSetting is returned for keys outside SettingsPrefix
var ErrUnsupportedSetting = errors.New("unsupported setting")

// Service exposes runtime settings stored in the key/value store
type Service struct {
	storage interfaces.KeyValueStorage
	logger  arbor.ILogger
}

// NewService creates a new key/value service
func NewService(storage interfaces.KeyValueStorage, logger arbor.ILogger) *Service {
	return &Service{
		storage: storage,
		logger:  logger,
	}
}

func checkKey(key string) error {
	if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(key)), SettingsPrefix) {
		return fmt.Errorf("%w %q", ErrUnsupportedSetting, key)
	}
	return nil
}

// Set stores or updates a setting
func (s *Service) Set(ctx context.Context, key string, value string, description string) error {
	if err := checkKey(key); err != nil {
		return err
	}

	if err := s.storage.Set(ctx, key, value, description); err != nil {
		s.logger.Error().Err(err).Str("key", key).Msg("Failed to store setting")
		return err
	}

	s.logger.Info().Str("key", key).Msg("Stored setting")
	return nil
}

// Delete removes a setting so the file configuration applies again
func (s *Service) Delete(ctx context.Context, key string) error {
	if err := checkKey(key); err != nil {
		return err
	}

	if err := s.storage.Delete(ctx, key); err != nil {
		s.logger.Error().Err(err).Str("key", key).Msg("Failed to delete setting")
		return err
	}

	s.logger.Info().Str("key", key).Msg("Deleted setting")
	return nil
}

// List returns every setting with secrets masked
func (s *Service) List(ctx context.Context) ([]interfaces.KeyValuePair, error) {
	pairs, err := s.storage.ListByPrefix(ctx, SettingsPrefix)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list settings")
		return nil, err
	}

	for i := range pairs {
		if strings.Contains(pairs[i].Key, "password") && pairs[i].Value != "" {
			pairs[i].Value = masked
		}
	}
	return pairs, nil
}
