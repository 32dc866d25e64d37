package queue

import (
	"time"

	"github.com/ternarybob/geosafe/internal/common"
)

// Queue names used by the analysis pipeline
const (
	QueueDefault  = "default"
	QueueCleanup  = "cleanup"
	QueueUpdate   = "update"
	QueueEmail    = "email"
	QueueHeadless = "inasafe-headless"
	QueueGeoSAFE  = "geosafe"
)

// KnownQueues lists every queue the broker creates
func KnownQueues() []string {
	return []string{QueueDefault, QueueCleanup, QueueUpdate, QueueEmail, QueueHeadless, QueueGeoSAFE}
}

// Config holds configuration for the broker and local worker pool
type Config struct {
	// PollInterval is how often workers poll for messages
	PollInterval time.Duration

	// Concurrency is the number of concurrent workers
	Concurrency int

	// VisibilityTimeout hides a received message until it is completed or redelivered
	VisibilityTimeout time.Duration

	// MaxReceive is the maximum times a message can be received before it is
	// failed as worker lost
	MaxReceive int

	// ResultExpires is how long task results are kept before eviction
	ResultExpires time.Duration

	// Queues are consumed by the local worker pool, in priority order
	Queues []string
}

// NewDefaultConfig creates a queue configuration with sensible defaults
func NewDefaultConfig() Config {
	return Config{
		PollInterval:      1 * time.Second,
		Concurrency:       4,
		VisibilityTimeout: 5 * time.Minute,
		MaxReceive:        3,
		ResultExpires:     24 * time.Hour,
		Queues:            []string{QueueGeoSAFE, QueueDefault, QueueCleanup, QueueUpdate, QueueEmail},
	}
}

// ConfigFromCommon converts the TOML queue section
func ConfigFromCommon(cfg common.QueueConfig) Config {
	defaults := NewDefaultConfig()
	config := Config{
		PollInterval:      common.ParseDuration(cfg.PollInterval, defaults.PollInterval),
		Concurrency:       cfg.Concurrency,
		VisibilityTimeout: common.ParseDuration(cfg.VisibilityTimeout, defaults.VisibilityTimeout),
		MaxReceive:        cfg.MaxReceive,
		ResultExpires:     common.ParseDuration(cfg.ResultExpires, defaults.ResultExpires),
		Queues:            cfg.Queues,
	}
	if config.Concurrency <= 0 {
		config.Concurrency = defaults.Concurrency
	}
	if config.MaxReceive <= 0 {
		config.MaxReceive = defaults.MaxReceive
	}
	if len(config.Queues) == 0 {
		config.Queues = defaults.Queues
	}
	return config
}
