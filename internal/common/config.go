package common

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

// ErrAccessModeConflict is returned when layer file access and layer HTTP access are
// both enabled, or both disabled.
var ErrAccessModeConflict = errors.New("exactly one of layers.use_file_access or layers.use_http_access must be enabled")

// Config represents the application configuration
type Config struct {
	Environment  string             `toml:"environment"`
	Server       ServerConfig       `toml:"server"`
	Storage      StorageConfig      `toml:"storage"`
	Queue        QueueConfig        `toml:"queue"`
	Logging      LoggingConfig      `toml:"logging"`
	Layers       LayersConfig       `toml:"layers"`
	Impact       ImpactConfig       `toml:"impact"`
	Analysis     AnalysisConfig     `toml:"analysis"`
	Aggregation  AggregationConfig  `toml:"aggregation"`
	Publisher    PublisherConfig    `toml:"publisher"`
	Notification NotificationConfig `toml:"notification"`
	Scheduler    SchedulerConfig    `toml:"scheduler"`
}

type ServerConfig struct {
	Port           int      `toml:"port" validate:"min=1,max=65535"`
	Host           string   `toml:"host"`
	AllowedOrigins []string `toml:"allowed_origins"` // CORS origins of the map client, "*" for any
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path" validate:"required"` // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"`         // Delete database on startup for clean test runs
}

type QueueConfig struct {
	PollInterval      string   `toml:"poll_interval"` // e.g., "1s" - how often workers poll for messages
	Concurrency       int      `toml:"concurrency" validate:"min=1"`
	VisibilityTimeout string   `toml:"visibility_timeout"` // e.g., "5m" - message visibility timeout for redelivery
	MaxReceive        int      `toml:"max_receive" validate:"min=1"`
	ResultExpires     string   `toml:"result_expires"` // e.g., "24h" - task results are evicted after this window
	Queues            []string `toml:"queues"`         // Queues consumed by the local worker pool
}

type LoggingConfig struct {
	Level     string   `toml:"level"`     // "debug", "info", "warn", "error"
	Output    []string `toml:"output"`    // "stdout", "file"
	Directory string   `toml:"directory"` // file output; defaults to logs/ next to the binary
}

// LayersConfig controls how the remote analysis workers reach layer files.
// Exactly one of UseFileAccess and UseHTTPAccess must be true.
type LayersConfig struct {
	UseFileAccess     bool   `toml:"use_file_access"`
	UseHTTPAccess     bool   `toml:"use_http_access"`
	Directory         string `toml:"inasafe_layer_directory"`   // layer root as seen by the remote worker
	DirectoryBasePath string `toml:"layer_directory_base_path"` // layer root as seen by this process
	BaseURL           string `toml:"geonode_base_url" validate:"omitempty,url"`
}

// ImpactConfig maps remote worker outputs back onto a local directory.
type ImpactConfig struct {
	OutputDirectory string `toml:"output_directory"`
	BaseURL         string `toml:"base_url"`
}

type AnalysisConfig struct {
	RunTimeLimit      string            `toml:"run_time_limit"` // hard limit handed to the remote worker
	AreaLimit         float64           `toml:"area_limit"`     // square metres, advisory
	DefaultLocale     string            `toml:"default_locale"`
	ReportRetries     int               `toml:"report_retries" validate:"min=1"`
	ReportRetryDelay  string            `toml:"report_retry_delay"`
	ReportLayerOrder  []string          `toml:"report_layer_order"`
	BasemapURL        string            `toml:"basemap_url"`
	CustomTemplates   map[string]string `toml:"custom_templates"` // locale -> .qpt template path
	ReportFormatTag   string            `toml:"report_format_tag"`
	MapReportKey      string            `toml:"map_report_key"`        // glob, default remote template
	CustomMapReport   string            `toml:"custom_map_report_key"` // glob, custom template
	TableReportKey    string            `toml:"table_report_key"`      // glob
	ValidateReportPDF bool              `toml:"validate_report_pdf"`
	DownloadTimeout   string            `toml:"download_timeout"`
	ArtifactDirectory string            `toml:"artifact_directory"` // scratch space for HTTP downloads
}

// AggregationConfig configures the WFS endpoint used to filter aggregation layers.
type AggregationConfig struct {
	Endpoint  string  `toml:"endpoint" validate:"omitempty,url"`
	Timeout   string  `toml:"timeout"`
	RateLimit float64 `toml:"rate_limit"` // requests per second, 0 disables limiting
}

type PublisherConfig struct {
	Backend     string `toml:"backend" validate:"oneof=filesystem s3"`
	Directory   string `toml:"directory"`
	Bucket      string `toml:"bucket"`
	Prefix      string `toml:"prefix"`
	Region      string `toml:"region"`
	AdminUserID string `toml:"admin_user_id"`
}

type NotificationConfig struct {
	Enabled  bool   `toml:"enabled"`
	SiteURL  string `toml:"site_url"`
	SMTPHost string `toml:"smtp_host"`
	SMTPPort int    `toml:"smtp_port"`
	Username string `toml:"smtp_username"`
	Password string `toml:"smtp_password"`
	From     string `toml:"from"`
	FromName string `toml:"from_name"`
	UseTLS   bool   `toml:"use_tls"`
}

type SchedulerConfig struct {
	Enabled            bool   `toml:"enabled"`
	RetentionSchedule  string `toml:"retention_schedule"`   // cron expression for the retention sweep
	StatusSyncSchedule string `toml:"status_sync_schedule"` // cron expression for status reconciliation
	CompactionSchedule string `toml:"compaction_schedule"`  // cron expression for badger value log GC
	OrphanGrace        string `toml:"orphan_grace"`         // minimum age of an unreferenced impact layer before deletion
}

// NewDefaultConfig creates a configuration with sensible defaults
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port:           8085,
			Host:           "localhost",
			AllowedOrigins: []string{"*"},
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data/geosafe",
			},
		},
		Queue: QueueConfig{
			PollInterval:      "1s",
			Concurrency:       4,
			VisibilityTimeout: "5m",
			MaxReceive:        3,
			ResultExpires:     "24h",
			Queues:            []string{"geosafe", "default", "cleanup", "update", "email"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout", "file"},
		},
		Layers: LayersConfig{
			UseFileAccess:     true,
			UseHTTPAccess:     false,
			Directory:         "/home/geosafe/layers/",
			DirectoryBasePath: "/usr/src/app/uploaded/",
			BaseURL:           "http://localhost:8000/",
		},
		Impact: ImpactConfig{
			OutputDirectory: "/home/geosafe/impact_layers/",
			BaseURL:         "/output",
		},
		Analysis: AnalysisConfig{
			RunTimeLimit:     "600s",
			AreaLimit:        1000000000,
			DefaultLocale:    "en_US",
			ReportRetries:    10,
			ReportRetryDelay: "5s",
			ReportLayerOrder: []string{"@aggregation", "@impact", "@hazard", "@basemap"},
			ReportFormatTag:  "pdf_product_tag",
			MapReportKey:     "*inasafe-map-report-portrait*",
			CustomMapReport:  "*map-report*",
			TableReportKey:   "*impact-report-pdf*",
			DownloadTimeout:  "5m",
		},
		Aggregation: AggregationConfig{
			Timeout: "60s",
		},
		Publisher: PublisherConfig{
			Backend:     "filesystem",
			Directory:   "./data/layers",
			AdminUserID: "admin",
		},
		Notification: NotificationConfig{
			Enabled:  false,
			SiteURL:  "http://localhost:8085/",
			SMTPPort: 587,
			FromName: "GeoSAFE",
			UseTLS:   true,
		},
		Scheduler: SchedulerConfig{
			Enabled:            true,
			RetentionSchedule:  "0 0 * * *",
			StatusSyncSchedule: "@every 1m",
			CompactionSchedule: "@every 1h",
			OrphanGrace:        "1h",
		},
	}
}

// LoadFromFiles loads configuration from multiple files with priority: default -> file1 -> file2 -> ... -> env
// Later files override earlier files. CLI flags are applied afterwards with ApplyFlagOverrides.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("GEOSAFE_ENV"); env != "" {
		config.Environment = env
	}

	// Server configuration
	if port := os.Getenv("GEOSAFE_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("GEOSAFE_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}
	if origins := os.Getenv("GEOSAFE_ALLOWED_ORIGINS"); origins != "" {
		config.Server.AllowedOrigins = strings.Split(origins, ",")
	}

	// Storage and queue
	if badgerPath := os.Getenv("GEOSAFE_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}
	if pollInterval := os.Getenv("GEOSAFE_QUEUE_POLL_INTERVAL"); pollInterval != "" {
		config.Queue.PollInterval = pollInterval
	}
	if concurrency := os.Getenv("GEOSAFE_QUEUE_CONCURRENCY"); concurrency != "" {
		if c, err := strconv.Atoi(concurrency); err == nil {
			config.Queue.Concurrency = c
		}
	}
	if expires := os.Getenv("GEOSAFE_QUEUE_RESULT_EXPIRES"); expires != "" {
		config.Queue.ResultExpires = expires
	}

	// Logging
	if level := os.Getenv("GEOSAFE_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if output := os.Getenv("GEOSAFE_LOG_OUTPUT"); output != "" {
		config.Logging.Output = splitList(output)
	}
	if dir := os.Getenv("GEOSAFE_LOG_DIR"); dir != "" {
		config.Logging.Directory = dir
	}

	// Layer access
	if v := os.Getenv("GEOSAFE_USE_LAYER_FILE_ACCESS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			config.Layers.UseFileAccess = b
		}
	}
	if v := os.Getenv("GEOSAFE_USE_LAYER_HTTP_ACCESS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			config.Layers.UseHTTPAccess = b
		}
	}
	if dir := os.Getenv("GEOSAFE_INASAFE_LAYER_DIRECTORY"); dir != "" {
		config.Layers.Directory = dir
	}
	if base := os.Getenv("GEOSAFE_LAYER_DIRECTORY_BASE_PATH"); base != "" {
		config.Layers.DirectoryBasePath = base
	}
	if baseURL := os.Getenv("GEOSAFE_GEONODE_BASE_URL"); baseURL != "" {
		config.Layers.BaseURL = baseURL
	}

	// Impact output
	if dir := os.Getenv("GEOSAFE_IMPACT_OUTPUT_DIRECTORY"); dir != "" {
		config.Impact.OutputDirectory = dir
	}
	if baseURL := os.Getenv("GEOSAFE_INASAFE_IMPACT_BASE_URL"); baseURL != "" {
		config.Impact.BaseURL = baseURL
	}

	// Analysis
	if limit := os.Getenv("GEOSAFE_ANALYSIS_RUN_TIME_LIMIT"); limit != "" {
		config.Analysis.RunTimeLimit = limit
	}
	if retries := os.Getenv("GEOSAFE_REPORT_RETRIES"); retries != "" {
		if r, err := strconv.Atoi(retries); err == nil {
			config.Analysis.ReportRetries = r
		}
	}
	if delay := os.Getenv("GEOSAFE_REPORT_RETRY_DELAY"); delay != "" {
		config.Analysis.ReportRetryDelay = delay
	}

	// Aggregation filter endpoint
	if endpoint := os.Getenv("GEOSAFE_AGGREGATION_ENDPOINT"); endpoint != "" {
		config.Aggregation.Endpoint = endpoint
	}

	// Publisher
	if backend := os.Getenv("GEOSAFE_PUBLISHER_BACKEND"); backend != "" {
		config.Publisher.Backend = backend
	}
	if bucket := os.Getenv("GEOSAFE_PUBLISHER_BUCKET"); bucket != "" {
		config.Publisher.Bucket = bucket
	}

	// Notification
	if enabled := os.Getenv("GEOSAFE_EMAIL_ENABLE"); enabled != "" {
		if b, err := strconv.ParseBool(enabled); err == nil {
			config.Notification.Enabled = b
		}
	}
	if host := os.Getenv("GEOSAFE_SMTP_HOST"); host != "" {
		config.Notification.SMTPHost = host
	}
	if password := os.Getenv("GEOSAFE_SMTP_PASSWORD"); password != "" {
		config.Notification.Password = password
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config
func ApplyFlagOverrides(config *Config, port int, host string) {
	// Command-line flags have highest priority
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// Validate checks struct constraints, durations and cron expressions, and the
// layer access mode. It must run before anything is dispatched.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := c.Layers.Validate(); err != nil {
		return err
	}

	durations := map[string]string{
		"queue.poll_interval":         c.Queue.PollInterval,
		"queue.visibility_timeout":    c.Queue.VisibilityTimeout,
		"queue.result_expires":        c.Queue.ResultExpires,
		"analysis.run_time_limit":     c.Analysis.RunTimeLimit,
		"analysis.report_retry_delay": c.Analysis.ReportRetryDelay,
		"analysis.download_timeout":   c.Analysis.DownloadTimeout,
		"aggregation.timeout":         c.Aggregation.Timeout,
		"scheduler.orphan_grace":      c.Scheduler.OrphanGrace,
	}
	for key, value := range durations {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid duration for %s: %w", key, err)
		}
	}

	if c.Scheduler.Enabled {
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
		for _, spec := range []string{c.Scheduler.RetentionSchedule, c.Scheduler.StatusSyncSchedule, c.Scheduler.CompactionSchedule} {
			if spec == "" {
				continue
			}
			if _, err := parser.Parse(spec); err != nil {
				return fmt.Errorf("invalid cron schedule %q: %w", spec, err)
			}
		}
	}

	if c.Publisher.Backend == "s3" && c.Publisher.Bucket == "" {
		return fmt.Errorf("publisher.bucket is required for the s3 backend")
	}

	return nil
}

// Validate enforces that exactly one layer access mode is enabled.
func (l LayersConfig) Validate() error {
	if l.UseFileAccess == l.UseHTTPAccess {
		return ErrAccessModeConflict
	}
	return nil
}

// ParseDuration parses a duration string, returning fallback if empty or invalid
func ParseDuration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
