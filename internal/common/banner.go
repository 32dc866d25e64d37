package common

import (
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/banner"
)

// PrintBanner displays the application banner and a summary of the resolved configuration
func PrintBanner(config *Config, logger arbor.ILogger) {
	banner.PrintSimple("GeoSAFE", GetVersion())

	mode := "http"
	if config.Layers.UseFileAccess {
		mode = "file"
	}

	logger.Info().
		Str("version", GetFullVersion()).
		Str("environment", config.Environment).
		Str("layer_access", mode).
		Str("publisher", config.Publisher.Backend).
		Strs("queues", config.Queue.Queues).
		Msg("GeoSAFE orchestrator")
}
