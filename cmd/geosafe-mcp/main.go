package main

import (
	"os"

	"github.com/mark3labs/mcp-go/server"
	"github.com/ternarybob/arbor"
	arbor_models "github.com/ternarybob/arbor/models"
	"github.com/ternarybob/geosafe/internal/common"
)

func main() {
	baseURL := os.Getenv("GEOSAFE_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8085"
	}

	// stdout carries the MCP protocol, so logs stay minimal
	logger := arbor.NewLogger().WithConsoleWriter(arbor_models.WriterConfiguration{
		Type:             arbor_models.LogWriterTypeConsole,
		TimeFormat:       "15:04:05",
		DisableTimestamp: false,
	}).WithLevelFromString("warn")

	mcpServer := newMCPServer(newAPIClient(baseURL), logger)

	// Start server (blocks on stdio)
	if err := server.ServeStdio(mcpServer); err != nil {
		logger.Fatal().Err(err).Msg("MCP server failed")
	}
}

func newMCPServer(api *apiClient, logger arbor.ILogger) *server.MCPServer {
	mcpServer := server.NewMCPServer(
		"geosafe",
		common.GetVersion(),
		server.WithToolCapabilities(true),
	)

	mcpServer.AddTool(createListAnalysesTool(), handleListAnalyses(api, logger))
	mcpServer.AddTool(createGetAnalysisTool(), handleGetAnalysis(api, logger))
	mcpServer.AddTool(createRerunAnalysisTool(), handleRerunAnalysis(api, logger))
	mcpServer.AddTool(createListLayersTool(), handleListLayers(api, logger))
	return mcpServer
}
