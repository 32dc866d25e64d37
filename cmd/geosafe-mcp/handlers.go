package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/geosafe/internal/models"
)

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent(text),
		},
	}
}

// errorResult reports failures as tool output so the caller can read them
func errorResult(action string, err error) *mcp.CallToolResult {
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusNotFound:
			return textResult(fmt.Sprintf("%s: not found", action))
		case http.StatusConflict:
			return textResult(fmt.Sprintf("%s: %s", action, apiErr.Message))
		}
	}
	return textResult(fmt.Sprintf("%s error: %v", action, err))
}

// handleListAnalyses implements the list_analyses tool
func handleListAnalyses(api *apiClient, logger arbor.ILogger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := request.GetInt("limit", 20)
		if limit <= 0 || limit > 100 {
			limit = 100
		}
		state := models.TaskState(strings.ToUpper(request.GetString("state", "")))

		analyses, err := api.ListAnalyses(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("List analyses failed")
			return errorResult("List analyses", err), nil
		}

		filtered := make([]*models.Analysis, 0, len(analyses))
		for _, a := range analyses {
			if state != "" && a.TaskState != state {
				continue
			}
			filtered = append(filtered, a)
		}
		return textResult(formatAnalysisList(filtered, limit)), nil
	}
}

// handleGetAnalysis implements the get_analysis tool
func handleGetAnalysis(api *apiClient, logger arbor.ILogger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := request.RequireString("analysis_id")
		if err != nil || id == "" {
			return textResult("Error: analysis_id parameter is required"), nil
		}

		analysis, err := api.GetAnalysis(ctx, id)
		if err != nil {
			logger.Error().Err(err).Str("analysis_id", id).Msg("Get analysis failed")
			return errorResult("Analysis "+id, err), nil
		}

		status, err := api.AnalysisStatus(ctx, id)
		if err != nil {
			// the stored state is still worth showing
			logger.Warn().Err(err).Str("analysis_id", id).Msg("Status reconciliation failed")
			status = nil
		}
		return textResult(formatAnalysis(analysis, status)), nil
	}
}

// handleRerunAnalysis implements the rerun_analysis tool
func handleRerunAnalysis(api *apiClient, logger arbor.ILogger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := request.RequireString("analysis_id")
		if err != nil || id == "" {
			return textResult("Error: analysis_id parameter is required"), nil
		}

		analysis, err := api.RerunAnalysis(ctx, id)
		if err != nil {
			logger.Error().Err(err).Str("analysis_id", id).Msg("Rerun analysis failed")
			return errorResult("Rerun "+id, err), nil
		}
		return textResult(fmt.Sprintf("Analysis %s dispatched again (task %s)", analysis.ID, analysis.TaskID)), nil
	}
}

// handleListLayers implements the list_layers tool
func handleListLayers(api *apiClient, logger arbor.ILogger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		purpose := request.GetString("purpose", "")

		layers, err := api.ListLayers(ctx, purpose)
		if err != nil {
			logger.Error().Err(err).Str("purpose", purpose).Msg("List layers failed")
			return errorResult("List layers", err), nil
		}
		return textResult(formatLayerList(purpose, layers)), nil
	}
}
