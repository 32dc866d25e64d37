package main

import (
	"github.com/mark3labs/mcp-go/mcp"
)

// createListAnalysesTool returns the list_analyses tool definition
func createListAnalysesTool() mcp.Tool {
	return mcp.NewTool("list_analyses",
		mcp.WithDescription("List GeoSAFE impact analyses with their last known task state"),
		mcp.WithString("state",
			mcp.Description("Filter by task state: PENDING, STARTED, SUCCESS, FAILURE, REVOKED"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum results to return (default: 20, max: 100)"),
		),
	)
}

// createGetAnalysisTool returns the get_analysis tool definition
func createGetAnalysisTool() mcp.Tool {
	return mcp.NewTool("get_analysis",
		mcp.WithDescription("Retrieve an analysis with its layers, reports and reconciled status"),
		mcp.WithString("analysis_id",
			mcp.Required(),
			mcp.Description("Analysis ID"),
		),
	)
}

// createRerunAnalysisTool returns the rerun_analysis tool definition
func createRerunAnalysisTool() mcp.Tool {
	return mcp.NewTool("rerun_analysis",
		mcp.WithDescription("Dispatch a finished analysis again. Refused while the analysis is still running."),
		mcp.WithString("analysis_id",
			mcp.Required(),
			mcp.Description("Analysis ID"),
		),
	)
}

// createListLayersTool returns the list_layers tool definition
func createListLayersTool() mcp.Tool {
	return mcp.NewTool("list_layers",
		mcp.WithDescription("List managed layers, optionally filtered by purpose"),
		mcp.WithString("purpose",
			mcp.Description("Filter: hazard, exposure, aggregation, impact"),
		),
	)
}
