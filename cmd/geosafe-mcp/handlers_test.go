package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
)

func fakeAPI(t *testing.T) *apiClient {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/analysis", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[
			{"id":"ana_old","user_title":"Old flood","task_state":"SUCCESS","keep":true,"created_at":"2026-01-01T00:00:00Z"},
			{"id":"ana_new","task_state":"STARTED","created_at":"2026-02-01T00:00:00Z"}
		]`))
	})
	mux.HandleFunc("/api/analysis/ana_failed", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"ana_failed","user_title":"Earthquake","hazard_layer_id":"lyr_h","exposure_layer_id":"lyr_e","task_state":"STARTED"}`))
	})
	mux.HandleFunc("/api/analysis/ana_failed/status", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"analysis_id":"ana_failed","state":"FAILURE",
			"record":{"analysis_id":"ana_failed","finished":true,"exception_class":"inasafe.headless.WorkerLostError"},
			"suggestion":{"key":"worker_lost","title":"Worker Lost Error Suggestion","message":"The task has been forcefully shut down.","suggested_actions":["Reduce the extent"]}}`))
	})
	mux.HandleFunc("/api/analysis/ana_busy/rerun", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"status":"error","error":"analysis ana_busy: analysis is still running"}`))
	})
	mux.HandleFunc("/api/layers", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "hazard", r.URL.Query().Get("purpose"))
		w.Write([]byte(`[{"id":"lyr_h","name":"flood","title":"Jakarta flood","purpose":"hazard"}]`))
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return newAPIClient(server.URL + "/")
}

func callTool(t *testing.T, handler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), args map[string]interface{}) string {
	t.Helper()
	var request mcp.CallToolRequest
	request.Params.Arguments = args

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := handler(ctx, request)
	require.NoError(t, err)
	require.Len(t, result.Content, 1)
	text, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return text.Text
}

func TestListAnalysesTool(t *testing.T) {
	api := fakeAPI(t)
	logger := arbor.NewLogger()

	out := callTool(t, handleListAnalyses(api, logger), nil)
	assert.Contains(t, out, "## Analyses (2)")
	assert.Less(t, strings.Index(out, "ana_new"), strings.Index(out, "ana_old"), "newest first")
	assert.Contains(t, out, "**Old flood** `ana_old` - SUCCESS (kept)")

	out = callTool(t, handleListAnalyses(api, logger), map[string]interface{}{"state": "started"})
	assert.Contains(t, out, "## Analyses (1)")
	assert.NotContains(t, out, "ana_old")
}

func TestGetAnalysisToolShowsSuggestion(t *testing.T) {
	api := fakeAPI(t)

	out := callTool(t, handleGetAnalysis(api, arbor.NewLogger()), map[string]interface{}{"analysis_id": "ana_failed"})
	assert.Contains(t, out, "## Earthquake")
	assert.Contains(t, out, "**State:** FAILURE")
	assert.Contains(t, out, "inasafe.headless.WorkerLostError")
	assert.Contains(t, out, "- Reduce the extent")

	out = callTool(t, handleGetAnalysis(api, arbor.NewLogger()), map[string]interface{}{"analysis_id": "ana_missing"})
	assert.Equal(t, "Analysis ana_missing: not found", out)

	out = callTool(t, handleGetAnalysis(api, arbor.NewLogger()), nil)
	assert.Contains(t, out, "analysis_id parameter is required")
}

func TestRerunAnalysisToolReportsConflict(t *testing.T) {
	api := fakeAPI(t)

	out := callTool(t, handleRerunAnalysis(api, arbor.NewLogger()), map[string]interface{}{"analysis_id": "ana_busy"})
	assert.Equal(t, "Rerun ana_busy: analysis ana_busy: analysis is still running", out)
}

func TestListLayersTool(t *testing.T) {
	api := fakeAPI(t)

	out := callTool(t, handleListLayers(api, arbor.NewLogger()), map[string]interface{}{"purpose": "hazard"})
	assert.Contains(t, out, "## hazard layers (1)")
	assert.Contains(t, out, "- **Jakarta flood** `lyr_h` [hazard]")
}

func TestNewMCPServerRegistersTools(t *testing.T) {
	assert.NotNil(t, newMCPServer(newAPIClient("http://localhost:8085"), arbor.NewLogger()))
}
