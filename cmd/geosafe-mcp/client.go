package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ternarybob/geosafe/internal/httpclient"
	"github.com/ternarybob/geosafe/internal/models"
	"github.com/ternarybob/geosafe/internal/reconcile"
)

// apiClient reads and drives analyses through the orchestrator's HTTP API
type apiClient struct {
	baseURL string
	client  *http.Client
}

func newAPIClient(baseURL string) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  httpclient.NewClient(30*time.Second, httpclient.UserAgent+" (+mcp)"),
	}
}

// apiError is an error response from the orchestrator
type apiError struct {
	StatusCode int
	Message    string
}

func (e *apiError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("geosafe api returned %d", e.StatusCode)
	}
	return fmt.Sprintf("geosafe api returned %d: %s", e.StatusCode, e.Message)
}

func (c *apiClient) do(ctx context.Context, method, path string, query url.Values, out interface{}) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("geosafe api request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("failed to read geosafe api response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var payload struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(body, &payload)
		return &apiError{StatusCode: resp.StatusCode, Message: payload.Error}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode geosafe api response: %w", err)
	}
	return nil
}

func (c *apiClient) ListAnalyses(ctx context.Context) ([]*models.Analysis, error) {
	var analyses []*models.Analysis
	err := c.do(ctx, http.MethodGet, "/api/analysis", nil, &analyses)
	return analyses, err
}

func (c *apiClient) GetAnalysis(ctx context.Context, id string) (*models.Analysis, error) {
	var analysis models.Analysis
	if err := c.do(ctx, http.MethodGet, "/api/analysis/"+url.PathEscape(id), nil, &analysis); err != nil {
		return nil, err
	}
	return &analysis, nil
}

func (c *apiClient) AnalysisStatus(ctx context.Context, id string) (*reconcile.Status, error) {
	var status reconcile.Status
	if err := c.do(ctx, http.MethodGet, "/api/analysis/"+url.PathEscape(id)+"/status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (c *apiClient) RerunAnalysis(ctx context.Context, id string) (*models.Analysis, error) {
	var analysis models.Analysis
	if err := c.do(ctx, http.MethodPost, "/api/analysis/"+url.PathEscape(id)+"/rerun", nil, &analysis); err != nil {
		return nil, err
	}
	return &analysis, nil
}

func (c *apiClient) ListLayers(ctx context.Context, purpose string) ([]*models.Layer, error) {
	query := url.Values{}
	if purpose != "" {
		query.Set("purpose", purpose)
	}
	var layers []*models.Layer
	err := c.do(ctx, http.MethodGet, "/api/layers", query, &layers)
	return layers, err
}
