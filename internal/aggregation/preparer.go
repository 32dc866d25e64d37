// Package aggregation derives filtered aggregation layers through a WFS
// GetFeature query and cleans them up once the pipeline is done.
package aggregation

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/geosafe/internal/common"
	"github.com/ternarybob/geosafe/internal/httpclient"
	"github.com/ternarybob/geosafe/internal/interfaces"
	"github.com/ternarybob/geosafe/internal/locator"
	"github.com/ternarybob/geosafe/internal/models"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

const maxResponseBytes = 256 << 20

// Preparer builds filtered aggregation layers
type Preparer struct {
	config   common.AggregationConfig
	locator  *locator.Locator
	analyses interfaces.AnalysisStorage
	client   *http.Client
	limiter  *rate.Limiter
	logger   arbor.ILogger
}

// NewPreparer creates a preparer. A zero rate limit disables throttling of
// outbound queries.
func NewPreparer(config common.AggregationConfig, loc *locator.Locator, analyses interfaces.AnalysisStorage, logger arbor.ILogger) *Preparer {
	limit := rate.Inf
	if config.RateLimit > 0 {
		limit = rate.Limit(config.RateLimit)
	}
	return &Preparer{
		config:   config,
		locator:  loc,
		analyses: analyses,
		client:   httpclient.NewClient(common.ParseDuration(config.Timeout, 60*time.Second), ""),
		limiter:  rate.NewLimiter(limit, 1),
		logger:   logger,
	}
}

// Prepare returns the worker-visible URI of a filtered copy of layer. Any
// failure along the way falls back to the unfiltered layer's URI; the error is
// only returned when that fallback cannot be resolved either.
func (p *Preparer) Prepare(ctx context.Context, analysis *models.Analysis, layer *models.Layer) (string, error) {
	logger := p.logger.WithCorrelationId(analysis.ID)

	uri, err := p.filter(ctx, analysis, layer)
	if err == nil {
		logger.Info().Str("filtered_aggregation", analysis.FilteredAggregation).Msg("Aggregation layer filtered")
		return uri, nil
	}

	logger.Warn().Err(err).Str("layer_id", layer.ID).Msg("Aggregation filter failed, using unfiltered layer")
	return p.locator.ResolveLayer(layer)
}

func (p *Preparer) filter(ctx context.Context, analysis *models.Analysis, layer *models.Layer) (string, error) {
	if p.config.Endpoint == "" {
		return "", errors.New("no aggregation query endpoint configured")
	}
	if layer.BasePath == "" {
		return "", errors.New("aggregation layer has no local dataset")
	}

	query, err := BuildQuery(layer, analysis.AggregationFilter)
	if err != nil {
		return "", err
	}

	body, err := p.fetch(ctx, query)
	if err != nil {
		return "", err
	}

	tempPath, err := writeFiltered(layer, body)
	if err != nil {
		return "", err
	}

	uri, err := p.locator.ResolvePath(tempPath)
	if err != nil {
		removeQuietly(tempPath, p.logger)
		return "", err
	}

	if _, err := p.analyses.UpdateAnalysis(ctx, analysis.ID, func(a *models.Analysis) error {
		a.FilteredAggregation = tempPath
		return nil
	}); err != nil {
		removeQuietly(tempPath, p.logger)
		return "", fmt.Errorf("failed to record filtered aggregation: %w", err)
	}
	analysis.FilteredAggregation = tempPath

	return uri, nil
}

func (p *Preparer) fetch(ctx context.Context, query url.Values) ([]byte, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	endpoint, err := url.Parse(p.config.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid aggregation endpoint: %w", err)
	}
	params := endpoint.Query()
	for key, values := range query {
		params[key] = values
	}
	endpoint.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("aggregation query failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("aggregation query returned %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read aggregation response: %w", err)
	}

	if !gjson.ValidBytes(body) {
		return nil, errors.New("aggregation response is not valid JSON")
	}
	if kind := gjson.GetBytes(body, "type").String(); kind != "FeatureCollection" {
		return nil, fmt.Errorf("aggregation response is a %q, not a FeatureCollection", kind)
	}
	return body, nil
}

// writeFiltered stores the GeoJSON next to the original layer under a unique
// name and copies the layer's .xml metadata sidecar to match.
func writeFiltered(layer *models.Layer, geojson []byte) (string, error) {
	dir := filepath.Dir(layer.BasePath)
	f, err := os.CreateTemp(dir, layer.Basename()+"_*.geojson")
	if err != nil {
		return "", fmt.Errorf("failed to create filtered aggregation file: %w", err)
	}
	tempPath := f.Name()

	if _, err := f.Write(geojson); err != nil {
		f.Close()
		os.Remove(tempPath)
		return "", fmt.Errorf("failed to write filtered aggregation: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tempPath)
		return "", err
	}

	sidecar := strings.TrimSuffix(layer.BasePath, filepath.Ext(layer.BasePath)) + ".xml"
	if _, err := os.Stat(sidecar); err == nil {
		target := strings.TrimSuffix(tempPath, filepath.Ext(tempPath)) + ".xml"
		if err := common.CopyFile(sidecar, target); err != nil {
			os.Remove(tempPath)
			os.Remove(target)
			return "", fmt.Errorf("failed to copy metadata sidecar: %w", err)
		}
	}

	return tempPath, nil
}

// Cleanup removes the analysis' filtered aggregation and its sidecars, if any
func (p *Preparer) Cleanup(ctx context.Context, analysis *models.Analysis) error {
	return p.Remove(ctx, analysis.ID, analysis.FilteredAggregation)
}

// Remove deletes one filtered aggregation produced for an analysis together
// with its sidecars. A path already gone is not an error.
func (p *Preparer) Remove(ctx context.Context, analysisID, path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil
	}

	removed, err := common.RemoveSiblings(path)
	p.logger.Debug().
		Str("analysis_id", analysisID).
		Strs("removed", removed).
		Msg("Filtered aggregation cleaned up")
	return err
}

func removeQuietly(path string, logger arbor.ILogger) {
	if _, err := common.RemoveSiblings(path); err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("Failed to remove filtered aggregation")
	}
}

type propertyIsLike struct {
	PropertyName string `xml:"PropertyName"`
	Literal      string `xml:"Literal"`
}

type orFilter struct {
	Like []propertyIsLike `xml:"PropertyIsLike"`
}

type ogcFilter struct {
	XMLName xml.Name         `xml:"Filter"`
	Like    []propertyIsLike `xml:"PropertyIsLike,omitempty"`
	Or      *orFilter        `xml:"Or,omitempty"`
}

// BuildQuery returns the WFS GetFeature parameters for the layer. A filter
// with values becomes a PropertyIsLike predicate per value, OR'd together.
func BuildQuery(layer *models.Layer, filter *models.AggregationFilter) (url.Values, error) {
	query := url.Values{
		"MAP":          {layer.ProjectPath},
		"SERVICE":      {"WFS"},
		"REQUEST":      {"GetFeature"},
		"TYPENAME":     {layer.Name},
		"OUTPUTFORMAT": {"GeoJSON"},
	}

	if filter == nil || filter.PropertyName == "" || len(filter.Values) == 0 {
		return query, nil
	}

	predicates := make([]propertyIsLike, len(filter.Values))
	for i, value := range filter.Values {
		predicates[i] = propertyIsLike{PropertyName: filter.PropertyName, Literal: value}
	}

	doc := ogcFilter{Like: predicates}
	if len(predicates) > 1 {
		doc = ogcFilter{Or: &orFilter{Like: predicates}}
	}

	encoded, err := xml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode aggregation filter: %w", err)
	}
	query.Set("FILTER", string(encoded))
	return query, nil
}
