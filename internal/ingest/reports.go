package ingest

import (
	"fmt"
	"sort"

	"github.com/gobwas/glob"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/ternarybob/geosafe/internal/common"
)

// Report roles attached to an analysis
const (
	ReportMap   = "map"
	ReportTable = "table"
)

// ReportMatcher maps report product names onto report roles
type ReportMatcher struct {
	formatTag string
	defMap    glob.Glob
	customMap glob.Glob
	table     glob.Glob
}

// NewReportMatcher compiles the product key patterns
func NewReportMatcher(cfg common.AnalysisConfig) (*ReportMatcher, error) {
	m := &ReportMatcher{formatTag: cfg.ReportFormatTag}
	if m.formatTag == "" {
		m.formatTag = "pdf_product_tag"
	}

	patterns := []struct {
		target  *glob.Glob
		pattern string
		name    string
	}{
		{&m.defMap, cfg.MapReportKey, "map_report_key"},
		{&m.customMap, cfg.CustomMapReport, "custom_map_report_key"},
		{&m.table, cfg.TableReportKey, "table_report_key"},
	}
	for _, p := range patterns {
		if p.pattern == "" {
			continue
		}
		g, err := glob.Compile(p.pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q: %w", p.name, p.pattern, err)
		}
		*p.target = g
	}
	return m, nil
}

// FormatTag returns the product format inspected for reports
func (m *ReportMatcher) FormatTag() string {
	return m.formatTag
}

// Match picks the map and table report URIs out of a product map. With a
// custom template the map report is looked up under the custom product key.
// When several products match a role the first one in key order wins.
func (m *ReportMatcher) Match(products map[string]string, customTemplate bool) map[string]string {
	mapGlob := m.defMap
	if customTemplate {
		mapGlob = m.customMap
	}

	keys := make([]string, 0, len(products))
	for k := range products {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	matched := make(map[string]string, 2)
	for _, key := range keys {
		uri := products[key]
		if uri == "" {
			continue
		}
		if _, ok := matched[ReportTable]; !ok && m.table != nil && m.table.Match(key) {
			matched[ReportTable] = uri
			continue
		}
		if _, ok := matched[ReportMap]; !ok && mapGlob != nil && mapGlob.Match(key) {
			matched[ReportMap] = uri
		}
	}
	return matched
}

// validatePDF checks that a report is a readable PDF
func validatePDF(path string) error {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	if err := api.ValidateFile(path, conf); err != nil {
		return fmt.Errorf("invalid report pdf %s: %w", path, err)
	}
	return nil
}
