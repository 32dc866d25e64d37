package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/geosafe/internal/common"
)

func TestSubstituteLayerOrder(t *testing.T) {
	sources := map[string]interface{}{
		"impact": "/out/impact.shp",
		"hazard": "/layers/flood.tif",
		"exposure": map[string]interface{}{
			"buildings": "/layers/buildings.shp",
			"count":     3,
		},
	}

	order := SubstituteLayerOrder([]string{
		"@impact",
		"@exposure.buildings",
		"@exposure.count",
		"@exposure.roads",
		"@basemap",
		"literal-layer",
		"@hazard",
	}, sources)

	assert.Equal(t, []string{
		"/out/impact.shp",
		"/layers/buildings.shp",
		"@exposure.count",
		"@exposure.roads",
		"@basemap",
		"literal-layer",
		"/layers/flood.tif",
	}, order)
}

func TestWithoutEntry(t *testing.T) {
	order := []string{"@aggregation", "@impact", "@aggregation"}
	assert.Equal(t, []string{"@impact"}, withoutEntry(order, "@aggregation"))
	assert.Len(t, order, 3, "input is not modified")
}

func TestReportMatcher(t *testing.T) {
	m, err := NewReportMatcher(common.NewDefaultConfig().Analysis)
	require.NoError(t, err)
	assert.Equal(t, "pdf_product_tag", m.FormatTag())

	products := map[string]string{
		"inasafe-map-report-portrait":  "/out/portrait.pdf",
		"inasafe-map-report-landscape": "/out/landscape.pdf",
		"impact-report-pdf":            "/out/table.pdf",
		"action-checklist-pdf":         "/out/checklist.pdf",
	}
	assert.Equal(t, map[string]string{
		ReportMap:   "/out/portrait.pdf",
		ReportTable: "/out/table.pdf",
	}, m.Match(products, false))

	custom := map[string]string{
		"custom-map-report": "/out/custom.pdf",
		"impact-report-pdf": "",
	}
	assert.Equal(t, map[string]string{ReportMap: "/out/custom.pdf"}, m.Match(custom, true))
	assert.Empty(t, m.Match(custom, false))
}
