package models

import (
	"path/filepath"
	"strings"
	"time"
)

// Layer purposes as reported by the remote keyword extraction
const (
	LayerPurposeHazard      = "hazard"
	LayerPurposeExposure    = "exposure"
	LayerPurposeAggregation = "aggregation"
	LayerPurposeImpact      = "impact_analysis"
)

// Layer is a managed geospatial content object.
type Layer struct {
	ID    string `json:"id" badgerhold:"key"`
	Name  string `json:"name"` // typename, also the dataset basename
	Title string `json:"title"`

	OwnerID string `json:"owner_id"`

	// BasePath is the main dataset file (e.g. the .shp) as seen by this process.
	BasePath string `json:"base_path"`
	// ProjectPath is the QGIS project serving this layer over WFS.
	ProjectPath string `json:"project_path,omitempty"`
	// Remote marks layers whose data lives in a third-party service.
	Remote     bool   `json:"remote"`
	ServiceURL string `json:"service_url,omitempty"`

	// Files are the stored locations (paths or object URLs) of every file
	// belonging to the dataset, sidecars included.
	Files       []string `json:"files,omitempty"`
	SummaryPath string   `json:"summary_path,omitempty"`

	Purpose      string   `json:"purpose,omitempty"`
	Category     string   `json:"category,omitempty"`
	KeywordsJSON string   `json:"keywords_json,omitempty"`
	Permissions  []string `json:"permissions,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Basename returns the dataset filename without directory or extension
func (l *Layer) Basename() string {
	base := filepath.Base(l.BasePath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// DisplayTitle falls back to the name when no title is set
func (l *Layer) DisplayTitle() string {
	if l.Title != "" {
		return l.Title
	}
	return l.Name
}

// DefaultPermissions returns the access grants applied to newly published layers
func DefaultPermissions(ownerID string) []string {
	return []string{"view:anyone", "download:anyone", "change:" + ownerID, "delete:" + ownerID}
}
