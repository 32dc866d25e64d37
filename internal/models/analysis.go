// -----------------------------------------------------------------------
// Analysis - one user-initiated orchestration run
// -----------------------------------------------------------------------

package models

import (
	"fmt"
	"time"
)

// ExtentOption selects how the analysis extent is derived
type ExtentOption int

const (
	ExtentCurrentView    ExtentOption = 1 // intersection with the map view the user had open
	ExtentHazardExposure ExtentOption = 2 // intersection of hazard and exposure
	ExtentBoundingBox    ExtentOption = 3 // intersection with an explicit bbox
)

// Valid reports whether the option is one of the known extent modes
func (e ExtentOption) Valid() bool {
	return e >= ExtentCurrentView && e <= ExtentBoundingBox
}

// AggregationFilter restricts an aggregation layer to features whose property
// matches any of the listed values.
type AggregationFilter struct {
	PropertyName string   `json:"property_name"`
	Values       []string `json:"values"`
}

// Requester identifies the user who started an analysis.
// An empty ID means the request was made anonymously.
type Requester struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
}

// Anonymous reports whether the requester is an anonymous user
func (r Requester) Anonymous() bool {
	return r.ID == "" || r.ID == "-1" || r.ID == "AnonymousUser"
}

// Analysis represents one user-initiated orchestration run.
type Analysis struct {
	ID string `json:"id" badgerhold:"key"`

	User      Requester `json:"user"`
	UserTitle string    `json:"user_title,omitempty"`

	HazardLayerID      string             `json:"hazard_layer_id"`
	ExposureLayerID    string             `json:"exposure_layer_id"`
	AggregationLayerID string             `json:"aggregation_layer_id,omitempty"`
	AggregationFilter  *AggregationFilter `json:"aggregation_filter,omitempty"`

	ExtentOption ExtentOption `json:"extent_option"`
	UserExtent   []float64    `json:"user_extent,omitempty"` // minx, miny, maxx, maxy

	Keep bool `json:"keep"` // retention flag, swept when false

	// Pipeline coordination state
	TaskID              string     `json:"task_id,omitempty"`   // root (RUN_ANALYSIS) stage handle
	StageIDs            []string   `json:"stage_ids,omitempty"` // every dispatched stage, in chain order
	TaskState           TaskState  `json:"task_state"`          // last known status
	StartTime           *time.Time `json:"start_time,omitempty"`
	EndTime             *time.Time `json:"end_time,omitempty"`
	LanguageCode        string     `json:"language_code"`
	FilteredAggregation string     `json:"filtered_aggregation,omitempty"` // temp filtered aggregation layer path
	CustomTemplate      string     `json:"custom_template,omitempty"`

	// Results
	ImpactLayerID string `json:"impact_layer_id,omitempty"`
	ReportMap     string `json:"report_map,omitempty"`
	ReportTable   string `json:"report_table,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Dispatched reports whether a pipeline handle has been stored
func (a *Analysis) Dispatched() bool {
	return a.TaskID != ""
}

// InFlight reports whether the request has a dispatched pipeline that has not
// reached a terminal state.
func (a *Analysis) InFlight() bool {
	return a.Dispatched() && !a.TaskState.Terminal()
}

// Finished reports whether the request can be swept: it either never
// dispatched or reached a terminal state.
func (a *Analysis) Finished() bool {
	return !a.Dispatched() || a.TaskState.Terminal()
}

// DefaultImpactTitle builds "{hazard} on {exposure}[ around {aggregation}]"
func DefaultImpactTitle(hazard, exposure, aggregation string) string {
	if aggregation != "" {
		return fmt.Sprintf("%s on %s around %s", hazard, exposure, aggregation)
	}
	return fmt.Sprintf("%s on %s", hazard, exposure)
}
