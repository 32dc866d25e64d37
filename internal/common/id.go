package common

import (
	"github.com/google/uuid"
)

// NewAnalysisID generates a unique analysis ID with the "ana_" prefix
func NewAnalysisID() string {
	return "ana_" + uuid.New().String()
}

// NewLayerID generates a unique layer ID with the "lyr_" prefix
func NewLayerID() string {
	return "lyr_" + uuid.New().String()
}

// NewTaskID generates a task ID. Task IDs are bare UUIDs (36 chars) so they fit
// the 40 character pipeline handle column.
func NewTaskID() string {
	return uuid.New().String()
}
