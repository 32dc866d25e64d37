package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ternarybob/geosafe/internal/models"
	"github.com/ternarybob/geosafe/internal/reconcile"
)

func analysisTitle(a *models.Analysis) string {
	if a.UserTitle != "" {
		return a.UserTitle
	}
	return a.ID
}

// formatAnalysisList formats analyses as markdown, newest first
func formatAnalysisList(analyses []*models.Analysis, limit int) string {
	sort.Slice(analyses, func(i, j int) bool {
		return analyses[i].CreatedAt.After(analyses[j].CreatedAt)
	})

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("## Analyses (%d)\n\n", len(analyses)))
	if len(analyses) == 0 {
		sb.WriteString("No analyses found.\n")
		return sb.String()
	}

	if len(analyses) > limit {
		analyses = analyses[:limit]
	}
	for i, a := range analyses {
		sb.WriteString(fmt.Sprintf("%d. **%s** `%s` - %s", i+1, analysisTitle(a), a.ID, a.TaskState))
		if a.Keep {
			sb.WriteString(" (kept)")
		}
		sb.WriteString(fmt.Sprintf(", created %s\n", a.CreatedAt.Format(time.RFC3339)))
	}
	return sb.String()
}

// formatAnalysis formats one analysis as markdown. status may be nil.
func formatAnalysis(a *models.Analysis, status *reconcile.Status) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("## %s\n\n", analysisTitle(a)))
	sb.WriteString(fmt.Sprintf("**ID:** %s\n", a.ID))

	state := a.TaskState
	if status != nil {
		state = status.State
	}
	sb.WriteString(fmt.Sprintf("**State:** %s\n", state))
	sb.WriteString(fmt.Sprintf("**Hazard layer:** %s\n", a.HazardLayerID))
	sb.WriteString(fmt.Sprintf("**Exposure layer:** %s\n", a.ExposureLayerID))
	if a.AggregationLayerID != "" {
		sb.WriteString(fmt.Sprintf("**Aggregation layer:** %s\n", a.AggregationLayerID))
	}
	if a.ImpactLayerID != "" {
		sb.WriteString(fmt.Sprintf("**Impact layer:** %s\n", a.ImpactLayerID))
	}
	if a.StartTime != nil {
		sb.WriteString(fmt.Sprintf("**Started:** %s\n", a.StartTime.Format(time.RFC3339)))
	}
	if a.EndTime != nil {
		sb.WriteString(fmt.Sprintf("**Finished:** %s\n", a.EndTime.Format(time.RFC3339)))
	}

	if a.ReportMap != "" || a.ReportTable != "" {
		sb.WriteString("\n### Reports\n")
		if a.ReportMap != "" {
			sb.WriteString(fmt.Sprintf("- map: %s\n", a.ReportMap))
		}
		if a.ReportTable != "" {
			sb.WriteString(fmt.Sprintf("- table: %s\n", a.ReportTable))
		}
	}

	if status != nil && status.Record != nil && status.Record.Failed() {
		sb.WriteString("\n### Failure\n")
		sb.WriteString(fmt.Sprintf("**Exception:** %s\n", status.Record.ExceptionClass))
		if status.Suggestion != nil {
			sb.WriteString(fmt.Sprintf("\n**%s**\n\n%s\n", status.Suggestion.Title, status.Suggestion.Message))
			for _, action := range status.Suggestion.SuggestedActions {
				sb.WriteString(fmt.Sprintf("- %s\n", action))
			}
		}
	}
	return sb.String()
}

// formatLayerList formats layers as markdown
func formatLayerList(purpose string, layers []*models.Layer) string {
	var sb strings.Builder
	if purpose != "" {
		sb.WriteString(fmt.Sprintf("## %s layers (%d)\n\n", purpose, len(layers)))
	} else {
		sb.WriteString(fmt.Sprintf("## Layers (%d)\n\n", len(layers)))
	}
	if len(layers) == 0 {
		sb.WriteString("No layers found.\n")
		return sb.String()
	}

	for _, l := range layers {
		title := l.Title
		if title == "" {
			title = l.Name
		}
		sb.WriteString(fmt.Sprintf("- **%s** `%s`", title, l.ID))
		if l.Purpose != "" {
			sb.WriteString(fmt.Sprintf(" [%s]", l.Purpose))
		}
		if l.Remote {
			sb.WriteString(" (remote)")
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
