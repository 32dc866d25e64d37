// Package troubleshoot suggests remediations for known analysis failures.
package troubleshoot

import "strings"

// Suggestion is a user-facing remediation for a failure class
type Suggestion struct {
	Key              string   `json:"key"`
	Title            string   `json:"title"`
	Message          string   `json:"message"`
	SuggestedActions []string `json:"suggested_actions"`
}

type rule struct {
	match      string // substring of the exception class
	suggestion Suggestion
}

var rules = []rule{
	{
		match: "WorkerLostError",
		suggestion: Suggestion{
			Key:   "worker_lost",
			Title: "Worker Lost Error Suggestion",
			Message: "The task has been forcefully shut down. This can happen for various reasons. " +
				"The task may take a very long time to complete and stall in the background without recovering, " +
				"or it may need significant resources to complete. " +
				"Consider reducing the analysis extent if this happens to be the case. " +
				"If you are using a raster layer, make sure its total extent and resolution are not overly complex. " +
				"You can also split the raster layer into smaller extents so it can be processed more easily, " +
				"or use an aggregation layer.",
			SuggestedActions: []string{
				"Reduce analysis extent",
				"Use aggregation layer",
				"Use less resolution or smaller Raster layer (if it involves raster layer)",
				"Create new smaller layer to be used specifically for the analysis",
			},
		},
	},
	{
		match: "TimeLimitExceeded",
		suggestion: Suggestion{
			Key:     "time_limit",
			Title:   "Time Limit Exceeded Suggestion",
			Message: "The analysis did not finish within the configured time limit.",
			SuggestedActions: []string{
				"Reduce analysis extent",
				"Use aggregation layer",
			},
		},
	},
}

// Lookup returns the suggestion for an exception class, or nil
func Lookup(exceptionClass string) *Suggestion {
	if exceptionClass == "" {
		return nil
	}
	for _, r := range rules {
		if strings.Contains(exceptionClass, r.match) {
			s := r.suggestion
			s.SuggestedActions = append([]string(nil), r.suggestion.SuggestedActions...)
			return &s
		}
	}
	return nil
}
