package models

import "encoding/json"

// StatusSuccess is the remote worker's success sentinel; any other status is a failure
const StatusSuccess = 0

// Output keys reported by the remote analysis
const (
	OutputImpactAnalysis           = "impact_analysis"
	OutputHazardAggregationSummary = "hazard_aggregation_summary"
	OutputAnalysisSummary          = "analysis_summary"
)

// Envelope is the status/message header common to every remote result
type Envelope struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

// Succeeded reports whether the status is the success sentinel
func (e Envelope) Succeeded() bool {
	return e.Status == StatusSuccess
}

// AnalysisResult is returned by run_analysis: output key -> URI
type AnalysisResult struct {
	Envelope
	Output map[string]string `json:"output"`
}

// UnmarshalJSON accepts both "output" and "outputs"; workers have used both names.
func (r *AnalysisResult) UnmarshalJSON(data []byte) error {
	var raw struct {
		Envelope
		Output  map[string]string `json:"output"`
		Outputs map[string]string `json:"outputs"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.Envelope = raw.Envelope
	r.Output = raw.Output
	if len(r.Output) == 0 {
		r.Output = raw.Outputs
	}
	return nil
}

// ImpactURI returns the primary output, preferring impact_analysis over
// hazard_aggregation_summary.
func (r *AnalysisResult) ImpactURI() string {
	if uri := r.Output[OutputImpactAnalysis]; uri != "" {
		return uri
	}
	return r.Output[OutputHazardAggregationSummary]
}

// SummaryURI returns the analysis summary sidecar, if any
func (r *AnalysisResult) SummaryURI() string {
	return r.Output[OutputAnalysisSummary]
}

// ReportResult is returned by generate_report: format tag -> product -> URI
type ReportResult struct {
	Envelope
	Output map[string]map[string]string `json:"output"`
}

// Products returns the product map for a format tag, e.g. "pdf_product_tag"
func (r *ReportResult) Products(formatTag string) map[string]string {
	if r == nil || r.Output == nil {
		return nil
	}
	return r.Output[formatTag]
}

// MultiExposureResult is returned by run_multi_exposure_analysis. Per-exposure
// outputs are nested maps, combined outputs are plain URIs.
type MultiExposureResult struct {
	Envelope
	Output map[string]json.RawMessage `json:"output"`
}
