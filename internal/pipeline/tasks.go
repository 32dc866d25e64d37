package pipeline

// Local task names, consumed from the geosafe queue
const (
	TaskProcessImpactResult    = "geosafe.tasks.analysis.process_impact_result"
	TaskCleanUpTempAggregation = "geosafe.tasks.analysis.clean_up_temp_aggregation"
	TaskCreateMetadataObject   = "geosafe.tasks.analysis.create_metadata_object"
	TaskSetLayerPurpose        = "geosafe.tasks.analysis.set_layer_purpose"
	TaskCleanImpactResult      = "geosafe.tasks.analysis.clean_impact_result"
)

// Exception classes raised by local stages
const (
	ExceptionIngestion = "geosafe.IngestionError"
	ExceptionNoLayer   = "geosafe.LayerNotFound"
)

// Stage positions in a dispatched analysis chain
const (
	StageRunAnalysis = iota
	StageProcessResult
	StageCleanUp
)

// keyword value reported by the worker for aggregation summaries
const purposeHazardAggregationSummary = "hazard_aggregation_summary"
