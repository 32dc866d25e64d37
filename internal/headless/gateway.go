package headless

import (
	"context"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/geosafe/internal/models"
	"github.com/ternarybob/geosafe/internal/queue"
)

// Dispatcher sends a signature and returns its handle
type Dispatcher interface {
	Send(ctx context.Context, sig models.Signature) (*queue.AsyncResult, error)
}

// AnalysisArgs are the inputs of run_analysis. Aggregation is optional.
type AnalysisArgs struct {
	HazardURI      string
	ExposureURI    string
	AggregationURI string
	CRS            string
	Locale         string
}

// MultiExposureArgs are the inputs of run_multi_exposure_analysis
type MultiExposureArgs struct {
	HazardURI      string
	ExposureURIs   []string
	AggregationURI string
	CRS            string
	Locale         string
}

// ReportArgs are the inputs of generate_report
type ReportArgs struct {
	ImpactURI   string
	TemplateURI string   // custom report template, optional
	LayerOrder  []string // custom layer draw order, optional
	Locale      string
}

// Gateway exposes one method per remote capability. Every call only enqueues
// a message and returns a handle on the eventual result.
type Gateway interface {
	RunAnalysis(ctx context.Context, args AnalysisArgs) (*queue.AsyncResult, error)
	RunMultiExposureAnalysis(ctx context.Context, args MultiExposureArgs) (*queue.AsyncResult, error)
	GenerateReport(ctx context.Context, args ReportArgs) (*queue.AsyncResult, error)
	GetGeneratedReport(ctx context.Context, impactURI string) (*queue.AsyncResult, error)
	GetKeywords(ctx context.Context, layerURI string) (*queue.AsyncResult, error)
	GenerateContour(ctx context.Context, layerURI string) (*queue.AsyncResult, error)
	CheckBrokerConnection(ctx context.Context, timeout time.Duration) bool
}

// Client implements Gateway on top of the broker
type Client struct {
	dispatcher Dispatcher
	logger     arbor.ILogger
}

// NewClient creates a gateway client
func NewClient(dispatcher Dispatcher, logger arbor.ILogger) *Client {
	return &Client{dispatcher: dispatcher, logger: logger}
}

func (c *Client) RunAnalysis(ctx context.Context, args AnalysisArgs) (*queue.AsyncResult, error) {
	sig, err := RunAnalysisSignature(args, 0)
	if err != nil {
		return nil, err
	}
	return c.dispatcher.Send(ctx, sig)
}

func (c *Client) RunMultiExposureAnalysis(ctx context.Context, args MultiExposureArgs) (*queue.AsyncResult, error) {
	sig, err := stub(TaskRunMultiExposureAnalysis).Signature(args.HazardURI, args.ExposureURIs, optional(args.AggregationURI))
	if err != nil {
		return nil, err
	}
	if sig, err = withOptionalKwargs(sig, map[string]string{"crs": args.CRS, "locale": args.Locale}); err != nil {
		return nil, err
	}
	return c.dispatcher.Send(ctx, sig)
}

func (c *Client) GenerateReport(ctx context.Context, args ReportArgs) (*queue.AsyncResult, error) {
	sig, err := GenerateReportSignature(args)
	if err != nil {
		return nil, err
	}
	return c.dispatcher.Send(ctx, sig)
}

func (c *Client) GetGeneratedReport(ctx context.Context, impactURI string) (*queue.AsyncResult, error) {
	sig, err := stub(TaskGetGeneratedReport).Signature(impactURI)
	if err != nil {
		return nil, err
	}
	return c.dispatcher.Send(ctx, sig)
}

func (c *Client) GetKeywords(ctx context.Context, layerURI string) (*queue.AsyncResult, error) {
	sig, err := GetKeywordsSignature(layerURI)
	if err != nil {
		return nil, err
	}
	return c.dispatcher.Send(ctx, sig)
}

func (c *Client) GenerateContour(ctx context.Context, layerURI string) (*queue.AsyncResult, error) {
	sig, err := stub(TaskGenerateContour).Signature(layerURI)
	if err != nil {
		return nil, err
	}
	return c.dispatcher.Send(ctx, sig)
}

// CheckBrokerConnection round-trips a no-op task through a remote worker
func (c *Client) CheckBrokerConnection(ctx context.Context, timeout time.Duration) bool {
	sig, err := stub(TaskCheckBrokerConnection).Signature()
	if err != nil {
		return false
	}
	result, err := c.dispatcher.Send(ctx, sig)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to dispatch broker connection check")
		return false
	}

	var connected bool
	if err := result.Get(ctx, timeout, &connected); err != nil {
		c.logger.Debug().Err(err).Msg("Broker connection check did not complete")
		return false
	}
	return connected
}

// RunAnalysisSignature builds the run_analysis stage. A positive time limit is
// enforced on the worker side.
func RunAnalysisSignature(args AnalysisArgs, timeLimit time.Duration) (models.Signature, error) {
	sig, err := stub(TaskRunAnalysis).Signature(args.HazardURI, args.ExposureURI, optional(args.AggregationURI))
	if err != nil {
		return sig, err
	}
	sig, err = withOptionalKwargs(sig, map[string]string{"crs": args.CRS, "locale": args.Locale})
	if err != nil {
		return sig, err
	}
	if timeLimit > 0 {
		sig = sig.WithTimeLimit(timeLimit)
	}
	return sig, nil
}

// GenerateReportSignature builds the generate_report call
func GenerateReportSignature(args ReportArgs) (models.Signature, error) {
	sig, err := stub(TaskGenerateReport).Signature(args.ImpactURI)
	if err != nil {
		return sig, err
	}
	sig, err = withOptionalKwargs(sig, map[string]string{
		"custom_report_template_uri": args.TemplateURI,
		"locale":                     args.Locale,
	})
	if err != nil {
		return sig, err
	}
	if len(args.LayerOrder) > 0 {
		return sig.WithKwarg("custom_layer_order", args.LayerOrder)
	}
	return sig, nil
}

// GetKeywordsSignature builds the get_keywords call
func GetKeywordsSignature(layerURI string) (models.Signature, error) {
	return stub(TaskGetKeywords).Signature(layerURI)
}

func optional(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

func withOptionalKwargs(sig models.Signature, kwargs map[string]string) (models.Signature, error) {
	var err error
	for name, value := range kwargs {
		if value == "" {
			continue
		}
		if sig, err = sig.WithKwarg(name, value); err != nil {
			return sig, err
		}
	}
	return sig, nil
}
