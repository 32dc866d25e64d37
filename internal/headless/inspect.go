package headless

import (
	"encoding/json"
	"strings"
	"unicode"

	"github.com/ternarybob/geosafe/internal/models"
	"github.com/ternarybob/geosafe/internal/queue"
)

// RegisterInspectors makes the broker record envelope failures reported by
// remote tasks as FAILURE while still forwarding the envelope down the chain.
func RegisterInspectors(broker *queue.Broker) {
	for _, task := range []string{TaskRunAnalysis, TaskRunMultiExposureAnalysis, TaskGenerateReport, TaskGetGeneratedReport} {
		broker.RegisterInspector(task, InspectEnvelope)
	}
}

// InspectEnvelope returns a forwarded failure for envelopes with a nonzero status
func InspectEnvelope(result []byte) *models.TaskError {
	var envelope models.Envelope
	if err := json.Unmarshal(result, &envelope); err != nil || envelope.Succeeded() {
		return nil
	}
	return &models.TaskError{
		ExceptionType: ExceptionClass(envelope.Message),
		Message:       envelope.Message,
		Traceback:     envelope.Message,
		Forward:       true,
	}
}

// ExceptionClass derives a qualified exception class from a remote failure
// message whose first word names the error, e.g. "WorkerLostError: ...".
func ExceptionClass(message string) string {
	word := strings.FieldsFunc(message, func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '.')
	})
	if len(word) == 0 {
		return defaultRemoteExceptionClass
	}
	name := strings.Trim(word[0], ".")
	if strings.HasSuffix(name, "Error") || strings.HasSuffix(name, "Exception") {
		if strings.Contains(name, ".") {
			return name
		}
		return exceptionPrefix + name
	}
	return defaultRemoteExceptionClass
}
