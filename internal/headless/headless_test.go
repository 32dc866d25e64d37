package headless

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/geosafe/internal/models"
	"github.com/ternarybob/geosafe/internal/queue"
)

func newBroker(t *testing.T) *queue.Broker {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLogger(nil))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	config := queue.NewDefaultConfig()
	config.PollInterval = 10 * time.Millisecond
	broker, err := queue.NewBroker(db, config, arbor.NewLogger())
	require.NoError(t, err)
	return broker
}

func TestStubCallIsRemoteOnly(t *testing.T) {
	s, ok := Lookup(TaskRunAnalysis)
	require.True(t, ok)
	assert.Equal(t, queue.QueueHeadless, s.Queue)

	_, err := s.Call(context.Background(), "hazard.tif", "exposure.shp")
	assert.ErrorIs(t, err, ErrRemoteOnly)

	var remoteErr *RemoteOnlyError
	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, TaskRunAnalysis, remoteErr.Task)

	_, err = s.Handler()(context.Background(), &models.TaskMessage{Task: TaskRunAnalysis})
	var failure *models.TaskError
	require.ErrorAs(t, err, &failure)
	assert.Contains(t, failure.Message, "remote workers only")

	_, ok = Lookup("inasafe.headless.tasks.unknown")
	assert.False(t, ok)
}

func TestRunAnalysisSignature(t *testing.T) {
	sig, err := RunAnalysisSignature(AnalysisArgs{
		HazardURI:   "/layers/flood.tif",
		ExposureURI: "/layers/buildings.shp",
		Locale:      "id",
	}, 10*time.Minute)
	require.NoError(t, err)

	assert.Equal(t, TaskRunAnalysis, sig.Task)
	assert.Equal(t, queue.QueueHeadless, sig.Queue)
	assert.Equal(t, int64(600), sig.TimeLimit)
	require.Len(t, sig.Args, 3)
	assert.JSONEq(t, `null`, string(sig.Args[2]), "no aggregation")
	assert.JSONEq(t, `"id"`, string(sig.Kwargs["locale"]))
	_, hasCRS := sig.Kwargs["crs"]
	assert.False(t, hasCRS)
}

func TestGenerateReportSignature(t *testing.T) {
	sig, err := GenerateReportSignature(ReportArgs{
		ImpactURI:   "/out/1/impact.shp",
		TemplateURI: "/out/template_abc.qpt",
		LayerOrder:  []string{"/out/1/impact.shp", "@hazard"},
		Locale:      "en",
	})
	require.NoError(t, err)

	assert.JSONEq(t, `"/out/1/impact.shp"`, string(sig.Args[0]))
	assert.JSONEq(t, `"/out/template_abc.qpt"`, string(sig.Kwargs["custom_report_template_uri"]))
	assert.JSONEq(t, `["/out/1/impact.shp","@hazard"]`, string(sig.Kwargs["custom_layer_order"]))
}

func TestExceptionClass(t *testing.T) {
	tests := []struct {
		message string
		want    string
	}{
		{"WorkerLostError", "inasafe.headless.WorkerLostError"},
		{"WorkerLostError: Worker exited prematurely: signal 9 (SIGKILL).", "inasafe.headless.WorkerLostError"},
		{"billiard.exceptions.WorkerLostError: signal 9", "billiard.exceptions.WorkerLostError"},
		{"Analysis extent is too big", "inasafe.headless.AnalysisError"},
		{"", "inasafe.headless.AnalysisError"},
	}
	for _, tt := range tests {
		t.Run(tt.message, func(t *testing.T) {
			assert.Equal(t, tt.want, ExceptionClass(tt.message))
		})
	}
}

func TestInspectEnvelope(t *testing.T) {
	assert.Nil(t, InspectEnvelope([]byte(`{"status":0,"output":{}}`)))
	assert.Nil(t, InspectEnvelope([]byte(`true`)), "non envelope results are accepted")

	failure := InspectEnvelope([]byte(`{"status":1,"message":"WorkerLostError"}`))
	require.NotNil(t, failure)
	assert.True(t, failure.Forward)
	assert.Equal(t, "inasafe.headless.WorkerLostError", failure.ExceptionType)
}

func TestCheckBrokerConnection(t *testing.T) {
	broker := newBroker(t)
	client := NewClient(broker, arbor.NewLogger())
	ctx := context.Background()

	assert.False(t, client.CheckBrokerConnection(ctx, 50*time.Millisecond), "no worker listening")

	stop := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		for {
			select {
			case <-stop:
				return
			default:
			}
			msg, err := broker.Receive(ctx, queue.QueueHeadless)
			if err != nil {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			if msg.Task == TaskCheckBrokerConnection {
				_ = broker.Complete(ctx, msg, json.RawMessage(`true`), nil)
			}
		}
	}()

	assert.True(t, client.CheckBrokerConnection(ctx, 2*time.Second))
	close(stop)
	<-stopped
}

func TestClientDispatchesToHeadlessQueue(t *testing.T) {
	broker := newBroker(t)
	client := NewClient(broker, arbor.NewLogger())
	ctx := context.Background()

	result, err := client.GetKeywords(ctx, "/layers/flood.tif")
	require.NoError(t, err)

	msg, err := broker.Receive(ctx, queue.QueueHeadless)
	require.NoError(t, err)
	assert.Equal(t, result.ID(), msg.ID)
	assert.Equal(t, TaskGetKeywords, msg.Task)

	var uri string
	found, err := msg.Arg(0, &uri)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "/layers/flood.tif", uri)
}
