package exporter

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/moby/otlpexport/client"
	"github.com/moby/otlpexport/transform"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// fakeStub is a TraceServiceClient recording calls without a network.
type fakeStub struct {
	calls atomic.Int64
	block chan struct{}
	err   error

	mu   sync.Mutex
	last *coltracepb.ExportTraceServiceRequest
}

func (s *fakeStub) Export(ctx context.Context, req *coltracepb.ExportTraceServiceRequest, opts ...grpc.CallOption) (*coltracepb.ExportTraceServiceResponse, error) {
	s.calls.Add(1)
	s.mu.Lock()
	s.last = req
	s.mu.Unlock()
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return &coltracepb.ExportTraceServiceResponse{}, nil
}

func (s *fakeStub) lastRequest() *coltracepb.ExportTraceServiceRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func testRecordable(name string) *transform.Recordable {
	r := &transform.Recordable{}
	r.SetName(name)
	return r
}

func TestExportEmptyBatch(t *testing.T) {
	t.Parallel()

	stub := &fakeStub{err: status.Error(codes.Unavailable, "broken")}
	e, err := NewWithStub(stub, Options{})
	require.NoError(t, err)
	defer e.Shutdown(context.TODO(), time.Second)

	require.Equal(t, Success, e.Export(context.TODO(), nil))
	require.Equal(t, Success, e.Export(context.TODO(), []*transform.Recordable{}))
	require.EqualValues(t, 0, stub.calls.Load(), "an empty batch must not touch the transport")
}

func TestExportSendsOneRequest(t *testing.T) {
	t.Parallel()

	stub := &fakeStub{}
	e, err := NewWithStub(stub, Options{})
	require.NoError(t, err)
	defer e.Shutdown(context.TODO(), time.Second)

	rec := e.MakeRecordable()
	rec.SetName("operation")
	require.Equal(t, Success, e.Export(context.TODO(), []*transform.Recordable{rec}))
	require.EqualValues(t, 1, stub.calls.Load())
	require.Len(t, stub.lastRequest().GetResourceSpans(), 1)
}

func TestExportTransportFailure(t *testing.T) {
	t.Parallel()

	stub := &fakeStub{err: status.Error(codes.Unavailable, "collector down")}
	e, err := NewWithStub(stub, Options{})
	require.NoError(t, err)
	defer e.Shutdown(context.TODO(), time.Second)

	require.Equal(t, Failure, e.Export(context.TODO(), []*transform.Recordable{testRecordable("operation")}))
	require.EqualValues(t, 1, stub.calls.Load())
}

func TestExportAfterShutdown(t *testing.T) {
	t.Parallel()

	stub := &fakeStub{}
	e, err := NewWithStub(stub, Options{})
	require.NoError(t, err)
	require.True(t, e.Shutdown(context.TODO(), time.Second))

	require.Equal(t, Failure, e.Export(context.TODO(), []*transform.Recordable{testRecordable("operation")}))
	// The shutdown guard comes before the empty-batch shortcut.
	require.Equal(t, Failure, e.Export(context.TODO(), nil))
	require.EqualValues(t, 0, stub.calls.Load(), "no transport call may happen after shutdown")
}

func TestExportWithoutStub(t *testing.T) {
	t.Parallel()

	c := client.NewStubOnly(client.Options{})
	e, err := NewWithClient(c, Options{})
	require.NoError(t, err)
	defer e.Shutdown(context.TODO(), time.Second)

	require.Equal(t, Failure, e.Export(context.TODO(), []*transform.Recordable{testRecordable("operation")}))
	// Without a stub even an empty batch reports Failure; the stub
	// guard runs first.
	require.Equal(t, Failure, e.Export(context.TODO(), nil))
}

func TestDoubleShutdown(t *testing.T) {
	t.Parallel()

	e, err := NewWithStub(&fakeStub{}, Options{})
	require.NoError(t, err)

	require.True(t, e.Shutdown(context.TODO(), time.Second))
	require.True(t, e.Shutdown(context.TODO(), time.Second))
	require.Nil(t, e.Client())
}

func TestSharedClientLifecycle(t *testing.T) {
	t.Parallel()

	c := client.NewStubOnly(client.Options{})
	stub := &fakeStub{}
	e1, err := NewWithStubAndClient(stub, c, Options{})
	require.NoError(t, err)
	e2, err := NewWithStubAndClient(stub, c, Options{})
	require.NoError(t, err)
	require.Equal(t, 2, c.References())

	require.True(t, e1.Shutdown(context.TODO(), time.Second))
	require.Equal(t, 1, c.References())

	// The client keeps serving the remaining exporter.
	require.Equal(t, Success, e2.Export(context.TODO(), []*transform.Recordable{testRecordable("operation")}))

	require.True(t, e2.Shutdown(context.TODO(), time.Second))
	require.Equal(t, 0, c.References())
}

func TestCloseReleasesReference(t *testing.T) {
	t.Parallel()

	c := client.NewStubOnly(client.Options{})
	e, err := NewWithStubAndClient(&fakeStub{}, c, Options{})
	require.NoError(t, err)

	e.Close()
	require.Equal(t, 0, c.References())
	require.Equal(t, Failure, e.Export(context.TODO(), []*transform.Recordable{testRecordable("operation")}))
	e.Close()
}

func TestExportAsyncAdmission(t *testing.T) {
	t.Parallel()

	stub := &fakeStub{block: make(chan struct{})}
	e, err := NewWithStub(stub, Options{MaxConcurrentRequests: 2})
	require.NoError(t, err)

	// Admission succeeds while the call is still in flight.
	require.Equal(t, Success, e.Export(context.TODO(), []*transform.Recordable{testRecordable("operation")}))
	require.False(t, e.ForceFlush(context.TODO(), 20*time.Millisecond))

	close(stub.block)
	require.True(t, e.ForceFlush(context.TODO(), time.Second))
	require.True(t, e.Shutdown(context.TODO(), time.Second))
}

func TestForceFlushAfterShutdown(t *testing.T) {
	t.Parallel()

	e, err := NewWithStub(&fakeStub{}, Options{})
	require.NoError(t, err)
	require.True(t, e.Shutdown(context.TODO(), time.Second))
	require.True(t, e.ForceFlush(context.TODO(), time.Second), "nothing to flush once the client is gone")
}

func TestMetricsCountSpansAndBatches(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	stub := &fakeStub{}
	e, err := NewWithStub(stub, Options{Registerer: reg})
	require.NoError(t, err)

	recs := []*transform.Recordable{testRecordable("a"), testRecordable("b")}
	require.Equal(t, Success, e.Export(context.TODO(), recs))
	require.Equal(t, float64(2), testutil.ToFloat64(e.metrics.spans.WithLabelValues("success")))
	require.Equal(t, float64(1), testutil.ToFloat64(e.metrics.batches.WithLabelValues("success")))

	require.True(t, e.Shutdown(context.TODO(), time.Second))
	require.Equal(t, Failure, e.Export(context.TODO(), recs))
	require.Equal(t, float64(2), testutil.ToFloat64(e.metrics.spans.WithLabelValues("failure")))
	require.Equal(t, float64(1), testutil.ToFloat64(e.metrics.batches.WithLabelValues("failure")))
}

func TestMetricsSharedRegistry(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	stub := &fakeStub{}
	e1, err := NewWithStub(stub, Options{Registerer: reg})
	require.NoError(t, err)
	defer e1.Shutdown(context.TODO(), time.Second)
	e2, err := NewWithStub(stub, Options{Registerer: reg})
	require.NoError(t, err)
	defer e2.Shutdown(context.TODO(), time.Second)

	require.Equal(t, Success, e1.Export(context.TODO(), []*transform.Recordable{testRecordable("a")}))
	require.Equal(t, Success, e2.Export(context.TODO(), []*transform.Recordable{testRecordable("b")}))
	require.Equal(t, float64(2), testutil.ToFloat64(e1.metrics.spans.WithLabelValues("success")))
}

func TestOptionsFromEnv(t *testing.T) {
	t.Run("endpoint scheme", func(t *testing.T) {
		t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "https://collector.example.com:4317/")
		opts := OptionsFromEnv()
		require.Equal(t, "collector.example.com:4317", opts.Endpoint)
		require.False(t, opts.Insecure)

		t.Setenv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT", "http://localhost:4317")
		opts = OptionsFromEnv()
		require.Equal(t, "localhost:4317", opts.Endpoint)
		require.True(t, opts.Insecure)
	})

	t.Run("insecure override", func(t *testing.T) {
		t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "https://collector:4317")
		t.Setenv("OTEL_EXPORTER_OTLP_TRACES_INSECURE", "true")
		opts := OptionsFromEnv()
		require.True(t, opts.Insecure)
	})

	t.Run("timeout in milliseconds", func(t *testing.T) {
		t.Setenv("OTEL_EXPORTER_OTLP_TIMEOUT", "2500")
		opts := OptionsFromEnv()
		require.Equal(t, 2500*time.Millisecond, opts.Timeout)
	})

	t.Run("headers", func(t *testing.T) {
		t.Setenv("OTEL_EXPORTER_OTLP_HEADERS", "authorization=Bearer t, tenant = edge,malformed")
		opts := OptionsFromEnv()
		require.Equal(t, map[string]string{
			"authorization": "Bearer t",
			"tenant":        "edge",
		}, opts.Headers)
	})

	t.Run("compression none", func(t *testing.T) {
		t.Setenv("OTEL_EXPORTER_OTLP_COMPRESSION", "none")
		opts := OptionsFromEnv()
		require.Empty(t, opts.Compression)
	})
}
