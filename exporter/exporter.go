// Package exporter sends OpenTelemetry trace batches to an OTLP
// collector over gRPC. Exporters are cheap handles around a shared
// client; several exporters may reference one client and the last one
// to shut down releases the transport.
package exporter

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/moby/otlpexport/client"
	"github.com/moby/otlpexport/transform"
	"github.com/moby/otlpexport/util/arena"
	"github.com/moby/otlpexport/util/grpcerrors"
	"github.com/moby/otlpexport/util/log"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
)

// Exporter converts span records to the OTLP wire form and delegates
// delivery to its shared client. All methods are safe for concurrent
// use.
type Exporter struct {
	opts Options

	client  atomic.Pointer[client.Client]
	guard   *client.Guard
	stub    coltracepb.TraceServiceClient
	stopped atomic.Bool

	metrics *metrics
}

// New builds an exporter owning a fresh shared client connected to
// opts.Endpoint.
func New(opts Options) (*Exporter, error) {
	c, err := client.New(opts.clientOptions())
	if err != nil {
		return nil, err
	}
	return NewWithClient(c, opts)
}

// NewWithClient builds an exporter on an existing shared client. The
// exporter registers its own reference; the client stays alive until
// every holder has shut down.
func NewWithClient(c *client.Client, opts Options) (*Exporter, error) {
	stub, err := c.MakeTraceServiceStub()
	if err != nil {
		// Not fatal here. Export reports the missing stub per call.
		log.L.WithError(err).Warn("no trace service stub available, exports will fail")
		stub = nil
	}
	return newExporter(c, stub, opts)
}

// NewWithStub builds an exporter around an externally supplied service
// stub, with a private client coordinating lifecycle and dispatch.
func NewWithStub(stub coltracepb.TraceServiceClient, opts Options) (*Exporter, error) {
	return newExporter(client.NewStubOnly(opts.clientOptions()), stub, opts)
}

// NewWithStubAndClient builds an exporter using an externally supplied
// stub while sharing lifecycle and dispatch with an existing client.
func NewWithStubAndClient(stub coltracepb.TraceServiceClient, c *client.Client, opts Options) (*Exporter, error) {
	return newExporter(c, stub, opts)
}

func newExporter(c *client.Client, stub coltracepb.TraceServiceClient, opts Options) (*Exporter, error) {
	g := &client.Guard{}
	if err := c.AddReference(g); err != nil {
		return nil, err
	}
	e := &Exporter{
		opts:    opts,
		guard:   g,
		stub:    stub,
		metrics: newMetrics(opts.Registerer),
	}
	e.client.Store(c)
	return e, nil
}

// MakeRecordable returns a fresh record for one span. Callers fill it
// through its setters and hand it to Export.
func (e *Exporter) MakeRecordable() *transform.Recordable {
	return &transform.Recordable{}
}

// Client returns the shared client handle, or nil once the exporter
// has shut down.
func (e *Exporter) Client() *client.Client {
	return e.client.Load()
}

// Export sends recs to the collector as one batch. It returns Failure
// after shutdown or without a usable stub, Success for an empty batch,
// and otherwise the outcome of the synchronous call or of asynchronous
// admission. Failed batches are not retried.
func (e *Exporter) Export(ctx context.Context, recs []*transform.Recordable) Result {
	c := e.client.Load()
	if e.stopped.Load() || c == nil {
		log.G(ctx).Errorf("[OTLP gRPC] Exporting %d span(s) failed, exporter is shutdown", len(recs))
		e.metrics.fail(len(recs))
		return Failure
	}
	if e.stub == nil {
		log.G(ctx).Errorf("[OTLP gRPC] Exporting %d span(s) failed, service stub unavailable", len(recs))
		e.metrics.fail(len(recs))
		return Failure
	}
	if len(recs) == 0 {
		return Success
	}

	a := arena.New(arena.Options{})
	req := &coltracepb.ExportTraceServiceRequest{}
	transform.PopulateRequest(a, recs, req)

	if e.opts.MaxConcurrentRequests > 1 {
		return e.exportAsync(ctx, c, a, req, len(recs))
	}
	return e.exportSync(ctx, c, a, req, len(recs))
}

func (e *Exporter) exportSync(ctx context.Context, c *client.Client, a *arena.Arena, req *coltracepb.ExportTraceServiceRequest, spans int) Result {
	batches := len(req.ResourceSpans)
	callCtx, cancel := c.MakeClientContext(ctx, e.opts.Timeout)
	defer cancel()
	if _, err := c.DelegateExport(callCtx, e.stub, a, req); err != nil {
		log.G(ctx).WithError(err).Errorf("[OTLP TRACE GRPC Exporter] Export %d trace span(s) failed with status code %q", batches, grpcerrors.Code(err))
		e.metrics.fail(spans)
		return Failure
	}
	log.G(ctx).Debugf("[OTLP TRACE GRPC Exporter] Export %d trace span(s) success", batches)
	e.metrics.ok(spans)
	return Success
}

func (e *Exporter) exportAsync(ctx context.Context, c *client.Client, a *arena.Arena, req *coltracepb.ExportTraceServiceRequest, spans int) Result {
	batches := len(req.ResourceSpans)
	err := c.DelegateAsyncExport(ctx, e.opts.clientOptions(), e.stub, a, req,
		func(err error, req *coltracepb.ExportTraceServiceRequest, resp *coltracepb.ExportTraceServiceResponse) {
			if err != nil {
				log.L.WithError(err).Errorf("[OTLP TRACE GRPC Exporter] Export %d trace span(s) failed with status code %q", len(req.ResourceSpans), grpcerrors.Code(err))
				e.metrics.fail(spans)
				return
			}
			log.L.Debugf("[OTLP TRACE GRPC Exporter] Export %d trace span(s) success", len(req.ResourceSpans))
			e.metrics.ok(spans)
		})
	if err != nil {
		log.G(ctx).WithError(err).Errorf("[OTLP TRACE GRPC Exporter] Export %d trace span(s) failed with status code %q", batches, grpcerrors.Code(err))
		e.metrics.fail(spans)
		return Failure
	}
	return Success
}

// ForceFlush blocks up to timeout for exports outstanding on the
// shared client. It returns true when the drain finished in time, or
// immediately when no client remains.
func (e *Exporter) ForceFlush(ctx context.Context, timeout time.Duration) bool {
	c := e.client.Load()
	if c == nil {
		return true
	}
	return c.ForceFlush(ctx, timeout)
}

// Shutdown moves the exporter to its terminal state. Later Export
// calls fail fast without touching the transport. The shared client
// reference is handed back exactly once; when it was the last one the
// client drains in-flight work for up to timeout and releases the
// transport. Safe to call repeatedly.
func (e *Exporter) Shutdown(ctx context.Context, timeout time.Duration) bool {
	e.stopped.Store(true)
	c := e.client.Swap(nil)
	if c == nil {
		return true
	}
	return c.Shutdown(ctx, e.guard, timeout)
}

// Close releases the client reference without draining, for teardown
// paths that must not block. Prefer Shutdown.
func (e *Exporter) Close() {
	e.stopped.Store(true)
	if c := e.client.Swap(nil); c != nil {
		c.RemoveReference(context.TODO(), e.guard)
	}
}
