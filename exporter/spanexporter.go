package exporter

import (
	"context"
	"time"

	"github.com/moby/otlpexport/transform"
	"github.com/moby/otlpexport/util/appdefaults"
	"github.com/pkg/errors"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// SpanExporter adapts an Exporter to the OpenTelemetry SDK span
// exporter contract, so it can sit behind the SDK's batch processor.
type SpanExporter struct {
	*Exporter
}

var _ sdktrace.SpanExporter = SpanExporter{}

// ExportSpans converts spans to their wire form and exports them as
// one batch.
func (s SpanExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	if s.Exporter.Export(ctx, transform.Recordables(spans)) != Success {
		return errors.New("failed to export spans")
	}
	return nil
}

// Shutdown drains and releases the exporter. The drain window comes
// from the context deadline when one is set.
func (s SpanExporter) Shutdown(ctx context.Context) error {
	timeout := appdefaults.ShutdownTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if !s.Exporter.Shutdown(ctx, timeout) {
		return errors.Wrap(context.DeadlineExceeded, "failed to drain in-flight exports")
	}
	return nil
}
