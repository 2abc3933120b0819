package main

import (
	"context"

	"github.com/moby/otlpexport/exporter"
	"github.com/moby/otlpexport/transform"
	"github.com/moby/otlpexport/util/log"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// relay accepts OTLP trace traffic and forwards it through the
// exporter to the upstream collector.
type relay struct {
	coltracepb.UnimplementedTraceServiceServer

	exporter *exporter.Exporter
}

func (r *relay) Export(ctx context.Context, req *coltracepb.ExportTraceServiceRequest) (*coltracepb.ExportTraceServiceResponse, error) {
	recs := recordables(req)
	log.G(ctx).Debugf("forwarding %d span(s)", len(recs))
	if res := r.exporter.Export(ctx, recs); res != exporter.Success {
		return nil, status.Error(codes.Unavailable, "failed to forward spans to collector")
	}
	return &coltracepb.ExportTraceServiceResponse{}, nil
}

// recordables flattens an incoming request into one recordable per
// span. Resource and scope messages are shared per group so the
// outbound batch regroups them without copying.
func recordables(req *coltracepb.ExportTraceServiceRequest) []*transform.Recordable {
	var recs []*transform.Recordable
	for _, rs := range req.GetResourceSpans() {
		for _, ss := range rs.GetScopeSpans() {
			for _, span := range ss.GetSpans() {
				rec := &transform.Recordable{}
				rec.SetSpanMessage(span)
				rec.SetResourceMessage(rs.GetResource(), rs.GetSchemaUrl())
				rec.SetScopeMessage(ss.GetScope(), ss.GetSchemaUrl())
				recs = append(recs, rec)
			}
		}
	}
	return recs
}
