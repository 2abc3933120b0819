package transform

import (
	"go.opentelemetry.io/otel/sdk/instrumentation"
	"go.opentelemetry.io/otel/sdk/resource"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// FromReadOnlySpan converts a finished SDK span snapshot into a
// Recordable.
func FromReadOnlySpan(ro sdktrace.ReadOnlySpan) *Recordable {
	r := &Recordable{}
	r.SetIdentity(ro.SpanContext(), ro.Parent())
	r.SetName(ro.Name())
	r.SetSpanKind(ro.SpanKind())
	r.SetStartTime(ro.StartTime())
	r.SetEndTime(ro.EndTime())

	st := ro.Status()
	r.SetStatus(st.Code, st.Description)

	for _, kv := range ro.Attributes() {
		r.SetAttribute(kv)
	}
	r.SetDroppedAttributesCount(clampUint32(ro.DroppedAttributes()))

	for _, e := range ro.Events() {
		r.AddEvent(e)
	}
	r.SetDroppedEventsCount(clampUint32(ro.DroppedEvents()))

	for _, l := range ro.Links() {
		r.AddLink(l)
	}
	r.SetDroppedLinksCount(clampUint32(ro.DroppedLinks()))

	if res := ro.Resource(); res != nil {
		r.SetResource(res, res.SchemaURL())
	}
	sc := ro.InstrumentationScope()
	r.SetInstrumentationScope(sc, sc.SchemaURL)
	return r
}

// Recordables converts a batch of SDK span snapshots. Spans that share
// a resource or scope end up referencing one converted message, which
// lets the batch builder group them by pointer instead of re-comparing
// content.
func Recordables(spans []sdktrace.ReadOnlySpan) []*Recordable {
	if len(spans) == 0 {
		return nil
	}
	out := make([]*Recordable, 0, len(spans))

	var (
		lastRes     *resource.Resource
		lastResPB   *resourcepb.Resource
		lastScope   instrumentation.Scope
		lastScopePB *commonpb.InstrumentationScope
	)
	for _, ro := range spans {
		r := FromReadOnlySpan(ro)

		if res := ro.Resource(); res != nil {
			if res == lastRes && lastResPB != nil {
				r.resource = lastResPB
			} else {
				lastRes, lastResPB = res, r.resource
			}
		}
		if sc := ro.InstrumentationScope(); sc == lastScope && lastScopePB != nil {
			r.scope = lastScopePB
		} else {
			lastScope, lastScopePB = sc, r.scope
		}

		out = append(out, r)
	}
	return out
}
