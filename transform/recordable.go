// Package transform converts finished spans into their OTLP wire
// representation and assembles them into export requests grouped by
// resource and instrumentation scope.
package transform

import (
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/instrumentation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/trace"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// A Recordable accumulates one span in wire form together with the
// resource and instrumentation scope it belongs to. The zero value is
// ready to use. Recordables are not safe for concurrent mutation.
type Recordable struct {
	span              *tracepb.Span
	resource          *resourcepb.Resource
	resourceSchemaURL string
	scope             *commonpb.InstrumentationScope
	scopeSchemaURL    string
}

func (r *Recordable) pb() *tracepb.Span {
	if r.span == nil {
		r.span = &tracepb.Span{}
	}
	return r.span
}

// Span exposes the wire-form span under construction.
func (r *Recordable) Span() *tracepb.Span {
	return r.pb()
}

// Resource returns the wire-form resource, which may be nil.
func (r *Recordable) Resource() *resourcepb.Resource {
	return r.resource
}

func (r *Recordable) ResourceSchemaURL() string {
	return r.resourceSchemaURL
}

// InstrumentationScope returns the wire-form scope, which may be nil.
func (r *Recordable) InstrumentationScope() *commonpb.InstrumentationScope {
	return r.scope
}

func (r *Recordable) ScopeSchemaURL() string {
	return r.scopeSchemaURL
}

// SetIdentity records the span's own context and its parent.
func (r *Recordable) SetIdentity(sc, parent trace.SpanContext) {
	s := r.pb()
	tid := sc.TraceID()
	sid := sc.SpanID()
	s.TraceId = tid[:]
	s.SpanId = sid[:]
	s.TraceState = sc.TraceState().String()
	s.Flags = uint32(sc.TraceFlags())
	if parent.SpanID().IsValid() {
		pid := parent.SpanID()
		s.ParentSpanId = pid[:]
	}
}

// SetTraceFlags overrides the flags recorded by SetIdentity.
func (r *Recordable) SetTraceFlags(f trace.TraceFlags) {
	r.pb().Flags = uint32(f)
}

func (r *Recordable) SetName(name string) {
	r.pb().Name = name
}

func (r *Recordable) SetSpanKind(kind trace.SpanKind) {
	r.pb().Kind = spanKind(kind)
}

func (r *Recordable) SetStartTime(t time.Time) {
	r.pb().StartTimeUnixNano = timeUnixNano(t)
}

func (r *Recordable) SetEndTime(t time.Time) {
	r.pb().EndTimeUnixNano = timeUnixNano(t)
}

// SetDuration derives the end time from the recorded start time.
func (r *Recordable) SetDuration(d time.Duration) {
	s := r.pb()
	s.EndTimeUnixNano = s.StartTimeUnixNano + uint64(d.Nanoseconds())
}

func (r *Recordable) SetStatus(code codes.Code, description string) {
	st := &tracepb.Status{Message: description}
	switch code {
	case codes.Ok:
		st.Code = tracepb.Status_STATUS_CODE_OK
	case codes.Error:
		st.Code = tracepb.Status_STATUS_CODE_ERROR
	default:
		st.Code = tracepb.Status_STATUS_CODE_UNSET
	}
	r.pb().Status = st
}

// SetAttribute appends one attribute. Duplicate keys are kept as-is;
// deduplication is the span processor's concern.
func (r *Recordable) SetAttribute(kv attribute.KeyValue) {
	s := r.pb()
	s.Attributes = append(s.Attributes, KeyValue(kv))
}

func (r *Recordable) SetDroppedAttributesCount(n uint32) {
	r.pb().DroppedAttributesCount = n
}

func (r *Recordable) AddEvent(e sdktrace.Event) {
	s := r.pb()
	s.Events = append(s.Events, &tracepb.Span_Event{
		TimeUnixNano:           timeUnixNano(e.Time),
		Name:                   e.Name,
		Attributes:             Attributes(e.Attributes),
		DroppedAttributesCount: clampUint32(e.DroppedAttributeCount),
	})
}

func (r *Recordable) SetDroppedEventsCount(n uint32) {
	r.pb().DroppedEventsCount = n
}

func (r *Recordable) AddLink(l sdktrace.Link) {
	s := r.pb()
	tid := l.SpanContext.TraceID()
	sid := l.SpanContext.SpanID()
	s.Links = append(s.Links, &tracepb.Span_Link{
		TraceId:                tid[:],
		SpanId:                 sid[:],
		TraceState:             l.SpanContext.TraceState().String(),
		Attributes:             Attributes(l.Attributes),
		DroppedAttributesCount: clampUint32(l.DroppedAttributeCount),
		Flags:                  uint32(l.SpanContext.TraceFlags()),
	})
}

func (r *Recordable) SetDroppedLinksCount(n uint32) {
	r.pb().DroppedLinksCount = n
}

// SetResource converts and records the span's resource.
func (r *Recordable) SetResource(res *resource.Resource, schemaURL string) {
	if res == nil {
		r.resource = nil
		r.resourceSchemaURL = schemaURL
		return
	}
	r.resource = &resourcepb.Resource{Attributes: Attributes(res.Attributes())}
	r.resourceSchemaURL = schemaURL
}

// SetInstrumentationScope converts and records the producing scope.
func (r *Recordable) SetInstrumentationScope(sc instrumentation.Scope, schemaURL string) {
	r.scope = &commonpb.InstrumentationScope{
		Name:       sc.Name,
		Version:    sc.Version,
		Attributes: Attributes(sc.Attributes.ToSlice()),
	}
	r.scopeSchemaURL = schemaURL
}

// SetSpanMessage adopts an already-built wire span. Used when relaying
// spans that arrived in wire form.
func (r *Recordable) SetSpanMessage(s *tracepb.Span) {
	r.span = s
}

// SetResourceMessage adopts an already-built wire resource.
func (r *Recordable) SetResourceMessage(res *resourcepb.Resource, schemaURL string) {
	r.resource = res
	r.resourceSchemaURL = schemaURL
}

// SetScopeMessage adopts an already-built wire scope.
func (r *Recordable) SetScopeMessage(sc *commonpb.InstrumentationScope, schemaURL string) {
	r.scope = sc
	r.scopeSchemaURL = schemaURL
}

func spanKind(k trace.SpanKind) tracepb.Span_SpanKind {
	switch k {
	case trace.SpanKindInternal:
		return tracepb.Span_SPAN_KIND_INTERNAL
	case trace.SpanKindClient:
		return tracepb.Span_SPAN_KIND_CLIENT
	case trace.SpanKindServer:
		return tracepb.Span_SPAN_KIND_SERVER
	case trace.SpanKindProducer:
		return tracepb.Span_SPAN_KIND_PRODUCER
	case trace.SpanKindConsumer:
		return tracepb.Span_SPAN_KIND_CONSUMER
	default:
		return tracepb.Span_SPAN_KIND_UNSPECIFIED
	}
}

func timeUnixNano(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}
	n := t.UnixNano()
	if n < 0 {
		return 0
	}
	return uint64(n)
}

func clampUint32(n int) uint32 {
	if n < 0 {
		return 0
	}
	return uint32(n)
}
