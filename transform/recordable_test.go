package transform

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/instrumentation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func testSpanContext(tid, sid byte) trace.SpanContext {
	return trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{tid},
		SpanID:     trace.SpanID{sid},
		TraceFlags: trace.FlagsSampled,
	})
}

func TestRecordableSetters(t *testing.T) {
	t.Parallel()

	r := &Recordable{}
	sc := testSpanContext(0x01, 0x02)
	parent := testSpanContext(0x01, 0x03)

	r.SetIdentity(sc, parent)
	r.SetName("op")
	r.SetSpanKind(trace.SpanKindServer)

	start := time.Unix(100, 0)
	r.SetStartTime(start)
	r.SetDuration(time.Second)

	r.SetStatus(codes.Error, "boom")
	r.SetAttribute(attribute.String("k", "v"))

	s := r.Span()
	tid, sid, pid := sc.TraceID(), sc.SpanID(), parent.SpanID()
	require.Equal(t, tid[:], s.TraceId)
	require.Equal(t, sid[:], s.SpanId)
	require.Equal(t, pid[:], s.ParentSpanId)
	require.Equal(t, uint32(trace.FlagsSampled), s.Flags)
	require.Equal(t, "op", s.Name)
	require.Equal(t, tracepb.Span_SPAN_KIND_SERVER, s.Kind)
	require.Equal(t, uint64(start.UnixNano()), s.StartTimeUnixNano)
	require.Equal(t, uint64(start.Add(time.Second).UnixNano()), s.EndTimeUnixNano)
	require.Equal(t, tracepb.Status_STATUS_CODE_ERROR, s.Status.GetCode())
	require.Equal(t, "boom", s.Status.GetMessage())
	require.Len(t, s.Attributes, 1)
	require.Equal(t, "k", s.Attributes[0].GetKey())
	require.Equal(t, "v", s.Attributes[0].GetValue().GetStringValue())
}

func TestRecordableRootSpanHasNoParent(t *testing.T) {
	t.Parallel()

	r := &Recordable{}
	r.SetIdentity(testSpanContext(0x01, 0x02), trace.SpanContext{})
	require.Nil(t, r.Span().ParentSpanId)
}

func TestSpanKindMapping(t *testing.T) {
	t.Parallel()

	for kind, want := range map[trace.SpanKind]tracepb.Span_SpanKind{
		trace.SpanKindInternal:    tracepb.Span_SPAN_KIND_INTERNAL,
		trace.SpanKindClient:      tracepb.Span_SPAN_KIND_CLIENT,
		trace.SpanKindServer:      tracepb.Span_SPAN_KIND_SERVER,
		trace.SpanKindProducer:    tracepb.Span_SPAN_KIND_PRODUCER,
		trace.SpanKindConsumer:    tracepb.Span_SPAN_KIND_CONSUMER,
		trace.SpanKindUnspecified: tracepb.Span_SPAN_KIND_UNSPECIFIED,
	} {
		assert.Equal(t, want, spanKind(kind))
	}
}

func TestValueKinds(t *testing.T) {
	t.Parallel()

	require.True(t, Value(attribute.BoolValue(true)).GetBoolValue())
	require.EqualValues(t, 42, Value(attribute.Int64Value(42)).GetIntValue())
	require.InDelta(t, 1.5, Value(attribute.Float64Value(1.5)).GetDoubleValue(), 0)
	require.Equal(t, "s", Value(attribute.StringValue("s")).GetStringValue())

	strs := Value(attribute.StringSliceValue([]string{"a", "b"})).GetArrayValue()
	require.NotNil(t, strs)
	require.Len(t, strs.Values, 2)
	require.Equal(t, "b", strs.Values[1].GetStringValue())

	ints := Value(attribute.Int64SliceValue([]int64{1, 2, 3})).GetArrayValue()
	require.Len(t, ints.Values, 3)
	require.EqualValues(t, 3, ints.Values[2].GetIntValue())

	bools := Value(attribute.BoolSliceValue([]bool{false, true})).GetArrayValue()
	require.Len(t, bools.Values, 2)
	require.True(t, bools.Values[1].GetBoolValue())

	floats := Value(attribute.Float64SliceValue([]float64{0.25})).GetArrayValue()
	require.Len(t, floats.Values, 1)
	require.InDelta(t, 0.25, floats.Values[0].GetDoubleValue(), 0)

	require.Equal(t, "INVALID", Value(attribute.Value{}).GetStringValue())
}

func TestTimeUnixNano(t *testing.T) {
	t.Parallel()

	require.Zero(t, timeUnixNano(time.Time{}))
	ts := time.Unix(12, 34)
	require.Equal(t, uint64(ts.UnixNano()), timeUnixNano(ts))
}

func TestFromReadOnlySpan(t *testing.T) {
	t.Parallel()

	start := time.Unix(1000, 0)
	end := start.Add(250 * time.Millisecond)
	linkCtx := testSpanContext(0x07, 0x08)

	stub := tracetest.SpanStub{
		Name:        "GET /items",
		SpanContext: testSpanContext(0x01, 0x02),
		Parent:      testSpanContext(0x01, 0x03),
		SpanKind:    trace.SpanKindClient,
		StartTime:   start,
		EndTime:     end,
		Attributes:  []attribute.KeyValue{attribute.Int("http.status_code", 200)},
		Events: []sdktrace.Event{{
			Name:       "retry",
			Time:       start.Add(time.Millisecond),
			Attributes: []attribute.KeyValue{attribute.Bool("first", true)},
		}},
		Links: []sdktrace.Link{{
			SpanContext:           linkCtx,
			Attributes:            []attribute.KeyValue{attribute.String("peer", "svc-b")},
			DroppedAttributeCount: 1,
		}},
		Status:            sdktrace.Status{Code: codes.Ok},
		DroppedAttributes: 2,
		DroppedEvents:     3,
		DroppedLinks:      4,
		Resource: resource.NewWithAttributes("https://example.com/schema",
			attribute.String("service.name", "checkout")),
		InstrumentationScope: instrumentation.Scope{Name: "manual", Version: "v1"},
	}

	r := FromReadOnlySpan(stub.Snapshot())
	s := r.Span()

	require.Equal(t, "GET /items", s.Name)
	require.Equal(t, tracepb.Span_SPAN_KIND_CLIENT, s.Kind)
	require.Equal(t, uint64(start.UnixNano()), s.StartTimeUnixNano)
	require.Equal(t, uint64(end.UnixNano()), s.EndTimeUnixNano)
	require.Equal(t, tracepb.Status_STATUS_CODE_OK, s.Status.GetCode())
	require.Equal(t, uint32(2), s.DroppedAttributesCount)
	require.Equal(t, uint32(3), s.DroppedEventsCount)
	require.Equal(t, uint32(4), s.DroppedLinksCount)

	require.Len(t, s.Events, 1)
	require.Equal(t, "retry", s.Events[0].Name)
	require.Len(t, s.Events[0].Attributes, 1)

	require.Len(t, s.Links, 1)
	ltid := linkCtx.TraceID()
	require.Equal(t, ltid[:], s.Links[0].TraceId)
	require.Equal(t, uint32(1), s.Links[0].DroppedAttributesCount)

	require.NotNil(t, r.Resource())
	require.Len(t, r.Resource().Attributes, 1)
	require.Equal(t, "checkout", r.Resource().Attributes[0].GetValue().GetStringValue())
	require.Equal(t, "https://example.com/schema", r.ResourceSchemaURL())

	require.Equal(t, "manual", r.InstrumentationScope().GetName())
	require.Equal(t, "v1", r.InstrumentationScope().GetVersion())
}

func TestRecordablesSharesConvertedMessages(t *testing.T) {
	t.Parallel()

	res := resource.NewWithAttributes("", attribute.String("service.name", "a"))
	scope := instrumentation.Scope{Name: "lib"}

	stubs := tracetest.SpanStubs{
		{Name: "s1", Resource: res, InstrumentationScope: scope},
		{Name: "s2", Resource: res, InstrumentationScope: scope},
	}
	recs := Recordables(stubs.Snapshots())
	require.Len(t, recs, 2)
	require.Same(t, recs[0].Resource(), recs[1].Resource())
	require.Same(t, recs[0].InstrumentationScope(), recs[1].InstrumentationScope())
}
