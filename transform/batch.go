package transform

import (
	"bytes"

	"github.com/cespare/xxhash/v2"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/protobuf/proto"

	"github.com/moby/otlpexport/util/arena"
)

type scopeGroup struct {
	key       []byte
	scope     *commonpb.InstrumentationScope
	schemaURL string
	spans     []*tracepb.Span
}

type resourceGroup struct {
	key       []byte
	resource  *resourcepb.Resource
	schemaURL string

	scopes      []*scopeGroup
	scopeByHash map[uint64][]*scopeGroup

	lastScope       *commonpb.InstrumentationScope
	lastScopeSchema string
	lastScopeGroup  *scopeGroup
}

// PopulateRequest appends the batched wire form of recs into req,
// grouping spans first by resource, then by instrumentation scope.
// Grouping compares the deterministic encoding of resource and scope
// together with their schema URLs, so equal content lands in one group
// even across distinct messages.
//
// Group structures and their slices are allocated from a. The span
// messages themselves are referenced, not copied; recs must stay alive
// until the request has been sent.
func PopulateRequest(a *arena.Arena, recs []*Recordable, req *coltracepb.ExportTraceServiceRequest) {
	if len(recs) == 0 {
		return
	}

	mo := proto.MarshalOptions{Deterministic: true}

	var (
		groups []*resourceGroup
		byHash = map[uint64][]*resourceGroup{}

		lastRes    *resourcepb.Resource
		lastSchema string
		lastGroup  *resourceGroup
	)
	for _, rec := range recs {
		g := lastGroup
		if g == nil || rec.resource != lastRes || rec.resourceSchemaURL != lastSchema {
			key := resourceKey(mo, rec)
			h := xxhash.Sum64(key)
			g = nil
			for _, cand := range byHash[h] {
				if bytes.Equal(cand.key, key) {
					g = cand
					break
				}
			}
			if g == nil {
				g = &resourceGroup{
					key:         a.Copy(key),
					resource:    rec.resource,
					schemaURL:   rec.resourceSchemaURL,
					scopeByHash: map[uint64][]*scopeGroup{},
				}
				groups = append(groups, g)
				byHash[h] = append(byHash[h], g)
			}
			lastRes, lastSchema, lastGroup = rec.resource, rec.resourceSchemaURL, g
		}
		g.add(a, mo, rec)
	}

	rsSlab := arena.Of[tracepb.ResourceSpans](a)
	ssSlab := arena.Of[tracepb.ScopeSpans](a)
	rsPtrs := arena.Of[*tracepb.ResourceSpans](a)
	ssPtrs := arena.Of[*tracepb.ScopeSpans](a)
	spanPtrs := arena.Of[*tracepb.Span](a)

	rsList := rsPtrs.MakeSlice(len(groups))
	for i, g := range groups {
		rs := rsSlab.New()
		rs.Resource = g.resource
		rs.SchemaUrl = g.schemaURL

		ssList := ssPtrs.MakeSlice(len(g.scopes))
		for j, sg := range g.scopes {
			ss := ssSlab.New()
			ss.Scope = sg.scope
			ss.SchemaUrl = sg.schemaURL

			spans := spanPtrs.MakeSlice(len(sg.spans))
			copy(spans, sg.spans)
			ss.Spans = spans
			ssList[j] = ss
		}
		rs.ScopeSpans = ssList
		rsList[i] = rs
	}

	if req.ResourceSpans == nil {
		req.ResourceSpans = rsList
	} else {
		req.ResourceSpans = append(req.ResourceSpans, rsList...)
	}
}

func (g *resourceGroup) add(a *arena.Arena, mo proto.MarshalOptions, rec *Recordable) {
	sg := g.lastScopeGroup
	if sg == nil || rec.scope != g.lastScope || rec.scopeSchemaURL != g.lastScopeSchema {
		key := scopeKey(mo, rec)
		h := xxhash.Sum64(key)
		sg = nil
		for _, cand := range g.scopeByHash[h] {
			if bytes.Equal(cand.key, key) {
				sg = cand
				break
			}
		}
		if sg == nil {
			sg = &scopeGroup{
				key:       a.Copy(key),
				scope:     rec.scope,
				schemaURL: rec.scopeSchemaURL,
			}
			g.scopes = append(g.scopes, sg)
			g.scopeByHash[h] = append(g.scopeByHash[h], sg)
		}
		g.lastScope, g.lastScopeSchema, g.lastScopeGroup = rec.scope, rec.scopeSchemaURL, sg
	}
	sg.spans = append(sg.spans, rec.pb())
}

// Schema URLs never contain NUL, so schema + NUL + encoded message is
// unambiguous.
func resourceKey(mo proto.MarshalOptions, rec *Recordable) []byte {
	key := append([]byte(rec.resourceSchemaURL), 0)
	if rec.resource != nil {
		key = appendMessage(key, mo, rec.resource)
	}
	return key
}

func scopeKey(mo proto.MarshalOptions, rec *Recordable) []byte {
	key := append([]byte(rec.scopeSchemaURL), 0)
	if rec.scope != nil {
		key = appendMessage(key, mo, rec.scope)
	}
	return key
}

func appendMessage(b []byte, mo proto.MarshalOptions, m proto.Message) []byte {
	out, err := mo.MarshalAppend(b, m)
	if err != nil {
		return b
	}
	return out
}
