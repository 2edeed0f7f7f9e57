package observability

import "net/http"

// B3 headers per the single-header-per-field convention used by zipkin's
// nginx/spectre heritage (no b3-single-header form here, matching the
// X-Zipkin-Id convention spec.md §6 names on the response side).
const (
	headerTraceID  = "X-B3-TraceId"
	headerSpanID   = "X-B3-SpanId"
	headerParentID = "X-B3-ParentSpanId"
	headerSampled  = "X-B3-Sampled"
	headerFlags    = "X-B3-Flags"
	headerZipkinID = "X-Zipkin-Id"
)

// TraceHeaders carries the B3 propagation fields extracted on request
// entry and rewritten on egress (spec.md §3's trace_headers field).
type TraceHeaders struct {
	TraceID  string
	SpanID   string
	ParentID string
	Sampled  string
	Flags    string
}

// ExtractTrace reads B3 headers off an inbound request. A missing
// trace id yields a zero-value TraceHeaders; callers treat that as
// "no trace to propagate".
func ExtractTrace(h http.Header) TraceHeaders {
	return TraceHeaders{
		TraceID:  h.Get(headerTraceID),
		SpanID:   h.Get(headerSpanID),
		ParentID: h.Get(headerParentID),
		Sampled:  h.Get(headerSampled),
		Flags:    h.Get(headerFlags),
	}
}

// Propagate writes the trace headers onto an outbound request destined
// for the upstream service, so downstream spans share the same trace.
func (t TraceHeaders) Propagate(h http.Header) {
	if t.TraceID == "" {
		return
	}
	h.Set(headerTraceID, t.TraceID)
	if t.SpanID != "" {
		h.Set(headerSpanID, t.SpanID)
	}
	if t.ParentID != "" {
		h.Set(headerParentID, t.ParentID)
	}
	if t.Sampled != "" {
		h.Set(headerSampled, t.Sampled)
	}
	if t.Flags != "" {
		h.Set(headerFlags, t.Flags)
	}
}

// ZipkinIDHeader sets the response-facing X-Zipkin-Id header spec.md §6
// requires "when a trace id was received".
func (t TraceHeaders) ZipkinIDHeader(h http.Header) {
	if t.TraceID == "" {
		return
	}
	h.Set(headerZipkinID, t.TraceID)
}

// Present reports whether a trace id was received on entry.
func (t TraceHeaders) Present() bool {
	return t.TraceID != ""
}
