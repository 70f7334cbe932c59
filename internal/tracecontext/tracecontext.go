// Copyright 2025 James Ross
package tracecontext

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/kcenon/messaging-system-sub004/internal/container"
)

// Reserved container field names used to propagate trace context across the
// wire (§4.6). Callers never see these unless they inspect a container
// directly; Inject/Extract are the normal entry points.
const (
	FieldTraceID      = "__trace_id"
	FieldSpanID       = "__span_id"
	FieldParentSpanID = "__parent_span_id"
	FieldSampled      = "__sampled"
	baggagePrefix     = "__baggage_"
)

// Context is a W3C-trace-context-shaped span identity: a 128-bit trace ID
// shared by every span in a request, a 64-bit span ID unique to this hop,
// an optional parent span ID, a sampling decision, and free-form baggage
// that rides along unchanged.
type Context struct {
	TraceID      string // 32 hex chars (128 bits)
	SpanID       string // 16 hex chars (64 bits)
	ParentSpanID string // empty for a root span
	Sampled      bool
	Baggage      map[string]string
}

// IsValid reports whether both IDs are present and well-formed.
func (c Context) IsValid() bool {
	return len(c.TraceID) == 32 && len(c.SpanID) == 16
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing is a fatal platform problem; panic matches the
		// stdlib's own posture (crypto/rand.Read documents it "almost never"
		// errors and callers are not expected to recover).
		panic(fmt.Sprintf("tracecontext: crypto/rand unavailable: %v", err))
	}
	return hex.EncodeToString(buf)
}

// NewRoot starts a new trace with a fresh trace ID and no parent.
func NewRoot(sampled bool) Context {
	return Context{
		TraceID: randomHex(16),
		SpanID:  randomHex(8),
		Sampled: sampled,
	}
}

// NewChild derives a child span that shares the parent's trace ID and
// sampling decision, with a fresh span ID and ParentSpanID set to the
// parent's SpanID.
func (c Context) NewChild() Context {
	return Context{
		TraceID:      c.TraceID,
		SpanID:       randomHex(8),
		ParentSpanID: c.SpanID,
		Sampled:      c.Sampled,
		Baggage:      c.Baggage,
	}
}

// WithBaggage returns a copy of c with key=value merged into its baggage.
func (c Context) WithBaggage(key, value string) Context {
	next := make(map[string]string, len(c.Baggage)+1)
	for k, v := range c.Baggage {
		next[k] = v
	}
	next[key] = value
	c.Baggage = next
	return c
}

// Inject writes c's fields into dst under the reserved field names, so any
// container carrying a payload also carries its trace lineage across a
// publish/subscribe hop.
func Inject(c Context, dst *container.Container) {
	dst.SetValue(FieldTraceID, container.NewString(FieldTraceID, c.TraceID))
	dst.SetValue(FieldSpanID, container.NewString(FieldSpanID, c.SpanID))
	if c.ParentSpanID != "" {
		dst.SetValue(FieldParentSpanID, container.NewString(FieldParentSpanID, c.ParentSpanID))
	}
	sampled := "0"
	if c.Sampled {
		sampled = "1"
	}
	dst.SetValue(FieldSampled, container.NewString(FieldSampled, sampled))
	for k, v := range c.Baggage {
		name := baggagePrefix + k
		dst.SetValue(name, container.NewString(name, v))
	}
}

// Extract reads a Context back out of src. ok is false if no trace ID is
// present (the container was never tagged).
func Extract(src *container.Container) (Context, bool) {
	traceVal := src.GetValue(FieldTraceID)
	if traceVal.Kind() != container.KindString {
		return Context{}, false
	}
	traceID, _ := traceVal.ToString()
	if traceID == "" {
		return Context{}, false
	}
	spanID, _ := src.GetValue(FieldSpanID).ToString()
	parentSpanID, _ := src.GetValue(FieldParentSpanID).ToString()
	sampledStr, _ := src.GetValue(FieldSampled).ToString()

	c := Context{
		TraceID:      traceID,
		SpanID:       spanID,
		ParentSpanID: parentSpanID,
		Sampled:      sampledStr == "1",
	}
	for _, name := range src.Names() {
		if rest, ok := trimPrefix(name, baggagePrefix); ok {
			if c.Baggage == nil {
				c.Baggage = make(map[string]string)
			}
			v, _ := src.GetValue(name).ToString()
			c.Baggage[rest] = v
		}
	}
	return c, true
}

func trimPrefix(s, prefix string) (string, bool) {
	if len(s) <= len(prefix) || s[:len(prefix)] != prefix {
		return "", false
	}
	return s[len(prefix):], true
}
