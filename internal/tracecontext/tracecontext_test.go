// Copyright 2025 James Ross
package tracecontext

import (
	"testing"

	"github.com/kcenon/messaging-system-sub004/internal/container"
)

func TestNewRootProducesValidContext(t *testing.T) {
	c := NewRoot(true)
	if !c.IsValid() {
		t.Fatalf("expected a valid root context, got %+v", c)
	}
	if c.ParentSpanID != "" {
		t.Fatalf("root span must have no parent")
	}
}

func TestNewChildSharesTraceAndSampling(t *testing.T) {
	root := NewRoot(true)
	child := root.NewChild()
	if child.TraceID != root.TraceID {
		t.Fatalf("child must share trace id")
	}
	if child.ParentSpanID != root.SpanID {
		t.Fatalf("child's parent span id must be root's span id")
	}
	if child.SpanID == root.SpanID {
		t.Fatalf("child must get a fresh span id")
	}
	if child.Sampled != root.Sampled {
		t.Fatalf("sampling decision must propagate to children")
	}
}

func TestInjectExtractRoundTrip(t *testing.T) {
	c := NewRoot(true).WithBaggage("tenant", "acme")
	dst := container.New()
	dst.Add(container.NewString("payload", "hello"))

	Inject(c, dst)

	got, ok := Extract(dst)
	if !ok {
		t.Fatalf("expected extract to find injected trace context")
	}
	if got.TraceID != c.TraceID || got.SpanID != c.SpanID {
		t.Fatalf("round trip mismatch: %+v vs %+v", c, got)
	}
	if !got.Sampled {
		t.Fatalf("expected sampled=true to round trip")
	}
	if got.Baggage["tenant"] != "acme" {
		t.Fatalf("expected baggage to round trip, got %+v", got.Baggage)
	}
	// the payload value must be untouched by trace field injection
	s, _ := dst.GetValue("payload").ToString()
	if s != "hello" {
		t.Fatalf("expected payload value preserved, got %q", s)
	}
}

func TestExtractWithoutTraceFieldsFails(t *testing.T) {
	c := container.New()
	c.Add(container.NewString("x", "y"))
	_, ok := Extract(c)
	if ok {
		t.Fatalf("expected extract to fail on a container with no trace fields")
	}
}

func TestChildPropagatesBaggageWithoutMutatingParent(t *testing.T) {
	root := NewRoot(false).WithBaggage("a", "1")
	child := root.NewChild().WithBaggage("b", "2")
	if _, ok := root.Baggage["b"]; ok {
		t.Fatalf("parent baggage must not be mutated by child's WithBaggage")
	}
	if child.Baggage["a"] != "1" || child.Baggage["b"] != "2" {
		t.Fatalf("expected child to inherit parent baggage plus its own: %+v", child.Baggage)
	}
}
