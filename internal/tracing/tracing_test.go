package tracing

import (
	"context"
	"testing"
)

func TestInitNoneIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), "none", "qualitybots", "test", 1)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	_, span := StartSpan(context.Background(), "noop")
	if span.SpanContext().IsValid() {
		t.Fatal("expected noop span")
	}
	End(span, nil)
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInitRejectsUnknownExporter(t *testing.T) {
	if _, err := Init(context.Background(), "zipkin", "qualitybots", "test", 1); err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}
