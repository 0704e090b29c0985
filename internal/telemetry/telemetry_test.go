package telemetry

import (
	"context"
	"strings"
	"testing"

	"postpipe/pkg/logx"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestSetupDisabledIsNoop(t *testing.T) {
	for _, cfg := range []Config{{}, {Enabled: true}, {Endpoint: "http://127.0.0.1:4318"}} {
		shutdown, err := Setup(context.Background(), cfg, logx.Nop())
		if err != nil {
			t.Fatalf("Setup(%+v): %v", cfg, err)
		}
		if err := shutdown(context.Background()); err != nil {
			t.Fatalf("shutdown: %v", err)
		}
	}
}

func TestSampler(t *testing.T) {
	if got := sampler(0).Description(); got != "AlwaysOnSampler" {
		t.Fatalf("sampler(0) = %s", got)
	}
	if got := sampler(1.5).Description(); got != "AlwaysOnSampler" {
		t.Fatalf("sampler(1.5) = %s", got)
	}
	if got := sampler(0.25).Description(); !strings.HasPrefix(got, "ParentBased") {
		t.Fatalf("sampler(0.25) = %s", got)
	}
}

func TestTraceID(t *testing.T) {
	if id := TraceID(context.Background()); id != "" {
		t.Fatalf("TraceID without span = %q", id)
	}
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	id := TraceID(ctx)
	span.End()
	if len(id) != 32 {
		t.Fatalf("TraceID = %q", id)
	}
	if ended := rec.Ended(); len(ended) != 1 || ended[0].SpanContext().TraceID().String() != id {
		t.Fatalf("recorded spans = %v", ended)
	}
}
