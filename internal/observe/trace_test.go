package observe

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestTracerProvider(t *testing.T) (*sdktrace.TracerProvider, *tracetest.InMemoryExporter) {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return tp, exp
}

// withTracerProvider installs tp globally for the rest of the test.
func withTracerProvider(t *testing.T, tp *sdktrace.TracerProvider) {
	t.Helper()
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })
}

// jsonLogger returns a logger writing JSON lines into buf.
func jsonLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	return m
}

func TestCorrelationID(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID without span = %q, want empty", got)
	}

	tp, _ := newTestTracerProvider(t)
	ctx, span := tp.Tracer("test").Start(context.Background(), "call")
	defer span.End()

	got := CorrelationID(ctx)
	if got != span.SpanContext().TraceID().String() {
		t.Errorf("CorrelationID = %q, want span trace id", got)
	}
	if len(got) != 32 {
		t.Errorf("len(CorrelationID) = %d, want 32", len(got))
	}

	ctx2, span2 := tp.Tracer("test").Start(context.Background(), "call")
	defer span2.End()
	if CorrelationID(ctx2) == got {
		t.Error("two root spans share a trace id")
	}
}

func TestStartSpan_UsesGlobalProvider(t *testing.T) {
	tp, exp := newTestTracerProvider(t)
	withTracerProvider(t, tp)

	_, span := StartSpan(context.Background(), "pipeline.respond")
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "pipeline.respond" {
		t.Fatalf("spans = %+v, want one pipeline.respond span", spans)
	}
}

func TestLogger_CallAttributesAndTrace(t *testing.T) {
	var buf bytes.Buffer
	tp, _ := newTestTracerProvider(t)
	ctx, span := tp.Tracer("test").Start(context.Background(), "call")
	defer span.End()

	ctx = WithLogger(ctx, jsonLogger(&buf).With("call_id", "c-42", "business_id", "spice-garden"))
	Logger(ctx).Info("turn answered")

	line := decodeLine(t, &buf)
	if line["call_id"] != "c-42" || line["business_id"] != "spice-garden" {
		t.Errorf("call attributes missing: %v", line)
	}
	if line["trace_id"] != span.SpanContext().TraceID().String() {
		t.Errorf("trace_id = %v, want %s", line["trace_id"], span.SpanContext().TraceID())
	}
	if line["span_id"] != span.SpanContext().SpanID().String() {
		t.Errorf("span_id = %v", line["span_id"])
	}
}

func TestLogger_DefaultWithoutSpan(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(jsonLogger(&buf))
	t.Cleanup(func() { slog.SetDefault(prev) })

	Logger(context.Background()).Info("no call")

	line := decodeLine(t, &buf)
	if _, ok := line["trace_id"]; ok {
		t.Errorf("trace_id present without span: %v", line)
	}
	if line["msg"] != "no call" {
		t.Errorf("msg = %v", line["msg"])
	}
}

func TestLogger_NilStoredLogger(t *testing.T) {
	ctx := WithLogger(context.Background(), nil)
	if Logger(ctx) == nil {
		t.Fatal("Logger returned nil")
	}
}
