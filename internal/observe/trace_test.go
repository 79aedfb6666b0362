package observe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// useTestTracer installs an in-memory tracer as the global provider for the
// duration of the test.
func useTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

// captureLogs redirects the default logger into a buffer.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(orig) })
	return &buf
}

func TestStartSpan_NestsClassificationUnderRequest(t *testing.T) {
	exp := useTestTracer(t)

	ctx, req := StartSpan(context.Background(), "HTTP POST /api/detect-image/")
	_, classify := StartSpan(ctx, "detect.classify")
	EndSpan(classify, nil)
	EndSpan(req, nil)

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("got %d spans, want 2", len(spans))
	}
	child, parent := spans[0], spans[1]
	if child.Name != "detect.classify" {
		t.Errorf("first ended span = %q, want detect.classify", child.Name)
	}
	if child.Parent.SpanID() != parent.SpanContext.SpanID() {
		t.Error("detect.classify is not a child of the request span")
	}
	if child.SpanContext.TraceID() != parent.SpanContext.TraceID() {
		t.Error("classification span left the request trace")
	}
	if child.InstrumentationScope.Name != tracerName {
		t.Errorf("scope = %q, want %q", child.InstrumentationScope.Name, tracerName)
	}
}

func TestEndSpan_MarksModelFailure(t *testing.T) {
	exp := useTestTracer(t)
	errModel := errors.New("model failure")

	_, ok := StartSpan(context.Background(), "detect.encode_labels")
	EndSpan(ok, nil)
	_, failed := StartSpan(context.Background(), "detect.classify")
	EndSpan(failed, fmt.Errorf("%w: encode image: %w", errModel, errors.New("connection refused")))

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("got %d spans, want 2", len(spans))
	}
	if spans[0].Status.Code != codes.Unset {
		t.Errorf("encode_labels status = %v, want Unset", spans[0].Status.Code)
	}
	if spans[1].Status.Code != codes.Error {
		t.Fatalf("classify status = %v, want Error", spans[1].Status.Code)
	}
	if !strings.Contains(spans[1].Status.Description, "connection refused") {
		t.Errorf("status description = %q, want the wrapped cause", spans[1].Status.Description)
	}
	if len(spans[1].Events) == 0 || spans[1].Events[0].Name != "exception" {
		t.Errorf("classify events = %v, want an exception event", spans[1].Events)
	}
}

func TestCorrelationID(t *testing.T) {
	useTestTracer(t)

	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q, want empty", got)
	}

	seen := make(map[string]bool)
	for range 50 {
		ctx, span := StartSpan(context.Background(), "HTTP POST /api/detect-image/")
		cid := CorrelationID(ctx)
		span.End()
		if len(cid) != 32 || strings.Trim(cid, "0123456789abcdef") != "" {
			t.Fatalf("correlation ID %q is not 32 lowercase hex chars", cid)
		}
		if seen[cid] {
			t.Fatalf("duplicate correlation ID %s", cid)
		}
		seen[cid] = true
	}
}

func TestLogger_TagsClassificationLogs(t *testing.T) {
	useTestTracer(t)
	buf := captureLogs(t)

	ctx, span := StartSpan(context.Background(), "detect.classify")
	defer span.End()
	Logger(ctx).Debug("detect: classified image", "scenario", "Broken streetlight")

	logged := buf.String()
	for _, want := range []string{"trace_id=" + CorrelationID(ctx), "span_id=", `scenario="Broken streetlight"`} {
		if !strings.Contains(logged, want) {
			t.Errorf("log missing %s: %s", want, logged)
		}
	}
}

func TestLogger_NoSpan(t *testing.T) {
	buf := captureLogs(t)

	Logger(context.Background()).Info("label catalog embedded", "labels", 5)

	if strings.Contains(buf.String(), "trace_id") {
		t.Errorf("log without span contains trace_id: %s", buf.String())
	}
}

func TestWithLogAttrs_AccumulatesAcrossLayers(t *testing.T) {
	useTestTracer(t)
	buf := captureLogs(t)

	ctx, span := StartSpan(context.Background(), "HTTP POST /api/detect-image/")
	defer span.End()
	ctx = WithLogAttrs(ctx, slog.Int("upload_bytes", 2048))
	ctx = WithLogAttrs(ctx, slog.String("provider", "onnx"))
	if WithLogAttrs(ctx) != ctx {
		t.Error("WithLogAttrs without attrs returned a new context")
	}
	Logger(ctx).Info("api: undecodable upload")

	logged := buf.String()
	for _, want := range []string{"trace_id=" + CorrelationID(ctx), "upload_bytes=2048", "provider=onnx"} {
		if !strings.Contains(logged, want) {
			t.Errorf("log missing %s: %s", want, logged)
		}
	}
	if strings.Index(logged, "upload_bytes") > strings.Index(logged, "provider") {
		t.Errorf("outer attrs should come first: %s", logged)
	}
}

func TestWithLogAttrs_SiblingsDoNotShare(t *testing.T) {
	buf := captureLogs(t)

	base := WithLogAttrs(context.Background(), slog.String("route", "POST /api/detect-image/"))
	a := WithLogAttrs(base, slog.String("scenario", "Pothole on road"))
	_ = WithLogAttrs(base, slog.String("scenario", "Clean road"))
	Logger(a).Info("detect: classified image")

	logged := buf.String()
	if strings.Contains(logged, "Clean road") {
		t.Errorf("sibling context leaked attrs: %s", logged)
	}
	if strings.Contains(logged, "trace_id") {
		t.Errorf("log without span contains trace_id: %s", logged)
	}
}
