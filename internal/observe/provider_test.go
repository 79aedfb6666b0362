package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

func TestInitProvider_ServesDetectionMetrics(t *testing.T) {
	origMP := otel.GetMeterProvider()
	origTP := otel.GetTracerProvider()
	t.Cleanup(func() {
		otel.SetMeterProvider(origMP)
		otel.SetTracerProvider(origTP)
	})

	reg := prometheus.NewRegistry()
	shutdown, err := InitProvider(context.Background(), ProviderConfig{
		ServiceVersion: "test",
		Registerer:     reg,
		Attributes: []attribute.KeyValue{
			attribute.String("clip.provider", "onnx"),
			attribute.Int("catalog.labels", 5),
		},
	})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	t.Cleanup(func() { _ = shutdown(context.Background()) })

	m, err := NewMetrics(otel.GetMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	ctx := context.Background()
	m.RecordDetection(ctx, "Clean road")
	m.RecordDetection(ctx, "Clean road")
	m.RecordDetection(ctx, "Pothole on road")
	m.RecordProviderError(ctx, "onnx", "image")

	rec := httptest.NewRecorder()
	MetricsHandlerFor(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	body := rec.Body.String()
	for _, want := range []string{
		`civicsight_detections_total{`,
		`scenario="Clean road"`,
		`scenario="Pothole on road"`,
		`civicsight_provider_errors_total{`,
		`service_name="civicsight"`,
		`clip_provider="onnx"`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("scrape output missing %s:\n%s", want, body)
		}
	}
}
