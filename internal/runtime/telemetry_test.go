package runtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/loqalabs/loqa-voicebridge/internal/config"
)

func TestSpanExporterSelection(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		cfg  config.TelemetryConfig
		want string
		none bool
	}{
		{cfg: config.TelemetryConfig{Traces: "auto"}, want: "stdout"},
		{cfg: config.TelemetryConfig{Traces: "none"}, want: "none", none: true},
		{cfg: config.TelemetryConfig{Traces: "stdout", OTLPEndpoint: "collector:4317"}, want: "stdout"},
		{cfg: config.TelemetryConfig{Traces: "auto", OTLPEndpoint: "localhost:4317", OTLPInsecure: true}, want: "otlp:localhost:4317"},
	}
	for _, tc := range cases {
		exp, name, err := spanExporter(ctx, tc.cfg)
		if err != nil {
			t.Fatalf("%+v: unexpected error %v", tc.cfg, err)
		}
		if name != tc.want {
			t.Fatalf("%+v: expected %q, got %q", tc.cfg, tc.want, name)
		}
		if (exp == nil) != tc.none {
			t.Fatalf("%+v: exporter nil=%v", tc.cfg, exp == nil)
		}
		if exp != nil {
			_ = exp.Shutdown(ctx)
		}
	}

	if _, _, err := spanExporter(ctx, config.TelemetryConfig{Traces: "zipkin"}); err == nil {
		t.Fatal("expected unknown exporter error")
	}
}

func TestTelemetryServesMetrics(t *testing.T) {
	cfg := config.Default()
	cfg.Telemetry.Traces = "none"
	tel, err := newTelemetry(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("newTelemetry: %v", err)
	}
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })
	if tel.metrics == nil {
		t.Fatal("expected metrics handler")
	}

	rec := httptest.NewRecorder()
	tel.metrics.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from metrics handler, got %d", rec.Code)
	}
}
