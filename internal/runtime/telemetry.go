package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/loqalabs/loqa-voicebridge/internal/config"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
)

// telemetry owns the global tracer and meter providers for one runtime.
type telemetry struct {
	tracer  *sdktrace.TracerProvider
	meter   *sdkmetric.MeterProvider
	metrics http.Handler
}

func newTelemetry(ctx context.Context, cfg config.Config, logger *slog.Logger) (*telemetry, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.RuntimeName),
			attribute.String("deployment.environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}

	t := &telemetry{}
	spanOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.Telemetry.SampleRatio))),
	}
	exporter, name, err := spanExporter(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("trace exporter: %w", err)
	}
	if exporter != nil {
		spanOpts = append(spanOpts, sdktrace.WithBatcher(exporter))
	}
	t.tracer = sdktrace.NewTracerProvider(spanOpts...)
	otel.SetTracerProvider(t.tracer)

	meterOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if reader, err := prometheus.New(); err != nil {
		logger.Warn("prometheus exporter unavailable, metrics not served", slog.String("error", err.Error()))
	} else {
		meterOpts = append(meterOpts, sdkmetric.WithReader(reader))
		t.metrics = promhttp.Handler()
	}
	t.meter = sdkmetric.NewMeterProvider(meterOpts...)
	otel.SetMeterProvider(t.meter)

	logger.Info("telemetry initialized",
		slog.String("traces", name),
		slog.Float64("sample_ratio", cfg.Telemetry.SampleRatio),
		slog.Bool("metrics", t.metrics != nil))
	return t, nil
}

// spanExporter picks the trace sink. "auto" ships to OTLP when an endpoint is
// configured and to stderr otherwise.
func spanExporter(ctx context.Context, cfg config.TelemetryConfig) (sdktrace.SpanExporter, string, error) {
	endpoint := strings.TrimSpace(cfg.OTLPEndpoint)
	mode := cfg.Traces
	if mode == "auto" || mode == "" {
		mode = "stdout"
		if endpoint != "" {
			mode = "otlp"
		}
	}
	switch mode {
	case "otlp":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exp, err := otlptracegrpc.New(ctx, opts...)
		return exp, "otlp:" + endpoint, err
	case "stdout":
		exp, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr))
		return exp, "stdout", err
	case "none":
		return nil, "none", nil
	default:
		return nil, "", fmt.Errorf("unknown trace exporter %q", mode)
	}
}

func (t *telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	var errs []error
	if err := t.meter.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("meter provider: %w", err))
	}
	if err := t.tracer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("tracer provider: %w", err))
	}
	return errors.Join(errs...)
}
