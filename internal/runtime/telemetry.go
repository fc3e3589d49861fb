package runtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/loqalabs/loqa-audio/internal/config"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
)

// telemetry owns the process-wide trace and meter providers. Metrics are
// served from a private registry so each daemon instance exposes only its
// own instruments plus the Go and process collectors.
type telemetry struct {
	traces  *sdktrace.TracerProvider
	meters  *sdkmetric.MeterProvider
	metrics http.Handler
}

func setupTelemetry(cfg config.Config, logger *slog.Logger) (*telemetry, error) {
	ctx := context.Background()
	res, err := audioResource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	exporter, kind, err := traceExporter(ctx, cfg.Telemetry)
	if err != nil {
		return nil, err
	}
	traceOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if exporter != nil {
		traceOpts = append(traceOpts, sdktrace.WithBatcher(exporter))
	}
	t := &telemetry{traces: sdktrace.NewTracerProvider(traceOpts...)}
	otel.SetTracerProvider(t.traces)

	reg := prom.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reader, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		logger.Warn("metrics disabled", slog.String("error", err.Error()))
		t.meters = sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
	} else {
		t.meters = sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
		t.metrics = promhttp.HandlerFor(reg, promhttp.HandlerOpts{ErrorLog: slog.NewLogLogger(logger.Handler(), slog.LevelWarn)})
	}
	otel.SetMeterProvider(t.meters)

	logger.Info("telemetry initialized",
		slog.String("traces", kind),
		slog.Bool("metrics", t.metrics != nil))
	return t, nil
}

func audioResource(ctx context.Context, cfg config.Config) (*resource.Resource, error) {
	return resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.RuntimeName),
			semconv.ServiceNamespace("loqa"),
			semconv.ServiceInstanceID(cfg.State.NodeID),
			attribute.String("deployment.environment", cfg.Environment),
			attribute.String("loqa.audio.card_backend", cfg.State.CardBackend),
			attribute.String("loqa.audio.shm_backend", cfg.Server.ShmBackend),
		),
	)
}

// traceExporter picks OTLP when an endpoint is set, then stderr when
// requested. No exporter keeps spans local to the process.
func traceExporter(ctx context.Context, cfg config.TelemetryConfig) (sdktrace.SpanExporter, string, error) {
	switch endpoint := strings.TrimSpace(cfg.OTLPEndpoint); {
	case endpoint != "":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exp, err := otlptracegrpc.New(ctx, opts...)
		return exp, "otlp:" + endpoint, err
	case cfg.TraceStdout:
		exp, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr))
		return exp, "stdout", err
	default:
		return nil, "none", nil
	}
}

func (t *telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.meters.Shutdown(ctx), t.traces.Shutdown(ctx))
}
