package observability

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/PHIN-materials/pair-PHIN/internal/logging"
)

// DefaultServiceName is the service.name resource attribute when none is set.
const DefaultServiceName = "phin"

const shutdownTimeout = 5 * time.Second

// TracingConfig governs how tracing is initialised. Writer receives spans
// from the stdout exporter and defaults to os.Stdout.
type TracingConfig struct {
	Enabled     bool
	ServiceName string
	Exporter    string // stdout | otlp
	Endpoint    string // used when Exporter == otlp
	SampleRatio float64
	Writer      io.Writer
}

// DefaultTracingConfig returns disabled tracing with stdout export at full
// sampling once enabled.
func DefaultTracingConfig() TracingConfig {
	return TracingConfig{ServiceName: DefaultServiceName, Exporter: "stdout", SampleRatio: 1}
}

// TracingConfigFromEnv overlays PHIN_TRACING_* variables on base. Malformed
// or out-of-range ratios keep the base value.
func TracingConfigFromEnv(base TracingConfig) TracingConfig {
	cfg := base
	if v, ok := os.LookupEnv("PHIN_TRACING_ENABLED"); ok {
		cfg.Enabled = strings.EqualFold(v, "true") || v == "1"
	}
	if v := strings.ToLower(os.Getenv("PHIN_TRACING_EXPORTER")); v != "" {
		cfg.Exporter = v
	}
	if v := os.Getenv("PHIN_TRACING_SERVICE_NAME"); v != "" {
		cfg.ServiceName = v
	}
	if v := os.Getenv("PHIN_TRACING_ENDPOINT"); v != "" {
		cfg.Endpoint = v
	}
	if raw := os.Getenv("PHIN_TRACING_SAMPLE_RATIO"); raw != "" {
		if parsed, err := strconv.ParseFloat(raw, 64); err == nil && parsed >= 0 && parsed <= 1 {
			cfg.SampleRatio = parsed
		}
	}
	return cfg
}

// Exporter names accepted in TracingConfig.Exporter.
const (
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
)

const defaultOTLPEndpoint = "localhost:4317"

// Validate reports a config InitTracing would refuse.
func (c TracingConfig) Validate() error {
	if c.SampleRatio < 0 || c.SampleRatio > 1 {
		return fmt.Errorf("tracing sample ratio %g outside [0,1]", c.SampleRatio)
	}
	switch strings.ToLower(c.Exporter) {
	case "", ExporterStdout, ExporterOTLP, "otlpgrpc":
		return nil
	default:
		return fmt.Errorf("unsupported tracing exporter: %s", c.Exporter)
	}
}

// InitTracing installs the global tracer provider and propagators described
// by cfg. The returned function flushes and stops the provider. Disabled
// tracing installs a noop provider so spans opened by the pipeline cost
// nothing.
func InitTracing(ctx context.Context, cfg TracingConfig, log logging.Logger) (func(context.Context) error, error) {
	if log == nil {
		log = logging.Noop()
	}
	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		otel.SetTextMapPropagator(propagation.TraceContext{})
		log.Debug(ctx, "tracing disabled")
		return func(context.Context) error { return nil }, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	tp, err := newTracerProvider(ctx, cfg)
	if err != nil {
		return nil, err
	}
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	log.Info(ctx, "tracing enabled",
		logging.String("exporter", cfg.Exporter),
		logging.String("service_name", serviceName(cfg)),
		logging.Float64("sample_ratio", cfg.SampleRatio),
	)
	return tp.Shutdown, nil
}

func newTracerProvider(ctx context.Context, cfg TracingConfig) (*sdktrace.TracerProvider, error) {
	exp, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", serviceName(cfg)),
		attribute.String("service.namespace", DefaultServiceName),
	))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	), nil
}

func serviceName(cfg TracingConfig) string {
	if cfg.ServiceName == "" {
		return DefaultServiceName
	}
	return cfg.ServiceName
}

func newExporter(ctx context.Context, cfg TracingConfig) (sdktrace.SpanExporter, error) {
	switch strings.ToLower(cfg.Exporter) {
	case ExporterOTLP, "otlpgrpc":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = defaultOTLPEndpoint
		}
		return otlptrace.New(ctx, otlptracegrpc.NewClient(
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		))
	default:
		w := cfg.Writer
		if w == nil {
			w = os.Stdout
		}
		return stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithoutTimestamps())
	}
}

// ShutdownWithTimeout runs shutdown with a bounded deadline and logs, rather
// than returns, its failure.
func ShutdownWithTimeout(ctx context.Context, shutdown func(context.Context) error, log logging.Logger) {
	if shutdown == nil {
		return
	}
	if log == nil {
		log = logging.Noop()
	}

	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		log.Warn(ctx, "tracing shutdown failed", logging.Err(err))
	}
}
