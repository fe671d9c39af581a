// Package otel wires the OpenTelemetry SDK for runnervm: OTLP/HTTP and
// stdout exporters for traces and metrics, a Prometheus reader backing the
// server's /metrics route, and W3C trace-context propagation so webhook
// deliveries join upstream traces.
package otel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.40.0"

	"github.com/terrpan/runnervm/internal/buildinfo"
)

const (
	defaultMetricInterval = 10 * time.Second
	defaultBatchTimeout   = time.Second
)

// Config selects exporters.  The zero value installs propagators only.
type Config struct {
	// ServiceName is reported as service.name.  Default: "runnervm".
	ServiceName string

	// Enabled turns on OTLP/HTTP push of traces and metrics.
	Enabled bool

	// Endpoint is the OTLP collector host:port.  Empty defers to
	// OTEL_EXPORTER_OTLP_ENDPOINT.
	Endpoint string

	// Insecure sends OTLP over plain HTTP.
	Insecure bool

	// StdOut mirrors traces and metrics to stdout.
	StdOut bool

	// Prometheus adds a pull reader.  internal/server mounts the route.
	Prometheus bool

	// Registerer receives the Prometheus collector.  Default: the global
	// registry, which promhttp.Handler serves.
	Registerer prometheus.Registerer

	// MetricInterval is the push period for OTLP and stdout metrics.
	// Default: 10s.
	MetricInterval time.Duration

	// Logger receives SDK export errors.  Default: slog.Default().
	Logger *slog.Logger
}

// Shutdown flushes and stops every provider Setup installed.
type Shutdown func(context.Context) error

// Setup installs global tracer and meter providers according to cfg and
// returns their Shutdown.  On error nothing stays installed.
func Setup(ctx context.Context, cfg Config) (Shutdown, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "runnervm"
	}
	if cfg.MetricInterval <= 0 {
		cfg.MetricInterval = defaultMetricInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	logger := cfg.Logger
	otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
		logger.Warn("opentelemetry export error", slog.String("error", err.Error()))
	}))

	res, err := newResource(ctx, cfg.ServiceName)
	if err != nil {
		return nil, fmt.Errorf("building otel resource: %w", err)
	}

	spans, err := spanExporters(ctx, cfg)
	if err != nil {
		return nil, err
	}
	readers, err := metricReaders(ctx, cfg)
	if err != nil {
		for _, exp := range spans {
			_ = exp.Shutdown(ctx)
		}
		return nil, err
	}

	var stops []Shutdown
	stopAll := func(ctx context.Context) error {
		var errs error
		for i := len(stops) - 1; i >= 0; i-- {
			errs = errors.Join(errs, stops[i](ctx))
		}
		stops = nil
		return errs
	}

	if len(spans) > 0 {
		opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
		for _, exp := range spans {
			opts = append(opts, sdktrace.WithBatcher(exp, sdktrace.WithBatchTimeout(defaultBatchTimeout)))
		}
		tp := sdktrace.NewTracerProvider(opts...)
		stops = append(stops, tp.Shutdown)
		otel.SetTracerProvider(tp)
	}

	if len(readers) > 0 {
		opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
		for _, r := range readers {
			opts = append(opts, sdkmetric.WithReader(r))
		}
		mp := sdkmetric.NewMeterProvider(opts...)
		stops = append(stops, mp.Shutdown)
		otel.SetMeterProvider(mp)
	}

	return stopAll, nil
}

// newResource merges SDK and environment detection with the service
// identity.  The service attributes carry no schema URL, so the merge
// never conflicts with the schema the SDK detectors report.
func newResource(ctx context.Context, serviceName string) (*resource.Resource, error) {
	return resource.New(ctx,
		resource.WithTelemetrySDK(),
		resource.WithFromEnv(),
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(buildinfo.Version),
		),
	)
}

// spanExporters returns the trace exporters cfg asks for.  Stdout traces
// ride along with OTLP only.
func spanExporters(ctx context.Context, cfg Config) ([]sdktrace.SpanExporter, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	var opts []otlptracehttp.Option
	if cfg.Endpoint != "" {
		opts = append(opts, otlptracehttp.WithEndpoint(cfg.Endpoint))
	}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	otlp, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating otlp trace exporter: %w", err)
	}
	exporters := []sdktrace.SpanExporter{otlp}

	if cfg.StdOut {
		stdout, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("creating stdout trace exporter: %w", err)
		}
		exporters = append(exporters, stdout)
	}
	return exporters, nil
}

// metricReaders returns push readers for OTLP and stdout and the pull
// reader for Prometheus.
func metricReaders(ctx context.Context, cfg Config) ([]sdkmetric.Reader, error) {
	var readers []sdkmetric.Reader
	periodic := func(exp sdkmetric.Exporter) sdkmetric.Reader {
		return sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(cfg.MetricInterval))
	}

	if cfg.Enabled {
		var opts []otlpmetrichttp.Option
		if cfg.Endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(cfg.Endpoint))
		}
		if cfg.Insecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		exp, err := otlpmetrichttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("creating otlp metric exporter: %w", err)
		}
		readers = append(readers, periodic(exp))
	}

	if cfg.StdOut {
		exp, err := stdoutmetric.New()
		if err != nil {
			return nil, fmt.Errorf("creating stdout metric exporter: %w", err)
		}
		readers = append(readers, periodic(exp))
	}

	if cfg.Prometheus {
		var opts []promexporter.Option
		if cfg.Registerer != nil {
			opts = append(opts, promexporter.WithRegisterer(cfg.Registerer))
		}
		exp, err := promexporter.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("creating prometheus exporter: %w", err)
		}
		readers = append(readers, exp)
	}

	return readers, nil
}
