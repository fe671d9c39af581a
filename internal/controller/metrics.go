package controller

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// metrics holds the controller's instruments.  Any instrument that
// failed to initialize is nil and skipped, so the zero value records
// nothing.
type metrics struct {
	provisioned       metric.Int64Counter
	destroyed         metric.Int64Counter
	provisionFailures metric.Int64Counter
	provisionAttempts metric.Int64Counter
	jobsDropped       metric.Int64Counter
	provisionDuration metric.Float64Histogram
}

func newMetrics(meter metric.Meter, logger *slog.Logger) *metrics {
	m := &metrics{}

	// Initialize metrics (errors are logged but not fatal)
	var err error
	m.provisioned, err = meter.Int64Counter(
		"runnervm.runners.provisioned",
		metric.WithDescription("Total number of runners provisioned"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Warn("failed to create provisioned counter", slog.String("error", err.Error()))
	}

	m.destroyed, err = meter.Int64Counter(
		"runnervm.runners.destroyed",
		metric.WithDescription("Total number of runners destroyed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Warn("failed to create destroyed counter", slog.String("error", err.Error()))
	}

	m.provisionFailures, err = meter.Int64Counter(
		"runnervm.provision.failures",
		metric.WithDescription("Total number of runners that could not be provisioned before the deadline"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Warn("failed to create provisionFailures counter", slog.String("error", err.Error()))
	}

	m.provisionAttempts, err = meter.Int64Counter(
		"runnervm.provision.attempts",
		metric.WithDescription("Total number of provisioning attempts"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Warn("failed to create provisionAttempts counter", slog.String("error", err.Error()))
	}

	m.jobsDropped, err = meter.Int64Counter(
		"runnervm.jobs.dropped",
		metric.WithDescription("Total number of queued jobs that got no runner"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Warn("failed to create jobsDropped counter", slog.String("error", err.Error()))
	}

	m.provisionDuration, err = meter.Float64Histogram(
		"runnervm.provision.duration",
		metric.WithDescription("Time to provision a runner, retries included (seconds)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(5, 15, 30, 60, 120, 300, 600, 1800),
	)
	if err != nil {
		logger.Warn("failed to create provisionDuration histogram", slog.String("error", err.Error()))
	}

	return m
}

func (m *metrics) add(ctx context.Context, c metric.Int64Counter, attrs ...attribute.KeyValue) {
	if c == nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *metrics) recordDuration(ctx context.Context, seconds float64) {
	if m.provisionDuration == nil {
		return
	}
	m.provisionDuration.Record(ctx, seconds)
}
