// Package controller implements the ephemeral runner lifecycle: it
// admits queued jobs up to a concurrency limit, provisions one runner
// VM per job, holds the admission slot until the runner's job completes,
// and tears runners down on completion and on shutdown.
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/runnervm/internal/catalog"
	"github.com/terrpan/runnervm/internal/engine"
)

// Config holds the Controller's collaborators and limits.
type Config struct {
	Catalog *catalog.Catalog
	Engine  engine.Engine
	Tokens  TokenSource

	// MaxConcurrency caps runner lifecycles admitted at once.
	MaxConcurrency int

	// DestroyConcurrency caps concurrent destroy calls.  Zero means
	// unbounded.
	DestroyConcurrency int

	Retry  RetryPolicy
	Logger *slog.Logger
}

// Controller dispatches workflow job events to runner lifecycles.
type Controller struct {
	catalog *catalog.Catalog
	engine  engine.Engine
	logger  *slog.Logger

	registry    *Registry
	gates       *Gates
	provisioner *Provisioner
	admission   *Pool
	destroys    *Pool

	// ctx is cancelled by Shutdown to release gate waiters and retry
	// loops.  Destroys run detached from it.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool

	// OpenTelemetry instrumentation
	tracer  trace.Tracer
	meter   metric.Meter
	metrics *metrics
}

// New creates a Controller.
func New(cfg Config) (*Controller, error) {
	if cfg.Catalog == nil {
		return nil, fmt.Errorf("controller: catalog is required")
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("controller: engine is required")
	}
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("controller: token source is required")
	}
	if cfg.MaxConcurrency <= 0 {
		return nil, fmt.Errorf("controller: max concurrency must be positive, got %d", cfg.MaxConcurrency)
	}
	if cfg.DestroyConcurrency < 0 {
		return nil, fmt.Errorf("controller: destroy concurrency must not be negative, got %d", cfg.DestroyConcurrency)
	}
	if cfg.Retry == (RetryPolicy{}) {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	c := &Controller{
		catalog: cfg.Catalog,
		engine:  cfg.Engine,
		logger:  cfg.Logger,
		tracer:  otel.Tracer("runnervm/controller"),
		meter:   otel.Meter("runnervm/controller"),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.metrics = newMetrics(c.meter, c.logger)

	c.gates = NewGates(c.logger)
	c.registry = NewRegistry(c.engine, c.gates, c.tracer, c.logger)
	c.registry.metrics = c.metrics
	c.provisioner = NewProvisioner(ProvisionerConfig{
		Engine:   c.engine,
		Tokens:   cfg.Tokens,
		Registry: c.registry,
		Policy:   cfg.Retry,
		Tracer:   c.tracer,
		Logger:   c.logger,
	})
	c.provisioner.metrics = c.metrics
	c.admission = NewPool("admission", cfg.MaxConcurrency, c.logger)
	c.destroys = NewPool("destroy", cfg.DestroyConcurrency, c.logger)

	c.registerGauges()

	return c, nil
}

func (c *Controller) registerGauges() {
	_, err := c.meter.Int64ObservableGauge(
		"runnervm.runners.live",
		metric.WithDescription("Current number of live runner instances"),
		metric.WithUnit("1"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(c.registry.Len()))
			return nil
		}),
	)
	if err != nil {
		c.logger.Warn("failed to create live gauge", slog.String("error", err.Error()))
	}

	_, err = c.meter.Int64ObservableGauge(
		"runnervm.admission.in_use",
		metric.WithDescription("Admission slots currently held by runner lifecycles"),
		metric.WithUnit("1"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(c.admission.InUse()))
			return nil
		}),
	)
	if err != nil {
		c.logger.Warn("failed to create admission gauge", slog.String("error", err.Error()))
	}
}

// Registry exposes the live instance table.
func (c *Controller) Registry() *Registry { return c.registry }

// Stats is a point-in-time view of the controller's load.
type Stats struct {
	LiveRunners      int
	ActiveLifecycles int
	QueuedLifecycles int
}

// Stats reports current load.  It is safe to call concurrently.
func (c *Controller) Stats() Stats {
	return Stats{
		LiveRunners:      c.registry.Len(),
		ActiveLifecycles: c.admission.InUse(),
		QueuedLifecycles: c.admission.Waiting(),
	}
}

// ---------------------------------------------------------------------------
// Event dispatch
// ---------------------------------------------------------------------------

// Queued admits a lifecycle for job.  It returns ErrNoMatchingTemplate
// when no template fits (the job is dropped) and ErrShuttingDown after
// Shutdown.  The lifecycle itself runs in the background.
func (c *Controller) Queued(ctx context.Context, job Job) error {
	ctx, span := c.tracer.Start(ctx, "controller.Queued", trace.WithAttributes(
		attribute.Int64("job.run_id", job.RunID),
		attribute.Int64("job.id", job.JobID),
		attribute.StringSlice("job.labels", job.Labels),
	))
	defer span.End()

	tmpl, ok := c.catalog.Match(job.Labels)
	if !ok {
		c.metrics.add(ctx, c.metrics.jobsDropped, attribute.String("reason", "no_template"))
		c.logger.Info("no template matches job, dropping",
			slog.Int64("runID", job.RunID),
			slog.Int64("jobID", job.JobID),
			slog.Any("labels", job.Labels),
		)
		return fmt.Errorf("%w: %v", ErrNoMatchingTemplate, job.Labels)
	}
	span.SetAttributes(attribute.String("template.key", tmpl.Key))

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrShuttingDown
	}

	link := trace.LinkFromContext(ctx)
	c.admission.Submit(c.ctx, func(ctx context.Context) {
		c.lifecycle(ctx, job, tmpl, link)
	})

	c.logger.Info("job admitted",
		slog.Int64("runID", job.RunID),
		slog.Int64("jobID", job.JobID),
		slog.String("repo", job.Owner+"/"+job.Repo),
		slog.String("template", tmpl.Key),
		slog.Int("waiting", c.admission.Waiting()),
	)
	return nil
}

// Completed schedules the destroy of the runner that ran job.  Jobs
// without a runner name (cancelled before assignment) are ignored.
func (c *Controller) Completed(ctx context.Context, job Job) error {
	_, span := c.tracer.Start(ctx, "controller.Completed", trace.WithAttributes(
		attribute.Int64("job.run_id", job.RunID),
		attribute.Int64("job.id", job.JobID),
		attribute.String("runner.name", job.RunnerName),
	))
	defer span.End()

	if job.RunnerName == "" {
		c.logger.Debug("completed job has no runner, nothing to destroy",
			slog.Int64("jobID", job.JobID),
		)
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrShuttingDown
	}

	name := job.RunnerName
	c.destroys.Submit(context.WithoutCancel(c.ctx), func(ctx context.Context) {
		_, known, err := c.registry.destroy(ctx, name)
		switch {
		case err != nil:
			c.logger.Error("failed to destroy runner",
				slog.String("runner", name),
				slog.String("error", err.Error()),
			)
		case !known:
			// The runner may still be provisioning.  Firing its gate early
			// makes the lifecycle destroy it as soon as it is registered.
			if c.gates.Signal(name) {
				c.logger.Info("job completed before runner was registered", slog.String("runner", name))
			}
		}
	})
	return nil
}

// lifecycle holds an admission slot for one runner from provisioning
// until its job completes.
func (c *Controller) lifecycle(ctx context.Context, job Job, tmpl catalog.Template, link trace.Link) {
	job = job.WithRunnerName(NewRunnerName(job.RunID))
	name := job.RunnerName

	ctx, span := c.tracer.Start(ctx, "controller.lifecycle",
		trace.WithLinks(link),
		trace.WithAttributes(
			attribute.String("runner.name", name),
			attribute.String("template.key", tmpl.Key),
		),
	)
	defer span.End()

	logger := c.logger.With(
		slog.String("runner", name),
		slog.Int64("runID", job.RunID),
		slog.Int64("jobID", job.JobID),
	)

	// The gate exists before the runner does, so a completion arriving
	// at any point, even mid-provisioning, is observed.
	gate, err := c.gates.Create(name)
	if err != nil {
		logger.Error("cannot create completion gate", slog.String("error", err.Error()))
		c.metrics.add(ctx, c.metrics.jobsDropped, attribute.String("reason", "gate"))
		return
	}
	defer c.gates.Discard(name)

	start := time.Now()
	if _, err := c.provisioner.Provision(ctx, job, tmpl); err != nil {
		c.metrics.add(ctx, c.metrics.provisionFailures, attribute.String("template", tmpl.Key))
		c.metrics.add(ctx, c.metrics.jobsDropped, attribute.String("reason", "provision"))
		logger.Error("provisioning failed, dropping job", slog.String("error", err.Error()))
		return
	}
	c.metrics.recordDuration(ctx, time.Since(start).Seconds())
	c.metrics.add(ctx, c.metrics.provisioned, attribute.String("template", tmpl.Key))

	logger.Info("waiting for job completion")
	if err := gate.Wait(ctx); err != nil {
		logger.Info("released from completion wait by shutdown")
		return
	}

	// A completion that arrived before registration fires the gate
	// without destroying anything.
	if _, live := c.registry.Get(name); live {
		if _, err := c.registry.Destroy(context.WithoutCancel(ctx), name); err != nil {
			logger.Error("failed to destroy runner after early completion", slog.String("error", err.Error()))
		}
	}
	logger.Info("runner lifecycle finished", slog.Duration("duration", time.Since(start).Round(time.Second)))
}
