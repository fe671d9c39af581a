package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/runnervm/internal/catalog"
	"github.com/terrpan/runnervm/internal/engine"
)

// TokenSource issues runner registration tokens.
type TokenSource interface {
	RegistrationToken(ctx context.Context, owner, repo string) (string, error)
}

// RetryPolicy bounds the provisioning retry loop.
type RetryPolicy struct {
	// Deadline is the wall-clock budget measured from the first attempt.
	// No attempt starts after it has passed.
	Deadline time.Duration

	// BaseDelay plus a uniform random share of Jitter is slept between
	// attempts.
	BaseDelay time.Duration
	Jitter    time.Duration
}

// DefaultRetryPolicy returns the production defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Deadline:  45 * time.Minute,
		BaseDelay: 10 * time.Second,
		Jitter:    5 * time.Second,
	}
}

// cleanupTimeout bounds the best-effort destroy after a failed attempt.
const cleanupTimeout = 2 * time.Minute

// ProvisionerConfig holds the Provisioner's collaborators.
type ProvisionerConfig struct {
	Engine   engine.Engine
	Tokens   TokenSource
	Registry *Registry
	Policy   RetryPolicy
	Tracer   trace.Tracer
	Logger   *slog.Logger
}

// Provisioner creates runner instances, retrying failed attempts until
// the policy's deadline.
type Provisioner struct {
	engine   engine.Engine
	tokens   TokenSource
	registry *Registry
	policy   RetryPolicy
	tracer   trace.Tracer
	logger   *slog.Logger
	metrics  *metrics

	// Swapped out by tests.
	clock  backoff.Clock
	timer  backoff.Timer
	jitter func(n time.Duration) time.Duration
}

// NewProvisioner creates a Provisioner.
func NewProvisioner(cfg ProvisionerConfig) *Provisioner {
	return &Provisioner{
		engine:   cfg.Engine,
		tokens:   cfg.Tokens,
		registry: cfg.Registry,
		policy:   cfg.Policy,
		tracer:   cfg.Tracer,
		logger:   cfg.Logger,
		metrics:  &metrics{},
		clock:    backoff.SystemClock,
		jitter:   rand.N[time.Duration],
	}
}

// Provision creates and registers a runner for job from tmpl and returns
// its name.  The job's RunnerName is used for every attempt; one is
// generated if empty.  When the deadline passes or ctx is cancelled the
// result is a *ProvisionError and nothing is left registered.
func (p *Provisioner) Provision(ctx context.Context, job Job, tmpl catalog.Template) (string, error) {
	if job.RunnerName == "" {
		job = job.WithRunnerName(NewRunnerName(job.RunID))
	}
	name := job.RunnerName

	ctx, span := p.tracer.Start(ctx, "provisioner.Provision", trace.WithAttributes(
		attribute.String("runner.name", name),
		attribute.String("template.key", tmpl.Key),
		attribute.Int64("job.run_id", job.RunID),
	))
	defer span.End()

	start := p.clock.Now()
	attempts := 0
	var lastErr error

	op := func() error {
		attempts++
		created, err := p.attempt(ctx, job, tmpl, attempts)
		if err != nil {
			lastErr = err
			if created {
				p.cleanup(ctx, name)
			}
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		p.logger.Warn("provisioning attempt failed, retrying",
			slog.String("runner", name),
			slog.Int("attempt", attempts),
			slog.Duration("retryIn", next.Round(time.Millisecond)),
			slog.String("error", err.Error()),
		)
	}

	b := &jitterBackOff{policy: p.policy, clock: p.clock, jitter: p.jitter}
	err := backoff.RetryNotifyWithTimer(op, backoff.WithContext(b, ctx), notify, p.timer)

	span.SetAttributes(attribute.Int("provision.attempts", attempts))
	if err != nil {
		cause := lastErr
		if cause == nil || !errors.Is(err, lastErr) {
			cause = errors.Join(err, lastErr)
		}
		perr := &ProvisionError{
			Runner:   name,
			Attempts: attempts,
			Elapsed:  p.clock.Now().Sub(start),
			Err:      cause,
		}
		span.RecordError(perr)
		span.SetStatus(codes.Error, "provisioning failed")
		return "", perr
	}

	p.logger.Info("runner provisioned",
		slog.String("runner", name),
		slog.String("template", tmpl.Key),
		slog.Int("attempts", attempts),
		slog.Duration("elapsed", p.clock.Now().Sub(start).Round(time.Millisecond)),
	)
	return name, nil
}

// attempt runs one provisioning unit.  created reports whether an
// instance may exist and needs cleaning up after a failure.
func (p *Provisioner) attempt(ctx context.Context, job Job, tmpl catalog.Template, n int) (created bool, err error) {
	ctx, span := p.tracer.Start(ctx, "provisioner.attempt", trace.WithAttributes(
		attribute.String("runner.name", job.RunnerName),
		attribute.Int("provision.attempt", n),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "attempt failed")
		}
		span.End()
	}()

	p.metrics.add(ctx, p.metrics.provisionAttempts, attribute.String("template", tmpl.Key))

	token, err := p.tokens.RegistrationToken(ctx, job.Owner, job.Repo)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrTokenExchange, err)
	}

	sess, err := p.engine.Session(ctx)
	if err != nil {
		return false, fmt.Errorf("open engine session: %w", err)
	}
	defer sess.Close()

	handle, err := sess.CreateInstance(ctx, engine.CreateRequest{
		Name:  job.RunnerName,
		Image: tmpl.Image,
		Size:  tmpl.Size,
		Metadata: map[string]string{
			engine.MetadataRepoURL:    job.RepositoryURL,
			engine.MetadataToken:      token,
			engine.MetadataLabels:     strings.Join(tmpl.Labels.Sorted(), ","),
			engine.MetadataRunnerName: job.RunnerName,
		},
	})
	if err != nil {
		return true, fmt.Errorf("create instance %s: %w", job.RunnerName, err)
	}

	p.registry.Register(Instance{
		Name:      job.RunnerName,
		Template:  tmpl.Key,
		Job:       job,
		Handle:    handle,
		CreatedAt: p.clock.Now(),
	})
	return true, nil
}

// cleanup removes whatever a failed attempt may have left behind so the
// next attempt can reuse the name.  It survives ctx cancellation.
func (p *Provisioner) cleanup(ctx context.Context, name string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	sess, err := p.engine.Session(ctx)
	if err != nil {
		p.logger.Warn("cleanup after failed attempt skipped",
			slog.String("runner", name),
			slog.String("error", err.Error()),
		)
		return
	}
	defer sess.Close()

	if err := sess.DestroyInstance(ctx, engine.Instance{Name: name}); err != nil {
		p.logger.Warn("cleanup after failed attempt failed",
			slog.String("runner", name),
			slog.String("error", err.Error()),
		)
	}
}

// jitterBackOff waits BaseDelay plus up to Jitter between attempts and
// stops once the next attempt would start past the deadline.
type jitterBackOff struct {
	policy RetryPolicy
	clock  backoff.Clock
	jitter func(n time.Duration) time.Duration
	start  time.Time
}

func (b *jitterBackOff) Reset() { b.start = b.clock.Now() }

func (b *jitterBackOff) NextBackOff() time.Duration {
	next := b.policy.BaseDelay
	if b.policy.Jitter > 0 {
		next += b.jitter(b.policy.Jitter)
	}
	if b.clock.Now().Sub(b.start)+next > b.policy.Deadline {
		return backoff.Stop
	}
	return next
}
