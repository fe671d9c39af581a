package controller

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/terrpan/runnervm/internal/engine"
)

// Instance is a live runner VM.
type Instance struct {
	Name      string
	Template  string
	Job       Job
	Handle    engine.Instance
	CreatedAt time.Time
}

// signaler is notified after a runner is destroyed.
type signaler interface {
	Signal(name string) bool
}

// Registry tracks live instances by runner name.  A name is present
// exactly while its instance exists; entries are removed only after the
// engine confirms the destroy.
type Registry struct {
	engine  engine.Engine
	signals signaler
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *metrics

	mu         sync.Mutex
	live       map[string]Instance
	destroying map[string]struct{}
}

// NewRegistry creates an empty registry.  signals is notified after
// every successful destroy.
func NewRegistry(eng engine.Engine, signals signaler, tracer trace.Tracer, logger *slog.Logger) *Registry {
	return &Registry{
		engine:     eng,
		signals:    signals,
		logger:     logger,
		tracer:     tracer,
		metrics:    &metrics{},
		live:       make(map[string]Instance),
		destroying: make(map[string]struct{}),
	}
}

// Register records a live instance.
func (r *Registry) Register(inst Instance) {
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = time.Now()
	}

	r.mu.Lock()
	_, dup := r.live[inst.Name]
	r.live[inst.Name] = inst
	r.mu.Unlock()

	if dup {
		r.logger.Warn("runner registered twice, keeping latest", slog.String("runner", inst.Name))
	}
}

// Get returns the instance registered under name.
func (r *Registry) Get(name string) (Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.live[name]
	return inst, ok
}

// Len returns the number of live instances.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

// Snapshot returns the live instances, oldest first.
func (r *Registry) Snapshot() []Instance {
	r.mu.Lock()
	out := make([]Instance, 0, len(r.live))
	for _, inst := range r.live {
		out = append(out, inst)
	}
	r.mu.Unlock()

	slices.SortFunc(out, func(a, b Instance) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})
	return out
}

// Destroy tears down the instance registered under name.  It reports
// whether this call destroyed it.  Unknown names and names already being
// destroyed return (false, nil).  On engine failure the entry stays so a
// later request can try again.
func (r *Registry) Destroy(ctx context.Context, name string) (bool, error) {
	destroyed, _, err := r.destroy(ctx, name)
	return destroyed, err
}

// destroy is Destroy that also reports whether name was registered.
func (r *Registry) destroy(ctx context.Context, name string) (destroyed, known bool, err error) {
	ctx, span := r.tracer.Start(ctx, "registry.Destroy",
		trace.WithAttributes(attribute.String("runner.name", name)))
	defer span.End()

	r.mu.Lock()
	inst, ok := r.live[name]
	if !ok {
		r.mu.Unlock()
		r.logger.Info("destroy requested for runner not in registry",
			slog.String("runner", name),
			slog.String("error", ErrUnknownRunner.Error()),
		)
		span.SetAttributes(attribute.Bool("runner.known", false))
		return false, false, nil
	}
	if _, busy := r.destroying[name]; busy {
		r.mu.Unlock()
		r.logger.Debug("destroy already in progress", slog.String("runner", name))
		return false, true, nil
	}
	r.destroying[name] = struct{}{}
	r.mu.Unlock()

	err = r.destroyInstance(ctx, inst.Handle)

	r.mu.Lock()
	delete(r.destroying, name)
	if err == nil {
		delete(r.live, name)
	}
	r.mu.Unlock()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "destroy failed")
		return false, true, fmt.Errorf("destroy runner %s: %w", name, err)
	}

	r.logger.Info("runner destroyed",
		slog.String("runner", name),
		slog.String("template", inst.Template),
		slog.Duration("lifetime", time.Since(inst.CreatedAt).Round(time.Second)),
	)
	r.metrics.add(ctx, r.metrics.destroyed, attribute.String("template", inst.Template))

	if r.signals != nil {
		r.signals.Signal(name)
	}
	return true, true, nil
}

// Drain destroys every live instance concurrently and waits for all of
// them.  A failure is logged and joined into the result; it does not stop
// the other destroys.
func (r *Registry) Drain(ctx context.Context) error {
	ctx, span := r.tracer.Start(ctx, "registry.Drain")
	defer span.End()

	remaining := r.Snapshot()
	span.SetAttributes(attribute.Int("runners.remaining", len(remaining)))
	if len(remaining) == 0 {
		return nil
	}

	r.logger.Info("destroying remaining runners", slog.Int("count", len(remaining)))

	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	for _, inst := range remaining {
		g.Go(func() error {
			if _, err := r.Destroy(ctx, inst.Name); err != nil {
				r.logger.Error("failed to destroy runner during shutdown",
					slog.String("runner", inst.Name),
					slog.String("error", err.Error()),
				)
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			// Never fail the group: every destroy must run to completion.
			return nil
		})
	}
	_ = g.Wait()

	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "drain incomplete")
		return err
	}
	r.logger.Info("all runners destroyed", slog.Int("count", len(remaining)))
	return nil
}

func (r *Registry) destroyInstance(ctx context.Context, h engine.Instance) error {
	sess, err := r.engine.Session(ctx)
	if err != nil {
		return fmt.Errorf("open engine session: %w", err)
	}
	defer sess.Close()
	return sess.DestroyInstance(ctx, h)
}
