package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Shutdown stops admitting work, releases every waiting lifecycle, waits
// for in-flight provisioning and destroys, destroys all remaining
// runners concurrently, and closes the engine.  ctx bounds the whole
// sequence.  Calling Shutdown again is a no-op.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	ctx, span := c.tracer.Start(ctx, "controller.Shutdown")
	defer span.End()
	span.SetAttributes(attribute.Int("runners.live", c.registry.Len()))

	c.logger.Info("shutting down controller",
		slog.Int("liveRunners", c.registry.Len()),
		slog.Int("activeLifecycles", c.admission.InUse()),
		slog.Int("queuedLifecycles", c.admission.Waiting()),
	)

	c.cancel()

	if err := c.admission.Wait(ctx); err != nil {
		c.logger.Warn("runner lifecycles still running at shutdown deadline", slog.String("error", err.Error()))
	}
	if err := c.destroys.Wait(ctx); err != nil {
		c.logger.Warn("destroys still running at shutdown deadline", slog.String("error", err.Error()))
	}

	var errs []error
	if err := c.registry.Drain(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := c.engine.Close(); err != nil {
		c.logger.Error("engine close error", slog.String("error", err.Error()))
		errs = append(errs, fmt.Errorf("close engine: %w", err))
	}

	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "shutdown incomplete")
		return err
	}
	c.logger.Info("controller stopped")
	return nil
}
