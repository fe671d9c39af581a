package controller

import (
	"context"
	"log/slog"
	"sync"
)

// Gate is a one-shot completion signal for a single runner.  Once
// signaled it stays signaled.
type Gate struct {
	name string
	done chan struct{}
	once sync.Once
}

func newGate(name string) *Gate {
	return &Gate{name: name, done: make(chan struct{})}
}

// Name returns the runner name the gate belongs to.
func (g *Gate) Name() string { return g.name }

// Signal releases all waiters.  It reports whether this call did the
// signaling; later calls are no-ops.
func (g *Gate) Signal() bool {
	fired := false
	g.once.Do(func() {
		close(g.done)
		fired = true
	})
	return fired
}

// Signaled reports whether Signal has been called.
func (g *Gate) Signaled() bool {
	select {
	case <-g.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the gate is signaled or ctx is done.  An already
// signaled gate returns nil even if ctx is done.
func (g *Gate) Wait(ctx context.Context) error {
	if g.Signaled() {
		return nil
	}
	select {
	case <-g.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Gates is the table of pending completion gates, keyed by runner name.
type Gates struct {
	logger *slog.Logger

	mu    sync.Mutex
	gates map[string]*Gate
}

// NewGates creates an empty table.
func NewGates(logger *slog.Logger) *Gates {
	return &Gates{logger: logger, gates: make(map[string]*Gate)}
}

// Create registers a fresh gate for name.
func (t *Gates) Create(name string) (*Gate, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.gates[name]; ok {
		return nil, ErrGateExists
	}
	g := newGate(name)
	t.gates[name] = g
	return g, nil
}

// Await blocks on the gate for name.
func (t *Gates) Await(ctx context.Context, name string) error {
	t.mu.Lock()
	g, ok := t.gates[name]
	t.mu.Unlock()

	if !ok {
		return ErrNoGate
	}
	return g.Wait(ctx)
}

// Signal fires the gate for name.  It returns false when there is no
// gate or it had already fired.
func (t *Gates) Signal(name string) bool {
	t.mu.Lock()
	g, ok := t.gates[name]
	t.mu.Unlock()

	if !ok {
		t.logger.Info("no completion gate for runner", slog.String("runner", name))
		return false
	}
	if !g.Signal() {
		t.logger.Debug("completion gate already signaled", slog.String("runner", name))
		return false
	}
	return true
}

// Discard removes the gate for name, if any.
func (t *Gates) Discard(name string) {
	t.mu.Lock()
	delete(t.gates, name)
	t.mu.Unlock()
}

// Len returns the number of gates in the table.
func (t *Gates) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.gates)
}
