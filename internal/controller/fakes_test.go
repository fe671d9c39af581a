package controller

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/terrpan/runnervm/internal/engine"
)

// ---------------------------------------------------------------------------
// Fake engine
// ---------------------------------------------------------------------------

type fakeEngine struct {
	mu       sync.Mutex
	sessions int
	creates  []engine.CreateRequest
	destroys []engine.Instance
	closed   bool

	// Hooks run outside the lock; a non-nil error fails the call.
	createHook  func(req engine.CreateRequest, n int) error
	destroyHook func(inst engine.Instance) error
}

var _ engine.Engine = (*fakeEngine)(nil)

func (f *fakeEngine) Name() string { return "fake" }

func (f *fakeEngine) Session(context.Context) (engine.Session, error) {
	f.mu.Lock()
	f.sessions++
	f.mu.Unlock()
	return &fakeSession{f: f}, nil
}

func (f *fakeEngine) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeEngine) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.creates)
}

func (f *fakeEngine) createdNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.creates))
	for _, c := range f.creates {
		names = append(names, c.Name)
	}
	return names
}

func (f *fakeEngine) destroyedNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.destroys))
	for _, d := range f.destroys {
		names = append(names, d.Name)
	}
	return names
}

func (f *fakeEngine) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeSession struct {
	f *fakeEngine
}

func (s *fakeSession) ResolveImage(_ context.Context, ref string) (string, error) { return ref, nil }

func (s *fakeSession) CreateInstance(_ context.Context, req engine.CreateRequest) (engine.Instance, error) {
	s.f.mu.Lock()
	s.f.creates = append(s.f.creates, req)
	n := len(s.f.creates)
	hook := s.f.createHook
	s.f.mu.Unlock()

	if hook != nil {
		if err := hook(req, n); err != nil {
			return engine.Instance{}, err
		}
	}
	return engine.Instance{Name: req.Name, ID: "id-" + req.Name}, nil
}

func (s *fakeSession) DestroyInstance(_ context.Context, inst engine.Instance) error {
	s.f.mu.Lock()
	s.f.destroys = append(s.f.destroys, inst)
	hook := s.f.destroyHook
	s.f.mu.Unlock()

	if hook != nil {
		return hook(inst)
	}
	return nil
}

func (s *fakeSession) Close() error { return nil }

// ---------------------------------------------------------------------------
// Fake token source
// ---------------------------------------------------------------------------

type fakeTokens struct {
	mu    sync.Mutex
	calls int
	fail  func(n int) error
}

func (t *fakeTokens) RegistrationToken(_ context.Context, owner, repo string) (string, error) {
	t.mu.Lock()
	t.calls++
	n := t.calls
	fail := t.fail
	t.mu.Unlock()

	if fail != nil {
		if err := fail(n); err != nil {
			return "", err
		}
	}
	return "tok-" + owner + "-" + repo, nil
}

// ---------------------------------------------------------------------------
// Fake clock and timer: sleeping advances the clock and fires at once.
// ---------------------------------------------------------------------------

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeTimer struct {
	clock *fakeClock
	c     chan time.Time

	mu    sync.Mutex
	slept []time.Duration
}

func newFakeTimer(clock *fakeClock) *fakeTimer {
	return &fakeTimer{clock: clock, c: make(chan time.Time, 1)}
}

func (t *fakeTimer) Start(d time.Duration) {
	t.mu.Lock()
	t.slept = append(t.slept, d)
	t.mu.Unlock()
	t.clock.Advance(d)
	t.c <- t.clock.Now()
}

func (t *fakeTimer) Stop() {}

func (t *fakeTimer) C() <-chan time.Time { return t.c }

func (t *fakeTimer) sleeps() []time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]time.Duration(nil), t.slept...)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var testTracer = otel.Tracer("runnervm/controller/test")
