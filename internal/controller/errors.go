package controller

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNoMatchingTemplate means no catalog template satisfies the job's
	// labels.  The job is dropped.
	ErrNoMatchingTemplate = errors.New("no template matches job labels")

	// ErrTokenExchange wraps a failed registration-token request.  It is
	// retried as part of a provisioning attempt.
	ErrTokenExchange = errors.New("registration token exchange failed")

	// ErrProvision is matched by every *ProvisionError.
	ErrProvision = errors.New("provisioning failed")

	// ErrUnknownRunner describes a destroy request for a runner the
	// registry does not hold.  It is logged, never returned.
	ErrUnknownRunner = errors.New("unknown runner")

	// ErrShuttingDown is returned for work submitted after Shutdown.
	ErrShuttingDown = errors.New("controller is shutting down")

	// ErrGateExists is returned by Gates.Create for a name that already
	// has a pending gate.
	ErrGateExists = errors.New("completion gate already exists")

	// ErrNoGate is returned by Gates.Await for a name without a gate.
	ErrNoGate = errors.New("no completion gate for runner")
)

// ProvisionError is returned once the retry budget for a runner is
// spent.  Err is the last attempt's error.
type ProvisionError struct {
	Runner   string
	Attempts int
	Elapsed  time.Duration
	Err      error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provision %s: giving up after %d attempt(s) in %s: %v",
		e.Runner, e.Attempts, e.Elapsed.Round(time.Millisecond), e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// Is reports ErrProvision as a match so callers need not type-assert.
func (e *ProvisionError) Is(target error) bool { return target == ErrProvision }
