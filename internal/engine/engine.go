// Package engine defines the abstraction for compute backends that host
// ephemeral GitHub Actions runner VMs.  Each backend (GCP Compute Engine,
// Docker, ...) implements Engine so the controller stays
// compute-agnostic.
package engine

import "context"

// Engine is a factory for Sessions.
//
// Provider clients are not assumed to be safe for concurrent use from a
// single handle, so callers open a dedicated Session for every in-flight
// operation and close it when done.  Backends whose clients are
// concurrency-safe may hand out cheap sessions that share one client.
type Engine interface {
	// Name identifies the backend ("gcp", "docker").
	Name() string

	// Session returns a handle for one logical operation.
	Session(ctx context.Context) (Session, error)

	// Close releases the backend's long-lived resources.  It is called
	// once during process termination, after every Session is closed.
	Close() error
}

// Session exposes the three primitives the controller needs.
type Session interface {
	// ResolveImage turns a configured image reference into the form
	// CreateInstance expects (e.g. a GCE image self-link).
	ResolveImage(ctx context.Context, ref string) (string, error)

	// CreateInstance provisions and boots a runner instance.  On error
	// no Instance is returned, but the backend may have left a partially
	// created resource behind under req.Name.
	CreateInstance(ctx context.Context, req CreateRequest) (Instance, error)

	// DestroyInstance permanently deletes the instance.  Destroying an
	// instance that no longer exists is not an error.
	DestroyInstance(ctx context.Context, inst Instance) error

	// Close ends the session.
	Close() error
}

// CreateRequest carries everything needed to boot one runner.
type CreateRequest struct {
	// Name is the unique runner name; backends use it as the resource name.
	Name string

	// Image is a reference previously returned by ResolveImage.
	Image string

	// Size is the backend-specific size class.  Empty means the backend
	// default.
	Size string

	// Metadata is exposed to the instance's bootstrap (GCE instance
	// metadata, container environment, ...).
	Metadata map[string]string
}

// Instance is the backend handle for a live runner.
type Instance struct {
	// Name is the runner name the instance was created with.
	Name string

	// ID is the backend's opaque identifier (GCE instance name, Docker
	// container ID).
	ID string
}

// Metadata keys consumed by the runner image's bootstrap script.
const (
	MetadataRepoURL    = "repo_url"
	MetadataToken      = "token"
	MetadataLabels     = "labels"
	MetadataRunnerName = "runner_name"
)
