// Package docker implements the engine.Engine interface using the
// Docker daemon, running each ephemeral runner as a container.  It is
// the local stand-in for a cloud provider: the container environment
// carries the bootstrap metadata a VM would read from its metadata
// server.
package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/terrpan/runnervm/internal/engine"
)

// Config holds Docker-specific settings.
type Config struct {
	// Dind enables Docker-in-Docker by bind-mounting the host's Docker
	// socket (/var/run/docker.sock) into each runner container.
	//
	// Security note: the socket gives the runner full access to the
	// host Docker daemon.  Only enable this if you trust the workflows
	// that will run on these runners.
	Dind bool

	// Network is the Docker network runner containers join (optional).
	Network string

	// User runs the container process.  Default: "runner", the user of
	// the actions-runner image.
	User string
}

// containerAPI is the subset of the Docker client the engine uses.
type containerAPI interface {
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	Close() error
}

// Engine manages runners as Docker containers.  The Docker client is
// safe for concurrent use, so sessions share it.
type Engine struct {
	client containerAPI
	cfg    Config
	logger *slog.Logger
}

// Compile-time check that Engine satisfies the engine.Engine interface.
var _ engine.Engine = (*Engine)(nil)

// New connects to the daemon configured in the environment.
func New(_ context.Context, cfg Config, logger *slog.Logger) (*Engine, error) {
	client, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	logger.Info("docker engine initialized", slog.Bool("dind", cfg.Dind))

	return newEngine(client, cfg, logger), nil
}

func newEngine(client containerAPI, cfg Config, logger *slog.Logger) *Engine {
	return &Engine{client: client, cfg: cfg, logger: logger}
}

// Name implements engine.Engine.
func (e *Engine) Name() string { return "docker" }

// Session implements engine.Engine.
func (e *Engine) Session(_ context.Context) (engine.Session, error) {
	return &session{e: e}, nil
}

// Close closes the Docker client.
func (e *Engine) Close() error {
	return e.client.Close()
}

type session struct {
	e *Engine
}

func (s *session) Close() error { return nil }

// ResolveImage pulls ref so containers can be created from it and
// returns ref unchanged.
func (s *session) ResolveImage(ctx context.Context, ref string) (string, error) {
	s.e.logger.Info("pulling runner image", slog.String("image", ref))

	pull, err := s.e.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return "", fmt.Errorf("image pull %s: %w", ref, err)
	}
	// Drain the stream so the image is fully downloaded.
	if _, err := io.Copy(io.Discard, pull); err != nil {
		pull.Close()
		return "", fmt.Errorf("reading image pull response: %w", err)
	}
	if err := pull.Close(); err != nil {
		return "", fmt.Errorf("closing image pull stream: %w", err)
	}

	s.e.logger.Info("runner image ready", slog.String("image", ref))
	return ref, nil
}

// CreateInstance creates and starts a runner container.  Metadata keys
// become upper-cased RUNNER_* environment variables.
func (s *session) CreateInstance(ctx context.Context, req engine.CreateRequest) (engine.Instance, error) {
	e := s.e
	env := metadataEnv(req.Metadata)

	user := e.cfg.User
	if user == "" {
		user = "runner"
	}
	var hostCfg *container.HostConfig
	if e.cfg.Dind {
		// Root works for the socket on both Linux and Docker Desktop.
		user = "root"
		env = append(env,
			"DOCKER_HOST=unix:///var/run/docker.sock",
			"RUNNER_ALLOW_RUNASROOT=1",
		)
		hostCfg = &container.HostConfig{
			Binds: []string{"/var/run/docker.sock:/var/run/docker.sock"},
		}
	}
	if e.cfg.Network != "" {
		if hostCfg == nil {
			hostCfg = &container.HostConfig{}
		}
		hostCfg.NetworkMode = container.NetworkMode(e.cfg.Network)
	}

	resp, err := e.client.ContainerCreate(
		ctx,
		&container.Config{
			Image: req.Image,
			User:  user,
			Env:   env,
			Labels: map[string]string{
				"managed-by":      "runnervm",
				"runnervm.size":   req.Size,
				"runnervm.runner": req.Name,
			},
		},
		hostCfg,
		nil, // networking config
		nil, // platform
		req.Name,
	)
	if err != nil {
		return engine.Instance{}, fmt.Errorf("container create %s: %w", req.Name, err)
	}

	if err := e.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Best-effort cleanup of the created-but-not-started container.
		_ = e.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return engine.Instance{}, fmt.Errorf("container start %s: %w", req.Name, err)
	}

	e.logger.Info("runner container started",
		slog.String("name", req.Name),
		slog.String("containerID", resp.ID),
	)

	return engine.Instance{Name: req.Name, ID: resp.ID}, nil
}

// DestroyInstance force-removes the container.  A container that no
// longer exists counts as destroyed.
func (s *session) DestroyInstance(ctx context.Context, inst engine.Instance) error {
	id := inst.ID
	if id == "" {
		id = inst.Name
	}

	s.e.logger.Info("destroying runner container", slog.String("containerID", id))

	if err := s.e.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		if cerrdefs.IsNotFound(err) {
			s.e.logger.Info("runner container already removed", slog.String("containerID", id))
			return nil
		}
		return fmt.Errorf("container remove %s: %w", id, err)
	}
	return nil
}

func metadataEnv(meta map[string]string) []string {
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, fmt.Sprintf("RUNNER_%s=%s", strings.ToUpper(k), meta[k]))
	}
	return env
}
