// Package gcp implements the engine.Engine interface using Google Cloud
// Compute Engine to run ephemeral GitHub Actions runners as VMs.
//
// Authentication uses Application Default Credentials (ADC).  No
// credential fields exist in Config -- auth is handled by the
// environment (attached service account, Workload Identity Federation,
// GOOGLE_APPLICATION_CREDENTIALS, or gcloud auth application-default login).
package gcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	compute "cloud.google.com/go/compute/apiv1"
	computepb "cloud.google.com/go/compute/apiv1/computepb"
	gax "github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/googleapi"
	"google.golang.org/protobuf/proto"

	"github.com/terrpan/runnervm/internal/engine"
)

// DefaultScope is the single OAuth scope granted to the runner's service
// account unless Config.Scopes says otherwise.
const DefaultScope = "https://www.googleapis.com/auth/compute"

// Config holds GCP-specific engine settings.
type Config struct {
	// Project is the GCP project ID (required).
	Project string

	// Zone is the GCP zone where runner VMs are created (required).
	Zone string

	// MachineType is used when a template does not name a size.
	// Default: "e2-medium".
	MachineType string

	// DiskSizeGB is the boot disk size in GB.  Default: 50.
	DiskSizeGB int64

	// Network is the VPC network (optional).  Defaults to "default".
	Network string

	// Subnet is the subnetwork (optional).  If empty, the default subnet
	// for the zone is used.
	Subnet string

	// PublicIP controls whether runner VMs get an external IP.
	PublicIP bool

	// ServiceAccount is the service account email attached to runner
	// VMs so they can call back into the platform (optional).
	ServiceAccount string

	// Scopes limits what the attached service account may do.
	// Default: [DefaultScope].
	Scopes []string
}

// operationWaiter is the part of *compute.Operation the engine uses.
type operationWaiter interface {
	Wait(ctx context.Context, opts ...gax.CallOption) error
}

// instancesAPI is the subset of *compute.InstancesClient the engine uses.
type instancesAPI interface {
	Insert(ctx context.Context, req *computepb.InsertInstanceRequest) (operationWaiter, error)
	Delete(ctx context.Context, req *computepb.DeleteInstanceRequest) (operationWaiter, error)
	Close() error
}

// imagesAPI is the subset of *compute.ImagesClient the engine uses.
type imagesAPI interface {
	Get(ctx context.Context, req *computepb.GetImageRequest) (*computepb.Image, error)
	GetFromFamily(ctx context.Context, req *computepb.GetFromFamilyImageRequest) (*computepb.Image, error)
	Close() error
}

// Engine manages runner VMs on GCP Compute Engine.
//
// The generated REST clients are safe for concurrent use, so every
// Session shares them.
type Engine struct {
	instances instancesAPI
	images    imagesAPI
	cfg       Config
	logger    *slog.Logger

	tracer trace.Tracer
}

// Compile-time check that Engine satisfies the engine.Engine interface.
var _ engine.Engine = (*Engine)(nil)

// New creates a GCP engine using Application Default Credentials.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Engine, error) {
	if cfg.MachineType == "" {
		cfg.MachineType = "e2-medium"
	}
	if cfg.DiskSizeGB == 0 {
		cfg.DiskSizeGB = 50
	}
	if cfg.Network == "" {
		cfg.Network = "default"
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{DefaultScope}
	}

	client, err := compute.NewInstancesRESTClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcp instances client: %w", err)
	}

	images, err := compute.NewImagesRESTClient(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("gcp images client: %w", err)
	}

	logger.Info("gcp engine initialized",
		slog.String("project", cfg.Project),
		slog.String("zone", cfg.Zone),
		slog.String("machine_type", cfg.MachineType),
	)

	return newEngine(instancesClient{client}, imagesClient{images}, cfg, logger), nil
}

// newEngine wires an Engine around already-constructed clients.  No
// defaults are applied.
func newEngine(instances instancesAPI, images imagesAPI, cfg Config, logger *slog.Logger) *Engine {
	return &Engine{
		instances: instances,
		images:    images,
		cfg:       cfg,
		logger:    logger,
		tracer:    otel.Tracer("runnervm/engine/gcp"),
	}
}

// Name implements engine.Engine.
func (e *Engine) Name() string { return "gcp" }

// Session implements engine.Engine.
func (e *Engine) Session(_ context.Context) (engine.Session, error) {
	return &session{e: e}, nil
}

// Close closes the API clients.
func (e *Engine) Close() error {
	return errors.Join(e.instances.Close(), e.images.Close())
}

type session struct {
	e *Engine
}

func (s *session) Close() error { return nil }

// ResolveImage looks the image up and returns its self-link.  Accepted
// forms:
//
//	projects/P/global/images/NAME
//	projects/P/global/images/family/FAMILY
//	family/FAMILY                      (in the engine's project)
//	NAME                               (in the engine's project)
//
// Full https://www.googleapis.com/compute/v1/... URLs are accepted too.
func (s *session) ResolveImage(ctx context.Context, ref string) (string, error) {
	e := s.e
	ctx, span := e.tracer.Start(ctx, "engine.gcp.ResolveImage")
	defer span.End()
	span.SetAttributes(attribute.String("gcp.image_ref", ref))

	project, name, family, err := parseImageRef(e.cfg.Project, ref)
	if err != nil {
		return "", err
	}

	var img *computepb.Image
	if family != "" {
		img, err = e.images.GetFromFamily(ctx, &computepb.GetFromFamilyImageRequest{
			Project: project,
			Family:  family,
		})
	} else {
		img, err = e.images.Get(ctx, &computepb.GetImageRequest{
			Project: project,
			Image:   name,
		})
	}
	if err != nil {
		return "", fmt.Errorf("resolve image %s: %w", ref, err)
	}

	link := img.GetSelfLink()
	if link == "" {
		link = fmt.Sprintf("projects/%s/global/images/%s", project, img.GetName())
	}

	e.logger.Info("image resolved",
		slog.String("ref", ref),
		slog.String("image", link),
	)
	return link, nil
}

// CreateInstance creates and starts a runner VM.  Bootstrap values are
// passed as instance metadata so the image's startup script can read them.
func (s *session) CreateInstance(ctx context.Context, req engine.CreateRequest) (engine.Instance, error) {
	e := s.e
	ctx, span := e.tracer.Start(ctx, "engine.gcp.CreateInstance")
	defer span.End()

	size := req.Size
	if size == "" {
		size = e.cfg.MachineType
	}

	span.SetAttributes(
		attribute.String("runner.name", req.Name),
		attribute.String("gcp.project", e.cfg.Project),
		attribute.String("gcp.zone", e.cfg.Zone),
		attribute.String("gcp.machine_type", size),
	)

	instance := e.buildInstance(req, size)

	e.logger.Info("creating runner VM",
		slog.String("name", req.Name),
		slog.String("machine_type", size),
		slog.String("zone", e.cfg.Zone),
	)

	op, err := e.instances.Insert(ctx, &computepb.InsertInstanceRequest{
		Project:          e.cfg.Project,
		Zone:             e.cfg.Zone,
		InstanceResource: instance,
	})
	if err != nil {
		return engine.Instance{}, fmt.Errorf("insert instance %s: %w", req.Name, err)
	}

	span.AddEvent("waiting for GCP operation")
	if err := op.Wait(ctx); err != nil {
		return engine.Instance{}, fmt.Errorf("waiting for instance %s: %w", req.Name, err)
	}

	e.logger.Info("runner VM started",
		slog.String("name", req.Name),
		slog.String("zone", e.cfg.Zone),
	)

	// The instance name is the opaque ID on GCP.
	return engine.Instance{Name: req.Name, ID: req.Name}, nil
}

func (e *Engine) buildInstance(req engine.CreateRequest, size string) *computepb.Instance {
	disk := &computepb.AttachedDisk{
		AutoDelete: proto.Bool(true),
		Boot:       proto.Bool(true),
		InitializeParams: &computepb.AttachedDiskInitializeParams{
			SourceImage: proto.String(req.Image),
			DiskSizeGb:  proto.Int64(e.cfg.DiskSizeGB),
			DiskType:    proto.String(fmt.Sprintf("zones/%s/diskTypes/pd-ssd", e.cfg.Zone)),
		},
	}

	nic := &computepb.NetworkInterface{
		Network: proto.String(fmt.Sprintf("global/networks/%s", e.cfg.Network)),
	}
	if e.cfg.Subnet != "" {
		nic.Subnetwork = proto.String(e.cfg.Subnet)
	}
	if e.cfg.PublicIP {
		nic.AccessConfigs = []*computepb.AccessConfig{
			{
				Name: proto.String("External NAT"),
				Type: proto.String("ONE_TO_ONE_NAT"),
			},
		}
	}

	// Sorted so the request is deterministic.
	keys := make([]string, 0, len(req.Metadata))
	for k := range req.Metadata {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	items := make([]*computepb.Items, 0, len(keys))
	for _, k := range keys {
		items = append(items, &computepb.Items{
			Key:   proto.String(k),
			Value: proto.String(req.Metadata[k]),
		})
	}

	instance := &computepb.Instance{
		Name:              proto.String(req.Name),
		MachineType:       proto.String(fmt.Sprintf("zones/%s/machineTypes/%s", e.cfg.Zone, size)),
		Disks:             []*computepb.AttachedDisk{disk},
		NetworkInterfaces: []*computepb.NetworkInterface{nic},
		Metadata:          &computepb.Metadata{Items: items},
		Labels:            map[string]string{"managed-by": "runnervm"},
	}

	if e.cfg.ServiceAccount != "" {
		instance.ServiceAccounts = []*computepb.ServiceAccount{
			{
				Email:  proto.String(e.cfg.ServiceAccount),
				Scopes: e.cfg.Scopes,
			},
		}
	}

	return instance
}

// DestroyInstance permanently deletes the VM.  Deleting an
// already-deleted VM is not an error.
func (s *session) DestroyInstance(ctx context.Context, inst engine.Instance) error {
	e := s.e
	ctx, span := e.tracer.Start(ctx, "engine.gcp.DestroyInstance")
	defer span.End()

	id := inst.ID
	if id == "" {
		id = inst.Name
	}

	span.SetAttributes(
		attribute.String("gcp.instance_name", id),
		attribute.String("gcp.project", e.cfg.Project),
		attribute.String("gcp.zone", e.cfg.Zone),
	)

	e.logger.Info("destroying runner VM", slog.String("name", id))

	op, err := e.instances.Delete(ctx, &computepb.DeleteInstanceRequest{
		Project:  e.cfg.Project,
		Zone:     e.cfg.Zone,
		Instance: id,
	})
	if err != nil {
		if isNotFound(err) {
			span.AddEvent("instance already deleted")
			e.logger.Info("runner VM already deleted", slog.String("name", id))
			return nil
		}
		return fmt.Errorf("delete instance %s: %w", id, err)
	}

	if err := op.Wait(ctx); err != nil {
		// Race between delete and a concurrent delete.
		if isNotFound(err) {
			span.AddEvent("instance already deleted during wait")
			e.logger.Info("runner VM already deleted", slog.String("name", id))
			return nil
		}
		return fmt.Errorf("waiting for delete of %s: %w", id, err)
	}

	e.logger.Info("runner VM destroyed", slog.String("name", id))
	return nil
}

// parseImageRef splits ref into project and either an image name or a
// family name.
func parseImageRef(defaultProject, ref string) (project, name, family string, err error) {
	ref = strings.TrimPrefix(ref, "https://www.googleapis.com/compute/v1/")
	ref = strings.TrimPrefix(ref, "https://compute.googleapis.com/compute/v1/")
	parts := strings.Split(ref, "/")

	switch {
	case len(parts) == 1 && parts[0] != "":
		return defaultProject, parts[0], "", nil
	case len(parts) == 2 && parts[0] == "family" && parts[1] != "":
		return defaultProject, "", parts[1], nil
	case len(parts) == 5 && parts[0] == "projects" && parts[2] == "global" && parts[3] == "images":
		return parts[1], parts[4], "", nil
	case len(parts) == 6 && parts[0] == "projects" && parts[2] == "global" && parts[3] == "images" && parts[4] == "family":
		return parts[1], "", parts[5], nil
	}
	return "", "", "", fmt.Errorf("unrecognized image reference %q", ref)
}

// isNotFound reports whether err is a "not found" (404) error from the
// GCP API.
func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound {
		return true
	}
	// Fallback for errors that lost their type on the way through the
	// operation wait: googleapi formats as "Error 404", gRPC status as
	// "code = NotFound".
	return contains404Pattern(err.Error())
}

func contains404Pattern(s string) bool {
	for _, pattern := range []string{
		"Error 404",
		"code = NotFound",
		"notFound",
	} {
		if strings.Contains(s, pattern) {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Client adapters
// ---------------------------------------------------------------------------

type instancesClient struct {
	c *compute.InstancesClient
}

func (a instancesClient) Insert(ctx context.Context, req *computepb.InsertInstanceRequest) (operationWaiter, error) {
	op, err := a.c.Insert(ctx, req)
	if err != nil {
		return nil, err
	}
	return op, nil
}

func (a instancesClient) Delete(ctx context.Context, req *computepb.DeleteInstanceRequest) (operationWaiter, error) {
	op, err := a.c.Delete(ctx, req)
	if err != nil {
		return nil, err
	}
	return op, nil
}

func (a instancesClient) Close() error { return a.c.Close() }

type imagesClient struct {
	c *compute.ImagesClient
}

func (a imagesClient) Get(ctx context.Context, req *computepb.GetImageRequest) (*computepb.Image, error) {
	return a.c.Get(ctx, req)
}

func (a imagesClient) GetFromFamily(ctx context.Context, req *computepb.GetFromFamilyImageRequest) (*computepb.Image, error) {
	return a.c.GetFromFamily(ctx, req)
}

func (a imagesClient) Close() error { return a.c.Close() }
