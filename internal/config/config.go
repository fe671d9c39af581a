// Package config handles loading, validating, and applying
// configuration for runnervm.  Configuration is read from a YAML or
// TOML file (chosen by extension) and can be overridden by CLI flags.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/terrpan/runnervm/internal/catalog"
	"github.com/terrpan/runnervm/internal/controller"
	"github.com/terrpan/runnervm/internal/engine"
	"github.com/terrpan/runnervm/internal/engine/docker"
	"github.com/terrpan/runnervm/internal/engine/gcp"
	"github.com/terrpan/runnervm/internal/token"
)

// ---------------------------------------------------------------------------
// Top-level config
// ---------------------------------------------------------------------------

// Config is the root configuration structure.
type Config struct {
	GitHub     GitHubConfig     `yaml:"github" toml:"github"`
	Templates  Templates        `yaml:"templates" toml:"templates"`
	Controller ControllerConfig `yaml:"controller" toml:"controller"`
	Engine     EngineConfig     `yaml:"engine" toml:"engine"`
	Server     ServerConfig     `yaml:"server" toml:"server"`
	Logging    LoggingConfig    `yaml:"logging" toml:"logging"`
	OTel       OTelConfig       `yaml:"otel" toml:"otel"`
}

// ---------------------------------------------------------------------------
// GitHub / auth
// ---------------------------------------------------------------------------

// GitHubConfig holds credentials for the registration-token API and the
// webhook secret.
type GitHubConfig struct {
	// URL is the GitHub Enterprise Server base URL
	// (e.g. https://ghe.example.com/).  Empty means github.com.
	URL string `yaml:"url" toml:"url"`

	// App holds GitHub App credentials (recommended).
	App GitHubAppConfig `yaml:"app" toml:"app"`

	// Token is a personal access token (alternative to App).
	Token string `yaml:"token" toml:"token"`

	// WebhookSecret verifies X-Hub-Signature-256 on incoming webhooks.
	// Empty disables verification.
	WebhookSecret string `yaml:"webhook_secret" toml:"webhook_secret"`
}

// GitHubAppConfig adds a PrivateKeyPath field so the key can live in a
// file.
type GitHubAppConfig struct {
	ClientID       string `yaml:"client_id" toml:"client_id"`
	InstallationID int64  `yaml:"installation_id" toml:"installation_id"`
	PrivateKeyPath string `yaml:"private_key_path" toml:"private_key_path"`
	// PrivateKey can be set directly (e.g. via CLI flag).  If both
	// PrivateKeyPath and PrivateKey are set, PrivateKey wins.
	PrivateKey string `yaml:"private_key" toml:"private_key"`
}

// ---------------------------------------------------------------------------
// Templates
// ---------------------------------------------------------------------------

// TemplateConfig describes one VM template.
type TemplateConfig struct {
	Key    string   `yaml:"key" toml:"key"`
	Image  string   `yaml:"image" toml:"image"`
	Size   string   `yaml:"size" toml:"size"`
	Labels []string `yaml:"labels" toml:"labels"`
}

// Templates is the ordered template list.  Order is match priority.
//
// In YAML it may be written as a list of templates or as a mapping from
// key to template; mapping order is kept.
type Templates []TemplateConfig

// UnmarshalYAML accepts a sequence or an ordered mapping.
func (t *Templates) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		var list []TemplateConfig
		if err := node.Decode(&list); err != nil {
			return err
		}
		*t = list
		return nil

	case yaml.MappingNode:
		out := make(Templates, 0, len(node.Content)/2)
		for i := 0; i+1 < len(node.Content); i += 2 {
			var key string
			if err := node.Content[i].Decode(&key); err != nil {
				return fmt.Errorf("templates: line %d: %w", node.Content[i].Line, err)
			}
			var tc TemplateConfig
			if err := node.Content[i+1].Decode(&tc); err != nil {
				return fmt.Errorf("templates.%s: %w", key, err)
			}
			if tc.Key == "" {
				tc.Key = key
			}
			out = append(out, tc)
		}
		*t = out
		return nil

	case yaml.ScalarNode:
		if node.Tag == "!!null" {
			*t = nil
			return nil
		}
	}
	return fmt.Errorf("templates: line %d: expected a list or a mapping", node.Line)
}

// ---------------------------------------------------------------------------
// Controller
// ---------------------------------------------------------------------------

// ControllerConfig holds admission and retry limits.
type ControllerConfig struct {
	// MaxConcurrency caps runner lifecycles held at once.  Default: 10.
	MaxConcurrency int `yaml:"max_concurrency" toml:"max_concurrency"`

	// DestroyConcurrency caps concurrent destroy calls.  Default: 0
	// (unbounded).
	DestroyConcurrency int `yaml:"destroy_concurrency" toml:"destroy_concurrency"`

	// ProvisionDeadline bounds retrying one runner.  Default: 45m.
	ProvisionDeadline time.Duration `yaml:"provision_deadline" toml:"provision_deadline"`

	// RetryBaseDelay is the fixed wait between attempts.  Default: 10s.
	RetryBaseDelay time.Duration `yaml:"retry_base_delay" toml:"retry_base_delay"`

	// RetryJitter is the upper bound of the random extra wait.  Default: 5s.
	RetryJitter time.Duration `yaml:"retry_jitter" toml:"retry_jitter"`

	// ShutdownTimeout bounds the shutdown drain.  Default: 5m.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

// ---------------------------------------------------------------------------
// Engine
// ---------------------------------------------------------------------------

// EngineConfig selects and configures the compute backend.
type EngineConfig struct {
	// Type selects the compute backend: "gcp" or "docker".
	Type string `yaml:"type" toml:"type"`

	// Docker holds Docker-specific settings.  Only read when Type == "docker".
	Docker DockerEngineConfig `yaml:"docker" toml:"docker"`

	// GCP holds GCP Compute Engine settings.  Only read when Type == "gcp".
	GCP GCPEngineConfig `yaml:"gcp" toml:"gcp"`
}

// DockerEngineConfig holds Docker-specific engine settings.
type DockerEngineConfig struct {
	// Dind enables Docker-in-Docker by bind-mounting the host's
	// Docker socket into each runner container.
	Dind bool `yaml:"dind" toml:"dind"`

	// Network is the Docker network runner containers join (optional).
	Network string `yaml:"network" toml:"network"`
}

// GCPEngineConfig holds GCP Compute Engine engine settings.
//
// Authentication uses Application Default Credentials (ADC) -- no
// credential fields are needed.
type GCPEngineConfig struct {
	// Project is the GCP project ID (required when engine.type == "gcp").
	Project string `yaml:"project" toml:"project"`

	// Zone is the GCP zone for runner VMs (required).
	Zone string `yaml:"zone" toml:"zone"`

	// MachineType is used for templates without a size.  Default: "e2-medium".
	MachineType string `yaml:"machine_type" toml:"machine_type"`

	// DiskSizeGB is the boot disk size in GB.  Default: 50.
	DiskSizeGB int64 `yaml:"disk_size_gb" toml:"disk_size_gb"`

	// Network is the VPC network name.  Default: "default".
	Network string `yaml:"network" toml:"network"`

	// Subnet is the subnetwork (optional).  If empty, the default
	// subnet for the zone is used.
	Subnet string `yaml:"subnet" toml:"subnet"`

	// PublicIP controls whether runner VMs get an external IP address.
	// Default: true.  Use a *bool so we can distinguish "not set"
	// (nil -> default true) from "explicitly set to false".
	PublicIP *bool `yaml:"public_ip" toml:"public_ip"`

	// ServiceAccount is the GCP service account email to attach to
	// runner VMs (optional).
	ServiceAccount string `yaml:"service_account" toml:"service_account"`

	// Scopes granted to ServiceAccount.  Default: compute only.
	Scopes []string `yaml:"scopes" toml:"scopes"`
}

// ---------------------------------------------------------------------------
// Server
// ---------------------------------------------------------------------------

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	// Listen is the address to bind.  Default: ":8080".
	Listen string `yaml:"listen" toml:"listen"`

	// WebhookPath receives GitHub webhooks.  Default: "/actions".
	WebhookPath string `yaml:"webhook_path" toml:"webhook_path"`
}

// ---------------------------------------------------------------------------
// Logging
// ---------------------------------------------------------------------------

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	// Level: debug, info, warn, error.  Default: info.
	Level string `yaml:"level" toml:"level"`
	// Format: text, json.  Default: text.
	Format string `yaml:"format" toml:"format"`
}

// ---------------------------------------------------------------------------
// OpenTelemetry
// ---------------------------------------------------------------------------

// OTelConfig controls OpenTelemetry tracing and metrics.
type OTelConfig struct {
	// Enabled controls whether OTLP push is active.  Default: false.
	Enabled bool `yaml:"enabled" toml:"enabled"`

	// Endpoint is the OTLP HTTP endpoint (e.g. "localhost:4318").
	// If empty, falls back to OTEL_EXPORTER_OTLP_ENDPOINT env var.
	Endpoint string `yaml:"endpoint" toml:"endpoint"`

	// Insecure enables plain HTTP (no TLS) for OTLP export.  Default: true.
	Insecure bool `yaml:"insecure" toml:"insecure"`

	// StdOut also prints traces and metrics to stdout (for debugging).  Default: false.
	StdOut bool `yaml:"stdout" toml:"stdout"`

	// Prometheus serves metrics on the server's /metrics path.  Default: true.
	Prometheus *bool `yaml:"prometheus" toml:"prometheus"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads a config file from path and returns the parsed Config.
// Files ending in .toml are parsed as TOML, anything else as YAML.  If
// the file does not exist the returned Config will contain zero values
// which must be filled via flag overrides before calling Validate.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Config file is optional -- flags can supply everything.
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := Parse(data, filepath.Ext(path), cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// Parse decodes data into cfg.  ext selects the format (".toml" or YAML).
func Parse(data []byte, ext string, cfg *Config) error {
	switch strings.ToLower(ext) {
	case ".toml":
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return err
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("unknown keys: %v", undecoded)
		}
		return nil
	default:
		return yaml.Unmarshal(data, cfg)
	}
}

// ---------------------------------------------------------------------------
// Defaults & validation
// ---------------------------------------------------------------------------

// ApplyDefaults fills in sensible defaults for any unset fields.
func (c *Config) ApplyDefaults() {
	if c.Controller.MaxConcurrency == 0 {
		c.Controller.MaxConcurrency = 10
	}
	if c.Controller.ProvisionDeadline == 0 {
		c.Controller.ProvisionDeadline = 45 * time.Minute
	}
	if c.Controller.RetryBaseDelay == 0 {
		c.Controller.RetryBaseDelay = 10 * time.Second
	}
	if c.Controller.RetryJitter == 0 {
		c.Controller.RetryJitter = 5 * time.Second
	}
	if c.Controller.ShutdownTimeout == 0 {
		c.Controller.ShutdownTimeout = 5 * time.Minute
	}
	if c.Engine.Type == "" {
		c.Engine.Type = "gcp"
	}
	if c.Engine.GCP.MachineType == "" {
		c.Engine.GCP.MachineType = "e2-medium"
	}
	if c.Engine.GCP.DiskSizeGB == 0 {
		c.Engine.GCP.DiskSizeGB = 50
	}
	if c.Engine.GCP.PublicIP == nil {
		t := true
		c.Engine.GCP.PublicIP = &t
	}
	if len(c.Engine.GCP.Scopes) == 0 {
		c.Engine.GCP.Scopes = []string{gcp.DefaultScope}
	}
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if c.Server.WebhookPath == "" {
		c.Server.WebhookPath = "/actions"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.OTel.Prometheus == nil {
		t := true
		c.OTel.Prometheus = &t
	}
	// Plain HTTP unless an endpoint was configured explicitly.
	if !c.OTel.Insecure && c.OTel.Endpoint == "" {
		c.OTel.Insecure = true
	}
}

// Validate checks that all required fields are present and consistent.
func (c *Config) Validate() error {
	c.ApplyDefaults()

	if c.GitHub.URL != "" {
		if _, err := url.ParseRequestURI(c.GitHub.URL); err != nil {
			return fmt.Errorf("github.url: invalid URL %q: %w", c.GitHub.URL, err)
		}
	}

	if err := c.validateAuth(); err != nil {
		return err
	}

	if err := c.validateTemplates(); err != nil {
		return err
	}

	if c.Controller.MaxConcurrency < 0 {
		return fmt.Errorf("controller.max_concurrency must be positive, got %d", c.Controller.MaxConcurrency)
	}
	if c.Controller.DestroyConcurrency < 0 {
		return fmt.Errorf("controller.destroy_concurrency must not be negative, got %d", c.Controller.DestroyConcurrency)
	}
	if c.Controller.ProvisionDeadline < 0 || c.Controller.RetryBaseDelay < 0 ||
		c.Controller.RetryJitter < 0 || c.Controller.ShutdownTimeout < 0 {
		return fmt.Errorf("controller durations must not be negative")
	}

	if !strings.HasPrefix(c.Server.WebhookPath, "/") {
		return fmt.Errorf("server.webhook_path must start with \"/\", got %q", c.Server.WebhookPath)
	}
	if c.Server.WebhookPath == "/healthz" || c.Server.WebhookPath == "/metrics" {
		return fmt.Errorf("server.webhook_path %q collides with a built-in route", c.Server.WebhookPath)
	}

	switch c.Engine.Type {
	case "docker":
		// OK
	case "gcp":
		if c.Engine.GCP.Project == "" {
			return fmt.Errorf("engine.gcp.project is required when engine.type is \"gcp\"")
		}
		if c.Engine.GCP.Zone == "" {
			return fmt.Errorf("engine.gcp.zone is required when engine.type is \"gcp\"")
		}
	default:
		return fmt.Errorf("engine.type %q is not supported (supported: docker, gcp)", c.Engine.Type)
	}

	return nil
}

func (c *Config) validateAuth() error {
	hasToken := c.GitHub.Token != ""
	hasApp := c.GitHub.App.ClientID != "" ||
		c.GitHub.App.InstallationID != 0 ||
		c.GitHub.App.PrivateKey != "" ||
		c.GitHub.App.PrivateKeyPath != ""

	if !hasToken && !hasApp {
		return fmt.Errorf("no credentials: provide github.app (recommended) or github.token")
	}

	if hasApp {
		if c.GitHub.App.ClientID == "" {
			return fmt.Errorf("github.app.client_id is required when using GitHub App auth")
		}
		if c.GitHub.App.InstallationID == 0 {
			return fmt.Errorf("github.app.installation_id is required when using GitHub App auth")
		}
		if c.GitHub.App.PrivateKey == "" && c.GitHub.App.PrivateKeyPath == "" {
			return fmt.Errorf("github.app.private_key or github.app.private_key_path is required")
		}
	}

	return nil
}

func (c *Config) validateTemplates() error {
	if len(c.Templates) == 0 {
		return fmt.Errorf("templates: at least one template is required")
	}
	seen := make(map[string]bool, len(c.Templates))
	for i, t := range c.Templates {
		if strings.TrimSpace(t.Key) == "" {
			return fmt.Errorf("templates[%d].key is required", i)
		}
		if seen[t.Key] {
			return fmt.Errorf("templates[%d]: duplicate key %q", i, t.Key)
		}
		seen[t.Key] = true
		if t.Image == "" {
			return fmt.Errorf("templates.%s.image is required", t.Key)
		}
		if len(t.Labels) == 0 {
			return fmt.Errorf("templates.%s.labels must not be empty", t.Key)
		}
		for j, l := range t.Labels {
			if strings.TrimSpace(l) == "" {
				return fmt.Errorf("templates.%s.labels[%d] is empty", t.Key, j)
			}
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Factories
// ---------------------------------------------------------------------------

// NewLogger creates a *slog.Logger from the Logging configuration.
func (c *Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{
		AddSource: true,
		Level:     c.slogLevel(),
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	case "text":
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	default:
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
}

func (c *Config) slogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewTokenClient creates the registration-token client using the
// configured credentials (GitHub App or PAT).
func (c *Config) NewTokenClient(logger *slog.Logger) (*token.Client, error) {
	if err := c.resolvePrivateKey(); err != nil {
		return nil, err
	}

	tc := token.Config{BaseURL: c.GitHub.URL}
	if c.GitHub.App.ClientID != "" {
		tc.App = &token.AppConfig{
			ClientID:       c.GitHub.App.ClientID,
			InstallationID: c.GitHub.App.InstallationID,
			PrivateKey:     []byte(c.GitHub.App.PrivateKey),
		}
	} else {
		tc.Token = c.GitHub.Token
	}

	return token.New(tc, logger)
}

// resolvePrivateKey reads the private key from PrivateKeyPath if
// PrivateKey is not already set.
func (c *Config) resolvePrivateKey() error {
	if c.GitHub.App.PrivateKey != "" || c.GitHub.App.PrivateKeyPath == "" {
		return nil
	}
	data, err := os.ReadFile(c.GitHub.App.PrivateKeyPath)
	if err != nil {
		return fmt.Errorf("reading private key from %s: %w", c.GitHub.App.PrivateKeyPath, err)
	}
	c.GitHub.App.PrivateKey = string(data)
	return nil
}

// NewEngine creates the compute engine selected by engine.type.
func (c *Config) NewEngine(ctx context.Context, logger *slog.Logger) (engine.Engine, error) {
	switch c.Engine.Type {
	case "docker":
		return docker.New(ctx, docker.Config{
			Dind:    c.Engine.Docker.Dind,
			Network: c.Engine.Docker.Network,
		}, logger.WithGroup("engine.docker"))
	case "gcp":
		return gcp.New(ctx, gcp.Config{
			Project:        c.Engine.GCP.Project,
			Zone:           c.Engine.GCP.Zone,
			MachineType:    c.Engine.GCP.MachineType,
			DiskSizeGB:     c.Engine.GCP.DiskSizeGB,
			Network:        c.Engine.GCP.Network,
			Subnet:         c.Engine.GCP.Subnet,
			PublicIP:       *c.Engine.GCP.PublicIP,
			ServiceAccount: c.Engine.GCP.ServiceAccount,
			Scopes:         c.Engine.GCP.Scopes,
		}, logger.WithGroup("engine.gcp"))
	default:
		return nil, fmt.Errorf("unsupported engine type: %s", c.Engine.Type)
	}
}

// BuildTemplates returns catalog templates in configured order.  Images
// are the configured references, not yet resolved by an engine.
func (c *Config) BuildTemplates() []catalog.Template {
	out := make([]catalog.Template, len(c.Templates))
	for i, t := range c.Templates {
		out[i] = catalog.Template{
			Key:    strings.TrimSpace(t.Key),
			Image:  t.Image,
			Size:   t.Size,
			Labels: catalog.NewLabelSet(t.Labels...),
		}
	}
	return out
}

// RetryPolicy returns the provisioning retry policy.
func (c *Config) RetryPolicy() controller.RetryPolicy {
	return controller.RetryPolicy{
		Deadline:  c.Controller.ProvisionDeadline,
		BaseDelay: c.Controller.RetryBaseDelay,
		Jitter:    c.Controller.RetryJitter,
	}
}
