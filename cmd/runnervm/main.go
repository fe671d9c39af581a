package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/terrpan/runnervm/internal/buildinfo"
	"github.com/terrpan/runnervm/internal/catalog"
	"github.com/terrpan/runnervm/internal/config"
	"github.com/terrpan/runnervm/internal/controller"
	"github.com/terrpan/runnervm/internal/engine"
	"github.com/terrpan/runnervm/internal/health"
	rvotel "github.com/terrpan/runnervm/internal/otel"
	"github.com/terrpan/runnervm/internal/server"
	"github.com/terrpan/runnervm/internal/webhook"
)

var (
	cfgPath       string
	flagOverrides config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "runnervm",
	Short: "Ephemeral GitHub Actions runner VMs, one per queued job",
	Long: `runnervm receives GitHub workflow_job webhooks, provisions one
ephemeral runner VM per queued job from an ordered template catalog, and
destroys the VM when the job completes.

Configuration is read from a YAML or TOML file (--config) with optional
CLI flag overrides for the most common settings.`,
	SilenceUsage: true,
	RunE:         serve,
}

var serveCmd = &cobra.Command{
	Use:          "serve",
	Short:        "Run the webhook server and runner controller (default)",
	SilenceUsage: true,
	RunE:         serve,
}

var validateCmd = &cobra.Command{
	Use:          "validate",
	Short:        "Validate the configuration and print the template catalog",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cat, err := catalog.New(cfg.BuildTemplates())
		if err != nil {
			return fmt.Errorf("building catalog: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "configuration OK (engine %s)\n%s\n", cfg.Engine.Type, cat.String())
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "runnervm "+buildinfo.String())
	},
}

func init() {
	f := rootCmd.PersistentFlags()

	// Config file
	f.StringVar(&cfgPath, "config", "config.yaml", "Path to YAML or TOML configuration file")

	// GitHub overrides
	f.StringVar(&flagOverrides.GitHub.URL, "url", "", "GitHub Enterprise base URL (empty for github.com)")
	f.StringVar(&flagOverrides.GitHub.Token, "token", "", "Personal access token (alternative to GitHub App)")
	f.StringVar(&flagOverrides.GitHub.App.ClientID, "app-client-id", "", "GitHub App client ID")
	f.Int64Var(&flagOverrides.GitHub.App.InstallationID, "app-installation-id", 0, "GitHub App installation ID")
	f.StringVar(&flagOverrides.GitHub.App.PrivateKey, "app-private-key", "", "GitHub App private key (PEM)")
	f.StringVar(&flagOverrides.GitHub.App.PrivateKeyPath, "app-private-key-path", "", "Path to GitHub App private key PEM file")
	f.StringVar(&flagOverrides.GitHub.WebhookSecret, "webhook-secret", "", "Secret used to verify webhook signatures")

	// Controller overrides
	f.IntVar(&flagOverrides.Controller.MaxConcurrency, "max-concurrency", 0, "Maximum concurrent runner lifecycles")
	f.StringVar(&flagOverrides.Engine.Type, "engine", "", "Compute engine (gcp, docker)")

	// Server overrides
	f.StringVar(&flagOverrides.Server.Listen, "listen", "", "HTTP listen address")

	// Logging overrides
	f.StringVar(&flagOverrides.Logging.Level, "log-level", "", "Log level (debug, info, warn, error)")
	f.StringVar(&flagOverrides.Logging.Format, "log-format", "", "Log format (text, json)")

	rootCmd.AddCommand(serveCmd, validateCmd, versionCmd)
}

// applyFlagOverrides merges non-zero CLI flag values into the loaded config.
func applyFlagOverrides(cfg *config.Config) {
	if flagOverrides.GitHub.URL != "" {
		cfg.GitHub.URL = flagOverrides.GitHub.URL
	}
	if flagOverrides.GitHub.Token != "" {
		cfg.GitHub.Token = flagOverrides.GitHub.Token
	}
	if flagOverrides.GitHub.App.ClientID != "" {
		cfg.GitHub.App.ClientID = flagOverrides.GitHub.App.ClientID
	}
	if flagOverrides.GitHub.App.InstallationID != 0 {
		cfg.GitHub.App.InstallationID = flagOverrides.GitHub.App.InstallationID
	}
	if flagOverrides.GitHub.App.PrivateKey != "" {
		cfg.GitHub.App.PrivateKey = flagOverrides.GitHub.App.PrivateKey
	}
	if flagOverrides.GitHub.App.PrivateKeyPath != "" {
		cfg.GitHub.App.PrivateKeyPath = flagOverrides.GitHub.App.PrivateKeyPath
	}
	if flagOverrides.GitHub.WebhookSecret != "" {
		cfg.GitHub.WebhookSecret = flagOverrides.GitHub.WebhookSecret
	}
	if flagOverrides.Controller.MaxConcurrency != 0 {
		cfg.Controller.MaxConcurrency = flagOverrides.Controller.MaxConcurrency
	}
	if flagOverrides.Engine.Type != "" {
		cfg.Engine.Type = flagOverrides.Engine.Type
	}
	if flagOverrides.Server.Listen != "" {
		cfg.Server.Listen = flagOverrides.Server.Listen
	}
	if flagOverrides.Logging.Level != "" {
		cfg.Logging.Level = flagOverrides.Logging.Level
	}
	if flagOverrides.Logging.Format != "" {
		cfg.Logging.Format = flagOverrides.Logging.Format
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	applyFlagOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func serve(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	return run(ctx)
}

func run(ctx context.Context) (err error) {
	// ---------------------------------------------------------------
	// 1. Load configuration
	// ---------------------------------------------------------------
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// ---------------------------------------------------------------
	// 2. Create logger
	// ---------------------------------------------------------------
	logger := cfg.NewLogger()
	logger.Info("configuration loaded",
		slog.String("configFile", cfgPath),
		slog.String("engine", cfg.Engine.Type),
		slog.Int("templates", len(cfg.Templates)),
		slog.Int("maxConcurrency", cfg.Controller.MaxConcurrency),
		slog.String("version", buildinfo.Version),
	)

	// ---------------------------------------------------------------
	// 3. OpenTelemetry
	// ---------------------------------------------------------------
	prometheusOn := cfg.OTel.Prometheus != nil && *cfg.OTel.Prometheus
	otelShutdown, err := rvotel.Setup(ctx, rvotel.Config{
		ServiceName: "runnervm",
		Enabled:     cfg.OTel.Enabled,
		Endpoint:    cfg.OTel.Endpoint,
		Insecure:    cfg.OTel.Insecure,
		StdOut:      cfg.OTel.StdOut,
		Prometheus:  prometheusOn,
		Logger:      logger.WithGroup("otel"),
	})
	if err != nil {
		return fmt.Errorf("setting up opentelemetry: %w", err)
	}
	defer func() {
		if shutdownErr := otelShutdown(context.WithoutCancel(ctx)); shutdownErr != nil {
			logger.Warn("opentelemetry shutdown failed", slog.String("error", shutdownErr.Error()))
		}
	}()

	// ---------------------------------------------------------------
	// 4. Initialize compute engine
	// ---------------------------------------------------------------
	eng, err := cfg.NewEngine(ctx, logger)
	if err != nil {
		return fmt.Errorf("initializing engine: %w", err)
	}

	// ---------------------------------------------------------------
	// 5. Resolve template images and build the catalog
	// ---------------------------------------------------------------
	cat, err := buildCatalog(ctx, eng, cfg.BuildTemplates())
	if err != nil {
		_ = eng.Close()
		return err
	}
	logger.Info("template catalog ready", slog.Int("templates", cat.Len()))

	// ---------------------------------------------------------------
	// 6. Registration token client
	// ---------------------------------------------------------------
	tokens, err := cfg.NewTokenClient(logger.WithGroup("token"))
	if err != nil {
		_ = eng.Close()
		return fmt.Errorf("creating token client: %w", err)
	}

	// ---------------------------------------------------------------
	// 7. Controller
	// ---------------------------------------------------------------
	ctrl, err := controller.New(controller.Config{
		Catalog:            cat,
		Engine:             eng,
		Tokens:             tokens,
		MaxConcurrency:     cfg.Controller.MaxConcurrency,
		DestroyConcurrency: cfg.Controller.DestroyConcurrency,
		Retry:              cfg.RetryPolicy(),
		Logger:             logger.WithGroup("controller"),
	})
	if err != nil {
		_ = eng.Close()
		return fmt.Errorf("creating controller: %w", err)
	}

	// ---------------------------------------------------------------
	// 8. HTTP server
	// ---------------------------------------------------------------
	srvCfg := server.Config{
		Listen:      cfg.Server.Listen,
		WebhookPath: cfg.Server.WebhookPath,
		Webhook:     webhook.New(cfg.GitHub.WebhookSecret, ctrl, logger.WithGroup("webhook")),
		Health:      health.Handler(eng.Name(), healthStats(ctrl)),
		Logger:      logger.WithGroup("http"),
	}
	if prometheusOn {
		srvCfg.Metrics = promhttp.Handler()
	}
	srv, err := server.New(srvCfg)
	if err != nil {
		_ = ctrl.Shutdown(context.WithoutCancel(ctx))
		return fmt.Errorf("creating http server: %w", err)
	}

	// ---------------------------------------------------------------
	// 9. Run until signalled
	// ---------------------------------------------------------------
	srvErr := make(chan error, 1)
	go func() { srvErr <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err = <-srvErr:
		if err != nil {
			logger.Error("http server stopped", slog.String("error", err.Error()))
		}
	}

	// ---------------------------------------------------------------
	// 10. Shut down: stop intake, then tear down every runner
	// ---------------------------------------------------------------
	shutdownCtx, cancelShutdown := context.WithTimeout(context.WithoutCancel(ctx), cfg.Controller.ShutdownTimeout)
	defer cancelShutdown()

	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Warn("http server shutdown incomplete", slog.String("error", shutdownErr.Error()))
	}
	if shutdownErr := ctrl.Shutdown(shutdownCtx); shutdownErr != nil {
		err = errors.Join(err, fmt.Errorf("controller shutdown: %w", shutdownErr))
	}

	logger.Info("shut down", slog.Bool("clean", err == nil))
	return err
}

// buildCatalog resolves every template image once through a dedicated
// engine session.
func buildCatalog(ctx context.Context, eng engine.Engine, templates []catalog.Template) (*catalog.Catalog, error) {
	sess, err := eng.Session(ctx)
	if err != nil {
		return nil, fmt.Errorf("opening engine session: %w", err)
	}
	defer sess.Close()

	resolved, err := catalog.Resolve(ctx, sess, templates)
	if err != nil {
		return nil, fmt.Errorf("resolving template images: %w", err)
	}
	cat, err := catalog.New(resolved)
	if err != nil {
		return nil, fmt.Errorf("building catalog: %w", err)
	}
	return cat, nil
}

func healthStats(ctrl *controller.Controller) health.StatsFunc {
	return func() health.Stats {
		st := ctrl.Stats()
		return health.Stats{
			LiveRunners:      st.LiveRunners,
			ActiveLifecycles: st.ActiveLifecycles,
			QueuedLifecycles: st.QueuedLifecycles,
		}
	}
}
