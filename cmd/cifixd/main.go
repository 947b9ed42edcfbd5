// Cifixd is the CI fix recommendation daemon.
//
// It ingests failed workflow runs, matches them against the historical
// failure corpus, scores a fix recommendation for each, and serves the
// review lifecycle over HTTP.
//
// Usage:
//
//	# Start the daemon with defaults
//	cifixd serve
//
//	# Start with a config file, overridable via environment
//	cifixd serve --config /etc/cifixd/config.yaml
//	SERVER_PORT=9000 cifixd serve
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/cifixd/internal/config"
	"github.com/fyrsmithlabs/cifixd/internal/corpus"
	"github.com/fyrsmithlabs/cifixd/internal/httpapi"
	"github.com/fyrsmithlabs/cifixd/internal/ingest"
	"github.com/fyrsmithlabs/cifixd/internal/lifecycle"
	"github.com/fyrsmithlabs/cifixd/internal/logging"
	"github.com/fyrsmithlabs/cifixd/internal/matcher"
	"github.com/fyrsmithlabs/cifixd/internal/oracle"
	"github.com/fyrsmithlabs/cifixd/internal/profile"
	"github.com/fyrsmithlabs/cifixd/internal/scoring"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	root := &cobra.Command{
		Use:           "cifixd",
		Short:         "CI fix recommendation daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var configPath string
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Start the daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, configPath)
		},
	}
	serve.Flags().StringVar(&configPath, "config", "", "path to YAML config file")

	root.AddCommand(serve)
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(*cobra.Command, []string) {
			fmt.Printf("cifixd by Fyrsmith Labs\n")
			fmt.Printf("Version:    %s\n", version)
			fmt.Printf("Commit:     %s\n", gitCommit)
			fmt.Printf("Build Date: %s\n", buildDate)
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run starts the daemon and blocks until ctx is cancelled.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := initLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync() // Best-effort sync on shutdown
	}()

	logger.Info(ctx, "starting cifixd",
		zap.Int("port", cfg.Server.Port),
		zap.String("database", cfg.Database.Path),
		zap.String("oracle_provider", cfg.Oracle.Provider),
	)

	deps, err := initDependencies(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}
	defer deps.Close()

	svcs, err := initServices(cfg, deps, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize services: %w", err)
	}

	if err := svcs.coordinator.Start(ctx); err != nil {
		return err
	}
	defer func() {
		_ = svcs.coordinator.Close()
	}()

	srv, err := httpapi.NewServer(
		svcs.coordinator,
		svcs.manager,
		svcs.learner,
		deps.store,
		logger,
		httpapi.Config{Host: cfg.Server.Host, Port: cfg.Server.Port},
	)
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	logger.Info(ctx, "shutdown complete")
	return nil
}

// dependencies holds infrastructure resources.
type dependencies struct {
	store *corpus.Store
}

// Close releases infrastructure resources.
func (d *dependencies) Close() {
	if d.store != nil {
		_ = d.store.Close()
	}
}

// services holds the wired business services.
type services struct {
	learner     *profile.Learner
	manager     *lifecycle.Manager
	coordinator *ingest.Coordinator
}

func initLogger(cfg *config.Config) (*logging.Logger, error) {
	level, err := logging.LevelFromString(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	logCfg := logging.NewDefaultConfig()
	logCfg.Level = level
	logCfg.Format = cfg.Logging.Format
	return logging.NewLogger(logCfg)
}

func initDependencies(cfg *config.Config, logger *logging.Logger) (*dependencies, error) {
	store, err := corpus.Open(corpus.Config{
		Path:           cfg.Database.Path,
		BusyTimeout:    cfg.Database.BusyTimeout.Duration(),
		MaxRetries:     cfg.Database.MaxRetries,
		RetryBaseDelay: cfg.Database.RetryBaseDelay.Duration(),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open corpus store: %w", err)
	}
	return &dependencies{store: store}, nil
}

func initServices(cfg *config.Config, deps *dependencies, logger *logging.Logger) (*services, error) {
	learner, err := profile.New(deps.store, logger)
	if err != nil {
		return nil, err
	}

	manager, err := lifecycle.New(deps.store, learner, logger)
	if err != nil {
		return nil, err
	}

	m, err := matcher.New(deps.store, matcher.Config{
		TopK:          cfg.Matcher.TopK,
		MaxCandidates: cfg.Matcher.MaxCandidates,
	}, logger)
	if err != nil {
		return nil, err
	}

	o, err := oracle.New(oracle.Config{
		Provider: cfg.Oracle.Provider,
		Model:    cfg.Oracle.Model,
		APIKey:   cfg.Oracle.APIKey.Value(),
		BaseURL:  cfg.Oracle.BaseURL,
		Timeout:  cfg.Oracle.Timeout.Duration(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create oracle: %w", err)
	}

	coordinator, err := ingest.New(ingest.Config{
		Workers:     cfg.Ingest.Workers,
		QueueSize:   cfg.Ingest.QueueSize,
		MaxLogBytes: cfg.Ingest.MaxLogBytes,
	}, deps.store, m, scoring.New(), learner, manager, o, logger)
	if err != nil {
		return nil, err
	}

	return &services{
		learner:     learner,
		manager:     manager,
		coordinator: coordinator,
	}, nil
}
