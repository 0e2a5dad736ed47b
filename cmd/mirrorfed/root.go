package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/mirrorfed/internal/composite"
	"github.com/BadgerOps/mirrorfed/internal/config"
	"github.com/BadgerOps/mirrorfed/internal/metrics"
	"github.com/BadgerOps/mirrorfed/internal/mirror"
	"github.com/BadgerOps/mirrorfed/internal/processing"
	"github.com/BadgerOps/mirrorfed/internal/repository"
	"github.com/BadgerOps/mirrorfed/internal/simple"
	"github.com/BadgerOps/mirrorfed/internal/store"
	"github.com/BadgerOps/mirrorfed/internal/transfer"
	"github.com/BadgerOps/mirrorfed/internal/transport"
)

var (
	// Global flags
	cfgPath   string
	dataDir   string
	logLevel  string
	logFormat string
	quiet     bool
	globalCfg *config.Config
	logger    *slog.Logger

	// Global components
	globalStore     *store.Store
	globalMetrics   *metrics.Collector
	globalRegistry  *repository.Registry
	globalComponent *components
)

// components are the collaborators shared by every repository the CLI loads.
type components struct {
	transport   transport.Transport
	processors  *processing.Registry
	simpleOpts  simple.Options
	compOpts    composite.Options
	coordinator *transfer.Coordinator
}

// initializeComponents initializes the store, metrics, transports and the
// repository registry
func initializeComponents() error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	st, err := store.New(globalCfg.DBPath(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	globalStore = st
	globalMetrics = metrics.New()

	globalComponent = newComponents(globalCfg, globalStore, globalMetrics, logger)
	globalRegistry = newRegistry(globalComponent, logger)

	logger.Debug("components initialized successfully")
	return nil
}

// newComponents wires transports, processing steps and the transfer
// coordinator from cfg. Transfer events go to every non-nil sink.
func newComponents(cfg *config.Config, st *store.Store, mc *metrics.Collector, logger *slog.Logger) *components {
	h := transport.NewHTTP(logger)
	for name, value := range cfg.Transfer.Headers {
		h.SetHeader(name, value)
	}
	t := transport.NewMulti(map[string]transport.Transport{
		"http":  h,
		"https": h,
		"file":  transport.NewFile(),
	})
	processors := processing.NewRegistry()

	mirrorOpts := []mirror.Option{
		mirror.WithProbeTimeout(config.Duration(cfg.Mirrors.ProbeTimeout, defaultProbeTimeout)),
	}
	if cfg.Mirrors.CountryCode != "" || cfg.Mirrors.TimeZone != "" {
		mirrorOpts = append(mirrorOpts, mirror.WithLocale(cfg.Mirrors.CountryCode, cfg.Mirrors.TimeZone))
	}
	var sinks transfer.Sinks
	if st != nil {
		mirrorOpts = append(mirrorOpts, mirror.WithHistory(st))
		sinks = append(sinks, st)
	}
	if mc != nil {
		sinks = append(sinks, mc)
	}

	return &components{
		transport:  t,
		processors: processors,
		simpleOpts: simple.Options{
			Transport:     t,
			Processors:    processors,
			Logger:        logger,
			MirrorOptions: mirrorOpts,
		},
		compOpts: composite.Options{
			Transport: t,
			Logger:    logger,
		},
		coordinator: transfer.NewCoordinator(transfer.Options{
			Transport:  t,
			Processors: processors,
			Events:     sinks,
			Logger:     logger,
		}),
	}
}

// newRegistry returns a registry that loads simple repositories first and
// composites second.
func newRegistry(c *components, logger *slog.Logger) *repository.Registry {
	reg := repository.NewRegistry(logger, simple.NewFactory(c.simpleOpts))
	c.compOpts.Manager = reg
	reg.AddFactory(composite.NewFactory(c.compOpts))
	return reg
}

// shouldSkipComponentInit checks if a command should skip component initialization
func shouldSkipComponentInit(cmdName string) bool {
	skipInitCmds := map[string]bool{
		"help":     true,
		"version":  true,
		"config":   true,
		"show":     true,
		"validate": true,
	}
	return skipInitCmds[cmdName]
}

// closeStore closes the global store connection
func closeStore() {
	if globalStore != nil {
		if err := globalStore.Close(); err != nil {
			logger.Error("failed to close store", "error", err)
		}
	}
}

// NewRootCmd creates and returns the root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mirrorfed",
		Short: "Mirror-aware artifact retrieval across federated repositories",
		Long: `mirrorfed federates artifact repositories behind a single composite view,
downloads artifacts through the fastest healthy mirror of each repository and
copies them into a local repository, retrying and falling back to other
mirrors and to canonical artifacts when a transfer fails.`,
		Example: `  mirrorfed fetch osgi.bundle/org.example.core/1.2.0
  mirrorfed fetch --id osgi.bundle/org.example.core --range ">= 1.0, < 2.0"
  mirrorfed mirrors --probe
  mirrorfed history --failed
  mirrorfed serve --listen 0.0.0.0:8080`,
		Version:       version,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Initialize logging
			setupLogging()

			// Skip config loading for commands that don't need it
			if shouldSkipConfig(cmd.Name()) {
				return nil
			}

			// Load config
			if cfgPath == "" {
				var err error
				cfgPath, err = config.FindConfigFile()
				if err != nil {
					logger.Warn("config file not found, using defaults", "error", err)
				}
			}

			if cfgPath != "" {
				var err error
				globalCfg, err = config.Load(cfgPath)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
			} else {
				globalCfg = config.DefaultConfig()
			}

			// Override with command-line flags if provided
			if dataDir != "" {
				globalCfg.Server.DataDir = dataDir
			}

			if !quiet {
				logger.Debug("config loaded", "path", cfgPath, "data_dir", globalCfg.Server.DataDir)
			}

			if !shouldSkipComponentInit(cmd.Name()) {
				if err := globalCfg.Validate(); err != nil {
					return fmt.Errorf("invalid config: %w", err)
				}
				if err := initializeComponents(); err != nil {
					return fmt.Errorf("failed to initialize components: %w", err)
				}
			}

			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			closeStore()
		},
	}

	// Add persistent flags
	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (auto-discovered if not specified)")
	cmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "override data directory")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text or json)")
	cmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "suppress non-error output")

	// Add subcommands
	cmd.AddCommand(
		newFetchCmd(),
		newMirrorsCmd(),
		newHistoryCmd(),
		newServeCmd(),
		newConfigCmd(),
	)

	return cmd
}

// parseLevel maps a --log-level value to a slog level
func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// setupLogging initializes the slog logger based on flags
func setupLogging() {
	level := parseLevel(logLevel)
	if quiet {
		level = slog.LevelError
	}

	var handler slog.Handler
	if strings.ToLower(logFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}

	logger = slog.New(handler)
	slog.SetDefault(logger)
}

// shouldSkipConfig checks if a command should skip config loading
func shouldSkipConfig(cmdName string) bool {
	skipConfigCmds := map[string]bool{
		"help":    true,
		"version": true,
	}
	return skipConfigCmds[cmdName]
}
