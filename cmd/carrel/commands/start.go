package commands

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/carrelhq/carrel/internal/logger"
	"github.com/carrelhq/carrel/internal/telemetry"
	"github.com/carrelhq/carrel/pkg/api"
	"github.com/carrelhq/carrel/pkg/api/handlers"
	"github.com/carrelhq/carrel/pkg/api/session"
	"github.com/carrelhq/carrel/pkg/capability"
	"github.com/carrelhq/carrel/pkg/config"
	"github.com/carrelhq/carrel/pkg/metrics"
	promext "github.com/carrelhq/carrel/pkg/metrics/prometheus"
	"github.com/carrelhq/carrel/pkg/ratelimit"
	"github.com/carrelhq/carrel/pkg/store"
	"github.com/carrelhq/carrel/pkg/webhook"
)

var (
	foreground bool
	pidFile    string
	logFile    string
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the carrel server",
	Long: `Start the carrel server with the specified configuration.

By default, the server runs in the background (daemon mode). Use --foreground
to run in the foreground for debugging or when managed by a process supervisor.

Use --config to specify a custom configuration file, or it will use the
default location at ~/.carrel/config.yaml.

Examples:
  # Start in background (default)
  carrel start

  # Start in foreground
  carrel start --foreground

  # Start with custom config file
  carrel start --config /etc/carrel/config.yaml

  # Start with environment variable overrides
  CARREL_LOGGING_LEVEL=DEBUG carrel start --foreground`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().BoolVarP(&foreground, "foreground", "f", false, "Run in foreground (default: background/daemon mode)")
	startCmd.Flags().StringVar(&pidFile, "pid-file", "", "Path to PID file (default: $XDG_STATE_HOME/carrel/carrel.pid)")
	startCmd.Flags().StringVar(&logFile, "log-file", "", "Path to log file for daemon mode (default: $XDG_STATE_HOME/carrel/carrel.log)")
}

func runStart(cmd *cobra.Command, args []string) error {
	// Handle daemon mode (background)
	if !foreground {
		return startDaemon()
	}

	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	// Initialize the structured logger
	if err := InitLogger(cfg); err != nil {
		return err
	}

	// Create cancellable context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize OpenTelemetry (if enabled)
	telemetryCfg := telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "carrel",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRate:     cfg.Telemetry.SampleRate,
	}
	telemetryShutdown, err := telemetry.Init(ctx, telemetryCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := telemetryShutdown(ctx); err != nil {
			logger.Error("telemetry shutdown error", "error", err)
		}
	}()

	// Initialize Pyroscope profiling (if enabled)
	profilingCfg := telemetry.ProfilingConfig{
		Enabled:        cfg.Telemetry.Profiling.Enabled,
		ServiceName:    "carrel",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Profiling.Endpoint,
		ProfileTypes:   cfg.Telemetry.Profiling.ProfileTypes,
	}
	profilingShutdown, err := telemetry.InitProfiling(profilingCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize profiling: %w", err)
	}
	defer func() {
		if err := profilingShutdown(); err != nil {
			logger.Error("profiling shutdown error", "error", err)
		}
	}()

	logger.Info("Log level", "level", cfg.Logging.Level, "format", cfg.Logging.Format)
	logger.Info("Configuration loaded", "source", getConfigSource(GetConfigFile()))

	// Initialize the store
	st, err := store.New(&cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer func() { _ = st.Close() }()
	logger.Info("Store initialized", "type", cfg.Store.Type)

	// Metrics registry and server (if enabled)
	deps := api.RouterDeps{
		Store:          st,
		Resolver:       capability.NewResolver(st),
		Limits:         serverLimits(cfg),
		PublicURL:      cfg.Server.PublicURL,
		IdempotencyTTL: cfg.Retention.Idempotency,
	}

	var metricsServer *metricsListener
	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		if db, err := st.DB().DB(); err == nil {
			metrics.RegisterDBStats(db, string(cfg.Store.Type))
		}
		deps.Metrics = promext.NewAPIMetrics()
		metricsServer = newMetricsListener(cfg.Metrics.Host, cfg.Metrics.Port)
		logger.Info("Metrics enabled", "port", cfg.Metrics.Port)
	} else {
		logger.Info("Metrics collection disabled")
	}

	// Webhook delivery journal and dispatcher
	journal, err := openJournal(cfg.Webhooks.JournalPath)
	if err != nil {
		return fmt.Errorf("failed to open webhook journal: %w", err)
	}
	defer func() { _ = journal.Close() }()

	var webhookMetrics webhook.Metrics
	if cfg.Metrics.Enabled {
		webhookMetrics = promext.NewWebhookMetrics()
	}
	dispatcher := webhook.NewDispatcher(st, journal, webhookMetrics, cfg.Webhooks.DispatcherConfig())
	dispatcher.Start(ctx)
	defer dispatcher.Stop(cfg.ShutdownTimeout)
	dispatcher.Recover(ctx)
	deps.Dispatcher = dispatcher
	deps.Journal = journal

	// Token buckets for the planes and for bootstrap
	if cfg.RateLimit.Enabled {
		keyLimiter := ratelimit.New(ratelimit.Config{PerMinute: cfg.RateLimit.PerMinute})
		ipLimiter := ratelimit.New(ratelimit.Config{PerMinute: cfg.RateLimit.BootstrapPerMinute})
		keyLimiter.Start(ctx)
		ipLimiter.Start(ctx)
		defer keyLimiter.Stop(cfg.ShutdownTimeout)
		defer ipLimiter.Stop(cfg.ShutdownTimeout)
		deps.KeyLimiter = keyLimiter
		deps.IPLimiter = ipLimiter
		logger.Info("Rate limiting enabled",
			"per_minute", cfg.RateLimit.PerMinute,
			"bootstrap_per_minute", cfg.RateLimit.BootstrapPerMinute)
	}

	// Claim sessions need a signing secret; without one claiming is off
	if cfg.Session.Secret != "" {
		sessions, err := session.New(session.Config{
			Secret:   cfg.Session.Secret,
			Issuer:   cfg.Session.Issuer,
			Audience: cfg.Session.Audience,
			TTL:      cfg.Session.TTL,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize sessions: %w", err)
		}
		deps.Sessions = sessions
	} else {
		logger.Warn("No session secret configured, workspace claiming is disabled")
	}

	// Soft-delete and idempotency reaper
	reaper := store.NewReaper(st, store.ReaperConfig{
		Interval:       cfg.Retention.ReaperInterval,
		IdempotencyTTL: cfg.Retention.Idempotency,
	})
	reaper.Start(ctx)
	defer reaper.Stop(cfg.ShutdownTimeout)

	server := api.NewServer(cfg.Server, deps)
	logger.Info("API server configured", "port", server.Port())

	// Write PID file if specified
	if pidFile != "" {
		if err := os.WriteFile(pidFile, []byte(fmt.Sprintf("%d", os.Getpid())), 0644); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() { _ = os.Remove(pidFile) }()
	}

	// Start servers in background
	serverDone := make(chan error, 1)
	go func() {
		serverDone <- server.Start(ctx)
	}()
	if metricsServer != nil {
		metricsServer.start(ctx)
		defer metricsServer.stop(cfg.ShutdownTimeout)
	}

	// Wait for interrupt signal or server error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Server is running. Press Ctrl+C to stop.")

	select {
	case <-sigChan:
		signal.Stop(sigChan)
		logger.Info("Shutdown signal received, initiating graceful shutdown")
		cancel()

		// Wait for server to shut down gracefully
		if err := <-serverDone; err != nil {
			logger.Error("Server shutdown error", "error", err)
			return err
		}
		logger.Info("Server stopped gracefully")

	case err := <-serverDone:
		signal.Stop(sigChan)
		if err != nil {
			logger.Error("Server error", "error", err)
			return err
		}
		logger.Info("Server stopped")
	}

	return nil
}

// serverLimits converts the config section into the handlers' limit set.
func serverLimits(cfg *config.Config) handlers.Limits {
	return handlers.Limits{
		MaxFileBytes:    int64(cfg.Limits.MaxFileBytes),
		MaxAppendBytes:  int64(cfg.Limits.MaxAppendBytes),
		MaxExportBytes:  int64(cfg.Limits.MaxExportBytes),
		MaxBodyBytes:    int64(cfg.Limits.MaxBodyBytes),
		MaxBatchAppends: cfg.Limits.MaxBatchAppends,
		MaxBulkFiles:    cfg.Limits.MaxBulkFiles,
	}
}

// openJournal opens the badger-backed delivery journal, or an in-memory one
// when no path is configured.
func openJournal(path string) (*webhook.Journal, error) {
	if path == "" {
		logger.Warn("No webhook journal path configured, deliveries will not survive restarts")
		return webhook.OpenJournalInMemory()
	}
	return webhook.OpenJournal(path)
}

// startDaemon starts the server as a background daemon process.
func startDaemon() error {
	stateDir := GetDefaultStateDir()

	// Create state directory if it doesn't exist
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	// Set default PID file if not specified
	pidPath := pidFile
	if pidPath == "" {
		pidPath = filepath.Join(stateDir, "carrel.pid")
	}

	// Check if already running
	if _, err := os.Stat(pidPath); err == nil {
		pidData, err := os.ReadFile(pidPath)
		if err == nil {
			var pid int
			if _, err := fmt.Sscanf(string(pidData), "%d", &pid); err == nil {
				// Check if process is still running
				if process, err := os.FindProcess(pid); err == nil {
					if err := process.Signal(syscall.Signal(0)); err == nil {
						return fmt.Errorf("carrel is already running (PID %d)\nUse 'carrel stop' to stop the running instance", pid)
					}
				}
			}
		}
		// Stale PID file, remove it
		_ = os.Remove(pidPath)
	}

	// Set default log file if not specified
	logPath := logFile
	if logPath == "" {
		logPath = filepath.Join(stateDir, "carrel.log")
	}

	// Get the executable path
	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	// Build arguments for the daemon process
	daemonArgs := []string{"start", "--foreground", "--pid-file", pidPath}
	if GetConfigFile() != "" {
		daemonArgs = append(daemonArgs, "--config", GetConfigFile())
	}

	// Create the daemon process
	cmd := exec.Command(executable, daemonArgs...)

	// Open log file for stdout/stderr
	logFileHandle, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	cmd.Stdout = logFileHandle
	cmd.Stderr = logFileHandle

	// Detach from parent process
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}

	// Start the daemon
	if err := cmd.Start(); err != nil {
		_ = logFileHandle.Close()
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	_ = logFileHandle.Close()

	fmt.Printf("carrel started in background (PID %d)\n", cmd.Process.Pid)
	fmt.Printf("  PID file: %s\n", pidPath)
	fmt.Printf("  Log file: %s\n", logPath)
	fmt.Println("\nUse 'carrel stop' to stop the server")
	fmt.Println("Use 'carrel status' to check server status")

	return nil
}
