// Package main is the entry point for the gateway admission core. It exposes
// authentication, token lifecycle and admission checks over a small HTTP API
// so data-plane components can call into the core.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vyrodovalexey/avauthgw/internal/auth/identity"
	"github.com/vyrodovalexey/avauthgw/internal/config"
	"github.com/vyrodovalexey/avauthgw/internal/observability"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	configPath := flag.String("config", envOrDefault("AVAUTHGW_CONFIG_PATH", "configs/authgw.yaml"),
		"Path to configuration file")
	logLevel := flag.String("log-level", envOrDefault("AVAUTHGW_LOG_LEVEL", "info"),
		"Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", envOrDefault("AVAUTHGW_LOG_FORMAT", "json"),
		"Log format (json, console)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("avauthgw version %s\n", version)
		fmt.Printf("  Build time: %s\n", buildTime)
		fmt.Printf("  Git commit: %s\n", gitCommit)
		return
	}

	logger, err := observability.NewLogger(observability.LogConfig{
		Level:  *logLevel,
		Format: *logFormat,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	observability.SetGlobalLogger(logger)

	logger.Info("starting avauthgw",
		observability.String("version", version),
		observability.String("config", *configPath),
	)

	if err := run(*configPath, logger); err != nil {
		logger.Error("fatal error", observability.Error(err))
		os.Exit(1)
	}
}

func run(configPath string, logger observability.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	app, err := newApplication(cfg, logger)
	if err != nil {
		return err
	}
	defer app.close()

	if err := bootstrapUsers(app.identity, logger); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	watcher, err := config.NewWatcher(configPath, app.applyConfig,
		config.WithWatcherLogger(logger))
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	if err := watcher.Start(ctx); err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	defer func() { _ = watcher.Stop() }()

	apiServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           app.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsServer := &http.Server{
		Addr:              cfg.Server.MetricsAddr,
		Handler:           metricsMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("admission api listening", observability.String("addr", apiServer.Addr))
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()
	go func() {
		logger.Info("metrics listening", observability.String("addr", metricsServer.Addr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
		cfg.Server.ShutdownTimeout.Duration())
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api server shutdown", observability.Error(err))
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server shutdown", observability.Error(err))
	}

	logger.Info("shutdown complete")
	return nil
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// bootstrapUsers seeds the in-memory identity store from the environment so
// the demo deployment has a first login. Production deployments replace the
// identity store entirely.
func bootstrapUsers(ids *identity.MemoryStore, logger observability.Logger) error {
	username := os.Getenv("AVAUTHGW_BOOTSTRAP_USER")
	password := os.Getenv("AVAUTHGW_BOOTSTRAP_PASSWORD")
	if username == "" || password == "" {
		return nil
	}

	err := ids.AddUser(identity.Principal{
		UserID:      "bootstrap-" + username,
		Username:    username,
		Roles:       []string{"admin"},
		Permissions: []string{"*"},
	}, password)
	if err != nil {
		return fmt.Errorf("bootstrap user: %w", err)
	}

	logger.Info("bootstrap user registered", observability.String("username", username))
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
