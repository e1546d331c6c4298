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

	"github.com/mescon/eventpipe/internal/circuitbreaker"
	"github.com/mescon/eventpipe/internal/clock"
	"github.com/mescon/eventpipe/internal/config"
	"github.com/mescon/eventpipe/internal/httpapi"
	"github.com/mescon/eventpipe/internal/logger"
	"github.com/mescon/eventpipe/internal/maintenance"
	"github.com/mescon/eventpipe/internal/metrics"
	"github.com/mescon/eventpipe/internal/notifier"
	"github.com/mescon/eventpipe/internal/pipeline"
	"github.com/mescon/eventpipe/internal/store"
)

const logSeparator = "========================================"

// cliFlags holds all parsed command line flags.
type cliFlags struct {
	showVersion *bool
	httpAddr    *string
	logLevel    *string
	dataDir     *string
}

func parseFlags() cliFlags {
	flags := cliFlags{
		showVersion: flag.Bool("version", false, "Print version and exit"),
		httpAddr:    flag.String("http-addr", "", "HTTP listen address (env: HTTP_ADDR, default: :8080)"),
		logLevel:    flag.String("log-level", "", "Log level: debug, info, warn, error (env: LOG_LEVEL, default: info)"),
		dataDir:     flag.String("data-dir", "", "Data directory path (env: EVENTPIPE_DATA_DIR)"),
	}
	flag.BoolVar(flags.showVersion, "v", false, "Print version and exit (shorthand)")
	flag.Parse()
	return flags
}

func applyFlagOverrides(flags cliFlags) {
	config.ApplyFlags(config.FlagOverrides{
		HTTPAddr: flags.httpAddr,
		LogLevel: flags.logLevel,
		DataDir:  flags.dataDir,
	})
}

func logConfiguration(cfg *config.Config) {
	logger.Infof("Configuration:")
	logger.Infof("  HTTP Address: %s", cfg.HTTPAddr)
	logger.Infof("  Log Level: %s", cfg.LogLevel)
	logger.Infof("  Data Directory: %s", cfg.DataDir)
	logger.Infof("  Database: %s", cfg.DatabasePath)
	logger.Infof("  Log Directory: %s", cfg.LogDir)
	logger.Infof("  Batch Window: %s (max %d, buffer cap %d)", cfg.BatchWindow, cfg.BatchMax, cfg.BufferCap)
	logger.Infof("  Retry Max Attempts: %d", cfg.RetryMaxAttempts)
	logger.Infof("  Transient Log TTL: %s", cfg.TransientTTL)
	logger.Infof("  DLQ Thresholds: warn=%d critical=%d", cfg.DLQWarnThreshold, cfg.DLQCriticalThreshold)
	logger.Infof("  Maintenance Cron: %s", cfg.MaintenanceCron)
	if cfg.AdminAPIKeyHash == "" {
		logger.Warnf("  Admin API: disabled (ADMIN_API_KEY_HASH not configured)")
	} else {
		logger.Infof("  Admin API: enabled")
	}
	if len(cfg.NotifyURLs) == 0 {
		logger.Warnf("  DLQ alerts: no NOTIFY_URLS configured")
	} else {
		logger.Infof("  DLQ alerts: %d channel(s) configured", len(cfg.NotifyURLs))
	}
}

// pipelineConfig translates the flat env-var-derived config.Config into the
// pipeline's own Config shape.
func pipelineConfig(cfg *config.Config) pipeline.Config {
	return pipeline.Config{
		BatchWindow:      cfg.BatchWindow,
		BatchMax:         cfg.BatchMax,
		BufferCap:        cfg.BufferCap,
		PersistWorkers:   cfg.PersistWorkers,
		RetryMaxAttempts: cfg.RetryMaxAttempts,
		RetryDelays:      cfg.RetryDelays,
		DLQWarnThreshold: cfg.DLQWarnThreshold,
		DLQCritThreshold: cfg.DLQCriticalThreshold,
		TransientTTL:     cfg.TransientTTL,
		CircuitBreaker: circuitbreaker.Config{
			FailureThreshold: cfg.CircuitBreakerFailureThreshold,
			ResetTimeout:     cfg.CircuitBreakerOpenDuration,
			SuccessThreshold: circuitbreaker.DefaultConfig().SuccessThreshold,
		},
	}
}

func main() {
	flags := parseFlags()

	if *flags.showVersion {
		fmt.Printf("eventpipe %s\n", config.Version)
		os.Exit(0)
	}

	config.Load()
	applyFlagOverrides(flags)
	cfg := config.Get()

	logger.Init(cfg.LogDir, cfg.LogMaxSizeMB, cfg.LogMaxBackups, cfg.LogMaxAgeDays)
	logger.SetLevel(cfg.LogLevel)

	logger.Infof(logSeparator)
	logger.Infof("Starting eventpipe %s...", config.Version)
	logger.Infof("Real-time deliberation event pipeline")
	logger.Infof(logSeparator)

	logConfiguration(cfg)

	logger.Infof("Opening Permanent Store: %s", cfg.DatabasePath)
	permStore, err := store.Open(cfg.DatabasePath)
	if err != nil {
		logger.Errorf("Failed to open Permanent Store: %v", err)
		os.Exit(1)
	}
	logger.Infof("✓ Permanent Store opened")

	if backupPath, err := permStore.Backup(cfg.DatabasePath); err != nil {
		logger.Errorf("Failed to create startup backup: %v", err)
	} else {
		logger.Infof("✓ Startup backup created: %s", backupPath)
	}

	notifierService := notifier.New(cfg.NotifyURLs)
	metricsService := metrics.New()

	eventPipeline := pipeline.New(permStore, clock.NewRealClock(), pipelineConfig(cfg), notifierService, metricsService)
	eventPipeline.Start(context.Background())
	logger.Infof("✓ Pipeline started (C1-C7)")

	metricsService.Start(context.Background(), eventPipeline, eventPipeline)
	logger.Infof("✓ Metrics poll loop started (C10)")

	maintenanceScheduler := maintenance.New(permStore, cfg.DatabasePath, cfg.MaintenanceCron)
	if err := maintenanceScheduler.Start(); err != nil {
		logger.Errorf("Failed to start maintenance scheduler: %v", err)
	} else {
		logger.Infof("✓ Maintenance scheduler started (C12)")
	}

	httpServer := httpapi.New(httpapi.Deps{
		Pipeline:   eventPipeline,
		Metrics:    metricsService,
		APIKeyHash: cfg.AdminAPIKeyHash,
	})
	go func() {
		if err := httpServer.Start(cfg.HTTPAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("HTTP operator adapter failed: %v", err)
			os.Exit(1)
		}
	}()

	logger.Infof(logSeparator)
	logger.Infof("✓ eventpipe %s started successfully", config.Version)
	logger.Infof("✓ Operator adapter listening on %s", cfg.HTTPAddr)
	logger.Infof(logSeparator)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Infof(logSeparator)
	logger.Infof("Shutting down eventpipe...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	logger.Infof("Stopping HTTP operator adapter...")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("HTTP operator adapter shutdown error: %v", err)
	} else {
		logger.Infof("✓ HTTP operator adapter stopped")
	}

	logger.Infof("Stopping maintenance scheduler...")
	maintenanceScheduler.Stop()
	logger.Infof("✓ Maintenance scheduler stopped")

	logger.Infof("Stopping metrics poll loop...")
	metricsService.Stop()
	logger.Infof("✓ Metrics poll loop stopped")

	logger.Infof("Stopping pipeline (final flush)...")
	eventPipeline.Shutdown()
	logger.Infof("✓ Pipeline stopped")

	logger.Infof("Closing Permanent Store...")
	if err := permStore.Close(); err != nil {
		logger.Errorf("Failed to close Permanent Store: %v", err)
	}

	logger.Infof(logSeparator)
	logger.Infof("✓ eventpipe shutdown complete")
	logger.Infof(logSeparator)
}
