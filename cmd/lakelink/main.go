package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/devrev/lakelink/internal/config"
	"github.com/devrev/lakelink/internal/handler"
	"github.com/devrev/lakelink/internal/health"
	"github.com/devrev/lakelink/internal/metrics"
	"github.com/devrev/lakelink/internal/schema"
	"github.com/devrev/lakelink/internal/server"
	"github.com/devrev/lakelink/internal/service"
	"github.com/devrev/lakelink/internal/storage/catalog"
	"github.com/devrev/lakelink/internal/storage/parquetstats"
)

func main() {
	// Initialize logger
	logger, err := initLogger("info", "json")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.Fatal("Failed to load config", zap.String("path", configPath), zap.Error(err))
	}

	if logger, err = initLogger(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Configuration loaded",
		zap.String("network", cfg.Server.Network),
		zap.String("address", cfg.Server.Address),
		zap.String("scan_scope", cfg.Server.ScanScope),
		zap.String("storage_root", cfg.Storage.Root))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.NewMetrics()

	// Initialize storage
	cat, err := catalog.Open(cfg.Storage.CatalogPath, logger)
	if err != nil {
		logger.Fatal("Failed to open catalog", zap.Error(err))
	}
	defer cat.Close()

	columns := schema.NewPostgresSource(logger)
	defer columns.Close()

	deps := service.LakeDeps{
		Catalog: cat,
		Columns: columns,
		Cardinality: service.NewCardinalityCache(&service.CardinalityCacheConfig{
			TTL:        cfg.Cache.CardinalityTTL,
			MaxEntries: cfg.Cache.MaxEntries,
		}, m, logger),
		Metrics: m,
	}

	if cfg.Backend.CountRows {
		counter, err := parquetstats.NewDuckDBCounter(cfg.StorageOptions(), logger)
		if err != nil {
			logger.Fatal("Failed to initialize row counter", zap.Error(err))
		}
		defer counter.Close()
		deps.Counter = counter
	}

	// Initialize services
	lakeSvc := service.NewLakeService(&service.LakeConfig{
		StorageRoot:     cfg.Storage.Root,
		StorageOptions:  cfg.StorageOptions(),
		StatConcurrency: cfg.Backend.StatConcurrency,
	}, deps, logger)

	var maintenanceSvc *service.MaintenanceService
	if cfg.Maintenance.Enabled {
		maintenanceSvc, err = service.NewMaintenanceService(&service.MaintenanceConfig{
			Schedule:  cfg.Maintenance.Schedule,
			Mode:      cfg.Maintenance.Mode,
			Workers:   cfg.Maintenance.Workers,
			QueueSize: cfg.Maintenance.QueueSize,
			RateLimit: cfg.Maintenance.RateLimit,
		}, lakeSvc, m, logger)
		if err != nil {
			logger.Fatal("Failed to initialize maintenance service", zap.Error(err))
		}
		maintenanceSvc.Start()
	}

	checker := health.NewHealthChecker(&health.HealthCheckConfig{StorageRoot: cfg.Storage.Root}, lakeSvc, logger)
	go checker.Start(ctx)

	var metricsServer *server.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = server.NewMetricsServer(&server.MetricsServerConfig{
			Port: cfg.Metrics.Port,
			Path: cfg.Metrics.Path,
		}, m, checker, logger)
		if err := metricsServer.Start(); err != nil {
			logger.Fatal("Failed to start metrics server", zap.Error(err))
		}
	}

	// Initialize handlers
	lakeHandler := handler.NewLakeHandler(lakeSvc, m, logger)
	scope := service.NewScanScope(cfg.Server.ScanScope, m.AddOpenScans)

	sessionServer := server.NewSessionServer(&server.SessionServerConfig{
		Network:        cfg.Server.Network,
		Address:        cfg.Server.Address,
		MaxConnections: cfg.Server.MaxConnections,
	}, lakeHandler, scope, m, logger)

	// Start listening
	listener, err := server.Listen(cfg.Server.Network, cfg.Server.Address)
	if err != nil {
		logger.Fatal("Failed to listen", zap.Error(err))
	}

	// Handle graceful shutdown
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		logger.Info("Shutting down gracefully...")
		checker.SetDraining(true)

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()
		if err := sessionServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("Failed to shut down session server", zap.Error(err))
		}
	}()

	// Start server
	err = sessionServer.Serve(ctx, listener)
	if err == server.ErrServerClosed {
		<-stopped
	} else if err != nil {
		logger.Error("Session server failed", zap.Error(err))
	}

	if maintenanceSvc != nil {
		if err := maintenanceSvc.Stop(cfg.Server.ShutdownTimeout); err != nil {
			logger.Warn("Maintenance did not stop cleanly", zap.Error(err))
		}
	}
	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Error("Failed to stop metrics server", zap.Error(err))
		}
	}
	cancel()

	logger.Info("lakelink stopped")
}

// initLogger initializes the zap logger
func initLogger(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	config := zap.NewProductionConfig()
	if format == "console" {
		config = zap.NewDevelopmentConfig()
	}
	config.Level = zap.NewAtomicLevelAt(lvl)
	return config.Build()
}
