// UNS Broker
//
// Long-lived Unified Namespace broker process: ingests tagged values from
// configured data connections, maintains the namespace tree, and exposes
// Prometheus metrics.
//
// Usage:
//
//	go run ./cmd/unsbroker serve                          # defaults
//	go run ./cmd/unsbroker serve --config broker.yaml     # config file
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/unsinfra-organization/unsbroker/broker/automapper"
	"github.com/unsinfra-organization/unsbroker/broker/config"
	"github.com/unsinfra-organization/unsbroker/broker/connection"
	"github.com/unsinfra-organization/unsbroker/broker/connection/mqtt"
	"github.com/unsinfra-organization/unsbroker/broker/connection/socketio"
	"github.com/unsinfra-organization/unsbroker/broker/ingestion"
	"github.com/unsinfra-organization/unsbroker/broker/logging"
	"github.com/unsinfra-organization/unsbroker/broker/namespace"
	"github.com/unsinfra-organization/unsbroker/broker/observability"
	"github.com/unsinfra-organization/unsbroker/broker/repository"
	"github.com/unsinfra-organization/unsbroker/broker/storage"
	"github.com/unsinfra-organization/unsbroker/eventbus"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "unsbroker",
		Short: "Unified Namespace broker for industrial telemetry",
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
	serveCmd.Flags().StringVar(&configPath, "config", "", "path to a YAML configuration file")
	rootCmd.AddCommand(serveCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.NewZap(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	logger.Info("unsbroker_starting", "storage_provider", cfg.StorageProvider)

	if cfg.TracingEndpoint != "" {
		shutdown, err := observability.InitTracer("unsbroker", cfg.TracingEndpoint)
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(ctx)
		}()
	}

	// Storage and repositories. The SQLite provider is supplied by the
	// hosting deployment; this runner ships the in-memory provider.
	if cfg.StorageProvider != config.StorageProviderInMemory {
		return fmt.Errorf("storage provider %q is not bundled with this runner", cfg.StorageProvider)
	}
	realtime := storage.NewInMemoryRealtime()
	historical := storage.NewInMemoryHistorical()
	connRepo := repository.NewInMemoryConnectionConfigurations()
	hierRepo := repository.NewInMemoryHierarchyConfigurations()
	instRepo := repository.NewInMemoryNSTreeInstances()
	nsRepo := repository.NewInMemoryNamespaceConfigurations()
	topicRepo := repository.NewInMemoryTopicConfigurations()

	// Event bus with logging + metrics middleware.
	bus := eventbus.NewInMemoryBus(logger)
	bus.AddMiddleware(eventbus.NewLoggingMiddleware(logger))
	bus.AddMiddleware(observability.NewBusMetricsMiddleware())

	// Namespace model and auto-mapper.
	structure := namespace.NewStructureService(hierRepo, instRepo, nsRepo, topicRepo, bus, logger)
	ctx := context.Background()
	if err := structure.Initialize(ctx); err != nil {
		return err
	}
	mapper := automapper.NewService(structure, topicRepo, bus, cfg.PendingTopicCapacity, logger)
	if err := mapper.Start(ctx); err != nil {
		return err
	}

	// Ingestion pipeline.
	pipeline := ingestion.NewPipeline(cfg, realtime, historical, topicRepo, mapper, bus, logger)
	if err := pipeline.Start(ctx); err != nil {
		return err
	}

	// Connection registry and manager. Plugins register once; the registry
	// is static thereafter.
	registry := connection.NewRegistry()
	if err := registry.Register(mqtt.NewDescriptor()); err != nil {
		return err
	}
	if err := registry.Register(socketio.NewDescriptor()); err != nil {
		return err
	}
	manager := connection.NewManager(registry, connRepo, bus, pipeline, cfg, logger)
	if err := manager.Start(ctx); err != nil {
		return err
	}

	// Metrics endpoint.
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{Addr: cfg.MetricsListenAddr, Handler: mux}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics_server_failed", "error", err.Error())
		}
	}()
	logger.Info("unsbroker_ready",
		"metrics_addr", cfg.MetricsListenAddr, "connection_types", registry.Types())

	// Wait for shutdown signal.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutdown_signal_received", "signal", sig.String())

	// Ordered shutdown: stop sources, drain the pipeline, close the bus.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout+cfg.StopTimeout)
	defer cancel()
	manager.Stop(shutdownCtx)
	mapper.Stop()
	_ = pipeline.Stop(shutdownCtx)
	_ = bus.Close(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)
	logger.Info("unsbroker_stopped")
	return nil
}
