package main

import (
	"context"
	"embed"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opencommons/commons/pkg/stream"
)

//go:embed config/migrations/*/*.sql
var embedMigrations embed.FS

func main() {
	logger := NewLoggerIPFS("root")
	if len(os.Args) > 1 {
		// If a CLI command is provided, run it and exit
		runCli(logger, os.Args[1])
		return
	}

	config, err := LoadConfig(logger)
	if err != nil {
		logger.Fatal("failed to load configuration", "error", err)
	}

	db, err := ConnectToDB(config.dbConf)
	if err != nil {
		logger.Fatal("Failed to setup database", "error", err)
	}

	metrics := NewMetrics()

	hub := stream.NewHub()
	dispatcher := NewDispatcher(db, hub, logger)
	presence := NewPresenceGuard(db, dispatcher, config.server.PresenceDropWait, logger)
	sessions := NewSessionManager(config.authConf.JWTSigningKey, config.authConf.LoginTokenTTL, config.authConf.OTPTokenTTL)

	tasks := NewTaskService(db, dispatcher, metrics, logger)
	gateway := NewGatewayService(db, dispatcher, metrics, logger)
	discussions := NewDiscussionService(db, dispatcher)

	sweeper := NewTaskSweeper(db, tasks, config.server.SweepInterval, logger)
	sweepCtx, cancelSweep := context.WithCancel(context.Background())
	go sweeper.Start(sweepCtx)

	server := NewServer(db, logger, metrics, sessions, dispatcher, hub, presence, tasks, gateway, discussions, config.gatewayCnf)

	httpServer := &http.Server{
		Addr:    config.server.ListenAddr,
		Handler: server.Routes(),
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:    config.server.MetricsAddr,
		Handler: metricsMux,
	}

	go metrics.RecordMetricsPeriodically(db, logger)

	go func() {
		logger.Info("Prometheus metrics available", "listenAddr", config.server.MetricsAddr, "endpoint", "/metrics")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failure", "error", err)
		}
	}()

	go func() {
		logger.Info("HTTP server available", "listenAddr", config.server.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failure", "error", err)
		}
	}()

	// Wait for shutdown signal.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	cancelSweep()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(ctx); err != nil {
		logger.Error("failed to shut down metrics server", "error", err)
	}

	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("failed to shut down HTTP server", "error", err)
	}

	logger.Info("shutdown complete")
}

func runCli(logger Logger, name string) {
	switch name {
	case "reconcile":
		runReconcileCli(logger)
	case "export-transactions":
		runExportTransactionsCli(logger)
	default:
		logger.Fatal("Unknown CLI command", "name", name)
	}
}
