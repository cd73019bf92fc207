// Dispatchd is the task and phase orchestration daemon.
//
// It owns the task queue, ticket phase progression, and the monitoring
// loops, and exposes them over an HTTP API plus a NATS event feed.
//
// Usage:
//
//	# Start the daemon with defaults
//	dispatchd
//
//	# Point at a config file
//	dispatchd -config /etc/dispatchd/dispatchd.yaml
//
//	# Show version information
//	dispatchd version
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dispatchd/internal/config"
	"github.com/fyrsmithlabs/dispatchd/internal/event"
	dhttp "github.com/fyrsmithlabs/dispatchd/internal/http"
	"github.com/fyrsmithlabs/dispatchd/internal/logging"
	"github.com/fyrsmithlabs/dispatchd/internal/monitor"
	"github.com/fyrsmithlabs/dispatchd/internal/phase"
	"github.com/fyrsmithlabs/dispatchd/internal/queue"
	"github.com/fyrsmithlabs/dispatchd/internal/resolver"
	"github.com/fyrsmithlabs/dispatchd/internal/store"
	"github.com/fyrsmithlabs/dispatchd/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to the config file (default dispatchd.yaml)")
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  dispatchd           Start the dispatchd daemon\n")
			fmt.Fprintf(os.Stderr, "  dispatchd version   Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("Daemon error: %v", err)
	}

	log.Println("Shutdown complete")
}

func printVersion() {
	fmt.Printf("dispatchd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts the daemon and blocks until the context is cancelled.
//
// Initialization order:
//  1. Configuration and logger
//  2. Telemetry export
//  3. Store and phase registry
//  4. NATS (embedded or remote) and the event bus
//  5. Queue, phase, resolver services; the completion hook
//  6. Guardian and conductor loops
//  7. HTTP API
func run(ctx context.Context, configPath string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info(ctx, "starting dispatchd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.HTTPPort),
		zap.String("store", cfg.Store.Path))

	tel, err := telemetry.New(ctx, cfg.Observability, version)
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn(ctx, "telemetry shutdown failed", zap.Error(err))
		}
	}()

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	registryPath := cfg.Phases.RegistryPath
	if registryPath == "" {
		registryPath = "phases.yaml"
	}
	registry, err := phase.LoadRegistry(registryPath)
	if err != nil {
		return fmt.Errorf("load phase registry: %w", err)
	}
	logger.Info(ctx, "phase registry loaded",
		zap.String("path", registryPath),
		zap.Int("phases", len(registry.Definitions())))

	nc, embedded, err := connectNATS(cfg.NATS, logger)
	if err != nil {
		return fmt.Errorf("connect NATS: %w", err)
	}
	defer nc.Close()
	if embedded != nil {
		defer embedded.Shutdown()
	}

	bus := event.NewNATSBus(nc)

	q := queue.NewService(st, registry, bus, logger)
	ph := phase.NewService(st, registry, bus, logger)
	if err := ph.Attach(bus); err != nil {
		return fmt.Errorf("attach completion hook: %w", err)
	}
	res := resolver.New(st)

	guardian := monitor.NewGuardian(st, q, monitor.NewNATSMessenger(nc), bus, logger, monitor.GuardianConfig{
		StaleAfter: cfg.Monitor.HeartbeatStaleAfter,
		NudgeGrace: cfg.Monitor.NudgeGrace,
	})
	conductor := monitor.NewConductor(st, registry, bus, logger, monitor.ConductorConfig{
		MaxActiveWorkers: cfg.Monitor.MaxActiveWorkers,
		BudgetLimit:      cfg.Monitor.BudgetLimit,
		TaskUnitCost:     cfg.Monitor.TaskUnitCost,
	})
	runner := monitor.NewRunner(guardian, conductor, cfg.Monitor.GuardianInterval, cfg.Monitor.ConductorInterval, logger)
	runner.Start(ctx)

	srv, err := dhttp.NewServer(st, q, ph, res, bus, logger, &dhttp.Config{
		Host: "0.0.0.0",
		Port: cfg.Server.HTTPPort,
	})
	if err != nil {
		return fmt.Errorf("create http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn(ctx, "http shutdown failed", zap.Error(err))
	}
	runner.Wait()
	return nil
}

// connectNATS connects to the configured broker, or starts an
// in-process server first when embedded mode is on.
func connectNATS(cfg config.NATSConfig, logger *logging.Logger) (*nats.Conn, *natsserver.Server, error) {
	url := cfg.URL
	var embedded *natsserver.Server

	if cfg.Embedded {
		srv, err := natsserver.NewServer(&natsserver.Options{
			Host:   "127.0.0.1",
			Port:   -1,
			NoLog:  true,
			NoSigs: true,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("create embedded server: %w", err)
		}
		go srv.Start()
		if !srv.ReadyForConnections(10 * time.Second) {
			srv.Shutdown()
			return nil, nil, fmt.Errorf("embedded server not ready")
		}
		embedded = srv
		url = srv.ClientURL()
	}

	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1*time.Second),
	)
	if err != nil {
		if embedded != nil {
			embedded.Shutdown()
		}
		return nil, nil, fmt.Errorf("connect to %s: %w", url, err)
	}

	logger.Info(context.Background(), "connected to NATS",
		zap.String("url", url),
		zap.Bool("embedded", embedded != nil))
	return nc, embedded, nil
}
