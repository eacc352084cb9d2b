// Command mindrilld launches the mindrill session orchestration server.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mindrill/mindrill/config"
	"github.com/mindrill/mindrill/internal/bus"
	"github.com/mindrill/mindrill/internal/exercise"
	"github.com/mindrill/mindrill/internal/exercise/script"
	"github.com/mindrill/mindrill/internal/observability"
	"github.com/mindrill/mindrill/internal/orchestrator"
	"github.com/mindrill/mindrill/internal/session"
	"github.com/mindrill/mindrill/internal/telemetry"
	"github.com/mindrill/mindrill/internal/transport"
)

const (
	loggerPrefix        = "mindrilld "
	shutdownTimeout     = 10 * time.Second
	readHeaderTimeout   = 5 * time.Second
	httpShutdownTimeout = 5 * time.Second
)

func main() {
	cfgPath := flag.String("config", "", "path to YAML configuration file")
	scriptDir := flag.String("scripts", "", "directory of JavaScript drill modules to register")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := log.New(os.Stdout, loggerPrefix, log.LstdFlags|log.Lmicroseconds)

	settings := config.Default()
	if *cfgPath != "" {
		loaded, err := config.LoadFile(*cfgPath, settings)
		if err != nil {
			logger.Fatalf("load config: %v", err)
		}
		settings = loaded
		logger.Printf("configuration loaded from %s", *cfgPath)
	}
	settings = config.FromEnv(settings)

	observability.SetLogger(&observability.StdLogger{Verbose: settings.Verbose})

	telemetryCfg := telemetry.DefaultConfig()
	telemetryProvider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}
	if telemetryCfg.Enabled {
		logger.Printf("telemetry exporting to %s", telemetryCfg.OTLPEndpoint)
	}

	registry := exercise.Builtin()
	if *scriptDir != "" {
		count, err := loadScripts(registry, *scriptDir)
		if err != nil {
			logger.Fatalf("load scripts: %v", err)
		}
		logger.Printf("scripted drills registered: %d", count)
	}
	logger.Printf("drill types available: %s", strings.Join(registry.Types(), ", "))

	eventBus := bus.New(bus.Config{QueueSize: settings.Bus.QueueSize})
	eventBus.Start()

	manager := orchestrator.New(eventBus, orchestrator.Config{
		CleanupInterval: settings.Server.CleanupInterval,
		Session: session.Config{
			IdleTimeout:       settings.Server.SessionIdleTimeout,
			InputQueueSize:    settings.Server.InputQueueSize,
			WorkerIdleTimeout: settings.Server.WorkerIdleTimeout,
		},
	})
	manager.Start()

	server := transport.NewServer(manager, registry, eventBus, settings.Server)

	mux := http.NewServeMux()
	mux.Handle("/ws", server)
	httpServer := &http.Server{
		Addr:              settings.Server.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	go func() {
		logger.Printf("listening on %s", settings.Server.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("http server: %v", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Print("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	httpCtx, httpCancel := context.WithTimeout(shutdownCtx, httpShutdownTimeout)
	if err := httpServer.Shutdown(httpCtx); err != nil {
		logger.Printf("http shutdown: %v", err)
	}
	httpCancel()

	server.Shutdown()
	manager.Shutdown()
	eventBus.Close()

	if err := telemetryProvider.Shutdown(shutdownCtx); err != nil {
		logger.Printf("telemetry shutdown: %v", err)
	}

	stats := manager.Stats()
	logger.Printf("shutdown complete: sessions_created=%d clients_served=%d",
		stats.TotalSessionsCreated, stats.TotalClientsConnected)
}

// loadScripts compiles every .js file in dir and registers it under its base
// name.
func loadScripts(registry *exercise.Registry, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".js" {
			continue
		}
		src, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return count, err
		}
		name := strings.TrimSuffix(entry.Name(), ".js")
		program, err := script.Compile(name, string(src))
		if err != nil {
			return count, err
		}
		registry.Register(name, program.Factory())
		count++
	}
	return count, nil
}
