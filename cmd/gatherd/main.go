// gatherd runs the orchestration core as a daemon: event bus, circles,
// background executor, and scheduler, persisted in PostgreSQL, with a
// small operational HTTP surface.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/gatherops/gather/pkg/api"
	"github.com/gatherops/gather/pkg/config"
	"github.com/gatherops/gather/pkg/database"
	"github.com/gatherops/gather/pkg/gather"
	"github.com/gatherops/gather/pkg/store"
	"github.com/gatherops/gather/pkg/version"
)

const shutdownTimeout = 30 * time.Second

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	memoryStore := flag.Bool("memory-store",
		os.Getenv("GATHER_MEMORY_STORE") == "true",
		"Run on the in-memory store instead of PostgreSQL")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	slog.Info("Starting gatherd",
		"version", version.Full(),
		"config_dir", *configDir)

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Initialize the store
	var (
		st       store.Store
		dbClient *database.Client
	)
	if *memoryStore {
		slog.Info("Using in-memory store")
		st = store.NewMemoryStore()
	} else {
		dbConfig, err := database.LoadConfigFromEnv()
		if err != nil {
			slog.Error("Failed to load database config", "error", err)
			os.Exit(1)
		}
		dbClient, err = database.NewClient(ctx, dbConfig)
		if err != nil {
			slog.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := dbClient.Close(); err != nil {
				slog.Error("Error closing database client", "error", err)
			}
		}()
		slog.Info("Connected to PostgreSQL database")
		st = store.NewPostgresStore(dbClient.DB())
	}

	// 3. Assemble the core. The dispatcher and runner resolver come from
	// whatever embeds the daemon; standalone gatherd has no agents of its
	// own, so background steps stay unresolved until callers register
	// them via the executor.
	core := gather.New(cfg, gather.Options{Store: st})

	// 4. Recover orphaned tasks and start the scheduler
	if err := core.Start(ctx); err != nil {
		slog.Error("Failed to start core", "error", err)
		os.Exit(1)
	}

	// 5. Start the operational HTTP server (non-blocking)
	httpServer := api.NewServer(core, dbClient)
	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Start(cfg.Server.Addr); err != nil {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("gatherd started successfully", "addr", cfg.Server.Addr)

	// 6. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 7. Graceful shutdown: scheduler first, then executor drain, then
	// circles, then HTTP.
	core.Shutdown(ctx, shutdownTimeout)

	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
