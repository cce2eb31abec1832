// Node Agent - Terminal server for Simple Agent Manager
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/workspace/node-agent/internal/bootlog"
	"github.com/workspace/node-agent/internal/bootstrap"
	"github.com/workspace/node-agent/internal/config"
	"github.com/workspace/node-agent/internal/logging"
	"github.com/workspace/node-agent/internal/server"
)

func main() {
	logging.Setup()
	log.Println("Starting Node Agent...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	bootstrapCtx, bootstrapCancel := context.WithTimeout(context.Background(), cfg.BootstrapMaxWait+30*time.Second)
	defer bootstrapCancel()

	reporter := bootlog.New(cfg.ControlPlaneURL, cfg.WorkspaceID)
	reporter.SetToken(cfg.CallbackToken)
	if err := bootstrap.Run(bootstrapCtx, cfg, reporter); err != nil {
		log.Fatalf("Bootstrap failed: %v", err)
	}

	log.Printf("Configuration loaded: node=%s workspace=%s port=%d", cfg.NodeID, cfg.WorkspaceID, cfg.Port)

	// Create server
	srv, err := server.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	// The node agent runs until it receives an explicit shutdown signal or the
	// control plane tears it down out-of-band; it never decides on its own to
	// shut the node down for being idle.
	select {
	case err := <-errCh:
		log.Fatalf("Server error: %v", err)
	case sig := <-sigCh:
		log.Printf("Received signal %v, shutting down...", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Stop(ctx); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}

	log.Println("Node Agent stopped")
}
