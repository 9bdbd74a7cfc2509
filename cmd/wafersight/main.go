// Wafersight server - verifies wafer target presence in a live video feed
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"wafersight/internal/capture"
	"wafersight/internal/config"
	"wafersight/internal/detect"
	"wafersight/internal/reference"
	"wafersight/internal/server"
)

func main() {
	// Setup structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// Build the reference set from disk
	store := reference.NewStore(cfg)
	images, err := reference.LoadDir(cfg.ReferenceDir)
	if err != nil {
		slog.Error("failed to read reference directory", "dir", cfg.ReferenceDir, "error", err)
		os.Exit(1)
	}
	if err := store.Load(context.Background(), images); err != nil {
		slog.Error("failed to load references", "dir", cfg.ReferenceDir, "error", err)
		os.Exit(1)
	}
	reference.CloseAll(images)

	// Open the capture source
	source, err := capture.Open(cfg.Input)
	if err != nil {
		slog.Error("failed to open capture", "input", cfg.Input, "error", err)
		store.Close()
		os.Exit(1)
	}

	// Wire session and runner; the runner owns both from here
	session := detect.NewSession(cfg, store)
	runner := detect.NewRunner(cfg, source, session)
	defer func() { _ = runner.Close() }()

	// Create HTTP/WebSocket server
	srv := server.New(runner)

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("wafersight server starting", "http", cfg.HTTPAddr, "input", cfg.Input, "gate_mode", string(cfg.GateMode))
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}

	runner.Stop()
	slog.Info("shutdown complete")
}
