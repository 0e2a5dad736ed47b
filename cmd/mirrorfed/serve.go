package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/mirrorfed/internal/server"
)

var serveListen string

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve artifacts from the federation over HTTP",
		Long: `Start the HTTP server. Artifacts are fetched through the federation of
configured repositories on request, using the best mirror of each
repository. The server also publishes ranked mirror lists, the transfer
history and Prometheus metrics.

By default, the server listens on the address configured in the config file
(default: 0.0.0.0:8080). Use --listen to override.`,
		Example: `  mirrorfed serve
  mirrorfed serve --listen 127.0.0.1:9000`,
		RunE: serveRun,
	}

	cmd.Flags().StringVar(&serveListen, "listen", "", "address to listen on (host:port)")

	return cmd
}

func serveRun(cmd *cobra.Command, args []string) error {
	if globalCfg == nil || globalComponent == nil {
		return fmt.Errorf("components not initialized")
	}
	listen := serveListen
	if listen == "" {
		listen = globalCfg.Server.Listen
	}

	fed, err := buildFederation(cmd.Context(), globalCfg, globalComponent.compOpts, logger)
	if err != nil {
		return err
	}

	logger.Info("server starting", "listen", listen, "data_dir", globalCfg.Server.DataDir, "repositories", len(fed.Children()))

	srv := server.NewServer(fed, globalRegistry, globalStore, globalMetrics, globalCfg, logger)

	// Channel to listen for errors from server
	errChan := make(chan error, 1)

	go func() {
		fmt.Printf("Starting server on %s...\n", listen)
		if err := srv.Start(listen); err != nil {
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		logger.Info("received shutdown signal", "signal", sig)
		fmt.Println("\nShutting down server...")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		persistMirrorStats(ctx, fed.LoadedChildren())

		fmt.Println("Server stopped gracefully")
	}

	return nil
}
