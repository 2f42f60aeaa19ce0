// Taskflowd runs the taskflow orchestrator behind an HTTP API, or as an MCP
// server on stdio.
//
// Configuration is read from ~/.config/taskflow/config.yaml (or --config)
// with TASKFLOW_* environment overrides.
//
// Usage:
//
//	# Start the HTTP server
//	taskflowd
//
//	# Serve MCP on stdio
//	taskflowd mcp
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskflow/internal/config"
	httpserver "github.com/fyrsmithlabs/taskflow/internal/http"
	"github.com/fyrsmithlabs/taskflow/internal/mcp"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var configPath string

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "taskflowd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "taskflowd",
		Short:         "Multi-step task orchestrator",
		Long:          "taskflowd plans a goal into steps, executes each step with a language model and has a critic review every result.",
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, gitCommit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/taskflow/config.yaml)")
	root.AddCommand(&cobra.Command{
		Use:   "mcp",
		Short: "Serve MCP on stdio",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serveMCP(cmd.Context())
		},
	})
	return root
}

// serve runs the HTTP server until ctx is cancelled, then shuts down
// gracefully.
func serve(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	srv, err := httpserver.NewServer(httpserver.Deps{
		Runner:   a.runs,
		Sessions: a.sessions,
		Logger:   a.logger,
		Metrics:  httpserver.NewHTTPMetrics(a.telemetry.MeterProvider(), a.logger),
		Gatherer: a.registry,
	}, &httpserver.Config{
		Host:    cfg.Server.Host,
		Port:    cfg.Server.Port,
		Version: version,
	})
	if err != nil {
		return fmt.Errorf("creating http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	a.logger.Info(shutdownCtx, "shutdown requested", zap.Duration("timeout", cfg.Server.ShutdownTimeout.Duration()))
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return <-errCh
}

// serveMCP runs the MCP server on stdio. Logs go to stderr.
func serveMCP(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, appOptions{logToStderr: true})
	if err != nil {
		return err
	}
	defer a.Close()

	srv, err := mcp.NewServer(&mcp.Config{
		Name:          "taskflow",
		Version:       version,
		Logger:        a.logger,
		MeterProvider: a.telemetry.MeterProvider(),
	}, a.runs, a.sessions)
	if err != nil {
		return fmt.Errorf("creating mcp server: %w", err)
	}
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
