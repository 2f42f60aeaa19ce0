package mcp

import (
	"context"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/fyrsmithlabs/taskflow/internal/logging"
	"github.com/fyrsmithlabs/taskflow/internal/run"
	"github.com/fyrsmithlabs/taskflow/internal/session"
)

// Runner executes goals. *run.Service implements it.
type Runner interface {
	Run(ctx context.Context, goal string) (*run.Response, error)
}

// Config configures the MCP server.
type Config struct {
	// Name is the server implementation name (default: "taskflow").
	Name string

	// Version is the server version (default: "dev").
	Version string

	Logger *logging.Logger

	// MeterProvider defaults to the global provider.
	MeterProvider metric.MeterProvider
}

// DefaultConfig returns the defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "taskflow",
		Version: "dev",
		Logger:  logging.NewNop(),
	}
}

// Server is an MCP server backed by the run service and session store.
type Server struct {
	mcp      *mcp.Server
	runner   Runner
	sessions session.Store
	metrics  *Metrics
	logger   *logging.Logger
}

// NewServer creates a new MCP server.
func NewServer(cfg *Config, runner Runner, sessions session.Store) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if runner == nil {
		return nil, errors.New("runner is required")
	}
	if sessions == nil {
		return nil, errors.New("session store is required")
	}
	name, version := cfg.Name, cfg.Version
	if name == "" {
		name = "taskflow"
	}
	if version == "" {
		version = "dev"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	mp := cfg.MeterProvider
	if mp == nil {
		mp = otel.GetMeterProvider()
	}

	s := &Server{
		mcp:      mcp.NewServer(&mcp.Implementation{Name: name, Version: version}, nil),
		runner:   runner,
		sessions: sessions,
		metrics:  NewMetrics(mp, logger),
		logger:   logger.Named("mcp"),
	}
	s.registerTools()
	return s, nil
}

// Run serves on the stdio transport until ctx is done or the client
// disconnects.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info(ctx, "starting MCP server on stdio transport")
	if err := s.mcp.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}
