package mcp

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/verdict/internal/kernel"
)

// Server is an MCP server over a kernel.
type Server struct {
	mcp          *mcp.Server
	kernel       *kernel.Kernel
	metrics      *Metrics
	toolRegistry *ToolRegistry
	logger       *zap.Logger
}

// Config configures the MCP server.
type Config struct {
	// Name is the server implementation name (default: "verdict")
	Name string

	// Version is the server version (default: "1.0.0")
	Version string

	// Logger for structured logging
	Logger *zap.Logger

	// Meter records tool metrics. Defaults to the global meter provider.
	Meter metric.Meter
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "verdict",
		Version: "1.0.0",
		Logger:  zap.NewNop(),
	}
}

// NewServer creates a new MCP server over k.
func NewServer(cfg *Config, k *kernel.Kernel) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if k == nil {
		return nil, fmt.Errorf("kernel is required")
	}
	if cfg.Name == "" {
		cfg.Name = "verdict"
	}
	if cfg.Version == "" {
		cfg.Version = "1.0.0"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		mcp: mcp.NewServer(&mcp.Implementation{
			Name:    cfg.Name,
			Version: cfg.Version,
		}, nil),
		kernel:       k,
		metrics:      newMetrics(cfg.Meter, logger),
		toolRegistry: NewToolRegistry(),
		logger:       logger,
	}

	s.registerTools()
	s.registerSearchTools()
	return s, nil
}

// Tools returns the registry of tools this server exposes.
func (s *Server) Tools() *ToolRegistry {
	return s.toolRegistry
}

// Run starts the MCP server on the stdio transport.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting MCP server on stdio transport")
	if err := s.mcp.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}

// Connect serves a single session over transport. The caller owns the
// returned session.
func (s *Server) Connect(ctx context.Context, transport mcp.Transport) (*mcp.ServerSession, error) {
	return s.mcp.Connect(ctx, transport, nil)
}

// Close releases server resources. The kernel is owned by the caller and
// is not closed.
func (s *Server) Close() error {
	s.logger.Info("closing MCP server")
	return nil
}
