// Package mcp exposes the content store, the fetch gateway and the turn
// pipeline as MCP tools.
package mcp

import (
	"context"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memvault/internal/fetch"
	"github.com/fyrsmithlabs/memvault/internal/memstore"
	"github.com/fyrsmithlabs/memvault/internal/pipeline"
)

// Store is the part of the content store the listing tools read.
type Store interface {
	List(ctx context.Context, filter memstore.ListFilter) ([]*memstore.Object, error)
	Stats(ctx context.Context) (*memstore.Stats, error)
}

// Server is an MCP server over the memvault components.
type Server struct {
	mcp      *mcp.Server
	gateway  *fetch.Gateway
	store    Store
	pipeline *pipeline.Pipeline
	registry *ToolRegistry
	metrics  *Metrics
	config   *Config
	logger   *zap.Logger
}

// Config configures the MCP server.
type Config struct {
	// Name is the server implementation name (default: "memvault").
	Name string

	// Version is the server version (default: "dev").
	Version string

	// ListLimit caps memory_list results when the caller gives no limit.
	ListLimit int

	Logger *zap.Logger
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:      "memvault",
		Version:   "dev",
		ListLimit: 50,
		Logger:    zap.NewNop(),
	}
}

// NewServer creates a server and registers its tools. The pipeline is
// optional; without it context_turn is not offered.
func NewServer(cfg *Config, gateway *fetch.Gateway, store Store, p *pipeline.Pipeline) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if gateway == nil {
		return nil, errors.New("fetch gateway is required")
	}
	if store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Name == "" {
		cfg.Name = "memvault"
	}
	if cfg.ListLimit <= 0 {
		cfg.ListLimit = DefaultConfig().ListLimit
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("mcp")

	s := &Server{
		mcp:      mcp.NewServer(&mcp.Implementation{Name: cfg.Name, Version: cfg.Version}, nil),
		gateway:  gateway,
		store:    store,
		pipeline: p,
		registry: NewToolRegistry(),
		metrics:  NewMetrics(logger),
		config:   cfg,
		logger:   logger,
	}
	s.registerTools()
	return s, nil
}

// Registry returns the registered tool metadata.
func (s *Server) Registry() *ToolRegistry {
	return s.registry
}

// Run serves on stdio until ctx is done or the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting MCP server on stdio transport", zap.Int("tools", s.registry.Count()))
	if err := s.mcp.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}

// Connect serves a single session on t. Used for in-process clients.
func (s *Server) Connect(ctx context.Context, t mcp.Transport) (*mcp.ServerSession, error) {
	return s.mcp.Connect(ctx, t, nil)
}
