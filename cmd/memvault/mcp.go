package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/memvault/internal/config"
	"github.com/fyrsmithlabs/memvault/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve MCP tools over stdio",
	Long: `Serve memory_fetch, memory_stat, memory_list and context_turn as MCP tools
over stdin/stdout. Logs go to stderr.

Examples:
  # Register with an MCP client
  memvault mcp --store ~/.cache/memvault`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return runMCP(ctx, cfg)
	},
}

func runMCP(ctx context.Context, cfg *config.Config) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = a.close(context.Background())
	}()

	srv, err := newMCPServer(a)
	if err != nil {
		return err
	}
	a.logger.Info(ctx, "serving MCP over stdio")
	return srv.Run(ctx)
}

func newMCPServer(a *app) (*mcp.Server, error) {
	mcpCfg := mcp.DefaultConfig()
	mcpCfg.Version = version
	mcpCfg.Logger = a.logger.Underlying()
	srv, err := mcp.NewServer(mcpCfg, a.gateway, a.store, a.pipeline)
	if err != nil {
		return nil, fmt.Errorf("creating MCP server: %w", err)
	}
	return srv, nil
}
