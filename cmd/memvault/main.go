// Memvault keeps large tool outputs, scraped pages and documents out of an
// agent's context window.
//
// Oversized messages are stored in a content-addressed store and replaced by
// short pointer stubs; the agent pages them back in through the fetch
// gateway, over MCP (stdio) or the HTTP API.
//
// Usage:
//
//	# Serve the HTTP API
//	memvault serve
//
//	# Serve MCP tools over stdio
//	memvault mcp
//
//	# Store and read back a file
//	memvault put --type LOG build.log
//	memvault fetch <memory_id> --lines 1:40
package main

import (
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var (
	// configPath overrides the default config file location.
	configPath string
	// storeRoot overrides store.root from the config.
	storeRoot string
	// logLevel overrides logging.level from the config.
	logLevel string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "memvault",
	Short: "Context offload store for LLM agents",
	Long: `memvault moves oversized messages out of an agent's context window into a
content-addressed store, leaves pointer stubs behind, and serves the content
back in bounded slices.`,
	Version:      version,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/memvault/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&storeRoot, "store", "", "content store directory (overrides store.root)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: trace, debug, info, warn, error")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(putCmd)
	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(statCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		printVersion(cmd.OutOrStdout())
	},
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "memvault %s\n", version)
	fmt.Fprintf(w, "  commit:  %s\n", gitCommit)
	fmt.Fprintf(w, "  built:   %s\n", buildDate)
	fmt.Fprintf(w, "  go:      %s\n", runtime.Version())
}
