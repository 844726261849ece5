// ABOUTME: Main entry point for the MCP relay
// ABOUTME: Cobra root command with serve, call, and version subcommands

package main

import (
	"errors"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/harper/mcp-relay/internal/config"
	"github.com/harper/mcp-relay/internal/logger"
	"github.com/harper/mcp-relay/internal/xdg"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	configPath string
	verbose    bool
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		logger.Error("%v", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "relay",
		Short:         "Authenticating relay for Model Context Protocol servers",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			logger.SetVerbose(verbose)
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default $XDG_CONFIG_HOME/mcp-relay/config.yaml when present)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(newServeCommand(), newCallCommand(), newVersionCommand())
	return root
}

// loadConfig reads .env from the working directory, then the config file, then
// MCP_RELAY_* overrides.
func loadConfig() (*config.Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Warn("ignoring .env: %v", err)
	}

	path := configPath
	if path == "" {
		if _, err := os.Stat(xdg.DefaultConfigFile()); err == nil {
			path = xdg.DefaultConfigFile()
		}
	}
	if path != "" {
		logger.Debug("loading config from %s", path)
	}
	return config.Load(path)
}
