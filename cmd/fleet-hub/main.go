// ABOUTME: Entry point for the fleet-hub control server and its operator CLI
// ABOUTME: Subcommands: serve, init, token, health, agents, send

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags.
var version = "dev"

const banner = `
   __ _           _        _           _
  / _| | ___  ___| |_     | |__  _   _| |__
 | |_| |/ _ \/ _ \ __|____| '_ \| | | | '_ \
 |  _| |  __/  __/ ||_____| | | | |_| | |_) |
 |_| |_|\___|\___|\__|    |_| |_|\__,_|_.__/
`

var configFlag string

var rootCmd = &cobra.Command{
	Use:           "fleet-hub",
	Short:         "Control hub for a fleet of ticketing agents",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "config file (default $FLEET_HUB_CONFIG or ~/.config/fleet/hub.yaml)")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newInitCmd())
	rootCmd.AddCommand(newTokenCmd())
	rootCmd.AddCommand(newHealthCmd())
	rootCmd.AddCommand(newAgentsCmd())
	rootCmd.AddCommand(newSendCmd())
}

// getConfigPath returns the path to the hub config file.
// Priority: --config flag > FLEET_HUB_CONFIG env var > XDG_CONFIG_HOME/fleet/hub.yaml > ~/.config/fleet/hub.yaml
func getConfigPath() string {
	if configFlag != "" {
		return configFlag
	}
	if envPath := os.Getenv("FLEET_HUB_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "hub.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "fleet", "hub.yaml")
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
