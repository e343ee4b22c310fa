// ABOUTME: Entry point for fleet-agent, a simulated agent that obeys the hub's control protocol
// ABOUTME: Usage: fleet-agent [--profile agent.toml] [--hub host:9999] [--bot-id NAME]

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/fleet-hub/internal/agentclient"
	"github.com/2389/fleet-hub/internal/protocol"
)

// requiredVariables must be set before a login can succeed.
var requiredVariables = []string{
	protocol.VarAccountEmail,
	protocol.VarAccountPassword,
	protocol.VarTicketURL,
}

// getProfilePath returns the path to the agent profile.
// Priority: FLEET_AGENT_PROFILE env var > XDG_CONFIG_HOME/fleet/agent.toml > ~/.config/fleet/agent.toml
func getProfilePath() string {
	if envPath := os.Getenv("FLEET_AGENT_PROFILE"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "agent.toml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "fleet", "agent.toml")
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var profilePath, hubAddr, botID string

	cmd := &cobra.Command{
		Use:           "fleet-agent",
		Short:         "Simulated fleet agent",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if profilePath == "" {
				profilePath = getProfilePath()
			}
			profile, err := LoadProfile(profilePath)
			if err != nil {
				return fmt.Errorf("loading profile from %s: %w", profilePath, err)
			}
			if hubAddr != "" {
				profile.Hub.Addr = hubAddr
			}
			if botID != "" {
				profile.Variables[protocol.VarBotID] = botID
			}
			return run(cmd.Context(), profile)
		},
	}
	cmd.Flags().StringVarP(&profilePath, "profile", "p", "", "agent profile (default $FLEET_AGENT_PROFILE or ~/.config/fleet/agent.toml)")
	cmd.Flags().StringVar(&hubAddr, "hub", "", "hub agent address, overrides hub.addr")
	cmd.Flags().StringVar(&botID, "bot-id", "", "BOT_ID variable, overrides the profile")
	return cmd
}

func run(ctx context.Context, profile *Profile) error {
	logger := setupLogger(profile.Logging.Level)

	green := color.New(color.FgGreen)
	green.Print("▶ ")
	fmt.Printf("Hub:     %s\n", profile.Hub.Addr)
	if bot := profile.Variables[protocol.VarBotID]; bot != "" {
		green.Print("▶ ")
		fmt.Printf("Bot:     %s\n", bot)
	}
	fmt.Println()

	worker := profile.simulator()
	for {
		err := connectOnce(ctx, profile, worker, logger)
		if ctx.Err() != nil {
			return nil
		}
		if profile.Hub.ReconnectDelay == 0 {
			return err
		}
		logger.Warn("disconnected from hub", "error", err, "retry_in", profile.Hub.ReconnectDelay)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(profile.Hub.ReconnectDelay):
		}
	}
}

func connectOnce(ctx context.Context, profile *Profile, worker agentclient.Worker, logger *slog.Logger) error {
	client, err := agentclient.Dial(ctx, profile.Hub.Addr, agentclient.Options{
		Logger:         logger,
		Worker:         worker,
		Variables:      profile.Variables,
		RetryInterval:  profile.Agent.RetryInterval,
		RequestTimeout: profile.Agent.RequestTimeout,
	})
	if err != nil {
		return err
	}
	logger.Info("connected to hub", "addr", profile.Hub.Addr)

	if err := client.SetStatus(initialStatus(profile.Variables)); err != nil {
		_ = client.Close()
		return fmt.Errorf("reporting status: %w", err)
	}

	err = client.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// initialStatus is READY_TO_LOGIN when the profile carries everything a
// login needs, WAITING_FOR_VARIABLES otherwise.
func initialStatus(vars map[string]string) protocol.Status {
	for _, name := range requiredVariables {
		if v, ok := vars[name]; !ok || v == "" || v == protocol.None {
			return protocol.StatusWaitingForVariables
		}
	}
	return protocol.StatusReadyToLogin
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
}
