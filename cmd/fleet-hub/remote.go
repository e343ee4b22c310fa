// ABOUTME: Commands that talk to a running hub over its HTTP API: health, agents, send
// ABOUTME: The hub URL comes from --hub or the config's http_addr; tokens from --token or FLEET_HUB_TOKEN

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/spf13/cobra"

	"github.com/2389/fleet-hub/internal/config"
	"github.com/2389/fleet-hub/internal/hubclient"
	"github.com/2389/fleet-hub/internal/protocol"
	"github.com/2389/fleet-hub/internal/registry"
	"github.com/2389/fleet-hub/internal/router"
)

const defaultHubURL = "http://localhost:8000"

type remoteFlags struct {
	hubURL string
	token  string
}

func (f *remoteFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.hubURL, "hub", "", "hub base URL (default from config http_addr)")
	cmd.Flags().StringVar(&f.token, "token", "", "access token (default $FLEET_HUB_TOKEN)")
}

func (f *remoteFlags) client() *hubclient.Client {
	token := f.token
	if token == "" {
		token = os.Getenv("FLEET_HUB_TOKEN")
	}
	return hubclient.New(resolveHubURL(f.hubURL), hubclient.Options{Token: token})
}

// resolveHubURL picks the hub URL: explicit flag, then the local config's
// http_addr with wildcard hosts mapped to localhost.
func resolveHubURL(flag string) string {
	if flag != "" {
		return flag
	}
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return defaultHubURL
	}
	return hubURLFromAddr(cfg.Server.HTTPAddr)
}

func hubURLFromAddr(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return defaultHubURL
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func newHealthCmd() *cobra.Command {
	var flags remoteFlags
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check hub health and readiness",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := flags.client()
			if _, err := c.Health(cmd.Context()); err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			color.New(color.FgGreen).Fprintln(cmd.OutOrStdout(), "healthy")

			ready, msg, err := c.Ready(cmd.Context())
			if err != nil {
				return fmt.Errorf("readiness check failed: %w", err)
			}
			if ready {
				fmt.Fprintln(cmd.OutOrStdout(), msg)
			} else {
				color.New(color.FgYellow).Fprintln(cmd.OutOrStdout(), msg)
			}
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func newAgentsCmd() *cobra.Command {
	var (
		flags   remoteFlags
		asJSON  bool
		showLog bool
	)
	cmd := &cobra.Command{
		Use:   "agents [client-id]",
		Short: "List connected agents, or show one agent",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := flags.client()
			out := cmd.OutOrStdout()

			if len(args) == 1 {
				agent, err := c.Agent(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(out, agent)
				}
				printAgent(out, agent, showLog)
				return nil
			}

			agents, err := c.Agents(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(out, agents)
			}
			if len(agents) == 0 {
				fmt.Fprintln(out, "No agents connected.")
				return nil
			}
			renderAgents(out, agents, time.Now())
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	cmd.Flags().BoolVar(&showLog, "logs", false, "include the agent's recent log lines")
	return cmd
}

func renderAgents(w io.Writer, agents []registry.Agent, now time.Time) {
	table := tablewriter.NewTable(w,
		tablewriter.WithHeaderAlignment(tw.AlignLeft),
		tablewriter.WithRowAlignment(tw.AlignLeft),
		tablewriter.WithRendition(tw.Rendition{
			Borders: tw.BorderNone,
			Settings: tw.Settings{
				Lines:      tw.LinesNone,
				Separators: tw.SeparatorsNone,
			},
		}),
		tablewriter.WithPadding(tw.Padding{Left: "", Right: "  "}),
	)
	table.Header([]string{"ID", "STATUS", "HEALTH", "BOT", "TICKET", "LAST SEEN", "ADDRESS"})
	for _, a := range agents {
		_ = table.Append([]string{
			a.ID,
			string(a.Status),
			string(a.Health),
			a.BotID,
			a.Variables[protocol.VarTicketText],
			formatAge(now.Sub(a.LastSeen)),
			a.RemoteAddr,
		})
	}
	_ = table.Render()
}

func printAgent(w io.Writer, a registry.Agent, showLog bool) {
	fmt.Fprintf(w, "ID:         %s\n", a.ID)
	fmt.Fprintf(w, "Status:     %s\n", a.Status)
	fmt.Fprintf(w, "Health:     %s\n", a.Health)
	fmt.Fprintf(w, "Address:    %s\n", a.RemoteAddr)
	fmt.Fprintf(w, "Connected:  %s\n", a.ConnectedAt.Format(time.RFC3339))
	fmt.Fprintln(w, "Variables:")
	for _, name := range protocol.VariableNames {
		value := a.Variables[name]
		if name == protocol.VarAccountPassword && value != protocol.None {
			value = "********"
		}
		fmt.Fprintf(w, "  %-17s %s\n", name, value)
	}
	if showLog {
		fmt.Fprintln(w, "Logs:")
		for _, line := range a.Logs {
			fmt.Fprintf(w, "  %s\n", line)
		}
	}
}

func formatAge(d time.Duration) string {
	switch {
	case d < time.Second:
		return "now"
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
}

func newSendCmd() *cobra.Command {
	var (
		flags remoteFlags
		cmdIn router.Command
	)
	cmd := &cobra.Command{
		Use:   "send <action> [client-id...]",
		Short: "Send an operator command to the hub",
		Long: `Send an operator command to the hub and print its result.

Actions: list_clients, toggle_server, apply_variable, send_login, send_buy,
set_ticket_code, request_status.

Examples:
  fleet-hub send apply_variable CLIENT_1 CLIENT_2 --variable TICKET_URL --value https://...
  fleet-hub send send_login CLIENT_1
  fleet-hub send set_ticket_code --ticket-text "Early Bird" --code EB-2026`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdIn.Action = args[0]
			cmdIn.Clients = args[1:]
			if err := cmdIn.Validate(); err != nil {
				return err
			}

			result, err := flags.client().Execute(cmd.Context(), cmdIn)
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), result)
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&cmdIn.Variable, "variable", "", "variable name for apply_variable")
	cmd.Flags().StringVar(&cmdIn.Value, "value", "", "variable value for apply_variable")
	cmd.Flags().StringVar(&cmdIn.TicketText, "ticket-text", "", "ticket text for set_ticket_code")
	cmd.Flags().StringVar(&cmdIn.Code, "code", "", "unlock code for set_ticket_code")
	return cmd
}

func printResult(w io.Writer, result registry.CommandResult) error {
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	if len(result.Accepted) > 0 {
		green.Fprint(w, "  ✓ ")
		fmt.Fprintf(w, "accepted: %s\n", strings.Join(result.Accepted, ", "))
	}
	if len(result.Rejected) > 0 {
		yellow.Fprint(w, "  ✗ ")
		fmt.Fprintf(w, "rejected: %s\n", strings.Join(result.Rejected, ", "))
	}
	if result.Error != "" {
		return errors.New(result.Error)
	}
	if len(result.Accepted) == 0 && len(result.Rejected) == 0 {
		green.Fprint(w, "  ✓ ")
		fmt.Fprintf(w, "%s done\n", result.Action)
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
