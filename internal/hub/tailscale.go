// ABOUTME: Tailnet listeners for the agent port and HTTP server via tsnet
// ABOUTME: Ports follow the configured TCP addresses so agents and observers keep the same URLs

package hub

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"
)

const (
	defaultTailnetAgentPort = "9999"
	defaultTailnetHTTPPort  = "80"
)

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "fleet-hub", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// tailnetPort extracts the port of a host:port address, or returns fallback.
func tailnetPort(addr, fallback string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil || port == "" || port == "0" {
		return fallback
	}
	return port
}

// setupTailscaleListeners creates a tsnet server and returns listeners for agents and HTTP.
func (h *Hub) setupTailscaleListeners(ctx context.Context) (agentLn, httpLn net.Listener, err error) {
	tsCfg := h.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	h.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	h.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := h.tsnetServer.Up(ctx)
	if err != nil {
		_ = h.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	h.logTailscaleStatus(tsCfg.Hostname, status)

	agentPort := tailnetPort(h.config.Server.AgentAddr, defaultTailnetAgentPort)
	agentLn, err = h.tsnetServer.Listen("tcp", ":"+agentPort)
	if err != nil {
		_ = h.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale agent port: %w", err)
	}

	httpPort := tailnetPort(h.config.Server.HTTPAddr, defaultTailnetHTTPPort)
	httpLn, err = h.tsnetServer.Listen("tcp", ":"+httpPort)
	if err != nil {
		_ = agentLn.Close()
		_ = h.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}

	return agentLn, httpLn, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (h *Hub) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		h.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	h.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}
