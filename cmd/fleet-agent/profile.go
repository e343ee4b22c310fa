// ABOUTME: Agent profile loading for fleet-agent
// ABOUTME: Loads a TOML profile with ${VAR} expansion and duration parsing

package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/2389/fleet-hub/internal/agentclient"
	"github.com/2389/fleet-hub/internal/config"
)

type Profile struct {
	Hub       HubConfig         `toml:"hub"`
	Agent     AgentConfig       `toml:"agent"`
	Variables map[string]string `toml:"variables"`
	Simulator SimulatorConfig   `toml:"simulator"`
	Logging   LoggingConfig     `toml:"logging"`
}

type HubConfig struct {
	Addr string `toml:"addr"`

	ReconnectDelay    time.Duration `toml:"-"`
	ReconnectDelayRaw string        `toml:"reconnect_delay"`
}

type AgentConfig struct {
	RetryInterval  time.Duration `toml:"-"`
	RequestTimeout time.Duration `toml:"-"`

	RetryIntervalRaw  string `toml:"retry_interval"`
	RequestTimeoutRaw string `toml:"request_timeout"`
}

type SimulatorConfig struct {
	LoginDelay    time.Duration `toml:"-"`
	ReserveDelay  time.Duration `toml:"-"`
	CheckoutDelay time.Duration `toml:"-"`
	ReleaseAfter  int           `toml:"release_after"`
	RequireCode   bool          `toml:"require_code"`
	FailCheckout  bool          `toml:"fail_checkout"`

	LoginDelayRaw    string `toml:"login_delay"`
	ReserveDelayRaw  string `toml:"reserve_delay"`
	CheckoutDelayRaw string `toml:"checkout_delay"`
}

type LoggingConfig struct {
	Level string `toml:"level"`
}

// defaultProfile is used when no profile file exists.
func defaultProfile() *Profile {
	return &Profile{
		Hub: HubConfig{
			Addr:              "localhost:9999",
			ReconnectDelayRaw: "5s",
		},
		Agent: AgentConfig{
			RetryIntervalRaw:  "1s",
			RequestTimeoutRaw: "10s",
		},
		Variables: map[string]string{},
		Simulator: SimulatorConfig{
			LoginDelayRaw:    "500ms",
			ReserveDelayRaw:  "300ms",
			CheckoutDelayRaw: "1s",
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// LoadProfile reads a profile from path. A missing file yields the defaults.
func LoadProfile(path string) (*Profile, error) {
	p := defaultProfile()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("reading profile: %w", err)
	default:
		if _, err := toml.Decode(config.ExpandEnvVars(string(data)), p); err != nil {
			return nil, fmt.Errorf("parsing profile: %w", err)
		}
	}

	if err := p.parseDurations(); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("validating profile: %w", err)
	}
	return p, nil
}

func (p *Profile) parseDurations() error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"hub.reconnect_delay", p.Hub.ReconnectDelayRaw, &p.Hub.ReconnectDelay},
		{"agent.retry_interval", p.Agent.RetryIntervalRaw, &p.Agent.RetryInterval},
		{"agent.request_timeout", p.Agent.RequestTimeoutRaw, &p.Agent.RequestTimeout},
		{"simulator.login_delay", p.Simulator.LoginDelayRaw, &p.Simulator.LoginDelay},
		{"simulator.reserve_delay", p.Simulator.ReserveDelayRaw, &p.Simulator.ReserveDelay},
		{"simulator.checkout_delay", p.Simulator.CheckoutDelayRaw, &p.Simulator.CheckoutDelay},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("%s: %w", f.name, err)
		}
		*f.dst = d
	}
	return nil
}

// Validate checks that required profile fields are present and valid.
func (p *Profile) Validate() error {
	if p.Hub.Addr == "" {
		return errors.New("hub.addr is required")
	}
	if p.Hub.ReconnectDelay < 0 {
		return errors.New("hub.reconnect_delay must not be negative")
	}
	if p.Agent.RetryInterval <= 0 {
		return errors.New("agent.retry_interval must be positive")
	}
	if p.Simulator.ReleaseAfter < 0 {
		return errors.New("simulator.release_after must not be negative")
	}
	return nil
}

// simulator builds the Worker described by the profile.
func (p *Profile) simulator() *agentclient.Simulator {
	return &agentclient.Simulator{
		LoginDelay:    p.Simulator.LoginDelay,
		ReserveDelay:  p.Simulator.ReserveDelay,
		CheckoutDelay: p.Simulator.CheckoutDelay,
		ReleaseAfter:  p.Simulator.ReleaseAfter,
		RequireCode:   p.Simulator.RequireCode,
		FailCheckout:  p.Simulator.FailCheckout,
	}
}
