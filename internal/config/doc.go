// Package config handles configuration loading for fleet-hub.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from FLEET_HUB_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/fleet/hub.yaml
//  3. ~/.config/fleet/hub.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${FLEET_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	agents:
//	  request_timeout: "10s"
//	  status_poll_interval: "30s"
//
// # Defaults
//
// Any field missing from the file keeps the value from Default(). See
// Template for the full annotated file.
package config
