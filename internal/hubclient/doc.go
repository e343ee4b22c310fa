// Package hubclient is a small client for the fleet-hub REST API, used by
// the fleet-hub CLI for health checks, agent listings and one-shot commands.
package hubclient
