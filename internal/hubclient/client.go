// ABOUTME: HTTP client for the hub REST API with retries on transient failures
// ABOUTME: Reads are retried; commands are sent once since they are not idempotent

package hubclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/2389/fleet-hub/internal/protocol"
	"github.com/2389/fleet-hub/internal/registry"
	"github.com/2389/fleet-hub/internal/router"
)

const applicationJSON = "application/json"

// Options configures a Client. Zero values select defaults.
type Options struct {
	// Token is sent as a Bearer token when set.
	Token        string
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	Timeout      time.Duration
}

// APIError is a non-2xx response from the hub.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("hub returned %d: %s", e.StatusCode, e.Message)
}

// Client talks to one hub's HTTP API.
type Client struct {
	baseURL  string
	token    string
	reads    *retryablehttp.Client
	commands *retryablehttp.Client
}

// New creates a client for the hub at baseURL, e.g. "http://localhost:8000".
func New(baseURL string, opts Options) *Client {
	if opts.RetryMax == 0 {
		opts.RetryMax = 3
	}
	if opts.RetryWaitMin <= 0 {
		opts.RetryWaitMin = 200 * time.Millisecond
	}
	if opts.RetryWaitMax <= 0 {
		opts.RetryWaitMax = 2 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	reads := retryablehttp.NewClient()
	reads.RetryMax = opts.RetryMax
	reads.RetryWaitMin = opts.RetryWaitMin
	reads.RetryWaitMax = opts.RetryWaitMax
	reads.HTTPClient.Timeout = opts.Timeout
	reads.CheckRetry = retryPolicy
	reads.ErrorHandler = retryablehttp.PassthroughErrorHandler
	reads.Logger = nil // suppress default logging

	commands := retryablehttp.NewClient()
	commands.RetryMax = 0
	commands.HTTPClient.Timeout = opts.Timeout
	commands.ErrorHandler = retryablehttp.PassthroughErrorHandler
	commands.Logger = nil

	return &Client{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		token:    opts.Token,
		reads:    reads,
		commands: commands,
	}
}

// retryPolicy is the default policy except that 503 is an answer, not an
// outage: the readiness probe uses it to report an empty fleet.
func retryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if err == nil && resp != nil && resp.StatusCode == http.StatusServiceUnavailable {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

// Health returns the body of GET /health.
func (c *Client) Health(ctx context.Context) (string, error) {
	body, err := c.getText(ctx, "/health")
	if err != nil {
		return "", err
	}
	return body, nil
}

// Ready reports whether the hub has at least one agent, with the probe's
// message either way.
func (c *Client) Ready(ctx context.Context) (bool, string, error) {
	body, err := c.getText(ctx, "/health/ready")
	if err == nil {
		return true, body, nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusServiceUnavailable {
		return false, apiErr.Message, nil
	}
	return false, "", err
}

// Agents lists connected agents in connection order.
func (c *Client) Agents(ctx context.Context) ([]registry.Agent, error) {
	var agents []registry.Agent
	if err := c.getJSON(ctx, "/api/agents", &agents); err != nil {
		return nil, err
	}
	return agents, nil
}

// Agent returns one agent by id.
func (c *Client) Agent(ctx context.Context, id string) (registry.Agent, error) {
	var agent registry.Agent
	err := c.getJSON(ctx, "/api/agents/"+url.PathEscape(id), &agent)
	return agent, err
}

// Tickets returns the ticket-code map.
func (c *Client) Tickets(ctx context.Context) (map[string]string, error) {
	var resp struct {
		TicketMap map[string]string `json:"ticket_map"`
	}
	if err := c.getJSON(ctx, "/api/tickets", &resp); err != nil {
		return nil, err
	}
	return resp.TicketMap, nil
}

// ServerStatus returns the hub's activity flag.
func (c *Client) ServerStatus(ctx context.Context) (protocol.ServerStatus, error) {
	var resp struct {
		Status protocol.ServerStatus `json:"status"`
	}
	if err := c.getJSON(ctx, "/api/server", &resp); err != nil {
		return "", err
	}
	return resp.Status, nil
}

// Execute runs an operator command and returns its result.
func (c *Client) Execute(ctx context.Context, cmd router.Command) (registry.CommandResult, error) {
	var result registry.CommandResult

	data, err := json.Marshal(cmd)
	if err != nil {
		return result, fmt.Errorf("marshal command: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/api/commands", bytes.NewReader(data))
	if err != nil {
		return result, err
	}
	req.Header.Set("Content-Type", applicationJSON)

	resp, err := c.commands.Do(req)
	if err != nil {
		return result, fmt.Errorf("post command: %w", err)
	}
	defer resp.Body.Close()

	if err := checkResponse(resp); err != nil {
		return result, err
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return result, fmt.Errorf("decode command result: %w", err)
	}
	return result, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*retryablehttp.Request, error) {
	var rawBody interface{}
	if body != nil {
		rawBody = body
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, rawBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", applicationJSON)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.reads.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", path, err)
	}
	if err := checkResponse(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp, nil
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	resp, err := c.get(ctx, path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) getText(ctx context.Context, path string) (string, error) {
	resp, err := c.get(ctx, path)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(body), nil
}

// checkResponse turns a non-2xx response into an *APIError, using the
// hub's {"error": ...} body when present.
func checkResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	msg := strings.TrimSpace(string(body))

	var jsonErr struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &jsonErr) == nil && jsonErr.Error != "" {
		msg = jsonErr.Error
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}
