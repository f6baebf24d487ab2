// Package agent is a typed client for the in-VM session agent's HTTP
// surface. The supervisor probes each serving host's agent; probes are
// single attempts with a short timeout, and strike counting is the
// caller's job.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nyc-design/Gamer/pkg/clients"
	"github.com/nyc-design/Gamer/pkg/logging"
)

// Client represents an agent API client shared across hosts.
type Client struct {
	httpClient  *http.Client
	logger      logging.Logger
	retryConfig clients.RetryConfig
}

// Config represents the configuration for the agent client
type Config struct {
	Timeout time.Duration
	Logger  logging.Logger
}

// NewClient creates a new agent client.
func NewClient(config Config) *Client {
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Second
	}

	return &Client{
		httpClient: &http.Client{
			Timeout:   config.Timeout,
			Transport: clients.DefaultTransport(),
		},
		logger:      config.Logger,
		retryConfig: clients.NoRetryConfig(),
	}
}

// HealthStatus is the agent's self-reported state.
type HealthStatus struct {
	Status           string     `json:"status"`
	SessionActive    bool       `json:"session_active"`
	ConnectedClients int        `json:"connected_clients"`
	IdleSince        *time.Time `json:"idle_since,omitempty"`
	SessionDurationS int64      `json:"session_duration_s"`
	LastActivity     *time.Time `json:"last_activity,omitempty"`
	AgentVersion     string     `json:"agent_version,omitempty"`
}

// Healthy reports whether the agent considers itself serviceable.
func (h *HealthStatus) Healthy() bool {
	return h != nil && (h.Status == "healthy" || h.Status == "ok")
}

// IdleFor reports how long the agent has been without clients as of
// now. Zero when clients are connected or no idle timestamp is known.
func (h *HealthStatus) IdleFor(now time.Time) time.Duration {
	if h == nil || h.ConnectedClients > 0 || h.IdleSince == nil {
		return 0
	}
	return now.Sub(*h.IdleSince)
}

// Probe fetches agent health from a host address and port.
func (c *Client) Probe(ctx context.Context, address string, port int) (*HealthStatus, error) {
	if address == "" {
		return nil, fmt.Errorf("host has no address")
	}

	u := fmt.Sprintf("http://%s:%d/health", address, port)
	httpReq, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := clients.DoWithRetry(ctx, c.httpClient, httpReq, c.retryConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to reach agent: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("agent health returned status %d", resp.StatusCode)
	}

	var status HealthStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &status, nil
}
