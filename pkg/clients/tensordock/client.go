// Package tensordock is a typed client for the TensorDock marketplace
// REST API. It performs single attempts only: retry policy around
// provider calls belongs to the caller.
package tensordock

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nyc-design/Gamer/pkg/clients"
	"github.com/nyc-design/Gamer/pkg/logging"
)

// Client represents a TensorDock API client
type Client struct {
	baseURL     string
	httpClient  *http.Client
	apiKey      string
	logger      logging.Logger
	retryConfig clients.RetryConfig
}

// Config represents the configuration for the TensorDock client
type Config struct {
	BaseURL     string
	APIKey      string
	Timeout     time.Duration
	Logger      logging.Logger
	RetryConfig *clients.RetryConfig
}

// NewClient creates a new TensorDock API client
func NewClient(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = "https://dashboard.tensordock.com/api/v2"
	}
	if config.Timeout == 0 {
		// Deploys can sit in the provider's scheduler for a while before
		// the API answers.
		config.Timeout = 60 * time.Second
	}

	retryConfig := clients.NoRetryConfig()
	if config.RetryConfig != nil {
		retryConfig = *config.RetryConfig
	}

	return &Client{
		baseURL: config.BaseURL,
		httpClient: &http.Client{
			Timeout:   config.Timeout,
			Transport: clients.ProviderTransport(),
		},
		apiKey:      config.APIKey,
		logger:      config.Logger,
		retryConfig: retryConfig,
	}
}

// APIError is a non-success response from the TensorDock API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tensordock: %s (status %d)", e.Message, e.StatusCode)
}

// Retryable reports whether the failure is transient on the provider side.
func (e *APIError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// HostnodeLocation is the advertised physical location of a hostnode.
type HostnodeLocation struct {
	City    string `json:"city"`
	Region  string `json:"region"`
	Country string `json:"country"`
}

// ResourcePrice is an available resource amount with its hourly price.
type ResourcePrice struct {
	Amount int     `json:"amount"`
	Price  float64 `json:"price"`
}

// HostnodeSpecs lists what a hostnode has available for rent.
type HostnodeSpecs struct {
	CPU     ResourcePrice            `json:"cpu"`
	RAM     ResourcePrice            `json:"ram"`
	Storage ResourcePrice            `json:"storage"`
	GPU     map[string]ResourcePrice `json:"gpu"`
}

// HostnodeStatus carries hostnode availability flags.
type HostnodeStatus struct {
	Online      bool `json:"online"`
	Listed      bool `json:"listed"`
	DedicatedIP bool `json:"dedicated_ip"`
}

// Hostnode is one marketplace machine that can run VMs.
type Hostnode struct {
	ID       string           `json:"id"`
	Location HostnodeLocation `json:"location"`
	Specs    HostnodeSpecs    `json:"specs"`
	Status   HostnodeStatus   `json:"status"`
}

// HostnodeFilter narrows the hostnode listing to machines that can fit
// a deployment. Zero values are not sent.
type HostnodeFilter struct {
	MinVCPUs         int
	MinRAMGB         int
	MinStorageGB     int
	MinGPUCount      int
	MinVRAMGB        int
	RequireDedicated bool
}

// DeployRequest describes the VM to deploy on a hostnode.
type DeployRequest struct {
	HostnodeID  string `json:"hostnode_id"`
	Name        string `json:"name"`
	Image       string `json:"image"`
	VCPUs       int    `json:"vcpus"`
	RAMGB       int    `json:"ram_gb"`
	StorageGB   int    `json:"storage_gb"`
	GPUModel    string `json:"gpu_model,omitempty"`
	GPUCount    int    `json:"gpu_count,omitempty"`
	Password    string `json:"password,omitempty"`
	SSHKey      string `json:"ssh_key,omitempty"`
	CloudInit   string `json:"cloud_init,omitempty"`
	DedicatedIP bool   `json:"dedicated_ip"`
}

// Server is a deployed VM as reported by the API. Status is one of
// active, building, stopped, error, deleted.
type Server struct {
	ID         string  `json:"id"`
	Name       string  `json:"name,omitempty"`
	Status     string  `json:"status"`
	IP         string  `json:"ip,omitempty"`
	HostnodeID string  `json:"hostnode_id,omitempty"`
	CostPerHr  float64 `json:"cost_per_hr,omitempty"`
}

type listHostnodesResponse struct {
	Success   bool                `json:"success"`
	Error     string              `json:"error,omitempty"`
	Hostnodes map[string]Hostnode `json:"hostnodes"`
}

type serverResponse struct {
	Success bool    `json:"success"`
	Error   string  `json:"error,omitempty"`
	Server  *Server `json:"server,omitempty"`
}

type actionResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// ListHostnodes returns marketplace machines matching the filter that
// are online and listed.
func (c *Client) ListHostnodes(ctx context.Context, filter HostnodeFilter) ([]Hostnode, error) {
	httpReq, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/hostnodes", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	q := httpReq.URL.Query()
	if filter.MinVCPUs > 0 {
		q.Set("min_vcpus", fmt.Sprintf("%d", filter.MinVCPUs))
	}
	if filter.MinRAMGB > 0 {
		q.Set("min_ram_gb", fmt.Sprintf("%d", filter.MinRAMGB))
	}
	if filter.MinStorageGB > 0 {
		q.Set("min_storage_gb", fmt.Sprintf("%d", filter.MinStorageGB))
	}
	if filter.MinGPUCount > 0 {
		q.Set("min_gpu_count", fmt.Sprintf("%d", filter.MinGPUCount))
	}
	if filter.MinVRAMGB > 0 {
		q.Set("min_vram_gb", fmt.Sprintf("%d", filter.MinVRAMGB))
	}
	if filter.RequireDedicated {
		q.Set("dedicated_ip", "true")
	}
	httpReq.URL.RawQuery = q.Encode()

	var out listHostnodesResponse
	if err := c.do(ctx, httpReq, &out, func() bool { return out.Success }, func() string { return out.Error }); err != nil {
		return nil, err
	}

	nodes := make([]Hostnode, 0, len(out.Hostnodes))
	for id, node := range out.Hostnodes {
		if !node.Status.Online || !node.Status.Listed {
			continue
		}
		node.ID = id
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// Deploy provisions a new VM and returns it in building state.
func (c *Client) Deploy(ctx context.Context, req DeployRequest) (*Server, error) {
	jsonBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/instances", bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	var out serverResponse
	if err := c.do(ctx, httpReq, &out, func() bool { return out.Success }, func() string { return out.Error }); err != nil {
		return nil, err
	}
	if out.Server == nil {
		return nil, &APIError{StatusCode: http.StatusOK, Message: "deploy response missing server"}
	}
	return out.Server, nil
}

// GetServer fetches the current state of a VM.
func (c *Client) GetServer(ctx context.Context, id string) (*Server, error) {
	httpReq, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/instances/"+id, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	var out serverResponse
	if err := c.do(ctx, httpReq, &out, func() bool { return out.Success }, func() string { return out.Error }); err != nil {
		return nil, err
	}
	if out.Server == nil {
		return nil, &APIError{StatusCode: http.StatusOK, Message: "server response missing server"}
	}
	return out.Server, nil
}

// StartServer powers on a stopped VM.
func (c *Client) StartServer(ctx context.Context, id string) error {
	return c.action(ctx, "POST", "/instances/"+id+"/start")
}

// StopServer powers off a VM, releasing GPU billing but keeping disk.
func (c *Client) StopServer(ctx context.Context, id string) error {
	return c.action(ctx, "POST", "/instances/"+id+"/stop")
}

// DeleteServer destroys a VM permanently.
func (c *Client) DeleteServer(ctx context.Context, id string) error {
	return c.action(ctx, "DELETE", "/instances/"+id)
}

func (c *Client) action(ctx context.Context, method, path string) error {
	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	var out actionResponse
	return c.do(ctx, httpReq, &out, func() bool { return out.Success }, func() string { return out.Error })
}

// do sends the request with auth headers and decodes the JSON envelope.
func (c *Client) do(ctx context.Context, req *http.Request, out interface{}, success func() bool, apiErr func() string) error {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := clients.DoWithRetry(ctx, c.httpClient, req, c.retryConfig)
	if err != nil {
		return fmt.Errorf("failed to call TensorDock: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if c.logger != nil {
			c.logger.WithFields(logging.Fields{
				"status_code": resp.StatusCode,
				"path":        req.URL.Path,
				"response":    string(body),
			}).Warn("TensorDock API error")
		}
		return &APIError{StatusCode: resp.StatusCode, Message: string(body)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if !success() {
		return &APIError{StatusCode: resp.StatusCode, Message: apiErr()}
	}
	return nil
}
