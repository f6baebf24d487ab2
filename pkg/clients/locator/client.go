// Package locator is a typed client for the region location finder, a
// sidecar service that resolves named cloud regions (for example
// "us-central1") to coordinates. Callers fall back to a static table
// when the finder is unreachable.
package locator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/nyc-design/Gamer/pkg/clients"
	"github.com/nyc-design/Gamer/pkg/logging"
)

// Client represents a location finder API client
type Client struct {
	baseURL      string
	httpClient   *http.Client
	project      string
	serviceToken string
	logger       logging.Logger
	retryConfig  clients.RetryConfig
}

// Config represents the configuration for the location finder client
type Config struct {
	BaseURL              string
	Project              string // finder project scope, sent with every query
	ServiceToken         string
	Timeout              time.Duration
	Logger               logging.Logger
	RetryConfig          *clients.RetryConfig
	CircuitBreakerConfig *clients.CircuitBreakerConfig
}

// NewClient creates a new location finder client. Returns nil when no
// base URL is configured; callers treat a nil client as "finder absent".
func NewClient(config Config) *Client {
	if config.BaseURL == "" {
		return nil
	}
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Second
	}

	retryConfig := clients.DefaultRetryConfig()
	retryConfig.MaxRetries = 1
	if config.RetryConfig != nil {
		retryConfig = *config.RetryConfig
	}

	// A breaker keeps a dead finder from stalling every placement on
	// timeouts; open-circuit failures hit the static fallback at once.
	if config.CircuitBreakerConfig != nil {
		retryConfig.CircuitBreaker = clients.NewCircuitBreaker(*config.CircuitBreakerConfig)
	}

	return &Client{
		baseURL: config.BaseURL,
		httpClient: &http.Client{
			Timeout:   config.Timeout,
			Transport: clients.DefaultTransport(),
		},
		project:      config.Project,
		serviceToken: config.ServiceToken,
		logger:       config.Logger,
		retryConfig:  retryConfig,
	}
}

// RegionLocation is a named region resolved to a coordinate.
type RegionLocation struct {
	Region   string  `json:"region"`
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
	Provider string  `json:"provider,omitempty"`
}

// Nearest returns regions ordered by proximity to the given coordinate.
// Any failure (transport, non-2xx, bad payload) is returned as an error;
// callers fall back to their static table.
func (c *Client) Nearest(ctx context.Context, lat, lon float64, limit int) ([]RegionLocation, error) {
	if c == nil {
		return nil, fmt.Errorf("location finder not configured")
	}
	if limit <= 0 {
		limit = 5
	}

	params := url.Values{
		"proximity": {fmt.Sprintf("%f,%f", lat, lon)},
		"limit":     {fmt.Sprintf("%d", limit)},
	}
	if c.project != "" {
		params.Set("project", c.project)
	}
	u := c.baseURL + "/regions?" + params.Encode()
	httpReq, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.serviceToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.serviceToken)
	}

	resp, err := clients.DoWithRetry(ctx, c.httpClient, httpReq, c.retryConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to call location finder: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if c.logger != nil {
			c.logger.WithFields(logging.Fields{
				"status_code": resp.StatusCode,
			}).Warn("Location finder proximity query failed")
		}
		return nil, fmt.Errorf("location finder failed with status %d", resp.StatusCode)
	}

	var regions []RegionLocation
	if err := json.NewDecoder(resp.Body).Decode(&regions); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return regions, nil
}

// Locate resolves a named region. Returns nil, nil when the finder does
// not know the region; an error means the finder itself is unavailable.
func (c *Client) Locate(ctx context.Context, region string) (*RegionLocation, error) {
	if c == nil {
		return nil, fmt.Errorf("location finder not configured")
	}

	u := c.baseURL + "/regions/" + url.PathEscape(region)
	if c.project != "" {
		u += "?" + url.Values{"project": {c.project}}.Encode()
	}
	httpReq, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.serviceToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.serviceToken)
	}

	resp, err := clients.DoWithRetry(ctx, c.httpClient, httpReq, c.retryConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to call location finder: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode != http.StatusOK:
		if c.logger != nil {
			c.logger.WithFields(logging.Fields{
				"status_code": resp.StatusCode,
				"region":      region,
			}).Warn("Location finder lookup failed")
		}
		return nil, fmt.Errorf("location finder failed with status %d", resp.StatusCode)
	}

	var loc RegionLocation
	if err := json.NewDecoder(resp.Body).Decode(&loc); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if loc.Region == "" {
		loc.Region = region
	}
	return &loc, nil
}
