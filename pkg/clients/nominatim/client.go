// Package nominatim is a typed client for the OpenStreetMap Nominatim
// search API, used to geocode provider-advertised city locations.
package nominatim

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/failsafe-go/failsafe-go"

	"github.com/nyc-design/Gamer/pkg/clients"
	"github.com/nyc-design/Gamer/pkg/logging"
)

// Client represents a Nominatim API client
type Client struct {
	baseURL      string
	httpClient   *http.Client
	userAgent    string
	logger       logging.Logger
	httpExecutor failsafe.Executor[*http.Response]
	shouldRetry  func(resp *http.Response, err error) bool
}

// Config represents the configuration for the Nominatim client
type Config struct {
	BaseURL            string
	UserAgent          string
	Timeout            time.Duration
	Logger             logging.Logger
	HTTPExecutorConfig *clients.HTTPExecutorConfig
}

// NewClient creates a new Nominatim API client
func NewClient(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = "https://nominatim.openstreetmap.org"
	}
	if config.UserAgent == "" {
		// Nominatim's usage policy requires an identifying User-Agent.
		config.UserAgent = "warden/1.0"
	}
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Second
	}

	execConfig := clients.DefaultHTTPExecutorConfig()
	if config.HTTPExecutorConfig != nil {
		execConfig = *config.HTTPExecutorConfig
	}

	return &Client{
		baseURL: config.BaseURL,
		httpClient: &http.Client{
			Timeout:   config.Timeout,
			Transport: clients.DefaultTransport(),
		},
		userAgent:    config.UserAgent,
		logger:       config.Logger,
		httpExecutor: clients.NewHTTPExecutor(execConfig),
		shouldRetry:  execConfig.ShouldRetry,
	}
}

// Place is a geocoded location.
type Place struct {
	Lat         float64
	Lon         float64
	DisplayName string
}

type searchResult struct {
	Lat         string `json:"lat"`
	Lon         string `json:"lon"`
	DisplayName string `json:"display_name"`
}

// Search geocodes a free-form place query. Returns nil, nil when the
// gazetteer has no match for the query.
func (c *Client) Search(ctx context.Context, query string) (*Place, error) {
	u := c.baseURL + "/search?" + url.Values{
		"q":      {query},
		"format": {"json"},
		"limit":  {"1"},
	}.Encode()

	resp, err := clients.ExecuteHTTP(ctx, c.httpExecutor, func() (*http.Response, error) {
		httpReq, err := http.NewRequestWithContext(ctx, "GET", u, nil)
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("User-Agent", c.userAgent)
		resp, err := c.httpClient.Do(httpReq)
		if c.shouldRetry != nil && c.shouldRetry(resp, err) {
			// Drop the body of an attempt the policy will retry.
			if resp != nil && resp.Body != nil {
				_ = resp.Body.Close()
			}
		}
		return resp, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to call Nominatim: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if c.logger != nil {
			c.logger.WithFields(logging.Fields{
				"status_code": resp.StatusCode,
				"query":       query,
			}).Warn("Nominatim search failed")
		}
		return nil, fmt.Errorf("nominatim search failed with status %d", resp.StatusCode)
	}

	var results []searchResult
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(results) == 0 {
		return nil, nil
	}

	lat, err := strconv.ParseFloat(results[0].Lat, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid latitude %q: %w", results[0].Lat, err)
	}
	lon, err := strconv.ParseFloat(results[0].Lon, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid longitude %q: %w", results[0].Lon, err)
	}

	return &Place{Lat: lat, Lon: lon, DisplayName: results[0].DisplayName}, nil
}
