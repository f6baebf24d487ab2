package nominatim

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nyc-design/Gamer/pkg/clients"
	"github.com/nyc-design/Gamer/pkg/logging"
)

func TestNewClientDefaults(t *testing.T) {
	c := NewClient(Config{})
	if c.baseURL != "https://nominatim.openstreetmap.org" {
		t.Fatalf("unexpected default base URL %q", c.baseURL)
	}
	if c.userAgent == "" {
		t.Fatal("expected a default User-Agent")
	}
	if c.httpClient.Timeout != 5*time.Second {
		t.Fatalf("expected timeout 5s, got %v", c.httpClient.Timeout)
	}
	if c.httpExecutor == nil {
		t.Fatal("expected non-nil httpExecutor")
	}
	if c.shouldRetry == nil {
		t.Fatal("expected non-nil shouldRetry")
	}
}

func TestSearch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("User-Agent"); got == "" {
			t.Errorf("expected identifying User-Agent header")
		}
		if got := r.URL.Query().Get("q"); got != "Chicago, Illinois, United States" {
			t.Errorf("unexpected query %q", got)
		}
		if got := r.URL.Query().Get("format"); got != "json" {
			t.Errorf("expected json format, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"lat":"41.8781","lon":"-87.6298","display_name":"Chicago, Illinois, USA"}]`))
	}))
	defer server.Close()

	c := NewClient(Config{BaseURL: server.URL, Logger: logging.NewLogger()})
	place, err := c.Search(context.Background(), "Chicago, Illinois, United States")
	if err != nil {
		t.Fatalf("Search error: %v", err)
	}
	if place == nil {
		t.Fatalf("expected a place")
	}
	if place.Lat != 41.8781 || place.Lon != -87.6298 {
		t.Fatalf("unexpected coordinates %+v", place)
	}
}

func TestSearch_NoMatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[]`))
	}))
	defer server.Close()

	c := NewClient(Config{BaseURL: server.URL})
	place, err := c.Search(context.Background(), "Nowhereville")
	if err != nil {
		t.Fatalf("Search error: %v", err)
	}
	if place != nil {
		t.Fatalf("expected nil place for empty result, got %+v", place)
	}
}

func TestSearch_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	c := NewClient(Config{BaseURL: server.URL, Logger: logging.NewLogger()})
	if _, err := c.Search(context.Background(), "Chicago"); err == nil {
		t.Fatalf("expected error for non-200 response")
	}
}

func TestSearch_RetriesServerError(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"lat":"51.5074","lon":"-0.1278","display_name":"London, UK"}]`))
	}))
	defer server.Close()

	c := NewClient(Config{
		BaseURL: server.URL,
		Logger:  logging.NewLogger(),
		HTTPExecutorConfig: &clients.HTTPExecutorConfig{
			MaxRetries:  2,
			BaseDelay:   time.Millisecond,
			MaxDelay:    5 * time.Millisecond,
			ShouldRetry: clients.DefaultShouldRetry,
		},
	})
	place, err := c.Search(context.Background(), "London")
	if err != nil {
		t.Fatalf("Search error: %v", err)
	}
	if place == nil || place.Lat != 51.5074 {
		t.Fatalf("unexpected place %+v", place)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}
