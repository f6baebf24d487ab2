package locator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nyc-design/Gamer/pkg/logging"
)

func TestLocate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/regions/us-central1" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer svc-token" {
			t.Errorf("expected service token, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"region":"us-central1","lat":41.2619,"lon":-95.8608,"provider":"gcp"}`))
	}))
	defer server.Close()

	c := NewClient(Config{BaseURL: server.URL, ServiceToken: "svc-token", Logger: logging.NewLogger()})
	loc, err := c.Locate(context.Background(), "us-central1")
	if err != nil {
		t.Fatalf("Locate error: %v", err)
	}
	if loc == nil || loc.Lat != 41.2619 || loc.Lon != -95.8608 {
		t.Fatalf("unexpected location %+v", loc)
	}
}

func TestLocate_UnknownRegion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	c := NewClient(Config{BaseURL: server.URL})
	loc, err := c.Locate(context.Background(), "mars-north1")
	if err != nil {
		t.Fatalf("expected no error for unknown region, got %v", err)
	}
	if loc != nil {
		t.Fatalf("expected nil location for unknown region, got %+v", loc)
	}
}

func TestLocate_FinderDown(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c := NewClient(Config{BaseURL: server.URL, Logger: logging.NewLogger()})
	if _, err := c.Locate(context.Background(), "us-central1"); err == nil {
		t.Fatalf("expected error when finder is down")
	}
}

func TestNearest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/regions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("proximity"); got == "" {
			t.Error("expected proximity query parameter")
		}
		if got := r.URL.Query().Get("limit"); got != "3" {
			t.Errorf("expected limit=3, got %q", got)
		}
		if got := r.URL.Query().Get("project"); got != "gamer-fleet" {
			t.Errorf("expected project scope, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"region":"us-east4","lat":39.0458,"lon":-76.6413},
			{"region":"us-east1","lat":33.1960,"lon":-80.0131},
			{"region":"us-central1","lat":39.0458,"lon":-95.9980}
		]`))
	}))
	defer server.Close()

	c := NewClient(Config{BaseURL: server.URL, Project: "gamer-fleet"})
	regions, err := c.Nearest(context.Background(), 40.7128, -74.0060, 3)
	if err != nil {
		t.Fatalf("Nearest error: %v", err)
	}
	if len(regions) != 3 {
		t.Fatalf("expected 3 regions, got %d", len(regions))
	}
	if regions[0].Region != "us-east4" {
		t.Fatalf("expected proximity order preserved, got %s first", regions[0].Region)
	}
}

func TestNearest_FinderDown(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c := NewClient(Config{BaseURL: server.URL, Logger: logging.NewLogger()})
	if _, err := c.Nearest(context.Background(), 40.7, -74.0, 5); err == nil {
		t.Fatalf("expected error when finder is down")
	}
}

func TestNewClient_NoBaseURL(t *testing.T) {
	if c := NewClient(Config{}); c != nil {
		t.Fatalf("expected nil client without base URL")
	}

	var c *Client
	if _, err := c.Locate(context.Background(), "us-central1"); err == nil {
		t.Fatalf("expected error from nil client")
	}
	if _, err := c.Nearest(context.Background(), 0, 0, 1); err == nil {
		t.Fatalf("expected error from nil client")
	}
}
