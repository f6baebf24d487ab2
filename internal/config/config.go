// Package config loads warden's environment configuration.
package config

import (
	"strings"
	"time"

	pkgconfig "github.com/nyc-design/Gamer/pkg/config"
)

// Config stores environment configuration for warden.
type Config struct {
	Port        string
	DatabaseURL string

	// PublicBaseURL is the address agents reach warden on; it is baked
	// into every session manifest as the callback base.
	PublicBaseURL string

	// ServiceToken guards the operator routes and authenticates warden
	// to the location finder. Empty leaves the operator routes open.
	ServiceToken string

	TensorDockAPIURL   string
	TensorDockAPIToken string
	TensorDockEnabled  bool

	CloudyPadBin     string
	CloudyPadConfig  string
	CloudyPadEnabled bool

	GeocoderURL           string
	LocationFinderURL     string
	LocationFinderProject string

	LivenessInterval     time.Duration
	LivenessJitter       float64
	IdleThreshold        time.Duration
	StoppedTTL           time.Duration
	StoppedSweepSchedule string

	SpendSoftCapUSD  float64
	SpendHardCapUSD  float64
	SpendDailyCapUSD float64

	MaxSessionHours  int
	WaitReadyTimeout time.Duration
	ProvisionWorkers int

	RateTablePath     string
	GeoIPDatabasePath string

	EventBrokers []string
	EventTopic   string

	AgentProbeTimeout time.Duration
}

// Load reads warden's configuration from the environment. DATABASE_URL
// is required; everything else has a workable default.
func Load() Config {
	port := pkgconfig.GetEnv("PORT", "18090")
	return Config{
		Port:        port,
		DatabaseURL: pkgconfig.RequireEnv("DATABASE_URL"),

		PublicBaseURL: strings.TrimRight(pkgconfig.GetEnv("PUBLIC_BASE_URL", "http://localhost:"+port), "/"),
		ServiceToken:  pkgconfig.GetEnv("SERVICE_TOKEN", ""),

		TensorDockAPIURL:   pkgconfig.GetEnv("TENSORDOCK_API_URL", "https://dashboard.tensordock.com/api/v2"),
		TensorDockAPIToken: pkgconfig.GetEnv("TENSORDOCK_API_TOKEN", ""),
		TensorDockEnabled:  pkgconfig.GetEnvBool("TENSORDOCK_ENABLED", true),

		CloudyPadBin:     pkgconfig.GetEnv("CLOUDYPAD_BIN", "cloudypad"),
		CloudyPadConfig:  pkgconfig.GetEnv("CLOUDYPAD_CONFIG", ""),
		CloudyPadEnabled: pkgconfig.GetEnvBool("CLOUDYPAD_ENABLED", true),

		GeocoderURL:           pkgconfig.GetEnv("GEOCODER_URL", "https://nominatim.openstreetmap.org"),
		LocationFinderURL:     pkgconfig.GetEnv("LOCATION_FINDER_URL", ""),
		LocationFinderProject: pkgconfig.GetEnv("LOCATION_FINDER_PROJECT", ""),

		LivenessInterval:     pkgconfig.GetEnvDuration("LIVENESS_INTERVAL", 15*time.Minute),
		LivenessJitter:       pkgconfig.GetEnvFloat("LIVENESS_JITTER", 0.10),
		IdleThreshold:        pkgconfig.GetEnvDuration("IDLE_THRESHOLD", 10*time.Minute),
		StoppedTTL:           pkgconfig.GetEnvDuration("STOPPED_TTL", 48*time.Hour),
		StoppedSweepSchedule: pkgconfig.GetEnv("STOPPED_SWEEP_SCHEDULE", "@daily"),

		SpendSoftCapUSD:  pkgconfig.GetEnvFloat("SPEND_SOFT_CAP_USD", 500),
		SpendHardCapUSD:  pkgconfig.GetEnvFloat("SPEND_HARD_CAP_USD", 0),
		SpendDailyCapUSD: pkgconfig.GetEnvFloat("SPEND_DAILY_CAP_USD", 50),

		MaxSessionHours:  pkgconfig.GetEnvInt("MAX_SESSION_HOURS", 8),
		WaitReadyTimeout: pkgconfig.GetEnvDuration("WAIT_READY_TIMEOUT", 10*time.Minute),
		ProvisionWorkers: pkgconfig.GetEnvInt("PROVISION_WORKERS", 32),

		RateTablePath:     pkgconfig.GetEnv("RATE_TABLE_PATH", ""),
		GeoIPDatabasePath: pkgconfig.GetEnv("GEOIP_DATABASE_PATH", ""),

		EventBrokers: splitList(pkgconfig.GetEnv("EVENT_BROKERS", "")),
		EventTopic:   pkgconfig.GetEnv("EVENT_TOPIC", "fleet-events"),

		AgentProbeTimeout: pkgconfig.GetEnvDuration("AGENT_PROBE_TIMEOUT", 5*time.Second),
	}
}

func splitList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var items []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
