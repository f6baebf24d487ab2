package models

import (
	"time"
)

// LifecycleState is the session-visible state of a game host.
type LifecycleState string

const (
	StateNew         LifecycleState = "new"
	StateCreating    LifecycleState = "creating"
	StateConfiguring LifecycleState = "configuring"
	StateReady       LifecycleState = "ready"
	StateRunning     LifecycleState = "running"
	StateIdle        LifecycleState = "idle"
	StateStopped     LifecycleState = "stopped"
	StateDestroyed   LifecycleState = "destroyed"
	StateFailed      LifecycleState = "failed"
)

// Provider identifiers as stored in warden.hosts.provider.
const (
	ProviderTensorDock = "tensordock"
	ProviderCloudyPad  = "cloudypad"
)

// DefaultAgentPort is the in-VM agent port assumed when a platform
// profile does not set one.
const DefaultAgentPort = 8081

// Placement source tags describe how a host's region was chosen.
const (
	PlacementSourceUser    = "user"    // caller supplied coordinates
	PlacementSourceGeoIP   = "geoip"   // coordinates derived from client IP
	PlacementSourceRemote  = "remote"  // named region resolved by the location finder
	PlacementSourceLocal   = "local"   // named region resolved from the static table
	PlacementSourceDefault = "default" // no geo signal, provider default region
)

// lifecycleTransitions encodes every legal state edge. Compare-and-swap
// updates in the store enforce the same edges at the SQL level.
var lifecycleTransitions = map[LifecycleState][]LifecycleState{
	StateNew:         {StateCreating, StateFailed, StateDestroyed},
	StateCreating:    {StateConfiguring, StateFailed, StateDestroyed},
	StateConfiguring: {StateReady, StateFailed, StateDestroyed},
	StateReady:       {StateRunning, StateStopped, StateFailed, StateDestroyed},
	StateRunning:     {StateIdle, StateStopped, StateFailed, StateDestroyed},
	StateIdle:        {StateRunning, StateStopped, StateFailed, StateDestroyed},
	StateStopped:     {StateCreating, StateDestroyed},
	StateFailed:      {},
	StateDestroyed:   {},
}

// CanTransition reports whether from -> to is a legal lifecycle edge.
func CanTransition(from, to LifecycleState) bool {
	for _, next := range lifecycleTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the state admits no further transitions.
// FAILED and DESTROYED hosts stay queryable but never change state
// again; destroying a FAILED host only releases the provider-side
// remnant.
func (s LifecycleState) Terminal() bool {
	return s == StateDestroyed || s == StateFailed
}

// Active reports whether a host in this state holds (or is acquiring)
// provider resources. Used for dedupe and spend accounting.
func (s LifecycleState) Active() bool {
	switch s {
	case StateNew, StateCreating, StateConfiguring, StateReady, StateRunning, StateIdle:
		return true
	}
	return false
}

// Serving reports whether the host should be answering agent health probes.
func (s LifecycleState) Serving() bool {
	switch s {
	case StateReady, StateRunning, StateIdle:
		return true
	}
	return false
}

// ActiveStates lists the states counted against per-user session dedupe.
func ActiveStates() []LifecycleState {
	return []LifecycleState{StateNew, StateCreating, StateConfiguring, StateReady, StateRunning, StateIdle}
}

// States lists every lifecycle state in pipeline order.
func States() []LifecycleState {
	return []LifecycleState{
		StateNew, StateCreating, StateConfiguring, StateReady,
		StateRunning, StateIdle, StateStopped, StateFailed, StateDestroyed,
	}
}

// Host represents a provisioned (or provisioning) game VM and its session.
type Host struct {
	ID        string `json:"id" db:"id"`
	SessionID string `json:"session_id" db:"session_id"`
	VMToken   string `json:"vm_token,omitempty" db:"vm_token"`
	UserID    string `json:"user_id" db:"user_id"`
	Platform  string `json:"platform" db:"platform"`
	Tier      string `json:"tier" db:"tier"`

	// Provider placement
	Provider         string   `json:"provider" db:"provider"`
	ProviderHandle   *string  `json:"provider_handle,omitempty" db:"provider_handle"`
	ProviderRegion   string   `json:"provider_region" db:"provider_region"`
	PlacementSource  string   `json:"placement_source" db:"placement_source"`
	ProviderMetadata JSONB    `json:"provider_metadata,omitempty" db:"provider_metadata"`
	MaxCostPerHour   *float64 `json:"max_cost_per_hour,omitempty" db:"max_cost_per_hour"`

	// Connectivity
	Address   *string `json:"address,omitempty" db:"address"`
	AgentPort int     `json:"agent_port" db:"agent_port"`

	// Lifecycle
	State            LifecycleState `json:"state" db:"state"`
	UnhealthyStrikes int            `json:"unhealthy_strikes" db:"unhealthy_strikes"`
	EnvironmentReady bool           `json:"environment_ready" db:"environment_ready"`
	SavesMounted     bool           `json:"saves_mounted" db:"saves_mounted"`

	// Player geography used for placement, if known
	UserLat *float64 `json:"user_lat,omitempty" db:"user_lat"`
	UserLon *float64 `json:"user_lon,omitempty" db:"user_lon"`

	// Content references
	SaveRef string `json:"save_ref,omitempty" db:"save_ref"`
	RomRef  string `json:"rom_ref,omitempty" db:"rom_ref"`

	// Streaming client certificate, PEM encoded
	ClientCertPEM *string `json:"client_cert_pem,omitempty" db:"client_cert"`

	// Session accounting
	AutoStopTimeoutS     int        `json:"auto_stop_timeout_s" db:"auto_stop_timeout_s"`
	SessionStartedAt     *time.Time `json:"session_started_at,omitempty" db:"session_started_at"`
	LastClientDisconnect *time.Time `json:"last_client_disconnect,omitempty" db:"last_client_disconnect"`
	LastAgentSeq         int64      `json:"last_agent_seq" db:"last_agent_seq"`
	LastActivity         *time.Time `json:"last_activity,omitempty" db:"last_activity"`
	LastError            *string    `json:"last_error,omitempty" db:"last_error"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Endpoint returns the agent base address for this host, or "" when the
// provider has not surfaced an address yet.
func (h *Host) Endpoint() string {
	if h.Address == nil || *h.Address == "" {
		return ""
	}
	return *h.Address
}

// Coordinate is a WGS84 latitude/longitude pair.
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}
