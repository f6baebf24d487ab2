package warden

import (
	"time"

	"github.com/nyc-design/Gamer/pkg/api/common"
	"github.com/nyc-design/Gamer/pkg/models"
)

// CreateSessionRequest represents a request to start a game session
type CreateSessionRequest struct {
	UserID         string             `json:"user_id"`
	Platform       string             `json:"platform"`
	UserCoord      *models.Coordinate `json:"user_coord,omitempty"`
	Region         string             `json:"region,omitempty"`
	SaveRef        string             `json:"save_ref,omitempty"`
	RomRef         string             `json:"rom_ref,omitempty"`
	SSHPublicKey   string             `json:"ssh_public_key,omitempty"`
	MaxCostPerHour *float64           `json:"max_cost_per_hour,omitempty"`

	// CoordSource records how UserCoord was obtained when the server
	// filled it in (GeoIP fallback). Never read from the wire.
	CoordSource string `json:"-"`
}

// SessionResponse is the session view returned by the sessions API
type SessionResponse = models.Host

// SessionListResponse represents a list of sessions for a user
type SessionListResponse struct {
	Sessions []models.Host `json:"sessions"`
	Count    int           `json:"count"`
}

// PlatformListResponse represents the platform catalog
type PlatformListResponse struct {
	Platforms []models.PlatformProfile `json:"platforms"`
	Count     int                      `json:"count"`
}

// PlacementPreviewRequest represents a dry-run placement query
type PlacementPreviewRequest struct {
	Platform       string             `json:"platform"`
	UserCoord      *models.Coordinate `json:"user_coord,omitempty"`
	Region         string             `json:"region,omitempty"`
	MaxCostPerHour *float64           `json:"max_cost_per_hour,omitempty"`
}

// PlacementCandidate is one ranked provider region option
type PlacementCandidate struct {
	Provider     string   `json:"provider"`
	Region       string   `json:"region"`
	Lat          float64  `json:"lat,omitempty"`
	Lon          float64  `json:"lon,omitempty"`
	DistanceKM   *float64 `json:"distance_km,omitempty"` // nil when the region location is unknown
	PricePerHour float64  `json:"price_per_hour"`
	Source       string   `json:"source"` // user, geoip, remote, local, default
}

// PlacementPreviewResponse represents ranked placement candidates
type PlacementPreviewResponse struct {
	Candidates []PlacementCandidate `json:"candidates"`
	Count      int                  `json:"count"`
}

// ManifestResponse is the session manifest served to the in-VM agent
type ManifestResponse = models.SessionManifest

// BillingSummaryResponse is the rollup returned by the billing API
type BillingSummaryResponse = models.BillingSummary

// SpendStatusResponse reports spend against configured caps
type SpendStatusResponse = models.SpendStatus

// ErrorResponse is a type alias to the common error response
type ErrorResponse = common.ErrorResponse

// AgentStartedRequest is posted by the agent when the session becomes playable
type AgentStartedRequest struct {
	StartedAt time.Time `json:"started_at"`
	Seq       int64     `json:"seq"`
}

// AgentSaveEventRequest is posted by the agent after it persists a save file
type AgentSaveEventRequest struct {
	WallClock              time.Time `json:"wall_clock"`
	SaveSlotID             string    `json:"save_slot_id"`
	BaseAccumulatedSeconds int64     `json:"base_accumulated_seconds"`
	SaveFilename           string    `json:"save_filename,omitempty"`
	Seq                    int64     `json:"seq"`
}

// AgentIdleRequest is posted by the agent when the last client disconnects
type AgentIdleRequest struct {
	LastClientDisconnect time.Time `json:"last_client_disconnect"`
	Seq                  int64     `json:"seq"`
}

// AgentEndedRequest is posted by the agent when the session ends
type AgentEndedRequest struct {
	EndedAt time.Time `json:"ended_at"`
	Reason  string    `json:"reason,omitempty"`
	Seq     int64     `json:"seq"`
}

// AgentAckResponse acknowledges an agent callback
type AgentAckResponse struct {
	Accepted  bool                  `json:"accepted"`
	Duplicate bool                  `json:"duplicate,omitempty"`
	State     models.LifecycleState `json:"state"`
}
