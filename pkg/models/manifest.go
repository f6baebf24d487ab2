package models

import (
	"time"
)

// Default stream encoding applied when a platform profile leaves the
// fields empty.
const (
	DefaultResolution = "1920x1080"
	DefaultFPS        = 60
	DefaultCodec      = CodecH264
)

// ManifestAgent carries the callback contract for the in-VM agent.
type ManifestAgent struct {
	Port        int    `json:"port"`
	CallbackURL string `json:"callback_url"`
	VMToken     string `json:"vm_token"`
}

// ManifestLimits carries the session runtime limits the agent enforces.
type ManifestLimits struct {
	AutoStopTimeoutS int `json:"auto_stop_timeout_s"`
	MaxSessionHours  int `json:"max_session_hours"`
}

// SessionManifest is the configuration document served to the in-VM
// agent once a session is provisioned. Nullable fields serialize as
// explicit null so the agent can tell "no ROM" from a trimmed payload.
type SessionManifest struct {
	SessionID string `json:"session_id"`
	HostID    string `json:"host_id"`
	UserID    string `json:"user_id"`
	Platform  string `json:"platform"`

	AppImage     string     `json:"app_image"`
	RomRef       *string    `json:"rom_ref"`
	SaveRef      *string    `json:"save_ref"`
	SaveFilename *string    `json:"save_filename"`
	FirmwareRef  *string    `json:"firmware_ref"`
	FakeTime     *time.Time `json:"fake_time"`
	AppConfig    JSONB      `json:"app_config"`

	Resolution string            `json:"resolution"`
	FPS        int               `json:"fps"`
	Codec      string            `json:"codec"`
	ClientCert string            `json:"client_cert"`
	DualScreen *DualScreenConfig `json:"dual_screen"`

	Agent       ManifestAgent  `json:"agent"`
	Limits      ManifestLimits `json:"limits"`
	GeneratedAt time.Time      `json:"generated_at"`
}
