package models

import (
	"fmt"
	"sort"
	"time"
)

// Hardware tiers a platform profile can demand.
const (
	TierRetro    = "retro"
	TierAdvanced = "advanced"
	TierPremium  = "premium"
)

// Stream codecs the encoder stack supports.
const (
	CodecH264 = "h264"
	CodecHEVC = "hevc"
	CodecAV1  = "av1"
)

// TierSpec describes the hardware a tier provisions.
type TierSpec struct {
	Tier      string `json:"tier"`
	VCPUs     int    `json:"vcpus"`
	RAMGB     int    `json:"ram_gb"`
	DiskGB    int    `json:"disk_gb"`
	GPUCount  int    `json:"gpu_count"`
	GPUVRAMGB int    `json:"gpu_vram_gb,omitempty"`
}

var tierSpecs = map[string]TierSpec{
	TierRetro:    {Tier: TierRetro, VCPUs: 2, RAMGB: 4, DiskGB: 50, GPUCount: 0},
	TierAdvanced: {Tier: TierAdvanced, VCPUs: 4, RAMGB: 8, DiskGB: 100, GPUCount: 1, GPUVRAMGB: 6},
	TierPremium:  {Tier: TierPremium, VCPUs: 8, RAMGB: 16, DiskGB: 200, GPUCount: 1, GPUVRAMGB: 24},
}

// SpecForTier returns the hardware spec for a tier name.
func SpecForTier(tier string) (TierSpec, bool) {
	spec, ok := tierSpecs[tier]
	return spec, ok
}

// ProviderPreference is one entry in a platform's ordered provider walk.
// Lower Priority values are tried first.
type ProviderPreference struct {
	Provider      string   `json:"provider"`
	Priority      int      `json:"priority"`
	Enabled       bool     `json:"enabled"`
	TierOverride  string   `json:"tier_override,omitempty"`
	HourlyCostCap *float64 `json:"hourly_cost_cap,omitempty"`
}

// ScreenRect positions one emulated display pane in the stream frame.
type ScreenRect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// DualScreenConfig configures platforms that render two displays.
type DualScreenConfig struct {
	Enabled bool        `json:"enabled"`
	Top     *ScreenRect `json:"top,omitempty"`
	Bottom  *ScreenRect `json:"bottom,omitempty"`
}

// PlatformProfile describes how sessions for one emulated platform are
// provisioned and streamed.
type PlatformProfile struct {
	Platform    string `json:"platform" db:"platform"`
	Family      string `json:"platform_family" db:"platform_family"`
	DisplayName string `json:"display_name" db:"display_name"`
	Tier        string `json:"tier" db:"tier"`

	// Hardware minima; zero values fall back to the tier defaults.
	MinVCPU       int  `json:"min_vcpu,omitempty" db:"min_vcpu"`
	MinMemoryGiB  int  `json:"min_memory_gib,omitempty" db:"min_memory_gib"`
	MinStorageGiB int  `json:"min_storage_gib,omitempty" db:"min_storage_gib"`
	MinGPUCount   int  `json:"min_gpu_count,omitempty" db:"min_gpu_count"`
	RequiresGPU   bool `json:"requires_gpu" db:"requires_gpu"`

	// Session limits
	MaxSessionHours  int `json:"max_session_hours" db:"max_session_hours"`
	AutoStopTimeoutS int `json:"auto_stop_timeout_s" db:"auto_stop_timeout_s"`

	// Emulator application
	AppImage    string     `json:"app_image" db:"app_image"`
	AppConfig   JSONB      `json:"app_config,omitempty" db:"app_config"`
	FirmwareRef *string    `json:"firmware_ref,omitempty" db:"firmware_ref"`
	FakeTime    *time.Time `json:"fake_time,omitempty" db:"fake_time"`

	// Stream encoding
	Resolution string            `json:"resolution" db:"resolution"`
	FPS        int               `json:"fps" db:"fps"`
	Codec      string            `json:"codec" db:"codec"`
	DualScreen *DualScreenConfig `json:"dual_screen,omitempty" db:"dual_screen"`

	// Agent
	AgentPort int `json:"agent_port" db:"agent_port"`

	// Ordered provider walk used by placement
	Preferences []ProviderPreference `json:"preferences" db:"preferences"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// HardwareSpec resolves the profile's tier to concrete hardware, raising
// any minimum the profile overrides above the tier default.
func (p *PlatformProfile) HardwareSpec() (TierSpec, bool) {
	return p.HardwareSpecFor(p.Tier)
}

// HardwareSpecFor resolves an explicit tier (a preference's
// tier_override, typically) with the profile's minima applied on top.
func (p *PlatformProfile) HardwareSpecFor(tier string) (TierSpec, bool) {
	spec, ok := SpecForTier(tier)
	if !ok {
		return TierSpec{}, false
	}
	if p.MinVCPU > spec.VCPUs {
		spec.VCPUs = p.MinVCPU
	}
	if p.MinMemoryGiB > spec.RAMGB {
		spec.RAMGB = p.MinMemoryGiB
	}
	if p.MinStorageGiB > spec.DiskGB {
		spec.DiskGB = p.MinStorageGiB
	}
	if p.MinGPUCount > spec.GPUCount {
		spec.GPUCount = p.MinGPUCount
	}
	if p.RequiresGPU && spec.GPUCount == 0 {
		spec.GPUCount = 1
	}
	return spec, true
}

// SortedPreferences returns the provider walk ordered by ascending priority.
func (p *PlatformProfile) SortedPreferences() []ProviderPreference {
	prefs := make([]ProviderPreference, len(p.Preferences))
	copy(prefs, p.Preferences)
	sort.SliceStable(prefs, func(i, j int) bool { return prefs[i].Priority < prefs[j].Priority })
	return prefs
}

// Validate checks profile invariants before persistence: known tier and
// codec values, a non-empty preference walk with unique priorities, and
// at least one enabled entry.
func (p *PlatformProfile) Validate() error {
	if p.Platform == "" {
		return fmt.Errorf("platform is required")
	}
	if _, ok := SpecForTier(p.Tier); !ok {
		return fmt.Errorf("unknown tier %q", p.Tier)
	}
	switch p.Codec {
	case "", CodecH264, CodecHEVC, CodecAV1:
	default:
		return fmt.Errorf("unknown codec %q", p.Codec)
	}
	enabled := 0
	seen := make(map[int]bool, len(p.Preferences))
	for _, pref := range p.Preferences {
		switch pref.Provider {
		case ProviderTensorDock, ProviderCloudyPad:
		default:
			return fmt.Errorf("unknown provider %q", pref.Provider)
		}
		if pref.TierOverride != "" {
			if _, ok := SpecForTier(pref.TierOverride); !ok {
				return fmt.Errorf("unknown tier override %q", pref.TierOverride)
			}
		}
		if seen[pref.Priority] {
			return fmt.Errorf("duplicate preference priority %d", pref.Priority)
		}
		seen[pref.Priority] = true
		if pref.Enabled {
			enabled++
		}
	}
	if enabled == 0 {
		return fmt.Errorf("at least one enabled provider preference is required")
	}
	return nil
}
