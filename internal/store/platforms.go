package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/nyc-design/Gamer/internal/fleet"
	"github.com/nyc-design/Gamer/pkg/models"
)

const platformColumns = `platform, platform_family, display_name, tier,
		min_vcpu, min_memory_gib, min_storage_gib, min_gpu_count, requires_gpu,
		max_session_hours, auto_stop_timeout_s, app_image, app_config,
		firmware_ref, fake_time, resolution, fps, codec, dual_screen,
		agent_port, preferences, created_at, updated_at`

// GetPlatform returns the profile for a platform tag.
func (s *Store) GetPlatform(ctx context.Context, platform string) (*models.PlatformProfile, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+platformColumns+` FROM warden.platform_profiles WHERE platform = $1`, platform)
	p, err := scanPlatform(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fleet.E(fleet.KindUnknownPlatform, "platform %q is not configured", platform)
	}
	if err != nil {
		return nil, internalErr(err, "platform lookup failed")
	}
	return p, nil
}

// ListPlatforms returns the whole platform catalog.
func (s *Store) ListPlatforms(ctx context.Context) ([]models.PlatformProfile, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+platformColumns+` FROM warden.platform_profiles ORDER BY platform`)
	if err != nil {
		return nil, internalErr(err, "platform list failed")
	}
	defer rows.Close()

	var profiles []models.PlatformProfile
	for rows.Next() {
		p, err := scanPlatform(rows)
		if err != nil {
			return nil, internalErr(err, "platform scan failed")
		}
		profiles = append(profiles, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, internalErr(err, "platform iteration failed")
	}
	return profiles, nil
}

// UpsertPlatform inserts or replaces a profile keyed by platform.
// Callers validate the profile first; the store persists as given.
func (s *Store) UpsertPlatform(ctx context.Context, p *models.PlatformProfile) error {
	prefs, err := json.Marshal(p.Preferences)
	if err != nil {
		return internalErr(err, "preference encoding failed")
	}
	var dual []byte
	if p.DualScreen != nil {
		if dual, err = json.Marshal(p.DualScreen); err != nil {
			return internalErr(err, "dual screen encoding failed")
		}
	}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO warden.platform_profiles (
			platform, platform_family, display_name, tier,
			min_vcpu, min_memory_gib, min_storage_gib, min_gpu_count, requires_gpu,
			max_session_hours, auto_stop_timeout_s, app_image, app_config,
			firmware_ref, fake_time, resolution, fps, codec, dual_screen,
			agent_port, preferences, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
			$14, $15, $16, $17, $18, $19, $20, $21, NOW(), NOW()
		)
		ON CONFLICT (platform) DO UPDATE SET
			platform_family = EXCLUDED.platform_family,
			display_name = EXCLUDED.display_name,
			tier = EXCLUDED.tier,
			min_vcpu = EXCLUDED.min_vcpu,
			min_memory_gib = EXCLUDED.min_memory_gib,
			min_storage_gib = EXCLUDED.min_storage_gib,
			min_gpu_count = EXCLUDED.min_gpu_count,
			requires_gpu = EXCLUDED.requires_gpu,
			max_session_hours = EXCLUDED.max_session_hours,
			auto_stop_timeout_s = EXCLUDED.auto_stop_timeout_s,
			app_image = EXCLUDED.app_image,
			app_config = EXCLUDED.app_config,
			firmware_ref = EXCLUDED.firmware_ref,
			fake_time = EXCLUDED.fake_time,
			resolution = EXCLUDED.resolution,
			fps = EXCLUDED.fps,
			codec = EXCLUDED.codec,
			dual_screen = EXCLUDED.dual_screen,
			agent_port = EXCLUDED.agent_port,
			preferences = EXCLUDED.preferences,
			updated_at = NOW()
		RETURNING created_at, updated_at
	`,
		p.Platform, p.Family, p.DisplayName, p.Tier,
		p.MinVCPU, p.MinMemoryGiB, p.MinStorageGiB, p.MinGPUCount, p.RequiresGPU,
		p.MaxSessionHours, p.AutoStopTimeoutS, p.AppImage, p.AppConfig,
		p.FirmwareRef, p.FakeTime, p.Resolution, p.FPS, p.Codec, nullableJSON(dual),
		p.AgentPort, prefs,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return internalErr(err, "platform upsert failed")
	}
	return nil
}

// SeedDefaults populates the catalog with the built-in exemplars when
// the table is empty. First boot and tests rely on it; PUT /platforms
// owns the catalog afterwards. Returns how many profiles were seeded.
func (s *Store) SeedDefaults(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM warden.platform_profiles`).Scan(&n); err != nil {
		return 0, internalErr(err, "platform count failed")
	}
	if n > 0 {
		return 0, nil
	}
	seeded := 0
	for _, p := range DefaultProfiles() {
		if err := s.UpsertPlatform(ctx, &p); err != nil {
			return seeded, err
		}
		seeded++
	}
	return seeded, nil
}

func scanPlatform(row scanner) (*models.PlatformProfile, error) {
	var (
		p        models.PlatformProfile
		dualRaw  []byte
		prefsRaw []byte
	)
	err := row.Scan(
		&p.Platform, &p.Family, &p.DisplayName, &p.Tier,
		&p.MinVCPU, &p.MinMemoryGiB, &p.MinStorageGiB, &p.MinGPUCount, &p.RequiresGPU,
		&p.MaxSessionHours, &p.AutoStopTimeoutS, &p.AppImage, &p.AppConfig,
		&p.FirmwareRef, &p.FakeTime, &p.Resolution, &p.FPS, &p.Codec, &dualRaw,
		&p.AgentPort, &prefsRaw, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(prefsRaw) > 0 {
		if err := json.Unmarshal(prefsRaw, &p.Preferences); err != nil {
			return nil, err
		}
	}
	if len(dualRaw) > 0 && string(dualRaw) != "null" {
		p.DualScreen = &models.DualScreenConfig{}
		if err := json.Unmarshal(dualRaw, p.DualScreen); err != nil {
			return nil, err
		}
	}
	return &p, nil
}

func nullableJSON(raw []byte) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

// DefaultProfiles returns the built-in platform exemplars, one per tier
// plus a dual-screen platform.
func DefaultProfiles() []models.PlatformProfile {
	tensordockFirst := []models.ProviderPreference{
		{Provider: models.ProviderTensorDock, Priority: 1, Enabled: true},
		{Provider: models.ProviderCloudyPad, Priority: 2, Enabled: true},
	}
	cloudypadFirst := []models.ProviderPreference{
		{Provider: models.ProviderCloudyPad, Priority: 1, Enabled: true},
		{Provider: models.ProviderTensorDock, Priority: 2, Enabled: true},
	}
	return []models.PlatformProfile{
		{
			Platform: "gba", Family: "gba", DisplayName: "Game Boy Advance",
			Tier: models.TierRetro, MaxSessionHours: 8, AutoStopTimeoutS: 900,
			AppImage: "emulators/mgba:stable", Resolution: "1280x720", FPS: 60,
			Codec: models.CodecH264, AgentPort: models.DefaultAgentPort, Preferences: cloudypadFirst,
		},
		{
			Platform: "gamecube", Family: "gamecube", DisplayName: "GameCube",
			Tier: models.TierAdvanced, RequiresGPU: true,
			MaxSessionHours: 8, AutoStopTimeoutS: 900,
			AppImage: "emulators/dolphin:stable", Resolution: models.DefaultResolution,
			FPS: 60, Codec: models.CodecH264, AgentPort: models.DefaultAgentPort, Preferences: tensordockFirst,
		},
		{
			Platform: "3ds", Family: "3ds", DisplayName: "Nintendo 3DS",
			Tier: models.TierAdvanced, RequiresGPU: true,
			MaxSessionHours: 8, AutoStopTimeoutS: 900,
			AppImage: "emulators/azahar:stable", Resolution: models.DefaultResolution,
			FPS: 60, Codec: models.CodecH264, AgentPort: models.DefaultAgentPort,
			DualScreen: &models.DualScreenConfig{
				Enabled: true,
				Top:     &models.ScreenRect{X: 0, Y: 0, Width: 1920, Height: 720},
				Bottom:  &models.ScreenRect{X: 320, Y: 720, Width: 1280, Height: 360},
			},
			Preferences: tensordockFirst,
		},
		{
			Platform: "switch", Family: "switch", DisplayName: "Switch",
			Tier: models.TierPremium, RequiresGPU: true, MinMemoryGiB: 16,
			MaxSessionHours: 8, AutoStopTimeoutS: 900,
			AppImage: "emulators/ryujinx:stable", Resolution: models.DefaultResolution,
			FPS: 60, Codec: models.CodecHEVC, AgentPort: models.DefaultAgentPort, Preferences: tensordockFirst,
		},
	}
}
