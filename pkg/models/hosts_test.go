package models

import (
	"encoding/json"
	"testing"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from LifecycleState
		to   LifecycleState
		want bool
	}{
		{"new to creating", StateNew, StateCreating, true},
		{"creating to configuring", StateCreating, StateConfiguring, true},
		{"configuring to ready", StateConfiguring, StateReady, true},
		{"ready to running", StateReady, StateRunning, true},
		{"running to idle", StateRunning, StateIdle, true},
		{"idle back to running", StateIdle, StateRunning, true},
		{"idle to stopped", StateIdle, StateStopped, true},
		{"stopped restart", StateStopped, StateCreating, true},
		{"stopped to destroyed", StateStopped, StateDestroyed, true},
		{"failed is terminal", StateFailed, StateDestroyed, false},
		{"creating cancel", StateCreating, StateDestroyed, true},
		{"destroyed is terminal", StateDestroyed, StateCreating, false},
		{"no skip to running", StateNew, StateRunning, false},
		{"stopped cannot fail", StateStopped, StateFailed, false},
		{"running cannot regress", StateRunning, StateConfiguring, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestLifecycleStatePredicates(t *testing.T) {
	if !StateDestroyed.Terminal() {
		t.Fatalf("destroyed should be terminal")
	}
	if !StateFailed.Terminal() {
		t.Fatalf("failed should be terminal")
	}
	for _, s := range ActiveStates() {
		if !s.Active() {
			t.Errorf("state %s should be active", s)
		}
	}
	if StateStopped.Active() {
		t.Fatalf("stopped should not count as active")
	}
	if !StateIdle.Serving() || StateCreating.Serving() {
		t.Fatalf("serving predicate mismatch")
	}
}

func TestSpecForTier(t *testing.T) {
	spec, ok := SpecForTier(TierPremium)
	if !ok {
		t.Fatalf("premium tier should exist")
	}
	if spec.VCPUs != 8 || spec.RAMGB != 16 || spec.DiskGB != 200 || spec.GPUCount != 1 || spec.GPUVRAMGB != 24 {
		t.Fatalf("unexpected premium spec: %+v", spec)
	}
	if _, ok := SpecForTier("quantum"); ok {
		t.Fatalf("unknown tier should not resolve")
	}
}

func TestJSONBRoundTrip(t *testing.T) {
	src := JSONB{"hostnode": "abc", "price": 0.35}
	val, err := src.Value()
	if err != nil {
		t.Fatalf("Value() error: %v", err)
	}

	var dst JSONB
	if err := dst.Scan(val); err != nil {
		t.Fatalf("Scan() error: %v", err)
	}
	if dst["hostnode"] != "abc" {
		t.Fatalf("expected hostnode to survive round trip, got %v", dst)
	}

	var nilDst JSONB
	if err := nilDst.Scan(nil); err != nil {
		t.Fatalf("Scan(nil) error: %v", err)
	}
	if nilDst != nil {
		t.Fatalf("expected nil JSONB from nil scan")
	}
}

func TestHostEndpoint(t *testing.T) {
	h := &Host{}
	if h.Endpoint() != "" {
		t.Fatalf("expected empty endpoint for nil address")
	}
	addr := "203.0.113.7"
	h.Address = &addr
	if h.Endpoint() != "203.0.113.7" {
		t.Fatalf("unexpected endpoint %q", h.Endpoint())
	}
}

func TestManifestSerialization(t *testing.T) {
	rom := "roms/pokemon-alpha-sapphire.3ds"
	m := SessionManifest{
		SessionID:  "sess-1",
		HostID:     "host-1",
		UserID:     "u-1",
		Platform:   "3ds",
		AppImage:   "emulator/azahar:latest",
		RomRef:     &rom,
		Resolution: DefaultResolution,
		FPS:        DefaultFPS,
		Codec:      DefaultCodec,
		DualScreen: &DualScreenConfig{
			Enabled: true,
			Top:     &ScreenRect{Width: 1920, Height: 720},
			Bottom:  &ScreenRect{Y: 720, Width: 1280, Height: 360},
		},
		Agent: ManifestAgent{Port: 8081, VMToken: "tok"},
	}
	raw, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}

	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if out["resolution"] != "1920x1080" {
		t.Fatalf("expected default resolution in payload, got %v", out["resolution"])
	}
	if out["rom_ref"] != rom {
		t.Fatalf("expected rom_ref passthrough, got %v", out["rom_ref"])
	}
	// Unset nullable fields must be explicit null, not absent.
	for _, key := range []string{"save_ref", "save_filename", "firmware_ref", "fake_time"} {
		v, present := out[key]
		if !present {
			t.Errorf("expected %s key in payload", key)
		}
		if v != nil {
			t.Errorf("expected %s to be null, got %v", key, v)
		}
	}
	ds, ok := out["dual_screen"].(map[string]interface{})
	if !ok || ds["enabled"] != true {
		t.Fatalf("expected dual_screen block, got %v", out["dual_screen"])
	}
	top, ok := ds["top"].(map[string]interface{})
	if !ok || top["height"] != float64(720) {
		t.Fatalf("expected top pane rect, got %v", ds["top"])
	}
}

func TestHardwareSpecAppliesOverrides(t *testing.T) {
	p := &PlatformProfile{
		Tier:          TierRetro,
		MinVCPU:       4,
		MinStorageGiB: 30, // below the tier default, must not lower it
		RequiresGPU:   true,
	}
	spec, ok := p.HardwareSpec()
	if !ok {
		t.Fatalf("retro tier should resolve")
	}
	if spec.VCPUs != 4 {
		t.Errorf("expected vcpu override 4, got %d", spec.VCPUs)
	}
	if spec.DiskGB != 50 {
		t.Errorf("override below tier default should not lower it, got %d", spec.DiskGB)
	}
	if spec.GPUCount != 1 {
		t.Errorf("requires_gpu should force one gpu, got %d", spec.GPUCount)
	}
}

func TestProfileValidate(t *testing.T) {
	costCap := 0.50
	valid := PlatformProfile{
		Platform: "gamecube",
		Tier:     TierAdvanced,
		Codec:    CodecH264,
		Preferences: []ProviderPreference{
			{Provider: ProviderTensorDock, Priority: 1, Enabled: true, HourlyCostCap: &costCap},
			{Provider: ProviderCloudyPad, Priority: 2, Enabled: false},
		},
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid profile rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(p *PlatformProfile)
	}{
		{"unknown tier", func(p *PlatformProfile) { p.Tier = "quantum" }},
		{"unknown codec", func(p *PlatformProfile) { p.Codec = "mpeg2" }},
		{"unknown provider", func(p *PlatformProfile) { p.Preferences[0].Provider = "linode" }},
		{"duplicate priority", func(p *PlatformProfile) { p.Preferences[1].Priority = 1 }},
		{"all disabled", func(p *PlatformProfile) { p.Preferences[0].Enabled = false }},
		{"bad tier override", func(p *PlatformProfile) { p.Preferences[0].TierOverride = "mega" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid
			p.Preferences = append([]ProviderPreference(nil), valid.Preferences...)
			tt.mutate(&p)
			if err := p.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestSortedPreferences(t *testing.T) {
	p := &PlatformProfile{
		Preferences: []ProviderPreference{
			{Provider: ProviderCloudyPad, Priority: 5, Enabled: true},
			{Provider: ProviderTensorDock, Priority: 1, Enabled: true},
		},
	}
	prefs := p.SortedPreferences()
	if prefs[0].Provider != ProviderTensorDock {
		t.Fatalf("expected priority 1 first, got %s", prefs[0].Provider)
	}
	// Original slice stays untouched.
	if p.Preferences[0].Provider != ProviderCloudyPad {
		t.Fatalf("SortedPreferences must not reorder the profile in place")
	}
}
