package risk

import "testing"

func humanFingerprint() Fingerprint {
	return Fingerprint{
		PluginCount:         3,
		HardwareConcurrency: 8,
		DeviceMemory:        8,
		Languages:           []string{"en-US", "en"},
		CanvasHash:          "c0ffee",
		WebGLVendor:         "Google Inc. (NVIDIA)",
		WebGLRenderer:       "ANGLE (NVIDIA GeForce RTX 3060)",
		ScreenResolution:    "1920x1080",
		Timezone:            "America/New_York",
		ColorDepth:          24,
	}
}

func TestAnalyzeActive_CleanFingerprint(t *testing.T) {
	a := AnalyzeActive(humanFingerprint())
	if a.Score != 0 {
		t.Errorf("score = %v, want 0 (flags %v)", a.Score, a.Flags)
	}
}

func TestAnalyzeActive_Webdriver(t *testing.T) {
	fp := humanFingerprint()
	fp.Webdriver = true
	a := AnalyzeActive(fp)
	if a.Score != 50 {
		t.Errorf("score = %v, want 50", a.Score)
	}
	if !hasFlag(a, "webdriver") {
		t.Errorf("flags = %v", a.Flags)
	}
}

func TestAnalyzeActive_AutomationFlagsCapped(t *testing.T) {
	fp := humanFingerprint()
	fp.AutomationFlags = []string{"cdc_", "_selenium", "__nightmare", "domAutomation"}
	a := AnalyzeActive(fp)
	// 4 flags × 15 = 60, capped at 40
	if a.Score != 40 {
		t.Errorf("score = %v, want 40", a.Score)
	}

	fp.AutomationFlags = []string{"cdc_", "_selenium"}
	a = AnalyzeActive(fp)
	if a.Score != 30 {
		t.Errorf("two flags: score = %v, want 30", a.Score)
	}
}

func TestAnalyzeActive_HeadlessProfile(t *testing.T) {
	fp := Fingerprint{
		Webdriver:           true,
		PluginCount:         0,
		HardwareConcurrency: 64,
		DeviceMemory:        0,
		Languages:           nil,
	}
	a := AnalyzeActive(fp)
	// webdriver 50 + no plugins 15 + >32 cores 10 + memory 0 10 + no languages 15 = 100
	if a.Score != 100 {
		t.Errorf("score = %v, want 100 (flags %v)", a.Score, a.Flags)
	}
}

func TestDeviceHash_StableAndDistinct(t *testing.T) {
	a := humanFingerprint()
	b := humanFingerprint()
	if a.DeviceHash() != b.DeviceHash() {
		t.Error("identical fingerprints must hash identically")
	}
	if len(a.DeviceHash()) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(a.DeviceHash()))
	}

	b.Timezone = "Europe/Berlin"
	if a.DeviceHash() == b.DeviceHash() {
		t.Error("different timezone must change the hash")
	}

	// Behavioral fields do not feed the device hash.
	c := humanFingerprint()
	c.Webdriver = true
	c.AutomationFlags = []string{"cdc_"}
	if a.DeviceHash() != c.DeviceHash() {
		t.Error("automation fields must not affect the device hash")
	}
}
