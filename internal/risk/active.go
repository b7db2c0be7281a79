package risk

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Fingerprint is the browser-side signal payload submitted by the client.
type Fingerprint struct {
	Webdriver           bool     `json:"webdriver"`
	AutomationFlags     []string `json:"automationFlags"`
	PluginCount         int      `json:"pluginCount"`
	HardwareConcurrency int      `json:"hardwareConcurrency"`
	DeviceMemory        float64  `json:"deviceMemory"`
	Languages           []string `json:"languages"`

	CanvasHash       string `json:"canvasHash"`
	WebGLVendor      string `json:"webglVendor"`
	WebGLRenderer    string `json:"webglRenderer"`
	ScreenResolution string `json:"screenResolution"`
	Timezone         string `json:"timezone"`
	ColorDepth       int    `json:"colorDepth"`
}

// DeviceHash collapses the fingerprint's hardware-ish fields into a stable
// identifier for spotting the same device across sessions. Field order is
// fixed; changing it changes every hash.
func (f Fingerprint) DeviceHash() string {
	parts := []string{
		f.CanvasHash,
		f.WebGLVendor,
		f.WebGLRenderer,
		f.ScreenResolution,
		f.Timezone,
		strings.Join(f.Languages, ","),
		fmt.Sprintf("%d", f.HardwareConcurrency),
		fmt.Sprintf("%d", f.ColorDepth),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// AnalyzeActive scores an explicit browser fingerprint. Pure: same input,
// same output.
func AnalyzeActive(fp Fingerprint) Analysis {
	a := Analysis{Details: map[string]string{}}

	if fp.Webdriver {
		a.add(50, "webdriver")
	}

	// Each extra automation marker adds 15, capped at 40 overall.
	if n := len(fp.AutomationFlags); n > 0 {
		points := float64(n) * 15
		if points > 40 {
			points = 40
		}
		a.add(points, "automation_flags")
		a.Details["automation_flags"] = strings.Join(fp.AutomationFlags, ",")
	}

	if fp.PluginCount == 0 {
		a.add(15, "no_plugins")
	}
	if fp.HardwareConcurrency > 32 {
		a.add(10, "excessive_cores")
		a.Details["cores"] = fmt.Sprintf("%d", fp.HardwareConcurrency)
	}
	if fp.DeviceMemory == 0 {
		a.add(10, "zero_device_memory")
	}
	if len(fp.Languages) == 0 {
		a.add(15, "empty_languages")
	}

	a.Score = clamp(a.Score, 0, 100)
	return a
}
