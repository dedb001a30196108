package config

import "time"

// RuntimeConfig holds the hot-updatable global policy settings that are
// not per-package (those live in settingsstore's blacklist/whitelists):
// the background throttle interval, coarse-accuracy radius, and jitter
// cap. Served/patched through controlapi's GET/PATCH /config; the
// throttle interval and coarse-accuracy radius are persisted via
// settingsstore, while the jitter cap is held in memory only.
type RuntimeConfig struct {
	BackgroundThrottleInterval Duration `json:"background_throttle_interval"`
	CoarseAccuracyMeters       float64  `json:"coarse_accuracy_meters"`
	MaxJitterCap               Duration `json:"max_jitter_cap"`
}

// NewDefaultRuntimeConfig returns a RuntimeConfig populated with the same
// conservative defaults LoadEnvConfig falls back to.
func NewDefaultRuntimeConfig() *RuntimeConfig {
	return &RuntimeConfig{
		BackgroundThrottleInterval: Duration(30 * time.Second),
		CoarseAccuracyMeters:       2000,
		MaxJitterCap:               Duration(5 * time.Second),
	}
}
