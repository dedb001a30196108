package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PolicySeed is the static, operator-authored policy seed file loaded once
// at startup: the package lists settingsstore otherwise has no way to
// populate except through its own PATCH-style setters, plus a
// per-provider throttle override map. Parsed the way
// subscription.parseClashYAMLSubscription parses inbound clash configs —
// gopkg.in/yaml.v3 unmarshaled straight into a typed struct — just
// repurposed here for operator policy instead of proxy-node lists.
type PolicySeed struct {
	Blacklist                []string         `yaml:"blacklist"`
	BackgroundThrottleWhitelist []string       `yaml:"background_throttle_whitelist"`
	IgnoreSettingsWhitelist   []string         `yaml:"ignore_settings_whitelist"`
	ProviderThrottleOverrides map[string]int64 `yaml:"provider_throttle_overrides_ms"`
}

// LoadPolicySeed reads and parses the YAML policy seed file at path. An
// empty path is a valid "no seed" configuration and returns a zero-value
// PolicySeed with no error.
func LoadPolicySeed(path string) (*PolicySeed, error) {
	if path == "" {
		return &PolicySeed{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read policy seed %s: %w", path, err)
	}
	var seed PolicySeed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("config: unmarshal policy seed %s: %w", path, err)
	}
	return &seed, nil
}
