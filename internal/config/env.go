// Package config handles environment-based configuration loading and
// runtime config models for the location-multiplexer daemon.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Resinat/Resin/internal/registration"
)

// DefaultProviders is the set of providers LoadEnvConfig assumes when
// LOCMUX_PROVIDERS is unset, matching the four well-known provider names
// in package manager.
var DefaultProviders = []string{"gps", "network", "fused", "passive"}

// EnvConfig holds all environment-variable-driven settings (not
// hot-updatable): storage locations, the HTTP control surface, the set of
// providers to stand up, and the event log's queue/flush tuning.
type EnvConfig struct {
	// Directories
	StateDir string
	LogDir   string

	// HTTP control surface
	ListenAddress   string
	HTTPPort        int
	APIMaxBodyBytes int

	// Providers to register at startup (manager.Registry keys).
	Providers []string

	// Policy defaults, overridable later via RuntimeConfig.
	BackgroundThrottleIntervalMs int64
	CoarseAccuracyMeters         float64
	MaxJitterCapMs               int64

	// Policy seed file: ignore-settings whitelist, background-throttle
	// whitelist, blacklist, per-provider throttle interval, loaded once
	// at startup via gopkg.in/yaml.v3.
	PolicySeedPath string

	// Event log
	EventLogQueueSize     int
	EventLogFlushBatch    int
	EventLogFlushInterval time.Duration
	EventLogDBMaxMB       int
	EventLogDBRetainCount int

	// Fudger
	FudgerRotationSchedule string

	// Stale last-location pruning sweep
	PruneSchedule string
	PruneMaxAge   time.Duration

	// Auth (must be defined; empty means auth disabled)
	AdminToken string

	// DemoClientEnabled registers one demo continuous registration
	// against the first configured provider at startup, using a
	// uuid-generated ClientKey delivered over a logging stand-in for the
	// intent-like transport a real platform integration would supply.
	// Off by default; meant for local smoke-testing only.
	DemoClientEnabled bool
}

// LoadEnvConfig reads environment variables and returns a validated
// EnvConfig. Returns an error if any required variable is missing or any
// value is invalid.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	// --- Directories ---
	cfg.StateDir = envStr("LOCMUX_STATE_DIR", "/var/lib/locmux")
	cfg.LogDir = envStr("LOCMUX_LOG_DIR", "/var/log/locmux")

	// --- HTTP control surface ---
	cfg.ListenAddress = strings.TrimSpace(envStr("LOCMUX_LISTEN_ADDRESS", "127.0.0.1"))
	cfg.HTTPPort = envInt("LOCMUX_HTTP_PORT", 8478, &errs)
	cfg.APIMaxBodyBytes = envInt("LOCMUX_API_MAX_BODY_BYTES", 1<<16, &errs)

	// --- Providers ---
	cfg.Providers = envStringSlice("LOCMUX_PROVIDERS", DefaultProviders, &errs)

	// --- Policy defaults ---
	cfg.BackgroundThrottleIntervalMs = int64(envInt("LOCMUX_BACKGROUND_THROTTLE_INTERVAL_MS", 30_000, &errs))
	cfg.CoarseAccuracyMeters = envFloat("LOCMUX_COARSE_ACCURACY_METERS", 2000, &errs)
	cfg.MaxJitterCapMs = int64(envInt("LOCMUX_MAX_JITTER_CAP_MS", int(registration.MaxJitterCapMs), &errs))

	cfg.PolicySeedPath = envStr("LOCMUX_POLICY_SEED_PATH", "")

	// --- Event log ---
	cfg.EventLogQueueSize = envInt("LOCMUX_EVENTLOG_QUEUE_SIZE", 8192, &errs)
	cfg.EventLogFlushBatch = envInt("LOCMUX_EVENTLOG_FLUSH_BATCH_SIZE", 4096, &errs)
	cfg.EventLogFlushInterval = envDuration("LOCMUX_EVENTLOG_FLUSH_INTERVAL", 5*time.Minute, &errs)
	cfg.EventLogDBMaxMB = envInt("LOCMUX_EVENTLOG_DB_MAX_MB", 256, &errs)
	cfg.EventLogDBRetainCount = envInt("LOCMUX_EVENTLOG_DB_RETAIN_COUNT", 5, &errs)

	// --- Fudger ---
	cfg.FudgerRotationSchedule = envStr("LOCMUX_FUDGER_ROTATION_SCHEDULE", "0 4 * * 0")

	// --- Stale last-location pruning sweep ---
	cfg.PruneSchedule = envStr("LOCMUX_PRUNE_SCHEDULE", "*/30 * * * *")
	cfg.PruneMaxAge = envDuration("LOCMUX_PRUNE_MAX_AGE", 24*time.Hour, &errs)

	// --- Auth ---
	adminToken, hasAdminToken := os.LookupEnv("LOCMUX_ADMIN_TOKEN")
	cfg.AdminToken = adminToken

	// --- Demo client ---
	cfg.DemoClientEnabled = envBool("LOCMUX_DEMO_CLIENT_ENABLED", false)

	// --- Validation ---
	if !hasAdminToken {
		errs = append(errs, "LOCMUX_ADMIN_TOKEN must be defined (can be empty)")
	}
	if cfg.ListenAddress == "" {
		errs = append(errs, "LOCMUX_LISTEN_ADDRESS must not be empty")
	}
	if len(cfg.Providers) == 0 {
		errs = append(errs, "LOCMUX_PROVIDERS must not be empty")
	}

	validatePort("LOCMUX_HTTP_PORT", cfg.HTTPPort, &errs)
	validatePositive("LOCMUX_API_MAX_BODY_BYTES", cfg.APIMaxBodyBytes, &errs)

	if cfg.BackgroundThrottleIntervalMs <= 0 {
		errs = append(errs, "LOCMUX_BACKGROUND_THROTTLE_INTERVAL_MS must be positive")
	}
	if cfg.CoarseAccuracyMeters <= 0 {
		errs = append(errs, "LOCMUX_COARSE_ACCURACY_METERS must be positive")
	}
	if cfg.MaxJitterCapMs <= 0 || cfg.MaxJitterCapMs > registration.MaxJitterCapMs {
		errs = append(errs, fmt.Sprintf("LOCMUX_MAX_JITTER_CAP_MS must be in (0, %d]", registration.MaxJitterCapMs))
	}

	validatePositive("LOCMUX_EVENTLOG_QUEUE_SIZE", cfg.EventLogQueueSize, &errs)
	validatePositive("LOCMUX_EVENTLOG_FLUSH_BATCH_SIZE", cfg.EventLogFlushBatch, &errs)
	validatePositive("LOCMUX_EVENTLOG_DB_MAX_MB", cfg.EventLogDBMaxMB, &errs)
	validatePositive("LOCMUX_EVENTLOG_DB_RETAIN_COUNT", cfg.EventLogDBRetainCount, &errs)
	if cfg.EventLogFlushInterval <= 0 {
		errs = append(errs, "LOCMUX_EVENTLOG_FLUSH_INTERVAL must be positive")
	}
	if cfg.EventLogQueueSize < 2*cfg.EventLogFlushBatch {
		errs = append(errs, "LOCMUX_EVENTLOG_QUEUE_SIZE must be at least 2x LOCMUX_EVENTLOG_FLUSH_BATCH_SIZE")
	}

	if _, err := cron.ParseStandard(cfg.FudgerRotationSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("LOCMUX_FUDGER_ROTATION_SCHEDULE: invalid cron expression %q: %v", cfg.FudgerRotationSchedule, err))
	}
	if _, err := cron.ParseStandard(cfg.PruneSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("LOCMUX_PRUNE_SCHEDULE: invalid cron expression %q: %v", cfg.PruneSchedule, err))
	}
	if cfg.PruneMaxAge <= 0 {
		errs = append(errs, "LOCMUX_PRUNE_MAX_AGE must be positive")
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}

	return cfg, nil
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envFloat(key string, defaultVal float64, errs *[]string) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid float %q", key, v))
		return defaultVal
	}
	return f
}

func envDuration(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envStringSlice(key string, defaultVal []string, errs *[]string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid JSON string array %q", key, v))
		return defaultVal
	}
	if out == nil {
		return []string{}
	}
	return out
}

func validatePort(name string, value int, errs *[]string) {
	if value < 1 || value > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port must be 1-65535, got %d", name, value))
	}
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}
