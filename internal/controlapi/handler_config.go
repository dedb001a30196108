package controlapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/Resinat/Resin/internal/config"
	"github.com/Resinat/Resin/internal/settingsstore"
)

// mergePatch is the project's constrained PATCH body format, grounded on
// service.mergePatch/patch_helpers.go: only a non-empty JSON object is
// accepted, and null field values are rejected rather than treated as
// RFC 7396 "delete this field" (RuntimeConfig has no deletable fields).
type mergePatch map[string]any

func parseMergePatch(body []byte) (mergePatch, error) {
	var patch map[string]any
	if err := json.Unmarshal(body, &patch); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if len(patch) == 0 {
		return nil, fmt.Errorf("empty patch")
	}
	return mergePatch(patch), nil
}

var configPatchAllowedFields = map[string]bool{
	"background_throttle_interval": true,
	"coarse_accuracy_meters":       true,
	"max_jitter_cap":               true,
}

func (p mergePatch) validate() error {
	for key, val := range p {
		if !configPatchAllowedFields[key] {
			return fmt.Errorf("unknown field: %q", key)
		}
		if val == nil {
			return fmt.Errorf("null value not allowed for field: %q", key)
		}
	}
	return nil
}

func (p mergePatch) optionalDuration(field string) (config.Duration, bool, error) {
	raw, ok := p[field]
	if !ok {
		return 0, false, nil
	}
	s, ok := raw.(string)
	if !ok {
		return 0, true, fmt.Errorf("%s: must be a duration string", field)
	}
	var d config.Duration
	if err := (&d).UnmarshalJSON([]byte(`"` + s + `"`)); err != nil {
		return 0, true, fmt.Errorf("%s: %w", field, err)
	}
	return d, true, nil
}

func (p mergePatch) optionalFloat(field string) (float64, bool, error) {
	raw, ok := p[field]
	if !ok {
		return 0, false, nil
	}
	f, ok := raw.(float64)
	if !ok {
		return 0, true, fmt.Errorf("%s: must be a number", field)
	}
	return f, true, nil
}

// HandleGetConfig serves GET /config: the current RuntimeConfig snapshot.
func HandleGetConfig(runtimeCfg *atomic.Pointer[config.RuntimeConfig]) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, runtimeCfg.Load())
	}
}

// HandlePatchConfig serves PATCH /config: a constrained merge-patch over
// RuntimeConfig. Background throttle interval and coarse accuracy are
// also pushed into settingsstore so collaborators.SettingsHelper
// observers (every running Multiplexer) pick up the change; max jitter
// cap is informational only (the acceptance-test ceiling itself is the
// registration package's MaxJitterCapMs constant).
func HandlePatchConfig(runtimeCfg *atomic.Pointer[config.RuntimeConfig], store *settingsstore.Store, nowNs func() int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, ok := readBodyOrWriteInvalid(w, r)
		if !ok {
			return
		}

		patch, err := parseMergePatch(body)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
			return
		}
		if err := patch.validate(); err != nil {
			WriteError(w, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
			return
		}

		current := *runtimeCfg.Load()
		updated := current

		if d, present, err := patch.optionalDuration("background_throttle_interval"); err != nil {
			WriteError(w, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
			return
		} else if present {
			if d.Std() <= 0 {
				WriteError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "background_throttle_interval must be positive")
				return
			}
			updated.BackgroundThrottleInterval = d
		}

		if f, present, err := patch.optionalFloat("coarse_accuracy_meters"); err != nil {
			WriteError(w, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
			return
		} else if present {
			if f <= 0 {
				WriteError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "coarse_accuracy_meters must be positive")
				return
			}
			updated.CoarseAccuracyMeters = f
		}

		if d, present, err := patch.optionalDuration("max_jitter_cap"); err != nil {
			WriteError(w, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
			return
		} else if present {
			if d.Std() <= 0 {
				WriteError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "max_jitter_cap must be positive")
				return
			}
			updated.MaxJitterCap = d
		}

		if store != nil {
			if err := store.SetRuntimeSettings(updated.BackgroundThrottleInterval.Std().Milliseconds(), updated.CoarseAccuracyMeters, nowNs()); err != nil {
				WriteError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
				return
			}
		}

		runtimeCfg.Store(&updated)
		WriteJSON(w, http.StatusOK, &updated)
	}
}
