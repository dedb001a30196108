// Package collaborators defines the external interfaces the multiplexer
// consumes: settings, user/session state, alarms, app-ops, permissions,
// foreground, power-save mode, screen state, attribution, the
// passive-provider hook, and the event log. The multiplexer depends only
// on these interfaces; this package also ships small in-memory fakes
// (fakes.go) used by cmd/locmux and by multiplexer's own tests,
// hand-written rather than generated mocks.
package collaborators

import (
	"github.com/Resinat/Resin/internal/calleridentity"
	"github.com/Resinat/Resin/internal/request"
)

// PowerSaveMode enumerates LocationPowerSaveModeHelper's possible modes.
type PowerSaveMode int

const (
	PowerSaveNoChange PowerSaveMode = iota
	PowerSaveForegroundOnly
	PowerSaveGPSDisabledWhenScreenOff
	PowerSaveThrottleWhenScreenOff
	PowerSaveAllDisabledWhenScreenOff
)

func (m PowerSaveMode) String() string {
	switch m {
	case PowerSaveForegroundOnly:
		return "FOREGROUND_ONLY"
	case PowerSaveGPSDisabledWhenScreenOff:
		return "GPS_DISABLED_WHEN_SCREEN_OFF"
	case PowerSaveThrottleWhenScreenOff:
		return "THROTTLE_REQUESTS_WHEN_SCREEN_OFF"
	case PowerSaveAllDisabledWhenScreenOff:
		return "ALL_DISABLED_WHEN_SCREEN_OFF"
	default:
		return "NO_CHANGE"
	}
}

// SettingsHelper reads per-user/location settings and lets the
// multiplexer subscribe to changes.
type SettingsHelper interface {
	LocationEnabled(userID int) bool
	BackgroundThrottleIntervalMs() int64
	Blacklisted(packageName string) bool
	OnBackgroundThrottleWhitelist(packageName string) bool
	OnIgnoreSettingsWhitelist(packageName string) bool
	CoarseAccuracyMeters() float64

	// Subscribe registers fn to be called whenever any watched setting
	// changes; it returns an unsubscribe func.
	Subscribe(fn func()) (unsubscribe func())
}

// UserInfoHelper exposes the running/current-user model.
type UserInfoHelper interface {
	RunningUserIDs() []int
	CurrentUserID() int

	// SubscribeUserChanges registers fn to be called on user
	// started/stopped/current-changed events; returns an unsubscribe func.
	SubscribeUserChanges(fn func()) (unsubscribe func())
}

// AlarmToken identifies a previously scheduled alarm for cancellation.
type AlarmToken uint64

// AlarmHelper schedules and cancels one-shot alarms.
type AlarmHelper interface {
	// Schedule arranges for fn to run after delayMs, attributed to
	// workSource for power accounting. Returns a token valid for Cancel.
	Schedule(delayMs int64, workSource request.WorkSource, fn func()) AlarmToken
	Cancel(token AlarmToken)
}

// AppOpsHelper performs the per-delivery app-op accounting check.
type AppOpsHelper interface {
	NoteOpNoThrow(level request.PermissionLevel, identity Identity) bool
}

// AppOpsInvalidator is optionally implemented by an AppOpsHelper that
// caches verdicts (CachingAppOps): it lets a caller drop stale cached
// verdicts when it learns out of band that a grant changed, instead of
// waiting out the cache's TTL. Most AppOpsHelper implementations have
// nothing to invalidate and need not implement this.
type AppOpsInvalidator interface {
	Invalidate()
}

// Identity aliases calleridentity.Identity so collaborator interfaces read
// naturally without every implementation needing its own import alias.
type Identity = calleridentity.Identity

// LocationPermissionsHelper checks and reports changes to location
// permission grants.
type LocationPermissionsHelper interface {
	HasLocationPermission(level request.PermissionLevel, identity Identity) bool

	// SubscribePermissionChanges registers fn(uid, packageName) to be
	// called whenever a relevant permission grant changes; returns an
	// unsubscribe func.
	SubscribePermissionChanges(fn func(uid int, packageName string)) (unsubscribe func())
}

// AppForegroundHelper tracks per-uid foreground state.
type AppForegroundHelper interface {
	IsAppForeground(uid int) bool

	// SubscribeForegroundChanges registers fn(uid) to be called whenever a
	// uid's foreground state changes; returns an unsubscribe func.
	SubscribeForegroundChanges(fn func(uid int)) (unsubscribe func())
}

// LocationPowerSaveModeHelper exposes the current device power-save mode.
type LocationPowerSaveModeHelper interface {
	CurrentMode() PowerSaveMode
	Subscribe(fn func(PowerSaveMode)) (unsubscribe func())
}

// ScreenInteractiveHelper exposes screen-on/off state.
type ScreenInteractiveHelper interface {
	IsInteractive() bool
	Subscribe(fn func(interactive bool)) (unsubscribe func())
}

// AttributionHelper reports location-session and high-power state changes
// for power/privacy accounting dashboards.
type AttributionHelper interface {
	ReportLocationStart(identity Identity, provider string, clientKey interface{})
	ReportLocationStop(identity Identity, provider string, clientKey interface{})
	ReportHighPowerStart(identity Identity, provider string, clientKey interface{})
	ReportHighPowerStop(identity Identity, provider string, clientKey interface{})
}

// PassiveProviderManager is the optional passive-fan-out hook: when
// present, every accepted, non-passive fix is also forwarded here
// verbatim. The passive fan-out itself is only a hook, not something
// this module implements.
type PassiveProviderManager interface {
	UpdateLocation(providerName string, userID int, fix interface{})
}

// EventLog records timestamped lifecycle events for diagnostics. The
// concrete, persistence-backed implementation lives in package eventlog;
// this interface is what the multiplexer depends on.
type EventLog interface {
	LogRegister(clientKey interface{}, identity Identity, kind string)
	LogUnregister(clientKey interface{}, reason string)
	LogRequestChange(providerName string, req request.ProviderRequest)
	LogReceive(providerName string, numRegistrations int)
	LogDeliver(clientKey interface{}, success bool)
	LogEnabledChange(providerName string, userID int, enabled bool)
	LogMockChange(providerName string, enabled bool)
}
