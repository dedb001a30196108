package multiplexer

import (
	"github.com/Resinat/Resin/internal/calleridentity"
	"github.com/Resinat/Resin/internal/collaborators"
	"github.com/Resinat/Resin/internal/registration"
	"github.com/Resinat/Resin/internal/request"
)

// isProvider reports whether a caller is itself a location-provider
// implementation and therefore exempt from the ignore-settings-whitelist
// and throttle-exemption checks. There is no separate provider-identity
// concept in this module's data model, so the system flag on
// CallerIdentity is reused for it — a caller-supplied Identity with
// IsSystem set is assumed to be a trusted system component.
func isProvider(id calleridentity.Identity) bool {
	return id.IsSystem
}

// powerSaveAllows implements the power-save mode eligibility mapping.
func powerSaveAllows(mode collaborators.PowerSaveMode, providerIsGPS, screenInteractive bool) bool {
	switch mode {
	case collaborators.PowerSaveForegroundOnly:
		return false // caller must additionally check `foreground` itself
	case collaborators.PowerSaveGPSDisabledWhenScreenOff:
		if !providerIsGPS {
			return true
		}
		return screenInteractive
	case collaborators.PowerSaveThrottleWhenScreenOff, collaborators.PowerSaveAllDisabledWhenScreenOff:
		return screenInteractive
	default:
		return true
	}
}

// computeActiveLocked implements invariant 3: permitted AND (settingsIgnored
// OR (userEnabled AND (isSystem OR userIsCurrent) AND powerSaveAllows AND
// notBlacklisted)). Must be called with mx.mu held.
func (mx *Multiplexer) computeActiveLocked(e *regEntry) bool {
	r := e.reg
	if !r.Permitted {
		return false
	}
	if r.EffectiveRequest.LocationSettingsIgnored {
		return true
	}

	userEnabled := mx.userEnabledForLocked(r.Identity)
	if !userEnabled {
		return false
	}

	currentUserID := mx.collab.Users.CurrentUserID()
	if !r.Identity.IsSystem && !r.Identity.MatchesUser(currentUserID) {
		return false
	}

	mode := mx.collab.PowerSave.CurrentMode()
	props := mx.adapter.CurrentState().Properties
	screenOK := powerSaveAllows(mode, props.IsGPS, mx.collab.Screen.IsInteractive())
	if mode == collaborators.PowerSaveForegroundOnly {
		screenOK = r.Foreground
	}
	if !screenOK {
		return false
	}

	if mx.collab.Settings.Blacklisted(r.Identity.PackageName) {
		return false
	}
	return true
}

// userEnabledForLocked resolves the per-user enabled flag for an identity
// potentially scoped to "all users".
func (mx *Multiplexer) userEnabledForLocked(id calleridentity.Identity) bool {
	if id.IsAllUsers() {
		return mx.enabled[mx.collab.Users.CurrentUserID()]
	}
	return mx.enabled[id.UserID]
}

// recomputeRegistrationLocked refreshes permitted/foreground/effective
// request/using-high-power for one registration and reports any
// attribution transition. It also diffs active-ness against the entry's
// last-known value and fires the becoming-active/becoming-inactive
// hooks on every edge, not just at registration time — a registration
// may become active and inactive any number of times over its life (a
// permission grant, a screen toggle, a user switch, …), and each such
// edge must re-run the same hooks registration time runs. Returns true
// if anything that could affect the merged provider request changed.
func (mx *Multiplexer) recomputeRegistrationLocked(e *regEntry) bool {
	r := e.reg

	oldEffective := r.EffectiveRequest
	oldActive := e.active

	r.Permitted = mx.collab.Permissions.HasLocationPermission(r.PermissionLevel, r.Identity)
	r.Foreground = mx.collab.Foreground.IsAppForeground(r.Identity.UID)

	onIgnoreWL := mx.collab.Settings.OnIgnoreSettingsWhitelist(r.Identity.PackageName)
	onThrottleWL := mx.collab.Settings.OnBackgroundThrottleWhitelist(r.Identity.PackageName)
	provider := isProvider(r.Identity)
	throttleMs := mx.collab.Settings.BackgroundThrottleIntervalMs()

	r.EffectiveRequest = registration.ComputeEffectiveRequest(r.Request, r.PermissionLevel, onIgnoreWL, provider, onThrottleWL, r.Foreground, throttleMs)

	newActive := mx.computeActiveLocked(e)
	e.active = newActive
	props := mx.adapter.CurrentState().Properties
	newHighPower := registration.ComputeUsingHighPower(newActive, r.EffectiveRequest.IntervalMs, props.RequiresHighPower)

	if newHighPower != r.UsingHighPower {
		r.UsingHighPower = newHighPower
		if !r.Request.HiddenFromAppOps {
			if newHighPower {
				mx.collab.Attribution.ReportHighPowerStart(r.Identity, mx.providerName, r.ClientKey)
			} else {
				mx.collab.Attribution.ReportHighPowerStop(r.Identity, mx.providerName, r.ClientKey)
			}
		}
	}

	changed := !equalEffective(r.EffectiveRequest, oldEffective) || newActive != oldActive

	if newActive && !oldActive {
		mx.onBecameActiveLocked(e)
	} else if oldActive && !newActive && r.Kind == registration.KindOneShot && !r.EffectiveRequest.LocationSettingsIgnored {
		mx.onBecameInactiveOneShotLocked(e)
	}

	return changed
}

func equalEffective(a, b request.LocationRequest) bool {
	return a.IntervalMs == b.IntervalMs &&
		a.Quality == b.Quality &&
		a.LowPower == b.LowPower &&
		a.LocationSettingsIgnored == b.LocationSettingsIgnored &&
		a.WorkSource.Equal(b.WorkSource)
}
