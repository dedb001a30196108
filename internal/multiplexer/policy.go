package multiplexer

import (
	"github.com/Resinat/Resin/internal/collaborators"
	"github.com/Resinat/Resin/internal/provideradapter"
	"github.com/Resinat/Resin/internal/registration"
)

// updateAllRegistrationsLocked is the single mutation API that every
// policy handler composes into: recompute every
// registration's cached eligibility fields and, if anything that could
// affect the merged request changed, recompute it.
func (mx *Multiplexer) updateAllRegistrationsLocked() {
	changed := false
	for _, e := range mx.regs {
		if mx.recomputeRegistrationLocked(e) {
			changed = true
		}
	}
	if changed {
		mx.recomputeMergedLocked()
	}
}

func (mx *Multiplexer) onSettingsChanged() {
	mx.mu.Lock()
	defer mx.mu.Unlock()
	for _, uid := range mx.collab.Users.RunningUserIDs() {
		mx.setEnabledLocked(uid, mx.computeEnabledLocked(uid))
	}
	mx.updateAllRegistrationsLocked()
}

func (mx *Multiplexer) onUserChanged() {
	mx.mu.Lock()
	defer mx.mu.Unlock()

	running := make(map[int]bool)
	for _, uid := range mx.collab.Users.RunningUserIDs() {
		running[uid] = true
		mx.setEnabledLocked(uid, mx.computeEnabledLocked(uid))
	}
	for uid := range mx.enabled {
		if !running[uid] {
			delete(mx.enabled, uid)
			delete(mx.lastLocations, uid)
		}
	}
	mx.updateAllRegistrationsLocked()
}

func (mx *Multiplexer) onPermissionChanged(uid int, packageName string) {
	mx.mu.Lock()
	defer mx.mu.Unlock()

	// A revoked app-op grant must stop being served a stale cached
	// "allowed" verdict immediately rather than for up to the cache's
	// TTL, so drop any cached verdicts before recomputing eligibility.
	if inv, ok := mx.collab.AppOps.(collaborators.AppOpsInvalidator); ok {
		inv.Invalidate()
	}

	changed := false
	for _, e := range mx.regs {
		if e.reg.Identity.UID == uid && e.reg.Identity.PackageName == packageName {
			if mx.recomputeRegistrationLocked(e) {
				changed = true
			}
		}
	}
	if changed {
		mx.recomputeMergedLocked()
	}
}

func (mx *Multiplexer) onForegroundChanged(uid int) {
	mx.mu.Lock()
	defer mx.mu.Unlock()
	changed := false
	for _, e := range mx.regs {
		if e.reg.Identity.UID == uid {
			if mx.recomputeRegistrationLocked(e) {
				changed = true
			}
		}
	}
	if changed {
		mx.recomputeMergedLocked()
	}
}

func (mx *Multiplexer) onPowerSaveChanged(collaborators.PowerSaveMode) {
	mx.mu.Lock()
	defer mx.mu.Unlock()
	mx.updateAllRegistrationsLocked()
}

func (mx *Multiplexer) onScreenChanged(bool) {
	mx.mu.Lock()
	defer mx.mu.Unlock()
	mx.updateAllRegistrationsLocked()
}

// onMockChanged reacts to the adapter's mock-location overlay being
// toggled. Logs every transition; on the overlay being cleared (not
// enabled), also clears any mock-derived last-location entries and
// rotates the Fudger's per-user offsets, so a lingering mock fix or its
// derived coarse offset cannot leak into a real delivery afterward.
func (mx *Multiplexer) onMockChanged(enabled bool) {
	mx.mu.Lock()
	defer mx.mu.Unlock()

	if mx.collab.EventLog != nil {
		mx.collab.EventLog.LogMockChange(mx.providerName, enabled)
	}

	if enabled {
		return
	}

	for _, uid := range mx.collab.Users.RunningUserIDs() {
		mx.cacheFor(uid).ClearMock()
	}
	if mx.collab.Fudger != nil {
		mx.collab.Fudger.ResetOffsets()
	}
}

func (mx *Multiplexer) onProviderStateChanged(provideradapter.State) {
	mx.mu.Lock()
	defer mx.mu.Unlock()
	for _, uid := range mx.collab.Users.RunningUserIDs() {
		mx.setEnabledLocked(uid, mx.computeEnabledLocked(uid))
	}
	mx.updateAllRegistrationsLocked()
}

// computeEnabledLocked implements the enabled-state machine's
// defining equation: enabled = started AND providerAllowed AND
// userLocationEnabled.
func (mx *Multiplexer) computeEnabledLocked(userID int) bool {
	return mx.started && mx.adapter.CurrentState().Allowed && mx.collab.Settings.LocationEnabled(userID)
}

// setEnabledLocked applies the enabled-state transition rules for one
// user: first observation stores without broadcast, unchanged is a no-op,
// and a real change clears normal-slot last-locations on going false,
// notifies continuous non-bypass registrations of that user, logs the
// transition (suppressing the provider-changed broadcast for fused/
// passive per legacy contract — modeled here as simply not logging a
// broadcast-worthy event for those two provider names), and recomputes
// active-ness for that user's registrations.
func (mx *Multiplexer) setEnabledLocked(userID int, newVal bool) {
	old, existed := mx.enabled[userID]
	mx.enabled[userID] = newVal
	if !existed {
		return
	}
	if old == newVal {
		return
	}

	if !newVal {
		mx.cacheFor(userID).ClearNormal()
	}

	broadcastable := mx.providerName != "fused" && mx.providerName != "passive"
	if broadcastable && mx.collab.EventLog != nil {
		mx.collab.EventLog.LogEnabledChange(mx.providerName, userID, newVal)
	}

	if !newVal {
		for _, e := range mx.regs {
			r := e.reg
			if r.Kind == registration.KindContinuous && !r.EffectiveRequest.LocationSettingsIgnored && r.Identity.MatchesUser(userID) {
				transport := e.transport
				go transport.OnProviderDisabled()
			}
		}
	}

	for _, e := range mx.regs {
		if e.reg.Identity.MatchesUser(userID) {
			mx.recomputeRegistrationLocked(e)
		}
	}
	mx.recomputeMergedLocked()
}
