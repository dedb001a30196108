package multiplexer

import (
	"github.com/Resinat/Resin/internal/calleridentity"
	"github.com/Resinat/Resin/internal/registration"
	"github.com/Resinat/Resin/internal/request"
)

// RegisterContinuous installs a streaming registration under clientKey. If
// clientKey is already present, the new registration replaces the old one
// and inherits its lastDeliveredLocation so acceptance-test scheduling
// can benefit immediately.
func (mx *Multiplexer) RegisterContinuous(key registration.ClientKey, id calleridentity.Identity, req request.LocationRequest, level request.PermissionLevel, historicalOptIn bool, transport Transport) error {
	mx.mu.Lock()
	defer mx.mu.Unlock()

	reg, err := registration.NewContinuous(key, id, req, level, historicalOptIn)
	if err != nil {
		return err
	}

	var inherited *registration.Registration
	if old, ok := mx.regs[key]; ok {
		inherited = old.reg
		mx.releaseResourcesLocked(old)
	}
	if inherited != nil {
		reg.LastDelivered = inherited.LastDelivered
	}

	e := &regEntry{reg: reg, transport: transport}
	mx.regs[key] = e
	mx.onRegisterLocked(e)
	return nil
}

// GetCurrentLocation installs a one-shot registration. Returns a
// cancel function the caller may invoke to remove it idempotently before
// it otherwise self-removes.
func (mx *Multiplexer) GetCurrentLocation(key registration.ClientKey, id calleridentity.Identity, req request.LocationRequest, level request.PermissionLevel, transport Transport) (cancel func(), err error) {
	mx.mu.Lock()
	defer mx.mu.Unlock()

	reg, err := registration.NewOneShot(key, id, req, level, mx.nowMs())
	if err != nil {
		return nil, err
	}
	if old, ok := mx.regs[key]; ok {
		mx.releaseResourcesLocked(old)
	}

	e := &regEntry{reg: reg, transport: transport}
	mx.regs[key] = e
	mx.onRegisterLocked(e)

	return func() { mx.Unregister(key) }, nil
}

// Unregister idempotently removes a registration by key.
func (mx *Multiplexer) Unregister(key registration.ClientKey) {
	mx.mu.Lock()
	defer mx.mu.Unlock()
	e, ok := mx.regs[key]
	if !ok {
		return
	}
	mx.removeLocked(e, "clientUnregister")
}

// onRegisterLocked runs the common onRegister sequence: install the
// expiration alarm (every kind), send a continuous registration an
// immediate disabled notice if its provider is already disabled for its
// user, recompute eligibility (running the becoming-active checks),
// recompute the merged request, and log the registration. No
// per-registration provider-enabled subscription is installed.
func (mx *Multiplexer) onRegisterLocked(e *regEntry) {
	r := e.reg

	// Every registration gets an expiration alarm: continuous per its
	// configured expirationRealtimeMs (possibly "none"), one-shot per its
	// clamped ≤30s duration cap — without it, a one-shot with no cache
	// hit and no incoming fix would never terminate.
	mx.installExpirationAlarmLocked(e)
	if r.Kind == registration.KindContinuous {
		mx.notifyIfAlreadyDisabledLocked(e)
	}

	// recomputeRegistrationLocked diffs against e.active, which starts
	// false for a fresh entry, so an immediately-active registration
	// fires onBecameActiveLocked here without a separate check.
	mx.recomputeRegistrationLocked(e)
	mx.recomputeMergedLocked()

	if mx.collab.EventLog != nil {
		mx.collab.EventLog.LogRegister(r.ClientKey, r.Identity, r.Kind.String())
	}
}

// installExpirationAlarmLocked installs a registration's expiration
// alarm, firing immediately (via the alarm collaborator) if the
// expiration is already in the past — the collaborator is trusted to
// honor a non-positive delay as "fire now". Continuous registrations
// simply self-remove on fire; one-shot registrations additionally
// deliver a null location first, since expiration is the caller's only
// signal that no fix ever arrived.
func (mx *Multiplexer) installExpirationAlarmLocked(e *regEntry) {
	r := e.reg
	delay := r.ExpirationRealtimeMs - mx.nowMs()
	key := r.ClientKey
	e.hasAlarm = true
	e.alarmTok = mx.collab.Alarms.Schedule(delay, r.Request.WorkSource, func() {
		mx.mu.Lock()
		defer mx.mu.Unlock()
		entry, ok := mx.regs[key]
		if !ok || entry != e {
			return
		}
		if entry.reg.Kind == registration.KindOneShot {
			mx.dispatchNullLocked(entry)
		}
		mx.removeLocked(entry, "expired")
	})
}

// notifyIfAlreadyDisabledLocked delivers one immediate disabled
// notification at registration time if the provider is already disabled
// for the registration's user. Later transitions are covered by
// setEnabledLocked's own notification loop, not a per-registration
// subscription.
func (mx *Multiplexer) notifyIfAlreadyDisabledLocked(e *regEntry) {
	r := e.reg
	if !r.Identity.IsAllUsers() && !mx.enabled[r.Identity.UserID] {
		transport := e.transport
		go transport.OnProviderDisabled()
	}
}

// onBecameActiveLocked implements the becoming-active historical
// delivery check and the one-shot cache-satisfaction check.
func (mx *Multiplexer) onBecameActiveLocked(e *regEntry) {
	r := e.reg
	cache := mx.cacheFor(r.Identity.UserID)

	if r.Kind == registration.KindOneShot {
		loc := cache.Get(r.PermissionLevel, r.EffectiveRequest.LocationSettingsIgnored)
		if loc != nil && loc.AgeNs(mx.nowMs()*1_000_000) <= registration.MaxCurrentLocationAgeMs*1_000_000 {
			mx.tryDeliverLocked(e, loc, loc)
		}
		return
	}

	maxAgeMs, ok := r.HistoricalDeliveryMaxAge(mx.nowMs())
	if !ok || maxAgeMs <= minDelayMs {
		return
	}
	loc := cache.Get(r.PermissionLevel, r.EffectiveRequest.LocationSettingsIgnored)
	if loc == nil {
		return
	}
	ageMs := mx.nowMs() - loc.ElapsedRealtimeNanos/1e6
	if ageMs > maxAgeMs {
		return
	}
	mx.tryDeliverLocked(e, loc, loc)
}

// onBecameInactiveOneShotLocked implements the one-shot "on becoming
// inactive while not settings-ignored" rule: the caller will never
// receive anything once inactive, so fail fast with a null delivery and
// self-remove instead of waiting out the duration cap. A one-shot that
// becomes inactive while settings-ignored is left to keep waiting,
// matching documented (if questionable) behavior.
func (mx *Multiplexer) onBecameInactiveOneShotLocked(e *regEntry) {
	mx.dispatchNullLocked(e)
	mx.removeLocked(e, "becameInactive")
}

// removeLocked is the single idempotent removal path: release resources,
// drop from the registry, log, and recompute the merged request.
func (mx *Multiplexer) removeLocked(e *regEntry, reason string) {
	if e.reg.Removed() {
		return
	}
	mx.releaseResourcesLocked(e)
	delete(mx.regs, e.reg.ClientKey)
	if mx.collab.EventLog != nil {
		mx.collab.EventLog.LogUnregister(e.reg.ClientKey, reason)
	}
	mx.recomputeMergedLocked()
}

// releaseResourcesLocked tears down everything a registration holds
// (expiration alarm, high-power attribution) without touching the
// registry map — shared by removeLocked and StopManager's bulk teardown.
func (mx *Multiplexer) releaseResourcesLocked(e *regEntry) {
	r := e.reg
	if r.Removed() {
		return
	}
	r.MarkRemoved()
	if e.hasAlarm {
		mx.collab.Alarms.Cancel(e.alarmTok)
		e.hasAlarm = false
	}
	if r.UsingHighPower && !r.Request.HiddenFromAppOps {
		mx.collab.Attribution.ReportHighPowerStop(r.Identity, mx.providerName, r.ClientKey)
	}
}
