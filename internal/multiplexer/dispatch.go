package multiplexer

import (
	"github.com/Resinat/Resin/internal/geopoint"
	"github.com/Resinat/Resin/internal/onceaction"
	"github.com/Resinat/Resin/internal/registration"
	"github.com/Resinat/Resin/internal/wakelock"
)

// onReportLocation is the provider adapter's fix callback ("Incoming
// fix"). It is invoked on an arbitrary goroutine by the adapter and takes
// the lock itself.
func (mx *Multiplexer) onReportLocation(fixes []*geopoint.Location) {
	mx.mu.Lock()
	defer mx.mu.Unlock()

	for _, fix := range fixes {
		if fix == nil {
			continue
		}
		if !fix.IsFromMockProvider && (fix.IsZeroIsland() || !fix.IsComplete) {
			continue // ValidationFailure: drop the fix entirely
		}
		mx.applyFixLocked(fix)
	}

	if mx.collab.EventLog != nil {
		mx.collab.EventLog.LogReceive(mx.providerName, len(mx.regs))
	}
}

// applyFixLocked implements the remaining steps of incoming-fix handling for
// one accepted fix: update every running user's last-location cache
// entries, fan out to every registration's acceptance test independently,
// then forward to the passive-provider hook if configured.
func (mx *Multiplexer) applyFixLocked(fix *geopoint.Location) {
	for _, uid := range mx.collab.Users.RunningUserIDs() {
		cache := mx.cacheFor(uid)
		cache.SetBypass(fix)
		if mx.enabled[uid] {
			cache.Set(fix)
		}
	}

	for _, e := range mx.regs {
		r := e.reg
		deliveryLoc := fix
		if !r.PermissionLevel.IsFine() {
			deliveryLoc = mx.collab.Fudger.CreateCoarse(r.Identity.UserID, fix)
		}
		mx.tryDeliverLocked(e, fix, deliveryLoc)
	}

	if mx.collab.Passive != nil {
		mx.collab.Passive.UpdateLocation(mx.providerName, -1, fix)
	}
}

// tryDeliverLocked runs the fix-acceptance test for one registration
// against one candidate fix and, if accepted, dispatches delivery on a
// fresh goroutine outside the lock, re-acquiring the lock only for the
// brief post-delivery bookkeeping.
func (mx *Multiplexer) tryDeliverLocked(e *regEntry, fineFix, deliveryLoc *geopoint.Location) {
	r := e.reg
	if !mx.computeActiveLocked(e) {
		return
	}

	result := r.EvaluateFix(mx.nowMs(), fineFix, deliveryLoc)
	switch result {
	case registration.AcceptRejectExpired:
		oneShot := r.Kind == registration.KindOneShot
		mx.removeLocked(e, "expired")
		if oneShot {
			mx.dispatchNullLocked(e)
		}
		return
	case registration.AcceptRejectRateLimited:
		return
	}

	if !mx.collab.AppOps.NoteOpNoThrow(r.PermissionLevel, r.Identity) {
		return // AppOpDenied: silently drop this delivery only
	}

	var tok *wakelock.Token
	if !deliveryLoc.IsFromMockProvider {
		tok = mx.wake.Acquire(wakelock.DefaultTimeout)
	}
	release := onceaction.New(func() {
		if tok != nil {
			tok.Release()
		}
	})

	mx.collab.Attribution.ReportLocationStart(r.Identity, mx.providerName, r.ClientKey)

	delivered := deliveryLoc.Clone()
	transport := e.transport
	clientKey := r.ClientKey
	maxUpdates := r.Request.MaxUpdates

	// Pre-phase: update LastDelivered synchronously, under the lock,
	// before the delivery itself is attempted — not after it returns —
	// so a second fix arriving while this delivery is still in flight
	// evaluates its acceptance test against this one's timestamp instead
	// of a stale one, and the two cannot both pass the rate-limit check.
	r.MarkLastDelivered(delivered)

	go func() {
		ok := transport.Deliver(delivered)
		release.Invoke()

		mx.mu.Lock()
		defer mx.mu.Unlock()
		mx.collab.Attribution.ReportLocationStop(r.Identity, mx.providerName, clientKey)

		entry, present := mx.regs[clientKey]
		if !present || entry != e {
			return // already removed by the time delivery finished
		}
		if mx.collab.EventLog != nil {
			mx.collab.EventLog.LogDeliver(clientKey, ok)
		}
		if !ok {
			mx.removeLocked(e, "clientGone")
			return
		}
		selfRemove := r.RecordDeliverySuccess(maxUpdates)
		if selfRemove || r.Kind == registration.KindOneShot {
			reason := "delivered"
			if selfRemove {
				reason = "maxUpdates"
			}
			mx.removeLocked(e, reason)
		}
	}()
}

// dispatchNullLocked delivers the "no location" signal to a one-shot
// registration on expiration or give-up, outside the lock.
func (mx *Multiplexer) dispatchNullLocked(e *regEntry) {
	transport := e.transport
	go transport.Deliver(nil)
}

// InjectLastLocation implements injectLastLocation: sets the fine
// normal slot only if absent, never clobbering a real fix.
func (mx *Multiplexer) InjectLastLocation(loc *geopoint.Location, userID int) {
	mx.mu.Lock()
	defer mx.mu.Unlock()
	mx.cacheFor(userID).InjectIfAbsent(loc)
}

