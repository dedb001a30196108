package multiplexer

import (
	"github.com/Resinat/Resin/internal/registration"
	"github.com/Resinat/Resin/internal/request"
)

// minDelayMs is the floor below which a recomputed request is applied
// immediately rather than scheduled behind a delayed-register alarm.
const minDelayMs = registration.MinRequestDelayMs

// recomputeMergedLocked recomputes the merged provider request from all
// active, non-passive-interval registrations and applies it immediately
// or behind a delayed-register alarm. Must be called with mx.mu held.
func (mx *Multiplexer) recomputeMergedLocked() {
	var contributors []request.Contributor
	for _, e := range mx.regs {
		if e.reg.Request.IntervalMs == request.PassiveIntervalMs {
			continue
		}
		if !mx.computeActiveLocked(e) {
			continue
		}
		contributors = append(contributors, request.Contributor{EffectiveRequest: e.reg.EffectiveRequest})
	}

	newReq := request.Merge(contributors)
	oldReq := mx.mergedRequest
	if newReq.Equal(oldReq) {
		return
	}

	if (!oldReq.LocationSettingsIgnored && newReq.LocationSettingsIgnored) || newReq.IntervalMs > oldReq.IntervalMs {
		mx.applyMergedLocked(newReq)
		return
	}

	delay := mx.computeDelayLocked(newReq)
	if delay < minDelayMs {
		mx.applyMergedLocked(newReq)
		return
	}

	mx.scheduleDelayedApplyLocked(newReq, delay)
}

// computeDelayLocked implements the delayed-register delay computation: the minimum,
// over all active contributors, of max(0, interval_i - age(lastDelivered_i)),
// bounded above by the new merged interval. Registrations with no
// lastDelivered substitute the age of their best applicable cached
// location as a stand-in, to suppress oscillation from rapid add/remove.
func (mx *Multiplexer) computeDelayLocked(newReq request.ProviderRequest) int64 {
	now := mx.nowMs()
	delay := newReq.IntervalMs

	for _, e := range mx.regs {
		r := e.reg
		if r.Request.IntervalMs == request.PassiveIntervalMs || !mx.computeActiveLocked(e) {
			continue
		}

		var ageMs int64
		if r.LastDelivered != nil {
			ageMs = now - r.LastDelivered.ElapsedRealtimeNanos/1e6
		} else if !r.EffectiveRequest.LocationSettingsIgnored {
			cache := mx.cacheFor(r.Identity.UserID)
			standIn := cache.Get(r.PermissionLevel, r.EffectiveRequest.LocationSettingsIgnored)
			if standIn == nil {
				continue
			}
			ageMs = now - standIn.ElapsedRealtimeNanos/1e6
		} else {
			continue
		}

		candidate := r.EffectiveRequest.IntervalMs - ageMs
		if candidate < 0 {
			candidate = 0
		}
		if candidate < delay {
			delay = candidate
		}
	}

	if delay > newReq.IntervalMs {
		delay = newReq.IntervalMs
	}
	return delay
}

// applyMergedLocked pushes the new merged request to the provider adapter
// immediately and logs the change.
func (mx *Multiplexer) applyMergedLocked(newReq request.ProviderRequest) {
	mx.cancelDelayedAlarmLocked()
	mx.mergedRequest = newReq
	mx.adapter.SetRequest(newReq)
	if mx.collab.EventLog != nil {
		mx.collab.EventLog.LogRequestChange(mx.providerName, newReq)
	}
}

// scheduleDelayedApplyLocked cancels any prior delayed-register alarm and
// schedules a new one at `delay`, tagging it with a generation counter so
// the firing handler can detect and ignore a superseded schedule
// (invariant 6: at most one delayed-register alarm pending at any time).
func (mx *Multiplexer) scheduleDelayedApplyLocked(newReq request.ProviderRequest, delay int64) {
	mx.cancelDelayedAlarmLocked()

	mx.pendingGeneration++
	gen := mx.pendingGeneration
	mx.delayedAlarmActive = true

	mx.delayedAlarmTok = mx.collab.Alarms.Schedule(delay, newReq.WorkSource, func() {
		mx.mu.Lock()
		defer mx.mu.Unlock()
		if !mx.delayedAlarmActive || gen != mx.pendingGeneration {
			return // superseded by a more recent recomputation
		}
		mx.delayedAlarmActive = false
		mx.applyMergedLocked(newReq)
	})
}

// cancelDelayedAlarmLocked cancels any pending delayed-register alarm.
func (mx *Multiplexer) cancelDelayedAlarmLocked() {
	if !mx.delayedAlarmActive {
		return
	}
	mx.collab.Alarms.Cancel(mx.delayedAlarmTok)
	mx.delayedAlarmActive = false
}
