// Package registration models a single client subscription to a provider
// multiplexer: a common contract shared by the two concrete variants,
// continuous and one-shot.
//
// Registration is deliberately a pure-data-plus-pure-functions package: it
// holds mutable state and exposes computation helpers (ComputeEffective
// Request, EvaluateFix, Jitter, ...), but it never calls back into the
// multiplexer. All orchestration — alarms, wakelocks, death-watches,
// transport dispatch, event-log writes — is owned by package multiplexer,
// which is the only thing that closes over a Registration and a
// Multiplexer at the same time. That keeps the dependency graph a DAG
// despite Registration needing a "remove me" escape hatch: multiplexer
// supplies that escape hatch as a plain closure (the cancel func returned
// by Multiplexer.GetCurrentLocation), not as a back-reference.
package registration

import (
	"errors"
	"fmt"

	"github.com/Resinat/Resin/internal/calleridentity"
	"github.com/Resinat/Resin/internal/geopoint"
	"github.com/Resinat/Resin/internal/request"
)

// Kind distinguishes the two Registration variants.
type Kind int

const (
	KindContinuous Kind = iota
	KindOneShot
)

func (k Kind) String() string {
	if k == KindOneShot {
		return "ONE_SHOT"
	}
	return "CONTINUOUS"
}

// ClientKey uniquely identifies a Registration within a Multiplexer: a
// binder handle, an intent object, or (in this module) any comparable
// value the caller chooses to hand back on Unregister.
type ClientKey interface{}

// MinCoarseIntervalMs floors the effective interval offered to any
// registration holding only coarse permission.
const MinCoarseIntervalMs int64 = 10 * 60 * 1000

// MaxOneShotDurationMs is the one-shot duration cap.
const MaxOneShotDurationMs int64 = 30 * 1000

// MinRequestDelayMs gates historical delivery on becoming active.
const MinRequestDelayMs int64 = 30 * 1000

// MaxCurrentLocationAgeMs bounds one-shot cache satisfaction.
const MaxCurrentLocationAgeMs int64 = 10 * 1000

// MaxJitterCapMs is the absolute ceiling on acceptance-test jitter.
const MaxJitterCapMs int64 = 5000

// ErrEmptyWorkSource and ErrInvalidPermissionLevel are the synchronous
// configuration-time validation failures.
var (
	ErrEmptyWorkSource        = errors.New("registration: workSource must be non-empty")
	ErrInvalidPermissionLevel = errors.New("registration: permissionLevel must be COARSE or FINE")
)

// Registration is one client's subscription. All fields are mutated only
// by the owning Multiplexer, which serializes access under its own coarse
// lock; nothing here is independently thread-safe.
type Registration struct {
	Kind           Kind
	ClientKey      ClientKey
	Identity       calleridentity.Identity
	PermissionLevel request.PermissionLevel
	Request        request.LocationRequest
	ExpirationRealtimeMs int64

	// Mutable, policy-event-driven cache (eligibility inputs recomputed on every policy event).
	EffectiveRequest request.LocationRequest
	Permitted        bool
	Foreground       bool
	UsingHighPower   bool

	LastDelivered *geopoint.Location
	NumDelivered  int

	// HistoricalDeliveryOptIn mirrors the continuous-only "opted into
	// historical delivery" flag; ignored for one-shot.
	HistoricalDeliveryOptIn bool

	removed bool
}

// NewContinuous validates and constructs a continuous registration. It does
// not install alarms, wakelocks, or death-watches — that is the
// multiplexer's job once the Registration is admitted into its registry.
func NewContinuous(key ClientKey, id calleridentity.Identity, req request.LocationRequest, level request.PermissionLevel, historicalOptIn bool) (*Registration, error) {
	r, err := newCommon(key, id, req, level)
	if err != nil {
		return nil, err
	}
	r.Kind = KindContinuous
	r.HistoricalDeliveryOptIn = historicalOptIn
	return r, nil
}

// NewOneShot validates and constructs a one-shot registration, clamping
// duration to MaxOneShotDurationMs before any other processing.
func NewOneShot(key ClientKey, id calleridentity.Identity, req request.LocationRequest, level request.PermissionLevel, nowRealtimeMs int64) (*Registration, error) {
	if req.DurationMs <= 0 || req.DurationMs > MaxOneShotDurationMs {
		req.DurationMs = MaxOneShotDurationMs
	}
	req.ExpirationRealtimeMs = nowRealtimeMs + req.DurationMs
	r, err := newCommon(key, id, req, level)
	if err != nil {
		return nil, err
	}
	r.Kind = KindOneShot
	return r, nil
}

func newCommon(key ClientKey, id calleridentity.Identity, req request.LocationRequest, level request.PermissionLevel) (*Registration, error) {
	if len(req.WorkSource) == 0 {
		return nil, ErrEmptyWorkSource
	}
	if level != request.PermissionCoarse && level != request.PermissionFine {
		return nil, ErrInvalidPermissionLevel
	}
	exp := req.ExpirationRealtimeMs
	if exp == 0 {
		exp = request.ExpirationNone
	}
	return &Registration{
		ClientKey:            key,
		Identity:             id,
		PermissionLevel:      level,
		Request:              req,
		ExpirationRealtimeMs: exp,
		EffectiveRequest:     req,
	}, nil
}

// Removed reports whether the registration has already been torn down.
// Removal is idempotent at the multiplexer layer; this flag lets it detect
// a no-op second removal.
func (r *Registration) Removed() bool { return r.removed }

// MarkRemoved flips the terminal removed flag. Called by the multiplexer
// exactly once per registration, inside releaseResourcesLocked.
func (r *Registration) MarkRemoved() { r.removed = true }

// ComputeEffectiveRequest derives the effective-request, given the
// collaborator-sourced inputs the multiplexer already resolved for this
// registration.
func ComputeEffectiveRequest(original request.LocationRequest, level request.PermissionLevel, onIgnoreSettingsWhitelist bool, isProvider bool, throttleExempt bool, foreground bool, backgroundThrottleIntervalMs int64) request.LocationRequest {
	eff := original

	if level == request.PermissionCoarse {
		eff.Quality = request.QualityLowPower
		eff.IntervalMs = maxInt64(eff.IntervalMs, MinCoarseIntervalMs)
		eff.MinUpdateIntervalMs = maxInt64(eff.MinUpdateIntervalMs, MinCoarseIntervalMs)
	}

	if eff.LocationSettingsIgnored && !onIgnoreSettingsWhitelist && !isProvider {
		eff.LocationSettingsIgnored = false
	}

	exempt := throttleExempt || isProvider
	if !eff.LocationSettingsIgnored && !exempt && !foreground {
		eff.IntervalMs = maxInt64(eff.IntervalMs, backgroundThrottleIntervalMs)
	}

	return eff
}

// ComputeUsingHighPower implements the usingHighPower predicate.
func ComputeUsingHighPower(active bool, effectiveIntervalMs int64, providerRequiresHighPower bool) bool {
	const fiveMinMs = 5 * 60 * 1000
	return active && effectiveIntervalMs < fiveMinMs && providerRequiresHighPower
}

// Jitter returns the acceptance-test jitter budget min(10%*interval, 5s).
func Jitter(effectiveIntervalMs int64) int64 {
	tenPercent := effectiveIntervalMs / 10
	if tenPercent > MaxJitterCapMs {
		return MaxJitterCapMs
	}
	if tenPercent < 0 {
		return 0
	}
	return tenPercent
}

// AcceptResult is the outcome of the fix-acceptance test.
type AcceptResult int

const (
	AcceptDeliver AcceptResult = iota
	AcceptRejectExpired
	AcceptRejectRateLimited
	AcceptRejectAppOpDenied
)

// EvaluateFix runs the deterministic part of the fix-acceptance test (everything
// except the app-op check, which requires a live collaborator call the
// multiplexer performs itself before or after this). fineFix is the raw
// fix; deliveryLoc is what would actually be delivered (identity for FINE,
// Fudger-derived for COARSE — computed by the caller since Registration
// does not depend on Fudger).
func (r *Registration) EvaluateFix(nowRealtimeMs int64, fineFix *geopoint.Location, deliveryLoc *geopoint.Location) AcceptResult {
	if nowRealtimeMs >= r.ExpirationRealtimeMs {
		return AcceptRejectExpired
	}

	if r.LastDelivered != nil {
		maxJitter := Jitter(r.EffectiveRequest.IntervalMs)
		minInterval := r.EffectiveRequest.MinUpdateIntervalMs
		elapsed := deliveryLoc.ElapsedRealtimeNanos/1e6 - r.LastDelivered.ElapsedRealtimeNanos/1e6
		if elapsed < minInterval-maxJitter {
			return AcceptRejectRateLimited
		}
		if r.EffectiveRequest.MinUpdateDistanceM > 0 {
			if geopoint.Distance(deliveryLoc, r.LastDelivered) <= r.EffectiveRequest.MinUpdateDistanceM {
				return AcceptRejectRateLimited
			}
		}
	}

	return AcceptDeliver
}

// MarkLastDelivered updates LastDelivered synchronously, in the
// pre-delivery phase, before the delivery itself is attempted. This must
// happen before the (possibly slow) transport call so that a second fix
// arriving while the first delivery is still in flight sees an
// up-to-date LastDelivered for its own acceptance test — otherwise two
// deliveries in flight at once could both pass the rate-limit check.
func (r *Registration) MarkLastDelivered(delivered *geopoint.Location) {
	r.LastDelivered = delivered
}

// RecordDeliverySuccess updates post-delivery bookkeeping once a delivery
// has been confirmed to have reached the client. LastDelivered is not
// touched here; it was already set by MarkLastDelivered before the
// delivery was attempted. Returns true if the registration should now
// self-remove (max updates reached).
func (r *Registration) RecordDeliverySuccess(maxUpdates int) (selfRemove bool) {
	r.NumDelivered++
	if maxUpdates > 0 && r.NumDelivered >= maxUpdates {
		return true
	}
	return false
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// HistoricalDeliveryMaxAge implements the becoming-active historical
// delivery gate: maxAge = min(effectiveInterval, lastDelivered.age-1 or
// infinite). Returns (maxAge, ok) where ok is false if the registration
// hasn't opted in or isn't continuous.
func (r *Registration) HistoricalDeliveryMaxAge(nowRealtimeMs int64) (maxAgeMs int64, ok bool) {
	if r.Kind != KindContinuous || !r.HistoricalDeliveryOptIn {
		return 0, false
	}
	maxAge := r.EffectiveRequest.IntervalMs
	if r.LastDelivered != nil {
		ageMs := nowRealtimeMs - r.LastDelivered.ElapsedRealtimeNanos/1e6
		ageMs--
		if ageMs < maxAge {
			maxAge = ageMs
		}
	}
	return maxAge, true
}

// String is used in event-log lines and debug dumps.
func (r *Registration) String() string {
	return fmt.Sprintf("%s[pkg=%s level=%s interval=%dms]", r.Kind, r.Identity.PackageName, r.PermissionLevel, r.EffectiveRequest.IntervalMs)
}
