// Package multiplexer implements the per-provider location-request
// multiplexer: a keyed registry of Registrations, eligibility
// evaluation, request merging, delayed re-registration, and fan-out
// dispatch of incoming fixes, all serialized behind a single coarse
// lock. See DESIGN.md's "Divergence from teacher locking idiom"
// section for why this package deliberately does not follow the
// fine-grained-atomics style used elsewhere in this repo.
package multiplexer

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/Resinat/Resin/internal/collaborators"
	"github.com/Resinat/Resin/internal/fudger"
	"github.com/Resinat/Resin/internal/geopoint"
	"github.com/Resinat/Resin/internal/lastlocation"
	"github.com/Resinat/Resin/internal/provideradapter"
	"github.com/Resinat/Resin/internal/registration"
	"github.com/Resinat/Resin/internal/request"
	"github.com/Resinat/Resin/internal/wakelock"
)

// Transport is the delivery sink a caller supplies when registering. It
// stands in for a "callback, intent-like delivery sink" transport:
// this module is transport-agnostic, so callers provide their own
// (in-process channel, gRPC stream, whatever their cmd wiring needs).
type Transport interface {
	// Deliver hands off a location (or nil, meaning "no location" — a
	// one-shot give-up or expiration). Returns false to signal the client
	// is gone, causing self-removal.
	Deliver(loc *geopoint.Location) bool

	// OnProviderDisabled notifies a continuous registration's client that
	// its provider has gone disabled for their user.
	OnProviderDisabled()
}

// Collaborators bundles every external dependency the Multiplexer
// consumes, plus the Fudger and event log, both treated as
// externally-supplied collaborators.
type Collaborators struct {
	Settings    collaborators.SettingsHelper
	Users       collaborators.UserInfoHelper
	Alarms      collaborators.AlarmHelper
	AppOps      collaborators.AppOpsHelper
	Permissions collaborators.LocationPermissionsHelper
	Foreground  collaborators.AppForegroundHelper
	PowerSave   collaborators.LocationPowerSaveModeHelper
	Screen      collaborators.ScreenInteractiveHelper
	Attribution collaborators.AttributionHelper
	EventLog    collaborators.EventLog
	Fudger      *fudger.Fudger

	// Passive is optional: passive fan-out is a hook only. Nil disables
	// it.
	Passive collaborators.PassiveProviderManager
}

// regEntry wraps a Registration with the orchestration state the
// registration package itself deliberately does not hold (expiration
// alarm handle, transport, last observed active-ness) — see
// registration's package doc for why. Wakelocks are not held here; each
// delivery acquires and releases its own in dispatch.go.
type regEntry struct {
	reg       *registration.Registration
	transport Transport

	hasAlarm bool
	alarmTok collaborators.AlarmToken

	// active mirrors the registration's active-ness as of the last
	// recomputeRegistrationLocked call, so that call can detect
	// inactive->active and active->inactive edges instead of just a
	// point-in-time value. Zero value (false) is correct for a freshly
	// registered entry: it has not been active yet.
	active bool
}

// Multiplexer is the per-provider component. Zero value is not usable;
// construct with New.
type Multiplexer struct {
	mu sync.Mutex

	providerName string
	adapter      provideradapter.Adapter
	collab       Collaborators
	wake         *wakelock.Manager

	started       bool
	enabled       map[int]bool
	lastLocations map[int]*lastlocation.Cache
	regs          map[registration.ClientKey]*regEntry

	mergedRequest request.ProviderRequest

	delayedAlarmActive bool
	delayedAlarmTok    collaborators.AlarmToken
	pendingGeneration  uint64

	nowMs func() int64

	unsubs []func()
}

// New constructs a Multiplexer for one named provider. It does not start
// listening until StartManager is called.
func New(providerName string, adapter provideradapter.Adapter, collab Collaborators) *Multiplexer {
	return &Multiplexer{
		providerName:  providerName,
		adapter:       adapter,
		collab:        collab,
		wake:          wakelock.NewManager(nil, nil),
		enabled:       make(map[int]bool),
		lastLocations: make(map[int]*lastlocation.Cache),
		regs:          make(map[registration.ClientKey]*regEntry),
		mergedRequest: request.Disabled,
		nowMs:         func() int64 { return time.Now().UnixMilli() },
	}
}

// SetClock overrides the time source used for expiration/delay
// computations. Intended for deterministic tests; must be called before
// StartManager.
func (mx *Multiplexer) SetClock(nowMs func() int64) {
	mx.mu.Lock()
	defer mx.mu.Unlock()
	mx.nowMs = nowMs
}

// StartManager subscribes to every policy collaborator and initializes
// enabled-state for all currently running users. Idempotent.
func (mx *Multiplexer) StartManager() {
	mx.mu.Lock()
	defer mx.mu.Unlock()
	if mx.started {
		return
	}
	mx.started = true

	mx.unsubs = append(mx.unsubs,
		mx.collab.Settings.Subscribe(mx.onSettingsChanged),
		mx.collab.Users.SubscribeUserChanges(mx.onUserChanged),
		mx.collab.Permissions.SubscribePermissionChanges(mx.onPermissionChanged),
		mx.collab.Foreground.SubscribeForegroundChanges(mx.onForegroundChanged),
		mx.collab.PowerSave.Subscribe(mx.onPowerSaveChanged),
		mx.collab.Screen.Subscribe(mx.onScreenChanged),
		mx.adapter.OnStateChanged(mx.onProviderStateChanged),
		mx.adapter.OnReportLocation(mx.onReportLocation),
		mx.adapter.OnMockChanged(mx.onMockChanged),
	)

	for _, uid := range mx.collab.Users.RunningUserIDs() {
		mx.setEnabledLocked(uid, mx.computeEnabledLocked(uid))
	}
}

// StopManager removes every registration, unsubscribes every listener,
// and resets merged state to disabled. Safe to call when not started.
func (mx *Multiplexer) StopManager() {
	mx.mu.Lock()
	defer mx.mu.Unlock()
	if !mx.started {
		return
	}

	for key, entry := range mx.regs {
		mx.releaseResourcesLocked(entry)
		if mx.collab.EventLog != nil {
			mx.collab.EventLog.LogUnregister(key, "stopManager")
		}
		delete(mx.regs, key)
	}

	for _, unsub := range mx.unsubs {
		if unsub != nil {
			unsub()
		}
	}
	mx.unsubs = nil

	mx.cancelDelayedAlarmLocked()
	mx.mergedRequest = request.Disabled
	mx.adapter.SetRequest(request.Disabled)
	mx.started = false
}

func (mx *Multiplexer) logf(format string, args ...interface{}) {
	log.Printf("[multiplexer:%s] %s", mx.providerName, fmt.Sprintf(format, args...))
}

// cacheFor returns (creating if absent) the per-user last-location cache.
func (mx *Multiplexer) cacheFor(userID int) *lastlocation.Cache {
	c, ok := mx.lastLocations[userID]
	if !ok {
		c = lastlocation.New()
		mx.lastLocations[userID] = c
	}
	return c
}
