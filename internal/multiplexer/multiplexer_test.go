package multiplexer

import (
	"sync"
	"testing"
	"time"

	"github.com/Resinat/Resin/internal/calleridentity"
	"github.com/Resinat/Resin/internal/collaborators"
	"github.com/Resinat/Resin/internal/fudger"
	"github.com/Resinat/Resin/internal/geopoint"
	"github.com/Resinat/Resin/internal/provideradapter"
	"github.com/Resinat/Resin/internal/registration"
	"github.com/Resinat/Resin/internal/request"
)

const testUserID = 0

// fakeTransport records every delivery and disabled notification. alive
// controls the return value of Deliver (false simulates ClientGone).
type fakeTransport struct {
	mu        sync.Mutex
	delivered []*geopoint.Location
	disabled  int
	alive     bool
	notify    chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{alive: true, notify: make(chan struct{}, 64)}
}

func (f *fakeTransport) Deliver(loc *geopoint.Location) bool {
	f.mu.Lock()
	f.delivered = append(f.delivered, loc)
	alive := f.alive
	f.mu.Unlock()
	f.notify <- struct{}{}
	return alive
}

func (f *fakeTransport) OnProviderDisabled() {
	f.mu.Lock()
	f.disabled++
	f.mu.Unlock()
	f.notify <- struct{}{}
}

func (f *fakeTransport) waitForDelivery(t *testing.T) {
	t.Helper()
	select {
	case <-f.notify:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for delivery/notification")
	}
	// Give the dispatching goroutine a moment to finish its post-delivery
	// bookkeeping (re-acquiring mx.mu) before the test inspects state.
	time.Sleep(20 * time.Millisecond)
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.delivered)
}

func (f *fakeTransport) last() *geopoint.Location {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.delivered) == 0 {
		return nil
	}
	return f.delivered[len(f.delivered)-1]
}

type fixture struct {
	mx       *Multiplexer
	adapter  *provideradapter.InMemoryAdapter
	settings *collaborators.FakeSettings
	users    *collaborators.FakeUserInfo
	perms    *collaborators.FakePermissions
	fg       *collaborators.FakeForeground
	power    *collaborators.FakePowerSaveMode
	screen   *collaborators.FakeScreen
	appops   *collaborators.FakeAppOps
	clockMs  int64
}

// newFixture builds a Multiplexer wired entirely with in-memory fakes, a
// deterministic test clock, location enabled and permission granted for
// "com.example" at FINE, and the manager started.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		adapter:  provideradapter.NewInMemoryAdapter(provideradapter.Properties{Name: "test", RequiresHighPower: true}),
		settings: collaborators.NewFakeSettings(),
		users:    collaborators.NewFakeUserInfo(testUserID),
		perms:    collaborators.NewFakePermissions(),
		fg:       collaborators.NewFakeForeground(),
		power:    collaborators.NewFakePowerSaveMode(),
		screen:   collaborators.NewFakeScreen(),
		appops:   collaborators.NewFakeAppOps(),
		clockMs:  1_000_000,
	}
	f.settings.SetEnabled(testUserID, true)
	f.perms.Grant("com.example", request.PermissionFine)

	collab := Collaborators{
		Settings:    f.settings,
		Users:       f.users,
		Alarms:      collaborators.NewFakeAlarms(),
		AppOps:      f.appops,
		Permissions: f.perms,
		Foreground:  f.fg,
		PowerSave:   f.power,
		Screen:      f.screen,
		Attribution: collaborators.NewFakeAttribution(),
		EventLog:    nil,
		Fudger:      fudger.New(""),
	}

	f.mx = New("test", f.adapter, collab)
	f.mx.SetClock(func() int64 { return f.clockMs })
	f.mx.StartManager()
	return f
}

func testIdentity(uid int) calleridentity.Identity {
	return calleridentity.Identity{UserID: testUserID, UID: uid, PackageName: "com.example"}
}

func continuousRequest(intervalMs int64) request.LocationRequest {
	return request.LocationRequest{
		IntervalMs:          intervalMs,
		MinUpdateIntervalMs: intervalMs,
		Quality:             request.QualityHighAccuracy,
		WorkSource:          request.WorkSource{{UID: 10, Package: "com.example"}},
	}
}

func fix(latLng float64, elapsedMs int64) *geopoint.Location {
	return &geopoint.Location{
		Latitude:             latLng,
		Longitude:            latLng,
		Accuracy:             5,
		ElapsedRealtimeNanos: elapsedMs * 1_000_000,
		IsComplete:           true,
	}
}

func TestRegisterContinuous_DeliversAcceptedFixAndMerges(t *testing.T) {
	f := newFixture(t)
	tr := newFakeTransport()

	if err := f.mx.RegisterContinuous("key1", testIdentity(10), continuousRequest(1000), request.PermissionFine, false, tr); err != nil {
		t.Fatalf("RegisterContinuous: %v", err)
	}

	if got := f.adapter.LastRequest().IntervalMs; got != 1000 {
		t.Fatalf("expected merged interval 1000, got %d", got)
	}

	f.adapter.Inject(fix(1.0, f.clockMs))
	tr.waitForDelivery(t)

	if tr.count() != 1 {
		t.Fatalf("expected exactly one delivery, got %d", tr.count())
	}
	if got := tr.last().Latitude; got != 1.0 {
		t.Fatalf("expected delivered fix lat 1.0, got %v", got)
	}
}

func TestCoarsePermission_CoercesIntervalAndFudgesLocation(t *testing.T) {
	f := newFixture(t)
	f.perms.Grant("com.example", request.PermissionCoarse)
	tr := newFakeTransport()

	req := continuousRequest(1000)
	if err := f.mx.RegisterContinuous("key1", testIdentity(10), req, request.PermissionCoarse, false, tr); err != nil {
		t.Fatalf("RegisterContinuous: %v", err)
	}

	if got := f.adapter.LastRequest().IntervalMs; got != registration.MinCoarseIntervalMs {
		t.Fatalf("expected coerced interval %d, got %d", registration.MinCoarseIntervalMs, got)
	}

	original := fix(12.3456, f.clockMs)
	f.adapter.Inject(original)
	tr.waitForDelivery(t)

	delivered := tr.last()
	if delivered == nil {
		t.Fatalf("expected a delivery")
	}
	if delivered.Latitude == original.Latitude && delivered.Longitude == original.Longitude {
		t.Fatalf("expected coarse delivery to differ from the fine fix")
	}
}

func TestBackgroundThrottle_ClampsIntervalWhenNotForeground(t *testing.T) {
	f := newFixture(t)
	f.settings.SetBackgroundThrottleIntervalMs(60_000)
	tr := newFakeTransport()

	req := continuousRequest(1000)
	if err := f.mx.RegisterContinuous("key1", testIdentity(10), req, request.PermissionFine, false, tr); err != nil {
		t.Fatalf("RegisterContinuous: %v", err)
	}

	if got := f.adapter.LastRequest().IntervalMs; got != 60_000 {
		t.Fatalf("expected background-throttled interval 60000, got %d", got)
	}

	f.fg.SetForeground(10, true)
	time.Sleep(20 * time.Millisecond)

	if got := f.adapter.LastRequest().IntervalMs; got != 1000 {
		t.Fatalf("expected unthrottled interval 1000 once foreground, got %d", got)
	}
}

func TestThrottleWhitelist_ExemptsFromBackgroundThrottle(t *testing.T) {
	f := newFixture(t)
	f.settings.SetBackgroundThrottleIntervalMs(60_000)
	f.settings.SetThrottleWhitelisted("com.example", true)
	tr := newFakeTransport()

	req := continuousRequest(1000)
	if err := f.mx.RegisterContinuous("key1", testIdentity(10), req, request.PermissionFine, false, tr); err != nil {
		t.Fatalf("RegisterContinuous: %v", err)
	}

	if got := f.adapter.LastRequest().IntervalMs; got != 1000 {
		t.Fatalf("expected whitelist-exempt interval 1000, got %d", got)
	}
}

func TestGetCurrentLocation_SatisfiedImmediatelyFromCache(t *testing.T) {
	f := newFixture(t)
	cached := fix(5.0, f.clockMs-1000)
	f.mx.InjectLastLocation(cached, testUserID)

	tr := newFakeTransport()
	req := request.LocationRequest{
		WorkSource: request.WorkSource{{UID: 10, Package: "com.example"}},
		DurationMs: 30_000,
	}
	cancel, err := f.mx.GetCurrentLocation("oneshot1", testIdentity(10), req, request.PermissionFine, tr)
	if err != nil {
		t.Fatalf("GetCurrentLocation: %v", err)
	}
	defer cancel()

	tr.waitForDelivery(t)
	if tr.count() != 1 {
		t.Fatalf("expected immediate delivery from cache, got %d deliveries", tr.count())
	}
	if tr.last().Latitude != 5.0 {
		t.Fatalf("expected the cached fix to be delivered, got %+v", tr.last())
	}
}

func TestClientGone_RemovesRegistrationAfterFailedDelivery(t *testing.T) {
	f := newFixture(t)
	tr := newFakeTransport()
	tr.alive = false

	if err := f.mx.RegisterContinuous("key1", testIdentity(10), continuousRequest(1000), request.PermissionFine, false, tr); err != nil {
		t.Fatalf("RegisterContinuous: %v", err)
	}

	f.adapter.Inject(fix(1.0, f.clockMs))
	tr.waitForDelivery(t)

	if tr.count() != 1 {
		t.Fatalf("expected exactly one delivery attempt, got %d", tr.count())
	}

	f.mx.mu.Lock()
	_, present := f.mx.regs["key1"]
	f.mx.mu.Unlock()
	if present {
		t.Fatalf("expected registration removed after client-gone delivery")
	}

	f.clockMs += 1000
	f.adapter.Inject(fix(2.0, f.clockMs))
	time.Sleep(30 * time.Millisecond)
	if tr.count() != 1 {
		t.Fatalf("expected no further deliveries after removal, got %d", tr.count())
	}
}

func TestMaxUpdates_SelfRemovesAfterLimitReached(t *testing.T) {
	f := newFixture(t)
	tr := newFakeTransport()

	req := continuousRequest(1000)
	req.MaxUpdates = 1
	if err := f.mx.RegisterContinuous("key1", testIdentity(10), req, request.PermissionFine, false, tr); err != nil {
		t.Fatalf("RegisterContinuous: %v", err)
	}

	f.adapter.Inject(fix(1.0, f.clockMs))
	tr.waitForDelivery(t)

	f.mx.mu.Lock()
	_, present := f.mx.regs["key1"]
	f.mx.mu.Unlock()
	if present {
		t.Fatalf("expected registration to self-remove once MaxUpdates reached")
	}

	f.clockMs += 2000
	f.adapter.Inject(fix(2.0, f.clockMs))
	time.Sleep(30 * time.Millisecond)
	if tr.count() != 1 {
		t.Fatalf("expected numDelivered to never exceed MaxUpdates, got %d deliveries", tr.count())
	}
}

func TestScreenOffThrottle_DeactivatesWhenPowerSaveRequiresScreen(t *testing.T) {
	f := newFixture(t)
	tr := newFakeTransport()
	if err := f.mx.RegisterContinuous("key1", testIdentity(10), continuousRequest(1000), request.PermissionFine, false, tr); err != nil {
		t.Fatalf("RegisterContinuous: %v", err)
	}

	f.power.SetMode(collaborators.PowerSaveThrottleWhenScreenOff)
	f.screen.SetInteractive(false)
	time.Sleep(20 * time.Millisecond)

	if got := f.adapter.LastRequest(); !got.IsDisabled() {
		t.Fatalf("expected merged request disabled while screen off under throttle mode, got %+v", got)
	}

	f.screen.SetInteractive(true)
	time.Sleep(20 * time.Millisecond)
	if got := f.adapter.LastRequest().IntervalMs; got != 1000 {
		t.Fatalf("expected registration reactivated once screen on, got interval %d", got)
	}
}

func TestProviderDisabled_NotifiesContinuousRegistrationsOnce(t *testing.T) {
	f := newFixture(t)
	tr := newFakeTransport()
	if err := f.mx.RegisterContinuous("key1", testIdentity(10), continuousRequest(1000), request.PermissionFine, false, tr); err != nil {
		t.Fatalf("RegisterContinuous: %v", err)
	}

	f.settings.SetEnabled(testUserID, false)
	tr.waitForDelivery(t)

	f.mx.mu.Lock()
	disabledCount := tr.disabled
	f.mx.mu.Unlock()
	if disabledCount != 1 {
		t.Fatalf("expected exactly one disabled notification, got %d", disabledCount)
	}
}

func TestStopManager_ResetsToDisabledAndClearsRegistry(t *testing.T) {
	f := newFixture(t)
	tr := newFakeTransport()
	if err := f.mx.RegisterContinuous("key1", testIdentity(10), continuousRequest(1000), request.PermissionFine, false, tr); err != nil {
		t.Fatalf("RegisterContinuous: %v", err)
	}

	f.mx.StopManager()

	if got := f.adapter.LastRequest(); !got.IsDisabled() {
		t.Fatalf("expected disabled provider request after StopManager, got %+v", got)
	}
	f.mx.mu.Lock()
	n := len(f.mx.regs)
	f.mx.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected empty registry after StopManager, got %d entries", n)
	}
}

func TestWakelock_AcquiredAndReleasedExactlyOncePerDelivery(t *testing.T) {
	f := newFixture(t)
	tr := newFakeTransport()
	if err := f.mx.RegisterContinuous("key1", testIdentity(10), continuousRequest(1000), request.PermissionFine, false, tr); err != nil {
		t.Fatalf("RegisterContinuous: %v", err)
	}

	if f.mx.wake.Held() {
		t.Fatalf("expected wakelock not held before any delivery")
	}

	f.adapter.Inject(fix(1.0, f.clockMs))
	tr.waitForDelivery(t)

	if f.mx.wake.Held() {
		t.Fatalf("expected wakelock released after delivery completes")
	}
	if f.mx.wake.Count() != 0 {
		t.Fatalf("expected wakelock hold count back to zero, got %d", f.mx.wake.Count())
	}
}

func TestWakelock_NotAcquiredForMockFixes(t *testing.T) {
	f := newFixture(t)
	tr := newFakeTransport()
	if err := f.mx.RegisterContinuous("key1", testIdentity(10), continuousRequest(1000), request.PermissionFine, false, tr); err != nil {
		t.Fatalf("RegisterContinuous: %v", err)
	}

	mockFix := fix(1.0, f.clockMs)
	mockFix.IsFromMockProvider = true
	f.adapter.Inject(mockFix)
	tr.waitForDelivery(t)

	if f.mx.wake.Count() != 0 {
		t.Fatalf("expected no wakelock hold for a mock-provider delivery, got count %d", f.mx.wake.Count())
	}
}

func TestDelayedApply_GenerationCounterSupersedesStaleAlarm(t *testing.T) {
	f := newFixture(t)

	f.mx.mu.Lock()
	f.mx.scheduleDelayedApplyLocked(request.ProviderRequest{IntervalMs: 5000}, 15)
	firstGen := f.mx.pendingGeneration
	f.mx.scheduleDelayedApplyLocked(request.ProviderRequest{IntervalMs: 2000}, 15)
	secondGen := f.mx.pendingGeneration
	f.mx.mu.Unlock()

	if secondGen == firstGen {
		t.Fatalf("expected generation counter to advance on reschedule")
	}

	time.Sleep(100 * time.Millisecond)

	f.mx.mu.Lock()
	merged := f.mx.mergedRequest
	active := f.mx.delayedAlarmActive
	f.mx.mu.Unlock()

	if merged.IntervalMs != 2000 {
		t.Fatalf("expected only the latest scheduled request to apply, got %+v", merged)
	}
	if active {
		t.Fatalf("expected no alarm left pending after it fired")
	}
}

func TestComputeDelayLocked_BoundedByNewIntervalAndLastDelivered(t *testing.T) {
	f := newFixture(t)
	tr := newFakeTransport()
	if err := f.mx.RegisterContinuous("key1", testIdentity(10), continuousRequest(10_000), request.PermissionFine, false, tr); err != nil {
		t.Fatalf("RegisterContinuous: %v", err)
	}

	f.adapter.Inject(fix(1.0, f.clockMs))
	tr.waitForDelivery(t)

	f.clockMs += 4000

	f.mx.mu.Lock()
	delay := f.mx.computeDelayLocked(request.ProviderRequest{IntervalMs: 10_000})
	f.mx.mu.Unlock()

	if delay != 6000 {
		t.Fatalf("expected delay 10000-4000=6000, got %d", delay)
	}
}

// fakeEventLog captures LogMockChange calls for assertions; every other
// method is a no-op since no other test needs them.
type fakeEventLog struct {
	mu          sync.Mutex
	mockChanges []bool
}

func (l *fakeEventLog) LogRegister(clientKey interface{}, identity collaborators.Identity, kind string) {}
func (l *fakeEventLog) LogUnregister(clientKey interface{}, reason string)                               {}
func (l *fakeEventLog) LogRequestChange(providerName string, req request.ProviderRequest)                {}
func (l *fakeEventLog) LogReceive(providerName string, numRegistrations int)                             {}
func (l *fakeEventLog) LogDeliver(clientKey interface{}, success bool)                                    {}
func (l *fakeEventLog) LogEnabledChange(providerName string, userID int, enabled bool)                   {}

func (l *fakeEventLog) LogMockChange(providerName string, enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mockChanges = append(l.mockChanges, enabled)
}

func (l *fakeEventLog) changes() []bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]bool{}, l.mockChanges...)
}

func TestMockChanged_ClearsMockCacheAndRotatesFudgerOnlyOnDisable(t *testing.T) {
	f := newFixture(t)
	events := &fakeEventLog{}
	f.mx.collab.EventLog = events

	mockFix := fix(9.0, f.clockMs)
	mockFix.IsFromMockProvider = true
	f.mx.InjectLastLocation(mockFix, testUserID)

	before := f.mx.collab.Fudger.CreateCoarse(testUserID, fix(1.0, f.clockMs))

	f.adapter.SendExtraCommand("enable_mock", nil)
	time.Sleep(20 * time.Millisecond)

	if got := events.changes(); len(got) != 1 || !got[0] {
		t.Fatalf("expected a single enabled=true log entry, got %v", got)
	}
	if loc := f.mx.cacheFor(testUserID).Get(request.PermissionFine, false); loc == nil {
		t.Fatalf("expected mock fix to survive enabling mock mode")
	}

	f.adapter.SendExtraCommand("disable_mock", nil)
	time.Sleep(20 * time.Millisecond)

	if got := events.changes(); len(got) != 2 || got[1] {
		t.Fatalf("expected a second enabled=false log entry, got %v", got)
	}
	if loc := f.mx.cacheFor(testUserID).Get(request.PermissionFine, false); loc != nil {
		t.Fatalf("expected mock-derived cache entry cleared once mock disabled, got %+v", loc)
	}

	after := f.mx.collab.Fudger.CreateCoarse(testUserID, fix(1.0, f.clockMs))
	if before.Latitude == after.Latitude && before.Longitude == after.Longitude {
		t.Fatalf("expected Fudger offsets to rotate once mock disabled")
	}
}

func TestBecameActive_RefiresOnLaterPermissionGrant(t *testing.T) {
	f := newFixture(t)
	f.perms.Revoke("com.example")

	cached := fix(7.0, f.clockMs-1000)
	f.mx.InjectLastLocation(cached, testUserID)

	tr := newFakeTransport()
	req := request.LocationRequest{
		WorkSource: request.WorkSource{{UID: 10, Package: "com.example"}},
		DurationMs: 30_000,
	}
	cancel, err := f.mx.GetCurrentLocation("oneshot1", testIdentity(10), req, request.PermissionFine, tr)
	if err != nil {
		t.Fatalf("GetCurrentLocation: %v", err)
	}
	defer cancel()

	time.Sleep(20 * time.Millisecond)
	if tr.count() != 0 {
		t.Fatalf("expected no delivery while permission is revoked, got %d", tr.count())
	}

	f.perms.Grant("com.example", request.PermissionFine)
	f.perms.NotifyChanged(10, "com.example")
	tr.waitForDelivery(t)

	if tr.count() != 1 {
		t.Fatalf("expected exactly one delivery once permission is granted and becoming-active re-fires, got %d", tr.count())
	}
	if tr.last().Latitude != 7.0 {
		t.Fatalf("expected the cached fix delivered on becoming active, got %+v", tr.last())
	}
}

func TestOneShot_ExpirationAlarmDeliversNullAndRemoves(t *testing.T) {
	f := newFixture(t)
	tr := newFakeTransport()

	req := request.LocationRequest{
		WorkSource: request.WorkSource{{UID: 10, Package: "com.example"}},
		DurationMs: 50,
	}
	if _, err := f.mx.GetCurrentLocation("oneshot1", testIdentity(10), req, request.PermissionFine, tr); err != nil {
		t.Fatalf("GetCurrentLocation: %v", err)
	}

	tr.waitForDelivery(t)

	if tr.count() != 1 || tr.last() != nil {
		t.Fatalf("expected exactly one null delivery on expiration, got count=%d last=%+v", tr.count(), tr.last())
	}

	f.mx.mu.Lock()
	_, present := f.mx.regs["oneshot1"]
	f.mx.mu.Unlock()
	if present {
		t.Fatalf("expected the expired one-shot registration to self-remove")
	}
}

func TestEqualEffective_IgnoresWorkSourceOrdering(t *testing.T) {
	a := request.LocationRequest{
		IntervalMs: 1000,
		WorkSource: request.WorkSource{{UID: 1, Package: "a"}, {UID: 2, Package: "b"}},
	}
	b := request.LocationRequest{
		IntervalMs: 1000,
		WorkSource: request.WorkSource{{UID: 2, Package: "b"}, {UID: 1, Package: "a"}},
	}
	if !equalEffective(a, b) {
		t.Fatalf("expected work-source-reordered requests to compare equal")
	}
}
