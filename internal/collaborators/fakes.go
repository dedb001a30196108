package collaborators

import (
	"log"
	"sort"
	"sync"

	"github.com/Resinat/Resin/internal/request"
)

// FakeSettings is an in-memory SettingsHelper for tests and cmd/locmux.
type FakeSettings struct {
	mu sync.RWMutex

	enabled              map[int]bool
	throttleMs           int64
	blacklist            map[string]bool
	throttleWhitelist    map[string]bool
	ignoreSettingsWL     map[string]bool
	coarseAccuracyMeters float64

	subs []func()
}

// NewFakeSettings returns a FakeSettings with location enabled for no one
// by default and a 30s background throttle, a conservative fake default.
func NewFakeSettings() *FakeSettings {
	return &FakeSettings{
		enabled:           make(map[int]bool),
		throttleMs:        30_000,
		blacklist:         make(map[string]bool),
		throttleWhitelist: make(map[string]bool),
		ignoreSettingsWL:  make(map[string]bool),
	}
}

func (s *FakeSettings) SetEnabled(userID int, enabled bool) {
	s.mu.Lock()
	s.enabled[userID] = enabled
	subs := append([]func(){}, s.subs...)
	s.mu.Unlock()
	notifyAll(subs)
}

func (s *FakeSettings) LocationEnabled(userID int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enabled[userID]
}

func (s *FakeSettings) BackgroundThrottleIntervalMs() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.throttleMs
}

func (s *FakeSettings) SetBackgroundThrottleIntervalMs(ms int64) {
	s.mu.Lock()
	s.throttleMs = ms
	subs := append([]func(){}, s.subs...)
	s.mu.Unlock()
	notifyAll(subs)
}

func (s *FakeSettings) Blacklisted(packageName string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.blacklist[packageName]
}

func (s *FakeSettings) SetBlacklisted(packageName string, blacklisted bool) {
	s.mu.Lock()
	s.blacklist[packageName] = blacklisted
	subs := append([]func(){}, s.subs...)
	s.mu.Unlock()
	notifyAll(subs)
}

func (s *FakeSettings) OnBackgroundThrottleWhitelist(packageName string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.throttleWhitelist[packageName]
}

func (s *FakeSettings) SetThrottleWhitelisted(packageName string, whitelisted bool) {
	s.mu.Lock()
	s.throttleWhitelist[packageName] = whitelisted
	s.mu.Unlock()
}

func (s *FakeSettings) OnIgnoreSettingsWhitelist(packageName string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ignoreSettingsWL[packageName]
}

func (s *FakeSettings) SetIgnoreSettingsWhitelisted(packageName string, whitelisted bool) {
	s.mu.Lock()
	s.ignoreSettingsWL[packageName] = whitelisted
	s.mu.Unlock()
}

func (s *FakeSettings) CoarseAccuracyMeters() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.coarseAccuracyMeters
}

func (s *FakeSettings) Subscribe(fn func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, fn)
	idx := len(s.subs) - 1
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if idx < len(s.subs) {
			s.subs[idx] = nil
		}
	}
}

func notifyAll(fns []func()) {
	for _, fn := range fns {
		if fn != nil {
			fn()
		}
	}
}

// FakeUserInfo is an in-memory UserInfoHelper.
type FakeUserInfo struct {
	mu      sync.RWMutex
	running map[int]bool
	current int
	subs    []func()
}

func NewFakeUserInfo(currentUserID int) *FakeUserInfo {
	return &FakeUserInfo{running: map[int]bool{currentUserID: true}, current: currentUserID}
}

func (u *FakeUserInfo) RunningUserIDs() []int {
	u.mu.RLock()
	defer u.mu.RUnlock()
	out := make([]int, 0, len(u.running))
	for id, running := range u.running {
		if running {
			out = append(out, id)
		}
	}
	sort.Ints(out)
	return out
}

func (u *FakeUserInfo) CurrentUserID() int {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.current
}

func (u *FakeUserInfo) StartUser(id int) {
	u.mu.Lock()
	u.running[id] = true
	subs := append([]func(){}, u.subs...)
	u.mu.Unlock()
	notifyAll(subs)
}

func (u *FakeUserInfo) StopUser(id int) {
	u.mu.Lock()
	u.running[id] = false
	subs := append([]func(){}, u.subs...)
	u.mu.Unlock()
	notifyAll(subs)
}

func (u *FakeUserInfo) SetCurrentUser(id int) {
	u.mu.Lock()
	u.current = id
	subs := append([]func(){}, u.subs...)
	u.mu.Unlock()
	notifyAll(subs)
}

func (u *FakeUserInfo) SubscribeUserChanges(fn func()) func() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.subs = append(u.subs, fn)
	idx := len(u.subs) - 1
	return func() {
		u.mu.Lock()
		defer u.mu.Unlock()
		if idx < len(u.subs) {
			u.subs[idx] = nil
		}
	}
}

// FakeAlarms, the in-memory AlarmHelper that fires alarms via
// time.AfterFunc, is defined in alarms.go.

// FakeAppOps is an in-memory AppOpsHelper that always allows unless a
// package is explicitly denied.
type FakeAppOps struct {
	mu     sync.RWMutex
	denied map[string]bool
}

func NewFakeAppOps() *FakeAppOps { return &FakeAppOps{denied: make(map[string]bool)} }

func (a *FakeAppOps) Deny(packageName string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.denied[packageName] = true
}

func (a *FakeAppOps) Allow(packageName string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.denied, packageName)
}

func (a *FakeAppOps) NoteOpNoThrow(_ request.PermissionLevel, identity Identity) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return !a.denied[identity.PackageName]
}

// FakePermissions is an in-memory LocationPermissionsHelper.
type FakePermissions struct {
	mu      sync.RWMutex
	granted map[string]request.PermissionLevel // packageName -> highest granted level
	have    map[string]bool
	subs    []func(uid int, packageName string)
}

func NewFakePermissions() *FakePermissions {
	return &FakePermissions{granted: make(map[string]request.PermissionLevel), have: make(map[string]bool)}
}

func (p *FakePermissions) Grant(packageName string, level request.PermissionLevel) {
	p.mu.Lock()
	p.granted[packageName] = level
	p.have[packageName] = true
	p.mu.Unlock()
}

func (p *FakePermissions) Revoke(packageName string) {
	p.mu.Lock()
	p.have[packageName] = false
	p.mu.Unlock()
}

func (p *FakePermissions) NotifyChanged(uid int, packageName string) {
	p.mu.RLock()
	subs := append([]func(int, string){}, p.subs...)
	p.mu.RUnlock()
	for _, fn := range subs {
		if fn != nil {
			fn(uid, packageName)
		}
	}
}

func (p *FakePermissions) HasLocationPermission(level request.PermissionLevel, identity Identity) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.have[identity.PackageName] {
		return false
	}
	granted := p.granted[identity.PackageName]
	// FINE permission implies COARSE; COARSE does not imply FINE.
	if level == request.PermissionCoarse {
		return true
	}
	return granted == request.PermissionFine
}

func (p *FakePermissions) SubscribePermissionChanges(fn func(uid int, packageName string)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs = append(p.subs, fn)
	idx := len(p.subs) - 1
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if idx < len(p.subs) {
			p.subs[idx] = nil
		}
	}
}

// FakeForeground is an in-memory AppForegroundHelper.
type FakeForeground struct {
	mu         sync.RWMutex
	foreground map[int]bool
	subs       []func(uid int)
}

func NewFakeForeground() *FakeForeground {
	return &FakeForeground{foreground: make(map[int]bool)}
}

func (f *FakeForeground) SetForeground(uid int, fg bool) {
	f.mu.Lock()
	f.foreground[uid] = fg
	subs := append([]func(int){}, f.subs...)
	f.mu.Unlock()
	for _, fn := range subs {
		if fn != nil {
			fn(uid)
		}
	}
}

func (f *FakeForeground) IsAppForeground(uid int) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.foreground[uid]
}

func (f *FakeForeground) SubscribeForegroundChanges(fn func(uid int)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, fn)
	idx := len(f.subs) - 1
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if idx < len(f.subs) {
			f.subs[idx] = nil
		}
	}
}

// FakePowerSaveMode is an in-memory LocationPowerSaveModeHelper.
type FakePowerSaveMode struct {
	mu   sync.RWMutex
	mode PowerSaveMode
	subs []func(PowerSaveMode)
}

func NewFakePowerSaveMode() *FakePowerSaveMode { return &FakePowerSaveMode{} }

func (p *FakePowerSaveMode) CurrentMode() PowerSaveMode {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.mode
}

func (p *FakePowerSaveMode) SetMode(mode PowerSaveMode) {
	p.mu.Lock()
	p.mode = mode
	subs := append([]func(PowerSaveMode){}, p.subs...)
	p.mu.Unlock()
	for _, fn := range subs {
		if fn != nil {
			fn(mode)
		}
	}
}

func (p *FakePowerSaveMode) Subscribe(fn func(PowerSaveMode)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs = append(p.subs, fn)
	idx := len(p.subs) - 1
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if idx < len(p.subs) {
			p.subs[idx] = nil
		}
	}
}

// FakeScreen is an in-memory ScreenInteractiveHelper.
type FakeScreen struct {
	mu          sync.RWMutex
	interactive bool
	subs        []func(bool)
}

func NewFakeScreen() *FakeScreen { return &FakeScreen{interactive: true} }

func (s *FakeScreen) IsInteractive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.interactive
}

func (s *FakeScreen) SetInteractive(interactive bool) {
	s.mu.Lock()
	s.interactive = interactive
	subs := append([]func(bool){}, s.subs...)
	s.mu.Unlock()
	for _, fn := range subs {
		if fn != nil {
			fn(interactive)
		}
	}
}

func (s *FakeScreen) Subscribe(fn func(bool)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, fn)
	idx := len(s.subs) - 1
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if idx < len(s.subs) {
			s.subs[idx] = nil
		}
	}
}

// FakeAttribution logs attribution events to the standard logger; real
// deployments wire this to a telemetry sink instead.
type FakeAttribution struct{}

func NewFakeAttribution() *FakeAttribution { return &FakeAttribution{} }

func (FakeAttribution) ReportLocationStart(identity Identity, provider string, clientKey interface{}) {
	log.Printf("[attribution] location-start pkg=%s provider=%s key=%v", identity.PackageName, provider, clientKey)
}

func (FakeAttribution) ReportLocationStop(identity Identity, provider string, clientKey interface{}) {
	log.Printf("[attribution] location-stop pkg=%s provider=%s key=%v", identity.PackageName, provider, clientKey)
}

func (FakeAttribution) ReportHighPowerStart(identity Identity, provider string, clientKey interface{}) {
	log.Printf("[attribution] high-power-start pkg=%s provider=%s key=%v", identity.PackageName, provider, clientKey)
}

func (FakeAttribution) ReportHighPowerStop(identity Identity, provider string, clientKey interface{}) {
	log.Printf("[attribution] high-power-stop pkg=%s provider=%s key=%v", identity.PackageName, provider, clientKey)
}
