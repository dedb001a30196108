// Package provideradapter defines the provider-driver contract the
// multiplexer talks to and ships an in-memory adapter with a
// mock-location overlay, standing in for a real GPS/fused HAL.
package provideradapter

import (
	"sync"

	"github.com/Resinat/Resin/internal/geopoint"
	"github.com/Resinat/Resin/internal/request"
)

// Properties describes static provider capabilities the multiplexer needs
// to decide eligibility (e.g. whether this provider counts as "GPS" for
// the GPS_DISABLED_WHEN_SCREEN_OFF power-save rule, and whether it
// requires high power at all).
type Properties struct {
	Name               string
	RequiresHighPower  bool
	IsGPS              bool
}

// State is the provider's externally observable status: whether it is
// currently allowed to run, the identity it runs under (for attribution),
// and its static properties.
type State struct {
	Allowed    bool
	Identity   string
	Properties Properties
}

// Adapter is the contract the multiplexer depends on. Adapter
// implementations own the actual sensor driver, translate ProviderRequest
// into driver calls, and push fixes back via the registered callback.
type Adapter interface {
	SetRequest(req request.ProviderRequest)
	SendExtraCommand(command string, extras map[string]string) error
	CurrentState() State

	// OnStateChanged registers fn to be called whenever State changes;
	// returns an unsubscribe func.
	OnStateChanged(fn func(State)) (unsubscribe func())

	// OnReportLocation registers fn to be called for every fix the
	// provider produces, single fixes and batches alike (batches are
	// passed through verbatim, with no batch-splitting logic).
	OnReportLocation(fn func(fixes []*geopoint.Location)) (unsubscribe func())

	// OnMockChanged registers fn to be called whenever the mock-location
	// overlay is enabled or disabled via SendExtraCommand, so the
	// multiplexer can react (clear mock-derived last-location entries,
	// reset Fudger offsets, log the transition) instead of the overlay
	// flipping silently.
	OnMockChanged(fn func(enabled bool)) (unsubscribe func())
}

// InMemoryAdapter is a software-only provider used by cmd/locmux and by
// multiplexer's tests: fixes are injected via Inject/InjectBatch rather
// than read from real hardware, and a mock-location overlay can be
// toggled the way platform mock providers are.
type InMemoryAdapter struct {
	mu sync.RWMutex

	state State
	req   request.ProviderRequest

	mockEnabled bool

	stateSubs    []func(State)
	locationSubs []func([]*geopoint.Location)
	mockSubs     []func(bool)
}

// NewInMemoryAdapter builds an adapter with the given static properties,
// initially allowed.
func NewInMemoryAdapter(props Properties) *InMemoryAdapter {
	return &InMemoryAdapter{
		state: State{Allowed: true, Properties: props},
		req:   request.Disabled,
	}
}

func (a *InMemoryAdapter) SetRequest(req request.ProviderRequest) {
	a.mu.Lock()
	a.req = req
	a.mu.Unlock()
}

// LastRequest returns the most recently set provider request, for tests.
func (a *InMemoryAdapter) LastRequest() request.ProviderRequest {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.req
}

func (a *InMemoryAdapter) SendExtraCommand(command string, extras map[string]string) error {
	var newVal bool
	switch command {
	case "enable_mock":
		newVal = true
	case "disable_mock":
		newVal = false
	default:
		return nil
	}

	a.mu.Lock()
	changed := a.mockEnabled != newVal
	a.mockEnabled = newVal
	subs := append([]func(bool){}, a.mockSubs...)
	a.mu.Unlock()

	if changed {
		for _, fn := range subs {
			if fn != nil {
				fn(newVal)
			}
		}
	}
	return nil
}

func (a *InMemoryAdapter) CurrentState() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// SetAllowed flips the provider's allowed state and notifies subscribers.
func (a *InMemoryAdapter) SetAllowed(allowed bool) {
	a.mu.Lock()
	a.state.Allowed = allowed
	s := a.state
	subs := append([]func(State){}, a.stateSubs...)
	a.mu.Unlock()
	for _, fn := range subs {
		if fn != nil {
			fn(s)
		}
	}
}

func (a *InMemoryAdapter) OnStateChanged(fn func(State)) func() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stateSubs = append(a.stateSubs, fn)
	idx := len(a.stateSubs) - 1
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if idx < len(a.stateSubs) {
			a.stateSubs[idx] = nil
		}
	}
}

func (a *InMemoryAdapter) OnReportLocation(fn func([]*geopoint.Location)) func() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.locationSubs = append(a.locationSubs, fn)
	idx := len(a.locationSubs) - 1
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if idx < len(a.locationSubs) {
			a.locationSubs[idx] = nil
		}
	}
}

func (a *InMemoryAdapter) OnMockChanged(fn func(bool)) func() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mockSubs = append(a.mockSubs, fn)
	idx := len(a.mockSubs) - 1
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if idx < len(a.mockSubs) {
			a.mockSubs[idx] = nil
		}
	}
}

// Inject simulates the driver producing a single fix. If mock mode is
// enabled, the fix is stamped IsFromMockProvider regardless of caller
// input, matching real mock-provider overlay semantics.
func (a *InMemoryAdapter) Inject(fix *geopoint.Location) {
	a.InjectBatch([]*geopoint.Location{fix})
}

// InjectBatch simulates a batched report (e.g. GNSS batching), passed
// through to subscribers verbatim with no splitting.
func (a *InMemoryAdapter) InjectBatch(fixes []*geopoint.Location) {
	a.mu.RLock()
	mock := a.mockEnabled
	subs := append([]func([]*geopoint.Location){}, a.locationSubs...)
	a.mu.RUnlock()

	if mock {
		for _, f := range fixes {
			if f != nil {
				f.IsFromMockProvider = true
			}
		}
	}
	for _, fn := range subs {
		if fn != nil {
			fn(fixes)
		}
	}
}
