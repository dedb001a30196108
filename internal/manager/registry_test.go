package manager

import (
	"sync"
	"testing"

	"github.com/Resinat/Resin/internal/collaborators"
	"github.com/Resinat/Resin/internal/fudger"
	"github.com/Resinat/Resin/internal/multiplexer"
	"github.com/Resinat/Resin/internal/provideradapter"
)

func fakeCollaborators() multiplexer.Collaborators {
	return multiplexer.Collaborators{
		Settings:    collaborators.NewFakeSettings(),
		Users:       collaborators.NewFakeUserInfo(0),
		Alarms:      collaborators.NewFakeAlarms(),
		AppOps:      collaborators.NewFakeAppOps(),
		Permissions: collaborators.NewFakePermissions(),
		Foreground:  collaborators.NewFakeForeground(),
		PowerSave:   collaborators.NewFakePowerSaveMode(),
		Screen:      collaborators.NewFakeScreen(),
		Attribution: collaborators.NewFakeAttribution(),
		EventLog:    nil,
		Fudger:      fudger.New(""),
	}
}

func newTestManager(name string) *LocationProviderManager {
	adapter := provideradapter.NewInMemoryAdapter(provideradapter.Properties{Name: name})
	return NewLocationProviderManager(name, adapter, fakeCollaborators())
}

func TestRegistry_GetOrCreate_BuildsOnce(t *testing.T) {
	r := NewRegistry()
	var builds int
	var mu sync.Mutex

	factory := func() *LocationProviderManager {
		mu.Lock()
		builds++
		mu.Unlock()
		return newTestManager(ProviderGPS)
	}

	var wg sync.WaitGroup
	results := make([]*LocationProviderManager, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = r.GetOrCreate(ProviderGPS, factory)
		}(i)
	}
	wg.Wait()

	if builds != 1 {
		t.Fatalf("expected factory to run exactly once, ran %d times", builds)
	}
	for i := 1; i < len(results); i++ {
		if results[i] != results[0] {
			t.Fatalf("expected every caller to observe the same manager instance")
		}
	}
}

func TestRegistry_GetAndNames(t *testing.T) {
	r := NewRegistry()
	r.GetOrCreate(ProviderGPS, func() *LocationProviderManager { return newTestManager(ProviderGPS) })
	r.GetOrCreate(ProviderNetwork, func() *LocationProviderManager { return newTestManager(ProviderNetwork) })

	if _, ok := r.Get(ProviderFused); ok {
		t.Fatalf("expected no manager registered for fused")
	}
	m, ok := r.Get(ProviderGPS)
	if !ok || m.Name() != ProviderGPS {
		t.Fatalf("expected to find the gps manager")
	}

	names := r.Names()
	if len(names) != 2 || names[0] != ProviderGPS || names[1] != ProviderNetwork {
		t.Fatalf("unexpected names: %v", names)
	}
}

func TestRegistry_Remove_StopsManager(t *testing.T) {
	r := NewRegistry()
	m := r.GetOrCreate(ProviderGPS, func() *LocationProviderManager { return newTestManager(ProviderGPS) })

	r.Remove(ProviderGPS)

	if _, ok := r.Get(ProviderGPS); ok {
		t.Fatalf("expected manager to be gone after Remove")
	}
	// StopManager is idempotent; calling it again must not panic.
	m.Stop()
}

func TestRegistry_StopAll(t *testing.T) {
	r := NewRegistry()
	r.GetOrCreate(ProviderGPS, func() *LocationProviderManager { return newTestManager(ProviderGPS) })
	r.GetOrCreate(ProviderNetwork, func() *LocationProviderManager { return newTestManager(ProviderNetwork) })

	r.StopAll()

	for _, name := range r.Names() {
		m, _ := r.Get(name)
		status := m.Status()
		if status.RegistrationCount != 0 {
			t.Fatalf("expected no registrations after StopAll for %s", name)
		}
	}
}
