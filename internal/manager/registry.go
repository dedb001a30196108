package manager

import (
	"sort"

	"github.com/puzpuzpuz/xsync/v4"
)

// Registry is the process-wide lookup table of provider name ->
// *LocationProviderManager, grounded on topology.GlobalNodePool's use of
// xsync.Map + Compute for atomic get-or-create: registrations and status
// reads happen far more often than a new provider is ever added, so a
// lock-free map beats a mutex-guarded one here too.
type Registry struct {
	managers *xsync.Map[string, *LocationProviderManager]
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{managers: xsync.NewMap[string, *LocationProviderManager]()}
}

// GetOrCreate returns the existing manager for name, or atomically builds
// one via factory, starts it, and stores it if none existed yet. factory
// is never called more than once for a given name even under concurrent
// callers, matching GlobalNodePool.AddNodeFromSub's Compute-based
// load-or-create idiom.
func (r *Registry) GetOrCreate(name string, factory func() *LocationProviderManager) *LocationProviderManager {
	var created *LocationProviderManager
	result, _ := r.managers.Compute(name, func(existing *LocationProviderManager, loaded bool) (*LocationProviderManager, xsync.ComputeOp) {
		if loaded {
			return existing, xsync.CancelOp
		}
		created = factory()
		return created, xsync.UpdateOp
	})
	if created != nil && result == created {
		created.Start()
	}
	return result
}

// Get returns the manager registered under name, if any.
func (r *Registry) Get(name string) (*LocationProviderManager, bool) {
	return r.managers.Load(name)
}

// Remove stops and removes the manager registered under name, if any.
func (r *Registry) Remove(name string) {
	r.managers.Compute(name, func(existing *LocationProviderManager, loaded bool) (*LocationProviderManager, xsync.ComputeOp) {
		if !loaded {
			return nil, xsync.CancelOp
		}
		existing.Stop()
		return nil, xsync.DeleteOp
	})
}

// Names returns every registered provider name, sorted for stable debug
// output.
func (r *Registry) Names() []string {
	names := make([]string, 0, r.managers.Size())
	r.managers.Range(func(name string, _ *LocationProviderManager) bool {
		names = append(names, name)
		return true
	})
	sort.Strings(names)
	return names
}

// StopAll stops every registered provider manager. Intended for process
// shutdown.
func (r *Registry) StopAll() {
	r.managers.Range(func(_ string, m *LocationProviderManager) bool {
		m.Stop()
		return true
	})
}
