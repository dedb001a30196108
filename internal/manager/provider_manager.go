// Package manager owns the process-wide collection of per-provider
// multiplexers: the layer that sits above one multiplexer per provider.
// It does not itself implement any location-domain logic — eligibility,
// merging, and delivery all live in package multiplexer — it only wires
// one named Multiplexer per provider and keeps a lookup table of them.
package manager

import (
	"fmt"

	"github.com/Resinat/Resin/internal/multiplexer"
	"github.com/Resinat/Resin/internal/provideradapter"
)

// Well-known provider names. Real platform implementations have exactly
// these four; cmd/locmux registers a Multiplexer for every configured
// name, passive included (config.DefaultProviders lists all four).
const (
	ProviderGPS     = "gps"
	ProviderNetwork = "network"
	ProviderFused   = "fused"
	ProviderPassive = "passive"
)

// LocationProviderManager wires one named provider's Multiplexer to its
// Adapter and starts/stops it as a unit. It adds no locking of its own:
// Multiplexer is already safe for concurrent use, and the only mutable
// state here (none) doesn't need protecting.
type LocationProviderManager struct {
	name    string
	adapter provideradapter.Adapter
	mx      *multiplexer.Multiplexer
}

// NewLocationProviderManager constructs (but does not start) a provider
// manager for name, wiring adapter and collab into a fresh Multiplexer.
func NewLocationProviderManager(name string, adapter provideradapter.Adapter, collab multiplexer.Collaborators) *LocationProviderManager {
	return &LocationProviderManager{
		name:    name,
		adapter: adapter,
		mx:      multiplexer.New(name, adapter, collab),
	}
}

// Name returns the provider name this manager was constructed with.
func (m *LocationProviderManager) Name() string { return m.name }

// Multiplexer returns the underlying Multiplexer, for callers (the HTTP
// control surface, cmd/locmux wiring) that need the registration API
// directly rather than a re-exported facade.
func (m *LocationProviderManager) Multiplexer() *multiplexer.Multiplexer { return m.mx }

// Adapter returns the provider adapter this manager wraps.
func (m *LocationProviderManager) Adapter() provideradapter.Adapter { return m.adapter }

// Start subscribes the underlying Multiplexer to its collaborators.
// Idempotent.
func (m *LocationProviderManager) Start() { m.mx.StartManager() }

// Stop tears down every registration and unsubscribes. Idempotent.
func (m *LocationProviderManager) Stop() { m.mx.StopManager() }

// Status returns a point-in-time snapshot suitable for the debug HTTP
// surface.
func (m *LocationProviderManager) Status() multiplexer.Status { return m.mx.Status() }

// String satisfies fmt.Stringer for log lines and debug dumps.
func (m *LocationProviderManager) String() string {
	return fmt.Sprintf("LocationProviderManager(%s)", m.name)
}
